package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := true
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					matched = false
				}
			}
			if matched {
				return metric.GetCounter().GetValue()
			}
		}
	}

	t.Fatalf("Metric %s %v not found", name, labels)
	return 0
}

func TestRecorder(t *testing.T) {
	m := NewMetrics()

	m.AddSamples(1536)
	m.AddSamples(512)
	m.AddChunks(2)
	m.AddSegment(0.5)
	m.AddSegment(1.25)
	m.ObserveInference(3 * time.Millisecond)
	m.StreamTerminated("end_of_file")
	m.RunFinished("ok")

	reg := m.Registry()
	tests := []struct {
		name     string
		labels   map[string]string
		expected float64
	}{
		{name: "vadc_samples_read_total", expected: 2048},
		{name: "vadc_chunks_processed_total", expected: 2},
		{name: "vadc_segments_emitted_total", expected: 2},
		{name: "vadc_speech_seconds_total", expected: 1.75},
		{name: "vadc_stream_terminations_total", labels: map[string]string{"code": "end_of_file"}, expected: 1},
		{name: "vadc_runs_finished_total", labels: map[string]string{"code": "ok"}, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := counterValue(t, reg, tt.name, tt.labels); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestIndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.AddChunks(5)

	if got := counterValue(t, b.Registry(), "vadc_chunks_processed_total", nil); got != 0 {
		t.Errorf("Expected separate registries, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordHTTPRequest("GET", "/health", "200", 0.001)
	m.RecordHTTPError("GET", "/stats", "encode")

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`vadc_http_requests_total{endpoint="/health",method="GET",status_code="200"} 1`,
		`vadc_http_errors_total{endpoint="/stats",error_type="encode",method="GET"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected exposition to contain %q", want)
		}
	}
}
