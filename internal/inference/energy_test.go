package inference_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/skypro1111/vadc/internal/arena"
	"github.com/skypro1111/vadc/internal/inference"
	"github.com/skypro1111/vadc/internal/inference/mock"
)

func constantFrame(value int16) []int16 {
	frame := make([]int16, inference.FrameSamples)
	for i := range frame {
		frame[i] = value
	}
	return frame
}

func TestOpenRegistry(t *testing.T) {
	backend, err := inference.Open("energy", "")
	if err != nil {
		t.Fatalf("Failed to open energy backend: %v", err)
	}
	defer backend.Close()

	if backend.Metadata().Name != "energy" {
		t.Errorf("Expected energy metadata, got %s", backend.Metadata().Name)
	}

	if _, err := inference.Open("does-not-exist", ""); !errors.Is(err, inference.ErrUnknownBackend) {
		t.Errorf("Expected ErrUnknownBackend, got %v", err)
	}

	found := false
	for _, name := range inference.Backends() {
		if name == "energy" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected energy in %v", inference.Backends())
	}
}

func TestEnergyFrameDetector(t *testing.T) {
	backend, err := inference.Open("energy", "")
	if err != nil {
		t.Fatalf("Failed to open energy backend: %v", err)
	}

	a, _ := arena.New(1 << 20)
	detector, err := inference.NewFrameDetector(a, backend)
	if err != nil {
		t.Fatalf("Failed to create frame detector: %v", err)
	}

	if detector.FrameSamples() != 512 || detector.SampleRate() != 16000 {
		t.Errorf("Unexpected frame geometry %d @ %d", detector.FrameSamples(), detector.SampleRate())
	}

	ctx := context.Background()

	if _, err := detector.ProcessFrame(ctx, make([]int16, 100)); err == nil {
		t.Error("Expected error for short frame")
	}

	silent, err := detector.ProcessFrame(ctx, constantFrame(0))
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if silent != 0 {
		t.Errorf("Expected 0 for silence, got %f", silent)
	}

	loud, _ := detector.ProcessFrame(ctx, constantFrame(16000))
	// Smoothed against the previous silent frame: 0.5*1 + 0.5*0
	if loud != 0.5 {
		t.Errorf("Expected smoothed 0.5, got %f", loud)
	}

	detector.Reset()

	fresh, _ := detector.ProcessFrame(ctx, constantFrame(16000))
	if fresh != 1 {
		t.Errorf("Expected unsmoothed 1 after reset, got %f", fresh)
	}

	quiet, _ := detector.ProcessFrame(ctx, constantFrame(0))
	if quiet != 0.5 {
		t.Errorf("Expected state to carry 0.5 after loud frame, got %f", quiet)
	}
}

func TestFrameDetectorCarriesContext(t *testing.T) {
	b := &mock.Backend{Meta: mock.Metadata(512, 64), Probabilities: []float32{1.5, -0.2, 0.4}}

	a, _ := arena.New(1 << 20)
	detector, err := inference.NewFrameDetector(a, b)
	if err != nil {
		t.Fatalf("Failed to create frame detector: %v", err)
	}

	ctx := context.Background()
	first := make([]int16, inference.FrameSamples)
	for i := range first {
		first[i] = int16(i)
	}

	p, _ := detector.ProcessFrame(ctx, first)
	if p != 1 {
		t.Errorf("Expected probability clamped to 1, got %f", p)
	}

	p, _ = detector.ProcessFrame(ctx, constantFrame(0))
	if p != 0 {
		t.Errorf("Expected probability clamped to 0, got %f", p)
	}

	// The second call's context is the tail of the first frame
	ctxSlice := b.Calls[1].Input[:64]
	for i, v := range ctxSlice {
		want := float32(512-64+i) / 32768.0
		if v != want {
			t.Fatalf("Context[%d]: expected %f, got %f", i, want, v)
		}
	}

	detector.Reset()
	detector.ProcessFrame(ctx, constantFrame(0))
	for i, v := range b.Calls[2].Input[:64] {
		if v != 0 {
			t.Fatalf("Expected zero context after reset at %d, got %f", i, v)
		}
	}
}

func TestFrameDetectorRejectsWindow(t *testing.T) {
	b := &mock.Backend{Meta: mock.Metadata(1536, 0)}
	a, _ := arena.New(1 << 20)

	if _, err := inference.NewFrameDetector(a, b); err == nil {
		t.Error("Expected error for backend without 512 sample windows")
	}
}

func energyProbabilities(t *testing.T, batch int, parts ...[]float32) []float32 {
	t.Helper()

	backend, err := inference.Open("energy", "")
	if err != nil {
		t.Fatalf("Failed to open energy backend: %v", err)
	}
	defer backend.Close()

	a, _ := arena.New(1 << 20)
	layout, err := inference.ResolveLayout(backend.Metadata(), 256, batch)
	if err != nil {
		t.Fatalf("Failed to resolve layout: %v", err)
	}
	buffers, err := inference.NewBuffers(a, layout)
	if err != nil {
		t.Fatalf("Failed to allocate buffers: %v", err)
	}
	asm, err := inference.NewAssembler(backend, layout, buffers)
	if err != nil {
		t.Fatalf("Failed to create assembler: %v", err)
	}

	var probs []float32
	for _, samples := range parts {
		out := make([]float32, asm.ProbabilityCapacity(len(samples)))
		n, err := asm.Process(context.Background(), samples, len(samples), out)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		probs = append(probs, out[:n]...)
	}
	return probs
}

func TestEnergySmoothingIndependentOfBatch(t *testing.T) {
	const window = 256

	first := make([]float32, 8*window)
	for i := 0; i < window; i++ {
		first[i] = 16000.0 / 32768.0
	}
	second := make([]float32, 8*window)

	want := []float32{1, 0.5, 0.25, 0.125, 0.0625, 0.03125, 0.015625, 0.0078125}
	for i := 0; i < 8; i++ {
		want = append(want, want[7]/float32(int(2)<<i))
	}

	for _, batch := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("batch %d", batch), func(t *testing.T) {
			got := energyProbabilities(t, batch, first, second)
			if len(got) != len(want) {
				t.Fatalf("Expected %d probabilities, got %d", len(want), len(got))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("Chunk %d: expected %v, got %v (all %v)", i, want[i], got[i], got)
				}
			}
		})
	}
}
