//go:build onnx

package inference

import (
	"strings"
	"testing"

	ort "github.com/yalue/onnxruntime_go"
)

func info(name string, dims ...int64) ort.InputOutputInfo {
	return ort.InputOutputInfo{Name: name, Dimensions: ort.NewShape(dims...)}
}

func TestONNXInspect(t *testing.T) {
	tests := []struct {
		name     string
		inputs   []ort.InputOutputInfo
		outputs  []ort.InputOutputInfo
		v5       bool
		expected Metadata
	}{
		{
			name:    "v5 dynamic batch",
			inputs:  []ort.InputOutputInfo{info("input", -1, -1), info("state", 2, -1, 128), info("sr")},
			outputs: []ort.InputOutputInfo{info("output", -1, 1), info("stateN", 2, -1, 128)},
			v5:      true,
			expected: Metadata{
				Name: "onnx", OutputRank: 2, ContextSize: 64,
				InputSizeMin: 512, InputSizeMax: 512,
				BatchRestriction: AnyBatchSize, StateSize: 128,
			},
		},
		{
			name:    "legacy dynamic",
			inputs:  []ort.InputOutputInfo{info("input", -1, -1), info("sr", 1), info("h", 2, -1, 64), info("c", 2, -1, 64)},
			outputs: []ort.InputOutputInfo{info("output", -1, 1), info("hn", 2, -1, 64), info("cn", 2, -1, 64)},
			expected: Metadata{
				Name: "onnx", OutputRank: 2, ContextSize: 0,
				InputSizeMin: 512, InputSizeMax: 1536,
				BatchRestriction: AnyBatchSize, StateSize: 128,
			},
		},
		{
			name:    "legacy fixed batch and window",
			inputs:  []ort.InputOutputInfo{info("input", 96, 1536), info("sr", 1), info("h", 2, 96, 64), info("c", 2, 96, 64)},
			outputs: []ort.InputOutputInfo{info("output", 96, 1, 2), info("hn", 2, 96, 64), info("cn", 2, 96, 64)},
			expected: Metadata{
				Name: "onnx", OutputRank: 3, ContextSize: 0,
				InputSizeMin: 1536, InputSizeMax: 1536,
				BatchRestriction: 96, StateSize: 128,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &onnxBackend{}
			if err := b.inspect(tt.inputs, tt.outputs); err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if b.v5 != tt.v5 {
				t.Errorf("Expected v5=%v, got %v", tt.v5, b.v5)
			}
			if got := b.Metadata(); got != tt.expected {
				t.Errorf("Expected %+v, got %+v", tt.expected, got)
			}
		})
	}
}

func TestONNXInspectErrors(t *testing.T) {
	tests := []struct {
		name     string
		inputs   []ort.InputOutputInfo
		outputs  []ort.InputOutputInfo
		errorMsg string
	}{
		{
			name:     "missing input",
			inputs:   []ort.InputOutputInfo{info("audio", -1, -1)},
			outputs:  []ort.InputOutputInfo{info("output", -1, 1)},
			errorMsg: "no input named",
		},
		{
			name:     "missing output",
			inputs:   []ort.InputOutputInfo{info("input", -1, -1)},
			outputs:  []ort.InputOutputInfo{info("prob", -1, 1)},
			errorMsg: "no output named",
		},
		{
			name:     "unknown signature",
			inputs:   []ort.InputOutputInfo{info("input", -1, -1), info("sr")},
			outputs:  []ort.InputOutputInfo{info("output", -1, 1)},
			errorMsg: "unrecognised inputs",
		},
		{
			name:     "h without c",
			inputs:   []ort.InputOutputInfo{info("input", -1, -1), info("h", 2, -1, 64)},
			outputs:  []ort.InputOutputInfo{info("output", -1, 1)},
			errorMsg: "input h without c",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &onnxBackend{}
			err := b.inspect(tt.inputs, tt.outputs)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestONNXNeedsModelPath(t *testing.T) {
	if _, err := newONNXBackend(""); err == nil {
		t.Fatal("Expected error for empty model path")
	}
}
