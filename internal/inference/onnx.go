//go:build onnx

package inference

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	Register("onnx", newONNXBackend)
	defaultBackend = "onnx"
}

const (
	// onnxLibraryEnv names the environment variable holding the path of the
	// onnxruntime shared library
	onnxLibraryEnv = "VADC_ONNXRUNTIME_LIB"

	sileroSampleRate  = 16000
	sileroV5Context   = 64
	sileroV5Window    = 512
	sileroStateWidth  = 128
	sileroLegacyLayer = 64
)

var (
	ortOnce sync.Once
	ortErr  error
)

func initRuntime() error {
	ortOnce.Do(func() {
		if path := os.Getenv(onnxLibraryEnv); path != "" {
			ort.SetSharedLibraryPath(path)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// onnxBackend runs Silero style models through onnxruntime. Two input
// signatures are recognised: legacy models take (input, sr, h, c) and
// return (output, hn, cn); v5 models take (input, state, sr) and return
// (output, stateN) and expect 64 samples of context in front of each lane
type onnxBackend struct {
	path  string
	v5    bool
	meta  Metadata
	state ort.Shape // shape of h/c (legacy) or state (v5) with the batch left open

	session *ort.AdvancedSession
	values  []ort.Value
}

func newONNXBackend(modelPath string) (Backend, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("onnx backend needs a model path")
	}
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model %s: %w", modelPath, err)
	}

	b := &onnxBackend{path: modelPath}
	if err := b.inspect(inputs, outputs); err != nil {
		return nil, fmt.Errorf("model %s: %w", modelPath, err)
	}
	return b, nil
}

func findInfo(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return ort.InputOutputInfo{}, false
}

// inspect derives the backend metadata from the model signature
func (b *onnxBackend) inspect(inputs, outputs []ort.InputOutputInfo) error {
	input, ok := findInfo(inputs, "input")
	if !ok {
		return fmt.Errorf("no input named %q", "input")
	}
	output, ok := findInfo(outputs, "output")
	if !ok {
		return fmt.Errorf("no output named %q", "output")
	}

	meta := Metadata{
		Name:             "onnx",
		OutputRank:       len(output.Dimensions),
		InputSizeMin:     512,
		InputSizeMax:     1536,
		BatchRestriction: AnyBatchSize,
	}

	if len(input.Dimensions) != 2 {
		return fmt.Errorf("input must have rank 2, got %v", input.Dimensions)
	}
	if batch := input.Dimensions[0]; batch > 0 {
		meta.BatchRestriction = int(batch)
	}

	if state, ok := findInfo(inputs, "state"); ok {
		b.v5 = true
		meta.ContextSize = sileroV5Context
		meta.InputSizeMin = sileroV5Window
		meta.InputSizeMax = sileroV5Window
		b.state = slices.Clone(state.Dimensions)
	} else if h, ok := findInfo(inputs, "h"); ok {
		if _, ok := findInfo(inputs, "c"); !ok {
			return fmt.Errorf("input h without c")
		}
		b.state = slices.Clone(h.Dimensions)
	} else {
		return fmt.Errorf("unrecognised inputs %v", infoNames(inputs))
	}

	if len(b.state) != 3 {
		return fmt.Errorf("recurrent state must have rank 3, got %v", b.state)
	}
	if b.state[2] <= 0 {
		if b.v5 {
			b.state[2] = sileroStateWidth
		} else {
			b.state[2] = sileroLegacyLayer
		}
	}

	// Each of h and c holds state[0]*state[2] floats per lane; a v5 state
	// tensor is split in halves along its first axis
	meta.StateSize = int(b.state[0] * b.state[2])
	if b.v5 {
		meta.StateSize /= 2
	}

	// A fixed window in the model overrides the silero defaults
	if n := input.Dimensions[1]; n > 0 {
		meta.InputSizeMin = int(n) - meta.ContextSize
		meta.InputSizeMax = meta.InputSizeMin
	}

	b.meta = meta
	return nil
}

func infoNames(infos []ort.InputOutputInfo) []string {
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names
}

func (b *onnxBackend) Metadata() Metadata {
	return b.meta
}

// CreateTensors binds onnxruntime tensors directly over the shared buffers,
// so Run reads and writes them in place
func (b *onnxBackend) CreateTensors(layout Layout, buffers *Buffers) error {
	b.destroy()

	batch := int64(layout.Batch)

	input, err := ort.NewTensor(ort.NewShape(batch, int64(layout.LaneSize())), buffers.Input)
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}
	b.values = append(b.values, input)

	sr, err := ort.NewTensor(ort.NewShape(1), []int64{sileroSampleRate})
	if err != nil {
		b.destroy()
		return fmt.Errorf("failed to create sample rate tensor: %w", err)
	}
	b.values = append(b.values, sr)

	outputShape := ort.NewShape(batch, int64(layout.OutputStride))
	if b.meta.OutputRank == 3 {
		outputShape = ort.NewShape(batch, 1, int64(layout.OutputStride))
	}
	output, err := ort.NewTensor(outputShape, buffers.Output)
	if err != nil {
		b.destroy()
		return fmt.Errorf("failed to create output tensor: %w", err)
	}
	b.values = append(b.values, output)

	stateShape := ort.NewShape(b.state[0], batch, b.state[2])
	tensor := func(data []float32) (*ort.Tensor[float32], error) {
		t, err := ort.NewTensor(stateShape, data)
		if err != nil {
			return nil, fmt.Errorf("failed to create state tensor: %w", err)
		}
		b.values = append(b.values, t)
		return t, nil
	}

	var inputNames, outputNames []string
	var inputs, outputs []ort.Value

	if b.v5 {
		state, err := tensor(buffers.State)
		if err != nil {
			b.destroy()
			return err
		}
		stateN, err := tensor(buffers.StateOut)
		if err != nil {
			b.destroy()
			return err
		}
		inputNames = []string{"input", "state", "sr"}
		inputs = []ort.Value{input, state, sr}
		outputNames = []string{"output", "stateN"}
		outputs = []ort.Value{output, stateN}
	} else {
		var states [4]*ort.Tensor[float32]
		for i, data := range [][]float32{buffers.H, buffers.C, buffers.HOut, buffers.COut} {
			if states[i], err = tensor(data); err != nil {
				b.destroy()
				return err
			}
		}
		inputNames = []string{"input", "sr", "h", "c"}
		inputs = []ort.Value{input, sr, states[0], states[1]}
		outputNames = []string{"output", "hn", "cn"}
		outputs = []ort.Value{output, states[2], states[3]}
	}

	session, err := ort.NewAdvancedSession(b.path, inputNames, outputNames, inputs, outputs, nil)
	if err != nil {
		b.destroy()
		return fmt.Errorf("failed to create session: %w", err)
	}
	b.session = session
	return nil
}

func (b *onnxBackend) Run(ctx context.Context) error {
	if b.session == nil {
		return fmt.Errorf("onnx backend: tensors not created")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.session.Run(); err != nil {
		return fmt.Errorf("onnx inference failed: %w", err)
	}
	return nil
}

func (b *onnxBackend) destroy() error {
	var firstErr error
	if b.session != nil {
		firstErr = b.session.Destroy()
		b.session = nil
	}
	for _, v := range slices.Backward(b.values) {
		if err := v.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.values = nil
	return firstErr
}

func (b *onnxBackend) Close() error {
	return b.destroy()
}
