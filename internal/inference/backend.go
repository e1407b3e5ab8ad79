package inference

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/skypro1111/vadc/internal/arena"
)

// ErrUnknownBackend is returned by Open for a name that was never registered
var ErrUnknownBackend = errors.New("unknown inference backend")

// AnyBatchSize marks a backend that accepts any batch size
const AnyBatchSize = -1

// Metadata is what a backend reports about the model it loaded
type Metadata struct {
	Name             string `json:"name"`
	OutputRank       int    `json:"output_rank"`       // 2: one value per lane, 3: non-speech/speech pair per lane
	ContextSize      int    `json:"context_size"`      // samples prepended to every lane, 0 for legacy models
	InputSizeMin     int    `json:"input_size_min"`    // smallest window in samples
	InputSizeMax     int    `json:"input_size_max"`    // largest window in samples
	BatchRestriction int    `json:"batch_restriction"` // required batch size or AnyBatchSize
	StateSize        int    `json:"state_size"`        // recurrent floats per lane, for each of h and c
}

// Backend is the narrow capability a detection run needs from an inference
// runtime. Run reads Input, H and C and writes Output, HOut and COut of the
// buffers handed to CreateTensors, in place
type Backend interface {
	Metadata() Metadata
	CreateTensors(layout Layout, buffers *Buffers) error
	Run(ctx context.Context) error
	Close() error
}

// Factory opens a backend for a model path. An empty path selects the
// backend's default model
type Factory func(modelPath string) (Backend, error)

var (
	registryMu     sync.RWMutex
	registry       = make(map[string]Factory)
	defaultBackend = "energy"
)

// Register makes a backend available to Open under name
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("inference: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("inference: Register called twice for " + name)
	}
	registry[name] = factory
}

// Open initializes the named backend. An empty name selects DefaultBackend
func Open(name, modelPath string) (Backend, error) {
	if name == "" {
		name = DefaultBackend()
	}

	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, name, Backends())
	}

	backend, err := factory(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s backend: %w", name, err)
	}
	return backend, nil
}

// Backends lists registered backend names in sorted order
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultBackend returns the backend used when none is named
func DefaultBackend() string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return defaultBackend
}

// Layout fixes the tensor geometry of a run
type Layout struct {
	Window           int `json:"window"`            // samples per chunk
	Batch            int `json:"batch"`             // lanes per inference call
	Context          int `json:"context"`           // leading context samples per lane
	OutputStride     int `json:"output_stride"`     // output values per lane
	ProbabilityIndex int `json:"probability_index"` // offset of the speech probability in a lane
	StateSize        int `json:"state_size"`        // recurrent floats per lane, for each of h and c
}

// Stride is the number of new samples consumed by one inference call
func (l Layout) Stride() int {
	return l.Window * l.Batch
}

// LaneSize is the number of input values per lane
func (l Layout) LaneSize() int {
	return l.Context + l.Window
}

// InputSize is the length of the flat input tensor
func (l Layout) InputSize() int {
	return l.LaneSize() * l.Batch
}

// StateLen is the length of each of h and c
func (l Layout) StateLen() int {
	return l.StateSize * l.Batch
}

// ContextAugmented reports whether lanes carry a leading context slice
func (l Layout) ContextAugmented() bool {
	return l.Context > 0
}

// Calls returns how many inference calls cover n samples
func (l Layout) Calls(n int) int {
	return (n + l.Stride() - 1) / l.Stride()
}

// Chunks returns how many probabilities n samples produce. A final partial
// chunk counts as a whole chunk
func (l Layout) Chunks(n int) int {
	return (n + l.Window - 1) / l.Window
}

// ResolveLayout clamps the desired window to the backend bounds and derives
// batch size, output addressing and context size from the metadata
func ResolveLayout(m Metadata, desiredWindow, preferredBatch int) (Layout, error) {
	if m.InputSizeMin <= 0 || m.InputSizeMax < m.InputSizeMin {
		return Layout{}, fmt.Errorf("backend %s reports invalid input bounds [%d, %d]",
			m.Name, m.InputSizeMin, m.InputSizeMax)
	}

	layout := Layout{
		Window:    min(max(desiredWindow, m.InputSizeMin), m.InputSizeMax),
		Context:   m.ContextSize,
		StateSize: m.StateSize,
	}

	if m.BatchRestriction == AnyBatchSize {
		layout.Batch = preferredBatch
	} else {
		layout.Batch = m.BatchRestriction
	}
	if layout.Batch < 1 {
		return Layout{}, fmt.Errorf("batch size must be at least 1, got %d", layout.Batch)
	}

	switch m.OutputRank {
	case 3:
		layout.OutputStride = 2
		layout.ProbabilityIndex = 1
	case 2:
		layout.OutputStride = 1
		layout.ProbabilityIndex = 0
	default:
		return Layout{}, fmt.Errorf("backend %s reports unsupported output rank %d", m.Name, m.OutputRank)
	}

	if layout.Context < 0 || layout.Context > layout.Window {
		return Layout{}, fmt.Errorf("context size %d must be between 0 and the window size %d",
			layout.Context, layout.Window)
	}

	if layout.StateSize < 0 {
		return Layout{}, fmt.Errorf("state size must not be negative, got %d", layout.StateSize)
	}

	return layout, nil
}

// Buffers are the tensors shared between the assembler and a backend.
// H and C are contiguous halves of State, and HOut and COut of StateOut,
// so backends taking a single [2, batch, n] state tensor use State directly
type Buffers struct {
	Input    []float32
	Output   []float32
	State    []float32
	StateOut []float32

	H, C       []float32
	HOut, COut []float32
}

// NewBuffers carves zeroed tensor buffers for layout out of the arena
func NewBuffers(a *arena.Arena, layout Layout) (*Buffers, error) {
	input, _, err := arena.PushSlice[float32](a, layout.InputSize())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate input tensor: %w", err)
	}

	output, _, err := arena.PushSlice[float32](a, layout.Batch*layout.OutputStride)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate output tensor: %w", err)
	}

	n := layout.StateLen()
	state, _, err := arena.PushSlice[float32](a, 2*n)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate recurrent state: %w", err)
	}

	stateOut, _, err := arena.PushSlice[float32](a, 2*n)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate recurrent state output: %w", err)
	}

	return &Buffers{
		Input:    input,
		Output:   output,
		State:    state,
		StateOut: stateOut,
		H:        state[:n:n],
		C:        state[n:],
		HOut:     stateOut[:n:n],
		COut:     stateOut[n:],
	}, nil
}

// shiftState makes the previous call's output state the next call's input
func (b *Buffers) shiftState() {
	copy(b.State, b.StateOut)
}

// reset zeroes every tensor
func (b *Buffers) reset() {
	clear(b.Input)
	clear(b.Output)
	clear(b.State)
	clear(b.StateOut)
}
