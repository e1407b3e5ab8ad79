package inference

import (
	"context"
	"fmt"
)

// windowing lays out the samples of one inference call into the input tensor
type windowing interface {
	assemble(input, samples []float32, offset int)
	name() string
}

// legacyWindowing feeds each lane exactly one window
type legacyWindowing struct {
	layout Layout
}

func (w legacyWindowing) name() string { return "legacy" }

func (w legacyWindowing) assemble(input, samples []float32, offset int) {
	copyPadded(input[:w.layout.Stride()], samples, offset)
}

// contextWindowing prefixes every lane with the samples that precede its
// window. Lane 0 takes its context from the tail of the previous call's
// last lane, which is zero before the first call
type contextWindowing struct {
	layout Layout
}

func (w contextWindowing) name() string { return "context" }

func (w contextWindowing) assemble(input, samples []float32, offset int) {
	ctx, win, lane := w.layout.Context, w.layout.Window, w.layout.LaneSize()
	size := w.layout.InputSize()

	copy(input[:ctx], input[size-ctx:size])
	copyPadded(input[ctx:lane], samples, offset)

	for b := 1; b < w.layout.Batch; b++ {
		base := b * lane
		start := offset + b*win
		copyPadded(input[base:base+ctx], samples, start-ctx)
		copyPadded(input[base+ctx:base+lane], samples, start)
	}
}

// copyPadded fills dst from samples starting at from, zero-filling whatever
// lies past the end of samples
func copyPadded(dst, samples []float32, from int) {
	n := 0
	if from < len(samples) {
		n = copy(dst, samples[from:])
	}
	clear(dst[n:])
}

// Assembler turns flat normalized samples into inference calls and collects
// one speech probability per chunk. It owns the recurrent state between calls
type Assembler struct {
	backend   Backend
	layout    Layout
	buffers   *Buffers
	windowing windowing
	calls     int
}

// NewAssembler binds the buffers to the backend and picks the windowing
// variant from the layout
func NewAssembler(backend Backend, layout Layout, buffers *Buffers) (*Assembler, error) {
	if err := backend.CreateTensors(layout, buffers); err != nil {
		return nil, fmt.Errorf("failed to create tensors: %w", err)
	}

	a := &Assembler{
		backend: backend,
		layout:  layout,
		buffers: buffers,
	}

	if layout.ContextAugmented() {
		a.windowing = contextWindowing{layout: layout}
	} else {
		a.windowing = legacyWindowing{layout: layout}
	}

	return a, nil
}

// Layout returns the tensor geometry in use
func (a *Assembler) Layout() Layout {
	return a.layout
}

// Variant names the windowing variant, "legacy" or "context"
func (a *Assembler) Variant() string {
	return a.windowing.name()
}

// Calls returns the number of inference calls made so far
func (a *Assembler) Calls() int {
	return a.calls
}

// ProbabilityCapacity is the probs length Process needs for n samples
func (a *Assembler) ProbabilityCapacity(n int) int {
	return a.layout.Calls(n) * a.layout.Batch
}

// Process runs inference over the first n values of samples and writes the
// probabilities to probs, returning how many belong to real chunks. The last
// call is made at full size even if fewer than a stride of samples remain;
// lanes past n see zeros and their probabilities are written to probs but
// not counted. The output tensor is not cleared between calls, so a lane
// the backend leaves untouched repeats the previous call's value
func (a *Assembler) Process(ctx context.Context, samples []float32, n int, probs []float32) (int, error) {
	if n < 0 || n > len(samples) {
		return 0, fmt.Errorf("sample count %d out of range [0, %d]", n, len(samples))
	}
	if need := a.ProbabilityCapacity(n); len(probs) < need {
		return 0, fmt.Errorf("probability buffer holds %d values, need %d", len(probs), need)
	}

	stride := a.layout.Stride()
	out := a.buffers.Output
	k := 0

	for offset := 0; offset < n; offset += stride {
		a.windowing.assemble(a.buffers.Input, samples[:n], offset)
		a.buffers.shiftState()

		if err := a.backend.Run(ctx); err != nil {
			return 0, fmt.Errorf("inference call %d failed: %w", a.calls, err)
		}
		a.calls++

		for lane := 0; lane < a.layout.Batch; lane++ {
			probs[k] = out[lane*a.layout.OutputStride+a.layout.ProbabilityIndex]
			k++
		}
	}

	return a.layout.Chunks(n), nil
}

// Reset zeroes the recurrent state, the carried context and the last output,
// returning the assembler to its cold-start state
func (a *Assembler) Reset() {
	a.buffers.reset()
}
