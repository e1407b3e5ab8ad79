// Package mock provides a scripted inference.Backend for tests
//
// Backend hands out Probabilities in order, one per batch lane per call,
// and records the input tensor and recurrent state it saw on every call
//
// Example:
//
//	b := &mock.Backend{
//	    Meta:          mock.Metadata(512, 0),
//	    Probabilities: []float32{0.1, 0.9, 0.9, 0.1},
//	}
package mock

import (
	"context"
	"fmt"

	"github.com/skypro1111/vadc/internal/inference"
)

// Metadata returns rank-2 metadata for a backend with a fixed window,
// batch size 1 and the given context size
func Metadata(window, contextSize int) inference.Metadata {
	return inference.Metadata{
		Name:             "mock",
		OutputRank:       2,
		ContextSize:      contextSize,
		InputSizeMin:     window,
		InputSizeMax:     window,
		BatchRestriction: 1,
		StateSize:        2,
	}
}

// Call records one invocation of Backend.Run
type Call struct {
	// Input is a copy of the input tensor
	Input []float32

	// State is a copy of h followed by c
	State []float32
}

// Backend is a scripted implementation of inference.Backend
type Backend struct {
	// Meta is returned by Metadata
	Meta inference.Metadata

	// Probabilities are written to the output, one per lane per call.
	// Lanes past the end of the script get 0
	Probabilities []float32

	// SkipOutput lists call indices on which the output tensor is left untouched
	SkipOutput map[int]bool

	// CreateErr, if non-nil, is returned by CreateTensors
	CreateErr error

	// RunErr, if non-nil, is returned by Run on call index RunErrAt
	RunErr   error
	RunErrAt int

	// Calls records every Run in order
	Calls []Call

	// Closed is set by Close
	Closed bool

	// Layout is the layout passed to CreateTensors
	Layout inference.Layout

	buffers *inference.Buffers
	next    int
}

// Metadata returns Meta
func (b *Backend) Metadata() inference.Metadata {
	return b.Meta
}

// CreateTensors records the layout and keeps the buffers for Run
func (b *Backend) CreateTensors(layout inference.Layout, buffers *inference.Buffers) error {
	if b.CreateErr != nil {
		return b.CreateErr
	}
	b.Layout = layout
	b.buffers = buffers
	return nil
}

// Run records the call, writes scripted probabilities and sets every output
// state value to the 1-based call number
func (b *Backend) Run(ctx context.Context) error {
	if b.buffers == nil {
		return fmt.Errorf("mock: tensors not created")
	}

	index := len(b.Calls)
	b.Calls = append(b.Calls, Call{
		Input: append([]float32(nil), b.buffers.Input...),
		State: append([]float32(nil), b.buffers.State...),
	})

	if b.RunErr != nil && index == b.RunErrAt {
		return b.RunErr
	}

	for i := range b.buffers.StateOut {
		b.buffers.StateOut[i] = float32(index + 1)
	}

	if b.SkipOutput[index] {
		return nil
	}

	l := b.Layout
	for lane := 0; lane < l.Batch; lane++ {
		var p float32
		if b.next < len(b.Probabilities) {
			p = b.Probabilities[b.next]
		}
		b.next++

		slot := lane * l.OutputStride
		if l.OutputStride == 2 {
			b.buffers.Output[slot] = 1 - p
		}
		b.buffers.Output[slot+l.ProbabilityIndex] = p
	}
	return nil
}

// Close marks the backend closed
func (b *Backend) Close() error {
	b.Closed = true
	return nil
}

// Ensure Backend implements inference.Backend at compile time
var _ inference.Backend = (*Backend)(nil)
