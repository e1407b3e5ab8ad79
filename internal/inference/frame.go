package inference

import (
	"context"
	"fmt"

	"github.com/skypro1111/vadc/internal/arena"
	"github.com/skypro1111/vadc/internal/audio"
)

// FrameSamples is the frame length accepted by FrameDetector
const FrameSamples = 512

// FrameDetector scores one fixed-size frame at a time for callers that push
// audio themselves. Recurrent state and context carry across frames until
// Reset is called
type FrameDetector struct {
	assembler *Assembler
	samples   []float32
	probs     []float32
}

// NewFrameDetector prepares a single-frame pipeline on backend. The backend
// must accept FrameSamples-sized windows
func NewFrameDetector(a *arena.Arena, backend Backend) (*FrameDetector, error) {
	m := backend.Metadata()
	if FrameSamples < m.InputSizeMin || FrameSamples > m.InputSizeMax {
		return nil, fmt.Errorf("backend %s does not accept %d sample frames (bounds [%d, %d])",
			m.Name, FrameSamples, m.InputSizeMin, m.InputSizeMax)
	}

	layout, err := ResolveLayout(m, FrameSamples, 1)
	if err != nil {
		return nil, err
	}

	buffers, err := NewBuffers(a, layout)
	if err != nil {
		return nil, err
	}

	assembler, err := NewAssembler(backend, layout, buffers)
	if err != nil {
		return nil, err
	}

	samples, _, err := arena.PushSlice[float32](a, layout.Stride())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate frame buffer: %w", err)
	}

	probs, _, err := arena.PushSlice[float32](a, layout.Batch)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate probability buffer: %w", err)
	}

	return &FrameDetector{assembler: assembler, samples: samples, probs: probs}, nil
}

// ProcessFrame returns the speech probability of exactly FrameSamples
// samples, clamped to [0,1]
func (d *FrameDetector) ProcessFrame(ctx context.Context, frame []int16) (float32, error) {
	if len(frame) != FrameSamples {
		return 0, fmt.Errorf("expected %d samples, got %d", FrameSamples, len(frame))
	}

	audio.Normalize(d.samples, frame)
	if _, err := d.assembler.Process(ctx, d.samples, FrameSamples, d.probs); err != nil {
		return 0, err
	}

	p := d.probs[0]
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p, nil
}

// Reset clears recurrent state and carried context
func (d *FrameDetector) Reset() {
	d.assembler.Reset()
}

// FrameSamples returns the frame length in samples
func (d *FrameDetector) FrameSamples() int {
	return FrameSamples
}

// SampleRate returns the sample rate frames are expected in
func (d *FrameDetector) SampleRate() int {
	return audio.SampleRate
}
