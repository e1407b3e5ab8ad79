package inference

import (
	"context"
	"fmt"
	"math"
)

func init() {
	Register("energy", newEnergyBackend)
}

const (
	// energyFullScale is the RMS level, in int16 units, that maps to probability 1
	energyFullScale = 10000.0

	// energySmoothing weighs the current window against the previous probability
	energySmoothing = 0.5
)

// energyBackend estimates speech probability from RMS energy. It needs no
// model file. Smoothing runs across lanes in chunk order: each lane is
// weighed against the lane before it, and lane 0 against the last lane of
// the previous call, carried in H with C marking that a call has run
type energyBackend struct {
	layout  Layout
	buffers *Buffers
}

func newEnergyBackend(modelPath string) (Backend, error) {
	return &energyBackend{}, nil
}

func (e *energyBackend) Metadata() Metadata {
	return Metadata{
		Name:             "energy",
		OutputRank:       2,
		ContextSize:      0,
		InputSizeMin:     256,
		InputSizeMax:     4096,
		BatchRestriction: AnyBatchSize,
		StateSize:        1,
	}
}

func (e *energyBackend) CreateTensors(layout Layout, buffers *Buffers) error {
	if layout.StateSize < 1 {
		return fmt.Errorf("energy backend needs one state value per lane, got %d", layout.StateSize)
	}
	if len(buffers.Input) < layout.InputSize() || len(buffers.Output) < layout.Batch*layout.OutputStride {
		return fmt.Errorf("buffers too small for layout %+v", layout)
	}

	e.layout = layout
	e.buffers = buffers
	return nil
}

func (e *energyBackend) Run(ctx context.Context) error {
	if e.buffers == nil {
		return fmt.Errorf("energy backend: tensors not created")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := e.buffers
	last := (e.layout.Batch - 1) * e.layout.StateSize
	previous, warm := b.H[last], b.C[last] > 0

	for lane := 0; lane < e.layout.Batch; lane++ {
		start := lane*e.layout.LaneSize() + e.layout.Context
		probability := windowEnergy(b.Input[start : start+e.layout.Window])
		if warm {
			probability = energySmoothing*probability + (1-energySmoothing)*previous
		}

		slot := lane * e.layout.StateSize
		b.Output[lane*e.layout.OutputStride+e.layout.ProbabilityIndex] = probability
		b.HOut[slot] = probability
		b.COut[slot] = 1

		previous, warm = probability, true
	}

	return nil
}

func (e *energyBackend) Close() error {
	e.buffers = nil
	return nil
}

// windowEnergy maps the RMS level of normalized samples to [0,1]
func windowEnergy(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, s := range samples {
		v := float64(s) * 32768.0
		energy += v * v
	}
	energy = math.Sqrt(energy / float64(len(samples)))

	normalized := energy / energyFullScale
	if normalized > 1.0 {
		normalized = 1.0
	}
	return float32(normalized)
}
