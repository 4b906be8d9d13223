package metrics

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// Window accumulates per-step timing and loss between log lines.
type Window struct {
	examples int
	data     time.Duration
	compute  time.Duration
	losses   []float64
}

// Record adds one training step to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.examples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.losses = append(w.losses, loss)
}

// Snapshot aggregates the window and resets it.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: len(w.losses)}
	if total := w.data + w.compute; total > 0 {
		snap.ExamplesPerSec = float64(w.examples) / total.Seconds()
	}
	if snap.Steps > 0 {
		steps := float64(snap.Steps)
		snap.AvgDataMS = w.data.Seconds() * 1000 / steps
		snap.AvgComputeMS = w.compute.Seconds() * 1000 / steps
		snap.LastLoss = w.losses[snap.Steps-1]
		snap.MeanLoss = stat.Mean(w.losses, nil)
	}

	w.examples = 0
	w.data = 0
	w.compute = 0
	w.losses = w.losses[:0]
	return snap
}

// Snapshot holds loggable training metrics.
type Snapshot struct {
	Steps          int
	ExamplesPerSec float64
	AvgDataMS      float64
	AvgComputeMS   float64
	LastLoss       float64
	MeanLoss       float64
}
