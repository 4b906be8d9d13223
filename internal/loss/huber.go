// Package loss implements the Huber regression loss used for steering targets.
package loss

import (
	"math"

	"github.com/pkg/errors"
)

// ErrLength is returned when predictions and labels differ in length.
var ErrLength = errors.New("loss: length mismatch")

// Huber returns the elementwise loss: 0.5*r^2 when |r| < delta and delta*(|r| - 0.5*delta) otherwise.
func Huber(pred, labels []float64, delta float64) ([]float64, error) {
	if len(pred) != len(labels) {
		return nil, errors.Wrapf(ErrLength, "%d predictions, %d labels", len(pred), len(labels))
	}
	out := make([]float64, len(pred))
	for i := range pred {
		out[i] = huber(labels[i]-pred[i], delta)
	}
	return out, nil
}

func huber(r, delta float64) float64 {
	a := math.Abs(r)
	if a < delta {
		return 0.5 * a * a
	}
	return delta*a - 0.5*delta*delta
}

// HuberMean averages Huber over the batch.
func HuberMean(pred, labels []float64, delta float64) (float64, error) {
	l, err := Huber(pred, labels, delta)
	if err != nil {
		return 0, err
	}
	if len(l) == 0 {
		return 0, nil
	}
	sum := 0.0
	for _, v := range l {
		sum += v
	}
	return sum / float64(len(l)), nil
}

// HuberGrad returns d(HuberMean)/d(pred).
func HuberGrad(pred, labels []float64, delta float64) ([]float64, error) {
	if len(pred) != len(labels) {
		return nil, errors.Wrapf(ErrLength, "%d predictions, %d labels", len(pred), len(labels))
	}
	n := float64(len(pred))
	out := make([]float64, len(pred))
	for i := range pred {
		d := pred[i] - labels[i]
		if math.Abs(d) < delta {
			out[i] = d / n
		} else {
			out[i] = delta * math.Copysign(1, d) / n
		}
	}
	return out, nil
}
