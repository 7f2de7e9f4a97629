package model

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// RMSE is the root mean squared error of pred against truth.
func RMSE(truth, pred []float64) float64 {
	if len(truth) == 0 {
		return math.NaN()
	}
	var sum float64
	for i := range truth {
		d := truth[i] - pred[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(truth)))
}

// R2 is the coefficient of determination. A constant truth scores 1 when
// predicted exactly and 0 otherwise.
func R2(truth, pred []float64) float64 {
	if len(truth) == 0 {
		return math.NaN()
	}
	r2 := stat.RSquaredFrom(pred, truth, nil)
	if math.IsNaN(r2) || math.IsInf(r2, 0) {
		if RMSE(truth, pred) == 0 {
			return 1
		}
		return 0
	}
	return r2
}
