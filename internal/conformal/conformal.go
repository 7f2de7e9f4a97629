// Package conformal calibrates split-conformal prediction intervals from
// out-of-sample residuals and checks whether residuals drifted between the
// cross-validation folds and the holdout.
package conformal

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/mendezjerick/riceforecast/internal/api"
)

// MinDriftSamples is the smallest sample on either side for a drift check.
const MinDriftSamples = 30

// DriftSignificance is the p-value below which residuals count as drifted.
const DriftSignificance = 0.05

// Calibration is a symmetric interval half width at a miscoverage level.
type Calibration struct {
	Miscoverage float64     `json:"miscoverage"`
	HalfWidth   float64     `json:"half_width"`
	N           int         `json:"n"`
	Drift       DriftReport `json:"drift"`
}

// Calibrate uses the absolute holdout residuals as nonconformity scores.
// reference holds the out-of-fold cross-validation residuals the holdout is
// checked against for drift.
func Calibrate(holdout, reference []float64, miscoverage float64) (*Calibration, error) {
	scores := absSorted(holdout)
	q, err := Quantile(scores, miscoverage)
	if err != nil {
		return nil, err
	}
	return &Calibration{
		Miscoverage: miscoverage,
		HalfWidth:   q,
		N:           len(scores),
		Drift:       CheckDrift(absSorted(reference), scores),
	}, nil
}

// Quantile returns the (1-delta) split-conformal quantile of sorted scores,
// interpolating between order statistics at position (1-delta)(n+1).
func Quantile(sorted []float64, delta float64) (float64, error) {
	n := len(sorted)
	if n == 0 {
		return 0, api.Errorf(api.ErrInsufficientData, "no calibration scores")
	}
	if delta <= 0 || delta >= 1 {
		return 0, api.Errorf(api.ErrValidation, "miscoverage must be in (0, 1), got %.3f", delta)
	}

	pos := (1 - delta) * float64(n+1)
	idx := int(math.Floor(pos)) - 1 // 0-indexed
	frac := pos - math.Floor(pos)

	if idx < 0 {
		return sorted[0], nil
	}
	if idx >= n-1 {
		return sorted[n-1], nil
	}
	return sorted[idx] + frac*(sorted[idx+1]-sorted[idx]), nil
}

// Interval bounds pred at forecast step. The half width grows with the
// square root of the step since each step feeds on earlier predictions.
func (c *Calibration) Interval(pred float64, step int) (lo, hi float64) {
	if step < 1 {
		step = 1
	}
	w := c.HalfWidth * math.Sqrt(float64(step))
	return pred - w, pred + w
}

// DriftReport is a two-sample Kolmogorov-Smirnov comparison of residuals.
type DriftReport struct {
	Checked     bool    `json:"checked"`
	Drifted     bool    `json:"drifted"`
	KSStatistic float64 `json:"ks_statistic"`
	PValue      float64 `json:"p_value"`
	ReferenceN  int     `json:"reference_n"`
	RecentN     int     `json:"recent_n"`
	Message     string  `json:"message"`
}

// CheckDrift compares two sorted samples.
func CheckDrift(reference, recent []float64) DriftReport {
	report := DriftReport{ReferenceN: len(reference), RecentN: len(recent), PValue: 1}
	if len(reference) < MinDriftSamples || len(recent) < MinDriftSamples {
		report.Message = fmt.Sprintf("Drift not checked: need %d residuals on each side, have %d and %d",
			MinDriftSamples, len(reference), len(recent))
		return report
	}

	d := stat.KolmogorovSmirnov(reference, nil, recent, nil)
	n1, n2 := float64(len(reference)), float64(len(recent))
	ne := (n1 * n2) / (n1 + n2) // Effective sample size

	report.Checked = true
	report.KSStatistic = d
	report.PValue = ksPValue(math.Sqrt(ne) * d)
	report.Drifted = report.PValue < DriftSignificance
	if report.Drifted {
		report.Message = fmt.Sprintf("Residual drift: p-value %.4f < %.2f. Holdout errors differ from cross-validation.",
			report.PValue, DriftSignificance)
	} else {
		report.Message = "No significant residual drift."
	}
	return report
}

// ksPValue approximates P(D > lambda) with the Kolmogorov series.
func ksPValue(lambda float64) float64 {
	if lambda <= 0 {
		return 1.0
	}
	sum := 0.0
	for k := 1; k <= 10; k++ {
		sign := 1.0
		if k%2 == 0 {
			sign = -1.0
		}
		sum += sign * math.Exp(-2*float64(k*k)*lambda*lambda)
	}
	return math.Max(0, math.Min(1, 2*sum))
}

func absSorted(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) {
			out = append(out, math.Abs(x))
		}
	}
	sort.Float64s(out)
	return out
}
