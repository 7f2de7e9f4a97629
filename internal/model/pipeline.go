package model

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/mendezjerick/riceforecast/internal/features"
)

// Pipeline is standard scaling of the numeric features plus month-of-year and
// region one-hot encoding in front of an estimator.
// A fitted Pipeline is read-only and safe for concurrent Predict calls.
type Pipeline struct {
	Spec    Spec
	Regions []string  // one-hot vocabulary, fixed at fit time
	Mean    []float64 // per numeric feature
	Scale   []float64

	est    Regressor
	fitted bool
}

// NewPipeline returns an unfitted pipeline for spec.
func NewPipeline(spec Spec) (*Pipeline, error) {
	est, err := New(spec)
	if err != nil {
		return nil, err
	}
	return &Pipeline{Spec: spec, est: est}, nil
}

// Fitted reports whether Fit (or UnmarshalJSON) completed.
func (p *Pipeline) Fitted() bool { return p.fitted }

// Fit learns the encoder, scaler and estimator from labeled rows.
func (p *Pipeline) Fit(rows []features.Row) error {
	if len(rows) == 0 {
		return fmt.Errorf("pipeline: no rows to fit")
	}

	seen := make(map[string]bool)
	p.Regions = p.Regions[:0]
	for _, r := range rows {
		if !r.HasLabel {
			return fmt.Errorf("pipeline: row %s %s has no label", r.Region, r.Month)
		}
		if !seen[r.Region] {
			seen[r.Region] = true
			p.Regions = append(p.Regions, r.Region)
		}
	}
	sort.Strings(p.Regions)

	raw := make([][]float64, len(rows))
	for i, r := range rows {
		raw[i] = r.Vector()
	}
	width := len(raw[0])
	p.Mean = make([]float64, width)
	p.Scale = make([]float64, width)
	col := make([]float64, len(raw))
	for j := 0; j < width; j++ {
		for i := range raw {
			col[i] = raw[i][j]
		}
		mean, variance := stat.PopMeanVariance(col, nil)
		p.Mean[j] = mean
		p.Scale[j] = math.Sqrt(variance)
		if p.Scale[j] == 0 {
			p.Scale[j] = 1
		}
	}

	X := make([][]float64, len(rows))
	y := make([]float64, len(rows))
	for i, r := range rows {
		X[i] = p.encode(r, raw[i])
		y[i] = r.Label
	}

	if err := p.est.Fit(X, y); err != nil {
		return fmt.Errorf("pipeline %s: %w", p.Spec.Kind, err)
	}
	p.fitted = true
	return nil
}

// Predict returns the estimate for one row. An unfitted pipeline returns NaN.
func (p *Pipeline) Predict(row features.Row) float64 {
	if !p.fitted {
		return math.NaN()
	}
	return p.est.Predict(p.encode(row, row.Vector()))
}

// PredictRows predicts every row in order.
func (p *Pipeline) PredictRows(rows []features.Row) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = p.Predict(r)
	}
	return out
}

// encode lays out scaled numeric columns, then the month block, then the
// region block. Unknown regions encode as all zeros.
func (p *Pipeline) encode(row features.Row, raw []float64) []float64 {
	x := make([]float64, len(raw)+features.MonthLevels+len(p.Regions))
	for j, v := range raw {
		x[j] = (v - p.Mean[j]) / p.Scale[j]
	}
	copy(x[len(raw):], row.MonthIndicators())
	off := len(raw) + features.MonthLevels
	if i := sort.SearchStrings(p.Regions, row.Region); i < len(p.Regions) && p.Regions[i] == row.Region {
		x[off+i] = 1
	}
	return x
}

type pipelineJSON struct {
	Spec      Spec            `json:"spec"`
	Regions   []string        `json:"regions"`
	Mean      []float64       `json:"mean"`
	Scale     []float64       `json:"scale"`
	Estimator json.RawMessage `json:"estimator"`
}

// MarshalJSON encodes a fitted pipeline.
func (p *Pipeline) MarshalJSON() ([]byte, error) {
	if !p.fitted {
		return nil, fmt.Errorf("pipeline: cannot serialize an unfitted pipeline")
	}
	est, err := json.Marshal(p.est)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode estimator: %w", err)
	}
	return json.Marshal(pipelineJSON{
		Spec:      p.Spec,
		Regions:   p.Regions,
		Mean:      p.Mean,
		Scale:     p.Scale,
		Estimator: est,
	})
}

// UnmarshalJSON decodes a pipeline written by MarshalJSON.
func (p *Pipeline) UnmarshalJSON(data []byte) error {
	var doc pipelineJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	est, err := New(doc.Spec)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc.Estimator, est); err != nil {
		return fmt.Errorf("pipeline: decode %s estimator: %w", doc.Spec.Kind, err)
	}
	if len(doc.Mean) != len(doc.Scale) {
		return fmt.Errorf("pipeline: scaler has %d means and %d scales", len(doc.Mean), len(doc.Scale))
	}
	*p = Pipeline{
		Spec:    doc.Spec,
		Regions: doc.Regions,
		Mean:    doc.Mean,
		Scale:   doc.Scale,
		est:     est,
		fitted:  true,
	}
	return nil
}
