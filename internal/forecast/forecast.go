// Package forecast rolls a fitted model forward month by month, feeding each
// step's predictions back into the panel used by the next step.
package forecast

import (
	"context"
	"fmt"
	"math"

	"github.com/mendezjerick/riceforecast/internal/api"
	"github.com/mendezjerick/riceforecast/internal/features"
	"github.com/mendezjerick/riceforecast/internal/panel"
)

// Request limits.
const (
	MinMonths     = 1
	MaxMonths     = 24
	MinTargetYear = 2000
	MaxTargetYear = 2100
)

// Request asks for Months sequential steps, optionally extended to reach a target month.
type Request struct {
	Months      int  `json:"months"`
	TargetYear  *int `json:"target_year,omitempty"`
	TargetMonth *int `json:"target_month,omitempty"`
}

// Validate checks the request bounds. Target year and month go together.
func (r Request) Validate() error {
	if r.Months < MinMonths || r.Months > MaxMonths {
		return api.Errorf(api.ErrValidation, "months must be in [%d, %d], got %d", MinMonths, MaxMonths, r.Months)
	}
	if (r.TargetYear == nil) != (r.TargetMonth == nil) {
		return api.Errorf(api.ErrValidation, "provide both target_year and target_month, or omit both")
	}
	if r.TargetYear != nil {
		if y := *r.TargetYear; y < MinTargetYear || y > MaxTargetYear {
			return api.Errorf(api.ErrValidation, "target_year must be in [%d, %d], got %d", MinTargetYear, MaxTargetYear, y)
		}
		if m := *r.TargetMonth; m < 1 || m > 12 {
			return api.Errorf(api.ErrValidation, "target_month must be in [1, 12], got %d", m)
		}
	}
	return nil
}

// Target returns the requested target month, if any.
func (r Request) Target() (panel.Month, bool) {
	if r.TargetYear == nil || r.TargetMonth == nil {
		return panel.Month{}, false
	}
	return panel.NewMonth(*r.TargetYear, *r.TargetMonth), true
}

// Plan is a validated request resolved against the latest observation.
type Plan struct {
	Request      Request
	LastObserved panel.Month
	Steps        int
	Target       panel.Month
	HasTarget    bool
}

// NewPlan validates req and computes how many steps reach its target.
// The step count may exceed MaxMonths when the target is far out.
func NewPlan(req Request, lastObserved panel.Month) (Plan, error) {
	if err := req.Validate(); err != nil {
		return Plan{}, err
	}
	plan := Plan{Request: req, LastObserved: lastObserved, Steps: req.Months}
	if target, ok := req.Target(); ok {
		delta := target.Sub(lastObserved)
		if delta < 1 {
			return Plan{}, api.Errorf(api.ErrInvalidRange,
				"target must be after the latest observation (%s)", lastObserved)
		}
		plan.Target, plan.HasTarget = target, true
		plan.Steps = max(plan.Steps, delta)
	}
	return plan, nil
}

// Predictor scores one feature row. *model.Pipeline satisfies it.
type Predictor interface {
	Predict(row features.Row) float64
}

// Row is one region's forecast for one step.
type Row struct {
	Region        string
	CurrentMonth  panel.Month // last real observation
	CurrentPrice  float64
	ForecastMonth panel.Month
	ForecastPrice float64
	PriceChange   float64
	PctChange     float64 // fraction of CurrentPrice
	Step          int
}

// Result is the output of a Run.
type Result struct {
	LastObserved panel.Month
	Rows         []Row // by step, then region
	// Histories[s-1] is the panel the step s features were built from.
	Histories []*panel.Panel
	// Final includes every prediction.
	Final *panel.Panel
}

// Forecaster owns the autoregressive loop for one model.
type Forecaster struct {
	predictor Predictor
	features  features.Config
}

// New returns a forecaster using the feature config the model was fit with.
func New(predictor Predictor, cfg features.Config) (*Forecaster, error) {
	if predictor == nil {
		return nil, api.Errorf(api.ErrValidation, "forecaster needs a predictor")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Forecaster{predictor: predictor, features: cfg.Normalize()}, nil
}

// Run produces steps months of forecasts after the last month of p.
//
// Step s targets last+s and reads the row anchored at last+s-horizon from the
// panel as it stands after step s-1. Regions without enough history for an
// anchor are skipped for that step.
func (f *Forecaster) Run(ctx context.Context, p *panel.Panel, steps int) (*Result, error) {
	if steps < 1 {
		return nil, api.Errorf(api.ErrValidation, "steps must be positive, got %d", steps)
	}
	if p.Len() == 0 {
		return nil, api.Errorf(api.ErrData, "empty panel")
	}

	last := p.LastMonth()
	regions := p.Regions()
	current := make(map[string]panel.Observation, len(regions))
	for _, region := range regions {
		obs, _ := p.Last(region)
		current[region] = obs
	}

	res := &Result{LastObserved: last, Histories: make([]*panel.Panel, 0, steps)}
	hist := p
	for s := 1; s <= steps; s++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Histories = append(res.Histories, hist)

		target := last.Add(s)
		anchor := target.Add(-f.features.Horizon)
		var preds []panel.Observation
		for _, region := range regions {
			row, ok := features.BuildAt(hist, region, anchor, f.features)
			if !ok {
				continue
			}
			price := f.predictor.Predict(row)
			if math.IsNaN(price) || math.IsInf(price, 0) {
				return nil, fmt.Errorf("step %d region %s: model returned %v", s, region, price)
			}
			cur := current[region]
			res.Rows = append(res.Rows, Row{
				Region:        region,
				CurrentMonth:  cur.Month,
				CurrentPrice:  cur.Price,
				ForecastMonth: target,
				ForecastPrice: price,
				PriceChange:   price - cur.Price,
				PctChange:     (price - cur.Price) / cur.Price,
				Step:          s,
			})
			preds = append(preds, panel.Observation{Region: region, Month: target, Price: price})
		}

		if len(preds) == 0 && s == 1 {
			return nil, api.Errorf(api.ErrInsufficientData,
				"no region has %d months of history ending %s", f.features.HistoryMonths()+1, anchor)
		}
		next, err := hist.Append(preds...)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", s, err)
		}
		hist = next
	}
	res.Final = hist
	return res, nil
}

// Filter keeps only rows forecasting month.
func Filter(rows []Row, month panel.Month) []Row {
	var out []Row
	for _, r := range rows {
		if r.ForecastMonth == month {
			out = append(out, r)
		}
	}
	return out
}

// StepRows keeps only rows of the given step.
func StepRows(rows []Row, step int) []Row {
	var out []Row
	for _, r := range rows {
		if r.Step == step {
			out = append(out, r)
		}
	}
	return out
}

// Response shapes a run for API callers. Rows are filtered to the target when one was requested.
func Response(plan Plan, res *Result, modelVersion string) api.ForecastResponse {
	rows := res.Rows
	var target *string
	if plan.HasTarget {
		rows = Filter(rows, plan.Target)
		d := plan.Target.Date()
		target = &d
	}
	out := api.ForecastResponse{
		LatestObservation: res.LastObserved.Date(),
		MonthsRequested:   plan.Request.Months,
		MonthsGenerated:   plan.Steps,
		TargetDate:        target,
		ModelVersion:      modelVersion,
		ResultCount:       len(rows),
		Results:           make([]api.ForecastResult, 0, len(rows)),
	}
	for _, r := range rows {
		out.Results = append(out.Results, api.ForecastResult{
			Region:        r.Region,
			CurrentDate:   r.CurrentMonth.Date(),
			ForecastDate:  r.ForecastMonth.Date(),
			CurrentPrice:  r.CurrentPrice,
			ForecastPrice: r.ForecastPrice,
			PriceChange:   r.PriceChange,
			PctChange:     r.PctChange,
			Step:          r.Step,
		})
	}
	return out
}
