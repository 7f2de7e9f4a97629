// Package training scores model candidates with time-series cross-validation
// and a most-recent holdout, then refits the winner on all rows.
package training

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/mendezjerick/riceforecast/internal/api"
	"github.com/mendezjerick/riceforecast/internal/conformal"
	"github.com/mendezjerick/riceforecast/internal/features"
	"github.com/mendezjerick/riceforecast/internal/model"
	"github.com/mendezjerick/riceforecast/internal/panel"
)

// Config controls the evaluation protocol.
type Config struct {
	HoldoutMonths int `yaml:"holdout_months" json:"holdout_months"`
	Folds         int `yaml:"cv_folds" json:"cv_folds"`
	// Parallelism bounds concurrent candidate evaluations; <= 0 means one per candidate.
	Parallelism int `yaml:"parallelism" json:"parallelism"`
	// IntervalMiscoverage sets prediction interval coverage to 1-IntervalMiscoverage. Zero disables intervals.
	IntervalMiscoverage float64 `yaml:"interval_miscoverage" json:"interval_miscoverage"`
}

// DefaultConfig holds out the last 12 months and uses 5 folds.
func DefaultConfig() Config {
	return Config{HoldoutMonths: 12, Folds: 5, IntervalMiscoverage: 0.1}
}

// Validate rejects non-positive holdout sizes and fewer than two folds.
func (c Config) Validate() error {
	if c.HoldoutMonths < 1 {
		return api.Errorf(api.ErrValidation, "holdout months %d must be positive", c.HoldoutMonths)
	}
	if c.Folds < 2 {
		return api.Errorf(api.ErrValidation, "cv folds %d must be at least 2", c.Folds)
	}
	if c.IntervalMiscoverage < 0 || c.IntervalMiscoverage >= 1 {
		return api.Errorf(api.ErrValidation, "interval miscoverage %v must be in [0, 1)", c.IntervalMiscoverage)
	}
	return nil
}

// Evaluation is the score sheet of one candidate.
type Evaluation struct {
	Candidate   model.Candidate `json:"candidate"`
	FoldRMSE    []float64       `json:"fold_rmse"`
	FoldR2      []float64       `json:"fold_r2"`
	CVRMSE      float64         `json:"cv_rmse"`
	CVRMSEStd   float64         `json:"cv_rmse_std"`
	CVR2        float64         `json:"cv_r2"`
	CVR2Std     float64         `json:"cv_r2_std"`
	HoldoutRMSE float64         `json:"holdout_rmse"`
	HoldoutR2   float64         `json:"holdout_r2"`

	cvResiduals      []float64
	holdoutResiduals []float64
}

// Metrics converts the evaluation to its reporting form.
func (e Evaluation) Metrics() api.CandidateMetrics {
	return api.CandidateMetrics{
		CVRMSE:      e.CVRMSE,
		CVRMSEStd:   e.CVRMSEStd,
		CVR2:        e.CVR2,
		CVR2Std:     e.CVR2Std,
		HoldoutRMSE: e.HoldoutRMSE,
		HoldoutR2:   e.HoldoutR2,
		FoldRMSE:    e.FoldRMSE,
		FoldR2:      e.FoldR2,
	}
}

// TrainedModel is the selected candidate refit on every row. Its holdout
// metrics come from the pre-refit fit.
type TrainedModel struct {
	Selected         model.Candidate
	Pipeline         *model.Pipeline
	Evaluations      []Evaluation // declaration order
	NaiveHoldoutRMSE float64
	TrainRows        int
	HoldoutRows      int
	HoldoutStart     panel.Month
	LastLabelMonth   panel.Month
	Config           Config
	// Calibration is nil when intervals are disabled.
	Calibration *conformal.Calibration
}

// Evaluation returns the score sheet of the named candidate.
func (m *TrainedModel) Evaluation(name string) (Evaluation, bool) {
	for _, e := range m.Evaluations {
		if e.Candidate.Name == name {
			return e, true
		}
	}
	return Evaluation{}, false
}

// Train evaluates every candidate and returns the refit winner.
func Train(ctx context.Context, rows []features.Row, candidates []model.Candidate, cfg Config) (*TrainedModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, api.Errorf(api.ErrValidation, "no model candidates")
	}
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if seen[c.Name] {
			return nil, api.Errorf(api.ErrValidation, "duplicate candidate name %q", c.Name)
		}
		seen[c.Name] = true
		if _, err := model.New(c.Spec); err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Name, err)
		}
	}

	sorted := byMonth(rows)
	parts, err := partition(sorted, cfg)
	if err != nil {
		return nil, err
	}
	pool, holdout, splits := parts.pool, parts.holdout, parts.splits

	evals := make([]Evaluation, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Parallelism > 0 {
		g.SetLimit(cfg.Parallelism)
	}
	for i, c := range candidates {
		g.Go(func() error {
			e, err := evaluate(gctx, c, splits, pool, holdout)
			if err != nil {
				return fmt.Errorf("candidate %s: %w", c.Name, err)
			}
			evals[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := 0
	for i := 1; i < len(evals); i++ {
		if better(evals[i], evals[best]) {
			best = i
		}
	}

	final, err := model.NewPipeline(candidates[best].Spec)
	if err != nil {
		return nil, err
	}
	if err := final.Fit(sorted); err != nil {
		return nil, fmt.Errorf("refit %s: %w", candidates[best].Name, err)
	}

	var cal *conformal.Calibration
	if cfg.IntervalMiscoverage > 0 {
		cal, err = conformal.Calibrate(evals[best].holdoutResiduals, evals[best].cvResiduals, cfg.IntervalMiscoverage)
		if err != nil {
			return nil, fmt.Errorf("calibrate %s: %w", candidates[best].Name, err)
		}
	}

	return &TrainedModel{
		Selected:         candidates[best],
		Pipeline:         final,
		Evaluations:      evals,
		NaiveHoldoutRMSE: naiveRMSE(holdout),
		TrainRows:        len(pool),
		HoldoutRows:      len(holdout),
		HoldoutStart:     parts.holdoutStart,
		LastLabelMonth:   parts.lastMonth,
		Config:           cfg,
		Calibration:      cal,
	}, nil
}

type split struct {
	train, test []features.Row
}

// byMonth returns a copy of rows ordered by month, then region.
func byMonth(rows []features.Row) []features.Row {
	sorted := make([]features.Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Month != sorted[j].Month {
			return sorted[i].Month.Before(sorted[j].Month)
		}
		return sorted[i].Region < sorted[j].Region
	})
	return sorted
}

type partitions struct {
	pool, holdout []features.Row
	splits        []split
	holdoutStart  panel.Month
	lastMonth     panel.Month
}

// partition cuts month-sorted rows into the CV pool and the last
// cfg.HoldoutMonths months, then the pool into expanding folds. Every cut
// falls on a month boundary.
func partition(sorted []features.Row, cfg Config) (partitions, error) {
	months := distinctMonths(sorted)
	if len(months) < cfg.HoldoutMonths+cfg.Folds+1 {
		return partitions{}, api.Errorf(api.ErrInsufficientData,
			"%d labeled months cannot cover a %d-month holdout and %d folds", len(months), cfg.HoldoutMonths, cfg.Folds)
	}

	holdoutStart := months[len(months)-cfg.HoldoutMonths]
	cut := sort.Search(len(sorted), func(i int) bool { return !sorted[i].Month.Before(holdoutStart) })
	pool := sorted[:cut]
	poolMonths := months[:len(months)-cfg.HoldoutMonths]

	folds, err := TimeSeriesSplit(len(poolMonths), cfg.Folds)
	if err != nil {
		return partitions{}, err
	}
	splits := make([]split, len(folds))
	for i, f := range folds {
		trainEnd := rowsBefore(pool, poolMonths[f.TrainEnd])
		testEnd := len(pool)
		if f.TestEnd < len(poolMonths) {
			testEnd = rowsBefore(pool, poolMonths[f.TestEnd])
		}
		if trainEnd == 0 || testEnd == trainEnd {
			return partitions{}, api.Errorf(api.ErrInsufficientData, "fold %d has no rows", i+1)
		}
		splits[i] = split{train: pool[:trainEnd], test: pool[trainEnd:testEnd]}
	}
	return partitions{
		pool:         pool,
		holdout:      sorted[cut:],
		splits:       splits,
		holdoutStart: holdoutStart,
		lastMonth:    months[len(months)-1],
	}, nil
}

func evaluate(ctx context.Context, c model.Candidate, splits []split, pool, holdout []features.Row) (Evaluation, error) {
	e := Evaluation{Candidate: c}
	for i, s := range splits {
		if err := ctx.Err(); err != nil {
			return e, err
		}
		sc, err := fitScore(c.Spec, s.train, s.test)
		if err != nil {
			return e, fmt.Errorf("fold %d: %w", i+1, err)
		}
		e.FoldRMSE = append(e.FoldRMSE, sc.rmse)
		e.FoldR2 = append(e.FoldR2, sc.r2)
		e.cvResiduals = append(e.cvResiduals, sc.residuals...)
	}
	e.CVRMSE, e.CVRMSEStd = meanStd(e.FoldRMSE)
	e.CVR2, e.CVR2Std = meanStd(e.FoldR2)

	if err := ctx.Err(); err != nil {
		return e, err
	}
	sc, err := fitScore(c.Spec, pool, holdout)
	if err != nil {
		return e, fmt.Errorf("holdout: %w", err)
	}
	e.HoldoutRMSE, e.HoldoutR2 = sc.rmse, sc.r2
	e.holdoutResiduals = sc.residuals
	return e, nil
}

type score struct {
	rmse, r2  float64
	residuals []float64 // truth - prediction
}

func fitScore(spec model.Spec, train, test []features.Row) (score, error) {
	p, err := model.NewPipeline(spec)
	if err != nil {
		return score{}, err
	}
	if err := p.Fit(train); err != nil {
		return score{}, err
	}
	truth := make([]float64, len(test))
	for i, r := range test {
		truth[i] = r.Label
	}
	pred := p.PredictRows(test)
	residuals := make([]float64, len(test))
	for i := range truth {
		residuals[i] = truth[i] - pred[i]
	}
	return score{rmse: model.RMSE(truth, pred), r2: model.R2(truth, pred), residuals: residuals}, nil
}

// better orders by CV RMSE then holdout RMSE. Equal scores keep the earlier candidate.
func better(a, b Evaluation) bool {
	ac, bc := orInf(a.CVRMSE), orInf(b.CVRMSE)
	if ac != bc {
		return ac < bc
	}
	return orInf(a.HoldoutRMSE) < orInf(b.HoldoutRMSE)
}

func orInf(v float64) float64 {
	if math.IsNaN(v) {
		return math.Inf(1)
	}
	return v
}

func meanStd(xs []float64) (float64, float64) {
	mean, variance := stat.PopMeanVariance(xs, nil)
	return mean, math.Sqrt(variance)
}

// naiveRMSE scores predicting the anchor month's price for the label month.
func naiveRMSE(rows []features.Row) float64 {
	truth := make([]float64, len(rows))
	pred := make([]float64, len(rows))
	for i, r := range rows {
		truth[i] = r.Label
		pred[i] = r.Price
	}
	return model.RMSE(truth, pred)
}

func distinctMonths(sorted []features.Row) []panel.Month {
	var out []panel.Month
	for _, r := range sorted {
		if len(out) == 0 || out[len(out)-1] != r.Month {
			out = append(out, r.Month)
		}
	}
	return out
}

func rowsBefore(sorted []features.Row, m panel.Month) int {
	return sort.Search(len(sorted), func(i int) bool { return !sorted[i].Month.Before(m) })
}
