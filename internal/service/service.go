// Package service composes the forecasting pipeline with its registry,
// caches, stores and telemetry. It is the only layer that logs.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/mendezjerick/riceforecast/internal/advisory"
	"github.com/mendezjerick/riceforecast/internal/api"
	"github.com/mendezjerick/riceforecast/internal/cache"
	"github.com/mendezjerick/riceforecast/internal/config"
	"github.com/mendezjerick/riceforecast/internal/conformal"
	"github.com/mendezjerick/riceforecast/internal/features"
	"github.com/mendezjerick/riceforecast/internal/forecast"
	"github.com/mendezjerick/riceforecast/internal/metrics"
	"github.com/mendezjerick/riceforecast/internal/panel"
	"github.com/mendezjerick/riceforecast/internal/registry"
	"github.com/mendezjerick/riceforecast/internal/store"
	"github.com/mendezjerick/riceforecast/internal/training"
	tel "github.com/mendezjerick/riceforecast/pkg/otel"
)

const tracerName = "ricecast/service"

// Store record kinds.
const (
	KindForecast = "forecast"
	KindAdvisory = "advisory"
)

// Service runs training, forecasting and advisories against one configuration.
type Service struct {
	cfg      *config.Config
	log      *logrus.Logger
	registry *registry.Registry
	store    store.Store
	runs     *cache.TTL[*run]
	metrics  *metrics.Metrics
	engine   *advisory.Engine
	now      func() time.Time

	mu       sync.Mutex
	artifact *registry.Artifact
	history  *history
}

// history is the aggregated source kept resident between requests.
type history struct {
	panel *panel.Panel
	stats panel.LoadStats
}

// run is one forecast computation shared by the forecast and advisory paths.
type run struct {
	version string
	plan    forecast.Plan
	result  *forecast.Result
}

// New wires a service. reg receives the Prometheus collectors; nil uses the default registerer.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger, reg prometheus.Registerer) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var key []byte
	if cfg.Artifacts.HMACKey != "" {
		key = []byte(cfg.Artifacts.HMACKey)
	}
	r, err := registry.New(cfg.Artifacts.Dir, key)
	if err != nil {
		return nil, err
	}
	runs, err := cache.New[*run](cfg.Cache.Size, cfg.Cache.TTL)
	if err != nil {
		return nil, err
	}
	engine, err := advisory.NewEngine(nil, cfg.Advisory)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	log.WithFields(logrus.Fields{
		"artifacts": cfg.Artifacts.Dir,
		"store":     cfg.Store.Backend,
		"signed":    len(key) > 0,
	}).Info("Service initialized")

	return &Service{
		cfg:      cfg,
		log:      log,
		registry: r,
		store:    st,
		runs:     runs,
		metrics:  metrics.New(reg),
		engine:   engine,
		now:      time.Now,
	}, nil
}

// Close releases the store.
func (s *Service) Close() error {
	return s.store.Close()
}

// Registry exposes the artifact registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Store exposes the forecast-run store.
func (s *Service) Store() store.Store { return s.store }

// CacheStats reports the forecast-run cache counters.
func (s *Service) CacheStats() cache.Stats { return s.runs.Stats() }

// Metrics exposes the Prometheus collectors.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

func (s *Service) loadHistory() (*history, error) {
	records, stats, err := panel.LoadFile(s.cfg.Data)
	if err != nil {
		return nil, err
	}
	p, err := panel.Aggregate(records, panel.DefaultAggregateOptions())
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"path":    s.cfg.Data.Path,
		"rows":    stats.Rows,
		"skipped": stats.Skipped,
		"regions": len(p.Regions()),
		"last":    p.LastMonth().String(),
	}).Debug("Price history loaded")
	return &history{panel: p, stats: stats}, nil
}

// resident returns the price history, loading it on first use.
func (s *Service) resident() (*history, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history != nil {
		return s.history, nil
	}
	h, err := s.loadHistory()
	if err != nil {
		return nil, err
	}
	s.history = h
	return h, nil
}

// current returns the latest artifact, loading it on first use.
func (s *Service) current() (*registry.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifact != nil {
		return s.artifact, nil
	}
	a, err := s.registry.Latest()
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"version":  a.Version,
		"selected": a.Selected.Name,
	}).Info("Model artifact loaded")
	s.artifact = a
	return a, nil
}

// Reload drops the resident artifact, price history and cached runs.
func (s *Service) Reload() {
	s.mu.Lock()
	s.artifact = nil
	s.history = nil
	s.mu.Unlock()
	s.runs.Purge()
}

// Train fits every configured candidate on the current source, saves the
// selected model as the new latest artifact and writes its metrics record.
func (s *Service) Train(ctx context.Context) (*registry.Artifact, error) {
	ctx, span := tel.StartSpan(ctx, tracerName, "service.Train")
	defer span.End()
	start := s.now()

	art, err := s.train(ctx)
	s.metrics.TrainingRuns.WithLabelValues(outcome(err)).Inc()
	s.metrics.TrainingDuration.Observe(s.now().Sub(start).Seconds())
	if err != nil {
		tel.RecordError(span, err, "training failed")
		s.log.WithError(err).Error("Training failed")
		return nil, err
	}
	span.SetAttributes(tel.ModelAttributes(art.Version, art.Selected.Name)...)
	return art, nil
}

func (s *Service) train(ctx context.Context) (*registry.Artifact, error) {
	h, err := s.loadHistory()
	if err != nil {
		return nil, err
	}
	rows, err := features.Build(h.panel, s.cfg.Features)
	if err != nil {
		return nil, err
	}
	tc := s.cfg.Training
	tel.AddEvent(trace.SpanFromContext(ctx), "features.built",
		tel.TrainingAttributes(len(tc.Candidates), len(rows), tc.HoldoutMonths, tc.Folds)...)

	tm, err := training.Train(ctx, rows, tc.Candidates, tc.Config)
	if err != nil {
		return nil, err
	}

	art := registry.NewArtifact(tm, s.cfg.Features, h.panel.LastMonth(), s.now())
	entry, err := s.registry.Save(art)
	if err != nil {
		return nil, err
	}
	if err := s.registry.WriteMetrics(art.MetricsRecord()); err != nil {
		return nil, err
	}

	for _, ev := range tm.Evaluations {
		s.metrics.CandidateCVRMSE.WithLabelValues(ev.Candidate.Name).Set(ev.CVRMSE)
		s.log.WithFields(logrus.Fields{
			"candidate":    ev.Candidate.Name,
			"cv_rmse":      ev.CVRMSE,
			"cv_rmse_std":  ev.CVRMSEStd,
			"holdout_rmse": ev.HoldoutRMSE,
		}).Info("Candidate evaluated")
	}
	if sel, ok := tm.Evaluation(tm.Selected.Name); ok {
		s.metrics.SelectedHoldout.Set(sel.HoldoutRMSE)
	}
	if cal := tm.Calibration; cal != nil {
		entry := s.log.WithFields(logrus.Fields{
			"half_width":   cal.HalfWidth,
			"miscoverage":  cal.Miscoverage,
			"ks_statistic": cal.Drift.KSStatistic,
			"p_value":      cal.Drift.PValue,
		})
		if cal.Drift.Drifted {
			entry.Warn(cal.Drift.Message)
		} else {
			entry.Debug(cal.Drift.Message)
		}
	}
	s.metrics.NaiveHoldout.Set(tm.NaiveHoldoutRMSE)

	s.mu.Lock()
	s.artifact = art
	s.history = h
	s.mu.Unlock()
	s.runs.Purge()

	s.log.WithFields(logrus.Fields{
		"version":       entry.Version,
		"selected":      entry.Selected,
		"sha256":        entry.Digest,
		"signed":        entry.Signed,
		"train_rows":    tm.TrainRows,
		"holdout_rows":  tm.HoldoutRows,
		"naive_holdout": tm.NaiveHoldoutRMSE,
	}).Info("Model trained")
	return art, nil
}

// Forecast answers a forecast request with the latest model.
func (s *Service) Forecast(ctx context.Context, req forecast.Request) (api.ForecastResponse, error) {
	ctx, span := tel.StartSpan(ctx, tracerName, "service.Forecast")
	defer span.End()
	start := s.now()

	resp, hit, err := s.forecast(ctx, req)
	s.metrics.ForecastRequests.WithLabelValues(outcome(err)).Inc()
	s.metrics.ForecastDuration.Observe(s.now().Sub(start).Seconds())
	if err != nil {
		tel.RecordError(span, err, "forecast failed")
		s.logRequestError(err, "Forecast failed")
		return api.ForecastResponse{}, err
	}

	target := ""
	if resp.TargetDate != nil {
		target = *resp.TargetDate
	}
	span.SetAttributes(tel.ForecastAttributes(resp.MonthsRequested, resp.MonthsGenerated, resp.ResultCount, target)...)
	span.SetAttributes(tel.PerformanceAttributes(hit, float64(s.now().Sub(start).Microseconds())/1000)...)
	return resp, nil
}

func (s *Service) forecast(ctx context.Context, req forecast.Request) (api.ForecastResponse, bool, error) {
	if err := req.Validate(); err != nil {
		return api.ForecastResponse{}, false, err
	}
	a, err := s.current()
	if err != nil {
		return api.ForecastResponse{}, false, err
	}
	key := requestKey(KindForecast, a.Version, req)

	if r, ok := s.runs.Get(key); ok {
		s.metrics.CacheHits.Inc()
		return withIntervals(forecast.Response(r.plan, r.result, r.version), a.Calibration), true, nil
	}
	if rec := s.lookup(ctx, key); rec != nil {
		var resp api.ForecastResponse
		if err := json.Unmarshal(rec.Payload, &resp); err == nil {
			s.metrics.StoreHits.Inc()
			return resp, true, nil
		}
	}

	r, err := s.runs.Compute(key, s.compute(ctx, a, req))
	if err != nil {
		return api.ForecastResponse{}, false, err
	}
	s.metrics.CacheMisses.Inc()
	resp := withIntervals(forecast.Response(r.plan, r.result, r.version), a.Calibration)
	s.remember(ctx, key, KindForecast, a.Version, resp)
	return resp, false, nil
}

// run fetches from cache, or computes, the forecast run for req.
func (s *Service) run(ctx context.Context, a *registry.Artifact, key string, req forecast.Request) (*run, bool, error) {
	r, hit, err := s.runs.GetOrCompute(key, s.compute(ctx, a, req))
	if hit {
		s.metrics.CacheHits.Inc()
	} else if err == nil {
		s.metrics.CacheMisses.Inc()
	}
	return r, hit, err
}

// compute returns the function that runs the forecast for req.
func (s *Service) compute(ctx context.Context, a *registry.Artifact, req forecast.Request) func() (*run, error) {
	return func() (*run, error) {
		h, err := s.resident()
		if err != nil {
			return nil, err
		}
		last := h.panel.LastMonth()
		if last.After(a.LastObserved) {
			s.log.WithFields(logrus.Fields{
				"version":      a.Version,
				"model_last":   a.LastObserved.String(),
				"history_last": last.String(),
			}).Warn("Price history is newer than the model; consider retraining")
		}
		plan, err := forecast.NewPlan(req, last)
		if err != nil {
			return nil, err
		}
		f, err := forecast.New(a.Pipeline, a.Features)
		if err != nil {
			return nil, err
		}
		res, err := f.Run(ctx, h.panel, plan.Steps)
		if err != nil {
			return nil, err
		}
		s.metrics.ForecastSteps.Observe(float64(plan.Steps))
		return &run{version: a.Version, plan: plan, result: res}, nil
	}
}

// Advise forecasts req and evaluates the advisory rules for one step. A step
// of zero selects the target step when a target is set, otherwise step 1.
func (s *Service) Advise(ctx context.Context, req forecast.Request, step int) (api.AdvisoryResponse, error) {
	ctx, span := tel.StartSpan(ctx, tracerName, "service.Advise")
	defer span.End()

	resp, err := s.advise(ctx, req, step)
	if err != nil {
		tel.RecordError(span, err, "advisory failed")
		s.logRequestError(err, "Advisory failed")
		return api.AdvisoryResponse{}, err
	}
	span.SetAttributes(tel.AdvisoryAttributes(resp.Step, resp.ResultCount)...)
	return resp, nil
}

func (s *Service) advise(ctx context.Context, req forecast.Request, step int) (api.AdvisoryResponse, error) {
	if err := req.Validate(); err != nil {
		return api.AdvisoryResponse{}, err
	}
	if step < 0 {
		return api.AdvisoryResponse{}, api.Errorf(api.ErrValidation, "step must be positive, got %d", step)
	}
	a, err := s.current()
	if err != nil {
		return api.AdvisoryResponse{}, err
	}
	r, _, err := s.run(ctx, a, requestKey(KindForecast, a.Version, req), req)
	if err != nil {
		return api.AdvisoryResponse{}, err
	}

	if step == 0 {
		step = 1
		if r.plan.HasTarget {
			step = r.plan.Target.Sub(r.result.LastObserved)
		}
	}
	if step > r.plan.Steps {
		return api.AdvisoryResponse{}, api.Errorf(api.ErrValidation,
			"step %d exceeds the %d generated months", step, r.plan.Steps)
	}

	rows := forecast.StepRows(r.result.Rows, step)
	baseline, err := advisory.BaselineFrom(rows)
	if err != nil {
		return api.AdvisoryResponse{}, err
	}
	advs, err := s.engine.Evaluate(rows, baseline, r.result.Histories[step-1])
	if err != nil {
		return api.AdvisoryResponse{}, err
	}
	for _, adv := range advs {
		s.metrics.AdvisoriesFired.WithLabelValues(adv.Rule).Inc()
	}

	resp := advisory.Response(advs, step, r.result.LastObserved.Add(step), baseline)
	s.remember(ctx, requestKey(KindAdvisory, a.Version, req, step), KindAdvisory, a.Version, resp)
	return resp, nil
}

// Overview summarises the resident price history.
func (s *Service) Overview(ctx context.Context) (api.Overview, error) {
	_, span := tel.StartSpan(ctx, tracerName, "service.Overview")
	defer span.End()

	h, err := s.resident()
	if err != nil {
		tel.RecordError(span, err, "overview failed")
		return api.Overview{}, err
	}
	p := h.panel
	out := api.Overview{
		Records:    h.stats.Rows,
		FirstMonth: p.FirstMonth().Date(),
		LastMonth:  p.LastMonth().Date(),
	}
	for _, region := range p.Regions() {
		if region != panel.National {
			out.Regions++
		}
	}
	if obs, ok := p.Last(panel.National); ok {
		out.LatestNationalPrice = obs.Price
	}
	return out, nil
}

// Models lists stored artifacts, newest first.
func (s *Service) Models() ([]registry.Entry, error) {
	return s.registry.List()
}

// LatestMetrics returns the metrics record of the last training run.
func (s *Service) LatestMetrics() (api.MetricsRecord, error) {
	return s.registry.ReadMetrics()
}

func (s *Service) lookup(ctx context.Context, key string) *store.Record {
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		s.metrics.StoreErrors.Inc()
		s.log.WithError(err).WithField("key", key).Warn("Store lookup failed")
		return nil
	}
	return rec
}

// remember records a response in the shared store. Failures are not fatal.
func (s *Service) remember(ctx context.Context, key, kind, version string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).Warn("Encode stored run failed")
		return
	}
	rec := &store.Record{Key: key, Kind: kind, ModelVersion: version, Payload: payload, CreatedAt: s.now().UTC()}
	if _, err := s.store.Put(ctx, rec, s.cfg.Store.TTL); err != nil {
		s.metrics.StoreErrors.Inc()
		s.log.WithError(err).WithField("key", key).Warn("Store write failed")
	}
}

func (s *Service) logRequestError(err error, msg string) {
	entry := s.log.WithError(err)
	switch outcome(err) {
	case metrics.OutcomeInvalid, metrics.OutcomeInsufficient:
		entry.Warn(msg)
	default:
		entry.Error(msg)
	}
}

// withIntervals attaches calibrated prediction bounds when the model has them.
func withIntervals(resp api.ForecastResponse, cal *conformal.Calibration) api.ForecastResponse {
	if cal == nil {
		return resp
	}
	results := make([]api.ForecastResult, len(resp.Results))
	for i, r := range resp.Results {
		lo, hi := cal.Interval(r.ForecastPrice, r.Step)
		r.ForecastLower, r.ForecastUpper = &lo, &hi
		results[i] = r
	}
	resp.Results = results
	return resp
}

func requestKey(kind, version string, req forecast.Request, extra ...any) string {
	year, month := 0, 0
	if req.TargetYear != nil {
		year = *req.TargetYear
	}
	if req.TargetMonth != nil {
		month = *req.TargetMonth
	}
	return cache.Key(kind, version, append([]any{req.Months, year, month}, extra...)...)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, api.ErrValidation), errors.Is(err, api.ErrInvalidRange):
		return metrics.OutcomeInvalid
	case errors.Is(err, api.ErrInsufficientData):
		return metrics.OutcomeInsufficient
	default:
		return metrics.OutcomeError
	}
}
