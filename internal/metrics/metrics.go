package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the service
type Metrics struct {
	// Training
	TrainingRuns     *prometheus.CounterVec // outcome
	TrainingDuration prometheus.Histogram
	CandidateCVRMSE  *prometheus.GaugeVec // candidate
	SelectedHoldout  prometheus.Gauge
	NaiveHoldout     prometheus.Gauge

	// Forecasting
	ForecastRequests *prometheus.CounterVec // outcome
	ForecastSteps    prometheus.Histogram
	ForecastDuration prometheus.Histogram

	// Advisories
	AdvisoriesFired *prometheus.CounterVec // rule

	// Caching and shared store
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	StoreHits   prometheus.Counter
	StoreErrors prometheus.Counter

	// HTTP
	RateLimited prometheus.Counter
}

// New creates and registers all metrics on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		TrainingRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ricecast_training_runs_total",
			Help: "Training runs by outcome",
		}, []string{"outcome"}),
		TrainingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ricecast_training_duration_seconds",
			Help:    "Wall time of a full training run",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		CandidateCVRMSE: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ricecast_candidate_cv_rmse",
			Help: "Mean cross-validation RMSE of each candidate in the last training run",
		}, []string{"candidate"}),
		SelectedHoldout: f.NewGauge(prometheus.GaugeOpts{
			Name: "ricecast_selected_holdout_rmse",
			Help: "Holdout RMSE of the selected candidate in the last training run",
		}),
		NaiveHoldout: f.NewGauge(prometheus.GaugeOpts{
			Name: "ricecast_naive_holdout_rmse",
			Help: "Holdout RMSE of the repeat-last-value baseline in the last training run",
		}),

		ForecastRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ricecast_forecast_requests_total",
			Help: "Forecast requests by outcome",
		}, []string{"outcome"}),
		ForecastSteps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ricecast_forecast_steps",
			Help:    "Months generated per forecast request",
			Buckets: []float64{1, 2, 3, 6, 12, 24, 48, 96},
		}),
		ForecastDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ricecast_forecast_duration_seconds",
			Help:    "Time to compute a forecast, cache misses only",
			Buckets: prometheus.DefBuckets,
		}),

		AdvisoriesFired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ricecast_advisories_fired_total",
			Help: "Advisories emitted by rule",
		}, []string{"rule"}),

		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "ricecast_cache_hits_total",
			Help: "Responses served from the in-process cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "ricecast_cache_misses_total",
			Help: "Responses not found in the in-process cache",
		}),
		StoreHits: f.NewCounter(prometheus.CounterOpts{
			Name: "ricecast_store_hits_total",
			Help: "Responses served from the shared run store",
		}),
		StoreErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "ricecast_store_errors_total",
			Help: "Shared run store read or write failures",
		}),

		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "ricecast_rate_limited_total",
			Help: "HTTP requests rejected by the rate limiter",
		}),
	}
}

// Outcome label values.
const (
	OutcomeOK           = "ok"
	OutcomeInvalid      = "invalid"
	OutcomeInsufficient = "insufficient_data"
	OutcomeError        = "error"
)
