package api

import "time"

// ForecastResult is one region × step entry of a forecast response.
type ForecastResult struct {
	Region        string   `json:"region"`
	CurrentDate   string   `json:"current_date"`
	ForecastDate  string   `json:"forecast_date"`
	CurrentPrice  float64  `json:"current_price"`
	ForecastPrice float64  `json:"forecast_price"`
	PriceChange   float64  `json:"price_change"`
	PctChange     float64  `json:"pct_change"`
	Step          int      `json:"step"`
	ForecastLower *float64 `json:"forecast_lower,omitempty"`
	ForecastUpper *float64 `json:"forecast_upper,omitempty"`
}

// ForecastResponse is the payload returned to forecast callers (HTTP and CLI).
type ForecastResponse struct {
	LatestObservation string           `json:"latest_observation"`
	MonthsRequested   int              `json:"months_requested"`
	MonthsGenerated   int              `json:"months_generated"`
	TargetDate        *string          `json:"target_date"`
	ModelVersion      string           `json:"model_version"`
	ResultCount       int              `json:"result_count"`
	Results           []ForecastResult `json:"results"`
}

// AdvisoryResult is one fired rule for one region.
type AdvisoryResult struct {
	Region       string   `json:"region"`
	ForecastDate string   `json:"forecast_date"`
	RuleName     string   `json:"rule_name"`
	Message      string   `json:"message"`
	SDGTags      []string `json:"sdg_tags"`
}

// AdvisoryResponse pairs the advisories with the forecast step they were derived from.
type AdvisoryResponse struct {
	ForecastDate string           `json:"forecast_date"`
	Step         int              `json:"step"`
	NationalMean float64          `json:"national_mean"`
	NationalStd  float64          `json:"national_std"`
	ResultCount  int              `json:"result_count"`
	Results      []AdvisoryResult `json:"results"`
}

// CandidateMetrics holds the scores recorded for one model candidate.
type CandidateMetrics struct {
	CVRMSE      float64   `json:"cv_rmse"`
	CVRMSEStd   float64   `json:"cv_rmse_std"`
	CVR2        float64   `json:"cv_r2"`
	CVR2Std     float64   `json:"cv_r2_std"`
	HoldoutRMSE float64   `json:"holdout_rmse"`
	HoldoutR2   float64   `json:"holdout_r2"`
	FoldRMSE    []float64 `json:"fold_rmse"`
	FoldR2      []float64 `json:"fold_r2"`
}

// MetricsRecord is written once per training run for reporting collaborators.
type MetricsRecord struct {
	RunID            string                      `json:"run_id"`
	ModelVersion     string                      `json:"model_version"`
	SelectedModel    string                      `json:"selected_model"`
	TrainedAt        time.Time                   `json:"trained_at"`
	Horizon          int                         `json:"horizon"`
	HoldoutMonths    int                         `json:"holdout_months"`
	CVFolds          int                         `json:"cv_folds"`
	TrainRows        int                         `json:"train_rows"`
	HoldoutRows      int                         `json:"holdout_rows"`
	NaiveHoldoutRMSE float64                     `json:"naive_holdout_rmse"`
	Models           map[string]CandidateMetrics `json:"models"`
}

// Overview summarises the loaded price history.
type Overview struct {
	Records             int     `json:"records"`
	Regions             int     `json:"regions"`
	FirstMonth          string  `json:"first_month"`
	LastMonth           string  `json:"last_month"`
	LatestNationalPrice float64 `json:"latest_national_price"`
}
