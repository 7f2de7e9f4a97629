package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mendezjerick/riceforecast/internal/api"
	"github.com/mendezjerick/riceforecast/internal/config"
	"github.com/mendezjerick/riceforecast/internal/forecast"
	"github.com/mendezjerick/riceforecast/internal/logger"
	"github.com/mendezjerick/riceforecast/internal/metrics"
	"github.com/mendezjerick/riceforecast/internal/model"
	"github.com/mendezjerick/riceforecast/internal/panel"
	"github.com/mendezjerick/riceforecast/internal/registry"
)

var testRegions = []string{"Bicol", "Davao", "Ilocos"}

// writePrices writes 60 months (2019-01..2023-12) of linear trend prices.
func writePrices(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("admin1,date,price\n")
	start := panel.NewMonth(2019, 1)
	for r, region := range testRegions {
		for i := 0; i < 60; i++ {
			m := start.Add(i)
			fmt.Fprintf(&b, "%s,%s,%.2f\n", region, m.Date(), 40+5*float64(r)+0.5*float64(i))
		}
	}
	path := filepath.Join(dir, "rice.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Data.Path = writePrices(t, dir)
	cfg.Artifacts.Dir = filepath.Join(dir, "artifacts")
	cfg.Training.HoldoutMonths = 6
	cfg.Training.Folds = 3
	cfg.Training.Candidates = []model.Candidate{
		{Name: "linear_regression", Spec: model.Spec{Kind: model.KindLinear}},
		{Name: "ridge", Spec: model.Spec{Kind: model.KindRidge, Alpha: 1}},
	}

	svc, err := New(context.Background(), cfg, logger.Discard(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func intp(v int) *int { return &v }

func TestTrainThenForecast(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	art, err := svc.Train(ctx)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if art.LastObserved != panel.NewMonth(2023, 12) {
		t.Errorf("last observed = %s, want 2023-12", art.LastObserved)
	}

	models, err := svc.Models()
	if err != nil || len(models) != 1 || !models[0].Latest {
		t.Fatalf("Models = %+v, %v", models, err)
	}
	rec, err := svc.LatestMetrics()
	if err != nil {
		t.Fatalf("LatestMetrics: %v", err)
	}
	if rec.ModelVersion != art.Version || rec.SelectedModel != art.Selected.Name {
		t.Errorf("metrics record %+v does not match artifact %s", rec, art.Version)
	}
	if len(rec.Models) != 2 {
		t.Errorf("metrics record has %d models, want 2", len(rec.Models))
	}
	if got := testutil.ToFloat64(svc.metrics.TrainingRuns.WithLabelValues(metrics.OutcomeOK)); got != 1 {
		t.Errorf("training runs ok = %v, want 1", got)
	}

	resp, err := svc.Forecast(ctx, forecast.Request{Months: 3})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if resp.MonthsGenerated != 3 || resp.TargetDate != nil {
		t.Errorf("generated %d target %v, want 3 and nil", resp.MonthsGenerated, resp.TargetDate)
	}
	// Three regions plus the national series for each of three steps.
	if resp.ResultCount != 12 || len(resp.Results) != 12 {
		t.Fatalf("result count = %d, want 12", resp.ResultCount)
	}
	if resp.ModelVersion != art.Version || resp.LatestObservation != "2023-12-01" {
		t.Errorf("response header = %+v", resp)
	}
	if art.Calibration == nil {
		t.Fatal("default training config should calibrate intervals")
	}
	for _, r := range resp.Results {
		if r.ForecastLower == nil || r.ForecastUpper == nil {
			t.Fatalf("%s step %d has no interval", r.Region, r.Step)
		}
		if *r.ForecastLower > r.ForecastPrice || *r.ForecastUpper < r.ForecastPrice {
			t.Errorf("%s step %d: %v outside [%v, %v]", r.Region, r.Step, r.ForecastPrice, *r.ForecastLower, *r.ForecastUpper)
		}
		if r.Step == 1 && r.Region == "Ilocos" {
			want := 40 + 10 + 0.5*60
			if math.Abs(r.ForecastPrice-want) > 1 {
				t.Errorf("Ilocos step 1 = %.3f, want about %.1f", r.ForecastPrice, want)
			}
		}
	}

	// Step 1 against the true next price stays within the recorded holdout RMSE.
	var holdoutRMSE float64
	for _, e := range art.Evaluations {
		if e.Candidate.Name == art.Selected.Name {
			holdoutRMSE = e.HoldoutRMSE
		}
	}
	base := map[string]float64{"Bicol": 40, "Davao": 45, "Ilocos": 50, panel.National: 45}
	for _, r := range resp.Results {
		if r.Step != 1 {
			continue
		}
		truth := base[r.Region] + 0.5*60
		if diff := math.Abs(r.ForecastPrice - truth); diff > holdoutRMSE+1e-6 {
			t.Errorf("%s step 1 = %v, off by %v, holdout RMSE %v", r.Region, r.ForecastPrice, diff, holdoutRMSE)
		}
	}

	if st := svc.CacheStats(); st.Misses != 1 || st.Hits != 0 {
		t.Errorf("cold forecast cache stats = %+v, want one miss", st)
	}

	again, err := svc.Forecast(ctx, forecast.Request{Months: 3})
	if err != nil {
		t.Fatalf("second Forecast: %v", err)
	}
	if again.ResultCount != resp.ResultCount {
		t.Errorf("cached response differs")
	}
	if got := testutil.ToFloat64(svc.metrics.CacheHits); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if st := svc.CacheStats(); st.Misses != 1 || st.Hits != 1 {
		t.Errorf("warm forecast cache stats = %+v, want one hit one miss", st)
	}
}

func TestForecastTarget(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Train(ctx); err != nil {
		t.Fatalf("Train: %v", err)
	}

	resp, err := svc.Forecast(ctx, forecast.Request{Months: 1, TargetYear: intp(2024), TargetMonth: intp(4)})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if resp.MonthsGenerated != 4 {
		t.Errorf("generated = %d, want 4", resp.MonthsGenerated)
	}
	if resp.TargetDate == nil || *resp.TargetDate != "2024-04-01" {
		t.Fatalf("target = %v", resp.TargetDate)
	}
	if resp.ResultCount != 4 {
		t.Errorf("result count = %d, want 4 regions at the target", resp.ResultCount)
	}
	for _, r := range resp.Results {
		if r.ForecastDate != "2024-04-01" || r.Step != 4 {
			t.Errorf("unfiltered row %+v", r)
		}
	}

	_, err = svc.Forecast(ctx, forecast.Request{Months: 1, TargetYear: intp(2023), TargetMonth: intp(6)})
	if !errors.Is(err, api.ErrInvalidRange) {
		t.Errorf("past target error = %v, want ErrInvalidRange", err)
	}
}

func TestAdvise(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Train(ctx); err != nil {
		t.Fatalf("Train: %v", err)
	}

	resp, err := svc.Advise(ctx, forecast.Request{Months: 3}, 0)
	if err != nil {
		t.Fatalf("Advise: %v", err)
	}
	if resp.Step != 1 || resp.ForecastDate != "2024-01-01" {
		t.Errorf("step %d date %s, want 1 and 2024-01-01", resp.Step, resp.ForecastDate)
	}
	if resp.NationalMean <= 0 || resp.NationalStd <= 0 {
		t.Errorf("baseline = %v ± %v", resp.NationalMean, resp.NationalStd)
	}
	for _, r := range resp.Results {
		if r.Region == panel.National {
			t.Errorf("advisory fired for the national series: %+v", r)
		}
	}

	target, err := svc.Advise(ctx, forecast.Request{Months: 1, TargetYear: intp(2024), TargetMonth: intp(3)}, 0)
	if err != nil {
		t.Fatalf("Advise target: %v", err)
	}
	if target.Step != 3 {
		t.Errorf("default step with target = %d, want 3", target.Step)
	}

	if _, err := svc.Advise(ctx, forecast.Request{Months: 3}, 4); !errors.Is(err, api.ErrValidation) {
		t.Errorf("step past horizon error = %v, want ErrValidation", err)
	}
}

func TestForecastWithoutModel(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Forecast(context.Background(), forecast.Request{Months: 1})
	if !errors.Is(err, registry.ErrNoArtifact) {
		t.Fatalf("error = %v, want ErrNoArtifact", err)
	}
	if got := testutil.ToFloat64(svc.metrics.ForecastRequests.WithLabelValues(metrics.OutcomeError)); got != 1 {
		t.Errorf("error outcome = %v, want 1", got)
	}
}

func TestForecastInvalidRequest(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Forecast(context.Background(), forecast.Request{Months: 0})
	if !errors.Is(err, api.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if got := testutil.ToFloat64(svc.metrics.ForecastRequests.WithLabelValues(metrics.OutcomeInvalid)); got != 1 {
		t.Errorf("invalid outcome = %v, want 1", got)
	}
}

func TestOverview(t *testing.T) {
	svc := newTestService(t)
	ov, err := svc.Overview(context.Background())
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if ov.Records != 180 || ov.Regions != 3 {
		t.Errorf("records %d regions %d, want 180 and 3", ov.Records, ov.Regions)
	}
	if ov.FirstMonth != "2019-01-01" || ov.LastMonth != "2023-12-01" {
		t.Errorf("span %s..%s", ov.FirstMonth, ov.LastMonth)
	}
	want := 45 + 0.5*59
	if math.Abs(ov.LatestNationalPrice-want) > 1e-9 {
		t.Errorf("national price = %v, want %v", ov.LatestNationalPrice, want)
	}
}

func TestRequestKey(t *testing.T) {
	a := requestKey(KindForecast, "v1", forecast.Request{Months: 3})
	b := requestKey(KindForecast, "v1", forecast.Request{Months: 3, TargetYear: intp(2024), TargetMonth: intp(1)})
	c := requestKey(KindForecast, "v2", forecast.Request{Months: 3})
	if a == b || a == c {
		t.Errorf("keys collide: %q %q %q", a, b, c)
	}
	if got := requestKey(KindAdvisory, "v1", forecast.Request{Months: 3}, 2); got != "advisory|v1|3|0|0|2" {
		t.Errorf("advisory key = %q", got)
	}
}
