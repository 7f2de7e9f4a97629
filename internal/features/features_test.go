package features

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/floats"

	"github.com/mendezjerick/riceforecast/internal/api"
	"github.com/mendezjerick/riceforecast/internal/panel"
)

func linearPanel(regions []string, months int, start panel.Month) *panel.Panel {
	var obs []panel.Observation
	for r, region := range regions {
		for i := 0; i < months; i++ {
			obs = append(obs, panel.Observation{
				Region: region,
				Month:  start.Add(i),
				Price:  40 + float64(r)*5 + 0.5*float64(i),
			})
		}
	}
	return panel.New(obs)
}

func TestBuild_RowCountContiguous(t *testing.T) {
	start := panel.NewMonth(2021, 1)
	p := linearPanel([]string{"A", "B"}, 24, start)

	cases := []Config{
		DefaultConfig(),
		{LagOffsets: []int{1}, RollingWindows: []int{3}, Horizon: 1},
		{LagOffsets: []int{2, 12}, RollingWindows: []int{6}, Horizon: 3},
		{LagOffsets: []int{1}, RollingWindows: []int{8}, Horizon: 2},
	}

	for _, cfg := range cases {
		rows, err := Build(p, cfg)
		if err != nil {
			t.Fatalf("Build(%+v): %v", cfg, err)
		}
		perRegion := 24 - cfg.HistoryMonths() - cfg.Horizon
		if len(rows) != 2*perRegion {
			t.Errorf("cfg %+v: rows = %d, want %d", cfg, len(rows), 2*perRegion)
		}
	}
}

func TestBuild_FeatureValues(t *testing.T) {
	start := panel.NewMonth(2021, 1)
	p := linearPanel([]string{"A"}, 12, start)

	rows, err := Build(p, DefaultConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	first := rows[0]
	if first.Month != start.Add(6) {
		t.Fatalf("first row month = %v, want %v", first.Month, start.Add(6))
	}
	if first.Price != 43 || first.Label != 43.5 {
		t.Errorf("price/label = %v/%v, want 43/43.5", first.Price, first.Label)
	}
	wantLags := []float64{42.5, 42, 41.5, 40}
	if !reflect.DeepEqual(first.Lags, wantLags) {
		t.Errorf("lags = %v, want %v", first.Lags, wantLags)
	}
	if first.RollingMean[0] != 42.5 {
		t.Errorf("rolling_mean_3 = %v, want 42.5", first.RollingMean[0])
	}
	if math.Abs(first.RollingStd[0]-0.5) > 1e-12 {
		t.Errorf("rolling_std_3 = %v, want 0.5", first.RollingStd[0])
	}
	if first.MonthOfYear != 7 || first.TimeIndex != 6 {
		t.Errorf("month/time_index = %d/%d", first.MonthOfYear, first.TimeIndex)
	}
	if math.Abs(first.MonthSin-math.Sin(2*math.Pi*7/12)) > 1e-12 {
		t.Errorf("month_sin = %v", first.MonthSin)
	}
	if got := len(first.Vector()) + MonthLevels; got != len(Names(DefaultConfig())) {
		t.Errorf("vector plus month indicators = %d, names length %d", got, len(Names(DefaultConfig())))
	}
	if ind := first.MonthIndicators(); ind[6] != 1 || floats.Sum(ind) != 1 {
		t.Errorf("month indicators = %v, want only July set", ind)
	}
}

func TestBuild_NoLookAhead(t *testing.T) {
	start := panel.NewMonth(2021, 1)
	base := linearPanel([]string{"A"}, 18, start)

	// Perturb the last month only.
	obs := base.Observations()
	obs[len(obs)-1].Price *= 3
	perturbed := panel.New(obs)

	a, err := Build(base, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Build(perturbed, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	last := start.Add(17)
	for i := range a {
		if a[i].Month.Add(1) == last {
			// Only the label may see the perturbed month.
			if reflect.DeepEqual(a[i].Vector(), b[i].Vector()) && a[i].Label == b[i].Label {
				t.Errorf("row %v should only differ in its label", a[i].Month)
			}
			if !reflect.DeepEqual(a[i].Vector(), b[i].Vector()) {
				t.Errorf("row %v features changed by a future month", a[i].Month)
			}
			continue
		}
		if !reflect.DeepEqual(a[i], b[i]) {
			t.Errorf("row %v changed by a future month", a[i].Month)
		}
	}
}

func TestBuild_GapDropsRows(t *testing.T) {
	start := panel.NewMonth(2021, 1)
	var obs []panel.Observation
	for i := 0; i < 20; i++ {
		if i == 10 {
			continue
		}
		obs = append(obs, panel.Observation{Region: "A", Month: start.Add(i), Price: float64(10 + i)})
	}
	rows, err := Build(panel.New(obs), Config{LagOffsets: []int{1}, RollingWindows: []int{2}, Horizon: 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		gap := start.Add(10)
		if r.Month == gap || r.Month == gap.Add(-1) || r.Month == gap.Add(1) {
			t.Errorf("row %v touches the missing month", r.Month)
		}
	}
}

func TestBuild_Deterministic(t *testing.T) {
	p := linearPanel([]string{"A", "B", "C"}, 30, panel.NewMonth(2020, 5))
	a, _ := Build(p, DefaultConfig())
	b, _ := Build(p, DefaultConfig())
	if !reflect.DeepEqual(a, b) {
		t.Error("identical input produced different rows")
	}
}

func TestBuild_Errors(t *testing.T) {
	p := linearPanel([]string{"A"}, 5, panel.NewMonth(2021, 1))

	if _, err := Build(p, DefaultConfig()); !errors.Is(err, api.ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
	if _, err := Build(p, Config{LagOffsets: []int{0}, RollingWindows: []int{3}, Horizon: 1}); !errors.Is(err, api.ErrValidation) {
		t.Errorf("expected ErrValidation for lag 0, got %v", err)
	}
	if _, err := Build(p, Config{LagOffsets: []int{1}, RollingWindows: []int{3}, Horizon: 0}); !errors.Is(err, api.ErrValidation) {
		t.Errorf("expected ErrValidation for horizon 0, got %v", err)
	}
}

func TestBuildAt_Unlabeled(t *testing.T) {
	start := panel.NewMonth(2021, 1)
	p := linearPanel([]string{"A"}, 10, start)

	row, ok := BuildAt(p, "A", start.Add(9), DefaultConfig())
	if !ok {
		t.Fatal("expected a row at the last month")
	}
	if row.HasLabel {
		t.Error("last month cannot carry a label")
	}
	if _, ok := BuildAt(p, "A", start.Add(3), DefaultConfig()); ok {
		t.Error("month 3 lacks lag 6 history")
	}
}
