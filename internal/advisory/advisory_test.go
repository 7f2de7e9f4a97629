package advisory

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/mendezjerick/riceforecast/internal/api"
	"github.com/mendezjerick/riceforecast/internal/forecast"
	"github.com/mendezjerick/riceforecast/internal/panel"
)

var (
	lastMonth     = panel.NewMonth(2024, 6)
	forecastMonth = panel.NewMonth(2024, 7)
)

func row(region string, current, pct float64) forecast.Row {
	price := current * (1 + pct)
	return forecast.Row{
		Region:        region,
		CurrentMonth:  lastMonth,
		CurrentPrice:  current,
		ForecastMonth: forecastMonth,
		ForecastPrice: price,
		PriceChange:   price - current,
		PctChange:     pct,
		Step:          1,
	}
}

// history builds a region series ending at lastMonth from oldest to newest prices.
func history(region string, prices ...float64) *panel.Panel {
	var obs []panel.Observation
	for i, p := range prices {
		obs = append(obs, panel.Observation{Region: region, Month: lastMonth.Add(i - len(prices) + 1), Price: p})
	}
	return panel.New(obs)
}

func rulesFired(advs []Advisory) []string {
	var out []string
	for _, a := range advs {
		out = append(out, a.Rule)
	}
	return out
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(nil, DefaultThresholds())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestEvaluate_Thresholds(t *testing.T) {
	e := newEngine(t)
	flat := history("Bicol", 40, 41, 40, 41, 40)
	wide := &Baseline{Mean: 40, Std: 10}

	cases := []struct {
		name string
		pct  float64
		want []string
	}{
		{"six percent rise", 0.06, []string{RuleSupplyRisk}},
		{"four percent drop", -0.04, []string{RuleMarketOpportunity}},
		{"small rise", 0.01, nil},
		{"small drop", -0.02, nil},
	}
	for _, tc := range cases {
		advs, err := e.Evaluate([]forecast.Row{row("Bicol", 40, tc.pct)}, wide, flat)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got := rulesFired(advs); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s: fired %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEvaluate_RisingHistoryFiresSupplyRisk(t *testing.T) {
	e := newEngine(t)
	rising := history("Bicol", 38, 39, 40, 41)
	advs, err := e.Evaluate([]forecast.Row{row("Bicol", 41, -0.01)}, &Baseline{Mean: 41, Std: 5}, rising)
	if err != nil {
		t.Fatal(err)
	}
	if got := rulesFired(advs); !reflect.DeepEqual(got, []string{RuleSupplyRisk}) {
		t.Errorf("fired %v, want only supply_risk from three prior rises", got)
	}
}

func TestEvaluate_PersistentRunIsSeparate(t *testing.T) {
	e := newEngine(t)
	// Four prior rises plus a rising forecast make a run of five.
	h := history("Bicol", 36, 37, 38, 39, 40)
	advs, _ := e.Evaluate([]forecast.Row{row("Bicol", 40, 0.01)}, &Baseline{Mean: 40, Std: 5}, h)
	if got := rulesFired(advs); !reflect.DeepEqual(got, []string{RuleSupplyRisk, RuleLGUAction}) {
		t.Errorf("fired %v, want supply_risk and lgu_action", got)
	}

	// The same history with a falling forecast breaks the run.
	advs, _ = e.Evaluate([]forecast.Row{row("Bicol", 40, -0.01)}, &Baseline{Mean: 40, Std: 5}, h)
	if got := rulesFired(advs); !reflect.DeepEqual(got, []string{RuleSupplyRisk}) {
		t.Errorf("falling forecast fired %v, want supply_risk only", got)
	}
}

func TestEvaluate_BaselineRulesAndOrdering(t *testing.T) {
	e := newEngine(t)
	rows := []forecast.Row{
		row("Samar", 30, -0.01),
		row("Metro Manila", 60, 0.07),
		row("Bicol", 40, 0),
	}
	b := &Baseline{Mean: 45, Std: 5}

	advs, err := e.Evaluate(rows, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []struct{ region, rule string }{
		{"Metro Manila", RuleSupplyRisk},
		{"Metro Manila", RuleConsumerProtection},
		{"Samar", RuleTradeOptimization},
	}
	if len(advs) != len(want) {
		t.Fatalf("advisories = %v, want %d", rulesFired(advs), len(want))
	}
	for i, w := range want {
		if advs[i].Region != w.region || advs[i].Rule != w.rule {
			t.Errorf("advisory %d = %s/%s, want %s/%s", i, advs[i].Region, advs[i].Rule, w.region, w.rule)
		}
	}
	if !strings.Contains(advs[1].Message, "PHP 64.20") {
		t.Errorf("message %q should render the forecast price to two decimals", advs[1].Message)
	}
	if !reflect.DeepEqual(advs[2].SDGTags, []string{SDGZeroHunger, SDGDecentWork}) {
		t.Errorf("trade optimization tags = %v", advs[2].SDGTags)
	}
}

func TestEvaluate_MissingBaseline(t *testing.T) {
	e := newEngine(t)
	if _, err := e.Evaluate([]forecast.Row{row("Bicol", 40, 0.06)}, nil, nil); !errors.Is(err, api.ErrValidation) {
		t.Errorf("nil baseline: error = %v, want ErrValidation", err)
	}
}

func TestBaselineFrom(t *testing.T) {
	rows := []forecast.Row{row("A", 40, 0), row("B", 44, 0), row(panel.National, 1000, 0)}
	b, err := BaselineFrom(rows)
	if err != nil {
		t.Fatal(err)
	}
	if b.Mean != 42 {
		t.Errorf("mean = %v, want 42 excluding the national row", b.Mean)
	}
	// Sample std of {40, 44}.
	if b.Std < 2.828 || b.Std > 2.829 {
		t.Errorf("std = %v, want ~2.8284", b.Std)
	}

	single, _ := BaselineFrom(rows[:1])
	if single.Std != 0 {
		t.Errorf("single region std = %v, want 0", single.Std)
	}
	if _, err := BaselineFrom(rows[2:]); !errors.Is(err, api.ErrValidation) {
		t.Errorf("national only: error = %v, want ErrValidation", err)
	}
}

func TestNewEngine_RejectsIncompleteRule(t *testing.T) {
	if _, err := NewEngine([]Rule{{Name: "x"}}, DefaultThresholds()); !errors.Is(err, api.ErrValidation) {
		t.Errorf("incomplete rule: error = %v, want ErrValidation", err)
	}
	bad := DefaultThresholds()
	bad.PersistentRun = 0
	if _, err := NewEngine(nil, bad); !errors.Is(err, api.ErrValidation) {
		t.Errorf("zero persistent run: error = %v, want ErrValidation", err)
	}
}
