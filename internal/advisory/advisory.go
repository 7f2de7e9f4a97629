// Package advisory turns forecast rows into stakeholder advisories by
// forward-chaining a fixed, ordered list of rules. Every rule is evaluated
// against every row; several may fire for the same row.
package advisory

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/mendezjerick/riceforecast/internal/api"
	"github.com/mendezjerick/riceforecast/internal/forecast"
	"github.com/mendezjerick/riceforecast/internal/panel"
)

// SDG tags attached to advisories.
const (
	SDGZeroHunger = "SDG 2"
	SDGDecentWork = "SDG 8"
)

// Rule names in declaration order.
const (
	RuleSupplyRisk         = "supply_risk"
	RuleMarketOpportunity  = "market_opportunity"
	RuleConsumerProtection = "consumer_protection"
	RuleTradeOptimization  = "trade_optimization"
	RuleLGUAction          = "lgu_action"
)

// Thresholds parameterise the default rules.
type Thresholds struct {
	SupplyRiskPct        float64 `yaml:"supply_risk_pct" json:"supply_risk_pct"`
	MarketOpportunityPct float64 `yaml:"market_opportunity_pct" json:"market_opportunity_pct"`
	StdMultiplier        float64 `yaml:"std_multiplier" json:"std_multiplier"`
	// RisingMonths is the count of consecutive prior rises that signals supply risk.
	RisingMonths int `yaml:"rising_months" json:"rising_months"`
	// PersistentRun is the trailing rise count, forecast included, that prompts local action.
	PersistentRun int `yaml:"persistent_run" json:"persistent_run"`
}

// DefaultThresholds returns +5%, -3%, one standard deviation, 3 and 5 months.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SupplyRiskPct:        0.05,
		MarketOpportunityPct: -0.03,
		StdMultiplier:        1,
		RisingMonths:         3,
		PersistentRun:        5,
	}
}

// Validate rejects thresholds that make rules meaningless.
func (t Thresholds) Validate() error {
	if t.StdMultiplier < 0 {
		return api.Errorf(api.ErrValidation, "std multiplier %v must be non-negative", t.StdMultiplier)
	}
	if t.RisingMonths < 1 || t.PersistentRun < 1 {
		return api.Errorf(api.ErrValidation, "rising months and persistent run must be positive")
	}
	return nil
}

// Baseline is the national distribution of forecast prices for one month.
type Baseline struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// BaselineFrom computes the baseline over regional rows, excluding the national series.
// A single region has zero spread.
func BaselineFrom(rows []forecast.Row) (*Baseline, error) {
	var prices []float64
	for _, r := range rows {
		if r.Region != panel.National {
			prices = append(prices, r.ForecastPrice)
		}
	}
	if len(prices) == 0 {
		return nil, api.Errorf(api.ErrValidation, "no regional forecasts to build a national baseline")
	}
	b := &Baseline{Mean: stat.Mean(prices, nil)}
	if len(prices) > 1 {
		b.Std = stat.StdDev(prices, nil)
	}
	return b, nil
}

// Input is what a rule sees for one forecast row.
type Input struct {
	Row        forecast.Row
	Baseline   Baseline
	Thresholds Thresholds
	// PriorRises is the trailing count of month-over-month rises before the forecast month.
	PriorRises int
	// TrailingRises extends PriorRises with the forecast itself.
	TrailingRises int
}

// Rule is one condition/action pair.
type Rule struct {
	Name      string
	Condition func(Input) bool
	Message   func(Input) string
	SDGTags   []string
}

// Advisory is one fired rule for one region.
type Advisory struct {
	Region        string
	ForecastMonth panel.Month
	Rule          string
	Message       string
	SDGTags       []string
}

func peso(v float64) string {
	return "PHP " + decimal.NewFromFloat(v).StringFixed(2)
}

func percent(frac float64) string {
	return decimal.NewFromFloat(frac*100).StringFixed(1) + "%"
}

// DefaultRules returns the standard rule set in declaration order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: RuleSupplyRisk,
			Condition: func(in Input) bool {
				return in.Row.PctChange > in.Thresholds.SupplyRiskPct || in.PriorRises >= in.Thresholds.RisingMonths
			},
			Message: func(in Input) string {
				return fmt.Sprintf("Supply risk in %s: price projected at %s for %s (%s vs %s). Review import timing and buffer stock release.",
					in.Row.Region, peso(in.Row.ForecastPrice), in.Row.ForecastMonth, percent(in.Row.PctChange), in.Row.CurrentMonth)
			},
			SDGTags: []string{SDGZeroHunger},
		},
		{
			Name: RuleMarketOpportunity,
			Condition: func(in Input) bool {
				return in.Row.PctChange < in.Thresholds.MarketOpportunityPct
			},
			Message: func(in Input) string {
				return fmt.Sprintf("Market opportunity in %s: price expected to ease to %s (%s). Coordinate procurement to stabilise farmer income.",
					in.Row.Region, peso(in.Row.ForecastPrice), percent(in.Row.PctChange))
			},
			SDGTags: []string{SDGDecentWork},
		},
		{
			Name: RuleConsumerProtection,
			Condition: func(in Input) bool {
				return in.Row.ForecastPrice > in.Baseline.Mean+in.Thresholds.StdMultiplier*in.Baseline.Std
			},
			Message: func(in Input) string {
				return fmt.Sprintf("Consumer protection in %s: forecast %s is above the national band (mean %s). Intensify price monitoring and consider targeted subsidies.",
					in.Row.Region, peso(in.Row.ForecastPrice), peso(in.Baseline.Mean))
			},
			SDGTags: []string{SDGZeroHunger},
		},
		{
			Name: RuleTradeOptimization,
			Condition: func(in Input) bool {
				return in.Row.ForecastPrice < in.Baseline.Mean-in.Thresholds.StdMultiplier*in.Baseline.Std && in.Row.PctChange < 0
			},
			Message: func(in Input) string {
				return fmt.Sprintf("Trade optimization for %s: falling price %s is below the national band (mean %s). Redistribute surplus to deficit areas.",
					in.Row.Region, peso(in.Row.ForecastPrice), peso(in.Baseline.Mean))
			},
			SDGTags: []string{SDGZeroHunger, SDGDecentWork},
		},
		{
			Name: RuleLGUAction,
			Condition: func(in Input) bool {
				return in.TrailingRises >= in.Thresholds.PersistentRun
			},
			Message: func(in Input) string {
				return fmt.Sprintf("Local government action for %s: prices have risen %d consecutive months through %s. Convene LGU and agency price coordination.",
					in.Row.Region, in.TrailingRises, in.Row.ForecastMonth)
			},
			SDGTags: []string{SDGZeroHunger, SDGDecentWork},
		},
	}
}

// Engine evaluates an ordered rule list.
type Engine struct {
	rules      []Rule
	thresholds Thresholds
}

// NewEngine returns an engine over rules. Nil rules means DefaultRules.
func NewEngine(rules []Rule, t Thresholds) (*Engine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if rules == nil {
		rules = DefaultRules()
	}
	for i, r := range rules {
		if r.Name == "" || r.Condition == nil || r.Message == nil {
			return nil, api.Errorf(api.ErrValidation, "rule %d is incomplete", i)
		}
	}
	return &Engine{rules: rules, thresholds: t}, nil
}

// Rules returns the rule names in declaration order.
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name
	}
	return names
}

// Evaluate fires every rule against every row. history is the panel the rows
// were forecast from and may be nil, in which case trend rules see no rises.
// Output is ordered by region, then rule declaration order.
func (e *Engine) Evaluate(rows []forecast.Row, baseline *Baseline, history *panel.Panel) ([]Advisory, error) {
	if baseline == nil {
		return nil, api.Errorf(api.ErrValidation, "national baseline is required")
	}

	sorted := make([]forecast.Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Region < sorted[j].Region })

	var out []Advisory
	for _, row := range sorted {
		in := Input{Row: row, Baseline: *baseline, Thresholds: e.thresholds}
		if history != nil {
			in.PriorRises, in.TrailingRises = rises(history, row)
		}
		for _, rule := range e.rules {
			if !rule.Condition(in) {
				continue
			}
			out = append(out, Advisory{
				Region:        row.Region,
				ForecastMonth: row.ForecastMonth,
				Rule:          rule.Name,
				Message:       rule.Message(in),
				SDGTags:       append([]string(nil), rule.SDGTags...),
			})
		}
	}
	return out, nil
}

// rises counts trailing consecutive month-over-month increases of the region
// series before the forecast month, then with the forecast appended.
func rises(history *panel.Panel, row forecast.Row) (prior, trailing int) {
	var prices []float64
	for _, o := range history.Series(row.Region) {
		if !o.Month.Before(row.ForecastMonth) {
			break
		}
		prices = append(prices, o.Price)
	}
	prior = trailingRises(prices)
	if len(prices) > 0 && row.ForecastPrice > prices[len(prices)-1] {
		trailing = prior + 1
	}
	return prior, trailing
}

func trailingRises(prices []float64) int {
	n := 0
	for i := len(prices) - 1; i > 0; i-- {
		if prices[i] <= prices[i-1] {
			break
		}
		n++
	}
	return n
}

// Response shapes advisories for API callers.
func Response(advisories []Advisory, step int, forecastMonth panel.Month, b *Baseline) api.AdvisoryResponse {
	out := api.AdvisoryResponse{
		ForecastDate: forecastMonth.Date(),
		Step:         step,
		ResultCount:  len(advisories),
		Results:      make([]api.AdvisoryResult, 0, len(advisories)),
	}
	if b != nil {
		out.NationalMean, out.NationalStd = b.Mean, b.Std
	}
	for _, a := range advisories {
		out.Results = append(out.Results, api.AdvisoryResult{
			Region:       a.Region,
			ForecastDate: a.ForecastMonth.Date(),
			RuleName:     a.Rule,
			Message:      a.Message,
			SDGTags:      a.SDGTags,
		})
	}
	return out
}
