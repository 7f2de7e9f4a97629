// Package features derives lag, rolling-statistic and calendar features from a monthly panel.
package features

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/mendezjerick/riceforecast/internal/api"
	"github.com/mendezjerick/riceforecast/internal/panel"
)

// Config is the lag/window/horizon policy. It is stored with every model
// artifact so forecasting rebuilds exactly the features the model was fit on.
type Config struct {
	LagOffsets     []int `yaml:"lag_offsets" json:"lag_offsets"`
	RollingWindows []int `yaml:"rolling_windows" json:"rolling_windows"`
	Horizon        int   `yaml:"horizon" json:"horizon"`
}

// DefaultConfig returns lags {1,2,3,6}, windows {3,6} and a one-month horizon.
func DefaultConfig() Config {
	return Config{
		LagOffsets:     []int{1, 2, 3, 6},
		RollingWindows: []int{3, 6},
		Horizon:        1,
	}
}

// Validate checks that every offset, window and the horizon are positive.
func (c Config) Validate() error {
	if len(c.LagOffsets) == 0 {
		return api.Errorf(api.ErrValidation, "at least one lag offset is required")
	}
	if len(c.RollingWindows) == 0 {
		return api.Errorf(api.ErrValidation, "at least one rolling window is required")
	}
	for _, k := range c.LagOffsets {
		if k < 1 {
			return api.Errorf(api.ErrValidation, "lag offset %d must be positive", k)
		}
	}
	for _, w := range c.RollingWindows {
		if w < 1 {
			return api.Errorf(api.ErrValidation, "rolling window %d must be positive", w)
		}
	}
	if c.Horizon < 1 {
		return api.Errorf(api.ErrValidation, "horizon %d must be positive", c.Horizon)
	}
	return nil
}

// Normalize returns a copy with sorted, de-duplicated offsets and windows.
func (c Config) Normalize() Config {
	return Config{
		LagOffsets:     uniqueSorted(c.LagOffsets),
		RollingWindows: uniqueSorted(c.RollingWindows),
		Horizon:        c.Horizon,
	}
}

// HistoryMonths is how many months before an anchor month must be observed.
func (c Config) HistoryMonths() int {
	need := 0
	for _, k := range c.LagOffsets {
		need = max(need, k)
	}
	for _, w := range c.RollingWindows {
		need = max(need, w-1)
	}
	return need
}

func uniqueSorted(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

// Row is the feature vector of one (region, month).
type Row struct {
	Region      string
	Month       panel.Month
	Price       float64
	TimeIndex   int
	Lags        []float64 // aligned with Config.LagOffsets
	RollingMean []float64 // aligned with Config.RollingWindows
	RollingStd  []float64
	MonthOfYear int
	MonthSin    float64
	MonthCos    float64

	// Label is the price at Month+Horizon; only set when HasLabel is true.
	Label    float64
	HasLabel bool
}

// MonthLevels is the size of the month-of-year one-hot block.
const MonthLevels = 12

// Names returns the numeric feature names in Vector order followed by the
// month-of-year indicator names.
func Names(cfg Config) []string {
	names := []string{"price"}
	for _, k := range cfg.LagOffsets {
		names = append(names, fmt.Sprintf("lag_%d", k))
	}
	for _, w := range cfg.RollingWindows {
		names = append(names, fmt.Sprintf("rolling_mean_%d", w), fmt.Sprintf("rolling_std_%d", w))
	}
	names = append(names, "month_sin", "month_cos", "time_index")
	for m := 1; m <= MonthLevels; m++ {
		names = append(names, fmt.Sprintf("month_%d", m))
	}
	return names
}

// Vector flattens the numeric features in Names order. Month of year is
// categorical and not part of it; see MonthIndicators.
func (r Row) Vector() []float64 {
	v := make([]float64, 0, 1+len(r.Lags)+2*len(r.RollingMean)+3)
	v = append(v, r.Price)
	v = append(v, r.Lags...)
	for i := range r.RollingMean {
		v = append(v, r.RollingMean[i], r.RollingStd[i])
	}
	return append(v, r.MonthSin, r.MonthCos, float64(r.TimeIndex))
}

// MonthIndicators returns the month-of-year one-hot block.
func (r Row) MonthIndicators() []float64 {
	v := make([]float64, MonthLevels)
	if r.MonthOfYear >= 1 && r.MonthOfYear <= MonthLevels {
		v[r.MonthOfYear-1] = 1
	}
	return v
}

// Build computes labeled rows for every region. Rows lacking any lag, window
// or label month are dropped rather than imputed.
func Build(p *panel.Panel, cfg Config) ([]Row, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Normalize()

	var rows []Row
	for _, region := range p.Regions() {
		series := p.Series(region)
		for _, obs := range series {
			row, ok := anchored(p, obs, cfg)
			if !ok || !row.HasLabel {
				continue
			}
			rows = append(rows, row)
		}
	}

	if len(rows) == 0 {
		return nil, api.Errorf(api.ErrInsufficientData,
			"no region has %d months of history plus a %d-month label", cfg.HistoryMonths()+1, cfg.Horizon)
	}
	return rows, nil
}

// BuildAt computes the row anchored at month for region, labeled when the
// label month is present. It reports false when history is insufficient.
func BuildAt(p *panel.Panel, region string, month panel.Month, cfg Config) (Row, bool) {
	price, ok := p.Price(region, month)
	if !ok {
		return Row{}, false
	}
	series := p.Series(region)
	i := sort.Search(len(series), func(i int) bool { return !series[i].Month.Before(month) })
	obs := panel.Observation{Region: region, Month: month, Price: price, TimeIndex: series[i].TimeIndex}
	return anchored(p, obs, cfg.Normalize())
}

func anchored(p *panel.Panel, obs panel.Observation, cfg Config) (Row, bool) {
	row := Row{
		Region:      obs.Region,
		Month:       obs.Month,
		Price:       obs.Price,
		TimeIndex:   obs.TimeIndex,
		Lags:        make([]float64, len(cfg.LagOffsets)),
		RollingMean: make([]float64, len(cfg.RollingWindows)),
		RollingStd:  make([]float64, len(cfg.RollingWindows)),
		MonthOfYear: int(obs.Month.Month),
	}
	angle := 2 * math.Pi * float64(row.MonthOfYear) / 12
	row.MonthSin = math.Sin(angle)
	row.MonthCos = math.Cos(angle)

	for i, k := range cfg.LagOffsets {
		v, ok := p.Price(obs.Region, obs.Month.Add(-k))
		if !ok {
			return Row{}, false
		}
		row.Lags[i] = v
	}

	for i, w := range cfg.RollingWindows {
		window := make([]float64, w)
		for j := 0; j < w; j++ {
			v, ok := p.Price(obs.Region, obs.Month.Add(j-w+1))
			if !ok {
				return Row{}, false
			}
			window[j] = v
		}
		row.RollingMean[i] = stat.Mean(window, nil)
		if w > 1 {
			row.RollingStd[i] = stat.StdDev(window, nil)
		}
	}

	if label, ok := p.Price(obs.Region, obs.Month.Add(cfg.Horizon)); ok {
		row.Label = label
		row.HasLabel = true
	}
	return row, true
}
