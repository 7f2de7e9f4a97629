// Package panel turns raw price records into a monthly per-region price panel.
package panel

import (
	"sort"

	"github.com/mendezjerick/riceforecast/internal/api"
)

// National is the region identifier of the synthetic national series.
const National = "ALL"

// Observation is one aggregated (region, month) price.
type Observation struct {
	Region    string  `json:"region"`
	Month     Month   `json:"month"`
	Price     float64 `json:"price"`
	TimeIndex int     `json:"time_index"`
}

// Panel holds one ascending monthly series per region.
// A Panel is never mutated after construction; Append returns a new value.
type Panel struct {
	series  map[string][]Observation
	regions []string
}

// New builds a panel from observations with unique (region, month) pairs.
// TimeIndex is reassigned in chronological order per region.
func New(obs []Observation) *Panel {
	p := &Panel{series: make(map[string][]Observation)}
	for _, o := range obs {
		p.series[o.Region] = append(p.series[o.Region], o)
	}
	for region, s := range p.series {
		sort.Slice(s, func(i, j int) bool { return s[i].Month.Before(s[j].Month) })
		for i := range s {
			s[i].TimeIndex = i
		}
		p.regions = append(p.regions, region)
	}
	sort.Strings(p.regions)
	return p
}

// Regions returns the region identifiers in sorted order.
func (p *Panel) Regions() []string {
	out := make([]string, len(p.regions))
	copy(out, p.regions)
	return out
}

// Series returns the observations of region in ascending month order.
// The returned slice must not be modified.
func (p *Panel) Series(region string) []Observation {
	s := p.series[region]
	return s[:len(s):len(s)]
}

// Last returns the most recent observation of region.
func (p *Panel) Last(region string) (Observation, bool) {
	s := p.series[region]
	if len(s) == 0 {
		return Observation{}, false
	}
	return s[len(s)-1], true
}

// Price returns the price of region at month m.
func (p *Panel) Price(region string, m Month) (float64, bool) {
	s := p.series[region]
	i := sort.Search(len(s), func(i int) bool { return !s[i].Month.Before(m) })
	if i < len(s) && s[i].Month == m {
		return s[i].Price, true
	}
	return 0, false
}

// FirstMonth returns the earliest month across all regions.
func (p *Panel) FirstMonth() Month {
	var first Month
	for _, s := range p.series {
		if len(s) > 0 && (first.IsZero() || s[0].Month.Before(first)) {
			first = s[0].Month
		}
	}
	return first
}

// LastMonth returns the latest month across all regions.
func (p *Panel) LastMonth() Month {
	var last Month
	for _, s := range p.series {
		if len(s) > 0 && s[len(s)-1].Month.After(last) {
			last = s[len(s)-1].Month
		}
	}
	return last
}

// Len returns the total number of observations.
func (p *Panel) Len() int {
	n := 0
	for _, s := range p.series {
		n += len(s)
	}
	return n
}

// Observations returns every observation ordered by region then month.
func (p *Panel) Observations() []Observation {
	out := make([]Observation, 0, p.Len())
	for _, region := range p.regions {
		out = append(out, p.series[region]...)
	}
	return out
}

// Append returns a new panel with obs added after the existing history.
// Each observation must be later than the last month of its region.
func (p *Panel) Append(obs ...Observation) (*Panel, error) {
	next := &Panel{series: make(map[string][]Observation, len(p.series)), regions: p.Regions()}
	for region, s := range p.series {
		next.series[region] = s[:len(s):len(s)]
	}
	for _, o := range obs {
		s, ok := next.series[o.Region]
		if !ok {
			next.regions = append(next.regions, o.Region)
		}
		if n := len(s); n > 0 && !o.Month.After(s[n-1].Month) {
			return nil, api.Errorf(api.ErrValidation, "append %s %s: not after last observed month %s", o.Region, o.Month, s[n-1].Month)
		}
		o.TimeIndex = len(s)
		next.series[o.Region] = append(s, o)
	}
	sort.Strings(next.regions)
	return next, nil
}
