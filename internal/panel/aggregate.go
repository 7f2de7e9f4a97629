package panel

import (
	"math"
	"strings"
	"time"

	"github.com/mendezjerick/riceforecast/internal/api"
)

// Record is a raw price observation as read from the source.
type Record struct {
	Region string
	Date   time.Time
	Price  float64
}

// AggregateOptions controls how the panel is assembled.
type AggregateOptions struct {
	// IncludeNational adds the ALL series: supplied ALL records are averaged
	// directly, remaining months use the mean of the regional monthly means.
	IncludeNational bool
}

// DefaultAggregateOptions returns the options used by training and forecasting.
func DefaultAggregateOptions() AggregateOptions {
	return AggregateOptions{IncludeNational: true}
}

type key struct {
	region string
	month  Month
}

type acc struct {
	sum float64
	n   int
}

// Aggregate cleans records and averages them into one observation per
// (region, calendar month).
func Aggregate(records []Record, opts AggregateOptions) (*Panel, error) {
	sums := make(map[key]*acc)
	var order []key

	for _, r := range records {
		region := strings.TrimSpace(r.Region)
		if region == "" || r.Date.IsZero() {
			continue
		}
		if math.IsNaN(r.Price) || math.IsInf(r.Price, 0) || r.Price <= 0 {
			continue
		}
		if strings.EqualFold(region, National) {
			region = National
		}
		k := key{region: region, month: MonthOf(r.Date)}
		a, ok := sums[k]
		if !ok {
			a = &acc{}
			sums[k] = a
			order = append(order, k)
		}
		a.sum += r.Price
		a.n++
	}

	if len(order) == 0 {
		return nil, api.Errorf(api.ErrData, "no valid price records after cleaning (%d read)", len(records))
	}

	obs := make([]Observation, 0, len(order))
	national := make(map[Month]*acc)
	var nationalOrder []Month
	for _, k := range order {
		a := sums[k]
		mean := a.sum / float64(a.n)
		if k.region == National {
			if !opts.IncludeNational {
				continue
			}
			obs = append(obs, Observation{Region: National, Month: k.month, Price: mean})
			continue
		}
		obs = append(obs, Observation{Region: k.region, Month: k.month, Price: mean})
		if !opts.IncludeNational {
			continue
		}
		n, ok := national[k.month]
		if !ok {
			n = &acc{}
			national[k.month] = n
			nationalOrder = append(nationalOrder, k.month)
		}
		n.sum += mean
		n.n++
	}

	if opts.IncludeNational {
		for _, m := range nationalOrder {
			if _, supplied := sums[key{region: National, month: m}]; supplied {
				continue
			}
			n := national[m]
			obs = append(obs, Observation{Region: National, Month: m, Price: n.sum / float64(n.n)})
		}
	}

	if len(obs) == 0 {
		return nil, api.Errorf(api.ErrData, "no observations left after aggregation")
	}

	return New(obs), nil
}
