package panel

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/mendezjerick/riceforecast/internal/api"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestMonthArithmetic(t *testing.T) {
	m := NewMonth(2023, 11)
	if got := m.Add(3); got != NewMonth(2024, 2) {
		t.Errorf("Add(3) = %v, want 2024-02", got)
	}
	if got := m.Add(-11); got != NewMonth(2022, 12) {
		t.Errorf("Add(-11) = %v, want 2022-12", got)
	}
	if got := NewMonth(2025, 1).Sub(m); got != 14 {
		t.Errorf("Sub = %d, want 14", got)
	}
	if m.Date() != "2023-11-01" {
		t.Errorf("Date = %s, want 2023-11-01", m.Date())
	}

	var parsed Month
	if err := parsed.UnmarshalText([]byte("2024-07")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if parsed != NewMonth(2024, 7) {
		t.Errorf("parsed = %v, want 2024-07", parsed)
	}
}

func TestAggregate_MeanPerRegionMonth(t *testing.T) {
	records := []Record{
		{Region: "Ilocos", Date: date(2023, 1, 3), Price: 40},
		{Region: "Ilocos", Date: date(2023, 1, 20), Price: 44},
		{Region: "Ilocos", Date: date(2023, 2, 15), Price: 45},
		{Region: "Bicol", Date: date(2023, 1, 15), Price: 50},
		{Region: "Bicol", Date: date(2023, 1, 15), Price: 52},
		// The remaining records are cleaned out.
		{Region: "Bicol", Date: date(2023, 2, 1), Price: -1},
		{Region: "", Date: date(2023, 2, 1), Price: 30},
		{Region: "Bicol", Date: time.Time{}, Price: 30},
		{Region: "Bicol", Date: date(2023, 3, 1), Price: math.NaN()},
	}

	p, err := Aggregate(records, DefaultAggregateOptions())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	regions := p.Regions()
	if strings.Join(regions, ",") != "ALL,Bicol,Ilocos" {
		t.Fatalf("regions = %v", regions)
	}

	if got, _ := p.Price("Ilocos", NewMonth(2023, 1)); got != 42 {
		t.Errorf("Ilocos 2023-01 = %v, want 42", got)
	}
	if got, _ := p.Price("Bicol", NewMonth(2023, 1)); got != 51 {
		t.Errorf("Bicol 2023-01 = %v, want 51", got)
	}
	if _, ok := p.Price("Bicol", NewMonth(2023, 2)); ok {
		t.Error("Bicol 2023-02 should have been cleaned out")
	}

	// National is the mean of regional means.
	if got, _ := p.Price(National, NewMonth(2023, 1)); got != 46.5 {
		t.Errorf("ALL 2023-01 = %v, want 46.5", got)
	}
	if got, _ := p.Price(National, NewMonth(2023, 2)); got != 45 {
		t.Errorf("ALL 2023-02 = %v, want 45", got)
	}

	for _, region := range regions {
		seen := map[Month]bool{}
		for i, o := range p.Series(region) {
			if seen[o.Month] {
				t.Errorf("%s has duplicate month %v", region, o.Month)
			}
			seen[o.Month] = true
			if o.TimeIndex != i {
				t.Errorf("%s TimeIndex = %d at position %d", region, o.TimeIndex, i)
			}
		}
	}
}

func TestAggregate_SuppliedNationalWins(t *testing.T) {
	records := []Record{
		{Region: "all", Date: date(2023, 1, 1), Price: 10},
		{Region: "Bicol", Date: date(2023, 1, 1), Price: 50},
	}
	p, err := Aggregate(records, DefaultAggregateOptions())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if got, _ := p.Price(National, NewMonth(2023, 1)); got != 10 {
		t.Errorf("ALL = %v, want supplied 10", got)
	}
}

func TestAggregate_EmptyIsDataError(t *testing.T) {
	_, err := Aggregate([]Record{{Region: "X", Date: date(2023, 1, 1), Price: 0}}, DefaultAggregateOptions())
	if !errors.Is(err, api.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
}

func TestAppend_DoesNotMutateReceiver(t *testing.T) {
	base := New([]Observation{
		{Region: "A", Month: NewMonth(2023, 1), Price: 1},
		{Region: "A", Month: NewMonth(2023, 2), Price: 2},
	})

	next, err := base.Append(Observation{Region: "A", Month: NewMonth(2023, 3), Price: 3})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	other, err := base.Append(Observation{Region: "A", Month: NewMonth(2023, 3), Price: 99})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if len(base.Series("A")) != 2 {
		t.Errorf("base changed: %d observations", len(base.Series("A")))
	}
	if got, _ := next.Price("A", NewMonth(2023, 3)); got != 3 {
		t.Errorf("next 2023-03 = %v, want 3", got)
	}
	if got, _ := other.Price("A", NewMonth(2023, 3)); got != 99 {
		t.Errorf("other 2023-03 = %v, want 99", got)
	}
	if last, _ := next.Last("A"); last.TimeIndex != 2 {
		t.Errorf("TimeIndex = %d, want 2", last.TimeIndex)
	}

	if _, err := next.Append(Observation{Region: "A", Month: NewMonth(2023, 2), Price: 5}); !errors.Is(err, api.ErrValidation) {
		t.Errorf("expected ErrValidation appending into the past, got %v", err)
	}
}

func TestReadCSV(t *testing.T) {
	src := `date,admin1,market,commodity,price
#date,#adm1+name,#loc+market,#item+name,#value
2023-01-15,Ilocos,Laoag,Rice (regular),"1,040.5"
2023-01-15,Ilocos,Laoag,Corn,12
2023-02-15,Ilocos,Laoag,Rice (regular),abc
`
	cfg := DefaultSourceConfig()
	cfg.CommodityColumn = "commodity"
	cfg.Commodity = "Rice (regular)"

	records, stats, err := ReadCSV(strings.NewReader(src), cfg)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Price != 1040.5 || records[0].Region != "Ilocos" {
		t.Errorf("record = %+v", records[0])
	}
	if stats.Rows != 4 || stats.Skipped != 3 {
		t.Errorf("stats = %+v, want 4 rows 3 skipped", stats)
	}

	if _, _, err := ReadCSV(strings.NewReader("when,where\n"), DefaultSourceConfig()); !errors.Is(err, api.ErrData) {
		t.Errorf("expected ErrData for missing columns, got %v", err)
	}
}
