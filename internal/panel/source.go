package panel

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/mendezjerick/riceforecast/internal/api"
)

// SourceConfig describes a tabular price source.
type SourceConfig struct {
	Path            string `yaml:"path"`
	Sheet           string `yaml:"sheet"`
	RegionColumn    string `yaml:"region_column"`
	DateColumn      string `yaml:"date_column"`
	PriceColumn     string `yaml:"price_column"`
	CommodityColumn string `yaml:"commodity_column"`
	Commodity       string `yaml:"commodity"`
}

// DefaultSourceConfig matches the column layout of the published rice dataset.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Path:         "rice.csv",
		RegionColumn: "admin1",
		DateColumn:   "date",
		PriceColumn:  "price",
	}
}

// LoadStats counts what the loader read and skipped.
type LoadStats struct {
	Rows    int `json:"rows"`
	Skipped int `json:"skipped"`
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
}

// LoadFile reads records from a .csv or .xlsx file.
func LoadFile(cfg SourceConfig) ([]Record, LoadStats, error) {
	switch strings.ToLower(filepath.Ext(cfg.Path)) {
	case ".xlsx", ".xlsm":
		return readXLSX(cfg)
	default:
		f, err := os.Open(cfg.Path)
		if err != nil {
			return nil, LoadStats{}, api.Errorf(api.ErrData, "open source: %v", err)
		}
		defer f.Close()
		return ReadCSV(f, cfg)
	}
}

// ReadCSV reads records from CSV with a header row.
func ReadCSV(r io.Reader, cfg SourceConfig) ([]Record, LoadStats, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, LoadStats{}, api.Errorf(api.ErrData, "read header: %v", err)
	}

	var rows [][]string
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, LoadStats{}, api.Errorf(api.ErrData, "read row %d: %v", len(rows)+2, err)
		}
		rows = append(rows, row)
	}

	return parseRows(header, rows, cfg)
}

func readXLSX(cfg SourceConfig) ([]Record, LoadStats, error) {
	f, err := excelize.OpenFile(cfg.Path)
	if err != nil {
		return nil, LoadStats{}, api.Errorf(api.ErrData, "open workbook: %v", err)
	}
	defer f.Close()

	sheet := cfg.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, LoadStats{}, api.Errorf(api.ErrData, "read sheet %q: %v", sheet, err)
	}
	if len(rows) == 0 {
		return nil, LoadStats{}, api.Errorf(api.ErrData, "sheet %q is empty", sheet)
	}
	return parseRows(rows[0], rows[1:], cfg)
}

func parseRows(header []string, rows [][]string, cfg SourceConfig) ([]Record, LoadStats, error) {
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}

	lookup := func(name string) (int, error) {
		i, ok := col[strings.ToLower(name)]
		if !ok {
			return 0, api.Errorf(api.ErrData, "missing column %q", name)
		}
		return i, nil
	}

	regionIdx, err := lookup(cfg.RegionColumn)
	if err != nil {
		return nil, LoadStats{}, err
	}
	dateIdx, err := lookup(cfg.DateColumn)
	if err != nil {
		return nil, LoadStats{}, err
	}
	priceIdx, err := lookup(cfg.PriceColumn)
	if err != nil {
		return nil, LoadStats{}, err
	}
	commodityIdx := -1
	if cfg.CommodityColumn != "" && cfg.Commodity != "" {
		if commodityIdx, err = lookup(cfg.CommodityColumn); err != nil {
			return nil, LoadStats{}, err
		}
	}

	var stats LoadStats
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		stats.Rows++
		field := func(i int) string {
			if i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}

		if commodityIdx >= 0 && !strings.EqualFold(field(commodityIdx), cfg.Commodity) {
			stats.Skipped++
			continue
		}

		// Tag rows such as "#date" carry no data.
		date, err := parseDate(field(dateIdx))
		if err != nil {
			stats.Skipped++
			continue
		}
		price, err := strconv.ParseFloat(strings.ReplaceAll(field(priceIdx), ",", ""), 64)
		if err != nil {
			stats.Skipped++
			continue
		}

		records = append(records, Record{Region: field(regionIdx), Date: date, Price: price})
	}

	return records, stats, nil
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" || strings.HasPrefix(raw, "#") {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", raw)
}
