package market

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const klineHeader = "date,open,close,high,low,volume,turnover,amplitude,change_pct,change_amount,turnover_rate\n"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestProvider(t *testing.T) (*CSVProvider, string) {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "stock_list.csv"),
		"code,name\n000001,平安银行\n600000,浦发银行\n300059,东方财富\n002415,海康威视\n")
	writeFile(t, filepath.Join(dir, "stock_names.json"),
		`{"000001": "平安银行", "600000": "浦发银行", "300059": "东方财富", "002415": "海康威视"}`)

	bars := klineHeader +
		"2020-01-02,10.00,10.50,10.80,9.90,120000,0,0,0,0,0\n" +
		"2020-01-03,10.50,10.20,10.60,10.10,98000,0,0,0,0,0\n" +
		"2020-01-06,10.20,11.00,11.10,10.20,150000,0,0,0,0,0\n"
	writeFile(t, filepath.Join(dir, "kline_raw", "000001.csv"), bars)
	writeFile(t, filepath.Join(dir, "factor", "000001.csv"),
		"date,factor\n2020-01-02,1.0\n2020-01-06,1.1\n")

	// Wide coverage so random picks across 2020-2024 always validate.
	wide := klineHeader +
		"2019-01-02,5.00,5.10,5.20,4.90,80000,0,0,0,0,0\n" +
		"2025-06-30,8.00,8.10,8.20,7.90,90000,0,0,0,0,0\n"
	for _, code := range []string{"600000", "300059", "002415"} {
		writeFile(t, filepath.Join(dir, "kline_raw", code+".csv"), wide)
	}

	return NewCSVProvider(dir, zerolog.Nop()), dir
}

func day(value string) time.Time {
	d, err := time.Parse("2006-01-02", value)
	if err != nil {
		panic(err)
	}
	return d
}

func TestLoadBars(t *testing.T) {
	provider, _ := newTestProvider(t)

	bars, err := provider.LoadBars("000001")
	if err != nil {
		t.Fatalf("LoadBars failed: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("Expected 3 bars, got %d", len(bars))
	}

	first := bars[0]
	if !first.Date.Equal(day("2020-01-02")) {
		t.Errorf("Expected date 2020-01-02, got %v", first.Date)
	}
	if first.Open != 10.00 || first.Close != 10.50 || first.High != 10.80 || first.Low != 9.90 {
		t.Errorf("Unexpected OHLC: %+v", first)
	}
	if first.Volume != 120000 {
		t.Errorf("Expected volume 120000, got %v", first.Volume)
	}
}

func TestLoadBarsUnknownInstrument(t *testing.T) {
	provider, _ := newTestProvider(t)

	_, err := provider.LoadBars("999999")
	if !errors.Is(err, ErrUnknownInstrument) {
		t.Errorf("Expected ErrUnknownInstrument, got %v", err)
	}
}

func TestLoadFactors(t *testing.T) {
	provider, _ := newTestProvider(t)

	factors, err := provider.LoadFactors("000001")
	if err != nil {
		t.Fatalf("LoadFactors failed: %v", err)
	}
	if len(factors) != 2 {
		t.Fatalf("Expected 2 factors, got %d", len(factors))
	}
	if factors[1].Factor != 1.1 {
		t.Errorf("Expected factor 1.1, got %v", factors[1].Factor)
	}
}

func TestLoadFactorsMissingTable(t *testing.T) {
	provider, _ := newTestProvider(t)

	factors, err := provider.LoadFactors("600000")
	if err != nil {
		t.Fatalf("Expected missing factor table to be tolerated, got %v", err)
	}
	if len(factors) != 0 {
		t.Errorf("Expected empty factors, got %d", len(factors))
	}
}

func TestLoadSeries(t *testing.T) {
	provider, _ := newTestProvider(t)

	bars, factors, err := provider.LoadSeries(context.Background(), "000001")
	if err != nil {
		t.Fatalf("LoadSeries failed: %v", err)
	}
	if len(bars) != 3 || len(factors) != 2 {
		t.Errorf("Expected 3 bars and 2 factors, got %d and %d", len(bars), len(factors))
	}
}

func TestValidate(t *testing.T) {
	provider, _ := newTestProvider(t)

	tests := []struct {
		name    string
		code    string
		date    string
		wantErr error
	}{
		{"date in range", "000001", "2020-01-03", nil},
		{"first date", "000001", "2020-01-02", nil},
		{"before range", "000001", "2019-12-31", ErrInvalidDate},
		{"after range", "000001", "2020-02-01", ErrInvalidDate},
		{"unknown code", "999999", "2020-01-03", ErrUnknownInstrument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := provider.Validate(tt.code, day(tt.date))
			if tt.wantErr == nil && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestInstrumentName(t *testing.T) {
	provider, _ := newTestProvider(t)

	if name := provider.InstrumentName("000001"); name != "平安银行" {
		t.Errorf("Expected 平安银行, got %s", name)
	}
	if name := provider.InstrumentName("999999"); name != "股票999999" {
		t.Errorf("Expected fallback name, got %s", name)
	}
}

func TestListInstruments(t *testing.T) {
	provider, _ := newTestProvider(t)

	instruments, err := provider.ListInstruments()
	if err != nil {
		t.Fatalf("ListInstruments failed: %v", err)
	}
	if len(instruments) != 4 {
		t.Fatalf("Expected 4 instruments, got %d", len(instruments))
	}
	if instruments[0].Code != "000001" || instruments[0].Name != "平安银行" {
		t.Errorf("Unexpected first instrument: %+v", instruments[0])
	}
}

func TestRandomPickSectorFilter(t *testing.T) {
	provider, _ := newTestProvider(t)

	tests := []struct {
		sector   string
		prefixes []string
	}{
		{"gem", []string{"30"}},
		{"sme", []string{"002"}},
		{"main", []string{"60", "000"}},
		{"all", []string{""}},
	}

	for _, tt := range tests {
		t.Run(tt.sector, func(t *testing.T) {
			code, date, err := provider.RandomPick(tt.sector, "2020-2024")
			if err != nil {
				t.Fatalf("RandomPick failed: %v", err)
			}

			matched := false
			for _, prefix := range tt.prefixes {
				if strings.HasPrefix(code, prefix) {
					matched = true
				}
			}
			if !matched {
				t.Errorf("Expected code with prefix %v, got %s", tt.prefixes, code)
			}

			year := date.Year()
			if year < 2020 || year > 2024 {
				t.Errorf("Expected year in 2020-2024, got %d", year)
			}
			if date.Day() > 28 {
				t.Errorf("Expected day capped at 28, got %d", date.Day())
			}
		})
	}
}

func TestRandomPickExhaustsAttempts(t *testing.T) {
	provider, _ := newTestProvider(t)

	// No instrument has data in the nineties.
	_, _, err := provider.RandomPick("all", "1990-1991")
	if !errors.Is(err, ErrUnknownInstrument) {
		t.Errorf("Expected ErrUnknownInstrument after exhausted attempts, got %v", err)
	}
}

func TestParseYearRange(t *testing.T) {
	tests := []struct {
		input     string
		wantStart int
		wantEnd   int
		wantErr   bool
	}{
		{"2020-2024", 2020, 2024, false},
		{"", 2020, 2024, false},
		{"2021-2021", 2021, 2021, false},
		{"2024-2020", 0, 0, true},
		{"abc", 0, 0, true},
		{"2020-abc", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			start, end, err := parseYearRange(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if start != tt.wantStart || end != tt.wantEnd {
				t.Errorf("Expected %d-%d, got %d-%d", tt.wantStart, tt.wantEnd, start, end)
			}
		})
	}
}
