package market

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	dateLayout = "2006-01-02"

	// Random picks land on arbitrary calendar days, many outside an
	// instrument's listed range, so the pick loop retries before failing.
	maxPickAttempts = 100

	defaultYearRange = "2020-2024"
)

// CSVProvider reads instrument data from the flat CSV layout:
//
//	{dataDir}/stock_list.csv            code,name index
//	{dataDir}/stock_names.json          code -> display name
//	{dataDir}/kline_raw/{code}.csv      raw daily bars
//	{dataDir}/factor/{code}.csv         adjustment factors (optional)
//
// Parsed tables are cached per instrument and shared read-only.
type CSVProvider struct {
	dataDir string
	logger  zerolog.Logger

	mu          sync.RWMutex
	indexLoaded bool
	instruments []Instrument
	names       map[string]string
	bars        map[string][]Bar
	factors     map[string][]Factor

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewCSVProvider creates a provider rooted at dataDir. The index is loaded
// lazily on first use.
func NewCSVProvider(dataDir string, logger zerolog.Logger) *CSVProvider {
	return &CSVProvider{
		dataDir: dataDir,
		logger:  logger.With().Str("component", "MarketData").Logger(),
		names:   make(map[string]string),
		bars:    make(map[string][]Bar),
		factors: make(map[string][]Factor),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ListInstruments returns the instrument index in file order.
func (p *CSVProvider) ListInstruments() ([]Instrument, error) {
	if err := p.ensureIndex(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.instruments, nil
}

// InstrumentName resolves a display name for the code. Codes missing from
// the index get the placeholder the chart front-end expects.
func (p *CSVProvider) InstrumentName(code string) string {
	if err := p.ensureIndex(); err == nil {
		p.mu.RLock()
		name, ok := p.names[code]
		p.mu.RUnlock()
		if ok {
			return name
		}
	}
	return "股票" + code
}

// Validate checks that bars exist for the code and that date falls inside
// the instrument's data range.
func (p *CSVProvider) Validate(code string, date time.Time) error {
	bars, err := p.LoadBars(code)
	if err != nil {
		return err
	}

	first, last := bars[0].Date, bars[len(bars)-1].Date
	if date.Before(first) || date.After(last) {
		return fmt.Errorf("%s on %s: %w", code, date.Format(dateLayout), ErrInvalidDate)
	}
	return nil
}

// RandomPick selects a random instrument from the sector and a random start
// date with a year inside yearRange (inclusive, "Y1-Y2"). It retries until
// the pair validates or the attempt budget runs out.
func (p *CSVProvider) RandomPick(sector, yearRange string) (string, time.Time, error) {
	instruments, err := p.ListInstruments()
	if err != nil {
		return "", time.Time{}, err
	}

	yearStart, yearEnd, err := parseYearRange(yearRange)
	if err != nil {
		return "", time.Time{}, err
	}

	filtered := make([]Instrument, 0, len(instruments))
	for _, inst := range instruments {
		if matchesSector(inst.Code, sector) {
			filtered = append(filtered, inst)
		}
	}
	// An empty sector falls back to the whole index.
	if len(filtered) == 0 {
		filtered = instruments
	}
	if len(filtered) == 0 {
		return "", time.Time{}, fmt.Errorf("instrument index is empty: %w", ErrUnknownInstrument)
	}

	for attempt := 0; attempt < maxPickAttempts; attempt++ {
		code, date := p.randomCandidate(filtered, yearStart, yearEnd)
		if err := p.Validate(code, date); err != nil {
			continue
		}
		p.logger.Debug().
			Str("code", code).
			Str("start_date", date.Format(dateLayout)).
			Int("attempt", attempt+1).
			Msg("Random pick validated")
		return code, date, nil
	}

	return "", time.Time{}, fmt.Errorf("no playable instrument in sector %q after %d attempts: %w",
		sector, maxPickAttempts, ErrUnknownInstrument)
}

func (p *CSVProvider) randomCandidate(instruments []Instrument, yearStart, yearEnd int) (string, time.Time) {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()

	inst := instruments[p.rng.Intn(len(instruments))]
	year := yearStart + p.rng.Intn(yearEnd-yearStart+1)
	month := time.Month(1 + p.rng.Intn(12))
	day := 1 + p.rng.Intn(28) // capped at 28 so every month is valid

	return inst.Code, time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// LoadBars returns the instrument's raw daily bars, reading and caching the
// CSV table on first use.
func (p *CSVProvider) LoadBars(code string) ([]Bar, error) {
	p.mu.RLock()
	bars, ok := p.bars[code]
	p.mu.RUnlock()
	if ok {
		return bars, nil
	}

	path := filepath.Join(p.dataDir, "kline_raw", code+".csv")
	bars, err := readBarFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", code, ErrUnknownInstrument)
	}
	if err != nil {
		return nil, fmt.Errorf("load bars for %s: %w", code, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: %w", code, ErrNoData)
	}

	p.mu.Lock()
	p.bars[code] = bars
	p.mu.Unlock()

	p.logger.Debug().Str("code", code).Int("bars", len(bars)).Msg("Loaded bar table")
	return bars, nil
}

// LoadFactors returns the instrument's adjustment factors. A missing factor
// table is not an error; it yields an empty slice.
func (p *CSVProvider) LoadFactors(code string) ([]Factor, error) {
	p.mu.RLock()
	factors, ok := p.factors[code]
	p.mu.RUnlock()
	if ok {
		return factors, nil
	}

	path := filepath.Join(p.dataDir, "factor", code+".csv")
	factors, err := readFactorFile(path)
	if os.IsNotExist(err) {
		factors = []Factor{}
	} else if err != nil {
		return nil, fmt.Errorf("load factors for %s: %w", code, err)
	}

	p.mu.Lock()
	p.factors[code] = factors
	p.mu.Unlock()

	return factors, nil
}

// LoadSeries loads the bar and factor tables concurrently.
func (p *CSVProvider) LoadSeries(ctx context.Context, code string) ([]Bar, []Factor, error) {
	var (
		bars    []Bar
		factors []Factor
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bars, err = p.LoadBars(code)
		return err
	})
	g.Go(func() error {
		var err error
		factors, err = p.LoadFactors(code)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return bars, factors, nil
}

func (p *CSVProvider) ensureIndex() error {
	p.mu.RLock()
	loaded := p.indexLoaded
	p.mu.RUnlock()
	if loaded {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.indexLoaded {
		return nil
	}

	instruments, err := readInstrumentList(filepath.Join(p.dataDir, "stock_list.csv"))
	if err != nil {
		return fmt.Errorf("load instrument index: %w", err)
	}

	names, err := readNameMap(filepath.Join(p.dataDir, "stock_names.json"))
	if err != nil {
		// The name map mirrors the list; rebuild it when absent.
		names = make(map[string]string, len(instruments))
		for _, inst := range instruments {
			names[inst.Code] = inst.Name
		}
	}

	p.instruments = instruments
	p.names = names
	p.indexLoaded = true

	p.logger.Info().Int("instruments", len(instruments)).Msg("Instrument index loaded")
	return nil
}

func matchesSector(code, sector string) bool {
	switch sector {
	case "main":
		return strings.HasPrefix(code, "60") || strings.HasPrefix(code, "000")
	case "gem":
		return strings.HasPrefix(code, "30")
	case "sme":
		return strings.HasPrefix(code, "002")
	default: // "all" and anything unrecognised
		return true
	}
}

func parseYearRange(yearRange string) (int, int, error) {
	if yearRange == "" {
		yearRange = defaultYearRange
	}

	parts := strings.SplitN(yearRange, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid year range %q", yearRange)
	}

	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid year range %q", yearRange)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid year range %q", yearRange)
	}
	if end < start {
		return 0, 0, fmt.Errorf("invalid year range %q", yearRange)
	}

	return start, end, nil
}

// ============================================================================
// CSV PARSING
// ============================================================================

func readInstrumentList(path string) ([]Instrument, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: empty instrument list", path)
	}

	header := columnIndex(records[0])
	codeCol, ok := header["code"]
	if !ok {
		return nil, fmt.Errorf("%s: missing code column", path)
	}
	nameCol, ok := header["name"]
	if !ok {
		return nil, fmt.Errorf("%s: missing name column", path)
	}

	instruments := make([]Instrument, 0, len(records)-1)
	for _, record := range records[1:] {
		instruments = append(instruments, Instrument{
			Code: record[codeCol],
			Name: record[nameCol],
		})
	}

	return instruments, nil
}

func readNameMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string)
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func readBarFile(path string) ([]Bar, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []Bar{}, nil
	}

	header := columnIndex(records[0])
	for _, col := range []string{"date", "open", "close", "high", "low", "volume"} {
		if _, ok := header[col]; !ok {
			return nil, fmt.Errorf("%s: missing %s column", path, col)
		}
	}

	bars := make([]Bar, 0, len(records)-1)
	for i, record := range records[1:] {
		date, err := time.Parse(dateLayout, record[header["date"]])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}

		bar := Bar{Date: date}
		for col, dst := range map[string]*float64{
			"open":   &bar.Open,
			"close":  &bar.Close,
			"high":   &bar.High,
			"low":    &bar.Low,
			"volume": &bar.Volume,
		} {
			v, err := strconv.ParseFloat(record[header[col]], 64)
			if err != nil {
				return nil, fmt.Errorf("%s row %d: bad %s: %w", path, i+2, col, err)
			}
			*dst = v
		}

		bars = append(bars, bar)
	}

	return bars, nil
}

func readFactorFile(path string) ([]Factor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []Factor{}, nil
	}

	header := columnIndex(records[0])
	dateCol, ok := header["date"]
	if !ok {
		return nil, fmt.Errorf("%s: missing date column", path)
	}
	factorCol, ok := header["factor"]
	if !ok {
		return nil, fmt.Errorf("%s: missing factor column", path)
	}

	factors := make([]Factor, 0, len(records)-1)
	for i, record := range records[1:] {
		date, err := time.Parse(dateLayout, record[dateCol])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		value, err := strconv.ParseFloat(record[factorCol], 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: bad factor: %w", path, i+2, err)
		}
		factors = append(factors, Factor{Date: date, Factor: value})
	}

	return factors, nil
}

func columnIndex(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(strings.ToLower(name))] = i
	}
	return index
}
