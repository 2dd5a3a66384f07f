// Package market supplies instrument metadata and historical daily bars to
// the replay layer. Data lives on disk as flat CSV tables; the provider
// interface keeps the replay engine unaware of where bars come from.
package market

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoData means an instrument's bar table exists but holds no rows.
	ErrNoData = errors.New("no bar data for instrument")
	// ErrUnknownInstrument means no bar table exists for the code.
	ErrUnknownInstrument = errors.New("unknown instrument")
	// ErrInvalidDate means a date falls outside the instrument's data range.
	ErrInvalidDate = errors.New("date outside instrument data range")
)

// Bar is one day's raw OHLCV record for one instrument.
type Bar struct {
	Date   time.Time
	Open   float64
	Close  float64
	High   float64
	Low    float64
	Volume float64
}

// Factor is a per-day price adjustment factor. Days missing from the factor
// table default to 1.0 when joined onto the bar series.
type Factor struct {
	Date   time.Time
	Factor float64
}

// Instrument is one entry of the instrument index.
type Instrument struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Provider abstracts the on-disk market data. Loaded tables are shared
// read-only across sessions; callers must not mutate returned slices.
type Provider interface {
	// ListInstruments returns the instrument index.
	ListInstruments() ([]Instrument, error)

	// InstrumentName resolves a display name, falling back to a
	// code-derived placeholder for unindexed codes.
	InstrumentName(code string) string

	// Validate checks that the instrument has bars and that date falls
	// inside its data range.
	Validate(code string, date time.Time) error

	// RandomPick selects a random instrument from the sector and a random
	// start date inside the year range, retrying until the pair validates.
	RandomPick(sector, yearRange string) (string, time.Time, error)

	// LoadBars returns the instrument's raw daily bars in date order.
	LoadBars(code string) ([]Bar, error)

	// LoadFactors returns the instrument's adjustment factors, or an empty
	// slice when no factor table exists.
	LoadFactors(code string) ([]Factor, error)

	// LoadSeries loads bars and factors concurrently for session start.
	LoadSeries(ctx context.Context, code string) ([]Bar, []Factor, error)
}
