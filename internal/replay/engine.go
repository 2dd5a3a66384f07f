// Package replay implements the bar-by-bar replay engine: a cursor over one
// instrument's daily bars with a pre-session preview window, price
// adjustment, and the derived chart series the training front-end consumes.
//
// Bar ids are the stable coordinate of a session: preview bars have ids <= 0
// and the first training bar has id 1. In the forward adjustment modes the
// emitted price of a past bar changes as the cursor moves; only bar id and
// date are stable.
package replay

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"kline-replay-trainer/internal/indicators"
	"kline-replay-trainer/internal/market"
)

var (
	// ErrNoDataAfterStart means the instrument has no bars on or after the
	// requested start date.
	ErrNoDataAfterStart = errors.New("no data after start date")
	// ErrInvalidMode means an unrecognised adjustment mode.
	ErrInvalidMode = errors.New("invalid adjustment mode")
)

// previewWindow is how many bars before the start date are revealed up
// front so the trader has context before the first training bar.
const previewWindow = 80

const dateLayout = "2006-01-02"

// AdjustMode selects how historical prices are re-scaled.
type AdjustMode string

const (
	AdjustNone     AdjustMode = "none"
	AdjustForward  AdjustMode = "forward"
	AdjustBackward AdjustMode = "backward"
	// AdjustDynamicForward re-bases every emitted price on the cursor's
	// factor, so prior bars re-scale as the replay advances.
	AdjustDynamicForward AdjustMode = "dynamic_forward"
)

// ParseAdjustMode validates a wire-level adjustment mode string.
func ParseAdjustMode(s string) (AdjustMode, error) {
	switch AdjustMode(s) {
	case AdjustNone, AdjustForward, AdjustBackward, AdjustDynamicForward:
		return AdjustMode(s), nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrInvalidMode)
	}
}

// ============================================================================
// CHART POINT TYPES
// ============================================================================

// BarPoint is one adjusted OHLC candle.
type BarPoint struct {
	Time      int64   `json:"time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	BarID     int     `json:"bar_id"`
	IsPreview bool    `json:"is_preview"`
}

// CurrentBar is the cursor's candle. It carries the raw volume alongside
// the adjusted prices; the advance payload fills LastClose with the previous
// adjusted close.
type CurrentBar struct {
	Time      int64    `json:"time"`
	Open      float64  `json:"open"`
	High      float64  `json:"high"`
	Low       float64  `json:"low"`
	Close     float64  `json:"close"`
	Volume    float64  `json:"volume"`
	BarID     int      `json:"bar_id"`
	IsPreview bool     `json:"is_preview"`
	LastClose *float64 `json:"lastClose,omitempty"`
}

// VolumePoint is one volume histogram entry. Series points carry the candle
// colour; the bare cursor volume is coloured by the caller.
type VolumePoint struct {
	Time      int64   `json:"time"`
	Value     float64 `json:"value"`
	Color     string  `json:"color,omitempty"`
	BarID     int     `json:"bar_id"`
	IsPreview bool    `json:"is_preview"`
}

// MAPoint is one moving average entry; unfilled windows are skipped.
type MAPoint struct {
	Time      int64   `json:"time"`
	Value     float64 `json:"value"`
	BarID     int     `json:"bar_id"`
	IsPreview bool    `json:"is_preview"`
}

// TradeMarker pins an executed trade onto the chart.
type TradeMarker struct {
	BarID int     `json:"bar_id"`
	Type  string  `json:"type"` // B or S
	Price float64 `json:"price"`
	Time  int64   `json:"time"`
}

// Progress describes how far the replay has advanced.
type Progress struct {
	CurrentBarID     int     `json:"current_bar_id"`
	CurrentIndex     int     `json:"current_index"`
	TotalBars        int     `json:"total_bars"`
	TrainingProgress float64 `json:"training_progress"`
	CurrentDate      string  `json:"current_date"`
	StartDate        string  `json:"start_date"`
	EndDate          string  `json:"end_date"`
	PreviewBars      int     `json:"preview_bars"`
	IsInPreview      bool    `json:"is_in_preview"`
}

// IndicatorPoint is one technical indicator entry. Value fields are
// pointers so indices where an indicator is undefined serialise as bare
// {time, bar_id, is_preview} points. Each indicator kind fills its own
// field group.
type IndicatorPoint struct {
	Time      int64    `json:"time"`
	DIF       *float64 `json:"dif,omitempty"`
	DEA       *float64 `json:"dea,omitempty"`
	Histogram *float64 `json:"histogram,omitempty"`
	K         *float64 `json:"k,omitempty"`
	D         *float64 `json:"d,omitempty"`
	J         *float64 `json:"j,omitempty"`
	RSI6      *float64 `json:"rsi6,omitempty"`
	RSI12     *float64 `json:"rsi12,omitempty"`
	RSI24     *float64 `json:"rsi24,omitempty"`
	Middle    *float64 `json:"middle,omitempty"`
	Upper     *float64 `json:"upper,omitempty"`
	Lower     *float64 `json:"lower,omitempty"`
	BarID     int      `json:"bar_id"`
	IsPreview bool     `json:"is_preview"`
}

// IndicatorSeries is the payload of one indicator request.
type IndicatorSeries struct {
	Type    string           `json:"type"`
	Periods []int            `json:"periods,omitempty"`
	Data    []IndicatorPoint `json:"data"`
}

// ============================================================================
// ENGINE
// ============================================================================

// Engine replays one instrument's bars from a start date. It is not safe
// for concurrent use; the session layer serialises access per session.
type Engine struct {
	startDate   time.Time
	mode        AdjustMode
	bars        []market.Bar
	factors     []float64 // joined onto bars, missing days filled with 1.0
	previewBars int
	maxIndex    int
	current     int
	markers     []TradeMarker
}

// New builds an engine over the instrument's raw bars. The window keeps up
// to previewWindow bars before the first bar at or after startDate; the
// cursor begins on that first training bar.
func New(bars []market.Bar, factors []market.Factor, startDate time.Time, mode AdjustMode) (*Engine, error) {
	if len(bars) == 0 {
		return nil, market.ErrNoData
	}

	if mode == "" {
		mode = AdjustDynamicForward
	}
	if _, err := ParseAdjustMode(string(mode)); err != nil {
		return nil, err
	}

	start := -1
	for i, bar := range bars {
		if !bar.Date.Before(startDate) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("start %s: %w", startDate.Format(dateLayout), ErrNoDataAfterStart)
	}

	from := start - previewWindow
	if from < 0 {
		from = 0
	}
	window := bars[from:]

	byDate := make(map[time.Time]float64, len(factors))
	for _, f := range factors {
		byDate[f.Date] = f.Factor
	}
	joined := make([]float64, len(window))
	for i, bar := range window {
		if f, ok := byDate[bar.Date]; ok {
			joined[i] = f
		} else {
			joined[i] = 1.0
		}
	}

	e := &Engine{
		startDate:   startDate,
		mode:        mode,
		bars:        window,
		factors:     joined,
		previewBars: start - from,
		maxIndex:    len(window) - 1,
	}
	e.current = e.previewBars

	return e, nil
}

// Mode returns the active adjustment mode.
func (e *Engine) Mode() AdjustMode {
	return e.mode
}

// SetAdjustment replaces the adjustment mode.
func (e *Engine) SetAdjustment(mode string) error {
	parsed, err := ParseAdjustMode(mode)
	if err != nil {
		return err
	}
	e.mode = parsed
	return nil
}

func (e *Engine) barID(i int) int {
	return i - e.previewBars + 1
}

// CurrentBarID returns the bar id under the cursor.
func (e *Engine) CurrentBarID() int {
	return e.barID(e.current)
}

// ratio is the adjustment multiplier for index i. The forward modes re-base
// on the cursor's factor every call, which is what makes past bars re-scale
// as the replay advances.
func (e *Engine) ratio(i int) float64 {
	switch e.mode {
	case AdjustNone:
		return 1
	case AdjustBackward:
		return e.factors[i] / e.factors[0]
	default: // AdjustForward, AdjustDynamicForward
		return e.factors[i] / e.factors[e.current]
	}
}

// adjustedOHLC returns the adjusted, 2-decimal rounded prices at index i.
func (e *Engine) adjustedOHLC(i int) (open, high, low, closePrice float64) {
	r := e.ratio(i)
	bar := e.bars[i]
	return round2(bar.Open * r), round2(bar.High * r), round2(bar.Low * r), round2(bar.Close * r)
}

// VisibleBars returns the adjusted candles from the window start through
// the cursor.
func (e *Engine) VisibleBars() []BarPoint {
	points := make([]BarPoint, 0, e.current+1)
	for i := 0; i <= e.current; i++ {
		open, high, low, closePrice := e.adjustedOHLC(i)
		id := e.barID(i)
		points = append(points, BarPoint{
			Time:      e.bars[i].Date.Unix(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			BarID:     id,
			IsPreview: id <= 0,
		})
	}
	return points
}

// VolumeSeries returns the raw volumes over the visible range, coloured by
// the adjusted candle direction.
func (e *Engine) VolumeSeries() []VolumePoint {
	points := make([]VolumePoint, 0, e.current+1)
	for i := 0; i <= e.current; i++ {
		open, _, _, closePrice := e.adjustedOHLC(i)
		id := e.barID(i)
		points = append(points, VolumePoint{
			Time:      e.bars[i].Date.Unix(),
			Value:     e.bars[i].Volume,
			Color:     VolumeColor(open, closePrice),
			BarID:     id,
			IsPreview: id <= 0,
		})
	}
	return points
}

// VolumeColor maps a candle direction onto the chart palette: red up,
// green down, black flat.
func VolumeColor(open, closePrice float64) string {
	switch {
	case closePrice > open:
		return "#ff4d4f"
	case closePrice < open:
		return "#008000"
	default:
		return "#000000"
	}
}

// MA returns the simple moving averages of the adjusted closes over the
// visible range, keyed by period. Indices whose window is not yet filled
// are skipped. A nil or empty periods slice means the default 5/10/20.
func (e *Engine) MA(periods []int) map[int][]MAPoint {
	if len(periods) == 0 {
		periods = []int{5, 10, 20}
	}

	closes := e.visibleCloses()
	result := make(map[int][]MAPoint, len(periods))

	for _, period := range periods {
		values := indicators.SMA(closes, period)
		series := make([]MAPoint, 0, len(values))
		for i, v := range values {
			if math.IsNaN(v) {
				continue
			}
			id := e.barID(i)
			series = append(series, MAPoint{
				Time:      e.bars[i].Date.Unix(),
				Value:     v,
				BarID:     id,
				IsPreview: id <= 0,
			})
		}
		result[period] = series
	}

	return result
}

// CurrentBar returns the cursor's candle with adjusted prices and the raw
// volume.
func (e *Engine) CurrentBar() CurrentBar {
	open, high, low, closePrice := e.adjustedOHLC(e.current)
	id := e.barID(e.current)
	return CurrentBar{
		Time:      e.bars[e.current].Date.Unix(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    e.bars[e.current].Volume,
		BarID:     id,
		IsPreview: id <= 0,
	}
}

// CurrentVolume returns the cursor's raw volume point, uncoloured.
func (e *Engine) CurrentVolume() VolumePoint {
	id := e.barID(e.current)
	return VolumePoint{
		Time:      e.bars[e.current].Date.Unix(),
		Value:     e.bars[e.current].Volume,
		BarID:     id,
		IsPreview: id <= 0,
	}
}

// CurrentDate returns the date under the cursor.
func (e *Engine) CurrentDate() time.Time {
	return e.bars[e.current].Date
}

// PreviousClose returns the adjusted close one bar behind the cursor, or
// nil at the window start.
func (e *Engine) PreviousClose() *float64 {
	if e.current <= 0 {
		return nil
	}
	_, _, _, closePrice := e.adjustedOHLC(e.current - 1)
	return &closePrice
}

// AddTradeMarker pins a buy or sell onto the cursor's bar.
func (e *Engine) AddTradeMarker(action string, price float64) TradeMarker {
	markerType := "S"
	if action == "buy" {
		markerType = "B"
	}
	marker := TradeMarker{
		BarID: e.CurrentBarID(),
		Type:  markerType,
		Price: price,
		Time:  e.bars[e.current].Date.Unix(),
	}
	e.markers = append(e.markers, marker)
	return marker
}

// TradeMarkers returns a snapshot copy of the session's markers.
func (e *Engine) TradeMarkers() []TradeMarker {
	markers := make([]TradeMarker, len(e.markers))
	copy(markers, e.markers)
	return markers
}

// NextBar advances the cursor by one, returning false at the final bar.
func (e *Engine) NextBar() bool {
	if e.current < e.maxIndex {
		e.current++
		return true
	}
	return false
}

// HasNext reports whether the cursor can still advance.
func (e *Engine) HasNext() bool {
	return e.current < e.maxIndex
}

// Reset returns the cursor to the first training bar and clears markers.
// The adjustment mode is kept.
func (e *Engine) Reset() {
	e.current = e.previewBars
	e.markers = nil
}

// JumpToDate moves the cursor to the last bar dated at or before target,
// returning false when no bar qualifies. The cursor may land inside the
// preview region.
func (e *Engine) JumpToDate(target time.Time) bool {
	idx := sort.Search(len(e.bars), func(i int) bool {
		return e.bars[i].Date.After(target)
	}) - 1
	if idx < 0 {
		return false
	}
	e.current = idx
	return true
}

// Progress summarises the replay position. The training share excludes the
// preview window.
func (e *Engine) Progress() Progress {
	trainingCurrent := e.current - e.previewBars
	if trainingCurrent < 0 {
		trainingCurrent = 0
	}
	trainingTotal := e.maxIndex - e.previewBars

	percent := 0.0
	if trainingTotal > 0 {
		percent = 100 * float64(trainingCurrent) / float64(trainingTotal)
	}

	return Progress{
		CurrentBarID:     e.CurrentBarID(),
		CurrentIndex:     e.current,
		TotalBars:        len(e.bars),
		TrainingProgress: percent,
		CurrentDate:      e.bars[e.current].Date.Format(dateLayout),
		StartDate:        e.startDate.Format(dateLayout),
		EndDate:          e.bars[e.maxIndex].Date.Format(dateLayout),
		PreviewBars:      e.previewBars,
		IsInPreview:      e.CurrentBarID() <= 0,
	}
}

// TrainingTotal returns the number of advances from the first training bar
// to the final bar.
func (e *Engine) TrainingTotal() int {
	return e.maxIndex - e.previewBars
}

// ============================================================================
// TECHNICAL INDICATORS
// ============================================================================

// Indicator computes the requested indicator over the visible adjusted
// series. Unknown kinds yield an empty series of that type.
func (e *Engine) Indicator(kind string) IndicatorSeries {
	switch kind {
	case "MACD":
		return e.macdSeries()
	case "KDJ":
		return e.kdjSeries()
	case "RSI":
		return e.rsiSeries()
	case "BOLL":
		return e.bollSeries()
	default:
		return IndicatorSeries{Type: kind, Data: []IndicatorPoint{}}
	}
}

func (e *Engine) macdSeries() IndicatorSeries {
	closes := e.visibleCloses()
	dif, dea, histogram := indicators.MACD(closes, 12, 26, 9)

	data := make([]IndicatorPoint, 0, len(closes))
	for i := range closes {
		point := e.basePoint(i)
		point.DIF = floatPtr(dif[i])
		point.DEA = floatPtr(dea[i])
		point.Histogram = floatPtr(histogram[i])
		data = append(data, point)
	}

	return IndicatorSeries{Type: "MACD", Data: data}
}

func (e *Engine) kdjSeries() IndicatorSeries {
	highs, lows, closes := e.visibleHLC()
	k, d, j := indicators.KDJ(highs, lows, closes, 9, 3, 3)

	data := make([]IndicatorPoint, 0, len(closes))
	for i := range closes {
		point := e.basePoint(i)
		if !math.IsNaN(k[i]) && !math.IsNaN(d[i]) && !math.IsNaN(j[i]) {
			point.K = floatPtr(k[i])
			point.D = floatPtr(d[i])
			point.J = floatPtr(j[i])
		}
		data = append(data, point)
	}

	return IndicatorSeries{Type: "KDJ", Data: data}
}

func (e *Engine) rsiSeries() IndicatorSeries {
	closes := e.visibleCloses()
	periods := []int{6, 12, 24}

	series := make([][]float64, len(periods))
	for pi, period := range periods {
		series[pi] = indicators.RSI(closes, period)
	}

	data := make([]IndicatorPoint, 0, len(closes))
	for i := range closes {
		point := e.basePoint(i)
		targets := []**float64{&point.RSI6, &point.RSI12, &point.RSI24}
		for pi := range periods {
			if !math.IsNaN(series[pi][i]) {
				*targets[pi] = floatPtr(series[pi][i])
			}
		}
		data = append(data, point)
	}

	return IndicatorSeries{Type: "RSI", Periods: periods, Data: data}
}

func (e *Engine) bollSeries() IndicatorSeries {
	closes := e.visibleCloses()
	middle, upper, lower := indicators.BOLL(closes, 20, 2)

	data := make([]IndicatorPoint, 0, len(closes))
	for i := range closes {
		point := e.basePoint(i)
		if !math.IsNaN(middle[i]) && !math.IsNaN(upper[i]) && !math.IsNaN(lower[i]) {
			point.Middle = floatPtr(middle[i])
			point.Upper = floatPtr(upper[i])
			point.Lower = floatPtr(lower[i])
		}
		data = append(data, point)
	}

	return IndicatorSeries{Type: "BOLL", Data: data}
}

func (e *Engine) basePoint(i int) IndicatorPoint {
	id := e.barID(i)
	return IndicatorPoint{
		Time:      e.bars[i].Date.Unix(),
		BarID:     id,
		IsPreview: id <= 0,
	}
}

func (e *Engine) visibleCloses() []float64 {
	closes := make([]float64, e.current+1)
	for i := 0; i <= e.current; i++ {
		_, _, _, closePrice := e.adjustedOHLC(i)
		closes[i] = closePrice
	}
	return closes
}

func (e *Engine) visibleHLC() (highs, lows, closes []float64) {
	highs = make([]float64, e.current+1)
	lows = make([]float64, e.current+1)
	closes = make([]float64, e.current+1)
	for i := 0; i <= e.current; i++ {
		_, high, low, closePrice := e.adjustedOHLC(i)
		highs[i] = high
		lows[i] = low
		closes[i] = closePrice
	}
	return highs, lows, closes
}

func floatPtr(v float64) *float64 {
	return &v
}

// round2 rounds half away from zero to 2 decimals.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
