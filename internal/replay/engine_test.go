package replay

import (
	"errors"
	"math"
	"testing"
	"time"

	"kline-replay-trainer/internal/market"
)

func day(value string) time.Time {
	d, err := time.Parse("2006-01-02", value)
	if err != nil {
		panic(err)
	}
	return d
}

// seriesBars builds consecutive daily bars starting at start, one per close.
// Open is close-0.5, high close+0.5, low close-1, volume 1000·(i+1).
func seriesBars(start string, closes ...float64) []market.Bar {
	first := day(start)
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		bars[i] = market.Bar{
			Date:   first.AddDate(0, 0, i),
			Open:   c - 0.5,
			Close:  c,
			High:   c + 0.5,
			Low:    c - 1,
			Volume: float64(1000 * (i + 1)),
		}
	}
	return bars
}

func seriesFactors(start string, factors ...float64) []market.Factor {
	first := day(start)
	out := make([]market.Factor, len(factors))
	for i, f := range factors {
		out[i] = market.Factor{Date: first.AddDate(0, 0, i), Factor: f}
	}
	return out
}

func closesOf(points []BarPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Close
	}
	return out
}

func TestDynamicForwardRescaling(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12, 13)
	factors := seriesFactors("2024-01-02", 1.0, 1.1, 1.21, 1.331)

	engine, err := New(bars, factors, day("2024-01-02"), AdjustDynamicForward)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// No bars precede the start date, so the cursor opens at index 0.
	if got := engine.Progress().PreviewBars; got != 0 {
		t.Fatalf("Expected 0 preview bars, got %d", got)
	}

	engine.NextBar()
	engine.NextBar()

	got := closesOf(engine.VisibleBars())
	want := []float64{8.26, 10.00, 12.00}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Index %d: expected close %.2f, got %.2f", i, want[i], got[i])
		}
	}

	// Advancing re-bases every prior bar on the new cursor factor.
	if !engine.NextBar() {
		t.Fatal("NextBar should succeed at index 2")
	}
	got = closesOf(engine.VisibleBars())
	want = []float64{7.51, 9.09, 10.91, 13.00}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("After advance, index %d: expected close %.2f, got %.2f", i, want[i], got[i])
		}
	}
}

func TestBackwardAdjustment(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12)
	factors := seriesFactors("2024-01-02", 1.0, 1.1, 1.21)

	engine, err := New(bars, factors, day("2024-01-02"), AdjustBackward)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	engine.NextBar()
	engine.NextBar()

	got := closesOf(engine.VisibleBars())
	want := []float64{10.00, 12.10, 14.52}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Index %d: expected close %.2f, got %.2f", i, want[i], got[i])
		}
	}
}

func TestNoAdjustmentEmitsRawPrices(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12)
	factors := seriesFactors("2024-01-02", 1.0, 1.1, 1.21)

	engine, err := New(bars, factors, day("2024-01-02"), AdjustNone)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	engine.NextBar()
	engine.NextBar()

	got := closesOf(engine.VisibleBars())
	want := []float64{10.00, 11.00, 12.00}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Index %d: expected close %.2f, got %.2f", i, want[i], got[i])
		}
	}
}

func TestMissingFactorsDefaultToOne(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 20)

	engine, err := New(bars, nil, day("2024-01-02"), AdjustDynamicForward)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	engine.NextBar()

	got := closesOf(engine.VisibleBars())
	if got[0] != 10.00 || got[1] != 20.00 {
		t.Errorf("Expected unscaled closes [10 20], got %v", got)
	}
}

func TestPreviewWindow(t *testing.T) {
	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 10 + float64(i)*0.1
	}
	bars := seriesBars("2023-10-01", closes...)
	start := bars[90].Date

	engine, err := New(bars, nil, start, AdjustDynamicForward)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	progress := engine.Progress()
	if progress.PreviewBars != 80 {
		t.Fatalf("Expected preview capped at 80, got %d", progress.PreviewBars)
	}
	if engine.CurrentBarID() != 1 {
		t.Errorf("Expected cursor on bar 1, got %d", engine.CurrentBarID())
	}
	if !engine.CurrentDate().Equal(start) {
		t.Errorf("Expected cursor date %v, got %v", start, engine.CurrentDate())
	}

	visible := engine.VisibleBars()
	if len(visible) != 81 {
		t.Fatalf("Expected 81 visible bars, got %d", len(visible))
	}
	if visible[0].BarID != -79 {
		t.Errorf("Expected first bar id -79, got %d", visible[0].BarID)
	}
	for _, p := range visible {
		if p.BarID <= 0 && !p.IsPreview {
			t.Errorf("Bar %d should be flagged as preview", p.BarID)
		}
		if p.BarID > 0 && p.IsPreview {
			t.Errorf("Bar %d should not be flagged as preview", p.BarID)
		}
	}
}

func TestShortHistoryShrinksPreview(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12, 13, 14)
	start := bars[2].Date

	engine, err := New(bars, nil, start, AdjustDynamicForward)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if got := engine.Progress().PreviewBars; got != 2 {
		t.Errorf("Expected 2 preview bars, got %d", got)
	}
	if got := len(engine.VisibleBars()); got != 3 {
		t.Errorf("Expected 3 visible bars, got %d", got)
	}
}

func TestBarIDMonotoneAcrossAdvances(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12, 13, 14)

	engine, err := New(bars, nil, bars[2].Date, AdjustDynamicForward)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	prev := engine.CurrentBarID()
	for engine.NextBar() {
		id := engine.CurrentBarID()
		if id != prev+1 {
			t.Fatalf("Bar id jumped from %d to %d", prev, id)
		}
		prev = id
	}
	if engine.HasNext() {
		t.Error("HasNext should be false at the final bar")
	}
	if engine.NextBar() {
		t.Error("NextBar should return false at the final bar")
	}
}

func TestStartAfterLastBar(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11)

	_, err := New(bars, nil, day("2024-06-01"), AdjustDynamicForward)
	if !errors.Is(err, ErrNoDataAfterStart) {
		t.Fatalf("Expected ErrNoDataAfterStart, got %v", err)
	}
}

func TestEmptyBars(t *testing.T) {
	_, err := New(nil, nil, day("2024-01-02"), AdjustDynamicForward)
	if !errors.Is(err, market.ErrNoData) {
		t.Fatalf("Expected ErrNoData, got %v", err)
	}
}

func TestInvalidMode(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11)

	if _, err := New(bars, nil, day("2024-01-02"), AdjustMode("hfq")); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("Expected ErrInvalidMode, got %v", err)
	}

	engine, err := New(bars, nil, day("2024-01-02"), "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if engine.Mode() != AdjustDynamicForward {
		t.Errorf("Expected empty mode to default to dynamic_forward, got %s", engine.Mode())
	}
	if err := engine.SetAdjustment("sideways"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("Expected ErrInvalidMode from SetAdjustment, got %v", err)
	}
	if err := engine.SetAdjustment("backward"); err != nil {
		t.Errorf("SetAdjustment(backward) failed: %v", err)
	}
	if engine.Mode() != AdjustBackward {
		t.Errorf("Expected mode backward, got %s", engine.Mode())
	}
}

func TestJumpToDate(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12, 13, 14)

	engine, err := New(bars, nil, bars[2].Date, AdjustDynamicForward)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Exact hit.
	if !engine.JumpToDate(bars[4].Date) {
		t.Fatal("JumpToDate to an existing date should succeed")
	}
	if engine.CurrentBarID() != 3 {
		t.Errorf("Expected bar id 3, got %d", engine.CurrentBarID())
	}

	// A non-trading day lands on the last bar at or before it.
	if !engine.JumpToDate(bars[1].Date.Add(6 * time.Hour)) {
		t.Fatal("JumpToDate between bars should succeed")
	}
	if engine.CurrentBarID() != 0 {
		t.Errorf("Expected to land in preview on bar id 0, got %d", engine.CurrentBarID())
	}

	// Before all data.
	if engine.JumpToDate(day("2023-12-01")) {
		t.Error("JumpToDate before the first bar should fail")
	}
}

func TestResetKeepsModeClearsMarkers(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12, 13)

	engine, err := New(bars, nil, bars[1].Date, AdjustDynamicForward)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := engine.SetAdjustment("none"); err != nil {
		t.Fatalf("SetAdjustment failed: %v", err)
	}

	engine.NextBar()
	engine.AddTradeMarker("buy", 11.0)
	engine.NextBar()

	engine.Reset()

	if engine.CurrentBarID() != 1 {
		t.Errorf("Expected reset to bar 1, got %d", engine.CurrentBarID())
	}
	if len(engine.TradeMarkers()) != 0 {
		t.Errorf("Expected markers cleared, got %d", len(engine.TradeMarkers()))
	}
	if engine.Mode() != AdjustNone {
		t.Errorf("Expected mode preserved across reset, got %s", engine.Mode())
	}
}

func TestProgress(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12, 13, 14)

	engine, err := New(bars, nil, bars[2].Date, AdjustDynamicForward)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	progress := engine.Progress()
	if progress.TotalBars != 5 {
		t.Errorf("Expected 5 total bars, got %d", progress.TotalBars)
	}
	if progress.TrainingProgress != 0 {
		t.Errorf("Expected 0%% at the first training bar, got %.1f", progress.TrainingProgress)
	}
	if progress.CurrentDate != "2024-01-04" {
		t.Errorf("Expected current date 2024-01-04, got %s", progress.CurrentDate)
	}
	if progress.EndDate != "2024-01-06" {
		t.Errorf("Expected end date 2024-01-06, got %s", progress.EndDate)
	}
	if progress.IsInPreview {
		t.Error("First training bar should not be in preview")
	}

	engine.NextBar()
	if got := engine.Progress().TrainingProgress; got != 50 {
		t.Errorf("Expected 50%% after one advance, got %.1f", got)
	}
	engine.NextBar()
	if got := engine.Progress().TrainingProgress; got != 100 {
		t.Errorf("Expected 100%% at the final bar, got %.1f", got)
	}

	if engine.TrainingTotal() != 2 {
		t.Errorf("Expected training total 2, got %d", engine.TrainingTotal())
	}
}

func TestPreviousClose(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11)
	factors := seriesFactors("2024-01-02", 1.0, 1.1)

	engine, err := New(bars, factors, day("2024-01-02"), AdjustDynamicForward)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if engine.PreviousClose() != nil {
		t.Error("Expected nil previous close at the window start")
	}

	engine.NextBar()
	prev := engine.PreviousClose()
	if prev == nil {
		t.Fatal("Expected previous close after an advance")
	}
	if *prev != 9.09 {
		t.Errorf("Expected previous close 9.09 (re-based on cursor factor), got %.2f", *prev)
	}
}

func TestVolumeColor(t *testing.T) {
	tests := []struct {
		name  string
		open  float64
		close float64
		want  string
	}{
		{"up candle", 10, 11, "#ff4d4f"},
		{"down candle", 11, 10, "#008000"},
		{"flat candle", 10, 10, "#000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VolumeColor(tt.open, tt.close); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestVolumeSeries(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12)

	engine, err := New(bars, nil, day("2024-01-02"), AdjustNone)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	engine.NextBar()

	volumes := engine.VolumeSeries()
	if len(volumes) != 2 {
		t.Fatalf("Expected 2 volume points, got %d", len(volumes))
	}
	if volumes[0].Value != 1000 || volumes[1].Value != 2000 {
		t.Errorf("Expected raw volumes [1000 2000], got [%v %v]", volumes[0].Value, volumes[1].Value)
	}
	// Every seriesBars candle closes above its open.
	for i, v := range volumes {
		if v.Color != "#ff4d4f" {
			t.Errorf("Volume %d: expected up colour, got %s", i, v.Color)
		}
	}

	if engine.CurrentVolume().Color != "" {
		t.Error("Cursor volume point should carry no colour")
	}
}

func TestMovingAverages(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12, 13, 14, 15)

	engine, err := New(bars, nil, day("2024-01-02"), AdjustNone)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for engine.NextBar() {
	}

	series := engine.MA(nil)
	for _, period := range []int{5, 10, 20} {
		if _, ok := series[period]; !ok {
			t.Errorf("Expected default period %d present", period)
		}
	}

	ma5 := series[5]
	if len(ma5) != 2 {
		t.Fatalf("Expected 2 MA5 points over 6 bars, got %d", len(ma5))
	}
	if ma5[0].Value != 12 {
		t.Errorf("Expected first MA5 = 12, got %v", ma5[0].Value)
	}
	if len(series[10]) != 0 {
		t.Errorf("Expected no MA10 points over 6 bars, got %d", len(series[10]))
	}
}

func TestTradeMarkers(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12)

	engine, err := New(bars, nil, day("2024-01-02"), AdjustNone)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	buy := engine.AddTradeMarker("buy", 10.0)
	if buy.Type != "B" || buy.BarID != 1 {
		t.Errorf("Unexpected buy marker: %+v", buy)
	}

	engine.NextBar()
	sell := engine.AddTradeMarker("sell", 11.0)
	if sell.Type != "S" || sell.BarID != 2 {
		t.Errorf("Unexpected sell marker: %+v", sell)
	}

	markers := engine.TradeMarkers()
	if len(markers) != 2 {
		t.Fatalf("Expected 2 markers, got %d", len(markers))
	}
}

func TestMACDSeriesAllPointsDefined(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12, 13, 14)

	engine, err := New(bars, nil, day("2024-01-02"), AdjustNone)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for engine.NextBar() {
	}

	series := engine.Indicator("MACD")
	if series.Type != "MACD" {
		t.Fatalf("Expected type MACD, got %s", series.Type)
	}
	if len(series.Data) != 5 {
		t.Fatalf("Expected 5 points, got %d", len(series.Data))
	}
	for i, p := range series.Data {
		if p.DIF == nil || p.DEA == nil || p.Histogram == nil {
			t.Fatalf("Point %d: MACD values should be defined from the first bar", i)
		}
		if got := *p.Histogram; math.Abs(got-2*(*p.DIF-*p.DEA)) > 1e-9 {
			t.Errorf("Point %d: histogram %v != 2*(dif-dea)", i, got)
		}
	}
}

func TestKDJSeriesBarePrefix(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12, 13, 14, 15)

	engine, err := New(bars, nil, day("2024-01-02"), AdjustNone)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for engine.NextBar() {
	}

	series := engine.Indicator("KDJ")
	for i := 0; i < 4; i++ {
		if series.Data[i].K != nil {
			t.Errorf("Point %d: expected bare point before the K window fills", i)
		}
	}
	for i := 4; i < len(series.Data); i++ {
		if series.Data[i].K == nil || series.Data[i].D == nil || series.Data[i].J == nil {
			t.Errorf("Point %d: expected KDJ values", i)
		}
	}
}

func TestRSISeriesPeriods(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11, 12, 13, 14, 15, 16, 17)

	engine, err := New(bars, nil, day("2024-01-02"), AdjustNone)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for engine.NextBar() {
	}

	series := engine.Indicator("RSI")
	want := []int{6, 12, 24}
	if len(series.Periods) != 3 || series.Periods[0] != want[0] || series.Periods[1] != want[1] || series.Periods[2] != want[2] {
		t.Fatalf("Expected periods [6 12 24], got %v", series.Periods)
	}
	if series.Data[0].RSI6 != nil {
		t.Error("Index 0 should be bare")
	}
	last := series.Data[len(series.Data)-1]
	// Monotonically rising closes saturate RSI at 100.
	if last.RSI6 == nil || *last.RSI6 != 100 {
		t.Errorf("Expected RSI6 100 on a straight rally, got %v", last.RSI6)
	}
}

func TestUnknownIndicator(t *testing.T) {
	bars := seriesBars("2024-01-02", 10, 11)

	engine, err := New(bars, nil, day("2024-01-02"), AdjustNone)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	series := engine.Indicator("VWAP")
	if series.Type != "VWAP" || len(series.Data) != 0 {
		t.Errorf("Expected empty series for unknown kind, got %+v", series)
	}
}
