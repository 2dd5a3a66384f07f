package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kline-replay-trainer/internal/ledger"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir(), zerolog.Nop())
	t.Cleanup(s.Close)
	return s
}

func defaultSettings() ledger.CommissionSettings {
	return ledger.CommissionSettings{CommissionRate: 0.0003, MinCommission: 5, StampTaxRate: 0.001}
}

func startSession(t *testing.T, s *Store, user, sessionID string) {
	t.Helper()
	err := s.StartSession(user, SessionStart{
		SessionID:          sessionID,
		StockCode:          "600519",
		StockName:          "贵州茅台",
		StartDate:          "2023-01-03",
		Mode:               "dynamic_forward",
		InitialCapital:     100000,
		CommissionSettings: defaultSettings(),
	})
	if err != nil {
		t.Fatalf("StartSession(%s): %v", sessionID, err)
	}
}

func completion(trades int, tradeWinRate, sessionWinRate, totalReturn float64) Completion {
	return Completion{
		EndDate:         "2023-06-30",
		FinalCapital:    100000 * (1 + totalReturn/100),
		TotalReturn:     totalReturn,
		MaxDrawdown:     3.2,
		TotalTrades:     trades,
		TradeWinRate:    tradeWinRate,
		SessionWinRate:  sessionWinRate,
		TotalBars:       41,
		CompletedBars:   40,
		TotalCommission: 15,
	}
}

func sampleBar(barID int) BarSnapshot {
	return BarSnapshot{
		BarID: barID, Date: "2023-01-05",
		Open: 9.8, High: 10.2, Low: 9.7, Close: 10.0, Volume: 120000,
		TotalAssets: 100000, AvailableCash: 97995, PositionValue: 2000,
		FloatingPnl: -5, TotalShares: 200, AverageCost: 10.025,
	}
}

func sampleTrade(barID int) TradeRow {
	return TradeRow{
		BarID: barID, TradeDate: "2023-01-05", Action: ledger.ActionBuy,
		Quantity: 2, Price: 10, Amount: 2000, Commission: 5, StampTax: 0,
		NetAmount: 2005, TotalAssetsBefore: 100000, TotalAssetsAfter: 99995,
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestStartSessionAppearsInHistory(t *testing.T) {
	s := newStore(t)
	startSession(t, s, "alice", "alice_20230103_093000")

	history, err := s.TrainingHistory("alice", 0)
	if err != nil {
		t.Fatalf("TrainingHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}

	row := history[0]
	if row.SessionID != "alice_20230103_093000" {
		t.Errorf("session_id = %s", row.SessionID)
	}
	if row.StockCode != "600519" || row.StockName != "贵州茅台" {
		t.Errorf("instrument = %s/%s", row.StockCode, row.StockName)
	}
	if row.Status != StatusActive {
		t.Errorf("status = %s, want active", row.Status)
	}
	if row.InitialCapital != 100000 {
		t.Errorf("initial_capital = %v", row.InitialCapital)
	}
	if row.EndDate != nil || row.FinalCapital != nil || row.TotalReturn != nil || row.CompletedAt != nil {
		t.Error("completion fields should be nil before completion")
	}
	if row.CreatedAt == "" {
		t.Error("created_at not set")
	}
}

func TestCompleteSessionFinalisesRow(t *testing.T) {
	s := newStore(t)
	startSession(t, s, "alice", "alice_20230103_093000")

	if err := s.CompleteSession("alice", "alice_20230103_093000", completion(3, 100, 100, 1.28), StatusCompleted); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	detail, err := s.SessionDetail("alice", "alice_20230103_093000")
	if err != nil {
		t.Fatalf("SessionDetail: %v", err)
	}
	if detail.Session.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", detail.Session.Status)
	}
	if detail.Session.FinalCapital == nil || !approx(*detail.Session.FinalCapital, 101280) {
		t.Errorf("final_capital = %v", detail.Session.FinalCapital)
	}
	if detail.Session.TotalReturn == nil || !approx(*detail.Session.TotalReturn, 1.28) {
		t.Errorf("total_return = %v", detail.Session.TotalReturn)
	}
	if detail.Session.EndDate == nil || *detail.Session.EndDate != "2023-06-30" {
		t.Errorf("end_date = %v", detail.Session.EndDate)
	}
	if detail.Session.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if detail.MaxDrawdown == nil || !approx(*detail.MaxDrawdown, 3.2) {
		t.Errorf("max_drawdown = %v", detail.MaxDrawdown)
	}
	if detail.TotalBars != 41 || detail.CompletedBars != 40 {
		t.Errorf("bars = %d/%d, want 41/40", detail.TotalBars, detail.CompletedBars)
	}
	if len(detail.CommissionSettings) == 0 {
		t.Error("commission settings not persisted")
	}
}

func TestZeroTradeCompletionLeavesSessionActive(t *testing.T) {
	s := newStore(t)
	startSession(t, s, "bob", "bob_20230103_093000")

	if err := s.CompleteSession("bob", "bob_20230103_093000", completion(0, 0, 0, 0), StatusCompleted); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	history, err := s.TrainingHistory("bob", 0)
	if err != nil {
		t.Fatalf("TrainingHistory: %v", err)
	}
	if history[0].Status != StatusActive {
		t.Errorf("status = %s, want active (zero-trade completion is a no-op)", history[0].Status)
	}

	stats, err := s.UserStatistics("bob")
	if err != nil {
		t.Fatalf("UserStatistics: %v", err)
	}
	if stats.TotalSessions != 0 || stats.CompletedSessions != 0 {
		t.Errorf("statistics moved on a zero-trade completion: %+v", stats)
	}
}

func TestStatisticsWeighting(t *testing.T) {
	s := newStore(t)
	startSession(t, s, "carol", "carol_a")
	startSession(t, s, "carol", "carol_b")

	if err := s.CompleteSession("carol", "carol_a", completion(5, 60, 100, 5), StatusCompleted); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if err := s.CompleteSession("carol", "carol_b", completion(10, 40, 0, -2), StatusCompleted); err != nil {
		t.Fatalf("complete b: %v", err)
	}

	stats, err := s.UserStatistics("carol")
	if err != nil {
		t.Fatalf("UserStatistics: %v", err)
	}
	if stats.TotalSessions != 2 || stats.CompletedSessions != 2 {
		t.Errorf("sessions = %d/%d, want 2/2", stats.TotalSessions, stats.CompletedSessions)
	}
	if stats.TotalTrades != 15 {
		t.Errorf("total_trades = %d, want 15", stats.TotalTrades)
	}
	// Trade-weighted: (60*5 + 40*10) / 15.
	if want := (60.0*5 + 40.0*10) / 15; !approx(stats.AvgTradeWinRate, want) {
		t.Errorf("avg_trade_win_rate = %v, want %v", stats.AvgTradeWinRate, want)
	}
	// Session-weighted: (100 + 0) / 2.
	if !approx(stats.AvgSessionWinRate, 50) {
		t.Errorf("avg_session_win_rate = %v, want 50", stats.AvgSessionWinRate)
	}
	if !approx(stats.BestReturn, 5) || !approx(stats.WorstReturn, -2) {
		t.Errorf("best/worst = %v/%v, want 5/-2", stats.BestReturn, stats.WorstReturn)
	}
	if !approx(stats.AvgReturn, 1.5) {
		t.Errorf("avg_return = %v, want 1.5", stats.AvgReturn)
	}
	if !approx(stats.SuccessRate, 100) {
		t.Errorf("success_rate = %v, want 100", stats.SuccessRate)
	}
	if !approx(stats.TotalCommissionPaid, 30) {
		t.Errorf("total_commission_paid = %v, want 30", stats.TotalCommissionPaid)
	}
}

func TestEndedStatusCountsTowardStatistics(t *testing.T) {
	s := newStore(t)
	startSession(t, s, "dave", "dave_a")

	if err := s.CompleteSession("dave", "dave_a", completion(4, 50, 100, 2), StatusEnded); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	history, _ := s.TrainingHistory("dave", 0)
	if history[0].Status != StatusEnded {
		t.Errorf("status = %s, want ended", history[0].Status)
	}

	stats, _ := s.UserStatistics("dave")
	if stats.TotalSessions != 1 || stats.TotalTrades != 4 {
		t.Errorf("statistics did not roll for ended session: %+v", stats)
	}
}

func TestSessionDetailMissing(t *testing.T) {
	s := newStore(t)

	if _, err := s.SessionDetail("nobody", "nobody_x"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing user: err = %v, want sql.ErrNoRows", err)
	}

	startSession(t, s, "erin", "erin_a")
	if _, err := s.SessionDetail("erin", "erin_missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing session: err = %v, want sql.ErrNoRows", err)
	}
}

func TestSessionDetailRoundTrip(t *testing.T) {
	s := newStore(t)
	startSession(t, s, "frank", "frank_a")

	if err := s.RecordBar("frank", "frank_a", sampleBar(1)); err != nil {
		t.Fatalf("RecordBar: %v", err)
	}
	if err := s.RecordBar("frank", "frank_a", sampleBar(2)); err != nil {
		t.Fatalf("RecordBar: %v", err)
	}
	if err := s.RecordTrade("frank", "frank_a", sampleTrade(2)); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}

	detail, err := s.SessionDetail("frank", "frank_a")
	if err != nil {
		t.Fatalf("SessionDetail: %v", err)
	}
	if len(detail.Bars) != 2 {
		t.Fatalf("bars = %d, want 2", len(detail.Bars))
	}
	if detail.Bars[0].BarID != 1 || detail.Bars[1].BarID != 2 {
		t.Errorf("bars not ordered by bar_id: %d, %d", detail.Bars[0].BarID, detail.Bars[1].BarID)
	}
	if !approx(detail.Bars[0].Close, 10.0) || !approx(detail.Bars[0].TotalAssets, 100000) {
		t.Errorf("bar fields lost: %+v", detail.Bars[0])
	}
	if len(detail.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(detail.Trades))
	}
	trade := detail.Trades[0]
	if trade.Action != ledger.ActionBuy || trade.Quantity != 2 || !approx(trade.NetAmount, 2005) {
		t.Errorf("trade fields lost: %+v", trade)
	}
	if !approx(trade.TotalAssetsBefore, 100000) || !approx(trade.TotalAssetsAfter, 99995) {
		t.Errorf("asset totals lost: %+v", trade)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newStore(t)
	startSession(t, s, "gina", "gina_a")
	startSession(t, s, "gina", "gina_b")

	if err := s.RecordBar("gina", "gina_a", sampleBar(1)); err != nil {
		t.Fatalf("RecordBar: %v", err)
	}
	if err := s.RecordTrade("gina", "gina_a", sampleTrade(1)); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}

	if err := s.DeleteSession("gina", "gina_a"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if _, err := s.SessionDetail("gina", "gina_a"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("deleted session still readable: %v", err)
	}

	db, err := s.handle("gina")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var bars, trades int
	db.QueryRow(`SELECT COUNT(*) FROM bar_history WHERE session_id = 'gina_a'`).Scan(&bars)
	db.QueryRow(`SELECT COUNT(*) FROM trade_history WHERE session_id = 'gina_a'`).Scan(&trades)
	if bars != 0 || trades != 0 {
		t.Errorf("orphan rows after delete: bars=%d trades=%d", bars, trades)
	}

	history, _ := s.TrainingHistory("gina", 0)
	if len(history) != 1 || history[0].SessionID != "gina_b" {
		t.Errorf("sibling session should survive delete: %+v", history)
	}

	// Deleting for an unknown user is a no-op.
	if err := s.DeleteSession("nobody", "x"); err != nil {
		t.Errorf("delete for unknown user: %v", err)
	}
}

func TestTrainingHistoryLimitAndOrder(t *testing.T) {
	s := newStore(t)
	for i := 1; i <= 25; i++ {
		startSession(t, s, "henry", fmt.Sprintf("henry_%02d", i))
	}

	history, err := s.TrainingHistory("henry", 0)
	if err != nil {
		t.Fatalf("TrainingHistory: %v", err)
	}
	if len(history) != 20 {
		t.Fatalf("default limit: got %d rows, want 20", len(history))
	}
	if history[0].SessionID != "henry_25" {
		t.Errorf("newest first: got %s, want henry_25", history[0].SessionID)
	}
	if history[19].SessionID != "henry_06" {
		t.Errorf("oldest in window: got %s, want henry_06", history[19].SessionID)
	}

	short, err := s.TrainingHistory("henry", 5)
	if err != nil {
		t.Fatalf("TrainingHistory(5): %v", err)
	}
	if len(short) != 5 {
		t.Errorf("explicit limit: got %d rows, want 5", len(short))
	}
}

func TestRecorderWritesThrough(t *testing.T) {
	s := newStore(t)
	startSession(t, s, "iris", "iris_a")
	rec := s.Recorder("iris", "iris_a")

	trade := &ledger.Trade{
		Instrument: "600519", Action: ledger.ActionBuy, Quantity: 2, Price: 10,
		Amount: 2000, Commission: 5, NetAmount: 2005,
		TradeDate: "2023-01-05", BarID: 3, Timestamp: time.Now(),
	}
	if err := rec.RecordTrade(trade, 100000, 99995); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}

	lot := &ledger.Lot{
		Instrument: "600519", Quantity: 200, CostPrice: 10.025,
		BuyDate:       time.Date(2023, 1, 5, 0, 0, 0, 0, time.Local),
		BuyBarID:      3,
		AvailableDate: time.Date(2023, 1, 6, 0, 0, 0, 0, time.Local),
		Status:        ledger.LotStatusActive,
	}
	if err := rec.RecordLot(lot); err != nil {
		t.Fatalf("RecordLot: %v", err)
	}

	detail, err := s.SessionDetail("iris", "iris_a")
	if err != nil {
		t.Fatalf("SessionDetail: %v", err)
	}
	if len(detail.Trades) != 1 || detail.Trades[0].BarID != 3 {
		t.Fatalf("trade not mirrored: %+v", detail.Trades)
	}

	db, err := s.handle("iris")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var quantity int
	var status, buyDate string
	err = db.QueryRow(`SELECT quantity, status, buy_date FROM position_lots WHERE buy_bar_id = 3`).
		Scan(&quantity, &status, &buyDate)
	if err != nil {
		t.Fatalf("lot not mirrored: %v", err)
	}
	if quantity != 200 || status != ledger.LotStatusActive || buyDate != "2023-01-05" {
		t.Errorf("lot row = %d/%s/%s", quantity, status, buyDate)
	}

	// A sell consuming the lot syncs quantity and status.
	lot.Quantity = 0
	lot.Status = ledger.LotStatusSold
	if err := rec.SyncLots([]*ledger.Lot{lot}); err != nil {
		t.Fatalf("SyncLots: %v", err)
	}
	err = db.QueryRow(`SELECT quantity, status FROM position_lots WHERE buy_bar_id = 3`).
		Scan(&quantity, &status)
	if err != nil {
		t.Fatalf("lot vanished after sync: %v", err)
	}
	if quantity != 0 || status != ledger.LotStatusSold {
		t.Errorf("lot after sync = %d/%s, want 0/sold", quantity, status)
	}
}

func TestPurgeSessionClearsRowsKeepsSession(t *testing.T) {
	s := newStore(t)
	startSession(t, s, "judy", "judy_a")
	rec := s.Recorder("judy", "judy_a")

	if err := s.RecordBar("judy", "judy_a", sampleBar(1)); err != nil {
		t.Fatalf("RecordBar: %v", err)
	}
	if err := s.RecordTrade("judy", "judy_a", sampleTrade(1)); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}
	if err := rec.RecordLot(&ledger.Lot{
		Instrument: "600519", Quantity: 200, CostPrice: 10,
		BuyDate: time.Now(), BuyBarID: 1, AvailableDate: time.Now(),
		Status: ledger.LotStatusActive,
	}); err != nil {
		t.Fatalf("RecordLot: %v", err)
	}

	if err := rec.PurgeSession(); err != nil {
		t.Fatalf("PurgeSession: %v", err)
	}

	detail, err := s.SessionDetail("judy", "judy_a")
	if err != nil {
		t.Fatalf("session row should survive purge: %v", err)
	}
	if len(detail.Bars) != 0 || len(detail.Trades) != 0 {
		t.Errorf("purge left rows: bars=%d trades=%d", len(detail.Bars), len(detail.Trades))
	}

	db, _ := s.handle("judy")
	var lots int
	db.QueryRow(`SELECT COUNT(*) FROM position_lots`).Scan(&lots)
	if lots != 0 {
		t.Errorf("purge left %d lots", lots)
	}
}

func TestPerformanceAnalysisWindow(t *testing.T) {
	s := newStore(t)
	startSession(t, s, "kate", "kate_a")
	startSession(t, s, "kate", "kate_b")
	startSession(t, s, "kate", "kate_c")

	if err := s.CompleteSession("kate", "kate_a", completion(3, 100, 100, 5), StatusCompleted); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if err := s.CompleteSession("kate", "kate_b", completion(7, 40, 0, -2), StatusEnded); err != nil {
		t.Fatalf("complete b: %v", err)
	}
	// kate_c stays active and must not appear in the window.

	analysis, err := s.PerformanceAnalysis("kate", 0)
	if err != nil {
		t.Fatalf("PerformanceAnalysis: %v", err)
	}
	if analysis.PeriodDays != 30 {
		t.Errorf("period = %d, want default 30", analysis.PeriodDays)
	}
	if analysis.CompletedCount != 2 || len(analysis.RecentSessions) != 2 {
		t.Fatalf("window size = %d/%d, want 2/2", analysis.CompletedCount, len(analysis.RecentSessions))
	}
	if !approx(analysis.BestReturn, 5) || !approx(analysis.WorstReturn, -2) {
		t.Errorf("best/worst = %v/%v", analysis.BestReturn, analysis.WorstReturn)
	}
	if !approx(analysis.AvgReturn, 1.5) {
		t.Errorf("avg_return = %v, want 1.5", analysis.AvgReturn)
	}
	if !approx(analysis.AvgTrades, 5) {
		t.Errorf("avg_trades = %v, want 5", analysis.AvgTrades)
	}
	if !approx(analysis.AvgTradeWinRate, 70) {
		t.Errorf("avg_trade_win_rate = %v, want 70", analysis.AvgTradeWinRate)
	}

	empty, err := s.PerformanceAnalysis("nobody", 7)
	if err != nil {
		t.Fatalf("PerformanceAnalysis(nobody): %v", err)
	}
	if empty.CompletedCount != 0 || len(empty.RecentSessions) != 0 || empty.PeriodDays != 7 {
		t.Errorf("unknown user analysis = %+v", empty)
	}
}

func TestReadsDoNotCreateDatabases(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, zerolog.Nop())
	t.Cleanup(s.Close)

	if _, err := s.UserStatistics("ghost"); err != nil {
		t.Fatalf("UserStatistics: %v", err)
	}
	if _, err := s.TrainingHistory("ghost", 0); err != nil {
		t.Fatalf("TrainingHistory: %v", err)
	}
	if _, err := s.PerformanceAnalysis("ghost", 30); err != nil {
		t.Fatalf("PerformanceAnalysis: %v", err)
	}

	if _, err := os.Stat(s.dbPath("ghost")); !os.IsNotExist(err) {
		t.Error("read operations must not create the database file")
	}
}

func TestInitUserAndClose(t *testing.T) {
	s := newStore(t)

	if s.Exists("luke") {
		t.Error("Exists before init")
	}
	if err := s.InitUser("luke"); err != nil {
		t.Fatalf("InitUser: %v", err)
	}
	if !s.Exists("luke") {
		t.Error("Exists after init")
	}
	if _, err := os.Stat(s.dbPath("luke")); err != nil {
		t.Errorf("database file missing: %v", err)
	}
	if err := s.CloseUser("luke"); err != nil {
		t.Errorf("CloseUser: %v", err)
	}
	if err := s.CloseUser("luke"); err != nil {
		t.Errorf("CloseUser twice: %v", err)
	}
}
