// Package session owns the live training sessions: start-up wiring, the
// advance/trade/reset/end flows, snapshot write-through and eviction. The
// registry serialises all operations per session; the engine and simulator
// underneath are single-owner types.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kline-replay-trainer/internal/events"
	"kline-replay-trainer/internal/ledger"
	"kline-replay-trainer/internal/market"
	"kline-replay-trainer/internal/replay"
	"kline-replay-trainer/internal/store"
	"kline-replay-trainer/internal/users"
)

const (
	dateLayout      = "2006-01-02"
	sessionIDLayout = "20060102_150405"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrMissingInstrument = errors.New("stock code and start date are required")
	ErrInvalidAction     = errors.New("invalid trade action")
	ErrDateOutOfRange    = errors.New("date outside replay range")
)

var defaultMAPeriods = []int{5, 10, 20}

// ============================================================================
// TYPES
// ============================================================================

// Session is one live training run: the replay engine, the simulator and
// the metadata needed for persistence and reporting.
type Session struct {
	ID        string
	User      string
	StockCode string
	StockName string
	StartDate time.Time
	Mode      string
	CreatedAt time.Time

	mu        sync.Mutex
	engine    *replay.Engine
	sim       *ledger.Simulator
	autoSave  bool
	snapshots []store.BarSnapshot
	flushed   int  // snapshots already written through
	closed    bool // set on eviction so late callers see SessionNotFound
}

// StartParams are the training-start request fields.
type StartParams struct {
	User           string
	Mode           string
	InitialCapital float64
	Sector         string
	YearRange      string
	StockCode      string
	StartDate      string
}

// StartResult identifies a freshly started session.
type StartResult struct {
	ID        string `json:"id"`
	StockCode string `json:"stock_code"`
	StartDate string `json:"start_date"`
	Mode      string `json:"mode"`
}

// ChartPayload is the re-rendered chart state after an adjustment change.
type ChartPayload struct {
	KlineData  []replay.BarPoint        `json:"kline_data"`
	VolumeData []replay.VolumePoint     `json:"volume_data"`
	MAData     map[int][]replay.MAPoint `json:"ma_data"`
}

// DataPayload is the full chart state of a session.
type DataPayload struct {
	StockName    string                   `json:"stock_name"`
	KlineData    []replay.BarPoint        `json:"kline_data"`
	VolumeData   []replay.VolumePoint     `json:"volume_data"`
	MAData       map[int][]replay.MAPoint `json:"ma_data"`
	Progress     replay.Progress          `json:"progress"`
	TradeMarkers []replay.TradeMarker     `json:"trade_markers"`
}

// AdvanceResult is one bar step: either the new bar or the final report.
type AdvanceResult struct {
	Finished  bool                `json:"finished"`
	NewBar    *replay.CurrentBar  `json:"new_bar,omitempty"`
	NewVolume *replay.VolumePoint `json:"new_volume,omitempty"`
	Progress  *replay.Progress    `json:"progress,omitempty"`
	Report    *ledger.Report      `json:"report,omitempty"`
}

// TradeLog is the in-session trade history payload.
type TradeLog struct {
	TradeHistory []ledger.Trade       `json:"trade_history"`
	Progress     replay.Progress      `json:"progress"`
	TradeMarkers []replay.TradeMarker `json:"trade_markers"`
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry is the process-wide session map.
type Registry struct {
	provider market.Provider
	users    *users.Manager
	history  *store.Store
	bus      *events.EventBus
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry wires the session manager to its collaborators.
func NewRegistry(provider market.Provider, userManager *users.Manager, history *store.Store, bus *events.EventBus, logger zerolog.Logger) *Registry {
	return &Registry{
		provider: provider,
		users:    userManager,
		history:  history,
		bus:      bus,
		logger:   logger.With().Str("component", "session").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Start resolves the instrument and start date, builds the engine and
// simulator, persists the session row and registers the session.
func (r *Registry) Start(ctx context.Context, p StartParams) (*StartResult, error) {
	if !r.users.Exists(p.User) {
		return nil, users.ErrUserNotFound
	}
	settings, err := r.users.Settings(p.User)
	if err != nil {
		return nil, err
	}
	prefs, err := r.users.Preferences(p.User)
	if err != nil {
		return nil, err
	}

	var (
		code      string
		startDate time.Time
	)
	if p.Mode == "random" {
		code, startDate, err = r.provider.RandomPick(p.Sector, p.YearRange)
		if err != nil {
			return nil, err
		}
	} else {
		if p.StockCode == "" || p.StartDate == "" {
			return nil, ErrMissingInstrument
		}
		startDate, err = time.Parse(dateLayout, p.StartDate)
		if err != nil {
			return nil, fmt.Errorf("start date %q: %w", p.StartDate, market.ErrInvalidDate)
		}
		code = p.StockCode
		if err := r.provider.Validate(code, startDate); err != nil {
			return nil, err
		}
	}

	bars, factors, err := r.provider.LoadSeries(ctx, code)
	if err != nil {
		return nil, err
	}

	// An unparseable configured mode falls back to the default rather than
	// blocking session start.
	mode, err := replay.ParseAdjustMode(settings.AdjustmentMode)
	if err != nil {
		mode = replay.AdjustDynamicForward
	}
	engine, err := replay.New(bars, factors, startDate, mode)
	if err != nil {
		return nil, err
	}

	initialCapital := p.InitialCapital
	if initialCapital <= 0 {
		initialCapital = settings.DefaultInitialCapital
	}
	if initialCapital <= 0 {
		initialCapital = 100000
	}

	sessionID := fmt.Sprintf("%s_%s", p.User, time.Now().Format(sessionIDLayout))
	sim := ledger.New(p.User, code, initialCapital, r.history.Recorder(p.User, sessionID), r.logger)
	sim.SetCommission(ledger.CommissionSettings{
		CommissionRate: settings.CommissionRate,
		MinCommission:  settings.MinCommission,
		StampTaxRate:   settings.StampTaxRate,
	})

	// Prime the simulator with the first training bar so max-buyable and
	// account payloads are right before the first advance.
	bar := engine.CurrentBar()
	sim.UpdatePrice(bar.Close, bar.BarID)

	name := r.provider.InstrumentName(code)
	if err := r.history.StartSession(p.User, store.SessionStart{
		SessionID:          sessionID,
		StockCode:          code,
		StockName:          name,
		StartDate:          startDate.Format(dateLayout),
		Mode:               p.Mode,
		InitialCapital:     initialCapital,
		CommissionSettings: sim.Settings(),
	}); err != nil {
		return nil, err
	}

	session := &Session{
		ID:        sessionID,
		User:      p.User,
		StockCode: code,
		StockName: name,
		StartDate: startDate,
		Mode:      p.Mode,
		CreatedAt: time.Now(),
		engine:    engine,
		sim:       sim,
		autoSave:  prefs.AutoSave,
	}

	r.mu.Lock()
	r.sessions[sessionID] = session
	r.mu.Unlock()

	r.bus.PublishSessionStarted(sessionID, p.User, code, name, startDate.Format(dateLayout), p.Mode, initialCapital)
	r.logger.Info().
		Str("session_id", sessionID).
		Str("stock_code", code).
		Str("start_date", startDate.Format(dateLayout)).
		Float64("initial_capital", initialCapital).
		Msg("Training session started")

	return &StartResult{
		ID:        sessionID,
		StockCode: code,
		StartDate: startDate.Format(dateLayout),
		Mode:      p.Mode,
	}, nil
}

// Get returns the live session handle.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) evict(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// lock fetches the session and acquires its mutex. Callers must unlock.
func (r *Registry) lock(sessionID string) (*Session, error) {
	session, err := r.Get(sessionID)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// ============================================================================
// SESSION OPERATIONS
// ============================================================================

// Data returns the full visible chart state.
func (r *Registry) Data(sessionID string) (*DataPayload, error) {
	s, err := r.lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	return r.dataPayload(s), nil
}

func (r *Registry) dataPayload(s *Session) *DataPayload {
	return &DataPayload{
		StockName:    s.StockName,
		KlineData:    s.engine.VisibleBars(),
		VolumeData:   s.engine.VolumeSeries(),
		MAData:       s.engine.MA(defaultMAPeriods),
		Progress:     s.engine.Progress(),
		TradeMarkers: s.engine.TradeMarkers(),
	}
}

// Advance moves the session one bar forward. At the final bar it builds the
// report, persists the session as completed and evicts it.
func (r *Registry) Advance(sessionID string) (*AdvanceResult, error) {
	s, err := r.lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if !s.engine.NextBar() {
		report, err := r.finalize(s, store.StatusCompleted)
		if err != nil {
			return nil, err
		}
		r.bus.PublishSessionCompleted(s.ID, report.TotalReturn, report.TotalTrades, report.TradeWinRate)
		return &AdvanceResult{Finished: true, Report: report}, nil
	}

	bar := s.engine.CurrentBar()
	bar.LastClose = s.engine.PreviousClose()
	s.sim.UpdatePrice(bar.Close, bar.BarID)

	volume := s.engine.CurrentVolume()
	volume.Color = replay.VolumeColor(bar.Open, bar.Close)

	r.appendSnapshot(s)

	progress := s.engine.Progress()
	r.bus.PublishBarAdvanced(s.ID, bar.BarID, s.engine.CurrentDate().Format(dateLayout), bar.Close, progress.TrainingProgress)

	return &AdvanceResult{
		Finished:  false,
		NewBar:    &bar,
		NewVolume: &volume,
		Progress:  &progress,
	}, nil
}

// SetAdjustment switches the price adjustment mode and re-renders the chart.
func (r *Registry) SetAdjustment(sessionID, mode string) (*ChartPayload, error) {
	s, err := r.lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if err := s.engine.SetAdjustment(mode); err != nil {
		return nil, err
	}

	// Re-basing moved the displayed prices; keep the simulator in step.
	bar := s.engine.CurrentBar()
	s.sim.UpdatePrice(bar.Close, bar.BarID)

	return &ChartPayload{
		KlineData:  s.engine.VisibleBars(),
		VolumeData: s.engine.VolumeSeries(),
		MAData:     s.engine.MA(defaultMAPeriods),
	}, nil
}

// Trade executes a buy or sell at the cursor's adjusted close. Domain
// violations come back inside the TradeResult, not as errors.
func (r *Registry) Trade(sessionID, action string, lots int) (*ledger.TradeResult, []replay.TradeMarker, error) {
	s, err := r.lock(sessionID)
	if err != nil {
		return nil, nil, err
	}
	defer s.mu.Unlock()

	bar := s.engine.CurrentBar()
	date := s.engine.CurrentDate()

	var result *ledger.TradeResult
	switch action {
	case ledger.ActionBuy:
		result = s.sim.Buy(lots, bar.Close, date)
	case ledger.ActionSell:
		result = s.sim.Sell(lots, bar.Close, date)
	default:
		return nil, nil, fmt.Errorf("%q: %w", action, ErrInvalidAction)
	}

	if result.Success {
		s.engine.AddTradeMarker(action, bar.Close)
		r.bus.PublishTradeExecuted(s.ID, action, lots, bar.Close, result.Trade.Amount, bar.BarID)
	}

	return result, s.engine.TradeMarkers(), nil
}

// Account returns the simulator's account payload as of the cursor date.
func (r *Registry) Account(sessionID string) (*ledger.AccountInfo, error) {
	s, err := r.lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	info := s.sim.AccountInfo(s.engine.CurrentDate())
	return &info, nil
}

// Indicator computes the named indicator over the visible range. The kind is
// upper-cased before dispatch; unknown kinds yield an empty series.
func (r *Registry) Indicator(sessionID, kind string) (*replay.IndicatorSeries, error) {
	s, err := r.lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	series := s.engine.Indicator(strings.ToUpper(kind))
	return &series, nil
}

// End closes the session early: report, persist as ended, evict.
func (r *Registry) End(sessionID string) (*ledger.Report, error) {
	s, err := r.lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	report, err := r.finalize(s, store.StatusEnded)
	if err != nil {
		return nil, err
	}
	r.bus.PublishSessionEnded(s.ID, report.TotalReturn, report.TotalTrades, report.TradeWinRate)
	return report, nil
}

// Reset rewinds the session to its first training bar: replay cursor and
// markers reset, account restored, mirrored rows purged, snapshots dropped.
func (r *Registry) Reset(sessionID string) error {
	s, err := r.lock(sessionID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.engine.Reset()
	if err := s.sim.Reset(); err != nil {
		return err
	}
	s.snapshots = nil
	s.flushed = 0

	bar := s.engine.CurrentBar()
	s.sim.UpdatePrice(bar.Close, bar.BarID)

	r.bus.PublishSessionReset(s.ID)
	r.logger.Info().Str("session_id", s.ID).Msg("Training session reset")
	return nil
}

// Jump moves the cursor to the last bar at or before the target date and
// returns the re-rendered chart state.
func (r *Registry) Jump(sessionID, date string) (*DataPayload, error) {
	s, err := r.lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	target, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("jump date %q: %w", date, market.ErrInvalidDate)
	}
	if !s.engine.JumpToDate(target) {
		return nil, fmt.Errorf("jump to %s: %w", date, ErrDateOutOfRange)
	}

	bar := s.engine.CurrentBar()
	s.sim.UpdatePrice(bar.Close, bar.BarID)

	return r.dataPayload(s), nil
}

// TradeLog returns the session's executed trades with replay position.
func (r *Registry) TradeLog(sessionID string) (*TradeLog, error) {
	s, err := r.lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	return &TradeLog{
		TradeHistory: s.sim.History(),
		Progress:     s.engine.Progress(),
		TradeMarkers: s.engine.TradeMarkers(),
	}, nil
}

// ============================================================================
// COMPLETION & SNAPSHOTS
// ============================================================================

// finalize builds the report, flushes the equity curve, persists the
// terminal row and evicts the session. A persistence failure keeps the
// session live so the caller can retry.
func (r *Registry) finalize(s *Session, status string) (*ledger.Report, error) {
	report := s.sim.Report(s.StockName, s.StartDate.Format(dateLayout), s.engine.CurrentDate().Format(dateLayout))

	r.flushSnapshots(s)

	completion := store.Completion{
		EndDate:         s.engine.CurrentDate().Format(dateLayout),
		FinalCapital:    report.FinalCapital,
		TotalReturn:     report.TotalReturn,
		MaxDrawdown:     maxDrawdown(s.snapshots),
		TotalTrades:     report.TotalTrades,
		TradeWinRate:    report.TradeWinRate,
		SessionWinRate:  report.SessionWinRate,
		TotalBars:       s.engine.TrainingTotal() + 1,
		CompletedBars:   maxInt(0, s.engine.CurrentBarID()),
		TotalCommission: report.TotalCommission,
	}
	if err := r.history.CompleteSession(s.User, s.ID, completion, status); err != nil {
		return nil, err
	}

	s.closed = true
	r.evict(s.ID)
	r.logger.Info().
		Str("session_id", s.ID).
		Str("status", status).
		Float64("total_return", report.TotalReturn).
		Int("total_trades", report.TotalTrades).
		Msg("Training session finished")

	return &report, nil
}

// appendSnapshot records the cursor's account state, writing through when
// auto-save is on.
func (r *Registry) appendSnapshot(s *Session) {
	bar := s.engine.CurrentBar()
	info := s.sim.AccountInfo(s.engine.CurrentDate())
	s.snapshots = append(s.snapshots, store.BarSnapshot{
		BarID:         bar.BarID,
		Date:          s.engine.CurrentDate().Format(dateLayout),
		Open:          bar.Open,
		High:          bar.High,
		Low:           bar.Low,
		Close:         bar.Close,
		Volume:        bar.Volume,
		TotalAssets:   info.TotalAssets,
		AvailableCash: info.AvailableCash,
		PositionValue: info.PositionValue,
		FloatingPnl:   info.FloatingPnl,
		TotalShares:   s.sim.TotalShares(),
		AverageCost:   s.sim.AverageCost(),
	})

	if s.autoSave {
		r.flushSnapshots(s)
	}
}

// flushSnapshots writes any unwritten snapshots through to the history
// database. Failures are logged and retried at the next flush; the trade
// itself never depends on the mirror.
func (r *Registry) flushSnapshots(s *Session) {
	for s.flushed < len(s.snapshots) {
		if err := r.history.RecordBar(s.User, s.ID, s.snapshots[s.flushed]); err != nil {
			r.logger.Warn().Err(err).
				Str("session_id", s.ID).
				Int("bar_id", s.snapshots[s.flushed].BarID).
				Msg("Failed to write bar snapshot")
			return
		}
		s.flushed++
	}
}

// maxDrawdown is the deepest peak-to-trough percentage decline of the
// snapshot equity curve.
func maxDrawdown(snapshots []store.BarSnapshot) float64 {
	peak, worst := 0.0, 0.0
	for _, snap := range snapshots {
		if snap.TotalAssets > peak {
			peak = snap.TotalAssets
		}
		if peak > 0 {
			if dd := 100 * (peak - snap.TotalAssets) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return round2(worst)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
