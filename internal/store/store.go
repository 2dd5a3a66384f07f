// Package store persists training history: one SQLite database per user
// holding session rows, per-bar account snapshots, executed trades, the live
// position-lot mirror, and rolling user statistics.
//
// Databases are created lazily on the first write for a user; read
// operations against a user who never trained return empty results without
// creating files.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"kline-replay-trainer/internal/ledger"
)

const dbFileName = "training_history.db"

// Session status values.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusEnded     = "ended"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS training_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT UNIQUE NOT NULL,
		stock_code TEXT NOT NULL,
		stock_name TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT,
		mode TEXT NOT NULL,
		initial_capital REAL NOT NULL,
		final_capital REAL,
		total_return REAL,
		max_drawdown REAL,
		total_trades INTEGER DEFAULT 0,
		trade_win_rate REAL DEFAULT 0,
		session_win_rate REAL DEFAULT 0,
		total_bars INTEGER DEFAULT 0,
		completed_bars INTEGER DEFAULT 0,
		status TEXT DEFAULT 'active',
		commission_settings TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS bar_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		bar_id INTEGER NOT NULL,
		date TEXT NOT NULL,
		open_price REAL NOT NULL,
		high_price REAL NOT NULL,
		low_price REAL NOT NULL,
		close_price REAL NOT NULL,
		volume REAL NOT NULL,
		total_assets REAL NOT NULL,
		available_cash REAL NOT NULL,
		position_value REAL NOT NULL,
		floating_pnl REAL NOT NULL,
		total_shares INTEGER DEFAULT 0,
		average_cost REAL DEFAULT 0,
		created_at TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES training_sessions (session_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bar_history_session ON bar_history(session_id)`,
	`CREATE TABLE IF NOT EXISTS trade_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		bar_id INTEGER NOT NULL,
		trade_date TEXT NOT NULL,
		action TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL NOT NULL,
		amount REAL NOT NULL,
		commission REAL NOT NULL,
		stamp_tax REAL NOT NULL,
		net_amount REAL NOT NULL,
		total_assets_before REAL NOT NULL,
		total_assets_after REAL NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES training_sessions (session_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_history_session ON trade_history(session_id)`,
	`CREATE TABLE IF NOT EXISTS position_lots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stock_code TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		cost_price REAL NOT NULL,
		buy_date TEXT NOT NULL,
		buy_bar_id INTEGER NOT NULL,
		available_date TEXT NOT NULL,
		status TEXT DEFAULT 'active'
	)`,
	`CREATE TABLE IF NOT EXISTS user_statistics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		total_sessions INTEGER DEFAULT 0,
		completed_sessions INTEGER DEFAULT 0,
		total_trades INTEGER DEFAULT 0,
		total_return_sum REAL DEFAULT 0,
		best_return REAL DEFAULT 0,
		worst_return REAL DEFAULT 0,
		avg_trade_win_rate REAL DEFAULT 0,
		avg_session_win_rate REAL DEFAULT 0,
		total_commission_paid REAL DEFAULT 0,
		last_updated TEXT NOT NULL
	)`,
}

// ============================================================================
// ROW TYPES
// ============================================================================

// SessionStart is the row inserted when a training session begins.
type SessionStart struct {
	SessionID          string
	StockCode          string
	StockName          string
	StartDate          string
	Mode               string
	InitialCapital     float64
	CommissionSettings ledger.CommissionSettings
}

// Completion carries the end-of-session numbers folded into the session row
// and the user statistics.
type Completion struct {
	EndDate         string
	FinalCapital    float64
	TotalReturn     float64
	MaxDrawdown     float64
	TotalTrades     int
	TradeWinRate    float64
	SessionWinRate  float64
	TotalBars       int
	CompletedBars   int
	TotalCommission float64
}

// BarSnapshot is one per-bar account state row.
type BarSnapshot struct {
	BarID         int     `json:"bar_id"`
	Date          string  `json:"date"`
	Open          float64 `json:"open_price"`
	High          float64 `json:"high_price"`
	Low           float64 `json:"low_price"`
	Close         float64 `json:"close_price"`
	Volume        float64 `json:"volume"`
	TotalAssets   float64 `json:"total_assets"`
	AvailableCash float64 `json:"available_cash"`
	PositionValue float64 `json:"position_value"`
	FloatingPnl   float64 `json:"floating_pnl"`
	TotalShares   int     `json:"total_shares"`
	AverageCost   float64 `json:"average_cost"`
}

// TradeRow is one executed trade as persisted.
type TradeRow struct {
	BarID             int     `json:"bar_id"`
	TradeDate         string  `json:"trade_date"`
	Action            string  `json:"action"`
	Quantity          int     `json:"quantity"`
	Price             float64 `json:"price"`
	Amount            float64 `json:"amount"`
	Commission        float64 `json:"commission"`
	StampTax          float64 `json:"stamp_tax"`
	NetAmount         float64 `json:"net_amount"`
	TotalAssetsBefore float64 `json:"total_assets_before"`
	TotalAssetsAfter  float64 `json:"total_assets_after"`
}

// SessionSummary is a training-history listing row. Pointer fields stay nil
// until the session completes.
type SessionSummary struct {
	SessionID      string   `json:"session_id"`
	StockCode      string   `json:"stock_code"`
	StockName      string   `json:"stock_name"`
	StartDate      string   `json:"start_date"`
	EndDate        *string  `json:"end_date"`
	Mode           string   `json:"mode"`
	InitialCapital float64  `json:"initial_capital"`
	FinalCapital   *float64 `json:"final_capital"`
	TotalReturn    *float64 `json:"total_return"`
	TotalTrades    int      `json:"total_trades"`
	TradeWinRate   float64  `json:"trade_win_rate"`
	SessionWinRate float64  `json:"session_win_rate"`
	Status         string   `json:"status"`
	CreatedAt      string   `json:"created_at"`
	CompletedAt    *string  `json:"completed_at"`
}

// SessionDetail is the full recoverable record of one session.
type SessionDetail struct {
	Session            SessionSummary  `json:"session_info"`
	MaxDrawdown        *float64        `json:"max_drawdown"`
	TotalBars          int             `json:"total_bars"`
	CompletedBars      int             `json:"completed_bars"`
	CommissionSettings json.RawMessage `json:"commission_settings"`
	Bars               []BarSnapshot   `json:"bar_history"`
	Trades             []TradeRow      `json:"trade_history"`
}

// Statistics is the derived per-user statistics view.
type Statistics struct {
	TotalSessions       int     `json:"total_sessions"`
	CompletedSessions   int     `json:"completed_sessions"`
	SuccessRate         float64 `json:"success_rate"`
	TotalTrades         int     `json:"total_trades"`
	AvgReturn           float64 `json:"avg_return"`
	BestReturn          float64 `json:"best_return"`
	WorstReturn         float64 `json:"worst_return"`
	AvgTradeWinRate     float64 `json:"avg_trade_win_rate"`
	AvgSessionWinRate   float64 `json:"avg_session_win_rate"`
	TotalCommissionPaid float64 `json:"total_commission_paid"`
}

// RecentSession is one completed session inside an analysis window.
type RecentSession struct {
	TotalReturn    float64 `json:"total_return"`
	TotalTrades    int     `json:"total_trades"`
	TradeWinRate   float64 `json:"trade_win_rate"`
	SessionWinRate float64 `json:"session_win_rate"`
	CreatedAt      string  `json:"created_at"`
}

// Analysis aggregates the completed sessions of a recent window.
type Analysis struct {
	RecentSessions  []RecentSession `json:"recent_sessions"`
	CompletedCount  int             `json:"completed_count"`
	BestReturn      float64         `json:"best_return"`
	WorstReturn     float64         `json:"worst_return"`
	AvgReturn       float64         `json:"avg_return"`
	AvgTrades       float64         `json:"avg_trades"`
	AvgTradeWinRate float64         `json:"avg_trade_win_rate"`
	PeriodDays      int             `json:"analysis_period_days"`
}

// ============================================================================
// STORE
// ============================================================================

// Store manages the per-user history databases under usersDir.
type Store struct {
	usersDir string
	logger   zerolog.Logger

	mu      sync.Mutex
	handles map[string]*sql.DB
}

// New creates a store rooted at usersDir.
func New(usersDir string, logger zerolog.Logger) *Store {
	return &Store{
		usersDir: usersDir,
		logger:   logger.With().Str("component", "store").Logger(),
		handles:  make(map[string]*sql.DB),
	}
}

func (s *Store) dbPath(user string) string {
	return filepath.Join(s.usersDir, user, dbFileName)
}

// Exists reports whether the user already has a history database on disk.
func (s *Store) Exists(user string) bool {
	s.mu.Lock()
	_, open := s.handles[user]
	s.mu.Unlock()
	if open {
		return true
	}
	_, err := os.Stat(s.dbPath(user))
	return err == nil
}

// handle returns the cached connection for user, opening and migrating the
// database on first use.
func (s *Store) handle(user string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.handles[user]; ok {
		return db, nil
	}

	path := s.dbPath(user)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create user directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration %d: %w", i+1, err)
		}
	}

	s.handles[user] = db
	s.logger.Debug().Str("user", user).Str("path", path).Msg("Opened history database")
	return db, nil
}

// InitUser eagerly creates the user's database and schema.
func (s *Store) InitUser(user string) error {
	_, err := s.handle(user)
	return err
}

// CloseUser closes the cached handle so the user's directory can be removed.
func (s *Store) CloseUser(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, ok := s.handles[user]
	if !ok {
		return nil
	}
	delete(s.handles, user)
	return db.Close()
}

// Close closes every cached handle.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for user, db := range s.handles {
		if err := db.Close(); err != nil {
			s.logger.Warn().Err(err).Str("user", user).Msg("Failed to close history database")
		}
		delete(s.handles, user)
	}
}

// ============================================================================
// SESSION LIFECYCLE
// ============================================================================

// StartSession inserts the session row with status active.
func (s *Store) StartSession(user string, start SessionStart) error {
	db, err := s.handle(user)
	if err != nil {
		return err
	}

	settings, err := json.Marshal(start.CommissionSettings)
	if err != nil {
		return fmt.Errorf("marshal commission settings: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO training_sessions
		(session_id, stock_code, stock_name, start_date, mode, initial_capital, commission_settings, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		start.SessionID, start.StockCode, start.StockName, start.StartDate,
		start.Mode, start.InitialCapital, string(settings), StatusActive,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", start.SessionID, err)
	}
	return nil
}

// RecordBar inserts one account snapshot row.
func (s *Store) RecordBar(user, sessionID string, snap BarSnapshot) error {
	db, err := s.handle(user)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO bar_history
		(session_id, bar_id, date, open_price, high_price, low_price, close_price, volume,
		 total_assets, available_cash, position_value, floating_pnl, total_shares, average_cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, snap.BarID, snap.Date, snap.Open, snap.High, snap.Low, snap.Close, snap.Volume,
		snap.TotalAssets, snap.AvailableCash, snap.PositionValue, snap.FloatingPnl,
		snap.TotalShares, snap.AverageCost, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert bar %d: %w", snap.BarID, err)
	}
	return nil
}

// RecordTrade inserts one executed trade row.
func (s *Store) RecordTrade(user, sessionID string, row TradeRow) error {
	db, err := s.handle(user)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO trade_history
		(session_id, bar_id, trade_date, action, quantity, price, amount, commission, stamp_tax,
		 net_amount, total_assets_before, total_assets_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, row.BarID, row.TradeDate, row.Action, row.Quantity, row.Price,
		row.Amount, row.Commission, row.StampTax, row.NetAmount,
		row.TotalAssetsBefore, row.TotalAssetsAfter, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert trade at bar %d: %w", row.BarID, err)
	}
	return nil
}

// CompleteSession finalises the session row under the given terminal status
// and rolls the user statistics in the same transaction. A completion with
// zero trades is a successful no-op: the row keeps its active status and the
// statistics do not move.
func (s *Store) CompleteSession(user, sessionID string, completion Completion, status string) error {
	if completion.TotalTrades == 0 {
		return nil
	}

	db, err := s.handle(user)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin completion: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE training_sessions
		SET end_date = ?, final_capital = ?, total_return = ?, max_drawdown = ?,
		    total_trades = ?, trade_win_rate = ?, session_win_rate = ?,
		    total_bars = ?, completed_bars = ?, status = ?, completed_at = ?
		WHERE session_id = ?`,
		completion.EndDate, completion.FinalCapital, completion.TotalReturn, completion.MaxDrawdown,
		completion.TotalTrades, completion.TradeWinRate, completion.SessionWinRate,
		completion.TotalBars, completion.CompletedBars, status, time.Now().Format(time.RFC3339),
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}

	if err := rollStatistics(tx, user, completion); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit completion: %w", err)
	}
	return nil
}

// rollStatistics folds one completion into the user's running statistics.
// The trade win rate average is trade-weighted; the session win rate average
// is session-weighted.
func rollStatistics(tx *sql.Tx, user string, c Completion) error {
	var (
		totalSessions     int
		completedSessions int
		totalTrades       int
		totalReturnSum    float64
		bestReturn        float64
		worstReturn       float64
		avgTradeWinRate   float64
		avgSessionWinRate float64
		totalCommission   float64
	)

	err := tx.QueryRow(`
		SELECT total_sessions, completed_sessions, total_trades, total_return_sum,
		       best_return, worst_return, avg_trade_win_rate, avg_session_win_rate, total_commission_paid
		FROM user_statistics WHERE username = ?`, user).Scan(
		&totalSessions, &completedSessions, &totalTrades, &totalReturnSum,
		&bestReturn, &worstReturn, &avgTradeWinRate, &avgSessionWinRate, &totalCommission,
	)
	if err == sql.ErrNoRows {
		_, err = tx.Exec(`
			INSERT INTO user_statistics
			(username, total_sessions, completed_sessions, total_trades, total_return_sum,
			 best_return, worst_return, avg_trade_win_rate, avg_session_win_rate,
			 total_commission_paid, last_updated)
			VALUES (?, 1, 1, ?, ?, ?, ?, ?, ?, ?, ?)`,
			user, c.TotalTrades, c.TotalReturn, c.TotalReturn, c.TotalReturn,
			c.TradeWinRate, c.SessionWinRate, c.TotalCommission, time.Now().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("insert statistics: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read statistics: %w", err)
	}

	newTrades := totalTrades + c.TotalTrades
	newCompleted := completedSessions + 1
	newAvgTradeWinRate := (avgTradeWinRate*float64(totalTrades) + c.TradeWinRate*float64(c.TotalTrades)) / float64(newTrades)
	newAvgSessionWinRate := (avgSessionWinRate*float64(completedSessions) + c.SessionWinRate) / float64(newCompleted)
	if c.TotalReturn > bestReturn {
		bestReturn = c.TotalReturn
	}
	if c.TotalReturn < worstReturn {
		worstReturn = c.TotalReturn
	}

	_, err = tx.Exec(`
		UPDATE user_statistics
		SET total_sessions = ?, completed_sessions = ?, total_trades = ?,
		    total_return_sum = ?, best_return = ?, worst_return = ?,
		    avg_trade_win_rate = ?, avg_session_win_rate = ?, total_commission_paid = ?, last_updated = ?
		WHERE username = ?`,
		totalSessions+1, newCompleted, newTrades,
		totalReturnSum+c.TotalReturn, bestReturn, worstReturn,
		newAvgTradeWinRate, newAvgSessionWinRate, totalCommission+c.TotalCommission,
		time.Now().Format(time.RFC3339), user,
	)
	if err != nil {
		return fmt.Errorf("update statistics: %w", err)
	}
	return nil
}

// ============================================================================
// QUERIES
// ============================================================================

// UserStatistics returns the derived statistics view, zeros when the user
// has no history yet.
func (s *Store) UserStatistics(user string) (Statistics, error) {
	var stats Statistics
	if !s.Exists(user) {
		return stats, nil
	}

	db, err := s.handle(user)
	if err != nil {
		return stats, err
	}

	var totalReturnSum float64
	err = db.QueryRow(`
		SELECT total_sessions, completed_sessions, total_trades, total_return_sum,
		       best_return, worst_return, avg_trade_win_rate, avg_session_win_rate, total_commission_paid
		FROM user_statistics WHERE username = ?`, user).Scan(
		&stats.TotalSessions, &stats.CompletedSessions, &stats.TotalTrades, &totalReturnSum,
		&stats.BestReturn, &stats.WorstReturn, &stats.AvgTradeWinRate, &stats.AvgSessionWinRate,
		&stats.TotalCommissionPaid,
	)
	if err == sql.ErrNoRows {
		return Statistics{}, nil
	}
	if err != nil {
		return stats, fmt.Errorf("read statistics: %w", err)
	}

	if stats.CompletedSessions > 0 {
		stats.AvgReturn = totalReturnSum / float64(stats.CompletedSessions)
	}
	if stats.TotalSessions > 0 {
		stats.SuccessRate = 100 * float64(stats.CompletedSessions) / float64(stats.TotalSessions)
	}
	return stats, nil
}

// TrainingHistory lists the user's sessions newest first.
func (s *Store) TrainingHistory(user string, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	if !s.Exists(user) {
		return []SessionSummary{}, nil
	}

	db, err := s.handle(user)
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT session_id, stock_code, stock_name, start_date, end_date, mode,
		       initial_capital, final_capital, total_return, total_trades,
		       trade_win_rate, session_win_rate, status, created_at, completed_at
		FROM training_sessions
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	history := []SessionSummary{}
	for rows.Next() {
		var row SessionSummary
		err := rows.Scan(
			&row.SessionID, &row.StockCode, &row.StockName, &row.StartDate, &row.EndDate,
			&row.Mode, &row.InitialCapital, &row.FinalCapital, &row.TotalReturn,
			&row.TotalTrades, &row.TradeWinRate, &row.SessionWinRate,
			&row.Status, &row.CreatedAt, &row.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		history = append(history, row)
	}
	return history, rows.Err()
}

// SessionDetail returns the session row with its full bar and trade history.
// A missing session yields an error wrapping sql.ErrNoRows.
func (s *Store) SessionDetail(user, sessionID string) (*SessionDetail, error) {
	if !s.Exists(user) {
		return nil, fmt.Errorf("session %s: %w", sessionID, sql.ErrNoRows)
	}

	db, err := s.handle(user)
	if err != nil {
		return nil, err
	}

	detail := &SessionDetail{}
	var settings sql.NullString
	err = db.QueryRow(`
		SELECT session_id, stock_code, stock_name, start_date, end_date, mode,
		       initial_capital, final_capital, total_return, total_trades,
		       trade_win_rate, session_win_rate, status, created_at, completed_at,
		       max_drawdown, total_bars, completed_bars, commission_settings
		FROM training_sessions WHERE session_id = ?`, sessionID).Scan(
		&detail.Session.SessionID, &detail.Session.StockCode, &detail.Session.StockName,
		&detail.Session.StartDate, &detail.Session.EndDate, &detail.Session.Mode,
		&detail.Session.InitialCapital, &detail.Session.FinalCapital, &detail.Session.TotalReturn,
		&detail.Session.TotalTrades, &detail.Session.TradeWinRate, &detail.Session.SessionWinRate,
		&detail.Session.Status, &detail.Session.CreatedAt, &detail.Session.CompletedAt,
		&detail.MaxDrawdown, &detail.TotalBars, &detail.CompletedBars, &settings,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	if settings.Valid && settings.String != "" {
		detail.CommissionSettings = json.RawMessage(settings.String)
	}

	detail.Bars, err = s.queryBars(db, sessionID)
	if err != nil {
		return nil, err
	}
	detail.Trades, err = s.queryTrades(db, sessionID)
	if err != nil {
		return nil, err
	}
	return detail, nil
}

func (s *Store) queryBars(db *sql.DB, sessionID string) ([]BarSnapshot, error) {
	rows, err := db.Query(`
		SELECT bar_id, date, open_price, high_price, low_price, close_price, volume,
		       total_assets, available_cash, position_value, floating_pnl, total_shares, average_cost
		FROM bar_history WHERE session_id = ? ORDER BY bar_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	bars := []BarSnapshot{}
	for rows.Next() {
		var b BarSnapshot
		err := rows.Scan(
			&b.BarID, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
			&b.TotalAssets, &b.AvailableCash, &b.PositionValue, &b.FloatingPnl,
			&b.TotalShares, &b.AverageCost,
		)
		if err != nil {
			return nil, fmt.Errorf("scan bar row: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

func (s *Store) queryTrades(db *sql.DB, sessionID string) ([]TradeRow, error) {
	rows, err := db.Query(`
		SELECT bar_id, trade_date, action, quantity, price, amount, commission, stamp_tax,
		       net_amount, total_assets_before, total_assets_after
		FROM trade_history WHERE session_id = ? ORDER BY bar_id, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	trades := []TradeRow{}
	for rows.Next() {
		var t TradeRow
		err := rows.Scan(
			&t.BarID, &t.TradeDate, &t.Action, &t.Quantity, &t.Price, &t.Amount,
			&t.Commission, &t.StampTax, &t.NetAmount, &t.TotalAssetsBefore, &t.TotalAssetsAfter,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// DeleteSession removes the session and its bar and trade rows. Deleting an
// absent session is a no-op.
func (s *Store) DeleteSession(user, sessionID string) error {
	if !s.Exists(user) {
		return nil
	}

	db, err := s.handle(user)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM bar_history WHERE session_id = ?`,
		`DELETE FROM trade_history WHERE session_id = ?`,
		`DELETE FROM training_sessions WHERE session_id = ?`,
	} {
		if _, err := tx.Exec(stmt, sessionID); err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
	}
	return tx.Commit()
}

// PerformanceAnalysis aggregates the user's completed sessions created in
// the last `days` days.
func (s *Store) PerformanceAnalysis(user string, days int) (Analysis, error) {
	if days <= 0 {
		days = 30
	}
	analysis := Analysis{RecentSessions: []RecentSession{}, PeriodDays: days}
	if !s.Exists(user) {
		return analysis, nil
	}

	db, err := s.handle(user)
	if err != nil {
		return analysis, err
	}

	cutoff := time.Now().AddDate(0, 0, -days).Format(time.RFC3339)
	rows, err := db.Query(`
		SELECT total_return, total_trades, trade_win_rate, session_win_rate, created_at
		FROM training_sessions
		WHERE status IN (?, ?) AND created_at >= ?
		ORDER BY created_at, id`, StatusCompleted, StatusEnded, cutoff)
	if err != nil {
		return analysis, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r RecentSession
		if err := rows.Scan(&r.TotalReturn, &r.TotalTrades, &r.TradeWinRate, &r.SessionWinRate, &r.CreatedAt); err != nil {
			return analysis, fmt.Errorf("scan recent session: %w", err)
		}
		analysis.RecentSessions = append(analysis.RecentSessions, r)
	}
	if err := rows.Err(); err != nil {
		return analysis, err
	}

	var best, worst, avg, avgTrades, avgWinRate sql.NullFloat64
	var count int
	err = db.QueryRow(`
		SELECT MAX(total_return), MIN(total_return), AVG(total_return),
		       AVG(total_trades), AVG(trade_win_rate), COUNT(*)
		FROM training_sessions
		WHERE status IN (?, ?) AND created_at >= ?`,
		StatusCompleted, StatusEnded, cutoff).Scan(&best, &worst, &avg, &avgTrades, &avgWinRate, &count)
	if err != nil {
		return analysis, fmt.Errorf("aggregate sessions: %w", err)
	}

	analysis.CompletedCount = count
	analysis.BestReturn = best.Float64
	analysis.WorstReturn = worst.Float64
	analysis.AvgReturn = avg.Float64
	analysis.AvgTrades = avgTrades.Float64
	analysis.AvgTradeWinRate = avgWinRate.Float64
	return analysis, nil
}

// ============================================================================
// POSITION-LOT MIRROR
// ============================================================================

// InsertLot mirrors a freshly opened buy lot.
func (s *Store) InsertLot(user string, lot *ledger.Lot) error {
	db, err := s.handle(user)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO position_lots (stock_code, quantity, cost_price, buy_date, buy_bar_id, available_date, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lot.Instrument, lot.Quantity, lot.CostPrice,
		lot.BuyDate.Format("2006-01-02"), lot.BuyBarID,
		lot.AvailableDate.Format("2006-01-02"), lot.Status,
	)
	if err != nil {
		return fmt.Errorf("insert lot: %w", err)
	}
	return nil
}

// SyncLots pushes the current quantity and status of every lot that was
// still active in the mirror.
func (s *Store) SyncLots(user string, lots []*ledger.Lot) error {
	db, err := s.handle(user)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin lot sync: %w", err)
	}
	defer tx.Rollback()

	for _, lot := range lots {
		_, err := tx.Exec(`
			UPDATE position_lots SET quantity = ?, status = ?
			WHERE stock_code = ? AND buy_bar_id = ? AND status = 'active'`,
			lot.Quantity, lot.Status, lot.Instrument, lot.BuyBarID,
		)
		if err != nil {
			return fmt.Errorf("sync lot at bar %d: %w", lot.BuyBarID, err)
		}
	}
	return tx.Commit()
}

// PurgeSession deletes a session's bar and trade rows and clears the live
// lot mirror; the session row itself survives for the history listing.
func (s *Store) PurgeSession(user, sessionID string) error {
	db, err := s.handle(user)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM bar_history WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("purge bars: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM trade_history WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("purge trades: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM position_lots`); err != nil {
		return fmt.Errorf("purge lots: %w", err)
	}
	return tx.Commit()
}

// ============================================================================
// SIMULATOR RECORDER
// ============================================================================

// Recorder binds the store to one (user, session) pair as the simulator's
// write-through target.
func (s *Store) Recorder(user, sessionID string) *SessionRecorder {
	return &SessionRecorder{store: s, user: user, sessionID: sessionID}
}

// SessionRecorder implements ledger.Recorder against the owning store.
type SessionRecorder struct {
	store     *Store
	user      string
	sessionID string
}

var _ ledger.Recorder = (*SessionRecorder)(nil)

// RecordTrade mirrors one executed trade.
func (r *SessionRecorder) RecordTrade(trade *ledger.Trade, assetsBefore, assetsAfter float64) error {
	return r.store.RecordTrade(r.user, r.sessionID, TradeRow{
		BarID:             trade.BarID,
		TradeDate:         trade.TradeDate,
		Action:            trade.Action,
		Quantity:          trade.Quantity,
		Price:             trade.Price,
		Amount:            trade.Amount,
		Commission:        trade.Commission,
		StampTax:          trade.StampTax,
		NetAmount:         trade.NetAmount,
		TotalAssetsBefore: assetsBefore,
		TotalAssetsAfter:  assetsAfter,
	})
}

// RecordLot mirrors a freshly opened lot.
func (r *SessionRecorder) RecordLot(lot *ledger.Lot) error {
	return r.store.InsertLot(r.user, lot)
}

// SyncLots mirrors post-sell lot state.
func (r *SessionRecorder) SyncLots(lots []*ledger.Lot) error {
	return r.store.SyncLots(r.user, lots)
}

// PurgeSession clears this session's persisted rows and the lot mirror.
func (r *SessionRecorder) PurgeSession() error {
	return r.store.PurgeSession(r.user, r.sessionID)
}
