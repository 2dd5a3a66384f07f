// Package ledger implements the simulated brokerage account attached to a
// replay session: cash, FIFO position lots under the T+1 settlement rule,
// commission and stamp tax, and the realized-PnL report.
//
// Quantities cross the API in lots (1 lot = 100 shares); lot records hold
// shares. Domain violations (insufficient funds, T+1 blocks, bad quantities)
// are not Go errors: they come back as a TradeResult with Success false and
// leave the account untouched.
package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// LotShares is the number of shares in one lot, the smallest tradable unit.
const LotShares = 100

// Lot status values.
const (
	LotStatusActive = "active"
	LotStatusSold   = "sold"
)

// Trade actions.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
)

const dateLayout = "2006-01-02"

// Lot is one buy batch. Quantity is in shares and decrements as the lot is
// consumed; a fully consumed lot keeps a zero quantity under status sold.
// AvailableDate enforces T+1: shares bought on day D are sellable from D+1.
type Lot struct {
	Instrument    string    `json:"stock_code"`
	Quantity      int       `json:"quantity"`
	CostPrice     float64   `json:"cost_price"`
	BuyDate       time.Time `json:"buy_date"`
	BuyBarID      int       `json:"buy_bar_id"`
	AvailableDate time.Time `json:"available_date"`
	Status        string    `json:"status"`
}

// Trade is one executed order. Quantity is in lots; NetAmount is the cash
// actually moved (buy: amount + commission, sell: amount − commission − tax).
type Trade struct {
	Instrument string    `json:"stock_code"`
	Action     string    `json:"action"`
	Quantity   int       `json:"quantity"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	Commission float64   `json:"commission"`
	StampTax   float64   `json:"stamp_tax"`
	NetAmount  float64   `json:"net_amount"`
	TradeDate  string    `json:"trade_date"`
	BarID      int       `json:"bar_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// TradeResult is the outcome of a buy or sell attempt.
type TradeResult struct {
	Success bool   `json:"success"`
	Trade   *Trade `json:"trade,omitempty"`
	Message string `json:"message"`
}

// PositionSummary describes the open position for account payloads.
type PositionSummary struct {
	TotalShares     int     `json:"total_shares"`
	AvailableShares int     `json:"available_shares"`
	AverageCost     float64 `json:"average_cost"`
	CurrentPrice    float64 `json:"current_price"`
	PnlPercent      float64 `json:"pnl_percent"`
}

// AccountInfo is the account snapshot payload. PositionSummary is null
// while the account holds no shares.
type AccountInfo struct {
	TotalAssets     float64          `json:"total_assets"`
	AvailableCash   float64          `json:"available_cash"`
	PositionValue   float64          `json:"position_value"`
	FloatingPnl     float64          `json:"floating_pnl"`
	InitialCapital  float64          `json:"initial_capital"`
	TotalReturn     float64          `json:"total_return"`
	CurrentBarID    int              `json:"current_bar_id"`
	MaxBuyableLots  int              `json:"max_buyable_lots"`
	PositionSummary *PositionSummary `json:"position_summary"`
}

// CommissionSettings are the cost parameters applied to every trade.
type CommissionSettings struct {
	CommissionRate float64 `json:"commission_rate"`
	MinCommission  float64 `json:"min_commission"`
	StampTaxRate   float64 `json:"stamp_tax_rate"`
}

// TradeDetail is one row of the report's trade table.
type TradeDetail struct {
	BarID      int     `json:"bar_id"`
	Date       string  `json:"date"`
	Action     string  `json:"action"`
	Price      float64 `json:"price"`
	Quantity   int     `json:"quantity"`
	Amount     float64 `json:"amount"`
	Commission float64 `json:"commission"`
	StampTax   float64 `json:"stamp_tax"`
	NetAmount  float64 `json:"net_amount"`
}

// Report is the end-of-session account review.
type Report struct {
	StockCode          string             `json:"stock_code"`
	StockName          string             `json:"stock_name"`
	StartDate          string             `json:"start_date"`
	EndDate            string             `json:"end_date"`
	InitialCapital     float64            `json:"initial_capital"`
	FinalCapital       float64            `json:"final_capital"`
	TotalReturn        float64            `json:"total_return"`
	TotalTrades        int                `json:"total_trades"`
	TradeWinRate       float64            `json:"trade_win_rate"`
	SessionWinRate     float64            `json:"session_win_rate"`
	WinCount           int                `json:"win_count"`
	TotalSellTrades    int                `json:"total_sell_trades"`
	TotalCommission    float64            `json:"total_commission"`
	TotalStampTax      float64            `json:"total_stamp_tax"`
	TradeDetails       []TradeDetail      `json:"trade_details"`
	CommissionSettings CommissionSettings `json:"commission_settings"`
}

// Recorder receives the durable write-through of executed trades and lot
// movements. A nil Recorder keeps the simulator purely in memory. Recorder
// failures never roll back an executed trade; they are logged and the trade
// stands.
type Recorder interface {
	// RecordTrade mirrors one executed trade with the account totals
	// observed immediately before and after it.
	RecordTrade(trade *Trade, assetsBefore, assetsAfter float64) error
	// RecordLot mirrors a freshly opened buy lot.
	RecordLot(lot *Lot) error
	// SyncLots pushes the post-sell quantity/status of every lot.
	SyncLots(lots []*Lot) error
	// PurgeSession deletes this session's trade and bar rows plus the
	// live lot mirror.
	PurgeSession() error
}

// Simulator is the brokerage account for one session. It is not safe for
// concurrent use; the session layer serialises access per session.
type Simulator struct {
	user       string
	instrument string

	initialCapital float64
	currentCapital float64
	currentPrice   float64
	currentBarID   int

	settings CommissionSettings

	totalShares int
	totalCost   float64
	averageCost float64

	lots    []*Lot
	history []Trade

	recorder Recorder
	logger   zerolog.Logger
}

// New creates a simulator with the default cost parameters.
func New(user, instrument string, initialCapital float64, recorder Recorder, logger zerolog.Logger) *Simulator {
	return &Simulator{
		user:           user,
		instrument:     instrument,
		initialCapital: initialCapital,
		currentCapital: initialCapital,
		settings: CommissionSettings{
			CommissionRate: 0.0003,
			MinCommission:  5.0,
			StampTaxRate:   0.001,
		},
		recorder: recorder,
		logger:   logger.With().Str("component", "simulator").Str("user", user).Logger(),
	}
}

// SetCommission replaces the cost parameters.
func (s *Simulator) SetCommission(settings CommissionSettings) {
	s.settings = settings
}

// Settings returns the active cost parameters.
func (s *Simulator) Settings() CommissionSettings {
	return s.settings
}

// UpdatePrice moves the account onto a new bar.
func (s *Simulator) UpdatePrice(price float64, barID int) {
	s.currentPrice = price
	s.currentBarID = barID
}

func (s *Simulator) commission(amount float64) float64 {
	c := round2(amount * s.settings.CommissionRate)
	if c < s.settings.MinCommission {
		return s.settings.MinCommission
	}
	return c
}

func (s *Simulator) stampTax(amount float64) float64 {
	return round2(amount * s.settings.StampTaxRate)
}

// MaxBuyableLots returns the largest lot count whose amount plus commission
// still fits in the available cash. Zero when no price has been set.
func (s *Simulator) MaxBuyableLots() int {
	if s.currentPrice <= 0 {
		return 0
	}

	left, right := 0, int(s.currentCapital/(s.currentPrice*LotShares))
	best := 0
	for left <= right {
		mid := (left + right) / 2
		amount := float64(mid*LotShares) * s.currentPrice
		if amount+s.commission(amount) <= s.currentCapital {
			best = mid
			left = mid + 1
		} else {
			right = mid - 1
		}
	}
	return best
}

// ============================================================================
// TRADING
// ============================================================================

// Buy executes a buy of the given lot count at price on tradeDate.
func (s *Simulator) Buy(lots int, price float64, tradeDate time.Time) *TradeResult {
	if lots <= 0 {
		return &TradeResult{Success: false, Message: "buy quantity must be positive"}
	}

	if max := s.MaxBuyableLots(); lots > max {
		return &TradeResult{Success: false, Message: fmt.Sprintf("exceeds max buyable quantity, max %d lots", max)}
	}

	shares := lots * LotShares
	amount := float64(shares) * price
	commission := s.commission(amount)
	totalCost := amount + commission

	if totalCost > s.currentCapital {
		return &TradeResult{
			Success: false,
			Message: fmt.Sprintf("insufficient funds: need ¥%.2f, available ¥%.2f", totalCost, s.currentCapital),
		}
	}

	assetsBefore := s.TotalAssets()
	s.currentCapital -= totalCost

	if s.totalShares > 0 {
		newCost := s.totalCost + amount
		newShares := s.totalShares + shares
		s.averageCost = newCost / float64(newShares)
		s.totalCost = newCost
		s.totalShares = newShares
	} else {
		s.averageCost = price
		s.totalCost = amount
		s.totalShares = shares
	}

	lot := &Lot{
		Instrument:    s.instrument,
		Quantity:      shares,
		CostPrice:     price,
		BuyDate:       tradeDate,
		BuyBarID:      s.currentBarID,
		AvailableDate: tradeDate.AddDate(0, 0, 1),
		Status:        LotStatusActive,
	}
	s.lots = append(s.lots, lot)

	trade := Trade{
		Instrument: s.instrument,
		Action:     ActionBuy,
		Quantity:   lots,
		Price:      price,
		Amount:     amount,
		Commission: commission,
		StampTax:   0,
		NetAmount:  totalCost,
		TradeDate:  tradeDate.Format(dateLayout),
		BarID:      s.currentBarID,
		Timestamp:  time.Now(),
	}
	s.history = append(s.history, trade)

	if s.recorder != nil {
		if err := s.recorder.RecordTrade(&trade, assetsBefore, s.TotalAssets()); err != nil {
			s.logger.Error().Err(err).Int("bar_id", trade.BarID).Msg("Failed to mirror buy trade")
		}
		if err := s.recorder.RecordLot(lot); err != nil {
			s.logger.Error().Err(err).Int("bar_id", lot.BuyBarID).Msg("Failed to mirror position lot")
		}
	}

	s.logger.Info().
		Str("instrument", s.instrument).
		Int("lots", lots).
		Float64("price", price).
		Float64("cost", totalCost).
		Int("bar_id", s.currentBarID).
		Msg("Buy executed")

	return &TradeResult{
		Success: true,
		Trade:   &trade,
		Message: fmt.Sprintf("bought %d lots for ¥%.2f", lots, totalCost),
	}
}

// Sell executes a sell of the given lot count at price on tradeDate,
// consuming lots FIFO among those already past their T+1 date.
func (s *Simulator) Sell(lots int, price float64, tradeDate time.Time) *TradeResult {
	if lots <= 0 {
		return &TradeResult{Success: false, Message: "sell quantity must be positive"}
	}

	shares := lots * LotShares
	available := s.availableShares(tradeDate)
	if shares > available {
		return &TradeResult{
			Success: false,
			Message: fmt.Sprintf("insufficient sellable shares: %d lots available, tried %d", available/LotShares, lots),
		}
	}

	amount := float64(shares) * price
	commission := s.commission(amount)
	stampTax := s.stampTax(amount)
	netAmount := amount - commission - stampTax

	assetsBefore := s.TotalAssets()
	s.currentCapital += netAmount
	s.reduceLots(shares, tradeDate)

	trade := Trade{
		Instrument: s.instrument,
		Action:     ActionSell,
		Quantity:   lots,
		Price:      price,
		Amount:     amount,
		Commission: commission,
		StampTax:   stampTax,
		NetAmount:  netAmount,
		TradeDate:  tradeDate.Format(dateLayout),
		BarID:      s.currentBarID,
		Timestamp:  time.Now(),
	}
	s.history = append(s.history, trade)

	if s.recorder != nil {
		if err := s.recorder.RecordTrade(&trade, assetsBefore, s.TotalAssets()); err != nil {
			s.logger.Error().Err(err).Int("bar_id", trade.BarID).Msg("Failed to mirror sell trade")
		}
		if err := s.recorder.SyncLots(s.lots); err != nil {
			s.logger.Error().Err(err).Msg("Failed to sync position lots")
		}
	}

	s.logger.Info().
		Str("instrument", s.instrument).
		Int("lots", lots).
		Float64("price", price).
		Float64("net", netAmount).
		Int("bar_id", s.currentBarID).
		Msg("Sell executed")

	return &TradeResult{
		Success: true,
		Trade:   &trade,
		Message: fmt.Sprintf("sold %d lots, net proceeds ¥%.2f", lots, netAmount),
	}
}

// availableShares sums active lots already sellable on the given date.
func (s *Simulator) availableShares(date time.Time) int {
	available := 0
	for _, lot := range s.lots {
		if lot.Status == LotStatusActive && !lot.AvailableDate.After(date) {
			available += lot.Quantity
		}
	}
	return available
}

// reduceLots consumes shares from sellable lots in ascending buy_bar_id
// order. The caller has already checked availability.
func (s *Simulator) reduceLots(shares int, date time.Time) {
	remaining := shares

	active := make([]*Lot, 0, len(s.lots))
	for _, lot := range s.lots {
		if lot.Status == LotStatusActive {
			active = append(active, lot)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].BuyBarID < active[j].BuyBarID
	})

	for _, lot := range active {
		if remaining <= 0 {
			break
		}
		if lot.AvailableDate.After(date) {
			continue
		}
		if lot.Quantity <= remaining {
			remaining -= lot.Quantity
			lot.Quantity = 0
			lot.Status = LotStatusSold
		} else {
			lot.Quantity -= remaining
			remaining = 0
		}
	}

	s.recalcTotals()
}

// recalcTotals rebuilds the position summary from the surviving active lots.
func (s *Simulator) recalcTotals() {
	totalShares := 0
	totalCost := 0.0
	for _, lot := range s.lots {
		if lot.Status != LotStatusActive {
			continue
		}
		totalShares += lot.Quantity
		totalCost += float64(lot.Quantity) * lot.CostPrice
	}

	s.totalShares = totalShares
	s.totalCost = totalCost
	if totalShares > 0 {
		s.averageCost = totalCost / float64(totalShares)
	} else {
		s.averageCost = 0
	}
}

// ============================================================================
// ACCOUNT VIEWS
// ============================================================================

// TotalAssets returns cash plus the position's market value.
func (s *Simulator) TotalAssets() float64 {
	return s.currentCapital + float64(s.totalShares)*s.currentPrice
}

// TotalShares returns the open position in shares.
func (s *Simulator) TotalShares() int {
	return s.totalShares
}

// AverageCost returns the average cost per share of the open position.
func (s *Simulator) AverageCost() float64 {
	return s.averageCost
}

// CurrentBarID returns the bar the account was last moved onto.
func (s *Simulator) CurrentBarID() int {
	return s.currentBarID
}

// InitialCapital returns the starting cash.
func (s *Simulator) InitialCapital() float64 {
	return s.initialCapital
}

// AccountInfo snapshots the account as of the given trade date (the date
// only affects which shares count as sellable).
func (s *Simulator) AccountInfo(date time.Time) AccountInfo {
	marketValue := float64(s.totalShares) * s.currentPrice
	floatingPnl := marketValue - s.totalCost
	totalAssets := s.currentCapital + marketValue

	info := AccountInfo{
		TotalAssets:    totalAssets,
		AvailableCash:  s.currentCapital,
		PositionValue:  marketValue,
		FloatingPnl:    floatingPnl,
		InitialCapital: s.initialCapital,
		TotalReturn:    100 * (totalAssets - s.initialCapital) / s.initialCapital,
		CurrentBarID:   s.currentBarID,
		MaxBuyableLots: s.MaxBuyableLots(),
	}

	if s.totalShares > 0 {
		pnlPercent := 0.0
		if s.totalCost > 0 {
			pnlPercent = 100 * floatingPnl / s.totalCost
		}
		info.PositionSummary = &PositionSummary{
			TotalShares:     s.totalShares,
			AvailableShares: s.availableShares(date),
			AverageCost:     s.averageCost,
			CurrentPrice:    s.currentPrice,
			PnlPercent:      pnlPercent,
		}
	}

	return info
}

// History returns a snapshot copy of the executed trades.
func (s *Simulator) History() []Trade {
	history := make([]Trade, len(s.history))
	copy(history, s.history)
	return history
}

// Report builds the end-of-session review.
func (s *Simulator) Report(instrumentName, startDate, endDate string) Report {
	totalAssets := s.TotalAssets()
	performance := MatchPerformance(s.history)

	sessionWinRate := 0.0
	if totalAssets > s.initialCapital {
		sessionWinRate = 100
	}

	totalCommission := 0.0
	totalStampTax := 0.0
	details := make([]TradeDetail, 0, len(s.history))
	for _, t := range s.history {
		totalCommission += t.Commission
		totalStampTax += t.StampTax
		details = append(details, TradeDetail{
			BarID:      t.BarID,
			Date:       t.TradeDate,
			Action:     t.Action,
			Price:      t.Price,
			Quantity:   t.Quantity,
			Amount:     t.Amount,
			Commission: t.Commission,
			StampTax:   t.StampTax,
			NetAmount:  t.NetAmount,
		})
	}

	return Report{
		StockCode:          s.instrument,
		StockName:          instrumentName,
		StartDate:          startDate,
		EndDate:            endDate,
		InitialCapital:     s.initialCapital,
		FinalCapital:       totalAssets,
		TotalReturn:        100 * (totalAssets - s.initialCapital) / s.initialCapital,
		TotalTrades:        len(s.history),
		TradeWinRate:       performance.WinRate,
		SessionWinRate:     sessionWinRate,
		WinCount:           performance.WinningTrades,
		TotalSellTrades:    performance.TotalTrades,
		TotalCommission:    totalCommission,
		TotalStampTax:      totalStampTax,
		TradeDetails:       details,
		CommissionSettings: s.settings,
	}
}

// Reset restores the account to its initial state and purges this session's
// mirrored rows. The current price is kept; the caller pushes the next bar.
func (s *Simulator) Reset() error {
	s.currentCapital = s.initialCapital
	s.totalShares = 0
	s.totalCost = 0
	s.averageCost = 0
	s.currentBarID = 0
	s.lots = nil
	s.history = nil

	if s.recorder != nil {
		if err := s.recorder.PurgeSession(); err != nil {
			return fmt.Errorf("purge session records: %w", err)
		}
	}

	s.logger.Info().Str("instrument", s.instrument).Msg("Simulator reset")
	return nil
}

// ============================================================================
// REALIZED-PNL MATCHER
// ============================================================================

// Performance summarises the FIFO-matched realized sells of a history.
type Performance struct {
	WinRate       float64 `json:"win_rate"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
}

// MatchPerformance replays the trade history against a FIFO queue of buy
// batches. Each consumed slice is one completed trade; its unit buy cost is
// the batch's remaining net cost over its remaining lots, so commissions are
// carried into the realized PnL.
func MatchPerformance(history []Trade) Performance {
	type batch struct {
		lots    int
		netCost float64
	}

	var queue []batch
	completed := 0
	wins := 0

	for _, trade := range history {
		if trade.Action == ActionBuy {
			queue = append(queue, batch{lots: trade.Quantity, netCost: trade.NetAmount})
			continue
		}
		if trade.Action != ActionSell || trade.Quantity <= 0 {
			continue
		}

		left := trade.Quantity
		unitSell := trade.NetAmount / float64(trade.Quantity)

		for left > 0 && len(queue) > 0 {
			front := &queue[0]
			unitBuy := front.netCost / float64(front.lots)

			slice := left
			if front.lots < slice {
				slice = front.lots
			}

			cost := unitBuy * float64(slice)
			profit := unitSell*float64(slice) - cost

			completed++
			if profit > 0 {
				wins++
			}

			front.lots -= slice
			front.netCost -= cost
			if front.lots <= 0 {
				queue = queue[1:]
			}
			left -= slice
		}
	}

	if completed == 0 {
		return Performance{}
	}

	return Performance{
		WinRate:       100 * float64(wins) / float64(completed),
		TotalTrades:   completed,
		WinningTrades: wins,
		LosingTrades:  completed - wins,
	}
}

// round2 rounds half away from zero to 2 decimals.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
