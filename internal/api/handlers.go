package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"kline-replay-trainer/internal/market"
	"kline-replay-trainer/internal/replay"
	"kline-replay-trainer/internal/session"
	"kline-replay-trainer/internal/users"

	"github.com/gin-gonic/gin"
)

// ============================================================================
// REQUEST TYPES
// ============================================================================

type createUserRequest struct {
	Username string `json:"username"`
}

type startTrainingRequest struct {
	User           string  `json:"user"`
	Mode           string  `json:"mode"`
	InitialCapital float64 `json:"initial_capital"`
	Sector         string  `json:"sector"`
	YearRange      string  `json:"year_range"`
	StockCode      string  `json:"stock_code"`
	StartDate      string  `json:"start_date"`
}

type adjustmentRequest struct {
	Adjustment string `json:"adjustment"`
}

type tradeRequest struct {
	Action   string `json:"action"`
	Quantity int    `json:"quantity"`
}

type jumpRequest struct {
	Date string `json:"date"`
}

// respondError maps domain errors to HTTP status codes. Unknown errors are
// logged and reported as 500.
func (s *Server) respondError(c *gin.Context, err error) {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError

	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, users.ErrUserNotFound),
		errors.Is(err, sql.ErrNoRows):
		errorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrMissingInstrument),
		errors.Is(err, session.ErrInvalidAction),
		errors.Is(err, session.ErrDateOutOfRange),
		errors.Is(err, users.ErrUserExists),
		errors.Is(err, users.ErrInvalidUsername),
		errors.Is(err, market.ErrInvalidDate),
		errors.Is(err, market.ErrUnknownInstrument),
		errors.Is(err, market.ErrNoData),
		errors.Is(err, replay.ErrNoDataAfterStart),
		errors.Is(err, replay.ErrInvalidMode),
		errors.As(err, &typeErr),
		errors.As(err, &syntaxErr):
		errorResponse(c, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().
			Err(err).
			Str("request_id", c.GetString("request_id")).
			Str("path", c.Request.URL.Path).
			Msg("Request failed")
		errorResponse(c, http.StatusInternalServerError, err.Error())
	}
}

// ============================================================================
// HEALTH
// ============================================================================

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"timestamp":        time.Now().Format(time.RFC3339),
		"active_trainings": s.registry.Count(),
	})
}

// ============================================================================
// USER HANDLERS
// ============================================================================

// handleListUsers returns all known usernames
func (s *Server) handleListUsers(c *gin.Context) {
	list, err := s.users.List()
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// handleCreateUser creates a user directory with default settings
func (s *Server) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username == "" {
		errorResponse(c, http.StatusBadRequest, "username is required")
		return
	}

	if err := s.users.Create(req.Username); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "user created"})
}

// handleDeleteUser removes a user and all stored records
func (s *Server) handleDeleteUser(c *gin.Context) {
	username := c.Param("username")

	if err := s.users.Delete(username); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "user deleted"})
}

// handleGetSettings returns the user's trading parameters
func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.users.Settings(c.Param("username"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// handleUpdateSettings merges a partial settings patch and returns the result
func (s *Server) handleUpdateSettings(c *gin.Context) {
	var patch json.RawMessage
	if err := c.ShouldBindJSON(&patch); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	settings, err := s.users.UpdateSettings(c.Param("username"), patch)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, settings)
}

// handleUserStatistics returns lifetime training statistics
func (s *Server) handleUserStatistics(c *gin.Context) {
	username := c.Param("username")
	if !s.users.Exists(username) {
		s.respondError(c, users.ErrUserNotFound)
		return
	}

	stats, err := s.history.UserStatistics(username)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleUserHistory returns recent training sessions, newest first
func (s *Server) handleUserHistory(c *gin.Context) {
	username := c.Param("username")
	if !s.users.Exists(username) {
		s.respondError(c, users.ErrUserNotFound)
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			errorResponse(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	sessions, err := s.history.TrainingHistory(username, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// handleSessionDetail returns one stored session with bars and trades
func (s *Server) handleSessionDetail(c *gin.Context) {
	detail, err := s.history.SessionDetail(c.Param("username"), c.Param("sessionID"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// handleDeleteSession removes one stored session and its rows
func (s *Server) handleDeleteSession(c *gin.Context) {
	username := c.Param("username")
	if !s.users.Exists(username) {
		s.respondError(c, users.ErrUserNotFound)
		return
	}

	if err := s.history.DeleteSession(username, c.Param("sessionID")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session deleted"})
}

// handleUserAnalysis aggregates recent completed sessions
func (s *Server) handleUserAnalysis(c *gin.Context) {
	username := c.Param("username")
	if !s.users.Exists(username) {
		s.respondError(c, users.ErrUserNotFound)
		return
	}

	days := 30
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			errorResponse(c, http.StatusBadRequest, "invalid days")
			return
		}
		days = parsed
	}

	analysis, err := s.history.PerformanceAnalysis(username, days)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, analysis)
}

// ============================================================================
// TRAINING HANDLERS
// ============================================================================

// handleStartTraining creates a new replay session
func (s *Server) handleStartTraining(c *gin.Context) {
	var req startTrainingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.User == "" {
		errorResponse(c, http.StatusBadRequest, "username is required")
		return
	}

	if req.Mode == "" {
		req.Mode = "random"
	}
	if req.Mode == "random" {
		if req.Sector == "" {
			req.Sector = "all"
		}
		if req.YearRange == "" {
			req.YearRange = "2020-2024"
		}
	}

	result, err := s.registry.Start(c.Request.Context(), session.StartParams{
		User:           req.User,
		Mode:           req.Mode,
		InitialCapital: req.InitialCapital,
		Sector:         req.Sector,
		YearRange:      req.YearRange,
		StockCode:      req.StockCode,
		StartDate:      req.StartDate,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleTrainingData returns the full visible chart state
func (s *Server) handleTrainingData(c *gin.Context) {
	data, err := s.registry.Data(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

// handleNextBar advances the replay by one bar
func (s *Server) handleNextBar(c *gin.Context) {
	result, err := s.registry.Advance(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleSetAdjustment switches the price adjustment mode and re-renders
func (s *Server) handleSetAdjustment(c *gin.Context) {
	var req adjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Adjustment == "" {
		req.Adjustment = "none"
	}

	chart, err := s.registry.SetAdjustment(c.Param("id"), req.Adjustment)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chart)
}

// handleTrade executes a buy or sell at the current bar's close
func (s *Server) handleTrade(c *gin.Context) {
	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Action == "" || req.Quantity == 0 {
		errorResponse(c, http.StatusBadRequest, "incomplete trade parameters")
		return
	}

	result, markers, err := s.registry.Trade(c.Param("id"), req.Action, req.Quantity)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if !result.Success {
		errorResponse(c, http.StatusBadRequest, result.Message)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"trade":         result.Trade,
		"trade_markers": markers,
	})
}

// handleAccount returns the account snapshot at the current bar
func (s *Server) handleAccount(c *gin.Context) {
	account, err := s.registry.Account(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// handleIndicator returns an indicator series over the visible window
func (s *Server) handleIndicator(c *gin.Context) {
	series, err := s.registry.Indicator(c.Param("id"), c.Param("kind"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, series)
}

// handleEndTraining finishes the session and returns the final report
func (s *Server) handleEndTraining(c *gin.Context) {
	report, err := s.registry.End(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleResetTraining rewinds the session to its initial state
func (s *Server) handleResetTraining(c *gin.Context) {
	if err := s.registry.Reset(c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "training reset"})
}

// handleTradeLog returns the in-session trade history
func (s *Server) handleTradeLog(c *gin.Context) {
	history, err := s.registry.TradeLog(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

// handleJumpToDate fast-forwards the replay to a target date
func (s *Server) handleJumpToDate(c *gin.Context) {
	var req jumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Date == "" {
		errorResponse(c, http.StatusBadRequest, "date is required")
		return
	}

	data, err := s.registry.Jump(c.Param("id"), req.Date)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}
