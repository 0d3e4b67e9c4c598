package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"trade-executor/internal/execution"
	"trade-executor/pkg/brokers/common"
	"trade-executor/pkg/db"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

type submitExecutionRequest struct {
	RequestID string                  `json:"request_id"`
	Signal    execution.TradingSignal `json:"signal"`
}

// submitExecution queues a signal for the authenticated user.
func (s *Server) submitExecution(c *gin.Context) {
	var req submitExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	err := s.Executor.Submit(execution.ExecutionRequest{
		RequestID: req.RequestID,
		SignalID:  req.Signal.SignalID,
		UserID:    CurrentUserID(c),
		Signal:    req.Signal,
	})
	switch {
	case errors.Is(err, execution.ErrInvalidRequest):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	case errors.Is(err, execution.ErrQueueFull):
		respondError(c, http.StatusServiceUnavailable, "QUEUE_FULL", "execution queue is full, retry later")
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "SUBMIT_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"request_id": req.RequestID,
		"signal_id":  req.Signal.SignalID,
		"status":     execution.StateQueued,
	})
}

// listExecutions returns the caller's most recent execution log rows.
func (s *Server) listExecutions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	logs, err := s.Store.ListExecutionLogsByUser(c.Request.Context(), CurrentUserID(c), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if logs == nil {
		logs = []db.ExecutionLogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}

// getExecution returns the in-memory aggregate (if still held) and the
// caller's audit rows for one signal.
func (s *Server) getExecution(c *gin.Context) {
	userID := CurrentUserID(c)
	signalID := c.Param("signalId")

	all, err := s.Store.ListExecutionLogsBySignal(c.Request.Context(), signalID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	logs := make([]db.ExecutionLogEntry, 0, len(all))
	for _, e := range all {
		if e.UserID == userID {
			logs = append(logs, e)
		}
	}

	resp := gin.H{"signal_id": signalID, "logs": logs}
	trade, ok := s.Executor.ActiveTrade(signalID)
	if ok && trade.UserID == userID {
		resp["trade"] = trade
	} else if len(logs) == 0 {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no executions for signal")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.Store.LoadUserTradeSettings(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, settings)
}

// updateSettingsRequest is a partial update; nil fields keep their value.
type updateSettingsRequest struct {
	AutoTradeEnabled *bool    `json:"auto_trade_enabled"`
	RiskPercentage   *float64 `json:"risk_percentage" binding:"omitempty,gt=0,lte=100"`
	MaxPositionSize  *float64 `json:"max_position_size" binding:"omitempty,gte=0"`
	EnabledBrokers   []string `json:"enabled_brokers"`
}

func (s *Server) updateSettings(c *gin.Context) {
	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctx := c.Request.Context()
	userID := CurrentUserID(c)

	settings, err := s.Store.LoadUserTradeSettings(ctx, userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if req.AutoTradeEnabled != nil {
		settings.AutoTradeEnabled = *req.AutoTradeEnabled
	}
	if req.RiskPercentage != nil {
		settings.RiskPercentage = *req.RiskPercentage
	}
	if req.MaxPositionSize != nil {
		settings.MaxPositionSize = *req.MaxPositionSize
	}
	if req.EnabledBrokers != nil {
		brokers, bad := s.normalizeBrokers(req.EnabledBrokers)
		if bad != "" {
			respondError(c, http.StatusBadRequest, "UNKNOWN_BROKER", "unknown broker: "+bad)
			return
		}
		settings.EnabledBrokers = brokers
	}
	settings.UserID = userID

	if err := s.Store.SaveUserTradeSettings(ctx, settings); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	s.invalidateSettings(c, userID)

	c.JSON(http.StatusOK, settings)
}

// normalizeBrokers lowercases and dedupes ids, returning the first unknown one.
func (s *Server) normalizeBrokers(ids []string) ([]string, string) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" || seen[id] {
			continue
		}
		if s.Catalog != nil && !s.Catalog.Has(id) {
			return nil, id
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, ""
}

func (s *Server) invalidateSettings(c *gin.Context, userID string) {
	s.Executor.InvalidateSettings(userID)
	if s.SettingsCache == nil {
		return
	}
	if err := s.SettingsCache.Invalidate(c.Request.Context(), userID); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("settings cache invalidate failed")
	}
}

func (s *Server) listCredentials(c *gin.Context) {
	ids, err := s.Store.ListBrokerIDsByUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"brokers": ids})
}

type storeCredentialsRequest struct {
	APIKey      string            `json:"api_key"`
	APISecret   string            `json:"api_secret"`
	Username    string            `json:"username"`
	Password    string            `json:"password"`
	AccessToken string            `json:"access_token"`
	AccountID   string            `json:"account_id"`
	Extra       map[string]string `json:"extra"`
}

func (r storeCredentialsRequest) empty() bool {
	return r.APIKey == "" && r.APISecret == "" && r.Username == "" && r.Password == "" &&
		r.AccessToken == "" && r.AccountID == "" && len(r.Extra) == 0
}

// storeCredentials seals the caller's secrets for one broker. Secrets are
// never echoed back.
func (s *Server) storeCredentials(c *gin.Context) {
	brokerID := strings.ToLower(c.Param("brokerId"))
	if s.Catalog != nil && !s.Catalog.Has(brokerID) {
		respondError(c, http.StatusNotFound, "UNKNOWN_BROKER", "unknown broker: "+brokerID)
		return
	}

	var req storeCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.empty() {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "no credential fields provided")
		return
	}

	userID := CurrentUserID(c)
	creds := common.Credentials{
		BrokerID:    brokerID,
		UserID:      userID,
		APIKey:      req.APIKey,
		APISecret:   req.APISecret,
		Username:    req.Username,
		Password:    req.Password,
		AccessToken: req.AccessToken,
		AccountID:   req.AccountID,
		Extra:       req.Extra,
	}
	if err := s.Credentials.Store(c.Request.Context(), creds); err != nil {
		s.log.Error().Err(err).Str("broker_id", brokerID).Str("user_id", userID).Msg("store credentials failed")
		respondError(c, http.StatusInternalServerError, "VAULT_ERROR", "failed to store credentials")
		return
	}
	// Drop any pooled connection so the next acquire uses the new secrets.
	if s.Pool != nil {
		s.Pool.Remove(brokerID, userID)
	}

	c.JSON(http.StatusOK, gin.H{"broker_id": brokerID, "stored": true})
}

func (s *Server) listBrokers(c *gin.Context) {
	ids := []string{}
	if s.Catalog != nil {
		ids = s.Catalog.IDs()
	}
	c.JSON(http.StatusOK, gin.H{"brokers": ids})
}

func (s *Server) getPoolStats(c *gin.Context) {
	if s.Pool == nil {
		respondError(c, http.StatusServiceUnavailable, "POOL_UNAVAILABLE", "broker pool not available")
		return
	}
	c.JSON(http.StatusOK, s.Pool.Stats())
}

// getMetrics returns system performance metrics.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.System().GetSnapshot())
}

// getQueueMetrics returns execution queue statistics.
func (s *Server) getQueueMetrics(c *gin.Context) {
	m := s.Executor.QueueMetrics()
	response := gin.H{
		"current_depth": m.Depth,
		"enqueued":      m.Enqueued,
		"dequeued":      m.Dequeued,
		"rejected":      m.Rejected,
		"errors":        m.Errors,
	}
	if s.WAL != nil {
		response["wal"] = s.WAL.WALMetrics()
	}
	c.JSON(http.StatusOK, response)
}
