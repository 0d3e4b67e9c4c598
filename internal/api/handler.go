package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"trade-executor/internal/brokerpool"
	"trade-executor/internal/events"
	"trade-executor/internal/execution"
	"trade-executor/internal/monitor"
	"trade-executor/pkg/brokers/common"
	"trade-executor/pkg/db"
)

// Executor is the slice of *execution.Processor served over HTTP.
type Executor interface {
	Submit(req execution.ExecutionRequest) error
	ActiveTrade(signalID string) (*execution.ActiveTrade, bool)
	QueueMetrics() execution.QueueMetrics
	InvalidateSettings(userID string)
}

// Store is the persistence the API reads and writes directly.
type Store interface {
	ListExecutionLogsBySignal(ctx context.Context, signalID string) ([]db.ExecutionLogEntry, error)
	ListExecutionLogsByUser(ctx context.Context, userID string, limit int) ([]db.ExecutionLogEntry, error)
	LoadUserTradeSettings(ctx context.Context, userID string) (db.UserTradeSettings, error)
	SaveUserTradeSettings(ctx context.Context, s db.UserTradeSettings) error
	ListBrokerIDsByUser(ctx context.Context, userID string) ([]string, error)
}

// CredentialWriter seals and stores broker secrets.
type CredentialWriter interface {
	Store(ctx context.Context, creds common.Credentials) error
}

// Pool is the connection pool view.
type Pool interface {
	Stats() brokerpool.PoolStats
	Remove(brokerID, userID string)
}

// Catalog lists the configured broker ids.
type Catalog interface {
	Has(brokerID string) bool
	IDs() []string
}

// SettingsInvalidator drops a shared cached copy of a user's settings.
type SettingsInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// WALReporter is implemented by the persistent queue.
type WALReporter interface {
	WALMetrics() execution.WALMetrics
}

// Deps groups the collaborators of Server. SettingsCache and WAL are optional.
type Deps struct {
	Executor      Executor
	Store         Store
	Credentials   CredentialWriter
	Pool          Pool
	Catalog       Catalog
	Metrics       *monitor.Recorder
	Bus           *events.Bus
	SettingsCache SettingsInvalidator
	WAL           WALReporter
	Log           zerolog.Logger
}

// Server wires HTTP endpoints around the execution processor.
type Server struct {
	Router  *gin.Engine
	Tokens  TokenPolicy
	Version string

	Deps
	log     zerolog.Logger
	started time.Time
}

func NewServer(deps Deps, tokens TokenPolicy, version string) *Server {
	log := deps.Log.With().Str("component", "api").Logger()
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                                  // Panic recovery (first)
	r.Use(RequestIDMiddleware())                           // Request ID tracking
	r.Use(RequestLogger(log))                              // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(newIPLimiters(20, 50), log)) // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second))             // Request timeout (30s)
	r.Use(CORSMiddleware())                                // CORS (last before routes)

	s := &Server{
		Router:  r,
		Tokens:  tokens,
		Version: version,
		Deps:    deps,
		log:     log,
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)
		api.GET("/queue/metrics", s.getQueueMetrics)
		api.GET("/brokers", s.listBrokers)
		api.GET("/brokers/pool", s.getPoolStats)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Tokens))
		{
			protected.POST("/executions", s.submitExecution)
			protected.GET("/executions", s.listExecutions)
			protected.GET("/executions/:signalId", s.getExecution)

			protected.GET("/settings", s.getSettings)
			protected.PUT("/settings", s.updateSettings)

			protected.GET("/credentials", s.listCredentials)
			protected.PUT("/credentials/:brokerId", s.storeCredentials)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

// Handler exposes the router for http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
