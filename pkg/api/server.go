// Package api exposes the tracking core over HTTP: event intake,
// execution picking, bulk error mutation, and state reads.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/elephant-data/oversight/pkg/busqueue"
	"github.com/elephant-data/oversight/pkg/database"
	"github.com/elephant-data/oversight/pkg/mutate"
	"github.com/elephant-data/oversight/pkg/repair"
	"github.com/elephant-data/oversight/pkg/selector"
	"github.com/elephant-data/oversight/pkg/state"
	"github.com/elephant-data/oversight/pkg/version"
)

const healthTimeout = 5 * time.Second

// Server wires the engines behind the HTTP surface.
type Server struct {
	db         *database.Client
	dispatcher *busqueue.Dispatcher
	selector   *selector.Selector
	mutator    *mutate.Mutator
	state      *state.Engine
	pool       *repair.Pool
	queueDepth func(ctx context.Context) (int64, error)
	logger     *slog.Logger
}

// NewServer creates the API server. db may be nil when the process
// runs without Postgres (memory-backed tests); the health check then
// skips the database probe.
func NewServer(db *database.Client, dispatcher *busqueue.Dispatcher, sel *selector.Selector, mut *mutate.Mutator, st *state.Engine, logger *slog.Logger) *Server {
	if dispatcher == nil {
		panic("NewServer: dispatcher must not be nil")
	}
	if sel == nil {
		panic("NewServer: selector must not be nil")
	}
	if mut == nil {
		panic("NewServer: mutator must not be nil")
	}
	if st == nil {
		panic("NewServer: state engine must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		db:         db,
		dispatcher: dispatcher,
		selector:   sel,
		mutator:    mut,
		state:      st,
		logger:     logger.With("component", "api"),
	}
}

// SetRepairPool registers the repair pool for health reporting.
func (s *Server) SetRepairPool(p *repair.Pool) {
	s.pool = p
}

// SetQueueDepthProbe registers the event-queue depth probe.
func (s *Server) SetQueueDepthProbe(fn func(ctx context.Context) (int64, error)) {
	s.queueDepth = fn
}

// Handler builds the routed gin engine.
func (s *Server) Handler() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/events", s.postEvent)
		v1.GET("/executions/pick", s.pickExecution)
		v1.GET("/executions/:id", s.getExecution)
		v1.GET("/executions/:id/errors", s.getExecutionErrors)
		v1.GET("/executions/:id/state", s.getExecutionState)
		v1.DELETE("/executions/:id", s.deleteExecution)
		v1.POST("/errors/mark-solved", s.markSolved)
		v1.POST("/errors/mark-unrecoverable", s.markUnrecoverable)
		v1.GET("/aggregates", s.getAggregates)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	body := gin.H{"status": "healthy", "version": version.GitCommit}
	httpStatus := http.StatusOK

	if s.db != nil {
		stats, err := database.Health(ctx, s.db.DB())
		body["database"] = stats
		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			httpStatus = http.StatusServiceUnavailable
		}
	}
	if s.pool != nil {
		body["repair_pool"] = s.pool.Health()
	}
	if s.queueDepth != nil {
		// Depth is informational; a failed probe degrades nothing.
		if depth, err := s.queueDepth(ctx); err == nil {
			body["queue_depth"] = depth
		} else {
			s.logger.Warn("queue depth probe failed", "error", err)
		}
	}

	c.JSON(httpStatus, body)
}
