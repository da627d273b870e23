package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/middleware"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/response"
)

const (
	metricsInterval = 7 * time.Second
	metricsTimeout  = 2 * time.Second
)

// ActivitySource reports session load across all exams.
type ActivitySource interface {
	Activity(ctx context.Context) (*model.SessionActivity, error)
}

// SystemHandler streams session, lock and Redis metrics via SSE.
type SystemHandler struct {
	rdb       *redis.Client
	sessions  ActivitySource
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(rdb *redis.Client, sessions ActivitySource, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		rdb:       rdb,
		sessions:  sessions,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type systemMetrics struct {
	Timestamp     int64 `json:"timestamp"`
	UptimeSeconds int64 `json:"uptime_seconds"`

	// Sessions
	SessionsInProgress int64 `json:"sessions_in_progress"`
	SessionsOverdue    int64 `json:"sessions_overdue"`
	SessionsError      bool  `json:"sessions_error,omitempty"`

	// Redis
	RedisUp        bool    `json:"redis_up"`
	RedisLatencyMs float64 `json:"redis_latency_ms"`
	ActiveLocks    int64   `json:"active_locks"`

	// Go runtime
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
}

// SystemMetricsSSE godoc
// GET /api/v1/admin/system/metrics
func (h *SystemHandler) SystemMetricsSSE(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Info().Msg("Admin connected to system metrics SSE")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	h.writeMetrics(c, reqCtx)

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Admin disconnected from system metrics SSE")
			return
		case <-ticker.C:
			h.writeMetrics(c, reqCtx)
		}
	}
}

func (h *SystemHandler) writeMetrics(c *gin.Context, parentCtx context.Context) {
	data, err := json.Marshal(h.collect(parentCtx))
	if err != nil {
		return
	}
	writeSSE(c, data)
}

func (h *SystemHandler) collect(parentCtx context.Context) systemMetrics {
	ctx, cancel := context.WithTimeout(parentCtx, metricsTimeout)
	defer cancel()

	now := time.Now()
	m := systemMetrics{
		Timestamp:     now.Unix(),
		UptimeSeconds: int64(now.Sub(h.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.HeapAlloc = ms.HeapAlloc

	if activity, err := h.sessions.Activity(ctx); err == nil {
		m.SessionsInProgress = activity.InProgress
		m.SessionsOverdue = activity.Overdue
	} else {
		h.log.Warn().Err(err).Msg("Failed to read session activity")
		m.SessionsError = true
	}

	start := time.Now()
	if err := h.rdb.Ping(ctx).Err(); err == nil {
		m.RedisUp = true
		m.RedisLatencyMs = float64(time.Since(start).Microseconds()) / 1000
		m.ActiveLocks = h.countLocks(ctx)
	}

	return m
}

// countLocks counts held session locks with SCAN.
func (h *SystemHandler) countLocks(ctx context.Context) int64 {
	var n int64
	iter := h.rdb.Scan(ctx, 0, config.CacheKey.LockPattern(), 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n
}
