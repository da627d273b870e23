package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/response"
	"github.com/stemsi/exam-session-backend/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler streams live session activity of an exam via SSE.
type MonitorHandler struct {
	catalog        service.ExamCatalog
	sessionService *service.ExamSessionService
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(catalog service.ExamCatalog, sessionService *service.ExamSessionService, monitorService *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		catalog:        catalog,
		sessionService: sessionService,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:exam_id/monitor
// Sends a status snapshot, then forwards every session event of the exam.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	exam, err := h.catalog.Exam(reqCtx, examID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	// Subscribe before the snapshot so no event falls between the two.
	pubsub := h.monitorService.Subscribe(reqCtx, examID)
	defer pubsub.Close()
	if _, err := pubsub.Receive(reqCtx); err != nil {
		failWith(c, h.log, err)
		return
	}
	ch := pubsub.Channel()

	// SSE headers
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, reqCtx, examID, gin.H{
		"id":                 examID.String(),
		"title":              exam.Title,
		"time_limit_minutes": exam.TimeLimitMinutes,
		"total_questions":    len(exam.Questions),
	})

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Str("exam_id", examID.String()).Msg("Admin attached to live monitor SSE")

	// Pre-allocate a reusable ping payload (never changes)
	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no deserialization needed
			writeSSE(c, []byte(msg.Payload))

		case <-refreshTicker.C:
			// Snapshots expire overdue sessions, so idle exams are refreshed too.
			h.sendSnapshot(c, reqCtx, examID, nil)

		case <-keepAliveTicker.C:
			writeSSE(c, pingPayload)
		}
	}
}

// sendSnapshot writes the current status counts as a snapshot event.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, parentCtx context.Context, examID uuid.UUID, exam gin.H) {
	// Scoped timeout prevents a slow query from stalling the SSE loop
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snapshot, err := h.sessionService.Snapshot(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to build monitor snapshot")
		return
	}

	data := gin.H{"stats": snapshot}
	if exam != nil {
		data["exam"] = exam
	}
	payload, err := json.Marshal(gin.H{"type": "snapshot", "data": data})
	if err != nil {
		return
	}
	writeSSE(c, payload)
}

func writeSSE(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
