package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/response"
	"github.com/stemsi/exam-session-backend/internal/service"
)

// CacheRefresher re-warms the cached copy of an exam.
type CacheRefresher interface {
	Refresh(ctx context.Context, examID uuid.UUID) error
}

// ExamHandler handles administrative session and result endpoints.
type ExamHandler struct {
	sessionService *service.ExamSessionService
	catalog        CacheRefresher
	log            zerolog.Logger
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(sessionService *service.ExamSessionService, catalog CacheRefresher, log zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		sessionService: sessionService,
		catalog:        catalog,
		log:            log.With().Str("component", "exam_handler").Logger(),
	}
}

// ListResults godoc
// GET /api/v1/admin/exams/:exam_id/results?status=&identity_id=&page=&per_page=
// Lists sessions of an exam with their scores.
func (h *ExamHandler) ListResults(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))

	filter := model.ResultFilter{
		ExamID:     &examID,
		IdentityID: strings.TrimSpace(c.Query("identity_id")),
		Page:       page,
		PerPage:    perPage,
	}
	if status := c.Query("status"); status != "" {
		filter.Status = model.SessionStatus(strings.ToUpper(status))
		if !filter.Status.Valid() {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{
				"status": "status must be one of IN_PROGRESS SUBMITTED EXPIRED",
			})
			return
		}
	}

	results, pagination, err := h.sessionService.ListResults(c.Request.Context(), filter)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"results": results}, pagination)
}

// GetSession godoc
// GET /api/v1/admin/sessions/:session_id
// Returns any session with its answers and score.
func (h *ExamHandler) GetSession(c *gin.Context) {
	sessionID, ok := parseSessionID(c)
	if !ok {
		return
	}

	state, err := h.sessionService.State(c.Request.Context(), sessionID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// GetScore godoc
// GET /api/v1/admin/sessions/:session_id/score
// Returns the stored score, or null when the session was never graded.
func (h *ExamHandler) GetScore(c *gin.Context) {
	sessionID, ok := parseSessionID(c)
	if !ok {
		return
	}

	score, err := h.sessionService.Score(c.Request.Context(), sessionID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"score": score})
}

// ExpireSession godoc
// POST /api/v1/admin/sessions/:session_id/expire
// Applies the time limit now. Sessions within their limit are returned unchanged.
func (h *ExamHandler) ExpireSession(c *gin.Context) {
	sessionID, ok := parseSessionID(c)
	if !ok {
		return
	}

	session, err := h.sessionService.Expire(c.Request.Context(), sessionID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": session})
}

// GradeSession godoc
// POST /api/v1/admin/sessions/:session_id/grade
// Scores an expired session from its last checkpoint.
func (h *ExamHandler) GradeSession(c *gin.Context) {
	sessionID, ok := parseSessionID(c)
	if !ok {
		return
	}

	score, err := h.sessionService.GradeExpired(c.Request.Context(), sessionID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"status": model.SessionStatusExpired,
		"score":  score,
	})
}

// RefreshCache godoc
// POST /api/v1/admin/exams/:exam_id/refresh-cache
// Reloads the exam and its answer key into Redis after they were edited.
func (h *ExamHandler) RefreshCache(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if err := h.catalog.Refresh(c.Request.Context(), examID); err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Exam cache refreshed"})
}

func parseSessionID(c *gin.Context) (uuid.UUID, bool) {
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return sessionID, true
}
