package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/middleware"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/response"
	"github.com/stemsi/exam-session-backend/internal/service"
	"github.com/stemsi/exam-session-backend/internal/validator"
)

// StudentPortalHandler handles exam-taker endpoints.
type StudentPortalHandler struct {
	sessionService *service.ExamSessionService
	log            zerolog.Logger
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(sessionService *service.ExamSessionService, log zerolog.Logger) *StudentPortalHandler {
	return &StudentPortalHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "student_portal_handler").Logger(),
	}
}

// StartOrResume godoc
// POST /api/v1/student/exams/:exam_id/session
// Returns the caller's in-progress session for the exam, starting one if needed.
func (h *StudentPortalHandler) StartOrResume(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	session, err := h.sessionService.StartOrResume(c.Request.Context(), claims.IdentityID(), examID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": session})
}

// GetSessionState godoc
// GET /api/v1/student/sessions/:session_id
// Returns the session with its saved answers and remaining time, for page reloads.
func (h *StudentPortalHandler) GetSessionState(c *gin.Context) {
	sessionID, ok := h.ownedSession(c)
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

// SaveAnswer godoc
// PUT /api/v1/student/sessions/:session_id/answers
// Checkpoints the selected option for one question. A null option clears it.
func (h *StudentPortalHandler) SaveAnswer(c *gin.Context) {
	sessionID, ok := h.ownedSession(c)
	if !ok {
		return
	}

	var req model.CheckpointRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	questionID, err := uuid.Parse(req.QuestionID)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	rec, err := h.sessionService.Checkpoint(c.Request.Context(), sessionID, questionID, req.Option)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"answer": rec})
}

// Submit godoc
// POST /api/v1/student/sessions/:session_id/submit
// Finalizes the session and returns its score.
func (h *StudentPortalHandler) Submit(c *gin.Context) {
	sessionID, ok := h.ownedSession(c)
	if !ok {
		return
	}

	result, err := h.sessionService.Submit(c.Request.Context(), sessionID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"status": model.SessionStatusSubmitted,
		"score":  result,
	})
}

// ownedSession parses :session_id and checks that it belongs to the caller.
// A session owned by someone else is reported exactly like a missing one.
func (h *StudentPortalHandler) ownedSession(c *gin.Context) (uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return uuid.Nil, false
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}

	if err := h.sessionService.VerifyOwner(c.Request.Context(), sessionID, claims.IdentityID()); err != nil {
		failWith(c, h.log, err)
		return uuid.Nil, false
	}
	return sessionID, true
}
