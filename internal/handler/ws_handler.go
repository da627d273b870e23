package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/middleware"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/response"
	"github.com/stemsi/exam-session-backend/internal/service"
	ws "github.com/stemsi/exam-session-backend/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles the WebSocket auto-save stream of a session.
type WSHandler struct {
	sessionService    *service.ExamSessionService
	checkpointLimiter *middleware.RateLimiter
	log               zerolog.Logger
	upgrader          websocket.Upgrader
}

// NewWSHandler creates a new WSHandler. Autosaves draw from the same
// per-identity checkpointLimiter as the REST checkpoint route; nil disables
// the limit.
func NewWSHandler(sessionService *service.ExamSessionService, checkpointLimiter *middleware.RateLimiter, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService:    sessionService,
		checkpointLimiter: checkpointLimiter,
		log:               log.With().Str("component", "ws_handler").Logger(),
		upgrader:          buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/student/sessions/:session_id/stream?token=...
// Upgrades to WebSocket for checkpointing answers and submitting.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// Ownership is checked before the upgrade so failures use the REST envelope.
	if err := h.sessionService.VerifyOwner(c.Request.Context(), sessionID, claims.IdentityID()); err != nil {
		failWith(c, h.log, err)
		return
	}

	limitKey := middleware.IdentityKey(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	wsLog := h.log.With().
		Str("identity_id", claims.IdentityID()).
		Str("session_id", sessionID.String()).
		Logger()

	wsLog.Info().Msg("Exam taker connected")

	if !h.sendState(ctx, conn, wsLog, sessionID) {
		return
	}

	for {
		var raw json.RawMessage
		if err := ws.ReadJSON(conn, &raw); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			ws.WriteError(conn, string(response.ErrInvalidPayload), "malformed message")
			continue
		}

		var keepOpen bool
		switch env.Action {
		case ws.ActionAutosave:
			if h.checkpointLimiter != nil && !h.checkpointLimiter.Allow(limitKey) {
				keepOpen = ws.WriteError(conn, string(response.ErrRateLimitExceeded), "too many autosaves, slow down") == nil
				break
			}
			keepOpen = h.handleAutosave(ctx, conn, wsLog, sessionID, raw)
		case ws.ActionSubmit:
			keepOpen = h.handleSubmit(ctx, conn, wsLog, sessionID)
		case ws.ActionState:
			keepOpen = h.sendState(ctx, conn, wsLog, sessionID)
		case ws.ActionPing:
			keepOpen = ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong}) == nil
		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			keepOpen = ws.WriteError(conn, string(response.ErrInvalidPayload), "unknown action: "+string(env.Action)) == nil
		}
		if !keepOpen {
			ws.Close(conn, "session closed")
			return
		}
	}
}

// handleAutosave checkpoints one answer.
func (h *WSHandler) handleAutosave(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, sessionID uuid.UUID, raw json.RawMessage) bool {
	var req ws.AutosaveRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return ws.WriteError(conn, string(response.ErrInvalidPayload), "malformed autosave message") == nil
	}
	questionID, err := uuid.Parse(req.QuestionID)
	if err != nil {
		return ws.WriteError(conn, string(response.ErrInvalidID), "invalid question_id format") == nil
	}

	rec, err := h.sessionService.Checkpoint(ctx, sessionID, questionID, req.Option)
	if err != nil {
		return h.writeServiceError(conn, wsLog, err)
	}

	return ws.WriteTyped(conn, ws.AutosaveResponse{
		Event:      ws.EventSaved,
		QuestionID: rec.QuestionID.String(),
		Option:     rec.SelectedOption,
	}) == nil
}

// handleSubmit finalizes the session. The stream ends after a successful submit.
func (h *WSHandler) handleSubmit(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, sessionID uuid.UUID) bool {
	result, err := h.sessionService.Submit(ctx, sessionID)
	if err != nil {
		return h.writeServiceError(conn, wsLog, err)
	}

	ws.WriteTyped(conn, ws.GradedResponse{
		Event:  ws.EventGraded,
		Status: model.SessionStatusSubmitted,
		Score:  result,
	})
	return false
}

func (h *WSHandler) sendState(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, sessionID uuid.UUID) bool {
	state, err := h.sessionService.State(ctx, sessionID)
	if err != nil {
		return h.writeServiceError(conn, wsLog, err)
	}
	return ws.WriteTyped(conn, ws.StateResponse{Event: ws.EventState, State: state}) == nil
}

// writeServiceError reports err to the client and returns whether the
// stream should stay open. Closed or missing sessions end the stream.
func (h *WSHandler) writeServiceError(conn *websocket.Conn, wsLog zerolog.Logger, err error) bool {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		wsLog.Error().Err(err).Msg("Stream action failed")
	}
	if werr := ws.WriteError(conn, string(code), response.GetMessage(code)); werr != nil {
		return false
	}
	return !errors.Is(err, service.ErrSessionClosed) && !errors.Is(err, service.ErrInvalidSession)
}
