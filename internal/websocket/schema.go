package websocket

import "github.com/stemsi/exam-session-backend/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
	ActionState    Action = "state"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AutosaveRequest checkpoints a single answer. A null or blank option
// clears the answer.
type AutosaveRequest struct {
	Action     Action  `json:"action"`
	QuestionID string  `json:"question_id"`
	Option     *string `json:"option"`
}

// SubmitRequest is sent by the client to finish and grade the exam.
type SubmitRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError  Event = "error"
	EventSaved  Event = "saved"
	EventGraded Event = "graded"
	EventState  Event = "state"
	EventPong   Event = "pong"
)

type AutosaveResponse struct {
	Event      Event   `json:"event"`
	QuestionID string  `json:"question_id"`
	Option     *string `json:"option"`
}

type GradedResponse struct {
	Event  Event               `json:"event"`
	Status model.SessionStatus `json:"status"`
	Score  *model.ScoreResult  `json:"score"`
}

type StateResponse struct {
	Event Event               `json:"event"`
	State *model.SessionState `json:"state"`
}

// ErrorResponse carries the same codes as the REST envelope. A closed
// session is reported with SESSION_CLOSED, after which the server ends
// the stream.
type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
