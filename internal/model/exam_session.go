package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusSubmitted  SessionStatus = "SUBMITTED"
	SessionStatusExpired    SessionStatus = "EXPIRED"
)

// IsFinal reports whether the status is terminal.
func (s SessionStatus) IsFinal() bool {
	return s == SessionStatusSubmitted || s == SessionStatusExpired
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusInProgress, SessionStatusSubmitted, SessionStatusExpired:
		return true
	}
	return false
}

// ExamSession represents one attempt by one identity at one exam.
type ExamSession struct {
	ID               uuid.UUID     `json:"id"`
	IdentityID       string        `json:"identity_id"`
	ExamID           uuid.UUID     `json:"exam_id"`
	StartedAt        time.Time     `json:"started_at"`
	LastCheckpointAt *time.Time    `json:"last_checkpoint_at,omitempty"`
	Status           SessionStatus `json:"status"`
	TimeLimitSeconds int64         `json:"time_limit_seconds"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
}

// TimeLimit returns the limit fixed at session start; zero means unlimited.
func (s *ExamSession) TimeLimit() time.Duration {
	return time.Duration(s.TimeLimitSeconds) * time.Second
}

// Deadline returns the instant after which the session is overdue.
func (s *ExamSession) Deadline() (time.Time, bool) {
	if s.TimeLimitSeconds <= 0 {
		return time.Time{}, false
	}
	return s.StartedAt.Add(s.TimeLimit()), true
}

// IsOverdue reports whether now - start exceeds the time limit.
func (s *ExamSession) IsOverdue(now time.Time) bool {
	if s.TimeLimitSeconds <= 0 {
		return false
	}
	return now.Sub(s.StartedAt) > s.TimeLimit()
}

// Remaining returns the time left before the deadline, floored at zero.
func (s *ExamSession) Remaining(now time.Time) (time.Duration, bool) {
	deadline, ok := s.Deadline()
	if !ok {
		return 0, false
	}
	if s.Status.IsFinal() {
		return 0, true
	}
	left := deadline.Sub(now)
	if left < 0 {
		left = 0
	}
	return left, true
}

// AnswerRecord is the selected option for one question within one session.
type AnswerRecord struct {
	SessionID      uuid.UUID `json:"session_id"`
	QuestionID     uuid.UUID `json:"question_id"`
	SelectedOption *string   `json:"selected_option"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ScoreItem is the per-question breakdown of a score.
type ScoreItem struct {
	QuestionID   uuid.UUID `json:"question_id"`
	Selected     *string   `json:"selected"`
	Correct      []string  `json:"correct"`
	IsCorrect    bool      `json:"is_correct"`
	EarnedPoints float64   `json:"earned_points"`
}

// ScoreResult is computed once when a session is graded and never changes.
type ScoreResult struct {
	SessionID      uuid.UUID   `json:"session_id"`
	Correct        int         `json:"correct"`
	Answered       int         `json:"answered"`
	TotalQuestions int         `json:"total_questions"`
	EarnedPoints   float64     `json:"earned_points"`
	MaxPoints      float64     `json:"max_points"`
	Percentage     float64     `json:"percentage"`
	Passed         bool        `json:"passed"`
	ComputedAt     time.Time   `json:"computed_at"`
	Items          []ScoreItem `json:"items,omitempty"`
}

// SessionState is the resume view of a session.
type SessionState struct {
	Session          ExamSession        `json:"session"`
	Answers          map[string]*string `json:"answers"`
	RemainingSeconds *float64           `json:"remaining_seconds,omitempty"`
	Score            *ScoreResult       `json:"score,omitempty"`
}

// SessionResult joins a session with its score for reporting.
type SessionResult struct {
	ExamSession
	Score *ScoreResult `json:"score,omitempty"`
}

// ResultFilter narrows result listings. Zero values mean "any".
type ResultFilter struct {
	ExamID     *uuid.UUID
	IdentityID string
	Status     SessionStatus
	Page       int
	PerPage    int
}

// CheckpointRequest is the payload for saving one answer.
type CheckpointRequest struct {
	QuestionID string  `json:"question_id" binding:"required,uuid"`
	Option     *string `json:"option" binding:"omitempty,exam_option"`
}

// SessionEventType enumerates lifecycle events broadcast to live monitors.
type SessionEventType string

const (
	SessionEventStarted    SessionEventType = "started"
	SessionEventCheckpoint SessionEventType = "checkpoint"
	SessionEventSubmitted  SessionEventType = "submitted"
	SessionEventExpired    SessionEventType = "expired"
	SessionEventGraded     SessionEventType = "graded"
)

// SessionEvent is one lifecycle change of a session.
type SessionEvent struct {
	Type       SessionEventType `json:"type"`
	SessionID  uuid.UUID        `json:"session_id"`
	IdentityID string           `json:"identity_id"`
	ExamID     uuid.UUID        `json:"exam_id"`
	Status     SessionStatus    `json:"status"`
	QuestionID *uuid.UUID       `json:"question_id,omitempty"`
	Percentage *float64         `json:"percentage,omitempty"`
	At         time.Time        `json:"at"`
}

// MonitorSnapshot counts the sessions of an exam by status.
type MonitorSnapshot struct {
	ExamID     uuid.UUID `json:"exam_id"`
	InProgress int64     `json:"in_progress"`
	Submitted  int64     `json:"submitted"`
	Expired    int64     `json:"expired"`
	At         time.Time `json:"at"`
}

// SessionActivity is the service-wide view of session load.
type SessionActivity struct {
	InProgress int64 `json:"in_progress"`
	Overdue    int64 `json:"overdue"`
}
