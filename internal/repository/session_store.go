package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exam-session-backend/internal/model"
)

// SessionStore persists exam sessions, their answer records and scores.
//
// Every mutation re-checks the session status atomically with the write, so
// callers never need to trust a status they read earlier.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	// FindActive returns the IN_PROGRESS session for the pair or ErrNotFound.
	FindActive(ctx context.Context, identityID string, examID uuid.UUID) (*model.ExamSession, error)
	CountSubmitted(ctx context.Context, identityID string, examID uuid.UUID) (int, error)
	// Create inserts s as IN_PROGRESS and fills s.ID. It returns ErrConflict
	// when the pair already has an IN_PROGRESS session.
	Create(ctx context.Context, s *model.ExamSession) error
	// UpsertAnswer writes rec and moves the session's checkpoint to rec.UpdatedAt.
	// It returns ErrStateChanged unless the session is IN_PROGRESS.
	UpsertAnswer(ctx context.Context, rec *model.AnswerRecord) error
	ListAnswers(ctx context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error)
	// MarkExpired moves an IN_PROGRESS session to EXPIRED and reports whether it did.
	MarkExpired(ctx context.Context, id uuid.UUID, endedAt time.Time) (bool, error)
	// Finalize grades a session and stores the score in one atomic step.
	Finalize(ctx context.Context, id uuid.UUID, req FinalizeRequest) (*model.ScoreResult, error)
	GetScore(ctx context.Context, sessionID uuid.UUID) (*model.ScoreResult, error)
	// ListOverdue returns IN_PROGRESS sessions whose time limit elapsed before now,
	// restricted to examID when it is not nil.
	ListOverdue(ctx context.Context, now time.Time, examID *uuid.UUID, limit int) ([]uuid.UUID, error)

	// CountOverdue counts IN_PROGRESS sessions whose time limit elapsed before now.
	CountOverdue(ctx context.Context, now time.Time) (int64, error)
	ListResults(ctx context.Context, filter model.ResultFilter) ([]model.SessionResult, int64, error)
}

// GradeFunc computes a score from the answer records read inside the finalize step.
type GradeFunc func(answers []model.AnswerRecord) model.ScoreResult

// FinalizeRequest describes a grading transition.
//
// The session must currently be in From; it moves to To (which may equal From
// for grading an already-expired session). A session that already carries a
// score yields ErrConflict.
type FinalizeRequest struct {
	From  model.SessionStatus
	To    model.SessionStatus
	At    time.Time
	Grade GradeFunc
}

// normalizePage applies listing defaults.
func normalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	if perPage > 100 {
		perPage = 100
	}
	return page, perPage
}
