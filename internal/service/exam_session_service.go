package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/lock"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/repository"
	"github.com/stemsi/exam-session-backend/internal/response"
)

// overdueBatch bounds one ListOverdue page when expiring ahead of a report.
const overdueBatch = 200

// ExamCatalog resolves exams and assignments. Lookups of unknown rows
// return repository.ErrNotFound.
type ExamCatalog interface {
	Exam(ctx context.Context, examID uuid.UUID) (*model.Exam, error)
	Assignment(ctx context.Context, identityID string, examID uuid.UUID) (*model.Assignment, error)
}

// AnswerKeyProvider resolves the answer key used to grade an exam.
type AnswerKeyProvider interface {
	AnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error)
}

// EventPublisher broadcasts session lifecycle events. Delivery is best
// effort and never fails the operation that produced the event.
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, event model.SessionEvent)
}

type noopPublisher struct{}

func (noopPublisher) PublishSessionEvent(context.Context, model.SessionEvent) {}

// ExamSessionService owns the lifecycle of exam sessions: starting or
// resuming, checkpointing answers, time-limit expiry and submission.
//
// Expiry is applied lazily at the start of every operation that touches a
// session. Operations on one session are serialized through the locker.
type ExamSessionService struct {
	store   repository.SessionStore
	catalog ExamCatalog
	keys    AnswerKeyProvider
	locker  lock.Locker
	events  EventPublisher
	now     func() time.Time
	log     zerolog.Logger
}

// ExamSessionOption customizes an ExamSessionService.
type ExamSessionOption func(*ExamSessionService)

// WithClock replaces the wall clock used for timestamps and expiry checks.
func WithClock(now func() time.Time) ExamSessionOption {
	return func(s *ExamSessionService) { s.now = now }
}

// WithEvents publishes lifecycle events to p.
func WithEvents(p EventPublisher) ExamSessionOption {
	return func(s *ExamSessionService) { s.events = p }
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	store repository.SessionStore,
	catalog ExamCatalog,
	keys AnswerKeyProvider,
	locker lock.Locker,
	log zerolog.Logger,
	opts ...ExamSessionOption,
) *ExamSessionService {
	s := &ExamSessionService{
		store:   store,
		catalog: catalog,
		keys:    keys,
		locker:  locker,
		events:  noopPublisher{},
		now:     time.Now,
		log:     log.With().Str("component", "exam_session_service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartOrResume returns the identity's in-progress session for the exam,
// creating one if none exists.
func (s *ExamSessionService) StartOrResume(ctx context.Context, identityID string, examID uuid.UUID) (*model.ExamSession, error) {
	assignment, err := s.catalog.Assignment(ctx, identityID, examID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotAssigned
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	exam, err := s.catalog.Exam(ctx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotAssigned
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	unlock, err := s.locker.Lock(ctx, config.CacheKey.SessionStartLockKey(identityID, examID.String()))
	if err != nil {
		return nil, err
	}
	defer unlock()

	active, err := s.store.FindActive(ctx, identityID, examID)
	switch {
	case err == nil:
		active, _, err = s.applyExpiry(ctx, active)
		if err != nil {
			return nil, err
		}
		if active.Status == model.SessionStatusInProgress {
			return active, nil
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("find active session: %w", err)
	}

	now := s.now()
	if !assignment.IsOpen(now) || !exam.IsAvailable(now) {
		return nil, ErrExamUnavailable
	}
	if !assignment.Unlimited() {
		used, err := s.store.CountSubmitted(ctx, identityID, examID)
		if err != nil {
			return nil, fmt.Errorf("count attempts: %w", err)
		}
		if used >= assignment.AttemptsAllowed {
			return nil, ErrAttemptsExhausted
		}
	}

	session := &model.ExamSession{
		IdentityID:       identityID,
		ExamID:           examID,
		StartedAt:        now,
		TimeLimitSeconds: int64(exam.TimeLimit() / time.Second),
	}
	if err := s.store.Create(ctx, session); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Another instance created the session first; resume theirs.
			winner, ferr := s.store.FindActive(ctx, identityID, examID)
			if ferr != nil {
				return nil, fmt.Errorf("refetch active session: %w", ferr)
			}
			return winner, nil
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.log.Info().
		Str("session_id", session.ID.String()).
		Str("identity_id", identityID).
		Str("exam_id", examID.String()).
		Int64("time_limit_seconds", session.TimeLimitSeconds).
		Msg("Exam session started")
	s.publish(ctx, model.SessionEventStarted, session, nil)
	return session, nil
}

// Checkpoint records the selected option for one question. A nil or blank
// option clears the answer. Checkpoints never extend the time limit.
func (s *ExamSessionService) Checkpoint(ctx context.Context, sessionID, questionID uuid.UUID, option *string) (*model.AnswerRecord, error) {
	unlock, err := s.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionStatusInProgress {
		return nil, ErrSessionClosed
	}

	exam, err := s.catalog.Exam(ctx, session.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	question, ok := exam.Question(questionID)
	if !ok {
		return nil, ErrInvalidQuestion
	}

	var selected *string
	if option != nil && strings.TrimSpace(*option) != "" {
		canonical, ok := question.CanonicalOption(*option)
		if !ok {
			return nil, ErrInvalidOption
		}
		selected = &canonical
	}

	rec := &model.AnswerRecord{
		SessionID:      sessionID,
		QuestionID:     questionID,
		SelectedOption: selected,
		UpdatedAt:      s.now(),
	}
	if err := s.store.UpsertAnswer(ctx, rec); err != nil {
		switch {
		case errors.Is(err, repository.ErrStateChanged):
			return nil, ErrSessionClosed
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("save answer: %w", err)
	}

	s.publish(ctx, model.SessionEventCheckpoint, session, func(e *model.SessionEvent) {
		e.QuestionID = &questionID
	})
	return rec, nil
}

// Expire moves the session to EXPIRED when its time limit has elapsed.
// It is a no-op for sessions that are final or still within their limit.
func (s *ExamSessionService) Expire(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	unlock, err := s.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.loadSession(ctx, sessionID)
}

// Submit finalizes an in-progress session and grades it.
func (s *ExamSessionService) Submit(ctx context.Context, sessionID uuid.UUID) (*model.ScoreResult, error) {
	unlock, err := s.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionStatusInProgress {
		return nil, ErrSessionClosed
	}

	result, err := s.finalize(ctx, session, model.SessionStatusInProgress, model.SessionStatusSubmitted)
	if err != nil {
		if errors.Is(err, repository.ErrStateChanged) || errors.Is(err, repository.ErrConflict) {
			return nil, ErrSessionClosed
		}
		return nil, err
	}

	s.log.Info().
		Str("session_id", sessionID.String()).
		Int("correct", result.Correct).
		Int("total", result.TotalQuestions).
		Float64("percentage", result.Percentage).
		Msg("Exam session submitted")
	session.Status = model.SessionStatusSubmitted
	s.publish(ctx, model.SessionEventSubmitted, session, withPercentage(result))
	return result, nil
}

// GradeExpired scores an expired session from its last checkpoint. The
// session stays EXPIRED. Grading twice returns the stored score.
func (s *ExamSessionService) GradeExpired(ctx context.Context, sessionID uuid.UUID) (*model.ScoreResult, error) {
	unlock, err := s.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case model.SessionStatusInProgress:
		return nil, ErrSessionActive
	case model.SessionStatusSubmitted:
		return nil, ErrSessionClosed
	}

	existing, err := s.store.GetScore(ctx, sessionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("get score: %w", err)
	}

	result, err := s.finalize(ctx, session, model.SessionStatusExpired, model.SessionStatusExpired)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return s.store.GetScore(ctx, sessionID)
		}
		return nil, err
	}

	s.log.Info().
		Str("session_id", sessionID.String()).
		Float64("percentage", result.Percentage).
		Msg("Expired session graded")
	s.publish(ctx, model.SessionEventGraded, session, withPercentage(result))
	return result, nil
}

// State returns the resume view of a session.
func (s *ExamSessionService) State(ctx context.Context, sessionID uuid.UUID) (*model.SessionState, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	answers, err := s.store.ListAnswers(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}

	state := &model.SessionState{
		Session: *session,
		Answers: make(map[string]*string, len(answers)),
	}
	for _, a := range answers {
		state.Answers[a.QuestionID.String()] = a.SelectedOption
	}

	if remaining, ok := session.Remaining(s.now()); ok {
		secs := remaining.Seconds()
		state.RemainingSeconds = &secs
	}

	if session.Status.IsFinal() {
		score, err := s.store.GetScore(ctx, sessionID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("get score: %w", err)
		}
		state.Score = score
	}
	return state, nil
}

// Score returns the stored score of a session, or nil when it was never graded.
func (s *ExamSessionService) Score(ctx context.Context, sessionID uuid.UUID) (*model.ScoreResult, error) {
	if _, err := s.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	score, err := s.store.GetScore(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get score: %w", err)
	}
	return score, nil
}

// VerifyOwner reports ErrInvalidSession unless the session belongs to identityID.
func (s *ExamSessionService) VerifyOwner(ctx context.Context, sessionID uuid.UUID, identityID string) error {
	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidSession
		}
		return fmt.Errorf("get session: %w", err)
	}
	if session.IdentityID != identityID {
		return ErrInvalidSession
	}
	return nil
}

// ListResults returns sessions with their scores for reporting. A status
// filter only sees stored statuses, so overdue sessions in the filter's exam
// are expired before the query. Overdue sessions in the page are expired
// before they are returned.
func (s *ExamSessionService) ListResults(ctx context.Context, filter model.ResultFilter) ([]model.SessionResult, *response.Pagination, error) {
	if filter.Status != "" {
		if err := s.expireOverdue(ctx, filter.ExamID); err != nil {
			return nil, nil, err
		}
	}

	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage < 1 {
		filter.PerPage = 10
	}
	if filter.PerPage > 100 {
		filter.PerPage = 100
	}

	results, total, err := s.store.ListResults(ctx, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("list results: %w", err)
	}
	if results == nil {
		results = []model.SessionResult{}
	}

	for i := range results {
		if results[i].Status != model.SessionStatusInProgress {
			continue
		}
		session, _, err := s.applyExpiry(ctx, &results[i].ExamSession)
		if err != nil {
			return nil, nil, err
		}
		results[i].ExamSession = *session
	}

	totalItems := int(total)
	pagination := &response.Pagination{
		Page:       filter.Page,
		PerPage:    filter.PerPage,
		TotalItems: totalItems,
		TotalPages: (totalItems + filter.PerPage - 1) / filter.PerPage,
	}
	return results, pagination, nil
}

// Snapshot counts the exam's sessions per status after expiring its overdue
// sessions. The three counts are fetched concurrently.
func (s *ExamSessionService) Snapshot(ctx context.Context, examID uuid.UUID) (*model.MonitorSnapshot, error) {
	if err := s.expireOverdue(ctx, &examID); err != nil {
		return nil, err
	}

	statuses := []model.SessionStatus{
		model.SessionStatusInProgress,
		model.SessionStatusSubmitted,
		model.SessionStatusExpired,
	}

	var (
		counts = make([]int64, len(statuses))
		errs   = make([]error, len(statuses))
		wg     sync.WaitGroup
	)
	for i, status := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, counts[i], errs[i] = s.store.ListResults(ctx, model.ResultFilter{
				ExamID:  &examID,
				Status:  status,
				Page:    1,
				PerPage: 1,
			})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("count sessions: %w", err)
		}
	}

	return &model.MonitorSnapshot{
		ExamID:     examID,
		InProgress: counts[0],
		Submitted:  counts[1],
		Expired:    counts[2],
		At:         s.now(),
	}, nil
}

// Activity reports stored in-progress sessions and how many of them are past
// their deadline but not yet expired.
func (s *ExamSessionService) Activity(ctx context.Context) (*model.SessionActivity, error) {
	_, inProgress, err := s.store.ListResults(ctx, model.ResultFilter{
		Status:  model.SessionStatusInProgress,
		Page:    1,
		PerPage: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("count in-progress sessions: %w", err)
	}
	overdue, err := s.store.CountOverdue(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("count overdue sessions: %w", err)
	}
	return &model.SessionActivity{InProgress: inProgress, Overdue: overdue}, nil
}

// SweepExpired expires up to limit overdue sessions and returns how many it
// transitioned. Lazy expiry makes this optional; it only keeps stored
// statuses close to real time for reporting.
func (s *ExamSessionService) SweepExpired(ctx context.Context, limit int) (int, error) {
	ids, err := s.store.ListOverdue(ctx, s.now(), nil, limit)
	if err != nil {
		return 0, fmt.Errorf("list overdue sessions: %w", err)
	}

	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		changed, err := s.expireOne(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", id.String()).Msg("Failed to expire session")
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// expireOverdue expires every overdue session of examID, or of all exams when
// examID is nil.
func (s *ExamSessionService) expireOverdue(ctx context.Context, examID *uuid.UUID) error {
	for {
		ids, err := s.store.ListOverdue(ctx, s.now(), examID, overdueBatch)
		if err != nil {
			return fmt.Errorf("list overdue sessions: %w", err)
		}
		for _, id := range ids {
			if _, err := s.expireOne(ctx, id); err != nil {
				return fmt.Errorf("expire session %s: %w", id, err)
			}
		}
		if len(ids) < overdueBatch {
			return nil
		}
	}
}

func (s *ExamSessionService) expireOne(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	unlock, err := s.lockSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer unlock()

	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	_, changed, err := s.applyExpiry(ctx, session)
	return changed, err
}

// ─── internals ─────────────────────────────────────────────────────────────

func (s *ExamSessionService) lockSession(ctx context.Context, sessionID uuid.UUID) (func(), error) {
	return s.locker.Lock(ctx, config.CacheKey.SessionLockKey(sessionID.String()))
}

// loadSession fetches a session and applies expiry to it.
func (s *ExamSessionService) loadSession(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	session, _, err = s.applyExpiry(ctx, session)
	return session, err
}

// applyExpiry transitions an overdue in-progress session to EXPIRED and
// returns the stored session afterwards. The session ends at its deadline,
// not at the moment the overrun was noticed.
func (s *ExamSessionService) applyExpiry(ctx context.Context, session *model.ExamSession) (*model.ExamSession, bool, error) {
	if session.Status != model.SessionStatusInProgress || !session.IsOverdue(s.now()) {
		return session, false, nil
	}

	deadline, _ := session.Deadline()
	changed, err := s.store.MarkExpired(ctx, session.ID, deadline)
	if err != nil {
		return nil, false, fmt.Errorf("expire session: %w", err)
	}
	if changed {
		s.log.Info().
			Str("session_id", session.ID.String()).
			Str("identity_id", session.IdentityID).
			Time("deadline", deadline).
			Msg("Exam session expired")
	}

	fresh, err := s.store.GetByID(ctx, session.ID)
	if err != nil {
		return nil, false, fmt.Errorf("reload session: %w", err)
	}
	if changed {
		s.publish(ctx, model.SessionEventExpired, fresh, nil)
	}
	return fresh, changed, nil
}

func (s *ExamSessionService) publish(ctx context.Context, typ model.SessionEventType, session *model.ExamSession, decorate func(*model.SessionEvent)) {
	event := model.SessionEvent{
		Type:       typ,
		SessionID:  session.ID,
		IdentityID: session.IdentityID,
		ExamID:     session.ExamID,
		Status:     session.Status,
		At:         s.now(),
	}
	if decorate != nil {
		decorate(&event)
	}
	s.events.PublishSessionEvent(ctx, event)
}

func withPercentage(result *model.ScoreResult) func(*model.SessionEvent) {
	return func(e *model.SessionEvent) {
		pct := result.Percentage
		e.Percentage = &pct
	}
}

func (s *ExamSessionService) finalize(ctx context.Context, session *model.ExamSession, from, to model.SessionStatus) (*model.ScoreResult, error) {
	exam, err := s.catalog.Exam(ctx, session.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	key, err := s.keys.AnswerKey(ctx, session.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get answer key: %w", err)
	}

	now := s.now()
	return s.store.Finalize(ctx, session.ID, repository.FinalizeRequest{
		From: from,
		To:   to,
		At:   now,
		Grade: func(answers []model.AnswerRecord) model.ScoreResult {
			return Grade(exam, key, answers, now)
		},
	})
}
