package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exam-session-backend/internal/model"
)

type pairKey struct {
	identityID string
	examID     uuid.UUID
}

// MemorySessionStore is an in-process SessionStore. All state lives behind
// one mutex, which gives every method the same atomicity the PostgreSQL
// store gets from row locks.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.ExamSession
	active   map[pairKey]uuid.UUID
	answers  map[uuid.UUID]map[uuid.UUID]model.AnswerRecord
	scores   map[uuid.UUID]*model.ScoreResult
}

// NewMemorySessionStore creates an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[uuid.UUID]*model.ExamSession),
		active:   make(map[pairKey]uuid.UUID),
		answers:  make(map[uuid.UUID]map[uuid.UUID]model.AnswerRecord),
		scores:   make(map[uuid.UUID]*model.ScoreResult),
	}
}

var _ SessionStore = (*MemorySessionStore)(nil)

func copySession(s *model.ExamSession) *model.ExamSession {
	c := *s
	if s.LastCheckpointAt != nil {
		t := *s.LastCheckpointAt
		c.LastCheckpointAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func copyScore(s *model.ScoreResult) *model.ScoreResult {
	c := *s
	c.Items = append([]model.ScoreItem(nil), s.Items...)
	return &c
}

// GetByID retrieves a session by its ID.
func (m *MemorySessionStore) GetByID(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// FindActive retrieves the in-progress session for an identity-exam pair.
func (m *MemorySessionStore) FindActive(_ context.Context, identityID string, examID uuid.UUID) (*model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.active[pairKey{identityID, examID}]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(m.sessions[id]), nil
}

// CountSubmitted counts submitted attempts for an identity-exam pair.
func (m *MemorySessionStore) CountSubmitted(_ context.Context, identityID string, examID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sessions {
		if s.IdentityID == identityID && s.ExamID == examID && s.Status == model.SessionStatusSubmitted {
			n++
		}
	}
	return n, nil
}

// Create inserts a new in-progress session.
func (m *MemorySessionStore) Create(_ context.Context, s *model.ExamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{s.IdentityID, s.ExamID}
	if _, exists := m.active[key]; exists {
		return ErrConflict
	}

	s.ID = uuid.New()
	s.Status = model.SessionStatusInProgress
	m.sessions[s.ID] = copySession(s)
	m.active[key] = s.ID
	return nil
}

// UpsertAnswer creates or replaces the answer for (session, question).
func (m *MemorySessionStore) UpsertAnswer(_ context.Context, rec *model.AnswerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[rec.SessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != model.SessionStatusInProgress {
		return ErrStateChanged
	}

	byQuestion, ok := m.answers[rec.SessionID]
	if !ok {
		byQuestion = make(map[uuid.UUID]model.AnswerRecord)
		m.answers[rec.SessionID] = byQuestion
	}
	stored := *rec
	if rec.SelectedOption != nil {
		v := *rec.SelectedOption
		stored.SelectedOption = &v
	}
	byQuestion[rec.QuestionID] = stored

	at := rec.UpdatedAt
	s.LastCheckpointAt = &at
	return nil
}

func (m *MemorySessionStore) listAnswersLocked(sessionID uuid.UUID) []model.AnswerRecord {
	byQuestion := m.answers[sessionID]
	answers := make([]model.AnswerRecord, 0, len(byQuestion))
	for _, a := range byQuestion {
		if a.SelectedOption != nil {
			v := *a.SelectedOption
			a.SelectedOption = &v
		}
		answers = append(answers, a)
	}
	sort.Slice(answers, func(i, j int) bool {
		if !answers[i].UpdatedAt.Equal(answers[j].UpdatedAt) {
			return answers[i].UpdatedAt.Before(answers[j].UpdatedAt)
		}
		return answers[i].QuestionID.String() < answers[j].QuestionID.String()
	})
	return answers
}

// ListAnswers retrieves all answer records of a session.
func (m *MemorySessionStore) ListAnswers(_ context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listAnswersLocked(sessionID), nil
}

func (m *MemorySessionStore) transitionLocked(s *model.ExamSession, to model.SessionStatus, at time.Time) {
	if s.Status == model.SessionStatusInProgress && to != model.SessionStatusInProgress {
		delete(m.active, pairKey{s.IdentityID, s.ExamID})
	}
	s.Status = to
	s.EndedAt = &at
}

// MarkExpired transitions an in-progress session to EXPIRED.
func (m *MemorySessionStore) MarkExpired(_ context.Context, id uuid.UUID, endedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != model.SessionStatusInProgress {
		return false, nil
	}
	m.transitionLocked(s, model.SessionStatusExpired, endedAt)
	return true, nil
}

// Finalize grades a session and stores its score atomically.
func (m *MemorySessionStore) Finalize(_ context.Context, id uuid.UUID, req FinalizeRequest) (*model.ScoreResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != req.From {
		return nil, ErrStateChanged
	}
	if _, scored := m.scores[id]; scored {
		return nil, ErrConflict
	}

	result := req.Grade(m.listAnswersLocked(id))
	result.SessionID = id
	m.scores[id] = copyScore(&result)

	if req.To != req.From {
		m.transitionLocked(s, req.To, req.At)
	}
	return &result, nil
}

// GetScore retrieves the stored score of a session.
func (m *MemorySessionStore) GetScore(_ context.Context, sessionID uuid.UUID) (*model.ScoreResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scores[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyScore(s), nil
}

// ListOverdue returns IDs of in-progress sessions past their time limit.
func (m *MemorySessionStore) ListOverdue(_ context.Context, now time.Time, examID *uuid.UUID, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var overdue []*model.ExamSession
	for key, id := range m.active {
		if examID != nil && key.examID != *examID {
			continue
		}
		s := m.sessions[id]
		if s.IsOverdue(now) {
			overdue = append(overdue, s)
		}
	}
	sort.Slice(overdue, func(i, j int) bool {
		return overdue[i].StartedAt.Before(overdue[j].StartedAt)
	})
	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}

	ids := make([]uuid.UUID, len(overdue))
	for i, s := range overdue {
		ids[i] = s.ID
	}
	return ids, nil
}

// CountOverdue counts in-progress sessions past their time limit.
func (m *MemorySessionStore) CountOverdue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, id := range m.active {
		if m.sessions[id].IsOverdue(now) {
			n++
		}
	}
	return n, nil
}

// ListResults retrieves sessions with their scores, filtered and paginated.
func (m *MemorySessionStore) ListResults(_ context.Context, filter model.ResultFilter) ([]model.SessionResult, int64, error) {
	page, perPage := normalizePage(filter.Page, filter.PerPage)

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*model.ExamSession
	for _, s := range m.sessions {
		if filter.ExamID != nil && s.ExamID != *filter.ExamID {
			continue
		}
		if filter.IdentityID != "" && s.IdentityID != filter.IdentityID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		matched = append(matched, s)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := int64(len(matched))
	start := (page - 1) * perPage
	if start > len(matched) {
		start = len(matched)
	}
	end := start + perPage
	if end > len(matched) {
		end = len(matched)
	}

	results := make([]model.SessionResult, 0, end-start)
	for _, s := range matched[start:end] {
		res := model.SessionResult{ExamSession: *copySession(s)}
		if score, ok := m.scores[s.ID]; ok {
			res.Score = copyScore(score)
			res.Score.Items = nil
		}
		results = append(results, res)
	}
	return results, total, nil
}
