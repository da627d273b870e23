package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/lock"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/repository"
)

// ─── fixtures ──────────────────────────────────────────────────────────────

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCatalog struct {
	mu          sync.Mutex
	exams       map[uuid.UUID]*model.Exam
	keys        map[uuid.UUID]model.AnswerKey
	assignments map[string]*model.Assignment
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		exams:       make(map[uuid.UUID]*model.Exam),
		keys:        make(map[uuid.UUID]model.AnswerKey),
		assignments: make(map[string]*model.Assignment),
	}
}

func (f *fakeCatalog) assign(identityID string, examID uuid.UUID, attempts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments[identityID+"/"+examID.String()] = &model.Assignment{
		IdentityID:      identityID,
		ExamID:          examID,
		AttemptsAllowed: attempts,
	}
}

func (f *fakeCatalog) Exam(_ context.Context, examID uuid.UUID) (*model.Exam, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.exams[examID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e, nil
}

func (f *fakeCatalog) Assignment(_ context.Context, identityID string, examID uuid.UUID) (*model.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[identityID+"/"+examID.String()]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

func (f *fakeCatalog) AnswerKey(_ context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[examID], nil
}

type fixture struct {
	svc     *ExamSessionService
	store   *repository.MemorySessionStore
	catalog *fakeCatalog
	clock   *testClock
	exam    *model.Exam
	q1, q2  uuid.UUID
}

// newFixture builds a service around a 30-minute, two-question exam assigned
// to "alice" with unlimited attempts.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	q1, q2 := uuid.New(), uuid.New()
	exam := &model.Exam{
		ID:               uuid.New(),
		Title:            "Algebra",
		TimeLimitMinutes: 30,
		PassingScore:     intPtr(60),
		Questions: []model.ExamQuestion{
			{ID: q1, Type: model.QuestionTypeMultipleChoice, Options: []string{"A", "B", "C", "D"}, OrderNum: 1},
			{ID: q2, Type: model.QuestionTypeTrueFalse, OrderNum: 2},
		},
	}

	catalog := newFakeCatalog()
	catalog.exams[exam.ID] = exam
	catalog.keys[exam.ID] = model.AnswerKey{
		q1: {Correct: []string{"B"}, Points: 1},
		q2: {Correct: []string{"True"}, Points: 1},
	}
	catalog.assign("alice", exam.ID, 0)

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := repository.NewMemorySessionStore()
	svc := NewExamSessionService(store, catalog, catalog, lock.NewKeyedMutex(), zerolog.Nop(), WithClock(clock.Now))

	return &fixture{svc: svc, store: store, catalog: catalog, clock: clock, exam: exam, q1: q1, q2: q2}
}

func (f *fixture) start(t *testing.T) *model.ExamSession {
	t.Helper()
	s, err := f.svc.StartOrResume(context.Background(), "alice", f.exam.ID)
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	return s
}

// ─── StartOrResume ─────────────────────────────────────────────────────────

func TestStartOrResume_NotAssigned(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StartOrResume(context.Background(), "bob", f.exam.ID)
	if !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}

	_, err = f.svc.StartOrResume(context.Background(), "alice", uuid.New())
	if !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned for unknown exam, got %v", err)
	}
}

func TestStartOrResume_CreatesSession(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	if s.Status != model.SessionStatusInProgress {
		t.Errorf("Status = %s, want IN_PROGRESS", s.Status)
	}
	if !s.StartedAt.Equal(f.clock.Now()) {
		t.Errorf("StartedAt = %v, want %v", s.StartedAt, f.clock.Now())
	}
	if s.TimeLimitSeconds != 1800 {
		t.Errorf("TimeLimitSeconds = %d, want 1800", s.TimeLimitSeconds)
	}
	if s.IdentityID != "alice" || s.ExamID != f.exam.ID {
		t.Errorf("unexpected owner %s/%s", s.IdentityID, s.ExamID)
	}
}

func TestStartOrResume_Idempotent(t *testing.T) {
	f := newFixture(t)
	first := f.start(t)

	f.clock.Advance(5 * time.Minute)
	second := f.start(t)

	if first.ID != second.ID {
		t.Fatalf("expected resume of %s, got new session %s", first.ID, second.ID)
	}
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Fatalf("resume must not move StartedAt")
	}
}

func TestStartOrResume_ConcurrentCallsYieldOneSession(t *testing.T) {
	f := newFixture(t)

	const callers = 25
	ids := make(chan uuid.UUID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.svc.StartOrResume(context.Background(), "alice", f.exam.ID)
			if err != nil {
				t.Errorf("StartOrResume: %v", err)
				return
			}
			ids <- s.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uuid.UUID]struct{})
	for id := range ids {
		seen[id] = struct{}{}
	}
	if len(seen) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(seen))
	}
}

func TestStartOrResume_NewSessionAfterExpiry(t *testing.T) {
	f := newFixture(t)
	first := f.start(t)

	f.clock.Advance(31 * time.Minute)
	second := f.start(t)

	if second.ID == first.ID {
		t.Fatal("expected a new session after the previous one expired")
	}

	old, err := f.store.GetByID(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if old.Status != model.SessionStatusExpired {
		t.Fatalf("previous session Status = %s, want EXPIRED", old.Status)
	}
}

func TestStartOrResume_AttemptsExhausted(t *testing.T) {
	f := newFixture(t)
	f.catalog.assign("alice", f.exam.ID, 1)
	ctx := context.Background()

	s := f.start(t)
	if _, err := f.svc.Submit(ctx, s.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err := f.svc.StartOrResume(ctx, "alice", f.exam.ID)
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}
}

func TestStartOrResume_ExpiredAttemptsDoNotCount(t *testing.T) {
	f := newFixture(t)
	f.catalog.assign("alice", f.exam.ID, 1)

	f.start(t)
	f.clock.Advance(time.Hour)

	if _, err := f.svc.StartOrResume(context.Background(), "alice", f.exam.ID); err != nil {
		t.Fatalf("expected a new attempt after expiry, got %v", err)
	}
}

func TestStartOrResume_ExamWindow(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	ctx := context.Background()

	closed := now.Add(-time.Minute)
	f.exam.EndAt = &closed
	if _, err := f.svc.StartOrResume(ctx, "alice", f.exam.ID); !errors.Is(err, ErrExamUnavailable) {
		t.Fatalf("expected ErrExamUnavailable after the window, got %v", err)
	}

	f.exam.EndAt = nil
	due := now.Add(-time.Hour)
	f.catalog.assignments["alice/"+f.exam.ID.String()].DueAt = &due
	if _, err := f.svc.StartOrResume(ctx, "alice", f.exam.ID); !errors.Is(err, ErrExamUnavailable) {
		t.Fatalf("expected ErrExamUnavailable past the due date, got %v", err)
	}
}

func TestStartOrResume_ResumeIgnoresClosedWindow(t *testing.T) {
	f := newFixture(t)
	first := f.start(t)

	closed := f.clock.Now()
	f.exam.EndAt = &closed
	f.clock.Advance(time.Minute)

	second := f.start(t)
	if second.ID != first.ID {
		t.Fatal("an in-progress session must stay resumable after the window closes")
	}
}

// ─── Checkpoint ────────────────────────────────────────────────────────────

func TestCheckpoint_SavesAndReplaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	if _, err := f.svc.Checkpoint(ctx, s.ID, f.q1, strPtr("A")); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	f.clock.Advance(time.Minute)
	rec, err := f.svc.Checkpoint(ctx, s.ID, f.q1, strPtr("c"))
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if rec.SelectedOption == nil || *rec.SelectedOption != "C" {
		t.Fatalf("expected canonical option C, got %v", rec.SelectedOption)
	}

	answers, err := f.store.ListAnswers(ctx, s.ID)
	if err != nil {
		t.Fatalf("ListAnswers: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("expected one record per question, got %d", len(answers))
	}
	if *answers[0].SelectedOption != "C" {
		t.Fatalf("expected latest answer C, got %s", *answers[0].SelectedOption)
	}

	stored, _ := f.store.GetByID(ctx, s.ID)
	if stored.LastCheckpointAt == nil || !stored.LastCheckpointAt.Equal(f.clock.Now()) {
		t.Fatalf("LastCheckpointAt = %v, want %v", stored.LastCheckpointAt, f.clock.Now())
	}
}

func TestCheckpoint_ClearsAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	if _, err := f.svc.Checkpoint(ctx, s.ID, f.q2, strPtr("true")); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	rec, err := f.svc.Checkpoint(ctx, s.ID, f.q2, nil)
	if err != nil {
		t.Fatalf("Checkpoint clear: %v", err)
	}
	if rec.SelectedOption != nil {
		t.Fatalf("expected cleared answer, got %q", *rec.SelectedOption)
	}
}

func TestCheckpoint_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	tests := []struct {
		name      string
		sessionID uuid.UUID
		question  uuid.UUID
		option    *string
		want      error
	}{
		{name: "unknown session", sessionID: uuid.New(), question: f.q1, option: strPtr("A"), want: ErrInvalidSession},
		{name: "question from another exam", sessionID: s.ID, question: uuid.New(), option: strPtr("A"), want: ErrInvalidQuestion},
		{name: "option not offered", sessionID: s.ID, question: f.q1, option: strPtr("E"), want: ErrInvalidOption},
		{name: "true false rejects letters", sessionID: s.ID, question: f.q2, option: strPtr("A"), want: ErrInvalidOption},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Checkpoint(ctx, tc.sessionID, tc.question, tc.option)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCheckpoint_AfterDeadlineExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	f.clock.Advance(31 * time.Minute)
	_, err := f.svc.Checkpoint(ctx, s.ID, f.q1, strPtr("B"))
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	stored, _ := f.store.GetByID(ctx, s.ID)
	if stored.Status != model.SessionStatusExpired {
		t.Fatalf("Status = %s, want EXPIRED", stored.Status)
	}
	deadline, _ := stored.Deadline()
	if stored.EndedAt == nil || !stored.EndedAt.Equal(deadline) {
		t.Fatalf("EndedAt = %v, want deadline %v", stored.EndedAt, deadline)
	}

	answers, _ := f.store.ListAnswers(ctx, s.ID)
	if len(answers) != 0 {
		t.Fatalf("late checkpoint must not be stored, got %d answers", len(answers))
	}
}

func TestCheckpoint_AtExactLimitStillOpen(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	f.clock.Advance(30 * time.Minute)
	if _, err := f.svc.Checkpoint(context.Background(), s.ID, f.q1, strPtr("B")); err != nil {
		t.Fatalf("checkpoint exactly at the limit should succeed, got %v", err)
	}
}

func TestCheckpoint_DoesNotExtendDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	f.clock.Advance(29 * time.Minute)
	if _, err := f.svc.Checkpoint(ctx, s.ID, f.q1, strPtr("B")); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	f.clock.Advance(2 * time.Minute)
	if _, err := f.svc.Checkpoint(ctx, s.ID, f.q2, strPtr("True")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

// ─── Expire ────────────────────────────────────────────────────────────────

func TestExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	got, err := f.svc.Expire(ctx, s.ID)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if got.Status != model.SessionStatusInProgress {
		t.Fatalf("within the limit Expire must be a no-op, got %s", got.Status)
	}

	f.clock.Advance(45 * time.Minute)
	for i := 0; i < 2; i++ {
		got, err = f.svc.Expire(ctx, s.ID)
		if err != nil {
			t.Fatalf("Expire #%d: %v", i+1, err)
		}
		if got.Status != model.SessionStatusExpired {
			t.Fatalf("Expire #%d Status = %s, want EXPIRED", i+1, got.Status)
		}
	}

	if _, err := f.svc.Expire(ctx, uuid.New()); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestExpire_NoTimeLimit(t *testing.T) {
	f := newFixture(t)
	f.exam.TimeLimitMinutes = 0
	s := f.start(t)

	f.clock.Advance(72 * time.Hour)
	got, err := f.svc.Expire(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if got.Status != model.SessionStatusInProgress {
		t.Fatalf("session without a limit must never expire, got %s", got.Status)
	}
}

func TestExpire_SubmittedUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	if _, err := f.svc.Submit(ctx, s.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.clock.Advance(time.Hour)

	got, err := f.svc.Expire(ctx, s.ID)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if got.Status != model.SessionStatusSubmitted {
		t.Fatalf("Status = %s, want SUBMITTED", got.Status)
	}
}

// ─── Submit ────────────────────────────────────────────────────────────────

func TestSubmit_Scores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	if _, err := f.svc.Checkpoint(ctx, s.ID, f.q1, strPtr("B")); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if _, err := f.svc.Checkpoint(ctx, s.ID, f.q2, strPtr("False")); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	f.clock.Advance(10 * time.Minute)
	score, err := f.svc.Submit(ctx, s.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if score.Correct != 1 || score.TotalQuestions != 2 || score.Answered != 2 {
		t.Fatalf("unexpected score %+v", score)
	}
	if score.Percentage != 50 || score.Passed {
		t.Fatalf("expected 50%% failing, got %v passed=%v", score.Percentage, score.Passed)
	}

	stored, _ := f.store.GetByID(ctx, s.ID)
	if stored.Status != model.SessionStatusSubmitted {
		t.Fatalf("Status = %s, want SUBMITTED", stored.Status)
	}
	if stored.EndedAt == nil || !stored.EndedAt.Equal(f.clock.Now()) {
		t.Fatalf("EndedAt = %v, want %v", stored.EndedAt, f.clock.Now())
	}
}

func TestSubmit_ZeroAnswers(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	score, err := f.svc.Submit(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("submitting without answers must not fail: %v", err)
	}
	if score.Correct != 0 || score.Answered != 0 {
		t.Fatalf("expected zero correct, got %+v", score)
	}
}

func TestSubmit_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	if _, err := f.svc.Submit(ctx, s.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.svc.Submit(ctx, s.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := f.svc.Checkpoint(ctx, s.ID, f.q1, strPtr("B")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("checkpoint after submit: expected ErrSessionClosed, got %v", err)
	}
}

func TestSubmit_AfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	f.clock.Advance(31 * time.Minute)
	if _, err := f.svc.Submit(ctx, s.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	stored, _ := f.store.GetByID(ctx, s.ID)
	if stored.Status != model.SessionStatusExpired {
		t.Fatalf("Status = %s, want EXPIRED", stored.Status)
	}
	if _, err := f.store.GetScore(ctx, s.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expired session must not be scored by Submit, got %v", err)
	}
}

func TestSubmit_UnknownSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Submit(context.Background(), uuid.New()); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestSubmit_RacingCheckpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Wider exam so many checkpoints race the submission.
	var questions []model.ExamQuestion
	key := model.AnswerKey{}
	for i := 0; i < 40; i++ {
		q := model.ExamQuestion{ID: uuid.New(), Type: model.QuestionTypeMultipleChoice, Options: []string{"A", "B"}}
		questions = append(questions, q)
		key[q.ID] = model.KeyEntry{Correct: []string{"A"}, Points: 1}
	}
	f.exam.Questions = questions
	f.catalog.keys[f.exam.ID] = key
	s := f.start(t)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		score     *model.ScoreResult
	)
	for _, q := range questions {
		wg.Add(1)
		go func(qid uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.Checkpoint(ctx, s.ID, qid, strPtr("A"))
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
			case !errors.Is(err, ErrSessionClosed):
				t.Errorf("Checkpoint: %v", err)
			}
		}(q.ID)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := f.svc.Submit(ctx, s.ID)
		if err != nil {
			t.Errorf("Submit: %v", err)
			return
		}
		mu.Lock()
		score = res
		mu.Unlock()
	}()
	wg.Wait()

	if score == nil {
		t.Fatal("no score")
	}
	if score.Answered != succeeded || score.Correct != succeeded {
		t.Fatalf("score counted %d answers but %d checkpoints succeeded", score.Answered, succeeded)
	}
	answers, _ := f.store.ListAnswers(ctx, s.ID)
	if len(answers) != succeeded {
		t.Fatalf("stored %d answers, %d checkpoints succeeded", len(answers), succeeded)
	}
}

// ─── GradeExpired ──────────────────────────────────────────────────────────

func TestGradeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	if _, err := f.svc.GradeExpired(ctx, s.ID); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}

	if _, err := f.svc.Checkpoint(ctx, s.ID, f.q1, strPtr("B")); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	f.clock.Advance(time.Hour)

	first, err := f.svc.GradeExpired(ctx, s.ID)
	if err != nil {
		t.Fatalf("GradeExpired: %v", err)
	}
	if first.Correct != 1 {
		t.Fatalf("expected last checkpoint to be graded, got %+v", first)
	}

	f.clock.Advance(time.Minute)
	second, err := f.svc.GradeExpired(ctx, s.ID)
	if err != nil {
		t.Fatalf("GradeExpired again: %v", err)
	}
	if !second.ComputedAt.Equal(first.ComputedAt) {
		t.Fatal("regrading must return the stored score")
	}

	stored, _ := f.store.GetByID(ctx, s.ID)
	if stored.Status != model.SessionStatusExpired {
		t.Fatalf("Status = %s, want EXPIRED", stored.Status)
	}
}

func TestGradeExpired_Submitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	if _, err := f.svc.Submit(ctx, s.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.svc.GradeExpired(ctx, s.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

// ─── State & results ───────────────────────────────────────────────────────

func TestState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	if _, err := f.svc.Checkpoint(ctx, s.ID, f.q1, strPtr("D")); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	f.clock.Advance(10 * time.Minute)

	state, err := f.svc.State(ctx, s.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got := state.Answers[f.q1.String()]; got == nil || *got != "D" {
		t.Fatalf("answer for q1 = %v, want D", got)
	}
	if state.RemainingSeconds == nil || *state.RemainingSeconds != 1200 {
		t.Fatalf("RemainingSeconds = %v, want 1200", state.RemainingSeconds)
	}
	if state.Score != nil {
		t.Fatal("in-progress session must not carry a score")
	}

	if _, err := f.svc.Submit(ctx, s.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	state, err = f.svc.State(ctx, s.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Score == nil {
		t.Fatal("submitted session must carry its score")
	}
	if state.RemainingSeconds == nil || *state.RemainingSeconds != 0 {
		t.Fatalf("final session RemainingSeconds = %v, want 0", state.RemainingSeconds)
	}
}

func TestState_NoTimeLimit(t *testing.T) {
	f := newFixture(t)
	f.exam.TimeLimitMinutes = 0
	s := f.start(t)

	state, err := f.svc.State(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.RemainingSeconds != nil {
		t.Fatalf("expected no remaining time, got %v", *state.RemainingSeconds)
	}
}

func TestScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	score, err := f.svc.Score(ctx, s.ID)
	if err != nil || score != nil {
		t.Fatalf("ungraded session: got %v, %v", score, err)
	}
	if _, err := f.svc.Submit(ctx, s.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	score, err = f.svc.Score(ctx, s.ID)
	if err != nil || score == nil {
		t.Fatalf("graded session: got %v, %v", score, err)
	}
	if _, err := f.svc.Score(ctx, uuid.New()); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestVerifyOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	if err := f.svc.VerifyOwner(ctx, s.ID, "alice"); err != nil {
		t.Fatalf("owner rejected: %v", err)
	}
	if err := f.svc.VerifyOwner(ctx, s.ID, "mallory"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession for foreign identity, got %v", err)
	}
	if err := f.svc.VerifyOwner(ctx, uuid.New(), "alice"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession for unknown session, got %v", err)
	}
}

func TestListResults_AppliesExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.catalog.assign("bob", f.exam.ID, 0)

	alice := f.start(t)
	if _, err := f.svc.Submit(ctx, alice.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.clock.Advance(time.Second)
	bob, err := f.svc.StartOrResume(ctx, "bob", f.exam.ID)
	if err != nil {
		t.Fatalf("StartOrResume bob: %v", err)
	}
	f.clock.Advance(time.Hour)

	examID := f.exam.ID
	results, page, err := f.svc.ListResults(ctx, model.ResultFilter{ExamID: &examID})
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if page.TotalItems != 2 || page.TotalPages != 1 || page.PerPage != 10 {
		t.Fatalf("unexpected pagination %+v", page)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	byID := map[uuid.UUID]model.SessionResult{}
	for _, r := range results {
		byID[r.ID] = r
	}
	if byID[alice.ID].Score == nil {
		t.Error("submitted session should include its score")
	}
	if byID[bob.ID].Status != model.SessionStatusExpired {
		t.Errorf("overdue session Status = %s, want EXPIRED", byID[bob.ID].Status)
	}
}

func TestListResults_StatusFilterSeesOverdueSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)
	f.clock.Advance(31 * time.Minute)

	examID := f.exam.ID
	inProgress, page, err := f.svc.ListResults(ctx, model.ResultFilter{ExamID: &examID, Status: model.SessionStatusInProgress})
	if err != nil {
		t.Fatalf("ListResults IN_PROGRESS: %v", err)
	}
	if len(inProgress) != 0 || page.TotalItems != 0 {
		t.Fatalf("overdue session must not be listed as in progress, got %d rows total=%d", len(inProgress), page.TotalItems)
	}

	expired, page, err := f.svc.ListResults(ctx, model.ResultFilter{ExamID: &examID, Status: model.SessionStatusExpired})
	if err != nil {
		t.Fatalf("ListResults EXPIRED: %v", err)
	}
	if len(expired) != 1 || page.TotalItems != 1 || expired[0].ID != s.ID {
		t.Fatalf("expected the overdue session under EXPIRED, got %d rows total=%d", len(expired), page.TotalItems)
	}
	if expired[0].Status != model.SessionStatusExpired {
		t.Fatalf("Status = %s, want EXPIRED", expired[0].Status)
	}
}

func TestListResults_StatusFilterWithoutExam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t)
	f.clock.Advance(31 * time.Minute)

	results, _, err := f.svc.ListResults(ctx, model.ResultFilter{IdentityID: "alice", Status: model.SessionStatusExpired})
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 expired result, got %d", len(results))
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"bob", "carol", "dave"} {
		f.catalog.assign(id, f.exam.ID, 0)
	}

	alice := f.start(t)
	if _, err := f.svc.Submit(ctx, alice.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.svc.StartOrResume(ctx, "bob", f.exam.ID); err != nil {
		t.Fatalf("StartOrResume bob: %v", err)
	}
	f.clock.Advance(20 * time.Minute)
	for _, id := range []string{"carol", "dave"} {
		if _, err := f.svc.StartOrResume(ctx, id, f.exam.ID); err != nil {
			t.Fatalf("StartOrResume %s: %v", id, err)
		}
	}

	snap, err := f.svc.Snapshot(ctx, f.exam.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.InProgress != 3 || snap.Submitted != 1 || snap.Expired != 0 {
		t.Fatalf("snapshot = %+v, want 3 in progress, 1 submitted", snap)
	}

	// bob's 30 minutes run out; carol and dave are still inside theirs.
	f.clock.Advance(11 * time.Minute)
	snap, err = f.svc.Snapshot(ctx, f.exam.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.ExamID != f.exam.ID || !snap.At.Equal(f.clock.Now()) {
		t.Errorf("snapshot header = %s at %v", snap.ExamID, snap.At)
	}
	if snap.InProgress != 2 || snap.Submitted != 1 || snap.Expired != 1 {
		t.Fatalf("snapshot = %+v, want 2 in progress, 1 submitted, 1 expired", snap)
	}
}

func TestActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.catalog.assign("bob", f.exam.ID, 0)

	f.start(t)
	f.clock.Advance(10 * time.Minute)
	if _, err := f.svc.StartOrResume(ctx, "bob", f.exam.ID); err != nil {
		t.Fatalf("StartOrResume bob: %v", err)
	}
	f.clock.Advance(25 * time.Minute)

	activity, err := f.svc.Activity(ctx)
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if activity.InProgress != 2 || activity.Overdue != 1 {
		t.Fatalf("activity = %+v, want 2 in progress with 1 overdue", activity)
	}
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.catalog.assign("bob", f.exam.ID, 0)

	overdue := f.start(t)
	f.clock.Advance(20 * time.Minute)
	fresh, err := f.svc.StartOrResume(ctx, "bob", f.exam.ID)
	if err != nil {
		t.Fatalf("StartOrResume bob: %v", err)
	}
	f.clock.Advance(15 * time.Minute)

	n, err := f.svc.SweepExpired(ctx, 100)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d sessions, want 1", n)
	}

	got, _ := f.store.GetByID(ctx, overdue.ID)
	if got.Status != model.SessionStatusExpired {
		t.Errorf("overdue Status = %s, want EXPIRED", got.Status)
	}
	got, _ = f.store.GetByID(ctx, fresh.ID)
	if got.Status != model.SessionStatusInProgress {
		t.Errorf("fresh Status = %s, want IN_PROGRESS", got.Status)
	}

	n, err = f.svc.SweepExpired(ctx, 100)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
}
