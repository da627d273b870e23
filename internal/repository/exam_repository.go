package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exam-session-backend/internal/model"
)

// ExamRepository reads the exam catalog: exams, their questions and the
// assignments granting identities access to them.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetExam retrieves an exam with its questions ordered by order_num.
func (r *ExamRepository) GetExam(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, time_limit_minutes, passing_score, start_at, end_at
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.TimeLimitMinutes, &e.PassingScore, &e.StartAt, &e.EndAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, question_type, options, order_num
		 FROM questions
		 WHERE exam_id = $1
		 ORDER BY order_num, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var q model.ExamQuestion
		if err := rows.Scan(&q.ID, &q.Type, &q.Options, &q.OrderNum); err != nil {
			return nil, err
		}
		e.Questions = append(e.Questions, q)
	}
	return e, rows.Err()
}

// GetAnswerKey retrieves the correct options and points of every question in an exam.
func (r *ExamRepository) GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, correct_options, points::float8
		 FROM questions WHERE exam_id = $1`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	key := make(model.AnswerKey)
	for rows.Next() {
		var (
			id    uuid.UUID
			entry model.KeyEntry
		)
		if err := rows.Scan(&id, &entry.Correct, &entry.Points); err != nil {
			return nil, err
		}
		key[id] = entry
	}
	return key, rows.Err()
}

// GetAssignment retrieves the grant of an exam to an identity.
func (r *ExamRepository) GetAssignment(ctx context.Context, identityID string, examID uuid.UUID) (*model.Assignment, error) {
	a := &model.Assignment{}
	err := r.pool.QueryRow(ctx,
		`SELECT identity_id, exam_id, assigned_at, due_at, attempts_allowed
		 FROM exam_assignments
		 WHERE identity_id = $1 AND exam_id = $2`, identityID, examID,
	).Scan(&a.IdentityID, &a.ExamID, &a.AssignedAt, &a.DueAt, &a.AttemptsAllowed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// UpsertAssignment grants an exam to an identity, replacing an existing grant.
func (r *ExamRepository) UpsertAssignment(ctx context.Context, a *model.Assignment) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_assignments (identity_id, exam_id, due_at, attempts_allowed)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (identity_id, exam_id) DO UPDATE
		 SET due_at = EXCLUDED.due_at, attempts_allowed = EXCLUDED.attempts_allowed
		 RETURNING assigned_at`,
		a.IdentityID, a.ExamID, a.DueAt, a.AttemptsAllowed,
	).Scan(&a.AssignedAt)
}
