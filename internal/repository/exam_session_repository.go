package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exam-session-backend/internal/model"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const sessionColumns = `id, identity_id, exam_id, started_at, last_checkpoint_at, status, time_limit_seconds, ended_at`

// ExamSessionRepository is the PostgreSQL SessionStore.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

var _ SessionStore = (*ExamSessionRepository)(nil)

func scanSession(row pgx.Row) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := row.Scan(&s.ID, &s.IdentityID, &s.ExamID, &s.StartedAt, &s.LastCheckpointAt, &s.Status, &s.TimeLimitSeconds, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a session by its ID.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
}

// FindActive retrieves the in-progress session for an identity-exam pair.
func (r *ExamSessionRepository) FindActive(ctx context.Context, identityID string, examID uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE identity_id = $1 AND exam_id = $2 AND status = $3`,
		identityID, examID, model.SessionStatusInProgress))
}

// CountSubmitted counts submitted attempts for an identity-exam pair.
func (r *ExamSessionRepository) CountSubmitted(ctx context.Context, identityID string, examID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM exam_sessions
		 WHERE identity_id = $1 AND exam_id = $2 AND status = $3`,
		identityID, examID, model.SessionStatusSubmitted,
	).Scan(&n)
	return n, err
}

// Create inserts a new in-progress session. The partial unique index on
// (identity_id, exam_id) WHERE status = 'IN_PROGRESS' turns a concurrent
// duplicate into ErrConflict.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (identity_id, exam_id, status, started_at, time_limit_seconds)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (identity_id, exam_id) WHERE status = 'IN_PROGRESS' DO NOTHING
		 RETURNING id`,
		s.IdentityID, s.ExamID, model.SessionStatusInProgress, s.StartedAt, s.TimeLimitSeconds,
	).Scan(&s.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrConflict
		}
		return err
	}
	s.Status = model.SessionStatusInProgress
	return nil
}

// lockStatus locks the session row for the rest of tx and returns its status.
func lockStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.SessionStatus, error) {
	var status model.SessionStatus
	err := tx.QueryRow(ctx, `SELECT status FROM exam_sessions WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

// UpsertAnswer creates or replaces the answer for (session, question).
func (r *ExamSessionRepository) UpsertAnswer(ctx context.Context, rec *model.AnswerRecord) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		status, err := lockStatus(ctx, tx, rec.SessionID)
		if err != nil {
			return err
		}
		if status != model.SessionStatusInProgress {
			return ErrStateChanged
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO answer_records (session_id, question_id, selected_option, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id, question_id) DO UPDATE
			 SET selected_option = EXCLUDED.selected_option, updated_at = EXCLUDED.updated_at`,
			rec.SessionID, rec.QuestionID, rec.SelectedOption, rec.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert answer: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE exam_sessions SET last_checkpoint_at = $2 WHERE id = $1`,
			rec.SessionID, rec.UpdatedAt)
		return err
	})
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listAnswers(ctx context.Context, q querier, sessionID uuid.UUID) ([]model.AnswerRecord, error) {
	rows, err := q.Query(ctx,
		`SELECT session_id, question_id, selected_option, updated_at
		 FROM answer_records
		 WHERE session_id = $1
		 ORDER BY updated_at, question_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.AnswerRecord
	for rows.Next() {
		var a model.AnswerRecord
		if err := rows.Scan(&a.SessionID, &a.QuestionID, &a.SelectedOption, &a.UpdatedAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// ListAnswers retrieves all answer records of a session.
func (r *ExamSessionRepository) ListAnswers(ctx context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error) {
	return listAnswers(ctx, r.pool, sessionID)
}

// MarkExpired transitions an in-progress session to EXPIRED.
func (r *ExamSessionRepository) MarkExpired(ctx context.Context, id uuid.UUID, endedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $2, ended_at = $3
		 WHERE id = $1 AND status = $4`,
		id, model.SessionStatusExpired, endedAt, model.SessionStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Finalize grades a session inside a transaction holding the session row lock.
func (r *ExamSessionRepository) Finalize(ctx context.Context, id uuid.UUID, req FinalizeRequest) (*model.ScoreResult, error) {
	var result model.ScoreResult
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		status, err := lockStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != req.From {
			return ErrStateChanged
		}

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM session_scores WHERE session_id = $1)`, id,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrConflict
		}

		answers, err := listAnswers(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("list answers: %w", err)
		}
		result = req.Grade(answers)
		result.SessionID = id

		items, err := json.Marshal(result.Items)
		if err != nil {
			return fmt.Errorf("marshal score items: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO session_scores
			 (session_id, correct, answered, total_questions, earned_points, max_points, percentage, passed, items, computed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			id, result.Correct, result.Answered, result.TotalQuestions, result.EarnedPoints,
			result.MaxPoints, result.Percentage, result.Passed, items, result.ComputedAt,
		); err != nil {
			return fmt.Errorf("insert score: %w", err)
		}

		if req.To != req.From {
			if _, err := tx.Exec(ctx,
				`UPDATE exam_sessions SET status = $2, ended_at = $3 WHERE id = $1`,
				id, req.To, req.At,
			); err != nil {
				return fmt.Errorf("update session status: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

const scoreColumns = `session_id, correct, answered, total_questions, earned_points, max_points, percentage, passed, items, computed_at`

func scanScore(row pgx.Row) (*model.ScoreResult, error) {
	var (
		s     model.ScoreResult
		items []byte
	)
	err := row.Scan(&s.SessionID, &s.Correct, &s.Answered, &s.TotalQuestions, &s.EarnedPoints,
		&s.MaxPoints, &s.Percentage, &s.Passed, &items, &s.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &s.Items); err != nil {
			return nil, fmt.Errorf("unmarshal score items: %w", err)
		}
	}
	return &s, nil
}

// GetScore retrieves the stored score of a session.
func (r *ExamSessionRepository) GetScore(ctx context.Context, sessionID uuid.UUID) (*model.ScoreResult, error) {
	return scanScore(r.pool.QueryRow(ctx,
		`SELECT `+scoreColumns+` FROM session_scores WHERE session_id = $1`, sessionID))
}

// ListOverdue returns IDs of in-progress sessions past their time limit.
func (r *ExamSessionRepository) ListOverdue(ctx context.Context, now time.Time, examID *uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM exam_sessions
		 WHERE status = $1
		   AND time_limit_seconds > 0
		   AND started_at + make_interval(secs => time_limit_seconds) < $2
		   AND ($3::uuid IS NULL OR exam_id = $3)
		 ORDER BY started_at
		 LIMIT $4`,
		model.SessionStatusInProgress, now, examID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountOverdue counts in-progress sessions past their time limit.
func (r *ExamSessionRepository) CountOverdue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM exam_sessions
		 WHERE status = $1
		   AND time_limit_seconds > 0
		   AND started_at + make_interval(secs => time_limit_seconds) < $2`,
		model.SessionStatusInProgress, now).Scan(&n)
	return n, err
}

// ListResults retrieves sessions with their scores, filtered and paginated.
func (r *ExamSessionRepository) ListResults(ctx context.Context, filter model.ResultFilter) ([]model.SessionResult, int64, error) {
	page, perPage := normalizePage(filter.Page, filter.PerPage)

	baseQuery := `
		FROM exam_sessions es
		LEFT JOIN session_scores sc ON sc.session_id = es.id
		WHERE TRUE
	`
	var args []any

	if filter.ExamID != nil {
		args = append(args, *filter.ExamID)
		baseQuery += fmt.Sprintf(" AND es.exam_id = $%d", len(args))
	}
	if filter.IdentityID != "" {
		args = append(args, filter.IdentityID)
		baseQuery += fmt.Sprintf(" AND es.identity_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		baseQuery += fmt.Sprintf(" AND es.status = $%d", len(args))
	}

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT es.id, es.identity_id, es.exam_id, es.started_at, es.last_checkpoint_at,
		       es.status, es.time_limit_seconds, es.ended_at,
		       sc.session_id, sc.correct, sc.answered, sc.total_questions, sc.earned_points,
		       sc.max_points, sc.percentage, sc.passed, sc.computed_at
		` + baseQuery + fmt.Sprintf(`
		ORDER BY es.started_at DESC, es.id
		LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []model.SessionResult
	for rows.Next() {
		var (
			res        model.SessionResult
			scoreID    *uuid.UUID
			correct    *int
			answered   *int
			totalQ     *int
			earned     *float64
			maxPoints  *float64
			percentage *float64
			passed     *bool
			computedAt *time.Time
		)
		if err := rows.Scan(
			&res.ID, &res.IdentityID, &res.ExamID, &res.StartedAt, &res.LastCheckpointAt,
			&res.Status, &res.TimeLimitSeconds, &res.EndedAt,
			&scoreID, &correct, &answered, &totalQ, &earned, &maxPoints, &percentage, &passed, &computedAt,
		); err != nil {
			return nil, 0, err
		}
		if scoreID != nil {
			res.Score = &model.ScoreResult{
				SessionID:      *scoreID,
				Correct:        *correct,
				Answered:       *answered,
				TotalQuestions: *totalQ,
				EarnedPoints:   *earned,
				MaxPoints:      *maxPoints,
				Percentage:     *percentage,
				Passed:         *passed,
				ComputedAt:     *computedAt,
			}
		}
		results = append(results, res)
	}
	return results, total, rows.Err()
}
