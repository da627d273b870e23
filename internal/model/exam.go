package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// QuestionType enumerates the supported question formats.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeTrueFalse      QuestionType = "TRUE_FALSE"
)

// DefaultPassingScore is the passing percentage used when an exam does not set one.
const DefaultPassingScore = 60

// Exam is the catalog view of an exam consumed by the session manager.
type Exam struct {
	ID               uuid.UUID      `json:"id"`
	Title            string         `json:"title"`
	TimeLimitMinutes int            `json:"time_limit_minutes"`
	PassingScore     *int           `json:"passing_score,omitempty"`
	StartAt          *time.Time     `json:"start_at,omitempty"`
	EndAt            *time.Time     `json:"end_at,omitempty"`
	Questions        []ExamQuestion `json:"questions"`
}

// ExamQuestion is a question reference within an exam, without its answer.
type ExamQuestion struct {
	ID       uuid.UUID    `json:"id"`
	Type     QuestionType `json:"type"`
	Options  []string     `json:"options"`
	OrderNum int          `json:"order_num"`
}

// TimeLimit returns the exam's time limit; zero means unlimited.
func (e *Exam) TimeLimit() time.Duration {
	if e.TimeLimitMinutes <= 0 {
		return 0
	}
	return time.Duration(e.TimeLimitMinutes) * time.Minute
}

// Question looks up a question of the exam by ID.
func (e *Exam) Question(id uuid.UUID) (*ExamQuestion, bool) {
	for i := range e.Questions {
		if e.Questions[i].ID == id {
			return &e.Questions[i], true
		}
	}
	return nil, false
}

// PassMark returns the passing percentage. An unset score falls back to
// DefaultPassingScore; an explicit 0 means every attempt passes.
func (e *Exam) PassMark() int {
	if e.PassingScore == nil {
		return DefaultPassingScore
	}
	return *e.PassingScore
}

// IsAvailable reports whether new attempts may be started at now.
func (e *Exam) IsAvailable(now time.Time) bool {
	if e.StartAt != nil && now.Before(*e.StartAt) {
		return false
	}
	if e.EndAt != nil && now.After(*e.EndAt) {
		return false
	}
	return true
}

// AllowedOptions returns the option values a taker may select.
func (q *ExamQuestion) AllowedOptions() []string {
	if q.Type == QuestionTypeTrueFalse && len(q.Options) == 0 {
		return []string{"True", "False"}
	}
	return q.Options
}

// CanonicalOption matches opt against the allowed options case-insensitively
// and returns the stored spelling. Questions without declared options accept
// any non-empty value as-is.
func (q *ExamQuestion) CanonicalOption(opt string) (string, bool) {
	opt = strings.TrimSpace(opt)
	if opt == "" {
		return "", false
	}
	allowed := q.AllowedOptions()
	if len(allowed) == 0 {
		return opt, true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, opt) {
			return a, true
		}
	}
	return "", false
}

// KeyEntry is the answer key for one question.
type KeyEntry struct {
	Correct []string `json:"correct"`
	Points  float64  `json:"points"`
}

// AnswerKey maps question IDs to their key entries.
type AnswerKey map[uuid.UUID]KeyEntry
