package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/repository"
	"golang.org/x/sync/singleflight"
)

// loadTimeout bounds a shared cache-miss load. The load outlives the caller
// that started it, so waiting callers are not failed by its cancellation.
const loadTimeout = 10 * time.Second

// ExamSource is the durable origin of exam catalog data.
type ExamSource interface {
	GetExam(ctx context.Context, id uuid.UUID) (*model.Exam, error)
	GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error)
	GetAssignment(ctx context.Context, identityID string, examID uuid.UUID) (*model.Assignment, error)
}

// ExamCatalogService serves exams and answer keys from Redis, loading them
// from the source on a miss. Assignments are always read from the source.
type ExamCatalogService struct {
	source ExamSource
	rdb    *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	log    zerolog.Logger
}

// NewExamCatalogService creates a new ExamCatalogService. Cached entries
// expire after ttl; zero keeps them until the next Refresh.
func NewExamCatalogService(source ExamSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *ExamCatalogService {
	return &ExamCatalogService{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		log:    log.With().Str("component", "exam_catalog_service").Logger(),
	}
}

var (
	_ ExamCatalog       = (*ExamCatalogService)(nil)
	_ AnswerKeyProvider = (*ExamCatalogService)(nil)
)

// Assignment retrieves the grant of an exam to an identity.
func (s *ExamCatalogService) Assignment(ctx context.Context, identityID string, examID uuid.UUID) (*model.Assignment, error) {
	return s.source.GetAssignment(ctx, identityID, examID)
}

// Exam retrieves an exam with its questions.
func (s *ExamCatalogService) Exam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	key := config.CacheKey.ExamMetaKey(examID.String())

	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var exam model.Exam
		if err := json.Unmarshal(data, &exam); err == nil {
			return &exam, nil
		}
		s.log.Warn().Str("exam_id", examID.String()).Msg("Corrupt exam cache entry, reloading")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Exam cache read failed, using source")
	}

	v, err, _ := s.group.Do("exam:"+examID.String(), func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		exam, err := s.source.GetExam(ctx, examID)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(exam)
		if err != nil {
			return nil, fmt.Errorf("marshal exam: %w", err)
		}
		if err := s.rdb.Set(ctx, key, payload, s.ttl).Err(); err != nil {
			s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to cache exam")
		}
		return exam, nil
	})
	if err != nil {
		return nil, err
	}
	exam := *v.(*model.Exam)
	return &exam, nil
}

// AnswerKey retrieves the answer key of an exam.
func (s *ExamCatalogService) AnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	key := config.CacheKey.ExamAnswerKey(examID.String())

	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Answer key cache read failed, using source")
	} else if len(fields) > 0 {
		if answerKey, err := decodeAnswerKey(fields); err == nil {
			return answerKey, nil
		}
		s.log.Warn().Str("exam_id", examID.String()).Msg("Corrupt answer key cache entry, reloading")
	}

	v, err, _ := s.group.Do("key:"+examID.String(), func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		answerKey, err := s.source.GetAnswerKey(ctx, examID)
		if err != nil {
			return nil, err
		}
		pipe := s.rdb.TxPipeline()
		err = s.queueAnswerKey(ctx, pipe, examID, answerKey)
		if err == nil {
			_, err = pipe.Exec(ctx)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to cache answer key")
		}
		return answerKey, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(model.AnswerKey), nil
}

// Refresh reloads an exam and its answer key from the source into Redis.
// An exam that no longer exists is evicted and reported as ErrNotFound.
func (s *ExamCatalogService) Refresh(ctx context.Context, examID uuid.UUID) error {
	metaKey := config.CacheKey.ExamMetaKey(examID.String())
	hashKey := config.CacheKey.ExamAnswerKey(examID.String())

	exam, err := s.source.GetExam(ctx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			if derr := s.rdb.Del(ctx, metaKey, hashKey).Err(); derr != nil {
				return fmt.Errorf("evict exam cache: %w", derr)
			}
		}
		return err
	}
	answerKey, err := s.source.GetAnswerKey(ctx, examID)
	if err != nil {
		return fmt.Errorf("get answer key: %w", err)
	}

	payload, err := json.Marshal(exam)
	if err != nil {
		return fmt.Errorf("marshal exam: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, metaKey, payload, s.ttl)
	if err := s.queueAnswerKey(ctx, pipe, examID, answerKey); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}

	s.log.Info().
		Str("exam_id", examID.String()).
		Int("questions", len(exam.Questions)).
		Msg("Exam cache refreshed")
	return nil
}

// queueAnswerKey queues a replacement of the cached hash. Fields are
// question IDs, values are JSON-encoded key entries.
func (s *ExamCatalogService) queueAnswerKey(ctx context.Context, pipe redis.Pipeliner, examID uuid.UUID, answerKey model.AnswerKey) error {
	key := config.CacheKey.ExamAnswerKey(examID.String())
	pipe.Del(ctx, key)
	if len(answerKey) == 0 {
		return nil
	}

	fields := make(map[string]interface{}, len(answerKey))
	for qid, entry := range answerKey {
		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal key entry: %w", err)
		}
		fields[qid.String()] = string(encoded)
	}
	pipe.HSet(ctx, key, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	return nil
}

func decodeAnswerKey(fields map[string]string) (model.AnswerKey, error) {
	answerKey := make(model.AnswerKey, len(fields))
	for field, raw := range fields {
		qid, err := uuid.Parse(field)
		if err != nil {
			return nil, err
		}
		var entry model.KeyEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, err
		}
		answerKey[qid] = entry
	}
	return answerKey, nil
}
