package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/model"
)

const publishTimeout = 2 * time.Second

// MonitorService fans session lifecycle events out over Redis Pub/Sub for
// the live exam monitor.
type MonitorService struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(rdb *redis.Client, log zerolog.Logger) *MonitorService {
	return &MonitorService{
		rdb: rdb,
		log: log.With().Str("component", "monitor_service").Logger(),
	}
}

var _ EventPublisher = (*MonitorService)(nil)

// PublishSessionEvent publishes event on the exam's monitor channel.
func (s *MonitorService) PublishSessionEvent(ctx context.Context, event model.SessionEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to encode session event")
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	channel := config.CacheKey.ExamMonitorChannel(event.ExamID.String())
	if err := s.rdb.Publish(pubCtx, channel, payload).Err(); err != nil {
		s.log.Warn().Err(err).
			Str("session_id", event.SessionID.String()).
			Str("type", string(event.Type)).
			Msg("Failed to publish session event")
	}
}

// Subscribe opens a subscription to the exam's monitor channel. The caller
// closes the returned PubSub.
func (s *MonitorService) Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	return s.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID.String()))
}
