package cancel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manimcat/api/internal/model"
	"github.com/redis/go-redis/v9"
)

const DefaultRecordTTL = 7 * 24 * time.Hour

// Store persists cancellation records in Redis so they survive worker restarts
type Store struct {
	redis redis.Cmdable
	ttl   time.Duration
}

func NewStore(redisClient redis.Cmdable, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &Store{redis: redisClient, ttl: ttl}
}

func recordKey(jobID string) string {
	return fmt.Sprintf("job:cancel:%s", jobID)
}

// Mark writes the cancellation record for a job.
func (s *Store) Mark(ctx context.Context, jobID, reason string) error {
	data, err := json.Marshal(&model.CancelRecord{
		JobID:     jobID,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, recordKey(jobID), data, s.ttl).Err()
}

// Get returns the record for a job, or nil when the job was never cancelled.
func (s *Store) Get(ctx context.Context, jobID string) (*model.CancelRecord, error) {
	data, err := s.redis.Get(ctx, recordKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var rec model.CancelRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode cancel record: %w", err)
	}
	return &rec, nil
}

func (s *Store) Clear(ctx context.Context, jobID string) error {
	return s.redis.Del(ctx, recordKey(jobID)).Err()
}
