package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manimcat/api/internal/model"
)

const DefaultResultTTL = 24 * time.Hour

var ErrJobNotFound = errors.New("job not found")

// JobStore keeps terminal results and advisory stage labels in Redis
type JobStore struct {
	redis redis.Cmdable
	ttl   time.Duration
}

func NewJobStore(redisClient redis.Cmdable, ttl time.Duration) *JobStore {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &JobStore{redis: redisClient, ttl: ttl}
}

func resultKey(jobID string) string {
	return fmt.Sprintf("job:result:%s", jobID)
}

func stageKey(jobID string) string {
	return fmt.Sprintf("job:stage:%s", jobID)
}

// SaveResult writes the terminal record of a job, replacing any earlier one.
func (s *JobStore) SaveResult(ctx context.Context, result *model.JobResult) error {
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}
	return s.redis.Set(ctx, resultKey(result.JobID), data, s.ttl).Err()
}

// GetResult returns the stored result, or nil when the job has none yet.
func (s *JobStore) GetResult(ctx context.Context, jobID string) (*model.JobResult, error) {
	data, err := s.redis.Get(ctx, resultKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var result model.JobResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode job result: %w", err)
	}
	return &result, nil
}

func (s *JobStore) SetStage(ctx context.Context, jobID string, stage model.ProcessingStage) error {
	return s.redis.Set(ctx, stageKey(jobID), string(stage), s.ttl).Err()
}

// GetStage returns the last stage label. Unknown or missing labels come back
// as false.
func (s *JobStore) GetStage(ctx context.Context, jobID string) (model.ProcessingStage, bool, error) {
	raw, err := s.redis.Get(ctx, stageKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	stage, ok := model.ParseStage(raw)
	return stage, ok, nil
}

func (s *JobStore) DeleteStage(ctx context.Context, jobID string) error {
	return s.redis.Del(ctx, stageKey(jobID)).Err()
}
