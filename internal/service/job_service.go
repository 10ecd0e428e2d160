package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/manimcat/api/internal/cancel"
	"github.com/manimcat/api/internal/config"
	"github.com/manimcat/api/internal/logging"
	"github.com/manimcat/api/internal/model"
)

const (
	TaskTypeRender       = "render:process"
	TaskTypeMediaCleanup = "media:cleanup"
)

var ErrEmptyConcept = errors.New("empty concept provided")

// TaskEnqueuer is the part of asynq.Client the service uses
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is the part of asynq.Inspector the service uses
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
}

// Canceller records cancellations and kills local renderer processes
type Canceller interface {
	Cancel(ctx context.Context, jobID, reason string) (bool, error)
	Clear(ctx context.Context, jobID string) error
}

// QueueOptions are the enqueue settings of render tasks
type QueueOptions struct {
	Name        string
	MaxAttempts int
	Timeout     time.Duration
	Retention   time.Duration
}

func QueueOptionsFromConfig(cfg *config.QueueConfig) QueueOptions {
	return QueueOptions{
		Name:        cfg.Name,
		MaxAttempts: cfg.MaxAttempts,
		Timeout:     cfg.Timeout,
		Retention:   DefaultResultTTL,
	}
}

// JobService handles job submission, status and cancellation
type JobService struct {
	store     *JobStore
	cancels   Canceller
	enqueuer  TaskEnqueuer
	inspector TaskInspector
	queue     QueueOptions
}

func NewJobService(store *JobStore, cancels Canceller, enqueuer TaskEnqueuer, inspector TaskInspector, queue QueueOptions) *JobService {
	if queue.Name == "" {
		queue.Name = "render"
	}
	if queue.MaxAttempts <= 0 {
		queue.MaxAttempts = 3
	}
	if queue.Timeout <= 0 {
		queue.Timeout = 10 * time.Minute
	}
	return &JobService{
		store:     store,
		cancels:   cancels,
		enqueuer:  enqueuer,
		inspector: inspector,
		queue:     queue,
	}
}

// Submit queues a generation job. A request carrying code skips generation
// and renders that code directly.
func (s *JobService) Submit(ctx context.Context, req *model.GenerateRequest) (*model.SubmitResponse, error) {
	concept := sanitizeConcept(req.Concept)
	if concept == "" {
		return nil, ErrEmptyConcept
	}

	payload := &model.JobPayload{
		Kind:            model.JobKindGenerate,
		Concept:         concept,
		Quality:         qualityOrDefault(req.Quality, req.VideoConfig),
		OutputMode:      outputModeOrDefault(req.OutputMode),
		ForceRefresh:    req.ForceRefresh,
		ReferenceImages: req.ReferenceImages,
		ModelOverride:   req.ModelOverride,
		PromptOverrides: req.PromptOverrides,
		VideoConfig:     req.VideoConfig,
	}
	if code := strings.TrimSpace(req.Code); code != "" {
		payload.Kind = model.JobKindCode
		payload.Code = code
	}

	return s.enqueue(ctx, payload, "Animation generation started")
}

// Modify queues an AI edit of existing code.
func (s *JobService) Modify(ctx context.Context, req *model.ModifyRequest) (*model.SubmitResponse, error) {
	concept := sanitizeConcept(req.Concept)
	if concept == "" {
		return nil, ErrEmptyConcept
	}

	payload := &model.JobPayload{
		Kind:             model.JobKindEdit,
		Concept:          concept,
		Quality:          qualityOrDefault(req.Quality, req.VideoConfig),
		OutputMode:       outputModeOrDefault(req.OutputMode),
		Code:             req.Code,
		EditInstructions: strings.TrimSpace(req.Instructions),
		ModelOverride:    req.ModelOverride,
		PromptOverrides:  req.PromptOverrides,
		VideoConfig:      req.VideoConfig,
	}

	return s.enqueue(ctx, payload, "Animation modification started")
}

func (s *JobService) enqueue(ctx context.Context, payload *model.JobPayload, message string) (*model.SubmitResponse, error) {
	payload.JobID = uuid.New().String()
	payload.SubmittedAt = time.Now()

	task, err := NewRenderTask(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	_, err = s.enqueuer.EnqueueContext(ctx, task,
		asynq.Queue(s.queue.Name),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(s.queue.MaxAttempts-1),
		asynq.Timeout(s.queue.Timeout),
		asynq.Retention(s.queue.Retention),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	logging.Job("JobService", payload.JobID).WithFields(map[string]interface{}{
		"kind":       payload.Kind,
		"quality":    payload.Quality,
		"outputMode": payload.OutputMode,
	}).Info("Job queued")

	return &model.SubmitResponse{
		Success: true,
		JobID:   payload.JobID,
		Status:  model.JobStatusProcessing,
		Message: message,
	}, nil
}

// GetStatus combines the live queue state with the stored result. Jobs the
// queue no longer knows and that have no result are ErrJobNotFound.
func (s *JobService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	info, err := s.taskInfo(jobID)
	if err != nil {
		return nil, err
	}

	if info != nil {
		switch info.State {
		case asynq.TaskStateActive:
			return s.liveStatus(ctx, jobID, model.JobStatusProcessing), nil
		case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
			return s.liveStatus(ctx, jobID, model.JobStatusQueued), nil
		}
	}

	result, err := s.store.GetResult(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read job result: %w", err)
	}
	if result == nil {
		if info == nil {
			return nil, ErrJobNotFound
		}
		return s.liveStatus(ctx, jobID, model.JobStatusProcessing), nil
	}

	outcome := result.JobOutcome
	return &model.JobStatusResponse{
		JobID:      jobID,
		Status:     result.Status,
		JobOutcome: &outcome,
	}, nil
}

func (s *JobService) liveStatus(ctx context.Context, jobID string, status model.JobStatus) *model.JobStatusResponse {
	resp := &model.JobStatusResponse{JobID: jobID, Status: status}
	stage, ok, err := s.store.GetStage(ctx, jobID)
	if err != nil {
		logging.Job("JobService", jobID).WithError(err).Warn("Failed to read job stage")
		return resp
	}
	if ok {
		resp.Stage = stage
		resp.Progress = stage.Progress()
	}
	return resp
}

// Cancel stops a job wherever it is. Waiting tasks are removed from the
// queue, active ones are killed, and a failed result is stored unless the
// job already completed.
func (s *JobService) Cancel(ctx context.Context, jobID, reason string) (*model.CancelResponse, error) {
	log := logging.Job("JobService", jobID)

	existing, err := s.store.GetResult(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read job result: %w", err)
	}
	if existing != nil && existing.Status == model.JobStatusCompleted {
		return &model.CancelResponse{JobID: jobID, State: model.CancelStateCompleted}, nil
	}

	info, err := s.taskInfo(jobID)
	if err != nil {
		return nil, err
	}
	if info == nil && existing == nil {
		return nil, ErrJobNotFound
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = cancel.DefaultReason
	}
	killed, err := s.cancels.Cancel(ctx, jobID, reason)
	if err != nil {
		return nil, err
	}

	resp := &model.CancelResponse{JobID: jobID, State: model.CancelStateCancelled, Reason: reason}
	if info != nil {
		resp.QueueState = info.State.String()
		switch info.State {
		case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
			if err := s.inspector.DeleteTask(s.queue.Name, jobID); err != nil && !isTaskGone(err) {
				log.WithError(err).Warn("Failed to remove waiting task")
			} else if err := s.cancels.Clear(ctx, jobID); err != nil {
				log.WithError(err).Warn("Failed to clear cancel record")
			}
			log.WithField("queueState", resp.QueueState).Info("Removed waiting job")
		case asynq.TaskStateActive:
			if err := s.inspector.CancelProcessing(jobID); err != nil {
				log.WithError(err).Warn("Failed to signal task cancellation")
			}
			log.WithField("killed", killed).Info("Signalled active job cancellation")
		}
	} else if err := s.cancels.Clear(ctx, jobID); err != nil {
		log.WithError(err).Warn("Failed to clear cancel record")
	}

	// A failed record of a task the queue still holds is not terminal; the
	// cancellation replaces it.
	if existing == nil || existing.Status != model.JobStatusFailed || isLive(info) {
		failed := &model.JobResult{
			JobID:  jobID,
			Status: model.JobStatusFailed,
			JobOutcome: model.JobOutcome{
				Error:        "Job cancelled",
				CancelReason: reason,
			},
		}
		if err := s.store.SaveResult(ctx, failed); err != nil {
			return nil, fmt.Errorf("failed to store cancelled result: %w", err)
		}
	}
	if err := s.store.DeleteStage(ctx, jobID); err != nil {
		log.WithError(err).Warn("Failed to delete job stage")
	}

	return resp, nil
}

// isLive reports whether the queue may still run the task.
func isLive(info *asynq.TaskInfo) bool {
	if info == nil {
		return false
	}
	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry, asynq.TaskStateActive:
		return true
	}
	return false
}

// taskInfo returns nil when the queue does not know the task.
func (s *JobService) taskInfo(jobID string) (*asynq.TaskInfo, error) {
	info, err := s.inspector.GetTaskInfo(s.queue.Name, jobID)
	if err != nil {
		if isTaskGone(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to inspect task: %w", err)
	}
	return info, nil
}

func isTaskGone(err error) bool {
	return errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound)
}

// NewRenderTask wraps a job payload into the queue task envelope.
func NewRenderTask(payload *model.JobPayload) (*asynq.Task, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	taskPayload := map[string]interface{}{
		"jobId":   payload.JobID,
		"payload": json.RawMessage(payloadBytes),
	}
	data, err := json.Marshal(taskPayload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRender, data), nil
}

// ParseRenderTask is the inverse of NewRenderTask.
func ParseRenderTask(t *asynq.Task) (*model.JobPayload, error) {
	var taskPayload struct {
		JobID   string          `json:"jobId"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(t.Payload(), &taskPayload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	var payload model.JobPayload
	if err := json.Unmarshal(taskPayload.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
	}
	if payload.JobID == "" {
		payload.JobID = taskPayload.JobID
	}
	return &payload, nil
}

func sanitizeConcept(concept string) string {
	return strings.Join(strings.Fields(concept), " ")
}

func qualityOrDefault(q model.Quality, vc *model.VideoConfig) model.Quality {
	if vc != nil && vc.Quality != "" {
		return vc.Quality
	}
	if q == "" {
		return model.QualityLow
	}
	return q
}

func outputModeOrDefault(m model.OutputMode) model.OutputMode {
	if m == "" {
		return model.OutputModeVideo
	}
	return m
}
