package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/manimcat/api/internal/cancel"
	"github.com/manimcat/api/internal/client"
	"github.com/manimcat/api/internal/coderetry"
	"github.com/manimcat/api/internal/generator"
	"github.com/manimcat/api/internal/logging"
	"github.com/manimcat/api/internal/model"
	"github.com/manimcat/api/internal/prompt"
	"github.com/manimcat/api/internal/renderer"
	"github.com/manimcat/api/internal/service"
)

// WebSocket error codes
const (
	ErrCodeJobCancelled = "JOB_CANCELLED"
	ErrCodeJobFailed    = "JOB_FAILED"
)

// Broadcaster pushes job updates to websocket subscribers
type Broadcaster interface {
	BroadcastStage(jobID string, stage model.ProcessingStage)
	BroadcastComplete(jobID string, result interface{})
	BroadcastError(jobID string, code, message string)
}

// Renderer runs one render attempt
type Renderer interface {
	Execute(ctx context.Context, code string, opts renderer.Options) (*renderer.Result, error)
}

// LLMProvider returns the chat client every LLM call of a job goes through
type LLMProvider func(override *model.ModelOverride) generator.ChatClient

// DefaultLLM derives per-job clients from the process wide client.
func DefaultLLM(base *client.LLMClient) LLMProvider {
	return func(override *model.ModelOverride) generator.ChatClient {
		return base.WithOverride(override)
	}
}

// Settings are the worker's filesystem and render defaults
type Settings struct {
	MediaDir            string
	FrameRate           int
	RenderTimeout       time.Duration
	StillRenderingAfter time.Duration
	MaxRetries          int
}

// Deps wires the render worker
type Deps struct {
	Store     *service.JobStore
	Cache     *service.ConceptCache
	Cancels   *cancel.Coordinator
	LLM       LLMProvider
	Generator generator.Settings
	Renderer  Renderer
	Storage   client.StorageClient
	Events    client.EventPublisher
	Hub       Broadcaster
	Settings  Settings
}

// RenderWorker processes render jobs
type RenderWorker struct {
	store    *service.JobStore
	cache    *service.ConceptCache
	cancels  *cancel.Coordinator
	llm      LLMProvider
	designer *generator.Designer
	editor   *generator.Editor
	retry    *coderetry.Manager
	renderer Renderer
	storage  client.StorageClient
	events   client.EventPublisher
	hub      Broadcaster
	settings Settings
	// retries reads the attempt number and retry budget of the running task
	retries func(ctx context.Context) (count, limit int, ok bool)
}

func asynqRetries(ctx context.Context) (int, int, bool) {
	count, _ := asynq.GetRetryCount(ctx)
	limit, ok := asynq.GetMaxRetry(ctx)
	return count, limit, ok
}

// NewRenderWorker creates a new render worker
func NewRenderWorker(d Deps) *RenderWorker {
	if d.Events == nil {
		d.Events = client.NoopPublisher{}
	}
	if d.Settings.MediaDir == "" {
		d.Settings.MediaDir = "./public"
	}
	if d.Settings.StillRenderingAfter <= 0 {
		d.Settings.StillRenderingAfter = 45 * time.Second
	}
	coder := generator.NewCoder(d.Generator)
	return &RenderWorker{
		store:    d.Store,
		cache:    d.Cache,
		cancels:  d.Cancels,
		llm:      d.LLM,
		designer: generator.NewDesigner(d.Generator),
		editor:   generator.NewEditor(coder),
		retry:    coderetry.NewManager(coder, d.Cancels, d.Settings.MaxRetries),
		renderer: d.Renderer,
		storage:  d.Storage,
		events:   d.Events,
		hub:      d.Hub,
		settings: d.Settings,
		retries:  asynqRetries,
	}
}

// jobRun is the per-task state threaded through a flow
type jobRun struct {
	payload *model.JobPayload
	log     *logrus.Entry
	prompts *prompt.Library
	llm     generator.ChatClient
	timings model.Timings

	// local artifacts of the last successful render
	videoPath  string
	imagePaths []string
	cacheable  bool
}

func (j *jobRun) track(name string, started time.Time) {
	j.timings[name] += time.Since(started).Milliseconds()
}

func (w *RenderWorker) newJobRun(payload *model.JobPayload) *jobRun {
	j := &jobRun{
		payload: payload,
		log:     logging.Job("RenderWorker", payload.JobID),
		prompts: prompt.NewLibrary(payload.PromptOverrides),
		timings: model.Timings{},
	}
	if w.llm != nil {
		j.llm = w.llm(payload.ModelOverride)
	}
	return j
}

// ProcessTask handles render task processing. The error of the last attempt
// leaves a failed record behind; errors no queue retry can fix are marked
// SkipRetry.
func (w *RenderWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := service.ParseRenderTask(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	job := w.newJobRun(payload)
	job.log.WithFields(logrus.Fields{
		"kind":       payload.Kind,
		"quality":    payload.Quality,
		"outputMode": payload.OutputMode,
	}).Info("Processing job")

	outcome, err := w.process(ctx, job)
	if err != nil {
		return w.fail(ctx, job, err)
	}
	return w.complete(ctx, job, outcome)
}

func (w *RenderWorker) process(ctx context.Context, job *jobRun) (*model.JobOutcome, error) {
	if err := w.cancels.Check(ctx, job.payload.JobID); err != nil {
		return nil, err
	}

	switch job.payload.Kind {
	case model.JobKindGenerate, "":
		return w.runGenerationFlow(ctx, job)
	case model.JobKindCode:
		return w.runCodeFlow(ctx, job)
	case model.JobKindEdit:
		return w.runEditFlow(ctx, job)
	}
	return nil, fmt.Errorf("unknown job kind %q: %w", job.payload.Kind, asynq.SkipRetry)
}

// complete caches and persists the successful result and notifies
// subscribers.
func (w *RenderWorker) complete(ctx context.Context, job *jobRun, outcome *model.JobOutcome) error {
	jobID := job.payload.JobID

	started := time.Now()
	if job.cacheable && w.cache != nil {
		err := w.cache.Store(ctx, job.payload.Concept, job.payload.Quality, &model.CacheEntry{
			JobID:          jobID,
			OutputMode:     outcome.OutputMode,
			Code:           outcome.Code,
			ArtifactURL:    outcome.ArtifactURL,
			ImageURLs:      outcome.ImageURLs,
			GenerationType: outcome.GenerationType,
			UsedAI:         outcome.UsedAI,
		})
		if err != nil {
			job.log.WithError(err).Warn("Failed to cache result")
		}
	}
	job.track("store", started)

	var total int64
	for name, ms := range job.timings {
		if name != "total" {
			total += ms
		}
	}
	job.timings["total"] = total
	outcome.Timings = job.timings

	result := &model.JobResult{
		JobID:      jobID,
		Status:     model.JobStatusCompleted,
		JobOutcome: *outcome,
	}
	if err := w.store.SaveResult(ctx, result); err != nil {
		return fmt.Errorf("failed to store job result: %w", err)
	}
	if err := w.store.DeleteStage(ctx, jobID); err != nil {
		job.log.WithError(err).Warn("Failed to delete job stage")
	}
	if err := w.cancels.Clear(ctx, jobID); err != nil {
		job.log.WithError(err).Warn("Failed to clear cancel record")
	}

	job.log.WithFields(logrus.Fields{
		"generationType": outcome.GenerationType,
		"attempts":       outcome.Attempts,
		"timings":        job.timings,
	}).Info("Job completed")

	w.hub.BroadcastComplete(jobID, result)
	w.publish(ctx, job, client.JobEvent{
		Type:           client.EventJobCompleted,
		Status:         string(model.JobStatusCompleted),
		GenerationType: outcome.GenerationType,
		ArtifactURL:    outcome.ArtifactURL,
		ImageURLs:      outcome.ImageURLs,
	})
	return nil
}

// fail is the single failure handler of the worker.
func (w *RenderWorker) fail(ctx context.Context, job *jobRun, err error) error {
	jobID := job.payload.JobID
	retryCount, maxRetry, hasMax := w.retries(ctx)

	// the task context is usually dead by now; bookkeeping must still happen
	ctx = context.WithoutCancel(ctx)

	ce, cancelled := cancel.AsError(err)
	if !cancelled && errors.Is(err, context.Canceled) {
		if cerr := w.cancels.Check(ctx, jobID); cerr != nil {
			ce, cancelled = cancel.AsError(cerr)
		}
	}

	result := &model.JobResult{JobID: jobID, Status: model.JobStatusFailed}
	var (
		exhausted     *coderetry.ExhaustedError
		nonRepairable *coderetry.NonRepairableError
	)
	switch {
	case cancelled:
		result.Error = "Job cancelled"
		result.CancelReason = ce.Reason
	case errors.As(err, &exhausted):
		result.Error = err.Error()
		result.Details = exhausted.LastError
		result.Attempts = exhausted.Attempts
	case errors.As(err, &nonRepairable):
		result.Error = "Render environment error"
		result.Details = nonRepairable.Diagnostic
	default:
		result.Error = err.Error()
	}
	result.Timings = job.timings

	skip := cancelled || exhausted != nil || nonRepairable != nil || errors.Is(err, asynq.SkipRetry)
	final := skip || !hasMax || retryCount >= maxRetry

	// between attempts the job is still queued; only the last failure is stored
	if final {
		if serr := w.store.SaveResult(ctx, result); serr != nil {
			job.log.WithError(serr).Error("Failed to store failed result")
		}
	}
	if derr := w.store.DeleteStage(ctx, jobID); derr != nil {
		job.log.WithError(derr).Warn("Failed to delete job stage")
	}

	entry := job.log.WithError(err).WithFields(logrus.Fields{
		"retryCount": retryCount,
		"final":      final,
		"timings":    job.timings,
	})
	if cancelled {
		if cerr := w.cancels.Clear(ctx, jobID); cerr != nil {
			job.log.WithError(cerr).Warn("Failed to clear cancel record")
		}
		entry.WithField("reason", ce.Reason).Info("Job cancelled")
	} else {
		entry.Error("Job failed")
	}

	if final {
		code := ErrCodeJobFailed
		message := result.Error
		if cancelled {
			code = ErrCodeJobCancelled
			message = ce.Reason
		}
		w.hub.BroadcastError(jobID, code, message)
		w.publish(ctx, job, client.JobEvent{
			Type:         client.EventJobFailed,
			Status:       string(model.JobStatusFailed),
			Error:        result.Error,
			CancelReason: result.CancelReason,
		})
	}

	if skip && !errors.Is(err, asynq.SkipRetry) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

func (w *RenderWorker) publish(ctx context.Context, job *jobRun, event client.JobEvent) {
	event.JobID = job.payload.JobID
	event.Timestamp = time.Now()
	if err := w.events.Publish(ctx, event); err != nil {
		job.log.WithError(err).Warn("Failed to publish job event")
	}
}

func (w *RenderWorker) setStage(ctx context.Context, job *jobRun, stage model.ProcessingStage) {
	if err := w.store.SetStage(ctx, job.payload.JobID, stage); err != nil {
		job.log.WithError(err).Warn("Failed to store job stage")
	}
	w.hub.BroadcastStage(job.payload.JobID, stage)
}

func (w *RenderWorker) videoPath(jobID string) string {
	return filepath.Join(w.settings.MediaDir, "videos", jobID+".mp4")
}

func (w *RenderWorker) imagePath(jobID string, index int) string {
	return filepath.Join(w.settings.MediaDir, "images", fmt.Sprintf("%s-%d.png", jobID, index))
}
