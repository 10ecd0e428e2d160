package service

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manimcat/api/internal/cancel"
	"github.com/manimcat/api/internal/model"
)

type fakeQueue struct {
	tasks      map[string]*asynq.TaskInfo
	enqueued   []*asynq.Task
	deleted    []string
	cancelled  []string
	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{tasks: make(map[string]*asynq.TaskInfo)}
}

func (f *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	f.enqueued = append(f.enqueued, task)
	payload, err := ParseRenderTask(task)
	if err != nil {
		return nil, err
	}
	info := &asynq.TaskInfo{ID: payload.JobID, Queue: "render", Type: task.Type(), State: asynq.TaskStatePending}
	f.tasks[payload.JobID] = info
	return info, nil
}

func (f *fakeQueue) GetTaskInfo(_, id string) (*asynq.TaskInfo, error) {
	info, ok := f.tasks[id]
	if !ok {
		return nil, asynq.ErrTaskNotFound
	}
	return info, nil
}

func (f *fakeQueue) DeleteTask(_, id string) error {
	f.deleted = append(f.deleted, id)
	delete(f.tasks, id)
	return nil
}

func (f *fakeQueue) CancelProcessing(id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

type killable struct{ kills int }

func (k *killable) Kill() error {
	k.kills++
	return nil
}

type serviceFixture struct {
	svc     *JobService
	store   *JobStore
	queue   *fakeQueue
	coord   *cancel.Coordinator
	records *cancel.Store
}

func newServiceFixture(t *testing.T) *serviceFixture {
	_, rdb := newTestRedis(t)
	store := NewJobStore(rdb, 0)
	cstore := cancel.NewStore(rdb, 0)
	coord := cancel.NewCoordinator(cstore)
	queue := newFakeQueue()
	svc := NewJobService(store, coord, queue, queue, QueueOptions{Name: "render"})
	return &serviceFixture{svc: svc, store: store, queue: queue, coord: coord, records: cstore}
}

func TestSubmit_GenerateDefaults(t *testing.T) {
	f := newServiceFixture(t)

	resp, err := f.svc.Submit(context.Background(), &model.GenerateRequest{Concept: "  area of   a circle "})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, model.JobStatusProcessing, resp.Status)
	assert.Len(t, resp.JobID, 36)

	require.Len(t, f.queue.enqueued, 1)
	assert.Equal(t, TaskTypeRender, f.queue.enqueued[0].Type())
	payload, err := ParseRenderTask(f.queue.enqueued[0])
	require.NoError(t, err)
	assert.Equal(t, resp.JobID, payload.JobID)
	assert.Equal(t, model.JobKindGenerate, payload.Kind)
	assert.Equal(t, "area of a circle", payload.Concept)
	assert.Equal(t, model.QualityLow, payload.Quality)
	assert.Equal(t, model.OutputModeVideo, payload.OutputMode)
}

func TestSubmit_CodeSelectsCustomFlow(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Submit(context.Background(), &model.GenerateRequest{
		Concept:     "circle",
		Code:        "class MainScene(Scene): pass\n",
		VideoConfig: &model.VideoConfig{Quality: model.QualityHigh},
	})
	require.NoError(t, err)

	payload, err := ParseRenderTask(f.queue.enqueued[0])
	require.NoError(t, err)
	assert.Equal(t, model.JobKindCode, payload.Kind)
	assert.Equal(t, "class MainScene(Scene): pass", payload.Code)
	assert.Equal(t, model.QualityHigh, payload.Quality)
}

func TestSubmit_Errors(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Submit(context.Background(), &model.GenerateRequest{Concept: " \n\t "})
	assert.ErrorIs(t, err, ErrEmptyConcept)

	boom := errors.New("redis down")
	f.queue.enqueueErr = boom
	_, err = f.svc.Submit(context.Background(), &model.GenerateRequest{Concept: "x"})
	assert.ErrorIs(t, err, boom)
}

func TestModify_QueuesEdit(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Modify(context.Background(), &model.ModifyRequest{
		Concept:      "circle",
		Instructions: " make it blue ",
		Code:         "old",
		OutputMode:   model.OutputModeImage,
	})
	require.NoError(t, err)

	payload, err := ParseRenderTask(f.queue.enqueued[0])
	require.NoError(t, err)
	assert.Equal(t, model.JobKindEdit, payload.Kind)
	assert.Equal(t, "make it blue", payload.EditInstructions)
	assert.Equal(t, "old", payload.Code)
	assert.Equal(t, model.OutputModeImage, payload.OutputMode)
}

func TestGetStatus_QueueStates(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.queue.tasks["a"] = &asynq.TaskInfo{ID: "a", State: asynq.TaskStateActive}
	require.NoError(t, f.store.SetStage(ctx, "a", model.StageRendering))
	st, err := f.svc.GetStatus(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, st.Status)
	assert.Equal(t, model.StageRendering, st.Stage)
	assert.Equal(t, 70, st.Progress)

	for _, state := range []asynq.TaskState{asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry} {
		f.queue.tasks["q"] = &asynq.TaskInfo{ID: "q", State: state}
		st, err = f.svc.GetStatus(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusQueued, st.Status, state.String())
	}
}

func TestGetStatus_StoredResult(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveResult(ctx, &model.JobResult{
		JobID:  "done",
		Status: model.JobStatusCompleted,
		JobOutcome: model.JobOutcome{
			ArtifactURL:    "/videos/done.mp4",
			GenerationType: "cached:ai",
		},
	}))
	f.queue.tasks["done"] = &asynq.TaskInfo{ID: "done", State: asynq.TaskStateCompleted}

	st, err := f.svc.GetStatus(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, st.Status)
	require.NotNil(t, st.JobOutcome)
	assert.Equal(t, "cached:ai", st.GenerationType)

	// result outlives the queue's retention
	delete(f.queue.tasks, "done")
	st, err = f.svc.GetStatus(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, "/videos/done.mp4", st.ArtifactURL)

	_, err = f.svc.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancel_WaitingJobIsRemoved(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.queue.tasks["w"] = &asynq.TaskInfo{ID: "w", State: asynq.TaskStatePending}

	resp, err := f.svc.Cancel(ctx, "w", "")
	require.NoError(t, err)
	assert.Equal(t, model.CancelStateCancelled, resp.State)
	assert.Equal(t, cancel.DefaultReason, resp.Reason)
	assert.Equal(t, "pending", resp.QueueState)
	assert.Equal(t, []string{"w"}, f.queue.deleted)

	// the task will never run, so its record is not kept around
	rec, err := f.records.Get(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, rec)

	res, err := f.store.GetResult(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, res.Status)
	assert.Equal(t, "Job cancelled", res.Error)
	assert.Equal(t, cancel.DefaultReason, res.CancelReason)
}

func TestCancel_ActiveJobIsKilled(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.queue.tasks["a"] = &asynq.TaskInfo{ID: "a", State: asynq.TaskStateActive}
	require.NoError(t, f.store.SetStage(ctx, "a", model.StageRendering))
	proc := &killable{}
	f.coord.Register("a", proc)

	resp, err := f.svc.Cancel(ctx, "a", "wrong concept")
	require.NoError(t, err)
	assert.Equal(t, "wrong concept", resp.Reason)
	assert.Equal(t, 1, proc.kills)
	assert.True(t, f.coord.Killed("a"))
	assert.Equal(t, []string{"a"}, f.queue.cancelled)
	assert.Empty(t, f.queue.deleted)

	assert.Error(t, f.coord.Check(ctx, "a"))
	_, ok, err := f.store.GetStage(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancel_CompletedJob(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveResult(ctx, &model.JobResult{JobID: "c", Status: model.JobStatusCompleted}))

	resp, err := f.svc.Cancel(ctx, "c", "")
	require.NoError(t, err)
	assert.Equal(t, model.CancelStateCompleted, resp.State)

	res, err := f.store.GetResult(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, res.Status)
}

func TestCancel_TerminalFailureKept(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveResult(ctx, &model.JobResult{
		JobID: "f", Status: model.JobStatusFailed,
		JobOutcome: model.JobOutcome{Error: "Code retry failed after 5 attempts: x"},
	}))

	_, err := f.svc.Cancel(ctx, "f", "")
	require.NoError(t, err)

	res, err := f.store.GetResult(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "Code retry failed after 5 attempts: x", res.Error)
	assert.Empty(t, res.CancelReason)
}

func TestCancel_JobWaitingForRetry(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.queue.tasks["r"] = &asynq.TaskInfo{ID: "r", Queue: "render", State: asynq.TaskStateRetry, Retried: 1}
	// a record left behind by an earlier attempt
	require.NoError(t, f.store.SaveResult(ctx, &model.JobResult{
		JobID: "r", Status: model.JobStatusFailed,
		JobOutcome: model.JobOutcome{Error: "LLM request failed: 429"},
	}))

	resp, err := f.svc.Cancel(ctx, "r", "user stop")
	require.NoError(t, err)
	assert.Equal(t, model.CancelStateCancelled, resp.State)
	assert.Equal(t, []string{"r"}, f.queue.deleted)

	status, err := f.svc.GetStatus(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, status.Status)
	assert.Equal(t, "Job cancelled", status.Error)
	assert.Equal(t, "user stop", status.CancelReason)
}

func TestCancel_UnknownJob(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Cancel(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRenderTaskEnvelope(t *testing.T) {
	task, err := NewRenderTask(&model.JobPayload{JobID: "j", Kind: model.JobKindCode, Concept: "c"})
	require.NoError(t, err)
	assert.Contains(t, string(task.Payload()), `"jobId":"j"`)

	payload, err := ParseRenderTask(task)
	require.NoError(t, err)
	assert.Equal(t, model.JobKindCode, payload.Kind)

	_, err = ParseRenderTask(asynq.NewTask(TaskTypeRender, []byte("{")))
	assert.Error(t, err)
}
