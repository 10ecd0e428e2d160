// Package cancel propagates job cancellation across the worker. A durable
// record in Redis is the side channel every long running step polls; an in
// process registry maps job ids to live renderer processes so they can be
// killed the moment a cancel request arrives.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/manimcat/api/internal/logging"
	"github.com/manimcat/api/internal/model"
)

const DefaultReason = "Cancelled by client"

// Error is returned by checkpoints once a job has been cancelled. It is a
// control flow signal and must never be folded into a retry failure.
type Error struct {
	JobID  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("job %s cancelled: %s", e.JobID, e.Reason)
}

// AsError unwraps err into a cancellation error.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func IsCancelled(err error) bool {
	_, ok := AsError(err)
	return ok
}

// Process is a running child that can be force killed
type Process interface {
	Kill() error
}

// RecordStore persists cancellation records
type RecordStore interface {
	Mark(ctx context.Context, jobID, reason string) error
	Get(ctx context.Context, jobID string) (*model.CancelRecord, error)
	Clear(ctx context.Context, jobID string) error
}

// Coordinator owns the process registry and the cancellation records
type Coordinator struct {
	store RecordStore

	mu     sync.Mutex
	procs  map[string]Process
	killed map[string]bool
}

func NewCoordinator(store RecordStore) *Coordinator {
	return &Coordinator{
		store:  store,
		procs:  make(map[string]Process),
		killed: make(map[string]bool),
	}
}

// Cancel records the cancellation and kills the job's process if one is
// running in this worker. It reports whether a process was killed.
func (c *Coordinator) Cancel(ctx context.Context, jobID, reason string) (bool, error) {
	if reason == "" {
		reason = DefaultReason
	}
	if err := c.store.Mark(ctx, jobID, reason); err != nil {
		return false, fmt.Errorf("failed to mark job cancelled: %w", err)
	}
	return c.Kill(jobID), nil
}

// Kill force kills the registered process of a job, if any.
func (c *Coordinator) Kill(jobID string) bool {
	c.mu.Lock()
	proc, ok := c.procs[jobID]
	if ok {
		c.killed[jobID] = true
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	log := logging.Job("Cancel", jobID)
	if err := proc.Kill(); err != nil {
		log.WithError(err).Warn("Failed to kill renderer process")
	} else {
		log.Info("Renderer process killed")
	}
	return true
}

// Register records the live process of a job. Called right after spawn.
func (c *Coordinator) Register(jobID string, proc Process) {
	c.mu.Lock()
	c.procs[jobID] = proc
	c.mu.Unlock()
}

// Unregister removes proc if it is still the registered process of the job.
func (c *Coordinator) Unregister(jobID string, proc Process) {
	c.mu.Lock()
	if current, ok := c.procs[jobID]; ok && current == proc {
		delete(c.procs, jobID)
	}
	c.mu.Unlock()
}

// Killed reports whether the job's process was deliberately killed.
func (c *Coordinator) Killed(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed[jobID]
}

// Active reports whether a process is registered for the job.
func (c *Coordinator) Active(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.procs[jobID]
	return ok
}

// Record returns the stored cancellation record, nil when not cancelled.
func (c *Coordinator) Record(ctx context.Context, jobID string) (*model.CancelRecord, error) {
	return c.store.Get(ctx, jobID)
}

func (c *Coordinator) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	rec, err := c.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Check is the fail-fast checkpoint run before any real work. It returns an
// *Error when the job has been cancelled. Store failures are logged and treated
// as not cancelled so a Redis blip does not fail healthy jobs.
func (c *Coordinator) Check(ctx context.Context, jobID string) error {
	rec, err := c.store.Get(ctx, jobID)
	if err != nil {
		logging.Job("Cancel", jobID).WithError(err).Warn("Cancellation check failed")
		return nil
	}
	if rec == nil {
		return nil
	}
	reason := rec.Reason
	if reason == "" {
		reason = DefaultReason
	}
	return &Error{JobID: jobID, Reason: reason}
}

// Clear drops the record and the local kill marker once the job is finished.
func (c *Coordinator) Clear(ctx context.Context, jobID string) error {
	c.mu.Lock()
	delete(c.killed, jobID)
	c.mu.Unlock()
	return c.store.Clear(ctx, jobID)
}
