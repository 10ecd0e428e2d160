// Package coderetry runs the generate, render and repair loop. The whole
// conversation with the coder is kept and replayed on every repair so the
// model sees each earlier attempt and the error it produced.
package coderetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/manimcat/api/internal/cancel"
	"github.com/manimcat/api/internal/generator"
	"github.com/manimcat/api/internal/logging"
	"github.com/manimcat/api/internal/model"
	"github.com/manimcat/api/internal/prompt"
)

const DefaultMaxRetries = 4

// ExhaustedError is returned once every render attempt has failed
type ExhaustedError struct {
	Attempts  int
	LastError string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("Code retry failed after %d attempts: %s", e.Attempts, e.LastError)
}

// NonRepairableError stops the loop on failures no code change can fix
type NonRepairableError struct {
	Diagnostic string
}

func (e *NonRepairableError) Error() string {
	return "non-repairable render failure: " + e.Diagnostic
}

// RenderOutcome is what the manager needs to know about one render
type RenderOutcome struct {
	Success      bool
	Cancelled    bool
	TimedOut     bool
	Stderr       string
	Error        string
	PeakMemoryMB float64
}

// RenderFunc renders one candidate. A returned error aborts the loop; a
// failed render is reported through the outcome.
type RenderFunc func(ctx context.Context, code string, attempt int) (*RenderOutcome, error)

// Checker is the cancellation checkpoint
type Checker interface {
	Check(ctx context.Context, jobID string) error
}

// Context is the state of one job's retry loop
type Context struct {
	JobID          string
	Concept        string
	SceneDesign    string
	OutputMode     model.OutputMode
	OriginalPrompt []prompt.Segment
	// Transcript alternates user and assistant turns and only ever grows.
	Transcript []prompt.Turn
	Prompts    *prompt.Library
}

// NewContext builds a retry context whose original prompt is the coder's
// user prompt for the given design.
func NewContext(jobID, concept, sceneDesign string, mode model.OutputMode, lib *prompt.Library) *Context {
	if lib == nil {
		lib = prompt.NewLibrary(nil)
	}
	if strings.TrimSpace(sceneDesign) == "" {
		sceneDesign = "Concept: " + concept
	}
	return &Context{
		JobID:          jobID,
		Concept:        concept,
		SceneDesign:    sceneDesign,
		OutputMode:     mode,
		OriginalPrompt: generator.OriginalPrompt(lib, concept, sceneDesign, mode),
		Prompts:        lib,
	}
}

func (c *Context) record(user []prompt.Segment, code string) {
	c.Transcript = append(c.Transcript,
		prompt.Turn{Role: prompt.User, Segments: user},
		prompt.TextTurn(prompt.Assistant, code),
	)
}

// Result of a retry loop
type Result struct {
	Code           string
	Attempts       int
	GenerationTime time.Duration
	PeakMemoryMB   float64
	LastError      string
}

type Manager struct {
	coder      *generator.Coder
	checker    Checker
	maxRetries int
}

func NewManager(coder *generator.Coder, checker Checker, maxRetries int) *Manager {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Manager{coder: coder, checker: checker, maxRetries: maxRetries}
}

func (m *Manager) MaxRetries() int {
	return m.maxRetries
}

func (m *Manager) check(ctx context.Context, jobID string) error {
	if m.checker == nil {
		return nil
	}
	return m.checker.Check(ctx, jobID)
}

// Run renders seedCode, or freshly generated code when seedCode is blank, and
// repairs it until a render succeeds or 1+MaxRetries renders have been spent.
// On exhaustion the result is returned alongside an *ExhaustedError.
func (m *Manager) Run(ctx context.Context, llm generator.ChatClient, rc *Context, render RenderFunc, seedCode string) (*Result, error) {
	log := logging.Job("CodeRetry", rc.JobID)
	res := &Result{}

	if err := m.check(ctx, rc.JobID); err != nil {
		return res, err
	}

	code := strings.TrimSpace(seedCode)
	if code == "" {
		started := time.Now()
		msgs := rc.Prompts.Materialize([]prompt.Turn{
			{Role: prompt.System, Segments: rc.Prompts.System(prompt.RoleCodeGeneration)},
			{Role: prompt.User, Segments: rc.OriginalPrompt},
		})
		generated, err := m.coder.Complete(ctx, llm, msgs, rc.OutputMode)
		res.GenerationTime += time.Since(started)
		if err != nil {
			return res, err
		}
		code = generated
		log.WithField("codeLength", len(code)).Info("Initial code generated")
	}
	rc.record(rc.OriginalPrompt, code)
	res.Code = code

	diag := ""
	for attempt := 1; attempt <= m.maxRetries+1; attempt++ {
		res.Attempts = attempt

		if attempt > 1 {
			if err := m.check(ctx, rc.JobID); err != nil {
				return res, err
			}
			started := time.Now()
			fixed, err := m.repair(ctx, llm, rc, attempt-1, diag, code)
			res.GenerationTime += time.Since(started)
			if errors.Is(err, generator.ErrEmptyCode) {
				diag = err.Error()
				res.LastError = diag
				log.WithField("attempt", attempt).Warn("Repair returned no code, counting attempt as failed")
				continue
			}
			if err != nil {
				return res, err
			}
			code = fixed
			res.Code = code
		}

		if err := m.check(ctx, rc.JobID); err != nil {
			return res, err
		}
		out, err := render(ctx, code, attempt)
		if err != nil {
			return res, err
		}
		if out.PeakMemoryMB > res.PeakMemoryMB {
			res.PeakMemoryMB = out.PeakMemoryMB
		}
		if out.Success {
			res.LastError = ""
			log.WithField("attempts", attempt).Info("Render succeeded")
			return res, nil
		}
		if out.Cancelled {
			return res, m.cancelled(ctx, rc.JobID)
		}

		diag = diagnose(out)
		res.LastError = diag
		log.WithFields(map[string]interface{}{
			"attempt": attempt,
			"error":   diag,
		}).Warn("Render failed")

		if IsNonRepairable(out.Stderr) || IsNonRepairable(diag) {
			return res, &NonRepairableError{Diagnostic: diag}
		}
	}

	log.WithField("attempts", res.Attempts).Error("All render attempts failed")
	return res, &ExhaustedError{Attempts: res.Attempts, LastError: res.LastError}
}

// repair asks the coder for a fix. The full transcript is replayed, shared
// blocks materialized once across the request.
func (m *Manager) repair(ctx context.Context, llm generator.ChatClient, rc *Context, n int, diag, code string) (string, error) {
	repairPrompt := rc.Prompts.User(prompt.RoleCodeRetry, prompt.ModeVars(rc.OutputMode, prompt.Vars{
		"attempt":      strconv.Itoa(n),
		"concept":      rc.Concept,
		"errorMessage": diag,
		"code":         code,
	}))

	turns := make([]prompt.Turn, 0, len(rc.Transcript)+2)
	turns = append(turns, prompt.Turn{Role: prompt.System, Segments: rc.Prompts.System(prompt.RoleCodeRetry)})
	turns = append(turns, rc.Transcript...)
	turns = append(turns, prompt.Turn{Role: prompt.User, Segments: repairPrompt})

	fixed, err := m.coder.Complete(ctx, llm, rc.Prompts.Materialize(turns), rc.OutputMode)
	if errors.Is(err, generator.ErrEmptyCode) {
		// the exchange happened; it stays in the transcript
		rc.record(repairPrompt, "")
		return "", err
	}
	if err != nil {
		return "", err
	}
	rc.record(repairPrompt, fixed)
	return fixed, nil
}

// cancelled turns a killed render into the coordinator's cancellation error.
func (m *Manager) cancelled(ctx context.Context, jobID string) error {
	if err := m.check(ctx, jobID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("render interrupted: %w", err)
	}
	return &cancel.Error{JobID: jobID, Reason: cancel.DefaultReason}
}

func diagnose(out *RenderOutcome) string {
	if out.TimedOut && out.Error != "" {
		return out.Error
	}
	if strings.TrimSpace(out.Stderr) == "" && out.Error != "" {
		return out.Error
	}
	return ExtractDiagnostic(out.Stderr)
}
