// Package renderer supervises the external Manim renderer: it spawns one
// process per attempt, samples the memory of its whole process tree, enforces
// a wall clock timeout and lets the cancellation coordinator kill it.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/manimcat/api/internal/cancel"
	"github.com/manimcat/api/internal/logging"
	"github.com/manimcat/api/internal/model"
)

// Format of the renderer output
type Format string

const (
	FormatMP4 Format = "mp4"
	FormatPNG Format = "png"
)

const (
	DefaultSceneName      = "MainScene"
	DefaultFrameRate      = 15
	DefaultTimeout        = 10 * time.Minute
	DefaultSampleInterval = 2 * time.Second
)

// Registry is the process registry side of the cancellation coordinator
type Registry interface {
	Register(jobID string, proc cancel.Process)
	Unregister(jobID string, proc cancel.Process)
	Killed(jobID string) bool
}

// Config holds process wide renderer settings
type Config struct {
	Binary              string
	WorkDir             string
	Timeout             time.Duration
	FrameRate           int
	SampleInterval      time.Duration
	StdoutLogInterval   time.Duration
	ProgressLogInterval time.Duration
}

// Options describe a single render attempt
type Options struct {
	JobID      string
	Quality    model.Quality
	FrameRate  int
	Format     Format
	SceneName  string
	Timeout    time.Duration
	OutputPath string
}

// Result of one render attempt
type Result struct {
	Success      bool
	State        State
	Cancelled    bool
	TimedOut     bool
	ExitCode     int
	Error        string
	Stdout       string
	Stderr       string
	PeakMemoryMB float64
	OutputPath   string
	Duration     time.Duration
}

// Diagnostic returns the text the repair prompt is built from.
func (r *Result) Diagnostic() string {
	if r.Error == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Error
	}
	return r.Stderr + "\n" + r.Error
}

type Supervisor struct {
	cfg      Config
	registry Registry
	sampler  MemorySampler
}

func NewSupervisor(cfg Config, registry Registry, sampler MemorySampler) *Supervisor {
	if cfg.Binary == "" {
		cfg.Binary = "manim"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.StdoutLogInterval <= 0 {
		cfg.StdoutLogInterval = 5 * time.Second
	}
	if cfg.ProgressLogInterval <= 0 {
		cfg.ProgressLogInterval = 3 * time.Second
	}
	if sampler == nil {
		sampler = NewTreeSampler()
	}
	return &Supervisor{cfg: cfg, registry: registry, sampler: sampler}
}

func (s *Supervisor) withDefaults(opts Options) Options {
	if opts.Format == "" {
		opts.Format = FormatMP4
	}
	if opts.Quality == "" {
		opts.Quality = model.QualityLow
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = s.cfg.FrameRate
	}
	if opts.SceneName == "" {
		opts.SceneName = DefaultSceneName
	}
	if opts.Timeout <= 0 {
		opts.Timeout = s.cfg.Timeout
	}
	return opts
}

// Execute renders code in a private temp dir and, on success, copies the
// artifact to opts.OutputPath. The temp dir is always removed. A non-nil error
// means the attempt could not be set up; renderer failures are reported in
// the Result.
func (s *Supervisor) Execute(ctx context.Context, code string, opts Options) (*Result, error) {
	opts = s.withDefaults(opts)
	log := logging.Job("Renderer", opts.JobID)

	if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	tempDir, err := os.MkdirTemp(s.cfg.WorkDir, "manim-"+opts.JobID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			log.WithError(err).Warn("Failed to remove render temp dir")
		}
	}()

	codeFile := filepath.Join(tempDir, "scene.py")
	if err := os.WriteFile(codeFile, []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write scene file: %w", err)
	}
	mediaDir := filepath.Join(tempDir, "media")

	args := BuildArgs(opts, codeFile, mediaDir)
	log.WithField("args", args).Info("Starting renderer")

	res := s.run(ctx, opts, tempDir, args)
	log.WithFields(map[string]interface{}{
		"state":        res.State.String(),
		"exitCode":     res.ExitCode,
		"peakMemoryMB": res.PeakMemoryMB,
		"duration":     res.Duration.String(),
	}).Info("Renderer finished")

	if !res.Success {
		return res, nil
	}

	out, err := findOutput(mediaDir, codeFile, opts)
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		return res, nil
	}
	if opts.OutputPath != "" {
		if err := copyFile(out, opts.OutputPath); err != nil {
			return res, fmt.Errorf("failed to copy render output: %w", err)
		}
		res.OutputPath = opts.OutputPath
	}
	return res, nil
}

func (s *Supervisor) run(ctx context.Context, opts Options, dir string, args []string) *Result {
	log := logging.Job("Renderer", opts.JobID)
	started := time.Now()

	stdout := newStreamWriter("stdout", log, s.cfg.StdoutLogInterval, s.cfg.ProgressLogInterval)
	stderr := newStreamWriter("stderr", log, s.cfg.StdoutLogInterval, s.cfg.ProgressLogInterval)

	cmd := exec.Command(s.cfg.Binary, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return &Result{
			State:    StateCompleted,
			ExitCode: -1,
			Error:    fmt.Sprintf("failed to start renderer: %v", err),
			Duration: time.Since(started),
		}
	}

	proc := newProcess(cmd)
	if s.registry != nil {
		s.registry.Register(opts.JobID, proc)
		defer s.registry.Unregister(opts.JobID, proc)
	}
	proc.start()

	stopSampling := make(chan struct{})
	samplerDone := make(chan struct{})
	var peak int64
	go func() {
		defer close(samplerDone)
		ticker := time.NewTicker(s.cfg.SampleInterval)
		defer ticker.Stop()
		sample := func() {
			if b, err := s.sampler.Sample(cmd.Process.Pid); err == nil && b > peak {
				peak = b
			}
		}
		sample()
		for {
			select {
			case <-stopSampling:
				return
			case <-ticker.C:
				sample()
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		if proc.timeout() {
			log.WithField("timeout", opts.Timeout.String()).Warn("Renderer timed out, killing process tree")
		}
		waitErr = <-done
	case <-ctx.Done():
		_ = proc.Kill()
		waitErr = <-done
	}
	proc.exited()

	close(stopSampling)
	<-samplerDone

	res := &Result{
		State:        proc.State(),
		ExitCode:     exitCode(cmd, waitErr),
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
		PeakMemoryMB: float64(peak) / (1024 * 1024),
		Duration:     time.Since(started),
	}

	switch {
	case res.State == StateKilled || (s.registry != nil && s.registry.Killed(opts.JobID)):
		res.Cancelled = true
		res.Error = "Render cancelled"
	case res.State == StateTimedOut:
		res.TimedOut = true
		res.Error = fmt.Sprintf("Render timed out after %s", opts.Timeout)
	case waitErr != nil:
		res.Error = fmt.Sprintf("renderer exited with code %d", res.ExitCode)
	default:
		res.Success = true
	}
	return res
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
