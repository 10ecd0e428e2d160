package worker

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/manimcat/api/internal/coderetry"
	"github.com/manimcat/api/internal/model"
	"github.com/manimcat/api/internal/renderer"
)

// renderWithRetry runs the retry manager with the render function of the
// job's output mode, then uploads the artifacts of the successful attempt.
// Time spent in LLM calls is added to the genKey timing.
func (w *RenderWorker) renderWithRetry(ctx context.Context, job *jobRun, rc *coderetry.Context, seed, genKey string) (*model.JobOutcome, error) {
	p := job.payload

	render := w.videoRender(job)
	if p.OutputMode == model.OutputModeImage {
		render = w.imageRender(job)
	}

	res, err := w.retry.Run(ctx, job.llm, rc, render, seed)
	if res != nil && res.GenerationTime > 0 {
		job.timings[genKey] += res.GenerationTime.Milliseconds()
	}
	if err != nil {
		return nil, err
	}

	if err := w.cancels.Check(ctx, p.JobID); err != nil {
		return nil, err
	}

	outcome := &model.JobOutcome{
		Code:         res.Code,
		Quality:      p.Quality,
		OutputMode:   p.OutputMode,
		Attempts:     res.Attempts,
		PeakMemoryMB: res.PeakMemoryMB,
	}
	started := time.Now()
	err = w.upload(ctx, job, outcome)
	job.track("upload", started)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (w *RenderWorker) renderOptions(job *jobRun, format renderer.Format) renderer.Options {
	p := job.payload
	opts := renderer.Options{
		JobID:     p.JobID,
		Quality:   p.Quality,
		Format:    format,
		FrameRate: w.settings.FrameRate,
		Timeout:   w.settings.RenderTimeout,
	}
	if vc := p.VideoConfig; vc != nil {
		if vc.FrameRate > 0 {
			opts.FrameRate = vc.FrameRate
		}
		if vc.TimeoutSeconds > 0 {
			opts.Timeout = time.Duration(vc.TimeoutSeconds) * time.Second
		}
	}
	return opts
}

// beginRender marks the job as rendering and arms the still-rendering
// notice. Once the returned func has returned the notice can no longer be
// sent.
func (w *RenderWorker) beginRender(ctx context.Context, job *jobRun) func() {
	w.setStage(ctx, job, model.StageRendering)

	var (
		mu   sync.Mutex
		done bool
	)
	timer := time.AfterFunc(w.settings.StillRenderingAfter, func() {
		mu.Lock()
		defer mu.Unlock()
		if done || ctx.Err() != nil {
			return
		}
		w.setStage(ctx, job, model.StageStillRendering)
	})
	return func() {
		timer.Stop()
		mu.Lock()
		done = true
		mu.Unlock()
	}
}

func (w *RenderWorker) videoRender(job *jobRun) coderetry.RenderFunc {
	return func(ctx context.Context, code string, attempt int) (*coderetry.RenderOutcome, error) {
		stop := w.beginRender(ctx, job)
		defer stop()

		opts := w.renderOptions(job, renderer.FormatMP4)
		opts.OutputPath = w.videoPath(job.payload.JobID)

		started := time.Now()
		res, err := w.renderer.Execute(ctx, code, opts)
		job.track("render", started)
		if err != nil {
			return nil, err
		}
		if res.Success {
			job.videoPath = res.OutputPath
		} else if !res.Cancelled {
			w.setStage(ctx, job, model.StageRefining)
		}
		job.log.WithFields(map[string]interface{}{
			"attempt":      attempt,
			"success":      res.Success,
			"peakMemoryMB": res.PeakMemoryMB,
		}).Info("Video render attempt finished")
		return outcomeOf(res), nil
	}
}

// imageRender renders every anchored block as its own still. Anchor
// violations fail the attempt without spawning a renderer so the coder can
// repair them.
func (w *RenderWorker) imageRender(job *jobRun) coderetry.RenderFunc {
	return func(ctx context.Context, code string, attempt int) (*coderetry.RenderOutcome, error) {
		jobID := job.payload.JobID

		blocks, err := renderer.ParseImageBlocks(code)
		if err != nil {
			job.log.WithError(err).WithField("attempt", attempt).Warn("Image code rejected")
			w.setStage(ctx, job, model.StageRefining)
			return &coderetry.RenderOutcome{Stderr: err.Error(), Error: err.Error()}, nil
		}

		stop := w.beginRender(ctx, job)
		defer stop()

		out := &coderetry.RenderOutcome{}
		paths := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if err := w.cancels.Check(ctx, jobID); err != nil {
				return nil, err
			}

			opts := w.renderOptions(job, renderer.FormatPNG)
			opts.SceneName = block.SceneName
			opts.OutputPath = w.imagePath(jobID, block.Index)

			started := time.Now()
			res, err := w.renderer.Execute(ctx, block.Code, opts)
			job.track("render", started)
			if err != nil {
				return nil, err
			}
			if res.PeakMemoryMB > out.PeakMemoryMB {
				out.PeakMemoryMB = res.PeakMemoryMB
			}
			if !res.Success {
				failed := outcomeOf(res)
				failed.PeakMemoryMB = out.PeakMemoryMB
				if !failed.Cancelled {
					failed.Error = fmt.Sprintf("Image %d render failed: %s", block.Index, res.Error)
					w.setStage(ctx, job, model.StageRefining)
				}
				return failed, nil
			}
			paths = append(paths, res.OutputPath)
		}

		job.imagePaths = paths
		out.Success = true
		job.log.WithFields(map[string]interface{}{
			"attempt": attempt,
			"images":  len(paths),
		}).Info("Image render attempt finished")
		return out, nil
	}
}

func outcomeOf(res *renderer.Result) *coderetry.RenderOutcome {
	return &coderetry.RenderOutcome{
		Success:      res.Success,
		Cancelled:    res.Cancelled,
		TimedOut:     res.TimedOut,
		Stderr:       res.Stderr,
		Error:        res.Error,
		PeakMemoryMB: res.PeakMemoryMB,
	}
}

// upload publishes the local artifacts. Without object storage they are
// served by the static /videos and /images routes.
func (w *RenderWorker) upload(ctx context.Context, job *jobRun, outcome *model.JobOutcome) error {
	if job.payload.OutputMode == model.OutputModeImage {
		for _, local := range job.imagePaths {
			url, err := w.publishFile(ctx, local, "images")
			if err != nil {
				return err
			}
			outcome.ImageURLs = append(outcome.ImageURLs, url)
		}
		return nil
	}

	url, err := w.publishFile(ctx, job.videoPath, "videos")
	if err != nil {
		return err
	}
	outcome.ArtifactURL = url
	return nil
}

func (w *RenderWorker) publishFile(ctx context.Context, local, prefix string) (string, error) {
	key := path.Join(prefix, filepath.Base(local))
	if w.storage == nil {
		return "/" + key, nil
	}
	url, err := w.storage.UploadFile(ctx, local, key)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to %s: %w", key, w.storage.Name(), err)
	}
	return url, nil
}
