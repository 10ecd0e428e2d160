package worker

import (
	"context"
	"strings"
	"time"

	"github.com/manimcat/api/internal/coderetry"
	"github.com/manimcat/api/internal/generator"
	"github.com/manimcat/api/internal/model"
)

// Generation types reported in job results
const (
	GenerationTypeAI         = "ai"
	GenerationTypeCustomAPI  = "custom-api"
	GenerationTypeCustomCode = "custom-code"
	GenerationTypeAIEdit     = "ai-edit"
	cachedPrefix             = "cached:"
)

func aiGenerationType(p *model.JobPayload) string {
	if p.ModelOverride != nil {
		return GenerationTypeCustomAPI
	}
	return GenerationTypeAI
}

// runGenerationFlow: cache lookup, scene design, code generation with
// repair, upload.
func (w *RenderWorker) runGenerationFlow(ctx context.Context, job *jobRun) (*model.JobOutcome, error) {
	p := job.payload

	if outcome := w.lookupCache(ctx, job); outcome != nil {
		return outcome, nil
	}

	w.setStage(ctx, job, model.StageAnalyzing)
	if err := w.cancels.Check(ctx, p.JobID); err != nil {
		return nil, err
	}
	started := time.Now()
	design, err := w.designer.Design(ctx, job.llm, generator.DesignRequest{
		JobID:           p.JobID,
		Concept:         p.Concept,
		OutputMode:      p.OutputMode,
		ReferenceImages: p.ReferenceImages,
		Prompts:         job.prompts,
	})
	job.track("analysis", started)
	if err != nil {
		return nil, err
	}

	if err := w.cancels.Check(ctx, p.JobID); err != nil {
		return nil, err
	}
	w.setStage(ctx, job, model.StageGenerating)
	rc := coderetry.NewContext(p.JobID, p.Concept, design, p.OutputMode, job.prompts)
	outcome, err := w.renderWithRetry(ctx, job, rc, "", "generation")
	if err != nil {
		return nil, err
	}

	outcome.UsedAI = true
	outcome.GenerationType = aiGenerationType(p)
	job.cacheable = p.PromptOverrides.IsEmpty()
	return outcome, nil
}

// runCodeFlow renders caller supplied code. The retry manager is seeded with
// it, so failures still get repaired.
func (w *RenderWorker) runCodeFlow(ctx context.Context, job *jobRun) (*model.JobOutcome, error) {
	p := job.payload

	rc := coderetry.NewContext(p.JobID, p.Concept, "", p.OutputMode, job.prompts)
	outcome, err := w.renderWithRetry(ctx, job, rc, p.Code, "generation")
	if err != nil {
		return nil, err
	}
	outcome.UsedAI = outcome.Attempts > 1
	outcome.GenerationType = GenerationTypeCustomCode
	return outcome, nil
}

// runEditFlow applies the caller's instructions to existing code in one LLM
// call, then renders the edited code through the retry manager.
func (w *RenderWorker) runEditFlow(ctx context.Context, job *jobRun) (*model.JobOutcome, error) {
	p := job.payload

	w.setStage(ctx, job, model.StageGenerating)
	started := time.Now()
	edited, err := w.editor.Edit(ctx, job.llm, generator.EditRequest{
		JobID:        p.JobID,
		Concept:      p.Concept,
		Instructions: p.EditInstructions,
		Code:         p.Code,
		OutputMode:   p.OutputMode,
		Prompts:      job.prompts,
	})
	job.track("edit", started)
	if err != nil {
		return nil, err
	}

	if err := w.cancels.Check(ctx, p.JobID); err != nil {
		return nil, err
	}
	rc := coderetry.NewContext(p.JobID, p.Concept, "", p.OutputMode, job.prompts)
	outcome, err := w.renderWithRetry(ctx, job, rc, edited, "edit")
	if err != nil {
		return nil, err
	}
	outcome.UsedAI = true
	outcome.GenerationType = GenerationTypeAIEdit
	return outcome, nil
}

// lookupCache returns a completed outcome on a cache hit. Entries of another
// output mode are treated as misses.
func (w *RenderWorker) lookupCache(ctx context.Context, job *jobRun) *model.JobOutcome {
	p := job.payload
	if w.cache == nil || p.ForceRefresh || !p.PromptOverrides.IsEmpty() {
		return nil
	}

	started := time.Now()
	entry := w.cache.Lookup(ctx, p.Concept, p.Quality)
	job.track("cache", started)
	if entry == nil {
		job.log.Debug("Cache miss")
		return nil
	}
	if entry.OutputMode != "" && entry.OutputMode != p.OutputMode {
		job.log.WithField("cachedMode", entry.OutputMode).Debug("Cache entry has another output mode")
		return nil
	}

	job.log.WithField("originalJobId", entry.JobID).Info("Cache hit")
	generationType := entry.GenerationType
	if !strings.HasPrefix(generationType, cachedPrefix) {
		generationType = cachedPrefix + generationType
	}
	return &model.JobOutcome{
		ArtifactURL:    entry.ArtifactURL,
		ImageURLs:      entry.ImageURLs,
		Code:           entry.Code,
		UsedAI:         entry.UsedAI,
		Quality:        p.Quality,
		OutputMode:     p.OutputMode,
		GenerationType: generationType,
	}
}
