// Package generator turns a concept into renderer source in two LLM calls:
// a designer that writes a scene design and a coder that writes the code.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/manimcat/api/internal/client"
	"github.com/manimcat/api/internal/config"
	"github.com/manimcat/api/internal/logging"
	"github.com/manimcat/api/internal/model"
	"github.com/manimcat/api/internal/prompt"
)

var (
	ErrEmptyDesign = errors.New("designer returned an empty scene design")
	ErrEmptyCode   = errors.New("LLM returned no code")
)

// ChatClient is the LLM call the generator needs
type ChatClient interface {
	Chat(ctx context.Context, req client.ChatRequest) (string, error)
}

// Settings are the sampling parameters of both stages
type Settings struct {
	DesignerTemperature float64
	DesignerMaxTokens   int
	CoderTemperature    float64
	CoderMaxTokens      int
}

func SettingsFromConfig(cfg *config.LLMConfig) Settings {
	s := Settings{
		DesignerTemperature: cfg.DesignerTemperature,
		DesignerMaxTokens:   cfg.DesignerMaxTokens,
		CoderTemperature:    cfg.CoderTemperature,
		CoderMaxTokens:      cfg.CoderMaxTokens,
	}
	if s.DesignerMaxTokens <= 0 {
		s.DesignerMaxTokens = 12000
	}
	if s.CoderMaxTokens <= 0 {
		s.CoderMaxTokens = 1200
	}
	return s
}

// NewSeed returns a short random seed used to vary layout between runs.
func NewSeed() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ToChat converts materialized prompt messages to the client wire type.
func ToChat(msgs []prompt.Message) []client.ChatMessage {
	out := make([]client.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = client.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// DesignRequest is the input of stage 1
type DesignRequest struct {
	JobID           string
	Concept         string
	OutputMode      model.OutputMode
	ReferenceImages []model.ReferenceImage
	Prompts         *prompt.Library
}

type Designer struct {
	settings Settings
}

func NewDesigner(settings Settings) *Designer {
	return &Designer{settings: settings}
}

// Design produces the scene design. Reference images are sent as vision
// parts; a model that rejects them gets the same prompt again as plain text.
func (d *Designer) Design(ctx context.Context, llm ChatClient, req DesignRequest) (string, error) {
	log := logging.Job("SceneDesigner", req.JobID)
	lib := req.Prompts
	if lib == nil {
		lib = prompt.NewLibrary(nil)
	}

	seed := NewSeed()
	system := lib.Text(lib.System(prompt.RoleConceptDesigner))
	user := lib.Text(lib.User(prompt.RoleConceptDesigner, prompt.ModeVars(req.OutputMode, prompt.Vars{
		"concept": req.Concept,
		"seed":    seed,
	})))

	log.WithFields(map[string]interface{}{
		"seed":      seed,
		"hasImages": len(req.ReferenceImages) > 0,
	}).Info("Generating scene design")

	chatReq := client.ChatRequest{
		Messages: []client.ChatMessage{
			{Role: prompt.System, Content: system},
			{Role: prompt.User, Content: visionContent(user, req.ReferenceImages)},
		},
		Temperature: d.settings.DesignerTemperature,
		MaxTokens:   d.settings.DesignerMaxTokens,
	}

	content, err := llm.Chat(ctx, chatReq)
	if err != nil && len(req.ReferenceImages) > 0 && shouldRetryWithoutImages(err) {
		log.WithError(err).Warn("Model rejected image input, retrying with text only")
		chatReq.Messages[1].Content = user
		content, err = llm.Chat(ctx, chatReq)
	}
	if err != nil {
		return "", fmt.Errorf("LLM request failed: %w", err)
	}

	design := ExtractDesign(content)
	if design == "" {
		return "", ErrEmptyDesign
	}
	log.WithField("designLength", len(design)).Info("Scene design generated")
	return design, nil
}

func visionContent(text string, images []model.ReferenceImage) interface{} {
	if len(images) == 0 {
		return text
	}
	parts := []client.ContentPart{{
		Type: "text",
		Text: text + "\n\nReference images are attached. Base the design on the objects, structure and relationships they show.",
	}}
	for _, img := range images {
		detail := img.Detail
		if detail == "" {
			detail = model.ImageDetailAuto
		}
		parts = append(parts, client.ContentPart{
			Type:     "image_url",
			ImageURL: &client.ImageURL{URL: img.URL, Detail: string(detail)},
		})
	}
	return parts
}

// Coder runs stage 2 calls: initial generation and repairs share it
type Coder struct {
	settings Settings
}

func NewCoder(settings Settings) *Coder {
	return &Coder{settings: settings}
}

// Complete sends messages and extracts code from the answer.
func (c *Coder) Complete(ctx context.Context, llm ChatClient, msgs []prompt.Message, mode model.OutputMode) (string, error) {
	content, err := llm.Chat(ctx, client.ChatRequest{
		Messages:    ToChat(msgs),
		Temperature: c.settings.CoderTemperature,
		MaxTokens:   c.settings.CoderMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("LLM request failed: %w", err)
	}
	code := ExtractCode(content, mode)
	if code == "" {
		return "", ErrEmptyCode
	}
	return code, nil
}

// OriginalPrompt builds the stage 2 user prompt that seeds a retry transcript.
func OriginalPrompt(lib *prompt.Library, concept, sceneDesign string, mode model.OutputMode) []prompt.Segment {
	return lib.User(prompt.RoleCodeGeneration, prompt.ModeVars(mode, prompt.Vars{
		"concept":     concept,
		"seed":        NewSeed(),
		"sceneDesign": sceneDesign,
	}))
}

// EditRequest is the input of an AI edit
type EditRequest struct {
	JobID        string
	Concept      string
	Instructions string
	Code         string
	OutputMode   model.OutputMode
	Prompts      *prompt.Library
}

// Editor rewrites existing code following user instructions in one call
type Editor struct {
	coder *Coder
}

func NewEditor(coder *Coder) *Editor {
	return &Editor{coder: coder}
}

func (e *Editor) Edit(ctx context.Context, llm ChatClient, req EditRequest) (string, error) {
	lib := req.Prompts
	if lib == nil {
		lib = prompt.NewLibrary(nil)
	}
	msgs := lib.Materialize([]prompt.Turn{
		{Role: prompt.System, Segments: lib.System(prompt.RoleCodeEdit)},
		{Role: prompt.User, Segments: lib.User(prompt.RoleCodeEdit, prompt.ModeVars(req.OutputMode, prompt.Vars{
			"concept":      req.Concept,
			"instructions": req.Instructions,
			"code":         req.Code,
		}))},
	})

	logging.Job("CodeEditor", req.JobID).WithField("outputMode", req.OutputMode).Info("Editing code")
	return e.coder.Complete(ctx, llm, msgs, req.OutputMode)
}
