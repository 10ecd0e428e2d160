package generator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manimcat/api/internal/client"
	"github.com/manimcat/api/internal/model"
	"github.com/manimcat/api/internal/prompt"
)

type fakeLLM struct {
	replies []string
	errs    []error
	calls   []client.ChatRequest
}

func (f *fakeLLM) Chat(_ context.Context, req client.ChatRequest) (string, error) {
	i := len(f.calls)
	f.calls = append(f.calls, req)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return "", nil
}

var testSettings = Settings{DesignerTemperature: 0.8, DesignerMaxTokens: 12000, CoderTemperature: 0.7, CoderMaxTokens: 1200}

func TestExtractCode_Video(t *testing.T) {
	anchored := "<think>plan</think>Sure!\n### START ###\nclass MainScene(Scene): pass\n### END ###\n```python\nother\n```"
	assert.Equal(t, "class MainScene(Scene): pass", ExtractCode(anchored, model.OutputModeVideo))

	fenced := "Here:\n```python\nprint(1)\n```\nbye"
	assert.Equal(t, "print(1)", ExtractCode(fenced, model.OutputModeVideo))

	assert.Equal(t, "raw code", ExtractCode("  raw code \n", model.OutputModeVideo))
}

func TestExtractCode_ImageVerbatim(t *testing.T) {
	text := "<think>x</think>\n### YON_IMAGE_1_START ###\nclass A(Scene): pass\n### YON_IMAGE_1_END ###\n"
	assert.Equal(t, "### YON_IMAGE_1_START ###\nclass A(Scene): pass\n### YON_IMAGE_1_END ###", ExtractCode(text, model.OutputModeImage))
}

func TestExtractDesign(t *testing.T) {
	assert.Equal(t, "shot 1\n\nshot 2", ExtractDesign("<think>hmm</think>intro <DESIGN>\nshot 1\n\n\n\nshot 2\n</DESIGN> outro"))
	assert.Equal(t, "plain", ExtractDesign(" plain "))
}

func TestDesign_SendsVisionPartsAndSettings(t *testing.T) {
	llm := &fakeLLM{replies: []string{"<design>circle grows</design>"}}
	d := NewDesigner(testSettings)

	design, err := d.Design(context.Background(), llm, DesignRequest{
		Concept:         "area of a circle",
		OutputMode:      model.OutputModeVideo,
		ReferenceImages: []model.ReferenceImage{{URL: "https://example.com/a.png"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "circle grows", design)

	require.Len(t, llm.calls, 1)
	req := llm.calls[0]
	assert.Equal(t, 0.8, req.Temperature)
	assert.Equal(t, 12000, req.MaxTokens)

	parts, ok := req.Messages[1].Content.([]client.ContentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, "auto", parts[1].ImageURL.Detail)
}

func TestDesign_RetriesWithoutImages(t *testing.T) {
	llm := &fakeLLM{
		errs:    []error{&client.APIError{Status: 400, Body: "model does not support image_url content part"}},
		replies: []string{"", "<design>text only</design>"},
	}
	d := NewDesigner(testSettings)

	design, err := d.Design(context.Background(), llm, DesignRequest{
		Concept:         "c",
		ReferenceImages: []model.ReferenceImage{{URL: "https://example.com/a.png", Detail: model.ImageDetailHigh}},
	})
	require.NoError(t, err)
	assert.Equal(t, "text only", design)
	require.Len(t, llm.calls, 2)
	_, isText := llm.calls[1].Messages[1].Content.(string)
	assert.True(t, isText)
}

func TestDesign_ServerErrorIsNotRetried(t *testing.T) {
	llm := &fakeLLM{errs: []error{&client.APIError{Status: 503, Body: "image service unavailable"}}}
	d := NewDesigner(testSettings)

	_, err := d.Design(context.Background(), llm, DesignRequest{
		Concept:         "c",
		ReferenceImages: []model.ReferenceImage{{URL: "u"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM request failed")
	assert.Len(t, llm.calls, 1)
}

func TestDesign_EmptyDesign(t *testing.T) {
	llm := &fakeLLM{replies: []string{"<think>only thoughts</think>"}}
	_, err := NewDesigner(testSettings).Design(context.Background(), llm, DesignRequest{Concept: "c"})
	assert.ErrorIs(t, err, ErrEmptyDesign)
}

func TestCoder_Complete(t *testing.T) {
	llm := &fakeLLM{replies: []string{"### START ###\ncode\n### END ###"}}
	code, err := NewCoder(testSettings).Complete(context.Background(), llm, []prompt.Message{{Role: "user", Content: "go"}}, model.OutputModeVideo)
	require.NoError(t, err)
	assert.Equal(t, "code", code)
	assert.Equal(t, 0.7, llm.calls[0].Temperature)
	assert.Equal(t, 1200, llm.calls[0].MaxTokens)

	_, err = NewCoder(testSettings).Complete(context.Background(), &fakeLLM{replies: []string{"  "}}, nil, model.OutputModeVideo)
	assert.ErrorIs(t, err, ErrEmptyCode)

	boom := errors.New("boom")
	_, err = NewCoder(testSettings).Complete(context.Background(), &fakeLLM{errs: []error{boom}}, nil, model.OutputModeVideo)
	assert.ErrorIs(t, err, boom)
}

func TestEditor_Edit(t *testing.T) {
	llm := &fakeLLM{replies: []string{"```python\nnew code\n```"}}
	ed := NewEditor(NewCoder(testSettings))

	code, err := ed.Edit(context.Background(), llm, EditRequest{
		Concept: "c", Instructions: "make it blue", Code: "old code", OutputMode: model.OutputModeVideo,
	})
	require.NoError(t, err)
	assert.Equal(t, "new code", code)

	msgs := llm.calls[0].Messages
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "make it blue")
	assert.Contains(t, msgs[1].Content, "old code")
}

func TestNewSeed(t *testing.T) {
	assert.Len(t, NewSeed(), 8)
	assert.NotEqual(t, NewSeed(), NewSeed())
}
