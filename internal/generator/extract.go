package generator

import (
	"errors"
	"regexp"
	"strings"

	"github.com/manimcat/api/internal/client"
	"github.com/manimcat/api/internal/model"
)

var (
	thinkRe      = regexp.MustCompile(`(?is)<think>.*?</think>`)
	designRe     = regexp.MustCompile(`(?is)<design>(.*?)</design>`)
	codeAnchorRe = regexp.MustCompile(`(?s)### START ###(.*?)### END ###`)
	fenceRe      = regexp.MustCompile("(?is)```(?:python)?(.*?)```")
	newlinesRe   = regexp.MustCompile(`\n{3,}`)
	visionErrRe  = regexp.MustCompile(`(?i)image|vision|multimodal|content.?part|unsupported`)
)

// StripThinking removes <think> blocks some reasoning models emit.
func StripThinking(text string) string {
	return thinkRe.ReplaceAllString(text, "")
}

// ExtractDesign returns the <design> body when present, with blank runs
// collapsed.
func ExtractDesign(text string) string {
	text = StripThinking(text)
	if m := designRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	text = newlinesRe.ReplaceAllString(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	return strings.TrimSpace(text)
}

// ExtractCode pulls renderer source out of a completion. Image mode keeps
// the content as is since it carries its own anchors; video mode prefers the
// START/END anchors, then a markdown fence, then the whole response.
func ExtractCode(text string, mode model.OutputMode) string {
	text = StripThinking(text)
	if mode == model.OutputModeImage {
		return cleanCode(strings.TrimSpace(text))
	}
	if m := codeAnchorRe.FindStringSubmatch(text); m != nil {
		return cleanCode(strings.TrimSpace(m[1]))
	}
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return cleanCode(strings.TrimSpace(m[1]))
	}
	return cleanCode(strings.TrimSpace(text))
}

func cleanCode(code string) string {
	return strings.NewReplacer("\uFEFF", "", "\uFFFD", "").Replace(code)
}

// shouldRetryWithoutImages reports whether a failed vision call looks like
// the model simply not accepting images.
func shouldRetryWithoutImages(err error) bool {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status >= 500 {
		return false
	}
	return visionErrRe.MatchString(apiErr.Body)
}
