package renderer

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrInvalidAnchors = errors.New("invalid image anchors")
	ErrNoScene        = errors.New("image block has no renderable Scene class")
)

var (
	anchorStartRe = regexp.MustCompile(`###\s*YON_IMAGE_(\d+)_START\s*###`)
	sceneClassRe  = regexp.MustCompile(`class\s+([A-Za-z_]\w*)\s*\([^)]*Scene[^)]*\)\s*:`)
)

// ImageBlock is one independently renderable still
type ImageBlock struct {
	Index     int
	Code      string
	SceneName string
}

func anchorEndRe(index string) *regexp.Regexp {
	return regexp.MustCompile(`###\s*YON_IMAGE_` + regexp.QuoteMeta(index) + `_END\s*###`)
}

// ParseImageBlocks splits image-mode source into its anchored blocks, sorted
// by index. Source must consist only of anchored blocks and whitespace, block
// indexes must be unique and every block must declare a Scene subclass.
func ParseImageBlocks(code string) ([]ImageBlock, error) {
	var (
		blocks  []ImageBlock
		seen    = make(map[int]bool)
		outside strings.Builder
		pos     int
	)

	for pos < len(code) {
		loc := anchorStartRe.FindStringSubmatchIndex(code[pos:])
		if loc == nil {
			outside.WriteString(code[pos:])
			break
		}
		start, bodyStart := pos+loc[0], pos+loc[1]
		indexText := code[pos+loc[2] : pos+loc[3]]

		end := anchorEndRe(indexText).FindStringIndex(code[bodyStart:])
		if end == nil {
			return nil, fmt.Errorf("%w: block %s has no end marker", ErrInvalidAnchors, indexText)
		}
		outside.WriteString(code[pos:start])

		body := strings.TrimSpace(code[bodyStart : bodyStart+end[0]])
		pos = bodyStart + end[1]
		if body == "" {
			continue
		}
		index, err := strconv.Atoi(indexText)
		if err != nil {
			return nil, fmt.Errorf("%w: bad block index %q", ErrInvalidAnchors, indexText)
		}
		if seen[index] {
			return nil, fmt.Errorf("%w: duplicate block index %d", ErrInvalidAnchors, index)
		}
		seen[index] = true
		blocks = append(blocks, ImageBlock{Index: index, Code: cleanCode(body)})
	}

	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no anchored image blocks found", ErrInvalidAnchors)
	}
	if strings.TrimSpace(outside.String()) != "" {
		return nil, fmt.Errorf("%w: code found outside anchored blocks", ErrInvalidAnchors)
	}

	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })
	for i := range blocks {
		name, err := SceneName(blocks[i].Code)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", blocks[i].Index, err)
		}
		blocks[i].SceneName = name
	}
	return blocks, nil
}

// SceneName returns the first class deriving from a Scene type.
func SceneName(code string) (string, error) {
	m := sceneClassRe.FindStringSubmatch(code)
	if m == nil {
		return "", ErrNoScene
	}
	return m[1], nil
}

// cleanCode drops byte order marks and replacement characters that LLM
// output sometimes carries.
func cleanCode(code string) string {
	return strings.NewReplacer("\uFEFF", "", "\uFFFD", "").Replace(code)
}
