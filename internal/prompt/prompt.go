// Package prompt assembles the role prompts sent to the LLM. Shared blocks
// (knowledge, rules) are carried by reference inside turns and only expanded,
// once per outgoing request, by Materialize.
package prompt

import (
	"regexp"
	"strings"

	"github.com/manimcat/api/internal/model"
)

type Role string

const (
	RoleConceptDesigner Role = "conceptDesigner"
	RoleCodeGeneration  Role = "codeGeneration"
	RoleCodeRetry       Role = "codeRetry"
	RoleCodeEdit        Role = "codeEdit"
)

// BlockID names a shared block
type BlockID string

const (
	BlockKnowledge BlockID = "knowledge"
	BlockRules     BlockID = "rules"
)

var blockOrder = []BlockID{BlockKnowledge, BlockRules}

// Chat roles used in turns
const (
	System    = "system"
	User      = "user"
	Assistant = "assistant"
)

// Segment is either literal text or a reference to a shared block
type Segment struct {
	Text  string
	Block BlockID
}

// Turn is one message of a conversation before materialization
type Turn struct {
	Role     string
	Segments []Segment
}

// TextTurn builds a turn from plain text.
func TextTurn(role, text string) Turn {
	return Turn{Role: role, Segments: []Segment{{Text: text}}}
}

// Message is a materialized chat message
type Message struct {
	Role    string
	Content string
}

// Vars are template variables. Boolean flags use "true" or "".
type Vars map[string]string

// ModeVars sets the outputMode, isImage and isVideo flags.
func ModeVars(mode model.OutputMode, vars Vars) Vars {
	if vars == nil {
		vars = Vars{}
	}
	vars["outputMode"] = string(mode)
	vars["isImage"], vars["isVideo"] = "", ""
	if mode == model.OutputModeImage {
		vars["isImage"] = "true"
	} else {
		vars["isVideo"] = "true"
	}
	return vars
}

type roleTemplates struct {
	system string
	user   string
}

var defaultRoles = map[Role]roleTemplates{
	RoleConceptDesigner: {system: conceptDesignerSystem, user: conceptDesignerUser},
	RoleCodeGeneration:  {system: codeGenerationSystem, user: codeGenerationUser},
	RoleCodeRetry:       {system: codeRetrySystem, user: codeRetryUser},
	RoleCodeEdit:        {system: codeEditSystem, user: codeEditUser},
}

var defaultBlocks = map[BlockID]string{
	BlockKnowledge: knowledgeBlock,
	BlockRules:     rulesBlock,
}

var (
	conditionalRe = regexp.MustCompile(`(?s)\{\{#if\s+(\w+)\}\}(.*?)\{\{/if\}\}`)
	variableRe    = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)
	newlinesRe    = regexp.MustCompile(`\n{3,}`)
)

// Library resolves role templates and shared blocks, applying per job overrides.
type Library struct {
	overrides *model.PromptOverrides
}

func NewLibrary(overrides *model.PromptOverrides) *Library {
	return &Library{overrides: overrides}
}

func (l *Library) roleOverride(role Role) *model.RoleOverride {
	if l.overrides == nil {
		return nil
	}
	r := l.overrides.Roles
	switch role {
	case RoleConceptDesigner:
		return r.ConceptDesigner
	case RoleCodeGeneration:
		return r.CodeGeneration
	case RoleCodeRetry:
		return r.CodeRetry
	case RoleCodeEdit:
		return r.CodeEdit
	}
	return nil
}

// Block returns the content of a shared block, overridden when requested.
func (l *Library) Block(id BlockID) string {
	if l.overrides != nil {
		switch id {
		case BlockKnowledge:
			if strings.TrimSpace(l.overrides.Shared.Knowledge) != "" {
				return l.overrides.Shared.Knowledge
			}
		case BlockRules:
			if strings.TrimSpace(l.overrides.Shared.Rules) != "" {
				return l.overrides.Shared.Rules
			}
		}
	}
	return defaultBlocks[id]
}

// System returns the system prompt for a role.
func (l *Library) System(role Role) []Segment {
	tmpl := defaultRoles[role].system
	if o := l.roleOverride(role); o != nil && strings.TrimSpace(o.System) != "" {
		tmpl = o.System
	}
	return render(tmpl, nil)
}

// User renders the user prompt for a role.
func (l *Library) User(role Role, vars Vars) []Segment {
	tmpl := defaultRoles[role].user
	if o := l.roleOverride(role); o != nil && strings.TrimSpace(o.User) != "" {
		tmpl = o.User
	}
	return render(tmpl, vars)
}

// render substitutes variables and turns block placeholders into references.
func render(tmpl string, vars Vars) []Segment {
	out := conditionalRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := conditionalRe.FindStringSubmatch(m)
		if vars[sub[1]] != "" {
			return sub[2]
		}
		return ""
	})

	var segs []Segment
	rest := out
	for len(rest) > 0 {
		loc := variableRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			segs = appendText(segs, rest)
			break
		}
		segs = appendText(segs, rest[:loc[0]])
		name := rest[loc[2]:loc[3]]
		switch {
		case isBlock(name):
			segs = append(segs, Segment{Block: BlockID(name)})
		case hasVar(vars, name):
			segs = appendText(segs, vars[name])
		default:
			segs = appendText(segs, rest[loc[0]:loc[1]])
		}
		rest = rest[loc[1]:]
	}
	return segs
}

func isBlock(name string) bool {
	for _, id := range blockOrder {
		if string(id) == name {
			return true
		}
	}
	return false
}

func hasVar(vars Vars, name string) bool {
	_, ok := vars[name]
	return ok
}

func appendText(segs []Segment, text string) []Segment {
	if text == "" {
		return segs
	}
	if n := len(segs); n > 0 && segs[n-1].Block == "" {
		segs[n-1].Text += text
		return segs
	}
	return append(segs, Segment{Text: text})
}

// Text flattens segments, expanding every block reference.
func (l *Library) Text(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		if s.Block != "" {
			b.WriteString(l.Block(s.Block))
			continue
		}
		b.WriteString(s.Text)
	}
	return normalize(b.String())
}

// Materialize expands turns into chat messages. Each shared block is emitted
// at its first reference across the whole list and dropped everywhere after.
// Messages that end up empty are left out.
func (l *Library) Materialize(turns []Turn) []Message {
	seen := make(map[BlockID]bool)
	out := make([]Message, 0, len(turns))

	for _, t := range turns {
		var b strings.Builder
		for _, s := range t.Segments {
			if s.Block == "" {
				b.WriteString(s.Text)
				continue
			}
			if seen[s.Block] {
				continue
			}
			seen[s.Block] = true
			b.WriteString(l.Block(s.Block))
		}
		content := normalize(b.String())
		if content == "" {
			continue
		}
		out = append(out, Message{Role: t.Role, Content: content})
	}
	return out
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = newlinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
