// Package planner defines the external language-model collaborators: a
// Planner that proposes line-level edits for a request, a Classifier that
// labels request intent, and an Answerer for plain code questions. Model
// output is treated as untrusted text; malformed plans degrade to empty
// plans instead of failing the request.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Intent is the closed set of request labels the Classifier may return.
type Intent string

const (
	IntentRead    Intent = "read"
	IntentEdit    Intent = "edit"
	IntentRun     Intent = "run"
	IntentProfile Intent = "profile"
	IntentUndo    Intent = "undo"
)

// ValidIntent reports whether s names a known intent.
func ValidIntent(s string) bool {
	switch Intent(s) {
	case IntentRead, IntentEdit, IntentRun, IntentProfile, IntentUndo:
		return true
	}
	return false
}

// EditDirective is a single line-level change. Line is 1-indexed into the
// file as it exists after all previously applied directives in the same
// batch. An empty Old means insertion before Line; an empty New means
// deletion of Line; both non-empty means replacement.
type EditDirective struct {
	Line int    `json:"line"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

// FileEdits groups the directives for one file. Per-file grouping is what
// makes the reverse-order application algorithm well-defined.
type FileEdits struct {
	File  string          `json:"file"`
	Edits []EditDirective `json:"edits"`
}

// EditPlan is the Planner's proposed set of per-file edits for a request.
type EditPlan struct {
	Files      []FileEdits `json:"files"`
	TotalEdits int         `json:"totalEdits"`
}

// Empty reports whether the plan carries no directives at all.
func (p *EditPlan) Empty() bool {
	return p == nil || p.TotalEdits == 0
}

// PlanResult pairs the parsed plan with the raw model text that produced
// it. Raw is what gets cached; a later cache hit re-parses it without
// another model call.
type PlanResult struct {
	Plan *EditPlan
	Raw  string
}

// FormatError reports model output that could not be parsed as a plan.
// Callers recover by treating the plan as empty; they never crash on it.
type FormatError struct {
	Reason string
	Raw    string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("planner output not parseable: %s", e.Reason)
}

// Planner proposes an edit plan for a request, given the contents of the
// files in scope.
type Planner interface {
	Plan(ctx context.Context, request string, files map[string]string) (*PlanResult, error)
}

// Classifier labels a request with one of the fixed intents.
type Classifier interface {
	Classify(ctx context.Context, request string) (Intent, error)
}

// Answerer answers a plain question about the files in scope.
type Answerer interface {
	Answer(ctx context.Context, request string, files map[string]string) (string, error)
}

// StripFences removes a surrounding markdown code fence from model output,
// if present, and trims whitespace.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```json"); idx != -1 {
		text = text[idx+len("```json"):]
		if end := strings.Index(text, "```"); end != -1 {
			text = text[:end]
		}
	} else if idx := strings.Index(text, "```"); idx != -1 {
		text = text[idx+3:]
		if end := strings.Index(text, "```"); end != -1 {
			text = text[:end]
		}
	}
	return strings.TrimSpace(text)
}

// ParsePlan parses raw model text into an EditPlan. It accepts either a
// JSON array of {file, edits} objects or a single such object, with or
// without markdown fences. Anything else returns a *FormatError and a
// non-nil empty plan so callers can proceed with "no edits generated".
func ParsePlan(raw string) (*EditPlan, error) {
	text := StripFences(raw)

	parsed := gjson.Parse(text)
	var items []gjson.Result
	switch {
	case parsed.IsArray():
		items = parsed.Array()
	case parsed.IsObject() && parsed.Get("file").Exists():
		items = []gjson.Result{parsed}
	default:
		return &EditPlan{}, &FormatError{Reason: "expected a JSON array of file edits", Raw: raw}
	}

	plan := &EditPlan{}
	for _, item := range items {
		if !item.IsObject() {
			continue
		}
		file := item.Get("file").String()
		if file == "" {
			continue
		}
		fe := FileEdits{File: file}
		for _, e := range item.Get("edits").Array() {
			d := EditDirective{
				Line: int(e.Get("line").Int()),
				Old:  e.Get("old").String(),
				New:  e.Get("new").String(),
			}
			fe.Edits = append(fe.Edits, d)
		}
		plan.TotalEdits += len(fe.Edits)
		plan.Files = append(plan.Files, fe)
	}

	if len(plan.Files) == 0 {
		return &EditPlan{}, &FormatError{Reason: "no file edits found", Raw: raw}
	}
	return plan, nil
}
