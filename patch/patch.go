// Package patch applies ordered sets of line-level edit directives to files
// using a tiered fuzzy matcher. Directives are validated up front and then
// applied in descending line order, re-reading the file before each one so
// earlier writes in the batch stay visible; a mismatched directive is a
// counted skip, never a batch failure.
package patch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"coder/planner"
	"coder/workspace"
)

// MaxBatchEdits guards against a runaway plan corrupting a file.
const MaxBatchEdits = 30

const diffContextLines = 3

// Result reports the outcome of applying one batch to one file.
type Result struct {
	Applied      int
	Skipped      int
	Message      string
	FinalContent string
	Diff         string
}

// Engine applies edit batches through a workspace store so every write
// lands in the store's mtime cache in the same step.
type Engine struct {
	store  *workspace.Store
	logger *zap.Logger
}

// NewEngine builds an Engine over the given store.
func NewEngine(store *workspace.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger}
}

// Validate checks the whole batch before any write: the file must exist,
// the batch must fit the size guard, and every line number must be in
// range for the file as it currently stands.
func (e *Engine) Validate(file string, edits []planner.EditDirective) error {
	if !e.store.Exists(file) {
		return fmt.Errorf("file %s does not exist", file)
	}
	if len(edits) > MaxBatchEdits {
		return fmt.Errorf("too many edits (%d) - this might corrupt the file, make smaller changes", len(edits))
	}
	content, err := e.store.Read(file)
	if err != nil {
		return err
	}
	lineCount := len(splitKeepEnds(content))
	for _, edit := range edits {
		if edit.Line < 1 || edit.Line > lineCount {
			return fmt.Errorf("invalid line number %d (file has %d lines)", edit.Line, lineCount)
		}
	}
	return nil
}

// Apply validates and then applies a batch of directives to file. On a
// validation failure nothing is written. Directives are sorted descending
// by line so applying one never shifts the target index of the rest; each
// successful mutation is flushed to disk immediately, with the first write
// of the batch pushing an undo backup.
func (e *Engine) Apply(file string, edits []planner.EditDirective) (*Result, error) {
	if err := e.Validate(file, edits); err != nil {
		e.logger.Warn("edit batch rejected", zap.String("file", file), zap.Error(err))
		return nil, err
	}

	before, err := e.store.Read(file)
	if err != nil {
		return nil, err
	}

	sorted := make([]planner.EditDirective, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Line > sorted[j].Line })

	applied, skipped := 0, 0
	backedUp := false

	for _, edit := range sorted {
		content, err := e.store.Read(file)
		if err != nil {
			return nil, err
		}
		lines := splitKeepEnds(content)

		idx := edit.Line - 1
		if idx < 0 || idx >= len(lines) {
			// The file shrank under an earlier deletion in this batch.
			e.logger.Warn("line out of range after earlier edits",
				zap.String("file", file), zap.Int("line", edit.Line))
			skipped++
			continue
		}

		newLines, ok := applyDirective(lines, idx, edit)
		if !ok {
			e.logger.Debug("directive did not match",
				zap.String("file", file),
				zap.Int("line", edit.Line),
				zap.String("old", truncate(edit.Old, 60)))
			skipped++
			continue
		}

		newContent := strings.Join(newLines, "")
		if !backedUp {
			err = e.store.BackupAndWrite(file, newContent)
			backedUp = true
		} else {
			err = e.store.Write(file, newContent)
		}
		if err != nil {
			return nil, err
		}
		applied++
	}

	final, err := e.store.Read(file)
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("Applied %d/%d edits to %s", applied, len(edits), file)
	if skipped > 0 {
		message += fmt.Sprintf(" (%d skipped)", skipped)
	}
	e.logger.Info("edit batch applied",
		zap.String("file", file),
		zap.Int("applied", applied),
		zap.Int("skipped", skipped))

	return &Result{
		Applied:      applied,
		Skipped:      skipped,
		Message:      message,
		FinalContent: final,
		Diff:         unifiedDiff(file, before, final),
	}, nil
}

// applyDirective mutates one line slice in place of the classic three
// cases. Returns false when the directive should be skipped.
func applyDirective(lines []string, idx int, edit planner.EditDirective) ([]string, bool) {
	current := trimEnding(lines[idx])

	switch {
	case strings.TrimSpace(edit.Old) == "":
		// Insertion before the target line.
		if strings.TrimSpace(edit.New) == "" {
			return nil, false
		}
		out := make([]string, 0, len(lines)+1)
		out = append(out, lines[:idx]...)
		out = append(out, edit.New+"\n")
		out = append(out, lines[idx:]...)
		return out, true

	case strings.TrimSpace(edit.New) == "":
		// Deletion of the target line, lenient containment match.
		if !deletionMatches(edit.Old, current) {
			return nil, false
		}
		out := make([]string, 0, len(lines)-1)
		out = append(out, lines[:idx]...)
		out = append(out, lines[idx+1:]...)
		return out, true

	default:
		// Replacement, preserving the replaced line's ending style.
		if matchLine(edit.Old, current) == matchNone {
			return nil, false
		}
		out := make([]string, len(lines))
		copy(out, lines)
		out[idx] = edit.New + lineEnding(lines[idx])
		return out, true
	}
}

// splitKeepEnds splits content into lines, each keeping its trailing
// newline. A trailing empty element is never produced.
func splitKeepEnds(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func lineEnding(line string) string {
	if strings.HasSuffix(line, "\r\n") {
		return "\r\n"
	}
	if strings.HasSuffix(line, "\n") {
		return "\n"
	}
	return ""
}

func trimEnding(line string) string {
	return strings.TrimRight(line, "\r\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// unifiedDiff renders a classic unified patch between the pre-batch and
// post-batch content.
func unifiedDiff(file, before, after string) string {
	if before == after {
		return ""
	}
	u := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + file,
		ToFile:   "b/" + file,
		Context:  diffContextLines,
	}
	s, err := difflib.GetUnifiedDiffString(u)
	if err != nil {
		return ""
	}
	return s
}
