package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coder/memory"
	"coder/patch"
	"coder/planner"
	"coder/runner"
	"coder/workspace"
)

const (
	// DefaultMaxRetries bounds how many replanning cycles a single request
	// may trigger after test failures.
	DefaultMaxRetries = 3

	// maxTargetFiles caps how many files are read and handed to the planner
	// for a single request.
	maxTargetFiles = 3
	// maxReadFiles caps how many files back a question about the codebase.
	maxReadFiles = 5

	// Failure output is truncated before it is folded into the retry
	// request so the planner context stays small.
	maxFailureStdout = 1000
	maxFailureStderr = 500
)

// fileLineRe pulls "path/to/file.ext:line" references out of test output so
// retries target the files the failure actually names.
var fileLineRe = regexp.MustCompile(`([\w./-]+\.[A-Za-z0-9_]+):(\d+)`)

// Config carries the knobs main wires in from flags.
type Config struct {
	TestCommand []string
	MaxRetries  int
	SourceExts  []string
}

// Orchestrator owns the full pipeline state for one workspace. It is not
// safe for concurrent use; the driver serializes calls.
type Orchestrator struct {
	cfg        Config
	classifier planner.Classifier
	plan       planner.Planner
	answer     planner.Answerer
	store      *workspace.Store
	engine     *patch.Engine
	mem        *memory.Memory
	run        *runner.Runner
	logger     *zap.Logger

	phase     Phase
	requestID string
	request   string
	pending   *planner.EditPlan
	retry     retryState
}

func New(cfg Config, cl planner.Classifier, pl planner.Planner, an planner.Answerer,
	store *workspace.Store, engine *patch.Engine, mem *memory.Memory, run *runner.Runner,
	logger *zap.Logger) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if len(cfg.TestCommand) == 0 {
		cfg.TestCommand = []string{"go", "test", "./..."}
	}
	if len(cfg.SourceExts) == 0 {
		cfg.SourceExts = []string{".go", ".py", ".js", ".ts"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		classifier: cl,
		plan:       pl,
		answer:     an,
		store:      store,
		engine:     engine,
		mem:        mem,
		run:        run,
		logger:     logger,
		phase:      PhaseIdle,
		retry:      retryState{max: cfg.MaxRetries},
	}
}

// Phase reports the current pipeline phase.
func (o *Orchestrator) Phase() Phase { return o.phase }

// Handle processes a new top-level request. Any plan still awaiting approval
// is discarded; only an explicit Approve continues a suspended pipeline.
func (o *Orchestrator) Handle(ctx context.Context, input string) (*Reply, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return &Reply{Text: "Please enter a request."}, nil
	}
	o.requestID = uuid.NewString()
	o.request = input
	o.pending = nil
	o.retry.reset()
	o.phase = PhaseClassifying

	intent := o.classifyIntent(ctx, input)
	o.logger.Info("request classified",
		zap.String("request_id", o.requestID),
		zap.String("intent", string(intent)))

	switch intent {
	case planner.IntentUndo:
		return o.handleUndo()
	case planner.IntentRun:
		return o.handleRun(ctx, input)
	case planner.IntentProfile:
		return o.handleProfile(input)
	case planner.IntentRead:
		return o.handleRead(ctx, input)
	default:
		return o.planEdits(ctx, "")
	}
}

// classifyIntent short-circuits on unambiguous keywords and asks the model
// only for the rest.
func (o *Orchestrator) classifyIntent(ctx context.Context, input string) planner.Intent {
	lower := strings.ToLower(input)
	switch {
	case strings.Contains(lower, "undo") || strings.Contains(lower, "revert"):
		return planner.IntentUndo
	case strings.HasPrefix(lower, "run ") || strings.Contains(lower, "execute") || strings.Contains(lower, "pytest"):
		return planner.IntentRun
	case strings.Contains(lower, "prefer") || strings.Contains(lower, "always") || strings.Contains(lower, "never"):
		return planner.IntentProfile
	}
	intent, err := o.classifier.Classify(ctx, input)
	if err != nil {
		o.logger.Warn("classification failed, defaulting to edit",
			zap.String("request_id", o.requestID), zap.Error(err))
		return planner.IntentEdit
	}
	return intent
}

// planEdits runs the planning step for the current request, consulting the
// response cache before calling the planner. failureContext is non-empty on
// retry passes and carries truncated test output.
func (o *Orchestrator) planEdits(ctx context.Context, failureContext string) (*Reply, error) {
	if failureContext == "" {
		o.phase = PhasePlanning
	} else {
		o.phase = PhaseRetryPlanning
	}

	targets := o.selectTargets(o.request, failureContext, maxTargetFiles)
	if len(targets) == 0 {
		o.phase = PhaseDone
		return &Reply{Text: "No source files found to edit in this workspace."}, nil
	}
	files, err := o.store.ReadAll(targets)
	if err != nil {
		return nil, fmt.Errorf("reading target files: %w", err)
	}

	query := o.request
	if failureContext != "" {
		query = o.request + "\n\nThe previous edits were applied but tests failed:\n" + failureContext +
			"\nPlease fix the edits so the tests pass."
	}

	codeHash := memory.CodeHash(files)
	var raw string
	fromCache := false
	if cached, ok := o.mem.GetCached(codeHash, query); ok {
		o.logger.Info("plan served from cache",
			zap.String("request_id", o.requestID), zap.String("code_hash", codeHash))
		raw = cached
		fromCache = true
	} else {
		planRequest := query
		if prefs := o.mem.Preferences(); len(prefs) > 0 {
			planRequest += "\n\nUser preferences: " + formatPrefs(prefs)
		}
		res, err := o.plan.Plan(ctx, planRequest, files)
		var ferr *planner.FormatError
		if err != nil && !errors.As(err, &ferr) {
			return nil, fmt.Errorf("planning edits: %w", err)
		}
		raw = res.Raw
	}

	plan, err := planner.ParsePlan(raw)
	if err != nil {
		var ferr *planner.FormatError
		reason := err.Error()
		if errors.As(err, &ferr) {
			reason = ferr.Reason
		}
		o.logger.Warn("plan response malformed",
			zap.String("request_id", o.requestID), zap.String("reason", reason))
		o.phase = PhaseDone
		return &Reply{Text: "The planner did not produce a usable edit plan. No changes were made."}, nil
	}
	if plan.Empty() {
		o.phase = PhaseDone
		return &Reply{Text: "No edits were generated for this request."}, nil
	}
	if !fromCache {
		o.mem.CacheResponse(codeHash, query, raw)
	}

	o.pending = plan
	o.phase = PhaseAwaitingApproval
	return &Reply{Text: o.preview(plan, failureContext), AwaitingApproval: true}, nil
}

// preview renders the pending plan for the approval prompt.
func (o *Orchestrator) preview(plan *planner.EditPlan, failureContext string) string {
	var b strings.Builder
	if failureContext != "" {
		fmt.Fprintf(&b, "Tests failed; proposing a revised plan (attempt %d of %d).\n\n",
			o.retry.count, o.retry.max)
	}
	fmt.Fprintf(&b, "Proposed edits (%d across %d files):\n", plan.TotalEdits, len(plan.Files))
	for _, fe := range plan.Files {
		fmt.Fprintf(&b, "\n%s:\n", fe.File)
		for _, e := range fe.Edits {
			fmt.Fprintf(&b, "  line %d:\n", e.Line)
			if e.Old != "" {
				fmt.Fprintf(&b, "    - %s\n", e.Old)
			}
			if e.New != "" {
				fmt.Fprintf(&b, "    + %s\n", e.New)
			}
		}
	}
	b.WriteString("\nApprove these edits? (approve/reject)")
	return b.String()
}

// Approve applies the pending plan, runs the test command, and either
// finishes or comes back with a revised plan for another approval.
func (o *Orchestrator) Approve(ctx context.Context) (*Reply, error) {
	if o.phase != PhaseAwaitingApproval || o.pending == nil {
		return &Reply{Text: "There are no edits awaiting approval."}, nil
	}
	plan := o.pending
	o.pending = nil
	o.phase = PhaseApplying

	var b strings.Builder
	for _, fe := range plan.Files {
		res, err := o.engine.Apply(fe.File, fe.Edits)
		if err != nil {
			fmt.Fprintf(&b, "%s: %v\n", fe.File, err)
			continue
		}
		if res.Applied > 0 {
			o.mem.RecordFileHash(fe.File, memory.CodeHash(map[string]string{fe.File: res.FinalContent}))
		}
		b.WriteString(res.Message)
		b.WriteString("\n")
		if res.Diff != "" {
			b.WriteString(res.Diff)
		}
	}
	// Tests run even when every directive was skipped; the failure output
	// is what drives the next planning attempt.
	o.phase = PhaseTesting
	result, err := o.run.Run(ctx, o.cfg.TestCommand)
	if err != nil {
		return nil, fmt.Errorf("running tests: %w", err)
	}
	o.retry.lastResult = result

	if result.Success() {
		o.retry.reset()
		o.phase = PhaseDone
		b.WriteString("\nAll tests passed.")
		return &Reply{Text: b.String()}, nil
	}

	if o.retry.count >= o.retry.max {
		o.logger.Warn("retry budget exhausted",
			zap.String("request_id", o.requestID), zap.Int("attempts", o.retry.count))
		o.retry.reset()
		o.phase = PhaseDone
		fmt.Fprintf(&b, "\nTests are still failing after %d attempts. Please review the changes manually.\n%s",
			o.cfg.MaxRetries, failureSummary(result))
		return &Reply{Text: b.String()}, nil
	}

	o.retry.count++
	o.logger.Info("tests failed, replanning",
		zap.String("request_id", o.requestID),
		zap.Int("attempt", o.retry.count),
		zap.Int("exit_code", result.ExitCode))
	reply, err := o.planEdits(ctx, failureSummary(result))
	if err != nil {
		return nil, err
	}
	if b.Len() > 0 {
		reply.Text = b.String() + "\n" + reply.Text
	}
	return reply, nil
}

// Reject discards the pending plan without touching any file.
func (o *Orchestrator) Reject() (*Reply, error) {
	if o.phase != PhaseAwaitingApproval || o.pending == nil {
		return &Reply{Text: "There are no edits awaiting approval."}, nil
	}
	o.pending = nil
	o.retry.reset()
	o.phase = PhaseDone
	return &Reply{Text: "Edits rejected. No changes were made."}, nil
}

func (o *Orchestrator) handleUndo() (*Reply, error) {
	o.phase = PhaseDone
	path, err := o.store.Restore()
	if err != nil {
		return &Reply{Text: "Nothing to undo."}, nil
	}
	return &Reply{Text: fmt.Sprintf("Restored %s to its previous contents.", path)}, nil
}

func (o *Orchestrator) handleRun(ctx context.Context, input string) (*Reply, error) {
	o.phase = PhaseTesting
	cmd := o.commandFor(input)
	result, err := o.run.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}
	o.phase = PhaseDone
	var b strings.Builder
	fmt.Fprintf(&b, "$ %s (exit %d)\n", strings.Join(result.Command, " "), result.ExitCode)
	if result.Stdout != "" {
		b.WriteString(result.Stdout)
	}
	if result.Stderr != "" {
		b.WriteString(result.Stderr)
	}
	return &Reply{Text: b.String()}, nil
}

// commandFor maps a run request onto a concrete command line. Requests that
// clearly spell out a command are used verbatim; everything else falls back
// to the configured test command.
func (o *Orchestrator) commandFor(input string) []string {
	lower := strings.ToLower(input)
	if strings.HasPrefix(lower, "run ") {
		rest := strings.TrimSpace(input[4:])
		if fields := strings.Fields(rest); len(fields) > 0 && !strings.Contains(lower, "test") {
			return fields
		}
	}
	if strings.Contains(lower, "pytest") {
		return []string{"pytest"}
	}
	return o.cfg.TestCommand
}

func (o *Orchestrator) handleProfile(input string) (*Reply, error) {
	o.phase = PhaseDone
	lower := strings.ToLower(input)
	name := ""
	switch {
	case strings.Contains(lower, "comment"):
		name = "write_comments"
	case strings.Contains(lower, "docstring"):
		name = "add_docstrings"
	case strings.Contains(lower, "type hint") || strings.Contains(lower, "type-hint"):
		name = "add_type_hints"
	}
	if name == "" {
		return &Reply{Text: "I couldn't tell which preference to update. Supported: comments, docstrings, type hints."}, nil
	}
	value := !strings.Contains(lower, "never") && !strings.Contains(lower, "no ") &&
		!strings.Contains(lower, "don't") && !strings.Contains(lower, "do not")
	if err := o.mem.SetPreference(name, value); err != nil {
		return nil, fmt.Errorf("saving preference: %w", err)
	}
	return &Reply{Text: fmt.Sprintf("Preference saved: %s = %v. Current preferences: %s",
		name, value, formatPrefs(o.mem.Preferences()))}, nil
}

func (o *Orchestrator) handleRead(ctx context.Context, input string) (*Reply, error) {
	o.phase = PhasePlanning
	targets := o.selectTargets(input, "", maxReadFiles)
	if len(targets) == 0 {
		o.phase = PhaseDone
		return &Reply{Text: "No source files found in this workspace."}, nil
	}
	files, err := o.store.ReadAll(targets)
	if err != nil {
		return nil, fmt.Errorf("reading files: %w", err)
	}
	codeHash := memory.CodeHash(files)
	if cached, ok := o.mem.GetCached(codeHash, input); ok {
		o.logger.Info("answer served from cache",
			zap.String("request_id", o.requestID), zap.String("code_hash", codeHash))
		o.phase = PhaseDone
		return &Reply{Text: cached}, nil
	}
	answer, err := o.answer.Answer(ctx, input, files)
	if err != nil {
		return nil, fmt.Errorf("answering question: %w", err)
	}
	o.mem.CacheResponse(codeHash, input, answer)
	o.phase = PhaseDone
	return &Reply{Text: answer}, nil
}

// selectTargets picks which files a request is about. Files named with a
// line number in failure output come first, then files whose path segment
// appears in the request, then a listing fallback.
func (o *Orchestrator) selectTargets(request, failureContext string, limit int) []string {
	seen := make(map[string]bool)
	var targets []string
	add := func(path string) {
		if !seen[path] && o.store.Exists(path) {
			seen[path] = true
			targets = append(targets, path)
		}
	}

	for _, m := range fileLineRe.FindAllStringSubmatch(failureContext, -1) {
		add(m[1])
	}

	listed, err := o.store.List(o.cfg.SourceExts...)
	if err != nil {
		o.logger.Warn("workspace listing failed", zap.Error(err))
		return targets
	}
	sort.Strings(listed)

	lower := strings.ToLower(request)
	for _, path := range listed {
		if len(targets) >= limit {
			break
		}
		for _, seg := range pathSegments(path) {
			if strings.Contains(lower, seg) {
				add(path)
				break
			}
		}
	}
	for _, path := range listed {
		if len(targets) >= limit {
			break
		}
		add(path)
	}
	if len(targets) > limit {
		targets = targets[:limit]
	}
	return targets
}

// pathSegments returns lowercased match candidates for a path: the full
// path, the base name, and the base name without extension.
func pathSegments(path string) []string {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}
	stem := base
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		stem = base[:i]
	}
	segs := []string{strings.ToLower(path), strings.ToLower(base)}
	if len(stem) > 3 {
		segs = append(segs, strings.ToLower(stem))
	}
	return segs
}

// failureSummary trims a failed test result down to the slice the planner
// gets to see on retry.
func failureSummary(r *runner.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code %d\n", r.ExitCode)
	if r.Stdout != "" {
		b.WriteString("stdout:\n")
		b.WriteString(clip(r.Stdout, maxFailureStdout))
		b.WriteString("\n")
	}
	if r.Stderr != "" {
		b.WriteString("stderr:\n")
		b.WriteString(clip(r.Stderr, maxFailureStderr))
		b.WriteString("\n")
	}
	return b.String()
}

// clip truncates s to at most n bytes without splitting a UTF-8 rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n... (truncated)"
}

func formatPrefs(prefs map[string]bool) string {
	if len(prefs) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, prefs[k]))
	}
	return strings.Join(parts, ", ")
}
