package agent_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"coder/agent"
	"coder/memory"
	"coder/patch"
	"coder/planner"
	"coder/runner"
	"coder/workspace"
)

type fakePlanner struct {
	responses []string
	requests  []string
	calls     int
}

func (f *fakePlanner) Plan(_ context.Context, request string, _ map[string]string) (*planner.PlanResult, error) {
	f.requests = append(f.requests, request)
	raw := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	f.calls++
	plan, err := planner.ParsePlan(raw)
	if err != nil {
		return &planner.PlanResult{Plan: plan, Raw: raw}, err
	}
	return &planner.PlanResult{Plan: plan, Raw: raw}, nil
}

type fakeClassifier struct {
	intent planner.Intent
}

func (f *fakeClassifier) Classify(context.Context, string) (planner.Intent, error) {
	return f.intent, nil
}

type fakeAnswerer struct {
	answer string
	calls  int
}

func (f *fakeAnswerer) Answer(context.Context, string, map[string]string) (string, error) {
	f.calls++
	return f.answer, nil
}

type harness struct {
	orch    *agent.Orchestrator
	store   *workspace.Store
	mem     *memory.Memory
	plan    *fakePlanner
	class   *fakeClassifier
	ans     *fakeAnswerer
	dir     string
	memPath string
}

func newHarness(t *testing.T, cfg agent.Config) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := workspace.NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	memPath := filepath.Join(t.TempDir(), "memory.json")
	mem := memory.Load(memPath, memory.DefaultOptions(), nil)
	pl := &fakePlanner{}
	cl := &fakeClassifier{intent: planner.IntentEdit}
	an := &fakeAnswerer{answer: "it adds two numbers"}
	if len(cfg.SourceExts) == 0 {
		cfg.SourceExts = []string{".txt"}
	}
	orch := agent.New(cfg, cl, pl, an, store,
		patch.NewEngine(store, nil), mem,
		runner.New(dir, 0, nil), nil)
	return &harness{orch: orch, store: store, mem: mem, plan: pl, class: cl, ans: an, dir: dir, memPath: memPath}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

const planFixed = `[{"file": "f.txt", "edits": [{"line": 1, "old": "hello broken world", "new": "hello fixed world"}]}]`

func TestEditFlowApproved(t *testing.T) {
	h := newHarness(t, agent.Config{
		TestCommand: []string{"sh", "-c", "grep -q fixed f.txt"},
	})
	writeFile(t, h.dir, "f.txt", "hello broken world\n")
	h.plan.responses = []string{planFixed}

	ctx := context.Background()
	reply, err := h.orch.Handle(ctx, "fix the greeting in f.txt")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !reply.AwaitingApproval {
		t.Fatal("Handle() did not suspend for approval")
	}
	if !strings.Contains(reply.Text, "Approve these edits?") {
		t.Errorf("approval prompt missing: %q", reply.Text)
	}
	if h.orch.Phase() != agent.PhaseAwaitingApproval {
		t.Errorf("Phase() = %v, want %v", h.orch.Phase(), agent.PhaseAwaitingApproval)
	}
	// Nothing is written before approval.
	content, _ := h.store.Read("f.txt")
	if content != "hello broken world\n" {
		t.Fatalf("file modified before approval: %q", content)
	}

	reply, err = h.orch.Approve(ctx)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !strings.Contains(reply.Text, "All tests passed") {
		t.Errorf("Approve() reply = %q, want test success", reply.Text)
	}
	content, _ = h.store.Read("f.txt")
	if content != "hello fixed world\n" {
		t.Errorf("file after approval = %q", content)
	}
	if h.orch.Phase() != agent.PhaseDone {
		t.Errorf("Phase() = %v, want %v", h.orch.Phase(), agent.PhaseDone)
	}
}

func TestEditFlowRejected(t *testing.T) {
	h := newHarness(t, agent.Config{TestCommand: []string{"true"}})
	writeFile(t, h.dir, "f.txt", "hello broken world\n")
	h.plan.responses = []string{planFixed}

	ctx := context.Background()
	if _, err := h.orch.Handle(ctx, "fix the greeting in f.txt"); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	reply, err := h.orch.Reject()
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if !strings.Contains(reply.Text, "No changes were made") {
		t.Errorf("Reject() reply = %q", reply.Text)
	}
	content, _ := h.store.Read("f.txt")
	if content != "hello broken world\n" {
		t.Errorf("file modified after reject: %q", content)
	}
}

func TestApproveWithoutPendingPlan(t *testing.T) {
	h := newHarness(t, agent.Config{TestCommand: []string{"true"}})
	reply, err := h.orch.Approve(context.Background())
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !strings.Contains(reply.Text, "no edits awaiting approval") {
		t.Errorf("Approve() reply = %q", reply.Text)
	}
}

func TestRetryAfterTestFailure(t *testing.T) {
	h := newHarness(t, agent.Config{
		TestCommand: []string{"sh", "-c", "grep -q fixed f.txt"},
		MaxRetries:  3,
	})
	writeFile(t, h.dir, "f.txt", "hello broken world\n")
	h.plan.responses = []string{
		`[{"file": "f.txt", "edits": [{"line": 1, "old": "hello broken world", "new": "hello still broken"}]}]`,
		`[{"file": "f.txt", "edits": [{"line": 1, "old": "hello still broken", "new": "hello fixed world"}]}]`,
	}

	ctx := context.Background()
	if _, err := h.orch.Handle(ctx, "fix the greeting in f.txt"); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	reply, err := h.orch.Approve(ctx)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	// Tests failed; the orchestrator must come back with a revised plan
	// that again needs approval.
	if !reply.AwaitingApproval {
		t.Fatalf("expected revised plan awaiting approval, got: %q", reply.Text)
	}
	if len(h.plan.requests) != 2 {
		t.Fatalf("planner calls = %d, want 2", len(h.plan.requests))
	}
	if !strings.Contains(h.plan.requests[1], "tests failed") {
		t.Errorf("retry request missing failure context: %q", h.plan.requests[1])
	}
	if !strings.Contains(h.plan.requests[1], "exit code") {
		t.Errorf("retry request missing exit code: %q", h.plan.requests[1])
	}

	reply, err = h.orch.Approve(ctx)
	if err != nil {
		t.Fatalf("second Approve() error = %v", err)
	}
	if !strings.Contains(reply.Text, "All tests passed") {
		t.Errorf("second Approve() reply = %q", reply.Text)
	}
	content, _ := h.store.Read("f.txt")
	if content != "hello fixed world\n" {
		t.Errorf("final content = %q", content)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, agent.Config{
		TestCommand: []string{"false"},
		MaxRetries:  1,
	})
	writeFile(t, h.dir, "f.txt", "hello broken world\n")
	h.plan.responses = []string{
		planFixed,
		`[{"file": "f.txt", "edits": [{"line": 1, "old": "hello fixed world", "new": "hello other world"}]}]`,
	}

	ctx := context.Background()
	if _, err := h.orch.Handle(ctx, "fix the greeting in f.txt"); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	reply, err := h.orch.Approve(ctx)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !reply.AwaitingApproval {
		t.Fatalf("expected one retry before giving up, got: %q", reply.Text)
	}

	reply, err = h.orch.Approve(ctx)
	if err != nil {
		t.Fatalf("second Approve() error = %v", err)
	}
	if reply.AwaitingApproval {
		t.Fatal("budget exhausted but another plan proposed")
	}
	if !strings.Contains(reply.Text, "review the changes manually") {
		t.Errorf("exhaustion reply = %q", reply.Text)
	}
	if len(h.plan.requests) != 2 {
		t.Errorf("planner calls = %d, want 2", len(h.plan.requests))
	}
}

func TestCachedPlanSkipsPlanner(t *testing.T) {
	h := newHarness(t, agent.Config{TestCommand: []string{"true"}})
	writeFile(t, h.dir, "f.txt", "hello broken world\n")
	h.plan.responses = []string{planFixed}

	ctx := context.Background()
	if _, err := h.orch.Handle(ctx, "fix the greeting in f.txt"); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if _, err := h.orch.Reject(); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	// Same request over unchanged files: the cached raw plan is reused
	// and the planner is not called again.
	reply, err := h.orch.Handle(ctx, "fix the greeting in f.txt")
	if err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}
	if !reply.AwaitingApproval {
		t.Fatalf("second Handle() reply = %q", reply.Text)
	}
	if h.plan.calls != 1 {
		t.Errorf("planner calls = %d, want 1", h.plan.calls)
	}
}

func TestCachedPlanInvalidatedByFileChange(t *testing.T) {
	h := newHarness(t, agent.Config{TestCommand: []string{"true"}})
	writeFile(t, h.dir, "f.txt", "hello broken world\n")
	h.plan.responses = []string{planFixed, planFixed}

	ctx := context.Background()
	if _, err := h.orch.Handle(ctx, "fix the greeting in f.txt"); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if _, err := h.orch.Reject(); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	writeFile(t, h.dir, "f.txt", "hello broken world again\n")
	if _, err := h.orch.Handle(ctx, "fix the greeting in f.txt"); err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}
	if h.plan.calls != 2 {
		t.Errorf("planner calls = %d, want 2 after content change", h.plan.calls)
	}
}

func TestAllSkippedPlanStillRunsTests(t *testing.T) {
	h := newHarness(t, agent.Config{
		TestCommand: []string{"sh", "-c", "touch tested.marker; grep -q fixed f.txt"},
		MaxRetries:  3,
	})
	writeFile(t, h.dir, "f.txt", "hello broken world\n")
	h.plan.responses = []string{
		`[{"file": "f.txt", "edits": [{"line": 1, "old": "completely unrelated text", "new": "nope"}]}]`,
		planFixed,
	}

	ctx := context.Background()
	if _, err := h.orch.Handle(ctx, "fix the greeting in f.txt"); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	reply, err := h.orch.Approve(ctx)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	// Every directive was skipped, but verification must still run and its
	// failure must drive a replanning pass.
	if _, statErr := os.Stat(filepath.Join(h.dir, "tested.marker")); statErr != nil {
		t.Error("test command never ran after an all-skipped batch")
	}
	if !strings.Contains(reply.Text, "Applied 0/1 edits to f.txt (1 skipped)") {
		t.Errorf("reply missing skip report: %q", reply.Text)
	}
	if !reply.AwaitingApproval {
		t.Fatalf("expected revised plan awaiting approval, got: %q", reply.Text)
	}
	if len(h.plan.requests) != 2 || !strings.Contains(h.plan.requests[1], "tests failed") {
		t.Errorf("replanning not driven by test failure: %v", h.plan.requests)
	}
}

func TestCacheHitDoesNotRewriteMemoryFile(t *testing.T) {
	h := newHarness(t, agent.Config{TestCommand: []string{"true"}})
	writeFile(t, h.dir, "f.txt", "hello broken world\n")
	h.plan.responses = []string{planFixed}

	ctx := context.Background()
	if _, err := h.orch.Handle(ctx, "fix the greeting in f.txt"); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if _, err := h.orch.Reject(); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	before, err := os.ReadFile(h.memPath)
	if err != nil {
		t.Fatalf("reading memory file: %v", err)
	}

	if _, err := h.orch.Handle(ctx, "fix the greeting in f.txt"); err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}
	if h.plan.calls != 1 {
		t.Fatalf("planner calls = %d, want 1 (cache hit)", h.plan.calls)
	}
	after, err := os.ReadFile(h.memPath)
	if err != nil {
		t.Fatalf("reading memory file: %v", err)
	}
	if string(before) != string(after) {
		t.Error("cache hit rewrote the memory file")
	}
}

func TestMalformedPlanYieldsNoEdits(t *testing.T) {
	h := newHarness(t, agent.Config{TestCommand: []string{"true"}})
	writeFile(t, h.dir, "f.txt", "hello\n")
	h.plan.responses = []string{"I cannot produce edits for this."}

	reply, err := h.orch.Handle(context.Background(), "fix the greeting in f.txt")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if reply.AwaitingApproval {
		t.Fatal("malformed plan suspended for approval")
	}
	if !strings.Contains(reply.Text, "No changes were made") {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestUndoIntent(t *testing.T) {
	h := newHarness(t, agent.Config{TestCommand: []string{"true"}})
	writeFile(t, h.dir, "f.txt", "original\n")
	if err := h.store.BackupAndWrite("f.txt", "modified\n"); err != nil {
		t.Fatal(err)
	}

	reply, err := h.orch.Handle(context.Background(), "undo that change")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !strings.Contains(reply.Text, "Restored f.txt") {
		t.Errorf("undo reply = %q", reply.Text)
	}
	content, _ := h.store.Read("f.txt")
	if content != "original\n" {
		t.Errorf("content after undo = %q", content)
	}
}

func TestUndoWithEmptyHistory(t *testing.T) {
	h := newHarness(t, agent.Config{TestCommand: []string{"true"}})
	reply, err := h.orch.Handle(context.Background(), "undo")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !strings.Contains(reply.Text, "Nothing to undo") {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestRunIntent(t *testing.T) {
	h := newHarness(t, agent.Config{TestCommand: []string{"true"}})
	reply, err := h.orch.Handle(context.Background(), "run echo hi")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !strings.Contains(reply.Text, "$ echo hi (exit 0)") {
		t.Errorf("run reply = %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "hi") {
		t.Errorf("run reply missing output: %q", reply.Text)
	}
}

func TestProfileIntent(t *testing.T) {
	h := newHarness(t, agent.Config{TestCommand: []string{"true"}})
	reply, err := h.orch.Handle(context.Background(), "always add docstrings to new functions")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !strings.Contains(reply.Text, "add_docstrings = true") {
		t.Errorf("profile reply = %q", reply.Text)
	}
	if !h.mem.Preference("add_docstrings") {
		t.Error("preference not persisted")
	}

	reply, err = h.orch.Handle(context.Background(), "never add docstrings")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !strings.Contains(reply.Text, "add_docstrings = false") {
		t.Errorf("profile reply = %q", reply.Text)
	}
}

func TestReadIntentUsesAnswerCache(t *testing.T) {
	h := newHarness(t, agent.Config{TestCommand: []string{"true"}})
	h.class.intent = planner.IntentRead
	writeFile(t, h.dir, "calc.txt", "add: a plus b\n")

	ctx := context.Background()
	reply, err := h.orch.Handle(ctx, "what does calc do?")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if reply.Text != "it adds two numbers" {
		t.Errorf("read reply = %q", reply.Text)
	}

	if _, err := h.orch.Handle(ctx, "what does calc do?"); err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}
	if h.ans.calls != 1 {
		t.Errorf("answerer calls = %d, want 1 (cache hit)", h.ans.calls)
	}
}

func TestNewRequestDiscardsPendingPlan(t *testing.T) {
	h := newHarness(t, agent.Config{TestCommand: []string{"true"}})
	writeFile(t, h.dir, "f.txt", "hello broken world\n")
	h.plan.responses = []string{planFixed}

	ctx := context.Background()
	if _, err := h.orch.Handle(ctx, "fix the greeting in f.txt"); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if _, err := h.orch.Handle(ctx, "undo"); err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}

	// The earlier plan is gone; approving now is a no-op.
	reply, err := h.orch.Approve(ctx)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !strings.Contains(reply.Text, "no edits awaiting approval") {
		t.Errorf("Approve() reply = %q", reply.Text)
	}
	content, _ := h.store.Read("f.txt")
	if content != "hello broken world\n" {
		t.Errorf("file modified: %q", content)
	}
}
