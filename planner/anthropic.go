package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const (
	defaultModel     = anthropic.Model("claude-sonnet-4-5-20250929")
	defaultMaxTokens = 4096
)

const planSystemPrompt = `Analyze the code files below (shown with line numbers) and provide the edits needed for the user's request.

CRITICAL INSTRUCTIONS:
1. Line numbers are shown at the start of each line (e.g., '   1 | code')
2. Use these EXACT line numbers in your edits
3. Return ONLY a JSON array, NO explanations, NO markdown

JSON format:
[{"file": "path/to/file.py", "edits": [{"line": 10, "old": "exact old code", "new": "new code"}]}]

Rules:
- 'line': the exact line number from the file (count carefully)
- 'old': copy the EXACT code from that line (can be partial for matching)
- 'new': the complete replacement line
- For insertions: set 'old' to an empty string
- For deletions: set 'new' to an empty string
- Be precise with line numbers - they are the primary matching mechanism`

const classifySystemPrompt = `Classify intent: read | edit | run | profile | undo

- read: understand/view code
- edit: modify/fix/add code
- run: execute command/test
- profile: set preferences
- undo: revert changes

Return only the intent word.`

// Client is the Anthropic-backed implementation of Planner, Classifier and
// Answerer.
type Client struct {
	api    anthropic.Client
	model  anthropic.Model
	logger *zap.Logger
}

// NewClient builds a Client for the given API key. A nil logger is replaced
// with a no-op logger.
func NewClient(apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		api:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  defaultModel,
		logger: logger,
	}
}

// Plan asks the model for a line-level edit plan over files. Malformed
// output comes back as an empty plan wrapped in *FormatError, never as a
// hard failure.
func (c *Client) Plan(ctx context.Context, request string, files map[string]string) (*PlanResult, error) {
	user := NumberedContext(files)
	c.logger.Debug("requesting edit plan",
		zap.Int("files", len(files)),
		zap.Int("context_chars", len(user)))

	raw, err := c.complete(ctx, planSystemPrompt+"\n\nUser request: "+request, user)
	if err != nil {
		return nil, fmt.Errorf("planner call failed: %w", err)
	}

	plan, perr := ParsePlan(raw)
	if perr != nil {
		c.logger.Warn("planner output unparseable", zap.Error(perr))
		return &PlanResult{Plan: plan, Raw: raw}, perr
	}
	c.logger.Info("edit plan generated",
		zap.Int("files", len(plan.Files)),
		zap.Int("total_edits", plan.TotalEdits))
	return &PlanResult{Plan: plan, Raw: raw}, nil
}

// Classify labels the request with one of the fixed intents. Unrecognized
// model output falls back to read, the safe default.
func (c *Client) Classify(ctx context.Context, request string) (Intent, error) {
	raw, err := c.complete(ctx, classifySystemPrompt, request)
	if err != nil {
		return IntentRead, fmt.Errorf("classifier call failed: %w", err)
	}
	word := strings.ToLower(strings.TrimSpace(raw))
	if ValidIntent(word) {
		return Intent(word), nil
	}
	c.logger.Debug("classifier returned unknown label, defaulting to read",
		zap.String("label", word))
	return IntentRead, nil
}

// Answer answers a question about the files in scope.
func (c *Client) Answer(ctx context.Context, request string, files map[string]string) (string, error) {
	system := "Answer the user's question based on the code provided.\n\n" + PlainContext(files)
	raw, err := c.complete(ctx, system, request)
	if err != nil {
		return "", fmt.Errorf("answer call failed: %w", err)
	}
	return strings.TrimSpace(raw), nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: defaultMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", err
	}

	var parts []string
	for _, content := range resp.Content {
		if content.Type == "text" {
			parts = append(parts, content.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text content in model response")
	}
	return strings.Join(parts, "\n"), nil
}

// NumberedContext renders files as "# File: path" sections with 1-based
// line numbers, the format the plan prompt expects.
func NumberedContext(files map[string]string) string {
	paths := sortedPaths(files)
	var parts []string
	for _, path := range paths {
		lines := strings.Split(files[path], "\n")
		var b strings.Builder
		fmt.Fprintf(&b, "# File: %s\n", path)
		for i, line := range lines {
			fmt.Fprintf(&b, "%4d | %s\n", i+1, line)
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// PlainContext renders files as "# path" sections without line numbers.
func PlainContext(files map[string]string) string {
	paths := sortedPaths(files)
	var parts []string
	for _, path := range paths {
		parts = append(parts, fmt.Sprintf("# %s\n%s", path, files[path]))
	}
	return strings.Join(parts, "\n\n")
}

func sortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
