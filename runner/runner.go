// Package runner executes opaque external commands (test suites, linters,
// user programs) with a hard timeout. A command that exceeds its timeout is
// killed and reported as a deterministic synthetic failure, never as an
// unhandled error. A small semaphore bounds how many commands run at once.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a verification run.
	DefaultTimeout = 30 * time.Second

	// MaxOutputLength truncates captured output before it is returned.
	MaxOutputLength = 30000

	// TimeoutExitCode is the synthetic exit code for a killed command.
	TimeoutExitCode = -1

	defaultConcurrency = 4
)

// Result is the structured outcome of one command execution.
type Result struct {
	Command  []string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Success reports whether the command exited zero.
func (r *Result) Success() bool { return r.ExitCode == 0 }

// Runner executes commands in a working directory.
type Runner struct {
	dir     string
	timeout time.Duration
	sem     chan struct{}
	logger  *zap.Logger
}

// New builds a Runner. A zero timeout uses DefaultTimeout.
func New(dir string, timeout time.Duration, logger *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		dir:     dir,
		timeout: timeout,
		sem:     make(chan struct{}, defaultConcurrency),
		logger:  logger,
	}
}

// Run executes command and captures its output. On timeout the process is
// killed and the result carries TimeoutExitCode plus a timeout note in
// stderr; the error return is reserved for failures to start at all.
func (r *Runner) Run(ctx context.Context, command []string) (*Result, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, command[0], command[1:]...)
	cmd.Dir = r.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := &Result{
		Command:  command,
		Stdout:   truncateOutput(stdout.String()),
		Stderr:   truncateOutput(stderr.String()),
		Duration: elapsed,
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = TimeoutExitCode
		result.TimedOut = true
		note := fmt.Sprintf("[ERROR] Command timed out after %s and was terminated.", r.timeout)
		if result.Stderr != "" {
			result.Stderr += "\n"
		}
		result.Stderr += note
		r.logger.Warn("command timed out",
			zap.Strings("command", command),
			zap.Duration("timeout", r.timeout))
		return result, nil
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to run %s: %w", strings.Join(command, " "), err)
		}
	}

	r.logger.Info("command finished",
		zap.Strings("command", command),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", elapsed))
	return result, nil
}

func truncateOutput(s string) string {
	if len(s) <= MaxOutputLength {
		return s
	}
	n := MaxOutputLength
	// Back up so the cut cannot split a multi-byte rune.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n... (output truncated)"
}
