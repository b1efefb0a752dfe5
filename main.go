package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"coder/agent"
	"coder/memory"
	"coder/patch"
	"coder/planner"
	"coder/runner"
	"coder/workspace"
)

func main() {
	app := &cli.App{
		Name:  "coder",
		Usage: "An LLM-assisted code editing agent with approval-gated patches",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "interactive",
				Aliases: []string{"i"},
				Usage:   "Run in interactive TUI mode",
			},
			&cli.StringFlag{
				Name:    "project",
				Aliases: []string{"p"},
				Value:   ".",
				Usage:   "Project directory to operate on",
			},
			&cli.StringFlag{
				Name:  "test-cmd",
				Value: "go test ./...",
				Usage: "Command used to verify applied edits",
			},
			&cli.IntFlag{
				Name:  "max-retries",
				Value: agent.DefaultMaxRetries,
				Usage: "Replanning attempts after failing tests",
			},
			&cli.StringFlag{
				Name:  "memory-file",
				Usage: "Path to the memory file (default <project>/.coder_memory.json)",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	if !c.Bool("interactive") {
		return cli.ShowAppHelp(c)
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY environment variable is required")
	}

	project, err := filepath.Abs(c.String("project"))
	if err != nil {
		return fmt.Errorf("resolving project directory: %w", err)
	}

	logger, err := newLogger(project, c.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	store, err := workspace.NewStore(project, logger)
	if err != nil {
		return fmt.Errorf("opening workspace: %w", err)
	}

	memPath := c.String("memory-file")
	if memPath == "" {
		memPath = filepath.Join(project, ".coder_memory.json")
	}
	mem := memory.Load(memPath, memory.DefaultOptions(), logger)

	client := planner.NewClient(apiKey, logger)
	orch := agent.New(
		agent.Config{
			TestCommand: strings.Fields(c.String("test-cmd")),
			MaxRetries:  c.Int("max-retries"),
		},
		client, client, client,
		store,
		patch.NewEngine(store, logger),
		mem,
		runner.New(project, runner.DefaultTimeout, logger),
		logger,
	)

	p := tea.NewProgram(initialModel(orch, project), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}

// newLogger writes structured logs to a file inside the project so log
// output does not fight the TUI for the terminal.
func newLogger(project string, verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{filepath.Join(project, ".coder.log")}
	cfg.ErrorOutputPaths = cfg.OutputPaths
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
