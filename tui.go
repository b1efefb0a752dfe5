package main

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"coder/agent"
)

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	responseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	approvalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

type message struct {
	role    string
	content string
}

type replyMsg *agent.Reply
type errMsg error

type model struct {
	orch             *agent.Orchestrator
	project          string
	messages         []message
	input            string
	waiting          bool
	awaitingApproval bool
	err              error
	width            int
	height           int
}

func initialModel(orch *agent.Orchestrator, project string) model {
	return model{
		orch:    orch,
		project: project,
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Always allow Ctrl+C to quit, even when waiting
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}

		if m.waiting {
			return m, nil
		}

		switch msg.Type {
		case tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyEnter:
			input := strings.TrimSpace(m.input)
			if input == "" {
				return m, nil
			}
			lower := strings.ToLower(input)
			if lower == "exit" || lower == "quit" {
				return m, tea.Quit
			}

			m.messages = append(m.messages, message{role: "user", content: input})
			m.input = ""
			m.waiting = true
			return m, m.dispatch(input)

		case tea.KeyBackspace:
			if len(m.input) > 0 {
				m.input = m.input[:len(m.input)-1]
			}

		case tea.KeySpace:
			m.input += " "

		case tea.KeyRunes:
			m.input += string(msg.Runes)
		}

	case replyMsg:
		m.waiting = false
		m.awaitingApproval = msg.AwaitingApproval
		m.messages = append(m.messages, message{role: "assistant", content: msg.Text})

	case errMsg:
		m.waiting = false
		m.err = msg

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	}

	return m, nil
}

// dispatch routes approval decisions to the pending plan and everything
// else through the full pipeline.
func (m model) dispatch(input string) tea.Cmd {
	orch := m.orch
	awaiting := m.awaitingApproval
	return func() tea.Msg {
		ctx := context.Background()
		var (
			reply *agent.Reply
			err   error
		)
		switch strings.ToLower(input) {
		case "approve", "yes", "y":
			if awaiting {
				reply, err = orch.Approve(ctx)
			} else {
				reply, err = orch.Handle(ctx, input)
			}
		case "reject", "no", "n":
			if awaiting {
				reply, err = orch.Reject()
			} else {
				reply, err = orch.Handle(ctx, input)
			}
		default:
			reply, err = orch.Handle(ctx, input)
		}
		if err != nil {
			return errMsg(err)
		}
		return replyMsg(reply)
	}
}

func (m model) View() string {
	var s strings.Builder

	if len(m.messages) == 0 {
		s.WriteString(lipgloss.NewStyle().Bold(true).Render("coder") + "\n")
		s.WriteString(statusStyle.Render(m.project) + "\n")
		s.WriteString(statusStyle.Render("Describe a change, ask about the code, or type 'undo'. 'exit' quits.") + "\n\n")
	}

	for _, msg := range m.messages {
		if msg.role == "user" {
			s.WriteString(promptStyle.Render("> ") + msg.content + "\n\n")
		} else {
			s.WriteString(responseStyle.Render(msg.content) + "\n\n")
		}
	}

	if m.waiting {
		s.WriteString(responseStyle.Render("Working...") + "\n\n")
	}

	if m.err != nil {
		s.WriteString(errorStyle.Render(fmt.Sprintf("error: %v", m.err)) + "\n\n")
	}

	borderLine := strings.Repeat("─", max(m.width, 1))
	s.WriteString(borderLine + "\n")
	s.WriteString("> " + m.input + "\n")
	s.WriteString(borderLine + "\n")

	if m.awaitingApproval {
		s.WriteString(approvalStyle.Render("  edits pending: approve / reject") + "\n")
	} else {
		s.WriteString(statusStyle.Render("  phase: "+m.orch.Phase().String()) + "\n")
	}

	return s.String()
}
