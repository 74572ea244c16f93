// Package confirm is a small terminal yes/no dialog. It implements the
// operator consent capability for interactive mode.
package confirm

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// --- Styles ---

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")).
			Padding(1, 2)

	questionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#874BFD")).
			Padding(0, 2)

	unselectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Padding(0, 2)

	hintStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))
)

// Model is the bubbletea model for the dialog. Exported so it can be driven
// directly in tests without a terminal.
type Model struct {
	question string
	yes      bool
	decided  bool
}

func NewModel(question string) Model {
	return Model{question: question}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "y", "Y":
		m.yes = true
		m.decided = true
		return m, tea.Quit
	case "n", "N", "esc", "ctrl+c", "q":
		m.yes = false
		m.decided = true
		return m, tea.Quit
	case "left", "right", "tab", "h", "l":
		m.yes = !m.yes
		return m, nil
	case "enter":
		m.decided = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(questionStyle.Render(m.question))
	b.WriteString("\n\n")

	yesBtn := unselectedStyle.Render("Yes")
	noBtn := selectedStyle.Render("No")
	if m.yes {
		yesBtn = selectedStyle.Render("Yes")
		noBtn = unselectedStyle.Render("No")
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, yesBtn, "  ", noBtn))
	b.WriteString("\n\n")
	b.WriteString(hintStyle.Render("y/n to answer, arrows to move, enter to confirm"))

	return boxStyle.Render(b.String())
}

// Answer reports the decision. False until the dialog has been answered, so
// an aborted program still counts as "no".
func (m Model) Answer() bool {
	return m.decided && m.yes
}

// Dialog runs the model in a terminal program. It satisfies the interactive
// Consent interface.
type Dialog struct{}

func (Dialog) Confirm(ctx context.Context, question string) (bool, error) {
	p := tea.NewProgram(NewModel(question), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return false, fmt.Errorf("confirm dialog: %w", err)
	}
	m, ok := final.(Model)
	if !ok {
		return false, fmt.Errorf("confirm dialog: unexpected model %T", final)
	}
	return m.Answer(), nil
}
