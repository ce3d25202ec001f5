// Package progress renders a terminal progress bar for one fetch run.
package progress

import (
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// UpdateMsg reports fetch progress: done of total tasks finished.
type UpdateMsg struct {
	Done  int
	Total int
}

// DoneMsg tells the display the run is over.
type DoneMsg struct{}

var labelStyle = lipgloss.NewStyle().Bold(true)

// Model is the Bubble Tea model for the fetch progress display.
type Model struct {
	bar   progress.Model
	done  int
	total int
}

// New creates a progress display.
func New() Model {
	return Model{
		bar: progress.New(progress.WithDefaultGradient()),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		width := msg.Width - 20
		if width > 60 {
			width = 60
		}
		if width > 0 {
			m.bar.Width = width
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case UpdateMsg:
		m.done = msg.Done
		m.total = msg.Total
		if m.total == 0 {
			return m, nil
		}
		return m, m.bar.SetPercent(float64(m.done) / float64(m.total))

	case DoneMsg:
		return m, tea.Quit

	case progress.FrameMsg:
		barModel, cmd := m.bar.Update(msg)
		m.bar = barModel.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	return fmt.Sprintf(
		"%s %s %d/%d\n",
		labelStyle.Render("Fetching mail"),
		m.bar.View(),
		m.done, m.total,
	)
}
