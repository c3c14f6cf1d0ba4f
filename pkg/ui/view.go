package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/xlttj/pbiproxy/pkg/reconcile"
)

// View renders the current model state
func (m *Model) View() string {
	title := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorTitle)).Bold(true).Render(m.title())

	help := HelpWide
	if m.width < WideLayout {
		help = HelpNarrow
	}
	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorHelp))

	top := title
	if m.width >= WideLayout {
		helpText := helpStyle.Render(help)
		if spacing := m.width - lipgloss.Width(title) - lipgloss.Width(helpText); spacing > 0 {
			top = lipgloss.JoinHorizontal(lipgloss.Left, title, strings.Repeat(" ", spacing), helpText)
		}
	}

	sections := []string{top, "", m.filterView()}
	if len(m.rowIDs) == 0 {
		empty := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorHelp)).Padding(1, 2)
		sections = append(sections, empty.Render(m.emptyText()))
	} else {
		sections = append(sections, lipgloss.PlaceHorizontal(m.width, lipgloss.Left, m.rowsTable.View()))
	}

	if m.editMode {
		editLabel := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorEdit)).Render("Fixed Port: ")
		sections = append(sections, editLabel+m.editInput.View()+" (Enter to save, Esc to cancel)")
	}
	if msg := m.messageView(); msg != "" {
		sections = append(sections, msg)
	}
	sections = append(sections, m.logView())
	if m.width < WideLayout {
		sections = append(sections, helpStyle.Render(help))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) title() string {
	running, live := 0, 0
	for _, r := range m.ctrl.Rows() {
		if r.Live {
			live++
		}
		if r.Status == reconcile.Running {
			running++
		}
	}
	return fmt.Sprintf("pbiproxy - %d open, %d proxied", live, running)
}

func (m *Model) emptyText() string {
	if m.filterInput.Value() != "" {
		return "No rows match the filter."
	}
	return "No models open and no rules saved. Open a model to see it here."
}

// filterView always reserves the filter box to prevent layout shift.
func (m *Model) filterView() string {
	box := lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)
	switch {
	case m.filterMode:
		return box.BorderForeground(lipgloss.Color(ColorBorder)).Render("Filter: " + m.filterInput.View())
	case m.filterInput.Value() != "":
		return box.
			BorderForeground(lipgloss.Color(ColorInactive)).
			Foreground(lipgloss.Color(ColorInactive)).
			Render(fmt.Sprintf("Filter: %s (Press / to edit, Esc to clear)", m.filterInput.Value()))
	default:
		return box.
			BorderForeground(lipgloss.Color(ColorBorder)).
			Foreground(lipgloss.Color(ColorBorder)).
			Render("Press / to filter...")
	}
}

func (m *Model) messageView() string {
	if m.errorMsg != "" {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(ColorError)).Render("ERROR: " + m.errorMsg)
	}
	if m.statusMsg != "" {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(ColorStatus)).Render(m.statusMsg)
	}
	return ""
}

// logView shows the latest events, oldest first.
func (m *Model) logView() string {
	lines := m.logLines
	if len(lines) > LogPaneLines {
		lines = lines[len(lines)-LogPaneLines:]
	}
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorError))
	out := make([]string, 0, LogPaneLines)
	for _, l := range lines {
		text := fmt.Sprintf("%s %s", l.Time.Format(time.TimeOnly), l.Text)
		if l.IsError {
			text = errStyle.Render(text)
		}
		out = append(out, text)
	}
	for len(out) < LogPaneLines {
		out = append(out, "")
	}
	return lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderTop(true).
		BorderForeground(lipgloss.Color(ColorBorder)).
		Width(max(m.width-2, 20)).
		Render(strings.Join(out, "\n"))
}
