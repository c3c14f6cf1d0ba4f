package ui

import (
	"context"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xlttj/pbiproxy/pkg/controller"
	"github.com/xlttj/pbiproxy/pkg/logging"
	"github.com/xlttj/pbiproxy/pkg/proxy"
)

// Model represents the state of the UI
type Model struct {
	ctx      context.Context
	ctrl     *controller.Controller
	interval time.Duration
	events   *proxy.Subscription

	width  int
	height int

	// Central error message
	errorMsg string
	// Status/info message (non-error feedback)
	statusMsg string

	rowsTable table.Model
	rowIDs    []string // row IDs in table order

	filterMode  bool
	filterInput textinput.Model

	editMode  bool
	editInput textinput.Model
	editRowID string

	logLines []logLine

	// copyText writes to the system clipboard.
	copyText func(string) error
}

// calculateColumnWidths returns column widths based on terminal width
func (m *Model) calculateColumnWidths() []table.Column {
	minWidths := map[string]int{
		ColModel:   16,
		ColTarget:  6,
		ColFixed:   6,
		ColAuto:    4,
		ColNetwork: 3,
		ColStatus:  7,
		ColActive:  6,
		ColTraffic: 9,
	}

	availableWidth := max(m.width-10, 60)

	totalMinWidth := 0
	for _, width := range minWidths {
		totalMinWidth += width
	}
	remainingSpace := max(availableWidth-totalMinWidth, 0)

	finalWidths := make(map[string]int)
	for col, minWidth := range minWidths {
		finalWidths[col] = minWidth
	}

	// The model name takes most of the extra space.
	for _, col := range []string{ColModel, ColTraffic, ColStatus} {
		if remainingSpace <= 0 {
			break
		}
		var extraForCol int
		switch col {
		case ColModel:
			extraForCol = remainingSpace * 70 / 100
		default:
			extraForCol = remainingSpace * 10 / 100
		}
		finalWidths[col] += extraForCol
		remainingSpace -= extraForCol
	}

	return []table.Column{
		{Title: ColModel, Width: finalWidths[ColModel]},
		{Title: ColTarget, Width: finalWidths[ColTarget]},
		{Title: ColFixed, Width: finalWidths[ColFixed]},
		{Title: ColAuto, Width: finalWidths[ColAuto]},
		{Title: ColNetwork, Width: finalWidths[ColNetwork]},
		{Title: ColStatus, Width: finalWidths[ColStatus]},
		{Title: ColActive, Width: finalWidths[ColActive]},
		{Title: ColTraffic, Width: finalWidths[ColTraffic]},
	}
}

// NewModel builds the rows view over ctrl. Instances are re-detected every
// interval; events published on the controller's bus feed the log pane.
func NewModel(ctx context.Context, ctrl *controller.Controller, interval time.Duration) *Model {
	if interval <= 0 {
		interval = controller.DefaultRefreshInterval
	}

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color(ColorBorder)).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color(ColorSelectedFg)).
		Background(lipgloss.Color(ColorSelectedBg)).
		Bold(false)

	fi := textinput.New()
	fi.Placeholder = "Filter..."
	fi.CharLimit = 156
	fi.Width = 20

	ei := textinput.New()
	ei.Placeholder = "port, empty to clear"
	ei.CharLimit = 5
	ei.Width = 12

	m := &Model{
		ctx:         ctx,
		ctrl:        ctrl,
		interval:    interval,
		width:       80, // updated on first WindowSizeMsg
		height:      24,
		filterInput: fi,
		editInput:   ei,
		copyText:    clipboard.WriteAll,
	}
	m.events = ctrl.Bus().SubscribeChannel(nil, proxy.DefaultQueueSize)

	m.rowsTable = table.New(
		table.WithColumns(m.calculateColumnWidths()),
		table.WithFocused(true),
		table.WithHeight(10),
		table.WithStyles(s),
	)
	m.refreshTable()
	return m
}

// Close releases the event subscription.
func (m *Model) Close() {
	m.events.Close()
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.refreshCmd(),
		m.waitForEvent(),
		m.waitForQuit(),
	)
}

func (m *Model) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		_, err := m.ctrl.Refresh(m.ctx)
		return refreshedMsg{err: err}
	}
}

func (m *Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) waitForEvent() tea.Cmd {
	sub := m.events
	return func() tea.Msg {
		e, ok := <-sub.C()
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(e)
	}
}

func (m *Model) waitForQuit() tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		<-ctx.Done()
		return quitMsg{}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.rowsTable.SetHeight(max(m.height-RowsViewOffset, MinTableHeight))
		m.rowsTable.SetColumns(m.calculateColumnWidths())
		m.filterInput.Width = max(m.width-4, 20)
		return m, nil

	case quitMsg:
		return m, tea.Quit

	case tickMsg:
		return m, m.refreshCmd()

	case refreshedMsg:
		if msg.err != nil && m.ctx.Err() == nil {
			m.errorMsg = msg.err.Error()
		}
		m.refreshTable()
		return m, m.tickCmd()

	case eventMsg:
		m.handleEvent(proxy.Event(msg))
		return m, m.waitForEvent()

	case eventsClosedMsg:
		logging.LogDebug("UI event subscription closed")
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		}
		return m.updateRows(msg)
	}

	var cmd tea.Cmd
	m.rowsTable, cmd = m.rowsTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e proxy.Event) {
	switch e.Type {
	case proxy.EventRowsChanged, proxy.EventConnectionCountChanged:
		m.refreshTable()
	case proxy.EventError:
		m.appendLog(logLine{Time: e.Time, Text: e.String(), IsError: true})
	default:
		m.appendLog(logLine{Time: e.Time, Text: e.String()})
		m.refreshTable()
	}
}

func (m *Model) appendLog(l logLine) {
	m.logLines = append(m.logLines, l)
	if over := len(m.logLines) - MaxLogLines; over > 0 {
		m.logLines = append([]logLine(nil), m.logLines[over:]...)
	}
}

// Run shows the terminal UI until the user quits or ctx is cancelled.
func Run(ctx context.Context, ctrl *controller.Controller, interval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := NewModel(ctx, ctrl, interval)
	defer model.Close()

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
