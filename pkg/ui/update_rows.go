package ui

import (
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/xlttj/pbiproxy/pkg/logging"
	"github.com/xlttj/pbiproxy/pkg/reconcile"
)

// updateRows handles key presses in the rows view.
func (m *Model) updateRows(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	if m.editMode {
		switch msg.String() {
		case "esc":
			m.leaveEdit()
			return m, nil
		case "enter":
			return m.commitPortEdit()
		}
		m.editInput, cmd = m.editInput.Update(msg)
		return m, cmd
	}

	if m.filterMode {
		switch msg.String() {
		case "esc":
			m.filterMode = false
			m.filterInput.SetValue("")
			m.filterInput.Blur()
			m.rowsTable.Focus()
			m.refreshTable()
			return m, nil
		case "enter":
			m.filterMode = false
			m.filterInput.Blur()
			m.rowsTable.Focus()
			return m, nil
		}
		m.filterInput, cmd = m.filterInput.Update(msg)
		m.refreshTable()
		return m, cmd
	}

	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "/":
		m.filterMode = true
		m.filterInput.Focus()
		m.rowsTable.Blur()
		return m, nil
	case "esc":
		if m.filterInput.Value() != "" {
			m.filterInput.SetValue("")
			m.refreshTable()
		}
		m.clearMessages()
		return m, nil
	case ShortcutRefresh:
		m.clearMessages()
		m.statusMsg = "Refreshing..."
		return m, m.refreshCmd()
	case " ":
		return m.toggleProxy()
	case "e":
		return m.enterEdit()
	case "a":
		return m.withRow(func(r reconcile.Row) error {
			r, err := m.ctrl.ToggleAutoConnect(r.ID())
			if err == nil {
				m.statusMsg = fmt.Sprintf("Auto-connect %s for %s", onOff(r.AutoConnect), r.ModelName)
			}
			return err
		})
	case "n":
		return m.withRow(func(r reconcile.Row) error {
			r, err := m.ctrl.ToggleNetworkAccess(r.ID())
			if err == nil {
				m.statusMsg = fmt.Sprintf("Network access %s for %s", onOff(r.AllowNetworkAccess), r.ModelName)
			}
			return err
		})
	case "d":
		return m.withRow(func(r reconcile.Row) error {
			if err := m.ctrl.RemoveRow(r.ID()); err != nil {
				return err
			}
			m.statusMsg = fmt.Sprintf("Removed rule for %s", r.ModelName)
			return nil
		})
	case "c":
		return m.withRow(func(r reconcile.Row) error {
			addr, err := m.ctrl.ConnectionString(r.ID())
			if err != nil {
				return err
			}
			if err := m.copyText(addr); err != nil {
				return fmt.Errorf("copy to clipboard: %w", err)
			}
			m.statusMsg = fmt.Sprintf("Copied %s", addr)
			return nil
		})
	}

	m.rowsTable, cmd = m.rowsTable.Update(msg)
	return m, cmd
}

// withRow runs fn on the selected row and reports its error.
func (m *Model) withRow(fn func(r reconcile.Row) error) (tea.Model, tea.Cmd) {
	m.clearMessages()
	r, err := m.selectedRow()
	if err == nil {
		err = fn(r)
	}
	if err != nil {
		m.errorMsg = err.Error()
	}
	m.refreshTable()
	return m, nil
}

func (m *Model) toggleProxy() (tea.Model, tea.Cmd) {
	return m.withRow(func(r reconcile.Row) error {
		if r.Status == reconcile.Running {
			if err := m.ctrl.StopRow(r.ID()); err != nil {
				return err
			}
			m.statusMsg = fmt.Sprintf("Stopped %s on %d", r.ModelName, r.FixedPort)
			return nil
		}
		if r.Live && r.FixedPort == 0 {
			m.startEdit(r)
			m.statusMsg = fmt.Sprintf("Choose a fixed port for %s", r.ModelName)
			return nil
		}
		if err := m.ctrl.StartRow(m.ctx, r.ID()); err != nil {
			logging.LogError("Start %s failed: %v", r.Label(), err)
			return err
		}
		m.statusMsg = fmt.Sprintf("Started %s on %d", r.ModelName, r.FixedPort)
		return nil
	})
}

func (m *Model) enterEdit() (tea.Model, tea.Cmd) {
	return m.withRow(func(r reconcile.Row) error {
		if r.Status == reconcile.Running {
			return fmt.Errorf("stop %s before changing its port", r.ModelName)
		}
		m.startEdit(r)
		return nil
	})
}

// startEdit opens the port editor, prefilled with the row's port or a
// suggested free one.
func (m *Model) startEdit(r reconcile.Row) {
	port := r.FixedPort
	if port == 0 {
		port = m.ctrl.SuggestPort(r.ID())
	}
	value := ""
	if port > 0 {
		value = strconv.Itoa(port)
	}
	m.editMode = true
	m.editRowID = r.ID()
	m.editInput.SetValue(value)
	m.editInput.CursorEnd()
	m.editInput.Focus()
	m.rowsTable.Blur()
}

func (m *Model) leaveEdit() {
	m.editMode = false
	m.editRowID = ""
	m.editInput.Blur()
	m.rowsTable.Focus()
}

// commitPortEdit validates and applies the edited fixed port. An empty
// value clears the port.
func (m *Model) commitPortEdit() (tea.Model, tea.Cmd) {
	id := m.editRowID
	m.leaveEdit()
	m.clearMessages()

	port := 0
	if portStr := strings.TrimSpace(m.editInput.Value()); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			m.errorMsg = "Port must be a number"
			return m, nil
		}
		port = p
	}

	r, err := m.ctrl.EditPort(id, port)
	switch {
	case err != nil:
		m.errorMsg = err.Error()
	case port == 0:
		m.statusMsg = fmt.Sprintf("Cleared port for %s", r.ModelName)
	default:
		m.statusMsg = fmt.Sprintf("%s will use port %d", r.ModelName, port)
	}
	m.refreshTable()
	return m, nil
}

func (m *Model) clearMessages() {
	m.errorMsg = ""
	m.statusMsg = ""
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
