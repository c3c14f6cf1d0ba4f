package ui

import (
	"errors"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/dustin/go-humanize"

	"github.com/xlttj/pbiproxy/pkg/proxy"
	"github.com/xlttj/pbiproxy/pkg/reconcile"
)

var errNoSelection = errors.New("no row selected")

// visibleRows returns the controller rows that match the filter text.
func (m *Model) visibleRows() []reconcile.Row {
	rows := m.ctrl.Rows()
	filterText := strings.ToLower(strings.TrimSpace(m.filterInput.Value()))
	if filterText == "" {
		return rows
	}
	out := rows[:0:0]
	for _, r := range rows {
		if strings.Contains(strings.ToLower(r.ModelName), filterText) ||
			strings.Contains(strings.ToLower(r.DatabaseName), filterText) ||
			strings.Contains(strings.ToLower(r.Status.String()), filterText) ||
			(r.FixedPort > 0 && strings.Contains(strconv.Itoa(r.FixedPort), filterText)) {
			out = append(out, r)
		}
	}
	return out
}

// generateRows converts reconciled rows to table rows. Traffic comes from
// the running forwarder on the row's fixed port.
func generateRows(rows []reconcile.Row, snapshot []proxy.ForwarderStatus) []table.Row {
	traffic := make(map[int]uint64, len(snapshot))
	for _, s := range snapshot {
		traffic[s.ListenPort] = s.BytesIn + s.BytesOut
	}

	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		target, fixed, active, bytes := "-", "-", "-", "-"
		if r.Live {
			target = strconv.Itoa(r.TargetPort)
		}
		if r.FixedPort > 0 {
			fixed = strconv.Itoa(r.FixedPort)
		}
		status := r.Status.String()
		if r.AwaitingPort {
			status += "*"
		}
		if r.Status == reconcile.Running {
			active = strconv.Itoa(r.ActiveConnections)
			bytes = humanize.Bytes(traffic[r.FixedPort])
		}
		out = append(out, table.Row{
			r.Label(),
			target,
			fixed,
			check(r.AutoConnect),
			check(r.AllowNetworkAccess),
			status,
			active,
			bytes,
		})
	}
	return out
}

func check(b bool) string {
	if b {
		return "✓"
	}
	return ""
}

// refreshTable rebuilds the table and keeps the cursor on the same row.
func (m *Model) refreshTable() {
	selected, _ := m.selectedID()

	rows := m.visibleRows()
	m.rowIDs = m.rowIDs[:0]
	for _, r := range rows {
		m.rowIDs = append(m.rowIDs, r.ID())
	}
	m.rowsTable.SetRows(generateRows(rows, m.ctrl.Snapshot()))

	cursor := 0
	for i, id := range m.rowIDs {
		if id == selected {
			cursor = i
			break
		}
	}
	if len(m.rowIDs) > 0 {
		m.rowsTable.SetCursor(min(cursor, len(m.rowIDs)-1))
	}
}

func (m *Model) selectedID() (string, error) {
	i := m.rowsTable.Cursor()
	if i < 0 || i >= len(m.rowIDs) {
		return "", errNoSelection
	}
	return m.rowIDs[i], nil
}

func (m *Model) selectedRow() (reconcile.Row, error) {
	id, err := m.selectedID()
	if err != nil {
		return reconcile.Row{}, err
	}
	r, ok := m.ctrl.Row(id)
	if !ok {
		return reconcile.Row{}, errNoSelection
	}
	return r, nil
}
