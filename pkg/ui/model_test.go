package ui

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xlttj/pbiproxy/pkg/config"
	"github.com/xlttj/pbiproxy/pkg/controller"
	"github.com/xlttj/pbiproxy/pkg/discovery"
	"github.com/xlttj/pbiproxy/pkg/proxy"
	"github.com/xlttj/pbiproxy/pkg/reconcile"
)

func startEcho(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newTestModel(t *testing.T, rules []config.PortMappingRule, instances ...discovery.Instance) *Model {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.DefaultConfiguration()
	cfg.PortMappings = rules
	require.NoError(t, config.NewJSONStore(path).Save(cfg))

	ctrl, err := controller.New(controller.Options{
		Detector: discovery.NewStaticDetector(instances...),
		Store:    config.NewJSONStore(path),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })

	_, err = ctrl.Refresh(context.Background())
	require.NoError(t, err)

	m := NewModel(context.Background(), ctrl, 0)
	t.Cleanup(m.Close)
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return m
}

func instance(name string, pid, target int) discovery.Instance {
	return discovery.Instance{ProcessID: pid, ModelName: name, TargetPort: target, FilePath: "/ws/" + name}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune(" ")}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(m *Model, keys ...string) {
	for _, k := range keys {
		m.Update(key(k))
	}
}

func TestViewShowsLiveAndOfflineRows(t *testing.T) {
	m := newTestModel(t,
		[]config.PortMappingRule{{ModelNamePattern: "Finance", FixedPort: 7001}},
		instance("Sales", 10, 50001),
	)

	require.Len(t, m.rowIDs, 2)
	view := m.View()
	assert.Contains(t, view, "Sales")
	assert.Contains(t, view, "Finance")
	assert.Contains(t, view, "Offline")
	assert.Contains(t, view, "1 open, 0 proxied")
}

func TestViewEmpty(t *testing.T) {
	m := newTestModel(t, nil)
	assert.Contains(t, m.View(), "No models open and no rules saved")
}

func TestSpaceStartsAndStopsProxy(t *testing.T) {
	target, port := startEcho(t), freePort(t)
	m := newTestModel(t,
		[]config.PortMappingRule{{ModelNamePattern: "Sales", FixedPort: port}},
		instance("Sales", 10, target),
	)

	press(m, " ")
	require.Empty(t, m.errorMsg)
	r, err := m.selectedRow()
	require.NoError(t, err)
	assert.Equal(t, reconcile.Running, r.Status)
	assert.True(t, m.ctrl.Manager().IsRunning(port))
	assert.Contains(t, m.View(), "1 open, 1 proxied")

	press(m, " ")
	assert.False(t, m.ctrl.Manager().IsRunning(port))
	assert.Contains(t, m.statusMsg, "Stopped Sales")
}

func TestSpaceOnRowWithoutPortOpensEditor(t *testing.T) {
	m := newTestModel(t, nil, instance("Sales", 10, 50001))

	press(m, " ")
	assert.True(t, m.editMode)
	assert.NotEmpty(t, m.editInput.Value())
}

func TestEditPortSavesRule(t *testing.T) {
	m := newTestModel(t, nil, instance("Sales", 10, 50001))
	port := freePort(t)

	press(m, "e")
	require.True(t, m.editMode)
	m.editInput.SetValue(strconv.Itoa(port))
	press(m, "enter")

	assert.False(t, m.editMode)
	assert.Empty(t, m.errorMsg)
	rule, ok := config.FindRule(m.ctrl.Config().PortMappings, "Sales")
	require.True(t, ok)
	assert.Equal(t, port, rule.FixedPort)
}

func TestEditPortRejectsGarbage(t *testing.T) {
	m := newTestModel(t, nil, instance("Sales", 10, 50001))

	press(m, "e")
	m.editInput.SetValue("abc")
	press(m, "enter")
	assert.Equal(t, "Port must be a number", m.errorMsg)

	press(m, "e")
	press(m, "esc")
	assert.False(t, m.editMode)
	assert.Empty(t, m.ctrl.Config().PortMappings)
}

func TestToggleKeysAndDelete(t *testing.T) {
	m := newTestModel(t, []config.PortMappingRule{{ModelNamePattern: "Sales", FixedPort: 7000}}, instance("Sales", 10, 50001))

	press(m, "a", "n")
	rule, ok := config.FindRule(m.ctrl.Config().PortMappings, "Sales")
	require.True(t, ok)
	assert.True(t, rule.AutoConnect)
	assert.True(t, rule.AllowNetworkAccess)

	press(m, "d")
	assert.Empty(t, m.errorMsg)
	assert.Empty(t, m.ctrl.Config().PortMappings)
	r, err := m.selectedRow()
	require.NoError(t, err)
	assert.Zero(t, r.FixedPort)
}

func TestCopyConnectionString(t *testing.T) {
	m := newTestModel(t, []config.PortMappingRule{{ModelNamePattern: "Sales", FixedPort: 7000}}, instance("Sales", 10, 50001))
	var copied string
	m.copyText = func(s string) error {
		copied = s
		return nil
	}

	press(m, "c")
	assert.Equal(t, "localhost:7000", copied)
	assert.Contains(t, m.statusMsg, "Copied localhost:7000")

	m.copyText = func(string) error { return errors.New("no clipboard") }
	press(m, "c")
	assert.Contains(t, m.errorMsg, "no clipboard")
}

func TestFilter(t *testing.T) {
	m := newTestModel(t,
		[]config.PortMappingRule{{ModelNamePattern: "Finance", FixedPort: 7001}},
		instance("Sales", 10, 50001),
	)

	press(m, "/", "f", "i", "n")
	assert.True(t, m.filterMode)
	require.Len(t, m.rowIDs, 1)
	assert.Equal(t, "name:Finance", m.rowIDs[0])

	press(m, "enter")
	assert.False(t, m.filterMode)
	assert.Contains(t, m.View(), "Filter: fin")

	press(m, "esc")
	assert.Len(t, m.rowIDs, 2)
}

func TestEventsFeedLogPane(t *testing.T) {
	m := newTestModel(t, nil)

	m.Update(eventMsg(proxy.ErrorEvent("detection failed: %s", "boom")))
	m.Update(eventMsg(proxy.ProxyStarted(7000, 50001)))

	require.Len(t, m.logLines, 2)
	assert.True(t, m.logLines[0].IsError)
	view := m.View()
	assert.Contains(t, view, "detection failed: boom")
	assert.Contains(t, view, "proxy started on 7000 -> 50001")
}

func TestLogPaneIsBounded(t *testing.T) {
	m := newTestModel(t, nil)
	for i := 0; i < MaxLogLines+10; i++ {
		m.appendLog(logLine{Text: strconv.Itoa(i)})
	}
	assert.Len(t, m.logLines, MaxLogLines)
	assert.Equal(t, "10", m.logLines[0].Text)
}

func TestQuitOnContextCancel(t *testing.T) {
	m := newTestModel(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	m.ctx = ctx
	cancel()

	msg := m.waitForQuit()()
	_, cmd := m.Update(msg)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestRefreshedSchedulesNextTick(t *testing.T) {
	m := newTestModel(t, nil)
	_, cmd := m.Update(refreshedMsg{err: errors.New("detect: boom")})
	assert.Equal(t, "detect: boom", m.errorMsg)
	assert.NotNil(t, cmd)
}
