package controller

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xlttj/pbiproxy/pkg/config"
	"github.com/xlttj/pbiproxy/pkg/discovery"
	"github.com/xlttj/pbiproxy/pkg/proxy"
	"github.com/xlttj/pbiproxy/pkg/reconcile"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
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

func echoVia(t *testing.T, port int, msg string) {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(2*time.Second)))
	_, err = c.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

type fixture struct {
	ctrl      *Controller
	detector  *discovery.StaticDetector
	storePath string
}

func newFixture(t *testing.T, rules []config.PortMappingRule, instances ...discovery.Instance) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.DefaultConfiguration()
	cfg.PortMappings = rules
	require.NoError(t, config.NewJSONStore(path).Save(cfg))

	det := discovery.NewStaticDetector(instances...)
	ctrl, err := New(Options{Detector: det, Store: config.NewJSONStore(path)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })
	return &fixture{ctrl: ctrl, detector: det, storePath: path}
}

func (f *fixture) saved(t *testing.T) config.ProxyConfiguration {
	t.Helper()
	cfg, err := config.NewJSONStore(f.storePath).Load()
	require.NoError(t, err)
	return cfg
}

func waitStatus(t *testing.T, c *Controller, id string, want reconcile.Status) {
	t.Helper()
	assert.Eventually(t, func() bool {
		r, ok := c.Row(id)
		return ok && r.Status == want
	}, waitFor, tick, "row %s never became %s", id, want)
}

func TestTwoRulesEndToEnd(t *testing.T) {
	targetA, targetB := startEcho(t), startEcho(t)
	portA, portB := freePort(t), freePort(t)
	f := newFixture(t,
		[]config.PortMappingRule{
			{ModelNamePattern: "A", FixedPort: portA, AutoConnect: true},
			{ModelNamePattern: "B", FixedPort: portB, AutoConnect: true},
		},
		discovery.Instance{ProcessID: 1, ModelName: "A", TargetPort: targetA},
		discovery.Instance{ProcessID: 2, ModelName: "B", TargetPort: targetB},
	)
	c := f.ctrl

	res, err := c.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	for _, r := range res.Rows {
		assert.Equal(t, reconcile.Running, r.Status, r.ModelName)
	}
	want := []int{portA, portB}
	sort.Ints(want)
	assert.Equal(t, want, c.Manager().RunningPorts())

	echoVia(t, portA, "to A")
	echoVia(t, portB, "to B")

	c.StopProxy(portA)
	assert.False(t, c.Manager().IsRunning(portA))
	assert.True(t, c.Manager().IsRunning(portB))
	echoVia(t, portB, "still B")
	waitStatus(t, c, "pid:1", reconcile.Ready)

	f.detector.Set(discovery.Instance{ProcessID: 2, ModelName: "B", TargetPort: targetB})
	res, err = c.Refresh(context.Background())
	require.NoError(t, err)
	a, ok := c.Row("name:A")
	require.True(t, ok)
	assert.Equal(t, reconcile.Offline, a.Status)
	assert.Equal(t, portA, a.FixedPort)
	assert.True(t, c.Manager().IsRunning(portB))
	assert.Equal(t, uint64(2), c.Stats().Passes)
}

func TestRefreshDetectionErrorKeepsRows(t *testing.T) {
	f := newFixture(t, nil, discovery.Instance{ProcessID: 1, ModelName: "A", TargetPort: 50000})
	_, err := f.ctrl.Refresh(context.Background())
	require.NoError(t, err)
	before := f.ctrl.Rows()

	boom := errors.New("scan failed")
	f.detector.SetError(boom)
	_, err = f.ctrl.Refresh(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, f.ctrl.Rows())
	assert.Equal(t, uint64(1), f.ctrl.Stats().FailedPasses)
}

func TestRefreshWithInvalidSourceShowsOnlyRules(t *testing.T) {
	f := newFixture(t,
		[]config.PortMappingRule{{ModelNamePattern: "X", FixedPort: 7000}},
		discovery.Instance{ProcessID: 1, ModelName: "Y", TargetPort: 50000},
	)
	f.detector.SetValid(false)

	res, err := f.ctrl.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "X", res.Rows[0].ModelName)
	assert.Equal(t, reconcile.Offline, res.Rows[0].Status)
}

func TestRefreshPublishesRowsChanged(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.ctrl.Bus().SubscribeChannel(proxy.OfType(proxy.EventRowsChanged), 4)
	defer sub.Close()

	_, err := f.ctrl.Refresh(context.Background())
	require.NoError(t, err)
	select {
	case e := <-sub.C():
		assert.Equal(t, proxy.EventRowsChanged, e.Type)
	case <-time.After(waitFor):
		t.Fatal("no rows_changed event")
	}
}

func TestSetRule(t *testing.T) {
	f := newFixture(t, []config.PortMappingRule{{ModelNamePattern: "A", FixedPort: 7000}})
	c := f.ctrl
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, c.SetRule("", 7001, false, false), ErrUnsavableName)
	assert.ErrorIs(t, c.SetRule("untitled", 7001, false, false), ErrUnsavableName)
	assert.ErrorIs(t, c.SetRule("B", 0, false, false), config.ErrPortOutOfRange)
	assert.ErrorIs(t, c.SetRule("B", 7000, false, false), config.ErrConfigConflict)

	require.NoError(t, c.SetRule("B", 7001, true, true))
	r, ok := c.Row("name:B")
	require.True(t, ok)
	assert.Equal(t, reconcile.Offline, r.Status)
	assert.True(t, r.AutoConnect)

	rule, ok := f.saved(t).FindRule("B")
	require.True(t, ok)
	assert.Equal(t, 7001, rule.FixedPort)
	assert.True(t, rule.AllowNetworkAccess)
}

func TestDeleteRuleRefusedWhileRunning(t *testing.T) {
	target, port := startEcho(t), freePort(t)
	f := newFixture(t,
		[]config.PortMappingRule{{ModelNamePattern: "A", FixedPort: port, AutoConnect: true}},
		discovery.Instance{ProcessID: 1, ModelName: "A", TargetPort: target},
	)
	c := f.ctrl
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)
	require.True(t, c.Manager().IsRunning(port))

	assert.ErrorIs(t, c.DeleteRule("A"), ErrRuleInUse)
	assert.ErrorIs(t, c.RemoveRow("pid:1"), ErrRuleInUse)

	require.NoError(t, c.StopRow("pid:1"))
	waitStatus(t, c, "pid:1", reconcile.Ready)
	require.NoError(t, c.DeleteRule("A"))
	assert.Empty(t, f.saved(t).PortMappings)

	r, ok := c.Row("pid:1")
	require.True(t, ok, "live row stays until its instance goes away")
	assert.True(t, r.Live)
}

func TestToggleNetworkAccessRefusedWhileRunning(t *testing.T) {
	target, port := startEcho(t), freePort(t)
	f := newFixture(t,
		[]config.PortMappingRule{{ModelNamePattern: "A", FixedPort: port}},
		discovery.Instance{ProcessID: 1, ModelName: "A", TargetPort: target},
	)
	c := f.ctrl
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.StartRow(context.Background(), "pid:1"))
	waitStatus(t, c, "pid:1", reconcile.Running)

	_, err = c.ToggleNetworkAccess("pid:1")
	assert.ErrorIs(t, err, reconcile.ErrRowRunning)
	_, err = c.EditPort("pid:1", port+1)
	assert.ErrorIs(t, err, reconcile.ErrRowRunning)

	r, err := c.ToggleAutoConnect("pid:1")
	require.NoError(t, err)
	assert.True(t, r.AutoConnect)
	rule, _ := f.saved(t).FindRule("A")
	assert.True(t, rule.AutoConnect)
}

func TestEditPortPersists(t *testing.T) {
	f := newFixture(t, nil, discovery.Instance{ProcessID: 5, ModelName: "Model", TargetPort: 50000})
	c := f.ctrl
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	r, _ := c.Row("pid:5")
	assert.True(t, r.AwaitingPort)
	assert.ErrorIs(t, c.StartRow(context.Background(), "pid:5"), ErrNoFixedPort)

	r, err = c.EditPort("pid:5", 7005)
	require.NoError(t, err)
	assert.Equal(t, 7005, r.FixedPort)
	rule, ok := f.saved(t).FindRule("Model")
	require.True(t, ok)
	assert.Equal(t, 7005, rule.FixedPort)

	_, err = c.EditPort("pid:5", 0)
	require.NoError(t, err)
	assert.Empty(t, f.saved(t).PortMappings)
}

func TestUntitledRowIsNeverSaved(t *testing.T) {
	f := newFixture(t, nil, discovery.Instance{ProcessID: 5, ModelName: config.UntitledName, TargetPort: 50000})
	_, err := f.ctrl.Refresh(context.Background())
	require.NoError(t, err)

	_, err = f.ctrl.EditPort("pid:5", 7005)
	require.NoError(t, err)
	assert.Empty(t, f.saved(t).PortMappings)
}

func TestRemoveRow(t *testing.T) {
	f := newFixture(t,
		[]config.PortMappingRule{
			{ModelNamePattern: "Live", FixedPort: 7000, AutoConnect: false, AllowNetworkAccess: true},
			{ModelNamePattern: "Gone", FixedPort: 7001},
		},
		discovery.Instance{ProcessID: 1, ModelName: "Live", TargetPort: 50000},
	)
	c := f.ctrl
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.RemoveRow("name:Gone"))
	_, ok := c.Row("name:Gone")
	assert.False(t, ok)

	require.NoError(t, c.RemoveRow("pid:1"))
	r, ok := c.Row("pid:1")
	require.True(t, ok)
	assert.Equal(t, 0, r.FixedPort)
	assert.False(t, r.AllowNetworkAccess)
	assert.True(t, r.AwaitingPort)
	assert.Empty(t, f.saved(t).PortMappings)

	assert.ErrorIs(t, c.RemoveRow("pid:99"), reconcile.ErrRowNotFound)
}

func TestStartRowOffline(t *testing.T) {
	f := newFixture(t, []config.PortMappingRule{{ModelNamePattern: "X", FixedPort: 7000}})
	_, err := f.ctrl.Refresh(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, f.ctrl.StartRow(context.Background(), "name:X"), ErrInstanceOffline)
}

func TestSuggestPortSkipsHeldPorts(t *testing.T) {
	base := freePort(t)
	f := newFixture(t, []config.PortMappingRule{{ModelNamePattern: "X", FixedPort: base}})
	cfg := f.ctrl.Config()
	cfg.FixedPort = base
	f.ctrl.cfg = cfg
	_, err := f.ctrl.Refresh(context.Background())
	require.NoError(t, err)

	assert.Greater(t, f.ctrl.SuggestPort(""), base)
	assert.Equal(t, base, f.ctrl.SuggestPort("name:X"))
}

func TestConnectionString(t *testing.T) {
	f := newFixture(t,
		[]config.PortMappingRule{
			{ModelNamePattern: "Local", FixedPort: 7000},
			{ModelNamePattern: "Shared", FixedPort: 7001, AllowNetworkAccess: true},
		},
		discovery.Instance{ProcessID: 1, ModelName: "Bare", TargetPort: 50000},
	)
	c := f.ctrl
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	s, err := c.ConnectionString("name:Local")
	require.NoError(t, err)
	assert.Equal(t, "localhost:7000", s)

	s, err = c.ConnectionString("name:Shared")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(s, ":7001"), s)

	_, err = c.ConnectionString("pid:1")
	assert.ErrorIs(t, err, ErrNoFixedPort)
}

func TestRunStopsProxiesAndSavesOnExit(t *testing.T) {
	target, port := startEcho(t), freePort(t)
	f := newFixture(t,
		[]config.PortMappingRule{{ModelNamePattern: "A", FixedPort: port, AutoConnect: true}},
		discovery.Instance{ProcessID: 1, ModelName: "A", TargetPort: target},
	)
	c := f.ctrl

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, 20*time.Millisecond) }()

	assert.Eventually(t, func() bool { return c.Manager().IsRunning(port) }, waitFor, tick)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	assert.False(t, c.Manager().IsRunning(port))
	assert.Len(t, f.saved(t).PortMappings, 1)
}

type countingStore struct {
	config.Store
	saves atomic.Int32
}

func (s *countingStore) Save(cfg config.ProxyConfiguration) error {
	s.saves.Add(1)
	return s.Store.Save(cfg)
}

func TestShutdownRunsOnce(t *testing.T) {
	target, port := startEcho(t), freePort(t)
	store := &countingStore{Store: config.NewJSONStore(filepath.Join(t.TempDir(), "config.json"))}
	c, err := New(Options{
		Detector: discovery.NewStaticDetector(discovery.Instance{ProcessID: 1, ModelName: "A", TargetPort: target}),
		Store:    store,
	})
	require.NoError(t, err)
	require.NoError(t, c.SetRule("A", port, true, false))

	stopped := c.Bus().SubscribeChannel(proxy.OfType(proxy.EventProxyStopped), 16)
	defer stopped.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, 20*time.Millisecond) }()
	assert.Eventually(t, func() bool { return c.Manager().IsRunning(port) }, waitFor, tick)

	cancel()
	require.NoError(t, <-done)
	saves := store.saves.Load()

	require.NoError(t, c.Close())
	assert.Equal(t, saves, store.saves.Load(), "Close must not save again")
	assert.NoError(t, c.Shutdown())
	assert.Equal(t, saves, store.saves.Load())

	select {
	case <-stopped.C():
	case <-time.After(waitFor):
		t.Fatal("proxy was not stopped")
	}
	select {
	case e, ok := <-stopped.C():
		if ok {
			t.Fatalf("unexpected second stop: %v", e)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Store: config.NewJSONStore(filepath.Join(t.TempDir(), "c.json"))})
	assert.Error(t, err)
	_, err = New(Options{Detector: discovery.NewStaticDetector()})
	assert.Error(t, err)
}
