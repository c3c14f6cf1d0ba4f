package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/xlttj/pbiproxy/pkg/config"
	"github.com/xlttj/pbiproxy/pkg/discovery"
	"github.com/xlttj/pbiproxy/pkg/logging"
	"github.com/xlttj/pbiproxy/pkg/proxy"
	"github.com/xlttj/pbiproxy/pkg/reconcile"
)

// DefaultRefreshInterval is how often Run re-detects instances.
const DefaultRefreshInterval = 2 * time.Second

var (
	ErrInstanceOffline = errors.New("instance is offline")
	// ErrRuleInUse is returned when removing a rule whose proxy is running.
	ErrRuleInUse     = errors.New("rule is in use by a running proxy")
	ErrUnsavableName = errors.New("model name cannot be saved")
	ErrNoFixedPort   = errors.New("no fixed port assigned")
)

// Options configures a Controller. Detector and Store are required.
type Options struct {
	Detector discovery.Detector
	Store    config.Store
	// Bus receives all core events. A new bus is created when nil.
	Bus *proxy.Bus
	// ManagerOptions are passed to the proxy manager.
	ManagerOptions []proxy.Option
}

// Stats are running totals for metrics.
type Stats struct {
	Passes       uint64
	FailedPasses uint64
	AutoStarted  uint64
	AutoFailed   uint64
	Conflicts    uint64
	LastPass     time.Time
}

// Controller ties detection, the saved rules, the reconciliation engine and
// the proxy manager together. Presenters talk to the core only through it.
type Controller struct {
	detector discovery.Detector
	store    config.Store
	bus      *proxy.Bus
	manager  *proxy.Manager
	engine   *reconcile.Engine
	auto     *reconcile.AutoConnector
	log      *logrus.Entry

	cfgMutex sync.Mutex
	cfg      config.ProxyConfiguration

	passes singleflight.Group
	sub    *proxy.Subscription

	shutdownOnce sync.Once
	shutdownErr  error

	passCount    atomic.Uint64
	failedPasses atomic.Uint64
	autoStarted  atomic.Uint64
	autoFailed   atomic.Uint64
	conflicts    atomic.Uint64
	lastPass     atomic.Int64
}

// New loads the saved configuration and wires the core. A configuration
// that fails to load is logged and replaced by the defaults.
func New(opts Options) (*Controller, error) {
	if opts.Detector == nil {
		return nil, errors.New("controller: detector is required")
	}
	if opts.Store == nil {
		return nil, errors.New("controller: store is required")
	}
	bus := opts.Bus
	if bus == nil {
		bus = proxy.NewBus()
	}

	c := &Controller{
		detector: opts.Detector,
		store:    opts.Store,
		bus:      bus,
		log:      logging.Subsystem("controller"),
	}
	c.manager = proxy.NewManager(bus, opts.ManagerOptions...)
	c.engine = reconcile.NewEngine(c.manager)
	c.auto = reconcile.NewAutoConnector(c.manager)

	cfg, err := c.store.Load()
	if err != nil {
		c.log.Warnf("Failed to load configuration from %s, using defaults: %v", c.store.Path(), err)
		bus.Publish(proxy.ErrorEvent("Failed to load configuration: %v", err))
	}
	c.cfg = cfg
	c.log.Infof("Loaded %d rule(s) from %s", len(cfg.PortMappings), c.store.Path())

	c.sub = bus.Subscribe(proxy.OfType(
		proxy.EventProxyStarted,
		proxy.EventProxyStopped,
		proxy.EventConnectionCountChanged,
	), c.onProxyEvent)
	return c, nil
}

// onProxyEvent keeps row status and connection counts current between
// passes.
func (c *Controller) onProxyEvent(e proxy.Event) {
	if c.engine.SyncPort(e.FixedPort) {
		c.bus.Publish(proxy.RowsChanged())
	}
}

func (c *Controller) Bus() *proxy.Bus { return c.bus }

func (c *Controller) Manager() *proxy.Manager { return c.manager }

func (c *Controller) StorePath() string { return c.store.Path() }

// Rows returns the current rows in display order.
func (c *Controller) Rows() []reconcile.Row { return c.engine.Rows() }

// Snapshot returns the status of every running forwarder.
func (c *Controller) Snapshot() []proxy.ForwarderStatus { return c.manager.Snapshot() }

// Row returns one row by its ID.
func (c *Controller) Row(id string) (reconcile.Row, bool) { return c.engine.Row(id) }

// Config returns a copy of the in-memory configuration.
func (c *Controller) Config() config.ProxyConfiguration {
	c.cfgMutex.Lock()
	defer c.cfgMutex.Unlock()
	return c.cfg.Clone()
}

func (c *Controller) rules() []config.PortMappingRule {
	return c.Config().PortMappings
}

// Stats returns the running totals.
func (c *Controller) Stats() Stats {
	s := Stats{
		Passes:       c.passCount.Load(),
		FailedPasses: c.failedPasses.Load(),
		AutoStarted:  c.autoStarted.Load(),
		AutoFailed:   c.autoFailed.Load(),
		Conflicts:    c.conflicts.Load(),
	}
	if ns := c.lastPass.Load(); ns != 0 {
		s.LastPass = time.Unix(0, ns)
	}
	return s
}

// Refresh runs one detection and reconciliation pass followed by
// auto-connect. Concurrent callers share the pass already in flight.
func (c *Controller) Refresh(ctx context.Context) (reconcile.Result, error) {
	v, err, _ := c.passes.Do("refresh", func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return reconcile.Result{}, err
	}
	return v.(reconcile.Result), nil
}

func (c *Controller) refresh(ctx context.Context) (reconcile.Result, error) {
	var detected []discovery.Instance
	if c.detector.IsSourcePathValid() {
		var err error
		detected, err = c.detector.Detect(ctx)
		if err != nil {
			c.failedPasses.Add(1)
			c.log.Warnf("Detection failed, keeping current rows: %v", err)
			c.bus.Publish(proxy.ErrorEvent("Detection failed: %v", err))
			return reconcile.Result{}, fmt.Errorf("detect instances: %w", err)
		}
	} else {
		c.log.Debug("Detector source path is not available, reconciling an empty instance list")
	}

	res := c.engine.Reconcile(detected, c.rules())
	for _, conflict := range res.Conflicts {
		c.bus.Publish(proxy.LogEvent("Duplicate instance of %q detected; port %d not applied", conflict.ModelName, conflict.Port))
	}
	c.conflicts.Add(uint64(len(res.Conflicts)))

	auto := c.auto.Run(ctx, res.Rows)
	c.autoStarted.Add(uint64(len(auto.Started)))
	c.autoFailed.Add(uint64(len(auto.Failed)))
	for port, err := range auto.Failed {
		c.bus.Publish(proxy.ErrorEvent("Auto-connect on port %d failed: %v", port, err))
	}
	if len(auto.Started) > 0 {
		c.engine.SyncAll()
		res.Rows = c.engine.Rows()
	}

	c.passCount.Add(1)
	c.lastPass.Store(time.Now().UnixNano())
	c.bus.Publish(proxy.RowsChanged())
	return res, nil
}

// Run refreshes every interval until ctx ends, then stops all proxies and
// saves the configuration.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.log.Debugf("Initial refresh: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return c.Shutdown()
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.log.Debugf("Refresh: %v", err)
			}
		}
	}
}

// Shutdown stops every proxy and saves the configuration. Only the first
// call does any work; later calls return its result.
func (c *Controller) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.manager.StopAll()
		c.engine.SyncAll()
		c.shutdownErr = c.save()
	})
	return c.shutdownErr
}

// Close shuts down and releases the store and the event subscription.
func (c *Controller) Close() error {
	err := c.Shutdown()
	c.bus.Unsubscribe(c.sub)
	c.manager.Close()
	if cerr := c.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (c *Controller) save() error {
	c.cfgMutex.Lock()
	cfg := c.cfg.Clone()
	c.cfgMutex.Unlock()
	if err := c.store.Save(cfg); err != nil {
		c.log.Errorf("Failed to save configuration: %v", err)
		c.bus.Publish(proxy.ErrorEvent("Failed to save configuration: %v", err))
		return fmt.Errorf("save configuration: %w", err)
	}
	return nil
}
