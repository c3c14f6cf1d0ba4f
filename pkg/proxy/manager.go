package proxy

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/xlttj/pbiproxy/pkg/logging"
)

// ForwarderStatus is a point-in-time view of one forwarder.
type ForwarderStatus struct {
	ListenPort         int
	TargetPort         int
	AllowNetworkAccess bool
	Label              string
	ActiveConnections  int
	TotalConnections   uint64
	FailedConnections  uint64
	BytesIn            uint64
	BytesOut           uint64
	StartedAt          time.Time
}

// Manager owns every running Forwarder, keyed by listen port. Start and
// Stop on the same port are serialized; different ports never wait on each
// other's bind.
type Manager struct {
	bus         *Bus
	baseCtx     context.Context
	cancel      context.CancelFunc
	dialTimeout time.Duration

	mutex      sync.RWMutex
	forwarders map[int]*Forwarder
	portLocks  sync.Map // int -> *sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialTimeout overrides the target connect timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) { m.dialTimeout = d }
}

// NewManager returns an empty manager publishing to bus (which may be nil).
func NewManager(bus *Bus, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		bus:         bus,
		baseCtx:     ctx,
		cancel:      cancel,
		dialTimeout: DefaultDialTimeout,
		forwarders:  make(map[int]*Forwarder),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) portLock(port int) *sync.Mutex {
	l, _ := m.portLocks.LoadOrStore(port, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Start launches a forwarder from fixedPort to targetPort. It returns
// ErrAlreadyRunning, with no side effects, when the port is already served.
// ctx only bounds the request; the forwarder runs until Stop, StopAll or
// Close.
func (m *Manager) Start(ctx context.Context, fixedPort, targetPort int, allowNetworkAccess bool, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := m.portLock(fixedPort)
	lock.Lock()
	defer lock.Unlock()

	m.mutex.RLock()
	existing := m.forwarders[fixedPort]
	m.mutex.RUnlock()
	if existing != nil {
		if existing.IsRunning() {
			logging.LogDebug("Start: port %d already running (target %d)", fixedPort, existing.TargetPort())
			return fmt.Errorf("%w: %d", ErrAlreadyRunning, fixedPort)
		}
		// Stopped on its own, for example after its context ended.
		logging.LogDebug("Start: replacing stale forwarder on port %d", fixedPort)
		m.mutex.Lock()
		delete(m.forwarders, fixedPort)
		m.mutex.Unlock()
	}

	fw := NewForwarder(fixedPort, targetPort, allowNetworkAccess, label, m.bus)
	fw.dialTimeout = m.dialTimeout
	if err := fw.Start(m.baseCtx); err != nil {
		m.bus.Publish(ErrorEvent("Failed to start proxy on port %d: %v", fixedPort, err))
		return err
	}

	m.mutex.Lock()
	m.forwarders[fixedPort] = fw
	m.mutex.Unlock()

	logging.LogInfo("Started proxy %d -> %d (%s)", fixedPort, targetPort, label)
	m.bus.Publish(ProxyStarted(fixedPort, targetPort))
	return nil
}

// Stop stops the forwarder on fixedPort. Unknown ports are a no-op.
func (m *Manager) Stop(fixedPort int) {
	lock := m.portLock(fixedPort)
	lock.Lock()
	defer lock.Unlock()

	m.mutex.Lock()
	fw, ok := m.forwarders[fixedPort]
	delete(m.forwarders, fixedPort)
	m.mutex.Unlock()
	if !ok {
		logging.LogDebug("Stop: no forwarder on port %d", fixedPort)
		return
	}

	fw.Stop()
	logging.LogInfo("Stopped proxy on port %d", fixedPort)
	m.bus.Publish(ProxyStopped(fixedPort))
}

// StopAll stops every forwarder.
func (m *Manager) StopAll() {
	m.mutex.RLock()
	ports := make([]int, 0, len(m.forwarders))
	for port := range m.forwarders {
		ports = append(ports, port)
	}
	m.mutex.RUnlock()

	for _, port := range ports {
		m.Stop(port)
	}
	logging.LogDebug("StopAll finished, stopped %d forwarder(s)", len(ports))
}

// Close stops everything and cancels forwarders started later.
func (m *Manager) Close() {
	m.StopAll()
	m.cancel()
}

func (m *Manager) get(port int) *Forwarder {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.forwarders[port]
}

// IsRunning reports whether a live forwarder owns port.
func (m *Manager) IsRunning(port int) bool {
	fw := m.get(port)
	return fw != nil && fw.IsRunning()
}

// ActiveConnections is the client count on port, 0 if nothing runs there.
func (m *Manager) ActiveConnections(port int) int {
	fw := m.get(port)
	if fw == nil || !fw.IsRunning() {
		return 0
	}
	return fw.ActiveConnections()
}

// TargetPort returns the target of the forwarder on port.
func (m *Manager) TargetPort(port int) (int, bool) {
	fw := m.get(port)
	if fw == nil || !fw.IsRunning() {
		return 0, false
	}
	return fw.TargetPort(), true
}

// RunningPorts lists the ports of live forwarders in ascending order.
func (m *Manager) RunningPorts() []int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	ports := make([]int, 0, len(m.forwarders))
	for port, fw := range m.forwarders {
		if fw.IsRunning() {
			ports = append(ports, port)
		}
	}
	sort.Ints(ports)
	return ports
}

// Snapshot returns the status of every live forwarder ordered by port.
func (m *Manager) Snapshot() []ForwarderStatus {
	m.mutex.RLock()
	out := make([]ForwarderStatus, 0, len(m.forwarders))
	for _, fw := range m.forwarders {
		if !fw.IsRunning() {
			continue
		}
		out = append(out, ForwarderStatus{
			ListenPort:         fw.ListenPort(),
			TargetPort:         fw.TargetPort(),
			AllowNetworkAccess: fw.AllowNetworkAccess(),
			Label:              fw.Label(),
			ActiveConnections:  fw.ActiveConnections(),
			TotalConnections:   fw.accepted.Load(),
			FailedConnections:  fw.failed.Load(),
			BytesIn:            fw.BytesIn(),
			BytesOut:           fw.BytesOut(),
			StartedAt:          fw.StartedAt(),
		})
	}
	m.mutex.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ListenPort < out[j].ListenPort })
	return out
}

// IsPortAvailable checks whether a TCP port can be bound on localhost.
func IsPortAvailable(port int) bool {
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		logging.LogDebug("Port check: cannot listen on %s: %v", address, err)
		return false
	}
	_ = listener.Close()
	return true
}
