package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xlttj/pbiproxy/pkg/config"
	"github.com/xlttj/pbiproxy/pkg/logging"
)

const (
	// relayBufferSize is the per-direction copy buffer.
	relayBufferSize = 8 * 1024
	// DefaultDialTimeout bounds the connect to the target port.
	DefaultDialTimeout = 10 * time.Second
	// acceptRetryDelay throttles the accept loop after a transient error.
	acceptRetryDelay = 50 * time.Millisecond
)

// connPair is one client and the target socket opened for it.
type connPair struct {
	client net.Conn
	target net.Conn
}

// Forwarder relays TCP connections from a listen port to a local target
// port. One Forwarder serves any number of concurrent clients.
type Forwarder struct {
	listenPort         int
	targetPort         int
	allowNetworkAccess bool
	label              string
	dialTimeout        time.Duration
	bus                *Bus
	log                *logrus.Entry

	mutex     sync.Mutex
	running   bool
	listener  net.Listener
	cancel    context.CancelFunc
	conns     map[*connPair]struct{}
	startedAt time.Time

	active   atomic.Int64
	accepted atomic.Uint64
	failed   atomic.Uint64
	bytesIn  atomic.Uint64 // client -> target
	bytesOut atomic.Uint64 // target -> client
}

// NewForwarder creates a stopped forwarder. bus may be nil.
func NewForwarder(listenPort, targetPort int, allowNetworkAccess bool, label string, bus *Bus) *Forwarder {
	return &Forwarder{
		listenPort:         listenPort,
		targetPort:         targetPort,
		allowNetworkAccess: allowNetworkAccess,
		label:              label,
		dialTimeout:        DefaultDialTimeout,
		bus:                bus,
		log:                logging.Subsystem("proxy").WithField("port", listenPort),
		conns:              make(map[*connPair]struct{}),
	}
}

// bindHost is the listen interface for the network access setting.
func bindHost(allowNetworkAccess bool) string {
	if allowNetworkAccess {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

func (f *Forwarder) ListenPort() int { return f.listenPort }

func (f *Forwarder) TargetPort() int { return f.targetPort }

func (f *Forwarder) AllowNetworkAccess() bool { return f.allowNetworkAccess }

func (f *Forwarder) Label() string { return f.label }

// Address is the host:port the forwarder listens on.
func (f *Forwarder) Address() string {
	return net.JoinHostPort(bindHost(f.allowNetworkAccess), strconv.Itoa(f.listenPort))
}

func (f *Forwarder) targetAddress() string {
	return net.JoinHostPort("localhost", strconv.Itoa(f.targetPort))
}

func (f *Forwarder) IsRunning() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.running
}

// ActiveConnections is the number of client connections currently relayed.
func (f *Forwarder) ActiveConnections() int { return int(f.active.Load()) }

func (f *Forwarder) BytesIn() uint64  { return f.bytesIn.Load() }
func (f *Forwarder) BytesOut() uint64 { return f.bytesOut.Load() }

// Start binds the listen port and begins accepting. The forwarder lives
// until Stop is called or ctx is cancelled.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.running {
		return fmt.Errorf("%w: %d", ErrAlreadyRunning, f.listenPort)
	}
	if err := config.ValidatePort(f.listenPort); err != nil {
		return &BindError{Address: f.Address(), Err: err}
	}
	if err := config.ValidatePort(f.targetPort); err != nil {
		return fmt.Errorf("invalid target port: %w", err)
	}

	ln, err := net.Listen("tcp", f.Address())
	if err != nil {
		f.log.Errorf("[Port %d] Failed to bind %s: %v", f.listenPort, f.Address(), err)
		return &BindError{Address: f.Address(), Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.listener = ln
	f.cancel = cancel
	f.running = true
	f.startedAt = time.Now()
	f.active.Store(0)

	go f.acceptLoop(runCtx, ln)
	go func() {
		<-runCtx.Done()
		f.stop(ln)
	}()

	f.logf("Listening on %s, forwarding to %s", f.Address(), f.targetAddress())
	return nil
}

// Stop closes the listener and every open socket. It does not wait for
// in-flight relays to drain. Calling Stop on a stopped forwarder is a no-op.
func (f *Forwarder) Stop() {
	f.stop(nil)
}

// stop shuts the forwarder down. A non-nil owner limits the call to the run
// that opened that listener, so a late cancellation cannot stop a restart.
func (f *Forwarder) stop(owner net.Listener) {
	f.mutex.Lock()
	if !f.running || (owner != nil && f.listener != owner) {
		f.mutex.Unlock()
		return
	}
	f.running = false
	f.cancel()
	_ = f.listener.Close()
	pairs := f.conns
	f.conns = make(map[*connPair]struct{})
	f.active.Store(0)
	f.mutex.Unlock()

	for p := range pairs {
		_ = p.client.Close()
		if p.target != nil {
			_ = p.target.Close()
		}
	}
	f.logf("Stopped, closed %d connection(s)", len(pairs))
}

// StartedAt is when the forwarder last started.
func (f *Forwarder) StartedAt() time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.startedAt
}

func (f *Forwarder) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			f.log.Debugf("[Port %d] Accept error: %v", f.listenPort, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		pair := &connPair{client: conn}
		count, ok := f.track(pair)
		if !ok {
			_ = conn.Close()
			return
		}
		f.accepted.Add(1)
		f.log.Debugf("[Port %d] Client connected from %s (%d active)", f.listenPort, conn.RemoteAddr(), count)
		f.bus.Publish(ConnectionCountChanged(f.listenPort, count))

		go f.handle(ctx, pair)
	}
}

// track registers a new client. It fails once the forwarder is stopped.
func (f *Forwarder) track(p *connPair) (int, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.running {
		return 0, false
	}
	f.conns[p] = struct{}{}
	return int(f.active.Add(1)), true
}

// attachTarget records the target socket so Stop can close it.
func (f *Forwarder) attachTarget(p *connPair, target net.Conn) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if _, ok := f.conns[p]; !ok {
		return false
	}
	p.target = target
	return true
}

// release closes both sockets and, unless Stop already reset the counter,
// decrements it and announces the new count.
func (f *Forwarder) release(p *connPair) {
	f.mutex.Lock()
	_, tracked := f.conns[p]
	target := p.target
	count := 0
	if tracked {
		delete(f.conns, p)
		count = int(f.active.Add(-1))
	}
	f.mutex.Unlock()

	_ = p.client.Close()
	if target != nil {
		_ = target.Close()
	}
	if tracked {
		f.log.Debugf("[Port %d] Client disconnected (%d active)", f.listenPort, count)
		f.bus.Publish(ConnectionCountChanged(f.listenPort, count))
	}
}

func (f *Forwarder) handle(ctx context.Context, p *connPair) {
	defer f.release(p)

	dialer := net.Dialer{Timeout: f.dialTimeout}
	target, err := dialer.DialContext(ctx, "tcp", f.targetAddress())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		f.failed.Add(1)
		cerr := &ConnectError{TargetPort: f.targetPort, Err: err}
		f.log.Warnf("[Port %d] %v", f.listenPort, cerr)
		f.bus.Publish(ErrorEvent("[Port %d] %v", f.listenPort, cerr))
		return
	}
	if !f.attachTarget(p, target) {
		_ = target.Close()
		return
	}

	setNoDelay(p.client)
	setNoDelay(target)

	errc := make(chan error, 2)
	go func() { errc <- pump(target, p.client, &f.bytesIn) }()
	go func() { errc <- pump(p.client, target, &f.bytesOut) }()

	// The first pump to finish ends the pair; release closes both sockets,
	// which unblocks the other pump.
	if err := <-errc; err != nil && ctx.Err() == nil {
		f.log.Debugf("[Port %d] %v", f.listenPort, fmt.Errorf("%w: %v", ErrRelay, err))
	}
}

func setNoDelay(c net.Conn) {
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
}

// pump copies src to dst until EOF or error, counting bytes written.
func pump(dst, src net.Conn, counter *atomic.Uint64) error {
	buf := make([]byte, relayBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			counter.Add(uint64(w))
			if werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF || errors.Is(rerr, net.ErrClosed) {
				return nil
			}
			return rerr
		}
	}
}

// logf logs at info level and mirrors the line to presenters.
func (f *Forwarder) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	f.log.Infof("[Port %d] %s", f.listenPort, msg)
	f.bus.Publish(LogEvent("[Port %d] %s", f.listenPort, msg))
}
