package proxy

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xlttj/pbiproxy/pkg/logging"
)

// EventType identifies what happened.
type EventType string

const (
	EventProxyStarted           EventType = "proxy_started"
	EventProxyStopped           EventType = "proxy_stopped"
	EventConnectionCountChanged EventType = "connection_count_changed"
	EventLog                    EventType = "log"
	EventError                  EventType = "error"
	// EventRowsChanged is published after every reconciliation pass and
	// after single-row edits.
	EventRowsChanged EventType = "rows_changed"
)

// Event is a notification from the core to presenters. Only the fields
// relevant to Type are set.
type Event struct {
	Type       EventType
	FixedPort  int
	TargetPort int
	Count      int
	Message    string
	Time       time.Time
}

func (e Event) String() string {
	switch e.Type {
	case EventProxyStarted:
		return fmt.Sprintf("proxy started on %d -> %d", e.FixedPort, e.TargetPort)
	case EventProxyStopped:
		return fmt.Sprintf("proxy stopped on %d", e.FixedPort)
	case EventConnectionCountChanged:
		return fmt.Sprintf("port %d has %d connection(s)", e.FixedPort, e.Count)
	default:
		return e.Message
	}
}

func ProxyStarted(fixedPort, targetPort int) Event {
	return Event{Type: EventProxyStarted, FixedPort: fixedPort, TargetPort: targetPort, Time: time.Now()}
}

func ProxyStopped(fixedPort int) Event {
	return Event{Type: EventProxyStopped, FixedPort: fixedPort, Time: time.Now()}
}

func ConnectionCountChanged(fixedPort, count int) Event {
	return Event{Type: EventConnectionCountChanged, FixedPort: fixedPort, Count: count, Time: time.Now()}
}

func LogEvent(format string, args ...interface{}) Event {
	return Event{Type: EventLog, Message: fmt.Sprintf(format, args...), Time: time.Now()}
}

func ErrorEvent(format string, args ...interface{}) Event {
	return Event{Type: EventError, Message: fmt.Sprintf(format, args...), Time: time.Now()}
}

func RowsChanged() Event {
	return Event{Type: EventRowsChanged, Time: time.Now()}
}

// Handler processes events on the subscription's own goroutine.
type Handler func(Event)

// Filter selects events for a subscription. A nil filter accepts all.
type Filter func(Event) bool

// OfType builds a filter accepting the given event types.
func OfType(types ...EventType) Filter {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// DefaultQueueSize is the per-subscription buffer for handler subscriptions.
const DefaultQueueSize = 1024

// Subscription is one consumer of the bus. Events reach a subscription in
// publish order. When its buffer is full further events are dropped.
type Subscription struct {
	ID string

	filter  Filter
	queue   chan Event
	done    chan struct{}
	bus     *Bus
	handled bool
	closed  bool // guarded by bus.mu
}

// C returns the event channel of a channel subscription.
func (s *Subscription) C() <-chan Event { return s.queue }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.Unsubscribe(s)
}

// Done is closed once a handler subscription has drained its queue after
// Close. For channel subscriptions it is closed together with the channel.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// BusStats counts traffic through the bus.
type BusStats struct {
	Subscriptions int
	Published     int64
	Delivered     int64
	Dropped       int64
}

// Bus is an in-process publish/subscribe hub. Publish never blocks and
// never runs subscriber code on the caller's goroutine, so it is safe to
// publish while holding locks that handlers may also take.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Publish delivers e to every matching subscription. A nil bus discards.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.queue <- e:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe runs handler for every matching event on a dedicated goroutine.
func (b *Bus) Subscribe(filter Filter, handler Handler) *Subscription {
	s := b.add(filter, DefaultQueueSize, true)
	if s == nil {
		return nil
	}
	go func() {
		defer close(s.done)
		for e := range s.queue {
			runHandler(handler, e)
		}
	}()
	return s
}

// SubscribeChannel returns a subscription whose events are read from C().
func (b *Bus) SubscribeChannel(filter Filter, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultQueueSize
	}
	return b.add(filter, bufferSize, false)
}

func (b *Bus) add(filter Filter, size int, handled bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	s := &Subscription{
		ID:      uuid.NewString(),
		filter:  filter,
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
		bus:     b,
		handled: handled,
	}
	b.subs[s.ID] = s
	return s
}

func runHandler(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogError("Event handler panicked on %s: %v", e.Type, r)
		}
	}()
	handler(e)
}

// Unsubscribe removes s and closes its queue.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(s)
}

func (b *Bus) closeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s.ID)
	close(s.queue)
	// Handler subscriptions close done when their goroutine exits.
	if !s.handled {
		close(s.done)
	}
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return BusStats{
		Subscriptions: n,
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
	}
}

// Close drops every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		b.closeLocked(s)
	}
}
