package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/livetraffic/internal/clock"
	"github.com/dgnsrekt/livetraffic/internal/stats"
)

// State is the lifecycle position of a Subscriber.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Result is the outcome of handing one snapshot to one Subscriber.
type Result int

const (
	Delivered Result = iota
	// Full means the subscriber's mailbox had no room; the consumer is stalled.
	Full
	// Closed means the subscriber was already closed.
	Closed
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Full:
		return "full"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscriber is one live consumer of the snapshot feed. Transports read
// Messages and KeepAlive until Done is closed.
type Subscriber struct {
	id        string
	transport string

	mailbox   chan stats.Snapshot
	done      chan struct{}
	keepAlive clock.Ticker
	state     atomic.Int32
	closeOnce sync.Once
}

func newSubscriber(id, transport string, buffer int, keepAlive clock.Ticker) *Subscriber {
	return &Subscriber{
		id:        id,
		transport: transport,
		mailbox:   make(chan stats.Snapshot, buffer),
		done:      make(chan struct{}),
		keepAlive: keepAlive,
	}
}

// ID returns the subscriber's unique id.
func (s *Subscriber) ID() string { return s.id }

// Transport names the transport the subscriber arrived on.
func (s *Subscriber) Transport() string { return s.transport }

// Messages yields snapshots in delivery order.
func (s *Subscriber) Messages() <-chan stats.Snapshot { return s.mailbox }

// KeepAlive fires on the subscriber's own keep-alive interval.
func (s *Subscriber) KeepAlive() <-chan time.Time { return s.keepAlive.C() }

// Done is closed once the subscriber reaches StateClosed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// State reports the current lifecycle state.
func (s *Subscriber) State() State { return State(s.state.Load()) }

func (s *Subscriber) deliver(snap stats.Snapshot) Result {
	select {
	case <-s.done:
		return Closed
	default:
	}

	select {
	case s.mailbox <- snap:
		return Delivered
	default:
		return Full
	}
}

// close is terminal: it stops the keep-alive ticker and releases Done.
func (s *Subscriber) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.keepAlive.Stop()
		close(s.done)
		closed = true
	})
	return closed
}
