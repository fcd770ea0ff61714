// Package hub fans rate snapshots out to live subscribers.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/livetraffic/internal/clock"
	"github.com/dgnsrekt/livetraffic/internal/stats"
)

// ErrClosed is returned by Subscribe once the hub has shut down.
var ErrClosed = errors.New("hub: closed")

const (
	// DefaultTickInterval is the period of the shared broadcast tick.
	DefaultTickInterval = time.Second
	// DefaultKeepAlive is the period of each subscriber's keep-alive signal.
	DefaultKeepAlive = 15 * time.Second
	// DefaultBuffer is the number of snapshots a subscriber may have queued.
	DefaultBuffer = 8
)

// Source produces the snapshot for an instant.
type Source interface {
	Compute(now time.Time) stats.Snapshot
}

// Options configures a Hub. Zero values select the defaults.
type Options struct {
	TickInterval time.Duration
	KeepAlive    time.Duration
	Buffer       int
	Clock        clock.Clock
}

// Report summarises one Broadcast call.
type Report struct {
	Attempted int
	Delivered int
	Failed    int
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	Subscribers  int
	Ticks        uint64
	Delivered    uint64
	Full         uint64
	Closed       uint64
	BroadcastP50 time.Duration
	BroadcastP99 time.Duration
}

// Hub owns the subscriber set and the shared broadcast tick.
type Hub struct {
	source Source
	clock  clock.Clock
	opts   Options
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	shutdown    bool

	ticks     atomic.Uint64
	delivered atomic.Uint64
	full      atomic.Uint64
	closed    atomic.Uint64

	histMu sync.Mutex
	hist   *hdrhistogram.Histogram // broadcast duration, µs
}

// New creates a Hub computing snapshots from source.
func New(source Source, opts Options, logger *zap.Logger) *Hub {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Hub{
		source:      source,
		clock:       opts.Clock,
		opts:        opts,
		logger:      logger,
		subscribers: make(map[*Subscriber]struct{}),
		hist:        hdrhistogram.New(1, 10_000_000, 3),
	}
}

// Subscribe registers a new subscriber and queues one snapshot computed now,
// ahead of any tick. transport is recorded for logging only.
func (h *Hub) Subscribe(transport string) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shutdown {
		return nil, ErrClosed
	}

	sub := newSubscriber(uuid.New().String(), transport, h.opts.Buffer, h.clock.NewTicker(h.opts.KeepAlive))

	// The mailbox is empty and buffered, so this cannot fail. Queuing under
	// the lock puts it ahead of any broadcast that sees the new subscriber.
	sub.deliver(h.source.Compute(h.clock.Now()))
	h.subscribers[sub] = struct{}{}
	sub.state.Store(int32(StateActive))

	h.logger.Debug("subscriber registered",
		zap.String("subscriber", sub.id),
		zap.String("transport", transport),
		zap.Int("subscribers", len(h.subscribers)),
	)
	return sub, nil
}

// Unsubscribe removes sub and closes it. Repeated calls are no-ops.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	_, ok := h.subscribers[sub]
	delete(h.subscribers, sub)
	remaining := len(h.subscribers)
	h.mu.Unlock()

	if sub.close() || ok {
		h.logger.Debug("subscriber unregistered",
			zap.String("subscriber", sub.id),
			zap.String("transport", sub.transport),
			zap.Int("subscribers", remaining),
		)
	}
}

// Broadcast hands snap to every live subscriber without blocking. Any
// subscriber that cannot take it is removed.
func (h *Hub) Broadcast(snap stats.Snapshot) Report {
	h.mu.RLock()
	subs := h.subscribersLocked()
	h.mu.RUnlock()
	return h.deliver(subs, snap)
}

// Tick computes one snapshot and broadcasts it. Compute and the copy of the
// subscriber set happen under one read lock, so a subscriber joining mid-tick
// either gets this snapshot or a newer immediate one, never both.
func (h *Hub) Tick() Report {
	h.ticks.Add(1)

	h.mu.RLock()
	snap := h.source.Compute(h.clock.Now())
	subs := h.subscribersLocked()
	h.mu.RUnlock()

	return h.deliver(subs, snap)
}

func (h *Hub) subscribersLocked() []*Subscriber {
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func (h *Hub) deliver(subs []*Subscriber, snap stats.Snapshot) Report {
	// Latency is wall time; the injected clock doesn't move during delivery.
	start := time.Now()

	report := Report{Attempted: len(subs)}
	var failed []*Subscriber
	for _, sub := range subs {
		res := sub.deliver(snap)
		switch res {
		case Delivered:
			report.Delivered++
			h.delivered.Add(1)
			continue
		case Full:
			h.full.Add(1)
		case Closed:
			h.closed.Add(1)
		}
		report.Failed++
		failed = append(failed, sub)
		h.logger.Debug("delivery failed",
			zap.String("subscriber", sub.id),
			zap.Stringer("result", res),
		)
	}

	for _, sub := range failed {
		h.Unsubscribe(sub)
	}

	h.histMu.Lock()
	_ = h.hist.RecordValue(max(time.Since(start).Microseconds(), 1))
	h.histMu.Unlock()

	return report
}

// Run drives Tick on the configured interval until ctx is cancelled, then
// closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.opts.TickInterval)
	defer ticker.Stop()

	h.logger.Info("hub started",
		zap.Duration("tickInterval", h.opts.TickInterval),
		zap.Duration("keepAlive", h.opts.KeepAlive),
	)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down", zap.Int("subscribers", h.Len()))
			h.Close()
			return
		case <-ticker.C():
			h.Tick()
		}
	}
}

// Close rejects further subscriptions and closes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	h.shutdown = true
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[*Subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Has reports whether sub is currently in the subscriber set.
func (h *Hub) Has(sub *Subscriber) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subscribers[sub]
	return ok
}

// Stats returns counters accumulated since the hub was created.
func (h *Hub) Stats() Stats {
	h.histMu.Lock()
	p50 := h.hist.ValueAtQuantile(50)
	p99 := h.hist.ValueAtQuantile(99)
	h.histMu.Unlock()

	return Stats{
		Subscribers:  h.Len(),
		Ticks:        h.ticks.Load(),
		Delivered:    h.delivered.Load(),
		Full:         h.full.Load(),
		Closed:       h.closed.Load(),
		BroadcastP50: time.Duration(p50) * time.Microsecond,
		BroadcastP99: time.Duration(p99) * time.Microsecond,
	}
}
