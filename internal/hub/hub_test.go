package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/livetraffic/internal/clock"
	"github.com/dgnsrekt/livetraffic/internal/stats"
)

// seqSource returns snapshots whose Total counts Compute calls.
type seqSource struct {
	calls atomic.Uint64
}

func (s *seqSource) Compute(now time.Time) stats.Snapshot {
	n := s.calls.Add(1)
	return stats.Snapshot{Timestamp: now.UnixMilli(), Total: n}
}

func newTestHub(t *testing.T, opts Options) (*Hub, *clock.Fake, *seqSource) {
	t.Helper()
	fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	opts.Clock = fake
	src := &seqSource{}
	return New(src, opts, zaptest.NewLogger(t)), fake, src
}

func drain(sub *Subscriber) []stats.Snapshot {
	var out []stats.Snapshot
	for {
		select {
		case snap := <-sub.Messages():
			out = append(out, snap)
		default:
			return out
		}
	}
}

func TestSubscribeDeliversImmediateSnapshot(t *testing.T) {
	h, _, _ := newTestHub(t, Options{})

	sub, err := h.Subscribe("test")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.State() != StateActive {
		t.Errorf("expected state active, got %v", sub.State())
	}
	if sub.ID() == "" {
		t.Error("expected subscriber id")
	}

	got := drain(sub)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 immediate snapshot, got %d", len(got))
	}
	if h.Len() != 1 {
		t.Errorf("expected 1 subscriber, got %d", h.Len())
	}
}

func TestBroadcastFanOutSurvivesFailure(t *testing.T) {
	h, _, _ := newTestHub(t, Options{})

	subs := make([]*Subscriber, 3)
	for i := range subs {
		sub, err := h.Subscribe("test")
		if err != nil {
			t.Fatal(err)
		}
		drain(sub)
		subs[i] = sub
	}

	// Connection died without the transport unsubscribing yet.
	subs[1].close()

	report := h.Broadcast(stats.Snapshot{Timestamp: 42})
	if report.Attempted != 3 {
		t.Errorf("expected 3 delivery attempts, got %d", report.Attempted)
	}
	if report.Delivered != 2 || report.Failed != 1 {
		t.Errorf("expected 2 delivered and 1 failed, got %+v", report)
	}

	for _, i := range []int{0, 2} {
		got := drain(subs[i])
		if len(got) != 1 || got[0].Timestamp != 42 {
			t.Errorf("subscriber %d: expected the broadcast snapshot, got %v", i, got)
		}
	}
	if h.Has(subs[1]) {
		t.Error("failed subscriber still in set")
	}
	if h.Len() != 2 {
		t.Errorf("expected 2 subscribers after failure, got %d", h.Len())
	}

	next := h.Broadcast(stats.Snapshot{Timestamp: 43})
	if next.Attempted != 2 {
		t.Errorf("expected the next broadcast to skip the removed subscriber, got %d attempts", next.Attempted)
	}
}

func TestStalledSubscriberIsRemoved(t *testing.T) {
	h, _, _ := newTestHub(t, Options{Buffer: 2})

	slow, _ := h.Subscribe("test")
	fast, _ := h.Subscribe("test")

	// Immediate snapshot plus one broadcast fills the slow mailbox.
	h.Broadcast(stats.Snapshot{Timestamp: 1})
	drain(fast)

	report := h.Broadcast(stats.Snapshot{Timestamp: 2})
	if report.Failed != 1 || report.Delivered != 1 {
		t.Errorf("expected one full and one delivered, got %+v", report)
	}
	if h.Has(slow) {
		t.Error("stalled subscriber still in set")
	}
	if slow.State() != StateClosed {
		t.Errorf("expected stalled subscriber closed, got %v", slow.State())
	}
	if st := h.Stats(); st.Full != 1 || st.Delivered != 3 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestJoinBetweenTicks(t *testing.T) {
	h, _, _ := newTestHub(t, Options{})

	early, _ := h.Subscribe("test")
	h.Tick() // tick N
	drain(early)

	late, _ := h.Subscribe("test")
	joined := drain(late)
	if len(joined) != 1 {
		t.Fatalf("expected 1 snapshot on join, got %d", len(joined))
	}

	h.Tick() // tick N+1
	earlyGot := drain(early)
	lateGot := drain(late)
	if len(lateGot) != 1 {
		t.Fatalf("expected exactly tick N+1 after join, got %d snapshots", len(lateGot))
	}
	if len(earlyGot) != 1 || earlyGot[0] != lateGot[0] {
		t.Errorf("expected identical tick snapshot for all subscribers, got %v and %v", earlyGot, lateGot)
	}
	if lateGot[0].Total <= joined[0].Total {
		t.Errorf("expected tick N+1 snapshot to follow the join snapshot, got %d after %d", lateGot[0].Total, joined[0].Total)
	}
}

func TestBroadcastCountsClosedSubscriber(t *testing.T) {
	h, _, _ := newTestHub(t, Options{})

	sub, _ := h.Subscribe("test")
	drain(sub)
	// Connection gone but not yet unsubscribed by its transport.
	sub.close()

	report := h.Tick()
	if report.Failed != 1 || report.Delivered != 0 {
		t.Errorf("expected 1 failed delivery, got %+v", report)
	}
	if st := h.Stats(); st.Closed != 1 || st.Full != 0 {
		t.Errorf("expected Stats.Closed 1, got %+v", st)
	}
	if h.Has(sub) {
		t.Error("expected closed subscriber to be removed")
	}
}

// gatedSource parks its first Compute call until release is closed.
type gatedSource struct {
	seqSource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSource) Compute(now time.Time) stats.Snapshot {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.seqSource.Compute(now)
}

func TestJoinDuringTickComputeGetsOneSnapshot(t *testing.T) {
	src := &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}
	h := New(src, Options{Clock: clock.NewFake(time.UnixMilli(1_700_000_000_000))}, zaptest.NewLogger(t))

	tickDone := make(chan Report, 1)
	go func() { tickDone <- h.Tick() }()
	<-src.entered

	joined := make(chan *Subscriber, 1)
	go func() {
		sub, err := h.Subscribe("test")
		if err != nil {
			t.Errorf("Subscribe: %v", err)
		}
		joined <- sub
	}()

	// Give Subscribe the chance to race the parked tick.
	time.Sleep(20 * time.Millisecond)
	close(src.release)

	report := <-tickDone
	sub := <-joined
	if sub == nil {
		t.Fatal("expected subscriber")
	}
	if report.Attempted != 0 {
		t.Errorf("expected the in-flight tick to skip the late joiner, attempted %d", report.Attempted)
	}

	got := drain(sub)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 snapshot before the next tick, got %d: %+v", len(got), got)
	}
	if got[0].Total != 2 {
		t.Errorf("expected the join snapshot computed after the tick, got %+v", got[0])
	}

	h.Tick()
	next := drain(sub)
	if len(next) != 1 || next[0].Total <= got[0].Total {
		t.Errorf("expected one newer tick snapshot, got %+v", next)
	}
}

func TestUnsubscribeStopsKeepAliveAndIsIdempotent(t *testing.T) {
	h, fake, _ := newTestHub(t, Options{KeepAlive: 15 * time.Second})

	sub, _ := h.Subscribe("test")
	if fake.ActiveTickers() != 1 {
		t.Fatalf("expected 1 keep-alive ticker, got %d", fake.ActiveTickers())
	}

	fake.Advance(15 * time.Second)
	select {
	case <-sub.KeepAlive():
	default:
		t.Fatal("expected keep-alive to fire at 15s")
	}

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	if fake.ActiveTickers() != 0 {
		t.Errorf("expected keep-alive ticker stopped, %d still active", fake.ActiveTickers())
	}
	if fake.StoppedTickers() != 1 {
		t.Errorf("expected exactly one ticker stop, got %d", fake.StoppedTickers())
	}
	select {
	case <-sub.Done():
	default:
		t.Error("expected Done to be closed")
	}

	drain(sub)
	if report := h.Broadcast(stats.Snapshot{}); report.Attempted != 0 {
		t.Errorf("expected no delivery attempts after leave, got %d", report.Attempted)
	}
	if len(drain(sub)) != 0 {
		t.Error("closed subscriber received a snapshot")
	}
}

func TestRunTicksAndShutsDown(t *testing.T) {
	h, fake, _ := newTestHub(t, Options{TickInterval: time.Second})

	sub, _ := h.Subscribe("test")
	drain(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return fake.ActiveTickers() == 2 })
	fake.Advance(time.Second)

	select {
	case snap := <-sub.Messages():
		if snap.Timestamp != fake.Now().UnixMilli() {
			t.Errorf("expected tick snapshot at %d, got %d", fake.Now().UnixMilli(), snap.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered on tick")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if sub.State() != StateClosed {
		t.Errorf("expected subscriber closed on shutdown, got %v", sub.State())
	}
	if fake.ActiveTickers() != 0 {
		t.Errorf("expected all tickers stopped on shutdown, %d active", fake.ActiveTickers())
	}
	if _, err := h.Subscribe("test"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after shutdown, got %v", err)
	}
	if st := h.Stats(); st.Ticks != 1 {
		t.Errorf("expected 1 tick, got %d", st.Ticks)
	}
}

func TestConcurrentSubscribeBroadcastUnsubscribe(t *testing.T) {
	h, _, _ := newTestHub(t, Options{Buffer: 4})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.Tick()
			}
		}
	}()

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				sub, err := h.Subscribe("test")
				if err != nil {
					t.Error(err)
					return
				}
				drain(sub)
				h.Unsubscribe(sub)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()

	if h.Len() != 0 {
		t.Errorf("expected empty subscriber set, got %d", h.Len())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
