package ws

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/livetraffic/internal/clock"
	"github.com/dgnsrekt/livetraffic/internal/hub"
	"github.com/dgnsrekt/livetraffic/internal/stats"
	"github.com/dgnsrekt/livetraffic/internal/window"
)

func newWSServer(t *testing.T) (*hub.Hub, *clock.Fake, *window.Counter, string) {
	t.Helper()
	fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	counter := window.NewCounter(time.Minute, 0)
	h := hub.New(stats.NewComputer(counter, time.Second), hub.Options{
		KeepAlive: 15 * time.Second,
		Clock:     fake,
	}, zap.NewNop())

	srv := httptest.NewServer(NewHandler(h, Options{WriteWait: time.Second}, zap.NewNop()))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, fake, counter, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, protocols ...string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) stats.Snapshot {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", msgType)
	}
	var snap stats.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return snap
}

func TestWebSocketJSONStream(t *testing.T) {
	h, fake, counter, url := newWSServer(t)
	_ = counter.RecordArrival(fake.Now().UnixMilli())

	conn := dial(t, url, SubprotocolJSON)
	if conn.Subprotocol() != SubprotocolJSON {
		t.Errorf("expected %s, got %q", SubprotocolJSON, conn.Subprotocol())
	}

	first := readJSON(t, conn)
	if first.Total != 1 {
		t.Errorf("expected immediate snapshot total 1, got %+v", first)
	}

	h.Tick()
	if second := readJSON(t, conn); second.Timestamp != fake.Now().UnixMilli() {
		t.Errorf("unexpected tick snapshot %+v", second)
	}
}

func TestWebSocketDefaultsToJSON(t *testing.T) {
	_, _, _, url := newWSServer(t)
	conn := dial(t, url)
	readJSON(t, conn)
}

func TestWebSocketProtobufStream(t *testing.T) {
	_, fake, counter, url := newWSServer(t)
	_ = counter.RecordArrival(fake.Now().UnixMilli())
	_ = counter.RecordArrival(fake.Now().UnixMilli())

	conn := dial(t, url, SubprotocolProtobuf)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got %d", msgType)
	}
	snap, err := DecodeProtobuf(data)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Total != 2 || snap.RPS != 2 || snap.Avg1m != 0.03 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestWebSocketKeepAlivePing(t *testing.T) {
	h, fake, _, url := newWSServer(t)
	conn := dial(t, url)
	readJSON(t, conn)

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	waitFor(t, func() bool { return h.Len() == 1 })
	fake.Advance(15 * time.Second)

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no keep-alive ping received")
	}
}

func TestWebSocketClientCloseUnsubscribes(t *testing.T) {
	h, fake, _, url := newWSServer(t)
	conn := dial(t, url)
	readJSON(t, conn)

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitFor(t, func() bool { return h.Len() == 0 })
	waitFor(t, func() bool { return fake.ActiveTickers() == 0 })
}

func TestWebSocketHubCloseSendsGoingAway(t *testing.T) {
	h, _, _, url := newWSServer(t)
	conn := dial(t, url)
	readJSON(t, conn)

	h.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Errorf("expected going-away close, got %v", err)
	}
}

func TestProtobufRoundTripSkipsUnknownFields(t *testing.T) {
	in := stats.Snapshot{Timestamp: 1_700_000_000_123, Total: 99, RPS: 7, Avg1m: 1.25}
	b := EncodeProtobuf(in)
	// Unknown field 9, varint 1.
	b = append(b, 0x48, 0x01)

	out, err := DecodeProtobuf(b)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("expected %+v, got %+v", in, out)
	}

	if _, err := DecodeProtobuf([]byte{0x08}); err == nil {
		t.Error("expected error for truncated message")
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
