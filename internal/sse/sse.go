// Package sse streams hub snapshots over Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/livetraffic/internal/hub"
	"github.com/dgnsrekt/livetraffic/internal/stats"
)

// EventName is the SSE event type carrying a snapshot.
const EventName = "metrics"

var pingFrame = []byte(": ping\n\n")

// Handler serves the streaming subscription endpoint.
type Handler struct {
	hub          *hub.Hub
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewHandler creates a Handler. writeTimeout bounds each frame write; zero
// leaves writes unbounded.
func NewHandler(h *hub.Hub, writeTimeout time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		hub:          h,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// ServeHTTP registers the caller as a subscriber and streams until the
// client goes away or the hub closes the subscriber.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sub, err := h.hub.Subscribe("sse")
	if err != nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer h.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)

	h.logger.Debug("sse client connected",
		zap.String("subscriber", sub.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("sse client disconnected", zap.String("subscriber", sub.ID()))
			return

		case <-sub.Done():
			return

		case snap := <-sub.Messages():
			frame, err := EncodeEvent(snap)
			if err != nil {
				h.logger.Error("failed to encode snapshot", zap.Error(err))
				continue
			}
			if err := h.write(rc, flusher, w, frame); err != nil {
				h.logger.Debug("failed to write to client",
					zap.String("subscriber", sub.ID()),
					zap.Error(err),
				)
				return
			}

		case <-sub.KeepAlive():
			if err := h.write(rc, flusher, w, pingFrame); err != nil {
				h.logger.Debug("failed to write keep-alive",
					zap.String("subscriber", sub.ID()),
					zap.Error(err),
				)
				return
			}
		}
	}
}

func (h *Handler) write(rc *http.ResponseController, flusher http.Flusher, w http.ResponseWriter, frame []byte) error {
	if h.writeTimeout > 0 {
		// Not every writer supports deadlines; recorders in tests don't.
		_ = rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// EncodeEvent renders snap as a complete SSE frame.
func EncodeEvent(snap stats.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", EventName, data)), nil
}
