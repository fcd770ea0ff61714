// Package ws streams hub snapshots over WebSocket.
package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/livetraffic/internal/hub"
	"github.com/dgnsrekt/livetraffic/internal/stats"
)

const (
	// Maximum message size allowed from peer. Clients only send control frames.
	maxMessageSize = 512

	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second
)

// Options configures a Handler. Zero values select the defaults.
type Options struct {
	// WriteWait bounds each frame write.
	WriteWait time.Duration
	// PongWait is how long the connection may stay silent, pongs included.
	// It must exceed the hub's keep-alive interval.
	PongWait time.Duration
	// CheckOrigin overrides the upgrader's origin check. Nil allows all.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades requests to WebSocket subscribers.
type Handler struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
	opts     Options
	logger   *zap.Logger
}

// NewHandler creates a Handler attached to h.
func NewHandler(h *hub.Hub, opts Options, logger *zap.Logger) *Handler {
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Handler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
			Subprotocols:    []string{SubprotocolJSON, SubprotocolProtobuf},
		},
		opts:   opts,
		logger: logger,
	}
}

// client is one WebSocket connection bound to a hub subscriber.
type client struct {
	handler  *Handler
	conn     *websocket.Conn
	sub      *hub.Subscriber
	protocol string
	logger   *zap.Logger
}

// ServeHTTP upgrades the connection, subscribes it and starts its pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	protocol := conn.Subprotocol()
	if protocol == "" {
		protocol = SubprotocolJSON
	}

	sub, err := h.hub.Subscribe("websocket")
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.opts.WriteWait))
		_ = conn.Close()
		return
	}

	h.logger.Debug("websocket client connected",
		zap.String("subscriber", sub.ID()),
		zap.String("protocol", protocol),
		zap.String("remote_addr", r.RemoteAddr),
	)

	c := &client{
		handler:  h,
		conn:     conn,
		sub:      sub,
		protocol: protocol,
		logger:   h.logger,
	}

	go c.writePump()
	go c.readPump()
}

// readPump drains the connection so close frames and pongs are processed.
func (c *client) readPump() {
	defer func() {
		c.handler.hub.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	pongWait := c.handler.opts.PongWait
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("subscriber", c.sub.ID()),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// writePump writes snapshots and keep-alive pings until the subscriber closes.
func (c *client) writePump() {
	defer func() {
		c.handler.hub.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	writeWait := c.handler.opts.WriteWait
	for {
		select {
		case <-c.sub.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case snap := <-c.sub.Messages():
			msgType, payload, err := c.encode(snap)
			if err != nil {
				c.logger.Error("failed to encode snapshot", zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, payload); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("subscriber", c.sub.ID()),
					zap.Error(err),
				)
				return
			}

		case <-c.sub.KeepAlive():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) encode(snap stats.Snapshot) (int, []byte, error) {
	if c.protocol == SubprotocolProtobuf {
		return websocket.BinaryMessage, EncodeProtobuf(snap), nil
	}
	payload, err := encodeJSON(snap)
	return websocket.TextMessage, payload, err
}
