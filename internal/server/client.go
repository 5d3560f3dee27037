package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one upgraded WebSocket bound to a registered connection. The
// read pump feeds the router, the write pump drains the connection's
// outbound queue.
type Client struct {
	conn           *websocket.Conn
	rc             *registry.Connection
	ctx            context.Context
	addr           string
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig

	registry   *registry.Registry
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func newClient(s *Server, conn *websocket.Conn, rc *registry.Connection, addr string) *Client {
	if conn != nil {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	ctx := logging.WithConnection(rc.Context(), &logging.ConnData{
		ConnID:     rc.ID(),
		UserID:     rc.UserID(),
		RemoteAddr: addr,
	})

	return &Client{
		conn:           conn,
		rc:             rc,
		ctx:            ctx,
		addr:           addr,
		maxMessageSize: s.cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval),
		rateLimit:      s.cfg.RateLimit,
		registry:       s.registry,
		dispatcher:     s.dispatcher,
		metrics:        s.metrics,
		logger:         s.logger,
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.WarnContext(c.ctx, "failed to set initial read deadline", slog.Any("error", err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.WarnContext(c.ctx, "failed to extend read deadline", slog.Any("error", err))
		}
		return nil
	})
}

// handleReadError logs the reason the read loop ends.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.WarnContext(c.ctx, "frame exceeded maximum size",
			slog.Int64("max_bytes", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.DebugContext(c.ctx, "client disconnected", slog.Any("reason", err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err) || c.rc.Closed():
		c.logger.DebugContext(c.ctx, "connection closed", slog.Any("reason", err))
	default:
		c.logger.WarnContext(c.ctx, "websocket read error", slog.Any("error", err))
	}
}

// checkRateLimit reports whether the frame may be processed. Rejected
// frames are discarded and the caller is told why.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter == nil || c.rateLimiter.allow() {
		return true
	}
	c.logger.WarnContext(c.ctx, "rate limit exceeded, discarding frame",
		slog.Int("burst", c.rateLimit.Burst),
		slog.Duration("refill_interval", c.rateLimit.RefillInterval))
	c.metrics.RateLimited()
	c.dispatcher.Notify(c.rc.ID(), chat.ErrorEvent(codeRateLimited, "rate limit exceeded"))
	return false
}

// processMessage decodes one inbound frame and runs it to completion.
func (c *Client) processMessage(raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.logger.DebugContext(c.ctx, "malformed frame", slog.Any("error", err))
		c.dispatcher.Notify(c.rc.ID(), chat.ErrorEvent(codeBadFrame, "malformed frame"))
		return
	}

	ctx := logging.WithCommand(c.ctx, &logging.CommandData{
		Type:   string(cmd.Type),
		ChatID: cmd.ChatID,
	})
	who := caller{connID: c.rc.ID(), userID: c.rc.UserID()}
	if err := route(ctx, c.dispatcher, who, cmd); err != nil {
		c.logger.DebugContext(ctx, "command failed", slog.Any("error", err))
	}
}

// readPump processes frames strictly in arrival order. Leaving it
// unregisters the connection, which closes the outbound queue and stops the
// write pump.
func (c *Client) readPump() {
	defer func() {
		c.registry.Unregister(c.rc.ID())
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.rc.Outbound():
		return c.handleMessage(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.WarnContext(c.ctx, "error closing connection", slog.Any("error", err))
	}
}

// handleMessage writes one outbound frame and returns false if the connection should be closed
func (c *Client) handleMessage(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.WarnContext(c.ctx, "failed to set write deadline", slog.Any("error", err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(frame)
}

func (c *Client) writeCloseMessage() bool {
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.logger.DebugContext(c.ctx, "error writing close message", slog.Any("error", err))
	}
	return false
}

// writeTextMessage writes frame and every frame already queued behind it
// as one WebSocket message, separated by newlines.
func (c *Client) writeTextMessage(frame []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.logger.DebugContext(c.ctx, "error creating writer", slog.Any("error", err))
		return false
	}

	if _, err := w.Write(frame); err != nil {
		c.logger.DebugContext(c.ctx, "error writing frame", slog.Any("error", err))
		return false
	}

	if !c.writeQueuedMessages(w) {
		return false
	}

	if err := w.Close(); err != nil {
		c.logger.DebugContext(c.ctx, "error flushing frames", slog.Any("error", err))
		return false
	}
	return true
}

func (c *Client) writeQueuedMessages(w io.Writer) bool {
	queue := c.rc.Outbound()
	n := len(queue)
	for i := 0; i < n; i++ {
		frame, ok := <-queue
		if !ok {
			return true
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.logger.DebugContext(c.ctx, "error writing separator", slog.Any("error", err))
			return false
		}
		if _, err := w.Write(frame); err != nil {
			c.logger.DebugContext(c.ctx, "error writing queued frame", slog.Any("error", err))
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.WarnContext(c.ctx, "failed to set write deadline for ping", slog.Any("error", err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.DebugContext(c.ctx, "error writing ping", slog.Any("error", err))
		return false
	}
	return true
}
