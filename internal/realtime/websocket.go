package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 25 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxFrameBytes       = 1 << 20
	sendBuffer          = 64
)

// WebsocketDialer dials the event channel over gorilla/websocket. The token
// travels in the Authorization header.
type WebsocketDialer struct {
	Dialer       *websocket.Dialer
	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, endpoint, err)
	}

	ping := d.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	write := d.WriteTimeout
	if write <= 0 {
		write = defaultWriteTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return newWSConn(ws, ping, write, logger), nil
}

// wsConn owns one gorilla connection. A single writer goroutine serializes
// data frames and pings.
type wsConn struct {
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	pingInterval time.Duration
	pongWait     time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

func newWSConn(ws *websocket.Conn, ping, write time.Duration, logger *slog.Logger) *wsConn {
	c := &wsConn{
		ws:           ws,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		pingInterval: ping,
		pongWait:     ping * 2,
		writeTimeout: write,
		logger:       logger,
	}
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(c.pongWait)) //nolint:errcheck
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	go c.writeLoop()
	return c
}

func (c *wsConn) Send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return fmt.Errorf("%w: send buffer full", ErrTransport)
	}
}

func (c *wsConn) Receive() (Frame, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return Frame{}, ErrConnClosed
			default:
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return Frame{}, &CloseError{Code: ce.Code, Text: ce.Text}
			}
			return Frame{}, fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		return f, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline) //nolint:errcheck
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", "error", err)
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				_ = c.ws.Close()
				return
			}
		}
	}
}
