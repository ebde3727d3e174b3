package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Dharshan-K/medplum/gateway/internal/metrics"
)

const (
	// inboxSize bounds frames read but not yet handled on one connection.
	inboxSize = 64
	writeWait = 10 * time.Second
)

// ErrConnClosed is returned by writes after the connection has closed.
var ErrConnClosed = errors.New("ws: connection closed")

// Conn is an accepted WebSocket connection. Writes are serialised; reads
// happen only through Serve.
type Conn struct {
	id         string
	ws         *websocket.Conn
	remoteAddr string
	logger     *slog.Logger
	metrics    *metrics.Metrics

	writeMu sync.Mutex

	closeOnce     sync.Once
	done          chan struct{}
	stopKeepalive func()
}

func newConn(id string, c *websocket.Conn, remoteAddr string, m *metrics.Metrics, logger *slog.Logger) *Conn {
	return &Conn{
		id:         id,
		ws:         c,
		remoteAddr: remoteAddr,
		logger:     logger,
		metrics:    m,
		done:       make(chan struct{}),
	}
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer's network address as seen by the server.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Logger returns a logger tagged with the connection id and peer.
func (c *Conn) Logger() *slog.Logger { return c.logger }

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// WriteText sends data as a single text frame.
func (c *Conn) WriteText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

// WriteBinary sends data as a single binary frame.
func (c *Conn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

// WriteJSON encodes v and sends it as a text frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.WriteText(data)
}

func (c *Conn) write(messageType int, data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return err
	}
	c.metrics.Incr(metrics.WSSend, 1)
	return nil
}

// Serve reads frames and hands them to fn one at a time in arrival order.
// A reader goroutine keeps consuming the socket while fn runs. The context
// passed to fn is cancelled when the socket closes. Serve returns nil on a
// normal close and closes the connection when it returns.
func (c *Conn) Serve(ctx context.Context, fn func(ctx context.Context, data []byte)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	inbox := make(chan []byte, inboxSize)
	var readErr error
	go func() {
		defer close(inbox)
		defer cancel()
		for {
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				readErr = err
				return
			}
			c.metrics.Incr(metrics.WSRecv, 1)
			select {
			case inbox <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for data := range inbox {
		if ctx.Err() != nil {
			continue
		}
		fn(ctx, data)
	}

	if readErr == nil || websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	select {
	case <-c.done:
		return nil
	default:
	}
	return readErr
}

// Close sends a close frame and closes the socket. It is safe to call more
// than once.
func (c *Conn) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith closes the socket with the given close code and reason.
func (c *Conn) CloseWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.stopKeepalive != nil {
			c.stopKeepalive()
		}
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
