// Package agentclient speaks the gateway's agent protocol from the agent side.
package agentclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Dharshan-K/medplum/pkg/protocol"
)

// RemoteError is an error envelope sent by the gateway.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "gateway: " + e.Message }

// Options configures Dial.
type Options struct {
	Header        http.Header
	TLSSkipVerify bool
}

// Client is one agent connection.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	readMu  sync.Mutex
}

// Dial opens an agent connection to url, e.g. "ws://localhost:8103/ws/agent".
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Connect sends a connect command. Use Next or Handshake for the reply.
func (c *Client) Connect(accessToken, agentID, botID string) error {
	return c.send(protocol.Command{
		Type:        protocol.TypeConnect,
		AccessToken: accessToken,
		AgentID:     agentID,
		BotID:       botID,
	})
}

// Transmit sends a message for the bound bot.
func (c *Client) Transmit(message, forwardedFor string) error {
	return c.send(protocol.Command{
		Type:         protocol.TypeTransmit,
		Message:      message,
		ForwardedFor: forwardedFor,
	})
}

func (c *Client) send(cmd protocol.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Next returns the next envelope from the gateway. Cancelling ctx aborts
// the read; the connection should not be reused afterwards.
func (c *Client) Next(ctx context.Context) (protocol.Outbound, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	_ = c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Outbound{}, ctx.Err()
		}
		return protocol.Outbound{}, fmt.Errorf("read: %w", err)
	}
	var out protocol.Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		return protocol.Outbound{}, fmt.Errorf("decode envelope: %w", err)
	}
	return out, nil
}

// Handshake connects and waits for the acknowledgement. Pushed transmit
// envelopes that arrive first are returned alongside.
func (c *Client) Handshake(ctx context.Context, accessToken, agentID, botID string) ([]protocol.Outbound, error) {
	if err := c.Connect(accessToken, agentID, botID); err != nil {
		return nil, err
	}
	var pushed []protocol.Outbound
	for {
		out, err := c.Next(ctx)
		if err != nil {
			return pushed, err
		}
		switch out.Type {
		case protocol.TypeConnected:
			return pushed, nil
		case protocol.TypeError:
			return pushed, &RemoteError{Message: out.MessageString()}
		default:
			pushed = append(pushed, out)
		}
	}
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
