package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Dharshan-K/medplum/pkg/protocol"
)

// fakeGateway answers connect with connected (or an error for a bad token)
// and echoes transmit messages back upper-cased.
func fakeGateway(t *testing.T, pushFirst bool) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if typ != websocket.BinaryMessage {
				t.Errorf("frame type: got %d, want binary", typ)
			}
			cmd, err := protocol.ParseCommand(data)
			if err != nil {
				return
			}
			var replies []protocol.Outbound
			switch cmd.Type {
			case protocol.TypeConnect:
				if cmd.AccessToken != "good" {
					replies = append(replies, protocol.Error("Invalid token"))
					break
				}
				if pushFirst {
					replies = append(replies, protocol.Transmit("queued"))
				}
				replies = append(replies, protocol.Connected())
			case protocol.TypeTransmit:
				replies = append(replies, protocol.Transmit(strings.ToUpper(cmd.Message)+"|"+cmd.ForwardedFor))
			}
			for _, out := range replies {
				b, _ := json.Marshal(out)
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHandshakeAndTransmit(t *testing.T) {
	c := dial(t, fakeGateway(t, false))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pushed, err := c.Handshake(ctx, "good", "agent-1", "bot-1")
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if len(pushed) != 0 {
		t.Errorf("pushed: got %d, want 0", len(pushed))
	}

	if err := c.Transmit("msh", "10.0.0.1"); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	out, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if out.Type != protocol.TypeTransmit || out.MessageString() != "MSH|10.0.0.1" {
		t.Errorf("got %+v", out)
	}
}

func TestHandshakeRemoteError(t *testing.T) {
	c := dial(t, fakeGateway(t, false))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Handshake(ctx, "bad", "agent-1", "bot-1")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("got %v, want RemoteError", err)
	}
	if remote.Message != "Invalid token" {
		t.Errorf("message: got %q", remote.Message)
	}
}

func TestHandshakeCollectsPushed(t *testing.T) {
	c := dial(t, fakeGateway(t, true))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pushed, err := c.Handshake(ctx, "good", "agent-1", "bot-1")
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if len(pushed) != 1 || pushed[0].MessageString() != "queued" {
		t.Errorf("pushed: got %+v", pushed)
	}
}

func TestNextHonoursContext(t *testing.T) {
	c := dial(t, fakeGateway(t, false))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Next(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Next did not return promptly")
	}
}

func TestDialFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), Options{})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should carry the status: %v", err)
	}
}
