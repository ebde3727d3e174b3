package echo

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Dharshan-K/medplum/gateway/internal/metrics"
	"github.com/Dharshan-K/medplum/gateway/internal/pubsub"
	"github.com/Dharshan-K/medplum/gateway/internal/ws"
)

// recordingBus remembers every topic subscribed through it.
type recordingBus struct {
	*pubsub.Memory
	mu     sync.Mutex
	topics []string
}

func (b *recordingBus) Subscribe(ctx context.Context, topic string) (pubsub.Subscription, error) {
	b.mu.Lock()
	b.topics = append(b.topics, topic)
	b.mu.Unlock()
	return b.Memory.Subscribe(ctx, topic)
}

func (b *recordingBus) subscribed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.topics...)
}

func setupTestEcho(t *testing.T) (*recordingBus, string) {
	t.Helper()
	bus := &recordingBus{Memory: pubsub.NewMemory(metrics.New())}
	srv := ws.New(ws.Options{}, nil, slog.Default())
	srv.Register(Key, New(bus, slog.Default()))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
		bus.Close()
	})
	return bus, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/echo"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func roundTrip(c *websocket.Conn, payload []byte) ([]byte, int, error) {
	if err := c.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return nil, 0, err
	}
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := c.ReadMessage()
	return data, mt, err
}

func TestEchoRoundTrip(t *testing.T) {
	_, url := setupTestEcho(t)
	c := dial(t, url)

	data, mt, err := roundTrip(c, []byte(`{"hello":"world"}`))
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.TextMessage {
		t.Errorf("frame type: got %d, want text", mt)
	}
	if string(data) != `{"hello":"world"}` {
		t.Errorf("got %q", data)
	}
}

func TestEchoRoundTripProperty(t *testing.T) {
	_, url := setupTestEcho(t)
	c := dial(t, url)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every payload comes back unchanged", prop.ForAll(
		func(payload []byte) bool {
			data, _, err := roundTrip(c, payload)
			return err == nil && bytes.Equal(data, payload)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func TestEchoIsolation(t *testing.T) {
	bus, url := setupTestEcho(t)
	a := dial(t, url)
	b := dial(t, url)

	if data, _, err := roundTrip(a, []byte("from-a")); err != nil || string(data) != "from-a" {
		t.Fatalf("a: got %q, %v", data, err)
	}
	if data, _, err := roundTrip(b, []byte("from-b")); err != nil || string(data) != "from-b" {
		t.Fatalf("b: got %q, %v", data, err)
	}

	// Neither side sees anything further.
	for name, c := range map[string]*websocket.Conn{"a": a, "b": b} {
		c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, data, err := c.ReadMessage(); err == nil {
			t.Errorf("%s received unexpected %q", name, data)
		}
	}

	topics := bus.subscribed()
	if len(topics) != 2 || topics[0] == topics[1] {
		t.Fatalf("topics: got %v, want two distinct", topics)
	}
	for _, topic := range topics {
		if !strings.HasPrefix(topic, TopicPrefix) {
			t.Errorf("topic %q missing prefix", topic)
		}
	}
}

func TestEchoReleasesSubscriptionOnClose(t *testing.T) {
	bus, url := setupTestEcho(t)
	c := dial(t, url)
	if _, _, err := roundTrip(c, []byte("x")); err != nil {
		t.Fatal(err)
	}
	topic := bus.subscribed()[0]
	if n := bus.Subscribers(topic); n != 1 {
		t.Fatalf("subscribers before close: got %d, want 1", n)
	}

	c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for bus.Subscribers(topic) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not released: %d", bus.Subscribers(topic))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
