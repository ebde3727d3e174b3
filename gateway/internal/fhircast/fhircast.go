// Package fhircast relays FHIRcast notifications. Subscribers connect to
// /ws/fhircast/<topic>; events published for the topic over HTTP are pushed
// to every subscriber.
package fhircast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Dharshan-K/medplum/gateway/internal/pubsub"
	"github.com/Dharshan-K/medplum/gateway/internal/ws"
	"github.com/Dharshan-K/medplum/pkg/protocol"
)

// Key is the handler key the hub is registered under.
const Key = "fhircast"

// TopicPrefix namespaces FHIRcast topics on the broadcast bus.
const TopicPrefix = "fhircast:"

// ErrInvalidEvent is returned by Publish for malformed notifications.
var ErrInvalidEvent = errors.New("invalid fhircast event")

// Hub serves FHIRcast subscriber sockets and publishes events.
type Hub struct {
	bus       pubsub.Client
	heartbeat time.Duration
	logger    *slog.Logger
}

// New creates a Hub. A zero heartbeat defaults to 10s.
func New(bus pubsub.Client, heartbeat time.Duration, logger *slog.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	return &Hub{bus: bus, heartbeat: heartbeat, logger: logger.With("component", "fhircast")}
}

// HandleConn implements ws.Handler.
func (h *Hub) HandleConn(ctx context.Context, conn *ws.Conn, r *http.Request) {
	topic := ws.PathSegment(r.URL.Path, 2)
	if topic == "" {
		conn.CloseWith(websocket.ClosePolicyViolation, "missing topic")
		return
	}
	logger := h.logger.With("conn_id", conn.ID(), "topic", topic)

	sub, err := h.bus.Subscribe(ctx, TopicPrefix+topic)
	if err != nil {
		logger.Error("fhircast subscribe failed", "error", err)
		conn.CloseWith(websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer sub.Close()

	go h.pump(conn, sub, topic, logger)

	// Client frames are acknowledgements; read them only to notice the close.
	if err := conn.Serve(ctx, func(context.Context, []byte) {}); err != nil {
		logger.Debug("fhircast connection ended", "error", err)
	}
}

// pump forwards deliveries and sends heartbeats until the socket or the
// subscription closes.
func (h *Hub) pump(conn *ws.Conn, sub pubsub.Subscription, topic string, logger *slog.Logger) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := conn.WriteText(msg); err != nil {
				logger.Debug("fhircast write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteJSON(h.heartbeatEvent(topic)); err != nil {
				logger.Debug("fhircast heartbeat failed", "error", err)
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Hub) heartbeatEvent(topic string) protocol.FHIRcastEvent {
	period, _ := json.Marshal(map[string]string{
		"key":     "period",
		"decimal": strconv.Itoa(int(h.heartbeat / time.Second)),
	})
	return protocol.FHIRcastEvent{
		Timestamp: time.Now().UTC(),
		ID:        uuid.New().String(),
		Event: protocol.FHIRcastEventBody{
			Topic:   topic,
			Event:   protocol.FHIRcastHeartbeat,
			Context: []json.RawMessage{period},
		},
	}
}

// Publish validates ev for topic, fills in id and timestamp when absent and
// broadcasts it to the topic's subscribers.
func (h *Hub) Publish(ctx context.Context, topic string, ev *protocol.FHIRcastEvent) error {
	if topic == "" {
		return fmt.Errorf("%w: missing topic", ErrInvalidEvent)
	}
	if ev.Event.Topic != topic {
		return fmt.Errorf("%w: hub.topic %q does not match %q", ErrInvalidEvent, ev.Event.Topic, topic)
	}
	if ev.Event.Event == "" {
		return fmt.Errorf("%w: missing hub.event", ErrInvalidEvent)
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Event.Context == nil {
		ev.Event.Context = []json.RawMessage{}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := h.bus.Publish(ctx, TopicPrefix+topic, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	h.logger.Debug("fhircast event published", "topic", topic, "event", ev.Event.Event, "id", ev.ID)
	return nil
}
