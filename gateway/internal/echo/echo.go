// Package echo implements the loopback bridge: every frame a client sends is
// published to a topic private to that connection, and every message on the
// topic is written back to the socket.
package echo

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/Dharshan-K/medplum/gateway/internal/pubsub"
	"github.com/Dharshan-K/medplum/gateway/internal/ws"
)

// Key is the handler key the bridge is registered under.
const Key = "echo"

// TopicPrefix prefixes the per-connection topic name.
const TopicPrefix = "echo:"

// Handler bridges a socket to its own broadcast topic.
type Handler struct {
	bus    pubsub.Client
	logger *slog.Logger
}

// New creates an echo Handler publishing on bus.
func New(bus pubsub.Client, logger *slog.Logger) *Handler {
	return &Handler{bus: bus, logger: logger.With("component", "echo")}
}

// HandleConn implements ws.Handler.
func (h *Handler) HandleConn(ctx context.Context, conn *ws.Conn, _ *http.Request) {
	topic := TopicPrefix + uuid.New().String()
	logger := h.logger.With("conn_id", conn.ID(), "topic", topic)

	sub, err := h.bus.Subscribe(ctx, topic)
	if err != nil {
		logger.Error("echo subscribe failed", "error", err)
		return
	}
	defer sub.Close()

	go forward(conn, sub, logger)

	err = conn.Serve(ctx, func(ctx context.Context, data []byte) {
		if err := h.bus.Publish(ctx, topic, data); err != nil {
			logger.Warn("echo publish failed", "error", err)
		}
	})
	if err != nil {
		logger.Debug("echo connection ended", "error", err)
	}
}

// forward writes every delivery on sub to conn until either side closes.
func forward(conn *ws.Conn, sub pubsub.Subscription, logger *slog.Logger) {
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := conn.WriteText(msg); err != nil {
				logger.Debug("echo write failed", "error", err)
				return
			}
		case <-conn.Done():
			return
		}
	}
}
