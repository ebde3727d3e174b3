package pubsub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Dharshan-K/medplum/gateway/internal/config"
	"github.com/Dharshan-K/medplum/gateway/internal/metrics"
)

// New creates a Client for the configured driver.
func New(ctx context.Context, cfg config.PubSubConfig, m *metrics.Metrics, logger *slog.Logger) (Client, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(m), nil
	case "postgres":
		return NewPostgres(ctx, cfg.DSN, m, logger)
	default:
		return nil, fmt.Errorf("unsupported pubsub driver: %s", cfg.Driver)
	}
}
