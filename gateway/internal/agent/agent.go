// Package agent implements the agent protocol. A client authenticates with
// "connect", binding the connection to an Agent and a Bot, and then sends
// "transmit" commands whose payloads are run through the bot. Messages
// published to the agent's topic are pushed to the client as "transmit".
package agent

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/Dharshan-K/medplum/gateway/internal/auth"
	"github.com/Dharshan-K/medplum/gateway/internal/bots"
	"github.com/Dharshan-K/medplum/gateway/internal/metrics"
	"github.com/Dharshan-K/medplum/gateway/internal/pubsub"
	"github.com/Dharshan-K/medplum/gateway/internal/repo"
	"github.com/Dharshan-K/medplum/gateway/internal/store"
	"github.com/Dharshan-K/medplum/gateway/internal/ws"
)

// Key is the handler key the agent protocol is registered under.
const Key = "agent"

// Authenticator exchanges an access token for the principal behind it.
type Authenticator interface {
	Resolve(ctx context.Context, accessToken string) (*auth.State, error)
}

// RepositoryFactory returns a reader acting as state.
type RepositoryFactory func(state *auth.State, opts repo.Options) repo.Reader

// FromFactory adapts a repo.Factory.
func FromFactory(f *repo.Factory) RepositoryFactory {
	return func(state *auth.State, opts repo.Options) repo.Reader {
		return f.ForPrincipal(state, opts)
	}
}

// Executor runs a bot.
type Executor interface {
	Execute(ctx context.Context, req bots.Request) (*bots.Result, error)
}

// AuditLogger records agent connects. Optional.
type AuditLogger interface {
	LogAuditEvent(ctx context.Context, event *store.AuditEvent) error
}

// Deps are the collaborators a Handler needs.
type Deps struct {
	Auth     Authenticator
	Repos    RepositoryFactory
	Executor Executor
	Bus      pubsub.Client
	Audit    AuditLogger
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Handler serves the agent protocol on accepted connections.
type Handler struct {
	auth     Authenticator
	repos    RepositoryFactory
	executor Executor
	bus      pubsub.Client
	audit    AuditLogger
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Handler.
func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		auth:     d.Auth,
		repos:    d.Repos,
		executor: d.Executor,
		bus:      d.Bus,
		audit:    d.Audit,
		metrics:  d.Metrics,
		logger:   logger.With("component", "agent"),
	}
}

// HandleConn implements ws.Handler. It runs until the socket closes.
func (h *Handler) HandleConn(ctx context.Context, conn *ws.Conn, _ *http.Request) {
	s := newSession(h, conn, remoteIP(conn.RemoteAddr()))
	defer s.release()

	if err := conn.Serve(ctx, s.handle); err != nil {
		s.logger.Debug("agent connection ended", "error", err)
	}
}

// remoteIP strips the port from a host:port address.
func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
