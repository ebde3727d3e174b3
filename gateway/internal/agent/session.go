package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Dharshan-K/medplum/gateway/internal/auth"
	"github.com/Dharshan-K/medplum/gateway/internal/bots"
	"github.com/Dharshan-K/medplum/gateway/internal/metrics"
	"github.com/Dharshan-K/medplum/gateway/internal/pubsub"
	"github.com/Dharshan-K/medplum/gateway/internal/repo"
	"github.com/Dharshan-K/medplum/gateway/internal/store"
	"github.com/Dharshan-K/medplum/gateway/internal/ws"
	"github.com/Dharshan-K/medplum/pkg/protocol"
)

// errNotConnected is reported to clients that transmit before connecting.
const errNotConnected = "Not connected"

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateConnected
)

func (s sessionState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateConnected:
		return "connected"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}

// session is the per-connection state. Its fields are only touched from the
// connection's consumer goroutine.
type session struct {
	h          *Handler
	conn       *ws.Conn
	remoteAddr string
	logger     *slog.Logger

	state     sessionState
	agent     *repo.Agent
	bot       *repo.Bot
	principal *auth.State
	reader    repo.Reader

	sub     pubsub.Subscription
	fwdDone chan struct{}
}

func newSession(h *Handler, conn *ws.Conn, remoteAddr string) *session {
	return &session{
		h:          h,
		conn:       conn,
		remoteAddr: remoteAddr,
		logger:     h.logger.With("conn_id", conn.ID(), "remote", remoteAddr),
	}
}

// handle processes one inbound frame. Failures are reported to the client;
// nothing here ends the connection.
func (s *session) handle(ctx context.Context, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("agent message panic", "panic", rec)
			s.sendError(fmt.Sprint(rec))
		}
	}()

	cmd, err := protocol.ParseCommand(data)
	if err != nil {
		s.sendError(err.Error())
		return
	}

	switch cmd.Type {
	case protocol.TypeConnect:
		s.connect(ctx, cmd)
	case protocol.TypeTransmit:
		s.transmit(ctx, cmd)
	default:
		s.logger.Debug("ignoring agent command", "type", cmd.Type)
	}
}

// connect authenticates and binds the session. On failure the session keeps
// whatever binding it had.
func (s *session) connect(ctx context.Context, cmd protocol.Command) {
	principal, err := s.h.auth.Resolve(ctx, cmd.AccessToken)
	if err != nil {
		s.fail("connect", err)
		return
	}

	opts := repo.Options{Elevated: true}
	if principal.Project != nil {
		opts.StrictMode = principal.Project.StrictMode
		opts.CheckReferencesOnWrite = principal.Project.CheckReferencesOnWrite
	}
	reader := s.h.repos(principal, opts)

	agent, err := repo.ReadAgent(ctx, reader, cmd.AgentID)
	if err != nil {
		s.fail("connect", fmt.Errorf("read agent: %w", err))
		return
	}
	bot, err := repo.ReadBot(ctx, reader, cmd.BotID)
	if err != nil {
		s.fail("connect", fmt.Errorf("read bot: %w", err))
		return
	}

	// A session holds at most one subscription.
	s.release()

	topic := repo.Reference("Agent", agent.ID)
	sub, err := s.h.bus.Subscribe(ctx, topic)
	if err != nil {
		s.fail("connect", fmt.Errorf("subscribe: %w", err))
		return
	}

	s.state = stateConnected
	s.agent = agent
	s.bot = bot
	s.principal = principal
	s.reader = reader
	s.sub = sub
	s.logger = s.h.logger.With("conn_id", s.conn.ID(), "remote", s.remoteAddr, "agent_id", agent.ID, "bot_id", bot.ID)
	s.fwdDone = make(chan struct{})
	go forward(s.conn, sub, s.fwdDone, s.logger)

	s.h.metrics.Incr(metrics.AgentConnects, 1)
	s.logger.Info("agent connected", "topic", topic)
	s.auditConnect(ctx)

	s.send(protocol.Connected())
}

// transmit runs the bound bot on the message and returns its result.
func (s *session) transmit(ctx context.Context, cmd protocol.Command) {
	if s.state != stateConnected {
		s.sendError(errNotConnected)
		return
	}

	var runAs *store.Membership
	if s.principal != nil {
		runAs = s.principal.Membership
	}
	result, err := s.h.executor.Execute(ctx, bots.Request{
		Agent:         s.agent,
		Bot:           s.bot,
		RunAs:         runAs,
		ContentType:   protocol.ContentTypeHL7V2,
		Input:         cmd.Message,
		RemoteAddress: s.remoteAddr,
		ForwardedFor:  cmd.ForwardedFor,
		Repo:          s.reader,
	})
	if err != nil {
		s.fail("transmit", err)
		return
	}
	var value any
	if result != nil {
		value = result.ReturnValue
	}
	s.send(protocol.Transmit(value))
}

// forward pushes every delivery on sub to conn until sub is closed.
func forward(conn *ws.Conn, sub pubsub.Subscription, done chan struct{}, logger *slog.Logger) {
	defer close(done)
	for msg := range sub.Messages() {
		if err := conn.WriteJSON(protocol.Transmit(string(msg))); err != nil {
			logger.Debug("agent forward failed", "error", err)
			return
		}
	}
}

// release closes the live subscription, if any, and waits for its forwarder.
func (s *session) release() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Close(); err != nil {
		s.logger.Warn("agent unsubscribe failed", "error", err)
	}
	<-s.fwdDone
	s.sub = nil
	s.fwdDone = nil
	s.state = stateUnauthenticated
}

func (s *session) auditConnect(ctx context.Context) {
	if s.h.audit == nil || s.principal == nil {
		return
	}
	ev := &store.AuditEvent{
		ID:         uuid.New().String(),
		Action:     "agent.connect",
		ResourceID: repo.Reference("Agent", s.agent.ID),
		Outcome:    "success",
		CreatedAt:  time.Now(),
	}
	if s.principal.Project != nil {
		ev.ProjectID = s.principal.Project.ID
	}
	if s.principal.Login != nil {
		ev.LoginID = s.principal.Login.ID
	}
	ev.Detail, _ = json.Marshal(map[string]string{
		"bot":    repo.Reference("Bot", s.bot.ID),
		"remote": s.remoteAddr,
	})
	if err := s.h.audit.LogAuditEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("audit agent connect failed", "error", err)
	}
}

func (s *session) fail(op string, err error) {
	s.h.metrics.Incr(metrics.AgentErrors, 1)
	s.logger.Warn("agent "+op+" failed", "state", s.state.String(), "error", err)
	s.sendError(err.Error())
}

func (s *session) sendError(msg string) {
	s.send(protocol.Error(msg))
}

func (s *session) send(msg protocol.Outbound) {
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug("agent send failed", "type", msg.Type, "error", err)
	}
}
