package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Dharshan-K/medplum/gateway/internal/auth"
	"github.com/Dharshan-K/medplum/gateway/internal/bots"
	"github.com/Dharshan-K/medplum/gateway/internal/config"
	"github.com/Dharshan-K/medplum/gateway/internal/metrics"
	"github.com/Dharshan-K/medplum/gateway/internal/pubsub"
	"github.com/Dharshan-K/medplum/gateway/internal/repo"
	"github.com/Dharshan-K/medplum/gateway/internal/store"
	"github.com/Dharshan-K/medplum/gateway/internal/ws"
	"github.com/Dharshan-K/medplum/pkg/protocol"
)

const ackBot = `exports.handler = async function (medplum, event) {
	const agent = medplum.readResource("Agent", event.agent.id);
	console.log("message from", agent.name, event.remoteAddress);
	return event.input.buildAck();
};`

// TestAgentFullStack runs the handler against the real store, auth service,
// repository and bot engine.
func TestAgentFullStack(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	project := &store.Project{ID: uuid.New().String(), Name: "lab", StrictMode: true, CreatedAt: time.Now()}
	if err := s.CreateProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	svc := auth.NewService(s, config.AuthConfig{
		JWTSecret: "integration-secret-at-least-32-chars!!",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})
	if _, _, err := svc.CreateUser(ctx, project.ID, "agent@example.com", "password1", "Device/1", false); err != nil {
		t.Fatal(err)
	}
	token, err := svc.Login(ctx, project.ID, "agent@example.com", "password1")
	if err != nil {
		t.Fatal(err)
	}

	principal, err := svc.Resolve(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	factory := repo.NewFactory(s)
	writer := factory.ForPrincipal(principal, repo.Options{StrictMode: true})
	agentRes, err := writer.CreateResource(ctx, &store.Resource{Content: json.RawMessage(`{"resourceType":"Agent","name":"lab-agent"}`)})
	if err != nil {
		t.Fatal(err)
	}
	code, _ := json.Marshal(ackBot)
	botRes, err := writer.CreateResource(ctx, &store.Resource{Content: json.RawMessage(`{"resourceType":"Bot","name":"ack","code":` + string(code) + `}`)})
	if err != nil {
		t.Fatal(err)
	}

	m := metrics.New()
	bus := pubsub.NewMemory(m)
	t.Cleanup(func() { bus.Close() })
	h := New(Deps{
		Auth:     svc,
		Repos:    FromFactory(factory),
		Executor: bots.New(s, 5*time.Second, m, slog.Default()),
		Bus:      bus,
		Audit:    s,
		Metrics:  m,
		Logger:   slog.Default(),
	})
	srv := ws.New(ws.Options{MaxMessageBytes: 1 << 20}, m, slog.Default())
	srv.Register(Key, h)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/agent", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	send(t, c, protocol.Command{Type: protocol.TypeConnect, AccessToken: token, AgentID: agentRes.ID, BotID: botRes.ID})
	if out := next(t, c); out.Type != protocol.TypeConnected {
		t.Fatalf("connect: %+v", out)
	}

	adt := "MSH|^~\\&|ADT1|HOSP|LAB|HOSP|20240101120000||ADT^A01|MSG00001|P|2.5\rPID|1||12345"
	send(t, c, protocol.Command{Type: protocol.TypeTransmit, Message: adt})
	out := next(t, c)
	if out.Type != protocol.TypeTransmit {
		t.Fatalf("transmit: %+v", out)
	}
	if ack := out.MessageString(); !strings.HasSuffix(ack, "MSA|AA|MSG00001") {
		t.Errorf("ack: got %q", ack)
	}

	events, err := s.ListAuditEvents(ctx, project.ID, store.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	actions := map[string]int{}
	for _, ev := range events {
		actions[ev.Action]++
	}
	if actions["agent.connect"] != 1 || actions["bot.execute"] != 1 {
		t.Errorf("audit actions: got %v", actions)
	}
}
