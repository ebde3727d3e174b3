package agent

import (
	"context"
	"encoding/json"
	"fmt"
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

	"github.com/Dharshan-K/medplum/gateway/internal/auth"
	"github.com/Dharshan-K/medplum/gateway/internal/bots"
	"github.com/Dharshan-K/medplum/gateway/internal/metrics"
	"github.com/Dharshan-K/medplum/gateway/internal/pubsub"
	"github.com/Dharshan-K/medplum/gateway/internal/repo"
	"github.com/Dharshan-K/medplum/gateway/internal/store"
	"github.com/Dharshan-K/medplum/gateway/internal/ws"
	"github.com/Dharshan-K/medplum/pkg/protocol"
)

const validToken = "valid-token"

type stubAuth struct{ state *auth.State }

func (a *stubAuth) Resolve(_ context.Context, token string) (*auth.State, error) {
	if token != validToken {
		return nil, fmt.Errorf("%w: bad token", auth.ErrUnauthorized)
	}
	return a.state, nil
}

type stubReader map[string]string

func (r stubReader) ReadResource(_ context.Context, typ, id string) (*store.Resource, error) {
	content, ok := r[typ+"/"+id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &store.Resource{ResourceType: typ, ID: id, Content: json.RawMessage(content)}, nil
}

type stubExecutor struct {
	mu     sync.Mutex
	calls  []bots.Request
	result any
	err    error
	panic  bool
}

func (e *stubExecutor) Execute(_ context.Context, req bots.Request) (*bots.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req)
	if e.panic {
		panic("executor exploded")
	}
	if e.err != nil {
		return nil, e.err
	}
	return &bots.Result{ReturnValue: e.result}, nil
}

func (e *stubExecutor) call(i int) bots.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[i]
}

func (e *stubExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []store.AuditEvent
}

func (a *recordingAudit) LogAuditEvent(_ context.Context, ev *store.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *ev)
	return nil
}

type fixture struct {
	bus      *pubsub.Memory
	exec     *stubExecutor
	audit    *recordingAudit
	metrics  *metrics.Metrics
	url      string
	mu       sync.Mutex
	lastOpts repo.Options
}

func (f *fixture) opts() repo.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts
}

func setupTestAgent(t *testing.T) *fixture {
	t.Helper()
	principal := &auth.State{
		Login:      &store.Login{ID: "login-1", ProjectID: "p1", MembershipID: "m1"},
		Project:    &store.Project{ID: "p1", StrictMode: true, CheckReferencesOnWrite: true},
		Membership: &store.Membership{ID: "m1", ProjectID: "p1", Profile: "Practitioner/1"},
	}
	reader := stubReader{
		"Agent/a1": `{"resourceType":"Agent","id":"a1","name":"lab"}`,
		"Agent/a2": `{"resourceType":"Agent","id":"a2","name":"radiology"}`,
		"Bot/b1":   `{"resourceType":"Bot","id":"b1","name":"ack"}`,
	}

	f := &fixture{
		bus:     pubsub.NewMemory(metrics.New()),
		exec:    &stubExecutor{result: "ACK"},
		audit:   &recordingAudit{},
		metrics: metrics.New(),
	}
	h := New(Deps{
		Auth: &stubAuth{state: principal},
		Repos: func(_ *auth.State, opts repo.Options) repo.Reader {
			f.mu.Lock()
			f.lastOpts = opts
			f.mu.Unlock()
			return reader
		},
		Executor: f.exec,
		Bus:      f.bus,
		Audit:    f.audit,
		Metrics:  f.metrics,
		Logger:   slog.Default(),
	})

	srv := ws.New(ws.Options{}, nil, slog.Default())
	srv.Register(Key, h)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
		f.bus.Close()
	})
	f.url = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/agent"
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func next(t *testing.T, c *websocket.Conn) protocol.Outbound {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out protocol.Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return out
}

// expectQuiet fails if anything arrives within a short window.
func expectQuiet(t *testing.T, c *websocket.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := c.ReadMessage(); err == nil {
		t.Errorf("unexpected frame %q", data)
	}
}

func connectCmd(token, agentID string) protocol.Command {
	return protocol.Command{Type: protocol.TypeConnect, AccessToken: token, AgentID: agentID, BotID: "b1"}
}

func transmitCmd(msg string) protocol.Command {
	return protocol.Command{Type: protocol.TypeTransmit, Message: msg, ForwardedFor: "192.168.1.9"}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTransmitBeforeConnect(t *testing.T) {
	f := setupTestAgent(t)
	c := f.dial(t)

	send(t, c, transmitCmd("MSH|..."))
	out := next(t, c)
	if out.Type != protocol.TypeError || out.Message != "Not connected" {
		t.Errorf("got %+v, want Not connected error", out)
	}
	expectQuiet(t, c)
	if n := f.exec.callCount(); n != 0 {
		t.Errorf("executor called %d times", n)
	}
}

func TestConnectInvalidToken(t *testing.T) {
	f := setupTestAgent(t)
	c := f.dial(t)

	send(t, c, connectCmd("wrong", "a1"))
	out := next(t, c)
	if out.Type != protocol.TypeError {
		t.Fatalf("got %+v, want error", out)
	}
	if !strings.Contains(out.MessageString(), "unauthorized") {
		t.Errorf("message: got %q", out.MessageString())
	}

	send(t, c, transmitCmd("hello"))
	if out := next(t, c); out.Type != protocol.TypeError || out.Message != "Not connected" {
		t.Errorf("transmit after failed connect: got %+v", out)
	}
	if n := f.exec.callCount(); n != 0 {
		t.Errorf("executor called %d times", n)
	}
	if f.bus.Subscribers("Agent/a1") != 0 {
		t.Error("failed connect should not subscribe")
	}
	if got := f.metrics.Count(metrics.AgentErrors); got != 1 {
		t.Errorf("agent errors metric: got %d, want 1", got)
	}
}

func TestConnectMissingResources(t *testing.T) {
	tests := []struct {
		name    string
		cmd     protocol.Command
		wantMsg string
	}{
		{"missing agent", connectCmd(validToken, "nope"), "read agent"},
		{"missing bot", protocol.Command{Type: protocol.TypeConnect, AccessToken: validToken, AgentID: "a1", BotID: "nope"}, "read bot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestAgent(t)
			c := f.dial(t)

			send(t, c, tt.cmd)
			out := next(t, c)
			if out.Type != protocol.TypeError || !strings.Contains(out.MessageString(), tt.wantMsg) {
				t.Fatalf("got %+v, want error containing %q", out, tt.wantMsg)
			}
			send(t, c, transmitCmd("x"))
			if out := next(t, c); out.Message != "Not connected" {
				t.Errorf("session should stay unauthenticated, got %+v", out)
			}
		})
	}
}

func TestConnectAndTransmit(t *testing.T) {
	f := setupTestAgent(t)
	c := f.dial(t)

	send(t, c, connectCmd(validToken, "a1"))
	if out := next(t, c); out.Type != protocol.TypeConnected {
		t.Fatalf("got %+v, want connected", out)
	}

	opts := f.opts()
	if !opts.Elevated || !opts.StrictMode || !opts.CheckReferencesOnWrite {
		t.Errorf("repository options: got %+v", opts)
	}

	send(t, c, transmitCmd("MSH|^~\\&|A"))
	out := next(t, c)
	if out.Type != protocol.TypeTransmit || out.Message != "ACK" {
		t.Fatalf("got %+v, want transmit ACK", out)
	}
	expectQuiet(t, c)

	if n := f.exec.callCount(); n != 1 {
		t.Fatalf("executor calls: got %d, want 1", n)
	}
	req := f.exec.call(0)
	if req.Agent.ID != "a1" || req.Bot.ID != "b1" {
		t.Errorf("bound resources: agent=%s bot=%s", req.Agent.ID, req.Bot.ID)
	}
	if req.RunAs == nil || req.RunAs.ID != "m1" {
		t.Errorf("RunAs: got %+v", req.RunAs)
	}
	if req.ContentType != protocol.ContentTypeHL7V2 {
		t.Errorf("ContentType: got %q", req.ContentType)
	}
	if req.Input != "MSH|^~\\&|A" || req.ForwardedFor != "192.168.1.9" {
		t.Errorf("Input/ForwardedFor: got %q / %q", req.Input, req.ForwardedFor)
	}
	if req.RemoteAddress != "127.0.0.1" {
		t.Errorf("RemoteAddress: got %q", req.RemoteAddress)
	}
	if req.Repo == nil {
		t.Error("Repo should be passed to the executor")
	}
	if got := f.metrics.Count(metrics.AgentConnects); got != 1 {
		t.Errorf("connects metric: got %d, want 1", got)
	}
}

func TestTransmitReturnsObjectValue(t *testing.T) {
	f := setupTestAgent(t)
	f.exec.result = map[string]any{"ok": true}
	c := f.dial(t)

	send(t, c, connectCmd(validToken, "a1"))
	next(t, c)
	send(t, c, transmitCmd("x"))
	out := next(t, c)
	if out.Type != protocol.TypeTransmit || out.MessageString() != `{"ok":true}` {
		t.Errorf("got %+v", out)
	}
}

func TestExecutorFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*stubExecutor)
		wantMsg string
	}{
		{"error", func(e *stubExecutor) { e.err = fmt.Errorf("%w: boom", bots.ErrExecution) }, "boom"},
		{"panic", func(e *stubExecutor) { e.panic = true }, "executor exploded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestAgent(t)
			tt.setup(f.exec)
			c := f.dial(t)

			send(t, c, connectCmd(validToken, "a1"))
			next(t, c)
			send(t, c, transmitCmd("x"))
			out := next(t, c)
			if out.Type != protocol.TypeError || !strings.Contains(out.MessageString(), tt.wantMsg) {
				t.Fatalf("got %+v, want error containing %q", out, tt.wantMsg)
			}

			// The connection is still usable.
			f.exec.mu.Lock()
			f.exec.err, f.exec.panic = nil, false
			f.exec.mu.Unlock()
			send(t, c, transmitCmd("y"))
			if out := next(t, c); out.Type != protocol.TypeTransmit {
				t.Errorf("after failure: got %+v", out)
			}
		})
	}
}

func TestMalformedFrames(t *testing.T) {
	f := setupTestAgent(t)
	c := f.dial(t)

	for _, payload := range []string{"not json", "{", "[1,2]", `"str"`, "42", ""} {
		c.WriteMessage(websocket.BinaryMessage, []byte(payload))
		out := next(t, c)
		if out.Type != protocol.TypeError || out.MessageString() == "" {
			t.Errorf("%q: got %+v, want error", payload, out)
		}
	}
	expectQuiet(t, c)
}

func TestMalformedFramesProperty(t *testing.T) {
	f := setupTestAgent(t)
	c := f.dial(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("non-JSON frames yield one error each", prop.ForAll(
		func(payload string) bool {
			if err := c.WriteMessage(websocket.BinaryMessage, []byte(payload)); err != nil {
				return false
			}
			c.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, data, err := c.ReadMessage()
			if err != nil {
				return false
			}
			var out protocol.Outbound
			return json.Unmarshal(data, &out) == nil && out.Type == protocol.TypeError
		},
		gen.AnyString().SuchThat(func(s string) bool { return !json.Valid([]byte(s)) }),
	))

	properties.TestingRun(t)

	// Still alive after the barrage.
	send(t, c, transmitCmd("x"))
	if out := next(t, c); out.Message != "Not connected" {
		t.Errorf("got %+v", out)
	}
}

func TestUnknownTypeIgnored(t *testing.T) {
	f := setupTestAgent(t)
	c := f.dial(t)

	send(t, c, map[string]string{"type": "ping"})
	send(t, c, map[string]string{"message": "no type"})
	send(t, c, transmitCmd("x"))

	// The first frame back answers the transmit.
	if out := next(t, c); out.Message != "Not connected" {
		t.Errorf("got %+v", out)
	}
	expectQuiet(t, c)
}

func TestPushedMessagesForwarded(t *testing.T) {
	f := setupTestAgent(t)
	c := f.dial(t)

	send(t, c, connectCmd(validToken, "a1"))
	if out := next(t, c); out.Type != protocol.TypeConnected {
		t.Fatalf("got %+v", out)
	}

	if err := f.bus.Publish(context.Background(), "Agent/a1", []byte("MSH|pushed")); err != nil {
		t.Fatal(err)
	}
	out := next(t, c)
	if out.Type != protocol.TypeTransmit || out.Message != "MSH|pushed" {
		t.Errorf("got %+v, want pushed transmit", out)
	}

	// Other agents' topics are not delivered.
	f.bus.Publish(context.Background(), "Agent/a2", []byte("other"))
	expectQuiet(t, c)
}

func TestCloseReleasesSubscription(t *testing.T) {
	f := setupTestAgent(t)
	c := f.dial(t)

	send(t, c, connectCmd(validToken, "a1"))
	next(t, c)
	if n := f.bus.Subscribers("Agent/a1"); n != 1 {
		t.Fatalf("subscribers: got %d, want 1", n)
	}

	c.Close()
	waitFor(t, func() bool { return f.bus.Subscribers("Agent/a1") == 0 })
}

func TestReconnectRebinds(t *testing.T) {
	f := setupTestAgent(t)
	c := f.dial(t)

	send(t, c, connectCmd(validToken, "a1"))
	if out := next(t, c); out.Type != protocol.TypeConnected {
		t.Fatalf("first connect: %+v", out)
	}
	send(t, c, connectCmd(validToken, "a2"))
	if out := next(t, c); out.Type != protocol.TypeConnected {
		t.Fatalf("second connect: %+v", out)
	}

	if n := f.bus.Subscribers("Agent/a1"); n != 0 {
		t.Errorf("old subscription leaked: %d", n)
	}
	if n := f.bus.Subscribers("Agent/a2"); n != 1 {
		t.Errorf("new subscription: got %d, want 1", n)
	}

	// A failed re-connect keeps the current binding.
	send(t, c, connectCmd("wrong", "a1"))
	if out := next(t, c); out.Type != protocol.TypeError {
		t.Fatalf("bad re-connect: %+v", out)
	}
	if n := f.bus.Subscribers("Agent/a2"); n != 1 {
		t.Errorf("binding lost after failed re-connect: %d", n)
	}
	send(t, c, transmitCmd("x"))
	if out := next(t, c); out.Type != protocol.TypeTransmit {
		t.Errorf("transmit after failed re-connect: %+v", out)
	}
	if got := f.exec.call(0).Agent.ID; got != "a2" {
		t.Errorf("bound agent: got %s, want a2", got)
	}
}

func TestConnectWritesAuditEvent(t *testing.T) {
	f := setupTestAgent(t)
	c := f.dial(t)

	send(t, c, connectCmd(validToken, "a1"))
	next(t, c)

	f.audit.mu.Lock()
	defer f.audit.mu.Unlock()
	if len(f.audit.events) != 1 {
		t.Fatalf("events: got %d, want 1", len(f.audit.events))
	}
	ev := f.audit.events[0]
	if ev.Action != "agent.connect" || ev.ResourceID != "Agent/a1" || ev.ProjectID != "p1" || ev.LoginID != "login-1" {
		t.Errorf("event: %+v", ev)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	f := setupTestAgent(t)
	a := f.dial(t)
	b := f.dial(t)

	send(t, a, connectCmd(validToken, "a1"))
	if out := next(t, a); out.Type != protocol.TypeConnected {
		t.Fatalf("a: %+v", out)
	}

	send(t, b, transmitCmd("x"))
	if out := next(t, b); out.Message != "Not connected" {
		t.Errorf("b should be unauthenticated: %+v", out)
	}
}

func TestRemoteIP(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:5555": "127.0.0.1",
		"[::1]:80":       "::1",
		"10.0.0.1":       "10.0.0.1",
	}
	for in, want := range tests {
		if got := remoteIP(in); got != want {
			t.Errorf("remoteIP(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestSessionStateString(t *testing.T) {
	if stateConnected.String() != "connected" || stateUnauthenticated.String() != "unauthenticated" {
		t.Error("unexpected state names")
	}
}
