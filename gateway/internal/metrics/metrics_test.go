package metrics

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestIncrDecr(t *testing.T) {
	m := New()
	m.Incr(WSConnections, 3)
	m.Decr(WSConnections, 1)
	if got := m.Count(WSConnections); got != 2 {
		t.Errorf("Count: got %d, want 2", got)
	}
	if got := m.Count("unused"); got != 0 {
		t.Errorf("unused Count: got %d, want 0", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Incr(WSRecv, 1)
	m.Decr(WSRecv, 1)
	if m.Count(WSRecv) != 0 {
		t.Error("nil metrics should count nothing")
	}
	var buf bytes.Buffer
	m.WriteJSON(&buf)
	if buf.String() != "{}\n" {
		t.Errorf("nil WriteJSON: got %q", buf.String())
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Incr(AgentConnects, 5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q", ct)
	}
	var body map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if got := body[AgentConnects]["count"]; got != float64(5) {
		t.Errorf("%s count: got %v, want 5", AgentConnects, got)
	}
}
