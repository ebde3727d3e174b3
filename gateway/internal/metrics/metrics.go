// Package metrics wraps a go-metrics registry with the counters the gateway
// reports.
package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Counter names.
const (
	WSConnections       = "ws.connections"
	WSRecv              = "ws.recv"
	WSSend              = "ws.send"
	WSRejected          = "ws.rejected"
	PubSubSubscriptions = "pubsub.subscriptions"
	PubSubPublished     = "pubsub.published"
	PubSubDropped       = "pubsub.dropped"
	AgentConnects       = "agent.connects"
	AgentErrors         = "agent.errors"
	BotExecutions       = "bots.executions"
	BotFailures         = "bots.failures"
)

// Metrics is a counter registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg gometrics.Registry
}

// New returns a Metrics backed by a fresh registry.
func New() *Metrics {
	return &Metrics{reg: gometrics.NewRegistry()}
}

// Incr adds i to the named counter.
func (m *Metrics) Incr(name string, i int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

// Decr subtracts i from the named counter.
func (m *Metrics) Decr(name string, i int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}

// Count returns the current value of the named counter.
func (m *Metrics) Count(name string) int64 {
	if m == nil {
		return 0
	}
	return gometrics.GetOrRegisterCounter(name, m.reg).Count()
}

// WriteJSON writes a single JSON snapshot of the registry.
func (m *Metrics) WriteJSON(w io.Writer) {
	if m == nil {
		_, _ = io.WriteString(w, "{}\n")
		return
	}
	gometrics.WriteJSONOnce(m.reg, w)
}

// Handler serves the registry as JSON.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		m.WriteJSON(w)
	})
}

// Report logs every counter at the given interval until ctx is done. A
// non-positive interval disables reporting.
func (m *Metrics) Report(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if m == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log(logger)
			return
		case <-ticker.C:
			m.log(logger)
		}
	}
}

func (m *Metrics) log(logger *slog.Logger) {
	var names []string
	counts := make(map[string]int64)
	m.reg.Each(func(name string, v any) {
		if c, ok := v.(gometrics.Counter); ok {
			names = append(names, name)
			counts[name] = c.Count()
		}
	})
	sort.Strings(names)
	args := make([]any, 0, len(names)*2)
	for _, n := range names {
		args = append(args, n, counts[n])
	}
	logger.Info("metrics", args...)
}
