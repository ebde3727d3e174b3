package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Dharshan-K/medplum/gateway/internal/metrics"
)

// notFoundResponse is written verbatim to the raw transport for upgrade
// requests with no matching handler.
const notFoundResponse = "HTTP/1.1 404 Not Found\r\n\r\n"

// ErrAlreadyStarted is returned by Start on a server that is already attached.
var ErrAlreadyStarted = errors.New("ws: server already started")

// Options configures a Server.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64         // read limit per frame; 0 = unlimited
	PingInterval    time.Duration // default 30s
}

// Server routes WebSocket upgrades to registered handlers.
type Server struct {
	upgrader     websocket.Upgrader
	maxMessage   int64
	pingInterval time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	conns    map[*Conn]struct{}
	started  bool
	stopped  bool
	httpSrv  *http.Server
}

// New creates a Server. Register handlers before calling Start.
func New(opts Options, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		upgrader:     makeUpgrader(opts.AllowedOrigins),
		maxMessage:   opts.MaxMessageBytes,
		pingInterval: opts.PingInterval,
		metrics:      m,
		logger:       logger.With("component", "ws"),
		handlers:     make(map[string]Handler),
		conns:        make(map[*Conn]struct{}),
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Register binds key to h. It panics on a duplicate key or after the server
// has started serving, since the registry is read-only from then on.
func (s *Server) Register(key string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic(fmt.Sprintf("ws: Register(%q) after start", key))
	}
	if _, dup := s.handlers[key]; dup {
		panic(fmt.Sprintf("ws: duplicate handler for %q", key))
	}
	s.handlers[key] = h
}

// Keys returns the registered handler keys.
func (s *Server) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		keys = append(keys, k)
	}
	return keys
}

// Start attaches the upgrade intercept to httpSrv. Upgrade requests are
// served here; everything else goes to the server's existing handler.
func (s *Server) Start(httpSrv *http.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return ErrAlreadyStarted
	}
	if s.stopped {
		return errors.New("ws: server stopped")
	}
	next := httpSrv.Handler
	if next == nil {
		next = http.DefaultServeMux
	}
	s.started = true
	s.httpSrv = httpSrv
	httpSrv.Handler = s.Intercept(next)
	s.logger.Info("websocket server attached", "addr", httpSrv.Addr, "handlers", len(s.handlers))
	return nil
}

// Intercept returns a handler that serves WebSocket upgrades itself and
// passes every other request to next. Once the server is stopped upgrades
// are passed through as well.
func (s *Server) Intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.mu.RLock()
			stopped := s.stopped
			s.mu.RUnlock()
			if !stopped {
				s.ServeHTTP(w, r)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP upgrades r if its handler key is registered and rejects it with
// a raw 404 otherwise.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := HandlerKey(r.URL.Path)

	s.mu.Lock()
	s.started = true
	h, ok := s.handlers[key]
	stopped := s.stopped
	s.mu.Unlock()

	if !ok || stopped || !websocket.IsWebSocketUpgrade(r) {
		s.reject(w, r, key)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Warn("websocket upgrade failed", "key", key, "remote", r.RemoteAddr, "error", err)
		return
	}
	if s.maxMessage > 0 {
		wsConn.SetReadLimit(s.maxMessage)
	}

	id := uuid.New().String()
	conn := newConn(id, wsConn, r.RemoteAddr, s.metrics,
		s.logger.With("conn_id", id, "key", key, "remote", r.RemoteAddr))
	conn.stopKeepalive = startKeepalive(wsConn, &conn.writeMu, s.pingInterval)

	if !s.track(conn) {
		conn.CloseWith(websocket.CloseGoingAway, "server stopping")
		return
	}
	defer s.untrack(conn)
	defer conn.Close()

	conn.logger.Debug("websocket connected")
	s.dispatch(h, conn, r)
	conn.logger.Debug("websocket closed")
}

// dispatch runs the handler in a fresh context so nothing request-scoped
// leaks into the connection. Panics are contained to the connection.
func (s *Server) dispatch(h Handler, conn *Conn, r *http.Request) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			conn.logger.Error("websocket handler panic", "panic", rec)
		}
	}()
	h.HandleConn(ctx, conn, r)
}

// reject writes the raw 404 status line to the transport and closes it
// without completing a handshake.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, key string) {
	s.metrics.Incr(metrics.WSRejected, 1)
	s.logger.Debug("websocket upgrade rejected", "key", key, "path", r.URL.Path, "remote", r.RemoteAddr)

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.NotFound(w, r)
		return
	}
	netConn, _, err := hj.Hijack()
	if err != nil {
		s.logger.Warn("hijack failed", "error", err)
		return
	}
	_ = netConn.SetWriteDeadline(time.Now().Add(writeWait))
	_, _ = netConn.Write([]byte(notFoundResponse))
	_ = netConn.Close()
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[c] = struct{}{}
	s.metrics.Incr(metrics.WSConnections, 1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.metrics.Decr(metrics.WSConnections, 1)
	}
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Stop detaches the server and closes every live connection. It is
// idempotent and safe to call on a server that was never started.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}
	if len(conns) > 0 {
		s.logger.Info("websocket server stopped", "closed", len(conns))
	}
}
