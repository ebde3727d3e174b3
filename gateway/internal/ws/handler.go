// Package ws owns the gateway's WebSocket upgrade endpoint. Connections are
// routed by the second path segment to a registered Handler.
package ws

import (
	"context"
	"net/http"
	"strings"
)

// Handler takes ownership of an accepted connection. The connection is
// closed when HandleConn returns.
type Handler interface {
	HandleConn(ctx context.Context, conn *Conn, r *http.Request)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Conn, r *http.Request)

// HandleConn calls f.
func (f HandlerFunc) HandleConn(ctx context.Context, conn *Conn, r *http.Request) {
	f(ctx, conn, r)
}

// HandlerKey returns the second non-empty segment of path, so "/ws/agent"
// and "//ws//agent/x" both yield "agent". It returns "" when there is none.
func HandlerKey(path string) string {
	return PathSegment(path, 1)
}

// PathSegment returns non-empty segment i of path, or "".
func PathSegment(path string, i int) string {
	n := 0
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		if n == i {
			return seg
		}
		n++
	}
	return ""
}
