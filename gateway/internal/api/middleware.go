package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/Dharshan-K/medplum/gateway/internal/auth"
)

type principalKey struct{}

// bearerToken returns the credential of an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// requireBearer resolves the access token into the caller's login, project
// and membership. Failures answer 401 with a Bearer challenge.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="medplum"`)
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		state, err := s.resolver.Resolve(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="medplum", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, state)))
	})
}

func (s *Server) requireProjectAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if state := principalFrom(r.Context()); state == nil || state.Membership == nil || !state.Membership.Admin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFrom(ctx context.Context) *auth.State {
	state, _ := ctx.Value(principalKey{}).(*auth.State)
	return state
}

// apiHeaders marks every response as an uncacheable JSON document that must
// not be framed or sniffed. Responses carry tokens and clinical resources.
func apiHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000")
		}
		next.ServeHTTP(w, r)
	})
}

// corsPolicy lets browser apps on the configured origins call the gateway's
// GET and POST routes with a bearer token.
type corsPolicy struct {
	any     bool
	origins map[string]bool
}

const (
	corsMethods = "GET, POST"
	corsHeaders = "Authorization, Content-Type"
	corsExpose  = "Retry-After"
	corsMaxAge  = 600
)

func newCORSPolicy(allowed []string) *corsPolicy {
	p := &corsPolicy{origins: make(map[string]bool, len(allowed))}
	for _, o := range allowed {
		if o == "*" {
			p.any = true
		}
		p.origins[o] = true
	}
	return p
}

func (p *corsPolicy) allowOrigin(origin string) string {
	switch {
	case p.any:
		return "*"
	case origin != "" && p.origins[origin]:
		return origin
	}
	return ""
}

func (p *corsPolicy) handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if !p.any {
			h.Add("Vary", "Origin")
		}
		allowed := p.allowOrigin(r.Header.Get("Origin"))
		if allowed != "" {
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Set("Access-Control-Expose-Headers", corsExpose)
		}

		if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
			next.ServeHTTP(w, r)
			return
		}
		if allowed == "" {
			writeError(w, http.StatusForbidden, "origin not allowed")
			return
		}
		h.Set("Access-Control-Allow-Methods", corsMethods)
		h.Set("Access-Control-Allow-Headers", corsHeaders)
		h.Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
		w.WriteHeader(http.StatusNoContent)
	})
}
