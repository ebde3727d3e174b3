// Package api provides the gateway's HTTP API: health checks, login, agent
// push, FHIRcast publish, resources and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Dharshan-K/medplum/gateway/internal/auth"
	"github.com/Dharshan-K/medplum/gateway/internal/config"
	"github.com/Dharshan-K/medplum/gateway/internal/fhircast"
	"github.com/Dharshan-K/medplum/gateway/internal/metrics"
	"github.com/Dharshan-K/medplum/gateway/internal/pubsub"
	"github.com/Dharshan-K/medplum/gateway/internal/repo"
	"github.com/Dharshan-K/medplum/gateway/internal/store"
	"github.com/Dharshan-K/medplum/pkg/protocol"
)

// Deps are the collaborators behind the API.
type Deps struct {
	Store    store.Store
	Resolver auth.Resolver
	Login    *auth.Service // nil disables password login
	Repos    *repo.Factory
	Bus      pubsub.Client
	FHIRcast *fhircast.Hub
	Metrics  *metrics.Metrics
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	resolver     auth.Resolver
	login        *auth.Service
	repos        *repo.Factory
	bus          pubsub.Client
	fhircast     *fhircast.Hub
	metrics      *metrics.Metrics
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	loginRL      *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(d Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        d.Store,
		resolver:     d.Resolver,
		login:        d.Login,
		repos:        d.Repos,
		bus:          d.Bus,
		fhircast:     d.FHIRcast,
		metrics:      d.Metrics,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1024 * 1024
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(apiHeaders)
	mux.Use(newCORSPolicy(cfg.Server.AllowedOrigins).handler)

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	// Login route only registered when using builtin auth.
	if d.Login != nil {
		srv.loginRL = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		mux.With(limitBy(srv.loginRL, clientIP, "too many login attempts")).Post("/auth/login", srv.handleLogin)
	}

	srv.rl = newRateLimiter(100, 200)
	mux.Group(func(r chi.Router) {
		r.Use(srv.requireBearer)
		r.Use(limitBy(srv.rl, principalLogin, "rate limit exceeded"))

		r.Get("/auth/me", srv.handleMe)
		r.Post("/api/agents/{agentID}/push", srv.handleAgentPush)
		r.Post("/api/resources", srv.handleCreateResource)
		r.Get("/api/resources/{resourceType}/{id}", srv.handleReadResource)
		if d.FHIRcast != nil {
			r.Post("/fhircast/STU3/{topic}", srv.handleFHIRcastPublish)
		}

		r.Group(func(r chi.Router) {
			r.Use(srv.requireProjectAdmin)
			r.Get("/api/audit", srv.handleListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// repoFor returns a project-scoped repository for the request's principal.
func (s *Server) repoFor(state *auth.State) *repo.Repository {
	opts := repo.Options{}
	if state.Project != nil {
		opts.StrictMode = state.Project.StrictMode
		opts.CheckReferencesOnWrite = state.Project.CheckReferencesOnWrite
	}
	return s.repos.ForPrincipal(state, opts)
}

// --- Auth handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		ProjectID string `json:"projectId"`
		Email     string `json:"email"`
		Password  string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "projectId and email are required")
		return
	}

	token, err := s.login.Login(r.Context(), req.ProjectID, req.Email, req.Password)
	if err != nil {
		s.audit(r.Context(), &store.AuditEvent{
			ProjectID: req.ProjectID, Action: "login.failed", Outcome: "failure",
			Detail: loginDetail(req.Email),
		})
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	s.audit(r.Context(), &store.AuditEvent{
		ProjectID: req.ProjectID, Action: "login", Outcome: "success",
		Detail: loginDetail(req.Email),
	})
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": token})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	state := principalFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"login":      state.Login,
		"project":    state.Project,
		"membership": state.Membership,
	})
}

// --- Agent push ---

func (s *Server) handleAgentPush(w http.ResponseWriter, r *http.Request) {
	state := principalFrom(r.Context())
	agentID := chi.URLParam(r, "agentID")

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	agent, err := repo.ReadAgent(r.Context(), s.repoFor(state), agentID)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	topic := repo.Reference("Agent", agent.ID)
	if err := s.bus.Publish(r.Context(), topic, []byte(req.Message)); err != nil {
		if errors.Is(err, pubsub.ErrPayloadTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		s.logger.Error("agent push failed", "agent_id", agent.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}
	s.audit(r.Context(), &store.AuditEvent{
		ProjectID: state.Project.ID, LoginID: state.Login.ID,
		Action: "agent.push", ResourceID: topic, Outcome: "success",
	})
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

// --- Resources ---

func (s *Server) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	state := principalFrom(r.Context())
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	res, err := s.repoFor(state).CreateResource(r.Context(), &store.Resource{Content: body})
	if err != nil {
		writeRepoError(w, err)
		return
	}
	s.audit(r.Context(), &store.AuditEvent{
		ProjectID: res.ProjectID, LoginID: state.Login.ID, Action: "resource.create",
		ResourceID: repo.Reference(res.ResourceType, res.ID), Outcome: "success",
	})
	writeRaw(w, http.StatusCreated, res.Content)
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	state := principalFrom(r.Context())
	res, err := s.repoFor(state).ReadResource(r.Context(), chi.URLParam(r, "resourceType"), chi.URLParam(r, "id"))
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, res.Content)
}

// --- FHIRcast ---

func (s *Server) handleFHIRcastPublish(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var ev protocol.FHIRcastEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.fhircast.Publish(r.Context(), topic, &ev); err != nil {
		if errors.Is(err, fhircast.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("fhircast publish failed", "topic", topic, "error", err)
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "event": ev})
}

// --- Audit ---

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	state := principalFrom(r.Context())
	filter := store.AuditFilter{Action: r.URL.Query().Get("action")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	events, err := s.store.ListAuditEvents(r.Context(), state.Project.ID, filter)
	if err != nil {
		s.logger.Error("list audit events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// loginDetail encodes the attempted email as an audit detail object.
func loginDetail(email string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"email": email})
	return b
}

func (s *Server) audit(ctx context.Context, ev *store.AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.CreatedAt = time.Now()
	if err := s.store.LogAuditEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to log audit event", "action", ev.Action, "error", err)
	}
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repo.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, repo.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
