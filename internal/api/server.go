// Package api is the REST surface. Handlers decode requests, call the
// account and chat services and encode results; they hold no business
// rules.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/accounts"
	"chatrelay/internal/api/middleware"
	"chatrelay/internal/api/respond"
	"chatrelay/internal/chats"
	"chatrelay/internal/hub"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/session"
	"chatrelay/pkg/types"
)

// Prefix is the version prefix of every REST route.
const Prefix = "/api/v1"

// HealthChecker reports store reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsSource reports the realtime state shown on /health.
type StatsSource interface {
	Stats() hub.Stats
}

// Metrics is the part of the metrics package the server uses.
type Metrics interface {
	middleware.Observer
	Handler() http.Handler
}

// Deps are the collaborators of the REST surface. Metrics, Limiter, Sockets
// and UploadsDir are optional.
type Deps struct {
	Accounts *accounts.Service
	Chats    *chats.Manager
	Gate     middleware.Authorizer
	Store    HealthChecker
	Realtime StatsSource
	Metrics  Metrics
	Limiter  ratelimit.Limiter
	Sockets  http.Handler

	Cookies       session.CookieConfig
	ClientURL     string
	UploadsDir    string
	UploadsPrefix string

	Logger *slog.Logger
}

// Server routes REST, health, metrics, uploads and the socket upgrade.
type Server struct {
	deps    Deps
	logger  *slog.Logger
	started time.Time
	router  *http.ServeMux
	handler http.Handler
}

// NewServer builds the route table and the middleware chain.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.UploadsPrefix == "" {
		deps.UploadsPrefix = "/uploads/"
	}
	s := &Server{
		deps:    deps,
		logger:  deps.Logger.With(slog.String("component", "api")),
		started: time.Now(),
		router:  http.NewServeMux(),
	}
	s.setupRoutes()

	chain := []middleware.Middleware{
		middleware.Recover(s.logger),
		middleware.RequestID(),
		middleware.Logger(deps.Logger),
		middleware.SecureHeaders(),
		middleware.CORS(deps.ClientURL),
	}
	if deps.Limiter != nil {
		chain = append(chain, middleware.RateLimit(deps.Limiter, s.logger))
	}
	if deps.Metrics != nil {
		chain = append(chain, middleware.Metrics(deps.Metrics))
	}
	s.handler = middleware.Chain(s.router, chain...)
	return s
}

func (s *Server) setupRoutes() {
	auth := func(h http.HandlerFunc) http.Handler {
		return middleware.Authenticate(s.deps.Gate, s.deps.Cookies, s.logger)(h)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h,
			middleware.Authenticate(s.deps.Gate, s.deps.Cookies, s.logger),
			middleware.RequireRole(s.logger, types.RoleAdmin),
		)
	}

	r := s.router
	r.HandleFunc("POST "+Prefix+"/user/register", s.register)
	r.HandleFunc("POST "+Prefix+"/user/login", s.login)
	r.Handle("POST "+Prefix+"/user/logout", auth(s.logout))
	r.Handle("GET "+Prefix+"/user/me", auth(s.profile))
	r.Handle("PATCH "+Prefix+"/user/me", auth(s.updateProfile))
	r.Handle("POST "+Prefix+"/user/avatar", auth(s.uploadAvatar))
	r.HandleFunc("POST "+Prefix+"/user/forgot-password", s.forgotPassword)
	r.HandleFunc("POST "+Prefix+"/user/reset-password/{token}", s.resetPassword)

	r.Handle("GET "+Prefix+"/users", admin(s.listUsers))
	r.Handle("DELETE "+Prefix+"/users", admin(s.deleteUsers))
	r.Handle("PATCH "+Prefix+"/users/{id}/role", admin(s.changeRole))

	r.Handle("POST "+Prefix+"/chat", auth(s.createChat))
	r.Handle("GET "+Prefix+"/chats", auth(s.listChats))
	r.Handle("POST "+Prefix+"/add_user_to_chat", auth(s.addUserToChat))
	r.Handle("POST "+Prefix+"/message", auth(s.sendMessage))
	r.Handle("GET "+Prefix+"/messages/{chatId}", auth(s.listMessages))
	r.Handle("POST "+Prefix+"/messages/seen/{messageId}", auth(s.markSeen))

	r.HandleFunc("GET /health", s.healthCheck)
	if s.deps.Metrics != nil {
		r.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	if s.deps.Sockets != nil {
		r.Handle("GET /ws", s.deps.Sockets)
	}
	if s.deps.UploadsDir != "" {
		r.Handle("GET "+s.deps.UploadsPrefix, http.StripPrefix(s.deps.UploadsPrefix, uploads(s.deps.UploadsDir)))
	}

	r.HandleFunc("/", respond.NotFound)
}

// uploads serves stored files but never directory listings.
func uploads(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			respond.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Uptime    string     `json:"uptime"`
	Database  string     `json:"database"`
	Realtime  *hub.Stats `json:"realtime,omitempty"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Database:  "healthy",
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			s.logger.Error("health check failed", slog.Any("error", err))
			resp.Status = "unhealthy"
			resp.Database = "unavailable"
		}
	}
	if s.deps.Realtime != nil {
		stats := s.deps.Realtime.Stats()
		resp.Realtime = &stats
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	respond.JSON(w, status, resp)
}

// identity is set by the Authenticate middleware on every gated route.
func identity(r *http.Request) types.Identity {
	id, _ := session.IdentityFrom(r.Context())
	return id
}

type messageBody struct {
	Message string `json:"message"`
}
