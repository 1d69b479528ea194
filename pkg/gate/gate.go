// Package gate is the HTTP front of tokengate. It authenticates callers by
// API key, admits or refuses completion requests against their token
// balance, forwards admitted requests upstream, and charges the usage the
// upstream reports.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/tokengate/pkg/authz"
	"github.com/pario-ai/tokengate/pkg/config"
	"github.com/pario-ai/tokengate/pkg/models"
	"github.com/pario-ai/tokengate/pkg/router"
	"github.com/pario-ai/tokengate/pkg/store"
	"github.com/pario-ai/tokengate/pkg/tokens"
)

// Error types returned in the JSON error body.
const (
	errTypeInsufficientTokens = "insufficient_tokens"
	errTypeAuthentication     = "authentication_error"
	errTypePermission         = "permission_error"
	errTypeInvalidRequest     = "invalid_request_error"
	errTypeNotFound           = "not_found_error"
	errTypeUpstream           = "upstream_error"
	errTypeInternal           = "internal_error"
)

// Server is the tokengate HTTP server.
type Server struct {
	cfg    *config.Config
	engine *tokens.Engine
	users  store.Store
	authz  *authz.Authorizer
	router *router.Router
	client *http.Client
	logger *slog.Logger
	mux    *http.ServeMux
}

// Option configures Server.
type Option func(*Server)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHTTPClient sets the client used for upstream requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.client = c }
}

// New creates a Server. A nil authorizer restricts the admin endpoints to
// users with the admin role.
func New(cfg *config.Config, engine *tokens.Engine, users store.Store, az *authz.Authorizer, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		users:  users,
		authz:  az,
		router: router.New(cfg),
		client: http.DefaultClient,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("POST /v1/chat/completions", s.handleCompletion(models.FormatOpenAI))
	s.mux.HandleFunc("POST /v1/messages", s.handleCompletion(models.FormatAnthropic))
	s.mux.HandleFunc("GET /api/v1/tokens/me", s.handleMyTokens)
	s.mux.HandleFunc("GET /api/v1/tokens/config", s.handleTokenConfig)
	s.mux.HandleFunc("GET /api/v1/users/{id}/tokens", s.handleGetUserTokens)
	s.mux.HandleFunc("PUT /api/v1/users/{id}/tokens", s.handleSetUserTokens)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

// ServeHTTP implements http.Handler. Every request carries an X-Request-ID,
// generated when the client did not send one.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
		r.Header.Set("X-Request-ID", id)
	}
	w.Header().Set("X-Request-ID", id)
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server and shuts it down gracefully when ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("tokengate listening", "addr", s.cfg.Listen, "token_control", s.engine.Enabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// authenticate resolves the caller from the API key. On failure it writes
// the error response and returns nil.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) *models.User {
	key := extractAPIKey(r)
	if key == "" {
		writeJSONError(w, http.StatusUnauthorized, errTypeAuthentication, "missing API key")
		return nil
	}

	user, err := s.users.GetUserByAPIKey(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusUnauthorized, errTypeAuthentication, "invalid API key")
		return nil
	}
	if err != nil {
		s.logger.Error("api key lookup failed", "request_id", r.Header.Get("X-Request-ID"), "error", err)
		writeJSONError(w, http.StatusInternalServerError, errTypeInternal, "authentication failed")
		return nil
	}
	if user.Role == models.RolePending {
		writeJSONError(w, http.StatusForbidden, errTypePermission, "account is pending approval")
		return nil
	}
	return user
}

// authorize checks the caller's role against the token permissions. In
// shadow mode a refusal is logged and the request proceeds.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, user *models.User, action string) bool {
	if s.authz == nil {
		if user.IsAdmin() {
			return true
		}
		writeJSONError(w, http.StatusForbidden, errTypePermission, "admin role required")
		return false
	}

	subject := authz.SubjectFromRole(string(user.Role))
	allowed, enforced, err := s.authz.Authorize(subject, authz.ObjectTokens, action)
	if err != nil {
		s.logger.Error("authorization failed", "subject", subject, "action", action, "error", err)
		if enforced {
			writeJSONError(w, http.StatusInternalServerError, errTypeInternal, "authorization failed")
			return false
		}
		return true
	}
	if allowed {
		return true
	}
	if !enforced {
		s.logger.Warn("authorization would deny", "subject", subject, "object", authz.ObjectTokens, "action", action,
			"request_id", r.Header.Get("X-Request-ID"))
		return true
	}
	writeJSONError(w, http.StatusForbidden, errTypePermission, "not allowed to "+action+" "+authz.ObjectTokens)
	return false
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func writeJSONError(w http.ResponseWriter, code int, errType, message string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Message: message, Type: errType, Code: code}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
