package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianlabs/insight-api/internal/apperror"
	"github.com/meridianlabs/insight-api/internal/config"
	"github.com/meridianlabs/insight-api/internal/pipeline"
	"github.com/meridianlabs/insight-api/internal/report"
	"github.com/meridianlabs/insight-api/pkg/events"
	"github.com/meridianlabs/insight-api/pkg/models"
)

// AuthService resolves sessions and answers permission checks.
type AuthService interface {
	ValidateSession(ctx context.Context, token string) (*models.User, error)
	HasPermission(ctx context.Context, roleID uuid.UUID, featureKey, action string) (bool, error)
}

// HealthChecker is satisfied by both database wrappers and the cache.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server handles API requests.
type Server struct {
	cfg       config.ServerConfig
	crm       report.Executor
	analytics report.Executor
	engine    *report.Engine
	auth      AuthService
	pipeline  *pipeline.Service
	eventBus  *events.Bus
	logger    *zap.Logger
	router    *chi.Mux
	checks    map[string]HealthChecker
}

// NewServer creates the API server and wires its routes.
func NewServer(
	cfg config.ServerConfig,
	crm, analytics report.Executor,
	engine *report.Engine,
	auth AuthService,
	pipelineSvc *pipeline.Service,
	eventBus *events.Bus,
	logger *zap.Logger,
	checks map[string]HealthChecker,
) *Server {
	s := &Server{
		cfg:       cfg,
		crm:       crm,
		analytics: analytics,
		engine:    engine,
		auth:      auth,
		pipeline:  pipelineSvc,
		eventBus:  eventBus,
		logger:    logger,
		router:    chi.NewRouter(),
		checks:    checks,
	}

	s.setupRoutes()
	return s
}

// Permission feature keys.
const (
	featureReports  = "reports"
	featurePipeline = "pipeline"
)

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggerMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(s.requestTimeout()))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.registerMetrics()

	// Health checks (no auth required)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)

	// Report endpoints
	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.requirePermission(featureReports, models.ActionView))

		r.Post("/api/reports/on-page", s.handleOnPageReport)
		r.Post("/api/reports/restore", s.handleRestoreReport)
		r.Post("/api/reports/{report}", s.handleReport)
	})

	// Pipeline board endpoints
	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requirePermission(featurePipeline, models.ActionView)).
			Get("/api/pipeline/cards", s.handleListCards)
		r.With(s.requirePermission(featurePipeline, models.ActionView)).
			Get("/api/pipeline/cards/{id}", s.handleGetCard)
		r.With(s.requirePermission(featurePipeline, models.ActionCreate)).
			Post("/api/pipeline/cards", s.handleCreateCard)
		r.With(s.requirePermission(featurePipeline, models.ActionEdit)).
			Put("/api/pipeline/cards/{id}", s.handleUpdateCard)
		r.With(s.requirePermission(featurePipeline, models.ActionEdit)).
			Post("/api/pipeline/cards/{id}/move", s.handleMoveCard)
		r.With(s.requirePermission(featurePipeline, models.ActionEdit)).
			Post("/api/pipeline/cards/{id}/folder", s.handleEnsureFolder)
		r.With(s.requirePermission(featurePipeline, models.ActionDelete)).
			Delete("/api/pipeline/cards/{id}", s.handleDeleteCard)
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg.RequestTimeout > 0 {
		return s.cfg.RequestTimeout
	}
	return 30 * time.Second
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Middleware

type contextKey string

const userContextKey contextKey = "user"

func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// authMiddleware resolves the session token from the session cookie or the
// Authorization header and attaches the user to the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing session token")
			return
		}

		user, err := s.auth.ValidateSession(r.Context(), token)
		if err != nil {
			s.logger.Warn("session validation failed", zap.Error(err))
			s.writeAppError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission gates a route on one feature/action pair. The auth
// middleware must run first.
func (s *Server) requirePermission(featureKey, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := userFrom(r.Context())
			if user == nil {
				s.writeError(w, http.StatusUnauthorized, "missing session")
				return
			}

			allowed, err := s.auth.HasPermission(r.Context(), user.RoleID, featureKey, action)
			if err != nil {
				s.logger.Error("permission check failed",
					zap.String("feature", featureKey),
					zap.String("action", action),
					zap.Error(err),
				)
				s.writeAppError(w, err)
				return
			}
			if !allowed {
				s.writeError(w, http.StatusForbidden, "permission denied")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie("session_token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := r.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func userFrom(ctx context.Context) *models.User {
	user, _ := ctx.Value(userContextKey).(*models.User)
	return user
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	for name, check := range s.checks {
		if err := check.Health(ctx); err != nil {
			s.logger.Warn("dependency not ready", zap.String("dependency", name), zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, name+" not ready")
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Response helpers. Every API response carries the same envelope:
// {success, data?, error?}.

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeData(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// writeAppError maps a classified error to its HTTP status. Anything that is
// not an AppError is logged and masked as a generic 500.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		s.writeError(w, appErr.HTTPStatus, appErr.Message)
		return
	}
	s.logger.Error("unclassified error", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
