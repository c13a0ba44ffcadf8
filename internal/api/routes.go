package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gorillaHandlers "github.com/gorilla/handlers"

	"github.com/hyperengineering/nexlevel/internal/metrics"
	"github.com/hyperengineering/nexlevel/internal/store"
)

// RouterConfig holds the cross-cutting pieces of the router.
type RouterConfig struct {
	Metrics         *metrics.Metrics
	MetricsHandler  http.Handler // nil disables /metrics
	MetricsUsername string
	MetricsPassword string
	CORSOrigins     []string
	RateLimiter     *IPRateLimiter // nil disables per-client limiting
	Idempotency     store.IdempotencyStore
	IdempotencyTTL  time.Duration
}

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(MetricsMiddleware(cfg.Metrics))
	r.Use(RecoveryMiddleware)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(gorillaHandlers.CORS(
			gorillaHandlers.AllowedOrigins(cfg.CORSOrigins),
			gorillaHandlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			gorillaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization", IdempotencyKeyHeader}),
			gorillaHandlers.ExposedHeaders([]string{"Content-Length", "Retry-After", "Idempotent-Replayed"}),
		))
	}

	if cfg.MetricsHandler != nil {
		r.With(BasicAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword)).Handle("/metrics", cfg.MetricsHandler)
	}

	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}

		// Public routes
		r.Get("/health", h.Health)
		r.Post("/auth/signup", h.Signup)
		r.Post("/auth/login", h.Login)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.auth, cfg.Metrics))

			r.Get("/stats", h.Stats)
			r.Get("/me", h.Me)
			r.Get("/me/challenges", h.MyActiveChallenges)
			r.Get("/users", h.SearchUsers)
			r.Post("/devices", h.RegisterDevice)

			r.Route("/challenges", func(r chi.Router) {
				r.Post("/", h.CreateChallenge)
				r.Get("/popular", h.PopularChallenges)
				r.Get("/{id}", h.GetChallenge)
				r.Put("/{id}", h.UpdateChallenge)
				r.Delete("/{id}", h.ArchiveChallenge)
				r.Post("/{id}/rename", h.RenameChallenge)
				r.Post("/{id}/join", h.JoinChallenge)
			})

			r.Route("/user-challenges/{id}", func(r chi.Router) {
				r.Get("/", h.GetInstance)
				r.Post("/join", h.JoinInstance)
				r.Post("/invite", h.InviteToInstance)
				r.Post("/rename", h.RenameInstance)
				r.With(IdempotencyMiddleware(cfg.Idempotency, ttl)).Post("/check-ins", h.CheckIn)
				r.Post("/exit", h.ExitInstance)
				r.Get("/progress", h.Progress)
				r.Post("/proof-uploads", h.ProofUpload)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", h.Notifications)
				r.Get("/unread-count", h.UnreadCount)
				r.Get("/stream", h.NotificationStream)
				r.Post("/read-all", h.MarkAllNotificationsRead)
				r.Post("/{id}/read", h.MarkNotificationRead)
			})

			r.Get("/coach/messages", h.CoachMessages)
			r.Post("/coach/messages", h.GenerateCoachMessage)
		})
	})

	return r
}
