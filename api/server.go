/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address behind proxies
  3. zapLogger:  One structured access-log line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the admin console

ROUTE GROUPS:
  /health               Liveness
  /api/users/*          Users, wallets, audits, event rewards
  /api/entries          Ledger queries
  /api/rules/*          Rule tables
  /api/templates        Template catalogue
  /api/admin/*          Operator grants (X-Actor-ID)
  /api/instances/*      Coupon/voucher redemption

SECURITY NOTE:
  No authentication middleware. The actor header is trusted as sent; put
  the admin routes behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a router with all routes configured. An empty origins
// list allows any origin.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(zapLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", actorHeader},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Get("/{id}/wallet", h.GetWallet)
			r.Get("/{id}/summary", h.GetSummary)
			r.Get("/{id}/instances", h.ListInstances)
			r.Get("/{id}/audit", h.AuditWallet)
			r.Post("/{id}/signin", h.SignIn)
			r.Post("/{id}/games", h.GameFinished)
			r.Post("/{id}/pets", h.PetInteraction)
		})

		r.Get("/entries", h.QueryEntries)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/{category}", h.GetRules)
			r.Put("/{category}", h.PutRules)
		})

		r.Get("/templates", h.ListTemplates)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/grants", h.Grant)
			r.Post("/grants/batch", h.BatchGrant)
		})

		r.Post("/instances/{id}/redeem", h.RedeemInstance)
	})

	return r
}

// zapLogger writes one access-log line per request through the global
// zap logger.
func zapLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
			}
			switch {
			case status >= http.StatusInternalServerError:
				zap.L().Error("http request", fields...)
			case status >= http.StatusBadRequest:
				zap.L().Warn("http request", fields...)
			default:
				zap.L().Info("http request", fields...)
			}
		}()

		next.ServeHTTP(ww, r)
	})
}
