package api

import (
	"net/http"

	"oidc-demo/internal/metrics"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
)

// RouteRegistrar adds its routes to a router.
type RouteRegistrar interface {
	RegisterRoutes(r *mux.Router)
}

// NewRouter 创建路由并注册所有 handler
func NewRouter(m *metrics.Metrics, handlers ...RouteRegistrar) *mux.Router {
	r := mux.NewRouter()
	r.Use(m.Middleware)

	// Health check and metrics endpoints (public, no auth)
	r.HandleFunc("/health", HealthCheckHandler).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/static/").Handler(StaticHandler()).Methods(http.MethodGet, http.MethodHead)

	for _, h := range handlers {
		h.RegisterRoutes(r)
	}
	return r
}

// WithCORS allows credentialed cross-origin calls from origins. It wraps the
// whole router so preflight requests are answered before route matching. No
// origins leaves h unchanged.
func WithCORS(h http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return h
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})(h)
}
