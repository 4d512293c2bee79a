package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
)

// CDNConfig configures a CDNHandler.
type CDNConfig struct {
	StaticDir      string
	ConnectSources string
	ScriptSources  string
	DisableCaching bool
}

// CDNHandler serves a directory of static files with a restrictive content
// security policy, compressed with brotli or gzip when the client accepts it.
type CDNHandler struct {
	files http.Handler
	csp   string
	cfg   CDNConfig
}

// NewCDNHandler creates a CDNHandler.
func NewCDNHandler(cfg CDNConfig) *CDNHandler {
	compressor := middleware.NewCompressor(5, "text/html", "text/css", "text/javascript", "application/javascript", "application/json", "image/svg+xml")
	compressor.SetEncoder("br", func(w io.Writer, level int) io.Writer {
		return brotli.NewWriterLevel(w, level)
	})

	return &CDNHandler{
		files: compressor.Handler(http.FileServer(http.Dir(cfg.StaticDir))),
		csp:   ContentSecurityPolicy(cfg.ConnectSources, cfg.ScriptSources),
		cfg:   cfg,
	}
}

// ContentSecurityPolicy renders the policy header. The sources are used
// verbatim, so they must already be valid CSP source lists.
func ContentSecurityPolicy(connectSources, scriptSources string) string {
	return fmt.Sprintf("default-src 'none'; connect-src 'self' %s; script-src 'self' %s; style-src 'self';",
		connectSources, scriptSources)
}

// RegisterRoutes registers the catch-all file route
func (h *CDNHandler) RegisterRoutes(r *mux.Router) {
	r.PathPrefix("/").Handler(h).Methods(http.MethodGet, http.MethodHead)
}

func (h *CDNHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Security-Policy", h.csp)
	if h.cfg.DisableCaching {
		w.Header().Set("Cache-Control", "no-cache")
	}
	h.files.ServeHTTP(w, r)
}
