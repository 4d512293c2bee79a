package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// HazardHandler serves pages that act against a legitimate client from a
// foreign origin, to demonstrate cross-site request forgery.
type HazardHandler struct {
	page           Page
	legitClientURL string
	now            func() time.Time
	logger         *slog.Logger
}

// NewHazardHandler creates a HazardHandler targeting legitClientURL.
func NewHazardHandler(page Page, legitClientURL string, logger *slog.Logger) *HazardHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HazardHandler{
		page:           page,
		legitClientURL: strings.TrimSuffix(legitClientURL, "/"),
		now:            time.Now,
		logger:         logger,
	}
}

// RegisterRoutes registers the hazard routes
func (h *HazardHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.showPage("hazard_index.html")).Methods(http.MethodGet)
	r.HandleFunc("/roguelink", h.showPage("hazard_roguelink.html")).Methods(http.MethodGet)
	r.HandleFunc("/roguepost", h.roguePost).Methods(http.MethodGet)
}

type hazardPage struct {
	Page
	LegitClientURL string
	ObjectContent  string
}

func (h *HazardHandler) showPage(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render(w, h.logger, name, hazardPage{Page: h.page, LegitClientURL: h.legitClientURL})
	}
}

func (h *HazardHandler) roguePost(w http.ResponseWriter, r *http.Request) {
	render(w, h.logger, "hazard_roguepost.html", hazardPage{
		Page:           h.page,
		LegitClientURL: h.legitClientURL,
		ObjectContent:  "R0u93 C0n73n7 created at " + h.now().UTC().Format(time.RFC3339),
	})
}
