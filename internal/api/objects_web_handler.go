package api

import (
	"log/slog"
	"net/http"

	"oidc-demo/internal/biz"
	"oidc-demo/internal/metrics"

	"github.com/gorilla/mux"
)

// ForwardedUserHeader is set by the authenticating reverse proxy in front of
// the object store web mode.
const ForwardedUserHeader = "X-Forwarded-Preferred-Username"

// ObjectsWebHandler is the object store HTML interface behind an
// authenticating proxy. With a nil CSRF guard POST /object accepts every
// request.
type ObjectsWebHandler struct {
	objects *biz.ObjectUsecase
	csrf    *CSRFGuard
	page    Page
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewObjectsWebHandler creates an ObjectsWebHandler.
func NewObjectsWebHandler(objects *biz.ObjectUsecase, csrf *CSRFGuard, page Page, m *metrics.Metrics, logger *slog.Logger) *ObjectsWebHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectsWebHandler{objects: objects, csrf: csrf, page: page, metrics: m, logger: logger}
}

// RegisterRoutes registers the web routes
func (h *ObjectsWebHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.index).Methods(http.MethodGet)
	r.HandleFunc("/object", h.create).Methods(http.MethodPost)
}

type objectStorePage struct {
	Page
	Username  string
	CSRFNonce string
	Objects   []*biz.Object
}

func (h *ObjectsWebHandler) index(w http.ResponseWriter, r *http.Request) {
	objs, err := h.objects.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list objects", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	data := objectStorePage{
		Page:     h.page,
		Username: r.Header.Get(ForwardedUserHeader),
		Objects:  objs,
	}
	if h.csrf != nil {
		if data.CSRFNonce, err = h.csrf.Issue(w); err != nil {
			h.logger.Error("failed to issue CSRF nonce", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	render(w, h.logger, "objectstore_index.html", data)
}

func (h *ObjectsWebHandler) create(w http.ResponseWriter, r *http.Request) {
	defer http.Redirect(w, r, "/", http.StatusFound)

	if h.csrf != nil {
		if ok, reason := h.csrf.Check(r, r.PostFormValue("csrf-nonce")); !ok {
			h.logger.Warn("rejected object creation", "reason", reason, "user", r.Header.Get(ForwardedUserHeader))
			return
		}
	}

	if _, err := h.objects.Create(r.Context(), r.PostFormValue("content"), r.Header.Get(ForwardedUserHeader)); err != nil {
		h.logger.Error("failed to create object", "error", err)
		return
	}
	h.metrics.ObjectCreated("web")
}
