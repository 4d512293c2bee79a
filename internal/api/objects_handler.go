package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"oidc-demo/internal/auth"
	"oidc-demo/internal/biz"
	"oidc-demo/internal/metrics"

	"github.com/gorilla/mux"
)

const maxObjectSize = 1 << 20

// ObjectsHandler is the bearer-token protected object store API.
type ObjectsHandler struct {
	objects    *biz.ObjectUsecase
	authn      func(http.Handler) http.Handler
	writeScope string
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewObjectsHandler creates an ObjectsHandler. authn must reject requests
// without valid bearer tokens and store the claims in the request context.
func NewObjectsHandler(objects *biz.ObjectUsecase, authn func(http.Handler) http.Handler, writeScope string, m *metrics.Metrics, logger *slog.Logger) *ObjectsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectsHandler{
		objects:    objects,
		authn:      authn,
		writeScope: writeScope,
		metrics:    m,
		logger:     logger,
	}
}

// RegisterRoutes registers the plain routes and the JSON routes under /api.
func (h *ObjectsHandler) RegisterRoutes(r *mux.Router) {
	read := h.authn
	write := func(next http.Handler) http.Handler {
		return h.authn(auth.RequireScope(h.writeScope)(next))
	}

	r.Handle("/objects", read(http.HandlerFunc(h.list))).Methods(http.MethodGet)
	r.Handle("/object", write(h.create(false))).Methods(http.MethodPost)
	r.Handle("/object/{id}", read(h.get(false))).Methods(http.MethodGet)

	r.Handle("/api/objects", read(http.HandlerFunc(h.list))).Methods(http.MethodGet)
	r.Handle("/api/object", write(h.create(true))).Methods(http.MethodPost)
	r.Handle("/api/object/{id}", read(h.get(true))).Methods(http.MethodGet)
}

// ObjectResponse is the JSON form of an object.
type ObjectResponse struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *ObjectsHandler) list(w http.ResponseWriter, r *http.Request) {
	ids, err := h.objects.ListIDs(r.Context())
	if err != nil {
		h.logger.Error("failed to list objects", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list objects")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *ObjectsHandler) create(asJSON bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, err := objectContent(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		owner := ""
		if claims, err := auth.AccessClaimsFromContext(r.Context()); err == nil {
			owner = claims.Owner()
		}
		obj, err := h.objects.Create(r.Context(), content, owner)
		if err != nil {
			h.logger.Error("failed to create object", "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to create object")
			return
		}
		h.metrics.ObjectCreated("api")

		if asJSON {
			writeJSON(w, http.StatusOK, toObjectResponse(obj))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, obj.ID)
	})
}

func (h *ObjectsHandler) get(asJSON bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		obj, err := h.objects.Get(r.Context(), mux.Vars(r)["id"])
		if errors.Is(err, biz.ErrObjectNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "object not found")
			return
		}
		if err != nil {
			h.logger.Error("failed to load object", "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to load object")
			return
		}

		if asJSON {
			writeJSON(w, http.StatusOK, toObjectResponse(obj))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, obj.Content)
	})
}

var errMissingObject = errors.New("missing object")

// objectContent reads {"object": ...} or {"data": ...} JSON, or the form
// field "object".
func objectContent(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxObjectSize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			Object string `json:"object"`
			Data   string `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", errors.New("malformed JSON body")
		}
		if body.Object != "" {
			return body.Object, nil
		}
		if body.Data != "" {
			return body.Data, nil
		}
		return "", errMissingObject
	}

	if v := r.PostFormValue("object"); v != "" {
		return v, nil
	}
	return "", errMissingObject
}

func toObjectResponse(obj *biz.Object) ObjectResponse {
	return ObjectResponse{
		ID:        obj.ID,
		Content:   obj.Content,
		Owner:     obj.Owner,
		CreatedAt: obj.CreatedAt,
	}
}
