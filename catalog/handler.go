package catalog

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/telemetry"
)

// Handler serves a catalog over HTTP. Mount it under a prefix with
// http.StripPrefix.
//
//	GET    /files/{hash}         {"exists": bool}
//	GET    /total                {"total_bytes": n}
//	GET    /newest?percent=N     [FileRecord], newest first
//	GET    /builds/files?path=P  [BuildFile]
//	PUT    /builds?path=P        body [BuildFile]
//	DELETE /builds?path=P
//
// The write routes answer 405 unless the catalog is a Registry and the
// handler was not made read-only.
type Handler struct {
	catalog  Catalog
	registry Registry
	logger   *slog.Logger
	mux      *http.ServeMux
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithReadOnly disables the write routes.
func WithReadOnly() HandlerOption {
	return func(h *Handler) {
		h.registry = nil
	}
}

// NewHandler creates a handler for c.
func NewHandler(c Catalog, opts ...HandlerOption) *Handler {
	h := &Handler{
		catalog: c,
		logger:  slog.Default(),
		mux:     http.NewServeMux(),
	}
	if r, ok := c.(Registry); ok {
		h.registry = r
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("GET /files/{hash}", h.handleHasFile)
	h.mux.HandleFunc("GET /total", h.handleTotal)
	h.mux.HandleFunc("GET /newest", h.handleNewest)
	h.mux.HandleFunc("GET /builds/files", h.handleBuildFiles)
	h.mux.HandleFunc("PUT /builds", h.handleRegister)
	h.mux.HandleFunc("DELETE /builds", h.handleDelete)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type hasFileResponse struct {
	Exists bool `json:"exists"`
}

type totalResponse struct {
	TotalBytes int64 `json:"total_bytes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleHasFile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "catalog_has_file")

	hash, err := artifactcache.ParseHash(r.PathValue("hash"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	exists, err := h.catalog.HasFile(r.Context(), hash)
	if err != nil {
		h.writeCatalogError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, hasFileResponse{Exists: exists})
}

func (h *Handler) handleTotal(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "catalog_total")

	total, err := h.catalog.TotalTrackedBytes(r.Context())
	if err != nil {
		h.writeCatalogError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, totalResponse{TotalBytes: total})
}

func (h *Handler) handleNewest(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "catalog_newest")

	percent, err := strconv.Atoi(r.URL.Query().Get("percent"))
	if err != nil || percent < 1 || percent > 100 {
		h.writeError(w, http.StatusBadRequest, errors.New("percent must be an integer in [1, 100]"))
		return
	}

	records, err := h.catalog.NewestFilesByPercentile(r.Context(), percent)
	if err != nil {
		h.writeCatalogError(w, err)
		return
	}
	if records == nil {
		records = []FileRecord{}
	}
	h.writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleBuildFiles(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "catalog_build_files")

	path := r.URL.Query().Get("path")
	if path == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("missing path"))
		return
	}

	files, err := h.catalog.FilesForBuild(r.Context(), path)
	if err != nil {
		h.writeCatalogError(w, err)
		return
	}
	if files == nil {
		files = []BuildFile{}
	}
	h.writeJSON(w, http.StatusOK, files)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "catalog_register")

	if h.registry == nil {
		h.writeError(w, http.StatusMethodNotAllowed, errors.New("catalog is read-only"))
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("missing path"))
		return
	}

	var files []BuildFile
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<20)).Decode(&files); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.registry.RegisterBuild(r.Context(), path, files); err != nil {
		h.writeCatalogError(w, err)
		return
	}
	h.logger.Info("registered build", "path", path, "files", len(files))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "catalog_delete")

	if h.registry == nil {
		h.writeError(w, http.StatusMethodNotAllowed, errors.New("catalog is read-only"))
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("missing path"))
		return
	}

	if err := h.registry.DeleteBuild(r.Context(), path); err != nil {
		h.writeCatalogError(w, err)
		return
	}
	h.logger.Info("deleted build", "path", path)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeCatalogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBuildNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.logger.Error("catalog request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}
