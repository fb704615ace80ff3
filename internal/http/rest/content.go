package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/video_cache/internal/cache"
	"github.com/italolelis/video_cache/internal/content"
	"github.com/italolelis/video_cache/internal/logctx"
)

const maxBodySize = 1 << 20

// ContentCache is the part of the cache exposed over HTTP.
type ContentCache interface {
	Discover(ctx context.Context, d content.Descriptor) (bool, error)
	ListAll() []content.Summary
	NewContent() []content.Summary
	Get(id string) (content.Record, bool)
	Remove(ctx context.Context, id string) bool
	Usage() cache.Usage
}

type DiscoverResponse struct {
	ID  string `json:"id"`
	New bool   `json:"new"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ContentHandler struct {
	cache    ContentCache
	username string
	password string
}

// NewContentHandler creates a new content handler. Basic auth is enforced when username
// is not empty.
func NewContentHandler(c ContentCache, username, password string) *ContentHandler {
	return &ContentHandler{
		cache:    c,
		username: username,
		password: password,
	}
}

func (h *ContentHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/content", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleDiscover)
		r.Get("/{id}", h.HandleGet)
		r.Delete("/{id}", h.HandleRemove)
		r.Get("/{id}/file", h.HandleFile)
	})

	r.Get("/playlist/new", h.HandleNewContent)
	r.Get("/usage", h.HandleUsage)

	return r
}

// HandleList returns every record in discovery order.
func (h *ContentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.cache.ListAll())
}

// HandleNewContent returns what was discovered since the previous call.
func (h *ContentHandler) HandleNewContent(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.cache.NewContent())
}

func (h *ContentHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.cache.Usage())
}

// HandleDiscover admits a descriptor. It answers 201 for new content and 200 when the
// content was already known.
func (h *ContentHandler) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var d content.Descriptor
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&d); err != nil {
		logger.Debug("failed to decode descriptor", "err", err)
		writeError(ctx, w, http.StatusBadRequest, "invalid request body")

		return
	}

	isNew, err := h.cache.Discover(ctx, d)
	if err != nil {
		if errors.Is(err, cache.ErrInvalidDescriptor) {
			writeError(ctx, w, http.StatusBadRequest, err.Error())

			return
		}

		logger.Error("failed to discover content", "err", err)
		writeError(ctx, w, http.StatusInternalServerError, "failed to discover content")

		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}

	id := d.ID
	if id == "" {
		id = content.DeriveID(d.URL)
	}

	writeJSON(ctx, w, status, DiscoverResponse{ID: id, New: isNew})
}

func (h *ContentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.cache.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(r.Context(), w, http.StatusNotFound, "content not found")

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, rec.Summarize())
}

func (h *ContentHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	if !h.cache.Remove(r.Context(), chi.URLParam(r, "id")) {
		writeError(r.Context(), w, http.StatusNotFound, "content not found")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleFile serves a fully downloaded file. Partial downloads are never exposed.
func (h *ContentHandler) HandleFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.cache.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(r.Context(), w, http.StatusNotFound, "content not found")

		return
	}

	summary := rec.Summarize()
	if !summary.Available {
		writeError(r.Context(), w, http.StatusConflict, "content is not available: "+summary.State.String())

		return
	}

	http.ServeFile(w, r, summary.LocalPath)
}

func (h *ContentHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="video_cache"`)
			writeError(r.Context(), w, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			writeError(r.Context(), w, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	writeJSON(ctx, w, status, ErrorResponse{Error: message})
}
