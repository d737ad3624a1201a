package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tigrisdata/tigrisup/log"
	"github.com/tigrisdata/tigrisup/pkg/upload/engine"
	"github.com/tigrisdata/tigrisup/pkg/upload/protocol"
)

const (
	DefaultBasePath     = "/files"
	DefaultMaxChunkSize = 64 << 20
)

var httpLog = log.GetLogger("http")

// Engine is the part of engine.Engine the HTTP binding needs.
type Engine interface {
	Create(ctx context.Context, declaredSize int64, metadata map[string]string) (string, error)
	Patch(ctx context.Context, id string, offset int64, chunk []byte) (int64, error)
	Head(ctx context.Context, id string) (engine.Status, error)
	Finalize(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	MaxFileSize() int64
}

// Config controls the HTTP binding.
type Config struct {
	// BasePath is where the upload collection is mounted, "/files" by default.
	BasePath string
	// MaxChunkSize bounds the body of a single PATCH, which is held in memory
	// until it is durable.
	MaxChunkSize int64
	// MaxBufferedBytes bounds chunk bodies held in memory across concurrent
	// PATCH requests. Zero means no bound.
	MaxBufferedBytes int64
}

// Handler serves the resumable upload protocol over HTTP.
type Handler struct {
	cfg    Config
	engine Engine
	router chi.Router
	limit  *bufferLimit
}

// New builds the router for eng.
func New(cfg Config, eng Engine) *Handler {
	if cfg.BasePath == "" {
		cfg.BasePath = DefaultBasePath
	}
	cfg.BasePath = "/" + strings.Trim(cfg.BasePath, "/")
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}

	h := &Handler{cfg: cfg, engine: eng, limit: newBufferLimit(cfg.MaxBufferedBytes)}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logRequests)
	r.Route(cfg.BasePath, func(r chi.Router) {
		r.Use(requireVersion)
		r.Options("/", h.options)
		r.Post("/", h.create)
		r.Head("/{id}", h.head)
		r.Patch("/{id}", h.patch)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/finalize", h.finalize)
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) options(w http.ResponseWriter, _ *http.Request) {
	hdr := w.Header()
	hdr.Set(protocol.HeaderVersion, protocol.Version)
	hdr.Set(protocol.HeaderExtension, protocol.Extensions)
	hdr.Set(protocol.HeaderMaxSize, protocol.FormatLength(h.engine.MaxFileSize()))
	hdr.Set(protocol.HeaderChecksumAlgos, protocol.ChecksumAlgorithm)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	length, err := protocol.ParseLength(protocol.HeaderUploadLength, r.Header.Get(protocol.HeaderUploadLength))
	if err != nil {
		writeError(w, r, err)
		return
	}
	md, err := protocol.ParseMetadata(r.Header.Get(protocol.HeaderUploadMetadata))
	if err != nil {
		writeError(w, r, err)
		return
	}

	id, err := h.engine.Create(r.Context(), length, md)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set(protocol.HeaderLocation, path.Join(h.cfg.BasePath, id))
	w.Header().Set(protocol.HeaderUploadOffset, "0")
	if st, err := h.engine.Head(r.Context(), id); err == nil && !st.ExpiresAt.IsZero() {
		w.Header().Set(protocol.HeaderUploadExpires, protocol.FormatExpires(st.ExpiresAt))
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) head(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Head(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeStatus(w, st)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) patch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if mt, _, err := mime.ParseMediaType(r.Header.Get(protocol.HeaderContentType)); err != nil || mt != protocol.ContentTypeOffset {
		w.Header().Set(protocol.HeaderUploadError, string(protocol.CategoryInvalid))
		http.Error(w, "content type must be "+protocol.ContentTypeOffset, http.StatusUnsupportedMediaType)
		return
	}
	offset, err := protocol.ParseLength(protocol.HeaderUploadOffset, r.Header.Get(protocol.HeaderUploadOffset))
	if err != nil {
		writeError(w, r, err)
		return
	}
	size := r.ContentLength
	switch {
	case size < 0:
		writeError(w, r, protocol.Errorf(protocol.CategoryInvalid, "Content-Length is required"))
		return
	case size > h.cfg.MaxChunkSize:
		writeError(w, r, protocol.Errorf(protocol.CategoryInvalid,
			"chunk of %d bytes exceeds the %d byte limit", size, h.cfg.MaxChunkSize))
		return
	}

	// Reject what the engine would reject before reading the body.
	st, err := h.engine.Head(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	switch {
	case offset > st.ReceivedLength:
		w.Header().Set(protocol.HeaderUploadOffset, protocol.FormatLength(st.ReceivedLength))
		writeError(w, r, protocol.Errorf(protocol.CategoryOffsetMismatch,
			"offset %d, received length %d", offset, st.ReceivedLength))
		return
	case offset+size > st.DeclaredSize:
		writeError(w, r, protocol.Errorf(protocol.CategoryOverflow,
			"%d bytes at %d exceed declared size %d", size, offset, st.DeclaredSize))
		return
	}

	if err := h.limit.acquire(r.Context(), size); err != nil {
		writeError(w, r, protocol.Wrap(protocol.CategoryUnavailable, err))
		return
	}
	defer h.limit.release(size)

	body := make([]byte, size)
	if _, err := io.ReadFull(http.MaxBytesReader(w, r.Body, size), body); err != nil {
		writeError(w, r, protocol.Errorf(protocol.CategoryInvalid, "read chunk: %w", err))
		return
	}
	if err := protocol.VerifyChecksum(r.Header.Get(protocol.HeaderUploadChecksum), body); err != nil {
		writeError(w, r, err)
		return
	}

	received, err := h.engine.Patch(r.Context(), id, offset, body)
	if err != nil {
		if received > offset {
			w.Header().Set(protocol.HeaderUploadOffset, protocol.FormatLength(received))
		}
		writeError(w, r, err)
		return
	}
	w.Header().Set(protocol.HeaderUploadOffset, protocol.FormatLength(received))
	w.Header().Set(protocol.HeaderUploadComplete, protocol.FormatBool(received == st.DeclaredSize))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Finalize(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStatus(w http.ResponseWriter, st engine.Status) {
	hdr := w.Header()
	hdr.Set(protocol.HeaderCacheControl, "no-store")
	hdr.Set(protocol.HeaderUploadOffset, protocol.FormatLength(st.ReceivedLength))
	hdr.Set(protocol.HeaderUploadLength, protocol.FormatLength(st.DeclaredSize))
	hdr.Set(protocol.HeaderUploadComplete, protocol.FormatBool(st.Completed))
	if md := protocol.EncodeMetadata(st.Metadata); md != "" {
		hdr.Set(protocol.HeaderUploadMetadata, md)
	}
	if !st.ExpiresAt.IsZero() {
		hdr.Set(protocol.HeaderUploadExpires, protocol.FormatExpires(st.ExpiresAt))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	cat := protocol.CategoryOf(err)
	status := cat.Status()
	switch {
	case cat != "":
		w.Header().Set(protocol.HeaderUploadError, string(cat))
	case errors.Is(err, context.Canceled):
		// The client is gone; nobody reads the response.
		status = http.StatusServiceUnavailable
	default:
		httpLog.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	if status >= http.StatusInternalServerError || cat == protocol.CategoryUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	http.Error(w, err.Error(), status)
}

func requireVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(protocol.HeaderResumable, protocol.Version)
		if r.Method != http.MethodOptions && r.Header.Get(protocol.HeaderResumable) != protocol.Version {
			w.Header().Set(protocol.HeaderVersion, protocol.Version)
			w.Header().Set(protocol.HeaderUploadError, string(protocol.CategoryInvalid))
			http.Error(w, "unsupported protocol version", http.StatusPreconditionFailed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		httpLog.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int64("request_bytes", r.ContentLength).
			Int("response_bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
