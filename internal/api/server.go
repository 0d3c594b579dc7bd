// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cumulusfs/cumulus/internal/auth"
	"github.com/cumulusfs/cumulus/internal/config"
	"github.com/cumulusfs/cumulus/internal/engine"
	"github.com/cumulusfs/cumulus/internal/events"
	"github.com/cumulusfs/cumulus/internal/logging"
	"github.com/cumulusfs/cumulus/internal/metrics"
	"github.com/cumulusfs/cumulus/internal/model"
	"github.com/cumulusfs/cumulus/internal/quota"
	"github.com/cumulusfs/cumulus/internal/storage"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`bytes=(\d*)-(\d*)`)

// Readiness is implemented by dependencies the readiness probe checks.
type Readiness func(ctx context.Context) error

// Server is the HTTP server.
type Server struct {
	engine        *engine.Engine
	auth          *auth.Auth
	broadcaster   *events.Broadcaster
	rateLimiter   *quota.RateLimiter
	maxUploadSize int64
	presignTTL    time.Duration
	readiness     []Readiness
}

// NewServer creates a new server.
func NewServer(
	eng *engine.Engine,
	authHandler *auth.Auth,
	broadcaster *events.Broadcaster,
	rateLimiter *quota.RateLimiter,
	cfg *config.Config,
	readiness ...Readiness,
) *Server {
	return &Server{
		engine:        eng,
		auth:          authHandler,
		broadcaster:   broadcaster,
		rateLimiter:   rateLimiter,
		maxUploadSize: cfg.Server.MaxUploadSize,
		presignTTL:    cfg.Storage.PresignTTL,
		readiness:     readiness,
	}
}

// Handler returns the HTTP handler with auth, rate limit, logging and
// metrics middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	// Protected endpoints
	protected := http.NewServeMux()

	// Folders and uploads
	protected.HandleFunc("POST /api/v1/folders", s.handleCreateFolder)
	protected.HandleFunc("POST /api/v1/files", s.handleUpload)
	protected.HandleFunc("POST /api/v1/import/zip", s.handleZipImport)

	// Content
	protected.HandleFunc("GET /api/v1/files/{id}/download", s.handleDownload)
	protected.HandleFunc("GET /api/v1/files/{id}/presign", s.handlePresign)

	// Listing and lookup
	protected.HandleFunc("GET /api/v1/nodes", s.handleList)
	protected.HandleFunc("GET /api/v1/nodes/{id}", s.handleGetNode)
	protected.HandleFunc("GET /api/v1/search", s.handleSearch)

	// Tree mutation
	protected.HandleFunc("PATCH /api/v1/nodes/{id}/rename", s.handleRename)
	protected.HandleFunc("PATCH /api/v1/nodes/{id}/move", s.handleMove)
	protected.HandleFunc("POST /api/v1/nodes/star", s.handleStar)

	// Trash lifecycle
	protected.HandleFunc("POST /api/v1/nodes/trash", s.handleTrash)
	protected.HandleFunc("POST /api/v1/nodes/restore", s.handleRestore)
	protected.HandleFunc("POST /api/v1/nodes/delete", s.handlePermanentDelete)
	protected.HandleFunc("GET /api/v1/trash", s.handleTrashList)
	protected.HandleFunc("DELETE /api/v1/trash", s.handleEmptyTrash)

	// Account
	protected.HandleFunc("GET /api/v1/usage", s.handleUsage)

	// SSE
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Rate limiting keys on the authenticated user, so auth runs first.
	rateLimited := quota.RateLimitMiddleware(s.rateLimiter, auth.UserID)(protected)
	mux.Handle("/api/v1/", s.auth.Middleware(rateLimited))

	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for _, check := range s.readiness {
		if err := check(ctx); err != nil {
			logging.Warn("readiness check failed", zap.Error(err))
			s.sendError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	userID, _ := auth.UserID(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe(userID)
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Errors ─────────────────────────────────────────────────────────────────

// sendEngineError maps sentinel errors from the lifecycle engine to HTTP
// statuses; anything unexpected logs in full and reports generically.
func (s *Server) sendEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "not found")
	case errors.Is(err, model.ErrParentNotFound):
		s.sendError(w, http.StatusNotFound, "parent folder not found")
	case errors.Is(err, model.ErrNameConflict):
		s.sendError(w, http.StatusConflict, "name already exists in this folder")
	case errors.Is(err, model.ErrCycle):
		s.sendError(w, http.StatusUnprocessableEntity, "move would create a cycle")
	case errors.Is(err, model.ErrInvalidName):
		s.sendError(w, http.StatusBadRequest, "invalid name")
	case errors.Is(err, model.ErrInvalidArchive):
		s.sendError(w, http.StatusBadRequest, "invalid zip archive")
	case errors.Is(err, model.ErrQuotaExceeded):
		s.sendError(w, http.StatusRequestEntityTooLarge, "storage quota exceeded")
	case errors.Is(err, model.ErrStorageWrite), errors.Is(err, model.ErrStorageRead):
		logging.Error("object storage failure",
			zap.String("path", r.URL.Path), zap.Error(err))
		s.sendError(w, http.StatusBadGateway, "object storage unavailable")
	case errors.Is(err, storage.ErrPresignUnsupported):
		s.sendError(w, http.StatusNotImplemented, "presigned downloads not supported")
	default:
		logging.Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
		"code":  status,
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// parseRangeHeader parses a single-range "bytes=a-b" header against the
// total size. Returns offset, length and whether a valid range was given.
func parseRangeHeader(header string, totalSize int64) (offset, length int64, ok bool) {
	if header == "" || totalSize <= 0 {
		return 0, 0, false
	}
	m := rangeRegex.FindStringSubmatch(header)
	if m == nil {
		return 0, 0, false
	}

	startStr, endStr := m[1], m[2]
	switch {
	case startStr == "" && endStr == "":
		return 0, 0, false
	case startStr == "":
		// Suffix range: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > totalSize {
			n = totalSize
		}
		return totalSize - n, n, true
	default:
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 || start >= totalSize {
			return 0, 0, false
		}
		if endStr == "" {
			return start, totalSize - start, true
		}
		end, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return 0, 0, false
		}
		if end >= totalSize {
			end = totalSize - 1
		}
		return start, end - start + 1, true
	}
}
