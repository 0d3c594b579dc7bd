package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/cumulusfs/cumulus/internal/auth"
	"github.com/cumulusfs/cumulus/internal/logging"
	"github.com/cumulusfs/cumulus/internal/model"
)

// optionalParent reads the parent_id query/body value: empty string means
// the root level.
func optionalParent(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// ─── Folders ────────────────────────────────────────────────────────────────

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req struct {
		Name     string `json:"name"`
		ParentID string `json:"parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	node, err := s.engine.CreateFolder(r.Context(), userID, optionalParent(req.ParentID), req.Name)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, node)
}

// ─── Upload ─────────────────────────────────────────────────────────────────

// handleUpload accepts the raw file body with name/parent_id/relative_path
// as query parameters. Content-Length drives streaming; chunked bodies are
// buffered by the engine against the remaining quota.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	name := r.URL.Query().Get("name")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "name query parameter required")
		return
	}
	parentID := optionalParent(r.URL.Query().Get("parent_id"))

	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
		return
	}

	// relative_path recreates a folder chain under parent_id, so a browser
	// can upload a whole directory file by file.
	if rel := r.URL.Query().Get("relative_path"); rel != "" {
		dir, err := s.engine.EnsureFolderPath(r.Context(), userID, parentID, rel)
		if err != nil {
			s.sendEngineError(w, r, err)
			return
		}
		parentID = dir
	}

	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/x-www-form-urlencoded" {
		mimeType = "application/octet-stream"
	}

	body := http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	node, err := s.engine.Upload(r.Context(), userID, parentID, name, mimeType, r.ContentLength, body)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	logging.Info("file uploaded",
		zap.String("user_id", userID),
		zap.String("node_id", node.ID),
		zap.Int64("size", node.Size))
	s.sendJSON(w, http.StatusCreated, node)
}

// ─── Zip import ─────────────────────────────────────────────────────────────

// handleZipImport spools the archive to a temp file so the zip directory
// can be read, then expands it under parent_id.
func (s *Server) handleZipImport(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	parentID := optionalParent(r.URL.Query().Get("parent_id"))

	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("archive too large: max %d bytes", s.maxUploadSize))
		return
	}

	tmp, err := os.CreateTemp("", "cumulus-import-*.zip")
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	body := http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	size, err := io.Copy(tmp, body)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "failed to read archive")
		return
	}

	res, err := s.engine.ZipImport(r.Context(), userID, parentID, tmp, size)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	logging.Info("zip imported",
		zap.String("user_id", userID),
		zap.Int64("files", res.FilesCreated),
		zap.Int64("bytes", res.BytesWritten))
	s.sendJSON(w, http.StatusCreated, res)
}

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	id := r.PathValue("id")

	node, err := s.engine.GetNode(r.Context(), userID, id)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}

	offset, length, hasRange := parseRangeHeader(r.Header.Get("Range"), node.Size)

	reader, node, size, err := s.engine.Download(r.Context(), userID, id, offset, length)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	defer reader.Close()

	ct := node.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", node.Name))

	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, node.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
	}

	if _, err := io.Copy(w, reader); err != nil {
		logging.Warn("content transfer error",
			zap.String("node_id", id), zap.Error(err))
	}
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	id := r.PathValue("id")

	url, err := s.engine.PresignDownload(r.Context(), userID, id, s.presignTTL)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_in": int64(s.presignTTL.Seconds()),
	})
}

// ─── Listing ────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	filter, err := model.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid filter")
		return
	}
	parentID := optionalParent(r.URL.Query().Get("parent_id"))

	nodes, err := s.engine.List(r.Context(), userID, parentID, filter)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []model.Node{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	node, err := s.engine.GetNode(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, node)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	nodes, err := s.engine.Search(r.Context(), userID, r.URL.Query().Get("q"))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []model.Node{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// ─── Tree mutation ──────────────────────────────────────────────────────────

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.Rename(r.Context(), userID, r.PathValue("id"), req.Name); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"renamed": true})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req struct {
		ParentID string `json:"parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.Move(r.Context(), userID, r.PathValue("id"), optionalParent(req.ParentID)); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"moved": true})
}

// idsRequest is the shared body shape for bulk operations.
type idsRequest struct {
	IDs []string `json:"ids"`
}

func decodeIDs(r *http.Request) ([]string, bool) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		return nil, false
	}
	return req.IDs, true
}

func (s *Server) handleStar(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req struct {
		IDs     []string `json:"ids"`
		Starred bool     `json:"starred"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		s.sendError(w, http.StatusBadRequest, "ids required")
		return
	}

	affected, err := s.engine.SetStarred(r.Context(), userID, req.IDs, req.Starred)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"affected": affected})
}

// ─── Trash ──────────────────────────────────────────────────────────────────

func (s *Server) handleTrash(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	ids, ok := decodeIDs(r)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "ids required")
		return
	}

	affected, err := s.engine.Trash(r.Context(), userID, ids)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"affected": affected})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	ids, ok := decodeIDs(r)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "ids required")
		return
	}

	affected, err := s.engine.Restore(r.Context(), userID, ids)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"affected": affected})
}

func (s *Server) handlePermanentDelete(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	ids, ok := decodeIDs(r)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "ids required")
		return
	}

	affected, err := s.engine.PermanentDelete(r.Context(), userID, ids)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"deleted": affected})
}

func (s *Server) handleTrashList(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	nodes, err := s.engine.List(r.Context(), userID, nil, model.FilterTrash)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []model.Node{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) handleEmptyTrash(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	deleted, err := s.engine.EmptyTrash(r.Context(), userID)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// ─── Usage ──────────────────────────────────────────────────────────────────

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	usage, err := s.engine.Usage(r.Context(), userID)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, usage)
}
