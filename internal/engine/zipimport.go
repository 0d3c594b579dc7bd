package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/cumulusfs/cumulus/internal/events"
	"github.com/cumulusfs/cumulus/internal/logging"
	"github.com/cumulusfs/cumulus/internal/metrics"
	"github.com/cumulusfs/cumulus/internal/model"
)

// ImportResult summarizes a zip import.
type ImportResult struct {
	FilesCreated   int64 `json:"files_created"`
	FoldersCreated int64 `json:"folders_created"`
	BytesWritten   int64 `json:"bytes_written"`
}

// ZipImport expands an archive into the tree under parentID, recreating
// its directory structure. The whole archive's uncompressed size is
// checked against the quota up front; each file then commits its actual
// bytes individually, so a mid-walk failure leaves a consistent partial
// import rather than unaccounted usage.
func (e *Engine) ZipImport(ctx context.Context, userID string, parentID *string, r io.ReaderAt, size int64) (*ImportResult, error) {
	if err := e.ledger.Ensure(ctx, userID); err != nil {
		return nil, err
	}
	if err := e.resolveParent(ctx, userID, parentID); err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidArchive, err)
	}

	var total int64
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			total += int64(f.UncompressedSize64)
		}
	}
	if err := e.ledger.Reserve(ctx, userID, total); err != nil {
		return nil, err
	}

	res := &ImportResult{}
	// Folder ids by archive-relative path, rooted at the destination.
	folders := map[string]*string{"": parentID}

	for _, f := range zr.File {
		segments, ok := splitArchivePath(f.Name)
		if !ok {
			logging.Warn("skipping unsafe archive entry", zap.String("name", f.Name))
			continue
		}
		if len(segments) == 0 {
			continue
		}

		if f.FileInfo().IsDir() {
			if _, err := e.ensureFolderPath(ctx, userID, folders, segments, res); err != nil {
				return res, err
			}
			continue
		}

		dir, err := e.ensureFolderPath(ctx, userID, folders, segments[:len(segments)-1], res)
		if err != nil {
			return res, err
		}
		name := segments[len(segments)-1]
		if err := validateName(name); err != nil {
			logging.Warn("skipping archive entry with invalid name", zap.String("name", f.Name))
			continue
		}

		written, err := e.importFile(ctx, userID, dir, name, f)
		if err != nil {
			return res, err
		}
		res.FilesCreated++
		res.BytesWritten += written
	}

	e.publish(events.Event{
		Type: events.EventImported, UserID: userID,
		ParentID: deref(parentID), Count: res.FilesCreated, Size: res.BytesWritten,
	})
	return res, nil
}

func (e *Engine) importFile(ctx context.Context, userID string, parentID *string, name string, f *zip.File) (int64, error) {
	if _, err := e.tree.ChildByName(ctx, userID, parentID, name); err == nil {
		return 0, fmt.Errorf("%w: %s", model.ErrNameConflict, name)
	} else if err != model.ErrNotFound {
		return 0, err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", model.ErrInvalidArchive, f.Name, err)
	}
	defer rc.Close()

	size := int64(f.UncompressedSize64)
	key := uuid.NewString()
	if err := e.store.PutObject(ctx, key, rc, size, ""); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrStorageWrite, err)
	}

	now := time.Now().UTC()
	node := &model.Node{
		ID:         uuid.NewString(),
		UserID:     userID,
		Type:       model.TypeFile,
		Name:       name,
		ParentID:   parentID,
		StorageKey: key,
		Size:       size,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.tree.CreateNode(ctx, node); err != nil {
		e.cleanupBlob(ctx, key)
		return 0, err
	}
	if err := e.ledger.Commit(ctx, userID, size); err != nil {
		if _, delErr := e.tree.DeleteNodes(ctx, userID, []string{node.ID}); delErr != nil {
			logging.Error("import rollback: delete node failed",
				zap.String("node_id", node.ID), zap.Error(delErr))
		}
		e.cleanupBlob(ctx, key)
		return 0, err
	}

	metrics.RecordContentUpload(size, true)
	return size, nil
}

// EnsureFolderPath resolves a slash-separated relative path under parentID,
// creating missing folders along the way, and returns the deepest folder's
// id. Used by uploads that carry a relative path, e.g. a browser sending a
// whole directory. An empty path resolves to parentID itself.
func (e *Engine) EnsureFolderPath(ctx context.Context, userID string, parentID *string, path string) (*string, error) {
	if err := e.resolveParent(ctx, userID, parentID); err != nil {
		return nil, err
	}
	segments, ok := splitArchivePath(path)
	if !ok {
		return nil, fmt.Errorf("%w: path %q", model.ErrInvalidName, path)
	}
	folders := map[string]*string{"": parentID}
	return e.ensureFolderPath(ctx, userID, folders, segments, &ImportResult{})
}

// ensureFolderPath walks/creates the folder chain for the given segments,
// reusing folders cached in the map. A file occupying a needed folder name
// is a conflict.
func (e *Engine) ensureFolderPath(ctx context.Context, userID string, folders map[string]*string, segments []string, res *ImportResult) (*string, error) {
	path := ""
	parent := folders[""]
	for _, seg := range segments {
		if path == "" {
			path = seg
		} else {
			path = path + "/" + seg
		}
		if id, ok := folders[path]; ok {
			parent = id
			continue
		}
		if err := validateName(seg); err != nil {
			return nil, err
		}

		existing, err := e.tree.ChildByName(ctx, userID, parent, seg)
		if err == nil {
			if !existing.IsFolder() {
				return nil, fmt.Errorf("%w: %s", model.ErrNameConflict, path)
			}
			folders[path] = &existing.ID
			parent = &existing.ID
			continue
		}
		if err != model.ErrNotFound {
			return nil, err
		}

		now := time.Now().UTC()
		node := &model.Node{
			ID:        uuid.NewString(),
			UserID:    userID,
			Type:      model.TypeFolder,
			Name:      seg,
			ParentID:  parent,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.tree.CreateNode(ctx, node); err != nil {
			return nil, err
		}
		res.FoldersCreated++
		folders[path] = &node.ID
		parent = &node.ID
	}
	return parent, nil
}

// splitArchivePath normalizes an archive entry name into path segments,
// rejecting absolute paths and traversal.
func splitArchivePath(name string) ([]string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return nil, false
	}
	raw := strings.Split(strings.Trim(name, "/"), "/")
	var segments []string
	for _, s := range raw {
		switch s {
		case "", ".":
			continue
		case "..":
			return nil, false
		}
		segments = append(segments, s)
	}
	return segments, true
}
