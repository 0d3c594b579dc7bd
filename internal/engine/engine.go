// Package engine implements the file lifecycle engine: the single writer
// that coordinates the metadata tree, the object store, and the quota
// ledger so their combined state stays consistent.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cumulusfs/cumulus/internal/events"
	"github.com/cumulusfs/cumulus/internal/logging"
	"github.com/cumulusfs/cumulus/internal/metrics"
	"github.com/cumulusfs/cumulus/internal/model"
	"github.com/cumulusfs/cumulus/internal/storage"
)

// Tree is the metadata store surface the engine needs.
type Tree interface {
	CreateNode(ctx context.Context, n *model.Node) error
	GetNode(ctx context.Context, userID, id string) (*model.Node, error)
	ChildByName(ctx context.Context, userID string, parentID *string, name string) (*model.Node, error)
	ListChildren(ctx context.Context, userID string, parentID *string, filter model.Filter) ([]model.Node, error)
	Descendants(ctx context.Context, userID string, rootIDs []string) ([]model.Node, error)
	AncestorIDs(ctx context.Context, userID, startID string) ([]string, error)
	Rename(ctx context.Context, userID, id, newName string) error
	Reparent(ctx context.Context, userID, id string, newParentID *string) error
	SetStarred(ctx context.Context, userID string, ids []string, starred bool) (int64, error)
	SetTrashed(ctx context.Context, userID string, ids []string, t *time.Time) (int64, error)
	DeleteNodes(ctx context.Context, userID string, ids []string) (int64, error)
	Search(ctx context.Context, userID, query string) ([]model.Node, error)
	TrashedRootsBefore(ctx context.Context, userID string, cutoff time.Time) ([]model.Node, error)
}

// Ledger is the quota surface the engine needs.
type Ledger interface {
	Ensure(ctx context.Context, userID string) error
	Usage(ctx context.Context, userID string) (model.Usage, error)
	Reserve(ctx context.Context, userID string, bytes int64) error
	Commit(ctx context.Context, userID string, bytes int64) error
	Release(ctx context.Context, userID string, bytes int64) error
	RetentionDays(ctx context.Context, userID string) (int, error)
	Users(ctx context.Context) ([]string, error)
}

// Engine coordinates all file lifecycle operations.
//
// Writes follow a fixed order so that any partial failure leaves an orphan
// blob (invisible, reaped or ignored) rather than a dangling metadata
// reference: reserve quota, write blob, create metadata, commit quota.
type Engine struct {
	tree        Tree
	ledger      Ledger
	store       storage.Backend
	broadcaster *events.Broadcaster
}

// New creates a lifecycle engine. The broadcaster may be nil in tests.
func New(tree Tree, ledger Ledger, store storage.Backend, b *events.Broadcaster) *Engine {
	return &Engine{tree: tree, ledger: ledger, store: store, broadcaster: b}
}

func (e *Engine) publish(ev events.Event) {
	if e.broadcaster != nil {
		e.broadcaster.Publish(ev)
	}
}

// validateName rejects names that cannot live in the tree.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid name %q", model.ErrInvalidName, name)
	}
	if len(name) > 255 {
		return fmt.Errorf("%w: name exceeds 255 bytes", model.ErrInvalidName)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: name contains forbidden characters", model.ErrInvalidName)
	}
	return nil
}

// resolveParent verifies the destination parent: it must exist, be a
// folder, and not be in the trash. nil means the root level, which always
// exists.
func (e *Engine) resolveParent(ctx context.Context, userID string, parentID *string) error {
	if parentID == nil {
		return nil
	}
	parent, err := e.tree.GetNode(ctx, userID, *parentID)
	if err != nil {
		if err == model.ErrNotFound {
			return model.ErrParentNotFound
		}
		return err
	}
	if !parent.IsFolder() || parent.IsTrash() {
		return model.ErrParentNotFound
	}
	return nil
}

// liveNode fetches a node and rejects trashed ones. Everything except
// restore and permanent delete operates on live nodes only.
func (e *Engine) liveNode(ctx context.Context, userID, id string) (*model.Node, error) {
	n, err := e.tree.GetNode(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if n.IsTrash() {
		return nil, model.ErrNotFound
	}
	return n, nil
}

// Upload streams a file into the object store and registers it in the
// tree. size<0 means unknown length; the body is then buffered so the
// exact byte count can be reserved and committed.
func (e *Engine) Upload(ctx context.Context, userID string, parentID *string, name, mimeType string, size int64, body io.Reader) (*model.Node, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := e.ledger.Ensure(ctx, userID); err != nil {
		return nil, err
	}
	if err := e.resolveParent(ctx, userID, parentID); err != nil {
		return nil, err
	}
	if _, err := e.tree.ChildByName(ctx, userID, parentID, name); err == nil {
		return nil, model.ErrNameConflict
	} else if err != model.ErrNotFound {
		return nil, err
	}

	if size < 0 {
		buffered, n, err := e.bufferUnknownSize(ctx, userID, body)
		if err != nil {
			return nil, err
		}
		body = buffered
		size = n
	}

	if err := e.ledger.Reserve(ctx, userID, size); err != nil {
		return nil, err
	}

	key := uuid.NewString()
	if err := e.store.PutObject(ctx, key, body, size, mimeType); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageWrite, err)
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
		MimeType:   mimeType,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.tree.CreateNode(ctx, node); err != nil {
		e.cleanupBlob(ctx, key)
		return nil, err
	}

	if err := e.ledger.Commit(ctx, userID, size); err != nil {
		// Roll the whole upload back; losing the race to another upload
		// must not leave unaccounted bytes behind.
		if _, delErr := e.tree.DeleteNodes(ctx, userID, []string{node.ID}); delErr != nil {
			logging.Error("upload rollback: delete node failed",
				zap.String("node_id", node.ID), zap.Error(delErr))
		}
		e.cleanupBlob(ctx, key)
		return nil, err
	}

	metrics.RecordContentUpload(size, true)
	e.publish(events.Event{
		Type: events.EventCreated, UserID: userID,
		NodeID: node.ID, Name: name, ParentID: deref(parentID), Size: size,
	})
	return node, nil
}

// bufferUnknownSize reads an unknown-length body into memory, refusing to
// buffer more than the user's remaining quota.
func (e *Engine) bufferUnknownSize(ctx context.Context, userID string, body io.Reader) (io.Reader, int64, error) {
	u, err := e.ledger.Usage(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	remaining := u.Limit - u.Used
	if remaining < 0 {
		remaining = 0
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(body, remaining+1))
	if err != nil {
		return nil, 0, fmt.Errorf("read upload body: %w", err)
	}
	if n > remaining {
		metrics.RecordQuotaExceeded()
		return nil, 0, model.ErrQuotaExceeded
	}
	return &buf, n, nil
}

// cleanupBlob is best-effort compensation: a failure here strands an
// orphan blob, which is counted but harmless.
func (e *Engine) cleanupBlob(ctx context.Context, key string) {
	if err := e.store.DeleteObject(ctx, key); err != nil {
		metrics.RecordOrphanBlob()
		logging.Warn("orphan blob left behind", zap.String("key", key), zap.Error(err))
	}
}

// CreateFolder adds an empty folder.
func (e *Engine) CreateFolder(ctx context.Context, userID string, parentID *string, name string) (*model.Node, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := e.ledger.Ensure(ctx, userID); err != nil {
		return nil, err
	}
	if err := e.resolveParent(ctx, userID, parentID); err != nil {
		return nil, err
	}
	if _, err := e.tree.ChildByName(ctx, userID, parentID, name); err == nil {
		return nil, model.ErrNameConflict
	} else if err != model.ErrNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	node := &model.Node{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      model.TypeFolder,
		Name:      name,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.tree.CreateNode(ctx, node); err != nil {
		return nil, err
	}

	e.publish(events.Event{
		Type: events.EventCreated, UserID: userID,
		NodeID: node.ID, Name: name, ParentID: deref(parentID),
	})
	return node, nil
}

// Download opens a file's content stream. offset/length select a byte
// range; length=0 means to the end. Returns the node and the stream size.
func (e *Engine) Download(ctx context.Context, userID, id string, offset, length int64) (io.ReadCloser, *model.Node, int64, error) {
	n, err := e.liveNode(ctx, userID, id)
	if err != nil {
		return nil, nil, 0, err
	}
	if n.IsFolder() {
		return nil, nil, 0, model.ErrNotFound
	}

	rc, size, err := e.store.GetObject(ctx, n.StorageKey, offset, length)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: %v", model.ErrStorageRead, err)
	}
	metrics.RecordContentDownload(size, true)
	return rc, n, size, nil
}

// PresignDownload returns a direct download URL when the backend supports
// it, or storage.ErrPresignUnsupported.
func (e *Engine) PresignDownload(ctx context.Context, userID, id string, ttl time.Duration) (string, error) {
	n, err := e.liveNode(ctx, userID, id)
	if err != nil {
		return "", err
	}
	if n.IsFolder() {
		return "", model.ErrNotFound
	}
	return e.store.PresignDownload(ctx, n.StorageKey, ttl)
}

// GetNode returns a single node.
func (e *Engine) GetNode(ctx context.Context, userID, id string) (*model.Node, error) {
	return e.tree.GetNode(ctx, userID, id)
}

// List returns a folder listing or a filtered view (starred, trash).
func (e *Engine) List(ctx context.Context, userID string, parentID *string, filter model.Filter) ([]model.Node, error) {
	if filter == model.FilterAll {
		if err := e.resolveParent(ctx, userID, parentID); err != nil {
			return nil, err
		}
	}
	return e.tree.ListChildren(ctx, userID, parentID, filter)
}

// Search finds live nodes by case-insensitive substring match on the name.
func (e *Engine) Search(ctx context.Context, userID, query string) ([]model.Node, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	return e.tree.Search(ctx, userID, query)
}

// Usage returns the user's quota snapshot.
func (e *Engine) Usage(ctx context.Context, userID string) (model.Usage, error) {
	if err := e.ledger.Ensure(ctx, userID); err != nil {
		return model.Usage{}, err
	}
	return e.ledger.Usage(ctx, userID)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
