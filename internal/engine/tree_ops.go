package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cumulusfs/cumulus/internal/events"
	"github.com/cumulusfs/cumulus/internal/logging"
	"github.com/cumulusfs/cumulus/internal/metrics"
	"github.com/cumulusfs/cumulus/internal/model"
)

// Rename changes a node's name in place. Metadata-only: blobs are keyed by
// opaque ids, so no object store traffic happens here.
func (e *Engine) Rename(ctx context.Context, userID, id, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}
	n, err := e.liveNode(ctx, userID, id)
	if err != nil {
		return err
	}
	if n.Name == newName {
		return nil
	}
	if _, err := e.tree.ChildByName(ctx, userID, n.ParentID, newName); err == nil {
		return model.ErrNameConflict
	} else if err != model.ErrNotFound {
		return err
	}

	if err := e.tree.Rename(ctx, userID, id, newName); err != nil {
		return err
	}
	e.publish(events.Event{
		Type: events.EventRenamed, UserID: userID, NodeID: id, Name: newName,
	})
	return nil
}

// Move reparents a node. Also metadata-only. Moving a folder into its own
// subtree is rejected before any write.
func (e *Engine) Move(ctx context.Context, userID, id string, newParentID *string) error {
	n, err := e.liveNode(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := e.resolveParent(ctx, userID, newParentID); err != nil {
		return err
	}

	if newParentID != nil {
		if *newParentID == id {
			return model.ErrCycle
		}
		ancestors, err := e.tree.AncestorIDs(ctx, userID, *newParentID)
		if err != nil {
			return err
		}
		for _, a := range ancestors {
			if a == id {
				return model.ErrCycle
			}
		}
	}

	if sameParent(n.ParentID, newParentID) {
		return nil
	}
	if _, err := e.tree.ChildByName(ctx, userID, newParentID, n.Name); err == nil {
		return model.ErrNameConflict
	} else if err != model.ErrNotFound {
		return err
	}

	if err := e.tree.Reparent(ctx, userID, id, newParentID); err != nil {
		return err
	}
	e.publish(events.Event{
		Type: events.EventMoved, UserID: userID, NodeID: id,
		Name: n.Name, ParentID: deref(newParentID),
	})
	return nil
}

// SetStarred flips the star flag on a batch of nodes.
func (e *Engine) SetStarred(ctx context.Context, userID string, ids []string, starred bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := e.tree.SetStarred(ctx, userID, ids, starred)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.publish(events.Event{
			Type: events.EventStarred, UserID: userID, Count: n,
		})
	}
	return n, nil
}

// Trash soft-deletes nodes and their entire subtrees. The whole cascade
// carries one timestamp, so a later restore can tell which descendants
// were trashed together with their root.
func (e *Engine) Trash(ctx context.Context, userID string, ids []string) (int64, error) {
	var targets []string
	for _, id := range ids {
		n, err := e.liveNode(ctx, userID, id)
		if err != nil {
			if err == model.ErrNotFound {
				continue
			}
			return 0, err
		}
		targets = append(targets, n.ID)
	}
	if len(targets) == 0 {
		return 0, nil
	}

	all := append([]string(nil), targets...)
	desc, err := e.tree.Descendants(ctx, userID, targets)
	if err != nil {
		return 0, err
	}
	for _, d := range desc {
		if !d.IsTrash() {
			all = append(all, d.ID)
		}
	}

	now := time.Now().UTC()
	affected, err := e.tree.SetTrashed(ctx, userID, all, &now)
	if err != nil {
		return 0, err
	}
	e.publish(events.Event{
		Type: events.EventTrashed, UserID: userID, Count: affected,
	})
	return affected, nil
}

// Restore brings trashed nodes back, cascading to the descendants that
// were trashed in the same operation. If the original parent is gone or
// still trashed, the node lands at the root level. A live sibling holding
// the name forces a deterministic rename.
func (e *Engine) Restore(ctx context.Context, userID string, ids []string) (int64, error) {
	var affected int64
	for _, id := range ids {
		n, err := e.tree.GetNode(ctx, userID, id)
		if err != nil {
			if err == model.ErrNotFound {
				continue
			}
			return affected, err
		}
		if !n.IsTrash() {
			continue
		}

		count, err := e.restoreOne(ctx, userID, n)
		if err != nil {
			return affected, err
		}
		affected += count
	}
	if affected > 0 {
		e.publish(events.Event{
			Type: events.EventRestored, UserID: userID, Count: affected,
		})
	}
	return affected, nil
}

func (e *Engine) restoreOne(ctx context.Context, userID string, n *model.Node) (int64, error) {
	// Reattach at the root if the original parent cannot host the node
	// anymore.
	parentID := n.ParentID
	if parentID != nil {
		parent, err := e.tree.GetNode(ctx, userID, *parentID)
		if err == model.ErrNotFound {
			parentID = nil
		} else if err != nil {
			return 0, err
		} else if parent.IsTrash() || !parent.IsFolder() {
			parentID = nil
		}
	}

	name, err := e.availableName(ctx, userID, parentID, n.Name)
	if err != nil {
		return 0, err
	}

	// Only descendants stamped together with this root follow it out of
	// the trash; independently trashed items inside the subtree stay put.
	all := []string{n.ID}
	desc, err := e.tree.Descendants(ctx, userID, []string{n.ID})
	if err != nil {
		return 0, err
	}
	for _, d := range desc {
		if d.TrashedAt != nil && n.TrashedAt != nil && d.TrashedAt.Equal(*n.TrashedAt) {
			all = append(all, d.ID)
		}
	}

	// Rename and reparent while still trashed; the live-sibling unique
	// index only applies once trashed_at clears.
	if !sameParent(parentID, n.ParentID) {
		if err := e.tree.Reparent(ctx, userID, n.ID, parentID); err != nil {
			return 0, err
		}
	}
	if name != n.Name {
		if err := e.tree.Rename(ctx, userID, n.ID, name); err != nil {
			return 0, err
		}
	}
	return e.tree.SetTrashed(ctx, userID, all, nil)
}

// availableName returns name, or the first "name (restored N)" variant not
// taken by a live sibling.
func (e *Engine) availableName(ctx context.Context, userID string, parentID *string, name string) (string, error) {
	candidate := name
	for i := 1; ; i++ {
		_, err := e.tree.ChildByName(ctx, userID, parentID, candidate)
		if err == model.ErrNotFound {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s (restored %d)", name, i)
	}
}

// PermanentDelete irreversibly removes nodes and their subtrees: blobs
// first, then metadata rows, then the quota release. Blob deletion is
// per-item and continue-on-error; a failed blob delete strands an orphan
// (counted) but never blocks the rest of the batch.
func (e *Engine) PermanentDelete(ctx context.Context, userID string, ids []string) (int64, error) {
	var roots []*model.Node
	for _, id := range ids {
		n, err := e.tree.GetNode(ctx, userID, id)
		if err != nil {
			if err == model.ErrNotFound {
				continue
			}
			return 0, err
		}
		roots = append(roots, n)
	}
	if len(roots) == 0 {
		return 0, nil
	}

	rootIDs := make([]string, len(roots))
	for i, r := range roots {
		rootIDs[i] = r.ID
	}

	// A target can also appear as a descendant of another target; dedupe
	// so its bytes are released exactly once.
	all := make([]model.Node, 0, len(roots))
	seen := make(map[string]bool, len(roots))
	for _, r := range roots {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		all = append(all, *r)
	}
	desc, err := e.tree.Descendants(ctx, userID, rootIDs)
	if err != nil {
		return 0, err
	}
	for _, d := range desc {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		all = append(all, d)
	}

	var freed int64
	for _, n := range all {
		if n.Type != model.TypeFile {
			continue
		}
		if err := e.store.DeleteObject(ctx, n.StorageKey); err != nil {
			metrics.RecordOrphanBlob()
			logging.Warn("blob delete failed, leaving orphan",
				zap.String("key", n.StorageKey), zap.Error(err))
			// Still count the bytes: the row goes away regardless, and
			// usage must keep matching the live rows.
		}
		freed += n.Size
	}

	allIDs := make([]string, len(all))
	for i, n := range all {
		allIDs[i] = n.ID
	}
	deleted, err := e.tree.DeleteNodes(ctx, userID, allIDs)
	if err != nil {
		return 0, err
	}

	if freed > 0 {
		if err := e.ledger.Release(ctx, userID, freed); err != nil {
			logging.Error("quota release failed after delete",
				zap.String("user_id", userID), zap.Int64("bytes", freed), zap.Error(err))
		}
	}

	e.publish(events.Event{
		Type: events.EventDeleted, UserID: userID, Count: deleted, Size: freed,
	})
	return deleted, nil
}

// EmptyTrash permanently deletes everything in the user's trash.
func (e *Engine) EmptyTrash(ctx context.Context, userID string) (int64, error) {
	roots, err := e.tree.ListChildren(ctx, userID, nil, model.FilterTrash)
	if err != nil {
		return 0, err
	}
	if len(roots) == 0 {
		return 0, nil
	}
	ids := make([]string, len(roots))
	for i, r := range roots {
		ids[i] = r.ID
	}
	return e.PermanentDelete(ctx, userID, ids)
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
