package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cumulusfs/cumulus/internal/model"
)

// fakeTree is an in-memory Tree mirroring the store's semantics, including
// the live-sibling name uniqueness the real schema enforces with a partial
// index.
type fakeTree struct {
	mu    sync.Mutex
	nodes map[string]*model.Node
}

func newFakeTree() *fakeTree {
	return &fakeTree{nodes: make(map[string]*model.Node)}
}

func (t *fakeTree) liveSibling(userID string, parentID *string, name, excludeID string) bool {
	for _, n := range t.nodes {
		if n.UserID == userID && n.ID != excludeID && n.Name == name &&
			sameParent(n.ParentID, parentID) && n.TrashedAt == nil {
			return true
		}
	}
	return false
}

func (t *fakeTree) CreateNode(_ context.Context, n *model.Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.liveSibling(n.UserID, n.ParentID, n.Name, n.ID) {
		return model.ErrNameConflict
	}
	cp := *n
	t.nodes[n.ID] = &cp
	return nil
}

func (t *fakeTree) GetNode(_ context.Context, userID, id string) (*model.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok || n.UserID != userID {
		return nil, model.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (t *fakeTree) ChildByName(_ context.Context, userID string, parentID *string, name string) (*model.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.nodes {
		if n.UserID == userID && n.Name == name && sameParent(n.ParentID, parentID) && n.TrashedAt == nil {
			cp := *n
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (t *fakeTree) ListChildren(_ context.Context, userID string, parentID *string, filter model.Filter) ([]model.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.Node
	for _, n := range t.nodes {
		if n.UserID != userID {
			continue
		}
		switch filter {
		case model.FilterStarred:
			if n.IsStarred && n.TrashedAt == nil {
				out = append(out, *n)
			}
		case model.FilterTrash:
			if n.TrashedAt != nil && !t.parentTrashed(n) {
				out = append(out, *n)
			}
		default:
			if sameParent(n.ParentID, parentID) && n.TrashedAt == nil {
				out = append(out, *n)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *fakeTree) parentTrashed(n *model.Node) bool {
	if n.ParentID == nil {
		return false
	}
	p, ok := t.nodes[*n.ParentID]
	return ok && p.TrashedAt != nil
}

func (t *fakeTree) Descendants(_ context.Context, userID string, rootIDs []string) ([]model.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	frontier := map[string]bool{}
	for _, id := range rootIDs {
		frontier[id] = true
	}
	var out []model.Node
	for len(frontier) > 0 {
		next := map[string]bool{}
		for _, n := range t.nodes {
			if n.UserID == userID && n.ParentID != nil && frontier[*n.ParentID] {
				out = append(out, *n)
				if n.Type == model.TypeFolder {
					next[n.ID] = true
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func (t *fakeTree) AncestorIDs(_ context.Context, userID, startID string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	current, ok := t.nodes[startID]
	if !ok || current.UserID != userID {
		return nil, model.ErrNotFound
	}
	for current.ParentID != nil {
		out = append(out, *current.ParentID)
		parent, ok := t.nodes[*current.ParentID]
		if !ok {
			break
		}
		current = parent
	}
	return out, nil
}

func (t *fakeTree) Rename(_ context.Context, userID, id, newName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok || n.UserID != userID {
		return model.ErrNotFound
	}
	if n.TrashedAt == nil && t.liveSibling(userID, n.ParentID, newName, id) {
		return model.ErrNameConflict
	}
	n.Name = newName
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *fakeTree) Reparent(_ context.Context, userID, id string, newParentID *string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok || n.UserID != userID {
		return model.ErrNotFound
	}
	if n.TrashedAt == nil && t.liveSibling(userID, newParentID, n.Name, id) {
		return model.ErrNameConflict
	}
	n.ParentID = newParentID
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *fakeTree) SetStarred(_ context.Context, userID string, ids []string, starred bool) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var count int64
	for _, id := range ids {
		if n, ok := t.nodes[id]; ok && n.UserID == userID {
			n.IsStarred = starred
			count++
		}
	}
	return count, nil
}

func (t *fakeTree) SetTrashed(_ context.Context, userID string, ids []string, ts *time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var count int64
	for _, id := range ids {
		n, ok := t.nodes[id]
		if !ok || n.UserID != userID {
			continue
		}
		if ts == nil {
			if n.TrashedAt == nil {
				continue
			}
			if t.liveSibling(userID, n.ParentID, n.Name, id) {
				return count, model.ErrNameConflict
			}
			n.TrashedAt = nil
		} else {
			tt := *ts
			n.TrashedAt = &tt
		}
		count++
	}
	return count, nil
}

func (t *fakeTree) DeleteNodes(_ context.Context, userID string, ids []string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var count int64
	for _, id := range ids {
		if n, ok := t.nodes[id]; ok && n.UserID == userID {
			delete(t.nodes, id)
			count++
		}
	}
	return count, nil
}

func (t *fakeTree) Search(_ context.Context, userID, query string) ([]model.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.Node
	for _, n := range t.nodes {
		if n.UserID == userID && n.TrashedAt == nil &&
			strings.Contains(strings.ToLower(n.Name), strings.ToLower(query)) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > 50 {
		out = out[:50]
	}
	return out, nil
}

func (t *fakeTree) TrashedRootsBefore(_ context.Context, userID string, cutoff time.Time) ([]model.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.Node
	for _, n := range t.nodes {
		if n.UserID == userID && n.TrashedAt != nil && n.TrashedAt.Before(cutoff) && !t.parentTrashed(n) {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (t *fakeTree) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// fakeLedger mirrors the strict conditional-increment semantics.
type fakeLedger struct {
	mu        sync.Mutex
	used      map[string]int64
	limit     int64
	retention int
}

func newFakeLedger(limit int64) *fakeLedger {
	return &fakeLedger{used: make(map[string]int64), limit: limit, retention: 30}
}

func (l *fakeLedger) Ensure(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.used[userID]; !ok {
		l.used[userID] = 0
	}
	return nil
}

func (l *fakeLedger) Usage(_ context.Context, userID string) (model.Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := model.Usage{Used: l.used[userID], Limit: l.limit}
	if u.Limit > 0 {
		u.Percent = float64(u.Used) / float64(u.Limit) * 100
	}
	return u, nil
}

func (l *fakeLedger) Reserve(_ context.Context, userID string, bytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used[userID]+bytes > l.limit {
		return model.ErrQuotaExceeded
	}
	return nil
}

func (l *fakeLedger) Commit(_ context.Context, userID string, bytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used[userID]+bytes > l.limit {
		return model.ErrQuotaExceeded
	}
	l.used[userID] += bytes
	return nil
}

func (l *fakeLedger) Release(_ context.Context, userID string, bytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used[userID] -= bytes
	if l.used[userID] < 0 {
		l.used[userID] = 0
	}
	return nil
}

func (l *fakeLedger) RetentionDays(_ context.Context, _ string) (int, error) {
	return l.retention, nil
}

func (l *fakeLedger) Users(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for id := range l.used {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (l *fakeLedger) usedBytes(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[userID]
}

// fakeBackend is an in-memory object store with fault injection.
type fakeBackend struct {
	mu         sync.Mutex
	objects    map[string][]byte
	failPut    bool
	failDelete bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objects: make(map[string][]byte)}
}

func (b *fakeBackend) PutObject(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	if b.failPut {
		return errors.New("injected put failure")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.objects[key] = data
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	b.mu.Lock()
	data, ok := b.objects[key]
	b.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("no such key: %s", key)
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	data = data[offset:]
	if length > 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (b *fakeBackend) DeleteObject(_ context.Context, key string) error {
	if b.failDelete {
		return errors.New("injected delete failure")
	}
	b.mu.Lock()
	delete(b.objects, key)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) CopyObject(_ context.Context, srcKey, dstKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[srcKey]
	if !ok {
		return fmt.Errorf("no such key: %s", srcKey)
	}
	b.objects[dstKey] = append([]byte(nil), data...)
	return nil
}

func (b *fakeBackend) ObjectExists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

func (b *fakeBackend) PresignDownload(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func (b *fakeBackend) HealthCheck(_ context.Context) error { return nil }
func (b *fakeBackend) Type() string                        { return "fake" }
func (b *fakeBackend) Close() error                        { return nil }

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

func newTestEngine(limit int64) (*Engine, *fakeTree, *fakeLedger, *fakeBackend) {
	tree := newFakeTree()
	ledger := newFakeLedger(limit)
	backend := newFakeBackend()
	return New(tree, ledger, backend, nil), tree, ledger, backend
}
