package engine

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusfs/cumulus/internal/model"
)

func TestUploadDownloadRoundTrip(t *testing.T) {
	e, _, ledger, _ := newTestEngine(1 << 20)
	ctx := context.Background()

	content := "hello cumulus"
	node, err := e.Upload(ctx, "alice", nil, "notes.txt", "text/plain", int64(len(content)), strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, model.TypeFile, node.Type)
	assert.Equal(t, int64(len(content)), node.Size)
	assert.NotEmpty(t, node.StorageKey)

	rc, got, size, err := e.Download(ctx, "alice", node.ID, 0, 0)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
	assert.Equal(t, int64(len(content)), size)
	assert.Equal(t, node.ID, got.ID)

	assert.Equal(t, int64(len(content)), ledger.usedBytes("alice"))
}

func TestUploadRangeDownload(t *testing.T) {
	e, _, _, _ := newTestEngine(1 << 20)
	ctx := context.Background()

	node, err := e.Upload(ctx, "alice", nil, "data.bin", "", 10, strings.NewReader("0123456789"))
	require.NoError(t, err)

	rc, _, size, err := e.Download(ctx, "alice", node.ID, 2, 4)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(data))
	assert.Equal(t, int64(4), size)
}

func TestUploadUnknownSize(t *testing.T) {
	e, _, ledger, _ := newTestEngine(1 << 20)
	ctx := context.Background()

	content := "streamed without content-length"
	node, err := e.Upload(ctx, "alice", nil, "stream.txt", "", -1, strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), node.Size)
	assert.Equal(t, int64(len(content)), ledger.usedBytes("alice"))
}

func TestUploadUnknownSizeOverQuota(t *testing.T) {
	e, tree, ledger, backend := newTestEngine(10)
	ctx := context.Background()

	_, err := e.Upload(ctx, "alice", nil, "big.bin", "", -1, strings.NewReader("0123456789abcdef"))
	assert.ErrorIs(t, err, model.ErrQuotaExceeded)
	assert.Equal(t, 0, tree.count())
	assert.Equal(t, 0, backend.count())
	assert.Zero(t, ledger.usedBytes("alice"))
}

func TestUploadQuotaExceeded(t *testing.T) {
	e, tree, ledger, backend := newTestEngine(5)
	ctx := context.Background()

	_, err := e.Upload(ctx, "alice", nil, "big.bin", "", 100, strings.NewReader(strings.Repeat("x", 100)))
	assert.ErrorIs(t, err, model.ErrQuotaExceeded)
	assert.Equal(t, 0, tree.count())
	assert.Equal(t, 0, backend.count())
	assert.Zero(t, ledger.usedBytes("alice"))
}

func TestUploadBlobWriteFailure(t *testing.T) {
	e, tree, ledger, backend := newTestEngine(1 << 20)
	backend.failPut = true
	ctx := context.Background()

	_, err := e.Upload(ctx, "alice", nil, "f.txt", "", 3, strings.NewReader("abc"))
	assert.ErrorIs(t, err, model.ErrStorageWrite)
	assert.Equal(t, 0, tree.count())
	assert.Zero(t, ledger.usedBytes("alice"))
}

func TestUploadMetadataFailureCleansBlob(t *testing.T) {
	e, tree, ledger, backend := newTestEngine(1 << 20)
	ctx := context.Background()

	// A concurrent upload wins the name: the second metadata insert
	// conflicts, and its already-written blob must be removed.
	_, err := e.Upload(ctx, "alice", nil, "f.txt", "", 3, strings.NewReader("abc"))
	require.NoError(t, err)

	// Bypass the engine's pre-check by inserting the conflict directly at
	// the tree level.
	e2 := New(&conflictOnCreateTree{fakeTree: tree}, ledger, backend, nil)
	_, err = e2.Upload(ctx, "alice", nil, "g.txt", "", 3, strings.NewReader("xyz"))
	assert.ErrorIs(t, err, model.ErrNameConflict)

	// Only the first upload's blob remains.
	assert.Equal(t, 1, backend.count())
	assert.Equal(t, int64(3), ledger.usedBytes("alice"))
}

// conflictOnCreateTree forces CreateNode to report a name conflict,
// simulating a lost race against a concurrent writer.
type conflictOnCreateTree struct {
	*fakeTree
}

func (c *conflictOnCreateTree) CreateNode(_ context.Context, n *model.Node) error {
	if n.Name == "g.txt" {
		return model.ErrNameConflict
	}
	return c.fakeTree.CreateNode(context.Background(), n)
}

func TestUploadNameConflict(t *testing.T) {
	e, _, _, _ := newTestEngine(1 << 20)
	ctx := context.Background()

	_, err := e.Upload(ctx, "alice", nil, "f.txt", "", 3, strings.NewReader("abc"))
	require.NoError(t, err)
	_, err = e.Upload(ctx, "alice", nil, "f.txt", "", 3, strings.NewReader("abc"))
	assert.ErrorIs(t, err, model.ErrNameConflict)
}

func TestUploadInvalidNames(t *testing.T) {
	e, _, _, _ := newTestEngine(1 << 20)
	ctx := context.Background()

	for _, name := range []string{"", ".", "..", "a/b", "x\x00y", strings.Repeat("n", 256)} {
		_, err := e.Upload(ctx, "alice", nil, name, "", 1, strings.NewReader("x"))
		assert.ErrorIs(t, err, model.ErrInvalidName, "name %q", name)
	}
}

func TestUploadIntoMissingParent(t *testing.T) {
	e, _, _, _ := newTestEngine(1 << 20)
	ctx := context.Background()

	missing := "no-such-id"
	_, err := e.Upload(ctx, "alice", &missing, "f.txt", "", 1, strings.NewReader("x"))
	assert.ErrorIs(t, err, model.ErrParentNotFound)
}

func TestUploadIntoFileParent(t *testing.T) {
	e, _, _, _ := newTestEngine(1 << 20)
	ctx := context.Background()

	f, err := e.Upload(ctx, "alice", nil, "f.txt", "", 1, strings.NewReader("x"))
	require.NoError(t, err)

	_, err = e.Upload(ctx, "alice", &f.ID, "g.txt", "", 1, strings.NewReader("y"))
	assert.ErrorIs(t, err, model.ErrParentNotFound)
}

func TestSameNameDifferentFoldersAllowed(t *testing.T) {
	e, _, _, _ := newTestEngine(1 << 20)
	ctx := context.Background()

	a, err := e.CreateFolder(ctx, "alice", nil, "a")
	require.NoError(t, err)
	b, err := e.CreateFolder(ctx, "alice", nil, "b")
	require.NoError(t, err)

	_, err = e.Upload(ctx, "alice", &a.ID, "f.txt", "", 1, strings.NewReader("x"))
	require.NoError(t, err)
	_, err = e.Upload(ctx, "alice", &b.ID, "f.txt", "", 1, strings.NewReader("y"))
	require.NoError(t, err)
}

func TestTenantIsolation(t *testing.T) {
	e, _, _, _ := newTestEngine(1 << 20)
	ctx := context.Background()

	node, err := e.Upload(ctx, "alice", nil, "secret.txt", "", 3, strings.NewReader("shh"))
	require.NoError(t, err)

	_, _, _, err = e.Download(ctx, "bob", node.ID, 0, 0)
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = e.Rename(ctx, "bob", node.ID, "stolen.txt")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Bob can reuse the name alice holds.
	_, err = e.Upload(ctx, "bob", nil, "secret.txt", "", 3, strings.NewReader("own"))
	require.NoError(t, err)
}

func TestDownloadFolderRejected(t *testing.T) {
	e, _, _, _ := newTestEngine(1 << 20)
	ctx := context.Background()

	folder, err := e.CreateFolder(ctx, "alice", nil, "docs")
	require.NoError(t, err)

	_, _, _, err = e.Download(ctx, "alice", folder.ID, 0, 0)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPresignDownload(t *testing.T) {
	e, _, _, _ := newTestEngine(1 << 20)
	ctx := context.Background()

	node, err := e.Upload(ctx, "alice", nil, "f.txt", "", 1, strings.NewReader("x"))
	require.NoError(t, err)

	url, err := e.PresignDownload(ctx, "alice", node.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example/"+node.StorageKey, url)
}

func TestUsage(t *testing.T) {
	e, _, _, _ := newTestEngine(100)
	ctx := context.Background()

	_, err := e.Upload(ctx, "alice", nil, "f.txt", "", 25, strings.NewReader(strings.Repeat("x", 25)))
	require.NoError(t, err)

	u, err := e.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(25), u.Used)
	assert.Equal(t, int64(100), u.Limit)
	assert.InDelta(t, 25.0, u.Percent, 0.001)
}

func TestListAndSearch(t *testing.T) {
	e, _, _, _ := newTestEngine(1 << 20)
	ctx := context.Background()

	folder, err := e.CreateFolder(ctx, "alice", nil, "docs")
	require.NoError(t, err)
	_, err = e.Upload(ctx, "alice", &folder.ID, "report-2026.pdf", "", 1, strings.NewReader("x"))
	require.NoError(t, err)
	_, err = e.Upload(ctx, "alice", nil, "readme.md", "", 1, strings.NewReader("y"))
	require.NoError(t, err)

	root, err := e.List(ctx, "alice", nil, model.FilterAll)
	require.NoError(t, err)
	assert.Len(t, root, 2)

	inDocs, err := e.List(ctx, "alice", &folder.ID, model.FilterAll)
	require.NoError(t, err)
	require.Len(t, inDocs, 1)
	assert.Equal(t, "report-2026.pdf", inDocs[0].Name)

	found, err := e.Search(ctx, "alice", "REPORT")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "report-2026.pdf", found[0].Name)

	none, err := e.Search(ctx, "alice", "   ")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearchOrdersByRecency(t *testing.T) {
	e, tree, _, _ := newTestEngine(1 << 20)
	ctx := context.Background()

	older, err := e.Upload(ctx, "alice", nil, "report-jan.pdf", "", 1, strings.NewReader("a"))
	require.NoError(t, err)
	newer, err := e.Upload(ctx, "alice", nil, "report-feb.pdf", "", 1, strings.NewReader("b"))
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	tree.mu.Lock()
	tree.nodes[older.ID].UpdatedAt = past
	tree.mu.Unlock()

	found, err := e.Search(ctx, "alice", "report")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, newer.ID, found[0].ID)
	assert.Equal(t, older.ID, found[1].ID)
}
