package vfs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/session"
	"github.com/ry-ht/cogcore/internal/storage"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	docs, err := storage.OpenSQLiteStore(filepath.Join(t.TempDir(), "vfs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	gw := storage.NewGateway(docs, nil, 5, time.Second, nil)
	blobs, err := storage.OpenBlobStore(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })
	return New(gw, blobs)
}

func TestCreateReadUpdateFile(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	ws := ids.WorkspaceID("ws")

	_, err := fs.CreateDirectory(ctx, ws, "src")
	require.NoError(t, err)
	n, err := fs.CreateFile(ctx, ws, "src/main.go", []byte("package main"))
	require.NoError(t, err)
	assert.Equal(t, "src", n.ParentPath)

	_, err = fs.CreateFile(ctx, ws, "src/main.go", []byte("dup"))
	assert.ErrorIs(t, err, coreerr.ErrAlreadyExists)

	content, err := fs.ReadFile(ctx, ws, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main", string(content))

	_, err = fs.UpdateFile(ctx, ws, "src/main.go", []byte("package main\n"), n.Version+1)
	assert.ErrorIs(t, err, coreerr.ErrVersionConflict)

	updated, err := fs.UpdateFile(ctx, ws, "src/main.go", []byte("package main\n"), n.Version)
	require.NoError(t, err)
	content, err = fs.ReadFile(ctx, ws, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(content))
	assert.NotEqual(t, n.ContentHash, updated.ContentHash)
}

func TestCreateFileRequiresParentDirectory(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	ws := ids.WorkspaceID("ws")

	_, err := fs.CreateFile(ctx, ws, "missing/parent.go", []byte("x"))
	assert.ErrorIs(t, err, coreerr.ErrNotFound)

	_, err = fs.CreateDirectory(ctx, ws, "missing")
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, ws, "missing/parent.go", []byte("x"))
	require.NoError(t, err)
}

func TestDeleteDirectoryRequiresRecursiveWhenNonEmpty(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	ws := ids.WorkspaceID("ws")

	_, err := fs.CreateDirectory(ctx, ws, "dir")
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, ws, "dir/a.txt", []byte("a"))
	require.NoError(t, err)

	_, err = fs.Delete(ctx, ws, "dir", false, 0)
	assert.ErrorIs(t, err, coreerr.ErrInvalidQuery)

	n, err := fs.Delete(ctx, ws, "dir", true, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	exists, err := fs.Exists(ctx, ws, "dir/a.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCopySharesContentAndMoveRemovesSource(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	ws := ids.WorkspaceID("ws")

	orig, err := fs.CreateFile(ctx, ws, "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, fs.blobs.RefCount(orig.ContentHash))

	cp, err := fs.Copy(ctx, ws, "a.txt", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, orig.ContentHash, cp.ContentHash)
	assert.Equal(t, 2, fs.blobs.RefCount(orig.ContentHash))

	moved, err := fs.Move(ctx, ws, "b.txt", "c.txt")
	require.NoError(t, err)
	assert.Equal(t, orig.ContentHash, moved.ContentHash)
	exists, err := fs.Exists(ctx, ws, "b.txt")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 2, fs.blobs.RefCount(orig.ContentHash))
}

func TestSearchByPatternAndContent(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	ws := ids.WorkspaceID("ws")

	_, err := fs.CreateDirectory(ctx, ws, "src")
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, ws, "src/main.go", []byte("func main() {}"))
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, ws, "README.md", []byte("docs"))
	require.NoError(t, err)

	results, err := fs.Search(ctx, ws, SearchRequest{Pattern: "src/**/*.go"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "src/main.go", results[0].Path)

	results, err = fs.Search(ctx, ws, SearchRequest{ContentQuery: "FUNC", CaseSensitive: false})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "src/main.go", results[0].Path)

	results, err = fs.Search(ctx, ws, SearchRequest{Language: "markdown"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "README.md", results[0].Path)
}

func TestTreeAndStats(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	ws := ids.WorkspaceID("ws")

	_, err := fs.CreateDirectory(ctx, ws, "src")
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, ws, "src/a.go", []byte("package a"))
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, ws, "src/b.go", []byte("package b"))
	require.NoError(t, err)

	tree, err := fs.Tree(ctx, ws, "", 0, true)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Len(t, tree.Children[0].Children, 2)

	stats, err := fs.Stats(ctx, ws, "")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 1, stats.Directories)
	assert.Equal(t, 2, stats.ByLanguage["go"])
}

func TestForkCompareMerge(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	source := ids.WorkspaceID("source")
	target := ids.WorkspaceID("target")

	_, err := fs.CreateFile(ctx, source, "shared.json", []byte(`{"a":1}`))
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, source, "only-source.txt", []byte("s"))
	require.NoError(t, err)

	_, err = fs.Fork(ctx, source, target)
	require.NoError(t, err)

	// Diverge both sides after the fork.
	shared, err := fs.Get(ctx, target, "shared.json")
	require.NoError(t, err)
	_, err = fs.UpdateFile(ctx, target, "shared.json", []byte(`{"b":2}`), shared.Version)
	require.NoError(t, err)

	onlySource, err := fs.Get(ctx, source, "shared.json")
	require.NoError(t, err)
	_, err = fs.UpdateFile(ctx, source, "shared.json", []byte(`{"a":3}`), onlySource.Version)
	require.NoError(t, err)

	_, err = fs.CreateFile(ctx, source, "new.txt", []byte("n"))
	require.NoError(t, err)

	cmp, err := fs.Compare(ctx, source, target)
	require.NoError(t, err)
	assert.Contains(t, cmp.OnlyInSource, "new.txt")
	require.Len(t, cmp.Modified, 1)
	assert.Equal(t, "shared.json", cmp.Modified[0].Path)

	result, err := fs.Merge(ctx, source, target, session.Auto)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Merged)

	merged, err := fs.ReadFile(ctx, target, "shared.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":3,"b":2}`, string(merged))

	exists, err := fs.Exists(ctx, target, "new.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMergeManualSurfacesConflictOnNonJSON(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	source := ids.WorkspaceID("source")
	target := ids.WorkspaceID("target")

	_, err := fs.CreateFile(ctx, source, "a.txt", []byte("from source"))
	require.NoError(t, err)
	_, err = fs.Fork(ctx, source, target)
	require.NoError(t, err)

	sn, err := fs.Get(ctx, source, "a.txt")
	require.NoError(t, err)
	_, err = fs.UpdateFile(ctx, source, "a.txt", []byte("source edit"), sn.Version)
	require.NoError(t, err)

	tn, err := fs.Get(ctx, target, "a.txt")
	require.NoError(t, err)
	_, err = fs.UpdateFile(ctx, target, "a.txt", []byte("target edit"), tn.Version)
	require.NoError(t, err)

	_, err = fs.Merge(ctx, source, target, session.Manual)
	require.Error(t, err)
	var conflict *Conflict
	require.ErrorAs(t, err, &conflict)
	require.Len(t, conflict.Paths, 1)
	assert.Equal(t, "a.txt", conflict.Paths[0].Path)
}
