package mcp

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/storage"
	"github.com/ry-ht/cogcore/internal/vfs"
)

func newTestEnv(t *testing.T) (*storage.Gateway, *vfs.FS) {
	t.Helper()
	docs, err := storage.OpenSQLiteStore(filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	gw := storage.NewGateway(docs, nil, 5, time.Second, nil)
	blobs, err := storage.OpenBlobStore(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })
	return gw, vfs.New(gw, blobs)
}

func TestWorkspaceCreateGetListArchive(t *testing.T) {
	gw, fs := newTestEnv(t)
	r := NewRegistry()
	RegisterWorkspaceTools(r, gw, fs)
	ctx := context.Background()

	created, err := r.Execute(ctx, "workspace_create", "caller", map[string]interface{}{"name": "alpha"})
	require.NoError(t, err)
	ws := created.(Workspace)
	assert.Equal(t, "alpha", ws.Name)

	fetched, err := r.Execute(ctx, "workspace_get", "caller", map[string]interface{}{"workspace_id": string(ws.ID)})
	require.NoError(t, err)
	assert.Equal(t, ws.ID, fetched.(Workspace).ID)

	listed, err := r.Execute(ctx, "workspace_list", "caller", map[string]interface{}{})
	require.NoError(t, err)
	assert.Len(t, listed.([]Workspace), 1)

	archived, err := r.Execute(ctx, "workspace_archive", "caller", map[string]interface{}{"workspace_id": string(ws.ID)})
	require.NoError(t, err)
	assert.True(t, archived.(Workspace).Archived)

	listedAfterArchive, err := r.Execute(ctx, "workspace_list", "caller", map[string]interface{}{})
	require.NoError(t, err)
	assert.Len(t, listedAfterArchive.([]Workspace), 0)

	listedWithArchived, err := r.Execute(ctx, "workspace_list", "caller", map[string]interface{}{"include_archived": true})
	require.NoError(t, err)
	assert.Len(t, listedWithArchived.([]Workspace), 1)
}

func TestWorkspaceForkCopiesNodes(t *testing.T) {
	gw, fs := newTestEnv(t)
	r := NewRegistry()
	RegisterWorkspaceTools(r, gw, fs)
	ctx := context.Background()

	created, err := r.Execute(ctx, "workspace_create", "caller", map[string]interface{}{"name": "source"})
	require.NoError(t, err)
	source := created.(Workspace)

	_, err = fs.CreateFile(ctx, source.ID, "a.txt", []byte("hello"))
	require.NoError(t, err)

	result, err := r.Execute(ctx, "workspace_fork", "caller", map[string]interface{}{
		"source_id": string(source.ID),
		"name":      "fork-of-source",
	})
	require.NoError(t, err)
	out := result.(map[string]interface{})
	assert.Equal(t, 1, out["nodes_copied"])
}

func TestWorkspaceDeleteRemovesRecord(t *testing.T) {
	gw, fs := newTestEnv(t)
	r := NewRegistry()
	RegisterWorkspaceTools(r, gw, fs)
	ctx := context.Background()

	created, err := r.Execute(ctx, "workspace_create", "caller", map[string]interface{}{"name": "to-delete"})
	require.NoError(t, err)
	ws := created.(Workspace)

	_, err = r.Execute(ctx, "workspace_delete", "caller", map[string]interface{}{"workspace_id": string(ws.ID)})
	require.NoError(t, err)

	_, err = r.Execute(ctx, "workspace_get", "caller", map[string]interface{}{"workspace_id": string(ws.ID)})
	assert.Error(t, err)
}
