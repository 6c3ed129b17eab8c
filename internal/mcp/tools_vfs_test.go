package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/vfs"
)

func TestVFSCreateGetUpdateDeleteFile(t *testing.T) {
	_, fs := newTestEnv(t)
	r := NewRegistry()
	RegisterVFSTools(r, fs)
	ctx := context.Background()
	workspaceID := string(ids.NewWorkspaceID())

	created, err := r.Execute(ctx, "vfs_create_file", "caller", map[string]interface{}{
		"workspace_id": workspaceID, "path": "a.txt", "content": "hello",
	})
	require.NoError(t, err)
	node := created.(vfs.Node)
	assert.Equal(t, "a.txt", node.Path)

	fetched, err := r.Execute(ctx, "vfs_get", "caller", map[string]interface{}{
		"workspace_id": workspaceID, "path": "a.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, node.ID, fetched.(vfs.Node).ID)

	updated, err := r.Execute(ctx, "vfs_update_file", "caller", map[string]interface{}{
		"workspace_id": workspaceID, "path": "a.txt", "content": "world", "expected_version": float64(node.Version),
	})
	require.NoError(t, err)
	assert.NotEqual(t, node.ContentHash, updated.(vfs.Node).ContentHash)

	deleted, err := r.Execute(ctx, "vfs_delete", "caller", map[string]interface{}{
		"workspace_id": workspaceID, "path": "a.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted.(map[string]interface{})["deleted"])
}

func TestVFSSearchAndStats(t *testing.T) {
	_, fs := newTestEnv(t)
	r := NewRegistry()
	RegisterVFSTools(r, fs)
	ctx := context.Background()
	workspaceID := string(ids.NewWorkspaceID())

	_, err := r.Execute(ctx, "vfs_create_file", "caller", map[string]interface{}{
		"workspace_id": workspaceID, "path": "main.go", "content": "package main",
	})
	require.NoError(t, err)
	_, err = r.Execute(ctx, "vfs_create_file", "caller", map[string]interface{}{
		"workspace_id": workspaceID, "path": "readme.md", "content": "docs",
	})
	require.NoError(t, err)

	found, err := r.Execute(ctx, "vfs_search", "caller", map[string]interface{}{
		"workspace_id": workspaceID, "language": "go",
	})
	require.NoError(t, err)
	assert.Len(t, found.([]vfs.Node), 1)

	stats, err := r.Execute(ctx, "vfs_stats", "caller", map[string]interface{}{
		"workspace_id": workspaceID, "path": "",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.(vfs.Stats).Files)
}

func TestVFSBatchCreateFilesToleratesPartialFailure(t *testing.T) {
	_, fs := newTestEnv(t)
	r := NewRegistry()
	RegisterVFSTools(r, fs)
	ctx := context.Background()
	workspaceID := string(ids.NewWorkspaceID())

	result, err := r.Execute(ctx, "vfs_batch_create_files", "caller", map[string]interface{}{
		"workspace_id": workspaceID,
		"files":        map[string]interface{}{"x.txt": "1", "y/z.txt": "2"},
	})
	require.NoError(t, err)
	results := result.([]vfs.BatchResult)
	assert.Len(t, results, 2)

	var failed, ok int
	for _, res := range results {
		if res.Error != nil {
			failed++
		} else {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
}
