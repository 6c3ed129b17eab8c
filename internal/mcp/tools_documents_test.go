package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentCreateUpdateLinkRelated(t *testing.T) {
	gw, _ := newTestEnv(t)
	r := NewRegistry()
	RegisterDocumentTools(r, gw)
	ctx := context.Background()

	created, err := r.Execute(ctx, "document_create", "caller", map[string]interface{}{
		"workspace_id": "ws1", "title": "Design Notes",
	})
	require.NoError(t, err)
	doc := created.(Document)

	other, err := r.Execute(ctx, "document_create", "caller", map[string]interface{}{
		"workspace_id": "ws1", "title": "Appendix",
	})
	require.NoError(t, err)
	otherDoc := other.(Document)

	updated, err := r.Execute(ctx, "document_update", "caller", map[string]interface{}{
		"workspace_id": "ws1", "document_id": doc.ID,
		"sections": []interface{}{map[string]interface{}{"heading": "Intro", "body": "text"}},
	})
	require.NoError(t, err)
	assert.Len(t, updated.(Document).Sections, 1)

	_, err = r.Execute(ctx, "document_link", "caller", map[string]interface{}{
		"workspace_id": "ws1", "document_id": doc.ID, "target_id": otherDoc.ID,
	})
	require.NoError(t, err)

	related, err := r.Execute(ctx, "document_related", "caller", map[string]interface{}{
		"workspace_id": "ws1", "document_id": doc.ID,
	})
	require.NoError(t, err)
	relatedDocs := related.([]Document)
	require.Len(t, relatedDocs, 1)
	assert.Equal(t, otherDoc.ID, relatedDocs[0].ID)
}

func TestDocumentSearchCloneStats(t *testing.T) {
	gw, _ := newTestEnv(t)
	r := NewRegistry()
	RegisterDocumentTools(r, gw)
	ctx := context.Background()

	created, err := r.Execute(ctx, "document_create", "caller", map[string]interface{}{
		"workspace_id": "ws1", "title": "Runbook",
	})
	require.NoError(t, err)
	doc := created.(Document)

	found, err := r.Execute(ctx, "document_search", "caller", map[string]interface{}{
		"workspace_id": "ws1", "query": "run",
	})
	require.NoError(t, err)
	assert.Len(t, found.([]Document), 1)

	cloned, err := r.Execute(ctx, "document_clone", "caller", map[string]interface{}{
		"workspace_id": "ws1", "document_id": doc.ID,
	})
	require.NoError(t, err)
	assert.NotEqual(t, doc.ID, cloned.(Document).ID)

	stats, err := r.Execute(ctx, "document_stats", "caller", map[string]interface{}{"workspace_id": "ws1"})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.(map[string]interface{})["documents"])
}

func TestDocumentDeleteRemovesRecord(t *testing.T) {
	gw, _ := newTestEnv(t)
	r := NewRegistry()
	RegisterDocumentTools(r, gw)
	ctx := context.Background()

	created, err := r.Execute(ctx, "document_create", "caller", map[string]interface{}{
		"workspace_id": "ws1", "title": "Temp",
	})
	require.NoError(t, err)
	doc := created.(Document)

	_, err = r.Execute(ctx, "document_delete", "caller", map[string]interface{}{
		"workspace_id": "ws1", "document_id": doc.ID,
	})
	require.NoError(t, err)

	_, err = r.Execute(ctx, "document_get", "caller", map[string]interface{}{
		"workspace_id": "ws1", "document_id": doc.ID,
	})
	assert.Error(t, err)
}
