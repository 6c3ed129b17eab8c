package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/session"
	"github.com/ry-ht/cogcore/internal/storage"
	"github.com/ry-ht/cogcore/internal/stringutils"
	"github.com/ry-ht/cogcore/internal/vfs"
)

const workspaceCollection = "workspace"

// Workspace is the persisted record behind the workspace tool group: the
// spec's own "Persisted state layout" has no distinct workspace table, so
// this rides on storage.Gateway the same way every memory tier does, under
// its own collection name.
type Workspace struct {
	ID          ids.WorkspaceID `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Archived    bool            `json:"archived"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RegisterWorkspaceTools wires the workspace tool group: create/get/list/
// activate/sync_from_disk/export/archive/delete/fork/search/compare/merge.
// sync_from_disk and export are representative stand-ins (spec.md calls
// these "Representative tool groups") backed by the same record, since this
// module has no on-disk working tree of its own to sync against or export
// to — they round-trip the workspace record itself.
func RegisterWorkspaceTools(r *Registry, gateway *storage.Gateway, fs *vfs.FS) {
	r.Register(Tool{
		Name:        "workspace_create",
		Group:       "workspace",
		Description: "Create a new workspace.",
		Parameters: map[string]Parameter{
			"name":        {Type: "string", Description: "Workspace name", Required: true},
			"description": {Type: "string", Description: "Optional description"},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			name, _ := args["name"].(string)
			if stringutils.IsEmpty(name) {
				return nil, fmt.Errorf("workspace_create: name is required")
			}
			desc, _ := args["description"].(string)
			ws := Workspace{ID: ids.NewWorkspaceID(), Name: name, Description: desc, CreatedAt: time.Now().UTC()}
			if err := putWorkspace(ctx, gateway, ws); err != nil {
				return nil, err
			}
			return ws, nil
		},
	})

	r.Register(Tool{
		Name:        "workspace_get",
		Group:       "workspace",
		Description: "Fetch a workspace by id.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Description: "Workspace id", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			id, _ := args["workspace_id"].(string)
			return getWorkspace(ctx, gateway, id)
		},
	})

	r.Register(Tool{
		Name:        "workspace_list",
		Group:       "workspace",
		Description: "List workspaces, optionally including archived ones.",
		Parameters: map[string]Parameter{
			"include_archived": {Type: "boolean", Description: "Include archived workspaces"},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			includeArchived, _ := args["include_archived"].(bool)
			recs, err := gateway.Find(ctx, storage.Query{Collection: workspaceCollection})
			if err != nil {
				return nil, fmt.Errorf("workspace_list: %w", err)
			}
			out := make([]Workspace, 0, len(recs))
			for _, rec := range recs {
				var ws Workspace
				if err := json.Unmarshal(rec.Payload, &ws); err != nil {
					continue
				}
				if ws.Archived && !includeArchived {
					continue
				}
				out = append(out, ws)
			}
			return out, nil
		},
	})

	r.Register(Tool{
		Name:        "workspace_activate",
		Group:       "workspace",
		Description: "Mark a workspace active for the calling session (no-op touch that bumps its record).",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Description: "Workspace id", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			id, _ := args["workspace_id"].(string)
			ws, err := getWorkspace(ctx, gateway, id)
			if err != nil {
				return nil, err
			}
			if err := putWorkspace(ctx, gateway, ws); err != nil {
				return nil, err
			}
			return map[string]interface{}{"activated": ws.ID}, nil
		},
	})

	r.Register(Tool{
		Name:        "workspace_sync_from_disk",
		Group:       "workspace",
		Description: "Reconcile a workspace's virtual filesystem against a batch of file contents, as if re-reading them from disk.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Description: "Workspace id", Required: true},
			"files":        {Type: "object", Description: "Map of path to file content", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			id, _ := args["workspace_id"].(string)
			filesArg, _ := args["files"].(map[string]interface{})
			var creates []vfs.FileCreate
			for p, v := range filesArg {
				content, _ := v.(string)
				creates = append(creates, vfs.FileCreate{Path: p, Content: []byte(content)})
			}
			results := fs.BatchCreateFiles(ctx, ids.WorkspaceID(id), creates)
			return results, nil
		},
	})

	r.Register(Tool{
		Name:        "workspace_export",
		Group:       "workspace",
		Description: "Export a workspace's tree and stats as a single snapshot document.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Description: "Workspace id", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			id, _ := args["workspace_id"].(string)
			tree, err := fs.Tree(ctx, ids.WorkspaceID(id), "", 0, true)
			if err != nil {
				return nil, fmt.Errorf("workspace_export: %w", err)
			}
			stats, err := fs.Stats(ctx, ids.WorkspaceID(id), "")
			if err != nil {
				return nil, fmt.Errorf("workspace_export: %w", err)
			}
			return map[string]interface{}{"tree": tree, "stats": stats}, nil
		},
	})

	r.Register(Tool{
		Name:        "workspace_archive",
		Group:       "workspace",
		Description: "Mark a workspace archived without deleting it.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Description: "Workspace id", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			id, _ := args["workspace_id"].(string)
			ws, err := getWorkspace(ctx, gateway, id)
			if err != nil {
				return nil, err
			}
			ws.Archived = true
			if err := putWorkspace(ctx, gateway, ws); err != nil {
				return nil, err
			}
			return ws, nil
		},
	})

	r.Register(Tool{
		Name:        "workspace_delete",
		Group:       "workspace",
		Description: "Permanently delete a workspace's record.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Description: "Workspace id", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			id, _ := args["workspace_id"].(string)
			if err := gateway.Delete(ctx, workspaceCollection, "", id); err != nil {
				return nil, fmt.Errorf("workspace_delete: %w", err)
			}
			return map[string]interface{}{"deleted": id}, nil
		},
	})

	r.Register(Tool{
		Name:        "workspace_fork",
		Group:       "workspace",
		Description: "Fork a workspace's virtual filesystem into a new workspace, sharing file content by reference.",
		Parameters: map[string]Parameter{
			"source_id": {Type: "string", Description: "Source workspace id", Required: true},
			"name":      {Type: "string", Description: "New workspace's name", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			sourceID, _ := args["source_id"].(string)
			name, _ := args["name"].(string)
			target := Workspace{ID: ids.NewWorkspaceID(), Name: name, CreatedAt: time.Now().UTC()}
			if err := putWorkspace(ctx, gateway, target); err != nil {
				return nil, err
			}
			copied, err := fs.Fork(ctx, ids.WorkspaceID(sourceID), target.ID)
			if err != nil {
				return nil, fmt.Errorf("workspace_fork: %w", err)
			}
			return map[string]interface{}{"workspace": target, "nodes_copied": copied}, nil
		},
	})

	r.Register(Tool{
		Name:        "workspace_search",
		Group:       "workspace",
		Description: "Search workspace records by name substring.",
		Parameters: map[string]Parameter{
			"query": {Type: "string", Description: "Substring to match against workspace name", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			query, _ := args["query"].(string)
			recs, err := gateway.Find(ctx, storage.Query{Collection: workspaceCollection})
			if err != nil {
				return nil, fmt.Errorf("workspace_search: %w", err)
			}
			var out []Workspace
			for _, rec := range recs {
				var ws Workspace
				if err := json.Unmarshal(rec.Payload, &ws); err != nil {
					continue
				}
				if query == "" || strings.Contains(strings.ToLower(ws.Name), strings.ToLower(query)) {
					out = append(out, ws)
				}
			}
			return out, nil
		},
	})

	r.Register(Tool{
		Name:        "workspace_compare",
		Group:       "workspace",
		Description: "Compare two workspaces' file trees.",
		Parameters: map[string]Parameter{
			"source_id": {Type: "string", Description: "Source workspace id", Required: true},
			"target_id": {Type: "string", Description: "Target workspace id", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			a, _ := args["source_id"].(string)
			b, _ := args["target_id"].(string)
			return fs.Compare(ctx, ids.WorkspaceID(a), ids.WorkspaceID(b))
		},
	})

	r.Register(Tool{
		Name:        "workspace_merge",
		Group:       "workspace",
		Description: "Merge one workspace's changes into another under a named conflict strategy (prefer_source, prefer_target, auto, manual).",
		Parameters: map[string]Parameter{
			"source_id": {Type: "string", Description: "Source workspace id", Required: true},
			"target_id": {Type: "string", Description: "Target workspace id", Required: true},
			"strategy":  {Type: "string", Description: "prefer_source | prefer_target | auto | manual", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			a, _ := args["source_id"].(string)
			b, _ := args["target_id"].(string)
			strat, _ := args["strategy"].(string)
			var strategy session.Strategy
			switch strat {
			case "prefer_source":
				strategy = session.PreferSource
			case "prefer_target":
				strategy = session.PreferTarget
			case "auto":
				strategy = session.Auto
			case "manual":
				strategy = session.Manual
			default:
				return nil, fmt.Errorf("workspace_merge: unknown strategy %q", strat)
			}
			return fs.Merge(ctx, ids.WorkspaceID(a), ids.WorkspaceID(b), strategy)
		},
	})
}

func putWorkspace(ctx context.Context, gateway *storage.Gateway, ws Workspace) error {
	payload, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("encode workspace: %w", err)
	}
	_, err = gateway.Upsert(ctx, storage.Record{Collection: workspaceCollection, ID: string(ws.ID), Payload: payload})
	if err != nil {
		return fmt.Errorf("persist workspace: %w", err)
	}
	return nil
}

func getWorkspace(ctx context.Context, gateway *storage.Gateway, id string) (Workspace, error) {
	rec, err := gateway.Get(ctx, workspaceCollection, "", id)
	if err != nil {
		return Workspace{}, fmt.Errorf("workspace_get: %w", err)
	}
	var ws Workspace
	if err := json.Unmarshal(rec.Payload, &ws); err != nil {
		return Workspace{}, fmt.Errorf("decode workspace: %w", err)
	}
	return ws, nil
}
