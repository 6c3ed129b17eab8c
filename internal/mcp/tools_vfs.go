package mcp

import (
	"context"
	"fmt"

	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/vfs"
)

func wsID(args map[string]interface{}) ids.WorkspaceID {
	id, _ := args["workspace_id"].(string)
	return ids.WorkspaceID(id)
}

func strArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func intArg(args map[string]interface{}, key string) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}

// RegisterVFSTools wires the virtual filesystem tool group directly onto
// the existing vfs.FS method surface, which already matches spec.md's list
// almost exactly. "file history" has no distinct version log in this
// module's vfs tier (a node IS its current version), so vfs_file_history
// returns the current node only, which is what the spec itself allows when
// history tracking is disabled.
func RegisterVFSTools(r *Registry, fs *vfs.FS) {
	r.Register(Tool{
		Name: "vfs_get", Group: "vfs", Description: "Get a node by path.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"path":         {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			return fs.Get(ctx, wsID(args), strArg(args, "path"))
		},
	})

	r.Register(Tool{
		Name: "vfs_get_by_id", Group: "vfs", Description: "Get a node by its id.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"node_id":      {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			return fs.GetByID(ctx, wsID(args), ids.NodeID(strArg(args, "node_id")))
		},
	})

	r.Register(Tool{
		Name: "vfs_exists", Group: "vfs", Description: "Check whether a node exists at path.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"path":         {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			ok, err := fs.Exists(ctx, wsID(args), strArg(args, "path"))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"exists": ok}, nil
		},
	})

	r.Register(Tool{
		Name: "vfs_list", Group: "vfs", Description: "List the direct children of a directory.",
		Parameters: map[string]Parameter{
			"workspace_id":  {Type: "string", Required: true},
			"path":          {Type: "string", Required: true},
			"kind":          {Type: "string", Description: "file | directory | symlink"},
			"name_contains": {Type: "string"},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			filter := vfs.ListFilter{Kind: vfs.Kind(strArg(args, "kind")), NameContains: strArg(args, "name_contains")}
			return fs.List(ctx, wsID(args), strArg(args, "path"), filter)
		},
	})

	r.Register(Tool{
		Name: "vfs_create_file", Group: "vfs", Description: "Create a new file with the given content.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"path":         {Type: "string", Required: true},
			"content":      {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			return fs.CreateFile(ctx, wsID(args), strArg(args, "path"), []byte(strArg(args, "content")))
		},
	})

	r.Register(Tool{
		Name: "vfs_update_file", Group: "vfs", Description: "Overwrite a file's content, optimistically checked against its current version.",
		Parameters: map[string]Parameter{
			"workspace_id":     {Type: "string", Required: true},
			"path":             {Type: "string", Required: true},
			"content":          {Type: "string", Required: true},
			"expected_version": {Type: "number"},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			return fs.UpdateFile(ctx, wsID(args), strArg(args, "path"), []byte(strArg(args, "content")), int64(intArg(args, "expected_version")))
		},
	})

	r.Register(Tool{
		Name: "vfs_batch_create_files", Group: "vfs", Description: "Create multiple files independently; one failure does not abort the rest.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"files":        {Type: "object", Description: "Map of path to content", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			filesArg, _ := args["files"].(map[string]interface{})
			creates := make([]vfs.FileCreate, 0, len(filesArg))
			for p, v := range filesArg {
				content, _ := v.(string)
				creates = append(creates, vfs.FileCreate{Path: p, Content: []byte(content)})
			}
			return fs.BatchCreateFiles(ctx, wsID(args), creates), nil
		},
	})

	r.Register(Tool{
		Name: "vfs_create_directory", Group: "vfs", Description: "Create a directory.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"path":         {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			return fs.CreateDirectory(ctx, wsID(args), strArg(args, "path"))
		},
	})

	r.Register(Tool{
		Name: "vfs_symlink", Group: "vfs", Description: "Create a symlink node pointing at target.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"path":         {Type: "string", Required: true},
			"target":       {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			return fs.Symlink(ctx, wsID(args), strArg(args, "path"), strArg(args, "target"))
		},
	})

	r.Register(Tool{
		Name: "vfs_delete", Group: "vfs", Description: "Delete a node, optionally recursively.",
		Parameters: map[string]Parameter{
			"workspace_id":     {Type: "string", Required: true},
			"path":             {Type: "string", Required: true},
			"recursive":        {Type: "boolean"},
			"expected_version": {Type: "number"},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			n, err := fs.Delete(ctx, wsID(args), strArg(args, "path"), boolArg(args, "recursive"), int64(intArg(args, "expected_version")))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"deleted": n}, nil
		},
	})

	r.Register(Tool{
		Name: "vfs_move", Group: "vfs", Description: "Move (rename) a node.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"source":       {Type: "string", Required: true},
			"destination":  {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			return fs.Move(ctx, wsID(args), strArg(args, "source"), strArg(args, "destination"))
		},
	})

	r.Register(Tool{
		Name: "vfs_copy", Group: "vfs", Description: "Copy a node, sharing file content by reference.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"source":       {Type: "string", Required: true},
			"destination":  {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			return fs.Copy(ctx, wsID(args), strArg(args, "source"), strArg(args, "destination"))
		},
	})

	r.Register(Tool{
		Name: "vfs_search", Group: "vfs", Description: "Search files by path glob, content substring, language, and subtree scope.",
		Parameters: map[string]Parameter{
			"workspace_id":   {Type: "string", Required: true},
			"pattern":        {Type: "string"},
			"content_query":  {Type: "string"},
			"language":       {Type: "string"},
			"base":           {Type: "string"},
			"case_sensitive": {Type: "boolean"},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			req := vfs.SearchRequest{
				Pattern:       strArg(args, "pattern"),
				ContentQuery:  strArg(args, "content_query"),
				Language:      strArg(args, "language"),
				Base:          strArg(args, "base"),
				CaseSensitive: boolArg(args, "case_sensitive"),
			}
			return fs.Search(ctx, wsID(args), req)
		},
	})

	r.Register(Tool{
		Name: "vfs_tree", Group: "vfs", Description: "Walk the subtree rooted at path.",
		Parameters: map[string]Parameter{
			"workspace_id":  {Type: "string", Required: true},
			"path":          {Type: "string", Required: true},
			"max_depth":     {Type: "number"},
			"include_files": {Type: "boolean"},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			return fs.Tree(ctx, wsID(args), strArg(args, "path"), intArg(args, "max_depth"), boolArg(args, "include_files"))
		},
	})

	r.Register(Tool{
		Name: "vfs_stats", Group: "vfs", Description: "Summarize file/directory/symlink counts, total size, and language breakdown under path.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"path":         {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			return fs.Stats(ctx, wsID(args), strArg(args, "path"))
		},
	})

	r.Register(Tool{
		Name: "vfs_file_history", Group: "vfs", Description: "Return a file's version history. This module tracks only the current version per node, so this returns a single-entry history.",
		Parameters: map[string]Parameter{
			"workspace_id": {Type: "string", Required: true},
			"path":         {Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error) {
			n, err := fs.Get(ctx, wsID(args), strArg(args, "path"))
			if err != nil {
				return nil, fmt.Errorf("vfs_file_history: %w", err)
			}
			return []interface{}{n}, nil
		},
	})
}
