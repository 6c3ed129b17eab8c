// Package vfs implements the virtual filesystem contract of spec.md §4.11:
// node metadata addressed by workspace-relative path, backed by a
// storage.Gateway collection, with content stored by hash and refcounted in
// a storage.BlobStore. Grounded on internal/semantic's Gateway-collection
// style for node metadata and on the monitor's internal/git for the
// path-rooted, workspace-scoped idiom, generalized from an on-disk working
// tree to an in-memory-indexed one.
package vfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

const collection = "vfs_node"

// Kind distinguishes the three node types the tree may hold.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
	KindSymlink   Kind = "symlink"
)

// Node is one entry in a workspace's virtual filesystem tree. Version
// mirrors the storage.Record version bumped on every Upsert, which is what
// update_file and delete compare expected_version against.
type Node struct {
	ID            ids.NodeID
	WorkspaceID   ids.WorkspaceID
	Path          string
	ParentPath    string
	Kind          Kind
	ContentHash   string
	Size          int64
	SymlinkTarget string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FS is the virtual filesystem tier: a storage.Gateway-backed node table
// plus a content-addressed, refcounted blob store.
type FS struct {
	gateway *storage.Gateway
	blobs   *storage.BlobStore
}

// New builds an FS over gateway (node metadata) and blobs (file content).
func New(gateway *storage.Gateway, blobs *storage.BlobStore) *FS {
	return &FS{gateway: gateway, blobs: blobs}
}

// normalizePath cleans a caller-supplied path to a workspace-relative,
// slash-separated form with no leading slash; "" denotes the workspace
// root. Any path that would climb above the root fails
// ErrPathOutsideWorkspace.
func normalizePath(p string) (string, error) {
	p = strings.TrimPrefix(p, "/")
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("normalize path %q: %w", p, coreerr.ErrPathOutsideWorkspace)
	}
	return cleaned, nil
}

func parentOf(p string) string {
	d := path.Dir(p)
	if d == "." {
		return ""
	}
	return d
}

func (f *FS) findByPath(ctx context.Context, workspaceID ids.WorkspaceID, p string) (Node, error) {
	recs, err := f.gateway.Find(ctx, storage.Query{
		Collection:  collection,
		WorkspaceID: string(workspaceID),
		Filter:      map[string]any{"Path": p},
		Limit:       1,
	})
	if err != nil {
		return Node{}, fmt.Errorf("find node by path: %w", err)
	}
	if len(recs) == 0 {
		return Node{}, coreerr.ErrNotFound
	}
	return decodeNode(recs[0])
}

func decodeNode(rec storage.Record) (Node, error) {
	var n Node
	if err := json.Unmarshal(rec.Payload, &n); err != nil {
		return Node{}, fmt.Errorf("unmarshal node: %w", err)
	}
	n.Version = rec.Version
	n.CreatedAt = rec.CreatedAt
	n.UpdatedAt = rec.UpdatedAt
	return n, nil
}

func (f *FS) put(ctx context.Context, n Node) (Node, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return Node{}, fmt.Errorf("marshal node: %w", err)
	}
	version, err := f.gateway.Upsert(ctx, storage.Record{
		Collection:  collection,
		ID:          string(n.ID),
		WorkspaceID: string(n.WorkspaceID),
		Payload:     payload,
	})
	if err != nil {
		return Node{}, fmt.Errorf("persist node: %w", err)
	}
	n.Version = version
	return n, nil
}

func (f *FS) allNodes(ctx context.Context, workspaceID ids.WorkspaceID) ([]Node, error) {
	recs, err := f.gateway.Find(ctx, storage.Query{Collection: collection, WorkspaceID: string(workspaceID)})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	out := make([]Node, 0, len(recs))
	for _, rec := range recs {
		n, err := decodeNode(rec)
		if err == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

// Get returns the node at path. The workspace root ("") is a synthetic
// directory that always exists and is never itself persisted.
func (f *FS) Get(ctx context.Context, workspaceID ids.WorkspaceID, p string) (Node, error) {
	np, err := normalizePath(p)
	if err != nil {
		return Node{}, err
	}
	if np == "" {
		return Node{WorkspaceID: workspaceID, Kind: KindDirectory}, nil
	}
	return f.findByPath(ctx, workspaceID, np)
}

// GetByID returns the node with the given id.
func (f *FS) GetByID(ctx context.Context, workspaceID ids.WorkspaceID, id ids.NodeID) (Node, error) {
	rec, err := f.gateway.Get(ctx, collection, string(workspaceID), string(id))
	if err != nil {
		return Node{}, err
	}
	return decodeNode(rec)
}

// Exists reports whether a node is present at path.
func (f *FS) Exists(ctx context.Context, workspaceID ids.WorkspaceID, p string) (bool, error) {
	_, err := f.Get(ctx, workspaceID, p)
	if err == nil {
		return true, nil
	}
	if err == coreerr.ErrNotFound {
		return false, nil
	}
	return false, err
}

// ListFilter narrows List to entries matching Kind (if set) and whose name
// contains NameContains (if set).
type ListFilter struct {
	Kind         Kind
	NameContains string
}

// List returns the direct children of the directory at path (use "" for the
// workspace root).
func (f *FS) List(ctx context.Context, workspaceID ids.WorkspaceID, p string, filter ListFilter) ([]Node, error) {
	np, err := normalizePath(p)
	if err != nil {
		return nil, err
	}
	if np != "" {
		parent, err := f.findByPath(ctx, workspaceID, np)
		if err != nil {
			return nil, err
		}
		if parent.Kind != KindDirectory {
			return nil, fmt.Errorf("list %q: not a directory: %w", p, coreerr.ErrInvalidQuery)
		}
	}
	recs, err := f.gateway.Find(ctx, storage.Query{
		Collection:  collection,
		WorkspaceID: string(workspaceID),
		Filter:      map[string]any{"ParentPath": np},
	})
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	out := make([]Node, 0, len(recs))
	for _, rec := range recs {
		n, err := decodeNode(rec)
		if err != nil {
			continue
		}
		if filter.Kind != "" && n.Kind != filter.Kind {
			continue
		}
		if filter.NameContains != "" && !strings.Contains(path.Base(n.Path), filter.NameContains) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *FS) requireParentDir(ctx context.Context, workspaceID ids.WorkspaceID, np string) error {
	parent := parentOf(np)
	if parent == "" {
		return nil
	}
	n, err := f.findByPath(ctx, workspaceID, parent)
	if err != nil {
		return fmt.Errorf("parent of %q: %w", np, err)
	}
	if n.Kind != KindDirectory {
		return fmt.Errorf("parent of %q is not a directory: %w", np, coreerr.ErrInvalidQuery)
	}
	return nil
}

// CreateFile creates a new file at path with the given content. Fails
// ErrAlreadyExists if a node already occupies path.
func (f *FS) CreateFile(ctx context.Context, workspaceID ids.WorkspaceID, p string, content []byte) (Node, error) {
	np, err := normalizePath(p)
	if err != nil {
		return Node{}, err
	}
	if np == "" {
		return Node{}, fmt.Errorf("create file: %w", coreerr.ErrInvalidQuery)
	}
	if _, err := f.findByPath(ctx, workspaceID, np); err == nil {
		return Node{}, fmt.Errorf("create file %q: %w", np, coreerr.ErrAlreadyExists)
	} else if err != coreerr.ErrNotFound {
		return Node{}, err
	}
	if err := f.requireParentDir(ctx, workspaceID, np); err != nil {
		return Node{}, err
	}
	hash, err := f.blobs.Put(content)
	if err != nil {
		return Node{}, fmt.Errorf("store content: %w", err)
	}
	n := Node{
		ID:          ids.NewNodeID(),
		WorkspaceID: workspaceID,
		Path:        np,
		ParentPath:  parentOf(np),
		Kind:        KindFile,
		ContentHash: hash,
		Size:        int64(len(content)),
	}
	return f.put(ctx, n)
}

// UpdateFile replaces the content of the file at path, failing
// ErrVersionConflict when expectedVersion does not match the node's current
// version. The old content blob's refcount is released and the new one
// incremented, so updates never leak storage.
func (f *FS) UpdateFile(ctx context.Context, workspaceID ids.WorkspaceID, p string, content []byte, expectedVersion int64) (Node, error) {
	np, err := normalizePath(p)
	if err != nil {
		return Node{}, err
	}
	n, err := f.findByPath(ctx, workspaceID, np)
	if err != nil {
		return Node{}, err
	}
	if n.Kind != KindFile {
		return Node{}, fmt.Errorf("update %q: not a file: %w", np, coreerr.ErrInvalidQuery)
	}
	if n.Version != expectedVersion {
		return Node{}, fmt.Errorf("update %q: have version %d, expected %d: %w", np, n.Version, expectedVersion, coreerr.ErrVersionConflict)
	}
	newHash, err := f.blobs.Put(content)
	if err != nil {
		return Node{}, fmt.Errorf("store content: %w", err)
	}
	oldHash := n.ContentHash
	n.ContentHash = newHash
	n.Size = int64(len(content))
	updated, err := f.put(ctx, n)
	if err != nil {
		return Node{}, err
	}
	// Put always bumps newHash's refcount by one, crediting this node's new
	// reference whether or not the content existed already. The node's
	// reference to oldHash is now gone (even when oldHash == newHash, Put's
	// increment double-counted this same node), so release it exactly once.
	if err := f.blobs.Release(oldHash); err != nil {
		return updated, fmt.Errorf("release stale content: %w", err)
	}
	return updated, nil
}

// ReadFile returns the content of the file at path.
func (f *FS) ReadFile(ctx context.Context, workspaceID ids.WorkspaceID, p string) ([]byte, error) {
	n, err := f.Get(ctx, workspaceID, p)
	if err != nil {
		return nil, err
	}
	if n.Kind != KindFile {
		return nil, fmt.Errorf("read %q: not a file: %w", p, coreerr.ErrInvalidQuery)
	}
	return f.blobs.Get(n.ContentHash)
}

// CreateDirectory creates an empty directory at path.
func (f *FS) CreateDirectory(ctx context.Context, workspaceID ids.WorkspaceID, p string) (Node, error) {
	np, err := normalizePath(p)
	if err != nil {
		return Node{}, err
	}
	if np == "" {
		return Node{}, fmt.Errorf("create directory: %w", coreerr.ErrInvalidQuery)
	}
	if _, err := f.findByPath(ctx, workspaceID, np); err == nil {
		return Node{}, fmt.Errorf("create directory %q: %w", np, coreerr.ErrAlreadyExists)
	} else if err != coreerr.ErrNotFound {
		return Node{}, err
	}
	if err := f.requireParentDir(ctx, workspaceID, np); err != nil {
		return Node{}, err
	}
	n := Node{
		ID:          ids.NewNodeID(),
		WorkspaceID: workspaceID,
		Path:        np,
		ParentPath:  parentOf(np),
		Kind:        KindDirectory,
	}
	return f.put(ctx, n)
}

// Symlink creates a symlink node at path pointing at target.
func (f *FS) Symlink(ctx context.Context, workspaceID ids.WorkspaceID, p, target string) (Node, error) {
	np, err := normalizePath(p)
	if err != nil {
		return Node{}, err
	}
	if _, err := f.findByPath(ctx, workspaceID, np); err == nil {
		return Node{}, fmt.Errorf("symlink %q: %w", np, coreerr.ErrAlreadyExists)
	} else if err != coreerr.ErrNotFound {
		return Node{}, err
	}
	if err := f.requireParentDir(ctx, workspaceID, np); err != nil {
		return Node{}, err
	}
	n := Node{
		ID:            ids.NewNodeID(),
		WorkspaceID:   workspaceID,
		Path:          np,
		ParentPath:    parentOf(np),
		Kind:          KindSymlink,
		SymlinkTarget: target,
	}
	return f.put(ctx, n)
}

// Delete removes the node at path. A non-empty directory requires
// recursive; expectedVersion, when non-zero, must match the node's current
// version or the call fails ErrVersionConflict.
func (f *FS) Delete(ctx context.Context, workspaceID ids.WorkspaceID, p string, recursive bool, expectedVersion int64) (int, error) {
	np, err := normalizePath(p)
	if err != nil {
		return 0, err
	}
	n, err := f.findByPath(ctx, workspaceID, np)
	if err != nil {
		return 0, err
	}
	if expectedVersion != 0 && n.Version != expectedVersion {
		return 0, fmt.Errorf("delete %q: have version %d, expected %d: %w", np, n.Version, expectedVersion, coreerr.ErrVersionConflict)
	}
	if n.Kind != KindDirectory {
		if err := f.deleteNode(ctx, n); err != nil {
			return 0, err
		}
		return 1, nil
	}
	children, err := f.List(ctx, workspaceID, np, ListFilter{})
	if err != nil {
		return 0, err
	}
	if len(children) > 0 && !recursive {
		return 0, fmt.Errorf("delete %q: directory not empty: %w", np, coreerr.ErrInvalidQuery)
	}
	count := 0
	for _, child := range children {
		n, err := f.Delete(ctx, workspaceID, child.Path, true, 0)
		if err != nil {
			return count, err
		}
		count += n
	}
	if err := f.deleteNode(ctx, n); err != nil {
		return count, err
	}
	return count + 1, nil
}

func (f *FS) deleteNode(ctx context.Context, n Node) error {
	if err := f.gateway.Delete(ctx, collection, string(n.WorkspaceID), string(n.ID)); err != nil {
		return fmt.Errorf("delete node %q: %w", n.Path, err)
	}
	if n.Kind == KindFile && n.ContentHash != "" {
		if err := f.blobs.Release(n.ContentHash); err != nil {
			return fmt.Errorf("release content for %q: %w", n.Path, err)
		}
	}
	return nil
}

// Copy duplicates the node at src to dst, sharing file content via a
// refcount bump rather than copying bytes. Directories are copied
// recursively.
func (f *FS) Copy(ctx context.Context, workspaceID ids.WorkspaceID, src, dst string) (Node, error) {
	nsrc, err := normalizePath(src)
	if err != nil {
		return Node{}, err
	}
	ndst, err := normalizePath(dst)
	if err != nil {
		return Node{}, err
	}
	n, err := f.findByPath(ctx, workspaceID, nsrc)
	if err != nil {
		return Node{}, err
	}
	return f.copyNode(ctx, workspaceID, n, ndst)
}

func (f *FS) copyNode(ctx context.Context, workspaceID ids.WorkspaceID, n Node, dst string) (Node, error) {
	if _, err := f.findByPath(ctx, workspaceID, dst); err == nil {
		return Node{}, fmt.Errorf("copy to %q: %w", dst, coreerr.ErrAlreadyExists)
	} else if err != coreerr.ErrNotFound {
		return Node{}, err
	}
	if err := f.requireParentDir(ctx, workspaceID, dst); err != nil {
		return Node{}, err
	}
	cp := Node{
		ID:            ids.NewNodeID(),
		WorkspaceID:   workspaceID,
		Path:          dst,
		ParentPath:    parentOf(dst),
		Kind:          n.Kind,
		SymlinkTarget: n.SymlinkTarget,
		Size:          n.Size,
	}
	if n.Kind == KindFile && n.ContentHash != "" {
		if err := f.blobs.AddRef(n.ContentHash); err != nil {
			return Node{}, fmt.Errorf("share content for %q: %w", dst, err)
		}
		cp.ContentHash = n.ContentHash
	}
	saved, err := f.put(ctx, cp)
	if err != nil {
		return Node{}, err
	}
	if n.Kind == KindDirectory {
		children, err := f.List(ctx, workspaceID, n.Path, ListFilter{})
		if err != nil {
			return saved, err
		}
		for _, child := range children {
			if _, err := f.copyNode(ctx, workspaceID, child, path.Join(dst, path.Base(child.Path))); err != nil {
				return saved, err
			}
		}
	}
	return saved, nil
}

// Move relocates the node at src to dst. Specified as copy+delete under a
// single caller-visible commit: callers see atomic rename semantics even
// though the gateway performs two ops.
func (f *FS) Move(ctx context.Context, workspaceID ids.WorkspaceID, src, dst string) (Node, error) {
	moved, err := f.Copy(ctx, workspaceID, src, dst)
	if err != nil {
		return Node{}, err
	}
	if _, err := f.Delete(ctx, workspaceID, src, true, 0); err != nil {
		return Node{}, fmt.Errorf("move %q to %q: source cleanup: %w", src, dst, err)
	}
	return moved, nil
}

// FileCreate is one entry of a BatchCreateFiles call.
type FileCreate struct {
	Path    string
	Content []byte
}

// BatchResult reports the outcome of one FileCreate within a batch.
type BatchResult struct {
	Path  string
	Node  Node
	Error error
}

// BatchCreateFiles creates each file independently: one failure does not
// abort the others, matching §4.11's "does not wrap all files in one
// transaction."
func (f *FS) BatchCreateFiles(ctx context.Context, workspaceID ids.WorkspaceID, files []FileCreate) []BatchResult {
	out := make([]BatchResult, len(files))
	for i, fc := range files {
		n, err := f.CreateFile(ctx, workspaceID, fc.Path, fc.Content)
		out[i] = BatchResult{Path: fc.Path, Node: n, Error: err}
	}
	return out
}

// SearchRequest narrows Search across path glob, content substring,
// language, and subtree scope.
type SearchRequest struct {
	Pattern       string
	ContentQuery  string
	Language      string
	Base          string
	CaseSensitive bool
}

// Search returns every file node matching every set criterion in req.
func (f *FS) Search(ctx context.Context, workspaceID ids.WorkspaceID, req SearchRequest) ([]Node, error) {
	base, err := normalizePath(req.Base)
	if err != nil {
		return nil, err
	}
	nodes, err := f.allNodes(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	var out []Node
	for _, n := range nodes {
		if n.Kind != KindFile {
			continue
		}
		if base != "" && n.Path != base && !strings.HasPrefix(n.Path, base+"/") {
			continue
		}
		if req.Pattern != "" {
			ok, err := doublestar.Match(req.Pattern, n.Path)
			if err != nil || !ok {
				continue
			}
		}
		if req.Language != "" && languageOf(n.Path) != req.Language {
			continue
		}
		if req.ContentQuery != "" {
			content, err := f.blobs.Get(n.ContentHash)
			if err != nil {
				continue
			}
			if !containsQuery(content, req.ContentQuery, req.CaseSensitive) {
				continue
			}
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func containsQuery(content []byte, query string, caseSensitive bool) bool {
	if caseSensitive {
		return bytes.Contains(content, []byte(query))
	}
	return bytes.Contains(bytes.ToLower(content), bytes.ToLower([]byte(query)))
}

var extToLanguage = map[string]string{
	".go":   "go",
	".py":   "python",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".md":   "markdown",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
}

func languageOf(p string) string {
	return extToLanguage[path.Ext(p)]
}

// TreeNode is one entry of a Tree walk: Children is populated only up to
// max_depth, and only for directories when includeFiles selects it.
type TreeNode struct {
	Node     Node
	Children []TreeNode
}

// Tree walks the subtree rooted at path up to maxDepth levels deep.
// includeFiles controls whether file nodes appear in the result or only
// directories do. maxDepth <= 0 means unlimited.
func (f *FS) Tree(ctx context.Context, workspaceID ids.WorkspaceID, p string, maxDepth int, includeFiles bool) (TreeNode, error) {
	root, err := f.Get(ctx, workspaceID, p)
	if err != nil {
		return TreeNode{}, err
	}
	return f.treeNode(ctx, workspaceID, root, maxDepth, includeFiles, 0)
}

func (f *FS) treeNode(ctx context.Context, workspaceID ids.WorkspaceID, n Node, maxDepth int, includeFiles bool, depth int) (TreeNode, error) {
	tn := TreeNode{Node: n}
	if n.Kind != KindDirectory {
		return tn, nil
	}
	if maxDepth > 0 && depth >= maxDepth {
		return tn, nil
	}
	children, err := f.List(ctx, workspaceID, n.Path, ListFilter{})
	if err != nil {
		return tn, err
	}
	for _, child := range children {
		if child.Kind != KindDirectory && !includeFiles {
			continue
		}
		childTree, err := f.treeNode(ctx, workspaceID, child, maxDepth, includeFiles, depth+1)
		if err != nil {
			return tn, err
		}
		tn.Children = append(tn.Children, childTree)
	}
	return tn, nil
}

// Stats summarizes the subtree rooted at path.
type Stats struct {
	Files          int
	Directories    int
	Symlinks       int
	TotalSize      int64
	ByLanguage     map[string]int
}

// Stats walks the subtree rooted at path and aggregates counts and size.
func (f *FS) Stats(ctx context.Context, workspaceID ids.WorkspaceID, p string) (Stats, error) {
	np, err := normalizePath(p)
	if err != nil {
		return Stats{}, err
	}
	if np != "" {
		if _, err := f.findByPath(ctx, workspaceID, np); err != nil {
			return Stats{}, err
		}
	}
	nodes, err := f.allNodes(ctx, workspaceID)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByLanguage: map[string]int{}}
	for _, n := range nodes {
		if np != "" && n.Path != np && !strings.HasPrefix(n.Path, np+"/") {
			continue
		}
		switch n.Kind {
		case KindFile:
			st.Files++
			st.TotalSize += n.Size
			if lang := languageOf(n.Path); lang != "" {
				st.ByLanguage[lang]++
			}
		case KindDirectory:
			st.Directories++
		case KindSymlink:
			st.Symlinks++
		}
	}
	return st, nil
}
