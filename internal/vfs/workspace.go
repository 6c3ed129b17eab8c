package vfs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/session"
)

// Fork copies every node's metadata from source into target, sharing file
// content by refcount rather than duplicating bytes — Copy applied to an
// entire tree instead of one node.
func (f *FS) Fork(ctx context.Context, source, target ids.WorkspaceID) (int, error) {
	nodes, err := f.allNodes(ctx, source)
	if err != nil {
		return 0, err
	}
	sort.Slice(nodes, func(i, j int) bool { return depth(nodes[i].Path) < depth(nodes[j].Path) })
	copied := 0
	for _, n := range nodes {
		cp := Node{
			ID:            ids.NewNodeID(),
			WorkspaceID:   target,
			Path:          n.Path,
			ParentPath:    n.ParentPath,
			Kind:          n.Kind,
			SymlinkTarget: n.SymlinkTarget,
			Size:          n.Size,
		}
		if n.Kind == KindFile && n.ContentHash != "" {
			if err := f.blobs.AddRef(n.ContentHash); err != nil {
				return copied, fmt.Errorf("fork: share content for %q: %w", n.Path, err)
			}
			cp.ContentHash = n.ContentHash
		}
		if _, err := f.put(ctx, cp); err != nil {
			return copied, fmt.Errorf("fork: persist %q: %w", n.Path, err)
		}
		copied++
	}
	return copied, nil
}

func depth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// ModifiedEntry names a path present in both workspaces compared with
// differing content hashes.
type ModifiedEntry struct {
	Path       string
	SourceHash string
	TargetHash string
}

// CompareResult is the result of comparing two workspaces' file trees.
type CompareResult struct {
	OnlyInSource []string
	OnlyInTarget []string
	Modified     []ModifiedEntry
	Identical    int
}

// Compare enumerates files present only in a, only in b, modified in both
// (with each side's content hash), and identical.
func (f *FS) Compare(ctx context.Context, a, b ids.WorkspaceID) (CompareResult, error) {
	nodesA, err := f.allNodes(ctx, a)
	if err != nil {
		return CompareResult{}, err
	}
	nodesB, err := f.allNodes(ctx, b)
	if err != nil {
		return CompareResult{}, err
	}
	byPathA := filesByPath(nodesA)
	byPathB := filesByPath(nodesB)

	var result CompareResult
	for p, na := range byPathA {
		nb, ok := byPathB[p]
		if !ok {
			result.OnlyInSource = append(result.OnlyInSource, p)
			continue
		}
		if na.ContentHash == nb.ContentHash {
			result.Identical++
		} else {
			result.Modified = append(result.Modified, ModifiedEntry{Path: p, SourceHash: na.ContentHash, TargetHash: nb.ContentHash})
		}
	}
	for p := range byPathB {
		if _, ok := byPathA[p]; !ok {
			result.OnlyInTarget = append(result.OnlyInTarget, p)
		}
	}
	sort.Strings(result.OnlyInSource)
	sort.Strings(result.OnlyInTarget)
	sort.Slice(result.Modified, func(i, j int) bool { return result.Modified[i].Path < result.Modified[j].Path })
	return result, nil
}

func filesByPath(nodes []Node) map[string]Node {
	out := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if n.Kind == KindFile {
			out[n.Path] = n
		}
	}
	return out
}

// Conflict reports the paths Merge could not resolve; no changes from those
// paths are applied while any remain.
type Conflict struct {
	Paths []ModifiedEntry
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("vfs merge: %d conflicting path(s)", len(c.Paths))
}

// Unwrap lets callers test with errors.Is(err, coreerr.ErrMergeConflict).
func (c *Conflict) Unwrap() error { return coreerr.ErrMergeConflict }

// MergeResult reports what Merge applied.
type MergeResult struct {
	Created int
	Updated int
	Merged  int
}

// Merge applies the session manager's merge strategy (§4.10) to two
// workspace overlays: files only in source are created in target, files
// only in target are left alone, and files modified on both sides are
// resolved per strategy. Conflicts under Manual, or an Auto merge that
// cannot reconcile non-JSON content, are returned as a *Conflict and leave
// those paths untouched.
func (f *FS) Merge(ctx context.Context, source, target ids.WorkspaceID, strategy session.Strategy) (MergeResult, error) {
	cmp, err := f.Compare(ctx, source, target)
	if err != nil {
		return MergeResult{}, err
	}

	var result MergeResult
	var conflicts []ModifiedEntry

	for _, p := range cmp.OnlyInSource {
		if err := f.createMissingDirs(ctx, target, parentOf(p)); err != nil {
			return result, err
		}
		n, err := f.findByPath(ctx, source, p)
		if err != nil {
			return result, err
		}
		if _, err := f.copyNode(ctx, target, n, p); err != nil {
			return result, err
		}
		result.Created++
	}

	for _, mod := range cmp.Modified {
		switch strategy {
		case session.PreferSource:
			if err := f.overwriteWithSource(ctx, source, target, mod); err != nil {
				return result, err
			}
			result.Updated++
		case session.PreferTarget:
			// target already holds the content it should keep.
		case session.Auto:
			merged, ok, err := f.tryAutoMerge(mod)
			if err != nil {
				return result, err
			}
			if !ok {
				conflicts = append(conflicts, mod)
				continue
			}
			if err := f.writeTargetContent(ctx, target, mod.Path, merged); err != nil {
				return result, err
			}
			result.Merged++
		default:
			conflicts = append(conflicts, mod)
		}
	}

	if len(conflicts) > 0 {
		return result, &Conflict{Paths: conflicts}
	}
	return result, nil
}

func (f *FS) createMissingDirs(ctx context.Context, workspaceID ids.WorkspaceID, dirPath string) error {
	if dirPath == "" {
		return nil
	}
	segments := strings.Split(dirPath, "/")
	cur := ""
	for _, seg := range segments {
		if cur == "" {
			cur = seg
		} else {
			cur = cur + "/" + seg
		}
		if _, err := f.findByPath(ctx, workspaceID, cur); err == nil {
			continue
		} else if err != coreerr.ErrNotFound {
			return err
		}
		if _, err := f.CreateDirectory(ctx, workspaceID, cur); err != nil {
			return err
		}
	}
	return nil
}

func (f *FS) overwriteWithSource(ctx context.Context, source, target ids.WorkspaceID, mod ModifiedEntry) error {
	tn, err := f.findByPath(ctx, target, mod.Path)
	if err != nil {
		return err
	}
	if err := f.blobs.AddRef(mod.SourceHash); err != nil {
		return fmt.Errorf("merge %q: share source content: %w", mod.Path, err)
	}
	oldHash := tn.ContentHash
	tn.ContentHash = mod.SourceHash
	if sn, err := f.findByPath(ctx, source, mod.Path); err == nil {
		tn.Size = sn.Size
	}
	if _, err := f.put(ctx, tn); err != nil {
		return err
	}
	return f.blobs.Release(oldHash)
}

// tryAutoMerge reconciles two conflicting revisions the same way the session
// manager's Auto strategy does: a shallow union of top-level JSON object
// fields, source wins on a field collision. Content that isn't a JSON object
// on both sides cannot be merged this way and falls back to a conflict.
func (f *FS) tryAutoMerge(mod ModifiedEntry) ([]byte, bool, error) {
	srcContent, err := f.blobs.Get(mod.SourceHash)
	if err != nil {
		return nil, false, err
	}
	tgtContent, err := f.blobs.Get(mod.TargetHash)
	if err != nil {
		return nil, false, err
	}
	var srcObj, tgtObj map[string]json.RawMessage
	if err := json.Unmarshal(srcContent, &srcObj); err != nil {
		return nil, false, nil
	}
	if err := json.Unmarshal(tgtContent, &tgtObj); err != nil {
		return nil, false, nil
	}
	merged := make(map[string]json.RawMessage, len(tgtObj)+len(srcObj))
	for k, v := range tgtObj {
		merged[k] = v
	}
	for k, v := range srcObj {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (f *FS) writeTargetContent(ctx context.Context, target ids.WorkspaceID, p string, content []byte) error {
	tn, err := f.findByPath(ctx, target, p)
	if err != nil {
		return err
	}
	newHash, err := f.blobs.Put(content)
	if err != nil {
		return err
	}
	oldHash := tn.ContentHash
	tn.ContentHash = newHash
	tn.Size = int64(len(content))
	if _, err := f.put(ctx, tn); err != nil {
		return err
	}
	return f.blobs.Release(oldHash)
}
