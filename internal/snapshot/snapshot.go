// Package snapshot implements workspace snapshot and diff:
// enumerate tracked plus untracked-not-ignored files, content-hash them, and
// derive stable created/modified/deleted sets between two snapshots.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/BayesianSociety/orchestrator/internal/vcsadapter"
)

// FileMeta is the per-path content fingerprint recorded in a Snapshot.
type FileMeta struct {
	ContentHash string
	Size        int64
	IsSymlink   bool
}

// Snapshot is a point-in-time view of the workspace plus VCS bookkeeping
// needed to enforce the orchestrator's run invariants.
type Snapshot struct {
	Files     map[string]FileMeta
	Head      string
	Staged    []string
	Untracked []string
	IndexHash string
}

const chunkSize = 1 << 20

// fileSHA256 hashes a file's content in fixed-size chunks.
func fileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", 0, rerr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), total, nil
}

// Take enumerates root's tracked and untracked-non-ignored files via the VCS
// adapter, content-hashes each, and records HEAD plus the staged set.
func Take(ctx context.Context, root string) (Snapshot, error) {
	vcs := vcsadapter.New(root)

	head, err := vcs.HeadRev(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: head: %w", err)
	}
	staged, err := vcs.StagedFiles(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: staged: %w", err)
	}
	tracked, err := vcs.TrackedFiles(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: tracked: %w", err)
	}
	untracked, err := vcs.UntrackedFiles(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: untracked: %w", err)
	}

	all := make([]string, 0, len(tracked)+len(untracked))
	all = append(all, tracked...)
	all = append(all, untracked...)

	files := make(map[string]FileMeta, len(all))
	for _, rel := range all {
		abs := filepath.Join(root, rel)
		info, lerr := os.Lstat(abs)
		if lerr != nil {
			// Deleted between listing and stat; skip rather than fail the
			// whole snapshot on a benign race.
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			files[rel] = FileMeta{IsSymlink: true}
			continue
		}
		if info.IsDir() {
			continue
		}
		hash, size, herr := fileSHA256(abs)
		if herr != nil {
			return Snapshot{}, fmt.Errorf("snapshot: hash %s: %w", rel, herr)
		}
		files[rel] = FileMeta{ContentHash: hash, Size: size}
	}

	indexHash := ""
	if idx := filepath.Join(root, ".git", "index"); fileExists(idx) {
		if h, _, herr := fileSHA256(idx); herr == nil {
			indexHash = h
		}
	}

	sort.Strings(staged)
	sort.Strings(untracked)

	return Snapshot{
		Files:     files,
		Head:      head,
		Staged:    staged,
		Untracked: untracked,
		IndexHash: indexHash,
	}, nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// ChangeSet is the deterministic result of diffing two snapshots.
type ChangeSet struct {
	Created  []string
	Modified []string
	Deleted  []string
}

// Changed returns the sorted union of Created, Modified, and Deleted.
func (c ChangeSet) Changed() []string {
	out := make([]string, 0, len(c.Created)+len(c.Modified)+len(c.Deleted))
	out = append(out, c.Created...)
	out = append(out, c.Modified...)
	out = append(out, c.Deleted...)
	sort.Strings(out)
	return out
}

// Diff derives the created/modified/deleted sets between pre and post. It
// is a pure function of its two arguments.
func Diff(pre, post Snapshot) ChangeSet {
	var created, modified, deleted []string

	for path, postMeta := range post.Files {
		preMeta, existed := pre.Files[path]
		if !existed {
			created = append(created, path)
			continue
		}
		if preMeta != postMeta {
			modified = append(modified, path)
		}
	}
	for path := range pre.Files {
		if _, stillThere := post.Files[path]; !stillThere {
			deleted = append(deleted, path)
		}
	}

	sort.Strings(created)
	sort.Strings(modified)
	sort.Strings(deleted)

	return ChangeSet{Created: created, Modified: modified, Deleted: deleted}
}

// BytesChanged sums, for each changed path, the post-size if the path still
// exists, else its pre-size.
func BytesChanged(changed []string, pre, post Snapshot) int64 {
	var total int64
	for _, p := range changed {
		if m, ok := post.Files[p]; ok {
			total += m.Size
			continue
		}
		if m, ok := pre.Files[p]; ok {
			total += m.Size
		}
	}
	return total
}
