// Package candidates implements httm's Path→Candidates Mapper (spec.md
// §4.D): given any live path, the ordered sequence of snapshot-root
// directories that could contain a historical version.
package candidates

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/mountwalk/httm/internal/layout"
	"github.com/mountwalk/httm/internal/model"
)

// Aliaser substitutes a live-prefix for a snapshot-prefix, per spec.md
// §4.C.
type Aliaser interface {
	Substitute(path string) (string, bool)
}

// MountLookup resolves the owning mount of a path, per spec.md §3.
type MountLookup interface {
	Owning(path string) (model.MountEntry, bool)
}

// RootsLookup resolves a mount's snapshot roots, per spec.md §4.B.
type RootsLookup interface {
	Roots(ctx context.Context, m model.MountEntry) ([]model.SnapshotRoot, error)
}

// Mapper is the Path→Candidates Mapper.
type Mapper struct {
	mounts  MountLookup
	roots   RootsLookup
	aliases Aliaser
}

// New returns a Mapper backed by the given mount inventory, layout
// resolver, and alias map.
func New(mounts MountLookup, roots RootsLookup, aliases Aliaser) *Mapper {
	return &Mapper{mounts: mounts, roots: roots, aliases: aliases}
}

// Candidate is one hypothetical snapshot path for a live path, paired with
// the snapshot root's own (possibly still-zero) timestamp and owning
// mount so a downstream consumer that actually needs the layout
// timestamp (internal/enumerate, internal/deleted) can resolve it lazily
// via the Snapshot Layout Resolver, rather than this mapper resolving it
// up front (spec.md §4.B, §4.D: "the mapper itself does not stat").
type Candidate struct {
	SnapshotPath string
	Root         model.SnapshotRoot
	Mount        model.MountEntry
}

// Candidates implements the candidates(P) operation from spec.md §4.D. If
// P lies outside any indexed mount and no alias applies, it returns an
// empty, non-error result (spec.md: "not an error").
func (mp *Mapper) Candidates(ctx context.Context, livePath string) ([]Candidate, error) {
	canon, err := canonicalize(livePath)
	if err != nil {
		return nil, errors.Wrapf(err, "canonicalize %s", livePath)
	}

	lookupPath := canon
	if mp.aliases != nil {
		if substituted, ok := mp.aliases.Substitute(canon); ok {
			lookupPath = substituted
		}
	}

	m, ok := mp.mounts.Owning(lookupPath)
	if !ok {
		return nil, nil
	}

	roots, err := mp.roots.Roots(ctx, m)
	if err != nil {
		return nil, err
	}

	rel := strings.TrimPrefix(lookupPath, m.MountPoint)
	rel = strings.TrimPrefix(rel, "/")

	out := make([]Candidate, 0, len(roots))
	for _, r := range roots {
		out = append(out, Candidate{
			SnapshotPath: filepath.Join(r.Path, rel),
			Root:         r,
			Mount:        m,
		})
	}

	return out, nil
}

// canonicalize resolves symlinks in path. If path does not exist, it
// canonicalizes the longest existing ancestor and re-appends the missing
// suffix (spec.md §4.D step 1).
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	var missing []string

	cur := abs
	for {
		if cur == "/" || cur == "." {
			break
		}

		if _, err := os.Lstat(cur); err == nil {
			break
		}

		missing = append([]string{filepath.Base(cur)}, missing...)
		cur = filepath.Dir(cur)
	}

	resolved, err := filepath.EvalSymlinks(cur)
	if err != nil {
		resolved = cur
	}

	return filepath.Join(append([]string{resolved}, missing...)...), nil
}
