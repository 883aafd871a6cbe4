// Package deleted implements httm's Deleted-File Reconstructor (spec.md
// §4.G): synthesizes the union of directory entries that ever existed at
// a live directory path across all its snapshot versions, reporting each
// only under the latest snapshot in which it last appeared.
package deleted

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mountwalk/httm/internal/candidates"
	"github.com/mountwalk/httm/internal/model"
)

// CandidatesFunc resolves a live path's snapshot candidates, per spec.md
// §4.D. The order is unspecified: Reconstruct resolves and sorts by
// timestamp itself, since the Snapshot Layout Resolver defers timestamps
// (spec.md §4.B) and no longer hands back a pre-sorted list.
type CandidatesFunc func(ctx context.Context, livePath string) ([]candidates.Candidate, error)

// TimestampFunc lazily resolves a candidate's layout timestamp, mirroring
// internal/enumerate's hook of the same shape. The default implementation
// returns c.Root.Timestamp as-is.
type TimestampFunc func(c candidates.Candidate) (time.Time, error)

// Reconstructor implements reconstruct(live-dir) from spec.md §4.G.
type Reconstructor struct {
	Candidates CandidatesFunc
	// Stat defaults to os.Lstat; overridable for tests.
	Stat func(path string) (os.FileInfo, error)
	// ReadDirNames defaults to reading real directory entries;
	// overridable for tests.
	ReadDirNames func(dir string) ([]string, error)
	// TimestampFor resolves a candidate's layout timestamp lazily;
	// defaults to returning c.Root.Timestamp unchanged.
	TimestampFor TimestampFunc
}

// New returns a Reconstructor backed by the given candidates function.
func New(cf CandidatesFunc) *Reconstructor {
	return &Reconstructor{
		Candidates:   cf,
		Stat:         os.Lstat,
		ReadDirNames: readDirNames,
		TimestampFor: defaultTimestampFor,
	}
}

func defaultTimestampFor(c candidates.Candidate) (time.Time, error) {
	return c.Root.Timestamp, nil
}

// Reconstruct synthesizes the deleted-entry set for liveDir, per spec.md
// §4.G's algorithm. liveDir itself may not exist (step 3 is skipped then).
func (r *Reconstructor) Reconstruct(ctx context.Context, liveDir string) ([]model.DeletedEntry, error) {
	cands, err := r.Candidates(ctx, liveDir)
	if err != nil {
		return nil, err
	}

	// Resolve each candidate's layout timestamp lazily (spec.md §4.B) and
	// sort newest-first, since Candidates() no longer hands back a
	// pre-sorted list.
	type timestamped struct {
		candidates.Candidate
		ts time.Time
	}

	withTS := make([]timestamped, len(cands))
	for i, c := range cands {
		ts, err := r.TimestampFor(c)
		if err != nil {
			ts = time.Time{} // timestamp resolution failure: treat as zero-time, sorts last.
		}
		withTS[i] = timestamped{Candidate: c, ts: ts}
	}

	sort.SliceStable(withTS, func(i, j int) bool {
		if !withTS[i].ts.Equal(withTS[j].ts) {
			return withTS[i].ts.After(withTS[j].ts)
		}
		return withTS[i].SnapshotPath > withTS[j].SnapshotPath
	})

	membership := make(map[string]model.DeletedEntry)

	for _, tc := range withTS {
		c := tc.Candidate

		names, err := r.ReadDirNames(c.SnapshotPath)
		if err != nil {
			continue // unreadable/missing snapshot directory: skip, not fatal.
		}

		for _, name := range names {
			if _, seen := membership[name]; seen {
				continue // already have this name's latest appearance.
			}

			childPath := filepath.Join(c.SnapshotPath, name)

			fi, err := r.Stat(childPath)
			if err != nil {
				continue
			}

			membership[name] = model.DeletedEntry{
				Name:           name,
				LastSnapshotID: c.Root.SnapshotID,
				LastAppearance: model.PathData{
					SnapshotPath:    childPath,
					ModTime:         fi.ModTime(),
					Size:            fi.Size(),
					SnapshotID:      c.Root.SnapshotID,
					LayoutTimestamp: tc.ts,
				},
			}
		}
	}

	if liveNames, err := r.ReadDirNames(liveDir); err == nil {
		for _, name := range liveNames {
			delete(membership, name)
		}
	}
	// if liveDir doesn't exist, step 3 is skipped (spec.md edge case).

	out := make([]model.DeletedEntry, 0, len(membership))
	for _, de := range membership {
		out = append(out, de)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})

	return out, nil
}

func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return f.Readdirnames(-1)
}
