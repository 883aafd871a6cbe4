// Package enumerate implements httm's Version Enumerator (spec.md §4.E):
// stats candidate snapshot paths in parallel and emits a chronologically
// ordered sequence of (metadata, snapshot-path) tuples.
package enumerate

import (
	"context"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mountwalk/httm/internal/candidates"
	"github.com/mountwalk/httm/internal/logging"
	"github.com/mountwalk/httm/internal/model"
	"github.com/mountwalk/httm/internal/parallelwork"
)

var log = logging.Module("httm/enumerate")

// StatFunc abstracts os.Lstat for testability.
type StatFunc func(path string) (os.FileInfo, error)

// TimestampFunc lazily resolves a candidate's layout timestamp, only for
// candidates the enumerator actually stats a hit for (spec.md §4.B: "the
// Version Enumerator evaluates only when needed"). The default
// implementation returns c.Root.Timestamp as-is (already known for
// layouts, such as NILFS2, that parse it at enumeration time) without
// dispatching to the Snapshot Layout Resolver.
type TimestampFunc func(c candidates.Candidate) (time.Time, error)

// Enumerator performs the parallel stat phase of spec.md §4.E.
type Enumerator struct {
	// Workers bounds the stat worker pool width; zero means
	// runtime.NumCPU(), matching spec.md's documented default.
	Workers int
	// Stat defaults to os.Lstat; overridable for tests.
	Stat StatFunc
	// TimestampFor resolves a candidate's layout timestamp lazily;
	// defaults to returning c.Root.Timestamp unchanged.
	TimestampFor TimestampFunc
}

// New returns an Enumerator with the given worker-pool width (0 = NumCPU).
func New(workers int) *Enumerator {
	return &Enumerator{
		Workers:      workers,
		Stat:         os.Lstat,
		TimestampFor: defaultTimestampFor,
	}
}

func defaultTimestampFor(c candidates.Candidate) (time.Time, error) {
	return c.Root.Timestamp, nil
}

func (e *Enumerator) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return runtime.NumCPU()
}

// Enumerate stats every candidate in parallel and returns the resulting
// PathData values for livePath, in the order spec.md §4.E and §8 specify:
// ascending mtime, ties broken by (layout timestamp, snapshot-path bytes).
// NOENT candidates are silently dropped; other stat errors are logged as
// warnings and the candidate is dropped; the call never fails outright
// because of a per-candidate error (spec.md §7).
//
// The live file, if it exists, is appended last with IsLive=true
// (spec.md §4.E).
func (e *Enumerator) Enumerate(ctx context.Context, livePath string, cands []candidates.Candidate) ([]model.PathData, error) {
	results := make([]*model.PathData, len(cands))

	q := parallelwork.NewQueue()

	for i, c := range cands {
		i, c := i, c

		q.EnqueueBack(ctx, func() error {
			if ctx.Err() != nil {
				return nil
			}

			fi, err := e.Stat(c.SnapshotPath)
			if err != nil {
				if os.IsNotExist(err) {
					return nil // spec.md: missing entries silently dropped.
				}

				log.Warnw("stat candidate failed", "path", c.SnapshotPath, "error", err)
				return nil // per-candidate I/O errors are recorded, not propagated.
			}

			ts, terr := e.TimestampFor(c)
			if terr != nil {
				log.Warnw("extract layout timestamp failed", "path", c.SnapshotPath, "error", terr)
			}

			results[i] = &model.PathData{
				SnapshotPath:    c.SnapshotPath,
				ModTime:         fi.ModTime(),
				Size:            fi.Size(),
				SnapshotID:      c.Root.SnapshotID,
				LayoutTimestamp: ts,
			}

			return nil
		})
	}

	if err := q.Process(ctx, e.workers()); err != nil {
		return nil, errors.Wrap(err, "enumerate candidates")
	}

	out := make([]model.PathData, 0, len(results)+1)
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ModTime.Equal(b.ModTime) {
			return a.ModTime.Before(b.ModTime)
		}
		if !a.LayoutTimestamp.Equal(b.LayoutTimestamp) {
			return a.LayoutTimestamp.Before(b.LayoutTimestamp)
		}
		return a.SnapshotPath < b.SnapshotPath
	})

	if fi, err := os.Lstat(livePath); err == nil {
		out = append(out, model.PathData{
			SnapshotPath: livePath,
			ModTime:      fi.ModTime(),
			Size:         fi.Size(),
			IsLive:       true,
		})
	}

	return out, nil
}

// EnumerateMany runs Enumerate for several live paths concurrently but
// serializes the returned slice in input order, so results for path i
// appear before path i+1 (spec.md §5).
func (e *Enumerator) EnumerateMany(ctx context.Context, livePaths []string, candidatesByPath [][]candidates.Candidate) ([][]model.PathData, error) {
	out := make([][]model.PathData, len(livePaths))

	g, gctx := errgroup.WithContext(ctx)

	for i := range livePaths {
		i := i
		g.Go(func() error {
			versions, err := e.Enumerate(gctx, livePaths[i], candidatesByPath[i])
			out[i] = versions
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return out, err
	}

	return out, nil
}
