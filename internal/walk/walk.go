// Package walk implements httm's Recursive Walker (spec.md §4.H):
// depth-first traversal that interleaves live and deleted children and
// streams results to a consumer under back-pressure.
package walk

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/mountwalk/httm/internal/deleted"
	"github.com/mountwalk/httm/internal/logging"
	"github.com/mountwalk/httm/internal/model"
	"github.com/mountwalk/httm/internal/parallelwork"
)

var log = logging.Module("httm/walk")

// ErrCancelled is returned from Walk when the context was cancelled before
// the traversal completed; any results already emitted remain valid
// (spec.md §7: "the partial stream is valid up to the cancellation
// point").
var ErrCancelled = errors.New("walk cancelled")

// Result is one emitted node: either a live file/directory's version
// history, or a deleted child discovered by the Deleted-File
// Reconstructor.
type Result struct {
	Path     string
	Versions []model.PathData
	Deleted  *model.DeletedEntry
}

// ResolveFunc runs the Path→Candidates→Enumerator→Dedup pipeline for one
// live path and returns its VersionMap entries.
type ResolveFunc func(ctx context.Context, path string) ([]model.PathData, error)

// Walker is the Recursive Walker.
type Walker struct {
	Resolve      ResolveFunc
	Deleted      *deleted.Reconstructor
	Workers      int
	MaxDepth     int // 0 means unbounded.
	ReadDirNames func(dir string) ([]string, error)
	IsDir        func(path string) (bool, error)
}

// New returns a Walker wired to resolve and a deleted-file reconstructor.
// rec may be nil, in which case step 2 of spec.md §4.H (deleted-child
// reconstruction) does not run and the walk covers the live tree only.
func New(resolve ResolveFunc, rec *deleted.Reconstructor, workers, maxDepth int) *Walker {
	return &Walker{
		Resolve:      resolve,
		Deleted:      rec,
		Workers:      workers,
		MaxDepth:     maxDepth,
		ReadDirNames: readDirNames,
		IsDir: func(path string) (bool, error) {
			fi, err := os.Lstat(path)
			if err != nil {
				return false, err
			}
			return fi.IsDir(), nil
		},
	}
}

// Walk traverses roots depth-first, pre-order, emitting Results via emit.
// emit blocking provides the back-pressure spec.md §5 requires ("the
// walker blocks on emit when the consumer is slow"). Cancellation is
// polled between directory boundaries (spec.md §5). The returned bool
// reports whether any individual path failed to resolve along the way
// (spec.md §6: callers use it to distinguish a clean walk from one that
// completed but dropped some paths).
func (w *Walker) Walk(ctx context.Context, roots []string, emit func(Result) error) (bool, error) {
	visited := &visitedSet{seen: make(map[string]struct{})}

	q := parallelwork.NewQueue()

	var (
		mu        sync.Mutex
		emitErr   error
		cancelled bool
		failed    bool
	)

	safeEmit := func(r Result) {
		mu.Lock()
		defer mu.Unlock()

		if emitErr != nil {
			return
		}

		if err := emit(r); err != nil {
			emitErr = err
		}
	}

	markFailed := func() {
		mu.Lock()
		failed = true
		mu.Unlock()
	}

	var walkDir func(path string, depth int)
	walkDir = func(path string, depth int) {
		if w.cancelled(ctx) {
			mu.Lock()
			cancelled = true
			mu.Unlock()
			return
		}

		if w.MaxDepth > 0 && depth > w.MaxDepth {
			return
		}

		canon, err := filepath.EvalSymlinks(path)
		if err != nil {
			canon = path
		}

		if !visited.markIfNew(canon) {
			return // symlink cycle guard (spec.md §4.H).
		}

		versions, err := w.Resolve(ctx, path)
		if err != nil {
			log.Warnw("resolve failed", "path", path, "error", err)
			markFailed()
		} else {
			safeEmit(Result{Path: path, Versions: versions})
		}

		children, _ := w.ReadDirNames(path)

		var subdirs []string

		for _, name := range children {
			child := filepath.Join(path, name)

			isDir, err := w.IsDir(child)
			if err != nil {
				continue
			}

			if isDir {
				subdirs = append(subdirs, child)
			} else {
				v, err := w.Resolve(ctx, child)
				if err != nil {
					log.Warnw("resolve failed", "path", child, "error", err)
					markFailed()
					continue
				}
				safeEmit(Result{Path: child, Versions: v})
			}
		}

		if w.Deleted != nil {
			w.walkDeleted(ctx, path, depth, safeEmit, &subdirs)
		}

		for _, sub := range subdirs {
			sub := sub
			q.EnqueueBack(ctx, func() error {
				walkDir(sub, depth+1)
				return nil
			})
		}
	}

	q.EnqueueBack(ctx, func() error {
		for _, root := range roots {
			walkDir(root, 0)
		}
		return nil
	})

	if err := q.Process(ctx, w.workers()); err != nil {
		return false, err
	}

	mu.Lock()
	defer mu.Unlock()

	if emitErr != nil {
		return failed, emitErr
	}
	if cancelled {
		return failed, ErrCancelled
	}

	return failed, nil
}

// walkDeleted runs step 2 of spec.md §4.H: for every deleted child of
// path, emit its DeletedEntry, and if it was itself a directory, recurse
// into its last-appearance snapshot copy, treating the whole subtree as
// deleted.
func (w *Walker) walkDeleted(ctx context.Context, path string, depth int, safeEmit func(Result), subdirs *[]string) {
	entries, err := w.Deleted.Reconstruct(ctx, path)
	if err != nil {
		log.Warnw("reconstruct deleted entries failed", "path", path, "error", err)
		return
	}

	for _, de := range entries {
		de := de
		safeEmit(Result{Path: filepath.Join(path, de.Name), Deleted: &de})

		fi, err := os.Lstat(de.LastAppearance.SnapshotPath)
		if err == nil && fi.IsDir() {
			w.walkDeletedSubtree(ctx, de.LastAppearance.SnapshotPath, depth+1, safeEmit)
		}
	}
}

// walkDeletedSubtree recurses into a snapshot directory whose live
// counterpart no longer exists; every descendant is, by construction,
// deleted, so it is emitted directly rather than re-running reconstruct.
func (w *Walker) walkDeletedSubtree(ctx context.Context, snapPath string, depth int, safeEmit func(Result)) {
	if w.cancelled(ctx) {
		return
	}
	if w.MaxDepth > 0 && depth > w.MaxDepth {
		return
	}

	names, err := w.ReadDirNames(snapPath)
	if err != nil {
		return
	}

	for _, name := range names {
		child := filepath.Join(snapPath, name)

		fi, err := os.Lstat(child)
		if err != nil {
			continue
		}

		entry := model.DeletedEntry{
			Name: name,
			LastAppearance: model.PathData{
				SnapshotPath: child,
				ModTime:      fi.ModTime(),
				Size:         fi.Size(),
			},
		}

		safeEmit(Result{Path: child, Deleted: &entry})

		if fi.IsDir() {
			w.walkDeletedSubtree(ctx, child, depth+1, safeEmit)
		}
	}
}

func (w *Walker) cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *Walker) workers() int {
	if w.Workers > 0 {
		return w.Workers
	}
	return runtime.NumCPU()
}

type visitedSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// markIfNew returns true and records path if it had not been visited yet.
// The walker's own queue goroutines are the only mutators (spec.md §4.H:
// "the visited-paths set... is mutated only by the walker thread that
// pops from the work queue"), but since this implementation's queue may
// run several directories concurrently, the set is still mutex-guarded: a
// race here would be a silent correctness bug (infinite/duplicate
// recursion), not merely a performance one.
func (v *visitedSet) markIfNew(path string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.seen[path]; ok {
		return false
	}

	v.seen[path] = struct{}{}

	return true
}

func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return f.Readdirnames(-1)
}
