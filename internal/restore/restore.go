// Package restore implements httm's Snapshot/Restore Controller (spec.md
// §4.I): dataset-level snapshot-create, restore-copy (with guard and
// overwrite modes), and roll-forward.
package restore

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	natomic "github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/mountwalk/httm/internal/hash"
	"github.com/mountwalk/httm/internal/logging"
	"github.com/mountwalk/httm/internal/model"
	"github.com/mountwalk/httm/internal/parallelwork"
)

var log = logging.Module("httm/restore")

// ErrRestoreConflict is returned when the source and destination are
// identity-equal under the active uniqueness level and the mode is not
// Yolo (spec.md §4.I, §7).
var ErrRestoreConflict = errors.New("restore source and destination are identity-equal")

// ErrNotSnapshotCapable is returned by CreateSnapshot when a path's owning
// dataset cannot be snapshotted natively.
var ErrNotSnapshotCapable = errors.New("path is not on a snapshot-capable filesystem")

// IdentityFunc reports whether src and dst are identity-equal under the
// active uniqueness level (spec.md §4.I pre-flight check); it is supplied
// by the caller so the Restore Controller does not need to depend on the
// Deduplication Filter's internals directly.
type IdentityFunc func(ctx context.Context, src, dst string, level model.UniquenessLevel) (bool, error)

// SnapshotCreator invokes the native snapshot-creation command for one
// dataset (spec.md §4.I: zfs snapshot / btrfs subvolume snapshot / NILFS2
// checkpoint-to-snapshot).
type SnapshotCreator func(ctx context.Context, dataset model.MountEntry, name string) error

// SnapshotRootFunc maps a dataset and a snapshot name it just created to
// the browsable directory path for that snapshot, so RollForward can read
// it back for diffing and rollback. Layout kinds differ here (ZFS:
// `<mount>/.zfs/snapshot/<name>`; BTRFS-native: `<mount>/.snapshots/<name>`);
// the caller supplies the mapping so this package stays layout-agnostic.
type SnapshotRootFunc func(dataset model.MountEntry, name string) string

// Controller implements the Snapshot/Restore Controller.
type Controller struct {
	Identity         IdentityFunc
	Create           map[model.LayoutKind]SnapshotCreator
	SnapshotRootFor  SnapshotRootFunc

	lockMu sync.Mutex
	locks  map[string]*datasetLock
}

// datasetLock serializes destructive operations on one dataset: a
// github.com/gofrs/flock file lock when the mount is writable, falling
// back to an in-process mutex otherwise (SPEC_FULL.md §3.I).
type datasetLock struct {
	mu   sync.Mutex
	file *flock.Flock
}

func (d *datasetLock) Lock(ctx context.Context) (func(), error) {
	d.mu.Lock()

	if d.file != nil {
		locked, err := d.file.TryLockContext(ctx, 50*time.Millisecond)
		if err != nil || !locked {
			d.mu.Unlock()
			return nil, errors.Wrap(err, "acquire dataset lock")
		}

		return func() {
			d.file.Unlock()
			d.mu.Unlock()
		}, nil
	}

	return d.mu.Unlock, nil
}

// New returns a Controller. create supplies the per-layout-kind snapshot
// command invocation; identity supplies the pre-flight equality check.
func New(identity IdentityFunc, create map[model.LayoutKind]SnapshotCreator) *Controller {
	return &Controller{
		Identity:        identity,
		Create:          create,
		SnapshotRootFor: defaultSnapshotRootFor,
		locks:           make(map[string]*datasetLock),
	}
}

// defaultSnapshotRootFor assumes the ZFS `.zfs/snapshot` convention
// (spec.md §6); callers targeting other layout kinds should set
// Controller.SnapshotRootFor explicitly.
func defaultSnapshotRootFor(dataset model.MountEntry, name string) string {
	return filepath.Join(dataset.MountPoint, ".zfs", "snapshot", name)
}

func (c *Controller) lockFor(mountPoint string) *datasetLock {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	if l, ok := c.locks[mountPoint]; ok {
		return l
	}

	l := &datasetLock{}

	lockPath := filepath.Join(mountPoint, ".httm.lock")
	if f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600); err == nil {
		f.Close()
		l.file = flock.New(lockPath)
	}

	c.locks[mountPoint] = l

	return l
}

// SnapshotName builds the "snap_<timestamp>_<suffix>" name spec.md §6
// specifies. When utc is false, timestamp is local time. A uuid suffix is
// appended when disambiguate is true, for names that must be unique even
// across same-second, same-suffix invocations (SPEC_FULL.md §3.I).
func SnapshotName(prefix, suffix string, when time.Time, utc, disambiguate bool) string {
	if utc {
		when = when.UTC()
	}

	ts := when.Format("2006-01-02-15:04:05")

	name := prefix + "_" + ts + "_" + suffix
	if disambiguate {
		name += "_" + uuid.NewString()[:8]
	}

	return name
}

// DatasetGroup pairs one dataset with the paths on it that triggered a
// snapshot request (spec.md §4.I: "grouped by owning dataset"). MountEntry
// carries a map field, so it cannot itself be a map key; callers build one
// DatasetGroup per distinct mount instead.
type DatasetGroup struct {
	Dataset model.MountEntry
	Paths   []string
}

// CreateSnapshot invokes the kind-specific snapshot command once per
// dataset group (spec.md §4.I).
func (c *Controller) CreateSnapshot(ctx context.Context, datasets []DatasetGroup, prefix, suffix string, utc bool) (map[string]string, error) {
	names := make(map[string]string, len(datasets))

	for _, group := range datasets {
		ds := group.Dataset

		creator, ok := c.Create[ds.Kind]
		if !ok {
			return names, errors.Wrapf(ErrNotSnapshotCapable, "mount %s (%s)", ds.MountPoint, ds.Kind)
		}

		unlock, err := c.lockFor(ds.MountPoint).Lock(ctx)
		if err != nil {
			return names, err
		}

		name := SnapshotName(prefix, suffix, time.Now(), utc, false)

		err = creator(ctx, ds, name)
		unlock()

		if err != nil {
			return names, errors.Wrapf(err, "create snapshot for %s", ds.MountPoint)
		}

		names[ds.MountPoint] = name
		log.Infow("snapshot created", "mount", ds.MountPoint, "name", name)
	}

	return names, nil
}

// RestoreCopy executes one restore-copy operation per spec.md §4.I's
// Copy/Overwrite/Guard/Yolo modes.
func (c *Controller) RestoreCopy(ctx context.Context, req model.RestoreRequest, guardDataset *model.MountEntry) error {
	if req.Mode != model.RestoreYolo {
		equal, err := c.Identity(ctx, req.Source, req.Destination, req.UniquenessLevel)
		if err != nil {
			return err
		}
		if equal {
			return errors.Wrapf(ErrRestoreConflict, "%s == %s", req.Source, req.Destination)
		}
	}

	switch req.Mode {
	case model.RestoreCopy:
		if _, err := os.Lstat(req.Destination); err == nil {
			return errors.Errorf("destination exists: %s", req.Destination)
		}
		return copyTree(req.Source, req.Destination, req.PreserveXattrs, req.PreserveACLs)

	case model.RestoreOverwrite:
		return c.overwrite(ctx, req)

	case model.RestoreGuard:
		if guardDataset == nil {
			return errors.New("guard mode requires a guard dataset")
		}

		creator, ok := c.Create[guardDataset.Kind]
		if !ok {
			return errors.Wrapf(ErrNotSnapshotCapable, "mount %s (%s)", guardDataset.MountPoint, guardDataset.Kind)
		}

		unlock, err := c.lockFor(guardDataset.MountPoint).Lock(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		// The dataset lock is already held, so the guard snapshot is created
		// directly rather than through CreateSnapshot, which takes it again.
		name := SnapshotName("snap_pre", "httmSnapRestoreGuard", time.Now(), false, false)
		if err := creator(ctx, *guardDataset, name); err != nil {
			return errors.Wrap(err, "guard snapshot")
		}
		log.Infow("snapshot created", "mount", guardDataset.MountPoint, "name", name)

		return c.overwrite(ctx, req)

	case model.RestoreYolo:
		return c.overwrite(ctx, req)

	default:
		return errors.Errorf("unknown restore mode %v", req.Mode)
	}
}

// overwrite replaces the destination atomically where possible: write to a
// sibling temp file/dir, then rename into place, preserving inode-swap
// semantics for processes with the old file already open (spec.md §4.I).
func (c *Controller) overwrite(ctx context.Context, req model.RestoreRequest) error {
	fi, err := os.Lstat(req.Source)
	if err != nil {
		return err
	}

	if fi.IsDir() {
		return overwriteDir(req.Source, req.Destination, req.PreserveXattrs, req.PreserveACLs)
	}

	return overwriteFile(req.Source, req.Destination)
}

func overwriteFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := natomic.WriteFile(dst, in); err != nil {
		return fallbackInPlaceCopy(src, dst)
	}

	return nil
}

// fallbackInPlaceCopy is used when atomic rename-based replace isn't
// possible (e.g. destination directory doesn't support rename across the
// underlying filesystem boundary), per spec.md §4.I's documented
// "otherwise falls back to in-place overwrite".
func fallbackInPlaceCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)

	return err
}

func overwriteDir(src, dst string, xattrs, acls bool) error {
	tmp := dst + ".httm-restore-tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}

	if err := copyTree(src, tmp, xattrs, acls); err != nil {
		os.RemoveAll(tmp)
		return err
	}

	backup := dst + ".httm-restore-prev"
	os.RemoveAll(backup)

	if _, err := os.Lstat(dst); err == nil {
		if err := os.Rename(dst, backup); err != nil {
			os.RemoveAll(tmp)
			return err
		}
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Rename(backup, dst) //nolint:errcheck
		return err
	}

	return os.RemoveAll(backup)
}

// copyFileJob is one regular file awaiting copy, discovered during
// copyTree's directory walk.
type copyFileJob struct {
	src, dst string
	mode     fs.FileMode
	modTime  time.Time
}

// copyDirJob is one directory whose mtime must be restored only after
// every entry has been written into it (copying files into a directory
// advances its mtime, so directory mtimes cannot be set during the walk).
type copyDirJob struct {
	dst     string
	modTime time.Time
}

// copyTree recursively copies src to dst, preserving modification times
// always, and xattrs/ACLs when the corresponding flags are set and the
// platform support is compiled in (spec.md §4.I). Directory structure is
// created during a synchronous walk; the (typically far more numerous)
// regular-file copies are then run across a worker pool, with a single
// summary diagnostic fired once the last file lands rather than once per
// file.
func copyTree(src, dst string, xattrs, acls bool) error {
	var (
		files []copyFileJob
		dirs  []copyDirJob
	)

	var walk func(s, d string) error
	walk = func(s, d string) error {
		fi, err := os.Lstat(s)
		if err != nil {
			return err
		}

		if fi.IsDir() {
			if err := os.MkdirAll(d, fi.Mode().Perm()); err != nil {
				return err
			}

			entries, err := os.ReadDir(s)
			if err != nil {
				return err
			}

			for _, e := range entries {
				if err := walk(filepath.Join(s, e.Name()), filepath.Join(d, e.Name())); err != nil {
					return err
				}
			}

			dirs = append(dirs, copyDirJob{dst: d, modTime: fi.ModTime()})

			return nil
		}

		files = append(files, copyFileJob{src: s, dst: d, mode: fi.Mode().Perm(), modTime: fi.ModTime()})

		return nil
	}

	if err := walk(src, dst); err != nil {
		return err
	}

	if err := copyFilesParallel(files, xattrs, acls); err != nil {
		return err
	}

	for _, dj := range dirs {
		if err := os.Chtimes(dj.dst, dj.modTime, dj.modTime); err != nil {
			return err
		}
	}

	return nil
}

// copyFilesParallel runs one copyFile job per file across a bounded
// worker pool, ported from the same parallelwork.Queue the Version
// Enumerator and Recursive Walker use. OnNthCompletion wraps the
// per-file completion so exactly one "files restored" summary is logged
// after the bulk copy, instead of once per file.
func copyFilesParallel(files []copyFileJob, xattrs, acls bool) error {
	if len(files) == 0 {
		return nil
	}

	total := len(files)
	onLastFile := parallelwork.OnNthCompletion(total, func() error {
		log.Infow("restore copy complete", "files", total)
		return nil
	})

	q := parallelwork.NewQueue()
	ctx := context.Background()

	for _, job := range files {
		job := job
		q.EnqueueBack(ctx, func() error {
			if err := copyFile(job, xattrs, acls); err != nil {
				return err
			}
			return onLastFile()
		})
	}

	return q.Process(ctx, copyWorkers())
}

func copyWorkers() int {
	return runtime.NumCPU()
}

func copyFile(job copyFileJob, xattrs, acls bool) error {
	in, err := os.Open(job.src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(job.dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, job.mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	if xattrs {
		copyXattrs(job.src, job.dst) //nolint:errcheck
	}
	if acls {
		copyACLs(job.src, job.dst) //nolint:errcheck
	}

	return os.Chtimes(job.dst, job.modTime, job.modTime)
}

// RollForwardRequest describes one roll-forward invocation (spec.md
// §4.I): apply the state of SnapshotRoot (a mounted snapshot directory)
// to LiveRoot without destroying any snapshot taken after SnapshotName.
type RollForwardRequest struct {
	Dataset      model.MountEntry
	SnapshotRoot string
	SnapshotName string
	LiveRoot     string
	UTC          bool
}

// rollForwardChange is one file-level difference found between a
// snapshot tree and the live tree it is being rolled forward onto.
type rollForwardChange struct {
	relPath string
	isDir   bool
	deleted bool // present in live, absent in snapshot
}

// RollForwardResult reports the snapshot names the operation created, for
// the caller to print per spec.md §8 scenario 4 ("pre- and post- snapshots
// exist").
type RollForwardResult struct {
	PreSnapshot  string
	PostSnapshot string
	// Changed counts the files/directories rewritten or removed; zero
	// means the live tree already matched the snapshot (spec.md §4.I:
	// "idempotent with respect to repeated invocation against the same
	// S").
	Changed int
}

// RollForward implements spec.md §4.I's roll-forward operation: take a
// pre-execution snapshot, diff the chosen snapshot against the live
// dataset, apply the snapshot's state onto the live tree (copying changed
// entries, removing live-only entries), then take a post-execution
// snapshot. On any failure after the pre-execution snapshot, it restores
// the live tree from that snapshot and returns the failure.
func (c *Controller) RollForward(ctx context.Context, req RollForwardRequest) (RollForwardResult, error) {
	var result RollForwardResult

	unlock, err := c.lockFor(req.Dataset.MountPoint).Lock(ctx)
	if err != nil {
		return result, err
	}
	defer unlock()

	creator, ok := c.Create[req.Dataset.Kind]
	if !ok {
		return result, errors.Wrapf(ErrNotSnapshotCapable, "mount %s (%s)", req.Dataset.MountPoint, req.Dataset.Kind)
	}

	now := time.Now()

	preName := SnapshotName("snap_pre", "httmSnapRollForward", now, req.UTC, false)
	if err := creator(ctx, req.Dataset, preName); err != nil {
		return result, errors.Wrap(err, "pre-execution snapshot")
	}
	result.PreSnapshot = preName

	snapshotRootFor := c.SnapshotRootFor
	if snapshotRootFor == nil {
		snapshotRootFor = defaultSnapshotRootFor
	}

	preSnapshotRoot := snapshotRootFor(req.Dataset, preName)

	changes, err := diffTrees(req.SnapshotRoot, req.LiveRoot)
	if err != nil {
		return result, c.rollBack(ctx, req, preSnapshotRoot, errors.Wrap(err, "diff snapshot against live"))
	}

	for _, ch := range changes {
		if err := ctx.Err(); err != nil {
			return result, c.rollBack(ctx, req, preSnapshotRoot, errors.Wrap(err, "roll-forward cancelled"))
		}

		live := filepath.Join(req.LiveRoot, ch.relPath)

		if ch.deleted {
			if err := os.RemoveAll(live); err != nil {
				return result, c.rollBack(ctx, req, preSnapshotRoot, errors.Wrapf(err, "remove %s", live))
			}

			result.Changed++

			continue
		}

		snap := filepath.Join(req.SnapshotRoot, ch.relPath)
		if err := os.RemoveAll(live); err != nil {
			return result, c.rollBack(ctx, req, preSnapshotRoot, errors.Wrapf(err, "clear %s", live))
		}

		if err := copyTree(snap, live, false, false); err != nil {
			return result, c.rollBack(ctx, req, preSnapshotRoot, errors.Wrapf(err, "copy %s", snap))
		}

		result.Changed++
	}

	postName := SnapshotName("snap_post", ":"+req.SnapshotName+":_httmSnapRollForward", now, req.UTC, false)
	if err := creator(ctx, req.Dataset, postName); err != nil {
		return result, c.rollBack(ctx, req, preSnapshotRoot, errors.Wrap(err, "post-execution snapshot"))
	}
	result.PostSnapshot = postName

	log.Infow("roll-forward complete",
		"dataset", req.Dataset.MountPoint, "snapshot", req.SnapshotName,
		"pre", preName, "post", postName, "changed", result.Changed)

	return result, nil
}

// rollBack restores LiveRoot from the pre-execution snapshot after a
// roll-forward step fails (spec.md §4.I step 5) and wraps cause with the
// rollback outcome.
func (c *Controller) rollBack(_ context.Context, req RollForwardRequest, preSnapshotRoot string, cause error) error {
	if err := os.RemoveAll(req.LiveRoot); err != nil {
		return errors.Wrapf(cause, "rollback also failed clearing live root: %v", err)
	}

	if err := copyTree(preSnapshotRoot, req.LiveRoot, false, false); err != nil {
		return errors.Wrapf(cause, "rollback also failed restoring pre-snapshot: %v", err)
	}

	return errors.Wrap(cause, "roll-forward failed, rolled back to pre-execution snapshot")
}

// diffTrees walks snapRoot and liveRoot in lockstep and returns the set of
// relative paths that differ (spec.md §4.I step 2: "recursive walk +
// metadata compare + content compare on size-match" fallback for layouts
// without a native diff). A file present in both with equal size and
// equal content hash is left off the change list even if mtimes differ,
// so re-running against the same snapshot is a no-op.
func diffTrees(snapRoot, liveRoot string) ([]rollForwardChange, error) {
	var changes []rollForwardChange

	snapEntries := make(map[string]fs.FileInfo)

	err := filepath.WalkDir(snapRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == snapRoot {
			return nil
		}

		rel, err := filepath.Rel(snapRoot, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		snapEntries[rel] = info

		return nil
	})
	if err != nil {
		return nil, err
	}

	liveEntries := make(map[string]fs.FileInfo)

	if _, err := os.Lstat(liveRoot); err == nil {
		err = filepath.WalkDir(liveRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == liveRoot {
				return nil
			}

			rel, err := filepath.Rel(liveRoot, path)
			if err != nil {
				return err
			}
			if rel == ".httm.lock" {
				return nil // the controller's own dataset lock file (see lockFor).
			}

			info, err := d.Info()
			if err != nil {
				return err
			}

			liveEntries[rel] = info

			return nil
		})
		if err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	for rel, snapInfo := range snapEntries {
		liveInfo, ok := liveEntries[rel]
		if !ok {
			changes = append(changes, rollForwardChange{relPath: rel, isDir: snapInfo.IsDir()})
			continue
		}

		if snapInfo.IsDir() != liveInfo.IsDir() {
			changes = append(changes, rollForwardChange{relPath: rel, isDir: snapInfo.IsDir()})
			continue
		}

		if snapInfo.IsDir() {
			continue
		}

		if snapInfo.Size() != liveInfo.Size() {
			changes = append(changes, rollForwardChange{relPath: rel})
			continue
		}

		if snapInfo.ModTime().Equal(liveInfo.ModTime()) {
			continue
		}

		same, err := sameContent(filepath.Join(snapRoot, rel), filepath.Join(liveRoot, rel))
		if err != nil {
			return nil, err
		}

		if !same {
			changes = append(changes, rollForwardChange{relPath: rel})
		}
	}

	for rel := range liveEntries {
		if _, ok := snapEntries[rel]; !ok {
			changes = append(changes, rollForwardChange{relPath: rel, deleted: true})
		}
	}

	return changes, nil
}

// sameContent blake3-hashes both files, used by diffTrees only when sizes
// already match (spec.md §4.I: "content compare on size-match").
func sameContent(a, b string) (bool, error) {
	ha, err := hash.File(context.Background(), a)
	if err != nil {
		return false, err
	}

	hb, err := hash.File(context.Background(), b)
	if err != nil {
		return false, err
	}

	return string(ha) == string(hb), nil
}
