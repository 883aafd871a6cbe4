// Package httm implements a read-mostly filesystem-snapshot version
// resolution engine: given a live path, it finds every historical copy
// reachable through the host's ZFS, BTRFS, NILFS2, Time Machine, or
// Restic snapshots, and can enumerate, deduplicate, walk, and restore
// them.
package httm

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/mountwalk/httm/internal/alias"
	"github.com/mountwalk/httm/internal/candidates"
	"github.com/mountwalk/httm/internal/dedup"
	"github.com/mountwalk/httm/internal/deleted"
	"github.com/mountwalk/httm/internal/enumerate"
	"github.com/mountwalk/httm/internal/hash"
	"github.com/mountwalk/httm/internal/layout"
	"github.com/mountwalk/httm/internal/logging"
	"github.com/mountwalk/httm/internal/model"
	"github.com/mountwalk/httm/internal/mount"
	"github.com/mountwalk/httm/internal/restore"
	"github.com/mountwalk/httm/internal/walk"
)

var log = logging.Module("httm/engine")

// Config controls Engine construction (spec.md §6's environment/flag
// surface, collected into one struct for library callers).
type Config struct {
	Aliases         []alias.Pair
	TimeMachineMnts []string
	ResticMnts      []string
	DedupPolicy     model.DedupPolicy
	EnumerateWorkers int
	WalkWorkers      int
	WalkMaxDepth     int
}

// Engine wires together every component of the version-resolution
// pipeline (spec.md §2): Mount Inventory, Layout Resolver, Alias Map,
// Path→Candidates Mapper, Version Enumerator, Deduplication Filter,
// Deleted-File Reconstructor, Recursive Walker, and Restore Controller.
type Engine struct {
	mounts     *mount.Inventory
	layouts    *layout.Resolver
	aliases    *alias.Map
	candidates *candidates.Mapper
	enumerator *enumerate.Enumerator
	dedup      *dedup.Filter
	deleted    *deleted.Reconstructor
	walker     *walk.Walker
	Restore    *restore.Controller
}

// New builds an Engine: reads the live mount table, installs any
// configured aliases and alt-stores, and assembles the resolution
// pipeline (spec.md §2, "constructed once per invocation").
func New(cfg Config) (*Engine, error) {
	aliases, err := alias.New(cfg.Aliases)
	if err != nil {
		return nil, errors.Wrap(err, "build alias map")
	}

	for _, mnt := range cfg.TimeMachineMnts {
		aliases.RegisterTimeMachine(mnt)
	}
	for _, mnt := range cfg.ResticMnts {
		aliases.RegisterRestic(mnt)
	}

	mounts, err := mount.Build(aliases)
	if err != nil {
		return nil, errors.Wrap(err, "build mount inventory")
	}

	layouts := layout.NewResolver()
	cand := candidates.New(mounts, layouts, aliases)
	enumerator := enumerate.New(cfg.EnumerateWorkers)
	dedupFilter := dedup.New(cfg.DedupPolicy)
	recon := deleted.New(cand.Candidates)

	resolveTimestamp := func(c candidates.Candidate) (time.Time, error) {
		return layouts.Timestamp(c.Mount, c.Root)
	}
	enumerator.TimestampFor = resolveTimestamp
	recon.TimestampFor = resolveTimestamp

	resolve := func(ctx context.Context, path string) ([]model.PathData, error) {
		cs, err := cand.Candidates(ctx, path)
		if err != nil {
			return nil, err
		}

		versions, err := enumerator.Enumerate(ctx, path, cs)
		if err != nil {
			return nil, err
		}

		return dedupFilter.Apply(ctx, versions)
	}

	walker := walk.New(resolve, recon, cfg.WalkWorkers, cfg.WalkMaxDepth)

	identity := func(ctx context.Context, src, dst string, level model.UniquenessLevel) (bool, error) {
		return identityEqual(ctx, src, dst, level)
	}

	restoreCtl := restore.New(identity, defaultSnapshotCreators())
	restoreCtl.SnapshotRootFor = snapshotRootFor

	return &Engine{
		mounts:     mounts,
		layouts:    layouts,
		aliases:    aliases,
		candidates: cand,
		enumerator: enumerator,
		dedup:      dedupFilter,
		deleted:    recon,
		walker:     walker,
		Restore:    restoreCtl,
	}, nil
}

// Versions resolves every historical version of one live path (spec.md
// §2's primary query operation): candidates, enumerate, dedup, in order.
func (e *Engine) Versions(ctx context.Context, livePath string) ([]model.PathData, error) {
	cs, err := e.candidates.Candidates(ctx, livePath)
	if err != nil {
		return nil, err
	}

	versions, err := e.enumerator.Enumerate(ctx, livePath, cs)
	if err != nil {
		return nil, err
	}

	return e.dedup.Apply(ctx, versions)
}

// Deleted reconstructs the deleted-entry set for one live directory
// (spec.md §4.G).
func (e *Engine) Deleted(ctx context.Context, liveDir string) ([]model.DeletedEntry, error) {
	return e.deleted.Reconstruct(ctx, liveDir)
}

// Walk traverses roots depth-first, emitting a walk.Result per live path
// and per deleted child (spec.md §4.H). The returned bool reports whether
// any individual path failed to resolve during the walk.
func (e *Engine) Walk(ctx context.Context, roots []string, emit func(walk.Result) error) (bool, error) {
	return e.walker.Walk(ctx, roots, emit)
}

// Mounts exposes the Mount Inventory for diagnostics/listing commands.
func (e *Engine) Mounts() []model.MountEntry {
	return e.mounts.All()
}

// RollForward applies the state of a chosen snapshot to its dataset's live
// tree without destroying interstitial snapshots (spec.md §4.I). liveRoot
// is the live directory at the dataset's mount point: the whole snapshot
// root is diffed against it, and a subtree of the mount is not mapped to
// the matching subtree of the snapshot. snapshotName is the on-disk
// snapshot identifier being rolled forward to.
func (e *Engine) RollForward(ctx context.Context, dataset model.MountEntry, snapshotName, liveRoot string) (restore.RollForwardResult, error) {
	snapRoot := snapshotRootFor(dataset, snapshotName)

	return e.Restore.RollForward(ctx, restore.RollForwardRequest{
		Dataset:      dataset,
		SnapshotRoot: snapRoot,
		SnapshotName: snapshotName,
		LiveRoot:     liveRoot,
	})
}

// snapshotRootFor maps a dataset and snapshot name to its browsable
// directory, per-layout-kind (spec.md §6's on-disk conventions).
func snapshotRootFor(dataset model.MountEntry, name string) string {
	switch dataset.Kind {
	case model.LayoutBtrfsNative:
		return dataset.MountPoint + "/.snapshots/" + name
	default: // ZFS and anything else using the .zfs convention
		return dataset.MountPoint + "/.zfs/snapshot/" + name
	}
}

// identityEqual compares two on-disk paths under level, used as the
// Restore Controller's pre-flight guard (spec.md §4.I).
func identityEqual(_ context.Context, src, dst string, level model.UniquenessLevel) (bool, error) {
	sfi, err := os.Lstat(src)
	if err != nil {
		return false, err
	}

	dfi, err := os.Lstat(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	switch level {
	case model.UniquenessMetadata:
		return sfi.ModTime().Equal(dfi.ModTime()) && sfi.Size() == dfi.Size(), nil
	case model.UniquenessContents:
		if sfi.Size() != dfi.Size() {
			return false, nil
		}

		sh, err := hash.File(context.Background(), src)
		if err != nil {
			return false, err
		}

		dh, err := hash.File(context.Background(), dst)
		if err != nil {
			return false, err
		}

		return string(sh) == string(dh), nil
	default:
		return false, nil
	}
}

// defaultSnapshotCreators returns the native snapshot-creation commands
// for each layout kind capable of creating one (spec.md §4.I).
func defaultSnapshotCreators() map[model.LayoutKind]restore.SnapshotCreator {
	return map[model.LayoutKind]restore.SnapshotCreator{
		model.LayoutZFS:         createZFSSnapshot,
		model.LayoutBtrfsNative: createBtrfsSnapshot,
		model.LayoutNILFS2:      createNILFS2Checkpoint,
	}
}
