package httm

import (
	"context"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/mountwalk/httm/internal/model"
)

// createZFSSnapshot invokes `zfs snapshot <pool>@<name>` for the dataset
// backing ds (spec.md §4.I).
func createZFSSnapshot(ctx context.Context, ds model.MountEntry, name string) error {
	dataset := ds.ParentPool
	if dataset == "" {
		dataset = ds.Device
	}

	out, err := exec.CommandContext(ctx, "zfs", "snapshot", dataset+"@"+name).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "zfs snapshot: %s", out)
	}

	return nil
}

// createBtrfsSnapshot invokes `btrfs subvolume snapshot -r <mount>
// <mount>/.snapshots/<name>` (spec.md §4.I).
func createBtrfsSnapshot(ctx context.Context, ds model.MountEntry, name string) error {
	dest := ds.MountPoint + "/.snapshots/" + name

	out, err := exec.CommandContext(ctx, "btrfs", "subvolume", "snapshot", "-r", ds.MountPoint, dest).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "btrfs subvolume snapshot: %s", out)
	}

	return nil
}

// createNILFS2Checkpoint invokes `mkcp -s <device>` to turn the current
// checkpoint into a persistent snapshot (spec.md §4.I); name is recorded
// by the caller as a label only, since NILFS2 checkpoints are identified
// numerically.
func createNILFS2Checkpoint(ctx context.Context, ds model.MountEntry, name string) error {
	out, err := exec.CommandContext(ctx, "mkcp", "-s", ds.Device).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "mkcp -s: %s", out)
	}

	return nil
}
