// Package mount implements httm's Mount Inventory (spec.md §4.A): parsing
// the live mount table once into an immutable table of model.MountEntry
// values, classified by snapshot scheme.
package mount

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	mountutils "k8s.io/mount-utils"

	"github.com/mountwalk/httm/internal/logging"
	"github.com/mountwalk/httm/internal/model"
)

var log = logging.Module("httm/mount")

// Inventory is the process-wide, read-only table of mounted filesystems
// (spec.md §9: "construct it eagerly at startup and share by immutable
// reference; never by lock").
type Inventory struct {
	// entries is sorted by MountPoint length descending so the first
	// prefix match found by Owning is always the longest one (spec.md §3
	// invariant: "exactly one longest-prefix MountEntry").
	entries []model.MountEntry
}

// aliasSet is the set of live path prefixes the caller declared via
// --map-aliases (spec.md §4.C); Foreign mounts are retained only if they
// fall under one of these prefixes (spec.md §4.A).
type aliasSet interface {
	HasPrefix(path string) bool
}

// Build reads the live mount table once and classifies every entry.
// aliased, when non-nil, is consulted to decide whether to retain a
// Foreign-filesystem mount (ext4, xfs, ntfs, apfs-non-tm): spec.md §4.A
// says such mounts are kept only if the user supplied an alias for them.
func Build(aliased aliasSet) (*Inventory, error) {
	mounter := mountutils.New("")

	points, err := mounter.List()
	if err != nil {
		return nil, errors.Wrap(err, "read mount table")
	}

	inv := &Inventory{}

	for _, mp := range points {
		kind := classify(mp.Type, mp.Opts)

		if kind == model.LayoutForeign && (aliased == nil || !aliased.HasPrefix(mp.Path)) {
			continue
		}

		entry := model.MountEntry{
			MountPoint: mp.Path,
			Device:     mp.Device,
			Kind:       kind,
			Attrs:      optsToAttrs(mp.Opts),
		}

		if subvol, ok := entry.Attrs["subvol"]; ok {
			entry.ParentPool = strings.TrimPrefix(subvol, "/")
		}

		inv.entries = append(inv.entries, entry)
	}

	if len(inv.entries) == 0 {
		return nil, errors.New("mount table yielded no usable entries")
	}

	sort.Slice(inv.entries, func(i, j int) bool {
		return len(inv.entries[i].MountPoint) > len(inv.entries[j].MountPoint)
	})

	return inv, nil
}

// classify maps a kernel filesystem-type string (and its mount options) to
// a LayoutKind, per spec.md §3's MountEntry.Kind enumeration.
func classify(fsType string, opts []string) model.LayoutKind {
	switch strings.ToLower(fsType) {
	case "zfs":
		return model.LayoutZFS
	case "btrfs":
		for _, o := range opts {
			if strings.HasPrefix(o, "subvol=") && strings.Contains(o, ".snapshots") {
				return model.LayoutBtrfsSnapper
			}
		}
		return model.LayoutBtrfsNative
	case "nilfs2":
		return model.LayoutNILFS2
	case "apfs":
		for _, o := range opts {
			if o == "timemachine" {
				return model.LayoutAppleTimeMachine
			}
		}
		return model.LayoutForeign
	case "fuse", "fuse.restic", "fuse.rclone":
		return model.LayoutResticFUSE
	default:
		return model.LayoutForeign
	}
}

func optsToAttrs(opts []string) map[string]string {
	attrs := make(map[string]string, len(opts))

	for _, o := range opts {
		if k, v, ok := strings.Cut(o, "="); ok {
			attrs[k] = v
		} else {
			attrs[o] = ""
		}
	}

	return attrs
}

// Owning returns the MountEntry whose MountPoint is the longest prefix of
// path, satisfying spec.md §3's invariant that every live absolute path has
// exactly one owning mount.
func (inv *Inventory) Owning(path string) (model.MountEntry, bool) {
	for _, e := range inv.entries {
		if e.MountPoint == "/" || path == e.MountPoint || strings.HasPrefix(path, e.MountPoint+"/") {
			return e, true
		}
	}

	log.Debugw("path outside any indexed mount", "path", path)

	return model.MountEntry{}, false
}

// All returns every indexed mount entry, longest-prefix first.
func (inv *Inventory) All() []model.MountEntry {
	out := make([]model.MountEntry, len(inv.entries))
	copy(out, inv.entries)
	return out
}
