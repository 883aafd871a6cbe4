// Package model holds the data types shared across httm's version-resolution
// engine: mount topology, snapshot versions, and restore requests. Nothing in
// this package performs I/O; it is the vocabulary the other internal packages
// operate on.
package model

import "time"

// LayoutKind classifies the snapshot scheme backing a mount.
type LayoutKind int

// Supported layout kinds.
const (
	LayoutUnknown LayoutKind = iota
	LayoutZFS
	LayoutBtrfsSnapper
	LayoutBtrfsNative
	LayoutNILFS2
	LayoutAppleTimeMachine
	LayoutResticFUSE
	LayoutForeign
)

func (k LayoutKind) String() string {
	switch k {
	case LayoutZFS:
		return "zfs"
	case LayoutBtrfsSnapper:
		return "btrfs-snapper"
	case LayoutBtrfsNative:
		return "btrfs-native"
	case LayoutNILFS2:
		return "nilfs2"
	case LayoutAppleTimeMachine:
		return "apfs-timemachine"
	case LayoutResticFUSE:
		return "restic-fuse"
	case LayoutForeign:
		return "foreign"
	default:
		return "unknown"
	}
}

// NeedsPrivilege reports whether listing this layout's snapshot roots
// ordinarily requires elevated privileges (spec.md §4.B).
func (k LayoutKind) NeedsPrivilege() bool {
	return k == LayoutBtrfsSnapper || k == LayoutNILFS2
}

// MountEntry represents one mounted filesystem (spec.md §3).
type MountEntry struct {
	MountPoint string
	Device     string
	Kind       LayoutKind
	// ParentPool is the backing pool/dataset identifier, when the kind
	// exposes one (e.g. a ZFS dataset name, a BTRFS UUID).
	ParentPool string
	// Attrs carries free-form mount options (ro, noatime, subvol=...),
	// used by BTRFS-Native to disambiguate which subvolume a mount point
	// addresses.
	Attrs map[string]string
}

// SnapshotRoot is one directory path under which a mount's snapshot is
// browsable. The timestamp is deferred: layouts must not stat every
// snapshot root eagerly (spec.md §4.B), so Timestamp is set only when the
// layout already knows it at enumeration time; otherwise it stays zero and
// the Snapshot Layout Resolver resolves and caches it on request.
type SnapshotRoot struct {
	Path string
	// SnapshotID is the layout-specific identifier (ZFS snapshot name,
	// Snapper config number, NILFS2 checkpoint number, backup date...).
	SnapshotID string
	// Timestamp, when non-zero, is already known (e.g. parsed from a
	// directory name). When zero, callers must invoke the owning layout's
	// ExtractTimestamp.
	Timestamp time.Time
}

// UniquenessLevel selects the identity function used by the Deduplication
// Filter (spec.md §3).
type UniquenessLevel int

// Supported uniqueness levels.
const (
	UniquenessMetadata UniquenessLevel = iota
	UniquenessContents
	UniquenessAll
)

// LastSnapPolicy controls the `last-snap` dedup policy (spec.md §4.F).
type LastSnapPolicy int

// Supported last-snap policies.
const (
	LastSnapNone LastSnapPolicy = iota
	LastSnapAny
	LastSnapNoDitto
	LastSnapNoDittoInclusive
)

// DedupPolicy bundles the composable policies applied after identity
// collapse (spec.md §4.F).
type DedupPolicy struct {
	Level      UniquenessLevel
	OmitDitto  bool
	NoLive     bool
	NoSnap     bool
	LastSnap   LastSnapPolicy
}

// PathData is a single historical version of a live path (spec.md §3).
type PathData struct {
	SnapshotPath string
	ModTime      time.Time
	Size         int64
	// ContentHash is populated only under UniquenessContents, and only
	// when the entry it is compared with has the same size (lazy hashing).
	ContentHash []byte
	// SnapshotID identifies the owning snapshot (layout-specific).
	SnapshotID string
	// LayoutTimestamp is the snapshot root's own timestamp, used as the
	// secondary sort/tie-break key (spec.md §4.E).
	LayoutTimestamp time.Time
	// IsPhantom is true when no on-disk entry exists but a deleted
	// sibling listing implies existence (spec.md §3).
	IsPhantom bool
	// IsLive marks the live-file entry conceptually appended at the tail
	// of a VersionMap.
	IsLive bool
}

// Identity returns the comparison key used to collapse two PathData values
// under the given uniqueness level. Contents-level identity additionally
// needs the lazily-computed ContentHash to already be populated by the
// caller; Identity itself never performs I/O.
func (p PathData) Identity(level UniquenessLevel) any {
	switch level {
	case UniquenessMetadata:
		return struct {
			ModTime time.Time
			Size    int64
		}{p.ModTime, p.Size}
	case UniquenessContents:
		return struct {
			Size int64
			Hash string
		}{p.Size, string(p.ContentHash)}
	default: // UniquenessAll
		return p.SnapshotPath
	}
}

// VersionMap is the ordered sequence of PathData for one live path
// (spec.md §3): ascending by ModTime, ties broken by LayoutTimestamp, then
// by SnapshotPath bytes.
type VersionMap struct {
	LivePath string
	Versions []PathData
}

// DeletedEntry is a directory child observed in some snapshot but no longer
// live (spec.md §3).
type DeletedEntry struct {
	Name string
	// LastSnapshotID is the most recent snapshot in which Name was last
	// observed to exist.
	LastSnapshotID string
	LastAppearance PathData
}

// RestoreMode selects how Restore-copy behaves (spec.md §4.I).
type RestoreMode int

// Supported restore modes.
const (
	RestoreCopy RestoreMode = iota
	RestoreOverwrite
	RestoreGuard
	RestoreYolo
)

// ParseRestoreMode parses the HTTM_RESTORE_MODE values (spec.md §6).
func ParseRestoreMode(s string) (RestoreMode, bool) {
	switch s {
	case "copy", "":
		return RestoreCopy, true
	case "overwrite":
		return RestoreOverwrite, true
	case "guard":
		return RestoreGuard, true
	case "yolo":
		return RestoreYolo, true
	default:
		return RestoreCopy, false
	}
}

// RestoreRequest describes one restore-copy invocation (spec.md §3).
type RestoreRequest struct {
	Source           string
	Destination      string
	Mode             RestoreMode
	PreserveXattrs   bool
	PreserveACLs     bool
	UniquenessLevel  UniquenessLevel
}
