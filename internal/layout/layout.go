// Package layout implements httm's Snapshot Layout Resolver (spec.md
// §4.B): for each mount, where its snapshots live and how to enumerate
// them. Each layout is a bundle of three functions dispatched through a
// small tagged-variant table, per spec.md §9's explicit preference over a
// deep interface hierarchy.
package layout

import (
	"bufio"
	"context"
	"encoding/xml"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mountwalk/httm/internal/logging"
	"github.com/mountwalk/httm/internal/model"
)

var log = logging.Module("httm/layout")

// ErrPrivilegeRequired is returned by EnumerateRoots when the kernel denied
// access to a privileged layout's snapshot metadata.
var ErrPrivilegeRequired = errors.New("privileged enumeration required")

// Ops bundles the three functions spec.md §4.B and §9 ascribe to a
// snapshot layout.
type Ops struct {
	// EnumerateRoots lists the snapshot roots for a mount, in no
	// particular order. The Resolver does not sort or timestamp them:
	// spec.md §4.B forbids materializing timestamps eagerly, so ordering
	// by timestamp is left to whichever caller actually needs it for the
	// candidates it touches (internal/enumerate, internal/deleted).
	EnumerateRoots func(ctx context.Context, m model.MountEntry) ([]model.SnapshotRoot, error)
	// ExtractTimestamp resolves a root's logical timestamp when it was
	// not already known at enumeration time.
	ExtractTimestamp func(root model.SnapshotRoot) (time.Time, error)
	NeedsPrivilege   func() bool
}

// dispatch is the tagged-variant table keyed by LayoutKind.
var dispatch = map[model.LayoutKind]Ops{
	model.LayoutZFS:              zfsOps,
	model.LayoutBtrfsSnapper:     btrfsSnapperOps,
	model.LayoutBtrfsNative:      btrfsNativeOps,
	model.LayoutNILFS2:           nilfs2Ops,
	model.LayoutAppleTimeMachine: altStoreOps,
	model.LayoutResticFUSE:       altStoreOps,
}

// Resolver caches each mount's snapshot roots for the process lifetime
// (spec.md §4.B); it must never materialize timestamps eagerly.
type Resolver struct {
	mu    sync.Mutex
	cache map[string][]model.SnapshotRoot

	privMu         sync.Mutex
	privilegedOnce map[string]bool // mount point -> advisory already emitted

	tsMu    sync.Mutex
	tsCache map[string]time.Time // "<mountpoint>|<snapshotID>" -> resolved timestamp
}

// NewResolver returns an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		cache:          make(map[string][]model.SnapshotRoot),
		privilegedOnce: make(map[string]bool),
		tsCache:        make(map[string]time.Time),
	}
}

// Roots returns the snapshot roots for m, in whatever order
// EnumerateRoots produced them, computing and caching the list on first
// demand. It never calls ExtractTimestamp: spec.md §4.B requires
// timestamps to stay deferred so a mount with thousands of snapshots does
// not pay a full stat/metadata pass on the first query that touches it.
// Callers that need chronological order (internal/enumerate,
// internal/deleted) resolve Timestamp lazily, only for the candidates
// they actually enumerate. A permission-denied error from a privileged
// layout causes exactly one advisory diagnostic per mount (spec.md
// §4.B), not an error returned to the query layer.
func (r *Resolver) Roots(ctx context.Context, m model.MountEntry) ([]model.SnapshotRoot, error) {
	r.mu.Lock()
	if cached, ok := r.cache[m.MountPoint]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	ops, ok := dispatch[m.Kind]
	if !ok {
		return nil, nil
	}

	roots, err := ops.EnumerateRoots(ctx, m)
	if err != nil {
		if errors.Is(err, ErrPrivilegeRequired) {
			r.notePrivileged(m.MountPoint)
			return nil, nil
		}
		return nil, errors.Wrapf(err, "enumerate snapshot roots for %s", m.MountPoint)
	}

	r.mu.Lock()
	r.cache[m.MountPoint] = roots
	r.mu.Unlock()

	return roots, nil
}

// Timestamp lazily resolves root's logical timestamp for mount m,
// invoking the layout's ExtractTimestamp only once per root and caching
// the result for the process lifetime (spec.md §4.B: "the Version
// Enumerator evaluates only when needed"). If root.Timestamp is already
// known (some layouts, e.g. NILFS2, parse it directly at enumeration
// time) it is returned without dispatch.
func (r *Resolver) Timestamp(m model.MountEntry, root model.SnapshotRoot) (time.Time, error) {
	if !root.Timestamp.IsZero() {
		return root.Timestamp, nil
	}

	key := m.MountPoint + "|" + root.SnapshotID

	r.tsMu.Lock()
	if ts, ok := r.tsCache[key]; ok {
		r.tsMu.Unlock()
		return ts, nil
	}
	r.tsMu.Unlock()

	ops, ok := dispatch[m.Kind]
	if !ok || ops.ExtractTimestamp == nil {
		return time.Time{}, nil
	}

	ts, err := ops.ExtractTimestamp(root)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "extract timestamp for %s", root.Path)
	}

	r.tsMu.Lock()
	r.tsCache[key] = ts
	r.tsMu.Unlock()

	return ts, nil
}

func (r *Resolver) notePrivileged(mountPoint string) {
	r.privMu.Lock()
	defer r.privMu.Unlock()

	if r.privilegedOnce[mountPoint] {
		return
	}
	r.privilegedOnce[mountPoint] = true

	log.Warnw("privileged enumeration required; skipping mount", "mount", mountPoint)
}

// ---- ZFS ----

var zfsOps = Ops{
	EnumerateRoots: func(ctx context.Context, m model.MountEntry) ([]model.SnapshotRoot, error) {
		dir := filepath.Join(m.MountPoint, ".zfs", "snapshot")

		names, err := readDirNames(dir)
		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				return nil, nil
			}
			return nil, err
		}

		roots := make([]model.SnapshotRoot, 0, len(names))
		for _, n := range names {
			roots = append(roots, model.SnapshotRoot{
				Path:       filepath.Join(dir, n),
				SnapshotID: n,
			})
		}

		return roots, nil
	},
	ExtractTimestamp: func(root model.SnapshotRoot) (time.Time, error) {
		fi, err := os.Lstat(root.Path)
		if err != nil {
			return time.Time{}, err
		}
		return statCtime(fi), nil
	},
	NeedsPrivilege: func() bool { return false },
}

// ---- BTRFS Snapper ----

type snapperInfo struct {
	XMLName xml.Name  `xml:"snapshot"`
	Date    snapDate  `xml:"date"`
}

type snapDate struct {
	Value string `xml:",chardata"`
}

var btrfsSnapperOps = Ops{
	EnumerateRoots: func(ctx context.Context, m model.MountEntry) ([]model.SnapshotRoot, error) {
		cfgDir := filepath.Join(m.MountPoint, ".snapshots")

		names, err := readDirNames(cfgDir)
		if err != nil {
			if os.IsPermission(err) {
				return nil, ErrPrivilegeRequired
			}
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}

		roots := make([]model.SnapshotRoot, 0, len(names))
		for _, n := range names {
			if _, err := strconv.Atoi(n); err != nil {
				continue
			}
			roots = append(roots, model.SnapshotRoot{
				Path:       filepath.Join(cfgDir, n, "snapshot"),
				SnapshotID: n,
			})
		}

		return roots, nil
	},
	ExtractTimestamp: func(root model.SnapshotRoot) (time.Time, error) {
		infoPath := filepath.Join(filepath.Dir(root.Path), "info.xml")

		f, err := os.Open(infoPath)
		if err != nil {
			fi, serr := os.Lstat(root.Path)
			if serr != nil {
				return time.Time{}, err
			}
			return statCtime(fi), nil
		}
		defer f.Close()

		var info snapperInfo
		if err := xml.NewDecoder(f).Decode(&info); err != nil {
			return time.Time{}, err
		}

		return time.Parse("2006-01-02 15:04:05", strings.TrimSpace(info.Date.Value))
	},
	NeedsPrivilege: func() bool { return true },
}

// ---- BTRFS Native ----

var btrfsNativeOps = Ops{
	EnumerateRoots: func(ctx context.Context, m model.MountEntry) ([]model.SnapshotRoot, error) {
		out, err := exec.CommandContext(ctx, "btrfs", "subvolume", "list", "-o", m.MountPoint).Output()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, errors.Wrap(err, "btrfs subvolume list")
			}
			return nil, err
		}

		return parseBtrfsSubvolumeList(out, m.MountPoint), nil
	},
	ExtractTimestamp: func(root model.SnapshotRoot) (time.Time, error) {
		fi, err := os.Lstat(root.Path)
		if err != nil {
			return time.Time{}, err
		}
		return statCtime(fi), nil
	},
	NeedsPrivilege: func() bool { return false },
}

// parseBtrfsSubvolumeList parses `btrfs subvolume list -o <mount>` output
// by column, never by shell grep (spec.md §6): each line is
// "ID <id> gen <gen> top level <id> path <relative-path>".
func parseBtrfsSubvolumeList(out []byte, mountPoint string) []model.SnapshotRoot {
	var roots []model.SnapshotRoot

	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())

		var (
			id   string
			path string
		)

		for i := 0; i < len(fields)-1; i++ {
			switch fields[i] {
			case "ID":
				id = fields[i+1]
			case "path":
				path = strings.Join(fields[i+1:], " ")
			}
		}

		if path == "" {
			continue
		}

		roots = append(roots, model.SnapshotRoot{
			Path:       filepath.Join(mountPoint, path),
			SnapshotID: id,
		})
	}

	return roots
}

// ---- NILFS2 ----

var nilfs2Ops = Ops{
	EnumerateRoots: func(ctx context.Context, m model.MountEntry) ([]model.SnapshotRoot, error) {
		out, err := exec.CommandContext(ctx, "lscp", "-s", m.Device).Output()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, ErrPrivilegeRequired
			}
			return nil, err
		}

		return parseLscp(out, m.MountPoint), nil
	},
	ExtractTimestamp: func(root model.SnapshotRoot) (time.Time, error) {
		// timestamp was already parsed from the lscp line.
		return root.Timestamp, nil
	},
	NeedsPrivilege: func() bool { return true },
}

// parseLscp parses `lscp -s` checkpoint-list lines of the form:
//
//	CNO        DATE     TIME        MODE  STATUS
//	2     2024-01-02 03:04:05    ss
func parseLscp(out []byte, mountPoint string) []model.SnapshotRoot {
	var roots []model.SnapshotRoot

	sc := bufio.NewScanner(strings.NewReader(string(out)))
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue // header line
		}

		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}

		cno := fields[0]

		ts, err := time.Parse("2006-01-02 15:04:05", fields[1]+" "+fields[2])
		if err != nil {
			continue
		}

		roots = append(roots, model.SnapshotRoot{
			Path:       filepath.Join(mountPoint, ".nilfs2", "checkpoint", cno),
			SnapshotID: cno,
			Timestamp:  ts,
		})
	}

	return roots
}

// ---- Alt-store (Time Machine / Restic) ----
//
// Alt-stores are modeled as synthetic layouts whose roots come from
// scanning an already-mounted store root (spec.md §4.C): the core engine
// is oblivious to whether a root came from a native snapshot or a backup
// medium. AltStoreRoots, set by the alias package once the store mount
// point is known, supplies the scan.

// AltStoreRootsFunc enumerates the snapshot roots of an alt-store mount.
type AltStoreRootsFunc func(ctx context.Context, m model.MountEntry) ([]model.SnapshotRoot, error)

// altStoreProvider is installed by internal/alias, which owns the mapping
// from a mount point to its alt-store scan function.
var altStoreProvider AltStoreRootsFunc

// SetAltStoreProvider wires the Alias & Alt-Store Map's scan function into
// the layout dispatch table. It must be called once during engine setup,
// before the first Roots() call against an alt-store mount.
func SetAltStoreProvider(f AltStoreRootsFunc) {
	altStoreProvider = f
}

var altStoreOps = Ops{
	EnumerateRoots: func(ctx context.Context, m model.MountEntry) ([]model.SnapshotRoot, error) {
		if altStoreProvider == nil {
			return nil, nil
		}
		return altStoreProvider(ctx, m)
	},
	ExtractTimestamp: func(root model.SnapshotRoot) (time.Time, error) {
		return root.Timestamp, nil
	},
	NeedsPrivilege: func() bool { return false },
}

func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return f.Readdirnames(-1)
}
