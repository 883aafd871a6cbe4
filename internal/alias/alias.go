// Package alias implements httm's Alias & Alt-Store Map (spec.md §4.C):
// user-supplied live-prefix:snapshot-prefix substitutions, plus the
// synthetic layouts that let Time Machine and Restic stores share the
// Path→Candidates Mapper's interface with native snapshot filesystems.
package alias

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mountwalk/httm/internal/layout"
	"github.com/mountwalk/httm/internal/model"
)

// Pair is one user-supplied live-prefix:snapshot-prefix substitution.
type Pair struct {
	LivePrefix     string
	SnapshotPrefix string
}

// Map holds every alias pair and alt-store registration for one engine
// invocation.
type Map struct {
	pairs []Pair

	// altStores maps a mount point to the function that scans it for
	// snapshot roots (spec.md §4.C: "share §4.D's interface so the rest
	// of the engine is oblivious to their origin").
	altStores map[string]layout.AltStoreRootsFunc
}

// New builds a Map from explicit pairs and the HTTM_ALIASES environment
// variable (recovered from original_source/, SPEC_FULL.md §3.C), which
// holds the same "live:snap[,live:snap...]" syntax for use from shell
// profiles.
func New(pairs []Pair) (*Map, error) {
	m := &Map{altStores: make(map[string]layout.AltStoreRootsFunc)}

	m.pairs = append(m.pairs, pairs...)

	if env := os.Getenv("HTTM_ALIASES"); env != "" {
		for _, clause := range strings.Split(env, ",") {
			clause = strings.TrimSpace(clause)
			if clause == "" {
				continue
			}

			live, snap, ok := strings.Cut(clause, ":")
			if !ok {
				return nil, errors.Errorf("unknown alias syntax in HTTM_ALIASES: %q", clause)
			}

			m.pairs = append(m.pairs, Pair{LivePrefix: live, SnapshotPrefix: snap})
		}
	}

	// Longest live-prefix first, so HasPrefix/Substitute always resolve
	// the most specific alias when several could apply.
	sort.Slice(m.pairs, func(i, j int) bool {
		return len(m.pairs[i].LivePrefix) > len(m.pairs[j].LivePrefix)
	})

	return m, nil
}

// HasPrefix reports whether path falls under any registered alias's live
// prefix; it is consulted by the Mount Inventory to decide whether to
// retain a Foreign mount (spec.md §4.A).
func (m *Map) HasPrefix(path string) bool {
	_, ok := m.match(path)
	return ok
}

// Substitute rewrites path's leading live-prefix to the matching
// snapshot-prefix, if any alias applies.
func (m *Map) Substitute(path string) (string, bool) {
	p, ok := m.match(path)
	if !ok {
		return path, false
	}

	rel := strings.TrimPrefix(path, p.LivePrefix)
	return filepath.Join(p.SnapshotPrefix, rel), true
}

func (m *Map) match(path string) (Pair, bool) {
	for _, p := range m.pairs {
		if path == p.LivePrefix || strings.HasPrefix(path, p.LivePrefix+"/") {
			return p, true
		}
	}

	return Pair{}, false
}

// RegisterTimeMachine wires a Time Machine backup store mount point as a
// synthetic layout: roots are
// "<mnt>/Backups.backupdb/<host>/<date>/Data/<live-path-relative-to-M>"
// (spec.md §6).
func (m *Map) RegisterTimeMachine(storeMount string) {
	m.altStores[storeMount] = func(ctx context.Context, mount model.MountEntry) ([]model.SnapshotRoot, error) {
		backupdb := filepath.Join(storeMount, "Backups.backupdb")

		hosts, err := readDirNames(backupdb)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}

		var roots []model.SnapshotRoot

		for _, host := range hosts {
			dates, err := readDirNames(filepath.Join(backupdb, host))
			if err != nil {
				continue
			}

			for _, date := range dates {
				ts, terr := time.Parse("2006-01-02-150405", date)
				root := model.SnapshotRoot{
					Path:       filepath.Join(backupdb, host, date, "Data"),
					SnapshotID: host + "/" + date,
				}
				if terr == nil {
					root.Timestamp = ts
				}
				roots = append(roots, root)
			}
		}

		return roots, nil
	}

	layout.SetAltStoreProvider(m.lookupAltStore)
}

// RegisterRestic wires a Restic FUSE mount point as a synthetic layout:
// roots are "<mnt>/snapshots/<id>/<original-prefix>" (spec.md §6).
func (m *Map) RegisterRestic(storeMount string) {
	m.altStores[storeMount] = func(ctx context.Context, mount model.MountEntry) ([]model.SnapshotRoot, error) {
		snapDir := filepath.Join(storeMount, "snapshots")

		ids, err := readDirNames(snapDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}

		roots := make([]model.SnapshotRoot, 0, len(ids))
		for _, id := range ids {
			if id == "latest" {
				continue // symlink alias for the newest id; avoid double-counting.
			}
			roots = append(roots, model.SnapshotRoot{
				Path:       filepath.Join(snapDir, id),
				SnapshotID: id,
			})
		}

		return roots, nil
	}

	layout.SetAltStoreProvider(m.lookupAltStore)
}

func (m *Map) lookupAltStore(ctx context.Context, mnt model.MountEntry) ([]model.SnapshotRoot, error) {
	f, ok := m.altStores[mnt.MountPoint]
	if !ok {
		return nil, nil
	}
	return f(ctx, mnt)
}

func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return f.Readdirnames(-1)
}
