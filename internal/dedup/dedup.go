// Package dedup implements httm's Deduplication Filter (spec.md §4.F): a
// stateful, single-pass collapse of the ordered version stream by
// configurable identity, followed by composable ditto/last-snap/omit
// policies.
package dedup

import (
	"context"

	"github.com/mountwalk/httm/internal/hash"
	"github.com/mountwalk/httm/internal/model"
)

// Filter applies one model.DedupPolicy to an ordered []model.PathData.
type Filter struct {
	Policy model.DedupPolicy
	// Hash defaults to hash.File; overridable for tests.
	Hash func(ctx context.Context, path string) ([]byte, error)
}

// New returns a Filter for the given policy.
func New(policy model.DedupPolicy) *Filter {
	return &Filter{Policy: policy, Hash: hash.File}
}

// Apply collapses versions (already sorted per spec.md §4.E) by identity
// under f.Policy.Level, then applies the composable policies. The input
// slice is not mutated.
//
// Applying Apply twice to an already-filtered stream is a no-op
// (spec.md §8 invariant 5): collapse only ever drops an entry whose
// identity equals its immediate predecessor's, and a second pass over an
// already-collapsed, already-policy-filtered stream finds no more such
// adjacent pairs and no policy target left to drop.
func (f *Filter) Apply(ctx context.Context, versions []model.PathData) ([]model.PathData, error) {
	collapsed, err := f.collapse(ctx, versions)
	if err != nil {
		return nil, err
	}

	return f.applyPolicies(ctx, collapsed)
}

func (f *Filter) collapse(ctx context.Context, versions []model.PathData) ([]model.PathData, error) {
	if f.Policy.Level == model.UniquenessAll || len(versions) == 0 {
		return append([]model.PathData(nil), versions...), nil
	}

	out := make([]model.PathData, 0, len(versions))
	out = append(out, versions[0])

	for i := 1; i < len(versions); i++ {
		prev := &out[len(out)-1]
		cur := versions[i]

		if cur.IsLive || prev.IsLive {
			// The live entry is never collapsed into a snapshot entry;
			// omit-ditto and last-snap decide how it relates to them.
			out = append(out, cur)
			continue
		}

		same, err := f.identical(ctx, prev, &cur)
		if err != nil {
			return nil, err
		}

		if !same {
			out = append(out, cur)
		}
		// else: drop cur, keeping the earlier (already-kept) entry
		// (spec.md: "keep the earliest... canonical snapshot").
	}

	return out, nil
}

// identical reports whether prev and cur share identity under the active
// uniqueness level. For UniquenessContents it lazily hashes: if sizes
// differ, no hash is computed at all (spec.md §4.F).
func (f *Filter) identical(ctx context.Context, prev, cur *model.PathData) (bool, error) {
	if f.Policy.Level == model.UniquenessMetadata {
		return prev.ModTime.Equal(cur.ModTime) && prev.Size == cur.Size, nil
	}

	// UniquenessContents.
	if prev.Size != cur.Size {
		return false, nil
	}

	if err := f.ensureHash(ctx, prev); err != nil {
		return false, err
	}
	if err := f.ensureHash(ctx, cur); err != nil {
		return false, err
	}

	return string(prev.ContentHash) == string(cur.ContentHash), nil
}

func (f *Filter) ensureHash(ctx context.Context, pd *model.PathData) error {
	if len(pd.ContentHash) > 0 {
		return nil
	}

	path := pd.SnapshotPath

	h, err := f.Hash(ctx, path)
	if err != nil {
		return err
	}

	pd.ContentHash = h

	return nil
}

// applyPolicies applies omit-ditto, no-live, no-snap, and last-snap
// (spec.md §4.F). It assumes the live entry, if present, is the final
// element (spec.md §3: "at most one live-file entry, conceptually
// appended at the tail").
func (f *Filter) applyPolicies(ctx context.Context, versions []model.PathData) ([]model.PathData, error) {
	var live *model.PathData

	snapshots := make([]model.PathData, 0, len(versions))
	for i := range versions {
		if versions[i].IsLive {
			v := versions[i]
			live = &v
			continue
		}
		snapshots = append(snapshots, versions[i])
	}

	if f.Policy.OmitDitto && live != nil {
		filtered := snapshots[:0:0]
		for i := range snapshots {
			eq, err := f.identityEqual(ctx, &snapshots[i], live)
			if err != nil {
				return nil, err
			}
			if !eq {
				filtered = append(filtered, snapshots[i])
			}
		}
		snapshots = filtered
	}

	if f.Policy.NoSnap {
		snapshots = nil
	}

	snapshots, err := f.applyLastSnap(ctx, snapshots, live)
	if err != nil {
		return nil, err
	}

	out := snapshots
	if !f.Policy.NoLive && live != nil {
		out = append(out, *live)
	}

	return out, nil
}

// identityEqual reports whether a and b share identity under the active
// uniqueness level. Unlike collapse, which only ever compares adjacent
// same-position entries, callers here (omit-ditto, last-snap) compare
// arbitrary pairs that collapse's single adjacent-pair pass may never
// have hashed, so content hashes are resolved lazily right here rather
// than trusted from whatever collapse happened to populate.
func (f *Filter) identityEqual(ctx context.Context, a, b *model.PathData) (bool, error) {
	switch f.Policy.Level {
	case model.UniquenessMetadata:
		return a.ModTime.Equal(b.ModTime) && a.Size == b.Size, nil
	case model.UniquenessContents:
		if a.Size != b.Size {
			return false, nil
		}
		if err := f.ensureHash(ctx, a); err != nil {
			return false, err
		}
		if err := f.ensureHash(ctx, b); err != nil {
			return false, err
		}
		return string(a.ContentHash) == string(b.ContentHash), nil
	default:
		return false, nil
	}
}

func (f *Filter) applyLastSnap(ctx context.Context, snapshots []model.PathData, live *model.PathData) ([]model.PathData, error) {
	if f.Policy.LastSnap == model.LastSnapNone || len(snapshots) == 0 {
		return snapshots, nil
	}

	last := &snapshots[len(snapshots)-1]

	switch f.Policy.LastSnap {
	case model.LastSnapAny:
		return []model.PathData{*last}, nil
	case model.LastSnapNoDitto, model.LastSnapNoDittoInclusive:
		if live != nil {
			eq, err := f.identityEqual(ctx, last, live)
			if err != nil {
				return nil, err
			}
			if eq {
				return nil, nil
			}
		}
		return []model.PathData{*last}, nil
	default:
		return snapshots, nil
	}
}
