package candidates_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mountwalk/httm/internal/candidates"
	"github.com/mountwalk/httm/internal/model"
)

type fakeMounts struct {
	entry model.MountEntry
	ok    bool
}

func (f fakeMounts) Owning(path string) (model.MountEntry, bool) { return f.entry, f.ok }

type fakeRoots struct {
	roots []model.SnapshotRoot
	err   error
}

func (f fakeRoots) Roots(ctx context.Context, m model.MountEntry) ([]model.SnapshotRoot, error) {
	return f.roots, f.err
}

type fakeAliaser struct {
	to string
	ok bool
}

func (f fakeAliaser) Substitute(path string) (string, bool) { return f.to, f.ok }

func TestCandidatesJoinsSnapshotRootWithRelativePath(t *testing.T) {
	mounts := fakeMounts{entry: model.MountEntry{MountPoint: "/home"}, ok: true}
	roots := fakeRoots{roots: []model.SnapshotRoot{
		{Path: "/home/.zfs/snapshot/s1", SnapshotID: "s1", Timestamp: time.Unix(1, 0)},
		{Path: "/home/.zfs/snapshot/s2", SnapshotID: "s2", Timestamp: time.Unix(2, 0)},
	}}

	mp := candidates.New(mounts, roots, nil)

	out, err := mp.Candidates(context.Background(), "/home/user/doc.txt")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "/home/.zfs/snapshot/s1/user/doc.txt", out[0].SnapshotPath)
	require.Equal(t, "/home/.zfs/snapshot/s2/user/doc.txt", out[1].SnapshotPath)
}

func TestCandidatesOutsideAnyMountReturnsEmptyNotError(t *testing.T) {
	mounts := fakeMounts{ok: false}

	mp := candidates.New(mounts, fakeRoots{}, nil)

	out, err := mp.Candidates(context.Background(), "/tmp/somewhere/file")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestCandidatesAppliesAliasBeforeMountLookup(t *testing.T) {
	mounts := fakeMounts{entry: model.MountEntry{MountPoint: "/mnt/backup"}, ok: true}
	roots := fakeRoots{roots: []model.SnapshotRoot{
		{Path: "/mnt/backup/snap1"},
	}}
	aliaser := fakeAliaser{to: "/mnt/backup/live", ok: true}

	mp := candidates.New(mounts, roots, aliaser)

	out, err := mp.Candidates(context.Background(), "/export/live")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "/mnt/backup/snap1/live", out[0].SnapshotPath)
}
