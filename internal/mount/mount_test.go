package mount

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mountwalk/httm/internal/model"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		fsType string
		opts   []string
		want   model.LayoutKind
	}{
		{"zfs", nil, model.LayoutZFS},
		{"btrfs", []string{"subvol=/.snapshots/1/snapshot"}, model.LayoutBtrfsSnapper},
		{"btrfs", []string{"subvol=/data"}, model.LayoutBtrfsNative},
		{"nilfs2", nil, model.LayoutNILFS2},
		{"apfs", []string{"timemachine"}, model.LayoutAppleTimeMachine},
		{"apfs", nil, model.LayoutForeign},
		{"fuse.restic", nil, model.LayoutResticFUSE},
		{"ext4", nil, model.LayoutForeign},
	}

	for _, c := range cases {
		got := classify(c.fsType, c.opts)
		require.Equal(t, c.want, got, c.fsType)
	}
}

func TestOptsToAttrs(t *testing.T) {
	attrs := optsToAttrs([]string{"ro", "subvol=/data"})
	require.Equal(t, "", attrs["ro"])
	require.Equal(t, "/data", attrs["subvol"])
}

type fakeAliasSet struct{ prefixes []string }

func (f fakeAliasSet) HasPrefix(path string) bool {
	for _, p := range f.prefixes {
		if len(path) >= len(p) && path[:len(p)] == p {
			return true
		}
	}
	return false
}

func TestInventoryOwningPicksLongestPrefix(t *testing.T) {
	inv := &Inventory{entries: []model.MountEntry{
		{MountPoint: "/data/sub"},
		{MountPoint: "/data"},
		{MountPoint: "/"},
	}}

	got, ok := inv.Owning("/data/sub/file.txt")
	require.True(t, ok)
	require.Equal(t, "/data/sub", got.MountPoint)

	got, ok = inv.Owning("/data/other.txt")
	require.True(t, ok)
	require.Equal(t, "/data", got.MountPoint)

	got, ok = inv.Owning("/unrelated.txt")
	require.True(t, ok)
	require.Equal(t, "/", got.MountPoint)
}
