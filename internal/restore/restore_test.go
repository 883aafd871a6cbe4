package restore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mountwalk/httm/internal/model"
	"github.com/mountwalk/httm/internal/restore"
)

func TestSnapshotNameFormatsPrefixTimestampSuffix(t *testing.T) {
	when := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)

	name := restore.SnapshotName("snap", "httm", when, true, false)
	require.Equal(t, "snap_2024-03-04-05:06:07_httm", name)
}

func TestSnapshotNameDisambiguateAppendsUUID(t *testing.T) {
	when := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)

	name := restore.SnapshotName("snap", "httm", when, true, true)
	require.Greater(t, len(name), len("snap_2024-03-04-05:06:07_httm"))
}

func TestCreateSnapshotRejectsUnsupportedLayout(t *testing.T) {
	c := restore.New(
		func(ctx context.Context, src, dst string, level model.UniquenessLevel) (bool, error) { return false, nil },
		map[model.LayoutKind]restore.SnapshotCreator{},
	)

	ds := model.MountEntry{MountPoint: t.TempDir(), Kind: model.LayoutForeign}

	_, err := c.CreateSnapshot(context.Background(), []restore.DatasetGroup{{Dataset: ds, Paths: []string{"/x"}}}, "snap", "httm", true)
	require.ErrorIs(t, err, restore.ErrNotSnapshotCapable)
}

func TestRestoreCopyRefusesIdentityEqualSourceAndDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("same"), 0o644))

	c := restore.New(
		func(ctx context.Context, s, d string, level model.UniquenessLevel) (bool, error) { return true, nil },
		nil,
	)

	err := c.RestoreCopy(context.Background(), model.RestoreRequest{
		Source: src, Destination: dst, Mode: model.RestoreOverwrite,
	}, nil)
	require.ErrorIs(t, err, restore.ErrRestoreConflict)
}

func TestRestoreCopyYoloSkipsIdentityCheck(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("new content"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("old content"), 0o644))

	identityCalled := false
	c := restore.New(
		func(ctx context.Context, s, d string, level model.UniquenessLevel) (bool, error) {
			identityCalled = true
			return true, nil
		},
		nil,
	)

	err := c.RestoreCopy(context.Background(), model.RestoreRequest{
		Source: src, Destination: dst, Mode: model.RestoreYolo,
	}, nil)
	require.NoError(t, err)
	require.False(t, identityCalled)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "new content", string(got))
}

func TestRestoreCopyModeRefusesExistingDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("b"), 0o644))

	c := restore.New(
		func(ctx context.Context, s, d string, level model.UniquenessLevel) (bool, error) { return false, nil },
		nil,
	)

	err := c.RestoreCopy(context.Background(), model.RestoreRequest{
		Source: src, Destination: dst, Mode: model.RestoreCopy,
	}, nil)
	require.Error(t, err)
}

// fakeSnapshotCreator records the name it was asked to create and
// materializes a directory tree for it under root, simulating a real
// snapshot-create command followed by the kernel exposing it at a
// predictable path.
func fakeSnapshotCreator(root string, contents func(name, dir string)) (restore.SnapshotCreator, func() []string) {
	var created []string

	creator := func(ctx context.Context, ds model.MountEntry, name string) error {
		created = append(created, name)

		dir := filepath.Join(root, ".zfs", "snapshot", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}

		if contents != nil {
			contents(name, dir)
		}

		return nil
	}

	return creator, func() []string { return created }
}

func copyDirForTest(t *testing.T, src, dst string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dst, 0o755))

	entries, err := os.ReadDir(src)
	require.NoError(t, err)

	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())

		if e.IsDir() {
			copyDirForTest(t, s, d)
			continue
		}

		data, err := os.ReadFile(s)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(d, data, 0o644))
	}
}

func TestRollForwardRemovesFileAddedAfterSnapshot(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snap-source")
	liveDir := filepath.Join(dir, "live")

	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, "a"), []byte("a"), 0o644))
	copyDirForTest(t, snapDir, liveDir)
	require.NoError(t, os.WriteFile(filepath.Join(liveDir, "x"), []byte("new"), 0o644))

	creator, createdNames := fakeSnapshotCreator(dir, nil)
	c := restore.New(
		func(ctx context.Context, s, d string, level model.UniquenessLevel) (bool, error) { return false, nil },
		map[model.LayoutKind]restore.SnapshotCreator{model.LayoutZFS: creator},
	)

	ds := model.MountEntry{MountPoint: dir, Kind: model.LayoutZFS}

	result, err := c.RollForward(context.Background(), restore.RollForwardRequest{
		Dataset:      ds,
		SnapshotRoot: snapDir,
		SnapshotName: "snap_A",
		LiveRoot:     liveDir,
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Changed)
	require.NotEmpty(t, result.PreSnapshot)
	require.NotEmpty(t, result.PostSnapshot)
	require.Len(t, createdNames(), 2)

	_, err = os.Stat(filepath.Join(liveDir, "x"))
	require.True(t, os.IsNotExist(err))

	got, err := os.ReadFile(filepath.Join(liveDir, "a"))
	require.NoError(t, err)
	require.Equal(t, "a", string(got))
}

func TestRollForwardIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snap-source")
	liveDir := filepath.Join(dir, "live")

	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, "a"), []byte("a"), 0o644))
	copyDirForTest(t, snapDir, liveDir)

	creator, _ := fakeSnapshotCreator(dir, nil)
	c := restore.New(
		func(ctx context.Context, s, d string, level model.UniquenessLevel) (bool, error) { return false, nil },
		map[model.LayoutKind]restore.SnapshotCreator{model.LayoutZFS: creator},
	)

	ds := model.MountEntry{MountPoint: dir, Kind: model.LayoutZFS}

	result, err := c.RollForward(context.Background(), restore.RollForwardRequest{
		Dataset:      ds,
		SnapshotRoot: snapDir,
		SnapshotName: "snap_A",
		LiveRoot:     liveDir,
	})
	require.NoError(t, err)
	require.Equal(t, 0, result.Changed)
}

func TestRollForwardRejectsUnsupportedLayout(t *testing.T) {
	dir := t.TempDir()

	c := restore.New(
		func(ctx context.Context, s, d string, level model.UniquenessLevel) (bool, error) { return false, nil },
		nil,
	)

	_, err := c.RollForward(context.Background(), restore.RollForwardRequest{
		Dataset:      model.MountEntry{MountPoint: dir, Kind: model.LayoutZFS},
		SnapshotRoot: filepath.Join(dir, "snap"),
		SnapshotName: "snap_A",
		LiveRoot:     filepath.Join(dir, "live"),
	})
	require.ErrorIs(t, err, restore.ErrNotSnapshotCapable)
}
