package walk_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mountwalk/httm/internal/model"
	"github.com/mountwalk/httm/internal/walk"
)

// fsNode models a tiny in-memory directory tree for Walker tests, grounded
// on the same fake-filesystem approach used for the Deleted-File
// Reconstructor's tests.
type fsNode struct {
	isDir    bool
	children []string
}

func TestWalkEmitsEveryLivePath(t *testing.T) {
	tree := map[string]fsNode{
		"/root":          {isDir: true, children: []string{"a.txt", "sub"}},
		"/root/a.txt":    {isDir: false},
		"/root/sub":      {isDir: true, children: []string{"b.txt"}},
		"/root/sub/b.txt": {isDir: false},
	}

	w := walk.New(func(ctx context.Context, path string) ([]model.PathData, error) {
		return []model.PathData{{SnapshotPath: path, IsLive: true}}, nil
	}, nil, 2, 0)

	w.ReadDirNames = func(dir string) ([]string, error) {
		return tree[dir].children, nil
	}
	w.IsDir = func(path string) (bool, error) {
		return tree[path].isDir, nil
	}

	var seen []string
	_, err := w.Walk(context.Background(), []string{"/root"}, func(r walk.Result) error {
		seen = append(seen, r.Path)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"/root", "/root/a.txt", "/root/sub", "/root/sub/b.txt"}, seen)
}

func TestWalkPropagatesEmitError(t *testing.T) {
	tree := map[string]fsNode{
		"/root": {isDir: true, children: []string{"a.txt"}},
	}

	w := walk.New(func(ctx context.Context, path string) ([]model.PathData, error) {
		return []model.PathData{{SnapshotPath: path, IsLive: true}}, nil
	}, nil, 1, 0)

	w.ReadDirNames = func(dir string) ([]string, error) { return tree[dir].children, nil }
	w.IsDir = func(path string) (bool, error) { return tree[path].isDir, nil }

	boom := context.Canceled

	_, err := w.Walk(context.Background(), []string{"/root"}, func(r walk.Result) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestWalkRespectsMaxDepth(t *testing.T) {
	tree := map[string]fsNode{
		"/root":          {isDir: true, children: []string{"sub"}},
		"/root/sub":      {isDir: true, children: []string{"sub2"}},
		"/root/sub/sub2": {isDir: true, children: []string{"deep.txt"}},
	}

	w := walk.New(func(ctx context.Context, path string) ([]model.PathData, error) {
		return []model.PathData{{SnapshotPath: path, IsLive: true}}, nil
	}, nil, 1, 1)

	w.ReadDirNames = func(dir string) ([]string, error) { return tree[dir].children, nil }
	w.IsDir = func(path string) (bool, error) {
		n, ok := tree[path]
		if !ok {
			return false, nil
		}
		return n.isDir, nil
	}

	var seen []string
	_, err := w.Walk(context.Background(), []string{"/root"}, func(r walk.Result) error {
		seen = append(seen, r.Path)
		return nil
	})
	require.NoError(t, err)
	require.Contains(t, seen, "/root")
	require.Contains(t, seen, "/root/sub")
	require.NotContains(t, seen, "/root/sub/sub2")
	require.NotContains(t, seen, "/root/sub/sub2/deep.txt")
}
