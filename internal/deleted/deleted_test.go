package deleted_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mountwalk/httm/internal/candidates"
	"github.com/mountwalk/httm/internal/deleted"
	"github.com/mountwalk/httm/internal/model"
)

type fakeFileInfo struct {
	modTime time.Time
	size    int64
}

func (f fakeFileInfo) Name() string       { return "" }
func (f fakeFileInfo) Size() int64        { return f.size }
func (f fakeFileInfo) Mode() os.FileMode  { return 0o644 }
func (f fakeFileInfo) ModTime() time.Time { return f.modTime }
func (f fakeFileInfo) IsDir() bool        { return false }
func (f fakeFileInfo) Sys() any           { return nil }

func TestReconstructReportsOnlyNamesAbsentFromLive(t *testing.T) {
	r := deleted.New(func(ctx context.Context, livePath string) ([]candidates.Candidate, error) {
		return []candidates.Candidate{
			{SnapshotPath: "/snap/1/dir", Root: model.SnapshotRoot{SnapshotID: "s1", Timestamp: time.Unix(1, 0)}},
			{SnapshotPath: "/snap/2/dir", Root: model.SnapshotRoot{SnapshotID: "s2", Timestamp: time.Unix(2, 0)}},
		}, nil
	})

	r.ReadDirNames = func(dir string) ([]string, error) {
		switch dir {
		case "/snap/1/dir":
			return []string{"gone.txt", "renamed.txt"}, nil
		case "/snap/2/dir":
			return []string{"renamed.txt", "still-deleted.txt"}, nil
		case "/live/dir":
			return []string{"renamed.txt"}, nil
		default:
			return nil, os.ErrNotExist
		}
	}
	r.Stat = func(path string) (os.FileInfo, error) {
		return fakeFileInfo{modTime: time.Unix(1, 0), size: 1}, nil
	}

	out, err := r.Reconstruct(context.Background(), "/live/dir")
	require.NoError(t, err)

	names := map[string]model.DeletedEntry{}
	for _, d := range out {
		names[d.Name] = d
	}

	require.Contains(t, names, "gone.txt")
	require.Contains(t, names, "still-deleted.txt")
	require.NotContains(t, names, "renamed.txt")

	// still-deleted.txt last appeared in the newer snapshot s2.
	require.Equal(t, "s2", names["still-deleted.txt"].LastSnapshotID)
	require.Equal(t, "s1", names["gone.txt"].LastSnapshotID)
}

func TestReconstructSkipsStep3WhenLiveDirMissing(t *testing.T) {
	r := deleted.New(func(ctx context.Context, livePath string) ([]candidates.Candidate, error) {
		return []candidates.Candidate{
			{SnapshotPath: "/snap/1/dir", Root: model.SnapshotRoot{SnapshotID: "s1"}},
		}, nil
	})

	r.ReadDirNames = func(dir string) ([]string, error) {
		if dir == "/snap/1/dir" {
			return []string{"a.txt"}, nil
		}
		return nil, os.ErrNotExist
	}
	r.Stat = func(path string) (os.FileInfo, error) {
		return fakeFileInfo{modTime: time.Unix(1, 0), size: 1}, nil
	}

	out, err := r.Reconstruct(context.Background(), "/live/gone-dir")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "a.txt", out[0].Name)
}
