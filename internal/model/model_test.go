package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mountwalk/httm/internal/model"
)

func TestPathDataIdentityMetadata(t *testing.T) {
	a := model.PathData{ModTime: time.Unix(1, 0), Size: 10}
	b := model.PathData{ModTime: time.Unix(1, 0), Size: 10}
	c := model.PathData{ModTime: time.Unix(2, 0), Size: 10}

	require.Equal(t, a.Identity(model.UniquenessMetadata), b.Identity(model.UniquenessMetadata))
	require.NotEqual(t, a.Identity(model.UniquenessMetadata), c.Identity(model.UniquenessMetadata))
}

func TestPathDataIdentityContentsNeedsHash(t *testing.T) {
	a := model.PathData{Size: 10, ContentHash: []byte("x")}
	b := model.PathData{Size: 10, ContentHash: []byte("x")}
	c := model.PathData{Size: 10, ContentHash: []byte("y")}

	require.Equal(t, a.Identity(model.UniquenessContents), b.Identity(model.UniquenessContents))
	require.NotEqual(t, a.Identity(model.UniquenessContents), c.Identity(model.UniquenessContents))
}

func TestPathDataIdentityAllNeverCollapses(t *testing.T) {
	a := model.PathData{SnapshotPath: "/snap/1/f"}
	b := model.PathData{SnapshotPath: "/snap/1/f"}

	// UniquenessAll keys by snapshot path: two distinct PathData values that
	// happen to share a path would collapse, but distinct paths never do.
	require.Equal(t, a.Identity(model.UniquenessAll), b.Identity(model.UniquenessAll))

	c := model.PathData{SnapshotPath: "/snap/2/f"}
	require.NotEqual(t, a.Identity(model.UniquenessAll), c.Identity(model.UniquenessAll))
}

func TestParseRestoreMode(t *testing.T) {
	cases := map[string]model.RestoreMode{
		"":          model.RestoreCopy,
		"copy":      model.RestoreCopy,
		"overwrite": model.RestoreOverwrite,
		"guard":     model.RestoreGuard,
		"yolo":      model.RestoreYolo,
	}

	for in, want := range cases {
		got, ok := model.ParseRestoreMode(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}

	_, ok := model.ParseRestoreMode("bogus")
	require.False(t, ok)
}
