package sink_test

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mountwalk/httm/internal/model"
	"github.com/mountwalk/httm/internal/sink"
)

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]sink.Format{
		"":         sink.FormatColumnar,
		"columnar": sink.FormatColumnar,
		"tab":      sink.FormatTab,
		"csv":      sink.FormatCSV,
		"json":     sink.FormatJSON,
		"raw":      sink.FormatRaw,
		"null":     sink.FormatNull,
	} {
		got, ok := sink.ParseFormat(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}

	_, ok := sink.ParseFormat("bogus")
	require.False(t, ok)
}

func TestRawSinkOnePathPerLine(t *testing.T) {
	var buf bytes.Buffer

	s := sink.New(sink.FormatRaw, &buf)
	require.NoError(t, s.Write(sink.Record{
		Path: "/live/f",
		Versions: []model.PathData{
			{SnapshotPath: "/snap/1/f"},
			{SnapshotPath: "/snap/2/f"},
		},
	}))
	require.NoError(t, s.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Equal(t, []string{"/snap/1/f", "/snap/2/f"}, lines)
}

func TestNullSinkDelimitsPathsWithNUL(t *testing.T) {
	var buf bytes.Buffer

	s := sink.New(sink.FormatNull, &buf)
	require.NoError(t, s.Write(sink.Record{
		Path: "/x",
		Versions: []model.PathData{
			{SnapshotPath: "/snap/1/x"},
			{SnapshotPath: "/snap/2/x"},
		},
	}))
	require.NoError(t, s.Close())

	parts := strings.Split(buf.String(), "\x00")
	require.Equal(t, []string{"/snap/1/x", "/snap/2/x", ""}, parts)
}

func TestCSVSinkWritesHeaderAndRows(t *testing.T) {
	var buf bytes.Buffer

	s := sink.New(sink.FormatCSV, &buf)
	require.NoError(t, s.Write(sink.Record{
		Path: "/live/f",
		Versions: []model.PathData{
			{SnapshotPath: "/snap/1/f", ModTime: time.Unix(0, 0).UTC(), Size: 5, IsLive: false},
			{SnapshotPath: "/live/f", ModTime: time.Unix(0, 0).UTC(), Size: 5, IsLive: true},
		},
	}))
	require.NoError(t, s.Close())

	r := csv.NewReader(strings.NewReader(buf.String()))
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3) // header + 2 rows
	require.Equal(t, []string{"path", "mtime", "size", "snapshot_path", "state"}, records[0])
	require.Equal(t, "snapshot", records[1][4])
	require.Equal(t, "live", records[2][4])
}

func TestJSONSinkWrapsStreamInArray(t *testing.T) {
	var buf bytes.Buffer

	s := sink.New(sink.FormatJSON, &buf)
	require.NoError(t, s.Write(sink.Record{
		Path:    "/live/f",
		Deleted: &model.DeletedEntry{Name: "f", LastAppearance: model.PathData{SnapshotPath: "/snap/1/f", Size: 3}},
	}))
	require.NoError(t, s.Close())

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	require.Equal(t, "/snap/1/f", decoded[0]["path"])
	require.Equal(t, false, decoded[0]["live"])
	require.Contains(t, decoded[0], "date")
	require.Contains(t, decoded[0], "size")
}

func TestJSONSinkEmptyStreamIsEmptyArray(t *testing.T) {
	var buf bytes.Buffer

	s := sink.New(sink.FormatJSON, &buf)
	require.NoError(t, s.Close())
	require.Equal(t, "[]", buf.String())
}

// TestJSONSinkRoundTrip exercises spec.md §8's JSON round-trip property:
// emitting a stream and parsing it back yields records equal to the
// originals on (date, size, path, live).
func TestJSONSinkRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	mtA := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mtB := time.Date(2024, 6, 7, 8, 9, 10, 0, time.UTC)

	s := sink.New(sink.FormatJSON, &buf)
	require.NoError(t, s.Write(sink.Record{
		Path: "/live/f",
		Versions: []model.PathData{
			{SnapshotPath: "/snap/1/f", ModTime: mtA, Size: 5},
			{SnapshotPath: "/live/f", ModTime: mtB, Size: 7, IsLive: true},
		},
	}))
	require.NoError(t, s.Close())

	var decoded []struct {
		Date string `json:"date"`
		Size int64  `json:"size"`
		Path string `json:"path"`
		Live bool   `json:"live"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)

	for i, d := range decoded {
		parsed, err := time.Parse(time.RFC3339, d.Date)
		require.NoError(t, err)
		require.True(t, parsed.Equal([]time.Time{mtA, mtB}[i]))
	}
	require.Equal(t, "/snap/1/f", decoded[0].Path)
	require.Equal(t, int64(5), decoded[0].Size)
	require.False(t, decoded[0].Live)
	require.Equal(t, "/live/f", decoded[1].Path)
	require.Equal(t, int64(7), decoded[1].Size)
	require.True(t, decoded[1].Live)
}
