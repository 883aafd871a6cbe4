// Package sink implements httm's Output Sink (spec.md §4.J): streaming
// formatters that consume PathData/DeletedEntry results as they arrive
// from the Recursive Walker, never buffering a whole run in memory.
package sink

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/mountwalk/httm/internal/model"
)

// Format selects one of spec.md §4.J's output formats.
type Format int

// Supported formats.
const (
	FormatColumnar Format = iota
	FormatTab
	FormatCSV
	FormatJSON
	FormatRaw
	FormatNull
)

// ParseFormat parses the --fmt flag values; the empty string selects the
// columnar default.
func ParseFormat(s string) (Format, bool) {
	switch s {
	case "", "columnar":
		return FormatColumnar, true
	case "tab":
		return FormatTab, true
	case "csv":
		return FormatCSV, true
	case "json":
		return FormatJSON, true
	case "raw":
		return FormatRaw, true
	case "null":
		return FormatNull, true
	default:
		return FormatColumnar, false
	}
}

// Record is one emitted row: a live path plus either its version history
// or a single deleted entry (mirrors walk.Result, decoupled so sink does
// not depend on the walk package).
type Record struct {
	Path     string
	Versions []model.PathData
	Deleted  *model.DeletedEntry
}

// Sink consumes Records in the order the walker produces them. Write must
// be safe to call from a single goroutine only (the walker serializes
// emission); Close flushes any buffering and reports the first write
// error, if any.
type Sink interface {
	Write(Record) error
	Close() error
}

// New constructs the Sink for format, writing to w.
func New(format Format, w io.Writer) Sink {
	switch format {
	case FormatTab:
		return newTabSink(w)
	case FormatCSV:
		return newCSVSink(w)
	case FormatJSON:
		return newJSONSink(w)
	case FormatRaw:
		return newRawSink(w)
	case FormatNull:
		return newNullDelimitedSink(w)
	default:
		return newColumnarSink(w)
	}
}

// nullDelimitedSink prints one snapshot path per record, NUL-terminated
// instead of newline-terminated, for piping into `xargs -0` when a path
// may itself contain newlines (spec.md §4.J's "null-delimited" format).
type nullDelimitedSink struct {
	w   *bufio.Writer
	err error
}

func newNullDelimitedSink(w io.Writer) *nullDelimitedSink {
	return &nullDelimitedSink{w: bufio.NewWriter(w)}
}

func (s *nullDelimitedSink) Write(r Record) error {
	if s.err != nil {
		return s.err
	}

	if r.Deleted != nil {
		_, s.err = fmt.Fprint(s.w, r.Deleted.LastAppearance.SnapshotPath, "\x00")
		return s.err
	}

	for _, v := range r.Versions {
		if _, err := fmt.Fprint(s.w, v.SnapshotPath, "\x00"); err != nil {
			s.err = err
			return err
		}
	}

	return nil
}

func (s *nullDelimitedSink) Close() error {
	if err := s.w.Flush(); err != nil && s.err == nil {
		s.err = err
	}
	return s.err
}

// rawSink prints one snapshot path per line, bare, for shell-pipeline
// consumption (spec.md §4.J: "raw: one path per line, no other fields").
type rawSink struct {
	w   *bufio.Writer
	err error
}

func newRawSink(w io.Writer) *rawSink {
	return &rawSink{w: bufio.NewWriter(w)}
}

func (s *rawSink) Write(r Record) error {
	if s.err != nil {
		return s.err
	}

	if r.Deleted != nil {
		_, s.err = fmt.Fprintln(s.w, r.Deleted.LastAppearance.SnapshotPath)
		return s.err
	}

	for _, v := range r.Versions {
		if _, err := fmt.Fprintln(s.w, v.SnapshotPath); err != nil {
			s.err = err
			return err
		}
	}

	return nil
}

func (s *rawSink) Close() error {
	if err := s.w.Flush(); err != nil && s.err == nil {
		s.err = err
	}
	return s.err
}

// columnarSink is the human-facing default: one block per live path,
// aligned columns for mtime/size/snapshot-path (spec.md §4.J).
type columnarSink struct {
	w   *tabwriter.Writer
	err error
}

func newColumnarSink(w io.Writer) *columnarSink {
	return &columnarSink{w: tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)}
}

func (s *columnarSink) Write(r Record) error {
	if s.err != nil {
		return s.err
	}

	if r.Deleted != nil {
		_, s.err = fmt.Fprintf(s.w, "%s\t%s\t%s (deleted)\n",
			r.Deleted.LastAppearance.ModTime.Format("2006-01-02 15:04:05"),
			sizeStr(r.Deleted.LastAppearance.Size),
			r.Deleted.LastAppearance.SnapshotPath)
		return s.err
	}

	for _, v := range r.Versions {
		tag := ""
		if v.IsLive {
			tag = " (live)"
		}

		_, s.err = fmt.Fprintf(s.w, "%s\t%s\t%s%s\n",
			v.ModTime.Format("2006-01-02 15:04:05"),
			sizeStr(v.Size),
			v.SnapshotPath,
			tag)
		if s.err != nil {
			return s.err
		}
	}

	return nil
}

func (s *columnarSink) Close() error {
	if err := s.w.Flush(); err != nil && s.err == nil {
		s.err = err
	}
	return s.err
}

func sizeStr(n int64) string {
	return strconv.FormatInt(n, 10)
}

// tabSink is columnarSink without alignment: raw tab-separated fields,
// for machine consumers that want fixed column counts without CSV
// escaping (spec.md §4.J).
type tabSink struct {
	w   *bufio.Writer
	err error
}

func newTabSink(w io.Writer) *tabSink {
	return &tabSink{w: bufio.NewWriter(w)}
}

func (s *tabSink) Write(r Record) error {
	if s.err != nil {
		return s.err
	}

	if r.Deleted != nil {
		_, s.err = fmt.Fprintf(s.w, "%s\t%s\t%d\t%s\tdeleted\n",
			r.Path,
			r.Deleted.LastAppearance.ModTime.Format(time3339),
			r.Deleted.LastAppearance.Size,
			r.Deleted.LastAppearance.SnapshotPath)
		return s.err
	}

	for _, v := range r.Versions {
		state := "snapshot"
		if v.IsLive {
			state = "live"
		}

		_, s.err = fmt.Fprintf(s.w, "%s\t%s\t%d\t%s\t%s\n",
			r.Path, v.ModTime.Format(time3339), v.Size, v.SnapshotPath, state)
		if s.err != nil {
			return s.err
		}
	}

	return nil
}

func (s *tabSink) Close() error {
	if err := s.w.Flush(); err != nil && s.err == nil {
		s.err = err
	}
	return s.err
}

const time3339 = "2006-01-02T15:04:05Z07:00"

// csvSink writes RFC 4180 records via encoding/csv (spec.md §4.J).
type csvSink struct {
	w   *csv.Writer
	err error
}

func newCSVSink(w io.Writer) *csvSink {
	cw := csv.NewWriter(w)
	cw.Write([]string{"path", "mtime", "size", "snapshot_path", "state"}) //nolint:errcheck

	return &csvSink{w: cw}
}

func (s *csvSink) Write(r Record) error {
	if s.err != nil {
		return s.err
	}

	if r.Deleted != nil {
		s.err = s.w.Write([]string{
			r.Path,
			r.Deleted.LastAppearance.ModTime.Format(time3339),
			strconv.FormatInt(r.Deleted.LastAppearance.Size, 10),
			r.Deleted.LastAppearance.SnapshotPath,
			"deleted",
		})
		return s.err
	}

	for _, v := range r.Versions {
		state := "snapshot"
		if v.IsLive {
			state = "live"
		}

		if s.err = s.w.Write([]string{
			r.Path,
			v.ModTime.Format(time3339),
			strconv.FormatInt(v.Size, 10),
			v.SnapshotPath,
			state,
		}); s.err != nil {
			return s.err
		}
	}

	return nil
}

func (s *csvSink) Close() error {
	s.w.Flush()

	if err := s.w.Error(); err != nil && s.err == nil {
		s.err = err
	}

	return s.err
}

// jsonRecord is the wire shape for FormatJSON: spec.md §6's stable
// surface, one object per emitted version with keys date (RFC3339),
// size (bytes), path (absolute snapshot or live path), live (bool).
type jsonRecord struct {
	Date string `json:"date"`
	Size int64  `json:"size"`
	Path string `json:"path"`
	Live bool   `json:"live"`
}

// jsonSink wraps the stream in a single top-level JSON array (spec.md
// §4.J: "JSON array, which wraps the stream"), writing one element at a
// time so the sink still never buffers more than one record's worth of
// formatted output.
type jsonSink struct {
	w       io.Writer
	started bool
	err     error
}

func newJSONSink(w io.Writer) *jsonSink {
	return &jsonSink{w: w}
}

func (s *jsonSink) writeElement(rec jsonRecord) error {
	if s.err != nil {
		return s.err
	}

	buf, err := json.Marshal(rec)
	if err != nil {
		s.err = err
		return err
	}

	prefix := "["
	if s.started {
		prefix = ","
	}
	s.started = true

	_, s.err = fmt.Fprintf(s.w, "%s%s", prefix, buf)

	return s.err
}

func (s *jsonSink) Write(r Record) error {
	if r.Deleted != nil {
		return s.writeElement(jsonRecord{
			Date: r.Deleted.LastAppearance.ModTime.Format(time3339),
			Size: r.Deleted.LastAppearance.Size,
			Path: r.Deleted.LastAppearance.SnapshotPath,
			Live: false,
		})
	}

	for _, v := range r.Versions {
		if err := s.writeElement(jsonRecord{
			Date: v.ModTime.Format(time3339),
			Size: v.Size,
			Path: v.SnapshotPath,
			Live: v.IsLive,
		}); err != nil {
			return err
		}
	}

	return nil
}

func (s *jsonSink) Close() error {
	if s.err != nil {
		return s.err
	}

	if !s.started {
		_, s.err = fmt.Fprint(s.w, "[]")
		return s.err
	}

	_, s.err = fmt.Fprint(s.w, "]")

	return s.err
}
