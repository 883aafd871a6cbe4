// Command httm resolves historical filesystem-snapshot versions of live
// paths. Argument parsing here is intentionally thin: it wires the
// standard library's flag package straight into an httm.Config, leaving
// richer CLI ergonomics (completion, colorized help, subcommand trees)
// out of scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"github.com/mountwalk/httm/internal/alias"
	"github.com/mountwalk/httm/internal/logging"
	"github.com/mountwalk/httm/internal/model"
	"github.com/mountwalk/httm/internal/sink"
	"github.com/mountwalk/httm/internal/walk"

	httm "github.com/mountwalk/httm"
)

var log = logging.Module("httm/cli")

// errConfig marks a fatal configuration error (spec.md §6: exit code 2) —
// bad flags or a failed Engine construction — as distinct from a per-path
// resolution error (exit code 1).
type errConfig struct{ err error }

func (e *errConfig) Error() string { return e.err.Error() }
func (e *errConfig) Unwrap() error { return e.err }

func configError(err error) error {
	if err == nil {
		return nil
	}
	return &errConfig{err: err}
}

// errPartialFailure is returned by runFlat/runRecursive when at least one
// path failed to resolve but resolution continued through the rest
// (spec.md §6: exit code 1, "any per-path error after continuing").
var errPartialFailure = errors.New("one or more paths failed to resolve")

func main() {
	err := run(os.Args[1:])
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "httm:", err)

	var ce *errConfig
	if errors.As(err, &ce) {
		os.Exit(2)
	}

	os.Exit(1)
}

func run(args []string) error {
	fs := flag.NewFlagSet("httm", flag.ExitOnError)

	uniqueness := fs.String("dedup-by", "metadata", "identity level for deduplication: metadata|contents|all")
	omitDitto := fs.Bool("omit-ditto", false, "drop snapshot versions identical to the live file")
	noLive := fs.Bool("no-live", false, "omit the live file from output")
	noSnap := fs.Bool("no-snap", false, "omit all snapshot versions, live file only")
	lastSnap := fs.String("last-snap", "", "keep only the most recent snapshot version: any|no-ditto|no-ditto-inclusive")
	recursive := fs.Bool("recursive", false, "walk directories recursively")
	deletedOnly := fs.Bool("deleted", false, "include reconstructed deleted entries when walking")
	format := fs.String("fmt", "columnar", "output format: columnar|tab|csv|json|raw|null")
	aliasFlag := fs.String("map-aliases", "", "comma-separated live:snapshot prefix pairs")
	timeMachine := fs.String("time-machine", "", "comma-separated Time Machine store mount points")
	restic := fs.String("restic", "", "comma-separated Restic FUSE mount points")
	workers := fs.Int("workers", 0, "stat/walk worker pool width (0 = NumCPU)")
	restoreTo := fs.String("restore-to", "", "restore-copy the single PATH argument to this destination")
	restoreMode := fs.String("restore-mode", os.Getenv("HTTM_RESTORE_MODE"), "copy|overwrite|guard|yolo (default from $HTTM_RESTORE_MODE)")

	if err := fs.Parse(args); err != nil {
		return configError(err)
	}

	paths := fs.Args()
	if len(paths) == 0 {
		return configError(fmt.Errorf("usage: httm [flags] PATH..."))
	}

	mode, ok := model.ParseRestoreMode(*restoreMode)
	if !ok {
		return configError(fmt.Errorf("unknown --restore-mode/HTTM_RESTORE_MODE value %q", *restoreMode))
	}

	level, ok := parseUniqueness(*uniqueness)
	if !ok {
		return configError(fmt.Errorf("unknown --dedup-by value %q", *uniqueness))
	}

	lsp, ok := parseLastSnap(*lastSnap)
	if !ok {
		return configError(fmt.Errorf("unknown --last-snap value %q", *lastSnap))
	}

	fmtKind, ok := sink.ParseFormat(*format)
	if !ok {
		return configError(fmt.Errorf("unknown --fmt value %q", *format))
	}

	cfg := httm.Config{
		Aliases:          parseAliases(*aliasFlag),
		TimeMachineMnts:  splitNonEmpty(*timeMachine),
		ResticMnts:       splitNonEmpty(*restic),
		EnumerateWorkers: *workers,
		WalkWorkers:      *workers,
		DedupPolicy: model.DedupPolicy{
			Level:     level,
			OmitDitto: *omitDitto,
			NoLive:    *noLive,
			NoSnap:    *noSnap,
			LastSnap:  lsp,
		},
	}

	engine, err := httm.New(cfg)
	if err != nil {
		return configError(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *restoreTo != "" {
		return runRestore(ctx, engine, paths, *restoreTo, mode, level)
	}

	out := sink.New(fmtKind, os.Stdout)
	defer out.Close() //nolint:errcheck

	if *recursive {
		return runRecursive(ctx, engine, paths, out, *deletedOnly)
	}

	return runFlat(ctx, engine, paths, out)
}

// runRestore exercises the Snapshot/Restore Controller's restore-copy
// operation (spec.md §4.I): the single PATH argument is the snapshot
// source, restoreTo the live destination.
func runRestore(ctx context.Context, engine *httm.Engine, paths []string, restoreTo string, mode model.RestoreMode, level model.UniquenessLevel) error {
	if len(paths) != 1 {
		return fmt.Errorf("--restore-to requires exactly one source PATH")
	}

	req := model.RestoreRequest{
		Source:          paths[0],
		Destination:     restoreTo,
		Mode:            mode,
		UniquenessLevel: level,
	}

	var guard *model.MountEntry

	if mode == model.RestoreGuard {
		for _, m := range engine.Mounts() {
			mnt := m
			if strings.HasPrefix(restoreTo, mnt.MountPoint) {
				guard = &mnt
				break
			}
		}

		if guard == nil {
			return fmt.Errorf("--restore-mode=guard: no owning mount found for %s", restoreTo)
		}
	}

	if err := engine.Restore.RestoreCopy(ctx, req, guard); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "restored %s -> %s (%s)\n", req.Source, req.Destination, *flagModeName(mode))

	return nil
}

func flagModeName(mode model.RestoreMode) *string {
	names := map[model.RestoreMode]string{
		model.RestoreCopy:      "copy",
		model.RestoreOverwrite: "overwrite",
		model.RestoreGuard:     "guard",
		model.RestoreYolo:      "yolo",
	}
	s := names[mode]

	return &s
}

func runFlat(ctx context.Context, engine *httm.Engine, paths []string, out sink.Sink) error {
	var failed bool

	for _, p := range paths {
		versions, err := engine.Versions(ctx, p)
		if err != nil {
			log.Warnw("resolve failed", "path", p, "error", err)
			failed = true
			continue
		}

		if err := out.Write(sink.Record{Path: p, Versions: versions}); err != nil {
			return err
		}
	}

	if failed {
		return errPartialFailure
	}

	return nil
}

func runRecursive(ctx context.Context, engine *httm.Engine, paths []string, out sink.Sink, includeDeleted bool) error {
	emit := func(r walk.Result) error {
		if r.Deleted != nil && !includeDeleted {
			return nil
		}
		return out.Write(sink.Record{Path: r.Path, Versions: r.Versions, Deleted: r.Deleted})
	}

	failed, err := engine.Walk(ctx, paths, emit)
	if err != nil {
		return err
	}

	if failed {
		return errPartialFailure
	}

	return nil
}

func parseUniqueness(s string) (model.UniquenessLevel, bool) {
	switch s {
	case "metadata", "":
		return model.UniquenessMetadata, true
	case "contents":
		return model.UniquenessContents, true
	case "all":
		return model.UniquenessAll, true
	default:
		return model.UniquenessMetadata, false
	}
}

func parseLastSnap(s string) (model.LastSnapPolicy, bool) {
	switch s {
	case "":
		return model.LastSnapNone, true
	case "any":
		return model.LastSnapAny, true
	case "no-ditto":
		return model.LastSnapNoDitto, true
	case "no-ditto-inclusive":
		return model.LastSnapNoDittoInclusive, true
	default:
		return model.LastSnapNone, false
	}
}

func parseAliases(s string) []alias.Pair {
	var pairs []alias.Pair

	for _, clause := range splitNonEmpty(s) {
		live, snap, ok := strings.Cut(clause, ":")
		if !ok {
			continue
		}
		pairs = append(pairs, alias.Pair{LivePrefix: live, SnapshotPrefix: snap})
	}

	return pairs
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}

	var out []string

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}
