package pipeline

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/podscope/pcapscrub/pkg/anonymize"
	"github.com/podscope/pcapscrub/pkg/capture"
	"github.com/podscope/pcapscrub/pkg/dedup"
	"github.com/podscope/pcapscrub/pkg/tlsmask"
)

// RunOptions selects which stages run and how. Any subset of the three
// stages may be enabled; they always run in Dedup, Anonymise, Mask order.
type RunOptions struct {
	Dedup     bool
	Anonymize bool
	Mask      bool

	AnonymizeOpts anonymize.Options
	MaskOpts      tlsmask.Options

	Observer         Observer
	ThrottleInterval time.Duration

	// TempDir holds the intermediate files between stages. Defaults to
	// os.TempDir() if empty.
	TempDir string

	// Cancel, if non-nil, stops the run after the current frame finishes
	// processing; the partially written output is closed and removed.
	Cancel <-chan struct{}
}

// Stats aggregates every enabled stage's statistics plus the run's own
// bookkeeping.
type Stats struct {
	// RunID identifies this pipeline invocation in logs and batch
	// reports, where several files' stats land in one place.
	RunID string

	Dedup     *dedup.Stats
	Anonymize *anonymize.Stats
	Mask      *tlsmask.Stats

	DurationMs int64
	Cancelled  bool

	// Diagnostics collects a bounded history of recovered, non-fatal
	// conditions across every enabled stage, so nothing recovered goes
	// unreported. Nil only if no stage produced one.
	Diagnostics []Diagnostic
}

// Run chains the enabled stages over inputPath, writing the final result
// to outputPath. Stages are chained through temporary files rather than
// in memory, so no stage holds another stage's output: Dedup and
// Anonymise read one frame at a time, and Mask additionally keeps every
// open flow's in-flight reassembly buffer plus the capture's records and
// rules, regardless of how many stages are enabled.
func Run(inputPath, outputPath string, opts RunOptions) (Stats, error) {
	start := time.Now()
	logger := log.Default()

	observer := opts.Observer
	if observer == nil {
		observer = NopObserver
	}

	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	stats := Stats{RunID: uuid.New().String()[:8]}
	current := inputPath
	var tempFiles []string
	cancelled := false
	diagnostics := NewDiagnosticRing(0)

	cleanup := func() {
		for _, p := range tempFiles {
			os.Remove(p)
		}
	}

	runStage := func(name string, fn func(src *instrumentedSource, emit func(capture.Frame) error) error) error {
		in, err := os.Open(current)
		if err != nil {
			cleanup()
			return IOError(name, err)
		}
		defer in.Close()

		info, err := in.Stat()
		if err != nil {
			cleanup()
			return IOError(name, err)
		}

		reader, err := capture.OpenReader(in)
		if err != nil {
			cleanup()
			return UnsupportedFormat(name, err)
		}

		out, err := os.CreateTemp(tempDir, "pcapscrub-*.tmp")
		if err != nil {
			cleanup()
			return IOError(name, err)
		}
		tempFiles = append(tempFiles, out.Name())

		writer, err := capture.OpenWriter(out, capture.OptionsFromReader(reader))
		if err != nil {
			out.Close()
			cleanup()
			return IOError(name, err)
		}

		src := newInstrumentedSource(reader, info.Size(), name, observer, opts.ThrottleInterval, opts.Cancel)
		emit := func(f capture.Frame) error { return writer.WriteFrame(f) }

		runErr := fn(src, emit)

		closeErr := writer.Close()
		out.Close()
		if runErr != nil {
			cleanup()
			return runErr
		}
		if closeErr != nil {
			cleanup()
			return IOError(name, closeErr)
		}
		if src.cancelled {
			cancelled = true
		}
		current = out.Name()
		return nil
	}

	if opts.Dedup {
		stage := dedup.NewStage(logger)
		var dstats dedup.Stats
		if err := runStage("dedup", func(src *instrumentedSource, emit func(capture.Frame) error) error {
			s, err := stage.Run(src, emit)
			dstats = s
			return err
		}); err != nil {
			return stats, err
		}
		stats.Dedup = &dstats
		if cancelled {
			return finish(stats, start, true, tempFiles, current, inputPath, outputPath)
		}
	}

	if opts.Anonymize {
		anonOpts := opts.AnonymizeOpts
		if anonOpts.Seed == 0 && anonOpts.PrefixV4 == 0 && anonOpts.PrefixV6 == 0 {
			anonOpts = anonymize.DefaultOptions(defaultSeed())
		}
		stage := anonymize.NewStage(logger, anonOpts)
		var astats anonymize.Stats
		if err := runStage("anonymize", func(src *instrumentedSource, emit func(capture.Frame) error) error {
			s, err := stage.Run(src, emit)
			astats = s
			return err
		}); err != nil {
			return stats, err
		}
		stats.Anonymize = &astats
		if astats.FramesPassedThrough > 0 {
			diagnostics.Add(Diagnostic{
				Stage: "anonymize",
				Kind:  KindUnsupportedFormat,
				Frame: -1,
				Msg:   "frames passed through without an address rewrite (no IP layer or malformed IP header)",
			})
		}
		if cancelled {
			return finish(stats, start, true, tempFiles, current, inputPath, outputPath)
		}
	}

	if opts.Mask {
		pending := current
		// The external analyser contract takes a file path, not a
		// stream: point it at pending (post Dedup/Anonymise if those
		// ran), not whatever path the caller originally configured.
		maskOpts := opts.MaskOpts
		maskOpts.InputPath = pending
		stage := tlsmask.NewStage(logger, maskOpts)

		// Stage.Run opens pending twice (analyse pass, rewrite pass);
		// probe it once up front purely to learn the format/link type/
		// byte order the output writer needs to reproduce.
		probe, err := os.Open(pending)
		if err != nil {
			cleanup()
			return stats, IOError("mask", err)
		}
		probeReader, err := capture.OpenReader(probe)
		probe.Close()
		if err != nil {
			cleanup()
			return stats, UnsupportedFormat("mask", err)
		}
		writerOpts := capture.OptionsFromReader(probeReader)

		out, err := os.CreateTemp(tempDir, "pcapscrub-*.tmp")
		if err != nil {
			cleanup()
			return stats, IOError("mask", err)
		}
		tempFiles = append(tempFiles, out.Name())

		writer, err := capture.OpenWriter(out, writerOpts)
		if err != nil {
			out.Close()
			cleanup()
			return stats, IOError("mask", err)
		}

		// Both passes stream through an instrumentedSource so the Mask
		// stage reports progress and honours cancellation the same way
		// the single-pass stages do.
		var maskFiles []*os.File
		var maskSources []*instrumentedSource
		openReader := func() (tlsmask.FrameSource, error) {
			f, err := os.Open(pending)
			if err != nil {
				return nil, err
			}
			info, err := f.Stat()
			if err != nil {
				f.Close()
				return nil, err
			}
			reader, err := capture.OpenReader(f)
			if err != nil {
				f.Close()
				return nil, err
			}
			maskFiles = append(maskFiles, f)
			src := newInstrumentedSource(reader, info.Size(), "mask", observer, opts.ThrottleInterval, opts.Cancel)
			maskSources = append(maskSources, src)
			return src, nil
		}

		mstats, err := stage.Run(openReader, func(f capture.Frame) error { return writer.WriteFrame(f) })
		closeErr := writer.Close()
		out.Close()
		for _, f := range maskFiles {
			f.Close()
		}
		for _, src := range maskSources {
			if src.cancelled {
				cancelled = true
			}
		}
		if err != nil {
			cleanup()
			return stats, err
		}
		if closeErr != nil {
			cleanup()
			return stats, IOError("mask", closeErr)
		}

		current = out.Name()
		stats.Mask = &mstats

		if mstats.BoundaryClamps > 0 {
			diagnostics.Add(Diagnostic{Stage: "mask", Kind: KindBoundaryClamp, Frame: -1, Msg: "one or more mask rules clamped to payload bounds"})
		}
		if mstats.SkippedFrames > 0 {
			diagnostics.Add(Diagnostic{Stage: "mask", Kind: KindUnsupportedFormat, Frame: -1, Msg: "frames skipped: no live TCP flow"})
		}
	}

	stats.Diagnostics = diagnostics.All()
	return finish(stats, start, cancelled, tempFiles, current, inputPath, outputPath)
}

func finish(stats Stats, start time.Time, cancelled bool, tempFiles []string, current, inputPath, outputPath string) (Stats, error) {
	stats.Cancelled = cancelled
	stats.DurationMs = time.Since(start).Milliseconds()

	if cancelled {
		for _, p := range tempFiles {
			os.Remove(p)
		}
		return stats, Cancelled("pipeline")
	}

	// When no stage ran, current is still the caller's original input —
	// copy it rather than moving/renaming it away.
	if current == inputPath {
		if err := copyFile(current, outputPath); err != nil {
			return stats, IOError("pipeline", err)
		}
		return stats, nil
	}

	if err := moveFile(current, outputPath); err != nil {
		return stats, IOError("pipeline", err)
	}
	for _, p := range tempFiles {
		if p != current {
			os.Remove(p)
		}
	}
	return stats, nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func defaultSeed() uint64 {
	return 0x70636170736372 // "pcapscr" as an ASCII-derived constant, used only when no seed is configured
}
