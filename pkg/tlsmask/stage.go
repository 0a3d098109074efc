package tlsmask

import (
	"context"
	"log"
	"time"

	"github.com/podscope/pcapscrub/pkg/capture"
)

// Options configures the Mask stage, matching the mask.* configuration
// keys.
type Options struct {
	Strategy                MaskStrategy
	ExternalAnalyserPath    string
	ExternalAnalyserTimeout time.Duration
	// ExternalAnalyserMinVersion is the tool version the configuration
	// was validated against; surfaced in fallback diagnostics.
	ExternalAnalyserMinVersion string
	InputPath                  string // only needed when Strategy == StrategyExternal
}

// Stats is the Mask stage's aggregate statistics record.
type Stats struct {
	FramesIn       uint64
	FramesMasked   uint64
	BoundaryClamps uint64
	RecordsFound   int
	SkippedFrames  int
	UsedExternal   bool
	DurationMs     int64

	// ClientHellos and SNIHostnames are the supplementary ClientHello
	// diagnostic: purely observational, never consulted by masking
	// itself.
	ClientHellos int
	SNIHostnames []string
}

// Stage runs the two-pass Mask stage: analyse (pass 1) then rewrite
// (pass 2).
type Stage struct {
	logger *log.Logger
	opts   Options
}

func NewStage(logger *log.Logger, opts Options) *Stage {
	if logger == nil {
		logger = log.Default()
	}
	return &Stage{logger: logger, opts: opts}
}

// Run executes both passes. openReader is called twice (once per pass)
// so the caller controls how the same underlying file is reopened
// between passes — e.g. re-opening the same temp file path.
func (s *Stage) Run(openReader func() (FrameSource, error), emit func(capture.Frame) error) (Stats, error) {
	start := time.Now()

	records, diag, usedExternal, err := s.analyse(openReader)
	if err != nil {
		return Stats{}, err
	}

	rules, err := GenerateRules(records)
	if err != nil {
		return Stats{}, err
	}

	var clientHellos int
	var sniHostnames []string
	for _, rec := range records {
		if rec.ClientHello == nil {
			continue
		}
		clientHellos++
		if rec.ClientHello.SNI != "" {
			sniHostnames = append(sniHostnames, rec.ClientHello.SNI)
		}
		if len(rec.ClientHello.CipherSuites) > 0 {
			s.logger.Printf("tlsmask: ClientHello sni=%q offered=%s", rec.ClientHello.SNI, CipherSuiteName(rec.ClientHello.CipherSuites[0]))
		}
	}

	r2, err := openReader()
	if err != nil {
		return Stats{}, err
	}
	rwStats, err := Rewrite(r2, rules, s.logger, emit)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		FramesIn:       rwStats.FramesIn,
		FramesMasked:   rwStats.FramesMasked,
		BoundaryClamps: rwStats.BoundaryClamps,
		RecordsFound:   len(records),
		SkippedFrames:  diag.SkippedFrames,
		UsedExternal:   usedExternal,
		DurationMs:     time.Since(start).Milliseconds(),
		ClientHellos:   clientHellos,
		SNIHostnames:   sniHostnames,
	}, nil
}

// analyse runs pass 1, preferring the configured external collaborator
// and falling back to the in-process analyser when it is unavailable or
// times out.
func (s *Stage) analyse(openReader func() (FrameSource, error)) ([]Record, Diagnostics, bool, error) {
	if s.opts.Strategy == StrategyExternal && s.opts.ExternalAnalyserPath != "" {
		timeout := s.opts.ExternalAnalyserTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		records, err := RunExternalAnalyser(context.Background(), s.opts.ExternalAnalyserPath, timeout, s.opts.InputPath, openReader)
		if err == nil {
			return records, Diagnostics{}, true, nil
		}
		if s.opts.ExternalAnalyserMinVersion != "" {
			s.logger.Printf("tlsmask: external analyser (>= %s) fallback: %v", s.opts.ExternalAnalyserMinVersion, err)
		} else {
			s.logger.Printf("tlsmask: external analyser fallback: %v", err)
		}
	}

	r1, err := openReader()
	if err != nil {
		return nil, Diagnostics{}, false, err
	}
	records, diag, err := Analyse(r1, s.logger)
	if err != nil {
		return nil, Diagnostics{}, false, err
	}
	return records, diag, false, nil
}
