// Package dedup implements the streaming duplicate-frame filter: drop
// exact duplicate frames while preserving the first occurrence's
// timestamp and order.
package dedup

import (
	"crypto/sha256"
	"io"
	"log"
	"time"

	"github.com/podscope/pcapscrub/pkg/capture"
)

// Stats is the Dedup stage's statistics record.
type Stats struct {
	FramesIn      uint64
	FramesOut     uint64
	FramesDropped uint64
	DurationMs    int64
}

// FrameSource is the minimal contract Stage.Run needs from a reader: a
// file-order frame iterator plus the link type used to locate IP headers.
// *capture.Reader satisfies this; tests substitute a fake.
type FrameSource interface {
	Next() (capture.Frame, error)
	LinkType() capture.LinkType
}

// Stage runs the Dedup stage, reading frames from r and writing the
// surviving ones to w, in file order. The caller is responsible for
// opening r/w compatibly (capture.OptionsFromReader(r) on the writer).
type Stage struct {
	logger *log.Logger
	seen   map[Fingerprint]struct{}
}

// NewStage creates a Dedup stage. logger defaults to log.Default() if
// nil; tests inject their own so they don't race on the global logger.
func NewStage(logger *log.Logger) *Stage {
	if logger == nil {
		logger = log.Default()
	}
	return &Stage{logger: logger, seen: make(map[Fingerprint]struct{})}
}

// Run drains r, writing every first-seen frame to w via emit, and returns
// the stage's statistics. emit is called once per surviving frame in
// order; a typical caller passes a capture.Writer.WriteFrame-backed
// closure.
func (s *Stage) Run(r FrameSource, emit func(capture.Frame) error) (Stats, error) {
	start := time.Now()
	var stats Stats

	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// TruncatedFile: stop gracefully, keep everything emitted so far.
			s.logger.Printf("dedup: stopping early: %v", err)
			break
		}
		stats.FramesIn++

		fp, err := Compute(f, r.LinkType())
		if err != nil {
			// Malformed frame: never drop solely due to a fingerprinting
			// failure — hash the raw bytes instead.
			s.logger.Printf("dedup: fingerprint fallback for frame %d: %v", f.Index, err)
			fp = sha256.Sum256(f.Bytes)
		}

		if _, dup := s.seen[fp]; dup {
			stats.FramesDropped++
			continue
		}
		s.seen[fp] = struct{}{}

		if err := emit(f); err != nil {
			return stats, err
		}
		stats.FramesOut++
	}

	stats.DurationMs = time.Since(start).Milliseconds()
	return stats, nil
}
