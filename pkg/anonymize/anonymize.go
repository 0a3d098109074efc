// Package anonymize implements the Anonymise stage: a deterministic,
// prefix-preserving, injective rewrite of every IP address in a capture,
// with header checksums recomputed so the output remains a valid capture.
package anonymize

import (
	"io"
	"log"
	"time"

	"github.com/podscope/pcapscrub/pkg/capture"
)

// Stats is the Anonymise stage's statistics record.
type Stats struct {
	FramesIn            uint64
	FramesRewritten     uint64
	FramesPassedThrough uint64
	UniqueV4            int
	UniqueV6            int
	ChecksumRecomputes  uint64
	DurationMs          int64
}

// FrameSource is the same minimal reader contract dedup.Stage depends on.
type FrameSource interface {
	Next() (capture.Frame, error)
	LinkType() capture.LinkType
}

// Options configures the Anonymise stage, matching the anon.prefix_v4 /
// anon.prefix_v6 / anon.seed configuration keys.
type Options struct {
	Seed     uint64
	PrefixV4 int
	PrefixV6 int
}

// DefaultOptions preserves a /24 for IPv4 and a /64 for IPv6.
func DefaultOptions(seed uint64) Options {
	return Options{Seed: seed, PrefixV4: 24, PrefixV6: 64}
}

// Stage runs the Anonymise stage.
type Stage struct {
	logger *log.Logger
	ipmap  *Map
}

// NewStage creates an Anonymise stage bound to a single run's IP map. A
// fresh Stage (and therefore a fresh Map) must be created per run so the
// address rewrite is consistent within a run but not across runs with
// different seeds.
func NewStage(logger *log.Logger, opts Options) *Stage {
	if logger == nil {
		logger = log.Default()
	}
	return &Stage{
		logger: logger,
		ipmap:  NewMap(opts.Seed, opts.PrefixV4, opts.PrefixV6),
	}
}

// Run drains r, rewriting IP addresses (and dependent checksums) in place
// frame by frame, and emits every frame in file order via emit.
func (s *Stage) Run(r FrameSource, emit func(capture.Frame) error) (Stats, error) {
	start := time.Now()
	var stats Stats

	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger.Printf("anonymize: stopping early: %v", err)
			break
		}
		stats.FramesIn++

		rewritten, err := s.rewriteFrame(f, r.LinkType(), &stats)
		if err != nil {
			// Address mapping failed (collision retries exhausted): count
			// the frame as passed through and emit it rather than fail the
			// whole run. Malformed IP headers do not land here; Locate
			// reports them as "no IP layer".
			s.logger.Printf("anonymize: pass-through for frame %d: %v", f.Index, err)
			stats.FramesPassedThrough++
		} else if rewritten {
			stats.FramesRewritten++
		} else {
			stats.FramesPassedThrough++
		}

		if err := emit(f); err != nil {
			return stats, err
		}
	}

	stats.UniqueV4, stats.UniqueV6 = s.ipmap.Stats()
	stats.DurationMs = time.Since(start).Milliseconds()
	return stats, nil
}

// rewriteFrame locates f's IP layer and rewrites its source/destination
// addresses in place (the frame's bytes are mutated directly, since
// capture.Locate decodes with NoCopy), recomputing every checksum the
// address change invalidates. Returns whether a rewrite actually happened
// (false for frames with no IP layer, e.g. ARP, which are left untouched
// but are not an error).
func (s *Stage) rewriteFrame(f capture.Frame, linkType capture.LinkType, stats *Stats) (bool, error) {
	loc, err := capture.Locate(f.Bytes, linkType)
	if err != nil {
		return false, err
	}
	if loc == nil {
		return false, nil
	}

	srcOut, err := s.ipmap.Translate(loc.SrcIP())
	if err != nil {
		return false, err
	}
	dstOut, err := s.ipmap.Translate(loc.DstIP())
	if err != nil {
		return false, err
	}

	if loc.IsIPv6 {
		copy(loc.IPv6.SrcIP, srcOut.To16())
		copy(loc.IPv6.DstIP, dstOut.To16())
	} else {
		copy(loc.IPv4.SrcIP, srcOut.To4())
		copy(loc.IPv4.DstIP, dstOut.To4())
		capture.RecomputeIPv4Checksum(loc.IPHeader())
		stats.ChecksumRecomputes++
	}

	switch {
	case loc.TCP != nil:
		capture.RecomputeTCPChecksum(loc.SrcIP(), loc.DstIP(), loc.IsIPv6, loc.IPPayload())
		stats.ChecksumRecomputes++
	case loc.UDP != nil:
		capture.RecomputeUDPChecksum(loc.SrcIP(), loc.DstIP(), loc.IsIPv6, loc.IPPayload())
		stats.ChecksumRecomputes++
	case loc.ICMP != nil:
		capture.RecomputeICMPv4Checksum(loc.IPPayload())
		stats.ChecksumRecomputes++
	}

	// Tunnel envelopes (IP-in-IP, GRE, VXLAN): the outer addresses are
	// endpoints too, and rewrite with the same map.
	for _, outer := range loc.OuterIPv4 {
		src, err := s.ipmap.Translate(outer.SrcIP)
		if err != nil {
			return false, err
		}
		dst, err := s.ipmap.Translate(outer.DstIP)
		if err != nil {
			return false, err
		}
		copy(outer.SrcIP, src.To4())
		copy(outer.DstIP, dst.To4())
		capture.RecomputeIPv4Checksum(outer.Contents)
		stats.ChecksumRecomputes++
	}
	for _, outer := range loc.OuterIPv6 {
		src, err := s.ipmap.Translate(outer.SrcIP)
		if err != nil {
			return false, err
		}
		dst, err := s.ipmap.Translate(outer.DstIP)
		if err != nil {
			return false, err
		}
		copy(outer.SrcIP, src.To16())
		copy(outer.DstIP, dst.To16())
	}

	// A UDP layer alongside an inner TCP means the UDP header belongs to
	// a tunnel envelope; its checksum covers the rewritten inner bytes
	// and its own (just rewritten) pseudo-header addresses.
	if loc.TCP != nil && loc.UDP != nil {
		loc.RefreshEnvelopeUDPChecksum()
		stats.ChecksumRecomputes++
	}

	return true, nil
}
