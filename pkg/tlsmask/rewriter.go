package tlsmask

import (
	"log"

	"github.com/podscope/pcapscrub/pkg/capture"
)

// Rewrite is pass 2: apply byFrame's mask rules to each frame read from
// r, recomputing checksums where bytes changed, and emit every frame
// (rule-bearing or not) in file order via emit.
func Rewrite(r FrameSource, byFrame map[int][]Rule, logger *log.Logger, emit func(capture.Frame) error) (RewriteStats, error) {
	if logger == nil {
		logger = log.Default()
	}
	var stats RewriteStats
	linkType := r.LinkType()

	for {
		f, err := r.Next()
		if err != nil {
			break
		}
		stats.FramesIn++

		rules := byFrame[f.Index]
		if len(rules) == 0 {
			if err := emit(f); err != nil {
				return stats, err
			}
			continue
		}

		loc, err := capture.Locate(f.Bytes, linkType)
		if err != nil || loc == nil || loc.TCP == nil {
			// Rules reference a frame with no TCP payload anymore (should
			// not happen since rules were generated from this same file,
			// but never fail the frame over it); emit unchanged.
			if err := emit(f); err != nil {
				return stats, err
			}
			continue
		}

		payload := loc.TCPPayload()
		masked := false
		for _, rule := range rules {
			if rule.Action != Mask {
				continue
			}
			start, end := rule.Start, rule.End
			if end > len(payload) {
				logger.Printf("tlsmask: BoundaryClamp frame %d: rule [%d,%d) clamped to payload length %d", f.Index, start, end, len(payload))
				end = len(payload)
				stats.BoundaryClamps++
			}
			if start > end {
				start = end
			}
			for i := start; i < end; i++ {
				payload[i] = 0x00
			}
			masked = true
		}

		if masked {
			if loc.IsIPv6 {
				capture.RecomputeTCPChecksum(loc.SrcIP(), loc.DstIP(), true, loc.IPPayload())
			} else {
				capture.RecomputeTCPChecksum(loc.SrcIP(), loc.DstIP(), false, loc.IPPayload())
				capture.RecomputeIPv4Checksum(loc.IPHeader())
			}
			// A tunnel envelope's UDP checksum (VXLAN) covers the inner
			// bytes that were just zeroed.
			loc.RefreshEnvelopeUDPChecksum()
			stats.FramesMasked++
		}

		if err := emit(f); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// RewriteStats is the rewriter pass's contribution to the Mask stage's
// statistics record.
type RewriteStats struct {
	FramesIn       uint64
	FramesMasked   uint64
	BoundaryClamps uint64
}
