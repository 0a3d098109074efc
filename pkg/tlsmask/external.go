package tlsmask

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/podscope/pcapscrub/pkg/capture"
)

// MaskStrategy selects which collaborator produces TLS record
// descriptors: the in-process analyser of analyser.go, or an external
// packet-analysis toolchain. An explicit tagged variant rather than a
// dispatch string, with fallback as an explicit state transition in
// Stage.Run.
type MaskStrategy int

const (
	StrategyInProcess MaskStrategy = iota
	StrategyExternal
)

// ErrAnalyserUnavailable and ErrAnalyserTimeout classify external
// analyser failures; both trigger the in-process fallback.
var (
	ErrAnalyserUnavailable = errors.New("tlsmask: external analyser unavailable")
	ErrAnalyserTimeout     = errors.New("tlsmask: external analyser timed out")
)

// externalRecord mirrors the collaborator's output contract: one JSON
// object per line, newline-delimited.
type externalRecord struct {
	FrameNumber  int    `json:"frame_number"`
	TCPStreamID  string `json:"tcp_stream_id"`
	ContentType  byte   `json:"content_type"`
	Version      string `json:"version"`
	Length       int    `json:"length"`
	RecordOffset int    `json:"record_offset"`
	SpansFrames  []int  `json:"spans_frames"`
	IsComplete   bool   `json:"is_complete"`
}

// RunExternalAnalyser invokes the external tool at path against inputPath
// (a capture file, possibly after Dedup+Anon), parses its newline-
// delimited JSON record stream, and resolves each record's byte spans
// against the same capture file's actual TCP payload lengths. The caller
// owns timeout and fallback, not the collaborator.
func RunExternalAnalyser(ctx context.Context, path string, timeout time.Duration, inputPath string, openReader func() (FrameSource, error)) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "--input", inputPath, "--reassembly", "--tls-desegment")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalyserUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalyserUnavailable, err)
	}

	var externalRecords []externalRecord
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec externalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // malformed line: skip, don't abort the whole analysis
		}
		externalRecords = append(externalRecords, rec)
	}

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, ErrAnalyserTimeout
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalyserUnavailable, waitErr)
	}

	wanted := make(map[int]bool)
	for _, rec := range externalRecords {
		for _, f := range rec.SpansFrames {
			wanted[f] = true
		}
	}

	r, err := openReader()
	if err != nil {
		return nil, err
	}
	lengths, err := payloadLengths(r, wanted)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(externalRecords))
	for _, rec := range externalRecords {
		records = append(records, externalToRecord(rec, lengths))
	}
	return records, nil
}

// payloadLengths scans r once, recording the TCP payload length of every
// frame index present in wanted, so external records (which carry only a
// first-frame offset and a total length) can be carved into per-frame
// byte spans.
func payloadLengths(r FrameSource, wanted map[int]bool) (map[int]int, error) {
	lengths := make(map[int]int, len(wanted))
	linkType := r.LinkType()
	for {
		f, err := r.Next()
		if err != nil {
			break
		}
		if !wanted[f.Index] {
			continue
		}
		loc, err := capture.Locate(f.Bytes, linkType)
		if err != nil || loc == nil || loc.TCP == nil {
			continue
		}
		lengths[f.Index] = len(loc.TCPPayload())
	}
	return lengths, nil
}

func externalToRecord(rec externalRecord, lengths map[int]int) Record {
	var major, minor byte = 3, 3
	switch rec.Version {
	case "SSL3.0":
		major, minor = 3, 0
	case "TLS1.0":
		major, minor = 3, 1
	case "TLS1.1":
		major, minor = 3, 2
	case "TLS1.2":
		major, minor = 3, 3
	case "TLS1.3":
		major, minor = 3, 4
	}

	total := tlsHeaderLen + rec.Length
	remaining := total
	offset := rec.RecordOffset
	var spans []recordSpan
	for _, frame := range rec.SpansFrames {
		avail := lengths[frame] - offset
		if avail < 0 {
			avail = 0
		}
		take := remaining
		if take > avail {
			take = avail
		}
		if take > 0 {
			spans = append(spans, recordSpan{FrameIndex: frame, Start: offset, Length: take})
			remaining -= take
		}
		offset = 0
		if remaining <= 0 {
			break
		}
	}

	return Record{
		ContentType:  rec.ContentType,
		VersionMajor: major,
		VersionMinor: minor,
		Length:       rec.Length,
		IsComplete:   rec.IsComplete,
		FlowID:       rec.TCPStreamID,
		Spans:        spans,
	}
}
