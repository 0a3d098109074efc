package tlsmask

import (
	"log"

	"github.com/podscope/pcapscrub/pkg/capture"
)

// recordSpan is one contiguous contribution of bytes from a single
// frame's TCP payload to a logical TLS record's header+body byte string.
type recordSpan struct {
	FrameIndex int
	Start      int // offset into that frame's TCP payload
	Length     int
}

// Record describes one TLS record discovered in a capture: its header
// fields plus exactly which frame bytes carry it.
type Record struct {
	ContentType  byte
	VersionMajor byte
	VersionMinor byte
	Length       int // declared body length, header excluded
	IsComplete   bool
	FlowID       string
	Spans        []recordSpan // header+body byte contributions, in order

	// ClientHello is a supplementary diagnostic: set only for a Handshake
	// (type 22) record whose body is itself a ClientHello message.
	// Masking never consults it; it exists purely for the stats report.
	ClientHello *ClientHelloInfo
}

const handshakeTypeClientHello = 1

// SpansFrames returns the ordered, de-duplicated list of frame indices
// carrying bytes of this record.
func (r Record) SpansFrames() []int {
	var out []int
	var last = -1
	for _, s := range r.Spans {
		if s.FrameIndex != last {
			out = append(out, s.FrameIndex)
			last = s.FrameIndex
		}
	}
	return out
}

// RecordOffset returns the byte offset of the record's first byte within
// the first contributing frame's TCP payload.
func (r Record) RecordOffset() int {
	if len(r.Spans) == 0 {
		return 0
	}
	return r.Spans[0].Start
}

const (
	tlsHeaderLen  = 5
	maxResyncSkip = 4096
)

func validContentType(ct byte) bool {
	switch ct {
	case 20, 21, 22, 23, 24:
		return true
	default:
		return false
	}
}

func validVersion(major, minor byte) bool {
	if major != 3 {
		return false
	}
	// SSL3.0=3.0, TLS1.0=3.1, TLS1.1=3.2, TLS1.2=3.3, TLS1.3=3.4.
	return minor <= 4
}

// segment is one TCP segment observed in pass 1, referencing the
// originating frame's TCP payload by index (not copied). offset is where
// payload begins within the frame's *original, untrimmed* TCP payload —
// advanced when feed() trims an overlapping (retransmitted) prefix.
type segment struct {
	frameIndex int
	seq        uint32
	offset     int
	payload    []byte
}

// directionStream reassembles one direction of one flow's byte stream,
// emitting TLS records as they complete. It buffers only the bytes of an
// in-progress record (plus any out-of-order segments still waiting on a
// gap), never the whole flow.
type directionStream struct {
	flowID string

	haveCursor bool
	nextSeq    uint32

	buffer        []byte
	contributions []recordSpan // parallel to buffer; cumulative lengths sum to len(buffer)

	outOfOrder map[uint32]segment
	skipBudget int

	records []Record
	skipped int // diagnostic: bytes discarded resynchronising or after the resync budget ran out
}

func newDirectionStream(flowID string) *directionStream {
	return &directionStream{
		flowID:     flowID,
		outOfOrder: make(map[uint32]segment),
		skipBudget: maxResyncSkip,
	}
}

// seqLess compares TCP sequence numbers with 32-bit wraparound.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// feed admits a new TCP segment into the stream, trimming any
// already-acknowledged prefix (retransmissions covered by nextSeq) and
// either appending it immediately (in-order) or parking it until the
// cursor catches up (out-of-order / gap).
func (d *directionStream) feed(s segment) {
	if len(s.payload) == 0 {
		return
	}
	if !d.haveCursor {
		d.haveCursor = true
		d.nextSeq = s.seq
	}

	if seqLess(s.seq, d.nextSeq) {
		// Fully or partially retransmitted; drop the covered prefix.
		covered := d.nextSeq - s.seq
		if covered >= uint32(len(s.payload)) {
			return
		}
		s.payload = s.payload[covered:]
		s.offset += int(covered)
		s.seq = d.nextSeq
	}

	if s.seq != d.nextSeq {
		d.outOfOrder[s.seq] = s
		return
	}

	d.appendContiguous(s)

	// Drain any out-of-order segments the new data connects to.
	for {
		next, ok := d.outOfOrder[d.nextSeq]
		if !ok {
			break
		}
		delete(d.outOfOrder, d.nextSeq)
		d.appendContiguous(next)
	}
}

func (d *directionStream) appendContiguous(s segment) {
	d.buffer = append(d.buffer, s.payload...)
	d.contributions = append(d.contributions, recordSpan{
		FrameIndex: s.frameIndex,
		Start:      s.offset,
		Length:     len(s.payload),
	})
	d.nextSeq += uint32(len(s.payload))
	d.parse()
}

// parse consumes as many complete records as the buffer currently allows.
func (d *directionStream) parse() {
	for {
		if d.skipBudget < 0 {
			// Resync budget spent: the rest of this direction is
			// discarded rather than buffered.
			d.skipped += len(d.buffer)
			d.buffer = nil
			d.contributions = nil
			return
		}
		if len(d.buffer) < tlsHeaderLen {
			return
		}
		ct := d.buffer[0]
		vMaj, vMin := d.buffer[1], d.buffer[2]
		length := int(d.buffer[3])<<8 | int(d.buffer[4])

		if !validContentType(ct) || !validVersion(vMaj, vMin) {
			if d.skipBudget <= 0 {
				d.skipBudget = -1
				continue
			}
			d.buffer = d.buffer[1:]
			d.contributions = trimFront(d.contributions, 1)
			d.skipBudget--
			d.skipped++
			continue
		}

		total := tlsHeaderLen + length
		if len(d.buffer) < total {
			return
		}

		spans := sliceSpans(d.contributions, total)
		rec := Record{
			ContentType:  ct,
			VersionMajor: vMaj,
			VersionMinor: vMin,
			Length:       length,
			IsComplete:   true,
			FlowID:       d.flowID,
			Spans:        spans,
		}
		if ct == 22 {
			body := d.buffer[tlsHeaderLen:total]
			if len(body) > 0 && body[0] == handshakeTypeClientHello {
				info := ExtractClientHello(body)
				rec.ClientHello = &info
			}
		}
		d.records = append(d.records, rec)

		d.buffer = d.buffer[total:]
		d.contributions = trimFront(d.contributions, total)
	}
}

// finish emits a trailing partial record, if at least a full header is
// available — a record cut off by the end of its flow is still reported,
// just marked incomplete.
func (d *directionStream) finish() {
	if len(d.buffer) < tlsHeaderLen {
		return
	}
	ct := d.buffer[0]
	vMaj, vMin := d.buffer[1], d.buffer[2]
	if !validContentType(ct) || !validVersion(vMaj, vMin) {
		return
	}
	spans := sliceSpans(d.contributions, len(d.buffer))
	d.records = append(d.records, Record{
		ContentType:  ct,
		VersionMajor: vMaj,
		VersionMinor: vMin,
		Length:       int(d.buffer[3])<<8 | int(d.buffer[4]),
		IsComplete:   false,
		FlowID:       d.flowID,
		Spans:        spans,
	})
	d.buffer = nil
	d.contributions = nil
}

// sliceSpans carves the first n bytes' worth of contributions off the
// front of contribs, splitting the last entry if n falls mid-span.
func sliceSpans(contribs []recordSpan, n int) []recordSpan {
	var out []recordSpan
	remaining := n
	for _, c := range contribs {
		if remaining <= 0 {
			break
		}
		take := c.Length
		if take > remaining {
			take = remaining
		}
		out = append(out, recordSpan{FrameIndex: c.FrameIndex, Start: c.Start, Length: take})
		remaining -= take
	}
	return out
}

// trimFront removes the first n bytes' worth of contributions, splitting
// the first entry if n falls mid-span.
func trimFront(contribs []recordSpan, n int) []recordSpan {
	remaining := n
	i := 0
	for i < len(contribs) && remaining > 0 {
		c := contribs[i]
		if c.Length > remaining {
			contribs[i] = recordSpan{FrameIndex: c.FrameIndex, Start: c.Start + remaining, Length: c.Length - remaining}
			return contribs[i:]
		}
		remaining -= c.Length
		i++
	}
	return contribs[i:]
}

// FrameSource is the same minimal reader contract the other stages use.
type FrameSource interface {
	Next() (capture.Frame, error)
	LinkType() capture.LinkType
}

// Analyse runs pass 1 over r: groups TCP segments by directional flow,
// reassembles each direction's byte stream, and returns every TLS record
// found (complete or trailing-partial), grouped by directional flow with
// each flow's records in stream order. The order of the flows relative to
// each other is not defined.
// Non-TCP frames — including ICMP messages quoting TCP headers, which are
// not themselves live TCP streams — are skipped and counted in
// Diagnostics.SkippedFrames.
func Analyse(r FrameSource, logger *log.Logger) ([]Record, Diagnostics, error) {
	if logger == nil {
		logger = log.Default()
	}
	streams := make(map[string]*directionStream)
	var diag Diagnostics

	linkType := r.LinkType()
	for {
		f, err := r.Next()
		if err != nil {
			break
		}
		loc, err := capture.Locate(f.Bytes, linkType)
		if err != nil || loc == nil || loc.TCP == nil {
			diag.SkippedFrames++
			continue
		}

		key := FlowKey{
			SrcIP:   ipString(loc.SrcIP()),
			SrcPort: uint16(loc.TCP.SrcPort),
			DstIP:   ipString(loc.DstIP()),
			DstPort: uint16(loc.TCP.DstPort),
		}
		flowID, _ := flowIDFor(key)

		stream, ok := streams[flowID]
		if !ok {
			stream = newDirectionStream(flowID)
			streams[flowID] = stream
		}

		payload := loc.TCPPayload()
		if len(payload) > 0 {
			stream.feed(segment{frameIndex: f.Index, seq: loc.TCP.Seq, payload: payload})
		}
	}

	var records []Record
	for _, s := range streams {
		s.finish()
		records = append(records, s.records...)
		diag.ResyncSkippedBytes += s.skipped
	}
	return records, diag, nil
}

// Diagnostics collects non-fatal analyser conditions for the stage's
// statistics record.
type Diagnostics struct {
	SkippedFrames      int
	ResyncSkippedBytes int
}
