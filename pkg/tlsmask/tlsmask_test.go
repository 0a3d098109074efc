package tlsmask

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/podscope/pcapscrub/pkg/capture"
)

func buildTCPSegment(t *testing.T, seq uint32, srcPort, dstPort layers.TCPPort, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{SrcPort: srcPort, DstPort: dstPort, Seq: seq, PSH: true, ACK: true, Window: 8192}
	_ = tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

type sliceReader struct {
	frames []capture.Frame
	pos    int
}

func (r *sliceReader) Next() (capture.Frame, error) {
	if r.pos >= len(r.frames) {
		return capture.Frame{}, io.EOF
	}
	f := r.frames[r.pos]
	r.pos++
	return f, nil
}

func (r *sliceReader) LinkType() capture.LinkType { return capture.LinkTypeEthernet }

func runMask(t *testing.T, frames []capture.Frame) ([]capture.Frame, Stats) {
	t.Helper()
	stage := NewStage(nil, Options{Strategy: StrategyInProcess})
	open := func() (FrameSource, error) {
		cp := make([]capture.Frame, len(frames))
		for i, f := range frames {
			b := make([]byte, len(f.Bytes))
			copy(b, f.Bytes)
			cp[i] = capture.Frame{Index: f.Index, Bytes: b}
		}
		return &sliceReader{frames: cp}, nil
	}
	var out []capture.Frame
	stats, err := stage.Run(open, func(f capture.Frame) error {
		out = append(out, f)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out, stats
}

func TestMaskSingleFrameApplicationData(t *testing.T) {
	body := bytes.Repeat([]byte{0xAA}, 32)
	record := append([]byte{0x17, 0x03, 0x03, 0x00, 0x20}, body...)

	raw := buildTCPSegment(t, 1000, 51000, 443, record)
	out, stats := runMask(t, []capture.Frame{{Index: 0, Bytes: raw}})

	if stats.FramesMasked != 1 {
		t.Fatalf("expected 1 frame masked, got %+v", stats)
	}

	loc, err := capture.Locate(out[0].Bytes, capture.LinkTypeEthernet)
	if err != nil || loc == nil {
		t.Fatalf("Locate: %v, %v", loc, err)
	}
	payload := loc.TCPPayload()
	if !bytes.Equal(payload[:5], []byte{0x17, 0x03, 0x03, 0x00, 0x20}) {
		t.Fatalf("header mutated: %x", payload[:5])
	}
	for i := 5; i < len(payload); i++ {
		if payload[i] != 0 {
			t.Fatalf("body byte %d not zeroed: %x", i, payload[i])
		}
	}
	if len(out[0].Bytes) != len(raw) {
		t.Fatalf("frame length changed: %d vs %d", len(out[0].Bytes), len(raw))
	}
}

func TestMaskApplicationDataSplitAcrossSegments(t *testing.T) {
	total := 5 + 1500
	full := make([]byte, total)
	full[0], full[1], full[2] = 0x17, 0x03, 0x03
	full[3], full[4] = 0x05, 0xDC // length 1500
	for i := 5; i < total; i++ {
		full[i] = byte(i) // arbitrary non-zero body
	}

	// Segment A carries the header plus 5 body bytes; some leading
	// unrelated bytes come first so the record starts mid-segment.
	lead := []byte{0x01, 0x02, 0x03, 0x04}
	segA := append(append([]byte{}, lead...), full[:10]...)
	segB := full[10:]

	rawA := buildTCPSegment(t, 1000, 51000, 443, segA)
	rawB := buildTCPSegment(t, 1000+uint32(len(segA)), 51000, 443, segB)

	out, stats := runMask(t, []capture.Frame{
		{Index: 0, Bytes: rawA},
		{Index: 1, Bytes: rawB},
	})
	if stats.FramesMasked != 2 {
		t.Fatalf("expected both frames masked, got %+v", stats)
	}

	locA, _ := capture.Locate(out[0].Bytes, capture.LinkTypeEthernet)
	payloadA := locA.TCPPayload()
	if !bytes.Equal(payloadA[:len(lead)], lead) {
		t.Fatalf("leading unrelated bytes mutated")
	}
	header := payloadA[len(lead) : len(lead)+5]
	if !bytes.Equal(header, []byte{0x17, 0x03, 0x03, 0x05, 0xDC}) {
		t.Fatalf("header mutated: %x", header)
	}
	for i := len(lead) + 5; i < len(payloadA); i++ {
		if payloadA[i] != 0 {
			t.Fatalf("segment A tail byte %d not zeroed", i)
		}
	}

	locB, _ := capture.Locate(out[1].Bytes, capture.LinkTypeEthernet)
	payloadB := locB.TCPPayload()
	for i := 0; i < len(payloadB); i++ {
		if payloadB[i] != 0 {
			t.Fatalf("segment B byte %d not zeroed", i)
		}
	}
}

func TestMaskHandshakeUnchanged(t *testing.T) {
	body := bytes.Repeat([]byte{0x5A}, 64)
	record := append([]byte{0x16, 0x03, 0x03, 0x00, 0x40}, body...)

	raw := buildTCPSegment(t, 2000, 51000, 443, record)
	rawCopy := make([]byte, len(raw))
	copy(rawCopy, raw)

	out, stats := runMask(t, []capture.Frame{{Index: 0, Bytes: raw}})
	if stats.FramesMasked != 0 {
		t.Fatalf("expected handshake frame untouched, got %+v", stats)
	}
	if !bytes.Equal(out[0].Bytes, rawCopy) {
		t.Fatalf("handshake frame bytes changed")
	}
}

// An ICMP message quoting a TCP+TLS header is not a live TCP flow: no
// rule is generated and the frame is emitted unchanged.
func TestMaskICMPEncapsulatedFragmentSkipped(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IPv4(10, 0, 0, 3),
		DstIP:    net.IPv4(10, 0, 0, 1),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, 0),
	}
	// Quoted inner TCP+TLS header bytes as the ICMP payload.
	quoted := []byte{0x16, 0x03, 0x03, 0x00, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, icmp, gopacket.Payload(quoted)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	raw := make([]byte, len(buf.Bytes()))
	copy(raw, buf.Bytes())
	rawCopy := make([]byte, len(raw))
	copy(rawCopy, raw)

	out, stats := runMask(t, []capture.Frame{{Index: 0, Bytes: raw}})
	if stats.FramesMasked != 0 || stats.RecordsFound != 0 {
		t.Fatalf("expected no records/masking for ICMP frame, got %+v", stats)
	}
	if !bytes.Equal(out[0].Bytes, rawCopy) {
		t.Fatalf("ICMP frame bytes changed")
	}
}

// buildClientHello returns a minimal ClientHello handshake message body
// (type + length + fixed fields + one cipher suite + an SNI extension).
func buildClientHello(t *testing.T, sni string) []byte {
	t.Helper()
	random := bytes.Repeat([]byte{0x11}, 32)
	sniBytes := []byte(sni)

	var nameEntry []byte
	nameEntry = append(nameEntry, 0x00) // name_type: host_name
	nameEntry = append(nameEntry, byte(len(sniBytes)>>8), byte(len(sniBytes)))
	nameEntry = append(nameEntry, sniBytes...)

	var serverNameList []byte
	serverNameList = append(serverNameList, byte(len(nameEntry)>>8), byte(len(nameEntry)))
	serverNameList = append(serverNameList, nameEntry...)

	var ext []byte
	ext = append(ext, 0x00, 0x00) // extension type: server_name
	ext = append(ext, byte(len(serverNameList)>>8), byte(len(serverNameList)))
	ext = append(ext, serverNameList...)

	var msg []byte
	msg = append(msg, 0x03, 0x03) // client_version
	msg = append(msg, random...)
	msg = append(msg, 0x00)       // session_id_len
	msg = append(msg, 0x00, 0x02) // cipher_suites_len
	msg = append(msg, 0x13, 0x01) // TLS_AES_128_GCM_SHA256
	msg = append(msg, 0x01)       // comp_methods_len
	msg = append(msg, 0x00)       // comp method: null
	msg = append(msg, byte(len(ext)>>8), byte(len(ext)))
	msg = append(msg, ext...)

	body := make([]byte, 0, len(msg)+4)
	body = append(body, 0x01) // handshake type: ClientHello
	body = append(body, byte(len(msg)>>16), byte(len(msg)>>8), byte(len(msg)))
	body = append(body, msg...)
	return body
}

func TestMaskClientHelloDiagnostic(t *testing.T) {
	hello := buildClientHello(t, "example.com")
	record := append([]byte{0x16, 0x03, 0x03, byte(len(hello) >> 8), byte(len(hello))}, hello...)

	raw := buildTCPSegment(t, 3000, 51000, 443, record)
	_, stats := runMask(t, []capture.Frame{{Index: 0, Bytes: raw}})

	if stats.ClientHellos != 1 {
		t.Fatalf("ClientHellos = %d, want 1", stats.ClientHellos)
	}
	if len(stats.SNIHostnames) != 1 || stats.SNIHostnames[0] != "example.com" {
		t.Fatalf("SNIHostnames = %v, want [example.com]", stats.SNIHostnames)
	}
}

// Mid-flow reordering: the middle segment of a three-segment record is
// captured last. The parked out-of-order segment must drain once the
// gap fills, and the mask must land on all three frames.
func TestMaskOutOfOrderSegments(t *testing.T) {
	total := 5 + 100
	full := make([]byte, total)
	full[0], full[1], full[2] = 0x17, 0x03, 0x03
	full[3], full[4] = 0x00, 0x64 // length 100
	for i := 5; i < total; i++ {
		full[i] = 0xBB
	}

	seg1, seg2, seg3 := full[:40], full[40:70], full[70:]

	raw1 := buildTCPSegment(t, 1000, 51000, 443, seg1)
	raw2 := buildTCPSegment(t, 1040, 51000, 443, seg2)
	raw3 := buildTCPSegment(t, 1070, 51000, 443, seg3)

	// File order: seg1, seg3, seg2.
	out, stats := runMask(t, []capture.Frame{
		{Index: 0, Bytes: raw1},
		{Index: 1, Bytes: raw3},
		{Index: 2, Bytes: raw2},
	})
	if stats.RecordsFound != 1 {
		t.Fatalf("RecordsFound = %d, want 1", stats.RecordsFound)
	}
	if stats.FramesMasked != 3 {
		t.Fatalf("expected all three frames masked, got %+v", stats)
	}

	loc1, _ := capture.Locate(out[0].Bytes, capture.LinkTypeEthernet)
	payload1 := loc1.TCPPayload()
	if !bytes.Equal(payload1[:5], []byte{0x17, 0x03, 0x03, 0x00, 0x64}) {
		t.Fatalf("header mutated: %x", payload1[:5])
	}
	for i := 5; i < len(payload1); i++ {
		if payload1[i] != 0 {
			t.Fatalf("first segment body byte %d not zeroed", i)
		}
	}
	for _, idx := range []int{1, 2} {
		loc, _ := capture.Locate(out[idx].Bytes, capture.LinkTypeEthernet)
		for i, b := range loc.TCPPayload() {
			if b != 0 {
				t.Fatalf("frame %d byte %d not zeroed", idx, i)
			}
		}
	}
}

// A retransmitted segment contributes its bytes once; the record still
// parses and the duplicate adds no second set of rules.
func TestMaskRetransmissionIgnored(t *testing.T) {
	body := bytes.Repeat([]byte{0xCC}, 48)
	record := append([]byte{0x17, 0x03, 0x03, 0x00, 0x30}, body...)

	raw := buildTCPSegment(t, 5000, 51000, 443, record)
	retrans := buildTCPSegment(t, 5000, 51000, 443, record)

	out, stats := runMask(t, []capture.Frame{
		{Index: 0, Bytes: raw},
		{Index: 1, Bytes: retrans},
	})
	if stats.RecordsFound != 1 {
		t.Fatalf("RecordsFound = %d, want 1", stats.RecordsFound)
	}

	loc0, _ := capture.Locate(out[0].Bytes, capture.LinkTypeEthernet)
	payload := loc0.TCPPayload()
	for i := 5; i < len(payload); i++ {
		if payload[i] != 0 {
			t.Fatalf("first transmission byte %d not zeroed", i)
		}
	}
}

// A record whose body is cut off by the end of its flow is reported incomplete
// and its bytes are preserved, not masked.
func TestMaskIncompleteRecordPreserved(t *testing.T) {
	// Declares a 4KiB body but only 20 bytes follow.
	partial := append([]byte{0x17, 0x03, 0x03, 0x10, 0x00}, bytes.Repeat([]byte{0xEE}, 20)...)

	raw := buildTCPSegment(t, 9000, 51000, 443, partial)
	rawCopy := make([]byte, len(raw))
	copy(rawCopy, raw)

	out, stats := runMask(t, []capture.Frame{{Index: 0, Bytes: raw}})
	if stats.RecordsFound != 1 {
		t.Fatalf("RecordsFound = %d, want 1 (incomplete)", stats.RecordsFound)
	}
	if stats.FramesMasked != 0 {
		t.Fatalf("incomplete record must not be masked, got %+v", stats)
	}
	if !bytes.Equal(out[0].Bytes, rawCopy) {
		t.Fatalf("incomplete record bytes changed")
	}
}

func TestGenerateRulesOverlapDetected(t *testing.T) {
	records := []Record{
		{ContentType: 23, Length: 10, IsComplete: true, Spans: []recordSpan{{FrameIndex: 0, Start: 0, Length: 15}}},
		{ContentType: 23, Length: 10, IsComplete: true, Spans: []recordSpan{{FrameIndex: 0, Start: 10, Length: 15}}},
	}
	if _, err := GenerateRules(records); err == nil {
		t.Fatalf("expected RuleOverlapError")
	}
}
