package capture

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func buildTCPFrame(t *testing.T, payload []byte) []byte {
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
	tcp := &layers.TCP{SrcPort: 51000, DstPort: 443, Seq: 1, ACK: true, Window: 8192}
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

// Reading a classic PCAP and writing every frame back unmodified must
// reproduce the input byte for byte.
func TestClassicPCAPRoundTripIdentity(t *testing.T) {
	var original bytes.Buffer
	w, err := OpenWriter(&original, WriterOptions{
		Format:           FormatPCAP,
		LinkType:         LinkTypeEthernet,
		ByteOrder:        LittleEndian,
		SubsecResolution: 1_000_000,
	})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	for i := 0; i < 3; i++ {
		b := buildTCPFrame(t, []byte{byte(i), 0xAB, 0xCD})
		f := Frame{
			Seconds: 1700000000 + int64(i),
			Subsec:  int64(123456 + i),
			CapLen:  uint32(len(b)),
			OrigLen: uint32(len(b)),
			Bytes:   b,
		}
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(bytes.NewReader(original.Bytes()))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if r.Format() != FormatPCAP || r.ByteOrder() != LittleEndian || r.SubsecResolution() != 1_000_000 {
		t.Fatalf("detected variant mismatch: %v %v %d", r.Format(), r.ByteOrder(), r.SubsecResolution())
	}

	var copied bytes.Buffer
	w2, err := OpenWriter(&copied, OptionsFromReader(r))
	if err != nil {
		t.Fatalf("OpenWriter (copy): %v", err)
	}
	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if err := w2.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame (copy): %v", err)
		}
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close (copy): %v", err)
	}

	if !bytes.Equal(original.Bytes(), copied.Bytes()) {
		t.Fatalf("round-trip output differs from input (%d vs %d bytes)", original.Len(), copied.Len())
	}
}

func TestNanosecondResolutionPreserved(t *testing.T) {
	var buf bytes.Buffer
	w, err := OpenWriter(&buf, WriterOptions{
		Format:           FormatPCAP,
		LinkType:         LinkTypeEthernet,
		SubsecResolution: 1_000_000_000,
	})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	b := buildTCPFrame(t, []byte("x"))
	f := Frame{Seconds: 1700000000, Subsec: 999999999, CapLen: uint32(len(b)), OrigLen: uint32(len(b)), Bytes: b}
	if err := w.WriteFrame(f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r, err := OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if r.SubsecResolution() != 1_000_000_000 {
		t.Fatalf("resolution not detected as nanoseconds: %d", r.SubsecResolution())
	}
	got, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Seconds != f.Seconds || got.Subsec != f.Subsec {
		t.Fatalf("timestamp changed: got (%d,%d), want (%d,%d)", got.Seconds, got.Subsec, f.Seconds, f.Subsec)
	}
}

func TestOpenReaderRejectsUnknownMagic(t *testing.T) {
	if _, err := OpenReader(bytes.NewReader([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0})); err == nil {
		t.Fatalf("expected UnsupportedFormat for junk magic")
	}
}

// A GRE-tunnelled TCP segment must resolve to the inner IP/TCP pair,
// with the envelope listed as an outer header.
func TestLocateInnermostThroughGRE(t *testing.T) {
	outerIP := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolGRE,
		SrcIP:    net.IPv4(192, 0, 2, 1),
		DstIP:    net.IPv4(192, 0, 2, 2),
	}
	gre := &layers.GRE{Protocol: layers.EthernetTypeIPv4}
	innerIP := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{SrcPort: 51000, DstPort: 443, Seq: 7, ACK: true, Window: 8192}
	_ = tcp.SetNetworkLayerForChecksum(innerIP)
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, outerIP, gre, innerIP, tcp, gopacket.Payload([]byte("abc"))); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	loc, err := Locate(buf.Bytes(), LinkTypeEthernet)
	if err != nil || loc == nil {
		t.Fatalf("Locate: %v, %v", loc, err)
	}
	if !loc.SrcIP().Equal(net.IPv4(10, 0, 0, 1)) {
		t.Fatalf("innermost SrcIP = %v, want 10.0.0.1", loc.SrcIP())
	}
	if loc.TCP == nil || !bytes.Equal(loc.TCPPayload(), []byte("abc")) {
		t.Fatalf("inner TCP payload not located: %v", loc.TCPPayload())
	}
	if len(loc.OuterIPv4) != 1 || !loc.OuterIPv4[0].SrcIP.Equal(net.IPv4(192, 0, 2, 1)) {
		t.Fatalf("outer envelope not reported: %+v", loc.OuterIPv4)
	}
}

// A VXLAN-encapsulated TCP segment: the inner pair is located, the
// envelope UDP's parent IP is recorded, and the envelope checksum
// refreshes after inner bytes change.
func TestLocateVXLANEnvelope(t *testing.T) {
	outerEth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0xAA},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0xBB},
		EthernetType: layers.EthernetTypeIPv4,
	}
	outerIP := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(198, 51, 100, 1),
		DstIP:    net.IPv4(198, 51, 100, 2),
	}
	udp := &layers.UDP{SrcPort: 49152, DstPort: 4789}
	_ = udp.SetNetworkLayerForChecksum(outerIP)
	vxlan := &layers.VXLAN{ValidIDFlag: true, VNI: 42}
	innerEth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	innerIP := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{SrcPort: 51000, DstPort: 443, Seq: 9, ACK: true, Window: 8192}
	_ = tcp.SetNetworkLayerForChecksum(innerIP)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, outerEth, outerIP, udp, vxlan, innerEth, innerIP, tcp, gopacket.Payload([]byte{0xAA, 0xBB, 0xCC})); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	data := make([]byte, len(buf.Bytes()))
	copy(data, buf.Bytes())

	loc, err := Locate(data, LinkTypeEthernet)
	if err != nil || loc == nil {
		t.Fatalf("Locate: %v, %v", loc, err)
	}
	if !loc.SrcIP().Equal(net.IPv4(10, 0, 0, 1)) {
		t.Fatalf("innermost SrcIP = %v, want 10.0.0.1", loc.SrcIP())
	}
	if loc.UDPParentIPv4 == nil || !loc.UDPParentIPv4.SrcIP.Equal(net.IPv4(198, 51, 100, 1)) {
		t.Fatalf("envelope UDP parent not recorded: %+v", loc.UDPParentIPv4)
	}

	before := []byte{loc.UDP.Contents[6], loc.UDP.Contents[7]}
	loc.TCPPayload()[0] = 0x00
	loc.RefreshEnvelopeUDPChecksum()
	after := []byte{loc.UDP.Contents[6], loc.UDP.Contents[7]}
	if bytes.Equal(before, after) {
		t.Fatalf("envelope UDP checksum unchanged after inner payload changed")
	}
	if after[0] == 0 && after[1] == 0 {
		t.Fatalf("envelope UDP checksum recomputed to zero")
	}
}

func TestInternetChecksumKnownVector(t *testing.T) {
	// RFC 1071 worked example.
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	if got := internetChecksum(data); got != ^uint16(0xddf2) {
		t.Fatalf("internetChecksum = %#04x, want %#04x", got, ^uint16(0xddf2))
	}
}
