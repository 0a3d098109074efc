package capture

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Location pinpoints the innermost IP and (if present) TCP layer of a
// decoded frame, along with the byte offsets of each header within the
// frame's raw bytes. Anonymise and the Mask rewriter both need this: the
// former to rewrite addresses and recompute checksums, the latter to find
// the TCP payload to mask.
//
// Decoding walks through VLAN (Dot1Q), QinQ (Dot1ad), MPLS, GRE, and VXLAN
// envelopes to reach the innermost IP/TCP pair; masking always operates
// on the innermost TCP.
type Location struct {
	IPv4 *layers.IPv4
	IPv6 *layers.IPv6
	TCP  *layers.TCP
	UDP  *layers.UDP
	ICMP *layers.ICMPv4

	// OuterIPv4 and OuterIPv6 hold tunnel-encapsulation IP headers
	// outside the innermost pair (outermost first). Empty for plain,
	// untunnelled frames.
	OuterIPv4 []*layers.IPv4
	OuterIPv6 []*layers.IPv6

	// UDPParentIPv4/UDPParentIPv6 reference the IP header the UDP layer
	// sits directly under — the tunnel envelope when the UDP carries
	// VXLAN. At most one is set, and only when a UDP layer exists.
	UDPParentIPv4 *layers.IPv4
	UDPParentIPv6 *layers.IPv6

	// Offsets into the original frame bytes.
	IPHeaderOffset  int
	TCPHeaderOffset int

	IsIPv6 bool
}

// SrcIP and DstIP return the innermost IP addresses, regardless of version.
func (l *Location) SrcIP() net.IP {
	if l.IsIPv6 {
		return l.IPv6.SrcIP
	}
	return l.IPv4.SrcIP
}

func (l *Location) DstIP() net.IP {
	if l.IsIPv6 {
		return l.IPv6.DstIP
	}
	return l.IPv4.DstIP
}

// IPHeader returns the raw bytes of the IP header (fixed IPv6 header, or
// IPv4 header including options), aliasing the frame's backing array.
func (l *Location) IPHeader() []byte {
	if l.IsIPv6 {
		return l.IPv6.Contents
	}
	return l.IPv4.Contents
}

// IPPayload returns everything after the IP header: the transport segment
// (TCP/UDP/ICMP header + application data), aliasing the frame's backing
// array.
func (l *Location) IPPayload() []byte {
	if l.IsIPv6 {
		return l.IPv6.LayerPayload()
	}
	return l.IPv4.LayerPayload()
}

// TCPPayload returns the slice of the frame's raw bytes carrying the TCP
// application payload. The returned slice aliases the frame's backing
// array (decoding uses NoCopy), so writes to it mutate the frame in place.
func (l *Location) TCPPayload() []byte {
	if l.TCP == nil {
		return nil
	}
	return l.TCP.LayerPayload()
}

// Locate decodes data (a raw frame) under the given link type and returns
// the innermost IP/TCP (or IP/UDP, or bare IP) location, with any tunnel
// IP headers outside it listed separately. Returns nil,nil if the frame
// carries no IP layer at all (e.g. ARP).
func Locate(data []byte, linkType LinkType) (*Location, error) {
	packet := gopacket.NewPacket(data, layers.LinkType(linkType), gopacket.DecodeOptions{
		Lazy:   false,
		NoCopy: true,
	})

	loc := &Location{}

	// Walk every decoded layer so an encapsulated frame (GRE, VXLAN,
	// IP-in-IP) resolves to its innermost IP/transport pair, with the
	// envelopes collected on the side.
	var lastIP gopacket.Layer
	var lastIsV6 bool
	for _, l := range packet.Layers() {
		switch t := l.(type) {
		case *layers.IPv4:
			if lastIP != nil {
				loc.pushOuter(lastIP, lastIsV6)
			}
			lastIP, lastIsV6 = l, false
			loc.IPv4, loc.IPv6 = t, nil
		case *layers.IPv6:
			if lastIP != nil {
				loc.pushOuter(lastIP, lastIsV6)
			}
			lastIP, lastIsV6 = l, true
			loc.IPv6, loc.IPv4 = t, nil
		case *layers.TCP:
			loc.TCP = t
			loc.TCPHeaderOffset = layerOffset(data, l)
		case *layers.UDP:
			loc.UDP = t
			loc.UDPParentIPv4, loc.UDPParentIPv6 = loc.IPv4, loc.IPv6
		case *layers.ICMPv4:
			loc.ICMP = t
		}
	}

	if lastIP == nil {
		// No IP layer found (ARP, LLDP, ...), and malformed/truncated IP
		// headers both land here: gopacket's ErrorLayer surfaces the
		// decode failure, but the caller treats "no IP layer" and "broken
		// IP layer" the same way — pass the frame through unchanged.
		return nil, nil
	}

	loc.IsIPv6 = lastIsV6
	loc.IPHeaderOffset = layerOffset(data, lastIP)
	return loc, nil
}

func (l *Location) pushOuter(ip gopacket.Layer, isV6 bool) {
	if isV6 {
		l.OuterIPv6 = append(l.OuterIPv6, ip.(*layers.IPv6))
	} else {
		l.OuterIPv4 = append(l.OuterIPv4, ip.(*layers.IPv4))
	}
}

// RefreshEnvelopeUDPChecksum recomputes a tunnel envelope's UDP checksum
// after bytes inside it changed (inner addresses rewritten, payload
// masked). Only meaningful when the frame carries both an envelope UDP
// and an inner TCP. An IPv4 envelope checksum already recorded as 0
// means "not present" on the wire and stays 0; over IPv6 the checksum is
// mandatory, so it is always recomputed.
func (l *Location) RefreshEnvelopeUDPChecksum() {
	if l.UDP == nil || l.TCP == nil {
		return
	}
	switch {
	case l.UDPParentIPv6 != nil:
		RecomputeUDPChecksum(l.UDPParentIPv6.SrcIP, l.UDPParentIPv6.DstIP, true, l.UDPParentIPv6.LayerPayload())
	case l.UDPParentIPv4 != nil:
		hdr := l.UDP.Contents
		if len(hdr) >= 8 && hdr[6] == 0 && hdr[7] == 0 {
			return
		}
		RecomputeUDPChecksum(l.UDPParentIPv4.SrcIP, l.UDPParentIPv4.DstIP, false, l.UDPParentIPv4.LayerPayload())
	}
}

// layerOffset computes where l begins within data, relying on NoCopy
// decoding so LayerContents()+LayerPayload() is exactly the tail of data
// from l's first byte onward.
func layerOffset(data []byte, l gopacket.Layer) int {
	remaining := len(l.LayerContents()) + len(l.LayerPayload())
	return len(data) - remaining
}
