package capture

import "net"

// internetChecksum computes the RFC 1071 one's-complement checksum over
// data, the same algorithm IP, TCP, UDP, and ICMP all use (with differing
// pseudo-headers).
func internetChecksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// RecomputeIPv4Checksum recomputes the IPv4 header checksum in place. hdr
// must be the IP header's byte slice (first ihl*4 bytes), aliasing the
// frame's backing array.
func RecomputeIPv4Checksum(hdr []byte) {
	hdr[10], hdr[11] = 0, 0
	sum := internetChecksum(hdr)
	hdr[10] = byte(sum >> 8)
	hdr[11] = byte(sum)
}

// RecomputeTCPChecksum recomputes the TCP checksum in place, given the
// pseudo-header addresses and the full TCP segment (header+options+
// payload), aliasing the frame's backing array.
func RecomputeTCPChecksum(srcIP, dstIP net.IP, isIPv6 bool, segment []byte) {
	segment[16], segment[17] = 0, 0
	sum := pseudoHeaderChecksum(srcIP, dstIP, isIPv6, 6, len(segment))
	csum := foldChecksum(sum, segment)
	segment[16] = byte(csum >> 8)
	segment[17] = byte(csum)
}

// RecomputeUDPChecksum recomputes the UDP checksum in place, given the
// pseudo-header addresses and the full UDP datagram (header+payload).
// A recomputed value of exactly 0 is rewritten as 0xffff, since 0 means
// "no checksum" on the wire (RFC 768).
func RecomputeUDPChecksum(srcIP, dstIP net.IP, isIPv6 bool, datagram []byte) {
	datagram[6], datagram[7] = 0, 0
	sum := pseudoHeaderChecksum(srcIP, dstIP, isIPv6, 17, len(datagram))
	csum := foldChecksum(sum, datagram)
	if csum == 0 {
		csum = 0xffff
	}
	datagram[6] = byte(csum >> 8)
	datagram[7] = byte(csum)
}

// RecomputeICMPv4Checksum recomputes an ICMPv4 message's checksum in place.
// ICMPv4 has no pseudo-header.
func RecomputeICMPv4Checksum(msg []byte) {
	msg[2], msg[3] = 0, 0
	sum := internetChecksum(msg)
	msg[2] = byte(sum >> 8)
	msg[3] = byte(sum)
}

// pseudoHeaderChecksum returns the running one's-complement sum (not yet
// folded/inverted) of the TCP/UDP pseudo-header, so the caller can extend
// it by folding in the real header+payload via foldChecksum.
func pseudoHeaderChecksum(srcIP, dstIP net.IP, isIPv6 bool, proto uint8, length int) uint32 {
	var sum uint32
	add := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(b[i])<<8 | uint32(b[i+1])
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}

	if isIPv6 {
		add(to16(srcIP))
		add(to16(dstIP))
		sum += uint32(length)
		sum += uint32(proto)
	} else {
		add(to4(srcIP))
		add(to4(dstIP))
		sum += uint32(proto)
		sum += uint32(length)
	}
	return sum
}

// foldChecksum extends a partially-accumulated pseudo-header sum with the
// real segment bytes (checksum field assumed already zeroed by the
// caller), folds carries, and returns the final one's complement.
func foldChecksum(sum uint32, segment []byte) uint16 {
	n := len(segment)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(segment[i])<<8 | uint32(segment[i+1])
	}
	if n%2 == 1 {
		sum += uint32(segment[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func to4(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

func to16(ip net.IP) []byte {
	if v6 := ip.To16(); v6 != nil {
		return v6
	}
	return ip
}
