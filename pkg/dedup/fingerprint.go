package dedup

import (
	"crypto/sha256"

	"github.com/podscope/pcapscrub/pkg/capture"
)

// Fingerprint is a fixed-size digest of a frame's invariant bytes:
// version, protocol, addresses, and declared length from the IP header,
// plus the IP payload, with the IP header checksum, TCP/UDP checksum, IP
// TTL, and capture timestamp excluded so retransmissions differing only
// in those fields still collide (are treated as duplicates) while
// genuinely distinct frames don't.
type Fingerprint [32]byte

// Compute derives a frame's dedup fingerprint. linkType is needed to
// locate the IP header within the raw frame bytes.
func Compute(f capture.Frame, linkType capture.LinkType) (Fingerprint, error) {
	loc, err := capture.Locate(f.Bytes, linkType)
	if err != nil {
		return Fingerprint{}, err
	}
	if loc == nil {
		// No IP layer (e.g. ARP): there's no variable checksum/TTL field
		// to exclude, so hash the whole frame.
		return sha256.Sum256(f.Bytes), nil
	}

	h := sha256.New()
	h.Write(invariantIPHeader(loc))
	h.Write(invariantIPPayload(loc))

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp, nil
}

// invariantIPHeader returns a copy of the IP header with TTL (IPv4 only)
// and header checksum (IPv4 only) zeroed.
func invariantIPHeader(loc *capture.Location) []byte {
	hdr := append([]byte(nil), loc.IPHeader()...)
	if !loc.IsIPv6 {
		if len(hdr) > 8 {
			hdr[8] = 0 // TTL
		}
		if len(hdr) > 11 {
			hdr[10], hdr[11] = 0, 0 // header checksum
		}
	}
	return hdr
}

// invariantIPPayload returns a copy of the IP payload (transport segment)
// with the TCP or UDP checksum field zeroed, if present.
func invariantIPPayload(loc *capture.Location) []byte {
	payload := append([]byte(nil), loc.IPPayload()...)
	switch {
	case loc.TCP != nil && len(payload) >= 18:
		payload[16], payload[17] = 0, 0
	case loc.UDP != nil && len(payload) >= 8:
		payload[6], payload[7] = 0, 0
	}
	return payload
}
