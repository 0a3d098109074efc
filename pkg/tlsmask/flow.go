// Package tlsmask implements the Mask stage: a two-pass TLS record
// analyser and a rewriter that zeroes application-data payload bytes
// while preserving handshake, alert, change-cipher-spec, and heartbeat
// records untouched.
package tlsmask

import (
	"fmt"
	"net"
)

// Direction tags which half of a TCP flow a segment belongs to, chosen by
// a lexicographic-canonical comparison of endpoints so both peers agree
// on which half is forward.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "reverse"
}

// FlowKey is the flow 5-tuple, restricted to TCP (ports plus addresses;
// the protocol is implied).
type FlowKey struct {
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16
}

// Canonical returns the flow's canonical string id (independent of which
// peer is "source" in a given segment) and the direction this particular
// (src,dst) pair represents relative to that canonical orientation. The
// lexicographically smaller endpoint is the canonical first half, so
// A->B and B->A segments land in the same flow bucket.
func (k FlowKey) Canonical() (id string, dir Direction) {
	a := fmt.Sprintf("%s:%d", k.SrcIP, k.SrcPort)
	b := fmt.Sprintf("%s:%d", k.DstIP, k.DstPort)
	if a <= b {
		return a + "-" + b, Forward
	}
	return b + "-" + a, Reverse
}

// flowIDFor returns the directional flow id string used in record
// descriptors: the canonical flow id suffixed with the direction the
// bytes travelled in.
func flowIDFor(k FlowKey) (flowID string, dir Direction) {
	id, dir := k.Canonical()
	return id + "/" + dir.String(), dir
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
