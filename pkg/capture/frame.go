// Package capture implements the capture-file codec: reading and writing
// PCAP (classic) and PCAPNG files while preserving every byte the later
// pipeline stages don't explicitly touch.
package capture

import "time"

// Frame is one captured packet plus its capture metadata. Bytes is the raw
// link-layer frame exactly as it appeared in the source file.
type Frame struct {
	// Seconds and Subsec are carried as an opaque pair rather than a single
	// time.Time so that sub-second resolution (us or ns, whichever the
	// source file used) survives a read/write round-trip bit-exactly.
	Seconds int64
	Subsec  int64
	// SubsecResolution is 1_000_000 for microsecond-resolution captures and
	// 1_000_000_000 for nanosecond-resolution ones.
	SubsecResolution int64

	CapLen  uint32
	OrigLen uint32
	Bytes   []byte

	// Index is the 0-based position of this frame in the source file.
	// Populated by Reader; stages use it to key fingerprints, mask rules,
	// and diagnostics back to a specific frame.
	Index int
}

// Timestamp renders the opaque (seconds, subsec) pair as a time.Time. Use
// only for display and diagnostics; stage logic that must round-trip
// bit-exactly should compare Seconds/Subsec/SubsecResolution directly.
func (f Frame) Timestamp() time.Time {
	var nsec int64
	switch f.SubsecResolution {
	case 1_000_000_000:
		nsec = f.Subsec
	default: // microseconds, or unset — treat as microseconds
		nsec = f.Subsec * 1000
	}
	return time.Unix(f.Seconds, nsec).UTC()
}

// LinkType identifies the data-link format of a capture, as recorded in the
// PCAP/PCAPNG file header. Values match the tcpdump/libpcap LINKTYPE_*
// registry (see http://www.tcpdump.org/linktypes.html), the same registry
// gopacket/layers.LinkType uses, so a capture.LinkType converts directly.
type LinkType uint32

const (
	LinkTypeNull     LinkType = 0
	LinkTypeEthernet LinkType = 1
	LinkTypeRaw      LinkType = 101
	LinkTypeIPv4     LinkType = 228
	LinkTypeIPv6     LinkType = 229
)

// ByteOrder records which byte order the source classic-PCAP file used, so
// Writer can reproduce it exactly. PCAPNG is always little-endian at the
// block level regardless of the byte-order magic in its Section Header
// Block, so this is only meaningful for classic PCAP.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

// Format distinguishes the two container formats this package reads/writes.
type Format int

const (
	FormatPCAP Format = iota
	FormatPCAPNG
)
