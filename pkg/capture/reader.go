package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/gopacket/pcapgo"
)

// Sentinel errors, matching the error kinds of the design's error model.
var (
	ErrUnsupportedFormat = fmt.Errorf("capture: unsupported or corrupt capture file")
	ErrTruncatedFile     = fmt.Errorf("capture: truncated capture file")
)

const (
	magicMicrosLE = 0xa1b2c3d4
	magicMicrosBE = 0xd4c3b2a1
	magicNanosLE  = 0xa1b23c4d
	magicNanosBE  = 0x4d3cb2a1
	magicPcapNG   = 0x0a0d0d0a
)

// Reader is a file-order iterator over the frames of a PCAP or PCAPNG
// capture. It never buffers more than the frame currently being
// returned.
type Reader struct {
	format           Format
	order            ByteOrder
	linkType         LinkType
	subsecResolution int64

	br *bufio.Reader

	// classic PCAP state
	snaplen uint32

	// PCAPNG state, delegated to gopacket's block-aware codec since
	// reproducing SHB/IDB/EPB parsing by hand buys nothing a third-party
	// implementation doesn't already get right.
	ng *pcapgo.NgReader

	nextIndex int
}

// OpenReader wraps src as a capture Reader, auto-detecting PCAP vs PCAPNG
// and the byte order / timestamp resolution of the source file.
func OpenReader(src io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(src, 64*1024)

	magic, err := peekMagic(br)
	if err != nil {
		return nil, err
	}

	r := &Reader{br: br}

	switch magic {
	case magicMicrosLE:
		r.format, r.order, r.subsecResolution = FormatPCAP, LittleEndian, 1_000_000
		return r, r.readClassicHeader()
	case magicMicrosBE:
		r.format, r.order, r.subsecResolution = FormatPCAP, BigEndian, 1_000_000
		return r, r.readClassicHeader()
	case magicNanosLE:
		r.format, r.order, r.subsecResolution = FormatPCAP, LittleEndian, 1_000_000_000
		return r, r.readClassicHeader()
	case magicNanosBE:
		r.format, r.order, r.subsecResolution = FormatPCAP, BigEndian, 1_000_000_000
		return r, r.readClassicHeader()
	case magicPcapNG:
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		r.format = FormatPCAPNG
		r.ng = ng
		r.linkType = LinkType(ng.LinkType())
		// PCAPNG Enhanced Packet Blocks carry nanosecond-scale timestamps by
		// convention (if_tsresol defaults to 1e-6s unless the interface
		// description block says otherwise); gopacket's NgReader already
		// normalizes to nanoseconds for us.
		r.subsecResolution = 1_000_000_000
		return r, nil
	default:
		return nil, ErrUnsupportedFormat
	}
}

func peekMagic(br *bufio.Reader) (uint32, error) {
	head, err := br.Peek(4)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, fmt.Errorf("%w: %v", ErrTruncatedFile, err)
		}
		return 0, err
	}
	return binary.LittleEndian.Uint32(head), nil
}

func (r *Reader) readClassicHeader() error {
	hdr := make([]byte, 24)
	if _, err := io.ReadFull(r.br, hdr); err != nil {
		return fmt.Errorf("%w: global header: %v", ErrTruncatedFile, err)
	}

	bo := r.byteOrder()
	// hdr[0:4] magic already consumed logically; re-read fields positionally.
	_ = bo.Uint32(hdr[0:4]) // magic, already validated by peekMagic
	// version major/minor at [4:6], [6:8] — preserved implicitly since we
	// only round-trip frames, not re-derive the header.
	// this-zone at [8:12], sigfigs at [12:16] — ignored.
	r.snaplen = bo.Uint32(hdr[16:20])
	r.linkType = LinkType(bo.Uint32(hdr[20:24]))
	return nil
}

func (r *Reader) byteOrder() binary.ByteOrder {
	if r.order == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// LinkType returns the data-link format of the capture.
func (r *Reader) LinkType() LinkType { return r.linkType }

// Format returns whether the source file was classic PCAP or PCAPNG.
func (r *Reader) Format() Format { return r.format }

// ByteOrder returns the byte order of a classic PCAP source; meaningless
// for PCAPNG (always little-endian at the block level).
func (r *Reader) ByteOrder() ByteOrder { return r.order }

// SubsecResolution returns 1_000_000 (microseconds) or 1_000_000_000
// (nanoseconds), matching the source file's timestamp resolution.
func (r *Reader) SubsecResolution() int64 { return r.subsecResolution }

// Next returns the next frame in file order, or io.EOF when the capture is
// exhausted. A TruncatedFile error returned mid-stream means the caller has
// already received every frame up to the truncation point.
func (r *Reader) Next() (Frame, error) {
	if r.format == FormatPCAPNG {
		return r.nextPCAPNG()
	}
	return r.nextClassic()
}

func (r *Reader) nextClassic() (Frame, error) {
	hdr := make([]byte, 16)
	n, err := io.ReadFull(r.br, hdr)
	if err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		if n > 0 {
			return Frame{}, fmt.Errorf("%w: packet header: %v", ErrTruncatedFile, err)
		}
		return Frame{}, io.EOF
	}

	bo := r.byteOrder()
	tsSec := bo.Uint32(hdr[0:4])
	tsSub := bo.Uint32(hdr[4:8])
	inclLen := bo.Uint32(hdr[8:12])
	origLen := bo.Uint32(hdr[12:16])

	data := make([]byte, inclLen)
	if _, err := io.ReadFull(r.br, data); err != nil {
		return Frame{}, fmt.Errorf("%w: packet body (frame %d): %v", ErrTruncatedFile, r.nextIndex, err)
	}

	f := Frame{
		Seconds:          int64(tsSec),
		Subsec:           int64(tsSub),
		SubsecResolution: r.subsecResolution,
		CapLen:           inclLen,
		OrigLen:          origLen,
		Bytes:            data,
		Index:            r.nextIndex,
	}
	r.nextIndex++
	return f, nil
}

func (r *Reader) nextPCAPNG() (Frame, error) {
	data, ci, err := r.ng.ReadPacketData()
	if err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("%w: frame %d: %v", ErrTruncatedFile, r.nextIndex, err)
	}

	f := Frame{
		Seconds:          ci.Timestamp.Unix(),
		Subsec:           int64(ci.Timestamp.Nanosecond()),
		SubsecResolution: 1_000_000_000,
		CapLen:           uint32(ci.CaptureLength),
		OrigLen:          uint32(ci.Length),
		Bytes:            data,
		Index:            r.nextIndex,
	}
	r.nextIndex++
	return f, nil
}
