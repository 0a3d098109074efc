package capture

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Writer appends frames to a new capture file compatible with the source
// format, byte order, and timestamp resolution a Reader observed.
type Writer struct {
	format           Format
	order            binary.ByteOrder
	subsecResolution int64

	w io.Writer

	// PCAPNG delegates to gopacket's writer for the same reason Reader does:
	// block structure (SHB/IDB/EPB) isn't worth re-deriving by hand.
	ng *pcapgo.NgWriter
}

// WriterOptions configures a new Writer. Resolution must be 1_000_000
// (microseconds) or 1_000_000_000 (nanoseconds); classic-PCAP writers that
// want nanosecond resolution emit the nanosecond magic number.
type WriterOptions struct {
	Format           Format
	LinkType         LinkType
	ByteOrder        ByteOrder
	SubsecResolution int64
	Snaplen          uint32
}

// OpenWriter creates a capture compatible with the given options. The
// caller is expected to derive WriterOptions from a Reader so output
// reproduces the input's variant.
func OpenWriter(dst io.Writer, opts WriterOptions) (*Writer, error) {
	if opts.Snaplen == 0 {
		opts.Snaplen = 65535
	}
	if opts.SubsecResolution == 0 {
		opts.SubsecResolution = 1_000_000
	}

	w := &Writer{format: opts.Format, subsecResolution: opts.SubsecResolution, w: dst}

	if opts.Format == FormatPCAPNG {
		ng, err := pcapgo.NewNgWriter(dst, layers.LinkType(opts.LinkType))
		if err != nil {
			return nil, fmt.Errorf("capture: open pcapng writer: %w", err)
		}
		w.ng = ng
		return w, nil
	}

	if opts.ByteOrder == BigEndian {
		w.order = binary.BigEndian
	} else {
		w.order = binary.LittleEndian
	}

	magic := magicMicrosLE
	if opts.SubsecResolution == 1_000_000_000 {
		magic = magicNanosLE
	}
	// The magic number is itself stored in the file's native byte order, so
	// a BigEndian writer stores the little-endian-canonical magic value
	// byte-swapped — which is exactly what a plain Write of the uint32 in
	// BigEndian order produces, matching how libpcap-derived tools do it.
	hdr := make([]byte, 24)
	w.order.PutUint32(hdr[0:4], uint32(magic))
	w.order.PutUint16(hdr[4:6], 2) // version major
	w.order.PutUint16(hdr[6:8], 4) // version minor
	w.order.PutUint32(hdr[8:12], 0)
	w.order.PutUint32(hdr[12:16], 0)
	w.order.PutUint32(hdr[16:20], opts.Snaplen)
	w.order.PutUint32(hdr[20:24], uint32(opts.LinkType))

	if _, err := dst.Write(hdr); err != nil {
		return nil, fmt.Errorf("capture: write global header: %w", err)
	}
	return w, nil
}

// WriteFrame appends one frame, preserving its timestamp and lengths
// exactly.
func (w *Writer) WriteFrame(f Frame) error {
	if w.format == FormatPCAPNG {
		ci := gopacket.CaptureInfo{
			Timestamp:     f.Timestamp(),
			CaptureLength: len(f.Bytes),
			Length:        int(f.OrigLen),
		}
		if err := w.ng.WritePacket(ci, f.Bytes); err != nil {
			return fmt.Errorf("capture: write pcapng packet: %w", err)
		}
		return nil
	}

	hdr := make([]byte, 16)
	w.order.PutUint32(hdr[0:4], uint32(f.Seconds))
	w.order.PutUint32(hdr[4:8], uint32(f.Subsec))
	w.order.PutUint32(hdr[8:12], uint32(len(f.Bytes)))
	w.order.PutUint32(hdr[12:16], f.OrigLen)

	if _, err := w.w.Write(hdr); err != nil {
		return fmt.Errorf("capture: write packet header: %w", err)
	}
	if _, err := w.w.Write(f.Bytes); err != nil {
		return fmt.Errorf("capture: write packet body: %w", err)
	}
	return nil
}

// Close flushes any buffered state. PCAPNG writers buffer block lengths
// until Flush; classic PCAP writers have nothing to flush.
func (w *Writer) Close() error {
	if w.format == FormatPCAPNG {
		return w.ng.Flush()
	}
	return nil
}

// OptionsFromReader derives WriterOptions that reproduce r's format, byte
// order, and resolution — the standard way a stage constructs its output
// writer from its input reader.
func OptionsFromReader(r *Reader) WriterOptions {
	return WriterOptions{
		Format:           r.Format(),
		LinkType:         r.LinkType(),
		ByteOrder:        r.ByteOrder(),
		SubsecResolution: r.SubsecResolution(),
		Snaplen:          r.snaplen,
	}
}
