package ccsds

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
)

// MaxPacketLength is the largest packet the 16-bit length field allows.
const MaxPacketLength = PrimaryHeaderLength + 0xFFFF + 1

// A Packet is a byte slice
type Packet []byte

// Version returns the 3-bit packet version number
func (packet Packet) Version() int {
	return int(packet[0] >> 5)
}

// Type returns the packet type bit (TM or TC)
func (packet Packet) Type() PacketType {
	return PacketType(packet[0] >> 4 & 1)
}

// HasSecondaryHeader reports whether the secondary header flag is set
func (packet Packet) HasSecondaryHeader() bool {
	return packet[0]&0x08 != 0
}

// APID returns the CCSDS application ID contained from the header of a packet (a []byte)
func (packet Packet) APID() int {
	return (int(0x7&packet[0]) << 8) + int(packet[1])
}

// IsIdle reports whether the packet carries the idle APID
func (packet Packet) IsIdle() bool {
	return packet.APID() == IdleAPID
}

// SequenceFlags returns the 2-bit segmentation flags
func (packet Packet) SequenceFlags() int {
	return int(packet[2] >> 6)
}

// SequenceCount returns the CCSDS packet sequence counter from the header of a Packet (a []byte)
func (packet Packet) SequenceCount() int {
	return (0x3FFF & (int(packet[2]) << 8)) | int(packet[3])
}

// Length returns the CCSDS packet length field from the header of a Packet (a []byte).  This is
// packet data field length - 1 or the total packet length - 7
func (packet Packet) Length() int {
	return (int(packet[4]) << 8) + int(packet[5])
}

// Size returns the total packet size implied by the length field
func (packet Packet) Size() int {
	return packet.Length() + PrimaryHeaderLength + 1
}

// PEC returns the trailing packet error control word
func (packet Packet) PEC() uint16 {
	n := len(packet)
	return uint16(packet[n-2])<<8 | uint16(packet[n-1])
}

// Segmenter cuts packets out of a byte stream using the primary header's
// length field. Bytes are supplied with Feed, either all at once for a
// finite buffer or piecewise for a live source. Close marks the source as
// exhausted. A Segmenter never checks CRCs or APIDs.
type Segmenter struct {
	buf []byte
	off int
	eof bool
}

// NewSegmenter returns a segmenter over an in-memory buffer that is already
// complete.
func NewSegmenter(buf []byte) *Segmenter {
	return &Segmenter{buf: buf, eof: true}
}

// Feed appends bytes received from the source.
func (s *Segmenter) Feed(b []byte) {
	if s.off > 0 && s.off == len(s.buf) {
		s.buf, s.off = s.buf[:0], 0
	} else if s.off > 4096 && s.off > len(s.buf)/2 {
		n := copy(s.buf, s.buf[s.off:])
		s.buf, s.off = s.buf[:n], 0
	}
	s.buf = append(s.buf, b...)
}

// Close marks the source as exhausted.
func (s *Segmenter) Close() { s.eof = true }

// Closed reports whether Close was called.
func (s *Segmenter) Closed() bool { return s.eof }

// Buffered returns the number of unread bytes.
func (s *Segmenter) Buffered() int { return len(s.buf) - s.off }

// Bytes returns the unread bytes without consuming them.
func (s *Segmenter) Bytes() []byte { return s.buf[s.off:] }

// Skip discards up to n unread bytes.
func (s *Segmenter) Skip(n int) {
	s.off += min(n, s.Buffered())
}

// Reset discards every buffered byte and reopens the source.
func (s *Segmenter) Reset() {
	s.buf, s.off, s.eof = s.buf[:0], 0, false
}

// Peek returns the next complete packet without consuming it. When the
// buffer holds less than a packet it returns io.EOF if the source is
// exhausted and empty, otherwise a *TruncatedError whose EOF field tells
// whether more bytes can still arrive.
func (s *Segmenter) Peek() (Packet, error) {
	rest := s.buf[s.off:]
	if len(rest) == 0 && s.eof {
		return nil, io.EOF
	}
	need := PrimaryHeaderLength
	if len(rest) >= PrimaryHeaderLength {
		need = Packet(rest).Size()
	}
	if len(rest) < need {
		err := &TruncatedError{Need: need - len(rest), EOF: s.eof}
		if s.eof {
			err.Partial = rest
		}
		return nil, err
	}
	return Packet(rest[:need:need]), nil
}

// Next returns the next packet and consumes it. The packet aliases the
// segmenter's buffer and is only valid until the next call to Feed.
func (s *Segmenter) Next() (Packet, error) {
	p, err := s.Peek()
	if err != nil {
		return nil, err
	}
	s.off += len(p)
	return p, nil
}

// ReadPackets reads from a byte stream, identifies CCSDS packet boundaries and passes each packet to a callback.
// Short reads are retried until the stream ends. The packet passed to the callback is reused;
// a callback that keeps it must copy it. A stream ending inside a packet yields a *TruncatedError.
func ReadPackets(stream io.Reader, callback func(p Packet) error) error {
	return readPacketsInner(stream, make(Packet, MaxPacketLength), callback)
}

// ReadPacketsChannel reads from a byte stream, identifies CCSDS packet boundaries and passes a copy of each packet to a channel
func ReadPacketsChannel(stream io.Reader, channel chan<- Packet) error {
	return ReadPackets(stream, func(p Packet) error {
		channel <- append(Packet(nil), p...)
		return nil
	})
}

func readPacketsInner(stream io.Reader, pktbuf Packet, callback func(p Packet) error) error {
	totalBytesRead := 0
	for {
		// Read packet header
		n, err := io.ReadFull(stream, pktbuf[:PrimaryHeaderLength])
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("stream ends with partial packet in the header at offset %d: %w", totalBytesRead,
				&TruncatedError{Need: PrimaryHeaderLength - n, EOF: true, Partial: pktbuf[:n]})
		}
		if err != nil {
			return err
		}

		// Read the packet body
		packetLength := pktbuf.Size()
		n, err = io.ReadFull(stream, pktbuf[PrimaryHeaderLength:packetLength])
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("stream ends with partial packet in the packet body at offset %d: %w", totalBytesRead,
				&TruncatedError{Need: packetLength - PrimaryHeaderLength - n, EOF: true, Partial: pktbuf[:PrimaryHeaderLength+n]})
		}
		if err != nil {
			return err
		}

		if err := callback(pktbuf[:packetLength]); err != nil {
			return err
		}
		totalBytesRead += packetLength
	}
}

// DropIdle wraps a packet callback so that idle packets never reach it
func DropIdle(callback func(p Packet) error) func(p Packet) error {
	return func(p Packet) error {
		if p.IsIdle() {
			return nil
		}
		return callback(p)
	}
}

// PacketFile a binary file containing a sequence of CCSDS packets without any headers (a .tmpool file).
// Files ending in .gz are decompressed on the fly.
type PacketFile struct {
	Filename string
}

// Iterate reads a packet file, splits into packets and passes each packet to a callback.
// This creates and reuses a byte slice for all packets.  If the callback needs to pass the packet
// to something else, it needs to copy it
func (source PacketFile) Iterate(callback func(p Packet) error) error {
	rc, err := OpenFile(source.Filename)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := ReadPackets(rc, callback); err != nil {
		return fmt.Errorf("%s: %w", source.Filename, err)
	}
	return nil
}

// OpenFile opens a packet or frame file, decompressing it when its name
// ends in .gz.
func OpenFile(filename string) (io.ReadCloser, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", filename, err)
	}
	breader := bufio.NewReader(f)
	if path.Ext(filename) != ".gz" {
		return readCloser{breader, f}, nil
	}
	zr, err := gzip.NewReader(breader)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error opening gzipped file %s: %w", filename, err)
	}
	return readCloser{zr, multiCloser{zr, f}}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
