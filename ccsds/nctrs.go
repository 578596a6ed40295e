package ccsds

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// NCTRSLengthPrefix is the size of the big-endian length that starts
	// every container. It counts the octets following it.
	NCTRSLengthPrefix = 4
	// NCTRSHeaderLength is the container header between the length prefix
	// and the transfer frame.
	NCTRSHeaderLength = 16
	// MaxContainerLength bounds the length prefix. A larger value means the
	// reader has lost track of container boundaries.
	MaxContainerLength = 1 << 16
)

// ErrContainerLength is a hard failure: the length prefix cannot be trusted,
// so no further container boundary can be located.
var ErrContainerLength = errors.New("nctrs container length out of range")

// NextContainer cuts one container from the front of buf and returns its
// transfer frame and the number of bytes consumed. With too few bytes it
// returns a *TruncatedError telling how many more are needed. A container
// too short to hold its header is consumed and reported as a
// *FrameFormatError.
func NextContainer(buf []byte, headerLength int) (Frame, int, error) {
	if len(buf) < NCTRSLengthPrefix {
		return nil, 0, &TruncatedError{Need: NCTRSLengthPrefix - len(buf)}
	}
	n := binary.BigEndian.Uint32(buf)
	if n > MaxContainerLength {
		return nil, 0, fmt.Errorf("%w: %d", ErrContainerLength, n)
	}
	total := NCTRSLengthPrefix + int(n)
	if len(buf) < total {
		return nil, 0, &TruncatedError{Need: total - len(buf)}
	}
	if int(n) < headerLength {
		return nil, total, &FrameFormatError{FHP: -1, ZoneSize: int(n), Reason: "container shorter than its header"}
	}
	return Frame(buf[NCTRSLengthPrefix+headerLength : total : total]), total, nil
}

// ReadContainer reads one container from r, retrying short reads, and
// returns a freshly allocated transfer frame. It returns io.EOF when r is
// exhausted on a container boundary and a *TruncatedError when r ends inside
// a container.
func ReadContainer(r io.Reader, headerLength int) (Frame, error) {
	var prefix [NCTRSLengthPrefix]byte
	n, err := io.ReadFull(r, prefix[:])
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, &TruncatedError{Need: NCTRSLengthPrefix - n, EOF: true, Partial: prefix[:n]}
	}
	if err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxContainerLength {
		return nil, fmt.Errorf("%w: %d", ErrContainerLength, size)
	}
	body := make([]byte, size)
	n, err = io.ReadFull(r, body)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, &TruncatedError{Need: int(size) - n, EOF: true, Partial: body[:n]}
	}
	if err != nil {
		return nil, err
	}
	if int(size) < headerLength {
		return nil, &FrameFormatError{FHP: -1, ZoneSize: int(size), Reason: "container shorter than its header"}
	}
	return Frame(body[headerLength:]), nil
}

// AppendContainer wraps frame in an NCTRS container with a zero header and
// appends it to buf.
func AppendContainer(buf []byte, frame []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(NCTRSHeaderLength+len(frame)))
	buf = append(buf, make([]byte, NCTRSHeaderLength)...)
	return append(buf, frame...)
}
