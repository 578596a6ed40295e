// Package rmap encodes and decodes SpaceWire RMAP command and reply headers.
//
// Only headers without source path addresses are handled. Logical
// addresses, protocol identifier and key are mission constants held by a
// Codec.
package rmap

import (
	"encoding/binary"
	"fmt"

	"github.com/uviespace/CCS-sub002/ccsds"
)

// Instruction field bits
const (
	BitReserved    = 0x80
	BitIsCommand   = 0x40
	BitIsWrite     = 0x20
	BitVerifyData  = 0x10
	BitAcknowledge = 0x08
	BitIncrement   = 0x04
	BitsSPAL       = 0x03 // source path address length
)

// Header sizes including the trailing header CRC byte.
const (
	CommandHeaderLength    = 16
	WriteReplyHeaderLength = 8
	ReadReplyHeaderLength  = 12
)

// MaxDataLength is the largest value of the 24-bit data length field.
const MaxDataLength = 1<<24 - 1

// DefaultProtocolID is the RMAP protocol identifier.
const DefaultProtocolID = 0x01

type errCode uint8

// Encoding and decoding errors
const (
	_             errCode = iota
	ErrTruncated          // buffer shorter than the header shape
	ErrProtocolID         // protocol identifier differs from the codec's
	ErrHeaderCRC          // header CRC byte does not match
	ErrNotReply           // command bit set in a reply
	ErrNotCommand         // command bit clear in a command
	ErrDataLength         // data length does not fit in 24 bits
)

func (err errCode) Error() string {
	switch err {
	case ErrTruncated:
		return "rmap: truncated header"
	case ErrProtocolID:
		return "rmap: unexpected protocol id"
	case ErrHeaderCRC:
		return "rmap: header crc mismatch"
	case ErrNotReply:
		return "rmap: not a reply"
	case ErrNotCommand:
		return "rmap: not a command"
	case ErrDataLength:
		return "rmap: data length exceeds 24 bits"
	}
	return fmt.Sprintf("rmap error %d", uint8(err))
}

// Checksum computes the header CRC byte over the bytes preceding it.
type Checksum func(header []byte) byte

// CRC16Low is the default header checksum: the low byte of the packet
// CRC-CCITT-FALSE.
func CRC16Low(header []byte) byte {
	return byte(ccsds.CRC16(header))
}

var crc8Table = func() (t [256]byte) {
	for i := range t {
		c := byte(i)
		for j := 0; j < 8; j++ {
			if c&1 != 0 {
				c = c>>1 ^ 0xE0
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return t
}()

// CRC8 is the ECSS RMAP header CRC (x^8+x^2+x+1, bit reflected, zero
// initial value).
func CRC8(header []byte) byte {
	var crc byte
	for _, b := range header {
		crc = crc8Table[crc^b]
	}
	return crc
}

// Codec holds the constants shared by every header of a link.
type Codec struct {
	ProtocolID              byte
	Key                     byte
	TargetLogicalAddress    byte
	InitiatorLogicalAddress byte
	// Checksum defaults to CRC16Low when nil.
	Checksum Checksum
}

// CommandHeader holds the per-transaction fields of a command.
type CommandHeader struct {
	Instruction     byte
	TransactionID   uint16
	ExtendedAddress byte
	Address         uint32
	DataLength      uint32 // 24 bits
}

// IsWrite reports whether the command writes to the target.
func (h CommandHeader) IsWrite() bool { return h.Instruction&BitIsWrite != 0 }

// ReplyHeader holds the fields of a write or read reply. DataLength is
// only carried by read replies.
type ReplyHeader struct {
	Instruction   byte
	Status        byte
	TransactionID uint16
	DataLength    uint32
}

// IsWrite reports whether this replies to a write command.
func (h ReplyHeader) IsWrite() bool { return h.Instruction&BitIsWrite != 0 }

// Len returns the encoded size of the reply header.
func (h ReplyHeader) Len() int {
	if h.IsWrite() {
		return WriteReplyHeaderLength
	}
	return ReadReplyHeaderLength
}

func (c Codec) checksum(b []byte) byte {
	if c.Checksum == nil {
		return CRC16Low(b)
	}
	return c.Checksum(b)
}

// BuildCommandHeader encodes a 16-byte command header. The command bit is
// always set and the reserved bit and source path address length cleared.
func (c Codec) BuildCommandHeader(h CommandHeader) ([]byte, error) {
	if h.DataLength > MaxDataLength {
		return nil, fmt.Errorf("%w: %d", ErrDataLength, h.DataLength)
	}
	b := make([]byte, 0, CommandHeaderLength)
	b = append(b, c.TargetLogicalAddress, c.ProtocolID,
		(h.Instruction|BitIsCommand)&^(BitReserved|BitsSPAL),
		c.Key, c.InitiatorLogicalAddress)
	b = binary.BigEndian.AppendUint16(b, h.TransactionID)
	b = append(b, h.ExtendedAddress)
	b = binary.BigEndian.AppendUint32(b, h.Address)
	b = append(b, byte(h.DataLength>>16), byte(h.DataLength>>8), byte(h.DataLength))
	return append(b, c.checksum(b)), nil
}

// ParseCommandHeader decodes a command header from the start of b. Address
// and key fields are returned as found, they are not checked against the
// codec.
func (c Codec) ParseCommandHeader(b []byte) (CommandHeader, error) {
	if len(b) < CommandHeaderLength {
		return CommandHeader{}, fmt.Errorf("%w: %d of %d bytes", ErrTruncated, len(b), CommandHeaderLength)
	}
	if b[2]&BitIsCommand == 0 {
		return CommandHeader{}, ErrNotCommand
	}
	if err := c.check(b[:CommandHeaderLength]); err != nil {
		return CommandHeader{}, err
	}
	return CommandHeader{
		Instruction:     b[2],
		TransactionID:   binary.BigEndian.Uint16(b[5:]),
		ExtendedAddress: b[7],
		Address:         binary.BigEndian.Uint32(b[8:]),
		DataLength:      uint24(b[12:]),
	}, nil
}

// BuildReplyHeader encodes a write reply (8 bytes) or a read reply (12
// bytes) depending on the write bit of the instruction.
func (c Codec) BuildReplyHeader(h ReplyHeader) ([]byte, error) {
	if !h.IsWrite() && h.DataLength > MaxDataLength {
		return nil, fmt.Errorf("%w: %d", ErrDataLength, h.DataLength)
	}
	b := make([]byte, 0, h.Len())
	b = append(b, c.InitiatorLogicalAddress, c.ProtocolID,
		h.Instruction&^(BitIsCommand|BitReserved), h.Status, c.TargetLogicalAddress)
	b = binary.BigEndian.AppendUint16(b, h.TransactionID)
	if !h.IsWrite() {
		b = append(b, 0, byte(h.DataLength>>16), byte(h.DataLength>>8), byte(h.DataLength))
	}
	return append(b, c.checksum(b)), nil
}

// ParseReplyHeader decodes a reply header from the start of b. The shape
// is chosen by the write bit of the instruction byte.
func (c Codec) ParseReplyHeader(b []byte) (ReplyHeader, error) {
	if len(b) < 3 {
		return ReplyHeader{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	h := ReplyHeader{Instruction: b[2]}
	if h.Instruction&BitIsCommand != 0 {
		return ReplyHeader{}, ErrNotReply
	}
	n := h.Len()
	if len(b) < n {
		return ReplyHeader{}, fmt.Errorf("%w: %d of %d bytes", ErrTruncated, len(b), n)
	}
	if err := c.check(b[:n]); err != nil {
		return ReplyHeader{}, err
	}
	h.Status = b[3]
	h.TransactionID = binary.BigEndian.Uint16(b[5:])
	if !h.IsWrite() {
		h.DataLength = uint24(b[8:])
	}
	return h, nil
}

func (c Codec) check(hdr []byte) error {
	if hdr[1] != c.ProtocolID {
		return fmt.Errorf("%w: 0x%02x", ErrProtocolID, hdr[1])
	}
	n := len(hdr) - 1
	if want := c.checksum(hdr[:n]); hdr[n] != want {
		return fmt.Errorf("%w: got 0x%02x want 0x%02x", ErrHeaderCRC, hdr[n], want)
	}
	return nil
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
