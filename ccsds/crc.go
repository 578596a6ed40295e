package ccsds

import "encoding/binary"

// PECLength is the size of the Packet Error Control trailer.
const PECLength = 2

var crcTable = makeCRCTable(0x1021)

func makeCRCTable(poly uint16) *[256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return &t
}

// CRC16 computes CRC-CCITT-FALSE (poly 0x1021, init 0xFFFF, no reflection,
// no final xor) over buf.
func CRC16(buf []byte) uint16 {
	return UpdateCRC16(0xFFFF, buf)
}

// UpdateCRC16 continues a running CRC-CCITT-FALSE with the bytes in buf.
func UpdateCRC16(crc uint16, buf []byte) uint16 {
	for _, b := range buf {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}

// AppendPEC appends the big-endian CRC of buf to buf.
func AppendPEC(buf []byte) []byte {
	return binary.BigEndian.AppendUint16(buf, CRC16(buf))
}

// VerifyPEC reports whether the trailing two bytes of pkt hold the CRC of
// the bytes before them.
func VerifyPEC(pkt []byte) bool {
	n := len(pkt)
	if n < PECLength {
		return false
	}
	return CRC16(pkt[:n-PECLength]) == binary.BigEndian.Uint16(pkt[n-PECLength:])
}
