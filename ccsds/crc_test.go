package ccsds

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC16CheckValue(t *testing.T) {
	assert.Equal(t, uint16(0x29B1), CRC16([]byte("123456789")))
	assert.Equal(t, uint16(0xFFFF), CRC16(nil))
}

// TestCRC16SelfCheck appends the CRC of random buffers and expects a zero remainder
func TestCRC16SelfCheck(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for n := 0; n < 300; n++ {
		b := make([]byte, n)
		r.Read(b)
		withCRC := binary.BigEndian.AppendUint16(append([]byte(nil), b...), CRC16(b))
		if CRC16(withCRC) != 0 {
			t.Errorf("self check failed for %d byte buffer", n)
		}
		if !VerifyPEC(withCRC) {
			t.Errorf("VerifyPEC rejected %d byte buffer", n)
		}
	}
}

func TestUpdateCRC16Streaming(t *testing.T) {
	data := []byte("telemetry packet error control")
	crc := UpdateCRC16(0xFFFF, data[:7])
	crc = UpdateCRC16(crc, data[7:])
	assert.Equal(t, CRC16(data), crc)
}

func TestVerifyPEC(t *testing.T) {
	pkt := rawPacket(321, 7, []byte{1, 2, 3, 4})
	assert.True(t, VerifyPEC(pkt))

	pkt[8] ^= 0x01
	assert.False(t, VerifyPEC(pkt))
	assert.False(t, VerifyPEC([]byte{0x12}))
}
