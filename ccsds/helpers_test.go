package ccsds

import "bytes"

// rawPacket builds an unsegmented packet without secondary header:
// primary header, payload and PEC.
func rawPacket(apid, seq int, payload []byte) Packet {
	buf := generateCCSDSHeader(apid, seq, len(payload)+PECLength)
	buf.Write(payload)
	return Packet(AppendPEC(buf.Bytes()))
}

func generateCCSDSHeader(apid int, seq int, datalen int) *bytes.Buffer {
	capacity := datalen + 6
	len := datalen - 1
	buf := make([]byte, 6, capacity)
	buf[0] = byte((apid >> 8) & 0x7)
	buf[1] = byte(apid & 0xFF)
	buf[2] = byte(seq>>8)&0x3F | 192
	buf[3] = byte(seq & 0xFF)
	buf[4] = byte(len >> 8)
	buf[5] = byte(len & 0xFF)
	return bytes.NewBuffer(buf)
}

// testPayload returns a deterministic payload whose length depends on i.
func testPayload(i int) []byte {
	p := make([]byte, 20+3*i)
	for j := range p {
		p[j] = byte(i*37 + j*11)
	}
	return p
}

// concat joins packets into one stream and records where each starts.
func concat(pkts ...Packet) ([]byte, []int) {
	var stream []byte
	var starts []int
	for _, p := range pkts {
		starts = append(starts, len(stream))
		stream = append(stream, p...)
	}
	return stream, starts
}

// frameStream cuts stream into data zones of zoneSize bytes and wraps each
// in a transfer frame whose FHP points at the first packet starting in it.
func frameStream(zoneSize int, stream []byte, starts []int) []Frame {
	isStart := make(map[int]bool, len(starts))
	for _, s := range starts {
		isStart[s] = true
	}
	var frames []Frame
	for off := 0; off < len(stream); off += zoneSize {
		end := min(off+zoneSize, len(stream))
		fhp := FirstHeaderPointerNone
		for i := off; i < end; i++ {
			if isStart[i] {
				fhp = i - off
				break
			}
		}
		frames = append(frames, NewFrame(DefaultFrameGeometry, fhp, stream[off:end]))
	}
	return frames
}

// nctrs wraps frames in NCTRS containers.
func nctrs(frames []Frame) []byte {
	var buf []byte
	for _, f := range frames {
		buf = AppendContainer(buf, f)
	}
	return buf
}
