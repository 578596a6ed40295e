package ccsds

// FirstHeaderPointerNone is the FHP value of a frame in which no packet
// starts.
const FirstHeaderPointerNone int = 0x7FF

// FrameGeometry gives the size of the transfer frame header (primary plus
// secondary header) and trailer surrounding the data zone.
type FrameGeometry struct {
	HeaderLength  int
	TrailerLength int
}

// DefaultFrameGeometry is a 10 byte header and a 4 byte trailer.
var DefaultFrameGeometry = FrameGeometry{HeaderLength: 10, TrailerLength: 4}

// A Frame is a byte slice
type Frame []byte

// SpacecraftID returns the spacecraft id field (10 bits)
func (frame Frame) SpacecraftID() int {
	return (int(0x3F&frame[0]) << 4) | (int(0xF0&frame[1]) >> 4)
}

// VirtualChannel returns the virtual channel number [0-7]
func (frame Frame) VirtualChannel() int {
	return int(0x7 & (frame[1] >> 1))
}

// MasterChannelFrameCount returns the master channel frame count (wraps at 256)
func (frame Frame) MasterChannelFrameCount() int {
	return int(frame[2])
}

// VirtualChannelFrameCount returns the virtual channel frame count (wraps at 256)
func (frame Frame) VirtualChannelFrameCount() int {
	return int(frame[3])
}

// FirstHeaderPointer returns the offset of first packet within the transfer frame data zone,
// or FirstHeaderPointerNone when no packet starts in this frame.
func (frame Frame) FirstHeaderPointer() int {
	return (int(0x7&frame[4]) << 8) + int(frame[5])
}

// DataZone returns the bytes between the frame header and trailer.
func (frame Frame) DataZone(g FrameGeometry) ([]byte, error) {
	if g.HeaderLength < 6 || len(frame) < g.HeaderLength+g.TrailerLength {
		return nil, &FrameFormatError{FHP: -1, ZoneSize: len(frame) - g.HeaderLength - g.TrailerLength, Reason: "frame shorter than its header and trailer"}
	}
	return frame[g.HeaderLength : len(frame)-g.TrailerLength], nil
}

// NewFrame builds a transfer frame around zone with the given first header
// pointer. Header fields other than the FHP and the trailer are zero.
func NewFrame(g FrameGeometry, fhp int, zone []byte) Frame {
	frame := make(Frame, g.HeaderLength+len(zone)+g.TrailerLength)
	frame[4] = byte(fhp>>8) & 0x7
	frame[5] = byte(fhp)
	copy(frame[g.HeaderLength:], zone)
	return frame
}
