package ccsds

import "fmt"

type errCode uint8

// Error codes shared by the codecs, the segmenter and the demultiplexer.
const (
	_                             errCode = iota // non-initialized err
	ErrTruncated                                 // not enough bytes
	ErrUnsupportedProfile                        // version constant mismatch
	ErrTimeFormat                                // wrong time field width
	ErrFrameFormat                               // malformed transfer frame
	ErrCRCMismatch                               // packet error control failed
	ErrUnsupportedParameterFormat                // unknown PTC/PFC combination
)

func (err errCode) Error() string {
	switch err {
	case ErrTruncated:
		return "truncated input"
	case ErrUnsupportedProfile:
		return "unsupported header profile"
	case ErrTimeFormat:
		return "bad time format"
	case ErrFrameFormat:
		return "bad frame format"
	case ErrCRCMismatch:
		return "crc mismatch"
	case ErrUnsupportedParameterFormat:
		return "unsupported parameter format"
	}
	return fmt.Sprintf("ccsds error %d", uint8(err))
}

// TruncatedError reports a short buffer. When EOF is false the source may
// still deliver the Need missing bytes and the caller should retry once it
// has fed them. When EOF is true the source is exhausted and Partial holds
// whatever trailing bytes were left.
type TruncatedError struct {
	Need    int
	EOF     bool
	Partial []byte
}

func (e *TruncatedError) Error() string {
	if e.EOF {
		return fmt.Sprintf("truncated input: stream ends %d bytes short (%d trailing bytes)", e.Need, len(e.Partial))
	}
	return fmt.Sprintf("truncated input: need %d more bytes", e.Need)
}

func (e *TruncatedError) Unwrap() error { return ErrTruncated }

// FrameFormatError is returned for a transfer frame that cannot be used.
// The frame is dropped, the stream continues with the next one.
type FrameFormatError struct {
	FHP      int
	ZoneSize int
	Reason   string
}

func (e *FrameFormatError) Error() string {
	return fmt.Sprintf("bad frame format: %s (fhp=%d data zone=%d)", e.Reason, e.FHP, e.ZoneSize)
}

func (e *FrameFormatError) Unwrap() error { return ErrFrameFormat }
