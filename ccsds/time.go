package ccsds

import (
	"fmt"
	"math"
	"time"
)

// Epoch defines what a profile A clock value of 0 corresponds to
var Epoch = time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC)

// syncPattern is the sync byte value of a time stamp taken while the
// on-board clock was synchronized.
const syncPattern = 0b101

// Sync is the synchronization status carried by an optional sync byte.
type Sync uint8

const (
	SyncAbsent Sync = iota
	SyncSynchronized
	SyncUnsynchronized
)

func (s Sync) String() string {
	switch s {
	case SyncSynchronized:
		return "S"
	case SyncUnsynchronized:
		return "U"
	}
	return ""
}

// CUC is an unsegmented time code: whole seconds since an epoch plus a
// fraction expressed in units of the format's resolution.
type CUC struct {
	Coarse uint64
	Fine   uint64
	Sync   Sync
}

// TimeFormat describes one member of the CUC family. All variants share a
// single algorithm; they only differ in these parameters.
type TimeFormat struct {
	CoarseBytes int
	FineBytes   int
	SyncByte    bool
	// Resolution is the number of fine units per second. It may be a power
	// of two or a decimal value but must fit in FineBytes.
	Resolution uint64
}

// Width returns the encoded size including the sync byte, if any.
func (f TimeFormat) Width() int {
	if f.SyncByte {
		return f.CoarseBytes + f.FineBytes + 1
	}
	return f.CoarseBytes + f.FineBytes
}

func (f TimeFormat) fineBits() uint { return uint(8 * f.FineBytes) }

func (f TimeFormat) valid() error {
	n := f.CoarseBytes + f.FineBytes
	if f.CoarseBytes < 0 || f.FineBytes < 0 || n == 0 || n > 8 {
		return fmt.Errorf("%w: unsupported width coarse=%d fine=%d", ErrTimeFormat, f.CoarseBytes, f.FineBytes)
	}
	if f.Resolution == 0 || (f.FineBytes < 8 && f.Resolution > 1<<f.fineBits()) {
		return fmt.Errorf("%w: resolution %d does not fit %d fine bytes", ErrTimeFormat, f.Resolution, f.FineBytes)
	}
	return nil
}

// Decode reads a time code. The buffer must hold exactly the coarse and fine
// bytes, optionally followed by the sync byte when the format has one.
func (f TimeFormat) Decode(b []byte) (CUC, error) {
	if err := f.valid(); err != nil {
		return CUC{}, err
	}
	n := f.CoarseBytes + f.FineBytes
	var c CUC
	switch {
	case f.SyncByte && len(b) == n+1:
		if b[n] == syncPattern {
			c.Sync = SyncSynchronized
		} else {
			c.Sync = SyncUnsynchronized
		}
	case len(b) == n:
	default:
		return CUC{}, fmt.Errorf("%w: got %d bytes, want %d or %d", ErrTimeFormat, len(b), n, f.Width())
	}
	var raw uint64
	for _, v := range b[:n] {
		raw = raw<<8 | uint64(v)
	}
	fb := f.fineBits()
	if fb < 64 {
		c.Coarse = raw >> fb
		c.Fine = raw & (1<<fb - 1)
	} else {
		c.Fine = raw
	}
	if c.Fine >= f.Resolution {
		return CUC{}, fmt.Errorf("%w: fine time %d exceeds resolution %d", ErrTimeFormat, c.Fine, f.Resolution)
	}
	return c, nil
}

// DecodeSeconds decodes b and returns the time in seconds since the epoch.
func (f TimeFormat) DecodeSeconds(b []byte) (float64, Sync, error) {
	c, err := f.Decode(b)
	if err != nil {
		return 0, SyncAbsent, err
	}
	return f.Seconds(c), c.Sync, nil
}

// Seconds converts c to seconds since the epoch.
func (f TimeFormat) Seconds(c CUC) float64 {
	return float64(c.Coarse) + float64(c.Fine)/float64(f.Resolution)
}

// FromSeconds splits seconds into coarse and fine parts. A fraction that
// rounds up to a whole second carries into the coarse part.
func (f TimeFormat) FromSeconds(seconds float64, sync Sync) CUC {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	whole, frac := math.Modf(seconds)
	c := CUC{Coarse: uint64(whole), Sync: sync}
	c.Fine = uint64(math.Round(frac * float64(f.Resolution)))
	if c.Fine >= f.Resolution {
		c.Coarse++
		c.Fine = 0
	}
	return c
}

// Encode writes c. The sync byte is only written when the format has one
// and c carries a sync status.
func (f TimeFormat) Encode(c CUC) ([]byte, error) {
	if err := f.valid(); err != nil {
		return nil, err
	}
	if c.Fine >= f.Resolution {
		return nil, fmt.Errorf("%w: fine time %d exceeds resolution %d", ErrTimeFormat, c.Fine, f.Resolution)
	}
	if cb := uint(8 * f.CoarseBytes); cb < 64 && c.Coarse>>cb != 0 {
		return nil, fmt.Errorf("%w: coarse time %d overflows %d bytes", ErrTimeFormat, c.Coarse, f.CoarseBytes)
	}
	n := f.CoarseBytes + f.FineBytes
	raw := c.Fine
	if fb := f.fineBits(); fb < 64 {
		raw |= c.Coarse << fb
	}
	buf := make([]byte, n, n+1)
	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(raw)
		raw >>= 8
	}
	if f.SyncByte && c.Sync != SyncAbsent {
		var s byte
		if c.Sync == SyncSynchronized {
			s = syncPattern
		}
		buf = append(buf, s)
	}
	return buf, nil
}

// EncodeSeconds is FromSeconds followed by Encode.
func (f TimeFormat) EncodeSeconds(seconds float64, sync Sync) ([]byte, error) {
	return f.Encode(f.FromSeconds(seconds, sync))
}

// Format renders c as "coarse.ffffff" followed by the sync status letter.
func (f TimeFormat) Format(c CUC) string {
	micro := c.Fine * 1000000 / f.Resolution
	return fmt.Sprintf("%d.%06d%s", c.Coarse, micro, c.Sync)
}

// Time converts c to an absolute time relative to epoch.
func (f TimeFormat) Time(c CUC, epoch time.Time) time.Time {
	ns := time.Duration(c.Fine * uint64(time.Second) / f.Resolution)
	return epoch.Add(time.Duration(c.Coarse)*time.Second + ns)
}

// ITOSFormat converts a time to a string similar to the way ITOS formats it
func ITOSFormat(t time.Time) string {
	return fmt.Sprintf("%02d-%03d-%02d:%02d:%02d.%03d", t.Year()-2000, t.YearDay(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1000000)
}
