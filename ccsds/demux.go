package ccsds

import (
	"errors"
	"io"
)

// CRCPolicy decides which packets must pass the PEC check. The global
// switch and the per-APID exemption list are independent: an exempt APID
// is accepted without any check even when checking is enabled.
type CRCPolicy struct {
	Enabled bool
	Exempt  map[int]bool
}

// Exempts reports whether apid is on the exemption list.
func (p CRCPolicy) Exempts(apid int) bool {
	return p.Exempt[apid]
}

// Required reports whether a packet with the given APID must carry a valid
// PEC to be accepted.
func (p CRCPolicy) Required(apid int) bool {
	return p.Enabled && !p.Exempts(apid)
}

// Stats counts what a Demuxer did with its input. Each Demuxer owns its
// own counters.
type Stats struct {
	Frames        int `json:"frames"`
	DroppedFrames int `json:"dropped_frames"`
	Packets       int `json:"packets"`
	IdlePackets   int `json:"idle_packets"`
	CRCErrors     int `json:"crc_errors"`
	TrashBytes    int `json:"trash_bytes"`
	// Remainder holds the trailing bytes of a stream that ended inside a
	// packet, when they could not be resynchronized.
	Remainder []byte `json:"remainder,omitempty"`
	// Truncated is set when the last container was cut short.
	Truncated bool `json:"truncated"`
}

// Demuxer turns transfer frames into packets. It keeps the carry-over of a
// packet spanning frames and drops idle packets. When the CRC policy
// requires it, every packet, idle or not, must pass the PEC check and
// failures resynchronize one byte at a time.
type Demuxer struct {
	seg       Segmenter
	crc       CRCPolicy
	geometry  FrameGeometry
	headerLen int
	started   bool
	resyncing bool
	done      bool
	stats     Stats
}

// NewDemuxer creates a demultiplexer. By default CRC checking is off, the
// frame geometry is DefaultFrameGeometry and containers carry an
// NCTRSHeaderLength header.
func NewDemuxer(opts ...func(*Demuxer)) *Demuxer {
	d := &Demuxer{
		geometry:  DefaultFrameGeometry,
		headerLen: NCTRSHeaderLength,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DemuxerOptCRC sets the CRC policy.
func DemuxerOptCRC(p CRCPolicy) func(*Demuxer) {
	return func(d *Demuxer) {
		d.crc = p
	}
}

// DemuxerOptGeometry sets the transfer frame geometry.
func DemuxerOptGeometry(g FrameGeometry) func(*Demuxer) {
	return func(d *Demuxer) {
		d.geometry = g
	}
}

// DemuxerOptContainerHeader sets the NCTRS container header length used by Demux.
func DemuxerOptContainerHeader(n int) func(*Demuxer) {
	return func(d *Demuxer) {
		d.headerLen = n
	}
}

// Stats returns a snapshot of the counters.
func (d *Demuxer) Stats() Stats {
	return d.stats
}

// PushFrame appends the packet bytes of one transfer frame. A frame whose
// FHP points outside its data zone is dropped with a *FrameFormatError; the
// next good frame then restarts the session, discarding the carry-over that
// can no longer be completed. Call Next until it asks for more bytes before
// pushing the next frame.
func (d *Demuxer) PushFrame(frame Frame) error {
	d.stats.Frames++
	zone, err := frame.DataZone(d.geometry)
	if err != nil {
		d.drop()
		return err
	}
	fhp := frame.FirstHeaderPointer()
	if fhp == FirstHeaderPointerNone {
		if d.started {
			d.seg.Feed(zone)
		}
		return nil
	}
	if fhp >= len(zone) {
		d.drop()
		return &FrameFormatError{FHP: fhp, ZoneSize: len(zone), Reason: "first header pointer outside the data zone"}
	}
	if !d.started {
		// Nothing before the FHP has a predecessor to complete.
		d.stats.TrashBytes += d.seg.Buffered()
		d.seg.Reset()
		d.resyncing = false
		d.seg.Feed(zone[fhp:])
		d.started = true
		return nil
	}
	d.seg.Feed(zone)
	return nil
}

func (d *Demuxer) drop() {
	d.stats.DroppedFrames++
	d.started = false
}

// Close marks the end of the input. Next then drains what is left.
func (d *Demuxer) Close() {
	d.seg.Close()
}

// Next returns the next accepted packet as a new slice. It returns a
// *TruncatedError when more frames are needed and io.EOF once the demuxer is
// closed and drained. Without CRC checking, a closed stream ending inside a
// packet yields a *TruncatedError carrying the remainder, after which Next
// returns io.EOF.
func (d *Demuxer) Next() (Packet, error) {
	for {
		if d.done {
			return nil, io.EOF
		}
		p, err := d.seg.Peek()
		if err != nil {
			var te *TruncatedError
			if !errors.As(err, &te) || !te.EOF {
				return nil, err
			}
			if d.crc.Enabled {
				// A header claiming more bytes than the stream holds is
				// as corrupt as one failing its PEC.
				d.trash()
				continue
			}
			d.done = true
			d.stats.Remainder = append([]byte(nil), te.Partial...)
			d.seg.Skip(len(te.Partial))
			return nil, err
		}

		// Idle packets are checked too: a corrupted APID can read 2047.
		apid := p.APID()
		if d.crc.Required(apid) && !VerifyPEC(p) {
			d.trash()
			continue
		}
		d.resyncing = false
		d.seg.Skip(len(p))
		if apid == IdleAPID {
			d.stats.IdlePackets++
			continue
		}
		d.stats.Packets++
		return append(Packet(nil), p...), nil
	}
}

func (d *Demuxer) trash() {
	if !d.resyncing {
		d.stats.CRCErrors++
		d.resyncing = true
	}
	d.seg.Skip(1)
	d.stats.TrashBytes++
}

// Demux reads NCTRS containers from r until it is exhausted and passes every
// accepted packet to fn. Bad frames are counted and skipped. A truncated
// final container ends the stream; whatever it leaves behind is reported in
// Stats.Remainder. Only I/O errors, an untrustworthy container length or an
// error from fn abort the run.
func Demux(r io.Reader, fn func(Packet) error, opts ...func(*Demuxer)) (Stats, error) {
	d := NewDemuxer(opts...)
	for {
		frame, err := ReadContainer(r, d.headerLen)
		var te *TruncatedError
		var fe *FrameFormatError
		switch {
		case errors.Is(err, io.EOF):
		case errors.As(err, &te):
			d.stats.Truncated = true
		case errors.As(err, &fe):
			d.stats.Frames++
			d.drop()
			continue
		case err != nil:
			return d.stats, err
		}
		if err != nil {
			break
		}
		if err := d.PushFrame(frame); err != nil && !errors.Is(err, ErrFrameFormat) {
			return d.stats, err
		}
		if err := d.drain(fn); err != nil {
			return d.stats, err
		}
	}
	d.Close()
	return d.stats, d.drain(fn)
}

func (d *Demuxer) drain(fn func(Packet) error) error {
	for {
		p, err := d.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrTruncated) {
				return nil
			}
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
}
