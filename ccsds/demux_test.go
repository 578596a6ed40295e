package ccsds

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect pushes frames one by one, draining the demuxer after each, then
// closes it and drains the rest.
func collect(t *testing.T, d *Demuxer, frames []Frame) []Packet {
	t.Helper()
	var out []Packet
	for _, f := range frames {
		if err := d.PushFrame(f); err != nil {
			require.ErrorIs(t, err, ErrFrameFormat)
		}
		out = append(out, drain(t, d)...)
	}
	d.Close()
	return append(out, drain(t, d)...)
}

// drain returns packets until the demuxer needs more input or is done.
func drain(t *testing.T, d *Demuxer) []Packet {
	t.Helper()
	var out []Packet
	for {
		p, err := d.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, ErrTruncated) {
			return out
		}
		require.NoError(t, err)
		out = append(out, p)
	}
}

func fivePackets() []Packet {
	var pkts []Packet
	for i := 1; i <= 5; i++ {
		pkts = append(pkts, rawPacket(100+i, i, testPayload(i)))
	}
	return pkts
}

func TestDemuxReassemblesAcrossFrames(t *testing.T) {
	pkts := []Packet{rawPacket(1, 0, testPayload(1)), rawPacket(2, 1, testPayload(10)), rawPacket(3, 2, testPayload(2))}
	stream, starts := concat(pkts...)
	frames := frameStream(40, stream, starts)
	require.Len(t, frames, 4)
	assert.Equal(t, FirstHeaderPointerNone, frames[1].FirstHeaderPointer())

	d := NewDemuxer()
	assert.Equal(t, pkts, collect(t, d, frames))
	assert.Equal(t, Stats{Frames: 4, Packets: 3}, d.Stats())
}

func TestDemuxSplitPacketIsIdentical(t *testing.T) {
	a, b, c := rawPacket(1, 0, testPayload(0)), rawPacket(2, 0, testPayload(8)), rawPacket(3, 0, testPayload(1))
	const cut = 10
	frame1 := NewFrame(DefaultFrameGeometry, 0, append(append([]byte(nil), a...), b[:cut]...))
	frame2 := NewFrame(DefaultFrameGeometry, len(b)-cut, append(append([]byte(nil), b[cut:]...), c...))

	got := collect(t, NewDemuxer(DemuxerOptCRC(CRCPolicy{Enabled: true})), []Frame{frame1, frame2})
	require.Len(t, got, 3)
	assert.Equal(t, b, got[1])
}

func TestDemuxDiscardsBytesBeforeFirstHeader(t *testing.T) {
	a := rawPacket(9, 0, testPayload(4))
	zone := append([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00}, a...)
	d := NewDemuxer()
	got := collect(t, d, []Frame{NewFrame(DefaultFrameGeometry, 5, zone)})
	assert.Equal(t, []Packet{a}, got)
	assert.Equal(t, 0, d.Stats().TrashBytes)
}

func TestDemuxFirstFrameWithoutHeader(t *testing.T) {
	a := rawPacket(9, 0, testPayload(4))
	d := NewDemuxer()
	got := collect(t, d, []Frame{
		NewFrame(DefaultFrameGeometry, FirstHeaderPointerNone, testPayload(3)),
		NewFrame(DefaultFrameGeometry, 0, a),
	})
	assert.Equal(t, []Packet{a}, got)
}

func TestDemuxIdleFiltering(t *testing.T) {
	for _, crc := range []bool{false, true} {
		var valid, all []Packet
		for i := 0; i < 4; i++ {
			p := rawPacket(200+i, i, testPayload(i))
			valid = append(valid, p)
			all = append(all, p)
			if i < 3 {
				all = append(all, rawPacket(0xFFFF, i, make([]byte, 5+i)))
			}
		}
		stream, starts := concat(all...)
		d := NewDemuxer(DemuxerOptCRC(CRCPolicy{Enabled: crc}))
		got := collect(t, d, frameStream(33, stream, starts))
		assert.Equal(t, valid, got, "crc=%v", crc)
		assert.Equal(t, 3, d.Stats().IdlePackets)
		assert.Equal(t, 4, d.Stats().Packets)
	}
}

func TestDemuxDropsFrameWithBadFHP(t *testing.T) {
	a, b, c := rawPacket(1, 0, testPayload(0)), rawPacket(2, 0, testPayload(5)), rawPacket(3, 0, testPayload(1))
	e, f := rawPacket(5, 0, testPayload(2)), rawPacket(6, 0, testPayload(3))
	const cut = 12

	d := NewDemuxer()
	require.NoError(t, d.PushFrame(NewFrame(DefaultFrameGeometry, 0, append(append([]byte(nil), a...), b[:cut]...))))
	assert.Equal(t, []Packet{a}, drain(t, d))
	bad := NewFrame(DefaultFrameGeometry, 1000, append(append([]byte(nil), b[cut:]...), c...))
	err := d.PushFrame(bad)
	var fe *FrameFormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1000, fe.FHP)

	got := collect(t, d, []Frame{NewFrame(DefaultFrameGeometry, 0, append(append([]byte(nil), e...), f...))})
	assert.Equal(t, []Packet{e, f}, got)
	st := d.Stats()
	assert.Equal(t, 1, st.DroppedFrames)
	assert.Equal(t, cut, st.TrashBytes)
}

func TestDemuxShortFrame(t *testing.T) {
	d := NewDemuxer()
	err := d.PushFrame(Frame{0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrFrameFormat)
	assert.Equal(t, 1, d.Stats().DroppedFrames)
}

func TestDemuxCRCResync(t *testing.T) {
	pkts := fivePackets()
	stream, starts := concat(pkts...)
	corrupted := append([]byte(nil), stream...)
	corrupted[starts[2]+10] ^= 0xFF

	d := NewDemuxer(DemuxerOptCRC(CRCPolicy{Enabled: true}))
	got := collect(t, d, frameStream(40, corrupted, starts))

	assert.Equal(t, []Packet{pkts[0], pkts[1], pkts[3], pkts[4]}, got)
	st := d.Stats()
	assert.Equal(t, 1, st.CRCErrors)
	assert.Equal(t, len(pkts[2]), st.TrashBytes)
	assert.Equal(t, 4, st.Packets)
}

func TestDemuxCRCCorruptedToIdleAPID(t *testing.T) {
	pkts := []Packet{rawPacket(101, 1, testPayload(1)), rawPacket(0x7F0, 2, testPayload(2)), rawPacket(103, 3, testPayload(3))}
	stream, starts := concat(pkts...)
	corrupted := append([]byte(nil), stream...)
	corrupted[starts[1]+1] = 0xFF
	require.Equal(t, IdleAPID, Packet(corrupted[starts[1]:]).APID())

	d := NewDemuxer(DemuxerOptCRC(CRCPolicy{Enabled: true}))
	got := collect(t, d, frameStream(40, corrupted, starts))

	assert.Equal(t, []Packet{pkts[0], pkts[2]}, got)
	st := d.Stats()
	assert.Equal(t, 1, st.CRCErrors)
	assert.Positive(t, st.TrashBytes)
	assert.Zero(t, st.IdlePackets)
}

func TestDemuxDroppedFrameEndsResync(t *testing.T) {
	a, b := rawPacket(1, 0, testPayload(2)), rawPacket(2, 0, testPayload(3))
	c, e := rawPacket(3, 0, testPayload(1)), rawPacket(5, 0, testPayload(4))
	badA := append(Packet(nil), a...)
	badA[10] ^= 0xFF
	badC := append(Packet(nil), c...)
	badC[10] ^= 0xFF

	d := NewDemuxer(DemuxerOptCRC(CRCPolicy{Enabled: true}))
	require.NoError(t, d.PushFrame(NewFrame(DefaultFrameGeometry, 0, append(append([]byte(nil), badA...), b[:12]...))))
	assert.Empty(t, drain(t, d))
	assert.Equal(t, 1, d.Stats().CRCErrors)

	err := d.PushFrame(NewFrame(DefaultFrameGeometry, 1000, b[12:]))
	require.ErrorIs(t, err, ErrFrameFormat)

	got := collect(t, d, []Frame{NewFrame(DefaultFrameGeometry, 0, append(append([]byte(nil), badC...), e...))})
	assert.Equal(t, []Packet{e}, got)
	assert.Equal(t, 2, d.Stats().CRCErrors)
}

func TestDemuxCRCPolicies(t *testing.T) {
	pkts := fivePackets()
	stream, starts := concat(pkts...)
	corrupted := append([]byte(nil), stream...)
	corrupted[starts[2]+10] ^= 0xFF
	damaged := Packet(corrupted[starts[2]:starts[3]])

	cases := map[string]CRCPolicy{
		"disabled":       {},
		"exempt apid":    {Enabled: true, Exempt: map[int]bool{103: true}},
		"exempt ignored": {Exempt: map[int]bool{103: true}},
	}
	for name, policy := range cases {
		t.Run(name, func(t *testing.T) {
			d := NewDemuxer(DemuxerOptCRC(policy))
			got := collect(t, d, frameStream(40, corrupted, starts))
			require.Len(t, got, 5)
			assert.Equal(t, damaged, got[2])
			assert.Equal(t, 0, d.Stats().TrashBytes)
		})
	}

	p := CRCPolicy{Enabled: true, Exempt: map[int]bool{7: true}}
	assert.True(t, p.Required(8))
	assert.False(t, p.Required(7))
	assert.True(t, p.Exempts(7))
	assert.False(t, CRCPolicy{Exempt: map[int]bool{7: true}}.Required(8))
}

func TestDemuxTerminatesOnGarbage(t *testing.T) {
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = byte(i*7 + 3)
	}
	d := NewDemuxer(DemuxerOptCRC(CRCPolicy{Enabled: true}))
	got := collect(t, d, frameStream(512, garbage, []int{0}))
	assert.Empty(t, got)
	st := d.Stats()
	assert.Equal(t, 4096, st.TrashBytes)
	assert.Equal(t, 1, st.CRCErrors)
}

func TestDemuxNCTRS(t *testing.T) {
	pkts := fivePackets()
	stream, starts := concat(pkts...)
	containers := nctrs(frameStream(40, stream, starts))

	var got []Packet
	st, err := Demux(iotest.HalfReader(bytes.NewReader(containers)), func(p Packet) error {
		got = append(got, p)
		return nil
	}, DemuxerOptCRC(CRCPolicy{Enabled: true}))
	require.NoError(t, err)
	assert.Equal(t, pkts, got)
	assert.Equal(t, 5, st.Frames)
	assert.False(t, st.Truncated)
}

func TestDemuxNCTRSTruncatedFinalContainer(t *testing.T) {
	pkts := fivePackets()
	stream, starts := concat(pkts...)
	frames := frameStream(40, stream, starts)
	containers := nctrs(frames)
	cut := containers[:len(containers)-10]

	var got []Packet
	st, err := Demux(bytes.NewReader(cut), func(p Packet) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, pkts[:4], got)
	assert.True(t, st.Truncated)
	assert.Equal(t, []byte(stream[starts[4]:160]), st.Remainder)

	got = nil
	st, err = Demux(bytes.NewReader(cut), func(p Packet) error {
		got = append(got, p)
		return nil
	}, DemuxerOptCRC(CRCPolicy{Enabled: true}))
	require.NoError(t, err)
	assert.Equal(t, pkts[:4], got)
	assert.Equal(t, 160-starts[4], st.TrashBytes)
	assert.Empty(t, st.Remainder)
}

func TestDemuxCallbackErrorStops(t *testing.T) {
	pkts := fivePackets()
	stream, starts := concat(pkts...)
	boom := errors.New("boom")
	n := 0
	_, err := Demux(bytes.NewReader(nctrs(frameStream(40, stream, starts))), func(p Packet) error {
		n++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
}

func TestDemuxIndependentInstances(t *testing.T) {
	pkts := fivePackets()
	stream, starts := concat(pkts...)
	corrupted := append([]byte(nil), stream...)
	corrupted[starts[2]+10] ^= 0xFF

	var wg sync.WaitGroup
	results := make([]Stats, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := stream
			if i%2 == 1 {
				src = corrupted
			}
			results[i], _ = Demux(bytes.NewReader(nctrs(frameStream(40, src, starts))), func(Packet) error { return nil },
				DemuxerOptCRC(CRCPolicy{Enabled: true}))
		}(i)
	}
	wg.Wait()
	for i, st := range results {
		if i%2 == 1 {
			assert.Equal(t, len(pkts[2]), st.TrashBytes)
		} else {
			assert.Equal(t, 0, st.TrashBytes)
		}
	}
}

func TestNextContainer(t *testing.T) {
	frame := NewFrame(DefaultFrameGeometry, 0, rawPacket(1, 0, nil))
	buf := AppendContainer(nil, frame)

	_, _, err := NextContainer(buf[:2], NCTRSHeaderLength)
	var te *TruncatedError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 2, te.Need)

	_, _, err = NextContainer(buf[:30], NCTRSHeaderLength)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, len(buf)-30, te.Need)

	got, n, err := NextContainer(append(buf, 0xAA), NCTRSHeaderLength)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, frame, got)

	short := []byte{0, 0, 0, 3, 1, 2, 3, 9}
	_, n, err = NextContainer(short, NCTRSHeaderLength)
	assert.ErrorIs(t, err, ErrFrameFormat)
	assert.Equal(t, 7, n)

	_, _, err = NextContainer([]byte{0xFF, 0, 0, 0}, NCTRSHeaderLength)
	assert.ErrorIs(t, err, ErrContainerLength)
}

func TestFrameAccessors(t *testing.T) {
	f := Frame{0x2A, 0x5B, 0x11, 0x22, 0x1A, 0xBC, 0, 0, 0, 0}
	assert.Equal(t, 0x2A&0x3F<<4|0x5, f.SpacecraftID())
	assert.Equal(t, 5, f.VirtualChannel())
	assert.Equal(t, 0x11, f.MasterChannelFrameCount())
	assert.Equal(t, 0x22, f.VirtualChannelFrameCount())
	assert.Equal(t, 0x2BC, f.FirstHeaderPointer())
}
