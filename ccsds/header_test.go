package ccsds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrimaryHeader(t *testing.T) {
	h, err := ParsePrimaryHeader([]byte{0x09, 0x41, 0xC0, 0x05, 0x14, 0x00})
	require.NoError(t, err)
	assert.Equal(t, PrimaryHeader{
		Version:         0,
		Type:            TM,
		SecondaryHeader: true,
		APID:            0x141,
		SequenceFlags:   3,
		SequenceCount:   5,
		Length:          0x1400,
	}, h)
	assert.Equal(t, 6+0x1400+1, h.PacketSize())

	h, err = ParsePrimaryHeader([]byte{0x08, 0x41, 0xFF, 0xFF, 0x14, 0x00})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x41), h.APID)
	assert.True(t, h.SecondaryHeader)
	assert.Equal(t, uint16(0x3FFF), h.SequenceCount)

	_, err = ParsePrimaryHeader([]byte{0x08, 0x41, 0xC0})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestPacketAccessorsMatchHeader(t *testing.T) {
	pkt := Packet{0x19, 0x41, 0x80, 0x2A, 0x00, 0x03, 0, 0, 0, 0}
	h, err := ParsePrimaryHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, int(h.APID), pkt.APID())
	assert.Equal(t, int(h.SequenceCount), pkt.SequenceCount())
	assert.Equal(t, int(h.SequenceFlags), pkt.SequenceFlags())
	assert.Equal(t, int(h.Length), pkt.Length())
	assert.Equal(t, h.Type, pkt.Type())
	assert.Equal(t, TC, pkt.Type())
	assert.Equal(t, h.PacketSize(), pkt.Size())
}

func validHeaders() map[string]struct {
	profile HeaderProfile
	header  Header
} {
	return map[string]struct {
		profile HeaderProfile
		header  Header
	}{
		"tm-a synchronized": {ProfileA, Header{
			PrimaryHeader: PrimaryHeader{Type: TM, SecondaryHeader: true, APID: 321, SequenceFlags: 3, SequenceCount: 16383, Length: 17},
			TM: &TMHeader{PUSVersion: 1, ServiceType: 3, ServiceSubtype: 25, DestinationID: 0xAB,
				Time: CUC{Coarse: 0xDEADBEEF, Fine: 0xABCDEF, Sync: SyncSynchronized}},
		}},
		"tm-a unsynchronized": {ProfileA, Header{
			PrimaryHeader: PrimaryHeader{Type: TM, SecondaryHeader: true, APID: 2046, SequenceFlags: 1, Length: 0xFFFF},
			TM:            &TMHeader{PUSVersion: 1, ServiceType: 5, ServiceSubtype: 1, Time: CUC{Coarse: 1, Sync: SyncUnsynchronized}},
		}},
		"tm-c": {ProfileC, Header{
			PrimaryHeader: PrimaryHeader{Type: TM, SecondaryHeader: true, APID: 0x3C, SequenceFlags: 3, SequenceCount: 99, Length: 40},
			TM: &TMHeader{PUSVersion: 2, TimeRefStatus: 0xA, ServiceType: 1, ServiceSubtype: 7, MessageTypeCounter: 0xBEEF,
				DestinationID: 0x1234, Time: CUC{Coarse: 700000000, Fine: 0xFFFF}},
		}},
		"tc-a": {ProfileA, Header{
			PrimaryHeader: PrimaryHeader{Type: TC, SecondaryHeader: true, APID: 1001, SequenceFlags: 3, SequenceCount: 12, Length: 9},
			TC:            &TCHeader{PUSVersion: 1, AckFlags: 0x9, ServiceType: 17, ServiceSubtype: 1, SourceID: 0xFF},
		}},
		"tc-a ccsds flag": {ProfileA, Header{
			PrimaryHeader: PrimaryHeader{Type: TC, SecondaryHeader: true, APID: 77, SequenceFlags: 3, Length: 9},
			TC:            &TCHeader{CCSDSSecondaryFlag: true, PUSVersion: 1, AckFlags: 0x1, ServiceType: 2, ServiceSubtype: 4, SourceID: 1},
		}},
		"tc-c": {ProfileC, Header{
			PrimaryHeader: PrimaryHeader{Type: TC, SecondaryHeader: true, APID: 1, SequenceFlags: 3, SequenceCount: 8191, Length: 300},
			TC:            &TCHeader{PUSVersion: 2, AckFlags: 0xF, ServiceType: 200, ServiceSubtype: 255, SourceID: 0xFFFE},
		}},
		"idle without secondary header": {ProfileC, Header{
			PrimaryHeader: PrimaryHeader{APID: IdleAPID, SequenceFlags: 3, Length: 3},
		}},
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	for name, tc := range validHeaders() {
		t.Run(name, func(t *testing.T) {
			buf, err := BuildHeader(tc.header, tc.profile)
			require.NoError(t, err)
			assert.Len(t, buf, tc.header.Size(tc.profile))

			got, err := ParseHeader(buf, tc.profile)
			require.NoError(t, err)
			assert.Equal(t, tc.header, got)
		})
	}
}

func TestHeaderSizes(t *testing.T) {
	tm, tc := Header{TM: &TMHeader{}}, Header{TC: &TCHeader{}}
	assert.Equal(t, 18, tm.Size(ProfileA))
	assert.Equal(t, 19, tm.Size(ProfileC))
	assert.Equal(t, 10, tc.Size(ProfileA))
	assert.Equal(t, 11, tc.Size(ProfileC))
	assert.Equal(t, 6, Header{}.Size(ProfileC))
}

func TestParseHeaderProfileMismatch(t *testing.T) {
	headers := validHeaders()

	buf, err := BuildHeader(headers["tm-c"].header, ProfileC)
	require.NoError(t, err)
	_, err = ParseHeader(buf, ProfileA)
	assert.ErrorIs(t, err, ErrUnsupportedProfile)

	buf, err = BuildHeader(headers["tc-a"].header, ProfileA)
	require.NoError(t, err)
	_, err = ParseHeader(buf, ProfileC)
	assert.ErrorIs(t, err, ErrUnsupportedProfile)

	_, err = ParseHeader(buf, HeaderProfile(9))
	assert.ErrorIs(t, err, ErrUnsupportedProfile)

	// packet version 1 is not a CCSDS space packet
	buf[0] |= 0x20
	_, err = ParseHeader(buf, ProfileA)
	assert.ErrorIs(t, err, ErrUnsupportedProfile)
}

func TestParseHeaderTruncated(t *testing.T) {
	buf, err := BuildHeader(validHeaders()["tm-a synchronized"].header, ProfileA)
	require.NoError(t, err)
	for _, n := range []int{0, 5, 6, 17} {
		_, err := ParseHeader(buf[:n], ProfileA)
		assert.ErrorIs(t, err, ErrTruncated, "length %d", n)
	}
}

func TestBuildHeaderRejectsInvalidFields(t *testing.T) {
	cases := map[string]struct {
		profile HeaderProfile
		header  Header
		err     error
	}{
		"apid overflow":           {ProfileC, Header{PrimaryHeader: PrimaryHeader{APID: 2048}}, nil},
		"sequence count overflow": {ProfileC, Header{PrimaryHeader: PrimaryHeader{SequenceCount: 1 << 14}}, nil},
		"packet version":          {ProfileC, Header{PrimaryHeader: PrimaryHeader{Version: 1}}, ErrUnsupportedProfile},
		"pus version":             {ProfileC, Header{TC: &TCHeader{PUSVersion: 1}}, ErrUnsupportedProfile},
		"tm-c sync":               {ProfileC, Header{TM: &TMHeader{Time: CUC{Sync: SyncSynchronized}}}, ErrTimeFormat},
		"tm-a without sync":       {ProfileA, Header{TM: &TMHeader{}}, ErrTimeFormat},
		"tm-a message counter":    {ProfileA, Header{TM: &TMHeader{MessageTypeCounter: 1, Time: CUC{Sync: SyncUnsynchronized}}}, nil},
		"tc-a wide source id":     {ProfileA, Header{TC: &TCHeader{SourceID: 0x100}}, nil},
		"tc-c ccsds flag":         {ProfileC, Header{TC: &TCHeader{CCSDSSecondaryFlag: true}}, nil},
		"fine time":               {ProfileC, Header{TM: &TMHeader{Time: CUC{Fine: 1 << 16}}}, ErrTimeFormat},
		"both secondaries":        {ProfileC, Header{TM: &TMHeader{}, TC: &TCHeader{}}, nil},
		"flag without secondary":  {ProfileC, Header{PrimaryHeader: PrimaryHeader{SecondaryHeader: true}}, nil},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := BuildHeader(tc.header, tc.profile)
			require.Error(t, err)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestBuildHeaderFillsProfileDefaults(t *testing.T) {
	buf, err := BuildHeader(Header{PrimaryHeader: PrimaryHeader{APID: 5}, TC: &TCHeader{ServiceType: 17, ServiceSubtype: 1}}, ProfileC)
	require.NoError(t, err)
	h, err := ParseHeader(buf, ProfileC)
	require.NoError(t, err)
	assert.Equal(t, TC, h.Type)
	assert.True(t, h.SecondaryHeader)
	assert.Equal(t, uint8(2), h.TC.PUSVersion)
}

func TestBuildPacket(t *testing.T) {
	payload := []byte("housekeeping")
	for name, tc := range validHeaders() {
		t.Run(name, func(t *testing.T) {
			pkt, err := BuildPacket(tc.header, payload, tc.profile)
			require.NoError(t, err)
			assert.Equal(t, len(pkt), pkt.Size())
			assert.True(t, VerifyPEC(pkt))

			h, data, err := SplitPacket(pkt, tc.profile)
			require.NoError(t, err)
			assert.Equal(t, payload, data)
			assert.Equal(t, tc.header.APID, h.APID)
		})
	}
}

func TestLayoutBits(t *testing.T) {
	l := Layout{Name: "test", Size: 9, Fields: []Field{
		{"a", 0, 1}, {"b", 1, 7}, {"c", 8, 13}, {"d", 21, 3}, {"e", 24, 33}, {"f", 57, 15},
	}}
	values := map[string]uint64{"a": 1, "b": 0x55, "c": 0x1ABC, "d": 5, "e": 0x1DEADBEEF, "f": 0x7001}
	buf, err := l.Pack(values)
	require.NoError(t, err)
	got, err := l.Unpack(buf)
	require.NoError(t, err)
	assert.Equal(t, values, got)

	wide := Layout{Name: "wide", Size: 10, Fields: []Field{{"x", 3, 64}}}
	buf, err = wide.Pack(map[string]uint64{"x": 0xFEDCBA9876543210})
	require.NoError(t, err)
	got, err = wide.Unpack(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFEDCBA9876543210), got["x"])
}

func TestParseHeaderProfile(t *testing.T) {
	for s, want := range map[string]HeaderProfile{"A": ProfileA, "legacy": ProfileA, "c": ProfileC, " current ": ProfileC} {
		got, err := ParseHeaderProfile(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseHeaderProfile("B")
	assert.ErrorIs(t, err, ErrUnsupportedProfile)
	assert.Equal(t, "C", ProfileC.String())
}

func TestTCAFlagBit(t *testing.T) {
	buf, err := BuildHeader(Header{TC: &TCHeader{CCSDSSecondaryFlag: true, ServiceType: 17, ServiceSubtype: 1}}, ProfileA)
	require.NoError(t, err)
	assert.Equal(t, byte(0x80|1<<4), buf[PrimaryHeaderLength])

	buf[PrimaryHeaderLength] &^= 0x80
	h, err := ParseHeader(buf, ProfileA)
	require.NoError(t, err)
	assert.False(t, h.TC.CCSDSSecondaryFlag)
}
