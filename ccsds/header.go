package ccsds

import (
	"fmt"
	"strings"
	"time"
)

// PrimaryHeaderLength is the size of the CCSDS packet primary header,
// identical for every profile.
const PrimaryHeaderLength = 6

// IdleAPID is the APID reserved for idle packets.
const IdleAPID = 0x7FF

// Field names used by the layouts.
const (
	fieldVersion        = "version"
	fieldType           = "type"
	fieldSecondaryFlag  = "secondary_header_flag"
	fieldAPID           = "apid"
	fieldSequenceFlags  = "sequence_flags"
	fieldSequenceCount  = "sequence_count"
	fieldLength         = "length"
	fieldSpare          = "spare"
	fieldPUSVersion     = "pus_version"
	fieldTimeRefStatus  = "time_ref_status"
	fieldServiceType    = "service_type"
	fieldServiceSubtype = "service_subtype"
	fieldMessageCounter = "message_type_counter"
	fieldDestinationID  = "destination_id"
	fieldCoarseTime     = "coarse_time"
	fieldFineTime       = "fine_time"
	fieldSync           = "sync"
	fieldTCCCSDSFlag    = "ccsds_secondary_flag"
	fieldAck            = "ack"
	fieldSourceID       = "source_id"
)

// A Field is a big-endian bit field: Offset counts bits from the most
// significant bit of the first byte.
type Field struct {
	Name   string
	Offset uint
	Width  uint
}

// A Layout describes a fixed-size header as a list of bit fields.
type Layout struct {
	Name   string
	Size   int
	Fields []Field
}

// Has reports whether the layout defines a field with the given name.
func (l Layout) Has(name string) bool {
	for _, f := range l.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Unpack reads every non-spare field of the layout from the start of buf.
func (l Layout) Unpack(buf []byte) (map[string]uint64, error) {
	if len(buf) < l.Size {
		return nil, &TruncatedError{Need: l.Size - len(buf)}
	}
	values := make(map[string]uint64, len(l.Fields))
	for _, f := range l.Fields {
		if f.Name == fieldSpare {
			continue
		}
		values[f.Name] = getBits(buf, f.Offset, f.Width)
	}
	return values, nil
}

// Pack writes values into a new buffer of the layout's size. Spare and
// missing fields are zero. A value that does not fit its field, or a
// non-zero value for a field the layout does not have, is an error.
func (l Layout) Pack(values map[string]uint64) ([]byte, error) {
	for name, v := range values {
		if v != 0 && !l.Has(name) {
			return nil, fmt.Errorf("%s: field %s not in layout", l.Name, name)
		}
	}
	buf := make([]byte, l.Size)
	for _, f := range l.Fields {
		if f.Name == fieldSpare {
			continue
		}
		v := values[f.Name]
		if f.Width < 64 && v>>f.Width != 0 {
			return nil, fmt.Errorf("%s: value %d overflows %d-bit field %s", l.Name, v, f.Width, f.Name)
		}
		putBits(buf, f.Offset, f.Width, v)
	}
	return buf, nil
}

// getBits extracts width bits starting at bit offset off.
func getBits(buf []byte, off, width uint) uint64 {
	if width > 56 {
		high := getBits(buf, off, width-32)
		return high<<32 | getBits(buf, off+width-32, 32)
	}
	if width == 0 {
		return 0
	}
	first, last := off/8, (off+width-1)/8
	var acc uint64
	for i := first; i <= last; i++ {
		acc = acc<<8 | uint64(buf[i])
	}
	shift := (last+1)*8 - (off + width)
	return acc >> shift & (1<<width - 1)
}

// putBits stores the low width bits of v at bit offset off.
func putBits(buf []byte, off, width uint, v uint64) {
	for i := uint(0); i < width; i++ {
		bit := off + width - 1 - i
		mask := byte(0x80) >> (bit % 8)
		if v>>i&1 != 0 {
			buf[bit/8] |= mask
		} else {
			buf[bit/8] &^= mask
		}
	}
}

var primaryLayout = Layout{
	Name: "primary",
	Size: PrimaryHeaderLength,
	Fields: []Field{
		{fieldVersion, 0, 3},
		{fieldType, 3, 1},
		{fieldSecondaryFlag, 4, 1},
		{fieldAPID, 5, 11},
		{fieldSequenceFlags, 16, 2},
		{fieldSequenceCount, 18, 14},
		{fieldLength, 32, 16},
	},
}

// HeaderProfile selects one of the two supported secondary header
// conventions.
type HeaderProfile uint8

const (
	ProfileA HeaderProfile = iota + 1 // legacy, PUS-A
	ProfileC                          // current, PUS-C
)

func (p HeaderProfile) String() string {
	if s := p.Spec(); s != nil {
		return s.Name
	}
	return fmt.Sprintf("HeaderProfile(%d)", uint8(p))
}

// ParseHeaderProfile accepts "A", "C", "legacy" or "current".
func ParseHeaderProfile(s string) (HeaderProfile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "legacy", "pus-a":
		return ProfileA, nil
	case "c", "current", "pus-c":
		return ProfileC, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedProfile, s)
}

// Profile holds everything that varies between header profiles.
type Profile struct {
	Name       string
	PUSVersion uint8
	TM         Layout
	TC         Layout
	Time       TimeFormat
	Epoch      time.Time
}

var profileSpecs = map[HeaderProfile]*Profile{
	ProfileA: {
		Name:       "A",
		PUSVersion: 1,
		TM: Layout{
			Name: "tm-a",
			Size: 12,
			Fields: []Field{
				{fieldSpare, 0, 1},
				{fieldPUSVersion, 1, 3},
				{fieldSpare, 4, 4},
				{fieldServiceType, 8, 8},
				{fieldServiceSubtype, 16, 8},
				{fieldDestinationID, 24, 8},
				{fieldCoarseTime, 32, 32},
				{fieldFineTime, 64, 24},
				{fieldSync, 88, 8},
			},
		},
		TC: Layout{
			Name: "tc-a",
			Size: 4,
			Fields: []Field{
				{fieldTCCCSDSFlag, 0, 1},
				{fieldPUSVersion, 1, 3},
				{fieldAck, 4, 4},
				{fieldServiceType, 8, 8},
				{fieldServiceSubtype, 16, 8},
				{fieldSourceID, 24, 8},
			},
		},
		Time:  TimeFormat{CoarseBytes: 4, FineBytes: 3, SyncByte: true, Resolution: 1 << 24},
		Epoch: Epoch,
	},
	ProfileC: {
		Name:       "C",
		PUSVersion: 2,
		TM: Layout{
			Name: "tm-c",
			Size: 13,
			Fields: []Field{
				{fieldPUSVersion, 0, 4},
				{fieldTimeRefStatus, 4, 4},
				{fieldServiceType, 8, 8},
				{fieldServiceSubtype, 16, 8},
				{fieldMessageCounter, 24, 16},
				{fieldDestinationID, 40, 16},
				{fieldCoarseTime, 56, 32},
				{fieldFineTime, 88, 16},
			},
		},
		TC: Layout{
			Name: "tc-c",
			Size: 5,
			Fields: []Field{
				{fieldPUSVersion, 0, 4},
				{fieldAck, 4, 4},
				{fieldServiceType, 8, 8},
				{fieldServiceSubtype, 16, 8},
				{fieldSourceID, 24, 16},
			},
		},
		Time:  TimeFormat{CoarseBytes: 4, FineBytes: 2, Resolution: 1 << 16},
		Epoch: time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC),
	},
}

// Spec returns the profile description, or nil for an unknown profile.
func (p HeaderProfile) Spec() *Profile {
	return profileSpecs[p]
}

// PacketType is the type bit of the primary header.
type PacketType uint8

const (
	TM PacketType = 0
	TC PacketType = 1
)

func (t PacketType) String() string {
	if t == TC {
		return "TC"
	}
	return "TM"
}

// PrimaryHeader is the decoded CCSDS primary header.
type PrimaryHeader struct {
	Version         uint8
	Type            PacketType
	SecondaryHeader bool
	APID            uint16
	SequenceFlags   uint8
	SequenceCount   uint16
	Length          uint16
}

// PacketSize returns the total packet size implied by the length field.
func (h PrimaryHeader) PacketSize() int {
	return PrimaryHeaderLength + int(h.Length) + 1
}

// TMHeader is the telemetry secondary header. Fields a profile does not
// carry stay zero.
type TMHeader struct {
	PUSVersion         uint8
	TimeRefStatus      uint8
	ServiceType        uint8
	ServiceSubtype     uint8
	MessageTypeCounter uint16
	DestinationID      uint16
	Time               CUC
}

// TCHeader is the telecommand secondary header. CCSDSSecondaryFlag only
// exists in profile A.
type TCHeader struct {
	CCSDSSecondaryFlag bool
	PUSVersion         uint8
	AckFlags           uint8
	ServiceType        uint8
	ServiceSubtype     uint8
	SourceID           uint16
}

// Header is a primary header plus at most one secondary header.
type Header struct {
	PrimaryHeader
	TM *TMHeader
	TC *TCHeader
}

// Size returns the number of header bytes under profile p.
func (h Header) Size(p HeaderProfile) int {
	spec := p.Spec()
	switch {
	case spec == nil:
		return PrimaryHeaderLength
	case h.TM != nil:
		return PrimaryHeaderLength + spec.TM.Size
	case h.TC != nil:
		return PrimaryHeaderLength + spec.TC.Size
	}
	return PrimaryHeaderLength
}

// ParsePrimaryHeader decodes the first six bytes of buf.
func ParsePrimaryHeader(buf []byte) (PrimaryHeader, error) {
	v, err := primaryLayout.Unpack(buf)
	if err != nil {
		return PrimaryHeader{}, err
	}
	return PrimaryHeader{
		Version:         uint8(v[fieldVersion]),
		Type:            PacketType(v[fieldType]),
		SecondaryHeader: v[fieldSecondaryFlag] == 1,
		APID:            uint16(v[fieldAPID]),
		SequenceFlags:   uint8(v[fieldSequenceFlags]),
		SequenceCount:   uint16(v[fieldSequenceCount]),
		Length:          uint16(v[fieldLength]),
	}, nil
}

// ParseHeader decodes the primary header and, when the secondary header
// flag is set, the TM or TC secondary header of profile p.
func ParseHeader(buf []byte, p HeaderProfile) (Header, error) {
	spec := p.Spec()
	if spec == nil {
		return Header{}, fmt.Errorf("%w: %v", ErrUnsupportedProfile, p)
	}
	ph, err := ParsePrimaryHeader(buf)
	if err != nil {
		return Header{}, err
	}
	if ph.Version != 0 {
		return Header{}, fmt.Errorf("%w: packet version %d", ErrUnsupportedProfile, ph.Version)
	}
	h := Header{PrimaryHeader: ph}
	if !ph.SecondaryHeader {
		return h, nil
	}
	sec := buf[PrimaryHeaderLength:]
	if ph.Type == TC {
		v, err := spec.TC.Unpack(sec)
		if err != nil {
			return Header{}, err
		}
		if uint8(v[fieldPUSVersion]) != spec.PUSVersion {
			return Header{}, fmt.Errorf("%w: pus version %d in %s", ErrUnsupportedProfile, v[fieldPUSVersion], spec.TC.Name)
		}
		h.TC = &TCHeader{
			CCSDSSecondaryFlag: v[fieldTCCCSDSFlag] != 0,
			PUSVersion:         uint8(v[fieldPUSVersion]),
			AckFlags:           uint8(v[fieldAck]),
			ServiceType:        uint8(v[fieldServiceType]),
			ServiceSubtype:     uint8(v[fieldServiceSubtype]),
			SourceID:           uint16(v[fieldSourceID]),
		}
		return h, nil
	}
	v, err := spec.TM.Unpack(sec)
	if err != nil {
		return Header{}, err
	}
	if uint8(v[fieldPUSVersion]) != spec.PUSVersion {
		return Header{}, fmt.Errorf("%w: pus version %d in %s", ErrUnsupportedProfile, v[fieldPUSVersion], spec.TM.Name)
	}
	tm := &TMHeader{
		PUSVersion:         uint8(v[fieldPUSVersion]),
		TimeRefStatus:      uint8(v[fieldTimeRefStatus]),
		ServiceType:        uint8(v[fieldServiceType]),
		ServiceSubtype:     uint8(v[fieldServiceSubtype]),
		MessageTypeCounter: uint16(v[fieldMessageCounter]),
		DestinationID:      uint16(v[fieldDestinationID]),
		Time:               CUC{Coarse: v[fieldCoarseTime], Fine: v[fieldFineTime]},
	}
	if spec.TM.Has(fieldSync) {
		tm.Time.Sync = SyncUnsynchronized
		if v[fieldSync] == syncPattern {
			tm.Time.Sync = SyncSynchronized
		}
	}
	h.TM = tm
	return h, nil
}

// BuildHeader encodes h under profile p. The type and secondary header
// flag follow from which secondary header is set; a zero PUS version is
// replaced by the profile's.
func BuildHeader(h Header, p HeaderProfile) ([]byte, error) {
	spec := p.Spec()
	if spec == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedProfile, p)
	}
	if h.Version != 0 {
		return nil, fmt.Errorf("%w: packet version %d", ErrUnsupportedProfile, h.Version)
	}
	var (
		sec []byte
		err error
	)
	switch {
	case h.TM != nil && h.TC != nil:
		return nil, fmt.Errorf("header has both TM and TC secondary headers")
	case h.TM != nil:
		h.Type, h.SecondaryHeader = TM, true
		sec, err = buildTM(h.TM, spec)
	case h.TC != nil:
		h.Type, h.SecondaryHeader = TC, true
		sec, err = buildTC(h.TC, spec)
	case h.SecondaryHeader:
		return nil, fmt.Errorf("secondary header flag set without a secondary header")
	}
	if err != nil {
		return nil, err
	}
	prim, err := primaryLayout.Pack(map[string]uint64{
		fieldType:          uint64(h.Type),
		fieldSecondaryFlag: boolBit(h.SecondaryHeader),
		fieldAPID:          uint64(h.APID),
		fieldSequenceFlags: uint64(h.SequenceFlags),
		fieldSequenceCount: uint64(h.SequenceCount),
		fieldLength:        uint64(h.Length),
	})
	if err != nil {
		return nil, err
	}
	return append(prim, sec...), nil
}

func pusVersion(v uint8, spec *Profile) (uint64, error) {
	if v == 0 {
		return uint64(spec.PUSVersion), nil
	}
	if v != spec.PUSVersion {
		return 0, fmt.Errorf("%w: pus version %d, profile %s expects %d", ErrUnsupportedProfile, v, spec.Name, spec.PUSVersion)
	}
	return uint64(v), nil
}

func buildTM(tm *TMHeader, spec *Profile) ([]byte, error) {
	ver, err := pusVersion(tm.PUSVersion, spec)
	if err != nil {
		return nil, err
	}
	if tm.Time.Fine >= spec.Time.Resolution {
		return nil, fmt.Errorf("%w: fine time %d exceeds resolution %d", ErrTimeFormat, tm.Time.Fine, spec.Time.Resolution)
	}
	values := map[string]uint64{
		fieldPUSVersion:     ver,
		fieldTimeRefStatus:  uint64(tm.TimeRefStatus),
		fieldServiceType:    uint64(tm.ServiceType),
		fieldServiceSubtype: uint64(tm.ServiceSubtype),
		fieldMessageCounter: uint64(tm.MessageTypeCounter),
		fieldDestinationID:  uint64(tm.DestinationID),
		fieldCoarseTime:     tm.Time.Coarse,
		fieldFineTime:       tm.Time.Fine,
	}
	switch hasSync := spec.TM.Has(fieldSync); {
	case hasSync && tm.Time.Sync == SyncAbsent:
		return nil, fmt.Errorf("%w: %s requires a sync status", ErrTimeFormat, spec.TM.Name)
	case !hasSync && tm.Time.Sync != SyncAbsent:
		return nil, fmt.Errorf("%w: %s has no sync field", ErrTimeFormat, spec.TM.Name)
	case tm.Time.Sync == SyncSynchronized:
		values[fieldSync] = syncPattern
	}
	return spec.TM.Pack(values)
}

func buildTC(tc *TCHeader, spec *Profile) ([]byte, error) {
	ver, err := pusVersion(tc.PUSVersion, spec)
	if err != nil {
		return nil, err
	}
	return spec.TC.Pack(map[string]uint64{
		fieldTCCCSDSFlag:    boolBit(tc.CCSDSSecondaryFlag),
		fieldPUSVersion:     ver,
		fieldAck:            uint64(tc.AckFlags),
		fieldServiceType:    uint64(tc.ServiceType),
		fieldServiceSubtype: uint64(tc.ServiceSubtype),
		fieldSourceID:       uint64(tc.SourceID),
	})
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// BuildPacket encodes a complete packet: header, payload and PEC. The
// length field of h is computed from the payload.
func BuildPacket(h Header, payload []byte, p HeaderProfile) (Packet, error) {
	size := h.Size(p) + len(payload) + PECLength
	if size-PrimaryHeaderLength-1 > 0xFFFF {
		return nil, fmt.Errorf("packet of %d bytes exceeds the length field", size)
	}
	h.Length = uint16(size - PrimaryHeaderLength - 1)
	buf, err := BuildHeader(h, p)
	if err != nil {
		return nil, err
	}
	buf = append(buf, payload...)
	return Packet(AppendPEC(buf)), nil
}

// SplitPacket parses the header of pkt and returns the application data
// between the header and the PEC.
func SplitPacket(pkt Packet, p HeaderProfile) (Header, []byte, error) {
	h, err := ParseHeader(pkt, p)
	if err != nil {
		return Header{}, nil, err
	}
	start, end := h.Size(p), h.PacketSize()-PECLength
	if end > len(pkt) {
		return Header{}, nil, &TruncatedError{Need: end - len(pkt)}
	}
	if end < start {
		return h, nil, nil
	}
	return h, pkt[start:end], nil
}
