package ccsds

import (
	"encoding/json"
	"fmt"
	"math"
)

// ParameterFormat is a PUS parameter type/format code pair.
type ParameterFormat struct {
	PTC int
	PFC int
}

func (f ParameterFormat) String() string {
	return fmt.Sprintf("%d:%d", f.PTC, f.PFC)
}

// Kind is how the raw bits of a parameter are interpreted.
type Kind uint8

// Parameter kinds (they appear in serialized parameter tables)
const (
	KindBool = Kind(iota)
	KindEnum
	KindUnsigned
	KindSigned
	KindFloat
	KindOctets
	KindString
	KindTime
)

// FormatSpec describes the encoding of one parameter format.
type FormatSpec struct {
	Name string
	Kind Kind
	Bits uint
	// Time is the CUC format of KindTime parameters.
	Time TimeFormat
}

// FormatTable maps parameter formats to their encoding. New formats are
// table entries, not code.
type FormatTable map[ParameterFormat]FormatSpec

var defaultFormats = buildDefaultFormats()

func buildDefaultFormats() FormatTable {
	t := FormatTable{
		{1, 0}:  {Name: "bool", Kind: KindBool, Bits: 1},
		{5, 1}:  {Name: "float32", Kind: KindFloat, Bits: 32},
		{5, 2}:  {Name: "float64", Kind: KindFloat, Bits: 64},
		{9, 17}: {Name: "cuc4.2", Kind: KindTime, Bits: 48, Time: TimeFormat{CoarseBytes: 4, FineBytes: 2, Resolution: 1 << 16}},
		{9, 18}: {Name: "cuc4.3", Kind: KindTime, Bits: 56, Time: TimeFormat{CoarseBytes: 4, FineBytes: 3, Resolution: 1 << 24}},
	}
	for pfc := 1; pfc <= 32; pfc++ {
		t[ParameterFormat{2, pfc}] = FormatSpec{Name: fmt.Sprintf("enum%d", pfc), Kind: KindEnum, Bits: uint(pfc)}
	}
	intWidths := map[int]uint{13: 24, 14: 32, 15: 48, 16: 64}
	for pfc := 0; pfc <= 12; pfc++ {
		intWidths[pfc] = uint(pfc + 4)
	}
	for pfc, bits := range intWidths {
		t[ParameterFormat{3, pfc}] = FormatSpec{Name: fmt.Sprintf("uint%d", bits), Kind: KindUnsigned, Bits: bits}
		t[ParameterFormat{4, pfc}] = FormatSpec{Name: fmt.Sprintf("int%d", bits), Kind: KindSigned, Bits: bits}
	}
	for pfc := 1; pfc <= 255; pfc++ {
		t[ParameterFormat{7, pfc}] = FormatSpec{Name: fmt.Sprintf("octet%d", pfc), Kind: KindOctets, Bits: uint(8 * pfc)}
		t[ParameterFormat{8, pfc}] = FormatSpec{Name: fmt.Sprintf("ascii%d", pfc), Kind: KindString, Bits: uint(8 * pfc)}
	}
	return t
}

// DefaultFormats returns a copy of the built-in format table.
func DefaultFormats() FormatTable {
	t := make(FormatTable, len(defaultFormats))
	for k, v := range defaultFormats {
		t[k] = v
	}
	return t
}

// Lookup returns the encoding of a PTC/PFC pair.
func (t FormatTable) Lookup(ptc, pfc int) (FormatSpec, error) {
	spec, ok := t[ParameterFormat{ptc, pfc}]
	if !ok {
		return FormatSpec{}, fmt.Errorf("%w: ptc=%d pfc=%d", ErrUnsupportedParameterFormat, ptc, pfc)
	}
	return spec, nil
}

// LookupFormat looks a PTC/PFC pair up in the built-in table.
func LookupFormat(ptc, pfc int) (FormatSpec, error) {
	return defaultFormats.Lookup(ptc, pfc)
}

var extractDispatch = [KindTime + 1]func(spec FormatSpec, pkt []byte, off uint) (interface{}, error){
	KindBool: func(spec FormatSpec, pkt []byte, off uint) (interface{}, error) {
		return getBits(pkt, off, 1) == 1, nil
	},
	KindEnum: func(spec FormatSpec, pkt []byte, off uint) (interface{}, error) {
		return getBits(pkt, off, spec.Bits), nil
	},
	KindUnsigned: func(spec FormatSpec, pkt []byte, off uint) (interface{}, error) {
		return getBits(pkt, off, spec.Bits), nil
	},
	KindSigned: func(spec FormatSpec, pkt []byte, off uint) (interface{}, error) {
		v := getBits(pkt, off, spec.Bits)
		shift := 64 - spec.Bits
		return int64(v<<shift) >> shift, nil
	},
	KindFloat: func(spec FormatSpec, pkt []byte, off uint) (interface{}, error) {
		v := getBits(pkt, off, spec.Bits)
		if spec.Bits == 32 {
			return math.Float32frombits(uint32(v)), nil
		}
		return math.Float64frombits(v), nil
	},
	KindOctets: func(spec FormatSpec, pkt []byte, off uint) (interface{}, error) {
		return octets(pkt, off, spec.Bits/8), nil
	},
	KindString: func(spec FormatSpec, pkt []byte, off uint) (interface{}, error) {
		return string(octets(pkt, off, spec.Bits/8)), nil
	},
	KindTime: func(spec FormatSpec, pkt []byte, off uint) (interface{}, error) {
		return spec.Time.Decode(octets(pkt, off, spec.Bits/8))
	},
}

func octets(pkt []byte, off, n uint) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(getBits(pkt, off+uint(8*i), 8))
	}
	return b
}

// Extract returns the raw value of a parameter of this format starting at
// the given byte and bit offset of pkt: bool, uint64, int64, float32,
// float64, []byte, string or CUC depending on the kind.
func (spec FormatSpec) Extract(pkt []byte, byteOffset, bitOffset uint) (interface{}, error) {
	if int(spec.Kind) >= len(extractDispatch) {
		return nil, fmt.Errorf("%w: kind %d", ErrUnsupportedParameterFormat, spec.Kind)
	}
	off := byteOffset*8 + bitOffset
	if off+spec.Bits > uint(len(pkt))*8 {
		return nil, fmt.Errorf("short packet:format=%s:byte_offset=%d:packet_len=%d: %w", spec.Name, byteOffset, len(pkt), ErrTruncated)
	}
	return extractDispatch[spec.Kind](spec, pkt, off)
}

// ParameterInfo describes a single parameter, providing the information needed to extract its value from a binary packet
type ParameterInfo struct {
	Name       string
	APID       int
	PTC        int
	PFC        int
	ByteOffset uint `json:"byte_offset"`
	BitOffset  uint `json:"bit_offset"`
}

// GetRawValue returns the parameter's value extracted from the packet using table t.
func (param ParameterInfo) GetRawValue(t FormatTable, p Packet) (interface{}, error) {
	spec, err := t.Lookup(param.PTC, param.PFC)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", param.Name, err)
	}
	v, err := spec.Extract(p, param.ByteOffset, param.BitOffset)
	if err != nil {
		return nil, fmt.Errorf("decomm raw extraction error in %s: %w", param.Name, err)
	}
	return v, nil
}

// ParameterTable is an external list of parameter definitions.
type ParameterTable struct {
	Parameters []ParameterInfo
}

// ByAPID returns the parameters carried by packets of the given APID.
func (t *ParameterTable) ByAPID(apid int) []ParameterInfo {
	var out []ParameterInfo
	for _, p := range t.Parameters {
		if p.APID == apid {
			out = append(out, p)
		}
	}
	return out
}

// LoadParameterTable reads a JSON parameter table, gzipped when the name ends in .gz
func LoadParameterTable(filename string) (*ParameterTable, error) {
	rc, err := OpenFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error opening parameter table: %w", err)
	}
	defer rc.Close()

	var table ParameterTable
	if err = json.NewDecoder(rc).Decode(&table); err != nil {
		return nil, fmt.Errorf("error deserializing parameter table in %s: %w", filename, err)
	}
	for _, p := range table.Parameters {
		if _, err := defaultFormats.Lookup(p.PTC, p.PFC); err != nil {
			return nil, fmt.Errorf("parameter %s in %s: %w", p.Name, filename, err)
		}
	}

	return &table, nil
}
