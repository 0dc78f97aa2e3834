package modbusmcp

import (
	"fmt"
	"strings"
)

// PointDataType point data type
type PointDataType uint8

const (
	PointDataTypeU16 PointDataType = iota
	PointDataTypeS16
	PointDataTypeU32
	PointDataTypeS32
	PointDataTypeString
)

var pointDataTypeNames = map[string]PointDataType{
	"u16":    PointDataTypeU16,
	"s16":    PointDataTypeS16,
	"u32":    PointDataTypeU32,
	"s32":    PointDataTypeS32,
	"string": PointDataTypeString,
}

func (t PointDataType) String() string {
	for name, v := range pointDataTypeNames {
		if v == t {
			return name
		}
	}
	return fmt.Sprintf("PointDataType(%d)", uint8(t))
}

// Width returns the number of registers one value occupies.
func (t PointDataType) Width() int {
	switch t {
	case PointDataTypeU32, PointDataTypeS32:
		return 2
	}
	return 1
}

// ParsePointDataType parses u16, s16, u32, s32 or string.
func ParsePointDataType(s string) (PointDataType, error) {
	t, ok := pointDataTypeNames[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unsupported data type: %q", s)
	}
	return t, nil
}

// OrderType order type
type OrderType uint8

const (
	OrderTypeDefault      OrderType = iota // default
	OrderTypeBigEndian                     // high word first
	OrderTypeLittleEndian                  // low word first
)

// ParseOrderType parses big or little; empty means default.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToLower(s) {
	case "":
		return OrderTypeDefault, nil
	case "big":
		return OrderTypeBigEndian, nil
	case "little":
		return OrderTypeLittleEndian, nil
	}
	return 0, fmt.Errorf("unsupported order: %q", s)
}

// Point describes how a run of registers is turned into engineering values.
type Point struct {
	// data type, like U16, represents the data type is unsigned 16 bits
	DataType PointDataType
	// order type, only meaningful for 32 bit types
	OrderType OrderType
	// coefficient, like 0.1, represents the value should be multiplied by 0.1
	Coefficient float64
	// offset, like -10, represents the value should be subtracted by 10
	Offset float64
}

// GetCoefficient get coefficient, if coefficient not set, return 1
func (p *Point) GetCoefficient() float64 {
	if p.Coefficient == 0 {
		return 1
	}
	return p.Coefficient
}

// Decode converts registers into scaled values, one per DataType width.
func (p *Point) Decode(registers []uint16) ([]float64, error) {
	if p.DataType == PointDataTypeString {
		return nil, fmt.Errorf("data type %s has no numeric value", p.DataType)
	}
	width := p.DataType.Width()
	if len(registers)%width != 0 {
		return nil, fmt.Errorf("%d registers do not divide into %s values", len(registers), p.DataType)
	}
	data := registersToBytes(registers)
	values := make([]float64, 0, len(registers)/width)
	for i := 0; i < len(data); i += width * 2 {
		raw, err := parseDataToFloat64(data[i:i+width*2], p.DataType, p.OrderType)
		if err != nil {
			return nil, err
		}
		values = append(values, cal(raw, p.GetCoefficient())+p.Offset)
	}
	return values, nil
}

// DecodeString reads registers as a NUL terminated string.
func (p *Point) DecodeString(registers []uint16) string {
	return byte2String(registersToBytes(registers))
}
