package modbusmcp

import (
	"encoding/binary"
	"fmt"
	"math"
)

// parseDataToFloat64 transform data to float64
func parseDataToFloat64(data []byte, dataType PointDataType, order ...OrderType) (float64, error) {
	binaryOrder := OrderTypeDefault
	if len(order) > 0 {
		binaryOrder = order[0]
	}
	switch dataType {
	case PointDataTypeU16:
		return float64(binary.BigEndian.Uint16(data)), nil
	case PointDataTypeS16:
		return float64(int16(binary.BigEndian.Uint16(data))), nil
	case PointDataTypeU32:
		return float64(binaryUint32(data, binaryOrder)), nil
	case PointDataTypeS32:
		return float64(int32(binaryUint32(data, binaryOrder))), nil
	}
	return 0, fmt.Errorf("unsupported data type: %d", dataType)
}

// binaryUint32 swaps the two words for little order and converts to uint32.
// data is left untouched.
func binaryUint32(data []byte, order OrderType) uint32 {
	if order == OrderTypeLittleEndian {
		return uint32(binary.BigEndian.Uint16(data[2:4]))<<16 | uint32(binary.BigEndian.Uint16(data[0:2]))
	}
	return binary.BigEndian.Uint32(data)
}

// cal multiplies before by c, rounded to the precision of c.
func cal(before, c float64) float64 {
	if c == 1 {
		return before
	}
	decimals := 0
	for scaled := c; scaled != math.Trunc(scaled) && decimals < 10; decimals++ {
		scaled *= 10
	}
	pow := math.Pow10(decimals)
	return math.Round(before*c*pow) / pow
}

// byte2String convert byte to string
func byte2String(data []byte) string {
	for i, b := range data {
		if b == 0x00 {
			return string(data[:i])
		}
	}
	return string(data)
}
