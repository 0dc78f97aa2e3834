package tools

import (
	"fmt"
	"math"

	modbusmcp "github.com/TwoMental/modbus-mcp"
	"github.com/TwoMental/modbus-mcp/tool"
)

func deviceArg(args map[string]any) (string, error) {
	id, ok := args["device"].(string)
	if !ok || id == "" {
		return "", modbusmcp.NewFailure("argument \"device\" must be a non-empty string", modbusmcp.KindUnknown)
	}
	return id, nil
}

// intArg reads an integral argument; failures carry kind.
func intArg(args map[string]any, name, deviceID string, kind modbusmcp.ErrorKind) (int, error) {
	n, ok := tool.Number(args[name])
	if !ok || n != math.Trunc(n) {
		return 0, modbusmcp.NewFailure(
			fmt.Sprintf("device %s: argument %q must be an integer", deviceID, name),
			kind, modbusmcp.WithDevice(deviceID),
		)
	}
	return int(n), nil
}

// valuesArg reads register values, each in [0, 65535].
func valuesArg(args map[string]any, deviceID string, address int) ([]uint16, error) {
	invalid := func(format string, a ...any) error {
		return modbusmcp.NewFailure(
			fmt.Sprintf("device %s: %s", deviceID, fmt.Sprintf(format, a...)),
			modbusmcp.KindInvalidRegister, modbusmcp.WithDevice(deviceID), modbusmcp.WithAddress(address),
		)
	}
	raw, ok := args["values"].([]any)
	if !ok {
		return nil, invalid("argument \"values\" must be an array of integers")
	}
	values := make([]uint16, 0, len(raw))
	for i, v := range raw {
		n, ok := tool.Number(v)
		if !ok || n != math.Trunc(n) || n < 0 || n > math.MaxUint16 {
			return nil, invalid("values[%d] = %v is not a register value", i, v)
		}
		values = append(values, uint16(n))
	}
	return values, nil
}

// pointArg reads the optional decoding arguments. It returns nil when
// data_type is absent.
func pointArg(args map[string]any) (*modbusmcp.Point, error) {
	name, ok := args["data_type"].(string)
	if !ok || name == "" {
		return nil, nil
	}
	dataType, err := modbusmcp.ParsePointDataType(name)
	if err != nil {
		return nil, modbusmcp.NewFailure(err.Error(), modbusmcp.KindUnknown, modbusmcp.WithCause(err))
	}
	orderName, _ := args["order"].(string)
	order, err := modbusmcp.ParseOrderType(orderName)
	if err != nil {
		return nil, modbusmcp.NewFailure(err.Error(), modbusmcp.KindUnknown, modbusmcp.WithCause(err))
	}
	p := &modbusmcp.Point{DataType: dataType, OrderType: order}
	if c, ok := tool.Number(args["coefficient"]); ok {
		p.Coefficient = c
	}
	if o, ok := tool.Number(args["offset"]); ok {
		p.Offset = o
	}
	return p, nil
}
