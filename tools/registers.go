package tools

import (
	"context"
	"fmt"

	modbusmcp "github.com/TwoMental/modbus-mcp"
	"github.com/TwoMental/modbus-mcp/tool"
)

type readOutput struct {
	Device    string    `json:"device"`
	Address   int       `json:"address"`
	Count     int       `json:"count"`
	Registers []uint16  `json:"registers"`
	DataType  string    `json:"data_type,omitempty"`
	Values    []float64 `json:"values,omitempty"`
	Text      *string   `json:"text,omitempty"`
}

func addressProperties() map[string]tool.Property {
	return map[string]tool.Property{
		"device": {
			Type:        "string",
			Description: "Device id as listed by list_devices",
		},
		"address": {
			Type:        "integer",
			Description: "First register address (0-based)",
			Minimum:     tool.Float(0),
			Maximum:     tool.Float(65535),
		},
	}
}

func (ts *Toolset) readConfig(name, description string, registerType modbusmcp.RegisterType) tool.Config {
	props := addressProperties()
	props["count"] = tool.Property{
		Type:        "integer",
		Description: "Number of registers to read; large counts are split into several requests",
		Minimum:     tool.Float(1),
		Maximum:     tool.Float(65536),
	}
	props["data_type"] = tool.Property{
		Type:        "string",
		Description: "Decode registers as u16, s16, u32, s32 or string",
		Enum:        []string{"u16", "s16", "u32", "s32", "string"},
	}
	props["order"] = tool.Property{
		Type:        "string",
		Description: "Word order of 32 bit values",
		Enum:        []string{"big", "little"},
	}
	props["coefficient"] = tool.Property{Type: "number", Description: "Multiply decoded values by this factor"}
	props["offset"] = tool.Property{Type: "number", Description: "Add this to decoded values after scaling"}

	return tool.Config{
		Name:        name,
		Description: description,
		InputSchema: tool.ObjectSchema(props, "device", "address", "count"),
		Handler:     ts.observed(name, ts.read(registerType)),
		ReadOnly:    true,
	}
}

func (ts *Toolset) read(registerType modbusmcp.RegisterType) tool.HandlerFunc {
	return func(ctx context.Context, args map[string]any) (tool.Result, error) {
		deviceID, err := deviceArg(args)
		if err != nil {
			return tool.Result{}, err
		}
		address, err := intArg(args, "address", deviceID, modbusmcp.KindInvalidAddress)
		if err != nil {
			return tool.Result{}, err
		}
		count, err := intArg(args, "count", deviceID, modbusmcp.KindInvalidRegister)
		if err != nil {
			return tool.Result{}, err
		}
		point, err := pointArg(args)
		if err != nil {
			return tool.Result{}, err
		}

		regs, err := ts.readRegisters(ctx, deviceID, registerType, address, count)
		if err != nil {
			return tool.Result{}, err
		}

		out := readOutput{
			Device:    deviceID,
			Address:   address,
			Count:     count,
			Registers: regs,
		}
		if point != nil {
			out.DataType = point.DataType.String()
			if point.DataType == modbusmcp.PointDataTypeString {
				s := point.DecodeString(regs)
				out.Text = &s
			} else {
				values, err := point.Decode(regs)
				if err != nil {
					return tool.Result{}, modbusmcp.NewFailure(
						fmt.Sprintf("device %s: decode: %v", deviceID, err),
						modbusmcp.KindInvalidRegister, modbusmcp.WithDevice(deviceID), modbusmcp.WithAddress(address),
					)
				}
				out.Values = values
			}
		}
		return tool.JSONResult(out), nil
	}
}

// readRegisters reads through the pool, retrying transient failures. Each
// attempt acquires its own connection so a broken one is evicted first.
func (ts *Toolset) readRegisters(ctx context.Context, deviceID string, registerType modbusmcp.RegisterType, address, count int) ([]uint16, error) {
	var last error
	regs, err := ts.reads.Do(ctx, func(ctx context.Context) ([]uint16, error) {
		var regs []uint16
		err := ts.pool.Do(ctx, deviceID, ts.acquireTimeout, func(c *modbusmcp.Conn) error {
			var err error
			if registerType == modbusmcp.RegisterTypeInputRegister {
				regs, err = c.ReadInputRegisters(ctx, address, count)
			} else {
				regs, err = c.ReadRegisters(ctx, address, count)
			}
			return err
		})
		last = err
		return regs, err
	})
	if err != nil {
		if last != nil {
			return nil, last
		}
		return nil, err
	}
	return regs, nil
}

func (ts *Toolset) writeConfig() tool.Config {
	props := addressProperties()
	props["values"] = tool.Property{
		Type:        "array",
		Description: "Register values to write to consecutive holding registers",
		Items: &tool.Property{
			Type:    "integer",
			Minimum: tool.Float(0),
			Maximum: tool.Float(65535),
		},
	}
	return tool.Config{
		Name:        WriteRegisters,
		Description: "Write holding registers (function 0x06 or 0x10) on a Modbus device.",
		InputSchema: tool.ObjectSchema(props, "device", "address", "values"),
		Handler:     ts.observed(WriteRegisters, ts.write),
	}
}

func (ts *Toolset) write(ctx context.Context, args map[string]any) (tool.Result, error) {
	deviceID, err := deviceArg(args)
	if err != nil {
		return tool.Result{}, err
	}
	address, err := intArg(args, "address", deviceID, modbusmcp.KindInvalidAddress)
	if err != nil {
		return tool.Result{}, err
	}
	values, err := valuesArg(args, deviceID, address)
	if err != nil {
		return tool.Result{}, err
	}

	err = ts.pool.Do(ctx, deviceID, ts.acquireTimeout, func(c *modbusmcp.Conn) error {
		return c.WriteRegisters(ctx, address, values)
	})
	if err != nil {
		return tool.Result{}, err
	}
	return tool.TextResult(fmt.Sprintf("device %s: wrote %d registers at address %d", deviceID, len(values), address)), nil
}
