package tools

import (
	"context"
	"fmt"

	modbusmcp "github.com/TwoMental/modbus-mcp"
	"github.com/TwoMental/modbus-mcp/tool"
)

type deviceInfo struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Backend     string `json:"backend"`
	Endpoint    string `json:"endpoint"`
	SlaveID     uint8  `json:"slave_id"`
	Timeout     string `json:"timeout"`
	MaxConns    int    `json:"max_conns"`
	MaxQuantity uint16 `json:"max_quantity"`
	MaxAddress  uint16 `json:"max_address"`
}

func (ts *Toolset) listDevicesConfig() tool.Config {
	return tool.Config{
		Name:        ListDevices,
		Description: "List the configured Modbus devices.",
		InputSchema: tool.ObjectSchema(nil),
		Handler:     ts.observed(ListDevices, ts.listDevices),
		ReadOnly:    true,
	}
}

func (ts *Toolset) listDevices(context.Context, map[string]any) (tool.Result, error) {
	devices := ts.pool.Devices()
	infos := make([]deviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, deviceInfo{
			ID:          d.ID(),
			Type:        d.ConnType().String(),
			Backend:     string(d.Backend()),
			Endpoint:    d.Endpoint(),
			SlaveID:     d.SlaveID(),
			Timeout:     d.Timeout().String(),
			MaxConns:    d.MaxConns(),
			MaxQuantity: d.MaxQuantity(),
			MaxAddress:  d.MaxAddress(),
		})
	}
	return tool.JSONResult(infos), nil
}

func (ts *Toolset) poolStatusConfig() tool.Config {
	return tool.Config{
		Name:        PoolStatus,
		Description: "Show idle, in-use and waiting connections per device.",
		InputSchema: tool.ObjectSchema(map[string]tool.Property{
			"device": {Type: "string", Description: "Only show this device"},
		}),
		Handler:  ts.observed(PoolStatus, ts.poolStatus),
		ReadOnly: true,
	}
}

func (ts *Toolset) poolStatus(_ context.Context, args map[string]any) (tool.Result, error) {
	deviceID, _ := args["device"].(string)
	if deviceID == "" {
		return tool.JSONResult(ts.pool.Stats()), nil
	}
	stats, ok := ts.pool.DeviceStats(deviceID)
	if !ok {
		return tool.Result{}, modbusmcp.NewFailure(
			fmt.Sprintf("device %q is not configured", deviceID),
			modbusmcp.KindUnknown, modbusmcp.WithDevice(deviceID),
		)
	}
	return tool.JSONResult(stats), nil
}
