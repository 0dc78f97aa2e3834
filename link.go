package modbusmcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// Link is the raw register transport of one device connection. The two
// supported client libraries each provide one implementation.
type Link interface {
	ReadRegisters(registerType RegisterType, address, quantity uint16) ([]uint16, error)
	WriteRegisters(address uint16, values []uint16) error
	Close() error
}

// LinkDialer opens a new Link to a device.
type LinkDialer func(ctx context.Context, device *Device) (Link, error)

var errOddResponse = errors.New("modbus: response length is not a multiple of two bytes")

// DialLink opens a Link with the backend configured on the device.
func DialLink(ctx context.Context, device *Device) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch device.backend {
	case BackendGoburrow, "":
		if device.connType == ConnTypeRTU {
			return dialGoburrowRTU(device)
		}
		return dialGoburrowTCP(device)
	case BackendSimonvetter:
		return dialSimonvetter(device)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, device.backend)
}

// bytesToRegisters decodes big endian register bytes.
func bytesToRegisters(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, errOddResponse
	}
	regs := make([]uint16, len(data)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return regs, nil
}

// registersToBytes encodes registers big endian, high byte first.
func registersToBytes(values []uint16) []byte {
	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}
