package modbusmcp

import (
	"fmt"
	"strings"

	"github.com/simonvetter/modbus"
)

type simonvetterLink struct {
	client *modbus.ModbusClient
}

func dialSimonvetter(d *Device) (Link, error) {
	conf := &modbus.ClientConfiguration{Timeout: d.timeout}
	switch d.connType {
	case ConnTypeRTU:
		conf.URL = "rtu://" + d.ComAddr
		conf.Speed = uint(d.BaudRate)
		conf.DataBits = uint(d.DataBits)
		conf.StopBits = uint(d.StopBits)
		conf.Parity = simonvetterParity(d.Parity)
	default:
		conf.URL = fmt.Sprintf("tcp://%s", d.Endpoint())
	}

	client, err := modbus.NewClient(conf)
	if err != nil {
		return nil, err
	}
	if err := client.Open(); err != nil {
		return nil, err
	}
	if err := client.SetUnitId(d.slaveID); err != nil {
		client.Close()
		return nil, err
	}
	return &simonvetterLink{client: client}, nil
}

func simonvetterParity(parity string) uint {
	switch strings.ToUpper(parity) {
	case "E":
		return modbus.PARITY_EVEN
	case "O":
		return modbus.PARITY_ODD
	}
	return modbus.PARITY_NONE
}

func (l *simonvetterLink) ReadRegisters(registerType RegisterType, address, quantity uint16) ([]uint16, error) {
	regType := modbus.HOLDING_REGISTER
	if registerType == RegisterTypeInputRegister {
		regType = modbus.INPUT_REGISTER
	}
	return l.client.ReadRegisters(address, quantity, regType)
}

func (l *simonvetterLink) WriteRegisters(address uint16, values []uint16) error {
	if len(values) == 1 {
		return l.client.WriteRegister(address, values[0])
	}
	return l.client.WriteRegisters(address, values)
}

func (l *simonvetterLink) Close() error {
	return l.client.Close()
}
