package modbusmcp

import (
	"errors"
	"sync"

	"github.com/goburrow/modbus"
)

type goburrowTCPLink struct {
	client  modbus.Client
	handler *modbus.TCPClientHandler
}

func dialGoburrowTCP(d *Device) (Link, error) {
	handler := modbus.NewTCPClientHandler(d.Endpoint())
	handler.Timeout = d.timeout
	handler.IdleTimeout = d.IdleTimeout
	handler.SlaveId = d.slaveID
	if e := handler.Connect(); e != nil {
		return nil, e
	}
	return &goburrowTCPLink{client: modbus.NewClient(handler), handler: handler}, nil
}

func (l *goburrowTCPLink) ReadRegisters(registerType RegisterType, address, quantity uint16) ([]uint16, error) {
	return goburrowRead(l.client, registerType, address, quantity)
}

func (l *goburrowTCPLink) WriteRegisters(address uint16, values []uint16) error {
	return goburrowWrite(l.client, address, values)
}

func (l *goburrowTCPLink) Close() error {
	return l.handler.Close()
}

// serialPorts keeps one open RTU handler per serial port, shared by every
// slave on that bus.
var serialPorts = struct {
	sync.Mutex
	ports map[string]*serialPort
}{ports: map[string]*serialPort{}}

type serialPort struct {
	mu      sync.Mutex // one request on the bus at a time
	handler *modbus.RTUClientHandler
	client  modbus.Client
	refs    int
}

type goburrowRTULink struct {
	port    *serialPort
	comAddr string
	slaveID byte
	once    sync.Once
}

func dialGoburrowRTU(d *Device) (Link, error) {
	serialPorts.Lock()
	defer serialPorts.Unlock()

	if port, ok := serialPorts.ports[d.ComAddr]; ok {
		h := port.handler
		if h.BaudRate != d.BaudRate || h.DataBits != d.DataBits || h.Parity != d.Parity || h.StopBits != d.StopBits {
			return nil, errors.New("the baud rate, data bits, parity or stop bits of the same com port must be the same")
		}
		port.refs++
		return &goburrowRTULink{port: port, comAddr: d.ComAddr, slaveID: d.slaveID}, nil
	}

	handler := modbus.NewRTUClientHandler(d.ComAddr)
	handler.BaudRate = d.BaudRate
	handler.DataBits = d.DataBits
	handler.Parity = d.Parity
	handler.StopBits = d.StopBits
	handler.SlaveId = d.slaveID
	handler.Timeout = d.timeout
	if e := handler.Connect(); e != nil {
		return nil, e
	}
	port := &serialPort{handler: handler, client: modbus.NewClient(handler), refs: 1}
	serialPorts.ports[d.ComAddr] = port
	return &goburrowRTULink{port: port, comAddr: d.ComAddr, slaveID: d.slaveID}, nil
}

func (l *goburrowRTULink) ReadRegisters(registerType RegisterType, address, quantity uint16) ([]uint16, error) {
	l.port.mu.Lock()
	defer l.port.mu.Unlock()
	l.port.handler.SlaveId = l.slaveID
	return goburrowRead(l.port.client, registerType, address, quantity)
}

func (l *goburrowRTULink) WriteRegisters(address uint16, values []uint16) error {
	l.port.mu.Lock()
	defer l.port.mu.Unlock()
	l.port.handler.SlaveId = l.slaveID
	return goburrowWrite(l.port.client, address, values)
}

// Close releases this slave's reference; the port closes with the last one.
func (l *goburrowRTULink) Close() error {
	var err error
	l.once.Do(func() {
		serialPorts.Lock()
		defer serialPorts.Unlock()
		l.port.refs--
		if l.port.refs > 0 {
			return
		}
		err = l.port.handler.Close()
		delete(serialPorts.ports, l.comAddr)
	})
	return err
}

func goburrowRead(client modbus.Client, registerType RegisterType, address, quantity uint16) ([]uint16, error) {
	var (
		data []byte
		err  error
	)
	switch registerType {
	case RegisterTypeInputRegister:
		data, err = client.ReadInputRegisters(address, quantity)
	default:
		data, err = client.ReadHoldingRegisters(address, quantity)
	}
	if err != nil {
		return nil, err
	}
	return bytesToRegisters(data)
}

func goburrowWrite(client modbus.Client, address uint16, values []uint16) error {
	var err error
	if len(values) == 1 {
		_, err = client.WriteSingleRegister(address, values[0])
	} else {
		_, err = client.WriteMultipleRegisters(address, uint16(len(values)), registersToBytes(values))
	}
	return err
}
