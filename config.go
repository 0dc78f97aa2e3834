package modbusmcp

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel/metric"
)

// modbusTCP Connection config of TCP
type modbusTCP struct {
	Host        string
	Port        int
	IdleTimeout time.Duration
}

// modbusRTU Connection config of RTU
type modbusRTU struct {
	ComAddr  string
	BaudRate int
	DataBits int
	Parity   string // (N, E, O)
	StopBits int
}

// Device describes one Modbus slave reachable through a TCP endpoint or a
// serial port.
type Device struct {
	id       string
	connType ConnType
	backend  Backend
	modbusTCP
	modbusRTU
	slaveID     uint8
	timeout     time.Duration
	maxConns    int
	maxQuantity uint16
	maxAddress  uint16
}

type DeviceOption func(*Device)

func newDefaultDevice(id string) *Device {
	return &Device{
		id:          id,
		backend:     BackendGoburrow,
		slaveID:     1,
		timeout:     1 * time.Second,
		maxQuantity: maxReadQuantity,
		maxAddress:  maxAddress,
	}
}

// NewTCPDevice new TCP device configuration
func NewTCPDevice(id, host string, port int, opts ...DeviceOption) *Device {
	d := newDefaultDevice(id)
	d.connType = ConnTypeTCP
	d.modbusTCP = modbusTCP{
		Host:        host,
		Port:        port,
		IdleTimeout: 60 * time.Second,
	}
	d.maxConns = 3
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewRTUDevice new RTU device configuration
/*
	Several RTU devices may share one ComAddr with different slave ids;
	the serial port is opened once and requests are serialized on it.
	An RTU device never holds more than one connection.
*/
func NewRTUDevice(id, comAddr string, opts ...DeviceOption) *Device {
	d := newDefaultDevice(id)
	d.connType = ConnTypeRTU
	d.modbusRTU = modbusRTU{
		ComAddr:  comAddr,
		BaudRate: 9600,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
	}
	d.maxConns = 1
	for _, opt := range opts {
		opt(d)
	}
	d.maxConns = 1
	return d
}

func (d *Device) ID() string { return d.id }
func (d *Device) ConnType() ConnType { return d.connType }
func (d *Device) Backend() Backend { return d.backend }
func (d *Device) SlaveID() uint8 { return d.slaveID }
func (d *Device) Timeout() time.Duration { return d.timeout }
func (d *Device) MaxConns() int { return d.maxConns }
func (d *Device) MaxQuantity() uint16 { return d.maxQuantity }
func (d *Device) MaxAddress() uint16 { return d.maxAddress }

// Endpoint returns host:port for TCP devices and the serial port otherwise.
func (d *Device) Endpoint() string {
	if d.connType == ConnTypeRTU {
		return d.ComAddr
	}
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// WithBackend Set the client library used for the device
func WithBackend(backend Backend) DeviceOption {
	return func(d *Device) {
		d.backend = backend
	}
}

// WithSlaveID Set the slave id of the device
func WithSlaveID(slaveID uint8) DeviceOption {
	return func(d *Device) {
		d.slaveID = slaveID
	}
}

// WithTimeout Set the request timeout of the device
func WithTimeout(timeout time.Duration) DeviceOption {
	return func(d *Device) {
		d.timeout = timeout
	}
}

// WithMaxConns Set the max open connections to a TCP device
func WithMaxConns(maxConns int) DeviceOption {
	return func(d *Device) {
		d.maxConns = maxConns
	}
}

// WithMaxQuantity Set the max registers per request
func WithMaxQuantity(maxQuantity uint16) DeviceOption {
	return func(d *Device) {
		d.maxQuantity = maxQuantity
	}
}

// WithMaxAddress Set the last valid register address of the device
func WithMaxAddress(maxAddress uint16) DeviceOption {
	return func(d *Device) {
		d.maxAddress = maxAddress
	}
}

// WithIdleTimeout Set the idle timeout of the TCP link
func WithIdleTimeout(idleTimeout time.Duration) DeviceOption {
	return func(d *Device) {
		d.IdleTimeout = idleTimeout
	}
}

// WithBaudRate Set the baud rate of the modbus RTU
func WithBaudRate(baudRate int) DeviceOption {
	return func(d *Device) {
		d.BaudRate = baudRate
	}
}

// WithDataBits Set the data bits of the modbus RTU
func WithDataBits(dataBits int) DeviceOption {
	return func(d *Device) {
		d.DataBits = dataBits
	}
}

// WithParity Set the parity of the modbus RTU
func WithParity(parity string) DeviceOption {
	return func(d *Device) {
		d.Parity = parity
	}
}

// WithStopBits Set the stop bits of the modbus RTU
func WithStopBits(stopBits int) DeviceOption {
	return func(d *Device) {
		d.StopBits = stopBits
	}
}

type PoolOption func(*Pool)

// WithMaxConnsPerDevice Set the default per-device connection limit
/*
	Used for devices whose own limit is not positive.
*/
func WithMaxConnsPerDevice(n int) PoolOption {
	return func(p *Pool) {
		p.maxConnsPerDevice = n
	}
}

// WithConnMaxLifetime Set the max connection lifetime, zero disables it
func WithConnMaxLifetime(connMaxLifetime time.Duration) PoolOption {
	return func(p *Pool) {
		p.connMaxLifetime = connMaxLifetime
	}
}

// WithEvictAfter Set how many consecutive fatal failures evict a connection
func WithEvictAfter(n int) PoolOption {
	return func(p *Pool) {
		p.evictAfter = n
	}
}

// WithLinkDialer Replace the dialer that opens device links
func WithLinkDialer(dialer LinkDialer) PoolOption {
	return func(p *Pool) {
		p.dialer = dialer
	}
}

// WithLogger Set the logger of the pool
func WithLogger(logger *bolt.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithMeter Set the meter used for pool metrics
func WithMeter(meter metric.Meter) PoolOption {
	return func(p *Pool) {
		p.meter = meter
	}
}
