// Package config loads the YAML configuration of the modbus-mcp server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	modbusmcp "github.com/TwoMental/modbus-mcp"
	"github.com/TwoMental/modbus-mcp/logging"
)

var (
	ErrNoDevices       = errors.New("no devices configured")
	ErrDuplicateDevice = errors.New("duplicate device id")
	ErrInvalidDevice   = errors.New("invalid device")
	ErrInvalidPool     = errors.New("invalid pool settings")
	ErrInvalidRetry    = errors.New("invalid retry settings")
)

// Config is the root of the configuration file.
type Config struct {
	Log     logging.Config `yaml:"log"`
	Pool    PoolConfig     `yaml:"pool"`
	Retry   RetryConfig    `yaml:"retry"`
	Devices []DeviceConfig `yaml:"devices"`
}

// PoolConfig holds the connection pool policy.
type PoolConfig struct {
	// MaxConnsPerDevice applies to devices without max_conns.
	MaxConnsPerDevice int `yaml:"max_conns_per_device"`
	// AcquireTimeout is how long a tool waits for a free connection.
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// EvictAfter consecutive fatal failures close a connection.
	EvictAfter int `yaml:"evict_after"`
}

// RetryConfig controls retries of read tools.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DeviceConfig describes one device.
type DeviceConfig struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"` // tcp or rtu
	Backend string `yaml:"backend"`
	SlaveID int    `yaml:"slave_id"`

	Timeout     time.Duration `yaml:"timeout"`
	MaxConns    int           `yaml:"max_conns"`
	MaxQuantity int           `yaml:"max_quantity"`
	MaxAddress  *int          `yaml:"max_address"`

	// tcp
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// rtu
	ComAddr  string `yaml:"com_addr"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() *Config {
	return &Config{
		Log: logging.Config{Level: "info", Format: "console"},
		Pool: PoolConfig{
			MaxConnsPerDevice: 3,
			AcquireTimeout:    5 * time.Second,
			ConnMaxLifetime:   30 * time.Minute,
			EvictAfter:        3,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

// Load reads and validates a YAML file. ${VAR} references are expanded
// from the environment.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "load %s", path)
	}
	return cfg, nil
}

// Parse decodes and validates YAML from r on top of Default.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read config")
	}
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, pkgerrors.Wrap(err, "decode config")
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		d.Type = strings.ToLower(d.Type)
		if d.Type == "" {
			d.Type = "tcp"
		}
		if d.Backend == "" {
			d.Backend = string(modbusmcp.BackendGoburrow)
		}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Pool.MaxConnsPerDevice < 1 {
		return fmt.Errorf("%w: max_conns_per_device must be at least 1", ErrInvalidPool)
	}
	if c.Pool.AcquireTimeout < 0 || c.Pool.ConnMaxLifetime < 0 || c.Pool.EvictAfter < 0 {
		return fmt.Errorf("%w: durations and evict_after must not be negative", ErrInvalidPool)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidRetry)
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be at least 1", ErrInvalidRetry)
	}

	if len(c.Devices) == 0 {
		return ErrNoDevices
	}
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// Validate checks one device entry.
func (d DeviceConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w %q: %s", ErrInvalidDevice, d.ID, fmt.Sprintf(format, args...))
	}
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	switch modbusmcp.Backend(d.Backend) {
	case modbusmcp.BackendGoburrow, modbusmcp.BackendSimonvetter, "":
	default:
		return invalid("unknown backend %q", d.Backend)
	}
	switch d.Type {
	case "tcp", "":
		if d.Host == "" {
			return invalid("host is required")
		}
		if d.Port < 1 || d.Port > 65535 {
			return invalid("port %d out of range", d.Port)
		}
	case "rtu":
		if d.ComAddr == "" {
			return invalid("com_addr is required")
		}
		switch strings.ToUpper(d.Parity) {
		case "", "N", "E", "O":
		default:
			return invalid("parity %q must be N, E or O", d.Parity)
		}
	default:
		return invalid("unknown type %q", d.Type)
	}
	if d.SlaveID < 0 || d.SlaveID > 247 {
		return invalid("slave_id %d out of range", d.SlaveID)
	}
	if d.MaxQuantity < 0 || d.MaxQuantity > 125 {
		return invalid("max_quantity %d out of range", d.MaxQuantity)
	}
	if d.MaxAddress != nil && (*d.MaxAddress < 0 || *d.MaxAddress > 0xFFFF) {
		return invalid("max_address %d out of range", *d.MaxAddress)
	}
	if d.MaxConns < 0 {
		return invalid("max_conns must not be negative")
	}
	return nil
}

// Device builds the device configuration used by the pool.
func (d DeviceConfig) Device() *modbusmcp.Device {
	var opts []modbusmcp.DeviceOption
	if d.Backend != "" {
		opts = append(opts, modbusmcp.WithBackend(modbusmcp.Backend(d.Backend)))
	}
	if d.SlaveID > 0 {
		opts = append(opts, modbusmcp.WithSlaveID(uint8(d.SlaveID)))
	}
	if d.Timeout > 0 {
		opts = append(opts, modbusmcp.WithTimeout(d.Timeout))
	}
	if d.MaxQuantity > 0 {
		opts = append(opts, modbusmcp.WithMaxQuantity(uint16(d.MaxQuantity)))
	}
	if d.MaxAddress != nil {
		opts = append(opts, modbusmcp.WithMaxAddress(uint16(*d.MaxAddress)))
	}

	if d.Type == "rtu" {
		if d.BaudRate > 0 {
			opts = append(opts, modbusmcp.WithBaudRate(d.BaudRate))
		}
		if d.DataBits > 0 {
			opts = append(opts, modbusmcp.WithDataBits(d.DataBits))
		}
		if d.Parity != "" {
			opts = append(opts, modbusmcp.WithParity(strings.ToUpper(d.Parity)))
		}
		if d.StopBits > 0 {
			opts = append(opts, modbusmcp.WithStopBits(d.StopBits))
		}
		return modbusmcp.NewRTUDevice(d.ID, d.ComAddr, opts...)
	}

	if d.MaxConns > 0 {
		opts = append(opts, modbusmcp.WithMaxConns(d.MaxConns))
	}
	if d.IdleTimeout > 0 {
		opts = append(opts, modbusmcp.WithIdleTimeout(d.IdleTimeout))
	}
	return modbusmcp.NewTCPDevice(d.ID, d.Host, d.Port, opts...)
}

// DeviceList builds every configured device. TCP devices without max_conns
// get the pool's max_conns_per_device.
func (c *Config) DeviceList() []*modbusmcp.Device {
	devices := make([]*modbusmcp.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		if d.MaxConns == 0 {
			d.MaxConns = c.Pool.MaxConnsPerDevice
		}
		devices = append(devices, d.Device())
	}
	return devices
}

// PoolOptions translates the pool section into pool options.
func (c *Config) PoolOptions() []modbusmcp.PoolOption {
	return []modbusmcp.PoolOption{
		modbusmcp.WithMaxConnsPerDevice(c.Pool.MaxConnsPerDevice),
		modbusmcp.WithConnMaxLifetime(c.Pool.ConnMaxLifetime),
		modbusmcp.WithEvictAfter(c.Pool.EvictAfter),
	}
}
