package modbusmcp

// ConnType connection type
type ConnType uint8

const (
	ConnTypeTCP ConnType = 1
	ConnTypeRTU ConnType = 2
)

func (t ConnType) String() string {
	switch t {
	case ConnTypeTCP:
		return "tcp"
	case ConnTypeRTU:
		return "rtu"
	}
	return "unknown"
}

// Backend selects the client library driving a device link.
type Backend string

const (
	BackendGoburrow    Backend = "goburrow"
	BackendSimonvetter Backend = "simonvetter"
)

// RegisterType register type
type RegisterType uint8

const (
	RegisterTypeDefault         RegisterType = iota // default = RegisterTypeHoldingRegister
	RegisterTypeInputRegister                       // Input Register (0x04-Read single or multiple)
	RegisterTypeHoldingRegister                     // Holding Register (0x03-Read, 0x10-Write multiple)
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState uint8

const (
	ConnStateIdle ConnState = iota
	ConnStateInUse
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateIdle:
		return "idle"
	case ConnStateInUse:
		return "in_use"
	case ConnStateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	// maxAddress is the last register address of the Modbus address space.
	maxAddress = 0xFFFF
	// maxReadQuantity is the protocol limit for 0x03/0x04.
	maxReadQuantity = 125
	// maxWriteQuantity is the protocol limit for 0x10.
	maxWriteQuantity = 123
)
