package modbusmcp

import (
	"errors"
	"fmt"
)

var (
	ErrPoolClosed     = errors.New("modbus pool is closed")
	ErrDialerNil      = errors.New("link dialer cannot be nil")
	ErrDeviceExists   = errors.New("device already registered")
	ErrDeviceIDEmpty  = errors.New("device id cannot be empty")
	ErrUnknownBackend = errors.New("unknown modbus backend")
)

// ErrorKind classifies every failure surfaced by this package.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindConnectionFailed
	KindTimeout
	KindProtocol
	KindInvalidAddress
	KindInvalidRegister
	KindDeviceBusy
	KindPoolExhausted
)

var kindNames = [...]string{
	KindUnknown:          "UnknownError",
	KindConnectionFailed: "ConnectionFailed",
	KindTimeout:          "Timeout",
	KindProtocol:         "ProtocolError",
	KindInvalidAddress:   "InvalidAddress",
	KindInvalidRegister:  "InvalidRegister",
	KindDeviceBusy:       "DeviceBusy",
	KindPoolExhausted:    "PoolExhausted",
}

// Kinds lists the closed set of error kinds.
var Kinds = []ErrorKind{
	KindConnectionFailed,
	KindTimeout,
	KindProtocol,
	KindInvalidAddress,
	KindInvalidRegister,
	KindDeviceBusy,
	KindPoolExhausted,
	KindUnknown,
}

func (k ErrorKind) valid() bool {
	return int(k) < len(kindNames)
}

func (k ErrorKind) String() string {
	if !k.valid() {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// Fatal reports whether a connection that produced this kind should be
// dropped rather than reused.
func (k ErrorKind) Fatal() bool {
	return k == KindConnectionFailed || k == KindProtocol
}

// kindError is the sentinel form of an ErrorKind, matched by errors.Is
// against any *Failure of the same kind.
type kindError ErrorKind

func (e kindError) Error() string {
	return "modbus: " + ErrorKind(e).String()
}

// Kind sentinels, e.g. errors.Is(err, ErrTimeout).
var (
	ErrConnectionFailed error = kindError(KindConnectionFailed)
	ErrTimeout          error = kindError(KindTimeout)
	ErrProtocol         error = kindError(KindProtocol)
	ErrInvalidAddress   error = kindError(KindInvalidAddress)
	ErrInvalidRegister  error = kindError(KindInvalidRegister)
	ErrDeviceBusy       error = kindError(KindDeviceBusy)
	ErrPoolExhausted    error = kindError(KindPoolExhausted)
	ErrUnknown          error = kindError(KindUnknown)
)

// Failure is the terminal representation of anything that went wrong while
// talking to a device. It is immutable once built.
type Failure struct {
	message  string
	kind     ErrorKind
	deviceID string
	hasDev   bool
	address  int
	hasAddr  bool
	cause    error
}

// FailureOption attaches context to a Failure at construction.
type FailureOption func(*Failure)

// WithDevice records the device the failure belongs to.
func WithDevice(deviceID string) FailureOption {
	return func(f *Failure) {
		f.deviceID = deviceID
		f.hasDev = true
	}
}

// WithAddress records the register address involved.
func WithAddress(address int) FailureOption {
	return func(f *Failure) {
		f.address = address
		f.hasAddr = true
	}
}

// WithCause keeps the library error for errors.Unwrap.
func WithCause(err error) FailureOption {
	return func(f *Failure) {
		f.cause = err
	}
}

// NewFailure builds a Failure. Kinds outside the closed set become KindUnknown.
func NewFailure(message string, kind ErrorKind, opts ...FailureOption) *Failure {
	if !kind.valid() {
		kind = KindUnknown
	}
	f := &Failure{message: message, kind: kind}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func failuref(kind ErrorKind, deviceID string, format string, args ...any) *Failure {
	return NewFailure(fmt.Sprintf(format, args...), kind, WithDevice(deviceID))
}

func (f *Failure) Error() string { return f.message }

func (f *Failure) Unwrap() error { return f.cause }

// Is matches kind sentinels.
func (f *Failure) Is(target error) bool {
	k, ok := target.(kindError)
	return ok && ErrorKind(k) == f.kind
}

func (f *Failure) Message() string { return f.message }

func (f *Failure) Kind() ErrorKind { return f.kind }

// DeviceID returns the device id, if one was recorded.
func (f *Failure) DeviceID() (string, bool) { return f.deviceID, f.hasDev }

// Address returns the register address, if one was recorded.
func (f *Failure) Address() (int, bool) { return f.address, f.hasAddr }

// AsFailure returns the first *Failure in err's chain unchanged, or classifies
// err as an UnknownError. It returns nil for a nil error.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return NewFailure(err.Error(), KindUnknown, WithCause(err))
}

// KindOf reports the kind of err, KindUnknown when err carries no Failure.
func KindOf(err error) ErrorKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.kind
	}
	return KindUnknown
}
