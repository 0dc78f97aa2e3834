package modbusmcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	goburrow "github.com/goburrow/modbus"
	simonvetter "github.com/simonvetter/modbus"
)

func TestErrorKindString(t *testing.T) {
	want := map[ErrorKind]string{
		KindConnectionFailed: "ConnectionFailed",
		KindTimeout:          "Timeout",
		KindProtocol:         "ProtocolError",
		KindInvalidAddress:   "InvalidAddress",
		KindInvalidRegister:  "InvalidRegister",
		KindDeviceBusy:       "DeviceBusy",
		KindPoolExhausted:    "PoolExhausted",
		KindUnknown:          "UnknownError",
		ErrorKind(200):       "UnknownError",
	}
	for kind, name := range want {
		if got := kind.String(); got != name {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", uint8(kind), got, name)
		}
	}
	if len(Kinds) != 8 {
		t.Errorf("len(Kinds) = %d, want 8", len(Kinds))
	}
}

func TestErrorKindFatal(t *testing.T) {
	for _, kind := range Kinds {
		want := kind == KindConnectionFailed || kind == KindProtocol
		if kind.Fatal() != want {
			t.Errorf("%s.Fatal() = %v, want %v", kind, kind.Fatal(), want)
		}
	}
}

func TestNewFailure(t *testing.T) {
	cause := io.EOF
	f := NewFailure("device d1: register 40: EOF", KindConnectionFailed,
		WithDevice("d1"), WithAddress(40), WithCause(cause))

	if f.Error() != "device d1: register 40: EOF" || f.Message() != f.Error() {
		t.Errorf("message = %q", f.Error())
	}
	if id, ok := f.DeviceID(); !ok || id != "d1" {
		t.Errorf("DeviceID() = %q, %v", id, ok)
	}
	if addr, ok := f.Address(); !ok || addr != 40 {
		t.Errorf("Address() = %d, %v", addr, ok)
	}
	if !errors.Is(f, io.EOF) {
		t.Error("cause not reachable through errors.Is")
	}
	if !errors.Is(f, ErrConnectionFailed) {
		t.Error("kind sentinel does not match")
	}
	if errors.Is(f, ErrTimeout) {
		t.Error("other kind sentinel matches")
	}

	bare := NewFailure("m", KindTimeout)
	if _, ok := bare.DeviceID(); ok {
		t.Error("DeviceID() reported on failure without device")
	}
	if _, ok := bare.Address(); ok {
		t.Error("Address() reported on failure without address")
	}
}

func TestNewFailureCoercesUnknownKinds(t *testing.T) {
	f := NewFailure("m", ErrorKind(99))
	if f.Kind() != KindUnknown {
		t.Errorf("Kind() = %s, want UnknownError", f.Kind())
	}
}

func TestAsFailure(t *testing.T) {
	if AsFailure(nil) != nil {
		t.Error("AsFailure(nil) != nil")
	}

	f := NewFailure("busy", KindDeviceBusy)
	wrapped := fmt.Errorf("outer: %w", f)
	if got := AsFailure(wrapped); got != f {
		t.Errorf("AsFailure() = %v, want the original failure", got)
	}
	if KindOf(wrapped) != KindDeviceBusy {
		t.Errorf("KindOf() = %s", KindOf(wrapped))
	}

	plain := errors.New("boom")
	got := AsFailure(plain)
	if got.Kind() != KindUnknown || got.Message() != "boom" || !errors.Is(got, plain) {
		t.Errorf("AsFailure(plain) = %v (%s)", got, got.Kind())
	}
	if KindOf(plain) != KindUnknown {
		t.Errorf("KindOf(plain) = %s", KindOf(plain))
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"goburrow illegal address", &goburrow.ModbusError{ExceptionCode: goburrow.ExceptionCodeIllegalDataAddress}, KindInvalidAddress},
		{"goburrow illegal value", &goburrow.ModbusError{ExceptionCode: goburrow.ExceptionCodeIllegalDataValue}, KindInvalidRegister},
		{"goburrow busy", &goburrow.ModbusError{ExceptionCode: goburrow.ExceptionCodeServerDeviceBusy}, KindDeviceBusy},
		{"goburrow acknowledge", &goburrow.ModbusError{ExceptionCode: goburrow.ExceptionCodeAcknowledge}, KindDeviceBusy},
		{"goburrow illegal function", &goburrow.ModbusError{ExceptionCode: goburrow.ExceptionCodeIllegalFunction}, KindProtocol},
		{"goburrow gateway path", &goburrow.ModbusError{ExceptionCode: goburrow.ExceptionCodeGatewayPathUnavailable}, KindConnectionFailed},
		{"goburrow gateway target", &goburrow.ModbusError{ExceptionCode: goburrow.ExceptionCodeGatewayTargetDeviceFailedToRespond}, KindTimeout},
		{"goburrow device failure", &goburrow.ModbusError{ExceptionCode: goburrow.ExceptionCodeServerDeviceFailure}, KindUnknown},
		{"goburrow quantity", fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", 200, 1, 125), KindInvalidRegister},
		{"goburrow response mismatch", fmt.Errorf("modbus: response transaction id '%v' does not match request '%v'", 2, 1), KindProtocol},
		{"simonvetter address", simonvetter.ErrIllegalDataAddress, KindInvalidAddress},
		{"simonvetter value", simonvetter.ErrIllegalDataValue, KindInvalidRegister},
		{"simonvetter busy", simonvetter.ErrServerDeviceBusy, KindDeviceBusy},
		{"simonvetter timeout", simonvetter.ErrRequestTimedOut, KindTimeout},
		{"simonvetter crc", simonvetter.ErrBadCRC, KindProtocol},
		{"simonvetter transaction id", simonvetter.ErrBadTransactionId, KindProtocol},
		{"simonvetter configuration", simonvetter.ErrConfigurationError, KindConnectionFailed},
		{"simonvetter device failure", simonvetter.ErrServerDeviceFailure, KindUnknown},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"os deadline", os.ErrDeadlineExceeded, KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"eof", io.EOF, KindConnectionFailed},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, KindConnectionFailed},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindConnectionFailed},
		{"closed", net.ErrClosed, KindConnectionFailed},
		{"no serial port", &os.PathError{Op: "open", Path: "/dev/ttyUSB9", Err: syscall.ENOENT}, KindConnectionFailed},
		{"odd response", errOddResponse, KindProtocol},
		{"serial timeout message", errors.New("serial: timeout"), KindTimeout},
		{"anything else", errors.New("something odd"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Classify(tt.err, "d1", 7)
			if f.Kind() != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, f.Kind(), tt.want)
			}
			if id, _ := f.DeviceID(); id != "d1" {
				t.Errorf("DeviceID() = %q", id)
			}
			if addr, ok := f.Address(); !ok || addr != 7 {
				t.Errorf("Address() = %d, %v", addr, ok)
			}
			if !errors.Is(f, tt.err) {
				t.Error("library error not kept as cause")
			}
		})
	}
}

func TestClassifyPassesFailuresThrough(t *testing.T) {
	if Classify(nil, "d1", 0) != nil {
		t.Error("Classify(nil) != nil")
	}
	f := NewFailure("busy", KindDeviceBusy, WithDevice("other"))
	if got := Classify(fmt.Errorf("wrapped: %w", f), "d1", 0); got != f {
		t.Errorf("Classify() = %v, want the original failure", got)
	}
}

func TestClassifyWithoutAddress(t *testing.T) {
	f := Classify(io.EOF, "d1", noAddress)
	if _, ok := f.Address(); ok {
		t.Error("Address() reported for noAddress")
	}
	if f.Message() != "device d1: EOF" {
		t.Errorf("Message() = %q", f.Message())
	}
}
