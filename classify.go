package modbusmcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	goburrow "github.com/goburrow/modbus"
	simonvetter "github.com/simonvetter/modbus"
)

// noAddress marks a failure that is not tied to a register address.
const noAddress = -1

// Classify turns an error raised by either client library, the network or
// the standard library into a Failure. A Failure already in err's chain is
// returned unchanged.
func Classify(err error, deviceID string, address int) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	opts := []FailureOption{WithDevice(deviceID), WithCause(err)}
	msg := fmt.Sprintf("device %s: %v", deviceID, err)
	if address != noAddress {
		opts = append(opts, WithAddress(address))
		msg = fmt.Sprintf("device %s: register %d: %v", deviceID, address, err)
	}
	return NewFailure(msg, classifyKind(err), opts...)
}

func classifyKind(err error) ErrorKind {
	var gbErr *goburrow.ModbusError
	if errors.As(err, &gbErr) {
		return exceptionKind(gbErr.ExceptionCode)
	}
	var svErr simonvetter.Error
	if errors.As(err, &svErr) {
		return simonvetterKind(svErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, errOddResponse):
		return KindProtocol
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, os.ErrNotExist),
		errors.Is(err, os.ErrPermission):
		return KindConnectionFailed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnectionFailed
	}
	return classifyMessage(err.Error())
}

// classifyMessage covers errors both libraries build with fmt.Errorf.
func classifyMessage(msg string) ErrorKind {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "eof"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such file"):
		return KindConnectionFailed
	case strings.HasPrefix(msg, "modbus: quantity"):
		return KindInvalidRegister
	case strings.HasPrefix(msg, "modbus: response"),
		strings.Contains(msg, "does not match"),
		strings.Contains(msg, "crc"):
		return KindProtocol
	}
	return KindUnknown
}

// exceptionKind maps a Modbus exception code to an ErrorKind.
func exceptionKind(code byte) ErrorKind {
	switch code {
	case goburrow.ExceptionCodeIllegalDataAddress:
		return KindInvalidAddress
	case goburrow.ExceptionCodeIllegalDataValue:
		return KindInvalidRegister
	case goburrow.ExceptionCodeAcknowledge, goburrow.ExceptionCodeServerDeviceBusy:
		return KindDeviceBusy
	case goburrow.ExceptionCodeIllegalFunction, goburrow.ExceptionCodeMemoryParityError:
		return KindProtocol
	case goburrow.ExceptionCodeGatewayPathUnavailable:
		return KindConnectionFailed
	case goburrow.ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return KindTimeout
	}
	return KindUnknown
}

func simonvetterKind(err simonvetter.Error) ErrorKind {
	switch err {
	case simonvetter.ErrIllegalDataAddress:
		return KindInvalidAddress
	case simonvetter.ErrIllegalDataValue, simonvetter.ErrUnexpectedParameters:
		return KindInvalidRegister
	case simonvetter.ErrAcknowledge, simonvetter.ErrServerDeviceBusy:
		return KindDeviceBusy
	case simonvetter.ErrRequestTimedOut, simonvetter.ErrGWTargetFailedToRespond:
		return KindTimeout
	case simonvetter.ErrGWPathUnavailable, simonvetter.ErrConfigurationError:
		return KindConnectionFailed
	case simonvetter.ErrIllegalFunction,
		simonvetter.ErrMemoryParityError,
		simonvetter.ErrBadCRC,
		simonvetter.ErrShortFrame,
		simonvetter.ErrProtocolError,
		simonvetter.ErrBadUnitId,
		simonvetter.ErrBadTransactionId,
		simonvetter.ErrUnknownProtocolId:
		return KindProtocol
	}
	return KindUnknown
}
