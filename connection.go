package modbusmcp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/constraints"
)

// Conn is one link to one device. A pooled Conn is used by exactly one
// caller between Acquire and Release.
type Conn struct {
	id         string
	device     *Device
	link       Link
	pool       *Pool
	createTime time.Time

	state    ConnState // guarded by pool.mu
	failures atomic.Int32
	closed   atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a link that is not managed by a Pool.
func NewConn(device *Device, link Link) *Conn {
	return newConn(device, link, nil)
}

func newConn(device *Device, link Link, pool *Pool) *Conn {
	return &Conn{
		id:         uuid.NewString(),
		device:     device,
		link:       link,
		pool:       pool,
		createTime: time.Now(),
		state:      ConnStateInUse,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) DeviceID() string { return c.device.id }

func (c *Conn) Device() *Device { return c.device }

func (c *Conn) CreateTime() time.Time { return c.createTime }

// State returns the lifecycle state of the connection.
func (c *Conn) State() ConnState {
	if c.pool == nil {
		if c.closed.Load() {
			return ConnStateClosed
		}
		return ConnStateInUse
	}
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.state
}

// Failures returns the number of consecutive fatal failures seen.
func (c *Conn) Failures() int {
	return int(c.failures.Load())
}

// ReadRegisters reads count holding registers starting at address.
func (c *Conn) ReadRegisters(ctx context.Context, address, count int) ([]uint16, error) {
	return c.read(ctx, RegisterTypeHoldingRegister, address, count)
}

// ReadInputRegisters reads count input registers starting at address.
func (c *Conn) ReadInputRegisters(ctx context.Context, address, count int) ([]uint16, error) {
	return c.read(ctx, RegisterTypeInputRegister, address, count)
}

// read splits counts larger than maxQuantity into consecutive requests.
func (c *Conn) read(ctx context.Context, registerType RegisterType, address, count int) ([]uint16, error) {
	if f := c.checkRange(address, count); f != nil {
		return nil, f
	}
	if c.closed.Load() {
		return nil, c.closedFailure(address)
	}

	limit := int(c.device.maxQuantity)
	if limit <= 0 || limit > maxReadQuantity {
		limit = maxReadQuantity
	}
	results := make([]uint16, 0, count)
	for addr, remaining := address, count; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return nil, c.expired(err, addr)
		}
		n := chunk(remaining, limit)
		regs, err := c.link.ReadRegisters(registerType, uint16(addr), uint16(n))
		if err != nil {
			return nil, c.fail(err, addr)
		}
		if len(regs) != n {
			return nil, c.fail(NewFailure(
				fmt.Sprintf("device %s: register %d: want %d registers, got %d", c.device.id, addr, n, len(regs)),
				KindProtocol, WithDevice(c.device.id), WithAddress(addr),
			), addr)
		}
		results = append(results, regs...)
		addr += n
		remaining -= n
	}
	c.failures.Store(0)
	return results, nil
}

// WriteRegisters writes values to consecutive holding registers starting at address.
func (c *Conn) WriteRegisters(ctx context.Context, address int, values []uint16) error {
	if f := c.checkRange(address, len(values)); f != nil {
		return f
	}
	if c.closed.Load() {
		return c.closedFailure(address)
	}

	limit := int(c.device.maxQuantity)
	if limit <= 0 || limit > maxWriteQuantity {
		limit = maxWriteQuantity
	}
	for addr, rest := address, values; len(rest) > 0; {
		if err := ctx.Err(); err != nil {
			return c.expired(err, addr)
		}
		n := chunk(len(rest), limit)
		if err := c.link.WriteRegisters(uint16(addr), rest[:n]); err != nil {
			return c.fail(err, addr)
		}
		addr += n
		rest = rest[n:]
	}
	c.failures.Store(0)
	return nil
}

// Close closes the connection. A pooled connection is evicted from its pool.
// Closing a closed connection is a no-op.
func (c *Conn) Close() error {
	if c.pool != nil {
		return c.pool.Evict(c)
	}
	return c.closeLink()
}

func (c *Conn) closeLink() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if err := c.link.Close(); err != nil {
			c.closeErr = Classify(err, c.device.id, noAddress)
		}
	})
	return c.closeErr
}

func (c *Conn) checkRange(address, count int) *Failure {
	last := int(c.device.maxAddress)
	if address < 0 || address > last {
		return NewFailure(
			fmt.Sprintf("device %s: address %d out of range [0, %d]", c.device.id, address, last),
			KindInvalidAddress, WithDevice(c.device.id), WithAddress(address),
		)
	}
	if count < 1 {
		return NewFailure(
			fmt.Sprintf("device %s: register count %d must be positive", c.device.id, count),
			KindInvalidRegister, WithDevice(c.device.id), WithAddress(address),
		)
	}
	if address+count-1 > last {
		return NewFailure(
			fmt.Sprintf("device %s: registers %d..%d exceed last address %d", c.device.id, address, address+count-1, last),
			KindInvalidRegister, WithDevice(c.device.id), WithAddress(address),
		)
	}
	return nil
}

func (c *Conn) closedFailure(address int) *Failure {
	return NewFailure(
		fmt.Sprintf("device %s: connection %s is closed", c.device.id, c.id),
		KindConnectionFailed, WithDevice(c.device.id), WithAddress(address),
	)
}

// expired reports a context that ended before the next request was sent.
// Requests already on the wire are never interrupted.
func (c *Conn) expired(err error, address int) *Failure {
	return NewFailure(
		fmt.Sprintf("device %s: register %d: %v", c.device.id, address, err),
		KindTimeout, WithDevice(c.device.id), WithAddress(address), WithCause(err),
	)
}

// fail classifies err and tracks consecutive fatal failures.
func (c *Conn) fail(err error, address int) *Failure {
	f := Classify(err, c.device.id, address)
	if f.Kind().Fatal() {
		c.failures.Add(1)
	}
	if c.pool != nil {
		c.pool.metrics.recordFailure(c.device.id, f.Kind())
	}
	return f
}

func chunk[T constraints.Integer](remaining, limit T) T {
	if remaining < limit {
		return remaining
	}
	return limit
}
