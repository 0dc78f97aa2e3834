package modbusmcp

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/exp/maps"

	"github.com/TwoMental/modbus-mcp/logging"
)

// Pool hands out device connections, at most max per device, to one caller
// at a time. Waiters for the same device are served in arrival order.
type Pool struct {
	mu      sync.Mutex
	devices map[string]*deviceSlots
	closed  bool

	dialer            LinkDialer
	maxConnsPerDevice int
	connMaxLifetime   time.Duration
	evictAfter        int
	logger            *bolt.Logger
	meter             metric.Meter
	metrics           *poolMetrics
}

type deviceSlots struct {
	device  *Device
	max     int
	idle    []*Conn
	inUse   map[*Conn]struct{}
	dialing int
	waiters list.List // of *waiter
}

func (ds *deviceSlots) total() int {
	return len(ds.idle) + len(ds.inUse) + ds.dialing
}

// waiter is granted either a connection, a permission to dial (zero grant)
// or an error.
type waiter struct {
	grant chan grant
	elem  *list.Element // nil once dequeued
}

type grant struct {
	conn *Conn
	err  error
}

// DeviceStats is a snapshot of one device's slots.
type DeviceStats struct {
	DeviceID string `json:"device"`
	Idle     int    `json:"idle"`
	InUse    int    `json:"in_use"`
	Dialing  int    `json:"dialing"`
	Waiting  int    `json:"waiting"`
	Max      int    `json:"max"`
}

// NewPool creates a pool serving the given devices.
func NewPool(devices []*Device, opts ...PoolOption) (*Pool, error) {
	p := &Pool{
		devices:           make(map[string]*deviceSlots),
		dialer:            DialLink,
		maxConnsPerDevice: 1,
		connMaxLifetime:   30 * time.Minute,
		evictAfter:        3,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dialer == nil {
		return nil, ErrDialerNil
	}
	if p.maxConnsPerDevice <= 0 {
		p.maxConnsPerDevice = 1
	}
	if p.logger == nil {
		p.logger = logging.Get()
	}
	if p.meter == nil {
		p.meter = otel.Meter(instrumentationName)
	}
	metrics, err := newPoolMetrics(p.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool metrics: %w", err)
	}
	p.metrics = metrics

	for _, d := range devices {
		if err := p.AddDevice(d); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AddDevice registers a device with the pool.
func (p *Pool) AddDevice(d *Device) error {
	if d == nil || d.id == "" {
		return ErrDeviceIDEmpty
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.devices[d.id]; ok {
		return fmt.Errorf("%w: %s", ErrDeviceExists, d.id)
	}
	max := d.maxConns
	if max <= 0 {
		max = p.maxConnsPerDevice
	}
	p.devices[d.id] = &deviceSlots{
		device: d,
		max:    max,
		inUse:  make(map[*Conn]struct{}),
	}
	return nil
}

// Device returns the configuration of a registered device.
func (p *Pool) Device(id string) (*Device, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ds, ok := p.devices[id]
	if !ok {
		return nil, false
	}
	return ds.device, true
}

// Devices returns all registered devices ordered by id.
func (p *Pool) Devices() []*Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := maps.Keys(p.devices)
	slices.Sort(ids)
	devices := make([]*Device, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, p.devices[id].device)
	}
	return devices
}

// Acquire returns a connection to deviceID for exclusive use. If none is idle
// and the device is at its limit, the caller waits in line for up to timeout;
// a timeout <= 0 never waits. Running out of time, or ctx ending while
// waiting, fails with KindPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, deviceID string, timeout time.Duration) (*Conn, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, p.closedFailure(deviceID)
	}
	ds, ok := p.devices[deviceID]
	if !ok {
		p.mu.Unlock()
		return nil, failuref(KindUnknown, deviceID, "device %q is not configured", deviceID)
	}

	if n := len(ds.idle); n > 0 {
		c := ds.idle[n-1]
		ds.idle = ds.idle[:n-1]
		c.state = ConnStateInUse
		ds.inUse[c] = struct{}{}
		p.mu.Unlock()
		p.metrics.recordAcquire(deviceID, outcomeReused, time.Since(start))
		return c, nil
	}

	if ds.waiters.Len() == 0 && ds.total() < ds.max {
		ds.dialing++
		p.mu.Unlock()
		return p.dial(ctx, ds, start)
	}

	if timeout <= 0 {
		p.mu.Unlock()
		return nil, p.exhausted(ds, timeout, start)
	}

	w := &waiter{grant: make(chan grant, 1)}
	w.elem = ds.waiters.PushBack(w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case g := <-w.grant:
		return p.take(ctx, ds, g, start)
	case <-timer.C:
	case <-ctx.Done():
	}

	p.mu.Lock()
	if w.elem != nil {
		ds.waiters.Remove(w.elem)
		w.elem = nil
		p.mu.Unlock()
		return nil, p.exhausted(ds, timeout, start)
	}
	p.mu.Unlock()

	// granted while timing out
	return p.take(ctx, ds, <-w.grant, start)
}

func (p *Pool) take(ctx context.Context, ds *deviceSlots, g grant, start time.Time) (*Conn, error) {
	switch {
	case g.err != nil:
		p.metrics.recordAcquire(ds.device.id, outcomeExhausted, time.Since(start))
		return nil, g.err
	case g.conn != nil:
		p.metrics.recordAcquire(ds.device.id, outcomeHandedOff, time.Since(start))
		return g.conn, nil
	}
	return p.dial(ctx, ds, start)
}

// dial opens a link for a slot already counted in ds.dialing.
func (p *Pool) dial(ctx context.Context, ds *deviceSlots, start time.Time) (*Conn, error) {
	link, err := p.dialer(ctx, ds.device)

	p.mu.Lock()
	ds.dialing--
	if err != nil {
		p.handOffLocked(ds)
		p.mu.Unlock()

		f := Classify(err, ds.device.id, noAddress)
		if f.Kind() == KindUnknown {
			f = NewFailure(f.Message(), KindConnectionFailed, WithDevice(ds.device.id), WithCause(err))
		}
		p.metrics.recordAcquire(ds.device.id, outcomeFailed, time.Since(start))
		logging.NewEvent(p.logger.Warn()).
			Add(logging.Component("pool")).
			Add(logging.Device(ds.device.id)).
			Add(logging.Kind(f.Kind().String())).
			Add(logging.ErrorField(err)).
			Msg("dial failed")
		return nil, f
	}
	if p.closed {
		p.handOffLocked(ds)
		p.mu.Unlock()
		link.Close()
		return nil, p.closedFailure(ds.device.id)
	}
	c := newConn(ds.device, link, p)
	ds.inUse[c] = struct{}{}
	p.mu.Unlock()

	p.metrics.recordAcquire(ds.device.id, outcomeDialed, time.Since(start))
	logging.NewEvent(p.logger.Debug()).
		Add(logging.Component("pool")).
		Add(logging.Device(ds.device.id)).
		Add(logging.ConnID(c.id)).
		Msg("connection opened")
	return c, nil
}

// Release returns a connection to the pool, handing it straight to the next
// waiter if there is one. Connections that failed too often, outlived
// ConnMaxLifetime or outlived the pool are closed instead.
func (p *Pool) Release(c *Conn) error {
	if c == nil {
		return NewFailure("release of nil connection", KindUnknown)
	}

	p.mu.Lock()
	ds, ok := p.ownedLocked(c)
	if !ok || c.state != ConnStateInUse {
		p.mu.Unlock()
		return p.foreign(c, "release")
	}

	expired := p.connMaxLifetime > 0 && time.Since(c.createTime) > p.connMaxLifetime
	worn := p.evictAfter > 0 && c.Failures() >= p.evictAfter
	if closed := p.closed; closed || expired || worn {
		p.removeLocked(ds, c)
		p.mu.Unlock()
		if !closed {
			p.metrics.recordEviction(ds.device.id)
		}
		return p.closeConn(c)
	}

	if front := ds.waiters.Front(); front != nil {
		w := ds.waiters.Remove(front).(*waiter)
		w.elem = nil
		w.grant <- grant{conn: c}
		p.mu.Unlock()
		return nil
	}

	c.state = ConnStateIdle
	delete(ds.inUse, c)
	ds.idle = append(ds.idle, c)
	p.mu.Unlock()
	return nil
}

// Evict closes a connection and frees its slot. Evicting a closed
// connection is a no-op.
func (p *Pool) Evict(c *Conn) error {
	if c == nil {
		return nil
	}

	p.mu.Lock()
	if c.state == ConnStateClosed {
		p.mu.Unlock()
		return nil
	}
	ds, ok := p.ownedLocked(c)
	if !ok {
		p.mu.Unlock()
		return p.foreign(c, "evict")
	}
	p.removeLocked(ds, c)
	p.mu.Unlock()

	p.metrics.recordEviction(ds.device.id)
	logging.NewEvent(p.logger.Info()).
		Add(logging.Component("pool")).
		Add(logging.Device(ds.device.id)).
		Add(logging.ConnID(c.id)).
		Add(logging.Int("failures", c.Failures())).
		Msg("connection evicted")
	return p.closeConn(c)
}

// Do runs fn with a connection to deviceID. The connection is evicted when
// fn fails with a fatal kind or panics, and released otherwise unless fn
// closed it.
func (p *Pool) Do(ctx context.Context, deviceID string, timeout time.Duration, fn func(*Conn) error) (err error) {
	c, err := p.Acquire(ctx, deviceID, timeout)
	if err != nil {
		return err
	}

	done := false
	defer func() {
		if !done {
			p.Evict(c)
		}
	}()

	err = fn(c)
	done = true
	if err != nil && KindOf(err).Fatal() {
		p.Evict(c)
		return err
	}
	// fn may have closed c itself
	if c.State() == ConnStateClosed {
		return err
	}
	if rerr := p.Release(c); rerr != nil && err == nil {
		return rerr
	}
	return err
}

// Stats returns a snapshot per device, ordered by device id.
func (p *Pool) Stats() []DeviceStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := maps.Keys(p.devices)
	slices.Sort(ids)
	stats := make([]DeviceStats, 0, len(ids))
	for _, id := range ids {
		stats = append(stats, p.devices[id].stats())
	}
	return stats
}

// DeviceStats returns the snapshot of one device.
func (p *Pool) DeviceStats(id string) (DeviceStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ds, ok := p.devices[id]
	if !ok {
		return DeviceStats{}, false
	}
	return ds.stats(), true
}

func (ds *deviceSlots) stats() DeviceStats {
	return DeviceStats{
		DeviceID: ds.device.id,
		Idle:     len(ds.idle),
		InUse:    len(ds.inUse),
		Dialing:  ds.dialing,
		Waiting:  ds.waiters.Len(),
		Max:      ds.max,
	}
}

// Close shuts the pool down: waiters fail, idle connections are closed and
// in-use connections are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true

	var idle []*Conn
	for _, ds := range p.devices {
		for e := ds.waiters.Front(); e != nil; e = e.Next() {
			w := e.Value.(*waiter)
			w.elem = nil
			w.grant <- grant{err: p.closedFailure(ds.device.id)}
		}
		ds.waiters.Init()
		for _, c := range ds.idle {
			c.state = ConnStateClosed
		}
		idle = append(idle, ds.idle...)
		ds.idle = nil
	}
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := p.closeConn(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) ownedLocked(c *Conn) (*deviceSlots, bool) {
	if c.pool != p {
		return nil, false
	}
	ds, ok := p.devices[c.device.id]
	if !ok {
		return nil, false
	}
	if _, inUse := ds.inUse[c]; inUse {
		return ds, true
	}
	return ds, slices.Contains(ds.idle, c)
}

// removeLocked drops c from its device and offers the freed slot to the next waiter.
func (p *Pool) removeLocked(ds *deviceSlots, c *Conn) {
	delete(ds.inUse, c)
	if i := slices.Index(ds.idle, c); i >= 0 {
		ds.idle = slices.Delete(ds.idle, i, i+1)
	}
	c.state = ConnStateClosed
	p.handOffLocked(ds)
}

// handOffLocked gives the front waiter permission to dial if a slot is free.
func (p *Pool) handOffLocked(ds *deviceSlots) {
	if p.closed || ds.total() >= ds.max {
		return
	}
	front := ds.waiters.Front()
	if front == nil {
		return
	}
	w := ds.waiters.Remove(front).(*waiter)
	w.elem = nil
	ds.dialing++
	w.grant <- grant{}
}

func (p *Pool) closeConn(c *Conn) error {
	err := c.closeLink()
	if err != nil {
		logging.NewEvent(p.logger.Warn()).
			Add(logging.Component("pool")).
			Add(logging.Device(c.device.id)).
			Add(logging.ConnID(c.id)).
			Add(logging.ErrorField(err)).
			Msg("close connection failed")
	}
	return err
}

func (p *Pool) foreign(c *Conn, op string) error {
	f := failuref(KindUnknown, c.device.id, "%s: connection %s does not belong to this pool", op, c.id)
	logging.NewEvent(p.logger.Warn()).
		Add(logging.Component("pool")).
		Add(logging.Device(c.device.id)).
		Add(logging.ConnID(c.id)).
		Msg(f.Message())
	return f
}

func (p *Pool) exhausted(ds *deviceSlots, timeout time.Duration, start time.Time) *Failure {
	p.metrics.recordAcquire(ds.device.id, outcomeExhausted, time.Since(start))
	return NewFailure(
		fmt.Sprintf("device %s: no connection available within %s (max %d)", ds.device.id, timeout, ds.max),
		KindPoolExhausted, WithDevice(ds.device.id),
	)
}

func (p *Pool) closedFailure(deviceID string) *Failure {
	return NewFailure(
		fmt.Sprintf("device %s: %v", deviceID, ErrPoolClosed),
		KindPoolExhausted, WithDevice(deviceID), WithCause(ErrPoolClosed),
	)
}
