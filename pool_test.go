package modbusmcp

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func oneWaiting(p *Pool, id string) func() bool {
	return func() bool {
		s, _ := p.DeviceStats(id)
		return s.Waiting == 1
	}
}

func TestPoolSingleConnectionScenario(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, []*Device{NewTCPDevice("dev-1", "localhost", 502, WithMaxConns(1))})
	ctx := context.Background()

	a, err := p.Acquire(ctx, "dev-1", time.Second)
	if err != nil {
		t.Fatalf("A: Acquire() error = %v", err)
	}

	start := time.Now()
	_, err = p.Acquire(ctx, "dev-1", 50*time.Millisecond)
	elapsed := time.Since(start)
	f := wantKind(t, err, KindPoolExhausted)
	if id, _ := f.DeviceID(); id != "dev-1" {
		t.Errorf("DeviceID() = %q", id)
	}
	if elapsed < 45*time.Millisecond {
		t.Errorf("B gave up after %s, want about 50ms", elapsed)
	}

	if err := p.Release(a); err != nil {
		t.Fatalf("A: Release() error = %v", err)
	}

	start = time.Now()
	c, err := p.Acquire(ctx, "dev-1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("C: Acquire() error = %v", err)
	}
	if c != a {
		t.Error("C did not reuse A's connection")
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Errorf("C waited %s", time.Since(start))
	}
	if n := dialer.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	p.Release(c)
}

func TestPoolZeroTimeoutNeverWaits(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, []*Device{NewTCPDevice("d1", "localhost", 502, WithMaxConns(1))})

	c, err := p.Acquire(context.Background(), "d1", 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(c)

	start := time.Now()
	_, err = p.Acquire(context.Background(), "d1", 0)
	wantKind(t, err, KindPoolExhausted)
	if time.Since(start) > 20*time.Millisecond {
		t.Errorf("zero timeout waited %s", time.Since(start))
	}
}

func TestPoolFIFOFairness(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, []*Device{NewTCPDevice("d1", "localhost", 502, WithMaxConns(1))})
	ctx := context.Background()

	holder, err := p.Acquire(ctx, "d1", 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	granted := make(chan string, 3)
	releases := map[string]chan struct{}{}
	var wg sync.WaitGroup
	for i, name := range []string{"w1", "w2", "w3"} {
		release := make(chan struct{})
		releases[name] = release
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(ctx, "d1", 5*time.Second)
			if err != nil {
				t.Errorf("%s: Acquire() error = %v", name, err)
				granted <- name
				return
			}
			granted <- name
			<-release
			p.Release(c)
		}()
		waitFor(t, name+" to queue", func() bool {
			s, _ := p.DeviceStats("d1")
			return s.Waiting == i+1
		})
	}

	p.Release(holder)
	for _, want := range []string{"w1", "w2", "w3"} {
		if got := <-granted; got != want {
			t.Fatalf("granted %s, want %s", got, want)
		}
		close(releases[want])
	}
	wg.Wait()

	if n := dialer.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestPoolInvariantUnderConcurrency(t *testing.T) {
	const maxConns = 3
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, []*Device{NewTCPDevice("d1", "localhost", 502, WithMaxConns(maxConns))})
	ctx := context.Background()

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				err := p.Do(ctx, "d1", 5*time.Second, func(c *Conn) error {
					n := active.Add(1)
					defer active.Add(-1)
					for {
						old := peak.Load()
						if n <= old || peak.CompareAndSwap(old, n) {
							break
						}
					}
					s, _ := p.DeviceStats("d1")
					if s.InUse+s.Idle+s.Dialing > maxConns || s.InUse > maxConns {
						t.Errorf("stats exceed max: %+v", s)
					}
					_, err := c.ReadRegisters(ctx, 0, 2)
					return err
				})
				if err != nil {
					t.Errorf("Do() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if peak.Load() > maxConns {
		t.Errorf("peak concurrent users = %d, want <= %d", peak.Load(), maxConns)
	}
	if n := dialer.dials.Load(); n > maxConns {
		t.Errorf("dials = %d, want <= %d", n, maxConns)
	}
	s, _ := p.DeviceStats("d1")
	if s.InUse != 0 || s.Waiting != 0 || s.Idle > maxConns {
		t.Errorf("final stats = %+v", s)
	}
}

func TestPoolReleaseForeignConnection(t *testing.T) {
	dialer := &fakeDialer{}
	devices := []*Device{NewTCPDevice("d1", "localhost", 502)}
	p := newTestPool(t, dialer, devices)
	other := newTestPool(t, &fakeDialer{}, []*Device{NewTCPDevice("d1", "localhost", 502)})

	c, err := other.Acquire(context.Background(), "d1", 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer other.Release(c)

	wantKind(t, p.Release(c), KindUnknown)
	wantKind(t, p.Release(NewConn(devices[0], newFakeLink())), KindUnknown)
	wantKind(t, p.Release(nil), KindUnknown)

	s, _ := p.DeviceStats("d1")
	if s.Idle != 0 || s.InUse != 0 {
		t.Errorf("foreign release changed the pool: %+v", s)
	}
	if c.State() != ConnStateInUse {
		t.Errorf("foreign connection state = %s", c.State())
	}
}

func TestPoolDoubleRelease(t *testing.T) {
	p := newTestPool(t, &fakeDialer{}, []*Device{NewTCPDevice("d1", "localhost", 502)})

	c, err := p.Acquire(context.Background(), "d1", 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := p.Release(c); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	wantKind(t, p.Release(c), KindUnknown)

	s, _ := p.DeviceStats("d1")
	if s.Idle != 1 || s.InUse != 0 {
		t.Errorf("stats = %+v, want one idle", s)
	}
}

func TestPoolEvictGrantsSlotToWaiter(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, []*Device{NewTCPDevice("d1", "localhost", 502, WithMaxConns(1))})
	ctx := context.Background()

	a, err := p.Acquire(ctx, "d1", 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(ctx, "d1", 5*time.Second)
		if err != nil {
			t.Errorf("waiter: Acquire() error = %v", err)
		}
		got <- c
	}()
	waitFor(t, "waiter to queue", oneWaiting(p, "d1"))

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Evict(a); err != nil {
		t.Errorf("second Evict() error = %v", err)
	}

	c := <-got
	if c == nil || c == a {
		t.Fatal("waiter did not get a fresh connection")
	}
	if dialer.link(0).closeCount() != 1 {
		t.Error("evicted link was not closed exactly once")
	}
	if a.State() != ConnStateClosed {
		t.Errorf("evicted state = %s", a.State())
	}
	if n := dialer.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
	p.Release(c)
}

func TestPoolDoEvictsOnFatalFailure(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, []*Device{NewTCPDevice("d1", "localhost", 502)})
	ctx := context.Background()

	err := p.Do(ctx, "d1", 0, func(c *Conn) error {
		c.link.(*fakeLink).fail(io.EOF)
		_, err := c.ReadRegisters(ctx, 0, 1)
		return err
	})
	wantKind(t, err, KindConnectionFailed)
	if dialer.link(0).closeCount() != 1 {
		t.Error("connection not closed after fatal failure")
	}
	s, _ := p.DeviceStats("d1")
	if s.Idle != 0 || s.InUse != 0 {
		t.Errorf("stats = %+v, want empty", s)
	}

	err = p.Do(ctx, "d1", 0, func(c *Conn) error {
		return NewFailure("busy", KindDeviceBusy)
	})
	wantKind(t, err, KindDeviceBusy)
	s, _ = p.DeviceStats("d1")
	if s.Idle != 1 {
		t.Errorf("stats = %+v, want the busy connection kept idle", s)
	}
}

func TestPoolDoEvictsOnPanic(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, []*Device{NewTCPDevice("d1", "localhost", 502)})

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was swallowed")
			}
		}()
		p.Do(context.Background(), "d1", 0, func(c *Conn) error {
			panic("boom")
		})
	}()

	s, _ := p.DeviceStats("d1")
	if s.Idle != 0 || s.InUse != 0 {
		t.Errorf("stats = %+v, want the connection evicted", s)
	}
	if dialer.link(0).closeCount() != 1 {
		t.Error("connection not closed after panic")
	}
}

func TestPoolDoCallerClosedConnection(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, []*Device{NewTCPDevice("d1", "localhost", 502)})
	ctx := context.Background()

	err := p.Do(ctx, "d1", 0, func(c *Conn) error {
		if _, err := c.ReadRegisters(ctx, 0, 1); err != nil {
			return err
		}
		return c.Close()
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if dialer.link(0).closeCount() != 1 {
		t.Errorf("link closed %d times, want 1", dialer.link(0).closeCount())
	}
	s, _ := p.DeviceStats("d1")
	if s.Idle != 0 || s.InUse != 0 {
		t.Errorf("stats = %+v, want empty", s)
	}
}

func TestPoolDialFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"refused", syscall.ECONNREFUSED},
		{"unclassified", errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &fakeDialer{err: tt.err}
			p := newTestPool(t, dialer, []*Device{NewTCPDevice("d1", "localhost", 502, WithMaxConns(1))})

			_, err := p.Acquire(context.Background(), "d1", 0)
			f := wantKind(t, err, KindConnectionFailed)
			if !errors.Is(f, tt.err) {
				t.Error("dial error not kept as cause")
			}

			dialer.setErr(nil)
			c, err := p.Acquire(context.Background(), "d1", 0)
			if err != nil {
				t.Fatalf("slot not freed after failed dial: %v", err)
			}
			p.Release(c)
		})
	}
}

func TestPoolDialFailureWakesWaiter(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, []*Device{NewTCPDevice("d1", "localhost", 502, WithMaxConns(1))})
	ctx := context.Background()

	a, err := p.Acquire(ctx, "d1", 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	dialer.setErr(syscall.ECONNREFUSED)
	errs := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "d1", 5*time.Second)
		errs <- err
	}()
	waitFor(t, "waiter to queue", oneWaiting(p, "d1"))

	p.Evict(a)
	wantKind(t, <-errs, KindConnectionFailed)

	s, _ := p.DeviceStats("d1")
	if s.Dialing != 0 || s.InUse != 0 {
		t.Errorf("stats = %+v, want no reserved slots", s)
	}
}

func TestPoolUnknownDevice(t *testing.T) {
	p := newTestPool(t, &fakeDialer{}, []*Device{NewTCPDevice("d1", "localhost", 502)})

	_, err := p.Acquire(context.Background(), "nope", time.Second)
	f := wantKind(t, err, KindUnknown)
	if id, _ := f.DeviceID(); id != "nope" {
		t.Errorf("DeviceID() = %q", id)
	}
	if _, ok := p.DeviceStats("nope"); ok {
		t.Error("DeviceStats() found unknown device")
	}
}

func TestPoolContextCanceledWhileWaiting(t *testing.T) {
	p := newTestPool(t, &fakeDialer{}, []*Device{NewTCPDevice("d1", "localhost", 502, WithMaxConns(1))})

	c, err := p.Acquire(context.Background(), "d1", 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "d1", 5*time.Second)
	wantKind(t, err, KindPoolExhausted)

	s, _ := p.DeviceStats("d1")
	if s.Waiting != 0 {
		t.Errorf("Waiting = %d after cancel, want 0", s.Waiting)
	}
}

func TestPoolConnMaxLifetime(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, []*Device{NewTCPDevice("d1", "localhost", 502)},
		WithConnMaxLifetime(time.Nanosecond))

	c, err := p.Acquire(context.Background(), "d1", 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	time.Sleep(time.Millisecond)
	if err := p.Release(c); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if c.State() != ConnStateClosed {
		t.Errorf("expired connection state = %s", c.State())
	}

	c2, err := p.Acquire(context.Background(), "d1", 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(c2)
	if c2 == c || dialer.dials.Load() != 2 {
		t.Error("expired connection was reused")
	}
}

func TestPoolEvictAfterFailures(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, []*Device{NewTCPDevice("d1", "localhost", 502)}, WithEvictAfter(2))
	ctx := context.Background()

	c, err := p.Acquire(ctx, "d1", 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	link := dialer.link(0)
	link.fail(NewFailure("bad frame", KindProtocol))
	c.ReadRegisters(ctx, 0, 1)
	if err := p.Release(c); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if c.State() != ConnStateIdle {
		t.Fatalf("state = %s after one failure, want idle", c.State())
	}

	c, err = p.Acquire(ctx, "d1", 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	link.fail(NewFailure("bad frame", KindProtocol))
	c.ReadRegisters(ctx, 0, 1)
	p.Release(c)
	if c.State() != ConnStateClosed || link.closeCount() != 1 {
		t.Errorf("worn connection not closed: state %s", c.State())
	}
}

func TestPoolReleaseDuringClose(t *testing.T) {
	const n = 8
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, []*Device{NewTCPDevice("d1", "localhost", 502, WithMaxConns(n))})

	conns := make([]*Conn, n)
	for i := range conns {
		c, err := p.Acquire(context.Background(), "d1", 0)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		conns[i] = c
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Release(c); err != nil {
				t.Errorf("Release() error = %v", err)
			}
		}()
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if got := dialer.link(i).closeCount(); got != 1 {
			t.Errorf("link %d closed %d times, want 1", i, got)
		}
	}
}

func TestPoolClose(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, []*Device{NewTCPDevice("d1", "localhost", 502, WithMaxConns(2))})
	ctx := context.Background()

	held, _ := p.Acquire(ctx, "d1", 0)
	busy, _ := p.Acquire(ctx, "d1", 0)

	errs := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "d1", 5*time.Second)
		errs <- err
	}()
	waitFor(t, "waiter to queue", oneWaiting(p, "d1"))

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	f := wantKind(t, <-errs, KindPoolExhausted)
	if !errors.Is(f, ErrPoolClosed) {
		t.Error("waiter failure does not carry ErrPoolClosed")
	}

	if err := p.Release(busy); err != nil {
		t.Errorf("Release() after Close error = %v", err)
	}
	p.Release(held)
	for i := 0; i < 2; i++ {
		if dialer.link(i).closeCount() != 1 {
			t.Errorf("link %d closed %d times, want 1", i, dialer.link(i).closeCount())
		}
	}

	_, err := p.Acquire(ctx, "d1", time.Second)
	wantKind(t, err, KindPoolExhausted)
	if err := p.Close(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("second Close() = %v, want ErrPoolClosed", err)
	}
	if err := p.AddDevice(NewTCPDevice("d2", "localhost", 502)); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("AddDevice() after Close = %v", err)
	}
}

func TestPoolDevices(t *testing.T) {
	p := newTestPool(t, &fakeDialer{}, []*Device{
		NewTCPDevice("plc-2", "localhost", 502),
		NewRTUDevice("meter-1", "/dev/ttyUSB0", WithMaxConns(4)),
		NewTCPDevice("plc-1", "localhost", 503, WithMaxConns(0)),
	}, WithMaxConnsPerDevice(2))

	devices := p.Devices()
	var ids []string
	for _, d := range devices {
		ids = append(ids, d.ID())
	}
	if len(ids) != 3 || ids[0] != "meter-1" || ids[1] != "plc-1" || ids[2] != "plc-2" {
		t.Errorf("Devices() = %v", ids)
	}

	stats := p.Stats()
	if stats[0].Max != 1 {
		t.Errorf("RTU max = %d, want 1", stats[0].Max)
	}
	if stats[1].Max != 2 {
		t.Errorf("default max = %d, want 2", stats[1].Max)
	}
	if stats[2].Max != 3 {
		t.Errorf("TCP max = %d, want 3", stats[2].Max)
	}

	if err := p.AddDevice(NewTCPDevice("plc-1", "localhost", 502)); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("AddDevice(duplicate) = %v", err)
	}
	if err := p.AddDevice(NewTCPDevice("", "localhost", 502)); !errors.Is(err, ErrDeviceIDEmpty) {
		t.Errorf("AddDevice(empty id) = %v", err)
	}
	if d, ok := p.Device("plc-2"); !ok || d.Endpoint() != "localhost:502" {
		t.Errorf("Device(plc-2) = %v, %v", d, ok)
	}
}

func TestNewPoolRejectsNilDialer(t *testing.T) {
	if _, err := NewPool(nil, WithLinkDialer(nil)); !errors.Is(err, ErrDialerNil) {
		t.Errorf("NewPool() error = %v, want ErrDialerNil", err)
	}
}
