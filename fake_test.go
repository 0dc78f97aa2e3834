package modbusmcp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/TwoMental/modbus-mcp/logging"
)

// fakeLink is an in-memory register bank. Queued errors are returned, one
// per request, before the bank is touched.
type fakeLink struct {
	mu       sync.Mutex
	holding  []uint16
	input    []uint16
	errs     []error
	short    bool
	requests [][2]int // address, quantity
	closes   int
}

func newFakeLink() *fakeLink {
	l := &fakeLink{
		holding: make([]uint16, maxAddress+1),
		input:   make([]uint16, maxAddress+1),
	}
	for i := range l.holding {
		l.holding[i] = uint16(i)
		l.input[i] = uint16(i) + 1000
	}
	return l
}

func (l *fakeLink) fail(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, errs...)
}

func (l *fakeLink) next() error {
	if len(l.errs) == 0 {
		return nil
	}
	err := l.errs[0]
	l.errs = l.errs[1:]
	return err
}

func (l *fakeLink) ReadRegisters(registerType RegisterType, address, quantity uint16) ([]uint16, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, [2]int{int(address), int(quantity)})
	if err := l.next(); err != nil {
		return nil, err
	}
	bank := l.holding
	if registerType == RegisterTypeInputRegister {
		bank = l.input
	}
	n := int(quantity)
	if l.short {
		n--
	}
	out := make([]uint16, n)
	copy(out, bank[int(address):])
	return out, nil
}

func (l *fakeLink) WriteRegisters(address uint16, values []uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, [2]int{int(address), len(values)})
	if err := l.next(); err != nil {
		return err
	}
	copy(l.holding[int(address):], values)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *fakeLink) requestCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

// fakeDialer opens fakeLinks and remembers them in dial order.
type fakeDialer struct {
	mu    sync.Mutex
	links []*fakeLink
	dials atomic.Int32
	err   error
}

func (d *fakeDialer) dial(ctx context.Context, device *Device) (Link, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	l := newFakeLink()
	d.links = append(d.links, l)
	return l, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) link(i int) *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[i]
}

func newTestPool(t *testing.T, dialer *fakeDialer, devices []*Device, opts ...PoolOption) *Pool {
	t.Helper()
	opts = append([]PoolOption{
		WithLinkDialer(dialer.dial),
		WithLogger(logging.Discard()),
	}, opts...)
	p, err := NewPool(devices, opts...)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil && !errors.Is(err, ErrPoolClosed) {
			t.Errorf("Close() error = %v", err)
		}
	})
	return p
}

func wantKind(t *testing.T, err error, kind ErrorKind) *Failure {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s failure, got nil", kind)
	}
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected *Failure, got %T: %v", err, err)
	}
	if f.Kind() != kind {
		t.Fatalf("kind = %s, want %s (%v)", f.Kind(), kind, f)
	}
	return f
}
