// Package permits implements per-shard operation permits: many concurrent
// single permits for writes, or one exclusive all-permits grant used to drain
// a shard for administrative work.
package permits

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"
)

// Blocked is reported by ActiveCount while all permits are held.
const Blocked = -1

var (
	// ErrTimeout is returned when a permit could not be granted before the
	// caller's deadline.
	ErrTimeout = errors.New("timed out waiting for operation permit")
	// ErrClosed is returned once the tracker has been closed.
	ErrClosed = errors.New("operation permits closed")
)

// Mode selects how many permits an operation needs.
type Mode int

const (
	// Single admits the operation alongside other single-permit holders.
	Single Mode = iota
	// All admits the operation exclusively.
	All
)

func (m Mode) String() string {
	if m == All {
		return "all"
	}
	return "single"
}

// Permit is the right to operate on a shard. It must be released exactly
// once.
type Permit struct {
	owner    *Permits
	mode     Mode
	released atomic.Bool
}

// Mode returns whether this is a single or an all-permits grant.
func (p *Permit) Mode() Mode {
	return p.mode
}

// Release returns the permit. Releasing twice is a programming error and
// panics.
func (p *Permit) Release() {
	if !p.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("operation permit (%s) released twice", p.mode))
	}
	p.owner.release(p.mode)
}

type waiter struct {
	ready   chan struct{}
	err     error
	mode    Mode
	granted bool
}

// Permits tracks the permits of one shard. Waiters are served in arrival
// order; an all-permits waiter is granted only once no single permit is
// outstanding, and single requests arriving behind it queue until it is done.
type Permits struct {
	queue  *list.List // of *waiter
	mu     deadlock.Mutex
	active int
	all    bool
	closed bool
}

// New returns an open tracker with no outstanding permits.
func New() *Permits {
	return &Permits{queue: list.New()}
}

// ActiveCount returns the number of outstanding single permits, or Blocked
// while all permits are held.
func (p *Permits) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.all {
		return Blocked
	}
	return p.active
}

// Queued returns the number of acquisitions waiting for a permit.
func (p *Permits) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// AcquireSingle waits for a single permit.
func (p *Permits) AcquireSingle(ctx context.Context) (*Permit, error) {
	return p.acquire(ctx, Single)
}

// AcquireAll waits until every single permit is released and then holds all
// permits exclusively.
func (p *Permits) AcquireAll(ctx context.Context) (*Permit, error) {
	return p.acquire(ctx, All)
}

// Acquire waits for a permit of the given mode.
func (p *Permits) Acquire(ctx context.Context, mode Mode) (*Permit, error) {
	return p.acquire(ctx, mode)
}

// Close fails all queued and future acquisitions with ErrClosed. Permits
// already granted stay valid and must still be released.
func (p *Permits) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for e := p.queue.Front(); e != nil; e = p.queue.Front() {
		w := p.queue.Remove(e).(*waiter)
		w.err = ErrClosed
		close(w.ready)
	}
}

func (p *Permits) acquire(ctx context.Context, mode Mode) (*Permit, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.queue.Len() == 0 && p.admissible(mode) {
		p.grant(mode)
		p.mu.Unlock()
		return &Permit{owner: p, mode: mode}, nil
	}
	w := &waiter{mode: mode, ready: make(chan struct{})}
	elem := p.queue.PushBack(w)
	p.mu.Unlock()

	select {
	case <-w.ready:
		if w.err != nil {
			return nil, w.err
		}
		return &Permit{owner: p, mode: mode}, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	if w.granted {
		// Granted concurrently with the deadline: hand it back.
		p.mu.Unlock()
		p.release(mode)
	} else if w.err == nil {
		p.queue.Remove(elem)
		// A departing all-permits waiter may unblock singles queued behind it.
		p.dispatch()
		p.mu.Unlock()
	} else {
		p.mu.Unlock()
		return nil, w.err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w (%s)", ErrTimeout, mode)
	}
	return nil, ctx.Err()
}

// admissible reports whether mode could be granted right now. Caller holds mu.
func (p *Permits) admissible(mode Mode) bool {
	if p.all {
		return false
	}
	return mode == Single || p.active == 0
}

// grant records a granted permit. Caller holds mu.
func (p *Permits) grant(mode Mode) {
	if mode == All {
		p.all = true
		return
	}
	p.active++
}

func (p *Permits) release(mode Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mode == All {
		if !p.all {
			panic("all-permits released while not held")
		}
		p.all = false
	} else {
		if p.active <= 0 {
			panic("operation permit count would go negative")
		}
		p.active--
	}
	p.dispatch()
}

// dispatch wakes queued waiters in FIFO order for as long as the head of the
// queue is admissible. Caller holds mu.
func (p *Permits) dispatch() {
	for e := p.queue.Front(); e != nil; e = p.queue.Front() {
		w := e.Value.(*waiter)
		if !p.admissible(w.mode) {
			return
		}
		p.queue.Remove(e)
		p.grant(w.mode)
		w.granted = true
		close(w.ready)
	}
}
