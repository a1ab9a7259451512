// Package coalesce collapses bursts of VCP writes into the most recent value per
// (display, command) pair and drains them on one background worker per display,
// so a display never sees more than one transaction in flight.
package coalesce

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"monctl/internal/ddc"
)

// ErrClosed is returned by Request after Close
var ErrClosed = errors.New("coalescer closed")

// State of one (display, command) pair
type State int

const (
	Idle State = iota
	Dispatching
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Dispatching:
		return "DISPATCHING"
	default:
		return "UNKNOWN"
	}
}

// WriteFunc performs one physical write. It is only ever called from the worker
// owning display, so calls for the same display never overlap.
type WriteFunc func(ctx context.Context, display string, vcp ddc.VCP, value uint16) error

// ErrorFunc is told about every failed write
type ErrorFunc func(display string, vcp ddc.VCP, value uint16, err error)

// Options configure a Coalescer
type Options struct {
	// Debounce delays each drain pass so a burst of requests collapses into one write
	Debounce time.Duration
	Logger   zerolog.Logger
	OnError  ErrorFunc
}

type key struct {
	display string
	vcp     ddc.VCP
}

type pendingWrite struct {
	next     uint16
	lastSent uint16
	sent     bool
	state    State
	seq      uint64
}

type worker struct {
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
}

// Coalescer implements last-write-wins dispatch. All pending state lives in one
// map guarded by one mutex.
type Coalescer struct {
	mu          sync.Mutex
	pending     map[key]*pendingWrite
	workers     map[string]*worker
	dispatching int
	idle        chan struct{}
	closed      bool
	wg          sync.WaitGroup

	write    WriteFunc
	debounce time.Duration
	onError  ErrorFunc
	log      zerolog.Logger
}

// New creates a Coalescer that sends writes through write
func New(write WriteFunc, opts Options) *Coalescer {
	return &Coalescer{
		pending:  make(map[key]*pendingWrite),
		workers:  make(map[string]*worker),
		idle:     make(chan struct{}),
		write:    write,
		debounce: opts.Debounce,
		onError:  opts.OnError,
		log:      opts.Logger.With().Str("component", "coalesce").Logger(),
	}
}

// SetOnError sets the callback for failed writes
func (c *Coalescer) SetOnError(fn ErrorFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Request records value as the desired value for (display, vcp) and makes sure a
// worker will drain it. It never blocks on the bus.
func (c *Coalescer) Request(display string, vcp ddc.VCP, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	k := key{display: display, vcp: vcp}
	p, ok := c.pending[k]
	if !ok {
		p = &pendingWrite{}
		c.pending[k] = p
	}
	p.next = value
	p.seq++

	if p.state == Idle {
		p.state = Dispatching
		c.dispatching++
		c.wakeLocked(display)
	}
	return nil
}

func (c *Coalescer) wakeLocked(display string) {
	w, ok := c.workers[display]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		w = &worker{ctx: ctx, cancel: cancel, wake: make(chan struct{}, 1)}
		c.workers[display] = w
		c.wg.Add(1)
		go c.run(display, w)
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (c *Coalescer) run(display string, w *worker) {
	defer c.wg.Done()
	c.log.Debug().Str("display", display).Msg("drain worker started")
	defer c.log.Debug().Str("display", display).Msg("drain worker stopped")

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
		}
		if c.debounce > 0 {
			t := time.NewTimer(c.debounce)
			select {
			case <-w.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		c.drain(display, w)
	}
}

// drain writes pending values for display until every entry is Idle
func (c *Coalescer) drain(display string, w *worker) {
	for {
		c.mu.Lock()
		if w.ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		k, p := c.nextDispatchingLocked(display)
		if p == nil {
			c.mu.Unlock()
			return
		}
		if p.sent && p.next == p.lastSent {
			c.setIdleLocked(p)
			c.mu.Unlock()
			continue
		}
		value, seq := p.next, p.seq
		c.mu.Unlock()

		err := c.write(w.ctx, display, k.vcp, value)
		if err != nil {
			if w.ctx.Err() != nil {
				// abandoned by Forget, nothing to report
				return
			}
			c.report(display, k.vcp, value, err)
		}

		c.mu.Lock()
		if w.ctx.Err() != nil {
			// display was forgotten while the write was in flight
			c.mu.Unlock()
			return
		}
		if err == nil {
			p.lastSent = value
			p.sent = true
		} else if p.seq == seq {
			// lastSent stays as it was, so the next request for the same value
			// still reaches the bus. Requests that arrived meanwhile are still owed.
			c.setIdleLocked(p)
		}
		c.mu.Unlock()
	}
}

func (c *Coalescer) report(display string, vcp ddc.VCP, value uint16, err error) {
	c.log.Warn().Err(err).
		Str("display", display).
		Stringer("vcp", vcp).
		Uint16("value", value).
		Msg("write failed")

	c.mu.Lock()
	onError := c.onError
	c.mu.Unlock()
	if onError != nil {
		onError(display, vcp, value, err)
	}
}

func (c *Coalescer) nextDispatchingLocked(display string) (key, *pendingWrite) {
	for k, p := range c.pending {
		if k.display == display && p.state == Dispatching {
			return k, p
		}
	}
	return key{}, nil
}

func (c *Coalescer) setIdleLocked(p *pendingWrite) {
	if p.state != Dispatching {
		return
	}
	p.state = Idle
	c.dispatching--
	if c.dispatching == 0 {
		close(c.idle)
		c.idle = make(chan struct{})
	}
}

// State reports the state of (display, vcp). ok is false if nothing was ever
// requested for the pair.
func (c *Coalescer) State(display string, vcp ddc.VCP) (state State, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key{display: display, vcp: vcp}]
	if !ok {
		return Idle, false
	}
	return p.state, true
}

// LastSent returns the last value successfully written for (display, vcp)
func (c *Coalescer) LastSent(display string, vcp ddc.VCP) (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key{display: display, vcp: vcp}]
	if !ok || !p.sent {
		return 0, false
	}
	return p.lastSent, true
}

// Flush waits until every pair is Idle or ctx is done
func (c *Coalescer) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.dispatching == 0 {
			c.mu.Unlock()
			return nil
		}
		idle := c.idle
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// Forget stops the worker for display and drops its pending entries. A write
// already on the bus completes, everything queued behind it is abandoned.
func (c *Coalescer) Forget(display string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetLocked(display)
}

func (c *Coalescer) forgetLocked(display string) {
	if w, ok := c.workers[display]; ok {
		w.cancel()
		delete(c.workers, display)
	}
	for k, p := range c.pending {
		if k.display != display {
			continue
		}
		c.setIdleLocked(p)
		delete(c.pending, k)
	}
}

// Close stops all workers and waits for in-flight writes to return
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for display := range c.workers {
		c.forgetLocked(display)
	}
	c.mu.Unlock()

	c.wg.Wait()
}
