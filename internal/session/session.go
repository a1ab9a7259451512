// Package session owns the DDC backends of the attached displays for the life of
// the process and exposes read and write by VCP code, keyed by opaque handles.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"monctl/internal/coalesce"
	"monctl/internal/ddc"
)

// Display describes one physical display as reported by the display enumeration
// layer. Location is where its DDC transport lives: an I2C bus for the legacy
// backend, an IORegistry path for the AVService backend. Built-in panels have none.
type Display struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Location string `json:"location" yaml:"location"`
}

// Handle identifies an attached display. It is only valid for the session that
// issued it and becomes invalid once the display is removed.
type Handle uuid.UUID

func (h Handle) String() string {
	return uuid.UUID(h).String()
}

// ParseHandle parses the string form of a Handle
func ParseHandle(s string) (Handle, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Handle{}, err
	}
	return Handle(u), nil
}

// OpenFunc constructs a backend. ddc.Open is used unless a test replaces it.
type OpenFunc func(kind ddc.BackendKind, location string, opts ddc.Options) (ddc.Backend, error)

// Options configure a Session
type Options struct {
	// Kind forces a backend. Zero selects one from Arch.
	Kind ddc.BackendKind

	// Arch overrides the detected host architecture
	Arch string

	TransactionDelay time.Duration
	ReplyDelay       time.Duration

	// Debounce is the coalescing window for RequestWrite
	Debounce time.Duration

	Logger zerolog.Logger
	Tracer ddc.Tracer
	Open   OpenFunc

	// OnWriteError is told about every coalesced write that failed
	OnWriteError func(h Handle, vcp ddc.VCP, value uint16, err error)
}

// Info describes an attached display
type Info struct {
	Handle  Handle
	Display Display
	Kind    ddc.BackendKind
}

type entry struct {
	handle  Handle
	display Display
	backend ddc.Backend
}

// Session is constructed once per process and handed to whatever needs display
// control.
type Session struct {
	mu       sync.RWMutex
	displays map[Handle]*entry
	byID     map[string]Handle
	closed   bool

	kind      ddc.BackendKind
	opts      Options
	open      OpenFunc
	coalescer *coalesce.Coalescer
	log       zerolog.Logger
}

// New creates a session. The backend kind is decided here, once.
func New(opts Options) *Session {
	kind := opts.Kind
	if kind == 0 {
		arch := opts.Arch
		if arch == "" {
			arch = ddc.HostArch()
		}
		kind = ddc.Select(arch)
	}
	open := opts.Open
	if open == nil {
		open = ddc.Open
	}

	s := &Session{
		displays: make(map[Handle]*entry),
		byID:     make(map[string]Handle),
		kind:     kind,
		opts:     opts,
		open:     open,
		log:      opts.Logger.With().Str("component", "session").Logger(),
	}
	s.coalescer = coalesce.New(s.writeCoalesced, coalesce.Options{
		Debounce: opts.Debounce,
		Logger:   opts.Logger,
		OnError:  s.coalescedWriteFailed,
	})
	s.log.Info().Stringer("backend", kind).Msg("session started")
	return s
}

// Kind reports the backend kind used for every display
func (s *Session) Kind() ddc.BackendKind {
	return s.kind
}

// Attach constructs the backend for d and returns its handle. Attaching an ID
// that is already attached returns the existing handle.
func (s *Session) Attach(d Display) (Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Handle{}, ErrClosed
	}
	if h, ok := s.byID[d.ID]; ok {
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	// Backend construction may be slow, keep it outside the lock.
	b, err := s.open(s.kind, d.Location, ddc.Options{
		TransactionDelay: s.opts.TransactionDelay,
		ReplyDelay:       s.opts.ReplyDelay,
		DisplayID:        d.ID,
		Logger:           s.opts.Logger,
		Tracer:           s.opts.Tracer,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("display", d.ID).Msg("no ddc transport")
		return Handle{}, fmt.Errorf("attach %s: %w", d.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = b.Close()
		return Handle{}, ErrClosed
	}
	if h, ok := s.byID[d.ID]; ok {
		// lost a race with another Attach for the same display
		_ = b.Close()
		return h, nil
	}
	h := Handle(uuid.New())
	s.displays[h] = &entry{handle: h, display: d, backend: b}
	s.byID[d.ID] = h
	s.log.Info().
		Str("display", d.ID).
		Str("name", d.Name).
		Str("location", d.Location).
		Stringer("handle", h).
		Msg("display attached")
	return h, nil
}

// Sync brings the attached set in line with displays after a hot-plug: displays
// that disappeared are removed, new ones attached. Failures to attach are joined
// into the returned error; the other displays are still attached.
func (s *Session) Sync(displays []Display) error {
	want := make(map[string]bool, len(displays))
	for _, d := range displays {
		want[d.ID] = true
	}

	s.mu.RLock()
	var stale []Handle
	for id, h := range s.byID {
		if !want[id] {
			stale = append(stale, h)
		}
	}
	s.mu.RUnlock()

	for _, h := range stale {
		if err := s.Remove(h); err != nil && !errors.Is(err, ErrDisplayNotFound) {
			s.log.Warn().Err(err).Stringer("handle", h).Msg("remove failed")
		}
	}

	var errs []error
	for _, d := range displays {
		if _, err := s.Attach(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the handle for a display ID
func (s *Session) Lookup(id string) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byID[id]
	return h, ok
}

// Displays lists attached displays ordered by ID
func (s *Session) Displays() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.displays))
	for _, e := range s.displays {
		out = append(out, Info{Handle: e.handle, Display: e.display, Kind: e.backend.Kind()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Display.ID < out[j].Display.ID })
	return out
}

func (s *Session) backend(h Handle) (ddc.Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.displays[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDisplayNotFound, h)
	}
	return e.backend, nil
}

// Read performs one Get VCP Feature transaction. It blocks for tens of
// milliseconds and must not be called from a latency sensitive goroutine.
func (s *Session) Read(ctx context.Context, h Handle, vcp ddc.VCP) (ddc.Reply, error) {
	b, err := s.backend(h)
	if err != nil {
		return ddc.Reply{}, err
	}
	return b.Read(ctx, vcp)
}

// Write performs one Set VCP Feature transaction synchronously, bypassing the
// coalescer.
func (s *Session) Write(ctx context.Context, h Handle, vcp ddc.VCP, value uint16) error {
	b, err := s.backend(h)
	if err != nil {
		return err
	}
	return b.Write(ctx, vcp, value)
}

// RequestWrite queues value for (h, vcp) and returns immediately. Only the most
// recent value per pair reaches the display; failures go to OnWriteError.
func (s *Session) RequestWrite(h Handle, vcp ddc.VCP, value uint16) error {
	// Held across Request so a concurrent Remove cannot revive the display's worker.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.displays[h]; !ok {
		return fmt.Errorf("%w: %s", ErrDisplayNotFound, h)
	}
	return s.coalescer.Request(h.String(), vcp, value)
}

// Flush waits until every queued write has been dispatched
func (s *Session) Flush(ctx context.Context) error {
	return s.coalescer.Flush(ctx)
}

func (s *Session) writeCoalesced(ctx context.Context, display string, vcp ddc.VCP, value uint16) error {
	h, err := ParseHandle(display)
	if err != nil {
		return err
	}
	b, err := s.backend(h)
	if err != nil {
		return err
	}
	return b.Write(ctx, vcp, value)
}

func (s *Session) coalescedWriteFailed(display string, vcp ddc.VCP, value uint16, err error) {
	if s.opts.OnWriteError == nil {
		return
	}
	h, perr := ParseHandle(display)
	if perr != nil {
		return
	}
	s.opts.OnWriteError(h, vcp, value, err)
}

// Remove detaches a display after hot-unplug. Queued writes for it are dropped.
func (s *Session) Remove(h Handle) error {
	s.mu.Lock()
	e, ok := s.displays[h]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDisplayNotFound, h)
	}
	delete(s.displays, h)
	delete(s.byID, e.display.ID)
	s.coalescer.Forget(h.String())
	s.mu.Unlock()

	// Close waits for a write already on the bus.
	s.log.Info().Str("display", e.display.ID).Stringer("handle", h).Msg("display removed")
	return e.backend.Close()
}

// Close stops all workers and closes every backend
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := make([]*entry, 0, len(s.displays))
	for _, e := range s.displays {
		entries = append(entries, e)
	}
	s.displays = make(map[Handle]*entry)
	s.byID = make(map[string]Handle)
	s.mu.Unlock()

	s.coalescer.Close()

	var errs []error
	for _, e := range entries {
		if err := e.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.display.ID, err))
		}
	}
	return errors.Join(errs...)
}
