package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"monctl/internal/ddc"
	"monctl/internal/ddc/ddctest"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Read(ctx context.Context, vcp ddc.VCP) (ddc.Reply, error) {
	args := m.Called(ctx, vcp)
	return args.Get(0).(ddc.Reply), args.Error(1)
}

func (m *mockBackend) Write(ctx context.Context, vcp ddc.VCP, value uint16) error {
	args := m.Called(ctx, vcp, value)
	return args.Error(0)
}

func (m *mockBackend) Kind() ddc.BackendKind {
	return ddc.KindI2C
}

func (m *mockBackend) Close() error {
	args := m.Called()
	return args.Error(0)
}

func newMonitor() *ddctest.Monitor {
	return ddctest.NewMonitor(map[ddc.VCP]ddc.Reply{
		ddc.Brightness: {Current: 50, Max: 100},
	})
}

func flush(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(ctx))
}

func mockOpener(backends map[string]*mockBackend) OpenFunc {
	return func(kind ddc.BackendKind, location string, opts ddc.Options) (ddc.Backend, error) {
		b, ok := backends[location]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ddc.ErrTransportUnavailable, location)
		}
		return b, nil
	}
}

func TestNew_SelectsBackendFromArch(t *testing.T) {
	var seen []ddc.BackendKind
	open := func(kind ddc.BackendKind, _ string, _ ddc.Options) (ddc.Backend, error) {
		seen = append(seen, kind)
		return nil, ddc.ErrTransportUnavailable
	}

	arm := New(Options{Arch: "arm64", Open: open, Logger: zerolog.Nop()})
	defer arm.Close()
	assert.Equal(t, ddc.KindAVService, arm.Kind())

	x86 := New(Options{Arch: "amd64", Open: open, Logger: zerolog.Nop()})
	defer x86.Close()
	assert.Equal(t, ddc.KindI2C, x86.Kind())

	forced := New(Options{Arch: "arm64", Kind: ddc.KindI2C, Open: open, Logger: zerolog.Nop()})
	defer forced.Close()
	assert.Equal(t, ddc.KindI2C, forced.Kind())

	_, _ = arm.Attach(Display{ID: "a", Location: "x"})
	_, _ = x86.Attach(Display{ID: "b", Location: "y"})
	assert.Equal(t, []ddc.BackendKind{ddc.KindAVService, ddc.KindI2C}, seen)
}

func TestSession_AttachAndLookup(t *testing.T) {
	s := New(Options{Arch: "amd64", Open: ddctest.Opener(map[string]*ddctest.Monitor{"/dev/i2c-6": newMonitor()}), Logger: zerolog.Nop()})
	defer s.Close()

	h, err := s.Attach(Display{ID: "dell", Name: "DELL U2720Q", Location: "/dev/i2c-6"})
	require.NoError(t, err)

	again, err := s.Attach(Display{ID: "dell", Location: "/dev/i2c-6"})
	require.NoError(t, err)
	assert.Equal(t, h, again)

	got, ok := s.Lookup("dell")
	require.True(t, ok)
	assert.Equal(t, h, got)

	infos := s.Displays()
	require.Len(t, infos, 1)
	assert.Equal(t, "DELL U2720Q", infos[0].Display.Name)
	assert.Equal(t, ddc.KindI2C, infos[0].Kind)

	parsed, err := ParseHandle(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestSession_AttachBuiltinPanel(t *testing.T) {
	s := New(Options{Arch: "amd64", Open: ddctest.Opener(nil), Logger: zerolog.Nop()})
	defer s.Close()

	_, err := s.Attach(Display{ID: "builtin"})
	assert.ErrorIs(t, err, ddc.ErrTransportUnavailable)
	assert.Empty(t, s.Displays())
}

func TestSession_ReadNormalizes(t *testing.T) {
	s := New(Options{Arch: "amd64", Open: ddctest.Opener(map[string]*ddctest.Monitor{"bus": newMonitor()}), Logger: zerolog.Nop()})
	defer s.Close()

	h, err := s.Attach(Display{ID: "d", Location: "bus"})
	require.NoError(t, err)

	r, err := s.Read(context.Background(), h, ddc.Brightness)
	require.NoError(t, err)
	assert.Equal(t, ddc.Reply{Current: 50, Max: 100}, r)
	assert.InDelta(t, 0.5, r.Normalized(), 1e-9)
}

func TestSession_RequestWriteCollapsesToLatest(t *testing.T) {
	bus := newMonitor()
	s := New(Options{
		Arch:     "amd64",
		Open:     ddctest.Opener(map[string]*ddctest.Monitor{"bus": bus}),
		Debounce: 50 * time.Millisecond,
		Logger:   zerolog.Nop(),
	})
	defer s.Close()

	h, err := s.Attach(Display{ID: "d", Location: "bus"})
	require.NoError(t, err)

	require.NoError(t, s.RequestWrite(h, ddc.Brightness, 77))
	require.NoError(t, s.RequestWrite(h, ddc.Brightness, 80))
	flush(t, s)

	assert.Equal(t, []ddctest.Set{{VCP: ddc.Brightness, Value: 80}}, bus.Sets())

	r, err := s.Read(context.Background(), h, ddc.Brightness)
	require.NoError(t, err)
	assert.Equal(t, uint16(80), r.Current)
}

func TestSession_SynchronousWrite(t *testing.T) {
	bus := newMonitor()
	s := New(Options{Arch: "amd64", Open: ddctest.Opener(map[string]*ddctest.Monitor{"bus": bus}), Logger: zerolog.Nop()})
	defer s.Close()

	h, err := s.Attach(Display{ID: "d", Location: "bus"})
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), h, ddc.Brightness, 33))
	assert.Equal(t, []ddctest.Set{{VCP: ddc.Brightness, Value: 33}}, bus.Sets())
}

func TestSession_FailedWriteRetriedOnSameValue(t *testing.T) {
	b := &mockBackend{}
	b.On("Write", mock.Anything, ddc.Brightness, uint16(9)).Return(ddc.ErrNoReply).Once()
	b.On("Write", mock.Anything, ddc.Brightness, uint16(9)).Return(nil).Once()
	b.On("Close").Return(nil)

	var mu sync.Mutex
	var failed []error
	s := New(Options{
		Arch:   "amd64",
		Open:   mockOpener(map[string]*mockBackend{"bus": b}),
		Logger: zerolog.Nop(),
		OnWriteError: func(_ Handle, _ ddc.VCP, _ uint16, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, err)
		},
	})
	defer s.Close()

	h, err := s.Attach(Display{ID: "d", Location: "bus"})
	require.NoError(t, err)

	require.NoError(t, s.RequestWrite(h, ddc.Brightness, 9))
	flush(t, s)
	mu.Lock()
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], ddc.ErrNoReply)
	mu.Unlock()

	require.NoError(t, s.RequestWrite(h, ddc.Brightness, 9))
	flush(t, s)

	b.AssertNumberOfCalls(t, "Write", 2)
}

func TestSession_UnknownHandle(t *testing.T) {
	s := New(Options{Arch: "amd64", Open: ddctest.Opener(nil), Logger: zerolog.Nop()})
	defer s.Close()

	h := Handle{}
	_, err := s.Read(context.Background(), h, ddc.Brightness)
	assert.ErrorIs(t, err, ErrDisplayNotFound)
	assert.ErrorIs(t, s.Write(context.Background(), h, ddc.Brightness, 1), ErrDisplayNotFound)
	assert.ErrorIs(t, s.RequestWrite(h, ddc.Brightness, 1), ErrDisplayNotFound)
}

func TestSession_RemoveClosesBackend(t *testing.T) {
	b := &mockBackend{}
	b.On("Close").Return(nil).Once()
	s := New(Options{Arch: "amd64", Open: mockOpener(map[string]*mockBackend{"bus": b}), Logger: zerolog.Nop()})
	defer s.Close()

	h, err := s.Attach(Display{ID: "d", Location: "bus"})
	require.NoError(t, err)
	require.NoError(t, s.Remove(h))
	b.AssertExpectations(t)

	_, ok := s.Lookup("d")
	assert.False(t, ok)
	assert.ErrorIs(t, s.RequestWrite(h, ddc.Brightness, 1), ErrDisplayNotFound)
	assert.ErrorIs(t, s.Remove(h), ErrDisplayNotFound)
}

func TestSession_SyncHotPlug(t *testing.T) {
	buses := map[string]*ddctest.Monitor{"bus-a": newMonitor(), "bus-b": newMonitor()}
	s := New(Options{Arch: "amd64", Open: ddctest.Opener(buses), Logger: zerolog.Nop()})
	defer s.Close()

	require.NoError(t, s.Sync([]Display{{ID: "a", Location: "bus-a"}}))
	ha, ok := s.Lookup("a")
	require.True(t, ok)

	err := s.Sync([]Display{
		{ID: "b", Location: "bus-b"},
		{ID: "builtin"},
	})
	assert.ErrorIs(t, err, ddc.ErrTransportUnavailable)

	_, ok = s.Lookup("a")
	assert.False(t, ok)
	_, ok = s.Lookup("b")
	assert.True(t, ok)
	_, err = s.Read(context.Background(), ha, ddc.Brightness)
	assert.ErrorIs(t, err, ErrDisplayNotFound)
}

func TestSession_Close(t *testing.T) {
	b1 := &mockBackend{}
	b1.On("Close").Return(nil).Once()
	b2 := &mockBackend{}
	b2.On("Close").Return(errors.New("busy")).Once()
	s := New(Options{Arch: "amd64", Open: mockOpener(map[string]*mockBackend{"1": b1, "2": b2}), Logger: zerolog.Nop()})

	_, err := s.Attach(Display{ID: "one", Location: "1"})
	require.NoError(t, err)
	_, err = s.Attach(Display{ID: "two", Location: "2"})
	require.NoError(t, err)

	err = s.Close()
	assert.ErrorContains(t, err, "busy")
	b1.AssertExpectations(t)
	b2.AssertExpectations(t)

	_, err = s.Attach(Display{ID: "three", Location: "1"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close())
}

func TestSession_AVServiceEndToEnd(t *testing.T) {
	m := newMonitor()
	s := New(Options{Arch: "arm64", Open: ddctest.Opener(map[string]*ddctest.Monitor{"IOService:/dcp/ext0": m}), Logger: zerolog.Nop()})
	defer s.Close()

	h, err := s.Attach(Display{ID: "lg", Location: "IOService:/dcp/ext0"})
	require.NoError(t, err)
	assert.Equal(t, ddc.KindAVService, s.Displays()[0].Kind)

	require.NoError(t, s.RequestWrite(h, ddc.Brightness, 25))
	flush(t, s)

	r, err := s.Read(context.Background(), h, ddc.Brightness)
	require.NoError(t, err)
	assert.Equal(t, ddc.Reply{Current: 25, Max: 100}, r)
}

func TestSession_RemoveDuringPendingWrite(t *testing.T) {
	m := newMonitor()
	s := New(Options{
		Arch:     "amd64",
		Open:     ddctest.Opener(map[string]*ddctest.Monitor{"bus": m}),
		Debounce: 100 * time.Millisecond,
		Logger:   zerolog.Nop(),
	})
	defer s.Close()

	h, err := s.Attach(Display{ID: "d", Location: "bus"})
	require.NoError(t, err)
	require.NoError(t, s.RequestWrite(h, ddc.Brightness, 60))
	require.NoError(t, s.Remove(h))
	flush(t, s)

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, m.Sets())
	assert.True(t, m.Closed())
}

// heldBus parks every transaction until release is closed
type heldBus struct {
	*ddctest.Monitor
	entered chan struct{}
	release chan struct{}

	mu             sync.Mutex
	inTx           bool
	closedDuringTx bool
}

func (b *heldBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	b.inTx = true
	b.mu.Unlock()
	b.entered <- struct{}{}

	<-b.release
	err := b.Monitor.Tx(addr, w, r)

	b.mu.Lock()
	b.inTx = false
	b.mu.Unlock()
	return err
}

func (b *heldBus) Close() error {
	b.mu.Lock()
	b.closedDuringTx = b.closedDuringTx || b.inTx
	b.mu.Unlock()
	return b.Monitor.Close()
}

func TestSession_RemoveWaitsForWriteOnTheBus(t *testing.T) {
	m := newMonitor()
	bus := &heldBus{Monitor: m, entered: make(chan struct{}, 16), release: make(chan struct{})}
	var errs []error
	var errMu sync.Mutex
	s := New(Options{
		Arch: "amd64",
		Open: func(_ ddc.BackendKind, _ string, opts ddc.Options) (ddc.Backend, error) {
			opts.TransactionDelay = -1
			opts.ReplyDelay = -1
			return ddc.NewI2CBackend(bus, opts), nil
		},
		Logger: zerolog.Nop(),
		OnWriteError: func(_ Handle, _ ddc.VCP, _ uint16, err error) {
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
		},
	})
	defer s.Close()

	h, err := s.Attach(Display{ID: "d", Location: "bus"})
	require.NoError(t, err)
	require.NoError(t, s.RequestWrite(h, ddc.Brightness, 10))
	<-bus.entered

	removed := make(chan error, 1)
	go func() { removed <- s.Remove(h) }()
	select {
	case <-removed:
		t.Fatal("Remove returned while a write was on the bus")
	case <-time.After(30 * time.Millisecond):
	}

	close(bus.release)
	require.NoError(t, <-removed)

	bus.mu.Lock()
	assert.False(t, bus.closedDuringTx)
	bus.mu.Unlock()
	assert.True(t, m.Closed())
	assert.Equal(t, []ddctest.Set{{VCP: ddc.Brightness, Value: 10}}, m.Sets())

	errMu.Lock()
	assert.Empty(t, errs)
	errMu.Unlock()
}

func TestSession_RequestWriteRacingRemove(t *testing.T) {
	m := newMonitor()
	s := New(Options{
		Arch:   "amd64",
		Open:   ddctest.Opener(map[string]*ddctest.Monitor{"bus": m}),
		Logger: zerolog.Nop(),
	})
	defer s.Close()

	for i := 0; i < 50; i++ {
		h, err := s.Attach(Display{ID: "d", Location: "bus"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := uint16(0); ; n++ {
				if err := s.RequestWrite(h, ddc.Brightness, n); err != nil {
					assert.ErrorIs(t, err, ErrDisplayNotFound)
					return
				}
			}
		}()
		require.NoError(t, s.Remove(h))
		wg.Wait()

		// nothing may be queued for a removed display
		_, ok := s.coalescer.State(h.String(), ddc.Brightness)
		assert.False(t, ok)
	}
}
