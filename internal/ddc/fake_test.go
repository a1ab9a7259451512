package ddc

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"
)

// fakeDisplay answers DDC/CI frames like a monitor would
type fakeDisplay struct {
	mu        sync.Mutex
	registers map[VCP]Reply
	pending   []byte
	sets      []uint16
	frames    [][]byte
	failWrite error
	corrupt   bool
}

func newFakeDisplay() *fakeDisplay {
	return &fakeDisplay{
		registers: map[VCP]Reply{
			Brightness:  {Current: 50, Max: 100},
			AudioVolume: {Current: 12, Max: 64},
		},
	}
}

func (d *fakeDisplay) receive(f []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.frames = append(d.frames, append([]byte(nil), f...))
	if d.failWrite != nil {
		return d.failWrite
	}
	if vcp, err := DecodeGetRequest(f); err == nil {
		r, ok := d.registers[vcp]
		if !ok {
			d.pending = EncodeReply(vcp, resultUnsupported, Reply{})
			return nil
		}
		d.pending = EncodeReply(vcp, resultOK, r)
		if d.corrupt {
			d.pending[7] ^= 0x01
		}
		return nil
	}
	vcp, value, err := DecodeSetRequest(f)
	if err != nil {
		return err
	}
	r := d.registers[vcp]
	r.Current = value
	d.registers[vcp] = r
	d.sets = append(d.sets, value)
	return nil
}

func (d *fakeDisplay) reply(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return errors.New("nack")
	}
	copy(buf, d.pending)
	d.pending = nil
	return nil
}

// fakeBus is a periph i2c.Bus wired to a fakeDisplay
type fakeBus struct {
	display *fakeDisplay
	closed  bool
}

func (b *fakeBus) String() string { return "fake-i2c" }

func (b *fakeBus) SetSpeed(physic.Frequency) error { return nil }

func (b *fakeBus) Tx(addr uint16, w, r []byte) error {
	if addr != I2CAddress {
		return fmt.Errorf("no device at 0x%02X", addr)
	}
	if len(w) > 0 {
		if err := b.display.receive(w); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		return b.display.reply(r)
	}
	return nil
}

func (b *fakeBus) Close() error {
	b.closed = true
	return nil
}

// fakeAVService mimics the AVService entry points
type fakeAVService struct {
	display *fakeDisplay
	offsets []uint32
	closed  bool
}

func (s *fakeAVService) WriteI2C(chip, offset uint32, buf []byte) error {
	if chip != I2CAddress {
		return fmt.Errorf("bad chip 0x%02X", chip)
	}
	s.offsets = append(s.offsets, offset)
	return s.display.receive(append([]byte{byte(offset)}, buf...))
}

func (s *fakeAVService) ReadI2C(chip, offset uint32, buf []byte) error {
	if chip != I2CAddress {
		return fmt.Errorf("bad chip 0x%02X", chip)
	}
	s.offsets = append(s.offsets, offset)
	return s.display.reply(buf)
}

func (s *fakeAVService) Close() error {
	s.closed = true
	return nil
}

type traceRecord struct {
	outbound bool
	frame    []byte
	err      error
}

type recordingTracer struct {
	mu      sync.Mutex
	records []traceRecord
}

func (t *recordingTracer) TraceFrame(_ string, _ BackendKind, outbound bool, frame []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, traceRecord{outbound: outbound, frame: frame, err: err})
}

// slowBus holds every transaction until release is closed and remembers whether
// Close arrived while one was on the bus.
type slowBus struct {
	fakeBus
	entered chan struct{}
	release chan struct{}

	mu             sync.Mutex
	inTx           bool
	closedDuringTx bool
}

func newSlowBus(d *fakeDisplay) *slowBus {
	return &slowBus{
		fakeBus: fakeBus{display: d},
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (b *slowBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	b.inTx = true
	b.mu.Unlock()
	b.entered <- struct{}{}

	<-b.release
	err := b.fakeBus.Tx(addr, w, r)

	b.mu.Lock()
	b.inTx = false
	b.mu.Unlock()
	return err
}

func (b *slowBus) Close() error {
	b.mu.Lock()
	b.closedDuringTx = b.closedDuringTx || b.inTx
	b.mu.Unlock()
	return b.fakeBus.Close()
}
