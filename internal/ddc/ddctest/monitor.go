// Package ddctest provides a simulated DDC/CI monitor usable as either transport.
package ddctest

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"

	"monctl/internal/ddc"
)

// ErrNack is what the monitor answers when it refuses a transaction
var ErrNack = errors.New("ddctest: nack")

// Set is one Set VCP Feature transaction the monitor received
type Set struct {
	VCP   ddc.VCP
	Value uint16
}

// Monitor decodes real DDC/CI frames and answers like a display would. It
// implements periph's i2c.Bus and ddc.AVService.
type Monitor struct {
	mu         sync.Mutex
	registers  map[ddc.VCP]ddc.Reply
	pending    []byte
	sets       []Set
	failWrites int
	closed     bool
}

// NewMonitor creates a monitor with the given registers. VCP codes not in
// registers are answered as unsupported.
func NewMonitor(registers map[ddc.VCP]ddc.Reply) *Monitor {
	regs := make(map[ddc.VCP]ddc.Reply, len(registers))
	for k, v := range registers {
		regs[k] = v
	}
	return &Monitor{registers: regs}
}

// FailNextWrites makes the next n write transactions fail
func (m *Monitor) FailNextWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
}

// Sets returns every Set transaction received so far
func (m *Monitor) Sets() []Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Set(nil), m.sets...)
}

// Register returns the current register contents
func (m *Monitor) Register(vcp ddc.VCP) ddc.Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registers[vcp]
}

// Closed reports whether the transport was closed
func (m *Monitor) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Monitor) receive(f []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites > 0 {
		m.failWrites--
		return ErrNack
	}
	if vcp, err := ddc.DecodeGetRequest(f); err == nil {
		r, ok := m.registers[vcp]
		if !ok {
			m.pending = ddc.EncodeReply(vcp, 0x01, ddc.Reply{})
			return nil
		}
		m.pending = ddc.EncodeReply(vcp, 0x00, r)
		return nil
	}
	vcp, value, err := ddc.DecodeSetRequest(f)
	if err != nil {
		return err
	}
	r := m.registers[vcp]
	r.Current = value
	m.registers[vcp] = r
	m.sets = append(m.sets, Set{VCP: vcp, Value: value})
	return nil
}

func (m *Monitor) reply(buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return ErrNack
	}
	copy(buf, m.pending)
	m.pending = nil
	return nil
}

func (m *Monitor) String() string { return "ddctest.Monitor" }

func (m *Monitor) SetSpeed(physic.Frequency) error { return nil }

// Tx implements i2c.Bus
func (m *Monitor) Tx(addr uint16, w, r []byte) error {
	if addr != ddc.I2CAddress {
		return fmt.Errorf("ddctest: no device at 0x%02X", addr)
	}
	if len(w) > 0 {
		if err := m.receive(w); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		return m.reply(r)
	}
	return nil
}

// WriteI2C implements ddc.AVService
func (m *Monitor) WriteI2C(chip, offset uint32, buf []byte) error {
	if chip != ddc.I2CAddress {
		return fmt.Errorf("ddctest: no device at 0x%02X", chip)
	}
	return m.receive(append([]byte{byte(offset)}, buf...))
}

// ReadI2C implements ddc.AVService
func (m *Monitor) ReadI2C(chip, _ uint32, buf []byte) error {
	if chip != ddc.I2CAddress {
		return fmt.Errorf("ddctest: no device at 0x%02X", chip)
	}
	return m.reply(buf)
}

func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Opener returns a backend constructor serving monitors by location, with all
// bus delays disabled. Unknown locations get ddc.ErrTransportUnavailable.
func Opener(monitors map[string]*Monitor) func(kind ddc.BackendKind, location string, opts ddc.Options) (ddc.Backend, error) {
	return func(kind ddc.BackendKind, location string, opts ddc.Options) (ddc.Backend, error) {
		m, ok := monitors[location]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ddc.ErrTransportUnavailable, location)
		}
		opts.TransactionDelay = -1
		opts.ReplyDelay = -1
		if kind == ddc.KindAVService {
			return ddc.NewAVServiceBackend(m, opts), nil
		}
		return ddc.NewI2CBackend(m, opts), nil
	}
}
