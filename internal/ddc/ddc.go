// Package ddc implements the DDC/CI client used to read and write monitor VCP
// registers over I2C. Two transports are supported: a kernel I2C bus and the
// per-display AVService found on ARM Macs. Both share the same framing.
package ddc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// VCP is a single-byte VESA Virtual Control Panel opcode. The core treats it as an
// opaque byte; the constants below are conveniences for callers.
type VCP byte

const (
	Brightness  VCP = 0x10
	Contrast    VCP = 0x12
	InputSource VCP = 0x60
	AudioVolume VCP = 0x62
	AudioMute   VCP = 0x8D
	PowerMode   VCP = 0xD6
)

var vcpNames = map[string]VCP{
	"brightness": Brightness,
	"contrast":   Contrast,
	"input":      InputSource,
	"volume":     AudioVolume,
	"mute":       AudioMute,
	"power":      PowerMode,
}

// ParseVCP accepts a well-known name ("brightness", "volume", ...), a hex code
// ("0x10", "10h") or a decimal code.
func ParseVCP(s string) (VCP, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if v, ok := vcpNames[s]; ok {
		return v, nil
	}
	if strings.HasSuffix(s, "h") {
		s = "0x" + strings.TrimSuffix(s, "h")
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid vcp code %q", s)
	}
	return VCP(n), nil
}

func (v VCP) String() string {
	for name, code := range vcpNames {
		if code == v {
			return fmt.Sprintf("%s(0x%02X)", name, byte(v))
		}
	}
	return fmt.Sprintf("0x%02X", byte(v))
}

// Reply is the decoded answer to a Get VCP Feature request
type Reply struct {
	Current uint16 `json:"current" cbor:"current"`
	Max     uint16 `json:"max" cbor:"max"`
}

// Normalized returns Current/Max clamped to [0,1]. A zero Max yields 0.
func (r Reply) Normalized() float64 {
	if r.Max == 0 {
		return 0
	}
	n := float64(r.Current) / float64(r.Max)
	if n > 1 {
		return 1
	}
	return n
}

// Backend performs DDC/CI transactions against one display. Each Read or Write is
// exactly one physical transaction. Implementations serialize their own
// transactions and enforce the minimum inter-transaction delay.
type Backend interface {
	// Read sends a Get VCP Feature request and decodes the reply
	Read(ctx context.Context, vcp VCP) (Reply, error)

	// Write sends a Set VCP Feature request. No reply is read.
	Write(ctx context.Context, vcp VCP, value uint16) error

	// Kind reports which transport the backend drives
	Kind() BackendKind

	// Close releases the underlying handle
	Close() error
}

// Timing defaults. Many displays stop answering when transactions are closer
// than a few tens of milliseconds.
const (
	DefaultTransactionDelay = 50 * time.Millisecond
	DefaultReplyDelay       = 40 * time.Millisecond
)

// Options configure a backend
type Options struct {
	// TransactionDelay is the minimum gap between two transactions on one display.
	// Zero selects the default, a negative value disables the gap.
	TransactionDelay time.Duration

	// ReplyDelay is the wait between sending a Get request and reading the reply.
	// Zero and negative values behave as for TransactionDelay.
	ReplyDelay time.Duration

	// DisplayID tags log lines and trace events
	DisplayID string

	Logger zerolog.Logger
	Tracer Tracer
}

func (o Options) withDefaults() Options {
	if o.TransactionDelay < 0 {
		o.TransactionDelay = 0
	} else if o.TransactionDelay == 0 {
		o.TransactionDelay = DefaultTransactionDelay
	}
	if o.ReplyDelay < 0 {
		o.ReplyDelay = 0
	} else if o.ReplyDelay == 0 {
		o.ReplyDelay = DefaultReplyDelay
	}
	if o.Tracer == nil {
		o.Tracer = noopTracer{}
	}
	return o
}

// Tracer receives every frame a backend sends or receives
type Tracer interface {
	TraceFrame(display string, kind BackendKind, outbound bool, frame []byte, err error)
}

type noopTracer struct{}

func (noopTracer) TraceFrame(string, BackendKind, bool, []byte, error) {}
