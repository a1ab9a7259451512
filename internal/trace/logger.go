package trace

import (
	"time"

	"monctl/internal/ddc"
)

// Logger receives trace events. Implementations must be safe for concurrent use
// and should not block.
type Logger interface {
	Log(event Event)
}

// NoopLogger discards all events
type NoopLogger struct{}

func (NoopLogger) Log(Event) {}

var _ Logger = NoopLogger{}

// Tracer adapts a Logger to the ddc.Tracer hook used by backends
type Tracer struct {
	logger Logger
	now    func() time.Time
}

// NewTracer returns a ddc.Tracer writing to logger
func NewTracer(logger Logger) *Tracer {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &Tracer{logger: logger, now: time.Now}
}

// TraceFrame implements ddc.Tracer
func (t *Tracer) TraceFrame(display string, kind ddc.BackendKind, outbound bool, frame []byte, err error) {
	e := Event{
		Timestamp: t.now(),
		Display:   display,
		Backend:   kind.String(),
		Direction: Inbound,
		Frame:     append([]byte(nil), frame...),
	}
	if outbound {
		e.Direction = Outbound
	}
	if err != nil {
		e.Error = err.Error()
	}
	t.logger.Log(e)
}

var _ ddc.Tracer = (*Tracer)(nil)

// MultiLogger fans events out to several loggers
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger skips nil loggers
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

var _ Logger = (*MultiLogger)(nil)
