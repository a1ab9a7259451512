package trace

import (
	"github.com/rs/zerolog"
)

// ZerologAdapter writes events to a zerolog.Logger at debug level
type ZerologAdapter struct {
	logger zerolog.Logger
}

func NewZerologAdapter(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger.With().Str("component", "trace").Logger()}
}

func (a *ZerologAdapter) Log(event Event) {
	ev := a.logger.Debug().
		Time("at", event.Timestamp).
		Str("display", event.Display).
		Str("backend", event.Backend).
		Stringer("dir", event.Direction).
		Hex("frame", event.Frame)
	if event.Error != "" {
		ev = ev.Str("error", event.Error)
	}
	ev.Msg("frame")
}

var _ Logger = (*ZerologAdapter)(nil)
