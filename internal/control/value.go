package control

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"monctl/internal/ddc"
)

// Value is what a user asks for: a level relative to the display's maximum or a
// raw register value.
type Value struct {
	Level float64
	Raw   uint16
	IsRaw bool
}

// ParseValue accepts "50%", "0.5" (levels) or "80" (raw)
func ParseValue(s string) (Value, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasSuffix(s, "%"):
		p, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil || p < 0 || p > 100 {
			return Value{}, fmt.Errorf("invalid percentage %q", s)
		}
		return Value{Level: p / 100}, nil
	case strings.Contains(s, "."):
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f < 0 || f > 1 {
			return Value{}, fmt.Errorf("invalid level %q, want 0.0-1.0", s)
		}
		return Value{Level: f}, nil
	default:
		n, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return Value{}, fmt.Errorf("invalid raw value %q", s)
		}
		return Value{Raw: uint16(n), IsRaw: true}, nil
	}
}

func (v Value) String() string {
	if v.IsRaw {
		return strconv.Itoa(int(v.Raw))
	}
	return strconv.FormatFloat(math.Round(v.Level*10000)/100, 'f', -1, 64) + "%"
}

// Apply sets vcp on a display to v
func (c *Controller) Apply(ctx context.Context, displayID string, vcp ddc.VCP, v Value) error {
	if v.IsRaw {
		return c.SetRaw(displayID, vcp, v.Raw)
	}
	return c.Set(ctx, displayID, vcp, v.Level)
}
