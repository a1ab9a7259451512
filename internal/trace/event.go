package trace

import (
	"fmt"
	"time"
)

// Direction of a frame relative to the host
type Direction uint8

const (
	Outbound Direction = iota + 1
	Inbound
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "OUT"
	case Inbound:
		return "IN"
	default:
		return "UNKNOWN"
	}
}

// Event is one frame on the bus. Integer keys keep the file compact.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Display   string    `cbor:"2,keyasint"`
	Backend   string    `cbor:"3,keyasint"`
	Direction Direction `cbor:"4,keyasint"`
	Frame     []byte    `cbor:"5,keyasint,omitempty"`
	Error     string    `cbor:"6,keyasint,omitempty"`
}

// String renders the event on one line
func (e Event) String() string {
	s := fmt.Sprintf("%s %-9s %-3s %s % X",
		e.Timestamp.Format("15:04:05.000"), e.Backend, e.Direction, e.Display, e.Frame)
	if e.Error != "" {
		s += " error=" + e.Error
	}
	return s
}
