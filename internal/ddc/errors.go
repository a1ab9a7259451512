package ddc

import "errors"

var (
	// ErrTransportUnavailable is returned when no backend can be constructed for a
	// display, e.g. a built-in panel with no DDC bus. It is permanent for the
	// display's lifetime.
	ErrTransportUnavailable = errors.New("ddc transport unavailable")

	// ErrNoReply is returned when the display did not acknowledge or answered with
	// garbage. Callers may retry with backoff.
	ErrNoReply = errors.New("ddc no reply")

	// ErrChecksum is returned when a reply frame fails checksum validation
	ErrChecksum = errors.New("ddc checksum mismatch")

	// ErrUnsupported is returned when the display reports the VCP code as unsupported
	ErrUnsupported = errors.New("ddc vcp feature unsupported")

	// ErrInvalidFrame is returned when a frame cannot be decoded at all
	ErrInvalidFrame = errors.New("ddc invalid frame")
)

// IsFeatureUnavailable reports whether err means the feature could not be used on
// this transaction. NoReply, checksum and unsupported errors cannot be told apart
// reliably on the wire, so callers should treat them the same way.
func IsFeatureUnavailable(err error) bool {
	return errors.Is(err, ErrNoReply) ||
		errors.Is(err, ErrChecksum) ||
		errors.Is(err, ErrUnsupported)
}
