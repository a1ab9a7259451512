package ddc

import (
	"fmt"
	"strings"
)

// AVService is the raw I2C surface of a per-display AVService. chip is the 7-bit
// I2C address; offset is the first byte clocked out after it (the DDC/CI host
// address 0x51 for writes and reads alike).
type AVService interface {
	WriteI2C(chip, offset uint32, buf []byte) error
	ReadI2C(chip, offset uint32, buf []byte) error
	Close() error
}

// OpenAVServiceBackend obtains the AVService behind location and wraps it in a
// backend. Creating the service is comparatively slow, so the backend should be
// kept for as long as the display is attached.
func OpenAVServiceBackend(location string, opts Options) (Backend, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("%w: display %q has no av service", ErrTransportUnavailable, opts.DisplayID)
	}
	svc, err := OpenAVService(location)
	if err != nil {
		return nil, err
	}
	return NewAVServiceBackend(svc, opts), nil
}

// NewAVServiceBackend wraps an already created service
func NewAVServiceBackend(svc AVService, opts Options) Backend {
	return newFramedBackend(KindAVService, &avLink{svc: svc}, opts)
}

type avLink struct {
	svc AVService
}

// The service takes the leading host address as its data address, so it is
// stripped from the frame.
func (l *avLink) writeFrame(f []byte) error {
	if len(f) < 2 || f[0] != hostAddress {
		return fmt.Errorf("%w: % X", ErrInvalidFrame, f)
	}
	return l.svc.WriteI2C(I2CAddress, hostAddress, f[1:])
}

func (l *avLink) readFrame(buf []byte) error {
	return l.svc.ReadI2C(I2CAddress, hostAddress, buf)
}

func (l *avLink) close() error {
	return l.svc.Close()
}
