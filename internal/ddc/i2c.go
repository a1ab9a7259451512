package ddc

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

var (
	hostInitOnce sync.Once
	hostInitErr  error
)

// OpenI2C opens the kernel I2C bus at location (e.g. "/dev/i2c-6" or "6") and
// returns a legacy backend for the display on it. Displays without a DDC bus have
// no location and get ErrTransportUnavailable.
func OpenI2C(location string, opts Options) (Backend, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("%w: display %q has no i2c bus", ErrTransportUnavailable, opts.DisplayID)
	}

	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	if hostInitErr != nil {
		return nil, fmt.Errorf("%w: periph host init: %v", ErrTransportUnavailable, hostInitErr)
	}

	bus, err := i2creg.Open(location)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrTransportUnavailable, location, err)
	}
	return NewI2CBackend(bus, opts), nil
}

// NewI2CBackend wraps an already open bus. If bus also implements io.Closer it is
// closed with the backend.
func NewI2CBackend(bus i2c.Bus, opts Options) Backend {
	l := &i2cLink{dev: &i2c.Dev{Bus: bus, Addr: I2CAddress}}
	if c, ok := bus.(io.Closer); ok {
		l.closer = c
	}
	return newFramedBackend(KindI2C, l, opts)
}

type i2cLink struct {
	dev    *i2c.Dev
	closer io.Closer
}

func (l *i2cLink) writeFrame(f []byte) error {
	return l.dev.Tx(f, nil)
}

func (l *i2cLink) readFrame(buf []byte) error {
	return l.dev.Tx(nil, buf)
}

func (l *i2cLink) close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
