package ddc

import (
	"fmt"
	"strings"
)

// BackendKind identifies a DDC transport
type BackendKind int

const (
	// KindI2C drives a kernel I2C bus (the legacy x86 path)
	KindI2C BackendKind = iota + 1

	// KindAVService drives the per-display AVService found on ARM hosts
	KindAVService
)

func (k BackendKind) String() string {
	switch k {
	case KindI2C:
		return "i2c"
	case KindAVService:
		return "avservice"
	default:
		return "unknown"
	}
}

// ParseBackendKind parses "i2c" or "avservice". "auto" and "" return zero, which
// tells callers to use Select.
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return 0, nil
	case "i2c", "intel", "legacy":
		return KindI2C, nil
	case "avservice", "arm64", "arm":
		return KindAVService, nil
	default:
		return 0, fmt.Errorf("unknown backend %q", s)
	}
}

// Select picks the transport for a host architecture. ARM hosts always use the
// AVService path; everything else uses a kernel I2C bus.
func Select(arch string) BackendKind {
	switch arch {
	case "arm64", "arm":
		return KindAVService
	default:
		return KindI2C
	}
}

// Open constructs a backend of the given kind for the display at location
func Open(kind BackendKind, location string, opts Options) (Backend, error) {
	switch kind {
	case KindI2C:
		return OpenI2C(location, opts)
	case KindAVService:
		return OpenAVServiceBackend(location, opts)
	default:
		return nil, fmt.Errorf("%w: backend kind %d", ErrTransportUnavailable, int(kind))
	}
}
