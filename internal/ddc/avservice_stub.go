//go:build !darwin || !cgo

package ddc

import (
	"fmt"
	"runtime"
)

// OpenAVService is only available on macOS
func OpenAVService(location string) (AVService, error) {
	return nil, fmt.Errorf("%w: av service not available on %s", ErrTransportUnavailable, runtime.GOOS)
}
