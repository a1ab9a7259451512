//go:build !darwin

package ddc

import "runtime"

// HostArch reports the CPU architecture of the machine
func HostArch() string {
	return runtime.GOARCH
}
