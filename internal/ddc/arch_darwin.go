//go:build darwin

package ddc

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// HostArch reports the CPU architecture of the machine. An amd64 binary running
// under Rosetta on Apple Silicon reports arm64, since the kernel I2C path does not
// exist there.
func HostArch() string {
	if runtime.GOARCH == "amd64" {
		if translated, err := unix.SysctlUint32("sysctl.proc_translated"); err == nil && translated == 1 {
			return "arm64"
		}
	}
	return runtime.GOARCH
}
