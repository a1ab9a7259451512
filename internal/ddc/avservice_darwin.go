//go:build darwin && cgo

package ddc

/*
#cgo LDFLAGS: -framework IOKit -framework CoreFoundation
#include <stdint.h>
#include <stdlib.h>
#include <IOKit/IOKitLib.h>
#include <CoreFoundation/CoreFoundation.h>

typedef CFTypeRef IOAVService;
extern IOAVService IOAVServiceCreateWithService(CFAllocatorRef allocator, io_service_t service);
extern IOReturn IOAVServiceReadI2C(IOAVService service, uint32_t chipAddress, uint32_t offset, void* outputBuffer, uint32_t outputBufferSize);
extern IOReturn IOAVServiceWriteI2C(IOAVService service, uint32_t chipAddress, uint32_t dataAddress, void* inputBuffer, uint32_t inputBufferSize);

static uintptr_t monctl_av_open(const char *path) {
	io_registry_entry_t entry = IORegistryEntryFromPath(MACH_PORT_NULL, path);
	if (entry == MACH_PORT_NULL) {
		return 0;
	}
	IOAVService svc = IOAVServiceCreateWithService(kCFAllocatorDefault, entry);
	IOObjectRelease(entry);
	return (uintptr_t)svc;
}

static int monctl_av_write(uintptr_t h, uint32_t chip, uint32_t offset, void *buf, uint32_t n) {
	return IOAVServiceWriteI2C((IOAVService)h, chip, offset, buf, n);
}

static int monctl_av_read(uintptr_t h, uint32_t chip, uint32_t offset, void *buf, uint32_t n) {
	return IOAVServiceReadI2C((IOAVService)h, chip, offset, buf, n);
}

static void monctl_av_close(uintptr_t h) {
	CFRelease((CFTypeRef)h);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

// OpenAVService creates the AVService for the IORegistry entry at location
// (the path of a DCPAVServiceProxy node).
func OpenAVService(location string) (AVService, error) {
	cpath := C.CString(location)
	defer C.free(unsafe.Pointer(cpath))

	h := C.monctl_av_open(cpath)
	if h == 0 {
		return nil, fmt.Errorf("%w: no av service at %s", ErrTransportUnavailable, location)
	}
	return &ioAVService{handle: h}, nil
}

var errAVServiceClosed = errors.New("av service closed")

// ioAVService serializes every call with Close so the handle is never released
// under a running IOKit call.
type ioAVService struct {
	mu     sync.Mutex
	handle C.uintptr_t
}

func (s *ioAVService) WriteI2C(chip, offset uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == 0 {
		return errAVServiceClosed
	}
	if rc := C.monctl_av_write(s.handle, C.uint32_t(chip), C.uint32_t(offset), unsafe.Pointer(&buf[0]), C.uint32_t(len(buf))); rc != 0 {
		return fmt.Errorf("IOAVServiceWriteI2C: 0x%08X", uint32(rc))
	}
	return nil
}

func (s *ioAVService) ReadI2C(chip, offset uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == 0 {
		return errAVServiceClosed
	}
	if rc := C.monctl_av_read(s.handle, C.uint32_t(chip), C.uint32_t(offset), unsafe.Pointer(&buf[0]), C.uint32_t(len(buf))); rc != 0 {
		return fmt.Errorf("IOAVServiceReadI2C: 0x%08X", uint32(rc))
	}
	return nil
}

func (s *ioAVService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == 0 {
		return errAVServiceClosed
	}
	C.monctl_av_close(s.handle)
	s.handle = 0
	return nil
}
