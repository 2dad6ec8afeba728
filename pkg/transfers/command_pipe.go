package transfers

/*
#include <libusb-1.0/libusb.h>
*/
import "C"
import (
	"time"
	"unsafe"
)

// CommandPipe is the synchronous control channel of the device: commands
// go out one bulk endpoint and responses come back on another. The device
// serializes commands itself, so the pipe holds no state beyond the
// endpoints.
type CommandPipe struct {
	handle *C.libusb_device_handle
	out    uint8
	in     uint8
}

func NewCommandPipe(handlep unsafe.Pointer, outEndpoint, inEndpoint uint8) *CommandPipe {
	return &CommandPipe{
		handle: (*C.libusb_device_handle)(handlep),
		out:    outEndpoint,
		in:     inEndpoint,
	}
}

// Write sends one command buffer and blocks until the device accepts it.
func (p *CommandPipe) Write(data []byte, timeout time.Duration) error {
	var transferred C.int
	ret := C.libusb_bulk_transfer(p.handle, C.uchar(p.out),
		(*C.uchar)(unsafe.Pointer(&data[0])), C.int(len(data)),
		&transferred, C.uint(timeout.Milliseconds()))
	if ret != 0 {
		return &TransportError{Op: "command write", Code: int(ret)}
	}
	if int(transferred) != len(data) {
		return &TransportError{Op: "command write", Code: int(C.LIBUSB_ERROR_IO)}
	}
	return nil
}

// Read blocks until the device produces a response buffer and returns the
// number of bytes received.
func (p *CommandPipe) Read(buf []byte, timeout time.Duration) (int, error) {
	var transferred C.int
	ret := C.libusb_bulk_transfer(p.handle, C.uchar(p.in),
		(*C.uchar)(unsafe.Pointer(&buf[0])), C.int(len(buf)),
		&transferred, C.uint(timeout.Milliseconds()))
	if ret != 0 {
		return 0, &TransportError{Op: "command read", Code: int(ret)}
	}
	return int(transferred), nil
}
