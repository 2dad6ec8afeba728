package kinect2

/*
#cgo LDFLAGS: -lusb-1.0
#include <libusb-1.0/libusb.h>
*/
import "C"
import "errors"

var (
	// ErrNoDevice means no sensor answered on the bus.
	ErrNoDevice = errors.New("no device found")
	// ErrClosed is returned from operations on a closed device.
	ErrClosed = errors.New("device closed")
)

func libusberror(err C.int) error {
	return errors.New(C.GoString(C.libusb_error_name(err)))
}
