// Package transfers moves raw bytes between the device's USB endpoints
// and the rest of the driver. It keeps several transfers in flight per
// endpoint so the bus never idles between completions: the color stream
// uses queued bulk URBs, the depth stream uses queued isochronous URBs,
// and the command channel uses plain synchronous bulk transfers.
//
// The libusb context and device handle are owned by the caller and passed
// in as raw pointers; all streams over one device share them.
package transfers

/*
#cgo LDFLAGS: -lusb-1.0
#include <libusb-1.0/libusb.h>
*/
import "C"
import "fmt"

// TransportError is a fatal endpoint failure: a stalled or disconnected
// device, or an URB that cannot be resubmitted. Streams stop after
// reporting one.
type TransportError struct {
	Op   string
	Code int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, C.GoString(C.libusb_error_name(C.int(e.Code))))
}
