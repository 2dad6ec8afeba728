package transfers

/*
#cgo LDFLAGS: -lusb-1.0
#include <libusb-1.0/libusb.h>
#include <stdlib.h>

void bulkStreamTransferCallback(struct libusb_transfer *transfer);
*/
import "C"
import (
	"fmt"
	"io"
	"unsafe"

	"github.com/mattn/go-pointer"
)

// BulkStream reads a bulk IN endpoint through a ring of queued transfers.
// The sync libusb api can return partial reads on some devices, so the
// async api is used even though each Read consumes exactly one transfer.
//
// Read and Close must be called from the same goroutine: completions are
// reaped by pumping libusb events inside Read.
type BulkStream struct {
	ctx    *C.libusb_context
	txReqs []*C.struct_libusb_transfer
	self   unsafe.Pointer

	// circular buffer of completed transfers
	completedTxReqs []*C.struct_libusb_transfer
	head, size      int

	inflight int
	closed   bool
}

//export bulkStreamTransferCallback
func bulkStreamTransferCallback(transfer *C.struct_libusb_transfer) {
	r := pointer.Restore(transfer.user_data).(*BulkStream)

	r.inflight--
	r.completedTxReqs[r.head] = transfer
	r.head = (r.head + 1) % len(r.completedTxReqs)
	if r.size < len(r.completedTxReqs) {
		r.size++
	} else {
		panic("illegal state")
	}
}

// NewBulkStream queues numTransfers transfers of mtu bytes each against
// the given endpoint and starts streaming.
func NewBulkStream(ctxp, handlep unsafe.Pointer, endpointAddress uint8, numTransfers int, mtu uint32) (*BulkStream, error) {
	r := &BulkStream{
		ctx:    (*C.libusb_context)(ctxp),
		txReqs: make([]*C.struct_libusb_transfer, 0, numTransfers),
	}
	r.self = pointer.Save(r)

	for i := 0; i < numTransfers; i++ {
		tx := C.libusb_alloc_transfer(0)
		if tx == nil {
			r.Close()
			return nil, fmt.Errorf("libusb_alloc_transfer failed")
		}
		buf := C.malloc(C.ulong(mtu))
		if buf == nil {
			C.libusb_free_transfer(tx)
			r.Close()
			return nil, fmt.Errorf("malloc failed")
		}
		C.libusb_fill_bulk_transfer(
			tx,
			(*C.struct_libusb_device_handle)(handlep),
			C.uchar(endpointAddress),
			(*C.uchar)(buf),
			C.int(mtu),
			(*[0]byte)(C.libusb_transfer_cb_fn(C.bulkStreamTransferCallback)),
			r.self,
			0)
		r.txReqs = append(r.txReqs, tx)
	}
	r.completedTxReqs = make([]*C.struct_libusb_transfer, len(r.txReqs))

	for _, tx := range r.txReqs {
		if ret := C.libusb_submit_transfer(tx); ret < 0 {
			r.Close()
			return nil, &TransportError{Op: "bulk submit", Code: int(ret)}
		}
		r.inflight++
	}
	return r, nil
}

// Read copies the payload of the next completed transfer into buf and
// resubmits the transfer. It pumps libusb events for up to one polling
// interval and returns 0 when nothing completed, so callers can
// interleave shutdown checks.
func (r *BulkStream) Read(buf []byte) (int, error) {
	for {
		if r.closed {
			return 0, io.EOF
		}
		if r.size == 0 {
			tv := C.struct_timeval{tv_usec: 100000}
			if ret := C.libusb_handle_events_timeout_completed(r.ctx, &tv, nil); ret < 0 {
				return 0, &TransportError{Op: "bulk events", Code: int(ret)}
			}
			if r.size == 0 {
				return 0, nil
			}
		}

		tx := r.completedTxReqs[(r.head-r.size+len(r.completedTxReqs))%len(r.completedTxReqs)]
		switch tx.status {
		case C.LIBUSB_TRANSFER_COMPLETED:
		case C.LIBUSB_TRANSFER_CANCELLED:
			return 0, io.EOF
		case C.LIBUSB_TRANSFER_NO_DEVICE:
			return 0, &TransportError{Op: "bulk read", Code: int(C.LIBUSB_ERROR_NO_DEVICE)}
		default:
			// Stalls and babble clear on resubmit; drop the payload.
			r.size--
			if ret := C.libusb_submit_transfer(tx); ret < 0 {
				return 0, &TransportError{Op: "bulk resubmit", Code: int(ret)}
			}
			r.inflight++
			continue
		}

		r.size--
		n := copy(buf, (*[1 << 30]byte)(unsafe.Pointer(tx.buffer))[:tx.actual_length])
		if ret := C.libusb_submit_transfer(tx); ret < 0 {
			return 0, &TransportError{Op: "bulk resubmit", Code: int(ret)}
		}
		r.inflight++
		return n, nil
	}
}

// Close cancels the queued transfers, reaps their completions and frees
// the transfer ring. Cancellation completes promptly, so the reap loop
// runs until every transfer has called back; a transfer still owned by
// the kernel must never have its buffer freed under it, so on a dead
// event loop the ring is leaked instead.
func (r *BulkStream) Close() error {
	r.closed = true
	for _, tx := range r.txReqs {
		C.libusb_cancel_transfer(tx)
	}
	for r.inflight > 0 {
		tv := C.struct_timeval{tv_usec: 100000}
		if ret := C.libusb_handle_events_timeout_completed(r.ctx, &tv, nil); ret < 0 {
			break
		}
	}
	if r.inflight == 0 {
		for _, tx := range r.txReqs {
			C.free(unsafe.Pointer(tx.buffer))
			C.libusb_free_transfer(tx)
		}
	}
	r.txReqs = nil
	if r.self != nil && r.inflight == 0 {
		pointer.Unref(r.self)
		r.self = nil
	}
	return nil
}
