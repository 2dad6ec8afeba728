package transfers

/*
#cgo LDFLAGS: -lusb-1.0
#include <libusb-1.0/libusb.h>
#include <stdlib.h>

void isoStreamTransferCallback(struct libusb_transfer *transfer);

// iso_packet_desc is a flexible array member, so index it from C.
static struct libusb_iso_packet_descriptor *isoPacketDesc(struct libusb_transfer *t, int i) {
	return &t->iso_packet_desc[i];
}
*/
import "C"
import (
	"fmt"
	"io"
	"unsafe"

	"github.com/mattn/go-pointer"
)

// IsoStream reads an isochronous IN endpoint through a ring of queued
// transfers. Each transfer carries the burst of isochronous packets
// making up one raw payload buffer; Read concatenates the packets of a
// completed transfer and resubmits it.
//
// Read and Close must be called from the same goroutine: completions are
// reaped by pumping libusb events inside Read.
type IsoStream struct {
	ctx    *C.libusb_context
	txReqs []*C.struct_libusb_transfer
	self   unsafe.Pointer

	// circular buffer of completed transfers
	completedTxReqs []*C.struct_libusb_transfer
	head, size      int

	numPackets int
	inflight   int
	closed     bool
}

//export isoStreamTransferCallback
func isoStreamTransferCallback(transfer *C.struct_libusb_transfer) {
	r := pointer.Restore(transfer.user_data).(*IsoStream)

	r.inflight--
	r.completedTxReqs[r.head] = transfer
	r.head = (r.head + 1) % len(r.completedTxReqs)
	if r.size < len(r.completedTxReqs) {
		r.size++
	} else {
		panic("illegal state")
	}
}

// NewIsoStream queues numTransfers transfers of packets isochronous
// packets each against the given endpoint and starts streaming.
func NewIsoStream(ctxp, handlep unsafe.Pointer, endpointAddress uint8, numTransfers, packets, packetSize int) (*IsoStream, error) {
	r := &IsoStream{
		ctx:        (*C.libusb_context)(ctxp),
		txReqs:     make([]*C.struct_libusb_transfer, 0, numTransfers),
		numPackets: packets,
	}
	r.self = pointer.Save(r)

	for i := 0; i < numTransfers; i++ {
		tx := C.libusb_alloc_transfer(C.int(packets))
		if tx == nil {
			r.Close()
			return nil, fmt.Errorf("libusb_alloc_transfer failed")
		}
		buf := C.malloc(C.ulong(packets * packetSize))
		if buf == nil {
			C.libusb_free_transfer(tx)
			r.Close()
			return nil, fmt.Errorf("malloc failed")
		}
		C.libusb_fill_iso_transfer(
			tx,
			(*C.struct_libusb_device_handle)(handlep),
			C.uchar(endpointAddress),
			(*C.uchar)(buf),
			C.int(packets*packetSize),
			C.int(packets),
			(*[0]byte)(C.libusb_transfer_cb_fn(C.isoStreamTransferCallback)),
			r.self,
			0)
		C.libusb_set_iso_packet_lengths(tx, C.uint(packetSize))
		r.txReqs = append(r.txReqs, tx)
	}
	r.completedTxReqs = make([]*C.struct_libusb_transfer, len(r.txReqs))

	for _, tx := range r.txReqs {
		if ret := C.libusb_submit_transfer(tx); ret < 0 {
			r.Close()
			return nil, &TransportError{Op: "iso submit", Code: int(ret)}
		}
		r.inflight++
	}
	return r, nil
}

// Read copies the next non-empty isochronous packet into buf and returns
// its length. It pumps libusb events for up to one polling interval and
// returns 0 when nothing arrived, so callers can interleave shutdown
// checks.
func (r *IsoStream) Read(buf []byte) (int, error) {
	for {
		if r.closed {
			return 0, io.EOF
		}
		if r.size == 0 {
			tv := C.struct_timeval{tv_usec: 100000}
			if ret := C.libusb_handle_events_timeout_completed(r.ctx, &tv, nil); ret < 0 {
				return 0, &TransportError{Op: "iso events", Code: int(ret)}
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
			return 0, &TransportError{Op: "iso read", Code: int(C.LIBUSB_ERROR_NO_DEVICE)}
		default:
			// A transfer-level error is transient on isochronous
			// endpoints; requeue and keep going.
			if err := r.popAndResubmit(tx); err != nil {
				return 0, err
			}
			continue
		}

		// Concatenate the burst. Lost packets inside it surface as a
		// short buffer that downstream validation rejects.
		n := 0
		for i := 0; i < r.numPackets; i++ {
			desc := C.isoPacketDesc(tx, C.int(i))
			if desc.status != C.LIBUSB_TRANSFER_COMPLETED || desc.actual_length == 0 {
				continue
			}
			data := C.libusb_get_iso_packet_buffer_simple(tx, C.uint(i))
			if data == nil {
				continue
			}
			if len(buf)-n < int(desc.actual_length) {
				return 0, io.ErrShortBuffer
			}
			n += copy(buf[n:], (*[1 << 30]byte)(unsafe.Pointer(data))[:desc.actual_length])
		}
		if err := r.popAndResubmit(tx); err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (r *IsoStream) popAndResubmit(tx *C.struct_libusb_transfer) error {
	r.size--
	if r.closed {
		return nil
	}
	if ret := C.libusb_submit_transfer(tx); ret < 0 {
		return &TransportError{Op: "iso resubmit", Code: int(ret)}
	}
	r.inflight++
	return nil
}

// Close cancels the queued transfers, reaps their completions and frees
// the transfer ring. Cancellation completes promptly, so the reap loop
// runs until every transfer has called back; a transfer still owned by
// the kernel must never have its buffer freed under it, so on a dead
// event loop the ring is leaked instead.
func (r *IsoStream) Close() error {
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
