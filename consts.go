package kinect2

// USB identity of the sensor. The preview product id was used by early
// developer kits and answers the same protocol.
const (
	VendorID         = 0x045e
	ProductID        = 0x02d8
	ProductIDPreview = 0x02c4
)

// Interface and endpoint layout. The control interface carries the
// command endpoints and the color bulk endpoint; the ir interface carries
// the depth isochronous endpoint behind alternate setting 1.
const (
	ControlInterfaceNum = 0
	IrInterfaceNum      = 1

	CmdOutEndpoint  = 0x02
	CmdInEndpoint   = 0x81
	ColorInEndpoint = 0x83
	IrInEndpoint    = 0x84
)

// Transfer ring sizing. The depth endpoint delivers a whole frame about
// every 33ms as a burst of isochronous packets, so the ring has to absorb
// bursts while decode catches up.
const (
	colorTransferCount = 20
	colorTransferSize  = 0x4000

	// One burst carries a whole depth subpacket plus its header, so a
	// transfer must span at least 271380 bytes of iso packets.
	irTransferCount    = 8
	irPacketsPerXfer   = 9
	irMaxIsoPacketSize = 33792
	irBurstSize        = irPacketsPerXfer * irMaxIsoPacketSize
)
