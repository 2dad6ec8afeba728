package kinect2

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gotof/kinect2/pkg/transfers"
)

// Vendor command protocol. Every request starts with a magic word, a
// sequence number, the maximum response length, the command id and a
// reserved word, followed by the u32 parameters. The device answers with
// the response payload (when one was requested) and then a 16 byte
// completion carrying the request's sequence number.
const (
	commandMagic    = 0x06022009
	completeMagic   = 0x0a6fe000
	completeLength  = 16
	commandWordSize = 4
)

const (
	cmdShutdown         = 0x00
	cmdReadFirmware     = 0x02
	cmdInitStreams      = 0x09
	cmdStop             = 0x0a
	cmdReadHardwareInfo = 0x14
	cmdReadStatus       = 0x16
	cmdReadDataPage     = 0x22
	cmdSetStreaming     = 0x2b
	cmdRgbSetting       = 0x3e
	cmdSetMode          = 0x4b
)

// Pages served by cmdReadDataPage.
const (
	dataPageSerialNumber = 0x01
	dataPageP0Tables     = 0x02
	dataPageIrParams     = 0x03
	dataPageColorParams  = 0x04
)

// Response sizes the device promises for fixed-size reads.
const (
	firmwareResponseSize     = 0x200
	hardwareInfoResponseSize = 0x5c
	serialNumberResponseSize = 0x80
	dataPageMaxResponseSize  = 0x1c0000
	statusResponseSize       = 0x04
	colorSettingResponseSize = 0x10
)

// commandPipe is the transport the command channel runs over, satisfied
// by transfers.CommandPipe.
type commandPipe interface {
	Write(data []byte, timeout time.Duration) error
	Read(buf []byte, timeout time.Duration) (int, error)
}

var _ commandPipe = (*transfers.CommandPipe)(nil)

// commandChannel serializes vendor commands over the bulk command
// endpoints.
type commandChannel struct {
	pipe     commandPipe
	sequence uint32
	timeout  time.Duration
}

func newCommandChannel(pipe commandPipe) *commandChannel {
	return &commandChannel{pipe: pipe, timeout: time.Second}
}

// execute runs one command and returns its response payload, which is
// empty for commands that only produce a completion.
func (c *commandChannel) execute(commandID, maxResponse uint32, params ...uint32) ([]byte, error) {
	return c.run(commandID, maxResponse, true, params)
}

// executeUnsequenced runs a command whose completion carries sequence 0.
// The rgb setting and led commands behave this way.
func (c *commandChannel) executeUnsequenced(commandID, maxResponse uint32, params ...uint32) ([]byte, error) {
	return c.run(commandID, maxResponse, false, params)
}

func (c *commandChannel) run(commandID, maxResponse uint32, sequenced bool, params []uint32) ([]byte, error) {
	var sequence uint32
	if sequenced {
		c.sequence++
		sequence = c.sequence
	}

	req := make([]byte, (5+len(params))*commandWordSize)
	binary.LittleEndian.PutUint32(req[0:], commandMagic)
	binary.LittleEndian.PutUint32(req[4:], sequence)
	binary.LittleEndian.PutUint32(req[8:], maxResponse)
	binary.LittleEndian.PutUint32(req[12:], commandID)
	for i, p := range params {
		binary.LittleEndian.PutUint32(req[20+4*i:], p)
	}
	if err := c.pipe.Write(req, c.timeout); err != nil {
		return nil, fmt.Errorf("command 0x%02x: %w", commandID, err)
	}

	var payload []byte
	if maxResponse > 0 {
		buf := make([]byte, maxResponse)
		n, err := c.pipe.Read(buf, c.timeout)
		if err != nil {
			return nil, fmt.Errorf("command 0x%02x response: %w", commandID, err)
		}
		// A bare completion in place of the payload means the device
		// rejected the command.
		if isCompletion(buf[:n]) {
			return nil, fmt.Errorf("command 0x%02x: premature completion", commandID)
		}
		payload = buf[:n]
	}

	comp := make([]byte, completeLength)
	n, err := c.pipe.Read(comp, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("command 0x%02x completion: %w", commandID, err)
	}
	if !isCompletion(comp[:n]) {
		return nil, fmt.Errorf("command 0x%02x: malformed completion (%d bytes)", commandID, n)
	}
	if got := binary.LittleEndian.Uint32(comp[4:]); got != sequence {
		return nil, fmt.Errorf("command 0x%02x: completion for sequence %d, want %d", commandID, got, sequence)
	}
	return payload, nil
}

func isCompletion(buf []byte) bool {
	return len(buf) == completeLength && binary.LittleEndian.Uint32(buf) == completeMagic
}
