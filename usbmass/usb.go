// Package usbmass implements the USB mass storage Bulk-Only Transport:
// the command/data/status state machine, stall and reset recovery, and
// chunked SCSI block I/O, on top of a host controller contract.
package usbmass

import "errors"

// Transport errors. The state machine distinguishes stalls, which are
// recoverable by clearing the endpoint halt, from device I/O failures,
// which force reset recovery.
var (
	ErrTransferStalled    = errors.New("usbmass: transfer stalled")
	ErrTransferDeviceIO   = errors.New("usbmass: transfer device i/o error")
	ErrDeviceIO           = errors.New("usbmass: device i/o error")
	ErrDeviceNotConnected = errors.New("usbmass: device not connected")
	ErrOutOfBounds        = errors.New("usbmass: block range out of bounds")
	ErrDataLengthMismatch = errors.New("usbmass: data length mismatch")
	ErrInvalidDevice      = errors.New("usbmass: invalid device configuration")
	ErrNotInitialized     = errors.New("usbmass: polled i/o not initialized")
	ErrRequestInFlight    = errors.New("usbmass: i/o request already in flight")
)

// Direction of a USB transfer, from the host's point of view.
type Direction uint8

const (
	DirectionOut Direction = iota
	DirectionIn
)

// Setup packet request type bits.
const (
	setupRequestToHost            = 0x80
	setupRequestClass             = 0x20
	setupRequestInterface         = 0x01
	setupRequestEndpointRecipient = 0x02
)

// Standard and mass-storage class control requests.
const (
	requestClearFeature = 0x01
	featureEndpointHalt = 0x00

	requestGetMaxLun   = 0xFE
	requestResetDevice = 0xFF
)

// SetupPacket is the 8-byte control request header.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Transfer is one bulk transfer submission. The same transfer object is
// reused across submissions; Length selects how much of Buffer moves
// this time, and the host fills LengthTransferred and Err on
// completion.
type Transfer struct {
	Endpoint  uint8
	Direction Direction

	Buffer []byte
	Length int

	LengthTransferred int
	Err               error

	// Callback is invoked on completion of an asynchronous submission.
	// The host guarantees callbacks for one device are serialized with
	// the submitter, so the device lock is effectively held.
	Callback func(*Transfer)

	// UserData carries the owning disk through the callback.
	UserData any
}

// Host is the controller contract the transport drives. Implementations
// wrap a USB host controller's bulk and control pipes.
type Host interface {
	// Submit queues an asynchronous transfer. Completion arrives via
	// the transfer's callback.
	Submit(t *Transfer) error

	// SubmitPolled performs the transfer synchronously without
	// interrupts, for contexts that cannot block on completion events.
	SubmitPolled(t *Transfer) error

	// ControlTransfer performs a control request on endpoint zero.
	ControlTransfer(setup SetupPacket, direction Direction, data []byte, polled bool) (int, error)

	// FlushEndpoint cancels and drains everything in flight on the
	// endpoint.
	FlushEndpoint(endpoint uint8) error
}
