package usbmass

import (
	"encoding/binary"
	"errors"

	"github.com/sirupsen/logrus"
)

// scratchAlignment spaces the status wrapper past an in-scratch data
// phase so the device never writes the CSW into live data bytes.
const scratchAlignment = 8

// IORequest is an asynchronous block transfer against a disk. The data
// is supplied as an ordered list of fragments whose total size must be
// a multiple of the disk's block size.
type IORequest struct {
	Write        bool
	BlockAddress uint64
	Fragments    [][]byte

	// Completion fires exactly once when the request finishes, from
	// the host's completion context. BytesCompleted and Err are set
	// before the call.
	Completion func(*IORequest)

	BytesCompleted int
	Err            error

	size int
}

// SubmitIO starts an asynchronous read or write. Only one request may
// be in flight per disk; the transport allows a single outstanding
// command on the endpoint pair.
func (disk *Disk) SubmitIO(request *IORequest) error {
	d := disk.device
	d.mu.Lock()
	defer d.mu.Unlock()

	if !disk.connected {
		return ErrDeviceNotConnected
	}
	if disk.request != nil {
		return ErrRequestInFlight
	}

	size := 0
	for _, fragment := range request.Fragments {
		size += len(fragment)
	}
	if size == 0 || size&(disk.BlockSize()-1) != 0 {
		return ErrDataLengthMismatch
	}

	request.size = size
	request.BytesCompleted = 0
	request.Err = nil
	disk.request = request
	disk.currentFragment = 0
	disk.currentFragmentOffset = 0
	disk.currentBytesTransferred = 0
	disk.ioRequestAttempts = 0

	if err := disk.sendNextIoRequest(); err != nil {
		disk.request = nil
		return err
	}

	return nil
}

// setupCommand primes the command block wrapper and repoints the status
// and data transfers for one command sequence. Small query commands
// leave externalBuffer nil and run their data phase out of the scratch
// buffer; block I/O supplies the caller's buffer and the status wrapper
// sits directly after the CBW. Returns the free-form command bytes of
// the CBW.
func (disk *Disk) setupCommand(tag uint32, dataLength int, commandLength uint8, dataIn, polled bool, externalBuffer []byte) []byte {
	transfers := &disk.transfers
	if polled {
		transfers = &disk.device.polled.Load().transfers
	}

	scratch := transfers.buffer
	command := encodeCBW(scratch, tag, uint32(dataLength), disk.lun, commandLength, dataIn)
	transfers.Command.Buffer = scratch[:cbwSize]
	transfers.Command.Length = cbwSize
	transfers.Command.Err = nil

	dataBuffer := externalBuffer
	statusOffset := cbwSize
	if externalBuffer == nil {
		aligned := (dataLength + scratchAlignment - 1) &^ (scratchAlignment - 1)
		dataBuffer = scratch[cbwSize : cbwSize+aligned]
		statusOffset = cbwSize + aligned
	}

	status := scratch[statusOffset : statusOffset+cswSize]
	for i := range status {
		status[i] = 0
	}
	transfers.Status.Buffer = status
	transfers.Status.Length = cswSize
	transfers.Status.LengthTransferred = 0
	transfers.Status.Err = nil

	transfers.DataIn.Buffer = dataBuffer
	transfers.DataIn.Length = 0
	transfers.DataIn.Err = nil
	transfers.DataOut.Buffer = dataBuffer
	transfers.DataOut.Length = 0
	transfers.DataOut.Err = nil

	return command
}

// sendCommand submits the primed command wrapper. With no request in
// flight the command is synchronous and this blocks until the
// completion chain signals the disk event.
func (disk *Disk) sendCommand() error {
	// The request may complete and clear itself while the command is
	// in flight, so capture the mode before submitting.
	synchronous := disk.request == nil
	if synchronous {
		select {
		case <-disk.event:
		default:
		}
	}

	disk.statusTransferAttempts = 0
	if err := disk.device.host.Submit(disk.transfers.Command); err != nil {
		return err
	}

	if synchronous {
		<-disk.event
	}
	return nil
}

// transferCompletion drives the command sequence forward as each bulk
// transfer returns. A stalled transfer clears the halted endpoint
// first; the status phase may be retried a bounded number of times. If
// no further transfer is submitted the sequence is over: synchronous
// callers are woken, asynchronous requests are evaluated and advanced.
func (disk *Disk) transferCompletion(transfer *Transfer) {
	transfers := &disk.transfers
	submitStatus := false
	transferSent := false

	if transfer != transfers.Command && transfer.Err != nil &&
		errors.Is(transfer.Err, ErrTransferStalled) {

		// The status and data IN transfers halt the IN endpoint, the
		// data OUT transfer halts the OUT endpoint.
		endpoint := disk.device.inEndpoint
		if transfer == transfers.DataOut {
			endpoint = disk.device.outEndpoint
		}
		disk.device.clearEndpoint(endpoint, false)

		if transfer == transfers.Status &&
			disk.statusTransferAttempts < statusTransferAttemptLimit {
			submitStatus = true
		}
	}

	switch {
	case transfer == transfers.Command:
		// A failed command transfer ends the sequence here; there is
		// no guarantee about any of the later phases.
		if transfer.Err == nil {
			transfers.DataIn.Err = nil
			transfers.DataOut.Err = nil
			switch {
			case transfers.DataIn.Length != 0:
				transferSent = disk.device.host.Submit(transfers.DataIn) == nil
			case transfers.DataOut.Length != 0:
				transferSent = disk.device.host.Submit(transfers.DataOut) == nil
			default:
				submitStatus = true
			}
		}

	case transfer != transfers.Status && !errors.Is(transfer.Err, ErrTransferDeviceIO):
		// The status wrapper is expected even after a failed data
		// phase. A device I/O error skips it; the endpoint will go
		// through reset recovery instead.
		submitStatus = true
	}

	if submitStatus {
		transferSent = true
		disk.statusTransferAttempts++
		if disk.device.host.Submit(transfers.Status) != nil {
			disk.statusTransferAttempts--
			transferSent = false
		}
	}

	if transferSent {
		return
	}

	if disk.request == nil {
		select {
		case disk.event <- struct{}{}:
		default:
		}
		return
	}

	disk.continueIORequest()
}

// continueIORequest evaluates the finished command sequence of an
// asynchronous request and either completes it, retries the failed
// chunk, or sends the next one.
func (disk *Disk) continueIORequest() {
	request := disk.request

	bytesTransferred, err := disk.evaluateCommandStatus(false, false)
	disk.currentFragmentOffset += bytesTransferred
	disk.currentBytesTransferred += bytesTransferred

	if err == nil {
		if disk.currentBytesTransferred == request.size {
			disk.completeIORequest(nil)
			return
		}
		disk.ioRequestAttempts = 0
	} else {
		disk.ioRequestAttempts++
		if disk.ioRequestAttempts > ioRequestRetryCount {
			disk.completeIORequest(err)
			return
		}
	}

	// A submission failure here is more serious than a failed command
	// sequence, so it is not retried.
	if sendErr := disk.sendNextIoRequest(); sendErr != nil {
		disk.completeIORequest(sendErr)
	}
}

func (disk *Disk) completeIORequest(err error) {
	request := disk.request
	disk.request = nil
	request.BytesCompleted = disk.currentBytesTransferred
	request.Err = err

	if err != nil {
		disk.device.l.WithError(err).WithFields(logrus.Fields{
			"device": disk.device.name,
			"lun":    disk.lun,
			"bytes":  request.BytesCompleted,
		}).Debug("I/O request failed")
	}

	if request.Completion != nil {
		request.Completion(request)
	}
}

// sendNextIoRequest transmits the next chunk of the in-flight request,
// capped to the remainder of the current fragment, the remainder of the
// request, and the transport's transfer limit.
func (disk *Disk) sendNextIoRequest() error {
	request := disk.request

	fragment := request.Fragments[disk.currentFragment]
	if disk.currentFragmentOffset == len(fragment) {
		disk.currentFragment++
		disk.currentFragmentOffset = 0
		if disk.currentFragment == len(request.Fragments) {
			return nil
		}
		fragment = request.Fragments[disk.currentFragment]
	}

	requestSize := len(fragment) - disk.currentFragmentOffset
	if remaining := request.size - disk.currentBytesTransferred; remaining < requestSize {
		requestSize = remaining
	}
	if requestSize > maxDataTransfer {
		requestSize = maxDataTransfer
	}

	block := request.BlockAddress + uint64(disk.currentBytesTransferred)>>disk.blockShift
	blockCount := requestSize >> disk.blockShift
	if block >= disk.blockCount || block+uint64(blockCount) > disk.blockCount {
		return ErrOutOfBounds
	}

	opcode := uint8(scsiRead10)
	commandLength := uint8(scsiRead10Size)
	dataIn := true
	dataTransfer := disk.transfers.DataIn
	if request.Write {
		opcode = scsiWrite10
		commandLength = scsiWrite10Size
		dataIn = false
		dataTransfer = disk.transfers.DataOut
	}

	buffer := fragment[disk.currentFragmentOffset : disk.currentFragmentOffset+requestSize]
	command := disk.setupCommand(disk.allocateTag(), requestSize, commandLength, dataIn, false, buffer)
	fillReadWrite10(command, opcode, disk.lun, uint32(block), uint16(blockCount))
	dataTransfer.Length = requestSize

	return disk.sendCommand()
}

// evaluateCommandStatus inspects a finished command sequence per the
// bulk-only transport rules and returns the number of data bytes the
// device reports as transferred. Any failure triggers reset recovery
// unless disabled.
func (disk *Disk) evaluateCommandStatus(polled, disableRecovery bool) (int, error) {
	transfers := &disk.transfers
	if polled {
		transfers = &disk.device.polled.Load().transfers
	}

	bytesTransferred := 0
	var err error

	switch {
	// A failed command transfer invalidates everything after it.
	case transfers.Command.Err != nil:
		err = transfers.Command.Err

	case transfers.DataIn.Err != nil || transfers.DataOut.Err != nil:
		err = ErrDeviceIO

	// Without a successful status transfer there is no guarantee the
	// CSW was ever sent.
	case transfers.Status.Err != nil:
		err = transfers.Status.Err

	default:
		status := decodeCSW(transfers.Status.Buffer)
		commandTag := binary.LittleEndian.Uint32(transfers.Command.Buffer[4:8])
		dataLength := binary.LittleEndian.Uint32(transfers.Command.Buffer[8:12])

		switch {
		case transfers.Status.LengthTransferred != cswSize ||
			status.Signature != cswSignature || status.Tag != commandTag:
			disk.device.l.WithFields(logrus.Fields{
				"device":    disk.device.name,
				"signature": status.Signature,
				"tag":       status.Tag,
			}).Debug("Invalid command status wrapper, possible cache coherency issue")
			err = ErrDeviceIO

		// A meaningful status is success or failure with a residue no
		// larger than what was requested.
		case (status.Status == cswStatusSuccess || status.Status == cswStatusFailed) &&
			status.DataResidue <= dataLength:
			bytesTransferred = int(dataLength - status.DataResidue)

		// A phase error carries no meaningful residue; the device
		// needs a reset recovery.
		case status.Status == cswStatusPhaseError:
			err = ErrDeviceIO

		// Valid but not meaningful. The transport spec says the host
		// "may" reset here; every other failure in this routine does.
		default:
			err = ErrDeviceIO
		}
	}

	if err != nil && !disableRecovery {
		disk.device.resetRecovery(polled)
	}

	return bytesTransferred, err
}

// resetRecovery performs the bulk-only reset sequence: a mass storage
// reset followed by clearing the halt feature on the IN and then the
// OUT endpoint. A failure here means the device is likely gone, which
// is reported through the error notifier.
func (d *Device) resetRecovery(polled bool) error {
	d.metricResetRecoveries.Inc(1)

	err := d.reset(polled)
	if err == nil {
		err = d.clearHalts(polled)
	}

	if err != nil {
		d.l.WithError(err).WithField("device", d.name).Warn("Reset recovery failed")
		if !polled && d.errorNotify != nil {
			d.errorNotify(d, err)
		}
	}

	return err
}

// reset issues the bulk-only mass storage reset class request.
func (d *Device) reset(polled bool) error {
	setup := SetupPacket{
		RequestType: setupRequestClass | setupRequestInterface,
		Request:     requestResetDevice,
		Index:       uint16(d.interfaceNumber),
	}

	_, err := d.host.ControlTransfer(setup, DirectionOut, nil, polled)
	return err
}

func (d *Device) clearHalts(polled bool) error {
	if err := d.clearEndpoint(d.inEndpoint, polled); err != nil {
		return err
	}
	return d.clearEndpoint(d.outEndpoint, polled)
}

// clearEndpoint clears the halt feature on one endpoint. In polled mode
// the endpoint is also flushed, since nothing else will reset its
// pending transfers.
func (d *Device) clearEndpoint(endpoint uint8, polled bool) error {
	setup := SetupPacket{
		RequestType: setupRequestEndpointRecipient,
		Request:     requestClearFeature,
		Value:       featureEndpointHalt,
		Index:       uint16(endpoint),
	}

	if _, err := d.host.ControlTransfer(setup, DirectionOut, nil, polled); err != nil {
		return err
	}

	if polled {
		return d.host.FlushEndpoint(endpoint)
	}
	return nil
}
