package usbmass

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

const (
	// commandBufferSize is the per-disk scratch allocation holding the
	// CBW, small in-scratch data phases, and the CSW.
	commandBufferSize = 0x200

	// maxDataTransfer caps a single bulk data phase. Larger requests
	// are chunked.
	maxDataTransfer = 64 * 1024

	// statusTransferAttemptLimit bounds CSW resubmissions after a
	// status-phase stall.
	statusTransferAttemptLimit = 2

	// ioRequestRetryCount bounds whole-chunk retries of a failed I/O
	// command before the request is failed.
	ioRequestRetryCount = 3

	// startDiskRetryCount bounds the query-command retry loops during
	// disk startup.
	startDiskRetryCount = 3

	maxLunNumber = 7
)

// Timeouts for the capacity and unit-ready polls during startup.
const (
	readCapacityTimeout = 30 * time.Second
	unitReadyTimeout    = 30 * time.Second
	startDiskPollDelay  = 10 * time.Millisecond
)

// Transfers is the quadruple of bulk transfers a command sequence uses.
// All four share one scratch buffer; the data transfers are repointed at
// the caller's buffer for real block I/O.
type Transfers struct {
	Command *Transfer
	Status  *Transfer
	DataIn  *Transfer
	DataOut *Transfer

	buffer []byte
}

// Device is one physical mass storage device: a pair of bulk endpoints
// shared by every LUN behind them. The single lock serializes all
// command activity, since the transport allows only one outstanding
// command per endpoint pair.
type Device struct {
	l    *logrus.Logger
	host Host
	name string

	interfaceNumber uint8
	inEndpoint      uint8
	outEndpoint     uint8

	mu    sync.Mutex
	disks []*Disk

	polled atomic.Pointer[PolledIOState]

	// errorNotify is the side channel for failures that indicate the
	// device itself should be considered broken, beyond the failing
	// call.
	errorNotify func(d *Device, err error)

	metricResetRecoveries metrics.Counter
}

// Config describes a discovered bulk-only interface.
type Config struct {
	Name            string
	InterfaceNumber uint8
	InEndpoint      uint8
	OutEndpoint     uint8

	// ErrorNotify receives device-fatal conditions such as persistent
	// reset-recovery failure. Optional.
	ErrorNotify func(d *Device, err error)
}

// NewDevice builds a device around a host controller contract. The in
// endpoint must have the direction bit set and the out endpoint clear.
func NewDevice(l *logrus.Logger, host Host, config Config) (*Device, error) {
	if config.InEndpoint&0x80 == 0 || config.OutEndpoint&0x80 != 0 {
		return nil, ErrInvalidDevice
	}

	return &Device{
		l:                     l,
		host:                  host,
		name:                  config.Name,
		interfaceNumber:       config.InterfaceNumber,
		inEndpoint:            config.InEndpoint,
		outEndpoint:           config.OutEndpoint,
		errorNotify:           config.ErrorNotify,
		metricResetRecoveries: metrics.GetOrRegisterCounter("usbmass.reset_recoveries", nil),
	}, nil
}

// Disk is one logical unit of a device.
type Disk struct {
	device *Device
	lun    uint8

	transfers Transfers

	// event is signaled by the completion callback when a synchronous
	// command's transfer chain finishes.
	event chan struct{}

	// request is the in-flight asynchronous I/O request, nil when
	// idle. Synchronous commands require it to be nil.
	request *IORequest

	nextTag uint32

	statusTransferAttempts int
	ioRequestAttempts      int

	currentFragment         int
	currentFragmentOffset   int
	currentBytesTransferred int

	blockCount uint64
	blockShift uint

	connected bool
}

// LUN returns the disk's logical unit number.
func (disk *Disk) LUN() uint8 { return disk.lun }

// BlockCount returns the disk's capacity in blocks.
func (disk *Disk) BlockCount() uint64 { return disk.blockCount }

// BlockSize returns the disk's block size in bytes.
func (disk *Disk) BlockSize() int { return 1 << disk.blockShift }

// Connected reports whether the disk is still attached.
func (disk *Disk) Connected() bool {
	disk.device.mu.Lock()
	defer disk.device.mu.Unlock()
	return disk.connected
}

func (d *Device) newDisk(lun uint8) *Disk {
	disk := &Disk{
		device:    d,
		lun:       lun,
		event:     make(chan struct{}, 1),
		connected: true,
	}
	disk.transfers = d.newTransfers(disk, false)
	return disk
}

// newTransfers allocates a transfer quadruple over a fresh scratch
// buffer. Polled quadruples complete inline and carry no callback.
func (d *Device) newTransfers(disk *Disk, polled bool) Transfers {
	t := Transfers{buffer: make([]byte, commandBufferSize)}

	t.Command = &Transfer{Endpoint: d.outEndpoint, Direction: DirectionOut, UserData: disk}
	t.Status = &Transfer{Endpoint: d.inEndpoint, Direction: DirectionIn, UserData: disk}
	t.DataIn = &Transfer{Endpoint: d.inEndpoint, Direction: DirectionIn, UserData: disk}
	t.DataOut = &Transfer{Endpoint: d.outEndpoint, Direction: DirectionOut, UserData: disk}

	if !polled {
		callback := disk.transferCompletion
		t.Command.Callback = callback
		t.Status.Callback = callback
		t.DataIn.Callback = callback
		t.DataOut.Callback = callback
	}

	return t
}

// Disks returns the device's logical units.
func (d *Device) Disks() []*Disk {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Disk(nil), d.disks...)
}

// Start enumerates the device's logical units and brings each one up.
// LUNs whose startup fails are logged and skipped; one broken unit does
// not take down its siblings.
func (d *Device) Start() error {
	lunCount, err := d.lunCount()
	if err != nil {
		return err
	}

	for lun := uint8(0); lun < lunCount; lun++ {
		disk := d.newDisk(lun)
		if err := disk.start(); err != nil {
			d.l.WithError(err).WithFields(logrus.Fields{
				"device": d.name,
				"lun":    lun,
			}).Warn("Disk failed to start")
			continue
		}

		d.mu.Lock()
		d.disks = append(d.disks, disk)
		d.mu.Unlock()

		d.l.WithFields(logrus.Fields{
			"device": d.name,
			"lun":    lun,
			"blocks": disk.blockCount,
			"size":   disk.BlockSize(),
		}).Info("Disk online")
	}

	return nil
}

// lunCount asks the device how many logical units it has via the
// GetMaxLun class request. A stall means the device has exactly one.
func (d *Device) lunCount() (uint8, error) {
	setup := SetupPacket{
		RequestType: setupRequestToHost | setupRequestClass | setupRequestInterface,
		Request:     requestGetMaxLun,
		Index:       uint16(d.interfaceNumber),
		Length:      1,
	}

	var maxLun [1]byte
	n, err := d.host.ControlTransfer(setup, DirectionIn, maxLun[:], false)
	if err != nil {
		// Devices with a single LUN are allowed to stall this request
		// instead of answering it.
		if errors.Is(err, ErrTransferStalled) {
			return 1, nil
		}
		return 0, err
	}
	if n < 1 || maxLun[0] > maxLunNumber {
		return 0, ErrInvalidDevice
	}

	return maxLun[0] + 1, nil
}

// RemoveDisk unlinks a disk after its unit disappears. No I/O may be in
// flight; further attempts fail fast with ErrDeviceNotConnected.
func (d *Device) RemoveDisk(disk *Disk) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if disk.request != nil {
		return ErrRequestInFlight
	}

	for i, candidate := range d.disks {
		if candidate == disk {
			d.disks = append(d.disks[:i], d.disks[i+1:]...)
			break
		}
	}
	disk.connected = false

	d.l.WithFields(logrus.Fields{
		"device": d.name,
		"lun":    disk.lun,
	}).Info("Disk removed")

	return nil
}

// start brings one logical unit online: a greeting inquiry, the
// capacity reads, and a unit-ready poll, each with a bounded retry
// budget since units routinely report "not ready yet" while spinning
// up.
func (disk *Disk) start() error {
	d := disk.device
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := disk.inquiry(); err != nil {
		return err
	}

	// Read format capacities is advisory; some devices stall it
	// forever. Any failure here falls through to read capacity.
	for try := 0; try < startDiskRetryCount; try++ {
		if err := disk.readFormatCapacities(); err == nil {
			break
		}
		if err := disk.requestSense(); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(readCapacityTimeout)
	for {
		err := disk.readCapacity()
		if err == nil {
			break
		}
		if err := disk.requestSense(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("read capacity timed out: %w", err)
		}
		time.Sleep(startDiskPollDelay)
	}

	deadline = time.Now().Add(unitReadyTimeout)
	for {
		err := disk.testUnitReady()
		if err == nil {
			break
		}
		if err := disk.requestSense(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("unit ready timed out: %w", err)
		}
		time.Sleep(startDiskPollDelay)
	}

	return nil
}

// Inquiry returns the disk's raw SCSI inquiry data.
func (disk *Disk) Inquiry() ([]byte, error) {
	disk.device.mu.Lock()
	defer disk.device.mu.Unlock()
	if !disk.connected {
		return nil, ErrDeviceNotConnected
	}

	data, err := disk.inquiry()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// ModeSense returns the disk's raw mode pages.
func (disk *Disk) ModeSense() ([]byte, error) {
	disk.device.mu.Lock()
	defer disk.device.mu.Unlock()
	if !disk.connected {
		return nil, ErrDeviceNotConnected
	}

	data, err := disk.modeSense()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// TestUnitReady reports whether the unit will accept I/O commands.
func (disk *Disk) TestUnitReady() error {
	disk.device.mu.Lock()
	defer disk.device.mu.Unlock()
	if !disk.connected {
		return ErrDeviceNotConnected
	}
	return disk.testUnitReady()
}

// inquiry sends the standard INQUIRY and returns the raw response.
func (disk *Disk) inquiry() ([]byte, error) {
	command := disk.setupCommand(disk.allocateTag(), scsiInquiryDataSize,
		scsiInquirySize, true, false, nil)
	command[0] = scsiInquiry
	command[1] = disk.lun << lunShift
	command[4] = scsiInquiryDataSize
	disk.transfers.DataIn.Length = scsiInquiryDataSize

	if err := disk.sendCommand(); err != nil {
		return nil, err
	}

	bytesTransferred, err := disk.evaluateCommandStatus(false, false)
	if err != nil {
		return nil, err
	}

	return disk.transfers.DataIn.Buffer[:bytesTransferred], nil
}

// testUnitReady asks whether the unit can accept I/O commands.
func (disk *Disk) testUnitReady() error {
	command := disk.setupCommand(disk.allocateTag(), 0,
		scsiTestUnitReadySize, true, false, nil)
	command[0] = scsiTestUnitReady
	command[1] = disk.lun << lunShift

	if err := disk.sendCommand(); err != nil {
		return err
	}

	_, err := disk.evaluateCommandStatus(false, false)
	return err
}

// requestSense fetches and discards sense data, which acknowledges and
// clears a unit's pending error condition.
func (disk *Disk) requestSense() error {
	command := disk.setupCommand(disk.allocateTag(), scsiRequestSenseDataSize,
		scsiRequestSenseSize, true, false, nil)
	command[0] = scsiRequestSense
	command[1] = disk.lun << lunShift
	command[4] = scsiRequestSenseDataSize
	disk.transfers.DataIn.Length = scsiRequestSenseDataSize

	if err := disk.sendCommand(); err != nil {
		return err
	}

	_, err := disk.evaluateCommandStatus(false, false)
	return err
}

// modeSense fetches the unit's mode pages.
func (disk *Disk) modeSense() ([]byte, error) {
	command := disk.setupCommand(disk.allocateTag(), scsiModeSense6DataSize,
		scsiModeSense6Size, true, false, nil)
	command[0] = scsiModeSense6
	command[1] = disk.lun << lunShift
	command[2] = 0x3F
	command[4] = scsiModeSense6DataSize
	disk.transfers.DataIn.Length = scsiModeSense6DataSize

	if err := disk.sendCommand(); err != nil {
		return nil, err
	}

	bytesTransferred, err := disk.evaluateCommandStatus(false, false)
	if err != nil {
		return nil, err
	}

	return disk.transfers.DataIn.Buffer[:bytesTransferred], nil
}

// readFormatCapacities reads the unit's formattable capacity list and
// applies the current descriptor.
func (disk *Disk) readFormatCapacities() error {
	command := disk.setupCommand(disk.allocateTag(), scsiReadFormatCapacitiesDataSize,
		scsiReadFormatCapacitiesSize, true, false, nil)
	command[0] = scsiReadFormatCapacities
	command[1] = disk.lun << lunShift
	command[8] = scsiReadFormatCapacitiesDataSize
	disk.transfers.DataIn.Length = scsiReadFormatCapacitiesDataSize

	if err := disk.sendCommand(); err != nil {
		return err
	}

	bytesTransferred, err := disk.evaluateCommandStatus(false, false)
	if err != nil {
		return err
	}

	// 4-byte list header, then the current capacity descriptor: 4-byte
	// block count, descriptor code byte, 4-byte block length.
	if bytesTransferred < 13 {
		return ErrDataLengthMismatch
	}

	data := disk.transfers.DataIn.Buffer
	blockCount := uint64(binary.BigEndian.Uint32(data[4:8])) + 1
	blockSize := binary.BigEndian.Uint32(data[9:13])

	return disk.applyCapacity(blockCount, blockSize)
}

// readCapacity reads the unit's block count and size.
func (disk *Disk) readCapacity() error {
	command := disk.setupCommand(disk.allocateTag(), scsiReadCapacityDataSize,
		scsiReadCapacitySize, true, false, nil)
	command[0] = scsiReadCapacity
	command[1] = disk.lun << lunShift
	disk.transfers.DataIn.Length = scsiReadCapacityDataSize

	if err := disk.sendCommand(); err != nil {
		return err
	}

	bytesTransferred, err := disk.evaluateCommandStatus(false, false)
	if err != nil {
		return err
	}
	if bytesTransferred < scsiReadCapacityDataSize {
		return ErrDataLengthMismatch
	}

	data := disk.transfers.DataIn.Buffer
	blockCount := uint64(binary.BigEndian.Uint32(data[0:4])) + 1
	blockSize := binary.BigEndian.Uint32(data[4:8])

	return disk.applyCapacity(blockCount, blockSize)
}

// applyCapacity validates and records the unit's geometry. Block sizes
// must be a power of two so byte offsets can be shifted, not divided.
func (disk *Disk) applyCapacity(blockCount uint64, blockSize uint32) error {
	if blockCount == 0 || blockSize == 0 {
		return ErrInvalidDevice
	}
	if blockSize&(blockSize-1) != 0 {
		disk.device.l.WithFields(logrus.Fields{
			"device":    disk.device.name,
			"lun":       disk.lun,
			"blockSize": blockSize,
		}).Warn("Invalid block size")
		return ErrInvalidDevice
	}

	disk.blockCount = blockCount
	disk.blockShift = uint(bits.TrailingZeros32(blockSize))
	return nil
}

func (disk *Disk) allocateTag() uint32 {
	disk.nextTag++
	return disk.nextTag
}
