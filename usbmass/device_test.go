package usbmass

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T, h *scriptedHost) *Device {
	d, err := NewDevice(testLogger(), h, Config{
		Name:            "usb-disk0",
		InterfaceNumber: 0,
		InEndpoint:      0x81,
		OutEndpoint:     0x02,
	})
	require.NoError(t, err)
	return d
}

func newTestDisk(t *testing.T, h *scriptedHost) (*Device, *Disk) {
	d := newTestDevice(t, h)
	require.NoError(t, d.Start())
	disks := d.Disks()
	require.Len(t, disks, 1)
	return d, disks[0]
}

func TestNewDeviceValidatesEndpoints(t *testing.T) {
	h := newScriptedHost(8, 512)

	_, err := NewDevice(testLogger(), h, Config{InEndpoint: 0x01, OutEndpoint: 0x02})
	assert.ErrorIs(t, err, ErrInvalidDevice)

	_, err = NewDevice(testLogger(), h, Config{InEndpoint: 0x81, OutEndpoint: 0x82})
	assert.ErrorIs(t, err, ErrInvalidDevice)

	_, err = NewDevice(testLogger(), h, Config{InEndpoint: 0x81, OutEndpoint: 0x02})
	assert.NoError(t, err)
}

func TestStartBringsDiskOnline(t *testing.T) {
	h := newScriptedHost(64, 512)
	_, disk := newTestDisk(t, h)

	assert.Equal(t, uint64(64), disk.BlockCount())
	assert.Equal(t, 512, disk.BlockSize())
	assert.Equal(t, uint8(0), disk.LUN())
	assert.True(t, disk.Connected())
}

func TestStartEnumeratesMultipleLuns(t *testing.T) {
	h := newScriptedHost(16, 512)
	h.maxLun = 1

	d := newTestDevice(t, h)
	require.NoError(t, d.Start())

	disks := d.Disks()
	require.Len(t, disks, 2)
	assert.Equal(t, uint8(0), disks[0].LUN())
	assert.Equal(t, uint8(1), disks[1].LUN())
}

func TestGetMaxLunStallMeansOneLun(t *testing.T) {
	h := newScriptedHost(16, 512)
	h.maxLunErr = ErrTransferStalled

	d := newTestDevice(t, h)
	require.NoError(t, d.Start())
	assert.Len(t, d.Disks(), 1)
}

func TestGetMaxLunFailures(t *testing.T) {
	h := newScriptedHost(16, 512)
	h.maxLunErr = errors.New("bus gone")
	d := newTestDevice(t, h)
	assert.Error(t, d.Start())

	h = newScriptedHost(16, 512)
	h.maxLun = 9
	d = newTestDevice(t, h)
	assert.ErrorIs(t, d.Start(), ErrInvalidDevice)
}

func TestStartRetriesReadCapacity(t *testing.T) {
	h := newScriptedHost(32, 512)

	// Fail the first read capacity attempt with a phase error. The
	// startup loop should request sense and try again.
	failures := 1
	h.cswStatus = func() uint8 {
		if h.lastCBW.command[0] == scsiReadCapacity && failures > 0 {
			failures--
			return cswStatusPhaseError
		}
		return cswStatusSuccess
	}

	_, disk := newTestDisk(t, h)
	assert.Equal(t, uint64(32), disk.BlockCount())
	assert.Zero(t, failures)

	// The failed attempt forced a reset recovery.
	assert.Equal(t, 1, h.resetCalls())

	senses := 0
	for _, cbw := range h.cbwLog {
		if cbw.command[0] == scsiRequestSense {
			senses++
		}
	}
	assert.Equal(t, 1, senses)
}

func TestStartRejectsBadBlockSize(t *testing.T) {
	h := newScriptedHost(16, 512)
	h.cswStatus = nil

	d := newTestDevice(t, h)

	disk := d.newDisk(0)
	assert.NoError(t, disk.start())

	assert.ErrorIs(t, disk.applyCapacity(16, 520), ErrInvalidDevice)
	assert.ErrorIs(t, disk.applyCapacity(0, 512), ErrInvalidDevice)
	assert.ErrorIs(t, disk.applyCapacity(16, 0), ErrInvalidDevice)
	assert.NoError(t, disk.applyCapacity(16, 4096))
	assert.Equal(t, 4096, disk.BlockSize())
}

func TestInquiryAndModeSense(t *testing.T) {
	h := newScriptedHost(16, 512)
	_, disk := newTestDisk(t, h)

	data, err := disk.Inquiry()
	require.NoError(t, err)
	require.Len(t, data, scsiInquiryDataSize)
	assert.Equal(t, "SCRIPTED", string(data[8:16]))

	pages, err := disk.ModeSense()
	require.NoError(t, err)
	require.NotEmpty(t, pages)
	assert.Equal(t, byte(3), pages[0])

	assert.NoError(t, disk.TestUnitReady())
}

func TestRemoveDisk(t *testing.T) {
	h := newScriptedHost(16, 512)
	d, disk := newTestDisk(t, h)

	require.NoError(t, d.RemoveDisk(disk))
	assert.Empty(t, d.Disks())
	assert.False(t, disk.Connected())

	_, err := disk.Inquiry()
	assert.ErrorIs(t, err, ErrDeviceNotConnected)
	assert.ErrorIs(t, disk.TestUnitReady(), ErrDeviceNotConnected)

	buf := make([]byte, 512)
	err = disk.SubmitIO(&IORequest{Fragments: [][]byte{buf}})
	assert.ErrorIs(t, err, ErrDeviceNotConnected)
}

func TestRemoveDiskRejectsInFlightRequest(t *testing.T) {
	h := newScriptedHost(16, 512)
	d, disk := newTestDisk(t, h)

	h.manual = true
	buf := make([]byte, 512)
	require.NoError(t, disk.SubmitIO(&IORequest{Fragments: [][]byte{buf}}))

	assert.ErrorIs(t, d.RemoveDisk(disk), ErrRequestInFlight)

	h.pumpAll()
	assert.NoError(t, d.RemoveDisk(disk))
}
