package usbmass

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCBW(t *testing.T) {
	buf := make([]byte, commandBufferSize)
	command := encodeCBW(buf, 0xdeadbeef, 0x1234, 3, 10, true)

	assert.Equal(t, uint32(cbwSignature), binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(buf[4:8]))
	assert.Equal(t, uint32(0x1234), binary.LittleEndian.Uint32(buf[8:12]))
	assert.Equal(t, byte(cbwFlagDataIn), buf[12])
	assert.Equal(t, byte(3), buf[13])
	assert.Equal(t, byte(10), buf[14])
	require.Len(t, command, maxCommandLength)

	// The command region must start right after the fixed header and
	// arrive zeroed.
	command[0] = 0xAA
	assert.Equal(t, byte(0xAA), buf[15])
	assert.True(t, bytes.Equal(buf[16:31], make([]byte, 15)))

	command = encodeCBW(buf, 1, 0, 0, 6, false)
	assert.Equal(t, byte(0), buf[12])
	assert.Equal(t, byte(0), command[0])
}

func TestFillReadWrite10(t *testing.T) {
	command := make([]byte, maxCommandLength)
	fillReadWrite10(command, scsiRead10, 2, 0x00ABCDEF, 0x0120)

	assert.Equal(t, byte(scsiRead10), command[0])
	assert.Equal(t, byte(2<<lunShift), command[1])
	assert.Equal(t, uint32(0x00ABCDEF), binary.BigEndian.Uint32(command[2:6]))
	assert.Equal(t, uint16(0x0120), binary.BigEndian.Uint16(command[7:9]))
}

func TestSetupCommandBufferPlacement(t *testing.T) {
	h := newScriptedHost(16, 512)
	d := newTestDevice(t, h)
	disk := d.newDisk(0)

	// In-scratch data phase: the status wrapper sits after the CBW
	// plus the aligned data region.
	disk.setupCommand(7, 36, scsiInquirySize, true, false, nil)
	transfers := &disk.transfers

	assert.Len(t, transfers.Command.Buffer, cbwSize)
	assert.Equal(t, cbwSize, transfers.Command.Length)
	assert.Len(t, transfers.DataIn.Buffer, 40)
	assert.Zero(t, transfers.DataIn.Length)
	assert.Len(t, transfers.Status.Buffer, cswSize)

	transfers.Status.Buffer[0] = 0xEE
	assert.Equal(t, byte(0xEE), transfers.buffer[cbwSize+40])

	// External buffer: the status wrapper starts right after the CBW.
	external := make([]byte, 1024)
	disk.setupCommand(8, len(external), scsiWrite10Size, false, false, external)

	transfers.Status.Buffer[0] = 0xDD
	assert.Equal(t, byte(0xDD), transfers.buffer[cbwSize])
	assert.Same(t, &external[0], &transfers.DataOut.Buffer[0])
}

func writeCSWBytes(buf []byte, tag, residue uint32, status uint8) {
	binary.LittleEndian.PutUint32(buf[0:4], cswSignature)
	binary.LittleEndian.PutUint32(buf[4:8], tag)
	binary.LittleEndian.PutUint32(buf[8:12], residue)
	buf[12] = status
}

func TestEvaluateCommandStatus(t *testing.T) {
	transferErr := errors.New("transfer torn down")

	tests := []struct {
		name      string
		mutate    func(disk *Disk)
		wantBytes int
		wantErr   error
	}{
		{
			name: "command transfer failure",
			mutate: func(disk *Disk) {
				disk.transfers.Command.Err = transferErr
			},
			wantErr: transferErr,
		},
		{
			name: "data in error",
			mutate: func(disk *Disk) {
				disk.transfers.DataIn.Err = ErrTransferStalled
			},
			wantErr: ErrDeviceIO,
		},
		{
			name: "data out error",
			mutate: func(disk *Disk) {
				disk.transfers.DataOut.Err = ErrTransferDeviceIO
			},
			wantErr: ErrDeviceIO,
		},
		{
			name: "status transfer failure",
			mutate: func(disk *Disk) {
				disk.transfers.Status.Err = ErrTransferStalled
			},
			wantErr: ErrTransferStalled,
		},
		{
			name: "short status wrapper",
			mutate: func(disk *Disk) {
				disk.transfers.Status.LengthTransferred = cswSize - 1
			},
			wantErr: ErrDeviceIO,
		},
		{
			name: "bad signature",
			mutate: func(disk *Disk) {
				binary.LittleEndian.PutUint32(disk.transfers.Status.Buffer[0:4], 0x11111111)
			},
			wantErr: ErrDeviceIO,
		},
		{
			name: "tag mismatch",
			mutate: func(disk *Disk) {
				binary.LittleEndian.PutUint32(disk.transfers.Status.Buffer[4:8], 99)
			},
			wantErr: ErrDeviceIO,
		},
		{
			name:      "success with no residue",
			mutate:    func(disk *Disk) {},
			wantBytes: 512,
		},
		{
			name: "failed status with residue",
			mutate: func(disk *Disk) {
				writeCSWBytes(disk.transfers.Status.Buffer, 42, 128, cswStatusFailed)
			},
			wantBytes: 384,
		},
		{
			name: "residue larger than request",
			mutate: func(disk *Disk) {
				writeCSWBytes(disk.transfers.Status.Buffer, 42, 1024, cswStatusSuccess)
			},
			wantErr: ErrDeviceIO,
		},
		{
			name: "phase error",
			mutate: func(disk *Disk) {
				writeCSWBytes(disk.transfers.Status.Buffer, 42, 0, cswStatusPhaseError)
			},
			wantErr: ErrDeviceIO,
		},
		{
			name: "unknown status value",
			mutate: func(disk *Disk) {
				writeCSWBytes(disk.transfers.Status.Buffer, 42, 0, 7)
			},
			wantErr: ErrDeviceIO,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newScriptedHost(16, 512)
			d := newTestDevice(t, h)
			disk := d.newDisk(0)

			disk.setupCommand(42, 512, scsiRead10Size, true, false, make([]byte, 512))
			disk.transfers.Status.LengthTransferred = cswSize
			writeCSWBytes(disk.transfers.Status.Buffer, 42, 0, cswStatusSuccess)
			tt.mutate(disk)

			bytesTransferred, err := disk.evaluateCommandStatus(false, true)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantBytes, bytesTransferred)

			// Recovery was disabled, so no control traffic.
			assert.Empty(t, h.controlCalls)
		})
	}
}

func TestEvaluateFailureTriggersResetRecovery(t *testing.T) {
	h := newScriptedHost(16, 512)
	d := newTestDevice(t, h)
	disk := d.newDisk(0)

	disk.setupCommand(1, 0, scsiTestUnitReadySize, true, false, nil)
	disk.transfers.Status.LengthTransferred = cswSize
	writeCSWBytes(disk.transfers.Status.Buffer, 1, 0, cswStatusPhaseError)

	_, err := disk.evaluateCommandStatus(false, false)
	assert.ErrorIs(t, err, ErrDeviceIO)

	// Reset, then clear halt on IN, then on OUT.
	assert.Equal(t, 1, h.resetCalls())
	assert.Equal(t, []uint16{0x81, 0x02}, h.clearHaltCalls())
}

func TestStatusStallRetriesAndGivesUp(t *testing.T) {
	h := newScriptedHost(16, 512)
	_, disk := newTestDisk(t, h)

	h.controlCalls = nil
	h.statusCount = 0
	h.statusErr = func() error { return ErrTransferStalled }

	err := disk.TestUnitReady()
	assert.ErrorIs(t, err, ErrTransferStalled)

	// One initial status submission plus one retry after the first
	// stall; the second stall exhausts the attempt budget.
	assert.Equal(t, 2, h.statusCount)
	assert.Equal(t, statusTransferAttemptLimit, disk.statusTransferAttempts)

	// Each stall cleared the IN endpoint, then reset recovery cleared
	// both endpoints.
	assert.Equal(t, []uint16{0x81, 0x81, 0x81, 0x02}, h.clearHaltCalls())
	assert.Equal(t, 1, h.resetCalls())
}

func TestDataStallStillFetchesStatus(t *testing.T) {
	h := newScriptedHost(16, 512)
	_, disk := newTestDisk(t, h)

	h.controlCalls = nil
	stalled := false
	h.dataErr = func(tr *Transfer) error {
		if !stalled {
			stalled = true
			return ErrTransferStalled
		}
		return nil
	}

	// The stalled data phase clears the IN endpoint but the status
	// wrapper is still collected; its residue reports nothing moved,
	// so the chunk is retried and succeeds.
	buf := make([]byte, 512)
	done := 0
	request := &IORequest{
		Fragments:  [][]byte{buf},
		Completion: func(r *IORequest) { done++ },
	}
	require.NoError(t, disk.SubmitIO(request))

	assert.Equal(t, 1, done)
	assert.NoError(t, request.Err)
	assert.Equal(t, 512, request.BytesCompleted)
	assert.Equal(t, []uint16{0x81}, h.clearHaltCalls()[:1])
	assert.Equal(t, buf, h.storage[:512])
}

func TestDataDeviceErrorSkipsStatus(t *testing.T) {
	h := newScriptedHost(16, 512)
	_, disk := newTestDisk(t, h)

	h.statusCount = 0
	failed := false
	h.dataErr = func(tr *Transfer) error {
		if !failed {
			failed = true
			return ErrTransferDeviceIO
		}
		return nil
	}

	buf := make([]byte, 512)
	request := &IORequest{Fragments: [][]byte{buf}}
	require.NoError(t, disk.SubmitIO(request))

	require.NoError(t, request.Err)
	assert.Equal(t, 512, request.BytesCompleted)

	// Only the successful retry collected a status wrapper.
	assert.Equal(t, 1, h.statusCount)
}

func TestReadChunksLargeRequest(t *testing.T) {
	blockSize := 512
	blocks := 384 // 192 KiB
	h := newScriptedHost(blocks, blockSize)
	_, disk := newTestDisk(t, h)

	h.cbwLog = nil
	size := 160 * 1024
	buf := make([]byte, size)
	request := &IORequest{BlockAddress: 16, Fragments: [][]byte{buf}}
	require.NoError(t, disk.SubmitIO(request))

	require.NoError(t, request.Err)
	assert.Equal(t, size, request.BytesCompleted)
	assert.Equal(t, h.storage[16*blockSize:16*blockSize+size], buf)

	// 160 KiB splits into 64 + 64 + 32 KiB chunks.
	require.Len(t, h.cbwLog, 3)
	for i, wantBlocks := range []uint16{128, 128, 64} {
		cbw := h.cbwLog[i]
		assert.Equal(t, byte(scsiRead10), cbw.command[0])
		assert.True(t, cbw.dataIn)
		assert.Equal(t, uint32(wantBlocks)<<9, cbw.dataLength)
		assert.Equal(t, wantBlocks, binary.BigEndian.Uint16(cbw.command[7:9]))
	}
	assert.Equal(t, uint32(16), binary.BigEndian.Uint32(h.cbwLog[0].command[2:6]))
	assert.Equal(t, uint32(144), binary.BigEndian.Uint32(h.cbwLog[1].command[2:6]))
	assert.Equal(t, uint32(272), binary.BigEndian.Uint32(h.cbwLog[2].command[2:6]))
}

func TestWriteAcrossFragments(t *testing.T) {
	h := newScriptedHost(32, 512)
	_, disk := newTestDisk(t, h)

	h.cbwLog = nil
	first := bytes.Repeat([]byte{0x11}, 1024)
	second := bytes.Repeat([]byte{0x22}, 512)
	request := &IORequest{
		Write:        true,
		BlockAddress: 4,
		Fragments:    [][]byte{first, second},
	}
	require.NoError(t, disk.SubmitIO(request))

	require.NoError(t, request.Err)
	assert.Equal(t, 1536, request.BytesCompleted)

	// One chunk per fragment, since chunks never span fragments.
	require.Len(t, h.cbwLog, 2)
	assert.Equal(t, byte(scsiWrite10), h.cbwLog[0].command[0])
	assert.False(t, h.cbwLog[0].dataIn)
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(h.cbwLog[0].command[2:6]))
	assert.Equal(t, uint32(6), binary.BigEndian.Uint32(h.cbwLog[1].command[2:6]))

	assert.Equal(t, first, h.storage[4*512:6*512])
	assert.Equal(t, second, h.storage[6*512:7*512])
}

func TestSubmitIOValidation(t *testing.T) {
	h := newScriptedHost(16, 512)
	_, disk := newTestDisk(t, h)

	err := disk.SubmitIO(&IORequest{})
	assert.ErrorIs(t, err, ErrDataLengthMismatch)

	err = disk.SubmitIO(&IORequest{Fragments: [][]byte{make([]byte, 100)}})
	assert.ErrorIs(t, err, ErrDataLengthMismatch)
}

func TestSubmitIOOutOfBounds(t *testing.T) {
	h := newScriptedHost(16, 512)
	_, disk := newTestDisk(t, h)

	buf := make([]byte, 1024)
	err := disk.SubmitIO(&IORequest{BlockAddress: 15, Fragments: [][]byte{buf}})
	assert.ErrorIs(t, err, ErrOutOfBounds)

	// The failed submission left no request in flight.
	err = disk.SubmitIO(&IORequest{BlockAddress: 14, Fragments: [][]byte{buf}})
	assert.NoError(t, err)
}

func TestSubmitIORejectsSecondRequest(t *testing.T) {
	h := newScriptedHost(16, 512)
	_, disk := newTestDisk(t, h)

	h.manual = true
	buf := make([]byte, 512)
	require.NoError(t, disk.SubmitIO(&IORequest{Fragments: [][]byte{buf}}))

	err := disk.SubmitIO(&IORequest{Fragments: [][]byte{buf}})
	assert.ErrorIs(t, err, ErrRequestInFlight)

	h.pumpAll()
}

func TestIORetriesThenFails(t *testing.T) {
	h := newScriptedHost(16, 512)
	_, disk := newTestDisk(t, h)

	h.commandCount = 0
	h.cswStatus = func() uint8 { return cswStatusPhaseError }

	buf := make([]byte, 512)
	request := &IORequest{Fragments: [][]byte{buf}}
	require.NoError(t, disk.SubmitIO(request))

	assert.ErrorIs(t, request.Err, ErrDeviceIO)
	assert.Zero(t, request.BytesCompleted)

	// The initial attempt plus the full retry budget.
	assert.Equal(t, 1+ioRequestRetryCount, h.commandCount)
	assert.Equal(t, 1+ioRequestRetryCount, h.resetCalls())
}

func TestIORetryCounterResetsOnSuccess(t *testing.T) {
	h := newScriptedHost(512, 512)
	_, disk := newTestDisk(t, h)

	// Fail the first chunk twice; later chunks succeed cleanly.
	failures := 2
	h.cswStatus = func() uint8 {
		if failures > 0 {
			failures--
			return cswStatusPhaseError
		}
		return cswStatusSuccess
	}

	buf := make([]byte, 128*1024)
	request := &IORequest{Fragments: [][]byte{buf}}
	require.NoError(t, disk.SubmitIO(request))

	require.NoError(t, request.Err)
	assert.Equal(t, len(buf), request.BytesCompleted)
	assert.Zero(t, disk.ioRequestAttempts)
	assert.Equal(t, h.storage[:len(buf)], buf)
}
