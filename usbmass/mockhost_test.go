package usbmass

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
)

type cbwInfo struct {
	tag           uint32
	dataLength    uint32
	lun           uint8
	commandLength uint8
	dataIn        bool
	command       [16]byte
}

type controlCall struct {
	setup  SetupPacket
	polled bool
}

// scriptedHost emulates a bulk-only device backed by an in-memory block
// store. Fault hooks override individual phases; everything else
// behaves like a healthy disk. Transfers complete inline, which keeps
// the tests single goroutine. Manual mode queues submissions instead so
// a test can observe the in-flight state.
type scriptedHost struct {
	storage    []byte
	blockShift uint

	maxLun    uint8
	maxLunErr error

	commandErr func() error
	dataErr    func(t *Transfer) error
	statusErr  func() error
	cswStatus  func() uint8
	cswResidue func(residue uint32) uint32
	cswTag     func(tag uint32) uint32
	controlErr func(setup SetupPacket) error

	manual bool
	queue  []*Transfer

	lastCBW             cbwInfo
	lastDataTransferred uint32

	cbwLog       []cbwInfo
	controlCalls []controlCall
	flushed      []uint8
	commandCount int
	statusCount  int
	dataCount    int
	polledCount  int
}

func newScriptedHost(blocks, blockSize int) *scriptedHost {
	shift := uint(0)
	for 1<<shift != blockSize {
		shift++
	}
	h := &scriptedHost{
		storage:    make([]byte, blocks*blockSize),
		blockShift: shift,
	}
	for i := range h.storage {
		h.storage[i] = byte(i * 7)
	}
	return h
}

func (h *scriptedHost) Submit(t *Transfer) error {
	if h.manual {
		h.queue = append(h.queue, t)
		return nil
	}
	h.process(t)
	if t.Callback != nil {
		t.Callback(t)
	}
	return nil
}

func (h *scriptedHost) SubmitPolled(t *Transfer) error {
	h.polledCount++
	h.process(t)
	return t.Err
}

// pump completes one queued transfer in manual mode.
func (h *scriptedHost) pump() {
	t := h.queue[0]
	h.queue = h.queue[1:]
	h.process(t)
	if t.Callback != nil {
		t.Callback(t)
	}
}

func (h *scriptedHost) pumpAll() {
	for len(h.queue) != 0 {
		h.pump()
	}
}

func (h *scriptedHost) process(t *Transfer) {
	t.Err = nil
	t.LengthTransferred = 0

	switch {
	case t.Direction == DirectionOut && t.Length == cbwSize &&
		binary.LittleEndian.Uint32(t.Buffer) == cbwSignature:
		h.commandCount++
		h.decodeCBW(t.Buffer)
		h.lastDataTransferred = 0
		if h.commandErr != nil {
			if err := h.commandErr(); err != nil {
				t.Err = err
				return
			}
		}
		t.LengthTransferred = cbwSize

	case t.Direction == DirectionIn && t.Length == cswSize:
		h.statusCount++
		if h.statusErr != nil {
			if err := h.statusErr(); err != nil {
				t.Err = err
				return
			}
		}
		h.writeCSW(t.Buffer)
		t.LengthTransferred = cswSize

	default:
		h.dataCount++
		if h.dataErr != nil {
			if err := h.dataErr(t); err != nil {
				t.Err = err
				return
			}
		}
		n := h.serviceData(t)
		h.lastDataTransferred = uint32(n)
		t.LengthTransferred = n
	}
}

func (h *scriptedHost) decodeCBW(buf []byte) {
	info := cbwInfo{
		tag:           binary.LittleEndian.Uint32(buf[4:8]),
		dataLength:    binary.LittleEndian.Uint32(buf[8:12]),
		dataIn:        buf[12]&cbwFlagDataIn != 0,
		lun:           buf[13],
		commandLength: buf[14],
	}
	copy(info.command[:], buf[15:31])
	h.lastCBW = info
	h.cbwLog = append(h.cbwLog, info)
}

func (h *scriptedHost) writeCSW(buf []byte) {
	residue := h.lastCBW.dataLength - h.lastDataTransferred
	if h.cswResidue != nil {
		residue = h.cswResidue(residue)
	}
	tag := h.lastCBW.tag
	if h.cswTag != nil {
		tag = h.cswTag(tag)
	}
	status := uint8(cswStatusSuccess)
	if h.cswStatus != nil {
		status = h.cswStatus()
	}

	binary.LittleEndian.PutUint32(buf[0:4], cswSignature)
	binary.LittleEndian.PutUint32(buf[4:8], tag)
	binary.LittleEndian.PutUint32(buf[8:12], residue)
	buf[12] = status
}

func (h *scriptedHost) serviceData(t *Transfer) int {
	command := h.lastCBW.command

	switch command[0] {
	case scsiInquiry:
		n := min(t.Length, scsiInquiryDataSize)
		for i := 0; i < n; i++ {
			t.Buffer[i] = 0
		}
		copy(t.Buffer[8:], "SCRIPTED")
		return n

	case scsiRequestSense:
		n := min(t.Length, scsiRequestSenseDataSize)
		for i := 0; i < n; i++ {
			t.Buffer[i] = 0
		}
		t.Buffer[0] = 0x70
		return n

	case scsiModeSense6:
		t.Buffer[0] = 3
		t.Buffer[1] = 0
		t.Buffer[2] = 0
		t.Buffer[3] = 0
		return 4

	case scsiReadFormatCapacities:
		blocks := uint32(len(h.storage) >> h.blockShift)
		t.Buffer[3] = 8
		binary.BigEndian.PutUint32(t.Buffer[4:8], blocks-1)
		t.Buffer[8] = 2
		binary.BigEndian.PutUint32(t.Buffer[9:13], 1<<h.blockShift)
		return 13

	case scsiReadCapacity:
		blocks := uint32(len(h.storage) >> h.blockShift)
		binary.BigEndian.PutUint32(t.Buffer[0:4], blocks-1)
		binary.BigEndian.PutUint32(t.Buffer[4:8], 1<<h.blockShift)
		return scsiReadCapacityDataSize

	case scsiTestUnitReady:
		return 0

	case scsiRead10:
		offset := int(binary.BigEndian.Uint32(command[2:6])) << h.blockShift
		length := int(binary.BigEndian.Uint16(command[7:9])) << h.blockShift
		copy(t.Buffer[:length], h.storage[offset:offset+length])
		return length

	case scsiWrite10:
		offset := int(binary.BigEndian.Uint32(command[2:6])) << h.blockShift
		length := int(binary.BigEndian.Uint16(command[7:9])) << h.blockShift
		copy(h.storage[offset:offset+length], t.Buffer[:length])
		return length
	}

	return 0
}

func (h *scriptedHost) ControlTransfer(setup SetupPacket, direction Direction, data []byte, polled bool) (int, error) {
	h.controlCalls = append(h.controlCalls, controlCall{setup: setup, polled: polled})

	if h.controlErr != nil {
		if err := h.controlErr(setup); err != nil {
			return 0, err
		}
	}

	if setup.Request == requestGetMaxLun {
		if h.maxLunErr != nil {
			return 0, h.maxLunErr
		}
		data[0] = h.maxLun
		return 1, nil
	}

	return 0, nil
}

func (h *scriptedHost) FlushEndpoint(endpoint uint8) error {
	h.flushed = append(h.flushed, endpoint)
	return nil
}

// clearHaltCalls returns the endpoints cleared of the halt feature, in
// order.
func (h *scriptedHost) clearHaltCalls() []uint16 {
	var endpoints []uint16
	for _, call := range h.controlCalls {
		if call.setup.Request == requestClearFeature {
			endpoints = append(endpoints, call.setup.Index)
		}
	}
	return endpoints
}

func (h *scriptedHost) resetCalls() int {
	count := 0
	for _, call := range h.controlCalls {
		if call.setup.Request == requestResetDevice {
			count++
		}
	}
	return count
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}
