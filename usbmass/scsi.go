package usbmass

import "encoding/binary"

// Bulk-Only Transport wrappers. The Command Block Wrapper precedes
// every command; the Command Status Wrapper follows every command:
//
//	CBW (31 bytes, little-endian):
//	  0  signature 0x43425355 "USBC"
//	  4  tag, echoed back in the CSW
//	  8  data transfer length
//	 12  flags (bit 7 set = data in)
//	 13  LUN
//	 14  command length
//	 15  command bytes (up to 16)
//
//	CSW (13 bytes, little-endian):
//	  0  signature 0x53425355 "USBS"
//	  4  tag
//	  8  data residue
//	 12  status
const (
	cbwSignature = 0x43425355
	cswSignature = 0x53425355

	cbwSize = 31
	cswSize = 13

	cbwFlagDataIn = 0x80

	lunShift = 5

	maxCommandLength = 16
)

// CSW status values.
const (
	cswStatusSuccess    = 0
	cswStatusFailed     = 1
	cswStatusPhaseError = 2
)

// SCSI operation codes and their command lengths as sent over BOT.
const (
	scsiTestUnitReady        = 0x00
	scsiRequestSense         = 0x03
	scsiInquiry              = 0x12
	scsiModeSense6           = 0x1A
	scsiReadFormatCapacities = 0x23
	scsiReadCapacity         = 0x25
	scsiRead10               = 0x28
	scsiWrite10              = 0x2A

	scsiTestUnitReadySize        = 12
	scsiRequestSenseSize         = 12
	scsiInquirySize              = 12
	scsiModeSense6Size           = 6
	scsiReadFormatCapacitiesSize = 10
	scsiReadCapacitySize         = 10
	scsiRead10Size               = 12
	scsiWrite10Size              = 12

	scsiRequestSenseDataSize         = 18
	scsiInquiryDataSize              = 36
	scsiModeSense6DataSize           = 0xC0
	scsiReadFormatCapacitiesDataSize = 0xFC
	scsiReadCapacityDataSize         = 8
)

// encodeCBW writes a Command Block Wrapper into buf and returns the
// free-form command region for the caller to fill.
func encodeCBW(buf []byte, tag, dataLength uint32, lun, commandLength uint8, dataIn bool) []byte {
	for i := 0; i < cbwSize; i++ {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], cbwSignature)
	binary.LittleEndian.PutUint32(buf[4:8], tag)
	binary.LittleEndian.PutUint32(buf[8:12], dataLength)
	if dataIn {
		buf[12] = cbwFlagDataIn
	}
	buf[13] = lun
	buf[14] = commandLength

	return buf[15 : 15+maxCommandLength]
}

// commandStatus is a decoded Command Status Wrapper.
type commandStatus struct {
	Signature   uint32
	Tag         uint32
	DataResidue uint32
	Status      uint8
}

func decodeCSW(buf []byte) commandStatus {
	return commandStatus{
		Signature:   binary.LittleEndian.Uint32(buf[0:4]),
		Tag:         binary.LittleEndian.Uint32(buf[4:8]),
		DataResidue: binary.LittleEndian.Uint32(buf[8:12]),
		Status:      buf[12],
	}
}

// fillRead10 and fillWrite10 stamp the block address and count into an
// already-positioned command region. Both values are big-endian per
// SCSI convention, unlike the little-endian wrappers around them.
func fillReadWrite10(command []byte, opcode uint8, lun uint8, blockAddress uint32, blockCount uint16) {
	command[0] = opcode
	command[1] = lun << lunShift
	binary.BigEndian.PutUint32(command[2:6], blockAddress)
	binary.BigEndian.PutUint16(command[7:9], blockCount)
}
