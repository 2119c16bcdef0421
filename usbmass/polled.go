package usbmass

// PolledIOState carries a second, independent set of transfers used for
// lock-free polled I/O. It exists so a crashing system can still write
// to disk without touching the transfers an interrupted request may
// have left in flight.
type PolledIOState struct {
	transfers Transfers

	// resetRequired latches a one-time endpoint flush and reset
	// recovery before the first polled command, since a command
	// wrapper may already be in flight.
	resetRequired bool
}

// BlockIOInitialize prepares the device for polled block I/O. It must
// be called once, from a sane context, before the polled read and write
// routines can be used. It is safe to call from multiple disks of the
// same device.
func (disk *Disk) BlockIOInitialize() {
	d := disk.device
	if d.polled.Load() != nil {
		return
	}

	state := &PolledIOState{
		transfers:     d.newTransfers(nil, true),
		resetRequired: true,
	}
	d.polled.CompareAndSwap(nil, state)
}

// BlockIORead reads blocks from the disk into the fragment list using
// polled I/O, acquiring no locks and allocating nothing. It returns the
// number of whole blocks read.
func (disk *Disk) BlockIORead(fragments [][]byte, blockAddress uint64, blockCount int) (int, error) {
	bytesCompleted, err := disk.performPolledIO(fragments, blockAddress, blockCount, false)
	return bytesCompleted >> disk.blockShift, err
}

// BlockIOWrite writes the fragment list to the disk using polled I/O,
// acquiring no locks and allocating nothing. It returns the number of
// whole blocks written.
func (disk *Disk) BlockIOWrite(fragments [][]byte, blockAddress uint64, blockCount int) (int, error) {
	bytesCompleted, err := disk.performPolledIO(fragments, blockAddress, blockCount, true)
	return bytesCompleted >> disk.blockShift, err
}

func (disk *Disk) performPolledIO(fragments [][]byte, blockAddress uint64, blockCount int, write bool) (int, error) {
	d := disk.device
	state := d.polled.Load()
	if state == nil {
		return 0, ErrNotInitialized
	}

	// Quiesce the bulk endpoints once before the first polled command.
	// The device will not accept a new command wrapper while an
	// interrupted one is still outstanding.
	if state.resetRequired {
		if err := d.host.FlushEndpoint(0); err != nil {
			return 0, err
		}
		if err := d.host.FlushEndpoint(d.inEndpoint); err != nil {
			return 0, err
		}
		if err := d.host.FlushEndpoint(d.outEndpoint); err != nil {
			return 0, err
		}
		if err := d.resetRecovery(true); err != nil {
			return 0, err
		}
		state.resetRequired = false
	}

	opcode := uint8(scsiRead10)
	commandLength := uint8(scsiRead10Size)
	dataIn := true
	dataTransfer := state.transfers.DataIn
	if write {
		opcode = scsiWrite10
		commandLength = scsiWrite10Size
		dataIn = false
		dataTransfer = state.transfers.DataOut
	}

	bytesRemaining := blockCount << disk.blockShift
	blockOffset := blockAddress
	bytesCompleted := 0
	fragmentIndex := 0
	fragmentOffset := 0

	for bytesRemaining != 0 {
		if fragmentIndex >= len(fragments) {
			return bytesCompleted, ErrDataLengthMismatch
		}
		fragment := fragments[fragmentIndex]

		bytesThisRound := len(fragment) - fragmentOffset
		if bytesRemaining < bytesThisRound {
			bytesThisRound = bytesRemaining
		}
		if bytesThisRound > maxDataTransfer {
			bytesThisRound = maxDataTransfer
		}

		chunkBlocks := bytesThisRound >> disk.blockShift
		if blockOffset >= disk.blockCount ||
			blockOffset+uint64(chunkBlocks) > disk.blockCount {
			return bytesCompleted, ErrOutOfBounds
		}

		buffer := fragment[fragmentOffset : fragmentOffset+bytesThisRound]
		command := disk.setupCommand(disk.allocateTag(), bytesThisRound,
			commandLength, dataIn, true, buffer)
		fillReadWrite10(command, opcode, disk.lun, uint32(blockOffset), uint16(chunkBlocks))
		dataTransfer.Length = bytesThisRound

		chunkCompleted, err := disk.sendPolledCommand()
		if err != nil {
			return bytesCompleted, err
		}
		if chunkCompleted>>disk.blockShift != chunkBlocks {
			return bytesCompleted, ErrDataLengthMismatch
		}

		fragmentOffset += chunkCompleted
		if fragmentOffset == len(fragment) {
			fragmentIndex++
			fragmentOffset = 0
		}

		blockOffset += uint64(chunkBlocks)
		bytesRemaining -= chunkCompleted
		bytesCompleted += chunkCompleted
	}

	return bytesCompleted, nil
}

// sendPolledCommand pushes the primed polled command sequence through
// synchronously. Data and status submission failures are ignored here;
// the status evaluation afterwards catches anything that went wrong,
// with reset recovery disabled since the polled context cannot afford
// it on every failed command.
func (disk *Disk) sendPolledCommand() (int, error) {
	d := disk.device
	transfers := &d.polled.Load().transfers

	if err := d.host.SubmitPolled(transfers.Command); err != nil {
		transfers.Command.Err = err
	} else {
		var data *Transfer
		if transfers.DataIn.Length != 0 {
			data = transfers.DataIn
		} else if transfers.DataOut.Length != 0 {
			data = transfers.DataOut
		}
		if data != nil {
			d.host.SubmitPolled(data)
		}
		d.host.SubmitPolled(transfers.Status)
	}

	bytesCompleted, err := disk.evaluateCommandStatus(true, true)
	if err != nil {
		d.l.WithError(err).WithField("device", d.name).Debug("Polled I/O command failed")
	}

	return bytesCompleted, err
}
