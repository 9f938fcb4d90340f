package transport

// SCSI CDBs the device is known to accept (spec.md §6). The transport
// treats every CDB as opaque; these are exported only so tests and
// transportmock scenarios can seed realistic traffic without duplicating
// the byte layout at every call site.
var (
	CDBTestUnitReady = []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	CDBRequestSense  = []byte{0x03, 0x00, 0x00, 0x00, 0x12, 0x00}
	CDBInquiry       = []byte{0x12, 0x00, 0x00, 0x00, 0x24, 0x00}

	CDBVendorInitDisplay = []byte{0xF5, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	CDBVendorClearScreen = []byte{0xF5, 0xA0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	// CDBVendorAnimationControl, CDBVendorSetMode, and CDBVendorGetStatus
	// are the bare opcode CDBs for "F5 10"/"F5 20"/"F5 30" (spec.md §6):
	// the argument travels in a separate data-phase transfer, not packed
	// into extra CDB bytes.
	CDBVendorAnimationControl = []byte{0xF5, 0x10, 0x00, 0x00, 0x00, 0x00}
	CDBVendorSetMode          = []byte{0xF5, 0x20, 0x00, 0x00, 0x00, 0x00}
	CDBVendorGetStatus        = []byte{0xF5, 0x30, 0x00, 0x00, 0x00, 0x00}
)

// AnimationControlCommand builds the Command for "F5 10": a 1-byte OUT data
// stage carrying arg (spec.md §6: Direction=out, Data length=1).
func AnimationControlCommand(arg byte) Command {
	return Command{
		CDB:                CDBVendorAnimationControl,
		Direction:          DirectionOut,
		DataTransferLength: 1,
		OutData:            []byte{arg},
	}
}

// SetModeCommand builds the Command for "F5 20": a 4-byte OUT data stage
// carrying mode, meaning assigned by the higher-level display protocol
// (spec.md §6: Direction=out, Data length=4).
func SetModeCommand(mode [4]byte) Command {
	return Command{
		CDB:                CDBVendorSetMode,
		Direction:          DirectionOut,
		DataTransferLength: 4,
		OutData:            mode[:],
	}
}

// GetStatusCommand builds the Command for "F5 30": an 8-byte IN data stage
// (spec.md §6: Direction=in, Data length=8).
func GetStatusCommand() Command {
	return Command{
		CDB:                CDBVendorGetStatus,
		Direction:          DirectionIn,
		DataTransferLength: 8,
	}
}

// VendorDisplayImageDataLength returns the OUT data-stage length for a
// display-image command: a 10-byte header followed by RGB565 pixel data.
// Header byte order and field layout are the higher layer's responsibility;
// the transport only needs the total length to size the data stage.
func VendorDisplayImageDataLength(pixelBytes int) uint32 {
	return uint32(10 + pixelBytes)
}

// CDBVendorDisplayImage returns the bare "F5 B0" CDB for an image write.
// The data-stage length is not encoded in the CDB; it travels in
// Command.DataTransferLength (see VendorDisplayImageDataLength).
func CDBVendorDisplayImage() []byte {
	return []byte{0xF5, 0xB0, 0x00, 0x00, 0x00, 0x00}
}

// Known device identity (spec.md §6): USB 2.0 Mass Storage, class 0x08,
// subclass 0x06 (SCSI), protocol 0x50 (Bulk-Only Transport).
const (
	KnownVendorID       uint16 = 0x0402
	KnownProductID      uint16 = 0x3922
	UsbClassMassStorage        = 0x08
	UsbSubclassSCSI            = 0x06
	UsbProtocolBOT             = 0x50
)
