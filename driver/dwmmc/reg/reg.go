// Package reg describes the register block of the DesignWare Mobile
// Storage Host controller.
package reg

// Registers is a controller register block. Offsets are in bytes.
// Implementations must not reorder accesses.
type Registers interface {
	Read16(off uint32) uint16
	Write16(off uint32, val uint16)
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
	Read64(off uint32) uint64
	Write64(off uint32, val uint64)
}

// Register offsets.
const (
	CTRL    = 0x000
	PWREN   = 0x004
	CLKDIV  = 0x008
	CLKSRC  = 0x00c
	CLKENA  = 0x010
	TMOUT   = 0x014
	CTYPE   = 0x018
	BLKSIZ  = 0x01c
	BYTCNT  = 0x020
	INTMASK = 0x024
	CMDARG  = 0x028
	CMD     = 0x02c
	RESP0   = 0x030
	RESP1   = 0x034
	RESP2   = 0x038
	RESP3   = 0x03c
	MINTSTS = 0x040
	RINTSTS = 0x044
	STATUS  = 0x048
	FIFOTH  = 0x04c
	CDETECT = 0x050
	WRTPRT  = 0x054
	TCBCNT  = 0x05c
	TBBCNT  = 0x060
	DEBNCE  = 0x064
	VERID   = 0x06c
	HCON    = 0x070
	UHS_REG = 0x074
	RST_N   = 0x078
	BMOD    = 0x080
	PLDMND  = 0x084
	DBADDR  = 0x088
	IDSTS   = 0x08c
	IDINTEN = 0x090
	DSCADDR = 0x094
	BUFADDR = 0x098
	CLKSEL  = 0x09c
	DATA    = 0x200

	// Size is the size of the register window.
	Size = 0x1000
)

// CTRL bits.
const (
	CtrlReset      = 0b1 << 0
	CtrlFIFOReset  = 0b1 << 1
	CtrlDMAReset   = 0b1 << 2
	CtrlIntEnable  = 0b1 << 4
	CtrlDMAEnable  = 0b1 << 5
	CtrlUseIDMAC   = 0b1 << 25
	CtrlAllResets  = CtrlReset | CtrlFIFOReset | CtrlDMAReset
	CtrlDataResets = CtrlFIFOReset | CtrlDMAReset
)

// CLKENA bits. Clock enable and low-power bits are per slot.
const (
	ClkenaLowPowerShift = 16
)

// CMD bits.
const (
	CmdStart       = 0b1 << 31
	CmdUseHoldReg  = 0b1 << 29
	CmdVoltSwitch  = 0b1 << 28
	CmdUpdateClock = 0b1 << 21
	CmdSlotShift   = 16
	CmdSlotMask    = 0b11111 << CmdSlotShift
	CmdInit        = 0b1 << 15
	CmdStopAbort   = 0b1 << 14
	CmdPrvDatWait  = 0b1 << 13
	CmdSendStop    = 0b1 << 12
	CmdDatWrite    = 0b1 << 10
	CmdDatExp      = 0b1 << 9
	CmdRespCRC     = 0b1 << 8
	CmdRespLong    = 0b1 << 7
	CmdRespExp     = 0b1 << 6
	CmdIndexMask   = 0b111111
)

// Interrupt bits of INTMASK, MINTSTS and RINTSTS.
const (
	IntCD    = 0b1 << 0  // Card detect.
	IntRE    = 0b1 << 1  // Response error.
	IntCMD   = 0b1 << 2  // Command done.
	IntDTO   = 0b1 << 3  // Data transfer over.
	IntTXDR  = 0b1 << 4  // Transmit FIFO data request.
	IntRXDR  = 0b1 << 5  // Receive FIFO data request.
	IntRCRC  = 0b1 << 6  // Response CRC error.
	IntDCRC  = 0b1 << 7  // Data CRC error.
	IntRTO   = 0b1 << 8  // Response timeout.
	IntDRTO  = 0b1 << 9  // Data read timeout.
	IntHTO   = 0b1 << 10 // Data starvation by host timeout.
	IntFRUN  = 0b1 << 11 // FIFO underrun/overrun.
	IntHLE   = 0b1 << 12 // Hardware locked write.
	IntSBE   = 0b1 << 13 // Start bit error.
	IntACD   = 0b1 << 14 // Auto command done.
	IntEBE   = 0b1 << 15 // End bit error.
	IntSDIO0 = 0b1 << 16 // SDIO interrupt of slot 0; slot n is bit 16+n.

	IntCmdErrors  = IntRE | IntRCRC | IntRTO | IntHLE
	IntDataErrors = IntDCRC | IntDRTO | IntHTO | IntFRUN | IntSBE | IntEBE
	IntSDIOMask   = 0xffff << 16
	IntAll        = 0xffffffff
)

// STATUS bits.
const (
	StatusFIFOEmpty  = 0b1 << 2
	StatusFIFOFull   = 0b1 << 3
	StatusDataBusy   = 0b1 << 9
	StatusFCNTShift  = 17
	StatusFCNTMask   = 0x1fff << StatusFCNTShift
	StatusDMAAck     = 0b1 << 30
	StatusDMAReq     = 0b1 << 31
	StatusCmdFSMMask = 0b1111 << 4
)

// FIFOCount returns the number of filled FIFO locations.
func FIFOCount(status uint32) int {
	return int(status&StatusFCNTMask) >> StatusFCNTShift
}

// FIFOTH fields.
const (
	FIFOTHMSizeShift = 28
	FIFOTHRXShift    = 16
	FIFOTHRXMask     = 0xfff << FIFOTHRXShift
	FIFOTHTXMask     = 0xfff
)

// FIFODepth returns the FIFO depth in words encoded in a FIFOTH reset
// value, whose RX watermark is depth-1.
func FIFODepth(fifoth uint32) int {
	return int(fifoth&FIFOTHRXMask)>>FIFOTHRXShift + 1
}

// FIFOThreshold encodes FIFOTH for a FIFO of depth words, with the
// receive watermark at half the FIFO and the transmit watermark at half.
func FIFOThreshold(depth int) uint32 {
	// MSIZE 8 transfers (0b010).
	const msize = 0b010
	rx := uint32(depth/2 - 1)
	tx := uint32(depth / 2)
	return msize<<FIFOTHMSizeShift | rx<<FIFOTHRXShift | tx
}

// HCON fields.
const (
	HconSlotsShift     = 1
	HconSlotsMask      = 0b11111 << HconSlotsShift
	HconDataWidthShift = 7
	HconDataWidthMask  = 0b111 << HconDataWidthShift
	HconAddrConfig     = 0b1 << 27 // 64-bit IDMAC addressing.
)

// DataWidth returns the FIFO word width in bytes encoded in HCON.
func DataWidth(hcon uint32) int {
	switch (hcon & HconDataWidthMask) >> HconDataWidthShift {
	case 0b000:
		return 2
	case 0b010:
		return 8
	default:
		return 4
	}
}

// Slots returns the number of card slots encoded in HCON.
func Slots(hcon uint32) int {
	return int(hcon&HconSlotsMask)>>HconSlotsShift + 1
}

// CTYPE bits; bit n selects 4-bit mode for slot n, bit 16+n 8-bit mode.
const (
	Ctype8BitShift = 16
)

// UHS_REG bits; bit n selects 1.8V signaling for slot n, bit 16+n DDR
// mode.
const (
	UhsDDRShift = 16
)

// BMOD bits.
const (
	BmodSWR = 0b1 << 0 // Software reset.
	BmodFB  = 0b1 << 1 // Fixed burst.
	BmodDE  = 0b1 << 7 // IDMAC enable.
)

// IDSTS and IDINTEN bits.
const (
	IdmacTI  = 0b1 << 0 // Transmit interrupt.
	IdmacRI  = 0b1 << 1 // Receive interrupt.
	IdmacFBE = 0b1 << 2 // Fatal bus error.
	IdmacDU  = 0b1 << 4 // Descriptor unavailable.
	IdmacCES = 0b1 << 5 // Card error summary.
	IdmacNI  = 0b1 << 8 // Normal interrupt summary.
	IdmacAI  = 0b1 << 9 // Abnormal interrupt summary.

	IdmacErrors = IdmacFBE | IdmacDU | IdmacCES
	IdmacAll    = IdmacTI | IdmacRI | IdmacNI | IdmacAI | IdmacErrors
)

// IDMAC descriptor layout. Descriptors are 16 bytes: des0 flags, des1
// buffer size, des2 buffer address, des3 next descriptor address.
const (
	DescSize    = 16
	DescMaxData = 4096

	DescDIC = 0b1 << 1  // Disable interrupt on completion.
	DescLD  = 0b1 << 2  // Last descriptor.
	DescFS  = 0b1 << 3  // First descriptor.
	DescCH  = 0b1 << 4  // Second address chained.
	DescER  = 0b1 << 5  // End of ring.
	DescCES = 0b1 << 30 // Card error summary.
	DescOWN = 0b1 << 31 // Owned by the IDMAC.

	DescSizeMask = 0x1fff
)

// CLKSEL fields: sampling phase, fine tune, drive phase and divider
// ratio.
const (
	ClkselSampleMask    = 0b111
	ClkselFine          = 0b1 << 6
	ClkselDriveShift    = 16
	ClkselDriveMask     = 0b111 << ClkselDriveShift
	ClkselDivratioShift = 24
	ClkselDivratioMask  = 0b111 << ClkselDivratioShift
)

// Divratio returns the CLKSEL divider ratio field.
func Divratio(clksel uint32) uint8 {
	return uint8((clksel & ClkselDivratioMask) >> ClkselDivratioShift)
}

// TMOUT fields.
const (
	TmoutDataShift = 8
	TmoutMax       = 0xffffffff
)
