package xhci

import "time"

// Capability register offsets (xHCI 1.2 Section 5.3), read through
// hal.MMIO.ReadCap32.
const (
	capHCSPARAMS1 = 0x04
	capHCSPARAMS2 = 0x08
	capHCCPARAMS1 = 0x10
)

// HCSPARAMS1 fields.
const (
	hcsparams1MaxSlotsShift = 0
	hcsparams1MaxSlotsMask  = 0xFF
	hcsparams1MaxPortsShift = 24
	hcsparams1MaxPortsMask  = 0xFF
)

// HCSPARAMS2 fields.
const (
	hcsparams2MaxScratchpadHiShift = 21
	hcsparams2MaxScratchpadHiMask  = 0x1F
	hcsparams2MaxScratchpadLoShift = 27
	hcsparams2MaxScratchpadLoMask  = 0x1F
)

// HCCPARAMS1 fields.
const (
	hccparams1CSZ = 1 << 2 // Context Size: 1 = 64-byte contexts
)

// Operational register offsets (xHCI 1.2 Section 5.4), read/written
// through hal.MMIO.ReadOp32/WriteOp32.
const (
	opUSBCMD   = 0x00
	opUSBSTS   = 0x04
	opPAGESIZE = 0x08
	opDCBAAPLo = 0x30
	opDCBAAPHi = 0x34
	opCONFIG   = 0x38
	opCRCRLo   = 0x18
	opCRCRHi   = 0x1C
)

// USBCMD bits.
const (
	usbcmdRun  = 1 << 0
	usbcmdHCRST = 1 << 1
	usbcmdINTE = 1 << 2
	usbcmdHSEE = 1 << 3
	usbcmdEWE  = 1 << 10
)

// USBSTS bits.
const (
	usbstsHCH = 1 << 0
	usbstsCNR = 1 << 11
)

// CRCR bits.
const (
	crcrRCS = 1 << 0
)

// Runtime register offsets (xHCI 1.2 Section 5.5), read through
// hal.MMIO.ReadRun32. MFINDEX sits before the interrupter register sets,
// which start at runtime offset 0x20.
const (
	runMFINDEX  = 0x00
	mfindexMask = 0x3FFF // 14 bits, rolls over every 16384 125us frames
)

// Port register offsets, relative to one port's register block (xHCI
// 1.2 Section 5.4.8), read/written through
// hal.MMIO.ReadPort32/WritePort32 with offset 0 selecting PORTSC.
const (
	portSC = 0x00
)

// PORTSC fields.
const (
	portscCCS        = 1 << 0
	portscPED        = 1 << 1
	portscPR         = 1 << 4
	portscPLSShift   = 5
	portscPLSMask    = 0xF
	portscSpeedShift = 10
	portscSpeedMask  = 0xF
	portscCSC        = 1 << 17
	portscPEC        = 1 << 18
	portscWRC        = 1 << 19
	portscOCC        = 1 << 20
	portscPRC        = 1 << 21
)

// usb2LinkSettle is how long a USB2 device's link is given to settle in
// U0 before enumeration reads its device descriptor, per the xHCI 1.2
// Section 4.19.1 software port reset sequence's post-reset delay.
const usb2LinkSettle = 10 * time.Millisecond
