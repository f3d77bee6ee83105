package request

// Transfer TRB (Normal/Data/Isoch/Setup) control and status dword bit
// layouts not already exposed generically by package trb, because they
// vary by TRB type (xHCI 1.2 Section 6.4.1).
const (
	bitISP     = 1 << 2 // Interrupt-on-Short-Packet
	bitNoSnoop = 1 << 3 // No Snoop

	dataDirShift = 16 // Data Stage TRB: 0=OUT, 1=IN
	dataDirIn    = 1 << dataDirShift

	trtShift = 16 // Setup Stage TRB Transfer Type field (bits 16:17)

	tbcShift   = 16 // Isoch TRB Transfer Burst Count (bits 16:18)
	tlbpcShift = 20 // Isoch TRB Transfer Last Burst Packet Count (bits 20:22)
	bitSIA     = 1 << 23
	frameIDShift = 20 // xHCI 1.2 6.4.1.3: Frame ID occupies Status bits 20:30, not Control
)

// Setup Stage Transfer Type (TRT) values.
const (
	trtNoData = 0
	trtOut    = 2
	trtIn     = 3
)

func setLengthField(status uint32, length uint32) uint32 {
	return (status &^ 0x1FFFF) | (length & 0x1FFFF)
}

func setTDSize(status uint32, packets uint32) uint32 {
	if packets > 0x1F {
		packets = 0x1F
	}
	return (status &^ (0x1F << 17)) | (packets << 17)
}
