package hal

import "context"

// Capabilities describes controller and platform properties that change
// how the core lays out contexts and rings. These are discovered by
// binding code (from PCI config space, ACPI, or a device tree) and
// handed to the core at construction time; the core never probes for
// them itself.
type Capabilities struct {
	// Is32Bit restricts all DMA addresses handed to the controller to
	// the low 4GB, for controllers that cannot walk 64-bit pointers.
	Is32Bit bool

	// HasCoherentCache indicates DMA buffers are cache-coherent with the
	// controller, so the core can skip explicit flush/invalidate calls.
	HasCoherentCache bool

	// QemuQuirk marks the controller as QEMU's emulated xHCI (PCI
	// 1033:0194); UsbXhci.Init also sets it when quirks.Apply reports that
	// device. It is recorded only: no code path in this module reads it.
	QemuQuirk bool

	// ContextSize64 selects 64-byte Slot/Endpoint Context layout (CSZ=1)
	// instead of the default 32-byte layout.
	ContextSize64 bool

	// MaxSlots and MaxPorts bound the slot and port arrays; 0 means "ask
	// the controller's HCSPARAMS1 register".
	MaxSlots int
	MaxPorts int

	// PageSize is the controller's configured page size, in bytes.
	// Defaults to 4096 when zero.
	PageSize int

	// CPUProfilePath, when non-empty, brackets the controller's running
	// lifetime (Init through Unbind) with a CPU profile written to this
	// path. Empty by default; the pkg/prof stub makes this a no-op in
	// builds without the "profile" tag.
	CPUProfilePath string
}

// MMIO is the memory-mapped register window for one controller. All
// registers are accessed through this interface instead of raw pointers
// so that bring-up code, emulation, and tests can supply a fake.
//
// Implementations must apply memory ordering themselves: a store that
// must be visible to the controller before a subsequent doorbell ring
// happens-before that doorbell write returns.
type MMIO interface {
	ReadCap32(offset uint32) uint32
	WriteCap32(offset uint32, v uint32)
	ReadOp32(offset uint32) uint32
	WriteOp32(offset uint32, v uint32)
	ReadRun32(offset uint32) uint32
	WriteRun32(offset uint32, v uint32)
	WriteDoorbell32(slot uint32, v uint32)
	ReadPort32(port int, offset uint32) uint32
	WritePort32(port int, offset uint32, v uint32)

	// Barrier establishes a memory barrier between prior writes (e.g. the
	// Cycle bit on a new TRB) and a subsequent doorbell or register write
	// that exposes them to the controller.
	Barrier()
}

// DMABuffer is one controller-visible, host-addressable memory region:
// a ring segment, a context array, a scratchpad buffer, or a transfer
// data buffer.
type DMABuffer interface {
	// Bytes returns the host-visible contents of the buffer.
	Bytes() []byte

	// Phys returns the bus address to program into controller registers
	// or TRB pointer fields.
	Phys() uint64

	// Flush makes prior host writes visible to the controller. A no-op
	// on coherent platforms.
	Flush()

	// Invalidate discards any stale host-side cache lines so a
	// subsequent Bytes() read observes what the controller wrote. A
	// no-op on coherent platforms.
	Invalidate()
}

// DMAFactory allocates and frees DMABuffers. The core asks for pages
// sized to PageSize (for rings and context arrays) and for
// caller-specified sizes (for transfer data buffers).
type DMAFactory interface {
	// AllocPage allocates one page-aligned, page-sized DMABuffer.
	AllocPage(ctx context.Context) (DMABuffer, error)

	// Alloc allocates a DMABuffer of the given size, which may span
	// multiple pages for transfer data but is never split across a page
	// boundary for ring/context allocations (the core never asks for
	// that).
	Alloc(ctx context.Context, size int) (DMABuffer, error)

	// Free releases a buffer obtained from this factory.
	Free(buf DMABuffer)
}

// Interrupt represents one MSI/MSI-X vector bound to an interrupter.
type Interrupt interface {
	// Wait blocks until the vector fires or ctx is canceled.
	Wait(ctx context.Context) error

	// Ack acknowledges the interrupt at the platform level (distinct
	// from clearing the controller's own IP bit, which the core does
	// itself through MMIO).
	Ack()

	// Close releases the interrupt binding.
	Close() error
}

// BusClient is the upstream consumer of device lifecycle events: the
// rest of the USB bus stack that owns class drivers, user-visible device
// nodes, and request routing above the HCI boundary.
type BusClient interface {
	// DeviceAdded is called once a slot has completed enumeration and is
	// ready to receive class-driver requests.
	DeviceAdded(slot uint8, info DeviceInfo)

	// DeviceRemoved is called when a slot's device has been disconnected
	// and torn down.
	DeviceRemoved(slot uint8)
}

// DeviceInfo summarizes an enumerated device for the bus client.
type DeviceInfo struct {
	Slot          uint8
	Port          int
	Speed         uint8
	RouteString   uint32
	VendorID      uint16
	ProductID     uint16
	HubDepth      uint8
	IsHub         bool
	MaxExitLatency uint16
}

// BTI (Bus Transaction Initiator) represents the platform handle used to
// pin and map DMA memory. The core holds one and passes it opaquely to
// DMAFactory implementations that need it; the core itself never
// dereferences it.
type BTI interface {
	// Release tears down the transaction-initiator handle. Called once,
	// during Unbind.
	Release() error
}
