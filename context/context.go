// Package context implements the xHCI Device Context Base Address Array,
// Slot Context, Endpoint Context, and Input/Output Context layouts.
//
// Every context here is a thin accessor over a byte slice backed by a
// [hal.DMABuffer] rather than a Go struct laid directly over memory, so
// that both the 32-byte and 64-byte (CSZ=1) context sizes can share one
// implementation: Stride() picks the dword offset multiplier and every
// field accessor is expressed in terms of it.
package context

import (
	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/pkg"
)

// dwordsPerContext is the fixed per-entry size of a Slot or Endpoint Context record
// in 32-bit dwords, before doubling for CSZ=1.
const dwordsPerContext = 8

// Layout describes whether contexts are 32 or 64 bytes wide.
type Layout struct {
	Size64 bool
}

// Stride returns the byte size of one context record under this layout.
func (l Layout) Stride() int {
	if l.Size64 {
		return dwordsPerContext * 4 * 2
	}
	return dwordsPerContext * 4
}

// DCBAA is the Device Context Base Address Array: one 64-bit physical
// pointer per slot (plus entry 0, the scratchpad buffer array pointer).
type DCBAA struct {
	buf  hal.DMABuffer
	size int // number of entries, including entry 0
}

// NewDCBAA wraps a page-sized buffer as a DCBAA with room for maxSlots
// device slots plus the scratchpad pointer at entry 0.
func NewDCBAA(buf hal.DMABuffer, maxSlots int) *DCBAA {
	return &DCBAA{buf: buf, size: maxSlots + 1}
}

// Phys returns the array's base physical address, for DCBAAP.
func (d *DCBAA) Phys() uint64 { return d.buf.Phys() }

// SetScratchpadArray programs entry 0 with the scratchpad buffer array's
// physical address.
func (d *DCBAA) SetScratchpadArray(phys uint64) {
	d.set(0, phys)
}

// SetSlot programs the given slot's output device context pointer.
func (d *DCBAA) SetSlot(slot uint8, phys uint64) {
	if int(slot) >= d.size {
		pkg.LogError(pkg.ComponentXHCI, "DCBAA slot out of range", "slot", slot, "size", d.size)
		return
	}
	d.set(int(slot), phys)
}

// ClearSlot zeroes the given slot's output device context pointer.
func (d *DCBAA) ClearSlot(slot uint8) { d.SetSlot(slot, 0) }

func (d *DCBAA) set(index int, phys uint64) {
	b := d.buf.Bytes()
	off := index * 8
	for i := 0; i < 8; i++ {
		b[off+i] = byte(phys >> (8 * i))
	}
	d.buf.Flush()
}

// field is a little-endian dword accessor at a fixed byte offset within
// a context record.
type field struct {
	offset int
}

func (f field) get(b []byte) uint32 {
	o := f.offset
	return uint32(b[o]) | uint32(b[o+1])<<8 | uint32(b[o+2])<<16 | uint32(b[o+3])<<24
}

func (f field) set(b []byte, v uint32) {
	o := f.offset
	b[o] = byte(v)
	b[o+1] = byte(v >> 8)
	b[o+2] = byte(v >> 16)
	b[o+3] = byte(v >> 24)
}

// SlotContext is a typed view over one Slot Context record within an
// Input or Output Context buffer.
type SlotContext struct {
	b []byte
}

var (
	slotDword0 = field{0}  // Route String, Speed, MTT, Hub, Context Entries
	slotDword1 = field{4}  // Max Exit Latency, Root Hub Port Number, Number of Ports
	slotDword2 = field{8}  // TT Hub Slot ID, TT Port Number, TTT, Interrupter Target
	slotDword3 = field{12} // USB Device Address, Slot State
)

// RouteString returns the 20-bit hub route string.
func (s SlotContext) RouteString() uint32 { return slotDword0.get(s.b) & 0xFFFFF }

// SetRouteString sets the 20-bit hub route string.
func (s SlotContext) SetRouteString(route uint32) {
	v := slotDword0.get(s.b)
	v = (v &^ 0xFFFFF) | (route & 0xFFFFF)
	slotDword0.set(s.b, v)
}

// Speed returns the PSI Speed ID (bits 20:23 of dword 0).
func (s SlotContext) Speed() uint8 { return uint8((slotDword0.get(s.b) >> 20) & 0xF) }

// SetSpeed sets the PSI Speed ID.
func (s SlotContext) SetSpeed(speed uint8) {
	v := slotDword0.get(s.b)
	v = (v &^ (0xF << 20)) | (uint32(speed&0xF) << 20)
	slotDword0.set(s.b, v)
}

// SetMTT sets the Multi-TT bit (bit 25).
func (s SlotContext) SetMTT(mtt bool) { s.setBit(slotDword0, 25, mtt) }

// SetHub sets the Hub bit (bit 26), marking this slot as a USB hub.
func (s SlotContext) SetHub(hub bool) { s.setBit(slotDword0, 26, hub) }

// IsHub returns the Hub bit.
func (s SlotContext) IsHub() bool { return s.bit(slotDword0, 26) }

// ContextEntries returns the number of valid entries (bits 27:31).
func (s SlotContext) ContextEntries() uint8 { return uint8(slotDword0.get(s.b) >> 27) }

// SetContextEntries sets the number of valid entries, including the Slot
// Context itself in the count per xHCI convention (1 = Slot Context only,
// up to 31 endpoint contexts beyond it).
func (s SlotContext) SetContextEntries(n uint8) {
	v := slotDword0.get(s.b)
	v = (v &^ (0x1F << 27)) | (uint32(n&0x1F) << 27)
	slotDword0.set(s.b, v)
}

// SetMaxExitLatency sets the Max Exit Latency field (bits 0:15 of dword 1).
func (s SlotContext) SetMaxExitLatency(v uint16) {
	cur := slotDword1.get(s.b)
	slotDword1.set(s.b, (cur &^ 0xFFFF) | uint32(v))
}

// SetRootHubPortNumber sets the root hub port number (bits 16:23).
func (s SlotContext) SetRootHubPortNumber(port uint8) {
	cur := slotDword1.get(s.b)
	slotDword1.set(s.b, (cur &^ (0xFF << 16)) | (uint32(port) << 16))
}

// SetNumberOfPorts sets the Number of Ports field for a hub slot (bits 24:31).
func (s SlotContext) SetNumberOfPorts(n uint8) {
	cur := slotDword1.get(s.b)
	slotDword1.set(s.b, (cur &^ (0xFF << 24)) | (uint32(n) << 24))
}

// SetTTInfo sets the TT Hub Slot ID, TT Port Number, and TT Think Time
// fields for a low/full-speed device behind a high-speed hub.
func (s SlotContext) SetTTInfo(hubSlot uint8, port uint8, ttt uint8) {
	v := uint32(hubSlot) | uint32(port)<<8 | uint32(ttt&0x3)<<16
	cur := slotDword2.get(s.b)
	slotDword2.set(s.b, (cur &^ 0x3FFFF) | v)
}

// SetInterrupterTarget sets the Interrupter Target field (bits 22:31 of
// dword 2).
func (s SlotContext) SetInterrupterTarget(target uint16) {
	cur := slotDword2.get(s.b)
	slotDword2.set(s.b, (cur&^(0x3FF<<22))|(uint32(target&0x3FF)<<22))
}

// DeviceAddress returns the USB Device Address (bits 0:7 of dword 3).
func (s SlotContext) DeviceAddress() uint8 { return uint8(slotDword3.get(s.b)) }

// SlotState returns the Slot State field (bits 27:31 of dword 3).
type SlotState uint8

// Slot state values (xHCI 1.2 Table 6-4).
const (
	SlotStateDisabledEnabled SlotState = 0
	SlotStateDefault         SlotState = 1
	SlotStateAddressed       SlotState = 2
	SlotStateConfigured      SlotState = 3
)

// State returns the current Slot State.
func (s SlotContext) State() SlotState { return SlotState(slotDword3.get(s.b) >> 27) }

func (s SlotContext) bit(f field, pos uint) bool { return f.get(s.b)&(1<<pos) != 0 }

func (s SlotContext) setBit(f field, pos uint, v bool) {
	cur := f.get(s.b)
	if v {
		cur |= 1 << pos
	} else {
		cur &^= 1 << pos
	}
	f.set(s.b, cur)
}

// EndpointContext is a typed view over one Endpoint Context record.
type EndpointContext struct {
	b []byte
}

var (
	epDword0 = field{0}  // Endpoint State, Mult, MaxPStreams, LSA, Interval
	epDword1 = field{4}  // CErr, EP Type, HID, Max Burst Size, Max Packet Size
	epDword2 = field{8}  // Dequeue Pointer low + DCS
	epDword3 = field{12} // Dequeue Pointer high
	epDword4 = field{16} // Average TRB Length, Max ESIT Payload
)

// EndpointState enumerates the Endpoint State field.
type EndpointState uint8

// Endpoint state values (xHCI 1.2 Table 6-9).
const (
	EndpointStateDisabled EndpointState = 0
	EndpointStateRunning  EndpointState = 1
	EndpointStateHalted   EndpointState = 2
	EndpointStateStopped  EndpointState = 3
	EndpointStateError    EndpointState = 4
)

// State returns the current Endpoint State.
func (e EndpointContext) State() EndpointState { return EndpointState(epDword0.get(e.b) & 0x7) }

// SetInterval sets the Interval field (bits 16:23 of dword 0), expressed
// as the log2 of the polling interval in 125us frames.
func (e EndpointContext) SetInterval(interval uint8) {
	cur := epDword0.get(e.b)
	epDword0.set(e.b, (cur&^(0xFF<<16))|(uint32(interval)<<16))
}

// EndpointType enumerates the EP Type field.
type EndpointType uint8

// Endpoint types (xHCI 1.2 Table 6-10).
const (
	EndpointTypeNotValid     EndpointType = 0
	EndpointTypeIsochOut     EndpointType = 1
	EndpointTypeBulkOut      EndpointType = 2
	EndpointTypeInterruptOut EndpointType = 3
	EndpointTypeControl      EndpointType = 4
	EndpointTypeIsochIn      EndpointType = 5
	EndpointTypeBulkIn       EndpointType = 6
	EndpointTypeInterruptIn  EndpointType = 7
)

// SetCErr sets the Error Count field (bits 1:2 of dword 1).
func (e EndpointContext) SetCErr(cerr uint8) {
	cur := epDword1.get(e.b)
	epDword1.set(e.b, (cur&^(0x3<<1))|(uint32(cerr&0x3)<<1))
}

// SetEndpointType sets the EP Type field (bits 3:5 of dword 1).
func (e EndpointContext) SetEndpointType(t EndpointType) {
	cur := epDword1.get(e.b)
	epDword1.set(e.b, (cur&^(0x7<<3))|(uint32(t&0x7)<<3))
}

// SetMaxBurstSize sets the Max Burst Size field (bits 8:15 of dword 1).
func (e EndpointContext) SetMaxBurstSize(size uint8) {
	cur := epDword1.get(e.b)
	epDword1.set(e.b, (cur&^(0xFF<<8))|(uint32(size)<<8))
}

// MaxPacketSize returns the Max Packet Size field (bits 16:31 of dword 1).
func (e EndpointContext) MaxPacketSize() uint16 { return uint16(epDword1.get(e.b) >> 16) }

// SetMaxPacketSize sets the Max Packet Size field (bits 16:31 of dword 1).
func (e EndpointContext) SetMaxPacketSize(size uint16) {
	cur := epDword1.get(e.b)
	epDword1.set(e.b, (cur&^(0xFFFF<<16))|(uint32(size)<<16))
}

// SetTRDequeuePointer programs the 64-bit TR Dequeue Pointer and Dequeue
// Cycle State from a transfer ring's current enqueue/dequeue location.
func (e EndpointContext) SetTRDequeuePointer(phys uint64, dcs bool) {
	lo := uint32(phys) &^ 0xF
	if dcs {
		lo |= 1
	}
	epDword2.set(e.b, lo)
	epDword3.set(e.b, uint32(phys>>32))
}

// TRDequeuePointer returns the 64-bit TR Dequeue Pointer with the DCS
// bit masked off, and the DCS bit itself.
func (e EndpointContext) TRDequeuePointer() (uint64, bool) {
	lo := epDword2.get(e.b)
	hi := epDword3.get(e.b)
	return (uint64(hi)<<32 | uint64(lo&^0xF)), lo&1 != 0
}

// SetAverageTRBLength sets the Average TRB Length field (bits 0:15 of
// dword 4), required nonzero by every endpoint context.
func (e EndpointContext) SetAverageTRBLength(avg uint16) {
	cur := epDword4.get(e.b)
	epDword4.set(e.b, (cur&^0xFFFF)|uint32(avg))
}

// SetMaxESITPayload sets the Max ESIT Payload Low field (bits 16:31 of
// dword 4), used by isochronous and interrupt endpoints.
func (e EndpointContext) SetMaxESITPayload(v uint16) {
	cur := epDword4.get(e.b)
	epDword4.set(e.b, (cur&^(0xFFFF<<16))|(uint32(v)<<16))
}

// DeviceContext is a read view (the Output Context the controller
// writes back) composed of a Slot Context followed by up to 31
// Endpoint Contexts.
type DeviceContext struct {
	buf    hal.DMABuffer
	layout Layout
}

// NewDeviceContext wraps a buffer as an Output Device Context.
func NewDeviceContext(buf hal.DMABuffer, layout Layout) *DeviceContext {
	return &DeviceContext{buf: buf, layout: layout}
}

// Phys returns the context buffer's physical address, for DCBAA entries
// and AddressDeviceCommand's Input Context pointer sharing.
func (d *DeviceContext) Phys() uint64 { return d.buf.Phys() }

// Slot returns the Slot Context view (record index 0).
func (d *DeviceContext) Slot() SlotContext {
	d.buf.Invalidate()
	return SlotContext{b: d.record(0)}
}

// Endpoint returns the Endpoint Context view for the given xHCI endpoint
// index (1..31; 0 is the Slot Context and is never a valid endpoint
// index here).
func (d *DeviceContext) Endpoint(index int) EndpointContext {
	d.buf.Invalidate()
	return EndpointContext{b: d.record(index)}
}

func (d *DeviceContext) record(index int) []byte {
	stride := d.layout.Stride()
	off := index * stride
	return d.buf.Bytes()[off : off+stride]
}

// Flush publishes host writes to the controller. Call after populating
// an Input Context's Slot/Endpoint records and before posting the
// associated command.
func (d *DeviceContext) Flush() { d.buf.Flush() }

// InputControlContext is the Input Context's control block (record 0),
// carrying the Drop/Add Context flags and Configuration/Interface/Alt
// Setting values consumed by Configure/Address/Evaluate commands.
type InputControlContext struct {
	b []byte
}

var (
	icDropFlags = field{0}
	icAddFlags  = field{4}
)

// SetDropFlag sets or clears the Drop Context flag for the given context
// index (2..31; the Slot and endpoint 0 contexts cannot be dropped).
func (c InputControlContext) SetDropFlag(index int, drop bool) {
	cur := icDropFlags.get(c.b)
	if drop {
		cur |= 1 << uint(index)
	} else {
		cur &^= 1 << uint(index)
	}
	icDropFlags.set(c.b, cur)
}

// SetAddFlag sets or clears the Add Context flag for the given context
// index (0 is the Slot Context, 1..31 are endpoint contexts).
func (c InputControlContext) SetAddFlag(index int, add bool) {
	cur := icAddFlags.get(c.b)
	if add {
		cur |= 1 << uint(index)
	} else {
		cur &^= 1 << uint(index)
	}
	icAddFlags.set(c.b, cur)
}

// InputContext wraps an Input Context buffer: the control context at
// record 0, followed by the same Slot+Endpoint layout as a
// [DeviceContext] starting at record 1.
type InputContext struct {
	dev    *DeviceContext
	buf    hal.DMABuffer
	layout Layout
}

// NewInputContext wraps a buffer as an Input Context. The buffer must
// have room for one control record plus the device context records.
func NewInputContext(buf hal.DMABuffer, layout Layout) *InputContext {
	return &InputContext{buf: buf, layout: layout}
}

// Phys returns the Input Context buffer's physical address.
func (in *InputContext) Phys() uint64 { return in.buf.Phys() }

// Control returns the Input Control Context view.
func (in *InputContext) Control() InputControlContext {
	in.buf.Invalidate()
	stride := in.layout.Stride()
	return InputControlContext{b: in.buf.Bytes()[0:stride]}
}

// Slot returns the Slot Context view (record index 1, immediately after
// the control context).
func (in *InputContext) Slot() SlotContext {
	in.buf.Invalidate()
	return SlotContext{b: in.record(1)}
}

// Endpoint returns the Endpoint Context view for the given xHCI endpoint
// index (1..31), stored at record index+1.
func (in *InputContext) Endpoint(index int) EndpointContext {
	in.buf.Invalidate()
	return EndpointContext{b: in.record(index + 1)}
}

func (in *InputContext) record(index int) []byte {
	stride := in.layout.Stride()
	off := index * stride
	return in.buf.Bytes()[off : off+stride]
}

// Flush publishes host writes to the controller.
func (in *InputContext) Flush() { in.buf.Flush() }
