// Package devstate holds the per-slot [DeviceState], per-port
// [PortState], and [HubInfo] records the core tracks across the life of
// an enumerated device.
package devstate

import (
	"sync"

	"github.com/usbxhci/core/context"
	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/ring"
)

// MaxEndpoints is the size of a slot's transfer-ring table, indexed by
// xHCI Device Context Index: index 1 is Endpoint 0, the default control
// endpoint, indices 2..30 are the other endpoints, and index 0 (the Slot
// Context's DCI) never holds a ring.
const MaxEndpoints = 31

// DeviceState tracks one enabled slot: its contexts, transfer rings, and
// addressing/hub metadata. All field access is guarded by mu; callers
// must release it around any suspension point (a channel receive, a
// context.Context wait) to avoid blocking the event-ring goroutine.
type DeviceState struct {
	mu sync.Mutex

	slot  uint8
	port  int
	speed Speed

	input  *context.InputContext
	output *context.DeviceContext
	layout context.Layout

	rings [MaxEndpoints]*ring.TransferRing

	hub          HubInfo
	isHub        bool
	disconnected bool
}

// HubInfo carries the route-string and tier metadata needed to address
// a device behind one or more USB hubs.
type HubInfo struct {
	RouteString    uint32
	ParentHubSlot  uint8
	ParentPort     uint8
	TTHubSlot      uint8
	TTPortNumber   uint8
	TTThinkTime    uint8
	MaxExitLatency uint16
	IsHub          bool
	NumPorts       uint8
	TTT            uint8
	MultiTT        bool
}

// New allocates a DeviceState bound to the given slot. Input and Output
// context buffers and the Endpoint 0 transfer ring are allocated by the
// caller via InitializeSlotBuffer/InitializeOutputContextBuffer/
// InitializeEndpointContext, mirroring the staged allocation xHCI
// bring-up requires (Output Context must exist before AddressDevice;
// Input Context only for the duration of address/configure commands).
func New(slot uint8, layout context.Layout) *DeviceState {
	return &DeviceState{slot: slot, layout: layout}
}

// Slot returns the slot ID.
func (d *DeviceState) Slot() uint8 { return d.slot }

// Port returns the bound root hub port (1-indexed).
func (d *DeviceState) Port() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port
}

// SetPort records the root hub port this slot was enumerated on.
func (d *DeviceState) SetPort(port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.port = port
}

// Speed returns the PSI speed ID assigned during enumeration.
func (d *DeviceState) Speed() Speed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed
}

// SetSpeed records the negotiated PSI speed ID.
func (d *DeviceState) SetSpeed(speed Speed) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speed = speed
}

// GetHub returns the current hub/route metadata.
func (d *DeviceState) GetHub() HubInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hub
}

// SetHub records hub/route metadata, used both when this slot is itself
// a hub and when it sits behind one.
func (d *DeviceState) SetHub(info HubInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hub = info
	d.isHub = info.IsHub
}

// InitializeOutputContextBuffer wraps a freshly allocated, zeroed buffer
// as this slot's Output Device Context and records it in the DCBAA.
func (d *DeviceState) InitializeOutputContextBuffer(buf hal.DMABuffer, dcbaa *context.DCBAA) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.output = context.NewDeviceContext(buf, d.layout)
	dcbaa.SetSlot(d.slot, d.output.Phys())
}

// InitializeSlotBuffer wraps a freshly allocated buffer as this slot's
// Input Context, used only for the duration of Address/Configure/
// Evaluate Context commands.
func (d *DeviceState) InitializeSlotBuffer(buf hal.DMABuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.input = context.NewInputContext(buf, d.layout)
}

// InitializeEndpointContext allocates and binds a transfer ring for the
// given xHCI endpoint index (1 for the default control endpoint).
func (d *DeviceState) InitializeEndpointContext(index int, factory hal.DMAFactory) error {
	r, err := ring.NewTransferRing(factory, 1)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= MaxEndpoints {
		return pkg.ErrInvalidArgs
	}
	d.rings[index] = r
	return nil
}

// GetTransferRing returns the transfer ring bound to the given endpoint
// index, or nil if that endpoint has not been initialized.
func (d *DeviceState) GetTransferRing(index int) *ring.TransferRing {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= MaxEndpoints {
		return nil
	}
	return d.rings[index]
}

// Input returns the Input Context, valid only around Address/Configure/
// Evaluate command construction.
func (d *DeviceState) Input() *context.InputContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.input
}

// Output returns the Output Device Context written by the controller.
func (d *DeviceState) Output() *context.DeviceContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.output
}

// SetDeviceInformation stamps the Slot Context fields the
// AddressDeviceCommand needs from enumeration: route string, speed,
// root hub port, and TT info when behind a high-speed hub.
func (d *DeviceState) SetDeviceInformation(hub HubInfo, speed Speed, rootPort int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hub = hub
	d.speed = speed
	d.port = rootPort

	slot := d.input.Slot()
	slot.SetRouteString(hub.RouteString)
	slot.SetSpeed(uint8(speed))
	slot.SetRootHubPortNumber(uint8(rootPort))
	slot.SetContextEntries(1)
	if hub.TTHubSlot != 0 {
		slot.SetTTInfo(hub.TTHubSlot, hub.TTPortNumber, hub.TTThinkTime)
	}
	d.input.Flush()
}

// IsDisconnecting reports whether Disconnect has been called on this
// slot; enumeration and transfer submission must check this before
// assuming the slot is still live.
func (d *DeviceState) IsDisconnecting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnected
}

// Disconnect marks the slot as tearing down. Idempotent.
func (d *DeviceState) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = true
}

// Reset clears transient per-connection state so the slot can be reused
// by a later enumeration without reallocating its contexts.
func (d *DeviceState) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = false
	d.speed = 0
	d.hub = HubInfo{}
	for i := range d.rings {
		d.rings[i] = nil
	}
}
