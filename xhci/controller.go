package xhci

import (
	"time"

	contextpkg "github.com/usbxhci/core/context"
	"github.com/usbxhci/core/devstate"
	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/request"
	"github.com/usbxhci/core/ring"
	"github.com/usbxhci/core/trb"
)

// This file implements enumerate.Controller, the narrow surface the
// enumeration state machine needs from UsbXhci. Keeping the adapter in
// one file separates "how enumeration decides what to do next" (package
// enumerate) from "how each step actually touches rings and registers"
// (here).

// EnableSlot posts an Enable Slot Command and, on success, allocates the
// new slot's Input/Output contexts and Endpoint 0 transfer ring before
// invoking cb.
func (x *UsbXhci) EnableSlot(cb func(slot uint8, cc pkg.CompletionCode)) {
	x.enableSlot(func(slot uint8, cc pkg.CompletionCode) {
		if cc != pkg.CompletionSuccess {
			cb(slot, cc)
			return
		}
		if err := x.allocateSlot(slot); err != nil {
			cb(slot, pkg.CompletionResourceError)
			return
		}
		cb(slot, cc)
	})
}

// allocateSlot wraps fresh DMA buffers as slot's Input Context, Output
// Context (registered in the DCBAA), and Endpoint 0 transfer ring.
func (x *UsbXhci) allocateSlot(slot uint8) error {
	outBuf, err := x.factory.AllocPage(nil)
	if err != nil {
		return pkg.ErrNoMemory
	}
	inBuf, err := x.factory.AllocPage(nil)
	if err != nil {
		x.factory.Free(outBuf)
		return pkg.ErrNoMemory
	}

	st := devstate.New(slot, x.layout)
	st.InitializeOutputContextBuffer(outBuf, x.dcbaa)
	st.InitializeSlotBuffer(inBuf)
	if err := st.InitializeEndpointContext(1, x.factory); err != nil {
		return err
	}

	ep0 := st.GetTransferRing(1)
	phys, pcs := ep0.EnqueuePhys()
	ic := st.Input()
	ic.Control().SetAddFlag(0, true)
	ic.Control().SetAddFlag(1, true)
	ic.Endpoint(1).SetEndpointType(contextpkg.EndpointTypeControl)
	ic.Endpoint(1).SetCErr(3)
	ic.Endpoint(1).SetMaxPacketSize(8)
	ic.Endpoint(1).SetAverageTRBLength(8)
	ic.Endpoint(1).SetTRDequeuePointer(phys, pcs)
	ic.Flush()

	x.mu.Lock()
	x.slots[slot] = st
	x.mu.Unlock()
	return nil
}

// DisableSlot posts a Disable Slot Command, tearing down the slot's
// transfer rings first so no stale completion can reference them.
func (x *UsbXhci) DisableSlot(slot uint8, cb func(cc pkg.CompletionCode)) {
	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st != nil {
		for i := 0; i < devstate.MaxEndpoints; i++ {
			if r := st.GetTransferRing(i); r != nil {
				r.DeinitIfActive()
			}
		}
	}
	x.disableSlot(slot, cb)
}

// SetDeviceInformation stamps slot's Input Context Slot fields with the
// route/speed/port/TT metadata enumeration learned before addressing.
func (x *UsbXhci) SetDeviceInformation(slot uint8, port int, hub devstate.HubInfo, speed devstate.Speed) {
	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st == nil {
		pkg.LogWarn(pkg.ComponentXHCI, "SetDeviceInformation on unknown slot", "slot", slot)
		return
	}
	st.SetDeviceInformation(hub, speed, port)
}

// AddressDevice posts an Address Device Command for slot.
func (x *UsbXhci) AddressDevice(slot uint8, port int, hub devstate.HubInfo, bsr bool, cb func(cc pkg.CompletionCode)) {
	x.addressDevice(slot, bsr, cb)
}

// SetMaxPacketSize updates Endpoint 0's Max Packet Size field via
// Evaluate Context, used once enumeration learns the real
// bMaxPacketSize0 from the device's Device Descriptor.
func (x *UsbXhci) SetMaxPacketSize(slot uint8, mps uint16, cb func(cc pkg.CompletionCode)) {
	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st == nil {
		cb(pkg.CompletionSlotNotEnabledError)
		return
	}
	ic := st.Input()
	ic.Control().SetAddFlag(1, true)
	ic.Endpoint(1).SetMaxPacketSize(mps)
	ic.Flush()
	x.evaluateContext(slot, cb)
}

// GetDescriptor8 issues GET_DESCRIPTOR(DEVICE, 8) on Endpoint 0 and
// reports bMaxPacketSize0 (byte offset 7 of the Device Descriptor).
func (x *UsbXhci) GetDescriptor8(slot uint8, cb func(mps0 uint8, cc pkg.CompletionCode)) {
	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st == nil {
		cb(0, pkg.CompletionSlotNotEnabledError)
		return
	}
	ep0 := st.GetTransferRing(1)

	buf, err := x.factory.Alloc(nil, 8)
	if err != nil {
		cb(0, pkg.CompletionResourceError)
		return
	}

	setup := trb.SetupPacket{
		RequestType: 0x80,
		Request:     trb.RequestGetDescriptor,
		Value:       uint16(trb.DescriptorDevice) << 8,
		Length:      8,
	}
	chunks := []request.Chunk{{Phys: buf.Phys(), Len: 8}}

	rctx, err := request.Control(x.mmio, slot, ep0, setup, chunks, x.caps.HasCoherentCache)
	if err != nil {
		x.factory.Free(buf)
		cb(0, pkg.CompletionResourceError)
		return
	}
	rctx.Callback = func(c ring.Completion) {
		defer x.factory.Free(buf)
		if c.Code != pkg.CompletionSuccess && c.Code != pkg.CompletionShortPacket {
			cb(0, c.Code)
			return
		}
		buf.Invalidate()
		b := buf.Bytes()
		if len(b) < 8 {
			cb(0, pkg.CompletionDataBufferError)
			return
		}
		cb(b[7], pkg.CompletionSuccess)
	}
}

// Sleep runs cb once, after d, on the same executor goroutine every
// other continuation runs on.
func (x *UsbXhci) Sleep(d time.Duration, cb func()) {
	x.it0.After(d, cb)
}

// IsConnected reports whether port currently shows Current Connect
// Status set, used by the enumeration retry decision (a USB transaction
// error on a device that already disconnected should not retry).
func (x *UsbXhci) IsConnected(port int) bool {
	if port <= 0 || port >= len(x.ports) {
		return false
	}
	return x.mmio.ReadPort32(port, portSC)&portscCCS != 0
}

// DeviceOnline notifies the bus client that slot finished enumeration,
// binds the root hub port to it, and records the port/speed on the
// slot's DeviceState.
func (x *UsbXhci) DeviceOnline(slot uint8, port int, speed devstate.Speed) {
	x.mu.RLock()
	st := x.slots[slot]
	ps := x.portState(port)
	x.mu.RUnlock()
	if st == nil {
		return
	}
	st.SetPort(port)
	st.SetSpeed(speed)
	if ps != nil {
		ps.Bind(slot, speed)
	}

	info := x.deviceInfo(slot, st, port, speed)
	x.mu.RLock()
	bus := x.bus
	x.mu.RUnlock()
	if bus != nil {
		bus.DeviceAdded(slot, info)
	}
	pkg.LogInfo(pkg.ComponentXHCI, "device online", "slot", slot, "port", port, "speed", speed.String())
}

func (x *UsbXhci) portState(port int) *devstate.PortState {
	if port <= 0 || port >= len(x.ports) {
		return nil
	}
	return x.ports[port]
}

func (x *UsbXhci) deviceInfo(slot uint8, st *devstate.DeviceState, port int, speed devstate.Speed) hal.DeviceInfo {
	hub := st.GetHub()
	return hal.DeviceInfo{
		Slot:        slot,
		Port:        port,
		Speed:       uint8(speed),
		RouteString: hub.RouteString,
		HubDepth:    0,
		IsHub:       hub.IsHub,
	}
}
