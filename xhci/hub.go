package xhci

import (
	"github.com/usbxhci/core/devstate"
	"github.com/usbxhci/core/enumerate"
	"github.com/usbxhci/core/pkg"
)

// HubDescriptor carries the subset of a USB Hub (or SuperSpeed Hub)
// class descriptor ConfigureHub needs: port count and characteristics.
type HubDescriptor struct {
	NumPorts         uint8
	Characteristics  uint16 // wHubCharacteristics
	TTThinkTime      uint8  // derived from Characteristics bits 5:6 for HS hubs
}

// ConfigureHub marks slot as a USB hub in its Slot Context and, for
// SuperSpeed hubs, issues a Set Hub Depth class request so downstream
// devices route correctly.
func (x *UsbXhci) ConfigureHub(slot uint8, desc HubDescriptor, speed devstate.Speed, depth uint8, cb func(cc pkg.CompletionCode)) {
	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st == nil {
		cb(pkg.CompletionSlotNotEnabledError)
		return
	}

	multiTT := speed == devstate.SpeedHigh && (desc.Characteristics>>5)&1 != 0
	ttt := uint8(0)
	if speed == devstate.SpeedHigh {
		ttt = uint8((desc.Characteristics >> 5) & 0x3)
	}

	ic := st.Input()
	ic.Control().SetAddFlag(0, true)
	slotCtx := ic.Slot()
	slotCtx.SetHub(true)
	slotCtx.SetMTT(multiTT)
	slotCtx.SetNumberOfPorts(desc.NumPorts)
	slotCtx.SetTTInfo(0, 0, ttt)
	ic.Flush()

	hub := st.GetHub()
	hub.IsHub = true
	hub.NumPorts = desc.NumPorts
	hub.TTT = ttt
	hub.MultiTT = multiTT
	st.SetHub(hub)

	x.evaluateContext(slot, func(cc pkg.CompletionCode) {
		if cc != pkg.CompletionSuccess || speed != devstate.SpeedSuper && speed != devstate.SpeedSuperPlus {
			cb(cc)
			return
		}
		x.setHubDepthCmd(slot, depth, cb)
	})
}

// HubDeviceAdded computes the downstream device's extended route string
// from its parent hub's route and port, and starts enumeration on it.
func (x *UsbXhci) HubDeviceAdded(parentSlot uint8, port int, speed devstate.Speed) {
	x.mu.RLock()
	parent := x.slots[parentSlot]
	x.mu.RUnlock()
	if parent == nil {
		pkg.LogWarn(pkg.ComponentXHCI, "hub device added for unknown parent slot", "slot", parentSlot)
		return
	}

	parentHub := parent.GetHub()
	hub := devstate.HubInfo{
		RouteString:   parentHub.RouteString | uint32(port&0xF)<<(4*hubTier(parentHub)),
		ParentHubSlot: parentSlot,
		ParentPort:    uint8(port),
	}
	if speed != devstate.SpeedSuper && speed != devstate.SpeedSuperPlus && parent.Speed() == devstate.SpeedHigh {
		hub.TTHubSlot = parentSlot
		hub.TTPortNumber = uint8(port)
		hub.TTThinkTime = parentHub.TTT
	}

	enumerate.EnumerateDevice(x, parent.Port(), hub, speed, func(err error) {
		if err != nil {
			pkg.LogWarn(pkg.ComponentXHCI, "hub device enumeration failed", "parent_slot", parentSlot, "port", port, "error", err)
		}
	})
}

// hubTier derives how many route-string nibbles a parent hub's own route
// already occupies, so a newly attached child shifts into the next one.
func hubTier(h devstate.HubInfo) int {
	tier := 0
	route := h.RouteString
	for route != 0 {
		tier++
		route >>= 4
	}
	return tier
}

// HubDeviceRemoved tears down the slot attached to one downstream port of
// a hub: drains every pending TRB on every endpoint, notifies the bus
// client, then disables the slot.
func (x *UsbXhci) HubDeviceRemoved(slot uint8) {
	x.mu.RLock()
	st := x.slots[slot]
	bus := x.bus
	x.mu.RUnlock()
	if st == nil {
		return
	}
	st.Disconnect()

	for i := 0; i < devstate.MaxEndpoints; i++ {
		r := st.GetTransferRing(i)
		if r == nil {
			continue
		}
		for _, ctx := range r.TakePendingTRBs() {
			completeWith(ctx, pkg.CompletionInvalid, pkg.ErrIoNotPresent)
		}
	}

	if bus != nil {
		bus.DeviceRemoved(slot)
	}

	x.DisableSlot(slot, func(cc pkg.CompletionCode) {
		if cc != pkg.CompletionSuccess {
			pkg.LogWarn(pkg.ComponentXHCI, "disable slot after hub device removed failed", "slot", slot, "cc", cc.String())
		}
	})
}
