package xhci

import (
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/ring"
	"github.com/usbxhci/core/trb"
)

// trbCommand is the software-side record of one outstanding command
// ring entry: the TRBContext slab slot plus the completion callback the
// caller supplied. Reusing ring.TRBContext.Actual to carry the Slot ID
// for EnableSlotCommand completions avoids a second type purely for the
// one command whose completion event payload means something other
// than "bytes transferred".
type trbCommand struct {
	ctx *ring.TRBContext
	cb  func(trb.TRB, pkg.CompletionCode)
}

// postCommand enqueues a command TRB on the command ring and arranges
// for cb to run once its Command Completion Event arrives, dispatched
// from onCommandCompletion on the interrupter's executor goroutine.
func (x *UsbXhci) postCommand(typ trb.Type, parameter uint64, status uint32, control uint32, cb func(trb.TRB, pkg.CompletionCode)) error {
	ctx, err := x.cmdRing.AllocateContext()
	if err != nil {
		return err
	}

	t, pcs, err := x.cmdRing.AllocateTRB()
	if err != nil {
		x.cmdRing.Pool().Put(ctx)
		return err
	}
	idx := x.cmdRing.IndexOf(t)

	t.Parameter = parameter
	t.Status = status
	t.Control = control
	t.SetType(typ)

	x.cmdRing.AssignContext(idx, idx, ctx)

	cmd := &trbCommand{ctx: ctx, cb: cb}
	ctx.Callback = func(c ring.Completion) {
		var ev trb.TRB
		ev.SetSlotID(uint8(c.Actual))
		ev.SetCompletionCode(uint8(c.Code))
		cmd.cb(ev, c.Code)
	}

	x.mmio.Barrier()
	t.SetCycle(pcs)
	x.mmio.Barrier()
	x.mmio.WriteDoorbell32(0, 0)
	return nil
}

// onCommandCompletion resolves the pending command whose TRB pointer
// this event names, repurposing Completion.Actual to carry the Slot ID
// field of the event TRB (meaningful for EnableSlotCommand; zero/
// ignored for every other command type).
func (x *UsbXhci) onCommandCompletion(ev trb.TRB) {
	idx, ok := x.cmdRing.PhysToVirt(ev.Parameter)
	if !ok {
		pkg.LogWarn(pkg.ComponentXHCI, "command completion for unknown TRB pointer")
		return
	}
	ctx := x.cmdRing.CompleteTRB(idx)
	if ctx == nil {
		return
	}
	completeWith2(ctx, pkg.CompletionCode(ev.CompletionCode()), uint32(ev.SlotID()))
}

// completeWith2 is completeWith's sibling for the command path, which
// additionally threads the Slot ID value through Completion.Actual.
func completeWith2(ctx *ring.TRBContext, code pkg.CompletionCode, actual uint32) {
	if ctx == nil {
		return
	}
	c := ring.Completion{Code: code, Actual: actual, Err: code.Err()}
	if ctx.Callback != nil {
		ctx.Callback(c)
		return
	}
	if ctx.Done != nil {
		ctx.Done <- c
	}
}

// enableSlot posts an Enable Slot Command and reports the assigned Slot
// ID on success.
func (x *UsbXhci) enableSlot(cb func(slot uint8, cc pkg.CompletionCode)) {
	err := x.postCommand(trb.TypeEnableSlotCommand, 0, 0, 0, func(ev trb.TRB, cc pkg.CompletionCode) {
		cb(ev.SlotID(), cc)
	})
	if err != nil {
		cb(0, pkg.CompletionResourceError)
	}
}

// disableSlot posts a Disable Slot Command for the given slot, tearing
// down the slot's DeviceState and clearing its DCBAA entry once the
// controller confirms.
func (x *UsbXhci) disableSlot(slot uint8, cb func(cc pkg.CompletionCode)) {
	control := uint32(slot) << 24
	err := x.postCommand(trb.TypeDisableSlotCommand, 0, 0, control, func(ev trb.TRB, cc pkg.CompletionCode) {
		if cc == pkg.CompletionSuccess {
			x.mu.Lock()
			if st := x.slots[slot]; st != nil {
				st.Disconnect()
				x.slots[slot] = nil
			}
			x.dcbaa.ClearSlot(slot)
			x.mu.Unlock()
		}
		cb(cc)
	})
	if err != nil {
		cb(pkg.CompletionResourceError)
	}
}

// addressDevice posts an Address Device Command for slot against its
// current Input Context, with the BSR (Block Set Address Request) flag
// set when bsr is true.
func (x *UsbXhci) addressDevice(slot uint8, bsr bool, cb func(cc pkg.CompletionCode)) {
	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st == nil {
		cb(pkg.CompletionSlotNotEnabledError)
		return
	}
	control := uint32(slot) << 24
	if bsr {
		control |= 1 << 9
	}
	parameter := st.Input().Phys()
	err := x.postCommand(trb.TypeAddressDeviceCommand, parameter, 0, control, func(_ trb.TRB, cc pkg.CompletionCode) {
		cb(cc)
	})
	if err != nil {
		cb(pkg.CompletionResourceError)
	}
}

// configureEndpoint posts a Configure Endpoint Command for slot against
// its current Input Context.
func (x *UsbXhci) configureEndpoint(slot uint8, cb func(cc pkg.CompletionCode)) {
	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st == nil {
		cb(pkg.CompletionSlotNotEnabledError)
		return
	}
	control := uint32(slot) << 24
	parameter := st.Input().Phys()
	err := x.postCommand(trb.TypeConfigureEndpointCommand, parameter, 0, control, func(_ trb.TRB, cc pkg.CompletionCode) {
		cb(cc)
	})
	if err != nil {
		cb(pkg.CompletionResourceError)
	}
}

// evaluateContext posts an Evaluate Context Command for slot against
// its current Input Context.
func (x *UsbXhci) evaluateContext(slot uint8, cb func(cc pkg.CompletionCode)) {
	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st == nil {
		cb(pkg.CompletionSlotNotEnabledError)
		return
	}
	control := uint32(slot) << 24
	parameter := st.Input().Phys()
	err := x.postCommand(trb.TypeEvaluateContextCommand, parameter, 0, control, func(_ trb.TRB, cc pkg.CompletionCode) {
		cb(cc)
	})
	if err != nil {
		cb(pkg.CompletionResourceError)
	}
}

// resetEndpointCmd posts a Reset Endpoint Command for the given slot
// and xHCI endpoint index.
func (x *UsbXhci) resetEndpointCmd(slot uint8, epIndex int, cb func(cc pkg.CompletionCode)) {
	control := uint32(slot)<<24 | uint32(epIndex&0x1F)<<16
	err := x.postCommand(trb.TypeResetEndpointCommand, 0, 0, control, func(_ trb.TRB, cc pkg.CompletionCode) {
		cb(cc)
	})
	if err != nil {
		cb(pkg.CompletionResourceError)
	}
}

// stopEndpointCmd posts a Stop Endpoint Command for the given slot and
// xHCI endpoint index.
func (x *UsbXhci) stopEndpointCmd(slot uint8, epIndex int, cb func(cc pkg.CompletionCode)) {
	control := uint32(slot)<<24 | uint32(epIndex&0x1F)<<16
	err := x.postCommand(trb.TypeStopEndpointCommand, 0, 0, control, func(_ trb.TRB, cc pkg.CompletionCode) {
		cb(cc)
	})
	if err != nil {
		cb(pkg.CompletionResourceError)
	}
}

// setTRDequeuePointerCmd posts a Set TR Dequeue Pointer Command pointing
// the given endpoint's ring at ptr with the given dequeue cycle state.
func (x *UsbXhci) setTRDequeuePointerCmd(slot uint8, epIndex int, ptr uint64, dcs bool, cb func(cc pkg.CompletionCode)) {
	param := ptr &^ 0xF
	if dcs {
		param |= 1
	}
	control := uint32(slot)<<24 | uint32(epIndex&0x1F)<<16
	err := x.postCommand(trb.TypeSetTRDequeuePointerCommand, param, 0, control, func(_ trb.TRB, cc pkg.CompletionCode) {
		cb(cc)
	})
	if err != nil {
		cb(pkg.CompletionResourceError)
	}
}

// setHubDepthCmd posts a Set Hub Depth Command for a SuperSpeed hub
// slot.
func (x *UsbXhci) setHubDepthCmd(slot uint8, depth uint8, cb func(cc pkg.CompletionCode)) {
	status := uint32(depth)
	control := uint32(slot) << 24
	err := x.postCommand(trb.TypeSetHubDepthCommand, 0, status, control, func(_ trb.TRB, cc pkg.CompletionCode) {
		cb(cc)
	})
	if err != nil {
		cb(pkg.CompletionResourceError)
	}
}
