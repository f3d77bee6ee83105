package xhci

import (
	"math/bits"

	contextpkg "github.com/usbxhci/core/context"
	"github.com/usbxhci/core/devstate"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/request"
)

// EndpointDescriptor carries the subset of a USB endpoint descriptor (plus
// its SuperSpeed Companion Descriptor, when present) EnableEndpoint needs
// to compute the Endpoint Context fields — the rest of the descriptor is
// the bus-stack's concern, not the controller core's.
type EndpointDescriptor struct {
	Address       uint8 // bEndpointAddress
	Attributes    uint8 // bmAttributes, bits 0:1 select the transfer type
	MaxPacketSize uint16
	Interval      uint8 // bInterval

	// SSMaxBurst is bMaxBurst from the SuperSpeed Endpoint Companion
	// Descriptor (0 if the endpoint has none / is not SuperSpeed).
	SSMaxBurst uint8
}

const (
	epAttrControl     = 0
	epAttrIsoch       = 1
	epAttrBulk        = 2
	epAttrInterrupt   = 3
	epAttrTypeMask    = 0x3
	epAddressDirIn    = 1 << 7
	epAddressNumMask  = 0x0F
	epMaxPacketMask   = 0x7FF
	epMaxPacketBurst  = 0x1800 // bits 11:12 of wMaxPacketSize, HS high-bandwidth mult
	epMaxPacketBurstS = 11
)

func log2Ceil(n uint8) uint8 {
	if n == 0 {
		return 0
	}
	return uint8(bits.Len8(n - 1))
}

// computeInterval converts a USB endpoint descriptor's bInterval into the
// xHCI Endpoint Context Interval field (expressed in 2^Interval × 125us
// units), per spec.md's table of transfer-type/speed-specific rules.
func computeInterval(d EndpointDescriptor, speed devstate.Speed) uint8 {
	typ := d.Attributes & epAttrTypeMask
	highSpeedOrFaster := speed == devstate.SpeedHigh || speed == devstate.SpeedSuper || speed == devstate.SpeedSuperPlus

	switch typ {
	case epAttrControl, epAttrBulk:
		if highSpeedOrFaster {
			return log2Ceil(d.Interval)
		}
		return 0
	case epAttrIsoch:
		if highSpeedOrFaster {
			return d.Interval - 1
		}
		return d.Interval - 1 + 3
	case epAttrInterrupt:
		if highSpeedOrFaster {
			return d.Interval - 1
		}
		return log2Ceil(d.Interval) + 3
	}
	return 0
}

func endpointType(d EndpointDescriptor) contextpkg.EndpointType {
	in := d.Address&epAddressDirIn != 0
	switch d.Attributes & epAttrTypeMask {
	case epAttrIsoch:
		if in {
			return contextpkg.EndpointTypeIsochIn
		}
		return contextpkg.EndpointTypeIsochOut
	case epAttrBulk:
		if in {
			return contextpkg.EndpointTypeBulkIn
		}
		return contextpkg.EndpointTypeBulkOut
	case epAttrInterrupt:
		if in {
			return contextpkg.EndpointTypeInterruptIn
		}
		return contextpkg.EndpointTypeInterruptOut
	default:
		return contextpkg.EndpointTypeControl
	}
}

// EnableEndpoint adds a new endpoint to slot's configuration: allocates
// its transfer ring, stamps the Input Context's Endpoint Context and Add
// flag, and posts Configure Endpoint. On failure the new ring is torn
// down and the slot's endpoint count is left unchanged.
func (x *UsbXhci) EnableEndpoint(slot uint8, d EndpointDescriptor, speed devstate.Speed, cb func(cc pkg.CompletionCode)) {
	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st == nil {
		cb(pkg.CompletionSlotNotEnabledError)
		return
	}

	index := request.XhciEndpointIndex(d.Address)
	if err := st.InitializeEndpointContext(index, x.factory); err != nil {
		cb(pkg.CompletionResourceError)
		return
	}
	epRing := st.GetTransferRing(index)
	phys, pcs := epRing.EnqueuePhys()

	ic := st.Input()
	ic.Control().SetAddFlag(0, true)
	ic.Control().SetAddFlag(index, true)

	ec := ic.Endpoint(index)
	ec.SetEndpointType(endpointType(d))
	ec.SetCErr(3)
	ec.SetMaxPacketSize(d.MaxPacketSize & epMaxPacketMask)
	ec.SetInterval(computeInterval(d, speed))
	ec.SetTRDequeuePointer(phys, pcs)
	ec.SetAverageTRBLength(uint16(d.MaxPacketSize & epMaxPacketMask))

	typ := d.Attributes & epAttrTypeMask
	var burst uint8
	switch {
	case speed == devstate.SpeedSuper || speed == devstate.SpeedSuperPlus:
		burst = d.SSMaxBurst
	case speed == devstate.SpeedHigh && typ == epAttrIsoch:
		burst = uint8((d.MaxPacketSize & epMaxPacketBurst) >> epMaxPacketBurstS)
	}
	ec.SetMaxBurstSize(burst)
	if speed == devstate.SpeedHigh && typ == epAttrIsoch {
		ec.SetMaxESITPayload((d.MaxPacketSize & epMaxPacketMask) * uint16(burst+1))
	}

	slotCtx := ic.Slot()
	entries := slotCtx.ContextEntries()
	if uint8(index) > entries {
		slotCtx.SetContextEntries(uint8(index))
	}
	ic.Flush()

	x.configureEndpoint(slot, func(cc pkg.CompletionCode) {
		if cc != pkg.CompletionSuccess {
			epRing.DeinitIfActive()
			slotCtx.SetContextEntries(entries)
			ic.Flush()
		}
		cb(cc)
	})
}

// DisableEndpoint drops index from slot's configuration: posts Configure
// Endpoint with index's Drop flag and the Slot Context's Add flag (A0)
// set, then tears down the endpoint's transfer ring on success.
func (x *UsbXhci) DisableEndpoint(slot uint8, epAddress uint8, cb func(cc pkg.CompletionCode)) {
	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st == nil {
		cb(pkg.CompletionSlotNotEnabledError)
		return
	}
	index := request.XhciEndpointIndex(epAddress)

	ic := st.Input()
	ic.Control().SetDropFlag(index, true)
	ic.Control().SetAddFlag(0, true)
	ic.Flush()

	x.configureEndpoint(slot, func(cc pkg.CompletionCode) {
		if cc != pkg.CompletionSuccess {
			cb(pkg.CompletionResourceError)
			return
		}
		if r := st.GetTransferRing(index); r != nil {
			r.DeinitIfActive()
		}
		cb(cc)
	})
}

// ResetEndpoint clears a halted endpoint: posts Reset Endpoint, then
// repoints the ring's TR Dequeue Pointer at the ring's current enqueue
// location so the controller resumes past the TRBs that caused the
// stall.
func (x *UsbXhci) ResetEndpoint(slot uint8, epAddress uint8, cb func(cc pkg.CompletionCode)) {
	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st == nil {
		cb(pkg.CompletionSlotNotEnabledError)
		return
	}
	index := request.XhciEndpointIndex(epAddress)
	r := st.GetTransferRing(index)
	if r == nil {
		cb(pkg.CompletionSlotNotEnabledError)
		return
	}

	x.resetEndpointCmd(slot, index, func(cc pkg.CompletionCode) {
		if cc != pkg.CompletionSuccess {
			cb(cc)
			return
		}
		ptr, pcs := r.EnqueuePhys()
		x.setTRDequeuePointerCmd(slot, index, ptr, pcs, cb)
	})
}

// CancelAll stops index's transfer ring and fails every pending request
// with Canceled, then repoints the ring's TR Dequeue Pointer past the
// TRBs that are no longer going to run.
func (x *UsbXhci) CancelAll(slot uint8, epAddress uint8, cb func(cc pkg.CompletionCode)) {
	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st == nil {
		cb(pkg.CompletionSlotNotEnabledError)
		return
	}
	index := request.XhciEndpointIndex(epAddress)
	r := st.GetTransferRing(index)
	if r == nil {
		cb(pkg.CompletionSlotNotEnabledError)
		return
	}

	x.stopEndpointCmd(slot, index, func(cc pkg.CompletionCode) {
		if cc != pkg.CompletionSuccess {
			cb(cc)
			return
		}
		pending := r.TakePendingTRBs()
		for _, ctx := range pending {
			completeWith(ctx, pkg.CompletionStopped, pkg.ErrCanceled)
		}
		if len(pending) == 0 {
			cb(cc)
			return
		}
		ptr, pcs := r.EnqueuePhys()
		x.setTRDequeuePointerCmd(slot, index, ptr, pcs, cb)
	})
}
