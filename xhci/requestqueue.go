package xhci

import (
	"context"

	contextpkg "github.com/usbxhci/core/context"
	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/request"
	"github.com/usbxhci/core/ring"
	"github.com/usbxhci/core/trb"
)

// Request is one caller-queued USB transfer. Setup non-nil selects the
// Control Request Pipeline on endpoint 0; any other endpoint address
// always takes the Normal Request Pipeline.
type Request struct {
	Slot            uint8
	EndpointAddress uint8
	Setup           *trb.SetupPacket
	Chunks          []request.Chunk

	// Buffer, when set, is the host-visible DMA buffer backing Chunks,
	// letting the core patch a reply in place (the defective-hub
	// workaround zeroes one byte of a GET_DESCRIPTOR(DEVICE_QUALIFIER)
	// reply before completing it OK).
	Buffer hal.DMABuffer

	Isoch       bool
	IsochHeader request.IsochHeader

	Callback func(actual int, err error)
}

// RequestQueue validates slot and endpoint, then routes the request to
// the Control or Normal pipeline. Fails fast with IoNotPresent if the
// controller is not running or the slot is unbound/disconnecting, and
// with InvalidArgs if the slot or endpoint is out of range.
func (x *UsbXhci) RequestQueue(ctx context.Context, req Request) {
	if !x.IsRunning() {
		req.Callback(0, pkg.ErrIoNotPresent)
		return
	}
	if req.Slot == 0 || int(req.Slot) > x.maxSlots || int(req.Slot) >= len(x.slots) {
		req.Callback(0, pkg.ErrInvalidArgs)
		return
	}

	x.mu.RLock()
	st := x.slots[req.Slot]
	x.mu.RUnlock()
	if st == nil {
		req.Callback(0, pkg.ErrIoNotPresent)
		return
	}
	if st.IsDisconnecting() {
		req.Callback(0, pkg.ErrIoNotPresent)
		return
	}

	index := request.XhciEndpointIndex(req.EndpointAddress)
	epRing := st.GetTransferRing(index)
	out := st.Output()
	if epRing == nil || out == nil {
		req.Callback(0, pkg.ErrInvalidArgs)
		return
	}

	halted := out.Endpoint(index).State() == contextpkg.EndpointStateHalted
	if err := request.Stalled(halted); err != nil {
		req.Callback(0, err)
		return
	}

	total := 0
	for _, c := range req.Chunks {
		total += c.Len
	}

	if index == 1 {
		if req.Setup == nil {
			req.Callback(0, pkg.ErrInvalidArgs)
			return
		}
		rctx, err := request.Control(x.mmio, req.Slot, epRing, *req.Setup, req.Chunks, x.caps.HasCoherentCache)
		if err != nil {
			req.Callback(0, err)
			return
		}
		setup := *req.Setup
		rctx.Data = make([]byte, total)
		rctx.Setup = &setup
		rctx.Buffer = req.Buffer
		rctx.Callback = func(c ring.Completion) { req.Callback(int(c.Actual), c.Err) }
		return
	}

	rctx, err := request.Normal(ctx, x.mmio, req.Slot, epRing, index, req.Isoch, req.IsochHeader, x, req.Chunks, x.caps.HasCoherentCache)
	if err != nil {
		req.Callback(0, err)
		return
	}
	rctx.Data = make([]byte, total)
	rctx.Callback = func(c ring.Completion) { req.Callback(int(c.Actual), c.Err) }
}

// CurrentFrame implements request.Clock, letting the isochronous
// scheduling-window wait observe real controller progress.
func (x *UsbXhci) CurrentFrame() uint32 { return x.GetCurrentFrame() }

// GetCurrentFrame returns the controller's current (micro)frame number
// in milliseconds, combining the hardware MFINDEX register with the
// software-tracked wrap count the event ring accumulates from MFINDEX
// Wrap Events.
func (x *UsbXhci) GetCurrentFrame() uint32 {
	mfindex := uint64(x.mmio.ReadRun32(runMFINDEX) & mfindexMask)
	wraps := x.it0.Ring().MFIndexWraps()
	return uint32((wraps*16384 + mfindex) >> 3)
}

// GetMaxTransferSize returns the Max Packet Size currently programmed
// into device_id's ep_address Endpoint Context.
func (x *UsbXhci) GetMaxTransferSize(slot uint8, epAddress uint8) uint16 {
	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st == nil {
		return 0
	}
	out := st.Output()
	if out == nil {
		return 0
	}
	return out.Endpoint(request.XhciEndpointIndex(epAddress)).MaxPacketSize()
}

// deviceQualifierProtocolOffset is the byte offset of bDeviceProtocol
// within a Device Qualifier descriptor.
const deviceQualifierProtocolOffset = 5

// isDeviceQualifierProbe reports whether a pending control TD's SETUP
// packet is the GET_DESCRIPTOR(DEVICE_QUALIFIER) probe a defective hub
// is known to stall on instead of answering.
func isDeviceQualifierProbe(index int, s *trb.SetupPacket) bool {
	return index == 1 &&
		s.Request == trb.RequestGetDescriptor &&
		s.Index == 0 &&
		s.Value == uint16(trb.DescriptorDeviceQualifier)<<8
}

// onTransferEvent dispatches one Transfer Event to the owning device's
// endpoint ring: Stall Error drains the ring and applies the
// defective-hub workaround to a matching in-flight probe, everything
// else resolves through short-packet accumulation so a chained TD's
// interior short events report progress without ending it.
func (x *UsbXhci) onTransferEvent(ev trb.TRB) {
	slot := ev.SlotID()
	index := int(ev.EndpointID())
	code := pkg.CompletionCode(ev.CompletionCode())

	x.mu.RLock()
	st := x.slots[slot]
	x.mu.RUnlock()
	if st == nil {
		pkg.LogWarn(pkg.ComponentXHCI, "transfer event for unknown slot", "slot", slot)
		return
	}
	epRing := st.GetTransferRing(index)
	if epRing == nil {
		pkg.LogWarn(pkg.ComponentXHCI, "transfer event for unknown endpoint", "slot", slot, "index", index)
		return
	}

	if code == pkg.CompletionStallError {
		x.handleStall(slot, index, epRing)
		return
	}

	idx, ok := epRing.PhysToVirt(ev.Parameter)
	if !ok {
		pkg.LogWarn(pkg.ComponentXHCI, "transfer event for unknown TRB pointer", "slot", slot, "index", index)
		return
	}

	ctx, shortAccum, terminal := epRing.NoteShortPacket(idx, ev.TransferLength())
	if !terminal {
		return
	}
	actual := len(ctx.Data) - int(shortAccum)
	if actual < 0 {
		actual = 0
	}
	completeTransferResult(ctx, code, uint32(actual))
}

// completeTransferResult completes a Transfer Event's TRB context using the
// transfer-specific completion-code mapping (pkg.CompletionCode.
// TransferErr), so a non-success, non-short, non-stall code on a data
// transfer reports IoInvalid rather than the generic command-completion
// mapping completeWith2 uses.
func completeTransferResult(ctx *ring.TRBContext, code pkg.CompletionCode, actual uint32) {
	if ctx == nil {
		return
	}
	c := ring.Completion{Code: code, Actual: actual, Err: code.TransferErr()}
	if ctx.Callback != nil {
		ctx.Callback(c)
		return
	}
	if ctx.Done != nil {
		ctx.Done <- c
	}
}

// handleStall drains every pending TD on a halted endpoint ring. A
// defective-hub device-qualifier probe at the head of the queue gets the
// workaround instead of a plain stall failure; everything else behind it
// fails with StallError, since the endpoint stopped processing the
// moment it halted.
func (x *UsbXhci) handleStall(slot uint8, index int, epRing *ring.TransferRing) {
	pending := epRing.TakePendingTRBs()
	for i, ctx := range pending {
		if i == 0 && ctx.Setup != nil && isDeviceQualifierProbe(index, ctx.Setup) {
			x.applyDefectiveHubWorkaround(slot, index, ctx)
			continue
		}
		completeTransferResult(ctx, pkg.CompletionStallError, 0)
	}
}

// applyDefectiveHubWorkaround zeroes bDeviceProtocol in the stalled
// probe's reply buffer, resets the endpoint, and completes the original
// request OK with the descriptor's requested size once the reset
// confirms — working around hubs that stall GET_DESCRIPTOR(DEVICE_
// QUALIFIER) instead of answering it, per a defective-hub's observed
// behavior rather than the USB spec.
func (x *UsbXhci) applyDefectiveHubWorkaround(slot uint8, index int, ctx *ring.TRBContext) {
	pkg.LogWarn(pkg.ComponentXHCI, "defective hub device-qualifier stall workaround engaged", "slot", slot)
	if ctx.Buffer != nil {
		b := ctx.Buffer.Bytes()
		if len(b) > deviceQualifierProtocolOffset {
			b[deviceQualifierProtocolOffset] = 0
			ctx.Buffer.Flush()
		}
	}
	actual := len(ctx.Data)
	x.resetEndpointCmd(slot, index, func(cc pkg.CompletionCode) {
		completeTransferResult(ctx, pkg.CompletionSuccess, uint32(actual))
	})
}
