// Package request builds and enqueues the TRB sequences for one USB
// request: the four/five-phase Control Request Pipeline (Setup/Data/
// Status on endpoint 0) and the Normal Request Pipeline (Bulk/
// Interrupt/Isochronous on any other endpoint).
package request

import (
	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/ring"
	"github.com/usbxhci/core/trb"
)

// Chunk is one physically-contiguous span of a request's data buffer,
// the ring's-eye view of whatever scatter-gather list the caller's DMA
// mapping produced.
type Chunk struct {
	Phys uint64
	Len  int
}

// ep0DoorbellTarget is the doorbell value for Endpoint 0's single
// bidirectional transfer ring.
const ep0DoorbellTarget = 1

// Control queues one control transfer on ep0Ring: Setup stage, an
// optional Data stage spanning chunks, and a Status stage. If the
// endpoint was already stalled (per spec.md, checked by the caller
// before calling in), callers should not call Control at all; this
// function always assumes the ring is currently enqueueable.
//
// The Setup TRB's Cycle bit is written last, after every other TRB in
// the TD has been fully stamped and chained, so the controller never
// observes a partially built TD. If any step fails before that point,
// the ring is rolled back to its pre-call enqueue position.
func Control(mmio hal.MMIO, slot uint8, ep0Ring *ring.TransferRing, setup trb.SetupPacket, chunks []Chunk, coherent bool) (*ring.TRBContext, error) {
	ep0Ring.SaveState()
	committed := false
	defer func() {
		if !committed {
			ep0Ring.Restore()
		}
	}()

	ctx, err := ep0Ring.AllocateContext()
	if err != nil {
		return nil, err
	}

	setupTRB, setupPCS, err := ep0Ring.AllocateTRB()
	if err != nil {
		return nil, err
	}
	setupIdx := ep0Ring.IndexOf(setupTRB)

	hasData := false
	for _, c := range chunks {
		if c.Len > 0 {
			hasData = true
			break
		}
	}

	if hasData {
		if err := stampDataStage(ep0Ring, setup, chunks, coherent); err != nil {
			return nil, err
		}
	}

	statusIn := true
	if hasData {
		statusIn = !setup.IsDeviceToHost()
	}
	statusTRB, statusPCS, err := ep0Ring.AllocateTRB()
	if err != nil {
		return nil, err
	}
	statusTRB.Parameter = 0
	statusTRB.Status = 0
	statusTRB.Control = 0
	statusTRB.SetType(trb.TypeStatusStage)
	statusTRB.SetChainBit(false)
	statusTRB.SetIOC(true)
	if statusIn {
		statusTRB.Control |= dataDirIn
	}
	statusTRB.SetCycle(statusPCS)
	statusIdx := ep0Ring.IndexOf(statusTRB)

	trt := trtNoData
	if hasData {
		if setup.IsDeviceToHost() {
			trt = trtIn
		} else {
			trt = trtOut
		}
	}
	setupTRB.Parameter = setup.Pack()
	setupTRB.Status = setLengthField(0, trb.SetupPacketSize)
	setupTRB.Control = 0
	setupTRB.SetType(trb.TypeSetupStage)
	setupTRB.Control |= 1 << 6 // IDT: setup parameter carried immediate, not a pointer
	setupTRB.Control |= uint32(trt) << trtShift

	// Cache maintenance for non-coherent chunks is the caller's
	// responsibility against the hal.DMABuffer backing them; this
	// package only ever sees bare physical addresses.

	ep0Ring.AssignContext(setupIdx, statusIdx, ctx)
	setupTRB.SetCycle(setupPCS)

	mmio.Barrier()
	ep0Ring.CommitTransaction()
	committed = true
	mmio.WriteDoorbell32(uint32(slot), ep0DoorbellTarget)
	return ctx, nil
}

// stampDataStage allocates and fills one Data TRB (the first chunk) and
// zero or more chained Normal TRBs (subsequent chunks), all chaining
// forward into the Status TRB allocated by the caller right after this
// returns.
func stampDataStage(ep0Ring *ring.TransferRing, setup trb.SetupPacket, chunks []Chunk, coherent bool) error {
	first := true
	for _, c := range chunks {
		if c.Len == 0 {
			continue
		}
		t, pcs, err := ep0Ring.AllocateTRB()
		if err != nil {
			return err
		}
		t.Parameter = c.Phys
		t.Status = setLengthField(0, uint32(c.Len))
		t.Control = 0
		if first {
			t.SetType(trb.TypeDataStage)
			if setup.IsDeviceToHost() {
				t.Control |= dataDirIn
			}
		} else {
			t.SetType(trb.TypeNormal)
		}
		t.SetChainBit(true)
		t.Control |= bitISP
		if !coherent {
			t.Control |= bitNoSnoop
		}
		t.SetCycle(pcs)
		first = false
	}
	return nil
}

// Stalled reports whether ep0Ring's endpoint needs clearing before a new
// control transfer can be queued, per spec.md's "if stalled() on entry,
// fail immediately with IoRefused" rule. Endpoint halt state lives in
// the device's Endpoint Context, not the ring, so callers pass it in.
func Stalled(halted bool) error {
	if halted {
		return pkg.ErrIoRefused
	}
	return nil
}
