package request

import (
	"context"
	"time"

	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/ring"
	"github.com/usbxhci/core/trb"
)

// XhciEndpointIndex maps a USB endpoint address (bit 7 = direction, bits
// 0:3 = endpoint number) to the xHCI Device Context Index, per xHCI 1.2
// Section 4.5.1: DCI = 2*epNum + direction-in-bit, for epNum > 0; DCI 1
// is Endpoint 0 for both directions.
func XhciEndpointIndex(epAddress uint8) int {
	num := int(epAddress & 0x0F)
	in := epAddress&0x80 != 0
	if num == 0 {
		return 1
	}
	dci := 2 * num
	if in {
		dci++
	}
	return dci
}

// IsochHeader carries the caller-supplied scheduling hint for an
// isochronous request: the target frame number, or 0 to mean "as soon
// as possible" (SIA).
type IsochHeader struct {
	Frame     uint32
	BurstSize int
}

// Clock reports the controller's current frame number (MFINDEX >> 3),
// letting the isochronous scheduling-window wait observe real progress
// instead of a fixed timeout.
type Clock interface {
	CurrentFrame() uint32
}

// scheduleWindow is the xHCI 4.11.2.5 scheduling threshold: a target
// frame is reachable once the controller's current frame is within this
// many frames of it.
const scheduleWindow = 895

// Normal queues one Bulk, Interrupt, or Isochronous request on the given
// endpoint's transfer ring. For isochronous requests with a nonzero
// target frame, Normal blocks the calling goroutine (not the event-ring
// goroutine) until the frame enters the scheduling window, polling
// clock and honoring ctx cancellation.
func Normal(ctx context.Context, mmio hal.MMIO, slot uint8, epRing *ring.TransferRing, epIndex int, isoch bool, header IsochHeader, clock Clock, chunks []Chunk, coherent bool) (*ring.TRBContext, error) {
	if isoch && header.Frame != 0 && clock != nil {
		if err := waitScheduleWindow(ctx, clock, header.Frame); err != nil {
			return nil, err
		}
	}

	packetCount := 0
	for _, c := range chunks {
		if c.Len > 0 {
			packetCount++
		}
	}
	if packetCount == 0 {
		return nil, pkg.ErrInvalidArgs
	}

	trbs, pcs, err := epRing.AllocateContiguous(packetCount)
	if err != nil {
		return nil, err
	}
	if len(trbs) < packetCount {
		// A segment boundary split the TD; spec.md's scope does not
		// require spanning TDs across segments for bulk/interrupt/isoch,
		// so report it the same as a ring-full condition.
		return nil, pkg.ErrNoMemory
	}

	rctx, err := epRing.AllocateContext()
	if err != nil {
		return nil, err
	}

	burstSize := header.BurstSize
	if burstSize <= 0 {
		burstSize = 1
	}

	di := 0
	for _, c := range chunks {
		if c.Len == 0 {
			continue
		}
		t := trbs[di]
		last := di == len(trbs)-1
		t.Parameter = c.Phys
		t.Status = setLengthField(0, uint32(c.Len))
		t.Status = setTDSize(t.Status, uint32(packetCount-di-1))
		t.Control = 0
		if isoch {
			t.SetType(trb.TypeIsoch)
			remaining := packetCount - di
			burstCount := remaining/burstSize - 1
			if burstCount < 0 {
				burstCount = 0
			}
			lastBurstCount := remaining%burstSize - 1
			if lastBurstCount < 0 {
				lastBurstCount = 0
			}
			t.Control |= uint32(burstCount&0x7) << tbcShift
			t.Control |= uint32(lastBurstCount&0x3) << tlbpcShift
			if header.Frame == 0 {
				t.Control |= bitSIA
			} else {
				t.Status |= (header.Frame % 2048) << frameIDShift
			}
		} else {
			t.SetType(trb.TypeNormal)
		}
		t.SetChainBit(!last)
		t.Control |= bitISP
		if !coherent {
			t.Control |= bitNoSnoop
		}
		t.SetIOC(last)
		t.SetCycle(pcs)
		di++
	}

	firstIdx := epRing.IndexOf(trbs[0])
	lastIdx := epRing.IndexOf(trbs[len(trbs)-1])
	epRing.AssignContext(firstIdx, lastIdx, rctx)

	mmio.Barrier()
	mmio.WriteDoorbell32(uint32(slot), uint32(epIndex))
	return rctx, nil
}

// waitScheduleWindow blocks until frame is within scheduleWindow frames
// of clock's current value, or fails immediately if frame has already
// passed.
func waitScheduleWindow(ctx context.Context, clock Clock, frame uint32) error {
	for {
		current := clock.CurrentFrame()
		if current > frame {
			return pkg.ErrIo
		}
		if frame-current <= scheduleWindow {
			return nil
		}
		select {
		case <-ctx.Done():
			return pkg.ErrCanceled
		case <-time.After(time.Millisecond):
		}
	}
}
