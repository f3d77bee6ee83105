package ring

import (
	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/trb"
)

// EventRing is the controller-producer, software-consumer ring that
// delivers Transfer Events, Command Completion Events, Port Status
// Change Events, Host Controller Events, and MFINDEX Wrap Events for one
// interrupter.
type EventRing struct {
	erst     *ERST
	factory  hal.DMAFactory
	segments []*segment

	dequeueSeg int
	dequeueIdx int
	ccs        bool // Consumer Cycle State

	tasks []func()

	mfindexWraps uint64

	// Handlers, injected by the owning Interrupter so this package does
	// not depend on devstate/enumerate/request directly.
	OnPortStatusChange     func(port int)
	OnCommandCompletion    func(ev trb.TRB)
	OnTransferEvent        func(ev trb.TRB)
	OnHostControllerEvent  func(ev trb.TRB)
}

// NewEventRing allocates an EventRing with one initial segment and its
// backing ERST.
func NewEventRing(factory hal.DMAFactory, pageSize, erstMax int) (*EventRing, error) {
	erst, err := NewERST(factory, pageSize, erstMax)
	if err != nil {
		return nil, err
	}
	er := &EventRing{erst: erst, factory: factory, ccs: true}
	if err := er.AddSegmentIfNone(); err != nil {
		return nil, err
	}
	return er, nil
}

// AddSegmentIfNone allocates the ring's first segment if it has none
// yet, registering it with the ERST.
func (er *EventRing) AddSegmentIfNone() error {
	if len(er.segments) > 0 {
		return nil
	}
	buf, err := er.factory.AllocPage(nil)
	if err != nil {
		return pkg.ErrNoMemory
	}
	seg := &segment{buf: buf, trbs: make([]trb.TRB, trbsPerSegment)}
	er.segments = append(er.segments, seg)
	return er.erst.AddSegment(buf.Phys(), trbsPerSegment)
}

// ERSTPointer returns the ERST's base physical address, for ERSTBA.
func (er *EventRing) ERSTPointer() uint64 { return er.erst.Phys() }

// ERSTSize returns the number of segments described, for ERSTSZ.
func (er *EventRing) ERSTSize() int { return er.erst.Count() }

// ERDPPhys returns the physical address the consumer (software) is
// currently at, for programming/advancing ERDP.
func (er *EventRing) ERDPPhys() uint64 {
	seg := er.segments[er.dequeueSeg]
	return seg.buf.Phys() + uint64(er.dequeueIdx)*trb.Size
}

// ScheduleTask appends a continuation to the cooperative executor's
// FIFO. Tasks run inline from RunUntilIdle, on the same goroutine that
// calls HandleIRQ — never re-entering the IRQ handler and always
// observing ring state in the order events actually arrived.
func (er *EventRing) ScheduleTask(fn func()) {
	er.tasks = append(er.tasks, fn)
}

// RunUntilIdle drains the task queue, including tasks scheduled by
// earlier tasks in the same drain.
func (er *EventRing) RunUntilIdle() {
	for len(er.tasks) > 0 {
		fn := er.tasks[0]
		er.tasks = er.tasks[1:]
		fn()
	}
}

// HandleIRQ drains every event currently visible (Cycle bit matches CCS)
// starting at the dequeue pointer, dispatching each to the appropriate
// handler, then runs the cooperative executor to completion. Must be
// called from the single goroutine that owns this EventRing.
func (er *EventRing) HandleIRQ() {
	for {
		seg := er.segments[er.dequeueSeg]
		ev := &seg.trbs[er.dequeueIdx]
		if ev.Cycle() != er.ccs {
			break
		}

		er.dispatch(ev)

		er.dequeueIdx++
		if er.dequeueIdx == trbsPerSegment {
			er.dequeueIdx = 0
			er.dequeueSeg++
			if er.dequeueSeg == len(er.segments) {
				er.dequeueSeg = 0
				er.ccs = !er.ccs
			}
		}
	}
	er.RunUntilIdle()
}

func (er *EventRing) dispatch(ev *trb.TRB) {
	switch ev.Type() {
	case trb.TypePortStatusChangeEvent:
		port := int(ev.Parameter >> 24)
		if er.OnPortStatusChange != nil {
			er.OnPortStatusChange(port)
		}
	case trb.TypeCommandCompletionEvent:
		if er.OnCommandCompletion != nil {
			er.OnCommandCompletion(*ev)
		}
	case trb.TypeTransferEvent:
		if er.OnTransferEvent != nil {
			er.OnTransferEvent(*ev)
		}
	case trb.TypeMFIndexWrapEvent:
		er.mfindexWraps++
	case trb.TypeHostControllerEvent:
		pkg.LogWarn(pkg.ComponentRing, "host controller event", "completion", pkg.CompletionCode(ev.CompletionCode()).String())
		if er.OnHostControllerEvent != nil {
			er.OnHostControllerEvent(*ev)
		}
	default:
		pkg.LogWarn(pkg.ComponentRing, "unrecognized event TRB type", "type", ev.Type().String())
	}
}

// MFIndexWraps returns the number of MFINDEX Wrap Events observed. Per
// this core's scope, the count is tracked but never consulted for
// isochronous scheduling.
func (er *EventRing) MFIndexWraps() uint64 { return er.mfindexWraps }
