package ring

import (
	"sync"

	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/trb"
)

// trbsPerSegment is the number of TRB slots per ring segment page,
// reserving the last slot for the Link TRB.
const trbsPerSegment = 256 // 256 * 16 bytes = one 4096-byte page

// segment is one page-sized run of TRBs backing a ring.
type segment struct {
	buf  hal.DMABuffer
	trbs []trb.TRB // len == trbsPerSegment, last entry is the Link TRB
}

// pendingEntry is the intrusive FIFO node recording which TRBContext
// owns a just-completed TD, so short-packet and transfer-event handling
// can attribute a completion back to the caller's buffer.
type pendingEntry struct {
	firstIndex int // enqueue-time index of the TD's first TRB
	lastIndex  int // enqueue-time index of the TD's last TRB
	ctx        *TRBContext
	shortAccum uint32 // bytes reported untransferred by short-packet events seen so far
}

// TransferRing is one producer/consumer transfer ring: the Command Ring
// uses interrupter 0 exclusively; every other transfer ring is bound to
// one endpoint of one device slot.
type TransferRing struct {
	mu sync.Mutex

	factory  hal.DMAFactory
	segments []*segment

	enqueueSeg int
	enqueueIdx int
	pcs        bool // Producer Cycle State

	dequeueSeg int
	dequeueIdx int

	pending []pendingEntry

	pool *contextPool

	active bool

	// savedEnqueueSeg/Idx/pcs support SaveState/Restore around a failed
	// transaction that must roll back to its pre-enqueue position.
	savedEnqueueSeg int
	savedEnqueueIdx int
	savedPCS        bool
}

// NewTransferRing allocates a ring with the given number of initial
// segments (almost always 1; Command Ring and high-throughput bulk
// rings may grow via AddTRB's automatic extension).
func NewTransferRing(factory hal.DMAFactory, initialSegments int) (*TransferRing, error) {
	r := &TransferRing{factory: factory, pcs: true, pool: newContextPool(64)}
	for i := 0; i < initialSegments; i++ {
		if err := r.growSegment(); err != nil {
			return nil, err
		}
	}
	r.active = true
	return r, nil
}

func (r *TransferRing) growSegment() error {
	buf, err := r.factory.AllocPage(nil)
	if err != nil {
		return pkg.ErrNoMemory
	}
	seg := &segment{buf: buf, trbs: make([]trb.TRB, trbsPerSegment)}

	if len(r.segments) > 0 {
		prev := r.segments[len(r.segments)-1]
		link := &prev.trbs[trbsPerSegment-1]
		link.SetType(trb.TypeLink)
		link.Parameter = seg.buf.Phys()
		link.SetCycle(r.pcs)
	}

	r.segments = append(r.segments, seg)

	// The new segment's own terminal Link TRB points back to segment 0,
	// and on first creation toggles PCS to close the ring.
	link := &seg.trbs[trbsPerSegment-1]
	link.SetType(trb.TypeLink)
	link.Parameter = r.segments[0].buf.Phys()
	link.SetToggleCycle(len(r.segments) == 1)
	link.SetCycle(r.pcs)

	return nil
}

// Deinit frees every segment's backing buffer. Safe to call once; a
// second call is a no-op via DeinitIfActive.
func (r *TransferRing) Deinit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seg := range r.segments {
		r.factory.Free(seg.buf)
	}
	r.segments = nil
	r.active = false
}

// DeinitIfActive calls Deinit only if the ring has not already been torn
// down, guarding double-free from overlapping disconnect paths.
func (r *TransferRing) DeinitIfActive() {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active {
		r.Deinit()
	}
}

// EnqueuePhys returns the physical address of the next TRB slot that
// will be written, and the current PCS — the value to program into an
// Endpoint/Slot Context's TR Dequeue Pointer at initialization.
func (r *TransferRing) EnqueuePhys() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seg := r.segments[r.enqueueSeg]
	off := uint64(r.enqueueIdx) * trb.Size
	return seg.buf.Phys() + off, r.pcs
}

// AllocateContext reserves a TRBContext from this ring's pool for an
// upcoming AddTRB call.
func (r *TransferRing) AllocateContext() (*TRBContext, error) {
	return r.pool.Get()
}

// AllocateTRB advances the enqueue pointer past one TRB slot, growing
// the ring with a new segment if the advance would land on a Link TRB,
// and returns a pointer to the slot to fill plus its Cycle bit to stamp.
// The caller must set every other field of the returned TRB before
// setting Cycle, and must not rely on Cycle already matching cur PCS —
// the ring toggles it lazily only when a Link TRB is actually crossed.
func (r *TransferRing) AllocateTRB() (*trb.TRB, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enqueueIdx == trbsPerSegment-1 {
		if err := r.crossLinkLocked(); err != nil {
			return nil, false, err
		}
	}

	seg := r.segments[r.enqueueSeg]
	idx := r.enqueueIdx
	r.enqueueIdx++
	return &seg.trbs[idx], r.pcs, nil
}

// AllocateContiguous reserves up to n consecutive TRB slots within the
// current segment without crossing a Link TRB boundary (crossing to the
// next segment first only when no slot is left before the Link TRB). If
// n would not fit it returns only the slots left before the Link TRB: it
// does not pad with Nop TRBs and does not continue the run in the next
// segment. The Normal Request Pipeline fails such a short result with
// ErrNoMemory.
func (r *TransferRing) AllocateContiguous(n int) ([]*trb.TRB, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if trbsPerSegment-1-r.enqueueIdx <= 0 {
		if err := r.crossLinkLocked(); err != nil {
			return nil, false, err
		}
	}

	seg := r.segments[r.enqueueSeg]
	remaining := trbsPerSegment - 1 - r.enqueueIdx
	if n > remaining {
		n = remaining
	}

	out := make([]*trb.TRB, n)
	for i := 0; i < n; i++ {
		out[i] = &seg.trbs[r.enqueueIdx+i]
	}
	pcs := r.pcs
	r.enqueueIdx += n
	return out, pcs, nil
}

// crossLinkLocked advances the enqueue pointer past the segment's
// terminal Link TRB, growing the ring if every segment is occupied. The
// caller must already hold r.mu.
func (r *TransferRing) crossLinkLocked() error {
	nextSeg := r.enqueueSeg + 1
	if nextSeg >= len(r.segments) {
		if err := r.growSegment(); err != nil {
			return err
		}
		nextSeg = r.enqueueSeg + 1
	}
	if nextSeg == 0 {
		r.pcs = !r.pcs
	}
	r.enqueueSeg = nextSeg % len(r.segments)
	r.enqueueIdx = 0
	return nil
}

// AddTRB stamps the given TRB contents (type, parameter, status bits
// other than Cycle) into the next ring slot and commits it by setting
// Cycle last, publishing it to the controller via a barrier.
func (r *TransferRing) AddTRB(mmio hal.MMIO, typ trb.Type, parameter uint64, status uint32, control uint32) error {
	t, pcs, err := r.AllocateTRB()
	if err != nil {
		return err
	}
	t.Parameter = parameter
	t.Status = status
	t.Control = control
	t.SetType(typ)
	mmio.Barrier()
	t.SetCycle(pcs)
	mmio.Barrier()
	return nil
}

// AssignContext attaches a TRBContext to the TD spanning [firstIdx,
// lastIdx] (flat ring indices, as returned by IndexOf or PhysToVirt), so
// a later transfer event
// naming one of those TRBs can be attributed back to it.
func (r *TransferRing) AssignContext(firstIdx, lastIdx int, ctx *TRBContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, pendingEntry{firstIndex: firstIdx, lastIndex: lastIdx, ctx: ctx})
}

// CommitTransaction clears the saved rollback point after a TD has been
// fully enqueued and should not be rolled back.
func (r *TransferRing) CommitTransaction() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.savedEnqueueSeg, r.savedEnqueueIdx, r.savedPCS = 0, 0, false
}

// SaveState records the current enqueue position so a later Restore call
// can roll back a partially built TD that failed before being committed
// (e.g. ran out of ring space mid-TD).
func (r *TransferRing) SaveState() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.savedEnqueueSeg = r.enqueueSeg
	r.savedEnqueueIdx = r.enqueueIdx
	r.savedPCS = r.pcs
}

// Restore rolls the enqueue position back to the last SaveState call.
func (r *TransferRing) Restore() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueueSeg = r.savedEnqueueSeg
	r.enqueueIdx = r.savedEnqueueIdx
	r.pcs = r.savedPCS
}

// CompleteTRB resolves the pending TD that contains flat index idx
// (translated from the event's TRB pointer by the caller via PhysToVirt) and
// returns its context, removing it from the pending list. Returns nil if
// no matching pending TD is found (a duplicate or stale event).
func (r *TransferRing) CompleteTRB(idx int) *TRBContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.pending {
		if idx >= p.firstIndex && idx <= p.lastIndex {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return p.ctx
		}
	}
	return nil
}

// HandleShortPacket resolves a TD that completed with fewer bytes than
// requested. It does exactly what CompleteTRB does: no other TRBs are
// skipped or touched. Short-packet byte accounting is done separately by
// NoteShortPacket.
func (r *TransferRing) HandleShortPacket(idx int) *TRBContext {
	return r.CompleteTRB(idx)
}

// NoteShortPacket accumulates a short-packet residual (the untransferred
// byte count the controller reported for one TRB) against the TD
// containing idx. The TD is only resolved and removed from pending once
// idx reaches the TD's last TRB — interior short-packet events on a
// chained TD report progress without ending it, the same way only the
// last TRB normally carries IOC.
func (r *TransferRing) NoteShortPacket(idx int, residual uint32) (ctx *TRBContext, shortAccum uint32, terminal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pending {
		p := &r.pending[i]
		if idx < p.firstIndex || idx > p.lastIndex {
			continue
		}
		p.shortAccum += residual
		if idx == p.lastIndex {
			ctx, shortAccum = p.ctx, p.shortAccum
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return ctx, shortAccum, true
		}
		return nil, p.shortAccum, false
	}
	return nil, 0, false
}

// TakePendingTRBsUntil removes and returns every pending TD up to and
// including the one containing idx, in FIFO order — used by Stop
// Endpoint/cancel handling, which completes every outstanding TD at
// once rather than one event at a time.
func (r *TransferRing) TakePendingTRBsUntil(idx int) []*TRBContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*TRBContext
	for len(r.pending) > 0 {
		p := r.pending[0]
		r.pending = r.pending[1:]
		out = append(out, p.ctx)
		if idx >= p.firstIndex && idx <= p.lastIndex {
			break
		}
	}
	return out
}

// TakePendingTRBs removes and returns every currently pending TD,
// unconditionally — used by CancelAll.
func (r *TransferRing) TakePendingTRBs() []*TRBContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TRBContext, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.ctx)
	}
	r.pending = nil
	return out
}

// PendingCount returns the number of outstanding TDs, for tests.
func (r *TransferRing) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Pool returns the ring's TRBContext pool.
func (r *TransferRing) Pool() *contextPool { return r.pool }

// PhysToVirt translates a controller-reported physical TRB pointer into
// a ring-relative flat index (segment-independent, stable across ring
// growth) usable with CompleteTRB/HandleShortPacket/
// TakePendingTRBsUntil. Returns false if phys does not fall within any
// segment this ring owns.
func (r *TransferRing) PhysToVirt(phys uint64) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for segIdx, seg := range r.segments {
		base := seg.buf.Phys()
		if phys < base {
			continue
		}
		off := phys - base
		if off >= uint64(trbsPerSegment)*trb.Size {
			continue
		}
		if off%trb.Size != 0 {
			continue
		}
		return segIdx*trbsPerSegment + int(off/trb.Size), true
	}
	return 0, false
}

// VirtToPhys is the inverse of PhysToVirt, translating a flat ring index
// back to the physical address of that TRB slot.
func (r *TransferRing) VirtToPhys(idx int) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	segIdx := idx / trbsPerSegment
	slot := idx % trbsPerSegment
	if segIdx < 0 || segIdx >= len(r.segments) {
		return 0, false
	}
	return r.segments[segIdx].buf.Phys() + uint64(slot)*trb.Size, true
}

// IndexOf returns the flat ring index of a TRB slot previously returned
// by AllocateTRB/AllocateContiguous, for use with AssignContext. Callers
// typically call this immediately after stamping a TD's last TRB, while
// still holding whatever lock serializes their own enqueue sequence.
func (r *TransferRing) IndexOf(t *trb.TRB) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for segIdx, seg := range r.segments {
		for i := range seg.trbs {
			if &seg.trbs[i] == t {
				return segIdx*trbsPerSegment + i
			}
		}
	}
	return -1
}
