package ring

import (
	"sync"

	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/trb"
)

// Completion carries a command or transfer's outcome back to the
// caller that queued it: the completion code and, for transfers, the
// actual number of bytes moved.
type Completion struct {
	Code   pkg.CompletionCode
	Actual uint32
	Err    error
}

// TRBContext is the software-side bookkeeping attached to a TD (a
// contiguous run of TRBs written together): the caller-supplied buffer
// region, a completion channel or callback, and housekeeping used by
// short-packet and stall handling. TRBContexts are slab-allocated from
// a fixed-capacity pool rather than garbage-collected per-transfer, so a
// transfer-heavy workload does not pressure the allocator on the
// interrupt path.
type TRBContext struct {
	pool *contextPool

	// Data is the original caller buffer for this TD, used to compute
	// actual-length on short packet and to support retry/restore.
	Data []byte

	// Setup is the original SETUP packet for a control transfer's TD, or
	// nil for a normal (bulk/interrupt/isoch) TD. It lets the event-ring
	// handler recognize specific control requests (the device-qualifier
	// probe a defective hub stalls on) without re-deriving them.
	Setup *trb.SetupPacket

	// Buffer is the host-visible DMA buffer backing Data, when the core
	// owns the buffer itself rather than just a physical address range
	// supplied by the caller. Used to patch a reply in place, as the
	// defective-hub workaround does.
	Buffer hal.DMABuffer

	// Done is signaled exactly once, from the event-ring goroutine, with
	// this TD's outcome.
	Done chan Completion

	// Callback, if non-nil, is invoked instead of (or in addition to)
	// sending on Done — used by pipelines that chain directly into a
	// continuation rather than blocking a caller goroutine.
	Callback func(Completion)

	inUse bool
}

// contextPool is a fixed-capacity free list of TRBContexts, reused
// across transfers on one ring.
type contextPool struct {
	mu   sync.Mutex
	free []*TRBContext
	cap  int
}

// newContextPool preallocates capacity TRBContexts.
func newContextPool(capacity int) *contextPool {
	p := &contextPool{cap: capacity}
	p.free = make([]*TRBContext, 0, capacity)
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &TRBContext{pool: p})
	}
	return p
}

// Get returns a free TRBContext, or ErrNoMemory if the pool is
// exhausted.
func (p *contextPool) Get() (*TRBContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, pkg.ErrNoMemory
	}
	n := len(p.free) - 1
	ctx := p.free[n]
	p.free = p.free[:n]
	ctx.inUse = true
	return ctx, nil
}

// Put returns a TRBContext to the pool, clearing its fields.
func (p *contextPool) Put(ctx *TRBContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx.Data = nil
	ctx.Setup = nil
	ctx.Buffer = nil
	ctx.Done = nil
	ctx.Callback = nil
	ctx.inUse = false
	p.free = append(p.free, ctx)
}

// Available returns the number of free contexts, for tests and metrics.
func (p *contextPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
