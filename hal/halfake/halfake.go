// Package halfake provides in-memory fakes for the hal interfaces so
// ring, interrupter, and enumerate tests can run without real hardware.
package halfake

import (
	"context"
	"sync"

	"github.com/usbxhci/core/hal"
)

// MMIO is an in-memory [hal.MMIO] backed by plain maps, with enough
// register space to exercise cap/op/runtime/doorbell/port access
// patterns in tests.
type MMIO struct {
	mu        sync.Mutex
	cap       map[uint32]uint32
	op        map[uint32]uint32
	run       map[uint32]uint32
	doorbell  map[uint32]uint32
	port      map[int]map[uint32]uint32
	barriers  int
}

// NewMMIO returns a ready-to-use fake register file.
func NewMMIO() *MMIO {
	return &MMIO{
		cap:      make(map[uint32]uint32),
		op:       make(map[uint32]uint32),
		run:      make(map[uint32]uint32),
		doorbell: make(map[uint32]uint32),
		port:     make(map[int]map[uint32]uint32),
	}
}

func (m *MMIO) ReadCap32(offset uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cap[offset]
}

// SetCap32 seeds a capability register value for a test.
func (m *MMIO) SetCap32(offset, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cap[offset] = v
}

func (m *MMIO) WriteCap32(offset uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cap[offset] = v
}

func (m *MMIO) ReadOp32(offset uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.op[offset]
}

func (m *MMIO) WriteOp32(offset uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.op[offset] = v
}

func (m *MMIO) ReadRun32(offset uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run[offset]
}

func (m *MMIO) WriteRun32(offset uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run[offset] = v
}

func (m *MMIO) WriteDoorbell32(slot uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doorbell[slot] = v
}

// Doorbell returns the last value rung for a slot, for test assertions.
func (m *MMIO) Doorbell(slot uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doorbell[slot]
}

func (m *MMIO) ReadPort32(port int, offset uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port[port] == nil {
		return 0
	}
	return m.port[port][offset]
}

func (m *MMIO) WritePort32(port int, offset uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port[port] == nil {
		m.port[port] = make(map[uint32]uint32)
	}
	m.port[port][offset] = v
}

func (m *MMIO) Barrier() {
	m.mu.Lock()
	m.barriers++
	m.mu.Unlock()
}

// Barriers returns how many times Barrier has been called.
func (m *MMIO) Barriers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.barriers
}

// buffer is an in-process DMABuffer: a plain byte slice with a
// monotonically assigned fake physical address.
type buffer struct {
	data []byte
	phys uint64
}

func (b *buffer) Bytes() []byte   { return b.data }
func (b *buffer) Phys() uint64    { return b.phys }
func (b *buffer) Flush()          {}
func (b *buffer) Invalidate()     {}

// DMAFactory is an in-memory [hal.DMAFactory] that hands out
// heap-backed buffers with fabricated physical addresses, page-aligned
// starting at 0x10000.
type DMAFactory struct {
	mu       sync.Mutex
	next     uint64
	pageSize int
}

// NewDMAFactory returns a factory allocating pages of the given size.
func NewDMAFactory(pageSize int) *DMAFactory {
	if pageSize <= 0 {
		pageSize = 4096
	}
	return &DMAFactory{next: 0x10000, pageSize: pageSize}
}

func (f *DMAFactory) AllocPage(ctx context.Context) (hal.DMABuffer, error) {
	return f.alloc(f.pageSize)
}

func (f *DMAFactory) Alloc(ctx context.Context, size int) (hal.DMABuffer, error) {
	return f.alloc(size)
}

func (f *DMAFactory) alloc(size int) (hal.DMABuffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &buffer{data: make([]byte, size), phys: f.next}
	// round up to page size so every allocation is page-aligned, matching
	// the real allocator's behavior for ring/context pages.
	pages := (size + f.pageSize - 1) / f.pageSize
	if pages < 1 {
		pages = 1
	}
	f.next += uint64(pages * f.pageSize)
	return b, nil
}

func (f *DMAFactory) Free(buf hal.DMABuffer) {}

// Interrupt is a fake MSI vector, signaled by calling Fire from a test.
type Interrupt struct {
	ch   chan struct{}
	done chan struct{}
	once sync.Once
}

// NewInterrupt returns a fake interrupt vector.
func NewInterrupt() *Interrupt {
	return &Interrupt{ch: make(chan struct{}, 16), done: make(chan struct{})}
}

// Fire signals the vector as if the controller had asserted it.
func (i *Interrupt) Fire() {
	select {
	case i.ch <- struct{}{}:
	default:
	}
}

func (i *Interrupt) Wait(ctx context.Context) error {
	select {
	case <-i.ch:
		return nil
	case <-i.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Interrupt) Ack() {}

func (i *Interrupt) Close() error {
	i.once.Do(func() { close(i.done) })
	return nil
}

// BTI is a fake bus transaction initiator that records whether it has
// been released.
type BTI struct{ released bool }

// NewBTI returns a fake BTI.
func NewBTI() *BTI { return &BTI{} }

// Release releases the fake BTI.
func (b *BTI) Release() error {
	b.released = true
	return nil
}

// Released reports whether Release has been called.
func (b *BTI) Released() bool { return b.released }
