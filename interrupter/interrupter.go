// Package interrupter owns one xHCI interrupter: its Event Ring, the
// goroutine that waits on the bound MSI vector, and the cooperative
// executor that every completion continuation runs on.
package interrupter

import (
	"context"
	"sync"
	"time"

	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/ring"
)

// Register offsets within one interrupter's register set (xHCI 1.2
// Section 5.5.2), relative to the runtime register space base.
const (
	regIMAN   = 0x00
	regIMOD   = 0x04
	regERSTSZ = 0x08
	regERSTBA = 0x10
	regERDP   = 0x18

	interrupterStride = 0x20

	imanIP = 1 << 0 // Interrupt Pending
	imanIE = 1 << 1 // Interrupt Enable

	erdpEHB = 1 << 3 // Event Handler Busy
)

// Interrupter drives one Event Ring's consumption loop.
type Interrupter struct {
	index   int
	mmio    hal.MMIO
	irq     hal.Interrupt
	ring    *ring.EventRing
	runBase uint32

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	wake    chan struct{}
}

// New constructs an Interrupter bound to the given index, MMIO window,
// interrupt vector, and backing Event Ring.
func New(index int, mmio hal.MMIO, irq hal.Interrupt, er *ring.EventRing) *Interrupter {
	return &Interrupter{index: index, mmio: mmio, irq: irq, ring: er}
}

// Ring returns the interrupter's Event Ring, for the owner to install
// OnPortStatusChange/OnCommandCompletion/OnTransferEvent handlers before
// Start.
func (it *Interrupter) Ring() *ring.EventRing { return it.ring }

func (it *Interrupter) off(reg uint32) uint32 {
	return uint32(it.index)*interrupterStride + reg
}

// Start programs ERSTSZ/ERSTBA/ERDP and IMAN, then spawns the goroutine
// that waits on the interrupt vector and drains the Event Ring on each
// signal. ring0Bringup, when non-nil, runs once after the first drain —
// used by interrupter 0 to post the initial command ring No-Op.
func (it *Interrupter) Start(ctx context.Context, ring0Bringup func()) error {
	it.mu.Lock()
	if it.running {
		it.mu.Unlock()
		return pkg.ErrBadState
	}
	it.running = true
	it.wake = make(chan struct{}, 1)
	it.mu.Unlock()

	it.mmio.WriteRun32(it.off(regERSTSZ), uint32(it.ring.ERSTSize()))
	it.mmio.WriteRun32(it.off(regERDP), uint32(it.ring.ERDPPhys()))
	it.mmio.WriteRun32(it.off(regERSTBA), uint32(it.ring.ERSTPointer()))
	it.mmio.Barrier()
	it.mmio.WriteRun32(it.off(regIMAN), imanIE)

	runCtx, cancel := context.WithCancel(ctx)
	it.cancel = cancel

	// irqSignal forwards hal.Interrupt.Wait into a channel so the main
	// loop can select over it alongside timer wakeups without either
	// source running the executor on its own goroutine.
	irqSignal := make(chan struct{})
	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		defer close(irqSignal)
		for {
			if err := it.irq.Wait(runCtx); err != nil {
				return
			}
			select {
			case irqSignal <- struct{}{}:
			case <-runCtx.Done():
				return
			}
		}
	}()

	it.wg.Add(1)
	first := true
	go func() {
		defer it.wg.Done()
		for {
			select {
			case _, ok := <-irqSignal:
				if !ok {
					pkg.LogDebug(pkg.ComponentInterrupter, "interrupter stopped", "index", it.index)
					return
				}
				it.mmio.WriteRun32(it.off(regIMAN), it.mmio.ReadRun32(it.off(regIMAN))|imanIP)
				it.irq.Ack()
				it.ring.HandleIRQ()
				it.mmio.WriteRun32(it.off(regERDP), uint32(it.ring.ERDPPhys())|erdpEHB)

				if first && ring0Bringup != nil {
					first = false
					ring0Bringup()
				}
			case <-it.wake:
				it.ring.RunUntilIdle()
			case <-runCtx.Done():
				return
			}
		}
	}()

	pkg.LogInfo(pkg.ComponentInterrupter, "interrupter started", "index", it.index)
	return nil
}

// Stop cancels the IRQ wait loop and joins its goroutine.
func (it *Interrupter) Stop() {
	it.mu.Lock()
	running := it.running
	it.running = false
	it.mu.Unlock()
	if !running {
		return
	}
	if it.cancel != nil {
		it.cancel()
	}
	_ = it.irq.Close()
	it.wg.Wait()
}

// Timeout returns a channel that is closed after d, with the closure
// posted through this interrupter's own executor rather than fired from
// an independent goroutine, so timeout-driven continuations observe
// ring state with the same ordering guarantees as event-driven ones.
func (it *Interrupter) Timeout(d time.Duration) <-chan struct{} {
	done := make(chan struct{})
	time.AfterFunc(d, func() {
		it.ring.ScheduleTask(func() { close(done) })
		it.Wake()
	})
	return done
}

// After schedules fn to run once, after d, on this interrupter's
// executor goroutine, the same guarantee Timeout provides but without
// requiring the caller to synthesize its own done channel.
func (it *Interrupter) After(d time.Duration, fn func()) {
	time.AfterFunc(d, func() {
		it.ring.ScheduleTask(fn)
		it.Wake()
	})
}

// Wake nudges the executor goroutine to drain any tasks scheduled since
// its last drain, without waiting for a real IRQ. Safe to call from any
// goroutine.
func (it *Interrupter) Wake() {
	select {
	case it.wake <- struct{}{}:
	default:
	}
}
