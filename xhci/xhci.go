// Package xhci implements the core of an xHCI host controller driver:
// the register-level bring-up sequence, the per-slot device state
// machine, and the command/transfer/event pipelines that connect an
// interrupt handler to asynchronous USB request completion.
package xhci

import (
	"context"
	"sync"
	"time"

	contextpkg "github.com/usbxhci/core/context"
	"github.com/usbxhci/core/devstate"
	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/interrupter"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/pkg/prof"
	"github.com/usbxhci/core/quirks"
	"github.com/usbxhci/core/ring"
)

// MaxEndpoints mirrors devstate.MaxEndpoints for callers that only
// import this package.
const MaxEndpoints = devstate.MaxEndpoints

// rootHubSlots is the number of virtual root-hub slots GetMaxDeviceCount
// adds on top of MaxSlots (one for the USB2 root hub, one for USB3).
const rootHubSlots = 2

// UsbXhci owns one xHCI controller instance: its register window, DMA
// allocator, command ring, interrupter 0, and every enumerated slot's
// DeviceState.
type UsbXhci struct {
	mmio    hal.MMIO
	factory hal.DMAFactory
	irq     hal.Interrupt
	bti     hal.BTI
	caps    hal.Capabilities

	mu      sync.RWMutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc

	maxSlots int
	maxPorts int
	layout   contextpkg.Layout

	dcbaa       *contextpkg.DCBAA
	dcbaaBuf    hal.DMABuffer
	scratchpads []hal.DMABuffer
	scratchArr  hal.DMABuffer

	cmdRing *ring.CommandRing
	it0     *interrupter.Interrupter

	slots [256]*devstate.DeviceState
	ports []*devstate.PortState

	bus hal.BusClient

	portLimiters map[int]*portLimiter
	enumQ        enumQueue
}

// New constructs an unstarted UsbXhci bound to the given platform
// collaborators. Init performs the actual register bring-up.
func New(mmio hal.MMIO, factory hal.DMAFactory, irq hal.Interrupt, bti hal.BTI, caps hal.Capabilities) *UsbXhci {
	return &UsbXhci{
		mmio:    mmio,
		factory: factory,
		irq:     irq,
		bti:     bti,
		caps:    caps,
		layout:  contextpkg.Layout{Size64: caps.ContextSize64},
	}
}

// SetBusInterface registers the upstream bus client. One-shot: called
// once during bring-up before the first device can be reported online.
func (x *UsbXhci) SetBusInterface(bus hal.BusClient) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.bus = bus
}

// GetMaxDeviceCount returns MaxSlots plus the two virtual root-hub
// slots the bus client addresses separately from real device slots.
func (x *UsbXhci) GetMaxDeviceCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.maxSlots + rootHubSlots
}

// IsRunning reports whether the controller has completed Init and not
// yet been torn down by Shutdown or Unbind.
func (x *UsbXhci) IsRunning() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.running
}

// Init runs the bring-up sequence: reset, finalize capability-derived
// parameters, allocate the DCBAA and scratchpad buffers, program
// CONFIG/DCBAAP, bring up interrupter 0 and the command ring, then
// start the controller running. Intended to run on its own worker
// goroutine, per this core's one-init-thread-per-controller model.
func (x *UsbXhci) Init(ctx context.Context, quirkCfg quirks.Config) error {
	qemuQuirk, err := quirks.Apply(quirkCfg)
	if err != nil {
		return err
	}
	x.mu.Lock()
	x.caps.QemuQuirk = x.caps.QemuQuirk || qemuQuirk
	x.mu.Unlock()

	if x.caps.CPUProfilePath != "" {
		if err := prof.StartCPU(x.caps.CPUProfilePath); err != nil {
			pkg.LogWarn(pkg.ComponentXHCI, "cpu profile start failed", "error", err)
		}
	}

	if err := x.Reset(); err != nil {
		return err
	}

	if err := x.hciFinalize(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	x.mu.Lock()
	x.ctx = runCtx
	x.cancel = cancel
	x.mu.Unlock()

	er, err := ring.NewEventRing(x.factory, x.pageSize(), 1)
	if err != nil {
		cancel()
		return err
	}
	er.OnPortStatusChange = x.onPortStatusChange
	er.OnCommandCompletion = x.onCommandCompletion
	er.OnTransferEvent = x.onTransferEvent

	x.cmdRing, err = ring.NewCommandRing(x.factory)
	if err != nil {
		cancel()
		return err
	}

	x.it0 = interrupter.New(0, x.mmio, x.irq, er)

	x.mmio.WriteOp32(opDCBAAPLo, uint32(x.dcbaa.Phys()))
	x.mmio.WriteOp32(opDCBAAPHi, uint32(x.dcbaa.Phys()>>32))
	x.mmio.WriteOp32(opCONFIG, uint32(x.maxSlots))

	crcr := x.cmdRing.CRCRValue() | crcrRCS
	x.mmio.WriteOp32(opCRCRLo, uint32(crcr))
	x.mmio.WriteOp32(opCRCRHi, uint32(crcr>>32))

	if err := x.it0.Start(runCtx, func() {
		if err := x.cmdRing.PostNop(x.mmio); err != nil {
			pkg.LogWarn(pkg.ComponentXHCI, "initial command ring nop failed", "error", err)
		}
	}); err != nil {
		cancel()
		return err
	}

	cmd := x.mmio.ReadOp32(opUSBCMD)
	cmd |= usbcmdRun | usbcmdINTE | usbcmdHSEE | usbcmdEWE
	x.mmio.WriteOp32(opUSBCMD, cmd)

	if err := x.waitOpBitClear(runCtx, opUSBSTS, usbstsHCH); err != nil {
		cancel()
		return err
	}

	x.mu.Lock()
	x.running = true
	x.mu.Unlock()

	pkg.LogInfo(pkg.ComponentXHCI, "controller started", "max_slots", x.maxSlots, "max_ports", x.maxPorts)
	return nil
}

// hciFinalize parses capability registers, allocates the BTI-backed
// DCBAA and scratchpad array, and initializes per-port tracking. Split
// out from Init so the two steps match spec order exactly: Reset, then
// HciFinalize.
func (x *UsbXhci) hciFinalize() error {
	hcsparams1 := x.mmio.ReadCap32(capHCSPARAMS1)
	maxSlots := int((hcsparams1 >> hcsparams1MaxSlotsShift) & hcsparams1MaxSlotsMask)
	maxPorts := int((hcsparams1 >> hcsparams1MaxPortsShift) & hcsparams1MaxPortsMask)
	if x.caps.MaxSlots > 0 && x.caps.MaxSlots < maxSlots {
		maxSlots = x.caps.MaxSlots
	}
	if x.caps.MaxPorts > 0 && x.caps.MaxPorts < maxPorts {
		maxPorts = x.caps.MaxPorts
	}
	x.maxSlots = maxSlots
	x.maxPorts = maxPorts

	hccparams1 := x.mmio.ReadCap32(capHCCPARAMS1)
	x.layout = contextpkg.Layout{Size64: hccparams1&hccparams1CSZ != 0 || x.caps.ContextSize64}

	hcsparams2 := x.mmio.ReadCap32(capHCSPARAMS2)
	maxScratch := int((hcsparams2>>hcsparams2MaxScratchpadHiShift)&hcsparams2MaxScratchpadHiMask)<<5 |
		int((hcsparams2>>hcsparams2MaxScratchpadLoShift)&hcsparams2MaxScratchpadLoMask)

	dcbaaBuf, err := x.factory.AllocPage(nil)
	if err != nil {
		return pkg.ErrNoMemory
	}
	x.dcbaaBuf = dcbaaBuf
	x.dcbaa = contextpkg.NewDCBAA(dcbaaBuf, x.maxSlots)

	if maxScratch > 0 {
		arr, err := x.factory.AllocPage(nil)
		if err != nil {
			return pkg.ErrNoMemory
		}
		x.scratchArr = arr
		b := arr.Bytes()
		for i := 0; i < maxScratch; i++ {
			buf, err := x.factory.AllocPage(nil)
			if err != nil {
				return pkg.ErrNoMemory
			}
			x.scratchpads = append(x.scratchpads, buf)
			off := i * 8
			phys := buf.Phys()
			for j := 0; j < 8; j++ {
				b[off+j] = byte(phys >> (8 * j))
			}
		}
		arr.Flush()
		x.dcbaa.SetScratchpadArray(arr.Phys())
	}

	x.ports = make([]*devstate.PortState, x.maxPorts+1) // 1-indexed
	for p := 1; p <= x.maxPorts; p++ {
		x.ports[p] = devstate.NewPortState(p, false)
	}
	x.portLimiters = make(map[int]*portLimiter, x.maxPorts)

	return nil
}

func (x *UsbXhci) pageSize() int {
	if x.caps.PageSize > 0 {
		return x.caps.PageSize
	}
	return 4096
}

// Reset sets RUN=0, waits HCHalted, then pulses HCRST and waits for the
// controller to come back ready (CNR=0).
func (x *UsbXhci) Reset() error {
	cmd := x.mmio.ReadOp32(opUSBCMD)
	x.mmio.WriteOp32(opUSBCMD, cmd&^usbcmdRun)
	if err := x.waitOpBitSet(nil, opUSBSTS, usbstsHCH); err != nil {
		return err
	}
	if err := x.waitOpBitClear(nil, opUSBSTS, usbstsCNR); err != nil {
		return err
	}

	x.mmio.WriteOp32(opUSBCMD, usbcmdHCRST)
	if err := x.waitOpBitClear(nil, opUSBCMD, usbcmdHCRST); err != nil {
		return err
	}
	return x.waitOpBitClear(nil, opUSBSTS, usbstsCNR)
}

// BiosHandoff walks the extended capability list looking for the USB
// Legacy Support capability (ID 1) and, when found, requests OS
// ownership and spins until the BIOS releases it.
func (x *UsbXhci) BiosHandoff() error {
	hccparams1 := x.mmio.ReadCap32(capHCCPARAMS1)
	xecp := int(hccparams1>>16) * 4
	if xecp == 0 {
		return nil
	}
	for offset := xecp; offset != 0; {
		cap := x.mmio.ReadCap32(uint32(offset))
		id := cap & 0xFF
		next := (cap >> 8) & 0xFF
		if id == 1 {
			cap |= 1 << 24 // USBLEGSUP: OS Owned Semaphore
			x.mmio.WriteCap32(uint32(offset), cap)
			for i := 0; i < 1000; i++ {
				v := x.mmio.ReadCap32(uint32(offset))
				if v&(1<<16) == 0 {
					return nil
				}
				time.Sleep(time.Millisecond)
			}
			return pkg.ErrBadState
		}
		if next == 0 {
			break
		}
		offset += int(next) * 4
	}
	return nil
}

// Shutdown performs the fatal-error teardown path: stop the controller
// from running and let the caller's DDK layer post async device
// removal. Unlike Unbind, Shutdown does not attempt an orderly drain —
// a BadState escalation means the ring state can no longer be trusted.
func (x *UsbXhci) Shutdown() {
	x.mu.Lock()
	running := x.running
	x.running = false
	x.mu.Unlock()
	if !running {
		return
	}

	cmd := x.mmio.ReadOp32(opUSBCMD)
	x.mmio.WriteOp32(opUSBCMD, cmd&^usbcmdRun)
	_ = x.waitOpBitSet(nil, opUSBSTS, usbstsHCH)

	pkg.LogError(pkg.ComponentXHCI, "controller shutdown")
}

// Unbind drains every outstanding command and transfer before
// releasing platform resources: signals !running so new RequestQueue
// calls fail fast, stops the controller and interrupter, then
// repeatedly fails every pending command and transfer TRB until no
// pending work remains.
func (x *UsbXhci) Unbind() {
	x.mu.Lock()
	x.running = false
	x.mu.Unlock()

	cmd := x.mmio.ReadOp32(opUSBCMD)
	x.mmio.WriteOp32(opUSBCMD, cmd&^usbcmdRun)

	if x.it0 != nil {
		x.it0.Stop()
	}
	if x.cancel != nil {
		x.cancel()
	}

	for {
		progressed := false

		if x.cmdRing != nil {
			for _, ctx := range x.cmdRing.TakePendingTRBs() {
				progressed = true
				completeWith(ctx, pkg.CompletionCommandRingStopped, pkg.ErrCanceled)
			}
		}

		x.mu.RLock()
		slots := x.slots
		x.mu.RUnlock()
		for _, st := range slots {
			if st == nil {
				continue
			}
			for i := 0; i < devstate.MaxEndpoints; i++ {
				r := st.GetTransferRing(i)
				if r == nil {
					continue
				}
				pending := r.TakePendingTRBs()
				if len(pending) > 0 {
					progressed = true
				}
				for _, ctx := range pending {
					completeWith(ctx, pkg.CompletionInvalid, pkg.ErrIoNotPresent)
				}
			}
		}

		if x.it0 != nil {
			x.it0.Ring().RunUntilIdle()
		}

		if !progressed {
			break
		}
	}

	if x.bti != nil {
		_ = x.bti.Release()
	}

	if x.caps.CPUProfilePath != "" && prof.IsCPUActive() {
		prof.StopCPU()
	}

	pkg.LogInfo(pkg.ComponentXHCI, "controller unbound")
}

// completeWith delivers a terminal result to a TRBContext via whichever
// of Done/Callback it was constructed with.
func completeWith(ctx *ring.TRBContext, code pkg.CompletionCode, err error) {
	if ctx == nil {
		return
	}
	c := ring.Completion{Code: code, Err: err}
	if ctx.Callback != nil {
		ctx.Callback(c)
		return
	}
	if ctx.Done != nil {
		ctx.Done <- c
	}
}

func (x *UsbXhci) waitOpBitSet(ctx context.Context, offset uint32, bit uint32) error {
	for i := 0; i < 10000; i++ {
		if x.mmio.ReadOp32(offset)&bit != 0 {
			return nil
		}
		time.Sleep(time.Microsecond)
	}
	return pkg.ErrBadState
}

func (x *UsbXhci) waitOpBitClear(ctx context.Context, offset uint32, bit uint32) error {
	for i := 0; i < 10000; i++ {
		if x.mmio.ReadOp32(offset)&bit == 0 {
			return nil
		}
		time.Sleep(time.Microsecond)
	}
	return pkg.ErrBadState
}
