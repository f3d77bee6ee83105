package xhci

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/hal/halfake"
	"github.com/usbxhci/core/interrupter"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/ring"
	"github.com/usbxhci/core/trb"
)

// newBareController builds a UsbXhci with hciFinalize's allocations done
// and its command/event-ring handlers wired and started, skipping the
// USBCMD/USBSTS register handshake Init performs against real hardware
// (Reset's polling loop is exercised separately, against a fake that
// reports the post-reset state directly; Init itself is not run by these
// tests).
func newBareController(t *testing.T, maxSlots, maxPorts int) (*UsbXhci, *halfake.MMIO, *halfake.DMAFactory) {
	t.Helper()
	mmio := halfake.NewMMIO()
	mmio.SetCap32(capHCSPARAMS1, uint32(maxSlots)|uint32(maxPorts)<<hcsparams1MaxPortsShift)

	f := halfake.NewDMAFactory(4096)
	irq := halfake.NewInterrupt()
	t.Cleanup(func() { _ = irq.Close() })

	caps := hal.Capabilities{HasCoherentCache: true, PageSize: 4096}
	x := New(mmio, f, irq, halfake.NewBTI(), caps)
	require.NoError(t, x.hciFinalize())

	er, err := ring.NewEventRing(f, 4096, 1)
	require.NoError(t, err)
	er.OnPortStatusChange = x.onPortStatusChange
	er.OnCommandCompletion = x.onCommandCompletion
	er.OnTransferEvent = x.onTransferEvent

	cmdRing, err := ring.NewCommandRing(f)
	require.NoError(t, err)
	x.cmdRing = cmdRing
	x.it0 = interrupter.New(0, mmio, irq, er)
	require.NoError(t, x.it0.Start(context.Background(), nil))
	t.Cleanup(x.it0.Stop)

	x.mu.Lock()
	x.running = true
	x.mu.Unlock()

	return x, mmio, f
}

// completeCommand synthesizes a Command Completion Event TRB and feeds
// it straight to the handler a real event ring dispatch would call,
// without round-tripping through actual event-ring memory.
func completeCommand(x *UsbXhci, phys uint64, slot uint8, code pkg.CompletionCode) {
	var ev trb.TRB
	ev.Parameter = phys
	ev.SetSlotID(slot)
	ev.SetCompletionCode(uint8(code))
	x.onCommandCompletion(ev)
}

// completeTransfer synthesizes a Transfer Event TRB.
func completeTransfer(x *UsbXhci, phys uint64, slot uint8, epIndex int, code pkg.CompletionCode, residual uint32) {
	var ev trb.TRB
	ev.Parameter = phys
	ev.SetSlotID(slot)
	ev.SetEndpointID(uint8(epIndex))
	ev.SetCompletionCode(uint8(code))
	ev.SetTransferLength(residual)
	x.onTransferEvent(ev)
}

// enableTestSlot drives EnableSlot to completion against a bare
// controller and returns the assigned slot ID.
func enableTestSlot(t *testing.T, x *UsbXhci) uint8 {
	t.Helper()
	phys := cmdPhysAt(x, 0)
	var slot uint8
	var cc pkg.CompletionCode
	x.EnableSlot(func(s uint8, c pkg.CompletionCode) { slot, cc = s, c })
	completeCommand(x, phys, 1, pkg.CompletionSuccess)
	require.Equal(t, pkg.CompletionSuccess, cc)
	return slot
}

// cmdPhysAt returns the physical address the command ring will assign
// to the nth command posted from its current position (n == 0 is the
// very next one), letting a test predict the phys address of a command
// a callback chain posts before that command actually exists.
func cmdPhysAt(x *UsbXhci, n int) uint64 {
	phys, _ := x.cmdRing.EnqueuePhys()
	idx, _ := x.cmdRing.PhysToVirt(phys)
	next, _ := x.cmdRing.VirtToPhys(idx + n)
	return next
}

// fakeBus is a hal.BusClient recorder for assertions on device
// online/removed notifications.
type fakeBus struct {
	added   []uint8
	removed []uint8
}

func (b *fakeBus) DeviceAdded(slot uint8, info hal.DeviceInfo) { b.added = append(b.added, slot) }
func (b *fakeBus) DeviceRemoved(slot uint8)                    { b.removed = append(b.removed, slot) }
