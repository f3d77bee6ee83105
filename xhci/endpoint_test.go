package xhci

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usbxhci/core/devstate"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/ring"
)

func TestComputeInterval(t *testing.T) {
	cases := []struct {
		name  string
		d     EndpointDescriptor
		speed devstate.Speed
		want  uint8
	}{
		{"control full-speed ignores interval", EndpointDescriptor{Attributes: epAttrControl, Interval: 8}, devstate.SpeedFull, 0},
		{"bulk high-speed log2", EndpointDescriptor{Attributes: epAttrBulk, Interval: 8}, devstate.SpeedHigh, 3},
		{"isoch high-speed direct", EndpointDescriptor{Attributes: epAttrIsoch, Interval: 4}, devstate.SpeedHigh, 3},
		{"isoch full-speed shifted", EndpointDescriptor{Attributes: epAttrIsoch, Interval: 4}, devstate.SpeedFull, 6},
		{"interrupt high-speed direct", EndpointDescriptor{Attributes: epAttrInterrupt, Interval: 4}, devstate.SpeedHigh, 3},
		{"interrupt low-speed log2 shifted", EndpointDescriptor{Attributes: epAttrInterrupt, Interval: 8}, devstate.SpeedLow, 6},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, computeInterval(c.d, c.speed))
		})
	}
}

func TestUsbXhci_EnableEndpointProgramsContextAndConfigures(t *testing.T) {
	x, _, _ := newBareController(t, 8, 1)
	slot := enableTestSlot(t, x)

	phys := cmdPhysAt(x, 0)
	var cc pkg.CompletionCode
	x.EnableEndpoint(slot, EndpointDescriptor{
		Address:       0x81,
		Attributes:    epAttrBulk,
		MaxPacketSize: 512,
	}, devstate.SpeedHigh, func(c pkg.CompletionCode) { cc = c })
	completeCommand(x, phys, slot, pkg.CompletionSuccess)

	require.Equal(t, pkg.CompletionSuccess, cc)
	require.NotNil(t, x.slots[slot].GetTransferRing(3))
	require.Equal(t, uint16(512), x.slots[slot].Input().Endpoint(3).MaxPacketSize())
}

func TestUsbXhci_EnableEndpointRollsBackOnConfigureFailure(t *testing.T) {
	x, _, _ := newBareController(t, 8, 1)
	slot := enableTestSlot(t, x)
	entriesBefore := x.slots[slot].Input().Slot().ContextEntries()

	phys := cmdPhysAt(x, 0)
	var cc pkg.CompletionCode
	x.EnableEndpoint(slot, EndpointDescriptor{
		Address:       0x81,
		Attributes:    epAttrBulk,
		MaxPacketSize: 512,
	}, devstate.SpeedHigh, func(c pkg.CompletionCode) { cc = c })
	completeCommand(x, phys, slot, pkg.CompletionResourceError)

	require.Equal(t, pkg.CompletionResourceError, cc)
	require.Equal(t, entriesBefore, x.slots[slot].Input().Slot().ContextEntries())
}

func TestUsbXhci_DisableEndpointTearsDownRing(t *testing.T) {
	x, _, _ := newBareController(t, 8, 1)
	slot := enableTestSlot(t, x)
	enableBulkInEndpoint(t, x, slot)

	phys := cmdPhysAt(x, 0)
	var cc pkg.CompletionCode
	x.DisableEndpoint(slot, 0x81, func(c pkg.CompletionCode) { cc = c })
	completeCommand(x, phys, slot, pkg.CompletionSuccess)

	require.Equal(t, pkg.CompletionSuccess, cc)
}

func TestUsbXhci_ResetEndpointChainsSetTRDequeuePointer(t *testing.T) {
	x, _, _ := newBareController(t, 8, 1)
	slot := enableTestSlot(t, x)
	enableBulkInEndpoint(t, x, slot)

	resetPhys := cmdPhysAt(x, 0)
	setPtrPhys := cmdPhysAt(x, 1)

	var cc pkg.CompletionCode
	x.ResetEndpoint(slot, 0x81, func(c pkg.CompletionCode) { cc = c })
	completeCommand(x, resetPhys, slot, pkg.CompletionSuccess)
	completeCommand(x, setPtrPhys, slot, pkg.CompletionSuccess)

	require.Equal(t, pkg.CompletionSuccess, cc)
}

func TestUsbXhci_ResetEndpointStopsOnCommandFailure(t *testing.T) {
	x, _, _ := newBareController(t, 8, 1)
	slot := enableTestSlot(t, x)
	enableBulkInEndpoint(t, x, slot)

	resetPhys := cmdPhysAt(x, 0)
	var cc pkg.CompletionCode
	x.ResetEndpoint(slot, 0x81, func(c pkg.CompletionCode) { cc = c })
	completeCommand(x, resetPhys, slot, pkg.CompletionTRBError)

	require.Equal(t, pkg.CompletionTRBError, cc)
}

func TestUsbXhci_CancelAllFailsPendingWithCanceled(t *testing.T) {
	x, _, _ := newBareController(t, 8, 1)
	slot := enableTestSlot(t, x)
	enableBulkInEndpoint(t, x, slot)

	epRing := x.slots[slot].GetTransferRing(3)
	ctx, err := epRing.AllocateContext()
	require.NoError(t, err)
	epRing.AssignContext(0, 0, ctx)

	var gotCode pkg.CompletionCode
	var gotErr error
	ctx.Callback = func(c ring.Completion) { gotCode, gotErr = c.Code, c.Err }

	stopPhys := cmdPhysAt(x, 0)
	setPtrPhys := cmdPhysAt(x, 1)

	var cc pkg.CompletionCode
	x.CancelAll(slot, 0x81, func(c pkg.CompletionCode) { cc = c })
	completeCommand(x, stopPhys, slot, pkg.CompletionSuccess)
	completeCommand(x, setPtrPhys, slot, pkg.CompletionSuccess)

	require.Equal(t, pkg.CompletionSuccess, cc)
	require.Equal(t, pkg.CompletionStopped, gotCode)
	require.ErrorIs(t, gotErr, pkg.ErrCanceled)
	require.Zero(t, epRing.PendingCount())
}

func TestUsbXhci_CancelAllSkipsDequeuePointerWhenNothingPending(t *testing.T) {
	x, _, _ := newBareController(t, 8, 1)
	slot := enableTestSlot(t, x)
	enableBulkInEndpoint(t, x, slot)

	stopPhys := cmdPhysAt(x, 0)
	var cc pkg.CompletionCode
	x.CancelAll(slot, 0x81, func(c pkg.CompletionCode) { cc = c })
	completeCommand(x, stopPhys, slot, pkg.CompletionSuccess)

	require.Equal(t, pkg.CompletionSuccess, cc)
}
