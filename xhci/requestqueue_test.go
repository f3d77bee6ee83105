package xhci

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usbxhci/core/devstate"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/request"
	"github.com/usbxhci/core/trb"
)

func TestUsbXhci_RequestQueueRejectsWhenNotRunning(t *testing.T) {
	x, _, _ := newBareController(t, 8, 1)
	x.mu.Lock()
	x.running = false
	x.mu.Unlock()

	var actual int
	var err error
	x.RequestQueue(context.Background(), Request{
		Callback: func(a int, e error) { actual, err = a, e },
	})
	require.Zero(t, actual)
	require.ErrorIs(t, err, pkg.ErrIoNotPresent)
}

func TestUsbXhci_RequestQueueRejectsUnboundSlot(t *testing.T) {
	x, _, _ := newBareController(t, 8, 1)

	var err error
	x.RequestQueue(context.Background(), Request{
		Slot:     3,
		Callback: func(_ int, e error) { err = e },
	})
	require.ErrorIs(t, err, pkg.ErrIoNotPresent)
}

func TestUsbXhci_RequestQueueRejectsDisconnectingSlot(t *testing.T) {
	x, _, _ := newBareController(t, 8, 1)
	slot := enableTestSlot(t, x)
	x.slots[slot].Disconnect()

	var err error
	x.RequestQueue(context.Background(), Request{
		Slot:     slot,
		Callback: func(_ int, e error) { err = e },
	})
	require.ErrorIs(t, err, pkg.ErrIoNotPresent)
}

func TestUsbXhci_RequestQueueControlRequiresSetup(t *testing.T) {
	x, _, _ := newBareController(t, 8, 1)
	slot := enableTestSlot(t, x)

	var err error
	x.RequestQueue(context.Background(), Request{
		Slot:            slot,
		EndpointAddress: 0x00,
		Callback:        func(_ int, e error) { err = e },
	})
	require.ErrorIs(t, err, pkg.ErrInvalidArgs)
}

// TestUsbXhci_RequestQueueBulkShortPacketAccumulation reproduces an 8162
// byte bulk IN request whose data stage splits into two TRBs, the first
// of which completes short by 700 bytes (interior, non-terminal) and the
// second short by another 100 (terminal): actual delivered is 7362.
func TestUsbXhci_RequestQueueBulkShortPacketAccumulation(t *testing.T) {
	x, f, _ := newBareController(t, 8, 1)
	slot := enableTestSlot(t, x)
	enableBulkInEndpoint(t, x, slot)

	epRing := x.slots[slot].GetTransferRing(3)
	startPhys, _ := epRing.EnqueuePhys()
	startIdx, _ := epRing.PhysToVirt(startPhys)

	buf1, err := f.Alloc(nil, 4081)
	require.NoError(t, err)
	buf2, err := f.Alloc(nil, 4081)
	require.NoError(t, err)

	var actual int
	var reqErr error
	done := make(chan struct{})
	x.RequestQueue(context.Background(), Request{
		Slot:            slot,
		EndpointAddress: 0x81,
		Chunks: []request.Chunk{
			{Phys: buf1.Phys(), Len: 4081},
			{Phys: buf2.Phys(), Len: 4081},
		},
		Callback: func(a int, e error) { actual, reqErr = a, e; close(done) },
	})

	firstPhys, _ := epRing.VirtToPhys(startIdx)
	lastPhys, _ := epRing.VirtToPhys(startIdx + 1)

	completeTransfer(x, firstPhys, slot, 3, pkg.CompletionShortPacket, 700)
	select {
	case <-done:
		t.Fatal("callback fired on interior short-packet event")
	default:
	}

	completeTransfer(x, lastPhys, slot, 3, pkg.CompletionShortPacket, 100)
	<-done

	require.NoError(t, reqErr)
	require.Equal(t, 7362, actual)
}

// TestUsbXhci_RequestQueueDefectiveHubWorkaround reproduces a hub that
// stalls GET_DESCRIPTOR(DEVICE_QUALIFIER) instead of answering it: the
// core zeroes bDeviceProtocol in the reply buffer, resets the endpoint,
// and completes the original request OK.
func TestUsbXhci_RequestQueueDefectiveHubWorkaround(t *testing.T) {
	x, f, _ := newBareController(t, 8, 1)
	slot := enableTestSlot(t, x)

	ep0 := x.slots[slot].GetTransferRing(1)
	startPhys, _ := ep0.EnqueuePhys()
	startIdx, _ := ep0.PhysToVirt(startPhys)

	buf, err := f.Alloc(nil, 10)
	require.NoError(t, err)
	for i := range buf.Bytes() {
		buf.Bytes()[i] = 0xFF
	}

	setup := trb.SetupPacket{
		RequestType: 0x80,
		Request:     trb.RequestGetDescriptor,
		Value:       uint16(trb.DescriptorDeviceQualifier) << 8,
		Length:      10,
	}

	var actual int
	var reqErr error
	done := make(chan struct{})
	x.RequestQueue(context.Background(), Request{
		Slot:            slot,
		EndpointAddress: 0x00,
		Setup:           &setup,
		Chunks:          []request.Chunk{{Phys: buf.Phys(), Len: 10}},
		Buffer:          buf,
		Callback:        func(a int, e error) { actual, reqErr = a, e; close(done) },
	})

	// Setup, Data, Status: Status is the TD's last TRB.
	statusPhys, _ := ep0.VirtToPhys(startIdx + 2)

	resetPhys := cmdPhysAt(x, 0)
	completeTransfer(x, statusPhys, slot, 1, pkg.CompletionStallError, 0)
	completeCommand(x, resetPhys, slot, pkg.CompletionSuccess)
	<-done

	require.NoError(t, reqErr)
	require.Equal(t, 10, actual)
	require.Equal(t, byte(0), buf.Bytes()[5])
}

func TestUsbXhci_GetCurrentFrameCombinesMFIndexAndWraps(t *testing.T) {
	x, mmio, _ := newBareController(t, 8, 1)
	mmio.WriteRun32(runMFINDEX, 800)
	require.Equal(t, uint32(800>>3), x.GetCurrentFrame())
	require.Equal(t, x.GetCurrentFrame(), x.CurrentFrame())
}

func TestUsbXhci_GetMaxTransferSizeReadsEndpointContext(t *testing.T) {
	x, _, _ := newBareController(t, 8, 1)
	slot := enableTestSlot(t, x)

	// Real hardware copies the Input Context's Endpoint Context into the
	// Output Context as a side effect of Address Device; the fake has no
	// DMA to simulate that, so stamp the Output Context directly.
	x.slots[slot].Output().Endpoint(1).SetMaxPacketSize(64)

	require.Equal(t, uint16(64), x.GetMaxTransferSize(slot, 0x00))
	require.Zero(t, x.GetMaxTransferSize(99, 0x00))
}

func enableBulkInEndpoint(t *testing.T, x *UsbXhci, slot uint8) {
	t.Helper()
	phys := cmdPhysAt(x, 0)
	var cc pkg.CompletionCode
	x.EnableEndpoint(slot, EndpointDescriptor{
		Address:       0x81,
		Attributes:    epAttrBulk,
		MaxPacketSize: 512,
	}, devstate.SpeedHigh, func(c pkg.CompletionCode) { cc = c })
	completeCommand(x, phys, slot, pkg.CompletionSuccess)
	require.Equal(t, pkg.CompletionSuccess, cc)
}
