package ring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usbxhci/core/hal/halfake"
	"github.com/usbxhci/core/pkg"
	"github.com/usbxhci/core/trb"
)

func TestERST_PressureInvariant(t *testing.T) {
	f := halfake.NewDMAFactory(4096)
	erst, err := NewERST(f, 4096, 4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, erst.AddSegment(uint64(0x1000*(i+1)), 256))
		require.LessOrEqual(t, erst.Pressure(), erst.Count())
		require.LessOrEqual(t, erst.Count(), 4)
	}
	require.ErrorIs(t, erst.AddSegment(0x9999, 256), pkg.ErrNoMemory)

	erst.RemovePressure()
	require.Equal(t, 0, erst.Pressure())
}

func TestTransferRing_SaveRestoreRoundTrip(t *testing.T) {
	f := halfake.NewDMAFactory(4096)
	r, err := NewTransferRing(f, 1)
	require.NoError(t, err)

	mmio := halfake.NewMMIO()
	r.SaveState()

	require.NoError(t, r.AddTRB(mmio, trb.TypeNormal, 0x2000, 0, 0))
	require.NoError(t, r.AddTRB(mmio, trb.TypeNormal, 0x3000, 0, 0))

	phys1, pcs1 := r.EnqueuePhys()
	r.Restore()
	phys2, pcs2 := r.EnqueuePhys()

	require.NotEqual(t, phys1, phys2)
	require.Equal(t, pcs1, pcs2)
}

func TestTransferRing_PhysVirtRoundTrip(t *testing.T) {
	f := halfake.NewDMAFactory(4096)
	r, err := NewTransferRing(f, 1)
	require.NoError(t, err)

	mmio := halfake.NewMMIO()
	require.NoError(t, r.AddTRB(mmio, trb.TypeNormal, 0x1234, 0, 0))

	phys, ok := r.VirtToPhys(0)
	require.True(t, ok)
	idx, ok := r.PhysToVirt(phys)
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestTransferRing_AllocateContiguousBoundary(t *testing.T) {
	f := halfake.NewDMAFactory(4096)
	r, err := NewTransferRing(f, 1)
	require.NoError(t, err)

	// trbsPerSegment-1 is the last usable slot before the Link TRB.
	trbs, _, err := r.AllocateContiguous(trbsPerSegment)
	require.NoError(t, err)
	require.Equal(t, trbsPerSegment-1, len(trbs))
}

func TestTransferRing_PendingAndComplete(t *testing.T) {
	f := halfake.NewDMAFactory(4096)
	r, err := NewTransferRing(f, 1)
	require.NoError(t, err)

	mmio := halfake.NewMMIO()
	require.NoError(t, r.AddTRB(mmio, trb.TypeNormal, 0x1234, 0, 0))

	ctx, err := r.AllocateContext()
	require.NoError(t, err)
	r.AssignContext(0, 0, ctx)
	require.Equal(t, 1, r.PendingCount())

	got := r.CompleteTRB(0)
	require.Same(t, ctx, got)
	require.Equal(t, 0, r.PendingCount())
}

func TestTransferRing_NoteShortPacketAccumulatesAcrossChainedTRBs(t *testing.T) {
	f := halfake.NewDMAFactory(4096)
	r, err := NewTransferRing(f, 1)
	require.NoError(t, err)

	mmio := halfake.NewMMIO()
	require.NoError(t, r.AddTRB(mmio, trb.TypeNormal, 0x1000, 0, 0))
	require.NoError(t, r.AddTRB(mmio, trb.TypeNormal, 0x1010, 0, 0))

	ctx, err := r.AllocateContext()
	require.NoError(t, err)
	ctx.Data = make([]byte, 8162)
	r.AssignContext(0, 1, ctx)

	// Interior short-packet event on the TD's first TRB: progress, not
	// terminal, same TD still pending.
	got, accum, terminal := r.NoteShortPacket(0, 700)
	require.Nil(t, got)
	require.False(t, terminal)
	require.Equal(t, uint32(700), accum)
	require.Equal(t, 1, r.PendingCount())

	// Final event on the TD's last TRB resolves it with the accumulated
	// residual.
	got, accum, terminal = r.NoteShortPacket(1, 100)
	require.Same(t, ctx, got)
	require.True(t, terminal)
	require.Equal(t, uint32(800), accum)
	require.Equal(t, 0, r.PendingCount())
	require.Equal(t, 7362, len(ctx.Data)-int(accum))
}

func TestTransferRing_NoteShortPacketUnknownIndex(t *testing.T) {
	f := halfake.NewDMAFactory(4096)
	r, err := NewTransferRing(f, 1)
	require.NoError(t, err)

	got, accum, terminal := r.NoteShortPacket(99, 10)
	require.Nil(t, got)
	require.Zero(t, accum)
	require.False(t, terminal)
}

func TestEventRing_HandleIRQDispatch(t *testing.T) {
	f := halfake.NewDMAFactory(4096)
	er, err := NewEventRing(f, 4096, 8)
	require.NoError(t, err)

	var gotPort int
	er.OnPortStatusChange = func(port int) { gotPort = port }

	seg := er.segments[0]
	ev := &seg.trbs[0]
	ev.SetType(trb.TypePortStatusChangeEvent)
	ev.Parameter = uint64(2) << 24
	ev.SetCycle(true)

	er.HandleIRQ()
	require.Equal(t, 2, gotPort)
}
