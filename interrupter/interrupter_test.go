package interrupter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usbxhci/core/hal/halfake"
	"github.com/usbxhci/core/ring"
)

func newTestInterrupter(t *testing.T) (*Interrupter, *halfake.MMIO, *halfake.Interrupt) {
	t.Helper()
	f := halfake.NewDMAFactory(4096)
	er, err := ring.NewEventRing(f, 4096, 8)
	require.NoError(t, err)
	mmio := halfake.NewMMIO()
	irq := halfake.NewInterrupt()
	return New(0, mmio, irq, er), mmio, irq
}

func TestInterrupter_StartProgramsRegisters(t *testing.T) {
	it, mmio, irq := newTestInterrupter(t)
	defer irq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, it.Start(ctx, nil))
	defer it.Stop()

	require.Equal(t, uint32(it.ring.ERSTSize()), mmio.ReadRun32(it.off(regERSTSZ)))
	require.NotZero(t, mmio.ReadRun32(it.off(regIMAN))&imanIE)
}

func TestInterrupter_StartTwiceFails(t *testing.T) {
	it, _, irq := newTestInterrupter(t)
	defer irq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, it.Start(ctx, nil))
	defer it.Stop()
	require.Error(t, it.Start(ctx, nil))
}

func TestInterrupter_RingBringupRunsOnce(t *testing.T) {
	it, _, irq := newTestInterrupter(t)
	defer irq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bringup := make(chan struct{}, 4)
	require.NoError(t, it.Start(ctx, func() { bringup <- struct{}{} }))
	defer it.Stop()

	irq.Fire()
	irq.Fire()

	select {
	case <-bringup:
	case <-time.After(time.Second):
		t.Fatal("ring0Bringup never ran")
	}

	select {
	case <-bringup:
		t.Fatal("ring0Bringup ran more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInterrupter_TimeoutDrainsWithoutRealIRQ(t *testing.T) {
	it, _, irq := newTestInterrupter(t)
	defer irq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, it.Start(ctx, nil))
	defer it.Stop()

	done := it.Timeout(10 * time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout continuation never drained")
	}
}

func TestInterrupter_AfterRunsOnExecutor(t *testing.T) {
	it, _, irq := newTestInterrupter(t)
	defer irq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, it.Start(ctx, nil))
	defer it.Stop()

	done := make(chan struct{})
	it.After(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("After continuation never ran")
	}
}

func TestInterrupter_WakeDrainsScheduledTasks(t *testing.T) {
	it, _, irq := newTestInterrupter(t)
	defer irq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, it.Start(ctx, nil))
	defer it.Stop()

	ran := make(chan struct{})
	it.ring.ScheduleTask(func() { close(ran) })
	it.Wake()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("scheduled task never ran after Wake")
	}
}

func TestInterrupter_StopJoinsGoroutines(t *testing.T) {
	it, _, irq := newTestInterrupter(t)

	ctx := context.Background()
	require.NoError(t, it.Start(ctx, nil))
	it.Stop()
	_ = irq
}
