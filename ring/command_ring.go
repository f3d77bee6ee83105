package ring

import (
	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/trb"
)

// CommandRing is the single ring used to post administrative commands
// (Enable Slot, Address Device, Configure Endpoint, ...) to interrupter
// 0. It embeds a TransferRing for its segment/cycle bookkeeping and adds
// the command-specific PostNop helper and a peek at the current
// register value for diagnostics.
type CommandRing struct {
	*TransferRing
}

// NewCommandRing allocates a one-segment command ring.
func NewCommandRing(factory hal.DMAFactory) (*CommandRing, error) {
	r, err := NewTransferRing(factory, 1)
	if err != nil {
		return nil, err
	}
	return &CommandRing{TransferRing: r}, nil
}

// PostNop enqueues a No-Op Command TRB, used to prime a fresh ring or to
// verify the controller is consuming commands after a suspected wedge.
func (c *CommandRing) PostNop(mmio hal.MMIO) error {
	return c.AddTRB(mmio, trb.TypeNoOpCommand, 0, 0, 0)
}

// CRCRValue packs the Command Ring Control Register value for the
// ring's current dequeue position (used once, at initialization, to
// program CRCR before the controller has ever read it).
func (c *CommandRing) CRCRValue() uint64 {
	phys, pcs := c.EnqueuePhys()
	v := phys &^ 0x3F
	if pcs {
		v |= 1
	}
	return v
}
