// Package ring implements the Event Ring Segment Table, Event Ring,
// Transfer Ring, and Command Ring: the producer/consumer structures that
// move TRBs between software and the controller.
package ring

import (
	"github.com/usbxhci/core/hal"
	"github.com/usbxhci/core/pkg"
)

// erstEntrySize is the size in bytes of one ERST entry: a 64-bit
// segment base address followed by a 32-bit segment size and 32 bits
// reserved (xHCI 1.2 Section 6.5).
const erstEntrySize = 16

// ERST is the Event Ring Segment Table: a flat array of (base, size)
// pairs describing each segment of an Event Ring.
type ERST struct {
	buf      hal.DMABuffer
	factory  hal.DMAFactory
	pageSize int
	count    int // segments currently described
	erstMax  int // capacity of the table (ERSTSZ max)
	pressure int // segments added since the last RemovePressure
}

// NewERST allocates an ERST with room for erstMax segment descriptors.
func NewERST(factory hal.DMAFactory, pageSize int, erstMax int) (*ERST, error) {
	buf, err := factory.AllocPage(nil)
	if err != nil {
		return nil, pkg.ErrNoMemory
	}
	return &ERST{buf: buf, factory: factory, pageSize: pageSize, erstMax: erstMax}, nil
}

// Phys returns the ERST's own base address, for ERSTBA.
func (e *ERST) Phys() uint64 { return e.buf.Phys() }

// Count returns the number of segments currently described.
func (e *ERST) Count() int { return e.count }

// AddSegment appends one segment descriptor pointing at phys, sized for
// one page of TRBs. Returns ErrNoMemory if the table is already full and
// ErrBadState if internal bookkeeping has somehow exceeded it (an
// invariant violation, not a capacity error).
func (e *ERST) AddSegment(phys uint64, trbCount int) error {
	if e.count > e.erstMax {
		return pkg.ErrBadState
	}
	if e.count == e.erstMax {
		return pkg.ErrNoMemory
	}

	off := e.count * erstEntrySize
	b := e.buf.Bytes()[off : off+erstEntrySize]
	for i := 0; i < 8; i++ {
		b[i] = byte(phys >> (8 * i))
	}
	b[8] = byte(trbCount)
	b[9] = byte(trbCount >> 8)
	b[10], b[11] = 0, 0
	for i := 12; i < 16; i++ {
		b[i] = 0
	}
	e.buf.Flush()

	e.count++
	e.pressure++
	pkg.LogDebug(pkg.ComponentRing, "erst segment added", "index", e.count-1, "phys", phys)
	return nil
}

// RemovePressure resets the "segments added since last drained" counter,
// called once the event-ring consumer has observed the new segment in
// ERSTBA/ERSTSZ.
func (e *ERST) RemovePressure() { e.pressure = 0 }

// Pressure returns the number of segments added since the last
// RemovePressure call. Invariant: 0 <= Pressure() <= Count() <= erstMax.
func (e *ERST) Pressure() int { return e.pressure }
