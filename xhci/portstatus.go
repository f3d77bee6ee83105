package xhci

import (
	"sync"
	"time"

	"github.com/usbxhci/core/devstate"
	"github.com/usbxhci/core/enumerate"
	"github.com/usbxhci/core/pkg"
	"golang.org/x/time/rate"
)

// portLimiter throttles how often one port's connect/disconnect churn
// can re-enter EnumerateDevice, guarding against a flaky or
// short-circuited port generating a port status change interrupt storm.
type portLimiter struct {
	rl *rate.Limiter
}

func newPortLimiter() *portLimiter {
	return &portLimiter{rl: rate.NewLimiter(rate.Every(100*time.Millisecond), 4)}
}

func (p *portLimiter) allow() bool { return p.rl.Allow() }

func (x *UsbXhci) limiterFor(port int) *portLimiter {
	x.mu.Lock()
	defer x.mu.Unlock()
	pl := x.portLimiters[port]
	if pl == nil {
		pl = newPortLimiter()
		x.portLimiters[port] = pl
	}
	return pl
}

// portSpeed maps a PORTSC Port Speed field value to the xHCI Protocol
// Speed ID devstate understands, folding every PSIV at or above
// SpeedSuperPlus's legacy value into SuperPlus.
func portSpeed(v uint32) devstate.Speed {
	if v >= uint32(devstate.SpeedSuperPlus) {
		return devstate.SpeedSuperPlus
	}
	return devstate.Speed(v)
}

// enumRequest is one port's queued EnumerateDevice attempt.
type enumRequest struct {
	port  int
	speed devstate.Speed
}

// enumQueue serializes enumeration across ports: the command ring, the
// slot table, and the bus client's AddDevice ordering all assume at
// most one EnumerateDevice attempt is in flight. A port status change
// that arrives while another port is enumerating is queued rather than
// raced against it.
type enumQueue struct {
	mu      sync.Mutex
	busy    bool
	pending []enumRequest
}

// submit enqueues req, reporting whether the caller should start it
// immediately (nothing else in flight).
func (q *enumQueue) submit(req enumRequest) (start bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.busy {
		q.busy = true
		return true
	}
	q.pending = append(q.pending, req)
	return false
}

// next pops the next queued request, or reports the queue has gone
// idle so a future submit starts immediately again.
func (q *enumQueue) next() (enumRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		q.busy = false
		return enumRequest{}, false
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	return req, true
}

// enumeratePort queues port for enumeration (or starts it immediately
// if nothing else is in flight), rate-limited per port against a
// connect/disconnect storm.
func (x *UsbXhci) enumeratePort(port int, speed devstate.Speed) {
	if !x.limiterFor(port).allow() {
		pkg.LogWarn(pkg.ComponentXHCI, "port connect rate limited", "port", port)
		return
	}
	req := enumRequest{port: port, speed: speed}
	if x.enumQ.submit(req) {
		x.runEnumeration(req)
	}
}

// runEnumeration drives one EnumerateDevice attempt to completion, then
// starts whatever the queue handed to it next.
func (x *UsbXhci) runEnumeration(req enumRequest) {
	pkg.LogInfo(pkg.ComponentXHCI, "port enumerating", "port", req.port, "speed", req.speed.String())
	enumerate.EnumerateDevice(x, req.port, devstate.HubInfo{}, req.speed, func(err error) {
		if err != nil {
			pkg.LogWarn(pkg.ComponentXHCI, "enumeration failed", "port", req.port, "error", err)
		}
		if next, ok := x.enumQ.next(); ok {
			x.runEnumeration(next)
		}
	})
}

// onPortStatusChange is the Event Ring's handler for Port Status Change
// Events. It reads PORTSC and drives the per-port attach state machine:
// a USB-2 attach (PLS=Polling) triggers a software port reset, a USB-3
// attach is already past link training, and either kind enumerates only
// once its link has actually reached U0.
func (x *UsbXhci) onPortStatusChange(port int) {
	ps := x.portState(port)
	if ps == nil {
		pkg.LogWarn(pkg.ComponentXHCI, "port status change for unknown port", "port", port)
		return
	}

	v := x.mmio.ReadPort32(port, portSC)

	if v&portscPEC != 0 {
		pkg.LogError(pkg.ComponentXHCI, "port enablement change, escalating to shutdown", "port", port)
		x.Shutdown()
		return
	}

	if v&portscOCC != 0 {
		pkg.LogWarn(pkg.ComponentXHCI, "port overcurrent change", "port", port)
	}

	// Sticky RW1C bits this event observed set, acknowledged by writing
	// them back once at the end of the handler. PED is deliberately never
	// included: PED is itself a write-1-to-disable bit, and echoing a
	// read value that happens to show PED=1 back to the register would
	// disable an already-enabled port.
	ack := v & (portscOCC | portscCSC | portscPRC | portscWRC)

	if v&portscCCS == 0 {
		x.portDisconnect(port, ps, ack)
		return
	}

	pls := devstate.LinkState((v >> portscPLSShift) & portscPLSMask)
	ped := v&portscPED != 0
	ps.SetLinkState(pls)

	var enumerateNow bool
	speed := portSpeed((v >> portscSpeedShift) & portscSpeedMask)

	switch {
	case !ps.Connected() && pls == devstate.LinkStatePolling:
		ps.SetConnected(true)
		ps.SetUSB3(false)
		pkg.LogInfo(pkg.ComponentXHCI, "usb-2 attach detected, starting port reset", "port", port)
		ack |= portscPR

	case !ps.Connected():
		ps.SetConnected(true)
		ps.SetUSB3(true)
		pkg.LogInfo(pkg.ComponentXHCI, "usb-3 attach detected", "port", port, "pls", pls.String())

	case ps.Connected() && !ps.LinkActive() && ps.IsUSB3() && pls == devstate.LinkStateU0 && ped:
		ps.SetLinkActive(true)
		enumerateNow = true

	case ps.Connected() && !ps.LinkActive() && !ps.IsUSB3() && pls == devstate.LinkStateU0:
		ps.SetLinkActive(true)
		pkg.LogInfo(pkg.ComponentXHCI, "usb-2 link up, waiting for settle", "port", port)
		x.Sleep(usb2LinkSettle, func() { x.enumeratePort(port, speed) })
	}

	if ack != 0 {
		x.mmio.WritePort32(port, portSC, ack)
	}

	if enumerateNow {
		x.enumeratePort(port, speed)
	}
}

// portDisconnect handles a CCS=0 observation: clears the port's attach
// flags, acknowledges the sticky status bits that brought us here, and
// if a slot was bound to this port, tears it down (the hub-aware
// DeviceOffline path).
func (x *UsbXhci) portDisconnect(port int, ps *devstate.PortState, ack uint32) {
	ps.ClearAttach()
	if ack != 0 {
		x.mmio.WritePort32(port, portSC, ack)
	}

	slot, bound := ps.Slot()
	if !bound {
		return
	}
	x.deviceOffline(port, slot, ps)
}

// deviceOffline tears down the slot bound to a port that just lost its
// connection: drains every outstanding TRB on every endpoint ring so no
// late completion reaches a transfer event handler for a dead slot,
// notifies the bus client, then disables the slot.
func (x *UsbXhci) deviceOffline(port int, slot uint8, ps *devstate.PortState) {
	pkg.LogInfo(pkg.ComponentXHCI, "port disconnected", "port", port, "slot", slot)
	ps.Unbind()

	x.mu.RLock()
	st := x.slots[slot]
	bus := x.bus
	x.mu.RUnlock()

	if st != nil {
		st.Disconnect()
		for i := 0; i < devstate.MaxEndpoints; i++ {
			r := st.GetTransferRing(i)
			if r == nil {
				continue
			}
			for _, ctx := range r.TakePendingTRBs() {
				completeWith(ctx, pkg.CompletionInvalid, pkg.ErrIoNotPresent)
			}
		}
	}

	if bus != nil {
		bus.DeviceRemoved(slot)
	}

	x.DisableSlot(slot, func(cc pkg.CompletionCode) {
		if cc != pkg.CompletionSuccess {
			pkg.LogWarn(pkg.ComponentXHCI, "disable slot after disconnect failed", "slot", slot, "cc", cc.String())
		}
	})
}
