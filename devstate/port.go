package devstate

import "sync"

// LinkState enumerates the USB3 PORTSC Port Link State field values this
// core distinguishes during port status change handling.
type LinkState uint8

// Link states (xHCI 1.2 Table 5-27, USB3 subset relevant to bring-up).
const (
	LinkStateU0 LinkState = iota
	LinkStateU1
	LinkStateU2
	LinkStateU3
	LinkStateDisabled
	LinkStateRxDetect
	LinkStateInactive
	LinkStatePolling
	LinkStateRecovery
	LinkStateHotReset
	LinkStateComplianceMode
	LinkStateTestMode
	LinkStateResume LinkState = 15
)

// String renders a link state for log lines.
func (l LinkState) String() string {
	switch l {
	case LinkStateU0:
		return "U0"
	case LinkStateU1:
		return "U1"
	case LinkStateU2:
		return "U2"
	case LinkStateU3:
		return "U3"
	case LinkStateDisabled:
		return "disabled"
	case LinkStateRxDetect:
		return "rx-detect"
	case LinkStateInactive:
		return "inactive"
	case LinkStatePolling:
		return "polling"
	case LinkStateRecovery:
		return "recovery"
	case LinkStateHotReset:
		return "hot-reset"
	case LinkStateComplianceMode:
		return "compliance-mode"
	case LinkStateResume:
		return "resume"
	default:
		return "reserved"
	}
}

// PortState tracks one root hub port's bound slot and last observed link
// state, independent of the PORTSC register itself (which lives behind
// hal.MMIO).
type PortState struct {
	mu sync.Mutex

	port       int
	bound      bool
	slot       uint8
	speed      Speed
	usb3       bool
	linkState  LinkState
	connected  bool
	linkActive bool
}

// NewPortState returns a PortState for the given 1-indexed root hub port.
func NewPortState(port int, usb3 bool) *PortState {
	return &PortState{port: port, usb3: usb3}
}

// Port returns the 1-indexed root hub port number.
func (p *PortState) Port() int { return p.port }

// IsUSB3 reports whether the device currently attached to this port
// negotiated as a USB3 (SuperSpeed) link rather than a USB2 one. Learned
// at attach time from the Port Link State the hardware reported, not
// fixed at construction.
func (p *PortState) IsUSB3() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usb3
}

// SetUSB3 records whether the device attaching to this port is USB3,
// decided by the Port Status Change handler from the PLS it observed at
// attach.
func (p *PortState) SetUSB3(usb3 bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usb3 = usb3
}

// Connected reports whether a device is currently attached (CCS) to
// this port, independent of whether its link has finished training.
func (p *PortState) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetConnected records the port's Current Connect Status.
func (p *PortState) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
}

// LinkActive reports whether this port's link has already been brought
// up and handed to enumeration once; guards against re-enumerating on a
// later, redundant U0 observation.
func (p *PortState) LinkActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkActive
}

// SetLinkActive records whether this port's link has reached U0 and
// been handed to enumeration.
func (p *PortState) SetLinkActive(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkActive = active
}

// ClearAttach resets the attach-tracking flags a disconnect (CCS=0)
// must clear: connected, link-active, the USB-3 flag, and the last
// observed link state.
// The bound slot, if any, is torn down separately by the caller once
// DeviceOffline completes.
func (p *PortState) ClearAttach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.linkActive = false
	p.usb3 = false
	p.linkState = LinkStateDisabled
}

// Bind associates an enumerated slot with this port.
func (p *PortState) Bind(slot uint8, speed Speed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bound = true
	p.slot = slot
	p.speed = speed
}

// Unbind clears the port's slot association, e.g. on disconnect.
func (p *PortState) Unbind() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bound = false
	p.slot = 0
	p.speed = SpeedUndefined
}

// Slot returns the bound slot ID and whether a slot is currently bound.
func (p *PortState) Slot() (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slot, p.bound
}

// SetLinkState records the last observed PLS value.
func (p *PortState) SetLinkState(ls LinkState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkState = ls
}

// GetLinkState returns the last observed PLS value.
func (p *PortState) GetLinkState() LinkState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkState
}
