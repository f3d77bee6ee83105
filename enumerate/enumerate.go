// Package enumerate drives the xHCI slot enumeration sequence: enable
// slot, address device, read the low-level max packet size, and bring
// the device online, with the BSR retry path spec.md §4.7 requires when
// the first address attempt comes back with a transaction error.
package enumerate

import (
	"time"

	"github.com/usbxhci/core/devstate"
	"github.com/usbxhci/core/pkg"
)

// Controller is the set of operations Enumerate needs from the owning
// xhci.UsbXhci. Every command is posted asynchronously: the method
// returns immediately after queueing the command TRB, and cb runs later
// from the same cooperative executor goroutine once the Command
// Completion Event for that TRB arrives. This keeps the state machine
// itself free of any direct ring or MMIO access.
type Controller interface {
	EnableSlot(cb func(slot uint8, cc pkg.CompletionCode))
	DisableSlot(slot uint8, cb func(cc pkg.CompletionCode))

	// SetDeviceInformation stamps the slot's Input Context (route string,
	// speed, root hub port, TT info) before the first AddressDevice.
	SetDeviceInformation(slot uint8, port int, hub devstate.HubInfo, speed devstate.Speed)

	AddressDevice(slot uint8, port int, hub devstate.HubInfo, bsr bool, cb func(cc pkg.CompletionCode))
	SetMaxPacketSize(slot uint8, mps uint16, cb func(cc pkg.CompletionCode))
	GetDescriptor8(slot uint8, cb func(mps0 uint8, cc pkg.CompletionCode))
	Sleep(d time.Duration, cb func())
	IsConnected(port int) bool

	// DeviceOnline notifies the bus client that slot has completed
	// enumeration, once at the very end of a successful attempt.
	DeviceOnline(slot uint8, port int, speed devstate.Speed)
}

// asyncState is the enumeration attempt's mutable state, threaded
// through the continuation chain instead of captured piecemeal in
// nested closures.
type asyncState struct {
	port     int
	hub      devstate.HubInfo
	speed    devstate.Speed
	slot     uint8
	bsr      bool
	retryCtx bool
}

// errorHandler arms a deferred DisableSlotCommand for a slot, and can be
// cancelled once enumeration reaches a point of no return. It stands in
// for the source's RAII destructor-based cleanup: Cancel is the
// equivalent of disarming the destructor, Fire is what runs if nobody
// ever calls Cancel.
type errorHandler struct {
	ctrl      Controller
	slot      uint8
	armed     bool
	cancelled bool
}

func newErrorHandler(ctrl Controller, slot uint8) *errorHandler {
	return &errorHandler{ctrl: ctrl, slot: slot, armed: true}
}

func (h *errorHandler) Cancel() {
	h.cancelled = true
}

func (h *errorHandler) Fire() {
	if !h.armed || h.cancelled {
		return
	}
	h.armed = false
	h.ctrl.DisableSlot(h.slot, func(pkg.CompletionCode) {})
}

// Done is the terminal callback for an enumeration attempt: nil error
// means the device reached Online.
type Done func(err error)

// EnumerateDevice runs the async state machine of spec.md §4.7 for one
// newly connected port, invoking done exactly once.
func EnumerateDevice(ctrl Controller, port int, hub devstate.HubInfo, speed devstate.Speed, done Done) {
	st := &asyncState{port: port, hub: hub, speed: speed}
	runPrimary(ctrl, st, done)
}

func runPrimary(ctrl Controller, st *asyncState, done Done) {
	ctrl.EnableSlot(func(slot uint8, cc pkg.CompletionCode) {
		if cc != pkg.CompletionSuccess {
			done(cc.Err())
			return
		}
		st.slot = slot
		ctrl.SetDeviceInformation(slot, st.port, st.hub, st.speed)
		eh := newErrorHandler(ctrl, slot)
		addressStep(ctrl, st, eh, done)
	})
}

func addressStep(ctrl Controller, st *asyncState, eh *errorHandler, done Done) {
	ctrl.AddressDevice(st.slot, st.port, st.hub, st.bsr, func(cc pkg.CompletionCode) {
		if cc == pkg.CompletionUSBTransactionError && ctrl.IsConnected(st.port) && !st.retryCtx {
			runRetry(ctrl, st, eh, done)
			return
		}
		if cc != pkg.CompletionSuccess {
			eh.Fire()
			done(pkg.ErrIo)
			return
		}
		afterAddress(ctrl, st, eh, done)
	})
}

// runRetry implements the three-step retry path: disable the slot that
// failed to address, then recurse into the primary path with bsr=true.
// On the recursive call's AddressDevice leg, bsr=true means "issue BSR
// only, no SET_ADDRESS yet" — the caller distinguishes this from the
// finalize step by retryCtx, which suppresses a second retry.
func runRetry(ctrl Controller, st *asyncState, eh *errorHandler, done Done) {
	eh.Cancel() // the old slot's disable below supersedes the deferred one
	ctrl.DisableSlot(st.slot, func(pkg.CompletionCode) {
		next := &asyncState{port: st.port, hub: st.hub, speed: st.speed, bsr: true, retryCtx: true}
		runPrimary2(ctrl, next, done)
	})
}

// runPrimary2 is the primary path re-entered from the retry path: it
// skips straight to EnableSlot with bsr/retryCtx already set, then on a
// successful BSR address performs the finalize AddressDevice(bsr=false)
// before continuing the shared tail.
func runPrimary2(ctrl Controller, st *asyncState, done Done) {
	ctrl.EnableSlot(func(slot uint8, cc pkg.CompletionCode) {
		if cc != pkg.CompletionSuccess {
			done(cc.Err())
			return
		}
		st.slot = slot
		ctrl.SetDeviceInformation(slot, st.port, st.hub, st.speed)
		eh := newErrorHandler(ctrl, slot)
		ctrl.AddressDevice(slot, st.port, st.hub, true, func(cc pkg.CompletionCode) {
			if cc != pkg.CompletionSuccess {
				eh.Fire()
				done(pkg.ErrIo)
				return
			}
			ctrl.GetDescriptor8(slot, func(mps0 uint8, cc pkg.CompletionCode) {
				if cc != pkg.CompletionSuccess {
					eh.Fire()
					done(pkg.ErrIo)
					return
				}
				finalizeAfterBSR := func() {
					ctrl.AddressDevice(slot, st.port, st.hub, false, func(cc pkg.CompletionCode) {
						if cc != pkg.CompletionSuccess {
							eh.Fire()
							done(pkg.ErrIo)
							return
						}
						afterAddress(ctrl, st, eh, done)
					})
				}
				if st.speed == devstate.SpeedFull && mps0 != 0 {
					ctrl.SetMaxPacketSize(slot, uint16(mps0), func(cc pkg.CompletionCode) {
						if cc != pkg.CompletionSuccess {
							eh.Fire()
							done(pkg.ErrIo)
							return
						}
						finalizeAfterBSR()
					})
					return
				}
				finalizeAfterBSR()
			})
		})
	})
}

// afterAddress is the tail shared by both the primary path's successful
// address and the retry path's finalize step: the USB 2.0 §9.2.6
// post-address settle delay for non-SuperSpeed links, GET_DESCRIPTOR(8)
// to learn bMaxPacketSize0, SetMaxPacketSize for Full speed, then
// cancel the error handler on success.
func afterAddress(ctrl Controller, st *asyncState, eh *errorHandler, done Done) {
	next := func() {
		ctrl.GetDescriptor8(st.slot, func(mps0 uint8, cc pkg.CompletionCode) {
			if cc != pkg.CompletionSuccess {
				eh.Fire()
				done(pkg.ErrIo)
				return
			}
			finish := func() {
				eh.Cancel()
				ctrl.DeviceOnline(st.slot, st.port, st.speed)
				done(nil)
			}
			if st.speed == devstate.SpeedFull && mps0 != 0 {
				ctrl.SetMaxPacketSize(st.slot, uint16(mps0), func(cc pkg.CompletionCode) {
					if cc != pkg.CompletionSuccess {
						eh.Fire()
						done(pkg.ErrIo)
						return
					}
					finish()
				})
				return
			}
			finish()
		})
	}
	if st.speed != devstate.SpeedSuper && st.speed != devstate.SpeedSuperPlus {
		ctrl.Sleep(10*time.Millisecond, next)
		return
	}
	next()
}
