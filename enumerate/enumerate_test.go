package enumerate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usbxhci/core/devstate"
	"github.com/usbxhci/core/pkg"
)

// fakeController is a synchronous stand-in for a real Controller: every
// callback fires immediately (inline) rather than after a real command
// round trip, which is fine because EnumerateDevice never assumes
// asynchrony beyond "the callback eventually runs".
type fakeController struct {
	nextSlot      uint8
	addressCC     []pkg.CompletionCode // consumed in order, one per AddressDevice call
	disabledSlots []uint8
	online        []uint8
	deviceInfoSet []uint8
	mpsSet        []uint16
	connected     bool
	mps0          uint8
}

func (f *fakeController) EnableSlot(cb func(slot uint8, cc pkg.CompletionCode)) {
	f.nextSlot++
	cb(f.nextSlot, pkg.CompletionSuccess)
}

func (f *fakeController) DisableSlot(slot uint8, cb func(cc pkg.CompletionCode)) {
	f.disabledSlots = append(f.disabledSlots, slot)
	cb(pkg.CompletionSuccess)
}

func (f *fakeController) SetDeviceInformation(slot uint8, port int, hub devstate.HubInfo, speed devstate.Speed) {
	f.deviceInfoSet = append(f.deviceInfoSet, slot)
}

func (f *fakeController) AddressDevice(slot uint8, port int, hub devstate.HubInfo, bsr bool, cb func(cc pkg.CompletionCode)) {
	cc := pkg.CompletionSuccess
	if len(f.addressCC) > 0 {
		cc = f.addressCC[0]
		f.addressCC = f.addressCC[1:]
	}
	cb(cc)
}

func (f *fakeController) SetMaxPacketSize(slot uint8, mps uint16, cb func(cc pkg.CompletionCode)) {
	f.mpsSet = append(f.mpsSet, mps)
	cb(pkg.CompletionSuccess)
}

func (f *fakeController) GetDescriptor8(slot uint8, cb func(mps0 uint8, cc pkg.CompletionCode)) {
	cb(f.mps0, pkg.CompletionSuccess)
}

func (f *fakeController) Sleep(d time.Duration, cb func()) { cb() }

func (f *fakeController) IsConnected(port int) bool { return f.connected }

func (f *fakeController) DeviceOnline(slot uint8, port int, speed devstate.Speed) {
	f.online = append(f.online, slot)
}

func TestEnumerateDevice_PrimaryPathSuccess(t *testing.T) {
	ctrl := &fakeController{mps0: 64}

	var gotErr error
	done := make(chan struct{})
	EnumerateDevice(ctrl, 1, devstate.HubInfo{}, devstate.SpeedHigh, func(err error) {
		gotErr = err
		close(done)
	})
	<-done

	require.NoError(t, gotErr)
	require.Equal(t, []uint8{1}, ctrl.online)
	require.Equal(t, []uint8{1}, ctrl.deviceInfoSet)
	require.Empty(t, ctrl.disabledSlots)
}

func TestEnumerateDevice_FullSpeedSetsMaxPacketSize(t *testing.T) {
	ctrl := &fakeController{mps0: 8}

	var gotErr error
	EnumerateDevice(ctrl, 1, devstate.HubInfo{}, devstate.SpeedFull, func(err error) {
		gotErr = err
	})

	require.NoError(t, gotErr)
	require.Equal(t, []uint16{8}, ctrl.mpsSet)
}

func TestEnumerateDevice_RetryPathOnTransactionError(t *testing.T) {
	ctrl := &fakeController{
		mps0:      64,
		connected: true,
		addressCC: []pkg.CompletionCode{pkg.CompletionUSBTransactionError},
	}

	var gotErr error
	done := make(chan struct{})
	EnumerateDevice(ctrl, 2, devstate.HubInfo{}, devstate.SpeedHigh, func(err error) {
		gotErr = err
		close(done)
	})
	<-done

	require.NoError(t, gotErr)
	require.Len(t, ctrl.disabledSlots, 1, "the slot that failed to address must be disabled before retry")
	require.Len(t, ctrl.online, 1, "DeviceOnline fires exactly once, for the retry's successful slot")
	require.Len(t, ctrl.deviceInfoSet, 2, "SetDeviceInformation runs once per EnableSlot, including the retry's new slot")
}

func TestEnumerateDevice_AddressFailureDisablesSlot(t *testing.T) {
	ctrl := &fakeController{
		connected: false,
		addressCC: []pkg.CompletionCode{pkg.CompletionStallError},
	}

	var gotErr error
	EnumerateDevice(ctrl, 3, devstate.HubInfo{}, devstate.SpeedHigh, func(err error) {
		gotErr = err
	})

	require.ErrorIs(t, gotErr, pkg.ErrIo)
	require.Equal(t, []uint8{1}, ctrl.disabledSlots)
}

func TestEnumerateDevice_EnableSlotFailureSkipsDisable(t *testing.T) {
	ctrl := &fakeController{nextSlot: 0}
	// Force EnableSlot to fail by overriding via a thin wrapper.
	wrapped := &failingEnableController{fakeController: ctrl}

	var gotErr error
	EnumerateDevice(wrapped, 4, devstate.HubInfo{}, devstate.SpeedHigh, func(err error) {
		gotErr = err
	})

	require.Error(t, gotErr)
	require.Empty(t, ctrl.disabledSlots)
}

type failingEnableController struct {
	*fakeController
}

func (f *failingEnableController) EnableSlot(cb func(slot uint8, cc pkg.CompletionCode)) {
	cb(0, pkg.CompletionNoSlotsAvailableError)
}
