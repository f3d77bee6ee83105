package pkg

import "errors"

// Core error taxonomy returned by the xHCI driver core.
//
// Most driver-visible failures reduce to one of these nine sentinels;
// [CompletionCode] carries the precise xHCI completion code alongside for
// diagnostics and logging.
var (
	// ErrIoNotPresent indicates the target device or port is gone.
	ErrIoNotPresent = errors.New("xhci: device not present")

	// ErrIoRefused indicates the controller rejected the request (stall).
	ErrIoRefused = errors.New("xhci: request refused")

	// ErrIoInvalid indicates malformed data was returned by the device.
	ErrIoInvalid = errors.New("xhci: invalid data")

	// ErrIo indicates a generic transfer-level I/O failure.
	ErrIo = errors.New("xhci: I/O error")

	// ErrInvalidArgs indicates a caller supplied an invalid argument.
	ErrInvalidArgs = errors.New("xhci: invalid argument")

	// ErrNoMemory indicates a ring, context, or DMA allocation failed.
	ErrNoMemory = errors.New("xhci: insufficient memory")

	// ErrBadState indicates the controller observed a condition it cannot
	// recover from and must be torn down.
	ErrBadState = errors.New("xhci: invalid controller state")

	// ErrCanceled indicates the operation was canceled before completion.
	ErrCanceled = errors.New("xhci: canceled")

	// ErrNotSupported indicates the request is outside this core's scope.
	ErrNotSupported = errors.New("xhci: not supported")
)

// CompletionCode mirrors the xHCI Completion Code field (xHCI 1.2 Table
// 6-90) as it appears in Event TRBs and command completions.
type CompletionCode uint8

// Completion codes used by this core. Values not listed here still render
// through the default branch of String/Err.
const (
	CompletionInvalid               CompletionCode = 0
	CompletionSuccess               CompletionCode = 1
	CompletionDataBufferError       CompletionCode = 2
	CompletionBabbleDetectedError   CompletionCode = 3
	CompletionUSBTransactionError   CompletionCode = 4
	CompletionTRBError              CompletionCode = 5
	CompletionStallError            CompletionCode = 6
	CompletionResourceError         CompletionCode = 7
	CompletionBandwidthError        CompletionCode = 8
	CompletionNoSlotsAvailableError CompletionCode = 9
	CompletionSlotNotEnabledError   CompletionCode = 11
	CompletionMissedServiceError    CompletionCode = 12
	CompletionShortPacket           CompletionCode = 13
	CompletionRingUnderrun          CompletionCode = 14
	CompletionRingOverrun           CompletionCode = 15
	CompletionParameterError        CompletionCode = 17
	CompletionContextStateError     CompletionCode = 19
	CompletionCommandRingStopped    CompletionCode = 24
	CompletionCommandAborted        CompletionCode = 25
	CompletionStopped               CompletionCode = 26
	CompletionStoppedLengthInvalid  CompletionCode = 27
	CompletionIsochBufferOverrun    CompletionCode = 31
)

// String renders a completion code for log lines.
func (c CompletionCode) String() string {
	switch c {
	case CompletionInvalid:
		return "invalid"
	case CompletionSuccess:
		return "success"
	case CompletionDataBufferError:
		return "data-buffer-error"
	case CompletionBabbleDetectedError:
		return "babble-detected"
	case CompletionUSBTransactionError:
		return "usb-transaction-error"
	case CompletionTRBError:
		return "trb-error"
	case CompletionStallError:
		return "stall-error"
	case CompletionResourceError:
		return "resource-error"
	case CompletionBandwidthError:
		return "bandwidth-error"
	case CompletionNoSlotsAvailableError:
		return "no-slots-available"
	case CompletionSlotNotEnabledError:
		return "slot-not-enabled"
	case CompletionMissedServiceError:
		return "missed-service-error"
	case CompletionShortPacket:
		return "short-packet"
	case CompletionRingUnderrun:
		return "ring-underrun"
	case CompletionRingOverrun:
		return "ring-overrun"
	case CompletionParameterError:
		return "parameter-error"
	case CompletionContextStateError:
		return "context-state-error"
	case CompletionCommandRingStopped:
		return "command-ring-stopped"
	case CompletionCommandAborted:
		return "command-aborted"
	case CompletionStopped:
		return "stopped"
	case CompletionStoppedLengthInvalid:
		return "stopped-length-invalid"
	case CompletionIsochBufferOverrun:
		return "isoch-buffer-overrun"
	default:
		return "unknown"
	}
}

// Err maps a completion code to the sentinel error taxonomy. Success and
// the ring-accounting codes (short packet, underrun, overrun) are not
// failures and return nil; callers that must distinguish a short packet
// from full success should compare the code directly.
func (c CompletionCode) Err() error {
	switch c {
	case CompletionSuccess, CompletionShortPacket, CompletionRingUnderrun, CompletionRingOverrun:
		return nil
	case CompletionStallError:
		return ErrIoRefused
	case CompletionUSBTransactionError, CompletionBabbleDetectedError, CompletionDataBufferError:
		return ErrIo
	case CompletionTRBError, CompletionParameterError:
		return ErrInvalidArgs
	case CompletionResourceError, CompletionBandwidthError, CompletionNoSlotsAvailableError:
		return ErrNoMemory
	case CompletionContextStateError:
		return ErrBadState
	case CompletionCommandAborted, CompletionStopped, CompletionStoppedLengthInvalid, CompletionCommandRingStopped:
		return ErrCanceled
	case CompletionMissedServiceError, CompletionIsochBufferOverrun:
		return ErrIo
	default:
		return ErrIo
	}
}

// TransferErr maps a completion code observed on a Transfer Event to the
// sentinel error taxonomy. Unlike Err, any completion code this core does
// not recognize as success, a short packet, or a stall reduces to
// ErrIoInvalid: a transfer-level protocol failure the upper layer may
// choose to retry, distinct from the resource/argument failures Err
// reports for command completions.
func (c CompletionCode) TransferErr() error {
	switch c {
	case CompletionSuccess, CompletionShortPacket, CompletionRingUnderrun, CompletionRingOverrun:
		return nil
	case CompletionStallError:
		return ErrIoRefused
	default:
		return ErrIoInvalid
	}
}
