package devstate

// Speed is the xHCI Protocol Speed ID assigned to a port/slot, as
// reported in PORTSC and stamped into the Slot Context's Speed field.
// The low four values match the legacy (non-PSIV) speed encoding; a
// real xHC may report higher PSI values for SuperSpeedPlus lanes, which
// this core treats the same as SpeedSuper for scheduling purposes.
type Speed uint8

const (
	SpeedUndefined Speed = 0
	SpeedFull      Speed = 1
	SpeedLow       Speed = 2
	SpeedHigh      Speed = 3
	SpeedSuper     Speed = 4
	SpeedSuperPlus Speed = 5
)

func (s Speed) String() string {
	switch s {
	case SpeedFull:
		return "full"
	case SpeedLow:
		return "low"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	case SpeedSuperPlus:
		return "super-plus"
	default:
		return "undefined"
	}
}
