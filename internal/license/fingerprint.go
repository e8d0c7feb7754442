package license

import "errors"

// Matches reports field-wise equality. Unreadable values are stored as
// empty strings, so an empty field only matches another empty field.
func (m Machine) Matches(other Machine) bool {
	return m.MacAddress == other.MacAddress &&
		m.CPUSerial == other.CPUSerial &&
		m.MainBoardSerial == other.MainBoardSerial
}

// MatchMachine checks current against the bound machines under mode.
// Standalone licenses only consider the first entry; any further entries
// are accepted at issue time but ignored here.
func MatchMachine(bound []Machine, mode Mode, current Machine) error {
	if len(bound) == 0 {
		return newError(KindHardwareMismatch, "match", errors.New("license binds no machines"))
	}

	switch mode {
	case ModeStandalone:
		if bound[0].Matches(current) {
			return nil
		}
	case ModeCluster:
		for _, m := range bound {
			if m.Matches(current) {
				return nil
			}
		}
	default:
		return newError(KindEncoding, "match", errors.New("unknown license mode"))
	}
	return newError(KindHardwareMismatch, "match", nil)
}
