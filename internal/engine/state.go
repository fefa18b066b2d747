package engine

import "fmt"

// SegmentState is the state of one (combatant, segment) cell.
type SegmentState uint8

const (
	None SegmentState = iota
	Future
	Now
	Past
	Abort
)

var stateNames = [...]string{
	None:   "none",
	Future: "future",
	Now:    "now",
	Past:   "past",
	Abort:  "abort",
}

func (s SegmentState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("SegmentState(%d)", uint8(s))
}

// ParseSegmentState is the inverse of String.
func ParseSegmentState(v string) (SegmentState, error) {
	for i, name := range stateNames {
		if name == v {
			return SegmentState(i), nil
		}
	}
	return None, fmt.Errorf("unknown segment state %q", v)
}

// pending reports whether the cell is still due this turn.
func (s SegmentState) pending() bool {
	return s == Future || s == Abort
}
