package job

import (
	"math"
	"strings"
)

// StateMask describes a set of States as a bitmask.
type StateMask uint64

// Useful StateMask constants
const (
	UNKNOWN_MASK   StateMask = 1 << uint(UNKNOWN)
	SUBMITTED_MASK StateMask = 1 << uint(SUBMITTED)
	QUEUED_MASK    StateMask = 1 << uint(QUEUED)
	RUNNING_MASK   StateMask = 1 << uint(RUNNING)
	COMPLETE_MASK  StateMask = 1 << uint(COMPLETE)
	FAILED_MASK    StateMask = 1 << uint(FAILED)
	CANCELED_MASK  StateMask = 1 << uint(CANCELED)

	ACTIVE_MASK = SUBMITTED_MASK | QUEUED_MASK | RUNNING_MASK
	DONE_MASK   = COMPLETE_MASK | FAILED_MASK | CANCELED_MASK

	ALL_MASK StateMask = math.MaxUint64
)

// MaskForState creates a StateMask that matches exactly states.
func MaskForState(states ...State) StateMask {
	var mask StateMask
	for _, s := range states {
		mask = mask | (1 << uint(s))
	}
	return mask
}

// Matches is true if s is in sm.
func (sm StateMask) Matches(s State) bool {
	return sm&(1<<uint(s)) != 0
}

func (sm StateMask) String() string {
	switch sm {
	case ALL_MASK:
		return "ALL_MASK"
	case DONE_MASK:
		return "DONE_MASK"
	case ACTIVE_MASK:
		return "ACTIVE_MASK"
	}
	var names []string
	for st := UNKNOWN; st <= CANCELED; st++ {
		if sm.Matches(st) {
			names = append(names, st.String())
		}
	}
	return strings.Join(names, "|")
}
