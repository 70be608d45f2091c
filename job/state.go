package job

import (
	"fmt"
	"strings"
)

// State is the canonical, scheduler independent state of a remote job.
type State int

const (
	// Scheduler output could not be classified.
	UNKNOWN State = iota

	// Accepted by the scheduler; a Handle exists.
	SUBMITTED

	// Waiting in the scheduler queue.
	QUEUED

	RUNNING

	// Terminal states
	COMPLETE
	FAILED
	CANCELED
)

func (s State) IsDone() bool {
	return s == COMPLETE || s == FAILED || s == CANCELED
}

func (s State) String() string {
	switch s {
	case UNKNOWN:
		return "UNKNOWN"
	case SUBMITTED:
		return "SUBMITTED"
	case QUEUED:
		return "QUEUED"
	case RUNNING:
		return "RUNNING"
	case COMPLETE:
		return "COMPLETE"
	case FAILED:
		return "FAILED"
	case CANCELED:
		return "CANCELED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState is the inverse of String. Case is ignored.
func ParseState(s string) (State, error) {
	for st := UNKNOWN; st <= CANCELED; st++ {
		if strings.EqualFold(st.String(), strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return UNKNOWN, fmt.Errorf("unknown job state %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// progress orders the non-terminal states. Terminal states share the top rank.
func (s State) progress() int {
	switch s {
	case SUBMITTED:
		return 1
	case QUEUED:
		return 2
	case RUNNING:
		return 3
	case COMPLETE, FAILED, CANCELED:
		return 4
	}
	return 0
}

// IsRegression is true when moving from prev to next would go backwards,
// e.g. a job observed RUNNING later reported as QUEUED. UNKNOWN is never a regression;
// nothing follows a terminal state.
func IsRegression(prev, next State) bool {
	if next == UNKNOWN {
		return false
	}
	if prev.IsDone() {
		return true
	}
	return next.progress() < prev.progress()
}
