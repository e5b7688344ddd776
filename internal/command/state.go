package command

import (
	"errors"
	"fmt"
)

// State is one device's position in the command lifecycle.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for c := StateUnregistered; c <= StateDeleted; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("command: unknown state %q", text)
}

// Outcome tags how far a command's effect has been confirmed.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeAppliedLocally
	OutcomeConfirmedRemotely
	// OutcomeDiverged means the service never reflected an optimistic local change.
	OutcomeDiverged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAppliedLocally:
		return "applied_locally"
	case OutcomeConfirmedRemotely:
		return "confirmed_remotely"
	case OutcomeDiverged:
		return "diverged"
	default:
		return "none"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	for c := OutcomeNone; c <= OutcomeDiverged; c++ {
		if c.String() == string(text) {
			*o = c
			return nil
		}
	}
	return fmt.Errorf("command: unknown outcome %q", text)
}

var (
	ErrInvalidState  = errors.New("command: invalid state")
	ErrBusy          = errors.New("command: device busy")
	ErrUnknownDevice = errors.New("command: unknown device")
)

// StateError rejects a command whose device is not in a state that allows it.
type StateError struct {
	Op       string
	DeviceID string
	State    State
	Busy     bool
}

func (e *StateError) Error() string {
	if e.Busy {
		return fmt.Sprintf("command: %s %q: another command is in flight", e.Op, e.DeviceID)
	}
	return fmt.Sprintf("command: %s %q: device is %s", e.Op, e.DeviceID, e.State)
}

func (e *StateError) Is(target error) bool {
	if target == ErrInvalidState {
		return true
	}
	return e.Busy && target == ErrBusy
}
