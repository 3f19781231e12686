// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package cycle

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownState is returned when parsing a state name that does not exist.
var ErrUnknownState = errors.New("cycle: unknown state")

// State is the active step of the pick cycle. Values are ordered as the
// nominal sequence.
type State int

const (
	Idle State = iota
	MoveToPickup
	LowerForPickup
	WaitAtPickup
	RaiseWithObject
	RotateServoToTravel
	MoveToOvershoot
	WaitForServoRotation
	ReturnToDropoff
	LowerForDropoff
	ReleaseObject
	WaitAfterRelease
	RaiseAfterDropoff
	SignalDownstream
	ReturnToPickupPreHome
	HomeXAxis
	FinalMoveToPickup

	numStates
)

var stateNames = [numStates]string{
	Idle:                  "Idle",
	MoveToPickup:          "MoveToPickup",
	LowerForPickup:        "LowerForPickup",
	WaitAtPickup:          "WaitAtPickup",
	RaiseWithObject:       "RaiseWithObject",
	RotateServoToTravel:   "RotateServoToTravel",
	MoveToOvershoot:       "MoveToOvershoot",
	WaitForServoRotation:  "WaitForServoRotation",
	ReturnToDropoff:       "ReturnToDropoff",
	LowerForDropoff:       "LowerForDropoff",
	ReleaseObject:         "ReleaseObject",
	WaitAfterRelease:      "WaitAfterRelease",
	RaiseAfterDropoff:     "RaiseAfterDropoff",
	SignalDownstream:      "SignalDownstream",
	ReturnToPickupPreHome: "ReturnToPickupPreHome",
	HomeXAxis:             "HomeXAxis",
	FinalMoveToPickup:     "FinalMoveToPickup",
}

// States lists every state in nominal order.
func States() []State {
	out := make([]State, 0, numStates)
	for s := Idle; s < numStates; s++ {
		out = append(out, s)
	}
	return out
}

func (s State) Valid() bool { return s >= Idle && s < numStates }

func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState accepts the state name in any case, with or without
// underscores (MOVE_TO_PICKUP and MoveToPickup are the same state).
func ParseState(name string) (State, error) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", ""))
	for s := Idle; s < numStates; s++ {
		if strings.ToLower(stateNames[s]) == key {
			return s, nil
		}
	}
	return Idle, fmt.Errorf("%w: %q", ErrUnknownState, name)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
