// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package hw is the boundary to the physical machine: digital inputs, step
// and direction lines, the gripper servo, the vacuum relay, the X driver
// enable and the handshake line to the downstream machine.
package hw

import (
	"fmt"

	"github.com/relabs-tech/transfer_arm/internal/cycle"
)

// AxisID selects a stepper channel.
type AxisID int

const (
	AxisX AxisID = iota
	AxisZ
)

func (a AxisID) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisZ:
		return "z"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// Inputs are raw (not debounced) input levels, true meaning active.
type Inputs struct {
	StartButton    bool
	UpstreamSignal bool
	XHome          bool
	ZHome          bool
}

// Board is the full I/O surface the controller drives.
type Board interface {
	cycle.Outputs

	// ReadInputs samples every input once.
	ReadInputs() (Inputs, error)
	// Step emits |steps| pulses on the axis, direction from the sign.
	Step(axis AxisID, steps int64) error
	Close() error
}

// ServoPulse maps an angle in degrees to the pulse width in microseconds
// for a standard 0..180° hobby servo (500..2500 µs).
func ServoPulse(deg int) int {
	if deg < 0 {
		deg = 0
	}
	if deg > 180 {
		deg = 180
	}
	return 500 + deg*2000/180
}
