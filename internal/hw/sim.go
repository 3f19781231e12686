// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package hw

import (
	"fmt"
	"sync"
)

// Sim is an in-memory board. Each axis has a physical position in steps and
// its home switch closes at or below zero, so homing and the pick cycle run
// unchanged against it.
type Sim struct {
	mu sync.Mutex

	phys [2]int64
	in   Inputs

	servo     int
	vacuum    bool
	handshake bool
	xDrive    bool

	servoWrites     int
	handshakePulses int
	stuckSwitch     [2]bool
	brokenSwitch    [2]bool
	closed          bool
}

// NewSim places the carriage at xPhys, zPhys steps from the switches.
func NewSim(xPhys, zPhys int64) *Sim {
	return &Sim{phys: [2]int64{xPhys, zPhys}, xDrive: true}
}

func (s *Sim) ReadInputs() (Inputs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.in
	in.XHome = s.switchLocked(AxisX)
	in.ZHome = s.switchLocked(AxisZ)
	return in, nil
}

func (s *Sim) switchLocked(a AxisID) bool {
	if s.brokenSwitch[a] {
		return false
	}
	return s.stuckSwitch[a] || s.phys[a] <= 0
}

func (s *Sim) Step(axis AxisID, steps int64) error {
	if axis != AxisX && axis != AxisZ {
		return fmt.Errorf("step: unknown %s", axis)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// a disabled driver does not move the carriage
	if axis == AxisX && !s.xDrive {
		return nil
	}
	s.phys[axis] += steps
	return nil
}

func (s *Sim) SetServoAngle(deg int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servo = deg
	s.servoWrites++
	return nil
}

func (s *Sim) SetVacuum(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vacuum = on
	return nil
}

func (s *Sim) SetHandshake(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on && !s.handshake {
		s.handshakePulses++
	}
	s.handshake = on
	return nil
}

func (s *Sim) SetXDriveEnabled(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xDrive = on
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vacuum = false
	s.handshake = false
	s.closed = true
	return nil
}

// SetStartButton holds the start button.
func (s *Sim) SetStartButton(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.in.StartButton = on
}

// SetUpstreamSignal drives the upstream machine's ready line.
func (s *Sim) SetUpstreamSignal(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.in.UpstreamSignal = on
}

// BreakSwitch makes the axis' home switch never close.
func (s *Sim) BreakSwitch(a AxisID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brokenSwitch[a] = true
}

// StickSwitch makes the axis' home switch read closed everywhere.
func (s *Sim) StickSwitch(a AxisID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuckSwitch[a] = true
}

// SimState is a copy of the simulated machine.
type SimState struct {
	XPhys, ZPhys    int64
	Servo           int
	ServoWrites     int
	Vacuum          bool
	Handshake       bool
	HandshakePulses int
	XDrive          bool
	Closed          bool
}

func (s *Sim) State() SimState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SimState{
		XPhys:           s.phys[AxisX],
		ZPhys:           s.phys[AxisZ],
		Servo:           s.servo,
		ServoWrites:     s.servoWrites,
		Vacuum:          s.vacuum,
		Handshake:       s.handshake,
		HandshakePulses: s.handshakePulses,
		XDrive:          s.xDrive,
		Closed:          s.closed,
	}
}
