// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package homing establishes the absolute zero of an axis against its home
// switch. The sequencers are polled once per control tick after the axes have
// been stepped; none of them loop or sleep.
package homing

import (
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/transfer_arm/internal/motion"
)

// ErrSeekTimeout is reported when the home switch is not reached within the
// configured seek timeout. The axis is left un-homed.
var ErrSeekTimeout = errors.New("homing: switch not reached before timeout")

// Phase is the progress of a single-axis homing run.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAlreadyTriggered
	PhaseSeekSwitch
	PhaseBackOff
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseAlreadyTriggered:
		return "AlreadyTriggered"
	case PhaseSeekSwitch:
		return "SeekSwitch"
	case PhaseBackOff:
		return "BackOff"
	case PhaseDone:
		return "Done"
	case PhaseFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Params configures one axis' homing run.
type Params struct {
	// Speed is the constant jog speed in steps/s, always positive.
	Speed float64
	// Timeout bounds the seek phase. Zero disables the bound.
	Timeout time.Duration
	// BackOffLimit caps the steps taken while backing off the switch.
	BackOffLimit int64
}

// Validate rejects parameters that would never complete.
func (p Params) Validate() error {
	if !(p.Speed > 0) {
		return fmt.Errorf("homing speed must be positive, got %v", p.Speed)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("homing timeout must not be negative, got %v", p.Timeout)
	}
	if p.BackOffLimit <= 0 {
		return fmt.Errorf("homing back-off limit must be positive, got %d", p.BackOffLimit)
	}
	return nil
}

// Result summarises a finished run.
type Result struct {
	AlreadyTriggered bool
	BackOffSteps     int64
	Duration         time.Duration
	Err              error
}

// Sequencer homes one axis. The switch is at the negative end of travel:
// seeking jogs toward negative positions, backing off toward positive.
type Sequencer struct {
	axis   *motion.Axis
	params Params

	phase   Phase
	started time.Time
	normal  motion.Limits
	result  Result
}

// NewSequencer binds a sequencer to axis.
func NewSequencer(axis *motion.Axis, p Params) (*Sequencer, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("axis %s: %w", axis.Name(), err)
	}
	return &Sequencer{axis: axis, params: p}, nil
}

func (s *Sequencer) Axis() *motion.Axis { return s.axis }

func (s *Sequencer) Phase() Phase { return s.phase }

// Result is meaningful once Phase is Done or Failed.
func (s *Sequencer) Result() Result { return s.result }

// Active reports whether a run is in progress.
func (s *Sequencer) Active() bool {
	switch s.phase {
	case PhaseAlreadyTriggered, PhaseSeekSwitch, PhaseBackOff:
		return true
	}
	return false
}

// SetParams replaces the homing parameters; a run in progress keeps its
// current jog speed until its next phase change.
func (s *Sequencer) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("axis %s: %w", s.axis.Name(), err)
	}
	s.params = p
	return nil
}

// Start begins a run. switchActive is the debounced home switch this tick.
func (s *Sequencer) Start(switchActive bool, now time.Time) {
	s.abortMotion()

	s.normal = s.axis.Limits()
	s.started = now
	s.result = Result{}
	s.axis.SetHomed(false)
	// cap any profiled move issued while homing at the homing speed
	_ = s.axis.SetLimits(motion.Limits{MaxSpeed: s.params.Speed, Acceleration: s.normal.Acceleration})

	if switchActive {
		s.result.AlreadyTriggered = true
		s.phase = PhaseAlreadyTriggered
		return
	}
	s.phase = PhaseSeekSwitch
	s.axis.Jog(-s.params.Speed)
}

// Tick advances the run by at most one phase and returns the new phase.
func (s *Sequencer) Tick(switchActive bool, now time.Time) Phase {
	switch s.phase {
	case PhaseAlreadyTriggered:
		s.onSwitch()

	case PhaseSeekSwitch:
		if switchActive {
			s.onSwitch()
			break
		}
		if s.params.Timeout > 0 && now.Sub(s.started) >= s.params.Timeout {
			s.abortMotion()
			s.result.Err = fmt.Errorf("axis %s after %v: %w", s.axis.Name(), s.params.Timeout, ErrSeekTimeout)
			s.result.Duration = now.Sub(s.started)
			s.phase = PhaseFailed
		}

	case PhaseBackOff:
		steps := s.axis.Position()
		if steps < 0 {
			steps = -steps
		}
		// a stuck switch ends the back-off at the limit, still homed
		if !switchActive || steps >= s.params.BackOffLimit {
			s.axis.Stop()
			s.result.BackOffSteps = steps
			s.result.Duration = now.Sub(s.started)
			s.axis.SetHomed(true)
			s.phase = PhaseDone
		}
	}
	return s.phase
}

// UpdateLimits changes the axis' normal limits. While a run is in progress
// they are held back until the switch is found.
func (s *Sequencer) UpdateLimits(l motion.Limits) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("axis %s: %w", s.axis.Name(), err)
	}
	if s.phase == PhaseAlreadyTriggered || s.phase == PhaseSeekSwitch {
		s.normal = l
		return nil
	}
	return s.axis.SetLimits(l)
}

// Abort stops a run in progress and leaves the axis un-homed.
func (s *Sequencer) Abort() {
	if !s.Active() {
		return
	}
	s.abortMotion()
	s.phase = PhaseIdle
}

// Reset forgets a finished run so the sequencer can be started again.
func (s *Sequencer) Reset() {
	s.Abort()
	s.phase = PhaseIdle
	s.result = Result{}
}

func (s *Sequencer) onSwitch() {
	s.axis.Stop()
	s.axis.SetCurrentPosition(0)
	s.restoreLimits()
	s.axis.Jog(s.params.Speed)
	s.phase = PhaseBackOff
}

func (s *Sequencer) abortMotion() {
	if s.Active() {
		s.axis.Stop()
		s.restoreLimits()
	}
}

func (s *Sequencer) restoreLimits() {
	if s.normal.MaxSpeed > 0 {
		// limits were valid when captured
		_ = s.axis.SetLimits(s.normal)
	}
}
