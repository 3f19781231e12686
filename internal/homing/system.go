// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package homing

import (
	"fmt"
	"time"
)

// Stage is the progress of a full-system homing run.
type Stage int

const (
	StageIdle Stage = iota
	StageHomeZ
	StageRaiseZ
	StageHomeX
	StageMoveXRest
	StagePreStage
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "Idle"
	case StageHomeZ:
		return "HomeZ"
	case StageRaiseZ:
		return "RaiseZ"
	case StageHomeX:
		return "HomeX"
	case StageMoveXRest:
		return "MoveXRest"
	case StagePreStage:
		return "PreStage"
	case StageDone:
		return "Done"
	case StageFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Plan holds the positions a full homing run finishes at, in steps.
type Plan struct {
	ZUp   int64
	XRest int64

	// PreStage lowers Z to ZPickup and turns the gripper to PickupAngle
	// once X is at rest, so the first cycle starts at the object.
	PreStage    bool
	ZPickup     int64
	PickupAngle int
}

// ServoPositioner sets the gripper angle during pre-staging.
type ServoPositioner interface {
	SetServoAngle(deg int) error
}

// System homes Z, raises it clear, then homes X and parks it.
type System struct {
	x, z  *Sequencer
	servo ServoPositioner

	plan    Plan
	stage   Stage
	started time.Time
	err     error
}

// NewSystem combines the two axis sequencers.
func NewSystem(x, z *Sequencer, servo ServoPositioner) *System {
	return &System{x: x, z: z, servo: servo}
}

func (s *System) Stage() Stage { return s.stage }

// Err is the failure of the last run, if any.
func (s *System) Err() error { return s.err }

// Active reports whether a run is in progress.
func (s *System) Active() bool {
	return s.stage != StageIdle && s.stage != StageDone && s.stage != StageFailed
}

// Start begins a full run. X is marked un-homed straight away so the pick
// cycle cannot start before both axes have been re-referenced.
func (s *System) Start(plan Plan, zSwitch bool, now time.Time) {
	s.Abort()
	s.plan = plan
	s.started = now
	s.err = nil
	s.x.Axis().SetHomed(false)
	s.z.Start(zSwitch, now)
	s.stage = StageHomeZ
}

// Tick advances the run by at most one stage transition.
func (s *System) Tick(xSwitch, zSwitch bool, now time.Time) (Stage, error) {
	xAxis, zAxis := s.x.Axis(), s.z.Axis()

	switch s.stage {
	case StageHomeZ:
		switch s.z.Tick(zSwitch, now) {
		case PhaseDone:
			zAxis.MoveTo(s.plan.ZUp)
			s.stage = StageRaiseZ
		case PhaseFailed:
			s.fail(s.z.Result().Err)
		}

	case StageRaiseZ:
		if zAxis.AtTarget() {
			s.x.Start(xSwitch, now)
			s.stage = StageHomeX
		}

	case StageHomeX:
		switch s.x.Tick(xSwitch, now) {
		case PhaseDone:
			xAxis.MoveTo(s.plan.XRest)
			s.stage = StageMoveXRest
		case PhaseFailed:
			s.fail(s.x.Result().Err)
		}

	case StageMoveXRest:
		if !xAxis.AtTarget() {
			break
		}
		if !s.plan.PreStage {
			s.stage = StageDone
			break
		}
		if s.servo != nil {
			if err := s.servo.SetServoAngle(s.plan.PickupAngle); err != nil {
				s.fail(fmt.Errorf("pre-stage servo: %w", err))
				break
			}
		}
		zAxis.MoveTo(s.plan.ZPickup)
		s.stage = StagePreStage

	case StagePreStage:
		if zAxis.AtTarget() {
			s.stage = StageDone
		}
	}
	return s.stage, s.err
}

// Abort stops a run in progress. Axes whose sequencer had not finished stay
// un-homed; any parking move is cancelled where it stands.
func (s *System) Abort() {
	if !s.Active() {
		return
	}
	s.x.Abort()
	s.z.Abort()
	s.x.Axis().Stop()
	s.z.Axis().Stop()
	s.stage = StageIdle
}

// Elapsed is the time since the last Start.
func (s *System) Elapsed(now time.Time) time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return now.Sub(s.started)
}

func (s *System) fail(err error) {
	s.err = err
	s.stage = StageFailed
}
