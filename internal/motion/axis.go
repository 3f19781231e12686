// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package motion holds the non-blocking primitives the transfer arm is built
// from: stepper axes with a trapezoidal profile, debounced inputs, one-shot
// wait timers and timed output pulses. Nothing in this package sleeps; every
// type is advanced by the control loop once per tick.
package motion

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidLimits is returned by SetLimits for non-positive speed or acceleration.
var ErrInvalidLimits = errors.New("motion: speed and acceleration must be positive")

// Limits bounds the motion profile of an axis, in steps/s and steps/s².
type Limits struct {
	MaxSpeed     float64 `json:"maxSpeed" yaml:"max_speed"`
	Acceleration float64 `json:"acceleration" yaml:"acceleration"`
}

// Validate rejects physically unsafe limits.
func (l Limits) Validate() error {
	if !(l.MaxSpeed > 0) || !(l.Acceleration > 0) || math.IsInf(l.MaxSpeed, 0) || math.IsInf(l.Acceleration, 0) {
		return fmt.Errorf("%w (speed=%v accel=%v)", ErrInvalidLimits, l.MaxSpeed, l.Acceleration)
	}
	return nil
}

// Axis is one stepper-driven linear axis. Position and target are in steps.
//
// Step must be called exactly once per control tick whatever the pick cycle
// is doing; MoveTo only records intent.
type Axis struct {
	name   string
	limits Limits

	position int64
	target   int64

	// velocity is signed, steps/s.
	velocity float64
	// frac accumulates the sub-step remainder between ticks.
	frac float64

	jogging  bool
	jogSpeed float64

	homed bool
}

// NewAxis returns a stationary, un-homed axis at position zero.
func NewAxis(name string, limits Limits) (*Axis, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("axis %s: %w", name, err)
	}
	return &Axis{name: name, limits: limits}, nil
}

func (a *Axis) Name() string { return a.name }

// Position returns the current position in steps.
func (a *Axis) Position() int64 { return a.position }

// Target returns the commanded position in steps.
func (a *Axis) Target() int64 { return a.target }

// Velocity returns the signed instantaneous speed in steps/s.
func (a *Axis) Velocity() float64 { return a.velocity }

// Limits returns the limits the next Step will use.
func (a *Axis) Limits() Limits { return a.limits }

// DistanceToTarget is target minus position.
func (a *Axis) DistanceToTarget() int64 { return a.target - a.position }

// AtTarget reports whether the axis has no remaining distance.
func (a *Axis) AtTarget() bool { return a.DistanceToTarget() == 0 }

// Running reports whether the axis will move on the next Step.
func (a *Axis) Running() bool {
	return a.jogging || a.velocity != 0 || !a.AtTarget()
}

func (a *Axis) Homed() bool { return a.homed }

func (a *Axis) SetHomed(homed bool) { a.homed = homed }

// MoveTo sets a new target. Re-issuing the current target is a no-op so the
// profile is not restarted; changing the target keeps the current velocity.
func (a *Axis) MoveTo(target int64) {
	if a.jogging {
		a.jogging = false
		a.jogSpeed = 0
	}
	if target == a.target {
		return
	}
	a.target = target
}

// SetLimits replaces speed and acceleration. The change applies on the next
// Step and never alters the target; an axis cruising above a lowered
// MaxSpeed slows down to it at the new Acceleration.
func (a *Axis) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("axis %s: %w", a.name, err)
	}
	a.limits = l
	return nil
}

// Jog runs the axis at a constant signed speed, bypassing the profile, until
// Stop, MoveTo or SetCurrentPosition is called. Used while homing.
func (a *Axis) Jog(speed float64) {
	a.jogging = true
	a.jogSpeed = speed
	a.velocity = speed
	a.target = a.position
}

// Stop halts the axis where it is: the target collapses to the current
// position and velocity drops to zero.
func (a *Axis) Stop() {
	a.jogging = false
	a.jogSpeed = 0
	a.velocity = 0
	a.frac = 0
	a.target = a.position
}

// SetCurrentPosition redefines the current position without moving. Any
// motion in progress is cancelled.
func (a *Axis) SetCurrentPosition(pos int64) {
	a.Stop()
	a.position = pos
	a.target = pos
}

// Step advances the axis by the increment allowed for a tick of length dt
// and returns the signed number of whole steps taken.
func (a *Axis) Step(dt time.Duration) int64 {
	secs := dt.Seconds()
	if secs <= 0 {
		return 0
	}
	if a.jogging {
		return a.advance(a.jogSpeed*secs, false)
	}

	dist := a.target - a.position
	if dist == 0 {
		a.velocity = 0
		a.frac = 0
		return 0
	}

	dir := 1.0
	if dist < 0 {
		dir = -1.0
	}
	accelStep := a.limits.Acceleration * secs
	speed := math.Abs(a.velocity)

	switch {
	case a.velocity != 0 && math.Signbit(a.velocity) != math.Signbit(dir):
		// moving away from the target: brake through zero first
		speed -= accelStep
		if speed <= 0 {
			a.velocity = 0
			a.frac = 0
			return 0
		}
		a.velocity = math.Copysign(speed, a.velocity)
		return a.advance(a.velocity*secs, false)
	case speed*speed/(2*a.limits.Acceleration) >= math.Abs(float64(dist)):
		speed -= accelStep
	default:
		speed += accelStep
	}

	if speed > a.limits.MaxSpeed {
		// a lowered ceiling is approached at the normal deceleration
		speed = math.Max(math.Abs(a.velocity)-accelStep, a.limits.MaxSpeed)
	}
	if speed < accelStep {
		speed = accelStep
	}
	a.velocity = dir * speed
	return a.advance(a.velocity*secs, true)
}

// advance moves by delta steps (fractional part carried over). When clamp is
// set the move never passes the target.
func (a *Axis) advance(delta float64, clamp bool) int64 {
	a.frac += delta
	steps := int64(a.frac)
	a.frac -= float64(steps)

	if clamp {
		dist := a.target - a.position
		if (dist > 0 && steps > dist) || (dist < 0 && steps < dist) {
			steps = dist
		}
	}
	a.position += steps

	if a.jogging {
		a.target = a.position
	} else if a.position == a.target {
		a.velocity = 0
		a.frac = 0
	}
	return steps
}
