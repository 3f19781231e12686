// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package cycle implements the pick-and-place state machine. The Machine is
// ticked once per control-loop iteration after the axes have been stepped and
// performs at most one state transition per tick.
package cycle

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relabs-tech/transfer_arm/internal/homing"
	"github.com/relabs-tech/transfer_arm/internal/motion"
)

// Outputs are the actuators the cycle drives. None of them can be read back,
// so the machine tracks what it last wrote.
type Outputs interface {
	SetServoAngle(deg int) error
	SetVacuum(on bool) error
	SetHandshake(on bool) error
	SetXDriveEnabled(on bool) error
}

// Inputs are the debounced signals sampled this tick.
type Inputs struct {
	// StartRequested is the start button OR the upstream machine signal.
	StartRequested bool
	// StartCommand is a one-shot start issued by an operator command. It
	// is not held back by the re-arm latch.
	StartCommand bool
	XHome        bool
}

// Transition describes one state change.
type Transition struct {
	From, To State
	At       time.Time
	// Forced is set for emergency stops and administrative overrides.
	Forced bool
}

// Machine is the pick-cycle controller. It is not safe for concurrent use;
// the control loop owns it.
type Machine struct {
	x, z  *motion.Axis
	xHome *homing.Sequencer
	out   Outputs
	log   *slog.Logger

	state     State
	enteredAt time.Time
	params    Params

	timer     motion.WaitTimer
	handshake *motion.Pulse

	servo   int
	vacuum  bool
	xDrive  bool
	homeErr error

	// per-cycle edge flags
	vacuumEngaged bool
	servoRotated  bool

	startBlocked bool
	// rearm holds a forced Idle until StartRequested has been seen low.
	rearm     bool
	completed uint64

	onTransition func(Transition)
}

// NewMachine wires the machine to its axes and outputs. xHome must be bound
// to the X axis.
func NewMachine(x, z *motion.Axis, xHome *homing.Sequencer, out Outputs, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		x:      x,
		z:      z,
		xHome:  xHome,
		out:    out,
		log:    logger.With("component", "cycle"),
		xDrive: true,
	}
	m.handshake = motion.NewPulse(out.SetHandshake)
	return m
}

// OnTransition registers fn to be called after every state change.
func (m *Machine) OnTransition(fn func(Transition)) { m.onTransition = fn }

func (m *Machine) State() State { return m.state }

// EnteredAt is when the current state became active.
func (m *Machine) EnteredAt() time.Time { return m.enteredAt }

// ServoAngle is the last angle written to the gripper servo.
func (m *Machine) ServoAngle() int { return m.servo }

func (m *Machine) Vacuum() bool { return m.vacuum }

func (m *Machine) XDriveEnabled() bool { return m.xDrive }

func (m *Machine) HandshakeHigh() bool { return m.handshake.High() }

// HomingErr is the error of the last failed in-cycle X homing, cleared when
// a later homing succeeds.
func (m *Machine) HomingErr() error { return m.homeErr }

// ClearHomingErr forgets a previous homing failure once the axes have been
// re-homed by other means.
func (m *Machine) ClearHomingErr() { m.homeErr = nil }

// CyclesCompleted counts returns to Idle through FinalMoveToPickup.
func (m *Machine) CyclesCompleted() uint64 { return m.completed }

// Homed reports whether both axes have a valid zero.
func (m *Machine) Homed() bool { return m.x.Homed() && m.z.Homed() }

// SetServo writes the gripper angle and tracks it.
func (m *Machine) SetServo(deg int) error {
	if err := m.out.SetServoAngle(deg); err != nil {
		return fmt.Errorf("set servo %d: %w", deg, err)
	}
	m.servo = deg
	return nil
}

// SetVacuum drives the vacuum relay and tracks it.
func (m *Machine) SetVacuum(on bool) error {
	if err := m.out.SetVacuum(on); err != nil {
		return fmt.Errorf("set vacuum %t: %w", on, err)
	}
	m.vacuum = on
	return nil
}

// SetXDrive enables or disables the X stepper driver.
func (m *Machine) SetXDrive(on bool) error {
	if err := m.out.SetXDriveEnabled(on); err != nil {
		return fmt.Errorf("set X drive %t: %w", on, err)
	}
	m.xDrive = on
	return nil
}

// EmergencyStop halts both axes where they are, drops the vacuum and the
// handshake line and returns to Idle. Safe to call in any state.
func (m *Machine) EmergencyStop(now time.Time) error {
	return m.ForceState(Idle, now)
}

// ForceState overrides the current state. Pending motion is cancelled and
// the vacuum released before the new state is entered; wait states get a
// freshly armed timer.
func (m *Machine) ForceState(s State, now time.Time) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownState, int(s))
	}

	m.xHome.Abort()
	m.x.Stop()
	m.z.Stop()
	m.timer.Disarm()
	m.vacuumEngaged = false
	m.servoRotated = false
	if m.params.ZLimits.MaxSpeed > 0 {
		// leave the slow dropoff profile behind
		_ = m.z.SetLimits(m.params.ZLimits)
	}

	errs := []error{m.SetVacuum(false), m.handshake.Cancel()}
	if s == Idle {
		m.rearm = true
	} else if !m.xDrive {
		errs = append(errs, m.SetXDrive(true))
	}

	switch s {
	case WaitAtPickup, WaitForServoRotation, ReleaseObject, WaitAfterRelease:
		m.timer.Arm(now)
	}
	m.transition(s, now, true)
	return errors.Join(errs...)
}

// Tick evaluates the current state once. Output errors are returned but do
// not hold the sequence back; the write is not retried.
func (m *Machine) Tick(now time.Time, in Inputs, p Params) error {
	m.params = p
	var errs []error
	keep := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	keep(m.handshake.Service(now))

	x, z := m.x, m.z
	switch m.state {
	case Idle:
		if !in.StartRequested {
			m.startBlocked = false
			m.rearm = false
		}
		if !in.StartCommand && (!in.StartRequested || m.rearm) {
			break
		}
		if !m.Homed() {
			if !m.startBlocked {
				m.log.Warn("start ignored, axes not homed", "x_homed", x.Homed(), "z_homed", z.Homed())
				m.startBlocked = true
			}
			break
		}
		m.vacuumEngaged = false
		m.servoRotated = false
		if !m.xDrive {
			keep(m.SetXDrive(true))
		}
		m.transition(MoveToPickup, now, false)

	case MoveToPickup:
		x.MoveTo(p.XPickup)
		if x.AtTarget() {
			keep(m.SetServo(p.ServoPickup))
			z.MoveTo(p.ZPickup)
			m.vacuumEngaged = false
			m.transition(LowerForPickup, now, false)
		}

	case LowerForPickup:
		if !m.vacuumEngaged && z.Position() >= p.ZSuctionStart {
			keep(m.SetVacuum(true))
			m.vacuumEngaged = true
		}
		if z.AtTarget() {
			m.timer.Arm(now)
			m.transition(WaitAtPickup, now, false)
		}

	case WaitAtPickup:
		if m.timer.Poll(p.PickupHold, now) {
			z.MoveTo(p.ZUp)
			m.transition(RaiseWithObject, now, false)
		}

	case RaiseWithObject:
		if z.AtTarget() {
			keep(m.SetServo(p.ServoTravel))
			m.transition(RotateServoToTravel, now, false)
		}

	case RotateServoToTravel:
		m.servoRotated = false
		x.MoveTo(p.XOvershoot)
		m.transition(MoveToOvershoot, now, false)

	case MoveToOvershoot:
		x.MoveTo(p.XOvershoot)
		if !m.servoRotated && x.Position() >= p.XServoRotate {
			keep(m.SetServo(p.ServoDropoff))
			m.servoRotated = true
		}
		if x.AtTarget() {
			if m.servo != p.ServoDropoff {
				keep(m.SetServo(p.ServoDropoff))
			}
			m.servoRotated = true
			m.timer.Arm(now)
			m.transition(WaitForServoRotation, now, false)
		}

	case WaitForServoRotation:
		if m.timer.Poll(p.ServoSettle, now) {
			x.MoveTo(p.XDropoff)
			m.transition(ReturnToDropoff, now, false)
		}

	case ReturnToDropoff:
		if x.AtTarget() {
			keep(z.SetLimits(p.ZDropoffLimits))
			z.MoveTo(p.ZDropoff)
			m.transition(LowerForDropoff, now, false)
		}

	case LowerForDropoff:
		if z.AtTarget() {
			keep(m.SetVacuum(false))
			m.timer.Arm(now)
			m.transition(ReleaseObject, now, false)
		}

	case ReleaseObject:
		m.transition(WaitAfterRelease, now, false)

	case WaitAfterRelease:
		if m.timer.Poll(p.ReleaseHold, now) {
			keep(z.SetLimits(p.ZLimits))
			z.MoveTo(p.ZUp)
			m.transition(RaiseAfterDropoff, now, false)
		}

	case RaiseAfterDropoff:
		if z.AtTarget() {
			m.transition(SignalDownstream, now, false)
		}

	case SignalDownstream:
		keep(m.handshake.Fire(p.HandshakePulse, now))
		m.transition(ReturnToPickupPreHome, now, false)

	case ReturnToPickupPreHome:
		x.MoveTo(p.XPickup)
		if x.AtTarget() {
			keep(m.SetServo(p.ServoPickup))
			m.transition(HomeXAxis, now, false)
		}

	case HomeXAxis:
		if m.xHome.Phase() == homing.PhaseIdle {
			m.xHome.Start(in.XHome, now)
			break
		}
		switch m.xHome.Tick(in.XHome, now) {
		case homing.PhaseDone:
			m.homeErr = nil
			res := m.xHome.Result()
			m.log.Debug("X re-homed", "back_off_steps", res.BackOffSteps, "already_triggered", res.AlreadyTriggered, "duration", res.Duration)
			x.MoveTo(p.XRest)
			m.transition(FinalMoveToPickup, now, false)
		case homing.PhaseFailed:
			m.homeErr = m.xHome.Result().Err
			m.log.Error("X re-homing failed", "error", m.homeErr)
			errs = append(errs, m.homeErr)
			keep(m.ForceState(Idle, now))
		}

	case FinalMoveToPickup:
		x.MoveTo(p.XRest)
		if !x.AtTarget() {
			break
		}
		if p.PreStage {
			if m.servo != p.ServoPickup {
				keep(m.SetServo(p.ServoPickup))
			}
			z.MoveTo(p.ZPickup)
			if !z.AtTarget() {
				break
			}
		}
		if p.XPowerSave && m.xDrive {
			keep(m.SetXDrive(false))
		}
		m.completed++
		m.transition(Idle, now, false)
	}

	return errors.Join(errs...)
}

func (m *Machine) transition(to State, now time.Time, forced bool) {
	from := m.state
	m.state = to
	m.enteredAt = now
	if to == HomeXAxis {
		m.xHome.Reset()
	}
	if from != to || forced {
		m.log.Debug("state change", "from", from, "to", to, "forced", forced)
	}
	if m.onTransition != nil {
		m.onTransition(Transition{From: from, To: to, At: now, Forced: forced})
	}
}
