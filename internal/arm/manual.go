// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package arm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/transfer_arm/internal/cycle"
	"github.com/relabs-tech/transfer_arm/internal/hw"
	"github.com/relabs-tech/transfer_arm/internal/metrics"
	"github.com/relabs-tech/transfer_arm/internal/settings"
)

// Manual and administrative commands. Everything except EmergencyStop and
// ApplySettings is rejected with ErrBusy unless the arm is idle, not homing
// and not moving.

// StartCycle requests one pick cycle. Unlike the start button it is
// honoured right after an emergency stop even while the upstream signal is
// still held.
func (c *Controller) StartCycle(ctx context.Context) error {
	return c.command(ctx, "pickCycle", func(time.Time) error {
		if err := c.checkIdle(); err != nil {
			return err
		}
		if !c.machine.Homed() {
			return ErrNotHomed
		}
		c.startLatch = true
		return nil
	})
}

// Home runs a full homing: Z, then X, then parks.
func (c *Controller) Home(ctx context.Context) error {
	return c.command(ctx, "home", func(now time.Time) error {
		if err := c.checkIdle(); err != nil {
			return err
		}
		c.log.Info("homing requested")
		c.startHoming(now)
		return nil
	})
}

// MoveAxis moves one axis to an absolute position in inches from its home
// switch.
func (c *Controller) MoveAxis(ctx context.Context, axis hw.AxisID, inches float64) error {
	action := "move" + axis.String()
	return c.command(ctx, action, func(time.Time) error {
		if err := c.checkIdle(); err != nil {
			return err
		}
		if inches < 0 {
			return fmt.Errorf("%w: position %v is behind the home switch", ErrInvalidCommand, inches)
		}
		target := settings.StepsFromInches(inches)
		switch axis {
		case hw.AxisX:
			if !c.machine.XDriveEnabled() {
				if err := c.machine.SetXDrive(true); err != nil {
					return err
				}
			}
			c.x.MoveTo(target)
		case hw.AxisZ:
			c.z.MoveTo(target)
		default:
			return fmt.Errorf("%w: unknown %s", ErrInvalidCommand, axis)
		}
		c.log.Info("manual move", "axis", axis, "inches", inches, "steps", target)
		return nil
	})
}

// SetServo turns the gripper to deg.
func (c *Controller) SetServo(ctx context.Context, deg int) error {
	return c.command(ctx, "servo", func(time.Time) error {
		if err := c.checkIdle(); err != nil {
			return err
		}
		if deg < 0 || deg > 180 {
			return fmt.Errorf("%w: servo angle %d outside 0..180", ErrInvalidCommand, deg)
		}
		return c.machine.SetServo(deg)
	})
}

// SetVacuum switches the suction cup.
func (c *Controller) SetVacuum(ctx context.Context, on bool) error {
	return c.command(ctx, "vacuum", func(time.Time) error {
		if err := c.checkIdle(); err != nil {
			return err
		}
		return c.machine.SetVacuum(on)
	})
}

// SetXDrive enables or disables the X stepper driver.
func (c *Controller) SetXDrive(ctx context.Context, on bool) error {
	return c.command(ctx, "xMotor", func(time.Time) error {
		if err := c.checkIdle(); err != nil {
			return err
		}
		return c.machine.SetXDrive(on)
	})
}

// ToggleXDrive flips the X driver and returns the new state.
func (c *Controller) ToggleXDrive(ctx context.Context) (bool, error) {
	var on bool
	err := c.command(ctx, "toggleXMotor", func(time.Time) error {
		if err := c.checkIdle(); err != nil {
			return err
		}
		on = !c.machine.XDriveEnabled()
		return c.machine.SetXDrive(on)
	})
	return on, err
}

// ForceState jumps to s. Forcing Idle is an emergency stop and is always
// accepted; any other state requires an idle arm.
func (c *Controller) ForceState(ctx context.Context, s cycle.State) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %w: %d", ErrInvalidCommand, cycle.ErrUnknownState, int(s))
	}
	if s == cycle.Idle {
		return c.EmergencyStop(ctx)
	}
	return c.command(ctx, "forceState", func(now time.Time) error {
		if err := c.checkIdle(); err != nil {
			return err
		}
		c.log.Warn("forcing state", "to", s)
		return c.machine.ForceState(s, now)
	})
}

// EmergencyStop aborts homing and the cycle, halts both axes where they
// stand and releases the vacuum. Accepted in every state.
func (c *Controller) EmergencyStop(ctx context.Context) error {
	return c.command(ctx, "emergencyStop", func(now time.Time) error {
		if c.system.Active() {
			c.log.Warn("homing aborted by emergency stop", "stage", c.system.Stage())
			c.system.Abort()
			metrics.HomingRuns.WithLabelValues("system", "aborted").Inc()
		}
		c.startLatch = false
		c.log.Warn("emergency stop", "state", c.machine.State())
		return c.machine.EmergencyStop(now)
	})
}

// ApplySettings puts s in force. Speeds and accelerations change on the
// next step, even mid-move; positions and times apply from the next state
// that reads them.
func (c *Controller) ApplySettings(ctx context.Context, s settings.Settings) error {
	if err := checkSettings(s); err != nil {
		return err
	}
	return c.command(ctx, "setConfig", func(time.Time) error {
		return c.applySettings(s)
	})
}

// PatchSettings merges a partial JSON document onto the settings in force
// and applies the result. The merge runs on the control loop, so
// concurrent patches never overwrite each other's fields.
func (c *Controller) PatchSettings(ctx context.Context, patch []byte) (settings.Settings, error) {
	applied := make(chan settings.Settings, 1)
	err := c.command(ctx, "setConfig", func(time.Time) error {
		s, err := c.settings.Merge(patch)
		if err != nil {
			return err
		}
		if err := c.applySettings(s); err != nil {
			return err
		}
		applied <- s
		return nil
	})
	if err != nil {
		return settings.Settings{}, err
	}
	return <-applied, nil
}

// checkSettings validates s together with the step positions it converts
// to; rounding to whole steps can collapse two distinct positions.
func checkSettings(s settings.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := s.CycleParams().Validate(); err != nil {
		return fmt.Errorf("%w: %w", settings.ErrInvalid, err)
	}
	return nil
}

func (c *Controller) applySettings(s settings.Settings) error {
	if err := checkSettings(s); err != nil {
		return err
	}
	errs := []error{
		c.xSeq.SetParams(homingParams(s.XHomeSpeed, c.opts)),
		c.zSeq.SetParams(homingParams(s.ZHomeSpeed, c.opts)),
		c.xSeq.UpdateLimits(s.XLimits()),
	}
	switch c.machine.State() {
	case cycle.LowerForDropoff, cycle.ReleaseObject, cycle.WaitAfterRelease:
		// the dropoff profile is in force; the cycle restores the new
		// normal profile from its params on the way up
	default:
		errs = append(errs, c.zSeq.UpdateLimits(s.ZLimits()))
	}

	old := c.settings
	c.settings = s
	c.params = s.CycleParams()

	if s.XMotorEnabled != old.XMotorEnabled && c.checkIdle() == nil {
		errs = append(errs, c.machine.SetXDrive(s.XMotorEnabled))
	}

	c.snapMu.Lock()
	c.cur = s
	c.snapMu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	c.log.Info("settings applied")
	return nil
}

func (c *Controller) checkIdle() error {
	switch {
	case c.system.Active():
		return fmt.Errorf("%w: homing in progress", ErrBusy)
	case c.machine.State() != cycle.Idle:
		return fmt.Errorf("%w: cycle in %s", ErrBusy, c.machine.State())
	case c.x.Running() || c.z.Running():
		return fmt.Errorf("%w: motors are moving", ErrBusy)
	}
	return nil
}

func (c *Controller) command(ctx context.Context, action string, fn func(now time.Time) error) error {
	err := c.do(ctx, fn)
	metrics.ManualCommands.WithLabelValues(action, commandResult(err)).Inc()
	return err
}

func commandResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrNotHomed):
		return "not_homed"
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, settings.ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrStopped):
		return "stopped"
	default:
		return "error"
	}
}
