// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package cycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/transfer_arm/internal/motion"
)

// Params is the per-tick snapshot of everything the cycle needs from
// configuration. Positions are in steps, angles in degrees.
type Params struct {
	XPickup      int64
	XDropoff     int64
	XOvershoot   int64
	XServoRotate int64
	// XRest is where X waits between cycles.
	XRest int64

	ZUp           int64
	ZPickup       int64
	ZSuctionStart int64
	ZDropoff      int64

	ServoPickup  int
	ServoTravel  int
	ServoDropoff int

	PickupHold     time.Duration
	ReleaseHold    time.Duration
	ServoSettle    time.Duration
	HandshakePulse time.Duration

	// ZLimits is the normal Z profile; ZDropoffLimits is used for the
	// descent onto the dropoff.
	ZLimits        motion.Limits
	ZDropoffLimits motion.Limits

	// XPowerSave disables the X drive while idle.
	XPowerSave bool
	// PreStage parks Z at pickup depth with the gripper at the pickup angle
	// at the end of each cycle.
	PreStage bool
}

// Validate checks the relations the cycle depends on.
func (p Params) Validate() error {
	var errs []error
	if p.ZSuctionStart < p.ZUp || p.ZSuctionStart > p.ZPickup {
		errs = append(errs, fmt.Errorf("suction start %d must lie between Z up %d and pickup depth %d", p.ZSuctionStart, p.ZUp, p.ZPickup))
	}
	if p.ZPickup <= p.ZUp {
		errs = append(errs, fmt.Errorf("pickup depth %d must be below Z up %d", p.ZPickup, p.ZUp))
	}
	if p.ZDropoff <= p.ZUp {
		errs = append(errs, fmt.Errorf("dropoff depth %d must be below Z up %d", p.ZDropoff, p.ZUp))
	}
	if p.XOvershoot < p.XDropoff {
		errs = append(errs, fmt.Errorf("overshoot %d must not be short of dropoff %d", p.XOvershoot, p.XDropoff))
	}
	for name, deg := range map[string]int{"pickup": p.ServoPickup, "travel": p.ServoTravel, "dropoff": p.ServoDropoff} {
		if deg < 0 || deg > 180 {
			errs = append(errs, fmt.Errorf("servo %s angle %d out of range 0..180", name, deg))
		}
	}
	for name, d := range map[string]time.Duration{
		"pickup hold": p.PickupHold, "release hold": p.ReleaseHold,
		"servo settle": p.ServoSettle, "handshake pulse": p.HandshakePulse,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s %v must not be negative", name, d))
		}
	}
	if err := p.ZLimits.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("Z limits: %w", err))
	}
	if err := p.ZDropoffLimits.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("Z dropoff limits: %w", err))
	}
	return errors.Join(errs...)
}
