// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package settings holds the operator-tunable parameters of the transfer arm
// in the units the operator works in (inches, degrees, milliseconds) and
// converts them into the step-based values the control loop uses.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/relabs-tech/transfer_arm/internal/cycle"
	"github.com/relabs-tech/transfer_arm/internal/motion"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid settings")

// StepsPerInch for a 400 step/rev drive on a 20 tooth GT2 pulley.
const StepsPerInch = 400.0 / (20 * 2) * 25.4

// Settings is the persisted operator configuration. JSON names match the
// dashboard's config messages.
type Settings struct {
	// X positions, inches from the home switch
	XPickupPosInches       float64 `json:"xPickupPosInches" yaml:"x_pickup_pos_inches"`
	XDropoffPosInches      float64 `json:"xDropoffPosInches" yaml:"x_dropoff_pos_inches"`
	XOvershootInches       float64 `json:"xOvershootInches" yaml:"x_overshoot_inches"`
	XServoRotateLeadInches float64 `json:"xServoRotateLeadInches" yaml:"x_servo_rotate_lead_inches"`
	XWaitOffsetInches      float64 `json:"xWaitOffsetInches" yaml:"x_wait_offset_inches"`

	// Z depths, inches below the home switch
	ZUpInches           float64 `json:"zUpInches" yaml:"z_up_inches"`
	ZPickupLowerInches  float64 `json:"zPickupLowerInches" yaml:"z_pickup_lower_inches"`
	ZSuctionStartInches float64 `json:"zSuctionStartInches" yaml:"z_suction_start_inches"`
	ZDropoffLowerInches float64 `json:"zDropoffLowerInches" yaml:"z_dropoff_lower_inches"`

	ServoPickupPos  int `json:"servoPickupPos" yaml:"servo_pickup_pos"`
	ServoTravelPos  int `json:"servoTravelPos" yaml:"servo_travel_pos"`
	ServoDropoffPos int `json:"servoDropoffPos" yaml:"servo_dropoff_pos"`
	ServoHomePos    int `json:"servoHomePos" yaml:"servo_home_pos"`

	// milliseconds
	PickupHoldTime        int `json:"pickupHoldTime" yaml:"pickup_hold_time"`
	DropoffHoldTime       int `json:"dropoffHoldTime" yaml:"dropoff_hold_time"`
	ServoRotationWaitTime int `json:"servoRotationWaitTime" yaml:"servo_rotation_wait_time"`
	HandshakePulseTime    int `json:"handshakePulseTime" yaml:"handshake_pulse_time"`

	// steps/s and steps/s²
	XMaxSpeed            float64 `json:"xMaxSpeed" yaml:"x_max_speed"`
	XAcceleration        float64 `json:"xAcceleration" yaml:"x_acceleration"`
	ZMaxSpeed            float64 `json:"zMaxSpeed" yaml:"z_max_speed"`
	ZAcceleration        float64 `json:"zAcceleration" yaml:"z_acceleration"`
	ZDropoffMaxSpeed     float64 `json:"zDropoffMaxSpeed" yaml:"z_dropoff_max_speed"`
	ZDropoffAcceleration float64 `json:"zDropoffAcceleration" yaml:"z_dropoff_acceleration"`
	XHomeSpeed           float64 `json:"xHomeSpeed" yaml:"x_home_speed"`
	ZHomeSpeed           float64 `json:"zHomeSpeed" yaml:"z_home_speed"`

	XMotorEnabled bool `json:"xMotorEnabled" yaml:"x_motor_enabled"`
	XPowerSave    bool `json:"xPowerSave" yaml:"x_power_save"`
	PreStage      bool `json:"preStage" yaml:"pre_stage"`
}

// Defaults returns the factory settings.
func Defaults() Settings {
	return Settings{
		XPickupPosInches:       1.0,
		XDropoffPosInches:      20.85,
		XOvershootInches:       1.75,
		XServoRotateLeadInches: 2.0,

		ZUpInches:           0,
		ZPickupLowerInches:  7.0,
		ZSuctionStartInches: 4.0,
		ZDropoffLowerInches: 5.5,

		ServoPickupPos:  10,
		ServoTravelPos:  0,
		ServoDropoffPos: 80,
		ServoHomePos:    90,

		PickupHoldTime:        300,
		DropoffHoldTime:       100,
		ServoRotationWaitTime: 500,
		HandshakePulseTime:    100,

		XMaxSpeed:            7000,
		XAcceleration:        10000,
		ZMaxSpeed:            10000,
		ZAcceleration:        10000,
		ZDropoffMaxSpeed:     10000,
		ZDropoffAcceleration: 10000,
		XHomeSpeed:           1000,
		ZHomeSpeed:           1000,

		XMotorEnabled: true,
	}
}

// Validate rejects physically unsafe or self-contradictory values.
func (s Settings) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for name, v := range map[string]float64{
		"xMaxSpeed": s.XMaxSpeed, "xAcceleration": s.XAcceleration,
		"zMaxSpeed": s.ZMaxSpeed, "zAcceleration": s.ZAcceleration,
		"zDropoffMaxSpeed": s.ZDropoffMaxSpeed, "zDropoffAcceleration": s.ZDropoffAcceleration,
		"xHomeSpeed": s.XHomeSpeed, "zHomeSpeed": s.ZHomeSpeed,
	} {
		if !(v > 0) || math.IsInf(v, 0) {
			bad("%s must be positive, got %v", name, v)
		}
	}
	for name, v := range map[string]int{
		"servoPickupPos": s.ServoPickupPos, "servoTravelPos": s.ServoTravelPos,
		"servoDropoffPos": s.ServoDropoffPos, "servoHomePos": s.ServoHomePos,
	} {
		if v < 0 || v > 180 {
			bad("%s must be 0..180, got %d", name, v)
		}
	}
	for name, v := range map[string]int{
		"pickupHoldTime": s.PickupHoldTime, "dropoffHoldTime": s.DropoffHoldTime,
		"servoRotationWaitTime": s.ServoRotationWaitTime, "handshakePulseTime": s.HandshakePulseTime,
	} {
		if v < 0 {
			bad("%s must not be negative, got %d", name, v)
		}
	}

	if s.XPickupPosInches < 0 || s.XDropoffPosInches < 0 {
		bad("X positions must not be negative")
	}
	if s.XOvershootInches < 0 {
		bad("xOvershootInches must not be negative, got %v", s.XOvershootInches)
	}
	if s.XServoRotateLeadInches < 0 {
		bad("xServoRotateLeadInches must not be negative, got %v", s.XServoRotateLeadInches)
	}
	if s.XPickupPosInches+s.XWaitOffsetInches < 0 {
		bad("X waiting position must not be behind the home switch")
	}
	if s.ZUpInches < 0 {
		bad("zUpInches must not be negative, got %v", s.ZUpInches)
	}
	if s.ZPickupLowerInches <= s.ZUpInches {
		bad("zPickupLowerInches %v must be below zUpInches %v", s.ZPickupLowerInches, s.ZUpInches)
	}
	if s.ZDropoffLowerInches <= s.ZUpInches {
		bad("zDropoffLowerInches %v must be below zUpInches %v", s.ZDropoffLowerInches, s.ZUpInches)
	}
	if s.ZSuctionStartInches > s.ZPickupLowerInches || s.ZSuctionStartInches < s.ZUpInches {
		bad("zSuctionStartInches %v must lie between zUpInches and zPickupLowerInches", s.ZSuctionStartInches)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Merge applies a partial JSON document on top of s. Keys that are absent
// keep their current value; unknown keys are rejected. The result is
// validated but s itself is never modified.
func (s Settings) Merge(patch []byte) (Settings, error) {
	merged := s
	dec := json.NewDecoder(bytes.NewReader(patch))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&merged); err != nil {
		return s, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := merged.Validate(); err != nil {
		return s, err
	}
	return merged, nil
}

func inches(v float64) int64 { return int64(math.Round(v * StepsPerInch)) }

// InchesFromSteps converts an axis position back to inches.
func InchesFromSteps(steps int64) float64 { return float64(steps) / StepsPerInch }

// StepsFromInches converts a manual move target to steps.
func StepsFromInches(v float64) int64 { return inches(v) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// XLimits is the X axis profile.
func (s Settings) XLimits() motion.Limits {
	return motion.Limits{MaxSpeed: s.XMaxSpeed, Acceleration: s.XAcceleration}
}

// ZLimits is the normal Z axis profile.
func (s Settings) ZLimits() motion.Limits {
	return motion.Limits{MaxSpeed: s.ZMaxSpeed, Acceleration: s.ZAcceleration}
}

// CycleParams converts the settings into the step-based cycle parameters.
func (s Settings) CycleParams() cycle.Params {
	xPickup := inches(s.XPickupPosInches)
	xDropoff := inches(s.XDropoffPosInches)
	return cycle.Params{
		XPickup:      xPickup,
		XDropoff:     xDropoff,
		XOvershoot:   inches(s.XDropoffPosInches + s.XOvershootInches),
		XServoRotate: inches(s.XDropoffPosInches - s.XServoRotateLeadInches),
		XRest:        inches(s.XPickupPosInches + s.XWaitOffsetInches),

		ZUp:           inches(s.ZUpInches),
		ZPickup:       inches(s.ZPickupLowerInches),
		ZSuctionStart: inches(s.ZSuctionStartInches),
		ZDropoff:      inches(s.ZDropoffLowerInches),

		ServoPickup:  s.ServoPickupPos,
		ServoTravel:  s.ServoTravelPos,
		ServoDropoff: s.ServoDropoffPos,

		PickupHold:     ms(s.PickupHoldTime),
		ReleaseHold:    ms(s.DropoffHoldTime),
		ServoSettle:    ms(s.ServoRotationWaitTime),
		HandshakePulse: ms(s.HandshakePulseTime),

		ZLimits:        s.ZLimits(),
		ZDropoffLimits: motion.Limits{MaxSpeed: s.ZDropoffMaxSpeed, Acceleration: s.ZDropoffAcceleration},

		XPowerSave: s.XPowerSave,
		PreStage:   s.PreStage,
	}
}
