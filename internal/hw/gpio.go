// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package hw

import (
	"errors"
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// servo frame is 20 ms
const servoFrameMicros = 20000

// Pins names every line by its periph.io registry name (e.g. "GPIO17").
type Pins struct {
	StartButton    string
	UpstreamSignal string
	XHome          string
	ZHome          string

	XStep   string
	XDir    string
	XEnable string
	ZStep   string
	ZDir    string

	Servo     string
	Vacuum    string
	Handshake string
}

type stepper struct {
	step, dir gpio.PinIO
	forward   bool
}

type gpioBoard struct {
	log *slog.Logger

	startButton, upstream, xHome, zHome gpio.PinIO

	x, z stepper

	xEnable   gpio.PinIO
	servo     gpio.PinIO
	vacuum    gpio.PinIO
	handshake gpio.PinIO
}

// OpenGPIO initialises periph.io and claims every pin. Inputs are pulled
// down (all signals are active-high); outputs start low, the X driver
// starts enabled.
func OpenGPIO(p Pins, logger *slog.Logger) (Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &gpioBoard{log: logger.With("component", "gpio")}

	var err error
	lookup := func(role, name string) gpio.PinIO {
		if err != nil {
			return nil
		}
		pin := gpioreg.ByName(name)
		if pin == nil {
			err = fmt.Errorf("%s pin %q not found", role, name)
		}
		return pin
	}

	b.startButton = lookup("start button", p.StartButton)
	b.upstream = lookup("upstream signal", p.UpstreamSignal)
	b.xHome = lookup("X home", p.XHome)
	b.zHome = lookup("Z home", p.ZHome)
	b.x.step = lookup("X step", p.XStep)
	b.x.dir = lookup("X dir", p.XDir)
	b.xEnable = lookup("X enable", p.XEnable)
	b.z.step = lookup("Z step", p.ZStep)
	b.z.dir = lookup("Z dir", p.ZDir)
	b.servo = lookup("servo", p.Servo)
	b.vacuum = lookup("vacuum", p.Vacuum)
	b.handshake = lookup("handshake", p.Handshake)
	if err != nil {
		return nil, err
	}

	for _, in := range []gpio.PinIO{b.startButton, b.upstream, b.xHome, b.zHome} {
		if err := in.In(gpio.PullDown, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("configure input %s: %w", in.Name(), err)
		}
	}
	for _, out := range []gpio.PinIO{b.x.step, b.x.dir, b.z.step, b.z.dir, b.vacuum, b.handshake} {
		if err := out.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("configure output %s: %w", out.Name(), err)
		}
	}
	if err := b.SetXDriveEnabled(true); err != nil {
		return nil, err
	}

	b.log.Info("GPIO board ready", "x_step", p.XStep, "z_step", p.ZStep, "servo", p.Servo)
	return b, nil
}

func (b *gpioBoard) ReadInputs() (Inputs, error) {
	return Inputs{
		StartButton:    b.startButton.Read() == gpio.High,
		UpstreamSignal: b.upstream.Read() == gpio.High,
		XHome:          b.xHome.Read() == gpio.High,
		ZHome:          b.zHome.Read() == gpio.High,
	}, nil
}

func (b *gpioBoard) Step(axis AxisID, steps int64) error {
	var s *stepper
	switch axis {
	case AxisX:
		s = &b.x
	case AxisZ:
		s = &b.z
	default:
		return fmt.Errorf("step: unknown %s", axis)
	}
	if steps == 0 {
		return nil
	}

	forward := steps > 0
	if forward != s.forward {
		if err := s.dir.Out(gpio.Level(forward)); err != nil {
			return fmt.Errorf("%s dir: %w", axis, err)
		}
		s.forward = forward
	}
	if steps < 0 {
		steps = -steps
	}
	// the driver latches on the rising edge; a GPIO write outlasts the
	// minimum pulse width
	for i := int64(0); i < steps; i++ {
		if err := s.step.Out(gpio.High); err != nil {
			return fmt.Errorf("%s step: %w", axis, err)
		}
		if err := s.step.Out(gpio.Low); err != nil {
			return fmt.Errorf("%s step: %w", axis, err)
		}
	}
	return nil
}

func (b *gpioBoard) SetServoAngle(deg int) error {
	us := ServoPulse(deg)
	duty := gpio.Duty(int64(gpio.DutyMax) * int64(us) / servoFrameMicros)
	if err := b.servo.PWM(duty, 50*physic.Hertz); err != nil {
		return fmt.Errorf("servo pwm: %w", err)
	}
	return nil
}

func (b *gpioBoard) SetVacuum(on bool) error {
	return b.vacuum.Out(gpio.Level(on))
}

func (b *gpioBoard) SetHandshake(on bool) error {
	return b.handshake.Out(gpio.Level(on))
}

// SetXDriveEnabled drives the active-low enable input of the X driver.
func (b *gpioBoard) SetXDriveEnabled(on bool) error {
	return b.xEnable.Out(gpio.Level(!on))
}

// Close leaves the machine in a safe state: vacuum and handshake low, X
// driver disabled, servo PWM halted.
func (b *gpioBoard) Close() error {
	return errors.Join(
		b.vacuum.Out(gpio.Low),
		b.handshake.Out(gpio.Low),
		b.SetXDriveEnabled(false),
		b.servo.Halt(),
	)
}
