// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package motion

import "time"

// WaitTimer is a one-shot, non-blocking deadline.
//
// Disarmed until Arm; Poll reports expiry exactly once per arming and
// disarms itself when it does.
type WaitTimer struct {
	start time.Time
	armed bool
}

// Arm starts the timer at now. Re-arming an armed timer restarts it.
func (w *WaitTimer) Arm(now time.Time) {
	w.start = now
	w.armed = true
}

// Poll returns true the first time at least d has elapsed since Arm.
func (w *WaitTimer) Poll(d time.Duration, now time.Time) bool {
	if !w.armed {
		return false
	}
	if now.Sub(w.start) < d {
		return false
	}
	w.armed = false
	return true
}

// Disarm drops a pending deadline.
func (w *WaitTimer) Disarm() { w.armed = false }

// Pulse drives a digital output high for a bounded time without blocking.
// The owner calls Service every tick; the line is dropped once the
// duration has elapsed.
type Pulse struct {
	set      func(bool) error
	duration time.Duration
	timer    WaitTimer
	high     bool
}

// NewPulse wraps an output setter.
func NewPulse(set func(bool) error) *Pulse {
	return &Pulse{set: set}
}

// Fire raises the line for d, starting at now.
func (p *Pulse) Fire(d time.Duration, now time.Time) error {
	p.duration = d
	p.timer.Arm(now)
	p.high = true
	return p.set(true)
}

// Service lowers the line once the pulse has run its course.
func (p *Pulse) Service(now time.Time) error {
	if !p.high || !p.timer.Poll(p.duration, now) {
		return nil
	}
	p.high = false
	return p.set(false)
}

// Cancel lowers the line immediately.
func (p *Pulse) Cancel() error {
	p.timer.Disarm()
	p.high = false
	return p.set(false)
}

func (p *Pulse) High() bool { return p.high }
