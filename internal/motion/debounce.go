// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package motion

import "time"

// DebouncedInput is a stable boolean view of a noisy digital signal.
// A change is accepted once the raw level has held for the whole interval.
type DebouncedInput struct {
	interval time.Duration

	stable   bool
	raw      bool
	rawSince time.Time
	started  bool
}

// NewDebouncedInput returns an input whose stable value starts at initial.
func NewDebouncedInput(interval time.Duration, initial bool) *DebouncedInput {
	if interval < 0 {
		interval = 0
	}
	return &DebouncedInput{interval: interval, stable: initial, raw: initial}
}

// Sample feeds one raw reading taken at now and returns the debounced value.
func (d *DebouncedInput) Sample(raw bool, now time.Time) bool {
	if !d.started || raw != d.raw {
		d.started = true
		d.raw = raw
		d.rawSince = now
	}

	if d.raw != d.stable && now.Sub(d.rawSince) >= d.interval {
		d.stable = d.raw
	}
	return d.stable
}

// Value returns the last debounced value.
func (d *DebouncedInput) Value() bool { return d.stable }

