// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// NewLogger builds the process logger: a Router over a text handler on w.
func NewLogger(w io.Writer, level slog.Level) (*slog.Logger, *Router) {
	fallback := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	r := NewRouter(fallback, level)
	return slog.New(r), r
}
