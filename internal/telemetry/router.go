// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package telemetry routes log records to the live dashboard when someone
// is watching and to the local log otherwise.
package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Entry is a log record flattened for a remote viewer.
type Entry struct {
	Time    time.Time      `json:"timestamp"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Sink is a remote log destination whose availability changes at runtime.
// Publish must not block.
type Sink interface {
	Available() bool
	Publish(Entry)
}

type sinkBox struct{ Sink }

// Router is a slog.Handler that sends each record either to the sink, when
// it is available, or to the fallback handler.
type Router struct {
	sink     *atomic.Pointer[sinkBox]
	fallback slog.Handler
	level    slog.Leveler

	attrs  []slog.Attr
	groups []string
}

// NewRouter returns a router with no sink attached; everything goes to
// fallback until SetSink is called.
func NewRouter(fallback slog.Handler, level slog.Leveler) *Router {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Router{sink: new(atomic.Pointer[sinkBox]), fallback: fallback, level: level}
}

// SetSink attaches (or, with nil, detaches) the remote sink. Loggers derived
// from this router see the change.
func (r *Router) SetSink(s Sink) {
	if s == nil {
		r.sink.Store(nil)
		return
	}
	r.sink.Store(&sinkBox{s})
}

func (r *Router) Enabled(_ context.Context, l slog.Level) bool {
	return l >= r.level.Level()
}

func (r *Router) Handle(ctx context.Context, rec slog.Record) error {
	if box := r.sink.Load(); box != nil && box.Available() {
		box.Publish(r.entry(rec))
		return nil
	}
	return r.fallback.Handle(ctx, rec)
}

func (r *Router) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return r
	}
	c := r.clone()
	c.fallback = r.fallback.WithAttrs(attrs)
	prefix := strings.Join(r.groups, ".")
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		c.attrs = append(c.attrs, a)
	}
	return c
}

func (r *Router) WithGroup(name string) slog.Handler {
	if name == "" {
		return r
	}
	c := r.clone()
	c.fallback = r.fallback.WithGroup(name)
	c.groups = append(c.groups, name)
	return c
}

func (r *Router) clone() *Router {
	return &Router{
		sink:     r.sink,
		fallback: r.fallback,
		level:    r.level,
		attrs:    append([]slog.Attr(nil), r.attrs...),
		groups:   append([]string(nil), r.groups...),
	}
}

func (r *Router) entry(rec slog.Record) Entry {
	e := Entry{Time: rec.Time, Level: rec.Level.String(), Message: rec.Message}
	n := len(r.attrs) + rec.NumAttrs()
	if n == 0 {
		return e
	}
	e.Attrs = make(map[string]any, n)
	for _, a := range r.attrs {
		flatten(e.Attrs, "", a)
	}
	prefix := strings.Join(r.groups, ".")
	rec.Attrs(func(a slog.Attr) bool {
		flatten(e.Attrs, prefix, a)
		return true
	})
	return e
}

func flatten(dst map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			flatten(dst, key, ga)
		}
		return
	}
	if err, ok := a.Value.Any().(error); ok {
		dst[key] = err.Error()
		return
	}
	dst[key] = a.Value.Any()
}
