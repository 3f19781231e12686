// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package arm owns the control loop. A single goroutine samples the inputs,
// steps both axes and advances homing or the pick cycle on every tick; all
// other goroutines talk to it through requests executed at tick boundaries
// and read its state through snapshots.
package arm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/transfer_arm/internal/cycle"
	"github.com/relabs-tech/transfer_arm/internal/homing"
	"github.com/relabs-tech/transfer_arm/internal/hw"
	"github.com/relabs-tech/transfer_arm/internal/metrics"
	"github.com/relabs-tech/transfer_arm/internal/motion"
	"github.com/relabs-tech/transfer_arm/internal/settings"
)

var (
	// ErrBusy is returned for manual commands while a cycle, a homing run or
	// a move is in progress.
	ErrBusy = errors.New("controller busy")
	// ErrNotHomed is returned when a cycle is requested before homing.
	ErrNotHomed = errors.New("axes not homed")
	// ErrInvalidCommand is returned for out-of-range command arguments.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrStopped is returned once the control loop has exited.
	ErrStopped = errors.New("controller stopped")
)

// Options are the loop timing and homing bounds that do not live in the
// operator settings.
type Options struct {
	Tick           time.Duration
	SwitchDebounce time.Duration
	ButtonDebounce time.Duration
	HomingTimeout  time.Duration
	BackOffLimit   int64
	// HomeOnStart runs a full homing on the first tick.
	HomeOnStart bool
}

// DefaultOptions is a 1 kHz loop homing on start.
func DefaultOptions() Options {
	return Options{
		Tick:           time.Millisecond,
		SwitchDebounce: 2 * time.Millisecond,
		ButtonDebounce: 10 * time.Millisecond,
		HomingTimeout:  30 * time.Second,
		BackOffLimit:   200,
		HomeOnStart:    true,
	}
}

type request struct {
	fn    func(now time.Time) error
	reply chan error
}

// servoFunc adapts the machine's tracked servo write for the homing system.
type servoFunc func(deg int) error

func (f servoFunc) SetServoAngle(deg int) error { return f(deg) }

// Controller runs the transfer arm.
type Controller struct {
	board hw.Board
	log   *slog.Logger
	opts  Options

	x, z       *motion.Axis
	xSeq, zSeq *homing.Sequencer
	system     *homing.System
	machine    *cycle.Machine

	startButton *motion.DebouncedInput
	upstream    *motion.DebouncedInput
	xHome       *motion.DebouncedInput
	zHome       *motion.DebouncedInput

	settings settings.Settings
	params   cycle.Params

	requests chan request
	done     chan struct{}
	running  atomic.Bool

	lastTick   time.Time
	autoHomed  bool
	startLatch bool
	inputErr   bool
	stepErr    [2]bool
	moving     [2]bool
	lastServo  int
	lastVacuum bool
	cycleID    string
	cycleStart time.Time

	snapMu sync.RWMutex
	snap   Snapshot
	cur    settings.Settings

	events hub
}

// New builds a controller over board. The initial outputs are written
// straight away: servo to its home angle, vacuum off and the X drive as
// configured.
func New(board hw.Board, s settings.Settings, opts Options, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tick <= 0 {
		return nil, fmt.Errorf("control tick must be positive, got %v", opts.Tick)
	}
	if err := checkSettings(s); err != nil {
		return nil, err
	}

	x, err := motion.NewAxis("x", s.XLimits())
	if err != nil {
		return nil, err
	}
	z, err := motion.NewAxis("z", s.ZLimits())
	if err != nil {
		return nil, err
	}
	xSeq, err := homing.NewSequencer(x, homingParams(s.XHomeSpeed, opts))
	if err != nil {
		return nil, err
	}
	zSeq, err := homing.NewSequencer(z, homingParams(s.ZHomeSpeed, opts))
	if err != nil {
		return nil, err
	}

	c := &Controller{
		board:    board,
		log:      logger.With("component", "arm"),
		opts:     opts,
		x:        x,
		z:        z,
		xSeq:     xSeq,
		zSeq:     zSeq,
		settings: s,
		params:   s.CycleParams(),
		cur:      s,
		requests: make(chan request, 16),
		done:     make(chan struct{}),
	}
	c.machine = cycle.NewMachine(x, z, xSeq, board, logger)
	c.machine.OnTransition(c.onTransition)
	c.system = homing.NewSystem(xSeq, zSeq, servoFunc(c.machine.SetServo))

	// seed the debouncers with the current levels so a switch already
	// closed at power-up is seen on the first tick
	in, err := board.ReadInputs()
	if err != nil {
		return nil, fmt.Errorf("read inputs: %w", err)
	}
	c.startButton = motion.NewDebouncedInput(opts.ButtonDebounce, in.StartButton)
	c.upstream = motion.NewDebouncedInput(opts.ButtonDebounce, in.UpstreamSignal)
	c.xHome = motion.NewDebouncedInput(opts.SwitchDebounce, in.XHome)
	c.zHome = motion.NewDebouncedInput(opts.SwitchDebounce, in.ZHome)

	if err := errors.Join(
		c.machine.SetServo(s.ServoHomePos),
		c.machine.SetVacuum(false),
		c.machine.SetXDrive(s.XMotorEnabled),
	); err != nil {
		return nil, fmt.Errorf("initial outputs: %w", err)
	}
	c.lastServo = c.machine.ServoAngle()
	c.publishSnapshot(time.Now())
	return c, nil
}

func homingParams(speed float64, opts Options) homing.Params {
	return homing.Params{Speed: speed, Timeout: opts.HomingTimeout, BackOffLimit: opts.BackOffLimit}
}

// Run drives the loop until ctx is cancelled. On exit both axes are stopped
// and the vacuum released.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller already running")
	}
	defer close(c.done)

	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()

	c.log.Info("control loop started", "tick", c.opts.Tick)
	for {
		select {
		case <-ctx.Done():
			c.shutdown(time.Now())
			c.log.Info("control loop stopped")
			return nil
		case <-ticker.C:
			start := time.Now()
			c.Tick(start)
			elapsed := time.Since(start)
			metrics.ControlTicksTotal.Inc()
			metrics.ControlTickLatency.Observe(elapsed.Seconds())
			if elapsed > c.opts.Tick {
				metrics.ControlOverruns.Inc()
			}
		}
	}
}

// Tick runs one loop iteration at now. Run calls it from the ticker; it is
// exported for deterministic stepping and must not be called concurrently
// with Run.
func (c *Controller) Tick(now time.Time) {
	dt := c.opts.Tick
	if !c.lastTick.IsZero() {
		dt = now.Sub(c.lastTick)
		// a stalled tick must not turn into a jump
		if limit := 4 * c.opts.Tick; dt > limit {
			dt = limit
		}
		if dt < 0 {
			dt = 0
		}
	}
	c.lastTick = now

	c.sampleInputs(now)
	c.serveRequests(now)
	c.stepAxis(hw.AxisX, c.x, dt)
	c.stepAxis(hw.AxisZ, c.z, dt)
	c.advance(now)
	c.observe(now)
}

func (c *Controller) sampleInputs(now time.Time) {
	in, err := c.board.ReadInputs()
	if err != nil {
		metrics.OutputErrors.WithLabelValues("inputs").Inc()
		if !c.inputErr {
			c.log.Error("read inputs failed, holding last levels", "error", err)
		}
		c.inputErr = true
		return
	}
	c.inputErr = false
	c.startButton.Sample(in.StartButton, now)
	c.upstream.Sample(in.UpstreamSignal, now)
	c.xHome.Sample(in.XHome, now)
	c.zHome.Sample(in.ZHome, now)
}

func (c *Controller) serveRequests(now time.Time) {
	for {
		select {
		case req := <-c.requests:
			req.reply <- req.fn(now)
		default:
			return
		}
	}
}

func (c *Controller) stepAxis(id hw.AxisID, a *motion.Axis, dt time.Duration) {
	n := a.Step(dt)
	if n == 0 {
		return
	}
	abs := n
	if abs < 0 {
		abs = -abs
	}
	metrics.AxisStepsTotal.WithLabelValues(id.String()).Add(float64(abs))
	if err := c.board.Step(id, n); err != nil {
		metrics.OutputErrors.WithLabelValues("step_" + id.String()).Inc()
		if !c.stepErr[id] {
			c.log.Error("step output failed", "axis", id, "steps", n, "error", err)
		}
		c.stepErr[id] = true
		return
	}
	c.stepErr[id] = false
}

func (c *Controller) advance(now time.Time) {
	if c.opts.HomeOnStart && !c.autoHomed {
		c.autoHomed = true
		c.log.Info("homing on start")
		c.startHoming(now)
		return
	}

	if c.system.Active() {
		switch stage, err := c.system.Tick(c.xHome.Value(), c.zHome.Value(), now); stage {
		case homing.StageDone:
			c.homingFinished(now, nil)
		case homing.StageFailed:
			c.homingFinished(now, err)
		}
		return
	}

	in := cycle.Inputs{
		StartRequested: c.startButton.Value() || c.upstream.Value(),
		StartCommand:   c.startLatch,
		XHome:          c.xHome.Value(),
	}
	c.startLatch = false
	err := c.machine.Tick(now, in, c.params)
	if err != nil {
		metrics.OutputErrors.WithLabelValues("cycle").Inc()
		c.log.Error("cycle tick", "state", c.machine.State(), "error", err)
	}
}

func (c *Controller) startHoming(now time.Time) {
	if !c.machine.XDriveEnabled() {
		if err := c.machine.SetXDrive(true); err != nil {
			c.log.Error("enable X drive for homing", "error", err)
		}
	}
	p := c.params
	c.system.Start(homing.Plan{
		ZUp:         p.ZUp,
		XRest:       p.XRest,
		PreStage:    p.PreStage,
		ZPickup:     p.ZPickup,
		PickupAngle: p.ServoPickup,
	}, c.zHome.Value(), now)
	c.events.publish(Event{Type: EventHoming, Time: now, State: homing.StageHomeZ.String()})
}

func (c *Controller) homingFinished(now time.Time, err error) {
	elapsed := c.system.Elapsed(now)
	if err != nil {
		metrics.HomingRuns.WithLabelValues("system", "failed").Inc()
		c.log.Error("homing failed", "error", err, "elapsed", elapsed)
		c.events.publish(Event{Type: EventHoming, Time: now, State: homing.StageFailed.String(), Error: err.Error()})
		return
	}
	metrics.HomingRuns.WithLabelValues("system", "ok").Inc()
	c.machine.ClearHomingErr()
	if c.params.XPowerSave {
		if err := c.machine.SetXDrive(false); err != nil {
			c.log.Error("disable X drive after homing", "error", err)
		}
	}
	c.log.Info("homing complete", "elapsed", elapsed,
		"x_back_off", c.xSeq.Result().BackOffSteps, "z_back_off", c.zSeq.Result().BackOffSteps)
	c.events.publish(Event{Type: EventHoming, Time: now, State: homing.StageDone.String()})
}

func (c *Controller) onTransition(t cycle.Transition) {
	metrics.CycleTransitions.WithLabelValues(t.To.String()).Inc()
	metrics.CycleState.Set(float64(t.To))

	id := c.cycleID
	switch {
	case t.From == cycle.Idle && t.To == cycle.MoveToPickup && !t.Forced:
		c.cycleID = uuid.NewString()
		c.cycleStart = t.At
		id = c.cycleID
		c.log.Info("cycle started", "cycle_id", id)
	case t.To == cycle.Idle && t.Forced:
		metrics.EmergencyStops.Inc()
		if t.From != cycle.Idle {
			c.log.Warn("forced to idle", "from", t.From, "cycle_id", id)
		}
		c.cycleID = ""
	case t.To == cycle.Idle && t.From == cycle.FinalMoveToPickup:
		d := t.At.Sub(c.cycleStart)
		metrics.CyclesCompleted.Inc()
		metrics.CycleDuration.Observe(d.Seconds())
		c.log.Info("cycle complete", "cycle_id", id, "duration", d, "completed", c.machine.CyclesCompleted())
		c.cycleID = ""
	}

	c.events.publish(Event{
		Type:    EventStateChange,
		Time:    t.At,
		State:   t.To.String(),
		From:    t.From.String(),
		Forced:  t.Forced,
		CycleID: id,
	})
}

// observe turns per-tick state into events, gauges and the snapshot.
func (c *Controller) observe(now time.Time) {
	for i, a := range [2]*motion.Axis{c.x, c.z} {
		running := a.Running()
		if c.moving[i] && !running {
			pos := a.Position()
			c.events.publish(Event{Type: EventMovementComplete, Time: now, Axis: a.Name(), Position: &pos})
		}
		c.moving[i] = running
		metrics.AxisPosition.WithLabelValues(a.Name()).Set(float64(a.Position()))
	}

	if servo := c.machine.ServoAngle(); servo != c.lastServo {
		c.lastServo = servo
		c.events.publish(Event{Type: EventServoChange, Time: now, ServoPos: &servo})
	}
	if vac := c.machine.Vacuum(); vac != c.lastVacuum {
		c.lastVacuum = vac
		c.events.publish(Event{Type: EventVacuumChange, Time: now, Vacuum: &vac})
	}

	c.publishSnapshot(now)
}

func (c *Controller) publishSnapshot(now time.Time) {
	s := Snapshot{
		State:        c.machine.State(),
		StateSince:   c.machine.EnteredAt(),
		MotorsMoving: c.x.Running() || c.z.Running(),

		XPos:       c.x.Position(),
		ZPos:       c.z.Position(),
		XTarget:    c.x.Target(),
		ZTarget:    c.z.Target(),
		XPosInches: settings.InchesFromSteps(c.x.Position()),
		ZPosInches: settings.InchesFromSteps(c.z.Position()),

		ServoPos:      c.machine.ServoAngle(),
		Vacuum:        c.machine.Vacuum(),
		Handshake:     c.machine.HandshakeHigh(),
		XMotorEnabled: c.machine.XDriveEnabled(),

		XHome:          c.xHome.Value(),
		ZHome:          c.zHome.Value(),
		StartButton:    c.startButton.Value(),
		UpstreamSignal: c.upstream.Value(),

		XHomed: c.x.Homed(),
		ZHomed: c.z.Homed(),
		Homed:  c.machine.Homed(),
		Homing: c.system.Active(),

		CycleID:         c.cycleID,
		CyclesCompleted: c.machine.CyclesCompleted(),
		Timestamp:       now,
	}
	if s.Homing {
		s.HomingStage = c.system.Stage().String()
	}
	if err := c.machine.HomingErr(); err != nil {
		s.HomingError = err.Error()
	} else if c.system.Stage() == homing.StageFailed && c.system.Err() != nil {
		s.HomingError = c.system.Err().Error()
	}

	c.snapMu.Lock()
	c.snap = s
	c.snapMu.Unlock()
}

// Snapshot returns the state as of the last tick.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Settings returns the settings currently in force.
func (c *Controller) Settings() settings.Settings {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.cur
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. Events are dropped for subscribers that fall behind.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

func (c *Controller) shutdown(now time.Time) {
	c.system.Abort()
	if err := c.machine.EmergencyStop(now); err != nil {
		c.log.Error("stop outputs on shutdown", "error", err)
	}
	c.publishSnapshot(now)
}

// do runs fn on the control goroutine at the next tick boundary.
func (c *Controller) do(ctx context.Context, fn func(now time.Time) error) error {
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}
