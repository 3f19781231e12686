// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/relabs-tech/transfer_arm/internal/arm"
	"github.com/relabs-tech/transfer_arm/internal/cycle"
	"github.com/relabs-tech/transfer_arm/internal/hw"
	"github.com/relabs-tech/transfer_arm/internal/settings"
)

// ErrUnknownCommand is returned for commands and actions nobody handles.
var ErrUnknownCommand = errors.New("unknown command")

// Arm is the controller surface the collaborators use.
type Arm interface {
	Snapshot() arm.Snapshot
	Settings() settings.Settings
	Subscribe(buffer int) (<-chan arm.Event, func())

	StartCycle(ctx context.Context) error
	Home(ctx context.Context) error
	MoveAxis(ctx context.Context, axis hw.AxisID, inches float64) error
	SetServo(ctx context.Context, deg int) error
	SetVacuum(ctx context.Context, on bool) error
	ToggleXDrive(ctx context.Context) (bool, error)
	ForceState(ctx context.Context, s cycle.State) error
	EmergencyStop(ctx context.Context) error
	ApplySettings(ctx context.Context, s settings.Settings) error
	PatchSettings(ctx context.Context, patch []byte) (settings.Settings, error)
}

// Command is a dashboard request, the same JSON on the websocket, the MQTT
// command topic and the HTTP API.
type Command struct {
	Command string `json:"command"`
	Action  string `json:"action,omitempty"`

	// State is a bool for the vacuum action and a state name for forceState.
	State  json.RawMessage `json:"state,omitempty"`
	Target *float64        `json:"target,omitempty"`
	Angle  *int            `json:"angle,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// StatusMessage is a snapshot tagged for the dashboard.
type StatusMessage struct {
	Type string `json:"type"`
	arm.Snapshot
}

// ConfigMessage carries the settings in force.
type ConfigMessage struct {
	Type   string            `json:"type"`
	Config settings.Settings `json:"config"`
}

// LogMessage is a human-readable line for the dashboard log pane.
type LogMessage struct {
	Type    string `json:"type"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

func statusMessage(s arm.Snapshot) StatusMessage { return StatusMessage{Type: "status", Snapshot: s} }

func configMessage(s settings.Settings) ConfigMessage {
	return ConfigMessage{Type: "config", Config: s}
}

func logMessage(level, format string, args ...any) LogMessage {
	return LogMessage{Type: "log", Level: level, Message: fmt.Sprintf(format, args...)}
}

// Dispatcher executes commands against the arm and persists settings
// changes to the store.
type Dispatcher struct {
	arm   Arm
	store *settings.Store
	log   *slog.Logger

	// saveMu keeps the stored settings in the order they were applied.
	saveMu sync.Mutex
}

func NewDispatcher(a Arm, store *settings.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{arm: a, store: store, log: logger.With("component", "commands")}
}

// Handle runs cmd and returns the message to send back to the requester.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Command {
	case "getStatus":
		return statusMessage(d.arm.Snapshot()), nil
	case "getConfig":
		return configMessage(d.arm.Settings()), nil
	case "setConfig":
		return d.setConfig(ctx, cmd.Config)
	case "resetToDefaults":
		return d.resetToDefaults(ctx)
	case "manualControl":
		return d.manual(ctx, cmd)
	case "emergencyStop":
		if err := d.arm.EmergencyStop(ctx); err != nil {
			return nil, err
		}
		return logMessage("warn", "EMERGENCY STOP ACTIVATED - All systems halted"), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}
}

func (d *Dispatcher) setConfig(ctx context.Context, patch json.RawMessage) (any, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("%w: setConfig without config", settings.ErrInvalid)
	}
	d.saveMu.Lock()
	defer d.saveMu.Unlock()
	merged, err := d.arm.PatchSettings(ctx, patch)
	if err != nil {
		return nil, err
	}
	if err := d.persist(merged); err != nil {
		return nil, err
	}
	d.log.Info("configuration updated")
	return configMessage(merged), nil
}

func (d *Dispatcher) resetToDefaults(ctx context.Context) (any, error) {
	if err := d.apply(ctx, settings.Defaults()); err != nil {
		return nil, err
	}
	d.log.Info("settings reset to defaults")
	return configMessage(settings.Defaults()), nil
}

// apply puts s in force first so a rejected change is never persisted.
func (d *Dispatcher) apply(ctx context.Context, s settings.Settings) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()
	if err := d.arm.ApplySettings(ctx, s); err != nil {
		return err
	}
	return d.persist(s)
}

func (d *Dispatcher) persist(s settings.Settings) error {
	if d.store == nil {
		return nil
	}
	if err := d.store.Save(s); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	return nil
}

func (d *Dispatcher) manual(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Action {
	case "home":
		if err := d.arm.Home(ctx); err != nil {
			return nil, err
		}
		return logMessage("info", "Homing started"), nil

	case "pickCycle":
		if err := d.arm.StartCycle(ctx); err != nil {
			return nil, err
		}
		return logMessage("info", "Pick cycle started"), nil

	case "vacuum":
		var on bool
		if err := json.Unmarshal(cmd.State, &on); err != nil {
			return nil, fmt.Errorf("%w: vacuum needs a boolean state", arm.ErrInvalidCommand)
		}
		if err := d.arm.SetVacuum(ctx, on); err != nil {
			return nil, err
		}
		return logMessage("info", "Vacuum %s", onOff(on)), nil

	case "moveX", "moveZ":
		if cmd.Target == nil {
			return nil, fmt.Errorf("%w: %s needs a target", arm.ErrInvalidCommand, cmd.Action)
		}
		axis := hw.AxisX
		if cmd.Action == "moveZ" {
			axis = hw.AxisZ
		}
		if err := d.arm.MoveAxis(ctx, axis, *cmd.Target); err != nil {
			return nil, err
		}
		return logMessage("info", "Moving %s to %.2f inches", strings.ToUpper(axis.String()), *cmd.Target), nil

	case "servo":
		if cmd.Angle == nil {
			return nil, fmt.Errorf("%w: servo needs an angle", arm.ErrInvalidCommand)
		}
		if err := d.arm.SetServo(ctx, *cmd.Angle); err != nil {
			return nil, err
		}
		return logMessage("info", "Servo moved to %d degrees", *cmd.Angle), nil

	case "toggleXMotor":
		on, err := d.arm.ToggleXDrive(ctx)
		if err != nil {
			return nil, err
		}
		s := d.arm.Settings()
		s.XMotorEnabled = on
		if err := d.apply(ctx, s); err != nil {
			return nil, err
		}
		if on {
			return logMessage("info", "X motor enabled"), nil
		}
		return logMessage("info", "X motor disabled"), nil

	case "resetToDefaults":
		return d.resetToDefaults(ctx)

	case "forceState":
		var name string
		if err := json.Unmarshal(cmd.State, &name); err != nil {
			return nil, fmt.Errorf("%w: forceState needs a state name", arm.ErrInvalidCommand)
		}
		s, err := cycle.ParseState(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", arm.ErrInvalidCommand, err)
		}
		if err := d.arm.ForceState(ctx, s); err != nil {
			return nil, err
		}
		return logMessage("warn", "State forced to %s", s), nil

	case "emergencyStop":
		return d.Handle(ctx, Command{Command: "emergencyStop"})

	default:
		return nil, fmt.Errorf("%w: manual action %q", ErrUnknownCommand, cmd.Action)
	}
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
