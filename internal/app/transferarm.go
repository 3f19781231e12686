// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/transfer_arm/internal/arm"
	"github.com/relabs-tech/transfer_arm/internal/config"
	"github.com/relabs-tech/transfer_arm/internal/hw"
	"github.com/relabs-tech/transfer_arm/internal/settings"
	"github.com/relabs-tech/transfer_arm/internal/telemetry"
)

// RunTransferArm wires the board, the controller and every operator surface
// and runs them until ctx is done or one of them fails.
func RunTransferArm(ctx context.Context, cfg *config.Config, logger *slog.Logger, router *telemetry.Router) error {
	board, err := openBoard(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := board.Close(); err != nil {
			logger.Warn("board close error", "error", err)
		}
	}()

	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		return err
	}
	logger.Info("settings loaded", "path", store.Path())

	ctrl, err := arm.New(board, store.Get(), controllerOptions(cfg), logger)
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	dispatcher := NewDispatcher(ctrl, store, logger)
	dash := NewDashboard(ctrl, dispatcher, logger)
	if router != nil {
		router.SetSink(dash)
		defer router.SetSink(nil)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ctrl.Run(ctx) })

	statusEvery := time.Duration(cfg.StatusInterval) * time.Millisecond
	g.Go(func() error { return dash.Run(ctx, statusEvery) })

	handler := NewWebHandler(ctrl, dispatcher, dash, cfg.WebRoot, logger)
	g.Go(func() error { return RunWeb(ctx, cfg.WebServerPort, handler, logger) })

	if cfg.MQTTBroker != "" {
		g.Go(func() error { return RunMQTTBridge(ctx, cfg, ctrl, dispatcher, logger) })
	} else {
		logger.Info("MQTT bridge disabled, no broker configured")
	}

	if cfg.SerialPort != "" {
		g.Go(func() error {
			// a lost console cable must not stop the arm either
			if err := RunSerialConsole(ctx, cfg, ctrl, dispatcher, logger); err != nil {
				logger.Warn("serial console stopped", "port", cfg.SerialPort, "error", err)
			}
			return nil
		})
	}

	if cfg.DisplayUpdateInterval > 0 && !cfg.Simulation {
		g.Go(func() error {
			// the panel is optional, a missing display must not stop the arm
			if err := RunDisplay(ctx, cfg, ctrl, logger); err != nil {
				logger.Warn("display unavailable", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func openBoard(cfg *config.Config, logger *slog.Logger) (hw.Board, error) {
	if cfg.Simulation {
		logger.Info("running on simulated hardware", "x_start", cfg.SimXStart, "z_start", cfg.SimZStart)
		return hw.NewSim(cfg.SimXStart, cfg.SimZStart), nil
	}
	board, err := hw.OpenGPIO(hw.Pins{
		StartButton:    cfg.PinStartButton,
		UpstreamSignal: cfg.PinUpstreamSignal,
		XHome:          cfg.PinXHome,
		ZHome:          cfg.PinZHome,
		XStep:          cfg.PinXStep,
		XDir:           cfg.PinXDir,
		XEnable:        cfg.PinXEnable,
		ZStep:          cfg.PinZStep,
		ZDir:           cfg.PinZDir,
		Servo:          cfg.PinServo,
		Vacuum:         cfg.PinVacuum,
		Handshake:      cfg.PinHandshake,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open GPIO board: %w", err)
	}
	return board, nil
}

func controllerOptions(cfg *config.Config) arm.Options {
	opts := arm.DefaultOptions()
	opts.Tick = cfg.ControlTick()
	opts.SwitchDebounce = time.Duration(cfg.SwitchDebounceMs) * time.Millisecond
	opts.ButtonDebounce = time.Duration(cfg.ButtonDebounceMs) * time.Millisecond
	opts.HomingTimeout = cfg.HomingTimeout()
	opts.BackOffLimit = int64(cfg.HomingBackOffLimit)
	return opts
}
