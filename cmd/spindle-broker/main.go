// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

// Spindle-broker is the supervisory core of the spindle message bus: a
// privileged process launched with one pre-accepted controller socket.
// It reads the controller's peer credentials, establishes per-user
// resource accounting, and runs the single-threaded dispatch loop
// until the controller hangs up (and its output drains) or a
// termination signal arrives.
//
// The launcher passes the connected controller socket as an inherited
// descriptor, fd 3 by convention:
//
//	spindle-broker --controller-fd 3 --config /etc/spindle/spindle.yaml
//
// Exit status is 0 for a clean shutdown (controller hangup or signal)
// and 1 for a callback-requested failure or an unexpected error.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/spindle-ipc/spindle/lib/broker"
	"github.com/spindle-ipc/spindle/lib/config"
	"github.com/spindle-ipc/spindle/lib/limitsdef"
	"github.com/spindle-ipc/spindle/lib/process"
	"github.com/spindle-ipc/spindle/lib/runstate"
	"github.com/spindle-ipc/spindle/lib/user"
	"github.com/spindle-ipc/spindle/lib/version"
)

// staleRunStateWindow bounds how old a leftover run-state record may
// be and still be reported as a crash of the previous broker.
const staleRunStateWindow = 30 * 24 * time.Hour

func main() {
	code, err := run()
	if err != nil {
		process.Fatal(err)
	}
	os.Exit(code)
}

func run() (int, error) {
	var (
		controllerFD int
		configPath   string
		logLevelFlag string
		runStateFlag string
		showVersion  bool
	)

	flagSet := pflag.NewFlagSet("spindle-broker", pflag.ContinueOnError)
	flagSet.IntVar(&controllerFD, "controller-fd", 3, "inherited descriptor of the connected controller socket")
	flagSet.StringVar(&configPath, "config", "", "path to spindle.yaml (default: SPINDLE_CONFIG, else built-in policy)")
	flagSet.StringVar(&logLevelFlag, "log-level", "", "override the configured log level (debug, info, warn, error)")
	flagSet.StringVar(&runStateFlag, "run-state", "", "override the configured run-state file path")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return process.ExitFailure, err
	}

	if showVersion {
		fmt.Printf("spindle-broker %s\n", version.Info())
		return process.ExitSuccess, nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return process.ExitFailure, err
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if runStateFlag != "" {
		cfg.RunStatePath = runStateFlag
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return process.ExitFailure, err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	overrides, err := loadOverrides(cfg)
	if err != nil {
		return process.ExitFailure, err
	}

	reportStaleRunState(cfg, log)

	manager, err := broker.New(controllerFD, broker.Options{
		Log:       log,
		Limits:    cfg.Accounting.Limits(),
		Overrides: overrides,
	})
	if err != nil {
		return process.ExitFailure, fmt.Errorf("starting broker: %w", err)
	}
	defer manager.Close()

	if cfg.RunStatePath != "" {
		state := runstate.State{
			PID:           os.Getpid(),
			GUID:          broker.ControllerGUID,
			ControllerUID: manager.ControllerUID(),
			Limits:        cfg.Accounting.Limits(),
			StartedAt:     time.Now(),
		}
		if err := runstate.Write(cfg.RunStatePath, state); err != nil {
			return process.ExitFailure, fmt.Errorf("writing run state: %w", err)
		}
	}

	log.Info("broker running",
		"controller_fd", controllerFD,
		"controller_uid", manager.ControllerUID(),
		"version", version.Info(),
	)

	control, err := manager.Run()
	if err != nil {
		return process.ExitFailure, fmt.Errorf("dispatch loop: %w", err)
	}

	if cfg.RunStatePath != "" {
		if err := runstate.Clear(cfg.RunStatePath); err != nil {
			log.Warn("clearing run state", "error", err)
		}
	}

	log.Info("broker exiting", "control", control.String())
	return process.ExitCode(control), nil
}

// loadConfig resolves the configuration: an explicit --config path,
// else SPINDLE_CONFIG, else the built-in reference policy.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("SPINDLE_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// loadOverrides reads the per-uid limits file named by the config, if
// any.
func loadOverrides(cfg *config.Config) (map[uint32]user.Limits, error) {
	if cfg.LimitsFile == "" {
		return nil, nil
	}
	definition, err := limitsdef.ReadFile(cfg.LimitsFile)
	if err != nil {
		return nil, fmt.Errorf("loading limits overrides: %w", err)
	}
	return definition.ByUID(), nil
}

// reportStaleRunState logs a leftover run-state record from a broker
// that did not shut down cleanly, then leaves it in place to be
// overwritten by this run's record.
func reportStaleRunState(cfg *config.Config, log *slog.Logger) {
	if cfg.RunStatePath == "" {
		return
	}
	state, present, err := runstate.Check(cfg.RunStatePath, staleRunStateWindow)
	if err != nil {
		log.Warn("reading previous run state", "error", err)
		return
	}
	if present {
		log.Warn("previous broker did not exit cleanly",
			"previous_pid", state.PID,
			"previous_start", state.StartedAt,
		)
	}
}
