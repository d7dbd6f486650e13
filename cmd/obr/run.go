package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"obr/internal/config"
	"obr/internal/input"
	"obr/internal/lock"
	"obr/internal/logging"
	"obr/internal/nvm"
	"obr/internal/session"
	"obr/internal/status"
)

// env bundles the pieces every command needs: parsed config, the open
// flag store, the log file, and the held lock. Close releases them in
// reverse order.
type env struct {
	cfg     *config.Config
	store   *nvm.Store
	logFile *os.File
	release func() error
}

func openEnv(configPath, source string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.LogDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir(), fmt.Sprintf("%s.log", time.Now().Format("2006-01-02")))
	logger, logFile, err := logging.NewLogger(logPath, os.Stderr, slog.LevelWarn)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)

	release, err := lock.Acquire(cfg.LockPath(), source)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	store, err := nvm.Open(cfg.FlagStorePath())
	if err != nil {
		release()
		logFile.Close()
		return nil, fmt.Errorf("failed to open flag store: %w", err)
	}

	return &env{cfg: cfg, store: store, logFile: logFile, release: release}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		slog.Warn("Failed to close flag store", "error", err)
	}
	if err := e.release(); err != nil {
		slog.Warn("Failed to release lock", "error", err)
	}
	e.logFile.Close()
}

// gpioButton samples an exported GPIO value file. The kernel reports
// "1" while the line is asserted.
type gpioButton struct {
	path string
}

func (g gpioButton) Pressed() bool {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return false
	}
	return len(bytes.TrimSpace(data)) > 0 && bytes.TrimSpace(data)[0] == '1'
}

func runSession(ctx context.Context, configPath string, serial bool, buttonPath string) error {
	source := "button"
	if serial {
		source = "serial"
	}

	e, err := openEnv(configPath, source)
	if err != nil {
		return err
	}
	defer e.Close()

	reporter := status.NewReporter(nil, os.Stdout)

	var src session.EventSource
	var inputSource session.InputSource
	if serial {
		src = input.NewSerialSource(os.Stdin, os.Stdout)
		inputSource = session.SourceSerial
	} else {
		src = input.NewButtonSource(
			gpioButton{path: buttonPath},
			e.cfg.PollInterval(), e.cfg.LongPress(), e.cfg.Hold())
		inputSource = session.SourceButton
	}

	sess := session.New(inputSource)
	exec := &executor{cfg: e.cfg, store: e.store}

	// Show the menu before the first input so the operator sees where
	// they are. Idle consumes the synthetic short press.
	if effects, err := sess.Step(session.Event{Kind: session.PressShort}); err == nil {
		for _, fx := range effects {
			reporter.Render(fx.Lines)
		}
	}

	slog.Info("Recovery session started", "source", source)
	if err := session.Run(ctx, sess, src, exec, reporter); err != nil {
		return fmt.Errorf("recovery session failed: %w", err)
	}
	slog.Info("Recovery session ended")
	return nil
}
