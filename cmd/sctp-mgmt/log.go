package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrick/logrotate/rotator"
)

// logWriter copies log output to the console and the log rotator.
type logWriter struct {
	mu      sync.Mutex
	console io.Writer
	rotator *rotator.Rotator
}

// Write implements io.Writer. Console errors are ignored.
func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.console != nil {
		w.console.Write(p)
	}
	if w.rotator == nil {
		return len(p), nil
	}
	return w.rotator.Write(p)
}

// setConsole redirects console output; nil silences it.
func (w *logWriter) setConsole(c io.Writer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.console = c
}

// Close stops the rotator.
func (w *logWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rotator == nil {
		return nil
	}
	return w.rotator.Close()
}

// initLogRotator creates the log directory and a rotator for the log file.
func initLogRotator(logFile string, maxSizeKB int64, maxRolls int) (*rotator.Rotator, error) {
	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, maxSizeKB, false, maxRolls)
	if err != nil {
		return nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	return r, nil
}

// setupLogging returns the text logger of the process and its writer.
func setupLogging(cfg *config) (*slog.Logger, *logWriter, error) {
	r, err := initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogSize, cfg.MaxLogRolls)
	if err != nil {
		return nil, nil, err
	}
	w := &logWriter{rotator: r}
	if !cfg.NoConsole {
		w.console = os.Stdout
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     cfg.level,
		AddSource: cfg.level <= slog.LevelDebug,
	})
	return slog.New(handler), w, nil
}
