// Package transport executes hypervisor commands either directly on the
// local host or on a remote hypervisor over SSH. Drivers, the feature
// pipeline, and the health gate all go through the Runner interface and
// never spawn processes themselves.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Result captures the outcome of one command execution.
type Result struct {
	// Stdout is the captured standard output, trimmed.
	Stdout string

	// Stderr is the captured standard error, trimmed.
	Stderr string

	// ExitCode is the command's exit code. Zero means success.
	ExitCode int

	// Duration is how long the command ran.
	Duration time.Duration
}

// Runner executes commands against the hypervisor host. A non-zero exit
// code is reported through Result.ExitCode, not through the error return;
// the error return is reserved for transport-level failures (binary not
// found, connection lost, context cancelled).
type Runner interface {
	// Run executes name with args and captures its output.
	Run(ctx context.Context, name string, args ...string) (Result, error)

	// WriteFile places data at path on the hypervisor host with the given
	// mode, creating parent directories as needed.
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error

	// RemoveFile deletes path on the hypervisor host. Missing files are not
	// an error.
	RemoveFile(ctx context.Context, path string) error
}

// LocalRunner executes commands on the local host.
type LocalRunner struct {
	logger zerolog.Logger
}

// NewLocalRunner creates a runner for the local host.
func NewLocalRunner(logger zerolog.Logger) *LocalRunner {
	return &LocalRunner{
		logger: logger.With().Str("component", "transport").Str("mode", "local").Logger(),
	}
}

// Run executes a command locally.
func (r *LocalRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	r.logger.Debug().
		Str("command", name).
		Strs("args", args).
		Dur("duration", result.Duration).
		Msg("command completed")

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to execute %s: %w", name, err)
	}

	return result, nil
}

// WriteFile writes data to a local path.
func (r *LocalRunner) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// RemoveFile deletes a local path.
func (r *LocalRunner) RemoveFile(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
