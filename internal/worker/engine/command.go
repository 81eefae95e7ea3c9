package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
)

const outputTailSize = 4096

// CommandRunner runs the engine as a local process
type CommandRunner struct {
	binary  string
	xvfb    bool
	timeout time.Duration
	logger  *slog.Logger
}

var _ Runner = (*CommandRunner)(nil)

// CommandRunnerConfig holds CommandRunner settings
type CommandRunnerConfig struct {
	// Binary is the engine executable, "backstop" by default
	Binary string
	// Xvfb wraps the command in "xvfb-run -a" for engines that need a display
	Xvfb    bool
	Timeout time.Duration
}

// NewCommandRunner creates a CommandRunner
func NewCommandRunner(cfg CommandRunnerConfig, logger *slog.Logger) *CommandRunner {
	binary := cfg.Binary
	if binary == "" {
		binary = "backstop"
	}
	return &CommandRunner{
		binary:  binary,
		xvfb:    cfg.Xvfb,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

func (r *CommandRunner) argv(command Command, configPath string) (string, []string) {
	args := []string{string(command), configPathArg(configPath)}
	if r.xvfb {
		return "xvfb-run", append([]string{"-a", r.binary}, args...)
	}
	return r.binary, args
}

// Run executes the command and waits for it, bounded by the runner timeout
func (r *CommandRunner) Run(ctx context.Context, command Command, configPath string) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	name, args := r.argv(command, configPath)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = filepath.Dir(configPath)
	cmd.WaitDelay = 5 * time.Second

	output := newTailBuffer(outputTailSize)
	cmd.Stdout = output
	cmd.Stderr = output

	r.logger.Info("Running engine command",
		slog.String("command", string(command)),
		slog.String("binary", name),
		slog.String("config_path", configPath),
	)

	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%w)", err, ctxErr)
		}

		r.logger.Error("Engine command failed",
			slog.String("command", string(command)),
			slog.String("output", output.String()),
			slog.Any("error", err),
		)

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s exited with code %d: %w", domain.ErrEngineExecutionFailed, command, exitErr.ExitCode(), err)
		}
		return fmt.Errorf("%w: %s: %w", domain.ErrEngineExecutionFailed, command, err)
	}

	r.logger.Debug("Engine command finished",
		slog.String("command", string(command)),
		slog.String("output", output.String()),
	)

	return nil
}
