package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/tphummel/as7265x_bench/internal/models"
)

// Exec runs commands as local processes. Unless shell is set the command
// line is split into argv without a shell, so pin names and register values
// are never interpreted.
type Exec struct {
	timeout time.Duration
	shell   bool
	logger  *slog.Logger
}

func newExec(c models.Communication, logger *slog.Logger) (Dispatcher, error) {
	return &Exec{timeout: c.Timeout, shell: c.Shell, logger: logger}, nil
}

func (e *Exec) argv(cmd string) ([]string, error) {
	if e.shell {
		return []string{"/bin/sh", "-c", cmd}, nil
	}
	args, err := shlex.Split(cmd)
	if err != nil {
		return nil, fmt.Errorf("split command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	return args, nil
}

func (e *Exec) Dispatch(ctx context.Context, cmd string) (Result, error) {
	args, err := e.argv(cmd)
	if err != nil {
		return Result{}, err
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Stdout = &stdout
	c.Stderr = &stderr
	err = c.Run()

	res := Result{
		Output: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
		OK:     err == nil,
	}
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, fmt.Errorf("%w: %s after %s", ErrTimeout, args[0], e.timeout)
		}
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.logger.Debug("command exited non-zero", "cmd", args[0], "code", exitErr.ExitCode())
		return res, nil
	}
	return res, fmt.Errorf("run %s: %w", args[0], err)
}

func (e *Exec) Close() error { return nil }
