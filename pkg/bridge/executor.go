// Package bridge executes generated scripts against the desktop application
// through the system's scripting runner and turns raw process output into
// per-item results.
package bridge

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/errors"
)

// defaultBinary is the system scripting runner.
const defaultBinary = "osascript"

// waitGrace bounds how long Run keeps draining output pipes after the child
// is killed. A timed-out script can leave descendants holding the inherited
// stdout/stderr descriptors; without this bound Wait blocks until the last
// of them exits.
const waitGrace = time.Second

// Executor runs script bodies as child processes with a hard per-invocation
// deadline. It is safe for concurrent use; the caller bounds concurrency.
type Executor struct {
	binary string
	args   []string
	logger *zap.Logger
}

// NewExecutor creates an executor using the system scripting runner
func NewExecutor(logger *zap.Logger) *Executor {
	return NewExecutorWithCommand(defaultBinary, []string{"-e"}, logger)
}

// NewExecutorWithCommand creates an executor that runs scripts through an
// arbitrary command; the script body is appended as the final argument.
func NewExecutorWithCommand(binary string, args []string, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		binary: binary,
		args:   args,
		logger: logger,
	}
}

// Run executes one script body and returns its stdout. A non-zero exit is a
// bridge error carrying stderr; exceeding timeout (or a canceled ctx) is a
// timeout error.
func (e *Executor) Run(ctx context.Context, script string, timeout time.Duration) (string, error) {
	if script == "" {
		return "", errors.NewInputError("empty script body", nil)
	}
	if timeout <= 0 {
		return "", errors.NewInputError("non-positive script timeout", nil)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]string, 0, len(e.args)+1)
	args = append(args, e.args...)
	args = append(args, script)

	cmd := exec.CommandContext(runCtx, e.binary, args...)
	cmd.WaitDelay = waitGrace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		// Distinguish the deadline firing from the script itself failing: the
		// process error for a killed child is indistinguishable on its own.
		if ctxErr := runCtx.Err(); ctxErr != nil {
			e.logger.Warn("Script execution timed out",
				zap.Duration("timeout", timeout),
				zap.Duration("elapsed", elapsed))
			return "", errors.NewTimeoutError("script execution exceeded deadline", ctxErr)
		}

		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		e.logger.Warn("Script execution failed",
			zap.String("detail", detail),
			zap.Duration("elapsed", elapsed))
		return "", errors.NewBridgeError(detail, err)
	}

	e.logger.Debug("Script executed",
		zap.Duration("elapsed", elapsed),
		zap.Int("output_bytes", stdout.Len()))
	return stdout.String(), nil
}
