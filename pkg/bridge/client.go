package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// launchWait is how long the client waits after launching the application
// before considering it reachable.
const launchWait = 2 * time.Second

// healthTimeout bounds the lightweight reachability probe.
const healthTimeout = 10 * time.Second

// checkRunningScript asks the system process table whether the application
// is up without touching the application itself.
const checkRunningScript = `tell application "System Events" to (name of processes) contains "Things3"`

// launchScript starts the application and brings it to a scriptable state
const launchScript = `tell application "Things3" to activate`

// healthScript is a minimal read that exercises the scripting interface
const healthScript = `tell application "Things3" to return name of first list`

// Client wraps an Executor with application lifecycle management: it can
// probe, launch, and health-check the automated application. Client
// implements batch.Bridge.
type Client struct {
	executor *Executor
	logger   *zap.Logger
}

// NewClient creates a bridge client around the given executor
func NewClient(executor *Executor, logger *zap.Logger) (*Client, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{executor: executor, logger: logger}, nil
}

// IsRunning reports whether the application process is currently up
func (c *Client) IsRunning(ctx context.Context) (bool, error) {
	out, err := c.executor.Run(ctx, checkRunningScript, healthTimeout)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

// EnsureRunning probes the application and launches it when absent. It
// returns once the scripting interface answers a trivial read.
func (c *Client) EnsureRunning(ctx context.Context) error {
	running, err := c.IsRunning(ctx)
	if err != nil {
		return err
	}

	if !running {
		c.logger.Info("Application not running, launching")
		if _, err := c.executor.Run(ctx, launchScript, healthTimeout); err != nil {
			return err
		}
		select {
		case <-time.After(launchWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, err := c.executor.Run(ctx, healthScript, healthTimeout); err != nil {
		return err
	}
	c.logger.Debug("Application reachable")
	return nil
}

// Run executes one script body, delegating to the underlying executor
func (c *Client) Run(ctx context.Context, script string, timeout time.Duration) (string, error) {
	return c.executor.Run(ctx, script, timeout)
}
