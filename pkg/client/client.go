// Package client manages the broker connection the agent consumes tool
// invocations from and publishes results to.
package client

import (
	"context"

	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/internal/nats"
	"github.com/wehubfusion/Talos/pkg/errors"
)

// Client is the JetStream client the agent runs on. JetStream is required:
// invocation consumption is pull-based and results need at-least-once
// delivery.
type Client struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	config *nats.ConnectionConfig
	logger *zap.Logger
}

// NewClient creates a client with default configuration for the given URL
func NewClient(url string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: nats.DefaultConnectionConfig(url),
		logger: logger,
	}
}

// NewClientWithConfig creates a client with custom connection configuration
func NewClientWithConfig(config *nats.ConnectionConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: config,
		logger: logger,
	}
}

// Connect establishes the broker connection and initializes the JetStream
// context. It must be called before the client is handed to a runner.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	conn, err := nats.Connect(ctx, c.config, c.logger)
	if err != nil {
		return errors.NewBridgeError("failed to connect to NATS", err)
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		return errors.NewBridgeError("JetStream is not enabled on the NATS server", err)
	}
	c.js = js

	c.logger.Info("Connected to NATS", zap.String("url", c.config.URL))
	return nil
}

// JetStream returns the JetStream context, or nil before Connect
func (c *Client) JetStream() natsclient.JetStreamContext {
	return c.js
}

// Config returns the connection configuration
func (c *Client) Config() *nats.ConnectionConfig {
	return c.config
}

// IsConnected reports whether the broker connection is active
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Close drains and closes the broker connection
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := nats.Close(c.conn)
	c.conn = nil
	c.js = nil
	return err
}
