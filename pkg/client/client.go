package client

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"github.com/wehubfusion/Daedalus/internal/nats"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"go.uber.org/zap"
)

// Client is the central JetStream client that manages the connection and
// exposes the flow file message service.
//
// Example usage:
//
//	c := client.NewClient("nats://localhost:4222")
//	if err := c.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer c.Close()
//
//	c.Messages.Publish(ctx, "FLOWFILES.in", message.NewFlowFileMessage(ff, content))
type Client struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	config *nats.ConnectionConfig
	logger *zap.Logger

	// Messages provides publish and pull operations for flow file messages
	Messages *message.MessageService
}

// NewClient creates a client with the default connection configuration.
// The client must be connected using Connect() before use.
func NewClient(url string) *Client {
	return NewClientWithConfig(nats.DefaultConnectionConfig(url))
}

// NewClientWithConfig creates a client with custom connection parameters
func NewClientWithConfig(config *nats.ConnectionConfig) *Client {
	return &Client{
		config: config,
		logger: zap.NewNop(),
	}
}

// NewClientWithJSContext creates a client wired to a provided JSContext implementation.
// Useful for tests to avoid connecting to a real NATS server.
func NewClientWithJSContext(js message.JSContext) *Client {
	cfg := nats.DefaultConnectionConfig("")
	svc, _ := message.NewMessageService(js, cfg.MaxDeliver, cfg.PublishMaxRetries)
	return &Client{
		config:   cfg,
		Messages: svc,
		logger:   zap.NewNop(),
	}
}

// SetLogger sets a custom zap logger for the client and its message service
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger == nil {
		return
	}
	c.logger = logger
	if c.config != nil {
		c.config.Logger = logger
	}
	if c.Messages != nil {
		c.Messages.SetLogger(logger)
	}
}

// Connect establishes a connection to the NATS server and initializes JetStream context.
// Returns an error if connection fails or if JetStream is not enabled on the server.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	conn, err := nats.Connect(ctx, c.config)
	if err != nil {
		return sdkerrors.NewInternalError("", "failed to connect to NATS", "CONNECTION_FAILED",
			fmt.Errorf("%w: %w", sdkerrors.ErrNotConnected, err))
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		return sdkerrors.NewInternalError("", "JetStream is not enabled on the NATS server", "JETSTREAM_NOT_ENABLED", err)
	}
	c.js = js

	msgService, err := message.NewMessageService(
		message.WrapNATSJetStream(c.js),
		c.config.MaxDeliver,
		c.config.PublishMaxRetries,
	)
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		c.js = nil
		return sdkerrors.NewInternalError("", "failed to initialize message service", "SERVICE_INIT_FAILED", err)
	}
	msgService.SetLogger(c.logger)
	c.Messages = msgService

	c.logger.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return nil
}

// Close drains in-flight messages and closes the NATS connection
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	if err := nats.Close(c.conn); err != nil {
		return sdkerrors.NewInternalError("", "failed to close connection", "CLOSE_FAILED", err)
	}

	c.conn = nil
	c.js = nil
	c.Messages = nil
	return nil
}

// IsConnected returns true if the client is currently connected to the NATS server
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Ping flushes the connection to verify the server is responsive
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return sdkerrors.NewInternalError("", "not connected to NATS", "NOT_CONNECTED", sdkerrors.ErrNotConnected)
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.conn.FlushTimeout(c.config.Timeout)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ping cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return sdkerrors.NewInternalError("", "ping failed", "PING_FAILED", err)
		}
		return nil
	}
}
