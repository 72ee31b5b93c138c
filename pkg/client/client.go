// Package client connects Daedalus processes to NATS JetStream and exposes the
// action messaging service.
package client

import (
	"context"

	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/nats"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Client owns the NATS connection and the JetStream context built on it.
// Standard NATS publish/subscribe is not used; every message goes through
// JetStream so it survives restarts of the engine or the executors.
//
//	c := client.NewClient("nats://localhost:4222")
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	defer c.Close()
//	err := c.Messages.PublishRequest(ctx, req)
type Client struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	config *nats.ConnectionConfig
	logger *zap.Logger

	// Messages publishes action requests and results and pulls them back
	Messages *message.MessageService
}

// NewClient creates a client with default configuration. The client must be
// connected using Connect() before use.
func NewClient(url string) *Client {
	return NewClientWithConfig(nats.DefaultConnectionConfig(url))
}

// NewClientWithConfig creates a client with custom connection and stream configuration
func NewClientWithConfig(config *nats.ConnectionConfig) *Client {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: config,
		logger: logger,
	}
}

// NewClientWithJSContext builds a connected-looking client over js, such as
// messagetest.MockJS, without a server.
func NewClientWithJSContext(js message.JSContext, cfg message.Config) *Client {
	svc, _ := message.NewMessageService(js, cfg)
	return &Client{
		Messages: svc,
		logger:   zap.NewNop(),
	}
}

// MessageConfig maps the connection configuration onto the message service
func MessageConfig(config *nats.ConnectionConfig) message.Config {
	return message.Config{
		MaxDeliver:        config.MaxDeliver,
		PublishMaxRetries: config.PublishMaxRetries,
		AckWait:           config.AckWait,
		RequestStream:     config.RequestStream,
		RequestSubject:    config.RequestSubject,
		ResultStream:      config.ResultStream,
		ResultSubject:     config.ResultSubject,
	}
}

// Connect establishes the NATS connection, initializes JetStream and creates
// the request and result streams. It fails when JetStream is not enabled on
// the server.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}
	if c.config == nil {
		return sdkerrors.NewValidationError("connection config is required", "INVALID_CONFIG", nil)
	}

	conn, err := nats.Connect(ctx, c.config)
	if err != nil {
		return sdkerrors.NewInternalError("", "failed to connect to NATS", "CONNECTION_FAILED", err)
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		c.reset()
		return sdkerrors.NewInternalError("", "JetStream is not enabled on the NATS server", "JETSTREAM_NOT_ENABLED", err)
	}
	c.js = js

	msgService, err := message.NewMessageService(message.WrapNATSJetStream(c.js), MessageConfig(c.config))
	if err != nil {
		c.reset()
		return sdkerrors.NewInternalError("", "failed to initialize message service", "SERVICE_INIT_FAILED", err)
	}
	msgService.SetLogger(c.logger)

	if err := msgService.EnsureTopology(); err != nil {
		c.reset()
		return sdkerrors.NewInternalError("", "failed to create streams", "STREAM_ENSURE_FAILED", err)
	}
	c.Messages = msgService

	c.logger.Info("Connected to NATS JetStream",
		zap.String("url", c.config.URL),
		zap.String("request_stream", c.config.RequestStream),
		zap.String("result_stream", c.config.ResultStream))
	return nil
}

func (c *Client) reset() {
	_ = nats.Close(c.conn)
	c.conn = nil
	c.js = nil
}

// SetLogger sets a custom zap logger for the client and its message service
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger == nil {
		return
	}
	c.logger = logger
	if c.Messages != nil {
		c.Messages.SetLogger(logger)
	}
}

// Close drains in-flight messages and closes the connection
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

// Ping round-trips to the server. The executor serves it as its readiness
// probe.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return sdkerrors.NewInternalError("", "not connected to NATS", "NOT_CONNECTED", sdkerrors.ErrNotConnected)
	}
	if _, ok := ctx.Deadline(); !ok && c.config != nil && c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return sdkerrors.NewInternalError("", "ping failed", "PING_FAILED", err)
	}
	return nil
}
