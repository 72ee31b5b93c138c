package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Topology names the JetStream streams and subjects shared by the engine and
// its executors. Result names should be environment specific
// (e.g. ACTION_RESULTS_UAT) when several deployments share one server.
type Topology struct {
	RequestStream  string
	RequestSubject string
	ResultStream   string
	ResultSubject  string

	// MaxDeliver caps deliveries of one message; a request seen more than
	// once reaches the executor flagged as redelivered.
	MaxDeliver int
	AckWait    time.Duration

	// PublishMaxRetries bounds attempts for one request or result publication
	PublishMaxRetries int
}

// ConnectionConfig is everything needed to reach the server and lay out the
// streams on it.
type ConnectionConfig struct {
	Topology

	URL  string
	Name string

	// -1 reconnects forever
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration

	// Token wins over Username/Password
	Token    string
	Username string
	Password string

	Logger *zap.Logger
}

// DefaultTopology is the stream layout used when nothing is overridden
func DefaultTopology() Topology {
	return Topology{
		RequestStream:     "ACTIONS",
		RequestSubject:    "ACTIONS.run",
		ResultStream:      "ACTION_RESULTS",
		ResultSubject:     "ACTION_RESULTS.done",
		MaxDeliver:        5,
		AckWait:           30 * time.Second,
		PublishMaxRetries: 3,
	}
}

func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		Topology:      DefaultTopology(),
		URL:           url,
		Name:          "daedalus",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// options translates cfg into nats.go connect options with lifecycle events
// logged on logger.
func (cfg *ConnectionConfig) options(logger *zap.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "" && cfg.Password != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	return opts
}

// Connect dials the server. nats.go has no context-aware dial, so the dial
// runs aside and is abandoned (then closed) if ctx ends first.
func Connect(ctx context.Context, cfg *ConnectionConfig) (*nats.Conn, error) {
	if cfg == nil {
		return nil, errors.New("connection config cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("NATS URL cannot be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialed := make(chan *nats.Conn, 1)
	failed := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, cfg.options(logger)...)
		if err != nil {
			failed <- err
			return
		}
		select {
		case <-ctx.Done():
			conn.Close()
		default:
			dialed <- conn
		}
	}()

	select {
	case conn := <-dialed:
		logger.Info("Connected to NATS",
			zap.String("url", conn.ConnectedUrl()),
			zap.String("name", cfg.Name))
		return conn, nil
	case err := <-failed:
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	}
}

// Close drains conn, closing it outright if the drain fails
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}
	return nil
}

func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}
