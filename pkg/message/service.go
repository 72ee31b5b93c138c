package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/action"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// JSContext defines the minimal subset of JetStream operations the service depends on.
// This allows tests to provide a mock without requiring a running NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// JSSubscription abstracts operations used from a pull subscription.
// Implemented by the real nats.Subscription via adapter and by test doubles.
type JSSubscription interface {
	Unsubscribe() error
	Drain() error
	IsValid() bool
	Pending() (int, int, error)
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// AckProvider is implemented by JSContext doubles whose messages are not bound
// to a real subscription. The service acknowledges through the returned value
// instead of the *nats.Msg.
type AckProvider interface {
	Acknowledger(msg *nats.Msg) Acknowledger
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return &natsSubAdapter{sub: sub}, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg)
}

type natsSubAdapter struct{ sub *nats.Subscription }

func (s *natsSubAdapter) Unsubscribe() error         { return s.sub.Unsubscribe() }
func (s *natsSubAdapter) Drain() error               { return s.sub.Drain() }
func (s *natsSubAdapter) IsValid() bool              { return s.sub.IsValid() }
func (s *natsSubAdapter) Pending() (int, int, error) { return s.sub.Pending() }
func (s *natsSubAdapter) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	return s.sub.Fetch(batch, opts...)
}

// BlobStorageClient stores results too large to travel inline
type BlobStorageClient interface {
	UploadResult(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error)
	DownloadResult(ctx context.Context, blobURL string) ([]byte, error)
}

const (
	maxInlineResultSize = 1.5 * 1024 * 1024 // 1.5MB - Threshold for inline vs blob storage
	maxPullWait         = 3 * time.Second
)

// Config names the streams and subjects actions travel on
type Config struct {
	// MaxDeliver is the maximum number of delivery attempts per message
	MaxDeliver int
	// PublishMaxRetries bounds attempts for request and result publishing
	PublishMaxRetries int
	// PublishRetryDelay is the base delay between publish attempts
	PublishRetryDelay time.Duration
	AckWait           time.Duration

	RequestStream  string
	RequestSubject string
	ResultStream   string
	ResultSubject  string
}

// DefaultConfig returns the stream layout used when none is configured
func DefaultConfig() Config {
	return Config{
		MaxDeliver:        5,
		PublishMaxRetries: 3,
		PublishRetryDelay: time.Second,
		AckWait:           30 * time.Second,
		RequestStream:     "ACTIONS",
		RequestSubject:    "ACTIONS.run",
		ResultStream:      "ACTION_RESULTS",
		ResultSubject:     "ACTION_RESULTS.done",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = d.MaxDeliver
	}
	if c.PublishMaxRetries <= 0 {
		c.PublishMaxRetries = d.PublishMaxRetries
	}
	if c.PublishRetryDelay <= 0 {
		c.PublishRetryDelay = d.PublishRetryDelay
	}
	if c.AckWait <= 0 {
		c.AckWait = d.AckWait
	}
	if c.RequestStream == "" {
		c.RequestStream = d.RequestStream
	}
	if c.RequestSubject == "" {
		c.RequestSubject = c.RequestStream + ".run"
	}
	if c.ResultStream == "" {
		c.ResultStream = d.ResultStream
	}
	if c.ResultSubject == "" {
		c.ResultSubject = c.ResultStream + ".done"
	}
	return c
}

// MessageService moves action requests to executors and their results back to
// the engine over JetStream. Every message is acknowledged explicitly.
type MessageService struct {
	js          JSContext
	cfg         Config
	logger      *zap.Logger
	blobStorage BlobStorageClient
}

// NewMessageService creates a new message service with the given JetStream context.
// Any implementation that satisfies JSContext (including nats.JetStreamContext) can be used.
// Zero fields of cfg take their DefaultConfig value.
func NewMessageService(js JSContext, cfg Config) (*MessageService, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	return &MessageService{
		js:     js,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
	}, nil
}

// SetLogger sets a custom zap logger for the message service
func (s *MessageService) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetBlobStorage sets the blob storage client for large results
func (s *MessageService) SetBlobStorage(bs BlobStorageClient) {
	s.blobStorage = bs
}

// Config returns the effective configuration
func (s *MessageService) Config() Config {
	return s.cfg
}

// EnsureStream creates the JetStream stream if it doesn't exist.
// Without subjects the stream captures "<stream>.>".
func (s *MessageService) EnsureStream(streamName string, subjects ...string) error {
	if streamName == "" {
		return sdkerrors.NewValidationError("stream name cannot be empty", "INVALID_STREAM", nil)
	}

	streamInfo, err := s.js.StreamInfo(streamName)
	if err == nil {
		s.logger.Debug("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", streamInfo.State.Msgs))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	if len(subjects) == 0 {
		subjects = []string{streamName + ".>"}
	}
	streamConfig := &nats.StreamConfig{
		Name:     streamName,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	}
	if _, err := s.js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
	}

	s.logger.Info("Created JetStream stream",
		zap.String("stream", streamName),
		zap.Strings("subjects", subjects),
		zap.Duration("max_age", streamConfig.MaxAge))
	return nil
}

// EnsureConsumer creates a durable pull consumer if it doesn't exist.
// A non-empty filterSubject restricts the consumer to that subject.
func (s *MessageService) EnsureConsumer(streamName, consumerName, filterSubject string) error {
	if streamName == "" || consumerName == "" {
		return sdkerrors.NewValidationError("stream and consumer names are required", "INVALID_CONSUMER", nil)
	}

	consumerInfo, err := s.js.ConsumerInfo(streamName, consumerName)
	if err == nil {
		s.logger.Debug("JetStream consumer already exists",
			zap.String("stream", streamName),
			zap.String("consumer", consumerName),
			zap.Uint64("pending", consumerInfo.NumPending))
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	consumerConfig := &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckWait:       s.cfg.AckWait,
		MaxAckPending: 1000,
		MaxDeliver:    s.cfg.MaxDeliver,
		FilterSubject: filterSubject,
	}
	if _, err := s.js.AddConsumer(streamName, consumerConfig); err != nil {
		return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	s.logger.Info("Created JetStream consumer",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName),
		zap.String("filter_subject", filterSubject),
		zap.Int("max_deliver", s.cfg.MaxDeliver))
	return nil
}

// EnsureTopology creates the request and result streams
func (s *MessageService) EnsureTopology() error {
	if err := s.EnsureStream(s.cfg.RequestStream, s.cfg.RequestSubject); err != nil {
		return err
	}
	return s.EnsureStream(s.cfg.ResultStream, s.cfg.ResultSubject)
}

// EnsureRequestConsumer creates the durable consumer executors pull requests from
func (s *MessageService) EnsureRequestConsumer(consumer string) error {
	if err := s.EnsureStream(s.cfg.RequestStream, s.cfg.RequestSubject); err != nil {
		return err
	}
	return s.EnsureConsumer(s.cfg.RequestStream, consumer, s.cfg.RequestSubject)
}

// EnsureResultConsumer creates the durable consumer the engine pulls results from
func (s *MessageService) EnsureResultConsumer(consumer string) error {
	if err := s.EnsureStream(s.cfg.ResultStream, s.cfg.ResultSubject); err != nil {
		return err
	}
	return s.EnsureConsumer(s.cfg.ResultStream, consumer, s.cfg.ResultSubject)
}

// publish sends data with bounded retries. msgID enables JetStream duplicate
// detection so a retried publish is stored once.
func (s *MessageService) publish(ctx context.Context, subject, msgID string, data []byte) error {
	backoff := retry.WithMaxRetries(uint64(s.cfg.PublishMaxRetries-1), retry.NewExponential(s.cfg.PublishRetryDelay))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		_, err := s.js.Publish(subject, data, nats.MsgId(msgID))
		if err == nil {
			return nil
		}
		s.logger.Warn("Failed to publish, retrying",
			zap.String("subject", subject),
			zap.String("msg_id", msgID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", s.cfg.PublishMaxRetries),
			zap.Error(err))
		return retry.RetryableError(err)
	})
}

// PublishRequest publishes an action request for executors
func (s *MessageService) PublishRequest(ctx context.Context, req action.Request) error {
	msg := NewRequestMessage(req)
	if err := msg.Validate(); err != nil {
		return sdkerrors.NewValidationError("invalid action request", "INVALID_MESSAGE", err)
	}

	data, err := msg.ToBytes()
	if err != nil {
		return sdkerrors.NewInternalError(req.ActionExecutionID, "failed to marshal request", "MARSHAL_FAILED", err)
	}

	if err := s.publish(ctx, s.cfg.RequestSubject, "req-"+req.ActionExecutionID, data); err != nil {
		s.logger.Error("Failed to publish action request",
			zap.String("action_execution_id", req.ActionExecutionID),
			zap.String("task_execution_id", req.TaskExecutionID),
			zap.Error(err))
		return sdkerrors.NewInternalError(req.ActionExecutionID, "failed to publish request", "PUBLISH_FAILED", err)
	}

	s.logger.Debug("Published action request",
		zap.String("action_execution_id", req.ActionExecutionID),
		zap.String("action_class", req.ActionClass),
		zap.Int("index", req.Index))
	return nil
}

// PublishResult reports the outcome of req. Results larger than 1.5MB are
// uploaded to blob storage and referenced from the message.
func (s *MessageService) PublishResult(ctx context.Context, req action.Request, res action.Result, elapsed time.Duration) error {
	resultMsg, err := NewResultMessage(req, res)
	if err != nil {
		return sdkerrors.NewInternalError(req.ActionExecutionID, "failed to encode result", "MARSHAL_FAILED", err)
	}
	resultMsg.WithExecutionTime(elapsed)

	if resultMsg.ResultSize > maxInlineResultSize {
		if s.blobStorage == nil {
			return sdkerrors.NewInternalError(req.ActionExecutionID,
				fmt.Sprintf("result size %d exceeds inline limit and blob storage is not configured", resultMsg.ResultSize),
				"BLOB_NOT_CONFIGURED", nil)
		}

		blobPath := fmt.Sprintf("results/%s/%s.json", req.TaskExecutionID, req.ActionExecutionID)
		blobURL, err := s.blobStorage.UploadResult(ctx, blobPath, resultMsg.InlineResult, map[string]string{
			"task_execution_id":   req.TaskExecutionID,
			"action_execution_id": req.ActionExecutionID,
			"action_class":        req.ActionClass,
		})
		if err != nil {
			s.logger.Error("Failed to upload result to blob storage",
				zap.String("action_execution_id", req.ActionExecutionID),
				zap.String("blob_path", blobPath),
				zap.Error(err))
			return sdkerrors.NewInternalError(req.ActionExecutionID, "blob upload failed", "BLOB_UPLOAD_FAILED", err)
		}
		resultMsg.WithBlobReference(&BlobReference{URL: blobURL, SizeBytes: resultMsg.ResultSize})
		s.logger.Info("Result uploaded to blob storage",
			zap.String("action_execution_id", req.ActionExecutionID),
			zap.String("blob_url", blobURL),
			zap.Int("size_bytes", resultMsg.ResultSize))
	}

	data, err := resultMsg.ToBytes()
	if err != nil {
		return sdkerrors.NewInternalError(req.ActionExecutionID, "failed to marshal result message", "MARSHAL_FAILED", err)
	}

	if err := s.publish(ctx, s.cfg.ResultSubject, "res-"+req.ActionExecutionID, data); err != nil {
		s.logger.Error("Failed to publish result after all retries",
			zap.String("action_execution_id", req.ActionExecutionID),
			zap.String("task_execution_id", req.TaskExecutionID),
			zap.Int("attempts", s.cfg.PublishMaxRetries),
			zap.Error(err))
		return sdkerrors.NewInternalError(req.ActionExecutionID, "failed to publish result after retries", "PUBLISH_FAILED", err)
	}

	s.logger.Debug("Published action result",
		zap.String("action_execution_id", req.ActionExecutionID),
		zap.String("status", resultMsg.Status),
		zap.Bool("used_blob_reference", resultMsg.HasBlobReference()))
	return nil
}

// ResolveResult decodes the action result carried by rm
func (s *MessageService) ResolveResult(ctx context.Context, rm *ResultMessage) (action.Result, error) {
	return rm.Result(ctx, s.blobStorage)
}

// PullRequests fetches up to batchSize action requests. Malformed messages are
// terminated. The caller acknowledges every returned message.
// Returns an empty slice (not an error) when no messages arrive within the wait.
func (s *MessageService) PullRequests(ctx context.Context, consumer string, batchSize int) ([]*RequestMsg, error) {
	raw, err := s.pull(ctx, s.cfg.RequestStream, s.cfg.RequestSubject, consumer, batchSize)
	if err != nil {
		return nil, err
	}

	msgs := make([]*RequestMsg, 0, len(raw))
	for _, m := range raw {
		ack := s.acknowledger(m)
		req, err := RequestMessageFromBytes(m.Data)
		if err == nil {
			err = req.Validate()
		}
		if err != nil {
			s.logger.Warn("Terminating malformed action request",
				zap.String("subject", m.Subject),
				zap.Error(err))
			_ = ack.Term()
			continue
		}
		msgs = append(msgs, &RequestMsg{RequestMessage: req, NATSMsg: NewNATSMsg(m.Subject, ack)})
	}
	return msgs, nil
}

// PullResults fetches up to batchSize action results. Malformed messages are
// terminated. The caller acknowledges every returned message.
func (s *MessageService) PullResults(ctx context.Context, consumer string, batchSize int) ([]*ResultMsg, error) {
	raw, err := s.pull(ctx, s.cfg.ResultStream, s.cfg.ResultSubject, consumer, batchSize)
	if err != nil {
		return nil, err
	}

	msgs := make([]*ResultMsg, 0, len(raw))
	for _, m := range raw {
		ack := s.acknowledger(m)
		res, err := ResultMessageFromBytes(m.Data)
		if err == nil && (res.ActionExecutionID == "" || res.TaskExecutionID == "") {
			err = fmt.Errorf("result is missing execution ids")
		}
		if err != nil {
			s.logger.Warn("Terminating malformed action result",
				zap.String("subject", m.Subject),
				zap.Error(err))
			_ = ack.Term()
			continue
		}
		msgs = append(msgs, &ResultMsg{ResultMessage: res, NATSMsg: NewNATSMsg(m.Subject, ack)})
	}
	return msgs, nil
}

func (s *MessageService) acknowledger(m *nats.Msg) Acknowledger {
	if p, ok := s.js.(AckProvider); ok {
		return p.Acknowledger(m)
	}
	return m
}

func (s *MessageService) pull(ctx context.Context, stream, subject, consumer string, batchSize int) ([]*nats.Msg, error) {
	if consumer == "" {
		return nil, sdkerrors.NewValidationError("consumer name is required", "INVALID_CONSUMER", nil)
	}
	if batchSize <= 0 {
		batchSize = 10
	}

	type result struct {
		msgs []*nats.Msg
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		sub, err := s.js.PullSubscribe(subject, consumer, nats.Bind(stream, consumer))
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer sub.Unsubscribe()

		// use the context deadline when it is shorter than the default wait
		timeout := maxPullWait
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		msgs, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
		if errors.Is(err, nats.ErrTimeout) {
			resultCh <- result{}
			return
		}
		resultCh <- result{msgs: msgs, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			s.logger.Debug("Pull cancelled during shutdown",
				zap.String("stream", stream),
				zap.String("consumer", consumer))
		}
		return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			s.logger.Error("Failed to pull messages from JetStream",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(res.err))
			return nil, sdkerrors.NewInternalError("", "failed to pull messages from JetStream", "PULL_FAILED", res.err)
		}
		return res.msgs, nil
	}
}
