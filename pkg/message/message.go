package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wehubfusion/Daedalus/pkg/action"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// BlobReference contains information for fetching a result from blob storage.
// Results too large to send inline (>1.5MB) are uploaded and referenced instead.
type BlobReference struct {
	URL       string `json:"url"`
	SizeBytes int    `json:"sizeBytes"`
}

// RequestMessage asks an executor to run one action of a with-items task
type RequestMessage struct {
	// CorrelationID groups all messages of one task execution
	CorrelationID string         `json:"correlation_id,omitempty"`
	Request       action.Request `json:"request"`
	CreatedAt     string         `json:"created_at"`
}

// NewRequestMessage wraps req for publication
func NewRequestMessage(req action.Request) *RequestMessage {
	return &RequestMessage{
		CorrelationID: req.TaskExecutionID,
		Request:       req,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
}

// Validate checks the fields executors rely on
func (m *RequestMessage) Validate() error {
	switch {
	case m.Request.ActionExecutionID == "":
		return fmt.Errorf("request is missing action_execution_id")
	case m.Request.TaskExecutionID == "":
		return fmt.Errorf("request is missing task_execution_id")
	case m.Request.ActionClass == "":
		return fmt.Errorf("request is missing action_class")
	case m.CreatedAt == "":
		return fmt.Errorf("request is missing created_at")
	}
	return nil
}

// ToBytes serializes the message to JSON bytes
func (m *RequestMessage) ToBytes() ([]byte, error) {
	return json.Marshal(m)
}

// RequestMessageFromBytes deserializes a request message from JSON bytes
func RequestMessageFromBytes(data []byte) (*RequestMessage, error) {
	var msg RequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ResultMessage reports the outcome of one action execution to the engine.
// Exactly one of InlineResult and BlobReference holds the encoded action.Result.
type ResultMessage struct {
	CorrelationID     string `json:"correlation_id,omitempty"`
	ActionExecutionID string `json:"action_execution_id"`
	TaskExecutionID   string `json:"task_execution_id"`
	Index             int    `json:"index"`
	ActionClass       string `json:"action_class,omitempty"`

	// Status is "failed" when the result carries an error datum
	Status string `json:"status"`

	InlineResult  json.RawMessage `json:"inline_result,omitempty"`
	BlobReference *BlobReference  `json:"blob_reference,omitempty"`

	ExecutionTimeMs int64     `json:"execution_time_ms,omitempty"`
	ResultSize      int       `json:"result_size,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewResultMessage encodes res inline for the action described by req
func NewResultMessage(req action.Request, res action.Result) (*ResultMessage, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode action result: %w", err)
	}

	status := StatusSuccess
	if res.IsError() {
		status = StatusFailed
	}
	return &ResultMessage{
		CorrelationID:     req.TaskExecutionID,
		ActionExecutionID: req.ActionExecutionID,
		TaskExecutionID:   req.TaskExecutionID,
		Index:             req.Index,
		ActionClass:       req.ActionClass,
		Status:            status,
		InlineResult:      data,
		ResultSize:        len(data),
		Timestamp:         time.Now().UTC(),
	}, nil
}

// WithBlobReference moves the result out of band
func (r *ResultMessage) WithBlobReference(ref *BlobReference) *ResultMessage {
	r.BlobReference = ref
	r.InlineResult = nil
	return r
}

// WithExecutionTime sets the execution time
func (r *ResultMessage) WithExecutionTime(d time.Duration) *ResultMessage {
	r.ExecutionTimeMs = d.Milliseconds()
	return r
}

// ToBytes serializes the result message to JSON bytes
func (r *ResultMessage) ToBytes() ([]byte, error) {
	return json.Marshal(r)
}

// ResultMessageFromBytes deserializes a result message from JSON bytes
func ResultMessageFromBytes(data []byte) (*ResultMessage, error) {
	var msg ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// HasInlineResult returns true if the result is available inline
func (r *ResultMessage) HasInlineResult() bool {
	return len(r.InlineResult) > 0
}

// HasBlobReference returns true if the result is stored in blob storage
func (r *ResultMessage) HasBlobReference() bool {
	return r.BlobReference != nil && r.BlobReference.URL != ""
}

// IsSuccess returns true if the action produced no error datum
func (r *ResultMessage) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// IsFailed returns true if the action produced an error datum
func (r *ResultMessage) IsFailed() bool {
	return r.Status == StatusFailed
}

// Result decodes the action result, downloading it when it was offloaded
func (r *ResultMessage) Result(ctx context.Context, blobs BlobStorageClient) (action.Result, error) {
	data := []byte(r.InlineResult)
	if !r.HasInlineResult() {
		if !r.HasBlobReference() {
			return action.Result{}, fmt.Errorf("result of action %s has neither inline data nor blob reference", r.ActionExecutionID)
		}
		if blobs == nil {
			return action.Result{}, fmt.Errorf("result of action %s is in blob storage but no blob client is configured", r.ActionExecutionID)
		}
		var err error
		data, err = blobs.DownloadResult(ctx, r.BlobReference.URL)
		if err != nil {
			return action.Result{}, fmt.Errorf("failed to download result of action %s: %w", r.ActionExecutionID, err)
		}
	}

	var res action.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return action.Result{}, fmt.Errorf("failed to decode result of action %s: %w", r.ActionExecutionID, err)
	}
	return res, nil
}

// Acknowledger is the JetStream acknowledgement surface of a delivered message.
// *nats.Msg implements it.
type Acknowledger interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	InProgress(opts ...nats.AckOpt) error
	Metadata() (*nats.MsgMetadata, error)
}

// NATSMsg is a delivered JetStream message. Handlers MUST call Ack, Nak or
// Term; an unacknowledged message is redelivered after AckWait.
type NATSMsg struct {
	Subject string
	ack     Acknowledger
}

// NewNATSMsg wraps a delivery
func NewNATSMsg(subject string, ack Acknowledger) *NATSMsg {
	return &NATSMsg{Subject: subject, ack: ack}
}

// Ack tells JetStream the message was processed and must not be redelivered
func (m *NATSMsg) Ack() error {
	if m == nil || m.ack == nil {
		return nil
	}
	return m.ack.Ack()
}

// Nak asks JetStream to redeliver the message
func (m *NATSMsg) Nak() error {
	if m == nil || m.ack == nil {
		return nil
	}
	return m.ack.Nak()
}

// NakWithDelay asks JetStream to redeliver the message after delay
func (m *NATSMsg) NakWithDelay(delay time.Duration) error {
	if m == nil || m.ack == nil {
		return nil
	}
	if nm, ok := m.ack.(*nats.Msg); ok {
		return nm.NakWithDelay(delay)
	}
	return m.ack.Nak()
}

// InProgress extends the ack deadline of a long-running message
func (m *NATSMsg) InProgress() error {
	if m == nil || m.ack == nil {
		return nil
	}
	return m.ack.InProgress()
}

// Term stops all further deliveries of the message
func (m *NATSMsg) Term() error {
	if m == nil || m.ack == nil {
		return nil
	}
	return m.ack.Term()
}

// NumDelivered returns how many times JetStream delivered the message,
// 1 when no delivery metadata is available
func (m *NATSMsg) NumDelivered() uint64 {
	if m == nil || m.ack == nil {
		return 1
	}
	meta, err := m.ack.Metadata()
	if err != nil || meta == nil || meta.NumDelivered == 0 {
		return 1
	}
	return meta.NumDelivered
}

// Redelivered reports whether the message was delivered before
func (m *NATSMsg) Redelivered() bool {
	return m.NumDelivered() > 1
}

// RequestMsg is a delivered action request
type RequestMsg struct {
	*RequestMessage
	*NATSMsg
}

// ActionRequest returns the request with its redelivery flag set from the
// delivery metadata
func (m *RequestMsg) ActionRequest() action.Request {
	req := m.Request
	req.Redelivered = m.Redelivered()
	return req
}

// ResultMsg is a delivered action result
type ResultMsg struct {
	*ResultMessage
	*NATSMsg
}
