// Package messagetest provides an in-memory JetStream for tests that exercise
// message.MessageService without a running NATS server.
package messagetest

import (
	"errors"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/wehubfusion/Daedalus/pkg/message"
)

// ErrPublishRejected is returned by Publish while failures are injected
var ErrPublishRejected = errors.New("mock: publish rejected")

type entry struct {
	subject   string
	data      []byte
	seq       uint64
	delivered uint64
	state     string
}

// MockJS is a lightweight in-memory implementation of message.JSContext.
// Each subject is a queue; a fetched message leaves the queue until it is
// Nak'ed, which re-enqueues it with its delivery count incremented.
type MockJS struct {
	mu        sync.Mutex
	seq       uint64
	queues    map[string][]*entry
	inflight  map[*nats.Msg]*entry
	entries   []*entry
	streams   map[string]*nats.StreamInfo
	consumers map[string]map[string]*nats.ConsumerInfo // stream -> consumer -> info

	failPublishes int
	published     int
}

var (
	_ message.JSContext   = (*MockJS)(nil)
	_ message.AckProvider = (*MockJS)(nil)
)

// NewMockJS creates an empty mock
func NewMockJS() *MockJS {
	return &MockJS{
		queues:    make(map[string][]*entry),
		inflight:  make(map[*nats.Msg]*entry),
		streams:   make(map[string]*nats.StreamInfo),
		consumers: make(map[string]map[string]*nats.ConsumerInfo),
	}
}

// FailNextPublishes makes the next n publishes fail
func (m *MockJS) FailNextPublishes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPublishes = n
}

// Published returns the number of successful publishes
func (m *MockJS) Published() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// Pending returns the number of undelivered messages on subject
func (m *MockJS) Pending(subject string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[subject])
}

// Data returns the payloads ever published to subject in publish order
func (m *MockJS) Data(subject string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, e := range m.entries {
		if e.subject == subject {
			out = append(out, e.data)
		}
	}
	return out
}

// States returns the last acknowledgement of every message published to
// subject: "ack", "nak", "term" or "" when unacknowledged
func (m *MockJS) States(subject string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		if e.subject == subject {
			out = append(out, e.state)
		}
	}
	return out
}

// Redeliver puts a message on subject back as a second delivery, as JetStream
// does when an ack is lost
func (m *MockJS) Redeliver(subject string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e := &entry{subject: subject, data: data, seq: m.seq, delivered: 1}
	m.entries = append(m.entries, e)
	m.queues[subject] = append(m.queues[subject], e)
}

func (m *MockJS) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPublishes > 0 {
		m.failPublishes--
		return nil, ErrPublishRejected
	}

	m.seq++
	e := &entry{subject: subj, data: append([]byte(nil), data...), seq: m.seq}
	m.entries = append(m.entries, e)
	m.queues[subj] = append(m.queues[subj], e)
	m.published++
	return &nats.PubAck{Stream: "MOCK", Sequence: m.seq}, nil
}

func (m *MockJS) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (message.JSSubscription, error) {
	return &pullSubscription{owner: m, subject: subj}, nil
}

func (m *MockJS) StreamInfo(stream string) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, exists := m.streams[stream]; exists {
		return info, nil
	}
	return nil, nats.ErrStreamNotFound
}

func (m *MockJS) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := &nats.StreamInfo{
		Config: *cfg,
		State:  nats.StreamState{FirstSeq: 1},
	}
	m.streams[cfg.Name] = info
	return info, nil
}

func (m *MockJS) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if streamConsumers, exists := m.consumers[stream]; exists {
		if info, exists := streamConsumers[consumer]; exists {
			return info, nil
		}
	}
	return nil, nats.ErrConsumerNotFound
}

func (m *MockJS) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumers[stream] == nil {
		m.consumers[stream] = make(map[string]*nats.ConsumerInfo)
	}
	info := &nats.ConsumerInfo{Stream: stream, Name: cfg.Durable, Config: *cfg}
	m.consumers[stream][cfg.Durable] = info
	return info, nil
}

// Acknowledger implements message.AckProvider
func (m *MockJS) Acknowledger(msg *nats.Msg) message.Acknowledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &acker{owner: m, e: m.inflight[msg]}
}

type pullSubscription struct {
	owner   *MockJS
	subject string
}

func (s *pullSubscription) Unsubscribe() error         { return nil }
func (s *pullSubscription) Drain() error               { return nil }
func (s *pullSubscription) IsValid() bool              { return true }
func (s *pullSubscription) Pending() (int, int, error) { return s.owner.Pending(s.subject), 0, nil }

func (s *pullSubscription) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	s.owner.mu.Lock()
	queue := s.owner.queues[s.subject]
	if len(queue) == 0 {
		s.owner.mu.Unlock()
		// stand-in for MaxWait so pull loops do not spin
		time.Sleep(5 * time.Millisecond)
		return nil, nats.ErrTimeout
	}
	defer s.owner.mu.Unlock()

	if batch <= 0 {
		batch = 10
	}
	n := min(batch, len(queue))
	msgs := make([]*nats.Msg, 0, n)
	for _, e := range queue[:n] {
		e.delivered++
		msg := &nats.Msg{Subject: e.subject, Data: e.data}
		s.owner.inflight[msg] = e
		msgs = append(msgs, msg)
	}
	s.owner.queues[s.subject] = queue[n:]
	return msgs, nil
}

type acker struct {
	owner *MockJS
	e     *entry
}

func (a *acker) settle(state string, requeue bool) error {
	if a.e == nil {
		return nats.ErrMsgNoReply
	}
	a.owner.mu.Lock()
	defer a.owner.mu.Unlock()
	a.e.state = state
	if requeue {
		a.owner.queues[a.e.subject] = append(a.owner.queues[a.e.subject], a.e)
	}
	return nil
}

func (a *acker) Ack(...nats.AckOpt) error  { return a.settle("ack", false) }
func (a *acker) Nak(...nats.AckOpt) error  { return a.settle("nak", true) }
func (a *acker) Term(...nats.AckOpt) error { return a.settle("term", false) }

func (a *acker) InProgress(...nats.AckOpt) error { return nil }

func (a *acker) Metadata() (*nats.MsgMetadata, error) {
	if a.e == nil {
		return nil, nats.ErrNotJSMessage
	}
	a.owner.mu.Lock()
	defer a.owner.mu.Unlock()
	return &nats.MsgMetadata{
		NumDelivered: a.e.delivered,
		Sequence:     nats.SequencePair{Stream: a.e.seq, Consumer: a.e.seq},
		Timestamp:    time.Now(),
	}, nil
}
