// Package natstest provides an in-memory JetStream double for tests that
// exercise the message service and runner without a NATS server.
package natstest

import (
	"strings"
	"sync"

	nats "github.com/nats-io/nats.go"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// MockJS is a lightweight in-memory implementation of message.JSContext.
// Published messages are stored per stream; pull consumers bound by durable
// name pop the messages of their stream that match their filter subject.
type MockJS struct {
	mu        sync.Mutex
	streams   map[string]*nats.StreamInfo
	pending   map[string][]*nats.Msg                   // stream -> undelivered messages
	consumers map[string]map[string]*nats.ConsumerInfo // stream -> consumer -> info
	history   []*nats.Msg

	failures   int
	failureErr error
}

var _ message.JSContext = (*MockJS)(nil)

// NewMockJS returns an empty mock
func NewMockJS() *MockJS {
	return &MockJS{
		streams:   make(map[string]*nats.StreamInfo),
		pending:   make(map[string][]*nats.Msg),
		consumers: make(map[string]map[string]*nats.ConsumerInfo),
	}
}

// FailPublishes makes the next n Publish calls return err
func (m *MockJS) FailPublishes(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failureErr = err
}

// FailuresLeft returns how many injected publish failures remain
func (m *MockJS) FailuresLeft() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Published returns every message published to subject, in publish order
func (m *MockJS) Published(subject string) []*nats.Msg {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*nats.Msg
	for _, msg := range m.history {
		if msg.Subject == subject {
			out = append(out, msg)
		}
	}
	return out
}

// Pending returns the number of undelivered messages held for stream
func (m *MockJS) Pending(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[stream])
}

func (m *MockJS) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.failures--
		return nil, m.failureErr
	}

	stream := m.streamFor(subj)
	if stream == "" {
		return nil, nats.ErrNoStreamResponse
	}

	msg := &nats.Msg{Subject: subj, Data: data}
	m.history = append(m.history, msg)
	m.pending[stream] = append(m.pending[stream], msg)

	info := m.streams[stream]
	info.State.Msgs++
	info.State.LastSeq++
	return &nats.PubAck{Stream: stream, Sequence: info.State.LastSeq}, nil
}

func (m *MockJS) streamFor(subj string) string {
	for name, info := range m.streams {
		for _, pattern := range info.Config.Subjects {
			if SubjectMatches(pattern, subj) {
				return name
			}
		}
	}
	return ""
}

func (m *MockJS) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (message.JSSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for stream, consumers := range m.consumers {
		if info, ok := consumers[durable]; ok {
			return &pullSubscription{owner: m, stream: stream, filter: info.Config.FilterSubject}, nil
		}
	}
	return nil, nats.ErrConsumerNotFound
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
	if _, ok := m.streams[stream]; !ok {
		return nil, nats.ErrStreamNotFound
	}
	if m.consumers[stream] == nil {
		m.consumers[stream] = make(map[string]*nats.ConsumerInfo)
	}
	info := &nats.ConsumerInfo{
		Stream: stream,
		Name:   cfg.Durable,
		Config: *cfg,
	}
	m.consumers[stream][cfg.Durable] = info
	return info, nil
}

type pullSubscription struct {
	owner  *MockJS
	stream string
	filter string
}

func (s *pullSubscription) Unsubscribe() error { return nil }

// Fetch pops up to batch matching messages; it returns nats.ErrTimeout when none are pending.
func (s *pullSubscription) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if batch <= 0 {
		batch = 10
	}

	var out, keep []*nats.Msg
	for _, msg := range s.owner.pending[s.stream] {
		if len(out) < batch && (s.filter == "" || SubjectMatches(s.filter, msg.Subject)) {
			out = append(out, msg)
			continue
		}
		keep = append(keep, msg)
	}
	s.owner.pending[s.stream] = keep

	if len(out) == 0 {
		return nil, nats.ErrTimeout
	}
	return out, nil
}

// SubjectMatches reports whether subject matches a NATS pattern with "*" and ">" wildcards
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
