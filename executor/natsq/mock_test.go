package natsq

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

// mockJetStream is an in-process broker. Publish delivers synchronously to
// every matching consumer; durable consumers also receive the backlog of
// unacknowledged messages when they start consuming.
type mockJetStream struct {
	mu          sync.Mutex
	streams     []jetstream.StreamConfig
	subs        []*mockSub
	backlog     []*mockMsg
	failPublish error
}

type mockSub struct {
	filters []string
	durable bool
	handler jetstream.MessageHandler
	stopped bool
}

func (s *mockSub) matches(subject string) bool {
	for _, f := range s.filters {
		if f == subject || (strings.HasSuffix(f, ".>") && strings.HasPrefix(subject, strings.TrimSuffix(f, ">"))) {
			return true
		}
	}
	return false
}

func (m *mockJetStream) CreateOrUpdateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, cfg)
	return nil, nil
}

func (m *mockJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	m.mu.Lock()
	if m.failPublish != nil {
		err := m.failPublish
		m.mu.Unlock()
		return nil, err
	}
	msg := &mockMsg{broker: m, subject: subject, data: data}
	var durableTarget *mockSub
	var targets []*mockSub
	for _, s := range m.subs {
		if s.stopped || !s.matches(subject) {
			continue
		}
		if s.durable {
			// A work queue delivers each message to one member only.
			if durableTarget == nil {
				durableTarget = s
				targets = append(targets, s)
			}
			continue
		}
		targets = append(targets, s)
	}
	if durableTarget == nil && strings.HasSuffix(subject, ".tasks") {
		m.backlog = append(m.backlog, msg)
	}
	m.mu.Unlock()

	for _, s := range targets {
		s.handler(msg)
	}
	return &jetstream.PubAck{Stream: "CUBEINGEST"}, nil
}

func (m *mockJetStream) OrderedConsumer(_ context.Context, _ string, cfg jetstream.OrderedConsumerConfig) (jetstream.Consumer, error) {
	return &mockConsumer{broker: m, filters: cfg.FilterSubjects}, nil
}

func (m *mockJetStream) CreateOrUpdateConsumer(_ context.Context, _ string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	if cfg.AckPolicy != jetstream.AckExplicitPolicy {
		return nil, errors.New("work queue consumers must ack explicitly")
	}
	return &mockConsumer{broker: m, filters: []string{cfg.FilterSubject}, durable: true}, nil
}

func (m *mockJetStream) acked(msg *mockMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.backlog {
		if b == msg {
			m.backlog = append(m.backlog[:i], m.backlog[i+1:]...)
			return
		}
	}
}

type mockConsumer struct {
	jetstream.Consumer
	broker  *mockJetStream
	filters []string
	durable bool
}

func (c *mockConsumer) Consume(handler jetstream.MessageHandler, _ ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error) {
	sub := &mockSub{filters: c.filters, durable: c.durable, handler: handler}
	m := c.broker
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	var replay []*mockMsg
	if c.durable {
		for _, msg := range m.backlog {
			if sub.matches(msg.subject) && !msg.delivered {
				msg.delivered = true
				replay = append(replay, msg)
			}
		}
	}
	m.mu.Unlock()

	for _, msg := range replay {
		handler(msg)
	}
	return &mockConsumeContext{broker: m, sub: sub}, nil
}

type mockConsumeContext struct {
	jetstream.ConsumeContext
	broker *mockJetStream
	sub    *mockSub
}

func (c *mockConsumeContext) Stop() {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.sub.stopped = true
}

type mockMsg struct {
	jetstream.Msg
	broker    *mockJetStream
	subject   string
	data      []byte
	delivered bool

	mu    sync.Mutex
	acks  int
	naks  int
	terms int
}

func (m *mockMsg) Data() []byte    { return m.data }
func (m *mockMsg) Subject() string { return m.subject }

func (m *mockMsg) Ack() error {
	m.mu.Lock()
	m.acks++
	m.mu.Unlock()
	m.broker.acked(m)
	return nil
}

func (m *mockMsg) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naks++
	return nil
}

func (m *mockMsg) Term() error {
	m.mu.Lock()
	m.terms++
	m.mu.Unlock()
	m.broker.acked(m)
	return nil
}
