// Package broker connects the service to the message broker: a consumer
// draining the device ingest subscription and a publisher for operational
// events. Messages carry the logical topic path
// (roaster/{org}/{site}/{machine}/{suffix}, ops/.../session/closed) in the
// "topic" attribute; the ordering key is the origin triple so the broker
// preserves per-machine order while machines fan out in parallel.
package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

// TopicAttribute is the message attribute carrying the logical topic path.
const TopicAttribute = "topic"

// Handler processes one inbound message. A non-nil error is logged by the
// consumer; the message is acked either way — malformed traffic is dropped,
// not redelivered forever.
type Handler func(ctx context.Context, topic string, payload []byte) error

// Consumer drains a Pub/Sub subscription and hands messages to a Handler.
type Consumer struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	logger *log.Logger
}

// NewConsumer connects to the ingest subscription.
func NewConsumer(ctx context.Context, projectID, subscriptionID string) (*Consumer, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	sub := client.Subscription(subscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscription.Exists: %w", err)
	}
	if !exists {
		client.Close()
		return nil, fmt.Errorf("subscription %q does not exist", subscriptionID)
	}
	return &Consumer{
		client: client,
		sub:    sub,
		logger: log.New(log.Writer(), "[BROKER] ", log.LstdFlags),
	}, nil
}

// Run blocks draining the subscription until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	c.logger.Printf("consuming %s", c.sub.String())
	err := c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		topic := msg.Attributes[TopicAttribute]
		if err := handler(ctx, topic, msg.Data); err != nil {
			c.logger.Printf("message on %q dropped: %v", topic, err)
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

func (c *Consumer) Close() error { return c.client.Close() }

// Publisher sends operational events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PubSubPublisher publishes ops events on a Pub/Sub topic, logical path in
// the topic attribute.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubPublisher connects to (and if needed creates) the ops topic.
func NewPubSubPublisher(ctx context.Context, projectID, topicID string) (*PubSubPublisher, error) {
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(cctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(cctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(cctx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	p := &PubSubPublisher{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[OPS-PUB] ", log.LstdFlags),
	}
	p.logger.Printf("connected to ops topic projects/%s/topics/%s", projectID, topicID)
	return p, nil
}

// Publish sends one event and waits for the server ack, so the closure
// orchestrator can fall back to direct enqueue on failure.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        payload,
		Attributes:  map[string]string{TopicAttribute: topic},
		OrderingKey: topic,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	return nil
}

func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// MemoryPublisher collects published events in memory. Used in tests and as
// a stand-in when no ops broker is configured.
type MemoryPublisher struct {
	mu       sync.Mutex
	msgs     []MemoryMessage
	failWith error
}

// MemoryMessage is one captured publish.
type MemoryMessage struct {
	Topic   string
	Payload []byte
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (m *MemoryPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.msgs = append(m.msgs, MemoryMessage{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// Messages returns a copy of everything published so far.
func (m *MemoryPublisher) Messages() []MemoryMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MemoryMessage(nil), m.msgs...)
}

// SetFailure makes subsequent publishes fail with err (nil clears).
func (m *MemoryPublisher) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}
