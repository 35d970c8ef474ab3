// Package pubsub publishes new-listing notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/listing"
)

// Publisher publishes JSON payloads, keeping one topic publisher per topic.
type Publisher struct {
	client       *pubsub.Client
	projectID    string
	defaultTopic string
	logger       *zap.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New wraps client. Publish calls with an empty topic go to defaultTopic.
func New(client *pubsub.Client, projectID, defaultTopic string, logger *zap.Logger) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:       client,
		projectID:    projectID,
		defaultTopic: defaultTopic,
		logger:       logger.Named("pubsub"),
		publishers:   make(map[string]*pubsub.Publisher),
	}, nil
}

// CheckTopic fails unless the topic exists and is active.
func (p *Publisher) CheckTopic(ctx context.Context, topic string) error {
	topic = p.topicName(topic)
	got, err := p.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: topic})
	if err != nil {
		return fmt.Errorf("get topic %s: %w", topic, err)
	}
	if got.GetState() != pubsubpb.Topic_ACTIVE && got.GetState() != pubsubpb.Topic_STATE_UNSPECIFIED {
		return fmt.Errorf("topic %s is %s", topic, got.GetState())
	}
	return nil
}

// Publish marshals payload to JSON and waits for the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: attributes(payload)}
	result := p.publisher(topic).Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes every topic publisher and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for name, pub := range p.publishers {
		pub.Stop()
		delete(p.publishers, name)
	}
	p.mu.Unlock()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	name := p.topicName(topic)
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[name]
	if !ok {
		pub = p.client.Publisher(name)
		p.publishers[name] = pub
		p.logger.Debug("opened topic publisher", zap.String("topic", name))
	}
	return pub
}

func (p *Publisher) topicName(topic string) string {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = p.defaultTopic
	}
	if strings.HasPrefix(topic, "projects/") {
		return topic
	}
	return fmt.Sprintf("projects/%s/topics/%s", p.projectID, topic)
}

func attributes(payload any) map[string]string {
	event, ok := payload.(listing.NewListingEvent)
	if !ok {
		return nil
	}
	return map[string]string{
		"fingerprint": event.Fingerprint,
		"run_id":      event.RunID,
		"source":      event.Source,
		"source_tier": string(event.SourceTier),
	}
}
