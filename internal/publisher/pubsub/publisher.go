// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"fmt"
	"maps"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/toolrunner/internal/publisher"
)

// Publisher wraps a Pub/Sub publisher client.
type Publisher struct {
	publisher *pubsub.Publisher
}

var _ publisher.Publisher = (*Publisher)(nil)

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Dial connects to projectID and returns a Publisher for topic together with
// a function that flushes and closes the client.
func Dial(ctx context.Context, projectID, topic string) (*Publisher, func() error, error) {
	if projectID == "" || topic == "" {
		return nil, nil, fmt.Errorf("pubsub project id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := client.Publisher(topic)
	closeFn := func() error {
		pub.Stop()
		return client.Close()
	}
	return New(pub), closeFn, nil
}

// Publish sends msg and waits for the server to acknowledge it.
func (p *Publisher) Publish(ctx context.Context, msg publisher.Message) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	out := &pubsub.Message{Data: msg.Data, Attributes: maps.Clone(msg.Attributes)}
	result := p.publisher.Publish(ctx, out)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}
