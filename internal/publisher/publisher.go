// Package publisher defines the message contract shared by the outcome publishers.
package publisher

import "context"

// Message is one published payload.
type Message struct {
	Data       []byte
	Attributes map[string]string
}

// Publisher sends messages to a topic and returns the server-assigned id.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (string, error)
}
