// Package memory records published messages in process.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/JakeFAU/toolrunner/internal/publisher"
)

// Publisher stores published messages for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []publisher.Message
}

var _ publisher.Publisher = (*Publisher)(nil)

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records a copy of msg and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, msg publisher.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publisher.Message{
		Data:       append([]byte(nil), msg.Data...),
		Attributes: maps.Clone(msg.Attributes),
	})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded messages.
func (p *Publisher) Messages() []publisher.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.Message, len(p.messages))
	copy(out, p.messages)
	return out
}
