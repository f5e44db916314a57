// Package memory keeps the most recent published events in process memory.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published payloads in a bounded ring for inspection.
type Publisher struct {
	mu       sync.RWMutex
	capacity int
	seq      int
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher retaining at most capacity messages.
// A non-positive capacity keeps everything.
func New(capacity int) *Publisher {
	return &Publisher{capacity: capacity}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if p.capacity > 0 && len(p.messages) > p.capacity {
		p.messages = append([]PublishedMessage(nil), p.messages[len(p.messages)-p.capacity:]...)
	}
	return id, nil
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
