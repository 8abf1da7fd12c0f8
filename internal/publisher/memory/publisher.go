// Package memory implements an in-process publisher. It backs tests and the
// default dev configuration where no broker is wired.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// PublishedMessage is one recorded publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// Publisher retains every published payload so tests can assert on the
// handoff without a broker round trip.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish appends the message and returns a sequence-based ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("mem-%d", len(p.messages)), nil
}

// Messages returns a copy of everything published so far, in order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
