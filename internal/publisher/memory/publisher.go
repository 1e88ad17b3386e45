// Package memory records staged-batch notifications in memory for tests.
package memory

import (
	"context"
	"strconv"
	"sync"
)

// Notification is one recorded publish.
type Notification struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps every notification in publish order.
type Publisher struct {
	mu   sync.Mutex
	sent []Notification
	seq  map[string]int
	err  error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{seq: make(map[string]int)}
}

// FailWith makes every later Publish return err. Pass nil to recover.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Publish records payload under topic. IDs count per topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.seq[topic]++
	id := topic + "/" + strconv.Itoa(p.seq[topic])
	p.sent = append(p.sent, Notification{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of the recorded notifications.
func (p *Publisher) Messages() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notification(nil), p.sent...)
}
