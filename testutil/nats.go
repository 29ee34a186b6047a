package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// Publisher records published messages by subject. It matches the Publish
// signature of natsclient.Client.
type Publisher struct {
	mu       sync.RWMutex
	messages map[string][][]byte
	closed   bool

	// Err, when set, fails every Publish.
	Err error
}

// NewPublisher creates an empty recording publisher.
func NewPublisher() *Publisher {
	return &Publisher{messages: make(map[string][][]byte)}
}

// Publish records data under subject.
func (p *Publisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	if p.Err != nil {
		return p.Err
	}
	p.messages[subject] = append(p.messages[subject], append([]byte(nil), data...))
	return nil
}

// Messages returns a copy of everything published on subject.
func (p *Publisher) Messages(subject string) [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([][]byte(nil), p.messages[subject]...)
}

// Count returns the number of messages on subject.
func (p *Publisher) Count(subject string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.messages[subject])
}

// Close makes further publishes fail.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// WaitForMessages polls until subject has at least n messages.
func WaitForMessages(t testing.TB, p *Publisher, subject string, n int, timeout time.Duration) [][]byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msgs := p.Messages(subject); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d messages on %s (got %d)", n, subject, p.Count(subject))
	return nil
}
