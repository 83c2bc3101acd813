// Package testutil provides in-memory stand-ins for the message bus.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360/rtlstream/errors"
)

// Bus is an in-memory publish/subscribe bus with exact subject matching.
// It satisfies the server's bus subscriber and the notifier's publisher.
// Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	messages map[string][][]byte
	handlers map[string][]func(context.Context, []byte)
	subbed   chan string
	closed   bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		messages: make(map[string][][]byte),
		handlers: make(map[string][]func(context.Context, []byte)),
		subbed:   make(chan string, 16),
	}
}

// Publish records data and hands it to every handler subscribed to subject.
// Handlers run on the caller's goroutine.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.ErrNoConnection
	}
	b.messages[subject] = append(b.messages[subject], data)
	handlers := append(([]func(context.Context, []byte))(nil), b.handlers[subject]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(ctx, data)
	}
	return nil
}

// Subscribe registers handler for subject.
func (b *Bus) Subscribe(_ context.Context, subject string, handler func(context.Context, []byte)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.ErrNoConnection
	}
	b.handlers[subject] = append(b.handlers[subject], handler)
	b.mu.Unlock()

	select {
	case b.subbed <- subject:
	default:
	}
	return nil
}

// Messages returns a copy of everything published on subject.
func (b *Bus) Messages(subject string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([][]byte(nil), b.messages[subject]...)
}

// Close makes further Publish and Subscribe calls fail.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// WaitForSubscription blocks until something subscribes to subject.
func WaitForSubscription(t *testing.T, b *Bus, subject string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case s := <-b.subbed:
			if s == subject {
				return
			}
		case <-deadline:
			t.Fatalf("no subscription to %s within %v", subject, timeout)
		}
	}
}

// WaitForMessageCount blocks until subject has at least count messages.
func WaitForMessageCount(t *testing.T, b *Bus, subject string, count int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(b.Messages(subject)) >= count {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d messages on %s, got %d", count, subject, len(b.Messages(subject)))
}
