package memory

import (
	"context"
	"sync"

	"tradenet/internal/events"
)

// InMemoryPublisher implements events.Publisher using Go channels
type InMemoryPublisher struct {
	subscribers []chan events.Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// NewInMemoryPublisher creates a new in-memory event publisher
func NewInMemoryPublisher(bufferSize int) *InMemoryPublisher {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &InMemoryPublisher{bufferSize: bufferSize}
}

func (p *InMemoryPublisher) Publish(ctx context.Context, ev events.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, sub := range p.subscribers {
		select {
		case sub <- ev:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Subscriber is slow, skip this event to prevent blocking
		}
	}
	return nil
}

func (p *InMemoryPublisher) Subscribe(ctx context.Context) (<-chan events.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan events.Event, p.bufferSize)
	if p.closed {
		close(ch)
		return ch, nil
	}
	p.subscribers = append(p.subscribers, ch)
	return ch, nil
}

func (p *InMemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sub := range p.subscribers {
		close(sub)
	}
	p.subscribers = nil
	p.closed = true
	return nil
}

var _ events.Publisher = (*InMemoryPublisher)(nil)
