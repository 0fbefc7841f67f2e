package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

const subscriberBuffer = 256

type memorySub struct {
	ch   chan Event
	done chan struct{}
}

// MemoryBus delivers events to subscribers inside this process. Each
// subscriber gets its own buffered queue; a full queue drops the event.
type MemoryBus struct {
	log    *logger.Logger
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
}

func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		log:  log.With("service", "MemoryBus"),
		subs: make(map[*memorySub]struct{}),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("memory bus closed")
	}
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.log.Warn("Dropping change event; subscriber buffer full", "table", ev.Table, "id", ev.ID)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, fn func(Event)) error {
	if fn == nil {
		return fmt.Errorf("subscriber callback required")
	}
	s := &memorySub{ch: make(chan Event, subscriberBuffer), done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("memory bus closed")
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer b.unsubscribe(s)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case ev := <-s.ch:
				fn(ev)
			}
		}
	}()
	return nil
}

func (b *MemoryBus) unsubscribe(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for s := range b.subs {
		close(s.done)
	}
	b.subs = map[*memorySub]struct{}{}
	return nil
}
