// Package eventbus implements chronicle.EventBus: an in-process,
// non-blocking publish/subscribe fan-out for Agent-originated metadata
// events.
package eventbus

import (
	"context"
	"sync"

	"github.com/chronicle-db/chronicle/pkg/chronicle"
	"github.com/chronicle-db/chronicle/pkg/internal/logutil"

	"go.uber.org/zap"
)

// Bus is a process-wide publisher of chronicle.MetadataEvent values.
// Subscribers never block a publisher: a full subscriber channel simply
// drops the event for that subscriber.
type Bus struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[chan chronicle.MetadataEvent]struct{}
}

// New builds an empty Bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{subs: make(map[chan chronicle.MetadataEvent]struct{}), logger: logger}
}

// SubscribeMetadata implements chronicle.EventBus. The returned channel is
// closed once ctx is done.
func (b *Bus) SubscribeMetadata(ctx context.Context) <-chan chronicle.MetadataEvent {
	ch := make(chan chronicle.MetadataEvent, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}()
	return ch
}

// Publish fans ev out to every live subscriber without blocking.
func (b *Bus) Publish(ev chronicle.MetadataEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logutil.Warnf(b.logger, "eventbus: dropping %s event: subscriber channel full", ev.Kind)
		}
	}
}

// SubscriberCount reports the number of live subscriptions, for diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

var _ chronicle.EventBus = (*Bus)(nil)
