// ABOUTME: In-memory fan-out of resource change events to Store subscribers.
// ABOUTME: Events are published after a transaction commits; slow subscribers drop events.

package resource

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const subscriberBufferSize = 256

// EventKind is the type of change an Event describes.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
	EventRekeyed EventKind = "rekeyed"
)

// Event describes one committed change to the Store.
type Event struct {
	Kind      EventKind `json:"kind"`
	Component Component `json:"component"`
	ID        string    `json:"id"`
	// PreviousID is set for rekey events.
	PreviousID string `json:"previous_id,omitempty"`
	Parent     string `json:"parent,omitempty"`
}

type broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	logger      *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		subscribers: make(map[string]chan Event),
		logger:      logger,
	}
}

func (b *broadcaster) subscribe(ctx context.Context) <-chan Event {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(subID)
	}()

	return ch
}

func (b *broadcaster) publish(events []Event) {
	if len(events) == 0 {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
				b.logger.Debug("dropped event for slow subscriber", "sub_id", subID, "id", ev.ID)
			}
		}
	}
}

func (b *broadcaster) unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)
}
