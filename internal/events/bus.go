// Package events carries the gateway's outbound event stream. The web UI
// resynchronizes from hitl.* events; alerts ride the same bus. Publishing is
// fire-and-forget: a lost event never affects a decision.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type classifies gateway events.
type Type string

const (
	TypeCreated Type = "hitl.created"
	TypeDecided Type = "hitl.decided"
	TypeExpired Type = "hitl.expired"
	TypeAlert   Type = "hitl.alert"

	// TypeGuardianLocked is consumed from the Guardian, never emitted here.
	TypeGuardianLocked Type = "guardian.locked"
)

// Event is one bus message.
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, event Event)

// Bus is the publish/subscribe port.
type Bus interface {
	// Publish delivers the event to all subscribers. Fire-and-forget;
	// implementations log failures instead of returning them to the caller's
	// decision path.
	Publish(ctx context.Context, event Event)

	// Subscribe registers a handler for one event type and returns an
	// unsubscribe function.
	Subscribe(t Type, handler Handler) (unsubscribe func())

	Close() error
}

// NewEvent builds an event with id and timestamp filled in.
func NewEvent(t Type, correlationID string, payload map[string]interface{}) Event {
	return Event{
		ID:            uuid.New().String(),
		Type:          t,
		CorrelationID: correlationID,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

type subscriber struct {
	id      int
	handler Handler
}

// LocalBus fans events out to in-process subscribers. It backs tests and
// single-process deployments; RedisBus embeds it for local delivery.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[Type][]subscriber
	nextID int
	closed bool
	log    zerolog.Logger
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(logger zerolog.Logger) *LocalBus {
	return &LocalBus{
		subs: make(map[Type][]subscriber),
		log:  logger.With().Str("component", "eventbus").Logger(),
	}
}

func (b *LocalBus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(b.subs[event.Type]))
	for _, s := range b.subs[event.Type] {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, event)
	}
}

func (b *LocalBus) Subscribe(t Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscriber{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subs[t]
		for i, s := range entries {
			if s.id == id {
				b.subs[t] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[Type][]subscriber)
	return nil
}
