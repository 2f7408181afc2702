package events

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBus_PublishSubscribe(t *testing.T) {
	bus := NewLocalBus(zerolog.Nop())
	defer bus.Close()

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(TypeCreated, func(ctx context.Context, e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	ev := NewEvent(TypeCreated, "corr-1", map[string]interface{}{"trade_id": "T1"})
	bus.Publish(context.Background(), ev)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	assert.Equal(t, "T1", got[0].Payload["trade_id"])
	assert.Equal(t, "corr-1", got[0].CorrelationID)
}

func TestLocalBus_TypeIsolation(t *testing.T) {
	bus := NewLocalBus(zerolog.Nop())
	defer bus.Close()

	var decided int
	bus.Subscribe(TypeDecided, func(ctx context.Context, e Event) { decided++ })

	bus.Publish(context.Background(), NewEvent(TypeCreated, "", nil))
	bus.Publish(context.Background(), NewEvent(TypeExpired, "", nil))
	assert.Zero(t, decided)

	bus.Publish(context.Background(), NewEvent(TypeDecided, "", nil))
	assert.Equal(t, 1, decided)
}

func TestLocalBus_Unsubscribe(t *testing.T) {
	bus := NewLocalBus(zerolog.Nop())
	defer bus.Close()

	var count int
	unsub := bus.Subscribe(TypeCreated, func(ctx context.Context, e Event) { count++ })

	bus.Publish(context.Background(), NewEvent(TypeCreated, "", nil))
	unsub()
	bus.Publish(context.Background(), NewEvent(TypeCreated, "", nil))

	assert.Equal(t, 1, count)
}

func TestLocalBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := NewLocalBus(zerolog.Nop())

	var count int
	bus.Subscribe(TypeCreated, func(ctx context.Context, e Event) { count++ })
	require.NoError(t, bus.Close())

	bus.Publish(context.Background(), NewEvent(TypeCreated, "", nil))
	assert.Zero(t, count)
}

func TestNewEvent_FillsIdentity(t *testing.T) {
	ev := NewEvent(TypeAlert, "corr-9", map[string]interface{}{"code": "SEC-080"})
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, TypeAlert, ev.Type)
}
