package guardian

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPort(t *testing.T, handler http.HandlerFunc) *HTTPPort {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultHTTPConfig()
	cfg.BaseURL = srv.URL
	cfg.PollInterval = 10 * time.Millisecond
	return NewHTTPPort(cfg, zerolog.Nop())
}

func TestHTTPPort_StatusUnlocked(t *testing.T) {
	port := newTestPort(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		json.NewEncoder(w).Encode(Status{State: StateUnlocked})
	})

	assert.False(t, port.IsLocked(context.Background()))
}

func TestHTTPPort_UnreachableReadsAsLocked(t *testing.T) {
	cfg := DefaultHTTPConfig()
	cfg.BaseURL = "http://127.0.0.1:1" // nothing listens here
	port := NewHTTPPort(cfg, zerolog.Nop())

	status := port.Status(context.Background())
	assert.Equal(t, StateLocked, status.State)
	assert.True(t, port.IsLocked(context.Background()))
}

func TestHTTPPort_ServerErrorReadsAsLocked(t *testing.T) {
	port := newTestPort(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	assert.True(t, port.IsLocked(context.Background()))
}

func TestHTTPPort_EmitsLockEventOnTransition(t *testing.T) {
	var locked atomic.Bool
	port := newTestPort(t, func(w http.ResponseWriter, r *http.Request) {
		st := Status{State: StateUnlocked}
		if locked.Load() {
			st = Status{State: StateLocked, Reason: "drawdown limit"}
		}
		json.NewEncoder(w).Encode(st)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go port.Run(ctx)

	// Let at least one unlocked poll land, then flip.
	time.Sleep(30 * time.Millisecond)
	locked.Store(true)

	select {
	case ev := <-port.Subscribe():
		assert.Equal(t, "drawdown limit", ev.Reason)
		assert.False(t, ev.LockedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no lock event delivered")
	}

	// Staying locked must not emit again; only transitions do.
	select {
	case <-port.Subscribe():
		t.Fatal("duplicate lock event for steady LOCKED state")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHTTPPort_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultHTTPConfig()
	cfg.BaseURL = "http://127.0.0.1:1"
	port := NewHTTPPort(cfg, zerolog.Nop())

	for i := 0; i < 5; i++ {
		require.True(t, port.IsLocked(context.Background()))
	}
	// Breaker is now open; still reads as locked without hammering the wire.
	assert.True(t, port.IsLocked(context.Background()))
}
