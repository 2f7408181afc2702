package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	cb "github.com/sony/gobreaker"
	"github.com/rs/zerolog"
)

// HTTPConfig configures the Guardian HTTP adapter.
type HTTPConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	EventBuffer  int           `yaml:"event_buffer"`
}

// DefaultHTTPConfig returns the fail-closed defaults: 2 s per call, 5 s poll.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:      2 * time.Second,
		PollInterval: 5 * time.Second,
		EventBuffer:  16,
	}
}

// HTTPPort polls the Guardian service over HTTP. Calls run behind a circuit
// breaker; an open breaker or any transport error reads as locked.
type HTTPPort struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *cb.CircuitBreaker
	log     zerolog.Logger

	mu        sync.Mutex
	lastState State
	events    chan LockEvent
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewHTTPPort creates the adapter. Call Run to start lock-event polling.
func NewHTTPPort(cfg HTTPConfig, logger zerolog.Logger) *HTTPPort {
	st := cb.Settings{Name: "guardian"}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	return &HTTPPort{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		breaker:   cb.NewCircuitBreaker(st),
		log:       logger.With().Str("component", "guardian").Logger(),
		lastState: StateUnlocked,
		events:    make(chan LockEvent, cfg.EventBuffer),
		stop:      make(chan struct{}),
	}
}

func (p *HTTPPort) IsLocked(ctx context.Context) bool {
	return p.Status(ctx).State == StateLocked
}

func (p *HTTPPort) Status(ctx context.Context) Status {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetchStatus(ctx)
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("guardian unreachable, treating as locked")
		return Status{State: StateLocked, Reason: "guardian unreachable"}
	}
	return out.(Status)
}

func (p *HTTPPort) Subscribe() <-chan LockEvent {
	return p.events
}

// Run polls the Guardian and publishes a LockEvent on each UNLOCKED->LOCKED
// transition. Blocks until ctx is done or Close is called.
func (p *HTTPPort) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// Close stops the polling loop.
func (p *HTTPPort) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *HTTPPort) poll(ctx context.Context) {
	status := p.Status(ctx)

	p.mu.Lock()
	prev := p.lastState
	p.lastState = status.State
	p.mu.Unlock()

	if prev != StateLocked && status.State == StateLocked {
		lockedAt := time.Now().UTC()
		if status.LockedAt != nil {
			lockedAt = *status.LockedAt
		}
		ev := LockEvent{Reason: status.Reason, LockedAt: lockedAt}
		select {
		case p.events <- ev:
		default:
			// Bounded channel full: the cascade handler is behind. Dropping
			// is safe because the next poll re-reports LOCKED and the store
			// serializes transitions anyway.
			p.log.Warn().Msg("lock event buffer full, dropping event")
		}
	}
}

func (p *HTTPPort) fetchStatus(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/status", nil)
	if err != nil {
		return Status{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("guardian status returned %d", resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return Status{}, fmt.Errorf("decode guardian status: %w", err)
	}
	return status, nil
}
