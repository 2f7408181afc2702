package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/hitl"
)

// ExpiryWorker sweeps overdue approvals on a fixed interval and auto-rejects
// them with reason HITL_TIMEOUT. Races against operator decisions are
// resolved by the store's conditional update; a lost race is not an error.
type ExpiryWorker struct {
	gw       *Gateway
	interval time.Duration
	log      zerolog.Logger
	done     chan struct{}
}

// NewExpiryWorker creates the worker; Run starts it.
func NewExpiryWorker(gw *Gateway, interval time.Duration, logger zerolog.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		gw:       gw,
		interval: interval,
		log:      logger.With().Str("component", "expiry").Logger(),
		done:     make(chan struct{}),
	}
}

// Run ticks until ctx is cancelled or Close is called. A failed sweep is
// retried within the tick and otherwise left for the next one; the loop
// never halts on storage errors.
func (w *ExpiryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			if n, err := w.sweepWithRetry(ctx); err != nil {
				w.log.Error().Err(err).Msg("expiry sweep failed")
			} else if n > 0 {
				w.log.Info().Int("expired", n).Msg("expiry sweep complete")
			}
		}
	}
}

// Close stops the loop.
func (w *ExpiryWorker) Close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

const sweepAttempts = 3

func (w *ExpiryWorker) sweepWithRetry(ctx context.Context) (int, error) {
	var lastErr error
	for attempt := 0; attempt < sweepAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
		n, err := w.Sweep(ctx)
		if err == nil {
			return n, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

// Sweep runs one expiry pass and returns the number of approvals it
// auto-rejected.
func (w *ExpiryWorker) Sweep(ctx context.Context) (int, error) {
	now := w.gw.nowUTC()
	set, err := w.gw.store.Approvals.ListAwaitingExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	for _, id := range set.Corrupt {
		rec, err := w.gw.store.Approvals.GetByID(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		if _, err := w.gw.rejectHashMismatch(ctx, *rec, now); err != nil && !hitl.IsCode(err, hitl.CodeHashMismatch) {
			w.log.Error().Err(err).Str("approval_id", id).Msg("hash-mismatch reject failed")
		}
	}

	expired := 0
	for _, rec := range set.Valid {
		if _, err := w.gw.expireOne(ctx, rec, now); err != nil {
			// Zero rows affected: an operator decided first. Move on.
			if hitl.IsCode(err, hitl.CodeInvalidState) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}
