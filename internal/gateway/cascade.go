package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/events"
	"github.com/sawpanic/tradegate/internal/guardian"
	"github.com/sawpanic/tradegate/internal/hitl"
	"github.com/sawpanic/tradegate/internal/metrics"
	"github.com/sawpanic/tradegate/internal/persistence"
)

// CascadeHandler consumes Guardian lock events serially and rejects every
// awaiting approval with reason GUARDIAN_LOCK. Lock events arrive two ways:
// from the port's bounded poll channel, and as guardian.locked messages on
// the event bus when an external guardian publishes instead of being polled.
// Both funnel through one loop so cascades never run concurrently.
type CascadeHandler struct {
	gw        *Gateway
	busEvents chan guardian.LockEvent
	log       zerolog.Logger
}

// NewCascadeHandler creates the handler; Run starts it.
func NewCascadeHandler(gw *Gateway, logger zerolog.Logger) *CascadeHandler {
	return &CascadeHandler{
		gw:        gw,
		busEvents: make(chan guardian.LockEvent, 8),
		log:       logger.With().Str("component", "cascade").Logger(),
	}
}

// Run consumes lock events until ctx is cancelled or the port closes its
// channel.
func (h *CascadeHandler) Run(ctx context.Context) {
	unsubscribe := h.gw.bus.Subscribe(events.TypeGuardianLocked, func(_ context.Context, ev events.Event) {
		select {
		case h.busEvents <- lockEventFrom(ev):
		default:
			// Next poll of the port re-reports LOCKED, so a dropped bus
			// event only delays the cascade.
			h.log.Warn().Msg("bus lock event dropped, cascade busy")
		}
	})
	defer unsubscribe()

	ch := h.gw.guard.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.handle(ctx, ev)
		case ev := <-h.busEvents:
			h.handle(ctx, ev)
		}
	}
}

func (h *CascadeHandler) handle(ctx context.Context, ev guardian.LockEvent) {
	if n, err := h.CascadeReject(ctx, ev); err != nil {
		h.log.Error().Err(err).Str("reason", ev.Reason).Msg("lock cascade failed")
	} else {
		h.log.Warn().Int("rejected", n).Str("reason", ev.Reason).Msg("lock cascade complete")
	}
}

// lockEventFrom decodes a guardian.locked bus payload. locked_at arrives as
// time.Time from the in-process bus and as an RFC 3339 string after a Redis
// round trip.
func lockEventFrom(ev events.Event) guardian.LockEvent {
	le := guardian.LockEvent{LockedAt: ev.Timestamp}
	if reason, ok := ev.Payload["reason"].(string); ok {
		le.Reason = reason
	}
	switch at := ev.Payload["locked_at"].(type) {
	case time.Time:
		le.LockedAt = at
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, at); err == nil {
			le.LockedAt = parsed
		}
	}
	return le
}

// CascadeReject rejects all awaiting approvals in response to one lock
// event, recording the lock reason in each audit payload. Approvals that an
// operator decides concurrently are skipped without error.
func (h *CascadeHandler) CascadeReject(ctx context.Context, ev guardian.LockEvent) (int, error) {
	now := h.gw.nowUTC()
	set, err := h.gw.store.Approvals.ListAwaiting(ctx)
	if err != nil {
		return 0, err
	}

	for _, id := range set.Corrupt {
		rec, err := h.gw.store.Approvals.GetByID(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		if _, err := h.gw.rejectHashMismatch(ctx, *rec, now); err != nil && !hitl.IsCode(err, hitl.CodeHashMismatch) {
			h.log.Error().Err(err).Str("approval_id", id).Msg("hash-mismatch reject failed")
		}
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"lock_reason": ev.Reason,
		"locked_at":   ev.LockedAt,
	})

	rejected := 0
	for _, rec := range set.Valid {
		next := rec.WithDecision(hitl.StatusRejected, now, systemActor, hitl.ChannelSystem, hitl.ReasonGuardianLock)
		code := string(hitl.CodeGuardianLocked)
		audit := h.gw.auditEntry(systemActor, hitl.ActionGuardianCascade, rec.TradeID, rec.CorrelationID, &rec, &next, &code)
		audit.Payload = payload

		if err := h.gw.store.Approvals.Decide(ctx, persistence.DecideUpdate{Record: next, Audit: audit}); err != nil {
			if hitl.IsCode(err, hitl.CodeInvalidState) {
				continue
			}
			return rejected, err
		}

		h.gw.metrics.RejectionsTotal.WithLabelValues(metrics.ReasonGuardianLock).Inc()
		h.gw.metrics.PendingGauge.Dec()
		h.gw.bus.Publish(ctx, events.NewEvent(events.TypeDecided, rec.CorrelationID, recordPayload(next)))
		if err := h.gw.notifier.SendDecision(ctx, next); err != nil {
			h.log.Warn().Err(err).Str("trade_id", rec.TradeID).Msg("cascade notification failed")
		}
		rejected++
	}
	return rejected, nil
}
