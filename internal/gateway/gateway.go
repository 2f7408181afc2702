// Package gateway is the orchestration core of the approval service. It
// composes the gates — Guardian, authorization, expiry, slippage, state
// transition — in a fixed order, owns the audit trail for every outcome, and
// is the only caller of the store's decide path.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/tradegate/internal/events"
	"github.com/sawpanic/tradegate/internal/guardian"
	"github.com/sawpanic/tradegate/internal/hitl"
	"github.com/sawpanic/tradegate/internal/marketdata"
	"github.com/sawpanic/tradegate/internal/metrics"
	"github.com/sawpanic/tradegate/internal/notify"
	"github.com/sawpanic/tradegate/internal/persistence"
	"github.com/sawpanic/tradegate/internal/token"
)

const (
	systemActor      = "system"
	targetApproval   = "approval"
	maxReasonLength  = 500
)

// Config carries the policy knobs the core enforces.
type Config struct {
	// Enabled false puts the gateway in bypass mode: every create is
	// auto-accepted with channel SYSTEM. Testing escape hatch only.
	Enabled bool

	// Timeout is the approval window; also the deep-link token TTL.
	Timeout time.Duration

	// SlippageMax is the maximum tolerated price deviation in percent.
	SlippageMax decimal.Decimal

	// Operators is the set of operator ids allowed to decide.
	Operators map[string]struct{}
}

// Gateway orchestrates the approval lifecycle.
type Gateway struct {
	cfg      Config
	store    persistence.Repository
	guard    guardian.Port
	feed     marketdata.Feed
	tokens   *token.Service
	notifier notify.ChatNotifier
	bus      events.Bus
	metrics  *metrics.Registry
	log      zerolog.Logger
	now      func() time.Time
}

// New wires the gateway core.
func New(cfg Config, store persistence.Repository, guard guardian.Port, feed marketdata.Feed,
	tokens *token.Service, notifier notify.ChatNotifier, bus events.Bus,
	reg *metrics.Registry, logger zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		store:    store,
		guard:    guard,
		feed:     feed,
		tokens:   tokens,
		notifier: notifier,
		bus:      bus,
		metrics:  reg,
		log:      logger.With().Str("component", "gateway").Logger(),
		now:      time.Now,
	}
}

// WithClock overrides the gateway clock. Test hook.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// nowUTC stamps at microsecond precision. timestamptz stores microseconds and
// rounds the remainder, so a finer stamp would read back different and break
// hash verification.
func (g *Gateway) nowUTC() time.Time {
	return g.now().UTC().Truncate(time.Microsecond)
}

// CreateInput is an inbound signal requesting approval.
type CreateInput struct {
	TradeID       string
	Instrument    string
	Side          hitl.Side
	RiskPct       decimal.Decimal
	Confidence    decimal.Decimal
	RequestPrice  decimal.Decimal
	Reasoning     hitl.ReasoningSummary
	CorrelationID string
}

func (in *CreateInput) validate() error {
	switch {
	case in.TradeID == "":
		return hitl.Errf(hitl.CodeInvalidRequest, "trade_id is required")
	case in.Instrument == "":
		return hitl.Errf(hitl.CodeInvalidRequest, "instrument is required")
	case in.Side != hitl.SideBuy && in.Side != hitl.SideSell:
		return hitl.Errf(hitl.CodeInvalidRequest, "side must be BUY or SELL")
	case in.RiskPct.IsNegative() || in.RiskPct.GreaterThan(decimal.NewFromInt(100)):
		return hitl.Errf(hitl.CodeInvalidRequest, "risk_pct must be within [0, 100]")
	case in.Confidence.IsNegative() || in.Confidence.GreaterThan(decimal.NewFromInt(1)):
		return hitl.Errf(hitl.CodeInvalidRequest, "confidence must be within [0, 1]")
	case !in.RequestPrice.IsPositive():
		return hitl.Errf(hitl.CodeInvalidRequest, "request_price must be positive")
	}
	return nil
}

// Create admits a new trade signal into the approval flow. With the gate
// disabled the record is accepted immediately with channel SYSTEM; otherwise
// it lands in AWAITING_APPROVAL, gets announced on chat with a deep-link
// token, and starts its expiry clock.
func (g *Gateway) Create(ctx context.Context, in CreateInput) (*hitl.ApprovalRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.New().String()
	}

	now := g.nowUTC()
	rec := hitl.ApprovalRequest{
		ID:            uuid.New().String(),
		TradeID:       in.TradeID,
		Instrument:    in.Instrument,
		Side:          in.Side,
		RiskPct:       in.RiskPct,
		Confidence:    in.Confidence,
		RequestPrice:  in.RequestPrice,
		Reasoning:     in.Reasoning,
		Status:        hitl.StatusAwaiting,
		RequestedAt:   now,
		ExpiresAt:     now.Add(g.cfg.Timeout),
		CorrelationID: in.CorrelationID,
	}

	if !g.cfg.Enabled {
		accepted := rec.WithDecision(hitl.StatusAccepted, now, systemActor, hitl.ChannelSystem, hitl.ReasonDisabled)
		audit := g.auditEntry(systemActor, hitl.ActionCreate, accepted.TradeID, in.CorrelationID, nil, &accepted, nil)
		if err := g.store.Approvals.Create(ctx, accepted, audit); err != nil {
			return nil, err
		}
		g.metrics.RequestsTotal.Inc()
		g.bus.Publish(ctx, events.NewEvent(events.TypeDecided, in.CorrelationID, recordPayload(accepted)))
		g.log.Warn().Str("trade_id", accepted.TradeID).Msg("approval gate disabled, trade auto-accepted")
		return &accepted, nil
	}

	if g.guard.IsLocked(ctx) {
		code := string(hitl.CodeGuardianLocked)
		blocked := g.auditEntry(systemActor, hitl.ActionCreateBlocked, rec.TradeID, in.CorrelationID, nil, nil, &code)
		if err := g.store.Audit.Append(ctx, blocked); err != nil {
			g.log.Error().Err(err).Str("trade_id", rec.TradeID).Msg("audit append failed")
		}
		g.metrics.BlockedByGuardian.Inc()
		return nil, hitl.Errf(hitl.CodeGuardianLocked, "guardian lock active, trade %s blocked", rec.TradeID)
	}

	rec.RowHash = hitl.ComputeHash(&rec)
	audit := g.auditEntry(systemActor, hitl.ActionCreate, rec.TradeID, in.CorrelationID, nil, &rec, nil)
	if err := g.store.Approvals.Create(ctx, rec, audit); err != nil {
		return nil, err
	}

	g.bus.Publish(ctx, events.NewEvent(events.TypeCreated, in.CorrelationID, createdPayload(rec, now)))

	tok, err := g.tokens.Mint(ctx, rec.TradeID, g.cfg.Timeout, in.CorrelationID)
	if err != nil {
		g.log.Error().Err(err).Str("trade_id", rec.TradeID).Msg("deeplink mint failed")
	} else if err := g.notifier.SendRequest(ctx, rec, tok); err != nil {
		g.log.Warn().Err(err).Str("trade_id", rec.TradeID).Msg("request notification failed")
	}

	g.metrics.RequestsTotal.Inc()
	g.metrics.PendingGauge.Inc()
	g.log.Info().Str("trade_id", rec.TradeID).Str("correlation_id", rec.CorrelationID).
		Time("expires_at", rec.ExpiresAt).Msg("approval requested")
	return &rec, nil
}

// DecideInput is an operator verdict on a pending approval.
type DecideInput struct {
	TradeID       string
	Verb          hitl.Verb
	OperatorID    string
	Channel       hitl.Channel
	Reason        string
	CorrelationID string
}

func (in *DecideInput) validate() error {
	switch {
	case in.TradeID == "":
		return hitl.Errf(hitl.CodeInvalidRequest, "trade_id is required")
	case in.Verb != hitl.VerbApprove && in.Verb != hitl.VerbReject:
		return hitl.Errf(hitl.CodeInvalidRequest, "verb must be APPROVE or REJECT")
	case in.Channel != hitl.ChannelWeb && in.Channel != hitl.ChannelDiscord && in.Channel != hitl.ChannelCLI:
		return hitl.Errf(hitl.CodeInvalidRequest, "channel must be WEB, DISCORD, or CLI")
	case len(in.Reason) > maxReasonLength:
		return hitl.Errf(hitl.CodeInvalidRequest, "decision reason exceeds %d characters", maxReasonLength)
	}
	return nil
}

// Decide applies an operator verdict. The gates run in a fixed order:
// authorization, Guardian, load and verify, state, expiry, market data,
// slippage, then the conditional store update that serializes concurrent
// attempts. The system reject paths (expiry, slippage, hash mismatch) persist
// a REJECTED decision and return it together with the coded error.
func (g *Gateway) Decide(ctx context.Context, in DecideInput) (*hitl.ApprovalRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.New().String()
	}
	now := g.nowUTC()

	// Unauthorized callers learn nothing about the record, not even
	// whether it exists. No further gates run.
	if _, ok := g.cfg.Operators[in.OperatorID]; !ok {
		code := string(hitl.CodeUnauthorized)
		entry := g.auditEntry(in.OperatorID, hitl.ActionUnauthorized, in.TradeID, in.CorrelationID, nil, nil, &code)
		if err := g.store.Audit.Append(ctx, entry); err != nil {
			g.log.Error().Err(err).Str("trade_id", in.TradeID).Msg("audit append failed")
		}
		g.log.Warn().Str("operator_id", in.OperatorID).Str("trade_id", in.TradeID).
			Msg("unauthorized decision attempt")
		return nil, hitl.Errf(hitl.CodeUnauthorized, "operator %s is not authorized", in.OperatorID)
	}

	if g.guard.IsLocked(ctx) {
		code := string(hitl.CodeGuardianLocked)
		entry := g.auditEntry(in.OperatorID, hitl.ActionDecideBlocked, in.TradeID, in.CorrelationID, nil, nil, &code)
		if err := g.store.Audit.Append(ctx, entry); err != nil {
			g.log.Error().Err(err).Str("trade_id", in.TradeID).Msg("audit append failed")
		}
		return nil, hitl.Errf(hitl.CodeGuardianLocked, "guardian lock active")
	}

	rec, err := g.store.Approvals.GetByTradeID(ctx, in.TradeID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, hitl.Errf(hitl.CodeInvalidState, "unknown trade %s", in.TradeID)
	}

	if !hitl.VerifyHash(rec) {
		return g.rejectHashMismatch(ctx, *rec, now)
	}

	if rec.Status != hitl.StatusAwaiting {
		if hitl.Terminal(hitl.NormalizeStatus(rec.Status)) {
			return nil, hitl.Errf(hitl.CodeInvalidState, "trade %s already decided", in.TradeID)
		}
		return nil, hitl.Errf(hitl.CodeInvalidState, "trade %s is not awaiting approval", in.TradeID)
	}

	if rec.Expired(now) {
		rejected, err := g.expireOne(ctx, *rec, now)
		if err != nil {
			return nil, err
		}
		return rejected, hitl.Errf(hitl.CodeExpired, "approval window for %s elapsed", in.TradeID)
	}

	quote, err := g.feed.GetQuote(ctx, rec.Instrument)
	if err == nil {
		err = quote.Validate()
	}
	if err != nil {
		code := string(hitl.CodeSlippage)
		entry := g.auditEntry(in.OperatorID, hitl.ActionDecideBlocked, in.TradeID, in.CorrelationID, rec, nil, &code)
		if aerr := g.store.Audit.Append(ctx, entry); aerr != nil {
			g.log.Error().Err(aerr).Str("trade_id", in.TradeID).Msg("audit append failed")
		}
		return nil, err
	}
	snap := hitl.NewSnapshot(rec.ID, in.CorrelationID, quote.Bid, quote.Ask, rec.RequestPrice, quote.LatencyMS, now)

	if in.Verb == hitl.VerbApprove {
		res, err := hitl.ValidateSlippage(rec.RequestPrice, quote.Mid(), g.cfg.SlippageMax)
		if err != nil {
			return nil, err
		}
		if !res.Valid {
			rejected := rec.WithDecision(hitl.StatusRejected, now, in.OperatorID, in.Channel, hitl.ReasonSlippage)
			code := string(hitl.CodeSlippage)
			update := persistence.DecideUpdate{
				Record:   rejected,
				Audit:    g.auditEntry(in.OperatorID, hitl.ActionReject, rec.TradeID, in.CorrelationID, rec, &rejected, &code),
				Snapshot: &snap,
			}
			if err := g.store.Approvals.Decide(ctx, update); err != nil {
				return nil, err
			}
			g.finishDecision(ctx, rejected, now)
			g.log.Warn().Str("trade_id", rec.TradeID).
				Str("deviation_pct", res.DeviationPct.StringFixedBank(4)).
				Msg("approval rejected on slippage")
			return &rejected, hitl.Errf(hitl.CodeSlippage,
				"price moved %s%% against limit %s%%", res.DeviationPct.StringFixedBank(4), g.cfg.SlippageMax.String())
		}
	}

	target := hitl.StatusForVerb(in.Verb)
	if err := hitl.ValidateTransition(rec.Status, target); err != nil {
		return nil, err
	}
	decided := rec.WithDecision(target, now, in.OperatorID, in.Channel, in.Reason)

	action := hitl.ActionApprove
	if in.Verb == hitl.VerbReject {
		action = hitl.ActionReject
	}
	update := persistence.DecideUpdate{
		Record:   decided,
		Audit:    g.auditEntry(in.OperatorID, action, rec.TradeID, in.CorrelationID, rec, &decided, nil),
		Snapshot: &snap,
	}
	if err := g.store.Approvals.Decide(ctx, update); err != nil {
		return nil, err
	}

	g.finishDecision(ctx, decided, now)
	g.log.Info().Str("trade_id", decided.TradeID).Str("status", string(decided.Status)).
		Str("operator_id", in.OperatorID).Msg("approval decided")
	return &decided, nil
}

// GetPending returns the verified awaiting approvals in non-decreasing
// expires_at order. Rows failing hash verification are excluded and alerted;
// their rejection happens on the next decide attempt or recovery pass.
func (g *Gateway) GetPending(ctx context.Context) ([]hitl.ApprovalRequest, error) {
	set, err := g.store.Approvals.ListAwaiting(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range set.Corrupt {
		g.log.Error().Str("approval_id", id).Msg("stored hash mismatch on pending read")
		g.bus.Publish(ctx, events.NewEvent(events.TypeAlert, "", map[string]interface{}{
			"approval_id": id,
			"error_code":  string(hitl.CodeHashMismatch),
		}))
	}
	g.metrics.PendingGauge.Set(float64(len(set.Valid)))
	return set.Valid, nil
}

// GetByTradeID fetches one approval record.
func (g *Gateway) GetByTradeID(ctx context.Context, tradeID string) (*hitl.ApprovalRequest, error) {
	return g.store.Approvals.GetByTradeID(ctx, tradeID)
}

// RecoverOnStartup replays the AWAITING_APPROVAL set before the gateway
// accepts traffic: tampered rows are rejected with HASH_MISMATCH, overdue
// rows expire, and the survivors are re-announced for UI resynchronization.
func (g *Gateway) RecoverOnStartup(ctx context.Context) error {
	now := g.nowUTC()
	set, err := g.store.Approvals.ListAwaiting(ctx)
	if err != nil {
		return err
	}

	for _, id := range set.Corrupt {
		rec, err := g.store.Approvals.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		if _, err := g.rejectHashMismatch(ctx, *rec, now); err != nil && !hitl.IsCode(err, hitl.CodeHashMismatch) {
			return err
		}
	}

	alive := 0
	for _, rec := range set.Valid {
		if rec.Expired(now) {
			if _, err := g.expireOne(ctx, rec, now); err != nil {
				return err
			}
			continue
		}
		g.bus.Publish(ctx, events.NewEvent(events.TypeCreated, rec.CorrelationID, createdPayload(rec, now)))
		alive++
	}

	g.metrics.PendingGauge.Set(float64(alive))
	g.log.Info().Int("pending", alive).Int("expired", len(set.Valid)-alive).
		Int("corrupt", len(set.Corrupt)).Msg("startup recovery complete")
	return nil
}

// expireOne writes the timeout auto-reject for one overdue approval. A lost
// race against a concurrent operator decision surfaces as SEC-030.
func (g *Gateway) expireOne(ctx context.Context, rec hitl.ApprovalRequest, now time.Time) (*hitl.ApprovalRequest, error) {
	rejected := rec.WithDecision(hitl.StatusRejected, now, systemActor, hitl.ChannelSystem, hitl.ReasonTimeout)
	code := string(hitl.CodeExpired)
	update := persistence.DecideUpdate{
		Record: rejected,
		Audit:  g.auditEntry(systemActor, hitl.ActionExpire, rec.TradeID, rec.CorrelationID, &rec, &rejected, &code),
	}
	if err := g.store.Approvals.Decide(ctx, update); err != nil {
		return nil, err
	}

	g.metrics.TimeoutsTotal.Inc()
	g.metrics.RejectionsTotal.WithLabelValues(metrics.ReasonTimeout).Inc()
	g.metrics.PendingGauge.Dec()
	g.bus.Publish(ctx, events.NewEvent(events.TypeExpired, rec.CorrelationID, recordPayload(rejected)))
	if err := g.notifier.SendTimeout(ctx, rejected); err != nil {
		g.log.Warn().Err(err).Str("trade_id", rec.TradeID).Msg("timeout notification failed")
	}
	g.log.Info().Str("trade_id", rec.TradeID).Msg("approval expired, auto-rejected")
	return &rejected, nil
}

// rejectHashMismatch quarantines a tampered record: auto-reject with reason
// HASH_MISMATCH, audit with the integrity code, and raise an alert. The
// returned error is always SEC-080 once the rejection is stored.
func (g *Gateway) rejectHashMismatch(ctx context.Context, rec hitl.ApprovalRequest, now time.Time) (*hitl.ApprovalRequest, error) {
	rejected := rec.WithDecision(hitl.StatusRejected, now, systemActor, hitl.ChannelSystem, hitl.ReasonHashMismatch)
	code := string(hitl.CodeHashMismatch)
	update := persistence.DecideUpdate{
		Record: rejected,
		Audit:  g.auditEntry(systemActor, hitl.ActionHashMismatch, rec.TradeID, rec.CorrelationID, &rec, &rejected, &code),
	}
	if err := g.store.Approvals.Decide(ctx, update); err != nil {
		return nil, err
	}

	g.metrics.RejectionsTotal.WithLabelValues(metrics.ReasonHashMismatch).Inc()
	g.metrics.PendingGauge.Dec()
	g.bus.Publish(ctx, events.NewEvent(events.TypeAlert, rec.CorrelationID, map[string]interface{}{
		"trade_id":    rec.TradeID,
		"approval_id": rec.ID,
		"error_code":  code,
	}))
	g.bus.Publish(ctx, events.NewEvent(events.TypeDecided, rec.CorrelationID, recordPayload(rejected)))
	g.log.Error().Str("trade_id", rec.TradeID).Msg("stored hash mismatch, approval quarantined")
	return &rejected, hitl.Errf(hitl.CodeHashMismatch, "integrity check failed for trade %s", rec.TradeID)
}

// finishDecision records the shared post-commit effects of an operator
// decision: latency observation, outcome counters, event, chat notice.
func (g *Gateway) finishDecision(ctx context.Context, decided hitl.ApprovalRequest, now time.Time) {
	g.metrics.ResponseLatency.Observe(now.Sub(decided.RequestedAt).Seconds())
	if decided.Status == hitl.StatusAccepted {
		g.metrics.ApprovalsTotal.Inc()
	} else {
		reason := ""
		if decided.DecisionReason != nil {
			reason = *decided.DecisionReason
		}
		g.metrics.RejectionsTotal.WithLabelValues(metrics.RejectReason(reason)).Inc()
	}
	g.metrics.PendingGauge.Dec()

	g.bus.Publish(ctx, events.NewEvent(events.TypeDecided, decided.CorrelationID, recordPayload(decided)))
	if err := g.notifier.SendDecision(ctx, decided); err != nil {
		g.log.Warn().Err(err).Str("trade_id", decided.TradeID).Msg("decision notification failed")
	}
}

func (g *Gateway) auditEntry(actor, action, targetID, correlationID string,
	prev, next *hitl.ApprovalRequest, errorCode *string) hitl.AuditEntry {
	return hitl.AuditEntry{
		ActorID:       actor,
		Action:        action,
		TargetType:    targetApproval,
		TargetID:      targetID,
		PreviousState: marshalState(prev),
		NewState:      marshalState(next),
		CorrelationID: correlationID,
		ErrorCode:     errorCode,
		CreatedAt:     g.nowUTC(),
	}
}

func marshalState(rec *hitl.ApprovalRequest) json.RawMessage {
	if rec == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	return raw
}

// createdPayload decorates the record with the server-computed countdown the
// UI renders next to each pending approval.
func createdPayload(rec hitl.ApprovalRequest, now time.Time) map[string]interface{} {
	m := recordPayload(rec)
	m["seconds_remaining"] = rec.SecondsRemaining(now)
	return m
}

func recordPayload(rec hitl.ApprovalRequest) map[string]interface{} {
	raw, err := json.Marshal(rec)
	if err != nil {
		return map[string]interface{}{"trade_id": rec.TradeID}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]interface{}{"trade_id": rec.TradeID}
	}
	return m
}
