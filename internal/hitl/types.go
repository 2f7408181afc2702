// Package hitl holds the domain core of the approval gateway: the canonical
// approval record, the integrity hasher, the slippage guard, and the trade
// lifecycle state machine. Everything here is pure — no I/O, no clocks.
package hitl

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Status is the approval lifecycle state. ACCEPTED and REJECTED are terminal.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAwaiting Status = "AWAITING_APPROVAL"
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"

	// StatusExpiredLegacy exists in some historical rows; the gateway reads
	// it as REJECTED and never writes it.
	StatusExpiredLegacy Status = "EXPIRED"
)

// Channel identifies where a decision originated.
type Channel string

const (
	ChannelWeb     Channel = "WEB"
	ChannelDiscord Channel = "DISCORD"
	ChannelCLI     Channel = "CLI"
	ChannelSystem  Channel = "SYSTEM"
)

// Verb is the operator intent on a pending approval.
type Verb string

const (
	VerbApprove Verb = "APPROVE"
	VerbReject  Verb = "REJECT"
)

// System decision reasons written with channel SYSTEM.
const (
	ReasonDisabled     = "HITL_DISABLED"
	ReasonTimeout      = "HITL_TIMEOUT"
	ReasonSlippage     = "SLIPPAGE_EXCEEDED"
	ReasonGuardianLock = "GUARDIAN_LOCK"
	ReasonHashMismatch = "HASH_MISMATCH"
)

// Audit actions recorded for every state-changing operation.
const (
	ActionCreate          = "CREATE"
	ActionCreateBlocked   = "CREATE_BLOCKED"
	ActionApprove         = "APPROVE"
	ActionReject          = "REJECT"
	ActionExpire          = "EXPIRE"
	ActionGuardianCascade = "GUARDIAN_CASCADE_REJECT"
	ActionDecideBlocked   = "DECIDE_BLOCKED"
	ActionUnauthorized    = "UNAUTHORIZED_ATTEMPT"
	ActionHashMismatch    = "HASH_MISMATCH"
)

// ReasoningSummary is the structured rationale attached by the signal
// producer. It is hashed in canonical form, so field order never matters.
type ReasoningSummary struct {
	Trend            string   `json:"trend"`
	Volatility       string   `json:"volatility"`
	SignalConfluence []string `json:"signal_confluence"`
	Notes            string   `json:"notes,omitempty"`
}

// ApprovalRequest is the canonical approval record. Immutable after creation
// except for the decision fields and RowHash, which are written exactly once.
type ApprovalRequest struct {
	ID           string          `json:"id" db:"id"`
	TradeID      string          `json:"trade_id" db:"trade_id"`
	Instrument   string          `json:"instrument" db:"instrument"`
	Side         Side            `json:"side" db:"side"`
	RiskPct      decimal.Decimal `json:"risk_pct" db:"risk_pct"`
	Confidence   decimal.Decimal `json:"confidence" db:"confidence"`
	RequestPrice decimal.Decimal `json:"request_price" db:"request_price"`
	Reasoning    ReasoningSummary `json:"reasoning_summary" db:"-"`

	Status      Status    `json:"status" db:"status"`
	RequestedAt time.Time `json:"requested_at" db:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`

	// Decision fields: all nil before a decision, all set after.
	DecidedAt       *time.Time `json:"decided_at,omitempty" db:"decided_at"`
	DecidedBy       *string    `json:"decided_by,omitempty" db:"decided_by"`
	DecisionChannel *Channel   `json:"decision_channel,omitempty" db:"decision_channel"`
	DecisionReason  *string    `json:"decision_reason,omitempty" db:"decision_reason"`

	CorrelationID string `json:"correlation_id" db:"correlation_id"`
	RowHash       string `json:"row_hash" db:"row_hash"`
}

// Decided reports whether the record carries a decision.
func (a *ApprovalRequest) Decided() bool {
	return a.DecidedAt != nil && a.DecidedBy != nil && a.DecisionChannel != nil && a.DecisionReason != nil
}

// SecondsRemaining returns the whole seconds until expiry, floored at zero.
func (a *ApprovalRequest) SecondsRemaining(now time.Time) int64 {
	rem := a.ExpiresAt.Sub(now)
	if rem <= 0 {
		return 0
	}
	return int64(rem.Seconds())
}

// Expired reports whether the approval window has elapsed.
func (a *ApprovalRequest) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// WithDecision returns a copy of a carrying the given decision fields and a
// recomputed row hash. The receiver is not modified.
func (a ApprovalRequest) WithDecision(status Status, at time.Time, by string, ch Channel, reason string) ApprovalRequest {
	a.Status = status
	a.DecidedAt = &at
	a.DecidedBy = &by
	a.DecisionChannel = &ch
	a.DecisionReason = &reason
	a.RowHash = ComputeHash(&a)
	return a
}

// PostTradeSnapshot captures market context at decision time.
type PostTradeSnapshot struct {
	ApprovalID        string          `json:"approval_id" db:"approval_id"`
	Bid               decimal.Decimal `json:"bid" db:"bid"`
	Ask               decimal.Decimal `json:"ask" db:"ask"`
	Spread            decimal.Decimal `json:"spread" db:"spread"`
	MidPrice          decimal.Decimal `json:"mid_price" db:"mid_price"`
	ResponseLatencyMS int64           `json:"response_latency_ms" db:"response_latency_ms"`
	PriceDeviationPct decimal.Decimal `json:"price_deviation_pct" db:"price_deviation_pct"`
	CorrelationID     string          `json:"correlation_id" db:"correlation_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// NewSnapshot derives spread, mid price, and request-price deviation from a
// bid/ask pair. Deviation uses the same half-even 4 dp rounding as the
// slippage guard.
func NewSnapshot(approvalID, correlationID string, bid, ask, requestPrice decimal.Decimal, latencyMS int64, now time.Time) PostTradeSnapshot {
	spread := ask.Sub(bid)
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	dev := decimal.Zero
	if requestPrice.IsPositive() {
		dev = mid.Sub(requestPrice).Abs().
			Div(requestPrice).
			Mul(decimal.NewFromInt(100)).
			RoundBank(4)
	}
	return PostTradeSnapshot{
		ApprovalID:        approvalID,
		Bid:               bid,
		Ask:               ask,
		Spread:            spread,
		MidPrice:          mid,
		ResponseLatencyMS: latencyMS,
		PriceDeviationPct: dev,
		CorrelationID:     correlationID,
		CreatedAt:         now.UTC(),
	}
}

// AuditEntry is one append-only row in the forensic chain.
type AuditEntry struct {
	ID            int64           `json:"id" db:"id"`
	ActorID       string          `json:"actor_id" db:"actor_id"`
	Action        string          `json:"action" db:"action"`
	TargetType    string          `json:"target_type" db:"target_type"`
	TargetID      string          `json:"target_id" db:"target_id"`
	PreviousState json.RawMessage `json:"previous_state,omitempty" db:"previous_state"`
	NewState      json.RawMessage `json:"new_state,omitempty" db:"new_state"`
	Payload       json.RawMessage `json:"payload,omitempty" db:"payload"`
	CorrelationID string          `json:"correlation_id" db:"correlation_id"`
	ErrorCode     *string         `json:"error_code,omitempty" db:"error_code"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// DeepLinkToken is a single-use opaque handle onto one pending approval. The
// only permitted mutation is used_at null to timestamp, with a re-hash.
type DeepLinkToken struct {
	Token         string     `json:"token" db:"token"`
	TradeID       string     `json:"trade_id" db:"trade_id"`
	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	UsedAt        *time.Time `json:"used_at,omitempty" db:"used_at"`
	CorrelationID string     `json:"correlation_id" db:"correlation_id"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	RowHash       string     `json:"row_hash" db:"row_hash"`
}
