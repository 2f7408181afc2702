package hitl

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// hashTimeLayout renders timestamps as ISO-8601 UTC with microseconds.
// Precision is pinned so a round-trip through Postgres (timestamptz keeps
// microseconds) reproduces the exact same serialization.
const hashTimeLayout = "2006-01-02T15:04:05.000000Z"

// ComputeHash returns the 64-hex SHA-256 digest over the canonical
// serialization of every covered field of a, in fixed lexicographic field
// order, pipe-delimited. Nil optionals render as empty strings; decimals at
// their declared precision with half-even rounding; the reasoning blob in
// canonical sort-keyed JSON.
func ComputeHash(a *ApprovalRequest) string {
	reasoning, err := CanonicalJSON(a.Reasoning)
	if err != nil {
		// ReasoningSummary is a plain struct of strings; canonicalization
		// cannot fail on it. Keep the hash total regardless.
		reasoning = []byte("{}")
	}

	fields := []string{
		a.Confidence.StringFixedBank(2),        // confidence
		a.CorrelationID,                        // correlation_id
		formatTimePtr(a.DecidedAt),             // decided_at
		strPtr(a.DecidedBy),                    // decided_by
		channelPtr(a.DecisionChannel),          // decision_channel
		strPtr(a.DecisionReason),               // decision_reason
		a.ExpiresAt.UTC().Format(hashTimeLayout), // expires_at
		a.ID,                                   // id
		a.Instrument,                           // instrument
		string(reasoning),                      // reasoning_summary
		a.RequestPrice.StringFixedBank(8),      // request_price
		a.RequestedAt.UTC().Format(hashTimeLayout), // requested_at
		a.RiskPct.StringFixedBank(2),           // risk_pct
		string(a.Side),                         // side
		string(a.Status),                       // status
		a.TradeID,                              // trade_id
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether the stored row hash matches the hash recomputed
// over the record's current field values.
func VerifyHash(a *ApprovalRequest) bool {
	return a.RowHash != "" && ComputeHash(a) == a.RowHash
}

// ComputeTokenHash digests a deep-link token row under the same scheme as
// ComputeHash: covered fields in lexicographic order, pipe-delimited.
func ComputeTokenHash(t *DeepLinkToken) string {
	fields := []string{
		t.CorrelationID,                          // correlation_id
		t.CreatedAt.UTC().Format(hashTimeLayout), // created_at
		t.ExpiresAt.UTC().Format(hashTimeLayout), // expires_at
		t.Token,                                  // token
		t.TradeID,                                // trade_id
		formatTimePtr(t.UsedAt),                  // used_at
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// VerifyTokenHash reports whether the stored token hash matches its fields.
func VerifyTokenHash(t *DeepLinkToken) bool {
	return t.RowHash != "" && ComputeTokenHash(t) == t.RowHash
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(hashTimeLayout)
}

func strPtr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func channelPtr(c *Channel) string {
	if c == nil {
		return ""
	}
	return string(*c)
}
