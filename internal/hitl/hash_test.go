package hitl

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApproval() ApprovalRequest {
	requested := time.Date(2025, 6, 1, 12, 0, 0, 123456000, time.UTC)
	return ApprovalRequest{
		ID:           "ap-0001",
		TradeID:      "T1",
		Instrument:   "BTCZAR",
		Side:         SideBuy,
		RiskPct:      decimal.RequireFromString("1.00"),
		Confidence:   decimal.RequireFromString("0.80"),
		RequestPrice: decimal.RequireFromString("1500000.00000000"),
		Reasoning: ReasoningSummary{
			Trend:            "up",
			Volatility:       "low",
			SignalConfluence: []string{"ema_cross", "volume_spike"},
		},
		Status:        StatusAwaiting,
		RequestedAt:   requested,
		ExpiresAt:     requested.Add(300 * time.Second),
		CorrelationID: "corr-1",
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	a := testApproval()
	h1 := ComputeHash(&a)
	h2 := ComputeHash(&a)

	require.Len(t, h1, 64)
	assert.Equal(t, h1, h2)
}

func TestComputeHash_SingleFieldChangesDigest(t *testing.T) {
	base := testApproval()
	baseHash := ComputeHash(&base)

	tests := []struct {
		name   string
		mutate func(a *ApprovalRequest)
	}{
		{"trade_id", func(a *ApprovalRequest) { a.TradeID = "T2" }},
		{"instrument", func(a *ApprovalRequest) { a.Instrument = "ETHZAR" }},
		{"side", func(a *ApprovalRequest) { a.Side = SideSell }},
		{"risk_pct", func(a *ApprovalRequest) { a.RiskPct = decimal.RequireFromString("1.01") }},
		{"confidence", func(a *ApprovalRequest) { a.Confidence = decimal.RequireFromString("0.81") }},
		{"request_price", func(a *ApprovalRequest) {
			a.RequestPrice = decimal.RequireFromString("1500000.00000001")
		}},
		{"status", func(a *ApprovalRequest) { a.Status = StatusAccepted }},
		{"expires_at", func(a *ApprovalRequest) { a.ExpiresAt = a.ExpiresAt.Add(time.Microsecond) }},
		{"correlation_id", func(a *ApprovalRequest) { a.CorrelationID = "corr-2" }},
		{"reasoning_notes", func(a *ApprovalRequest) { a.Reasoning.Notes = "x" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testApproval()
			tt.mutate(&a)
			assert.NotEqual(t, baseHash, ComputeHash(&a))
		})
	}
}

func TestComputeHash_DecisionFieldsCovered(t *testing.T) {
	a := testApproval()
	pre := ComputeHash(&a)

	decided := a.WithDecision(StatusAccepted, a.RequestedAt.Add(10*time.Second), "op-1", ChannelWeb, "looks good")
	require.True(t, decided.Decided())
	assert.NotEqual(t, pre, decided.RowHash)
	assert.True(t, VerifyHash(&decided))
}

func TestComputeHash_TrailingPrecisionStable(t *testing.T) {
	a := testApproval()
	b := testApproval()
	// Same numeric value with a different textual form must hash identically.
	b.RequestPrice = decimal.RequireFromString("1500000")
	b.RiskPct = decimal.RequireFromString("1")

	assert.Equal(t, ComputeHash(&a), ComputeHash(&b))
}

func TestComputeHash_MicrosecondRoundingStable(t *testing.T) {
	// Timestamps are stamped at microsecond precision, so the rounding a
	// timestamptz column applies on write must be a no-op for the hash.
	a := testApproval()
	a.RowHash = ComputeHash(&a)

	b := a
	b.RequestedAt = b.RequestedAt.Round(time.Microsecond)
	b.ExpiresAt = b.ExpiresAt.Round(time.Microsecond)
	assert.True(t, VerifyHash(&b))
}

func TestComputeTokenHash(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tok := DeepLinkToken{
		Token:         "9f2c4a61d88be03754ef12cc90ab34de9f2c4a61d88be03754ef12cc90ab34de",
		TradeID:       "T1",
		ExpiresAt:     created.Add(5 * time.Minute),
		CorrelationID: "corr-1",
		CreatedAt:     created,
	}
	tok.RowHash = ComputeTokenHash(&tok)
	require.Len(t, tok.RowHash, 64)
	assert.True(t, VerifyTokenHash(&tok))

	// Consuming the token without the re-hash breaks verification.
	used := created.Add(time.Minute)
	tok.UsedAt = &used
	assert.False(t, VerifyTokenHash(&tok))

	tok.RowHash = ComputeTokenHash(&tok)
	assert.True(t, VerifyTokenHash(&tok))
}

func TestVerifyHash(t *testing.T) {
	a := testApproval()
	a.RowHash = ComputeHash(&a)
	assert.True(t, VerifyHash(&a))

	// Tampering with a covered field without recomputing breaks verification.
	a.RiskPct = decimal.RequireFromString("99.00")
	assert.False(t, VerifyHash(&a))

	// Empty hash never verifies.
	a.RowHash = ""
	assert.False(t, VerifyHash(&a))
}

func TestCanonicalJSON_SortedKeysNoHTMLEscape(t *testing.T) {
	out, err := CanonicalJSON(map[string]interface{}{
		"b":    1,
		"a":    "<script>",
		"list": []string{"z", "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<script>","b":1,"list":["z","a"]}`, string(out))
}

func TestCanonicalJSON_ReasoningSummary(t *testing.T) {
	r := ReasoningSummary{
		Trend:            "up",
		Volatility:       "low",
		SignalConfluence: []string{"a", "b"},
	}
	out, err := CanonicalJSON(r)
	require.NoError(t, err)
	// Notes is omitempty and absent when empty.
	assert.Equal(t, `{"signal_confluence":["a","b"],"trend":"up","volatility":"low"}`, string(out))
}
