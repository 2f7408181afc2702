// Package marketdata exposes the quote feed the gateway consults at decision
// time. Unavailability is an error the caller maps to SEC-050; the gateway
// never decides on stale or missing prices.
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/tradegate/internal/hitl"
)

// Quote is one top-of-book observation.
type Quote struct {
	Instrument string          `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	ObservedAt time.Time       `json:"observed_at"`
	// LatencyMS is the round trip to the feed, recorded into the snapshot.
	LatencyMS int64 `json:"latency_ms"`
}

// Mid returns (bid+ask)/2.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Validate enforces the snapshot invariants: positive prices, ask >= bid.
func (q Quote) Validate() error {
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return hitl.Errf(hitl.CodeSlippage, "non-positive quote for %s", q.Instrument)
	}
	if q.Ask.LessThan(q.Bid) {
		return hitl.Errf(hitl.CodeSlippage, "crossed quote for %s", q.Instrument)
	}
	return nil
}

// Feed is the market-data port.
type Feed interface {
	// GetQuote fetches the current top of book for an instrument. Any
	// failure (transport, timeout, open breaker, invalid book) is returned
	// as SEC-050.
	GetQuote(ctx context.Context, instrument string) (Quote, error)
}
