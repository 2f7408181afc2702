package hitl

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// SlippageResult is the outcome of a slippage check.
type SlippageResult struct {
	Valid        bool
	DeviationPct decimal.Decimal
}

// ValidateSlippage compares the signal's request price against the current
// market price. Deviation is |current - request| / request * 100, rounded
// half-even to 4 dp; the check passes iff deviation <= maxPct. Pure,
// deterministic, no I/O.
func ValidateSlippage(requestPrice, currentPrice, maxPct decimal.Decimal) (SlippageResult, error) {
	if !requestPrice.IsPositive() {
		return SlippageResult{}, Errf(CodeInvalidRequest, "invalid request price %s", requestPrice.String())
	}

	deviation := currentPrice.Sub(requestPrice).Abs().
		Div(requestPrice).
		Mul(hundred).
		RoundBank(4)

	return SlippageResult{
		Valid:        deviation.LessThanOrEqual(maxPct),
		DeviationPct: deviation,
	}, nil
}
