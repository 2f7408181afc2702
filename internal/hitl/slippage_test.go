package hitl

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSlippage(t *testing.T) {
	tests := []struct {
		name         string
		request      string
		current      string
		maxPct       string
		wantValid    bool
		wantDeviation string
	}{
		{
			name:    "within threshold",
			request: "1500000.00000000", current: "1500750.00000000", maxPct: "0.5",
			wantValid: true, wantDeviation: "0.0500",
		},
		{
			name:    "exceeds threshold",
			request: "1000000.00000000", current: "1010000.00000000", maxPct: "0.5",
			wantValid: false, wantDeviation: "1.0000",
		},
		{
			name:    "exact boundary passes",
			request: "1000000.00000000", current: "1005000.00000000", maxPct: "0.5",
			wantValid: true, wantDeviation: "0.5000",
		},
		{
			name:    "downward move measured as absolute",
			request: "1000000.00000000", current: "994000.00000000", maxPct: "0.5",
			wantValid: false, wantDeviation: "0.6000",
		},
		{
			name:    "no movement",
			request: "250.12345678", current: "250.12345678", maxPct: "0.1",
			wantValid: true, wantDeviation: "0.0000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ValidateSlippage(
				decimal.RequireFromString(tt.request),
				decimal.RequireFromString(tt.current),
				decimal.RequireFromString(tt.maxPct),
			)
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, res.Valid)
			assert.Equal(t, tt.wantDeviation, res.DeviationPct.StringFixedBank(4))
		})
	}
}

func TestValidateSlippage_DownwardWithinThreshold(t *testing.T) {
	res, err := ValidateSlippage(
		decimal.RequireFromString("1000000"),
		decimal.RequireFromString("996000"),
		decimal.RequireFromString("0.5"),
	)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "0.4000", res.DeviationPct.StringFixedBank(4))
}

func TestValidateSlippage_InvalidRequestPrice(t *testing.T) {
	for _, price := range []string{"0", "-1"} {
		_, err := ValidateSlippage(
			decimal.RequireFromString(price),
			decimal.RequireFromString("100"),
			decimal.RequireFromString("0.5"),
		)
		require.Error(t, err)
		assert.Equal(t, CodeInvalidRequest, ErrCode(err))
	}
}

func TestValidateSlippage_HalfEvenRounding(t *testing.T) {
	// 0.00005 % deviation rounds half-even at 4 dp: 0.0000 (ties to even).
	res, err := ValidateSlippage(
		decimal.RequireFromString("100000000"),
		decimal.RequireFromString("100000050"),
		decimal.RequireFromString("0.5"),
	)
	require.NoError(t, err)
	assert.Equal(t, "0.0000", res.DeviationPct.StringFixedBank(4))
}
