package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	cb "github.com/sony/gobreaker"

	"github.com/sawpanic/tradegate/internal/hitl"
)

// HTTPConfig configures the market-data HTTP adapter.
type HTTPConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultHTTPConfig keeps the per-call budget inside the 2 s outbound limit.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{Timeout: 2 * time.Second}
}

// HTTPFeed fetches quotes from the market-data service behind a circuit
// breaker.
type HTTPFeed struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *cb.CircuitBreaker
	log     zerolog.Logger
}

// NewHTTPFeed creates the adapter.
func NewHTTPFeed(cfg HTTPConfig, logger zerolog.Logger) *HTTPFeed {
	st := cb.Settings{Name: "marketdata"}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	return &HTTPFeed{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: cb.NewCircuitBreaker(st),
		log:     logger.With().Str("component", "marketdata").Logger(),
	}
}

type quotePayload struct {
	Bid string `json:"bid"`
	Ask string `json:"ask"`
}

func (f *HTTPFeed) GetQuote(ctx context.Context, instrument string) (Quote, error) {
	start := time.Now()

	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.fetch(ctx, instrument)
	})
	if err != nil {
		f.log.Warn().Err(err).Str("instrument", instrument).Msg("market data unavailable")
		return Quote{}, hitl.WrapErr(hitl.CodeSlippage, "market data unavailable", err)
	}

	payload := out.(quotePayload)
	bid, err := decimal.NewFromString(payload.Bid)
	if err != nil {
		return Quote{}, hitl.WrapErr(hitl.CodeSlippage, "malformed bid", err)
	}
	ask, err := decimal.NewFromString(payload.Ask)
	if err != nil {
		return Quote{}, hitl.WrapErr(hitl.CodeSlippage, "malformed ask", err)
	}

	quote := Quote{
		Instrument: instrument,
		Bid:        bid,
		Ask:        ask,
		ObservedAt: time.Now().UTC(),
		LatencyMS:  time.Since(start).Milliseconds(),
	}
	if err := quote.Validate(); err != nil {
		return Quote{}, err
	}
	return quote, nil
}

func (f *HTTPFeed) fetch(ctx context.Context, instrument string) (quotePayload, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/quote?instrument=%s", f.cfg.BaseURL, url.QueryEscape(instrument))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return quotePayload{}, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return quotePayload{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return quotePayload{}, fmt.Errorf("quote endpoint returned %d", resp.StatusCode)
	}

	var payload quotePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return quotePayload{}, fmt.Errorf("decode quote: %w", err)
	}
	return payload, nil
}
