// Package token mints and redeems single-use deep-link tokens. A token lets
// a chat-originated click land on exactly one pending approval; the store's
// conditional update guarantees at most one successful redemption.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/hitl"
	"github.com/sawpanic/tradegate/internal/persistence"
)

// Service mints and redeems deep-link tokens.
type Service struct {
	repo persistence.TokensRepo
	log  zerolog.Logger
	now  func() time.Time
}

// NewService creates a token service.
func NewService(repo persistence.TokensRepo, logger zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  logger.With().Str("component", "deeplink").Logger(),
		now:  time.Now,
	}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Mint generates a 32-byte random token, hex-encoded to 64 chars, and
// persists it with the given ttl and its row hash.
func (s *Service) Mint(ctx context.Context, tradeID string, ttl time.Duration, correlationID string) (hitl.DeepLinkToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return hitl.DeepLinkToken{}, fmt.Errorf("generate token: %w", err)
	}

	now := s.nowUTC()
	tok := hitl.DeepLinkToken{
		Token:         hex.EncodeToString(raw),
		TradeID:       tradeID,
		ExpiresAt:     now.Add(ttl),
		CorrelationID: correlationID,
		CreatedAt:     now,
	}
	tok.RowHash = hitl.ComputeTokenHash(&tok)
	if err := s.repo.Insert(ctx, tok); err != nil {
		return hitl.DeepLinkToken{}, err
	}

	s.log.Debug().Str("trade_id", tradeID).Str("correlation_id", correlationID).
		Time("expires_at", tok.ExpiresAt).Msg("deeplink token minted")
	return tok, nil
}

// Redeem consumes the token and returns its trade id. The stored hash is
// verified first (mismatch is SEC-080) and recomputed over the used_at stamp
// in the same conditional update. A second redemption of the same token, or
// redemption after expiry, returns SEC-030.
func (s *Service) Redeem(ctx context.Context, token string) (string, error) {
	row, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", hitl.Errf(hitl.CodeInvalidState, "token already used or expired")
	}
	if !hitl.VerifyTokenHash(row) {
		s.log.Error().Str("trade_id", row.TradeID).Msg("stored token hash mismatch")
		return "", hitl.Errf(hitl.CodeHashMismatch, "token integrity check failed")
	}

	now := s.nowUTC()
	used := *row
	used.UsedAt = &now
	used.RowHash = hitl.ComputeTokenHash(&used)

	tradeID, err := s.repo.Redeem(ctx, token, now, used.RowHash)
	if err != nil {
		return "", err
	}
	s.log.Info().Str("trade_id", tradeID).Msg("deeplink token redeemed")
	return tradeID, nil
}

// nowUTC stamps at microsecond precision so hashed timestamps survive the
// timestamptz round trip.
func (s *Service) nowUTC() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}
