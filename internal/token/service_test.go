package token

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradegate/internal/hitl"
)

// memTokensRepo is an in-memory TokensRepo with the same conditional-update
// semantics as the postgres implementation.
type memTokensRepo struct {
	mu     sync.Mutex
	tokens map[string]*hitl.DeepLinkToken
}

func newMemTokensRepo() *memTokensRepo {
	return &memTokensRepo{tokens: make(map[string]*hitl.DeepLinkToken)}
}

func (r *memTokensRepo) Insert(_ context.Context, tok hitl.DeepLinkToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := tok
	r.tokens[tok.Token] = &cp
	return nil
}

func (r *memTokensRepo) Redeem(_ context.Context, token string, now time.Time, rowHash string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[token]
	if !ok || tok.UsedAt != nil || !tok.ExpiresAt.After(now) {
		return "", hitl.Errf(hitl.CodeInvalidState, "token already used or expired")
	}
	used := now
	tok.UsedAt = &used
	tok.RowHash = rowHash
	return tok.TradeID, nil
}

func (r *memTokensRepo) GetByToken(_ context.Context, token string) (*hitl.DeepLinkToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.tokens[token]; ok {
		cp := *tok
		return &cp, nil
	}
	return nil, nil
}

func TestService_MintProducesOpaque64Hex(t *testing.T) {
	svc := NewService(newMemTokensRepo(), zerolog.Nop())

	tok, err := svc.Mint(context.Background(), "T1", 5*time.Minute, "corr-1")
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), tok.Token)
	assert.Equal(t, "T1", tok.TradeID)
	assert.Nil(t, tok.UsedAt)
	assert.True(t, tok.ExpiresAt.After(tok.CreatedAt))
	assert.True(t, hitl.VerifyTokenHash(&tok))
}

func TestService_MintTokensAreUnique(t *testing.T) {
	svc := NewService(newMemTokensRepo(), zerolog.Nop())

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		tok, err := svc.Mint(context.Background(), "T1", time.Minute, "corr")
		require.NoError(t, err)
		require.False(t, seen[tok.Token])
		seen[tok.Token] = true
	}
}

func TestService_RedeemSingleUse(t *testing.T) {
	repo := newMemTokensRepo()
	svc := NewService(repo, zerolog.Nop())

	tok, err := svc.Mint(context.Background(), "T1", 5*time.Minute, "corr-1")
	require.NoError(t, err)

	tradeID, err := svc.Redeem(context.Background(), tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "T1", tradeID)

	stored, err := repo.GetByToken(context.Background(), tok.Token)
	require.NoError(t, err)
	require.NotNil(t, stored.UsedAt)
	firstUse := *stored.UsedAt

	// Every subsequent redemption fails and used_at never moves.
	_, err = svc.Redeem(context.Background(), tok.Token)
	require.Error(t, err)
	assert.Equal(t, hitl.CodeInvalidState, hitl.ErrCode(err))

	stored, err = repo.GetByToken(context.Background(), tok.Token)
	require.NoError(t, err)
	assert.Equal(t, firstUse, *stored.UsedAt)
}

func TestService_RedeemRehashes(t *testing.T) {
	repo := newMemTokensRepo()
	svc := NewService(repo, zerolog.Nop())

	tok, err := svc.Mint(context.Background(), "T1", 5*time.Minute, "corr-1")
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), tok.Token)
	require.NoError(t, err)

	// The consumed row carries a fresh hash covering used_at.
	stored, err := repo.GetByToken(context.Background(), tok.Token)
	require.NoError(t, err)
	require.NotNil(t, stored.UsedAt)
	assert.NotEqual(t, tok.RowHash, stored.RowHash)
	assert.True(t, hitl.VerifyTokenHash(stored))
}

func TestService_RedeemTamperedToken(t *testing.T) {
	repo := newMemTokensRepo()
	svc := NewService(repo, zerolog.Nop())

	tok, err := svc.Mint(context.Background(), "T1", 5*time.Minute, "corr-1")
	require.NoError(t, err)

	repo.mu.Lock()
	repo.tokens[tok.Token].TradeID = "T-other"
	repo.mu.Unlock()

	_, err = svc.Redeem(context.Background(), tok.Token)
	require.Error(t, err)
	assert.Equal(t, hitl.CodeHashMismatch, hitl.ErrCode(err))

	// The tampered token was not consumed.
	stored, err := repo.GetByToken(context.Background(), tok.Token)
	require.NoError(t, err)
	assert.Nil(t, stored.UsedAt)
}

func TestService_RedeemExpired(t *testing.T) {
	repo := newMemTokensRepo()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	svc := NewService(repo, zerolog.Nop()).WithClock(func() time.Time { return current })

	tok, err := svc.Mint(context.Background(), "T1", 5*time.Minute, "corr-1")
	require.NoError(t, err)

	current = base.Add(6 * time.Minute)
	_, err = svc.Redeem(context.Background(), tok.Token)
	require.Error(t, err)
	assert.Equal(t, hitl.CodeInvalidState, hitl.ErrCode(err))
}

func TestService_RedeemUnknownToken(t *testing.T) {
	svc := NewService(newMemTokensRepo(), zerolog.Nop())

	_, err := svc.Redeem(context.Background(), "deadbeef")
	require.Error(t, err)
	assert.Equal(t, hitl.CodeInvalidState, hitl.ErrCode(err))
}
