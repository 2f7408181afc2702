package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/tradegate/internal/hitl"
	"github.com/sawpanic/tradegate/internal/persistence"
)

type tokensRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTokensRepo creates the PostgreSQL deep-link token repository.
func NewTokensRepo(db *sqlx.DB, timeout time.Duration) persistence.TokensRepo {
	return &tokensRepo{db: db, timeout: timeout}
}

func (r *tokensRepo) Insert(ctx context.Context, token hitl.DeepLinkToken) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO hitl_deeplink_tokens (
			token, trade_id, expires_at, used_at, correlation_id, created_at, row_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		token.Token, token.TradeID, token.ExpiresAt, token.UsedAt,
		token.CorrelationID, token.CreatedAt, token.RowHash)
	if err != nil {
		return fmt.Errorf("insert deeplink token: %w", err)
	}
	return nil
}

func (r *tokensRepo) Redeem(ctx context.Context, token string, now time.Time, rowHash string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// used_at IS NULL makes this at-most-once: the second redeemer matches
	// zero rows no matter how tight the race.
	var tradeID string
	err := r.db.QueryRowxContext(ctx, `
		UPDATE hitl_deeplink_tokens
		SET used_at = $1, row_hash = $2
		WHERE token = $3 AND used_at IS NULL AND expires_at > $1
		RETURNING trade_id`,
		now, rowHash, token).Scan(&tradeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", hitl.Errf(hitl.CodeInvalidState, "token already used or expired")
		}
		return "", fmt.Errorf("redeem token: %w", err)
	}
	return tradeID, nil
}

func (r *tokensRepo) GetByToken(ctx context.Context, token string) (*hitl.DeepLinkToken, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row hitl.DeepLinkToken
	err := r.db.QueryRowxContext(ctx, `
		SELECT token, trade_id, expires_at, used_at, correlation_id, created_at, row_hash
		FROM hitl_deeplink_tokens WHERE token = $1`, token).
		Scan(&row.Token, &row.TradeID, &row.ExpiresAt, &row.UsedAt,
			&row.CorrelationID, &row.CreatedAt, &row.RowHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &row, nil
}
