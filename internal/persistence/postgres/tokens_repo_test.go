package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradegate/internal/hitl"
	"github.com/sawpanic/tradegate/internal/persistence"
)

func newMockTokensRepo(t *testing.T) (persistence.TokensRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTokensRepo(sqlx.NewDb(db, "sqlmock"), 5*time.Second), mock
}

func TestTokensRepo_Insert(t *testing.T) {
	repo, mock := newMockTokensRepo(t)

	mock.ExpectExec("INSERT INTO hitl_deeplink_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Insert(context.Background(), hitl.DeepLinkToken{
		Token:         "ab12",
		TradeID:       "T1",
		ExpiresAt:     time.Now().Add(5 * time.Minute),
		CorrelationID: "corr-1",
		CreatedAt:     time.Now().UTC(),
		RowHash:       "cafe",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokensRepo_Redeem_FirstUseWins(t *testing.T) {
	repo, mock := newMockTokensRepo(t)

	mock.ExpectQuery("UPDATE hitl_deeplink_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"trade_id"}).AddRow("T1"))

	tradeID, err := repo.Redeem(context.Background(), "ab12", time.Now(), "cafe")
	require.NoError(t, err)
	assert.Equal(t, "T1", tradeID)
}

func TestTokensRepo_Redeem_AlreadyUsed(t *testing.T) {
	repo, mock := newMockTokensRepo(t)

	mock.ExpectQuery("UPDATE hitl_deeplink_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"trade_id"}))

	_, err := repo.Redeem(context.Background(), "ab12", time.Now(), "cafe")
	require.Error(t, err)
	assert.Equal(t, hitl.CodeInvalidState, hitl.ErrCode(err))
}
