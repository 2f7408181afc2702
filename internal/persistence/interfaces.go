// Package persistence defines the storage contracts for the approval
// gateway. The store is the only owner of persistent state; the gateway core
// reads and writes exclusively through these interfaces.
package persistence

import (
	"context"
	"time"

	"github.com/sawpanic/tradegate/internal/hitl"
)

// DecideUpdate carries everything one decision commit needs. Record is the
// post-decision approval (decision fields and row hash already set); Audit is
// written in the same transaction; Snapshot is present only for operator
// decisions that captured market context.
type DecideUpdate struct {
	Record   hitl.ApprovalRequest
	Audit    hitl.AuditEntry
	Snapshot *hitl.PostTradeSnapshot
}

// PendingSet is the result of a verified pending read. Corrupt lists the ids
// of rows whose stored hash no longer matches their field values; those rows
// are excluded from Valid and must be handled as SEC-080.
type PendingSet struct {
	Valid   []hitl.ApprovalRequest
	Corrupt []string
}

// ApprovalsRepo persists approval records with their audit entries and
// snapshots. Every mutating call is one transaction: the state change, the
// audit entry, and the snapshot commit together or not at all.
type ApprovalsRepo interface {
	// Create inserts a new approval plus its CREATE audit entry. A trade_id
	// collision returns SEC-010.
	Create(ctx context.Context, record hitl.ApprovalRequest, audit hitl.AuditEntry) error

	// Decide applies the six decision fields and the new row hash via a
	// conditional UPDATE guarded on status AWAITING_APPROVAL. Zero rows
	// affected means a concurrent decision won and returns SEC-030. The
	// audit entry and optional snapshot commit in the same transaction.
	Decide(ctx context.Context, update DecideUpdate) error

	// ListAwaiting returns all AWAITING_APPROVAL rows ordered by expires_at
	// ascending, hash-verified on read.
	ListAwaiting(ctx context.Context) (PendingSet, error)

	// ListAwaitingExpired returns AWAITING_APPROVAL rows whose expiry is at
	// or before now, hash-verified on read.
	ListAwaitingExpired(ctx context.Context, now time.Time) (PendingSet, error)

	// GetByTradeID fetches one approval, or nil if absent. The record is
	// returned even when its hash fails verification; callers must check.
	GetByTradeID(ctx context.Context, tradeID string) (*hitl.ApprovalRequest, error)

	// GetByID fetches one approval by primary id, or nil if absent.
	GetByID(ctx context.Context, id string) (*hitl.ApprovalRequest, error)
}

// TokensRepo persists single-use deep-link tokens.
type TokensRepo interface {
	// Insert stores a freshly minted token.
	Insert(ctx context.Context, token hitl.DeepLinkToken) error

	// Redeem atomically consumes the token iff it is unused and unexpired,
	// setting used_at and the re-computed row hash together and returning the
	// trade id. An already-used or expired token returns SEC-030.
	Redeem(ctx context.Context, token string, now time.Time, rowHash string) (string, error)

	// GetByToken fetches one token row, or nil if absent.
	GetByToken(ctx context.Context, token string) (*hitl.DeepLinkToken, error)
}

// AuditRepo appends to the forensic chain. Entries tied to a state change are
// written inside the owning transaction by ApprovalsRepo; this interface
// serves the cases with no state change (blocked creates, unauthorized
// attempts, hash-mismatch observations).
type AuditRepo interface {
	Append(ctx context.Context, entry hitl.AuditEntry) error
	ListByTarget(ctx context.Context, targetID string, limit int) ([]hitl.AuditEntry, error)
}

// Repository bundles the store implementations handed to the gateway.
type Repository struct {
	Approvals ApprovalsRepo
	Tokens    TokensRepo
	Audit     AuditRepo
}
