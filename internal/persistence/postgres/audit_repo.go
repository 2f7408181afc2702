package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/tradegate/internal/hitl"
	"github.com/sawpanic/tradegate/internal/persistence"
)

type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates the PostgreSQL audit repository.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

func (r *auditRepo) Append(ctx context.Context, entry hitl.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO hitl_audit (
			actor_id, action, target_type, target_id, previous_state,
			new_state, payload, correlation_id, error_code, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		entry.ActorID, entry.Action, entry.TargetType, entry.TargetID,
		rawJSONArg(entry.PreviousState), rawJSONArg(entry.NewState),
		rawJSONArg(entry.Payload), entry.CorrelationID, entry.ErrorCode,
		entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (r *auditRepo) ListByTarget(ctx context.Context, targetID string, limit int) ([]hitl.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, actor_id, action, target_type, target_id, previous_state,
		       new_state, payload, correlation_id, error_code, created_at
		FROM hitl_audit
		WHERE target_id = $1
		ORDER BY id ASC
		LIMIT $2`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []hitl.AuditEntry
	for rows.Next() {
		var e hitl.AuditEntry
		var prev, next, payload []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.TargetType,
			&e.TargetID, &prev, &next, &payload, &e.CorrelationID,
			&e.ErrorCode, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.PreviousState = prev
		e.NewState = next
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
