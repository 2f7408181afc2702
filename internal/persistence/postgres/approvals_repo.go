// Package postgres implements the persistence contracts on PostgreSQL via
// sqlx. Immutability of decided rows is enforced twice: by the conditional
// UPDATE here and by triggers in the migrations.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/tradegate/internal/hitl"
	"github.com/sawpanic/tradegate/internal/persistence"
)

const approvalColumns = `id, trade_id, instrument, side, risk_pct, confidence,
	request_price, reasoning_summary, status, requested_at, expires_at,
	decided_at, decided_by, decision_channel, decision_reason,
	correlation_id, row_hash`

// approvalRow mirrors the hitl_approvals table for sqlx scanning.
type approvalRow struct {
	ID            string          `db:"id"`
	TradeID       string          `db:"trade_id"`
	Instrument    string          `db:"instrument"`
	Side          string          `db:"side"`
	RiskPct       decimal.Decimal `db:"risk_pct"`
	Confidence    decimal.Decimal `db:"confidence"`
	RequestPrice  decimal.Decimal `db:"request_price"`
	Reasoning     []byte          `db:"reasoning_summary"`
	Status        string          `db:"status"`
	RequestedAt   time.Time       `db:"requested_at"`
	ExpiresAt     time.Time       `db:"expires_at"`
	DecidedAt     *time.Time      `db:"decided_at"`
	DecidedBy     *string         `db:"decided_by"`
	DecisionChan  *string         `db:"decision_channel"`
	DecisionWhy   *string         `db:"decision_reason"`
	CorrelationID string          `db:"correlation_id"`
	RowHash       string          `db:"row_hash"`
}

func (r *approvalRow) toDomain() (hitl.ApprovalRequest, error) {
	var reasoning hitl.ReasoningSummary
	if len(r.Reasoning) > 0 {
		if err := json.Unmarshal(r.Reasoning, &reasoning); err != nil {
			return hitl.ApprovalRequest{}, fmt.Errorf("unmarshal reasoning for %s: %w", r.ID, err)
		}
	}

	a := hitl.ApprovalRequest{
		ID:            r.ID,
		TradeID:       r.TradeID,
		Instrument:    r.Instrument,
		Side:          hitl.Side(r.Side),
		RiskPct:       r.RiskPct,
		Confidence:    r.Confidence,
		RequestPrice:  r.RequestPrice,
		Reasoning:     reasoning,
		Status:        hitl.NormalizeStatus(hitl.Status(r.Status)),
		RequestedAt:   r.RequestedAt.UTC(),
		ExpiresAt:     r.ExpiresAt.UTC(),
		DecidedBy:     r.DecidedBy,
		CorrelationID: r.CorrelationID,
		RowHash:       r.RowHash,
	}
	if r.DecidedAt != nil {
		t := r.DecidedAt.UTC()
		a.DecidedAt = &t
	}
	if r.DecisionChan != nil {
		ch := hitl.Channel(*r.DecisionChan)
		a.DecisionChannel = &ch
	}
	a.DecisionReason = r.DecisionWhy
	return a, nil
}

type approvalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewApprovalsRepo creates the PostgreSQL approvals repository.
func NewApprovalsRepo(db *sqlx.DB, timeout time.Duration) persistence.ApprovalsRepo {
	return &approvalsRepo{db: db, timeout: timeout}
}

func (r *approvalsRepo) Create(ctx context.Context, record hitl.ApprovalRequest, audit hitl.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reasoningJSON, err := json.Marshal(record.Reasoning)
	if err != nil {
		return fmt.Errorf("marshal reasoning: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO hitl_approvals (
			id, trade_id, instrument, side, risk_pct, confidence,
			request_price, reasoning_summary, status, requested_at,
			expires_at, decided_at, decided_by, decision_channel,
			decision_reason, correlation_id, row_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		record.ID, record.TradeID, record.Instrument, string(record.Side),
		record.RiskPct, record.Confidence, record.RequestPrice,
		reasoningJSON, string(record.Status), record.RequestedAt,
		record.ExpiresAt, record.DecidedAt, record.DecidedBy,
		channelArg(record.DecisionChannel), record.DecisionReason,
		record.CorrelationID, record.RowHash)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return hitl.WrapErr(hitl.CodeInvalidRequest,
				fmt.Sprintf("duplicate trade %s", record.TradeID), err)
		}
		return fmt.Errorf("insert approval: %w", err)
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *approvalsRepo) Decide(ctx context.Context, update persistence.DecideUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec := update.Record
	if !rec.Decided() {
		return hitl.Errf(hitl.CodeInvalidState, "decide called without decision fields on %s", rec.TradeID)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decide tx: %w", err)
	}
	defer tx.Rollback()

	// The status guard is the at-most-once mechanism: concurrent APPROVE,
	// REJECT, expiry, and cascade all race on this row and exactly one wins.
	res, err := tx.ExecContext(ctx, `
		UPDATE hitl_approvals
		SET status = $1, decided_at = $2, decided_by = $3,
		    decision_channel = $4, decision_reason = $5, row_hash = $6
		WHERE trade_id = $7 AND status = 'AWAITING_APPROVAL'`,
		string(rec.Status), rec.DecidedAt, rec.DecidedBy,
		channelArg(rec.DecisionChannel), rec.DecisionReason, rec.RowHash,
		rec.TradeID)
	if err != nil {
		return fmt.Errorf("update approval %s: %w", rec.TradeID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return hitl.Errf(hitl.CodeInvalidState, "trade %s already decided", rec.TradeID)
	}

	if err := insertAudit(ctx, tx, update.Audit); err != nil {
		return err
	}

	if snap := update.Snapshot; snap != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO hitl_snapshots (
				approval_id, bid, ask, spread, mid_price,
				response_latency_ms, price_deviation_pct,
				correlation_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			snap.ApprovalID, snap.Bid, snap.Ask, snap.Spread, snap.MidPrice,
			snap.ResponseLatencyMS, snap.PriceDeviationPct,
			snap.CorrelationID, snap.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert snapshot for %s: %w", rec.TradeID, err)
		}
	}

	return tx.Commit()
}

func (r *approvalsRepo) ListAwaiting(ctx context.Context) (persistence.PendingSet, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM hitl_approvals
		WHERE status = 'AWAITING_APPROVAL'
		ORDER BY expires_at ASC`, approvalColumns)
	return r.listVerified(ctx, query)
}

func (r *approvalsRepo) ListAwaitingExpired(ctx context.Context, now time.Time) (persistence.PendingSet, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM hitl_approvals
		WHERE status = 'AWAITING_APPROVAL' AND expires_at <= $1
		ORDER BY expires_at ASC`, approvalColumns)
	return r.listVerified(ctx, query, now)
}

func (r *approvalsRepo) listVerified(ctx context.Context, query string, args ...interface{}) (persistence.PendingSet, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return persistence.PendingSet{}, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var set persistence.PendingSet
	for rows.Next() {
		var row approvalRow
		if err := rows.StructScan(&row); err != nil {
			return persistence.PendingSet{}, fmt.Errorf("scan approval: %w", err)
		}
		rec, err := row.toDomain()
		if err != nil {
			return persistence.PendingSet{}, err
		}
		if !hitl.VerifyHash(&rec) {
			set.Corrupt = append(set.Corrupt, rec.ID)
			continue
		}
		set.Valid = append(set.Valid, rec)
	}
	if err := rows.Err(); err != nil {
		return persistence.PendingSet{}, fmt.Errorf("iterate approvals: %w", err)
	}
	return set, nil
}

func (r *approvalsRepo) GetByTradeID(ctx context.Context, tradeID string) (*hitl.ApprovalRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM hitl_approvals WHERE trade_id = $1`, approvalColumns)
	return r.getOne(ctx, query, tradeID)
}

func (r *approvalsRepo) GetByID(ctx context.Context, id string) (*hitl.ApprovalRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM hitl_approvals WHERE id = $1`, approvalColumns)
	return r.getOne(ctx, query, id)
}

func (r *approvalsRepo) getOne(ctx context.Context, query string, arg interface{}) (*hitl.ApprovalRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row approvalRow
	if err := r.db.QueryRowxContext(ctx, query, arg).StructScan(&row); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get approval: %w", err)
	}
	rec, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func insertAudit(ctx context.Context, tx *sqlx.Tx, entry hitl.AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO hitl_audit (
			actor_id, action, target_type, target_id, previous_state,
			new_state, payload, correlation_id, error_code, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		entry.ActorID, entry.Action, entry.TargetType, entry.TargetID,
		rawJSONArg(entry.PreviousState), rawJSONArg(entry.NewState),
		rawJSONArg(entry.Payload), entry.CorrelationID, entry.ErrorCode,
		entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func rawJSONArg(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func channelArg(ch *hitl.Channel) interface{} {
	if ch == nil {
		return nil
	}
	return string(*ch)
}
