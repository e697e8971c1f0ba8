package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/model"
)

// AuditRecord is a persisted terminal action outcome
type AuditRecord struct {
	RequestID   string            `json:"request_id"`
	HostID      string            `json:"host_id"`
	Kind        model.ActionKind  `json:"kind"`
	State       model.ActionState `json:"state"`
	Detail      string            `json:"detail,omitempty"`
	Attempts    int               `json:"attempts"`
	SubmittedAt time.Time         `json:"submitted_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// RecordOutcome stores the terminal outcome of an action request
func (f *FleetDB) RecordOutcome(ctx context.Context, request model.ActionRequest, outcome model.ActionOutcome) error {
	_, err := f.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO action_audit (
			request_id, host_id, kind, state, detail, attempts, submitted_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		outcome.RequestID,
		outcome.HostID,
		string(outcome.Kind),
		string(outcome.State),
		sql.NullString{String: outcome.Detail, Valid: outcome.Detail != ""},
		outcome.Attempts,
		request.SubmittedAt,
		outcome.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// ListOutcomes returns the most recent audit records, optionally filtered by
// host
func (f *FleetDB) ListOutcomes(ctx context.Context, hostID string, limit int) ([]*AuditRecord, error) {
	query := `SELECT request_id, host_id, kind, state, detail, attempts, submitted_at, completed_at FROM action_audit`
	args := make([]interface{}, 0, 2)

	if hostID != "" {
		query += " WHERE host_id = ?"
		args = append(args, hostID)
	}
	query += " ORDER BY completed_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		record := &AuditRecord{}
		var detail sql.NullString
		var kind, state string

		if err := rows.Scan(
			&record.RequestID,
			&record.HostID,
			&kind,
			&state,
			&detail,
			&record.Attempts,
			&record.SubmittedAt,
			&record.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		record.Kind = model.ActionKind(kind)
		record.State = model.ActionState(state)
		record.Detail = detail.String
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// DeleteOutcomesBefore deletes audit records completed before the given time
func (f *FleetDB) DeleteOutcomesBefore(ctx context.Context, before time.Time) error {
	result, err := f.db.ExecContext(ctx, "DELETE FROM action_audit WHERE completed_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete audit records: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	f.logger.Info("Deleted old audit records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}
