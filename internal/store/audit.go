package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// ToolAudit mirrors spec.md §3's tool-call audit log, one row per
// tool invocation, used by C4's reliability scoring and by C11's
// retention sweep.
type ToolAudit struct {
	ID         string
	TraceID    string
	ChatID     sql.NullString
	Group      string
	UserID     sql.NullString
	ToolName   string
	OK         bool
	DurationMs int64
	Error      sql.NullString
	Source     sql.NullString
	CreatedAt  int64
}

// AuditStore persists ToolAudit rows.
type AuditStore struct {
	db *sql.DB
}

// Insert records one tool invocation.
func (s *AuditStore) Insert(ctx context.Context, a ToolAudit) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	ok := 0
	if a.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_audit (id, trace_id, chat_id, "group", user_id, tool_name, ok, duration_ms, error, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TraceID, a.ChatID, a.Group, a.UserID, a.ToolName, ok, a.DurationMs, a.Error, a.Source, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert tool audit: %w", err)
	}
	return nil
}

// ByTrace returns every audit row for a trace, in call order.
func (s *AuditStore) ByTrace(ctx context.Context, traceID string) ([]ToolAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, chat_id, "group", user_id, tool_name, ok, duration_ms, error, source, created_at
		FROM tool_audit WHERE trace_id = ? ORDER BY created_at ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query audit by trace: %w", err)
	}
	defer rows.Close()
	return scanAudits(rows)
}

// ToolReliability reports a tool's recent success rate for a group,
// over the default 200 most-recent rows per spec.md §4.1's reliability-
// scoring window. limit<=0 falls back to that 200-row default.
func (s *AuditStore) ToolReliability(ctx context.Context, group, toolName string, limit int) (successRate float64, sampleSize int, err error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ok FROM (
			SELECT ok FROM tool_audit
			WHERE "group" = ? AND tool_name = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
	`, group, toolName, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("query tool reliability: %w", err)
	}
	defer rows.Close()

	var total, succeeded int
	for rows.Next() {
		var ok int
		if err := rows.Scan(&ok); err != nil {
			return 0, 0, fmt.Errorf("scan reliability row: %w", err)
		}
		total++
		if ok != 0 {
			succeeded++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 1.0, 0, nil
	}
	return float64(succeeded) / float64(total), total, nil
}

// RecentByGroup returns the last <=limit audit rows for a group across
// all tools, most-recent first, for C3 step 9's reliability summary
// (limit<=0 falls back to the 200-row default).
func (s *AuditStore) RecentByGroup(ctx context.Context, group string, limit int) ([]ToolAudit, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, chat_id, "group", user_id, tool_name, ok, duration_ms, error, source, created_at
		FROM tool_audit WHERE "group" = ? ORDER BY created_at DESC LIMIT ?
	`, group, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent audit by group: %w", err)
	}
	defer rows.Close()
	return scanAudits(rows)
}

// PurgeOlderThan deletes audit rows older than cutoffMs, for C11.
func (s *AuditStore) PurgeOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_audit WHERE created_at < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("purge tool audit: %w", err)
	}
	return res.RowsAffected()
}

func scanAudits(rows *sql.Rows) ([]ToolAudit, error) {
	var out []ToolAudit
	for rows.Next() {
		var a ToolAudit
		var ok int
		if err := rows.Scan(&a.ID, &a.TraceID, &a.ChatID, &a.Group, &a.UserID, &a.ToolName, &ok, &a.DurationMs,
			&a.Error, &a.Source, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool audit: %w", err)
		}
		a.OK = ok != 0
		out = append(out, a)
	}
	return out, rows.Err()
}
