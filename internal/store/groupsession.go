package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GroupSession records which underlying agent session id a group is
// currently bound to, so the group-context mode (spec.md §4.3's
// context_mode="group") can resume the same session across requests.
type GroupSession struct {
	Group     string
	SessionID string
	UpdatedAt int64
}

// GroupSessionStore persists GroupSession rows.
type GroupSessionStore struct {
	db *sql.DB
}

// Upsert binds a group to a session id, replacing any prior binding.
func (s *GroupSessionStore) Upsert(ctx context.Context, group, sessionID string, nowMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_sessions ("group", session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT("group") DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at
	`, group, sessionID, nowMs)
	if err != nil {
		return fmt.Errorf("upsert group session: %w", err)
	}
	return nil
}

// Get returns the group's current session binding, or nil if the
// group has never been bound.
func (s *GroupSessionStore) Get(ctx context.Context, group string) (*GroupSession, error) {
	var gs GroupSession
	gs.Group = group
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, updated_at FROM group_sessions WHERE "group" = ?
	`, group).Scan(&gs.SessionID, &gs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group session: %w", err)
	}
	return &gs, nil
}

// Delete removes a group's session binding, e.g. when a session
// directory is pruned by C11's retention sweep.
func (s *GroupSessionStore) Delete(ctx context.Context, group string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM group_sessions WHERE "group" = ?`, group)
	if err != nil {
		return fmt.Errorf("delete group session: %w", err)
	}
	return nil
}

// StaleBefore returns groups whose binding has not been touched since
// before cutoffMs, used by C11 to find sessions eligible for snapshot
// pruning.
func (s *GroupSessionStore) StaleBefore(ctx context.Context, cutoffMs int64) ([]GroupSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT "group", session_id, updated_at FROM group_sessions WHERE updated_at < ?
	`, cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("query stale group sessions: %w", err)
	}
	defer rows.Close()

	var out []GroupSession
	for rows.Next() {
		var gs GroupSession
		if err := rows.Scan(&gs.Group, &gs.SessionID, &gs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan group session: %w", err)
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}
