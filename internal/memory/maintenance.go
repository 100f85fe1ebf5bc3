package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Stats reports per-scope item totals, for C3's memoryStats step.
type Stats struct {
	Total  int
	ByUser  int
	ByGroup int
	ByGlobal int
}

// GroupStats computes totals for a group's visible items.
func (s *Store) GroupStats(ctx context.Context, group string) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN scope = 'user' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN scope = 'group' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN scope = 'global' THEN 1 ELSE 0 END), 0)
		FROM memory_items
		WHERE "group" = ? OR "group" = 'global'
	`, group).Scan(&st.Total, &st.ByUser, &st.ByGroup, &st.ByGlobal)
	if err != nil {
		return Stats{}, fmt.Errorf("compute memory stats: %w", err)
	}
	return st, nil
}

// PruneResult reports what a Maintenance pass did, so C11 can log it.
type PruneResult struct {
	ExpiredDeleted int64
	LowValueDropped int64
	Vacuumed       bool
	Analyzed       bool
}

// Maintenance implements spec.md §4.2's retention rules: delete
// expired rows; if the remaining total exceeds maxItems, drop the
// lowest-importance rows below pruneImportanceThreshold; then VACUUM
// and/or ANALYZE when runVacuum/runAnalyze are set. No record of when
// either last ran is kept, so each runs on every call with its flag
// set; C11 passes its configured flags unchanged on every pass, with
// no weekly/daily cadence.
func (s *Store) Maintenance(ctx context.Context, nowMs int64, maxItems int, pruneImportanceThreshold float64, runVacuum, runAnalyze bool) (PruneResult, error) {
	var res PruneResult

	expRes, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMs)
	if err != nil {
		return res, fmt.Errorf("delete expired memory items: %w", err)
	}
	res.ExpiredDeleted, _ = expRes.RowsAffected()
	if err := s.pruneOrphanedFTS(ctx); err != nil {
		return res, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_items`).Scan(&total); err != nil {
		return res, fmt.Errorf("count memory items: %w", err)
	}

	if total > maxItems {
		dropRes, err := s.db.ExecContext(ctx, `
			DELETE FROM memory_items WHERE id IN (
				SELECT id FROM memory_items
				WHERE importance < ?
				ORDER BY importance ASC, updated_at ASC
				LIMIT ?
			)
		`, pruneImportanceThreshold, total-maxItems)
		if err != nil {
			return res, fmt.Errorf("prune low-value memory items: %w", err)
		}
		res.LowValueDropped, _ = dropRes.RowsAffected()
		if res.LowValueDropped > 0 {
			if err := s.pruneOrphanedFTS(ctx); err != nil {
				return res, err
			}
		}
	}

	if runVacuum {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			return res, fmt.Errorf("vacuum: %w", err)
		}
		res.Vacuumed = true
	}
	if runAnalyze {
		if _, err := s.db.ExecContext(ctx, `ANALYZE`); err != nil {
			return res, fmt.Errorf("analyze: %w", err)
		}
		res.Analyzed = true
	}
	return res, nil
}

// ByConflictKey returns the single row (if any) matching an identity
// key, used by C3's behavior-config loader to resolve preference
// overrides written with a known conflict_key (e.g. "behavior_config").
func (s *Store) ByConflictKey(ctx context.Context, group string, scope Scope, subjectID, conflictKey string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, "group", scope, subject_id, type, kind, conflict_key, content, normalized,
		       importance, confidence, tags, created_at, updated_at, last_accessed_at, expires_at,
		       source, metadata, embedding
		FROM memory_items
		WHERE "group" = ? AND scope = ? AND subject_id IS ? AND conflict_key = ?
	`, group, string(scope), nullIfEmpty(subjectID), conflictKey)
	item, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) pruneOrphanedFTS(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_items_fts WHERE item_id NOT IN (SELECT id FROM memory_items)
	`)
	if err != nil {
		return fmt.Errorf("prune orphaned fts rows: %w", err)
	}
	return nil
}
