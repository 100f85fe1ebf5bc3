package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dotclaw/dotclaw/internal/paths"
	"github.com/dotclaw/dotclaw/internal/store"
)

// migrateCmd applies dotclaw's additive SQLite schema. Unlike the
// Postgres-backed teacher, dotclaw's migrations run inline inside
// store.Open (see internal/store/db.go's migrate()) rather than
// through a separate golang-migrate file-based engine — there is no
// DSN to target and no rollback story for an embedded single-writer
// database, so this command's only job is to trigger that inline
// migration against the resolved store path and report the outcome.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded SQLite schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := paths.Resolve()
			if err != nil {
				return fmt.Errorf("resolve layout: %w", err)
			}
			if err := layout.EnsureDirs(); err != nil {
				return fmt.Errorf("ensure dirs: %w", err)
			}
			dbPath := filepath.Join(layout.StoreDir, "dotclaw.db")
			db, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()
			fmt.Printf("schema up to date: %s\n", dbPath)
			return nil
		},
	}
}
