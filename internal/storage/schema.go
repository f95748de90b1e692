package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/miniapp-entitlements/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// schemaLockID serializes concurrent provisioning across processes
const schemaLockID int64 = 0x656e7469746c

// EnsureSchema creates every table and index the store needs if they are missing.
// All statements are IF NOT EXISTS, so calling it against a migrated database is a no-op.
// After the first success the process skips the round trip.
func (db *PostgresDB) EnsureSchema(ctx context.Context) error {
	if db.schemaReady.Load() {
		return nil
	}

	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()

	if db.schemaReady.Load() {
		return nil
	}

	statements, err := schemaStatements()
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", schemaLockID); err != nil {
			return fmt.Errorf("failed to acquire schema lock: %w", err)
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute schema statement %q: %w", truncate(stmt, 60), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	db.schemaReady.Store(true)
	logging.FromContext(ctx).WithField("statements", len(statements)).Debug("schema ensured")
	return nil
}

// schemaStatements returns the statements of every embedded up migration in version order
func schemaStatements() ([]string, error) {
	files, err := fs.Glob(migrationFS, "migrations/*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)

	var statements []string
	for _, name := range files {
		content, err := migrationFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		statements = append(statements, splitSQLStatements(string(content))...)
	}
	return statements, nil
}

// splitSQLStatements splits SQL content into individual statements,
// dropping comment-only lines. Statements end at a line ending in a semicolon.
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return statements
}

func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
