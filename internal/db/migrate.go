package db

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sofia-pulse/pulse/migrations"
)

// RunMigrations executes all embedded SQL migration files in filename order
// (0001_*.sql, 0002_*.sql, ...). Every statement is idempotent, so re-running
// the full set on startup is safe.
func RunMigrations(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	entries, err := migrations.FS.ReadDir(".")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrationFiles []fs.DirEntry
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry)
		}
	}
	sort.Slice(migrationFiles, func(i, j int) bool {
		return migrationFiles[i].Name() < migrationFiles[j].Name()
	})

	if len(migrationFiles) == 0 {
		log.Warn("no migration files found")
		return nil
	}

	for _, entry := range migrationFiles {
		content, err := migrations.FS.ReadFile(entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		log.Debug("executing migration", "file", entry.Name())
		for i, stmt := range SplitStatements(string(content)) {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration %s (statement %d): %w", entry.Name(), i+1, err)
			}
		}
	}

	log.Info("migrations completed", "count", len(migrationFiles))
	return nil
}

// SplitStatements splits SQL content on statement-terminating semicolons,
// skipping comment-only lines. Semicolons inside single-quoted literals are
// preserved.
func SplitStatements(content string) []string {
	var statements []string
	var current strings.Builder
	inLiteral := false

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inLiteral && (trimmed == "" || strings.HasPrefix(trimmed, "--")) {
			continue
		}

		for _, r := range line {
			if r == '\'' {
				inLiteral = !inLiteral
			}
			current.WriteRune(r)
			if r == ';' && !inLiteral {
				flush()
			}
		}
		current.WriteRune('\n')
	}
	flush()

	return statements
}
