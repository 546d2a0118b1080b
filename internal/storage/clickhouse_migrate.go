package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RunClickHouseMigrations applies every .sql file under migrationsPath in
// lexical order. ClickHouse DDL here is additive only (CREATE TABLE IF NOT
// EXISTS), so re-running is safe and no version table is kept.
func RunClickHouseMigrations(db *ClickHouseDB, migrationsPath string) error {
	entries, err := os.ReadDir(migrationsPath)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		log.Println("[Migrate] No ClickHouse migration files found")
		return nil
	}

	ctx := context.Background()
	for _, name := range files {
		if err := applyClickHouseFile(ctx, db, filepath.Join(migrationsPath, name)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		log.Printf("[Migrate] Applied ClickHouse migration: %s", name)
	}
	return nil
}

func applyClickHouseFile(ctx context.Context, db *ClickHouseDB, path string) error {
	content, err := os.ReadFile(path) // #nosec G304 - path is built from the trusted migrations dir
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	for _, stmt := range splitStatements(string(content)) {
		if err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", abbreviate(stmt, 80), err)
		}
	}
	return nil
}

// splitStatements breaks a migration file into statements on trailing
// semicolons, dropping blank and comment-only lines. The semicolon itself is
// stripped; the ClickHouse driver rejects it.
func splitStatements(content string) []string {
	var out []string
	var cur strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(cur.String()), ";")
		if stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return out
}

func abbreviate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
