// Package db opens the per-workspace SQLite store. All caseline state
// lives in a single database file under the workspace's .caseline
// directory; creating that directory on open keeps first-run setup out
// of every caller.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const stateDir = ".caseline"

// Path returns the database file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, "caseline.db")
}

// EnsureWorkspace creates the workspace state directory, returning its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Dir(Path(workspace))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// Open prepares the workspace and opens its database. Foreign keys are
// enforced and writers wait out short lock contention instead of failing,
// since the API and CLI may share one file.
func Open(workspace string) (*sql.DB, error) {
	if _, err := EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(workspace))
	return sql.Open("sqlite", dsn)
}
