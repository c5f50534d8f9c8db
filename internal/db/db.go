package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".opsline"
	defaultDBName = "opsline.db"
	localDBName   = "device.db"
)

type Config struct {
	Workspace string
	// Local selects the device-local outbox database instead of the store.
	Local bool
}

func dbPath(workspace string, local bool) string {
	if workspace == "" {
		workspace = "."
	}
	name := defaultDBName
	if local {
		name = localDBName
	}
	return filepath.Join(workspace, workspaceDir, name)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", dbPath(cfg.Workspace, cfg.Local))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace, false)
}

// LocalPath returns the device-local outbox path for the workspace.
func LocalPath(workspace string) string {
	return dbPath(workspace, true)
}
