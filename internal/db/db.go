package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".obcatalog"
	catalogFile  = "catalog.db"
)

// pragmas applied to every connection. Writers take the lock when the
// transaction begins and wait up to five seconds for it.
var pragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"journal_mode(WAL)",
}

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the catalog directory inside workspace if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(orDot(workspace), workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", dsn(Path(cfg.Workspace)))
}

// Path returns the catalog database file of workspace.
func Path(workspace string) string {
	return filepath.Join(orDot(workspace), workspaceDir, catalogFile)
}

func dsn(path string) string {
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	b.WriteString("?_txlock=immediate")
	for _, p := range pragmas {
		b.WriteString("&_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

func orDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
