package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dirName  = ".stride"
	fileName = "stride.db"
)

// Workspace creates the data directory under root if missing and returns it.
func Workspace(root string) (string, error) {
	if root == "" {
		root = "."
	}
	dir := filepath.Join(root, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the database file location under root without creating
// anything.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, dirName, fileName)
}

// Open prepares the workspace under root and opens its database with
// foreign keys enabled.
func Open(root string) (*sql.DB, error) {
	if _, err := Workspace(root); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", "file:"+Path(root)+"?cache=shared&_pragma=foreign_keys(1)")
}
