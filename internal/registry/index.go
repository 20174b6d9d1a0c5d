package registry

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Index is a SQLite mirror of the inventory supporting reverse lookups
// (root -> slug) that the JSON map does not. The pure-Go driver is used
// here because the inventory is global state touched from machines and
// containers where CGO toolchains are not a given; the JSON file stays
// authoritative and the index is rebuilt from it.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the index database.
func OpenIndex(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("registry: open index: %w", err)
	}
	ix := &Index{db: db}
	if err := ix.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: migrate index: %w", err)
	}
	return ix, nil
}

// Close closes the database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

func (ix *Index) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		slug TEXT PRIMARY KEY,
		root TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS projects_root ON projects (root);
	`
	_, err := ix.db.Exec(schema)
	return err
}

// Rebuild replaces the index contents with the registry's current map.
func (ix *Index) Rebuild(r *Registry) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM projects`); err != nil {
		tx.Rollback()
		return err
	}
	for slug, p := range r.List() {
		if _, err := tx.Exec(`INSERT INTO projects (slug, root) VALUES (?, ?)`, slug, p.Root); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// SlugForRoot returns the slug registered for a project root, or empty
// string if none.
func (ix *Index) SlugForRoot(root string) (string, error) {
	var slug string
	err := ix.db.QueryRow(`SELECT slug FROM projects WHERE root = ?`, root).Scan(&slug)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return slug, nil
}
