package tokenstore

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stride_session (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at    TEXT NOT NULL,
	user_json     TEXT NOT NULL
);`

// SQLiteVault persists the record as the single row of a local SQLite
// database, for hosts that keep other client state in the same file.
type SQLiteVault struct {
	db *sql.DB
}

var _ Vault = (*SQLiteVault)(nil)

// NewSQLiteVault opens (creating if needed) the database at path and ensures
// the session table exists.
func NewSQLiteVault(path string) (*SQLiteVault, error) {
	if err := os.MkdirAll(filepath.Dir(path), vaultDirMode); err != nil {
		return nil, errors.Wrap(err, "[NewSQLiteVault] create database directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "[NewSQLiteVault] open database")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "[NewSQLiteVault] create schema")
	}
	return &SQLiteVault{db: db}, nil
}

// Put implements Vault. The single row is replaced in one statement, so the
// write is atomic.
func (v *SQLiteVault) Put(rec Record) error {
	_, err := v.db.Exec(
		`INSERT OR REPLACE INTO stride_session (id, access_token, refresh_token, expires_at, user_json)
		 VALUES (1, ?, ?, ?, ?)`,
		rec.AccessToken, rec.RefreshToken, rec.ExpiresAt.Format(time.RFC3339Nano), string(rec.User),
	)
	return errors.Wrap(err, "[SQLiteVault.Put] upsert session row")
}

// Fetch implements Vault.
func (v *SQLiteVault) Fetch() (Record, error) {
	var rec Record
	var expiresAt, userJSON string

	row := v.db.QueryRow(`SELECT access_token, refresh_token, expires_at, user_json FROM stride_session WHERE id = 1`)
	if err := row.Scan(&rec.AccessToken, &rec.RefreshToken, &expiresAt, &userJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, errors.Wrap(err, "[SQLiteVault.Fetch] scan session row")
	}

	parsed, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return Record{}, errors.Wrap(err, "[SQLiteVault.Fetch] parse expires_at")
	}
	rec.ExpiresAt = parsed
	rec.User = []byte(userJSON)
	return rec, nil
}

// Clear implements Vault.
func (v *SQLiteVault) Clear() error {
	_, err := v.db.Exec(`DELETE FROM stride_session WHERE id = 1`)
	return errors.Wrap(err, "[SQLiteVault.Clear] delete session row")
}

// Close implements Vault.
func (v *SQLiteVault) Close() error {
	return v.db.Close()
}
