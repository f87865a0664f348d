package configstore

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

type SQLite struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLite opens the config table in the given db file.
// If file name is empty, a new in-memory db is opened.
func NewSQLite(filename string) (*SQLite, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open config db: %w", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS config (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (namespace, id, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare config db: %w", err)
		}
	}
	return &SQLite{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLite) Get(namespace, id string) (Entry, error) {
	rows, err := s.db.Query("SELECT key, value FROM config WHERE namespace = ? AND id = ?", namespace, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entry := Entry{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		entry[key] = value
	}
	return entry, rows.Err()
}

func (s *SQLite) Put(namespace, id string, entry Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM config WHERE namespace = ? AND id = ?", namespace, id); err != nil {
		tx.Rollback()
		return err
	}
	if err := insertAll(tx, namespace, id, entry); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Set(namespace, id string, values Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := insertAll(tx, namespace, id, values); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertAll(tx *sql.Tx, namespace, id string, entry Entry) error {
	for key, value := range entry {
		_, err := tx.Exec("INSERT OR REPLACE INTO config (namespace, id, key, value) VALUES (?, ?, ?, ?)",
			namespace, id, key, value)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Delete(namespace, id string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM config WHERE namespace = ? AND id = ?", namespace, id)
	return err
}

func (s *SQLite) Clear(namespace string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM config WHERE namespace = ?", namespace)
	return err
}

func (s *SQLite) IDs(namespace, orderKey string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id,
		MAX(CASE WHEN key = ? THEN CAST(value AS INTEGER) END) AS ord
		FROM config WHERE namespace = ?
		GROUP BY id ORDER BY ord ASC, id ASC`, orderKey, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		var ord sql.NullInt64
		if err := rows.Scan(&id, &ord); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
