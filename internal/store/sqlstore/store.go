package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/marutha-support/portal/internal/store"
)

// SQLStore keeps the client-local storage area in a SQL table. Each profile
// (one per device, or one per kiosk seat on a shared Postgres) gets its own
// namespace of keys.
type SQLStore struct {
	db         *sql.DB
	driverName string
	profile    string
	shared     bool
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	return NewWithProfile(driverName, dataSourceName, "default")
}

func NewWithProfile(driverName, dataSourceName, profile string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// :memory: databases are per connection.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName, profile: profile}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS local_storage (
		profile TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (profile, key)
	);
	`

	if s.driverName == "postgres" {
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMP")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) GetItem(key string) (string, error) {
	var value string
	query := s.rebind("SELECT value FROM local_storage WHERE profile = ? AND key = ?")
	err := s.db.QueryRow(query, s.profile, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *SQLStore) SetItem(key, value string) error {
	query := s.rebind(`
		INSERT INTO local_storage (profile, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (profile, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`)
	_, err := s.db.Exec(query, s.profile, key, value, time.Now().UTC())
	return err
}

func (s *SQLStore) RemoveItem(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	query := s.rebind("DELETE FROM local_storage WHERE profile = ? AND key = ?")
	for _, key := range keys {
		if _, err := tx.Exec(query, s.profile, key); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Keys() ([]string, error) {
	query := s.rebind("SELECT key FROM local_storage WHERE profile = ? ORDER BY key ASC")
	rows, err := s.db.Query(query, s.profile)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// WithProfile returns a view of the same database scoped to another
// profile. Closing the view leaves the database open.
func (s *SQLStore) WithProfile(profile string) *SQLStore {
	return &SQLStore{db: s.db, driverName: s.driverName, profile: profile, shared: true}
}

func (s *SQLStore) Profile() string { return s.profile }

func (s *SQLStore) Close() error {
	if s.shared {
		return nil
	}
	return s.db.Close()
}
