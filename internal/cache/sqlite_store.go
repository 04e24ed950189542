package cache

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS tiles (
	name TEXT PRIMARY KEY,
	tile_data BLOB NOT NULL,
	modified INTEGER NOT NULL
)`

// SQLiteStore keeps every tile of a run in one database file, keyed by tile name.
// Locations returned by Find are the names themselves.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tiles table: %w", err)
	}
	// sqlite3 serialises writers anyway
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Find(name string, _ bool) (string, bool) {
	var n int
	err := s.db.QueryRow(`SELECT 1 FROM tiles WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return "", false
	}
	return name, true
}

func (s *SQLiteStore) Read(loc string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT tile_data FROM tiles WHERE name = ?`, loc).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", loc, ErrNotFound)
	}
	return data, err
}

func (s *SQLiteStore) Write(name string, data []byte) error {
	query := `INSERT INTO tiles (name, tile_data, modified)
	VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET tile_data = excluded.tile_data, modified = excluded.modified`

	_, err := s.db.Exec(query, name, data, s.now().UnixNano())
	return err
}

func (s *SQLiteStore) Remove(loc string) error {
	_, err := s.db.Exec(`DELETE FROM tiles WHERE name = ?`, loc)
	return err
}

func (s *SQLiteStore) ModTime(loc string) (time.Time, error) {
	var modified int64
	err := s.db.QueryRow(`SELECT modified FROM tiles WHERE name = ?`, loc).Scan(&modified)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("%s: %w", loc, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, modified), nil
}

// AverageFileSize ignores maxDirs, the average covers every tile below prefix.
func (s *SQLiteStore) AverageFileSize(prefix string, _ int) (int64, bool) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	var avg sql.NullFloat64
	err := s.db.QueryRow(`SELECT AVG(LENGTH(tile_data)) FROM tiles WHERE name LIKE ? || '%'`, prefix).Scan(&avg)
	if err != nil || !avg.Valid || avg.Float64 <= 0 {
		return 0, false
	}
	return int64(avg.Float64), true
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
