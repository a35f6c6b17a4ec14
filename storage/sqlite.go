package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openscope-project/acqengine"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO required
)

// SQLiteStorage is a DataStorage backend persisting data to a single SQLite
// database file. Data payloads of type []byte are stored as raw blobs;
// anything else is JSON-encoded and comes back as []byte. Metadata is stored
// as JSON.
//
// The backend is safe for concurrent use; the underlying sql.DB serializes
// access and WAL mode keeps readers from blocking the writer.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path and applies the
// schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS data (
		coords_key TEXT PRIMARY KEY,
		coords     TEXT NOT NULL,
		payload    BLOB,
		metadata   TEXT,
		stored_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS stream_state (
		id       INTEGER PRIMARY KEY CHECK (id = 1),
		finished INTEGER NOT NULL DEFAULT 0
	);
	INSERT OR IGNORE INTO stream_state (id, finished) VALUES (1, 0);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put stores a datum. Ownership of data passes to the backend.
func (s *SQLiteStorage) Put(coords acqengine.DataCoordinates, data any, metadata acqengine.Metadata) error {
	payload, err := encodePayload(data)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", coords, err)
	}
	coordsJSON, err := json.Marshal(coords.ToMap())
	if err != nil {
		return fmt.Errorf("encode coordinates %s: %w", coords, err)
	}
	var metadataJSON []byte
	if metadata != nil {
		if metadataJSON, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("encode metadata for %s: %w", coords, err)
		}
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO data (coords_key, coords, payload, metadata) VALUES (?, ?, ?, ?)`,
		coords.Key(), string(coordsJSON), payload, nullableString(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("store %s: %w", coords, err)
	}
	return nil
}

func encodePayload(data any) ([]byte, error) {
	if raw, ok := data.([]byte); ok {
		return raw, nil
	}
	return json.Marshal(data)
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// GetData returns the stored payload for coords as []byte.
func (s *SQLiteStorage) GetData(coords acqengine.DataCoordinates) (any, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM data WHERE coords_key = ?`, coords.Key()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", acqengine.ErrNotFound, coords)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", coords, err)
	}
	return payload, nil
}

// GetMetadata returns the stored metadata for coords.
func (s *SQLiteStorage) GetMetadata(coords acqengine.DataCoordinates) (acqengine.Metadata, error) {
	var metadataJSON sql.NullString
	err := s.db.QueryRow(`SELECT metadata FROM data WHERE coords_key = ?`, coords.Key()).Scan(&metadataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", acqengine.ErrNotFound, coords)
	}
	if err != nil {
		return nil, fmt.Errorf("load metadata %s: %w", coords, err)
	}
	if !metadataJSON.Valid {
		return nil, nil
	}
	var metadata acqengine.Metadata
	if err := json.Unmarshal([]byte(metadataJSON.String), &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", coords, err)
	}
	return metadata, nil
}

// Contains reports whether a datum is stored at coords.
func (s *SQLiteStorage) Contains(coords acqengine.DataCoordinates) bool {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM data WHERE coords_key = ?`, coords.Key()).Scan(&one)
	return err == nil
}

// Finish marks the stream as complete.
func (s *SQLiteStorage) Finish() error {
	if _, err := s.db.Exec(`UPDATE stream_state SET finished = 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("mark finished: %w", err)
	}
	return nil
}

// Finished reports whether the stream has been marked complete.
func (s *SQLiteStorage) Finished() (bool, error) {
	var finished int
	if err := s.db.QueryRow(`SELECT finished FROM stream_state WHERE id = 1`).Scan(&finished); err != nil {
		return false, fmt.Errorf("read stream state: %w", err)
	}
	return finished == 1, nil
}

// Count returns the number of stored data.
func (s *SQLiteStorage) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM data`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count data: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
