//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"hypergraph/internal/model"

	_ "modernc.org/sqlite"
)

func DefaultStoreKind() string { return KindSQLite }

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, record model.CheckpointRecord) error {
	if record.Name == "" {
		return errors.New("checkpoint name is required")
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (name, format_version, created_at_ms, created_by, description, regions, neurons, synapses, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			format_version = excluded.format_version,
			created_at_ms = excluded.created_at_ms,
			created_by = excluded.created_by,
			description = excluded.description,
			regions = excluded.regions,
			neurons = excluded.neurons,
			synapses = excluded.synapses,
			payload = excluded.payload
	`, record.Name, record.Meta.FormatVersion, record.Meta.CreatedAt.UnixMilli(), record.Meta.CreatedBy,
		record.Meta.Description, record.Regions, record.Neurons, record.Synapses, record.Payload)
	return err
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, name string) (model.CheckpointRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.CheckpointRecord{}, false, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT name, format_version, created_at_ms, created_by, description, regions, neurons, synapses, payload
		FROM checkpoints WHERE name = ?`, name)
	var (
		record    model.CheckpointRecord
		createdAt int64
	)
	err = row.Scan(&record.Name, &record.Meta.FormatVersion, &createdAt, &record.Meta.CreatedBy,
		&record.Meta.Description, &record.Regions, &record.Neurons, &record.Synapses, &record.Payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CheckpointRecord{}, false, nil
		}
		return model.CheckpointRecord{}, false, fmt.Errorf("get checkpoint %s: %w", name, err)
	}
	record.Meta.CreatedAt = time.UnixMilli(createdAt).UTC()
	record.SizeBytes = len(record.Payload)
	return record, true, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]model.CheckpointInfo, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT name, format_version, created_at_ms, created_by, description, regions, neurons, synapses, length(payload)
		FROM checkpoints ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []model.CheckpointInfo
	for rows.Next() {
		var (
			info      model.CheckpointInfo
			createdAt int64
		)
		if err := rows.Scan(&info.Name, &info.Meta.FormatVersion, &createdAt, &info.Meta.CreatedBy,
			&info.Meta.Description, &info.Regions, &info.Neurons, &info.Synapses, &info.SizeBytes); err != nil {
			return nil, err
		}
		info.Meta.CreatedAt = time.UnixMilli(createdAt).UTC()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, name string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}

	res, err := db.ExecContext(ctx, `DELETE FROM checkpoints WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			name TEXT PRIMARY KEY,
			format_version INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			created_by TEXT NOT NULL,
			description TEXT NOT NULL,
			regions INTEGER NOT NULL,
			neurons INTEGER NOT NULL,
			synapses INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
