package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
)

const (
	codecIdentity = "identity"
	codecZstd     = "zstd"
)

// The CHECK constraint makes a second row impossible.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending_submissions (
	id TEXT PRIMARY KEY CHECK (id = 'pending'),
	payload BLOB NOT NULL,
	codec TEXT NOT NULL DEFAULT 'identity',
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	last_modified INTEGER NOT NULL,
	stored_at INTEGER NOT NULL
);`

const sqliteUpsert = `
INSERT INTO pending_submissions (id, payload, codec, filename, mime_type, last_modified, stored_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	payload = excluded.payload,
	codec = excluded.codec,
	filename = excluded.filename,
	mime_type = excluded.mime_type,
	last_modified = excluded.last_modified,
	stored_at = excluded.stored_at`

// SQLiteStore persists the pending submission as a single row in a local SQLite file.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	mu       sync.Mutex
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, compress bool) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create directory: %w", model.ErrStoreUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", model.ErrStoreUnavailable, err)
	}
	// One connection serializes writers and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initialize schema: %w", model.ErrStoreUnavailable, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &SQLiteStore{db: db, path: path, compress: compress, enc: enc, dec: dec}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Put(ctx context.Context, sub *model.PendingSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, codec := sub.Payload, codecIdentity
	if s.compress {
		payload, codec = s.enc.EncodeAll(sub.Payload, nil), codecZstd
	}
	if payload == nil {
		payload = []byte{}
	}

	_, err := s.db.ExecContext(ctx, sqliteUpsert,
		model.PendingID,
		payload,
		codec,
		sub.Filename,
		sub.MimeType,
		sub.LastModified.UnixMilli(),
		sub.StoredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: write pending submission: %w", model.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context) (*model.PendingSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx)
}

func (s *SQLiteStore) get(ctx context.Context) (*model.PendingSubmission, error) {
	var (
		sub          model.PendingSubmission
		codec        string
		lastModified int64
		storedAt     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, payload, codec, filename, mime_type, last_modified, stored_at
		 FROM pending_submissions WHERE id = ?`, model.PendingID,
	).Scan(&sub.ID, &sub.Payload, &codec, &sub.Filename, &sub.MimeType, &lastModified, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read pending submission: %w", model.ErrStoreUnavailable, err)
	}

	if codec == codecZstd {
		raw, err := s.dec.DecodeAll(sub.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decode payload: %w", model.ErrStoreUnavailable, err)
		}
		sub.Payload = raw
	}
	if sub.Payload == nil {
		sub.Payload = []byte{}
	}
	sub.LastModified = time.UnixMilli(lastModified).UTC()
	sub.StoredAt = time.UnixMilli(storedAt).UTC()
	return &sub, nil
}

// Stat reads the row without its payload. The size of a compressed payload
// comes from the zstd frame header.
func (s *SQLiteStore) Stat(ctx context.Context) (*model.PendingMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		meta         model.PendingMetadata
		codec        string
		lastModified int64
		storedAt     int64
		head         []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, codec, filename, mime_type, last_modified, stored_at, length(payload), substr(payload, 1, ?)
		 FROM pending_submissions WHERE id = ?`, zstd.HeaderMaxSize, model.PendingID,
	).Scan(&meta.ID, &codec, &meta.Filename, &meta.MimeType, &lastModified, &storedAt, &meta.Size, &head)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read pending metadata: %w", model.ErrStoreUnavailable, err)
	}

	if codec == codecZstd {
		var h zstd.Header
		if err := h.Decode(head); err != nil || !h.HasFCS {
			sub, err := s.get(ctx)
			return sub.Metadata(), err
		}
		meta.Size = int64(h.FrameContentSize)
	}
	meta.LastModified = time.UnixMilli(lastModified).UTC()
	meta.StoredAt = time.UnixMilli(storedAt).UTC()
	return &meta, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_submissions WHERE id = ?`, model.PendingID); err != nil {
		return fmt.Errorf("%w: clear pending submission: %w", model.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
