package gateway

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// AuditStore persists idempotency keys and the gateway request audit log on
// SQLite.
type AuditStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different
// request payload.
var ErrIdempotencyMismatch = errors.New("gateway: idempotency key reuse with different request body")

// NewAuditStore opens (and if necessary initialises) the store at path.
func NewAuditStore(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &AuditStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *AuditStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            subject TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(subject, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            subject TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            response_status INTEGER
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CachedResponse is a previously recorded response for an idempotency key.
type CachedResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for the subject and key, nil
// when the key is unknown, and ErrIdempotencyMismatch when the key was used
// with a different request hash.
func (s *AuditStore) LookupIdempotency(ctx context.Context, subject, key, requestHash string) (*CachedResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_hash, response_status, response_body FROM idempotency_keys WHERE subject = ? AND idempotency_key = ?`,
		subject, key)
	var storedHash string
	cached := &CachedResponse{}
	if err := row.Scan(&storedHash, &cached.Status, &cached.Body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return cached, nil
}

// StoreIdempotency records the response for the subject and key.
func (s *AuditStore) StoreIdempotency(ctx context.Context, subject, key, requestHash string, status int, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO idempotency_keys (subject, idempotency_key, request_hash, response_status, response_body) VALUES (?, ?, ?, ?, ?)`,
		subject, key, requestHash, status, body)
	return err
}

// RecordAudit appends one entry to the request audit log.
func (s *AuditStore) RecordAudit(ctx context.Context, subject, method, path string, status int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (occurred_at, subject, method, path, response_status) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC(), subject, method, path, status)
	return err
}

// Close releases the underlying database handle.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
