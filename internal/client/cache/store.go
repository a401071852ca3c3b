// Package cache implements the offline-resilient intermediary that mediates
// page and asset requests: a stale-while-revalidate transport with a
// pre-warmed, client-resident entry store.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Entry is one cached response. Entries are pure byte replacements: a caller
// already holds its returned copy before any overwrite happens, so a
// concurrent refresh can never expose a torn resource.
type Entry struct {
	URL       string
	Status    int
	Header    http.Header
	Body      []byte
	FetchedAt time.Time
}

// Store persists cache entries keyed by request URL. Entries are never
// expired, only overwritten by a newer fetch.
//
// Get returns (nil, nil) on a miss.
type Store interface {
	Get(ctx context.Context, url string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
}

// SQLiteStore keeps entries in the client's cache_entries table.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(ctx context.Context, url string) (*Entry, error) {
	var (
		entry     Entry
		headerRaw []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT url, status, header, body, fetched_at FROM cache_entries WHERE url = ?`, url,
	).Scan(&entry.URL, &entry.Status, &headerRaw, &entry.Body, &entry.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry [%s]: %w", url, err)
	}
	if err := json.Unmarshal(headerRaw, &entry.Header); err != nil {
		return nil, fmt.Errorf("failed to decode cached headers [%s]: %w", url, err)
	}
	return &entry, nil
}

// Put stores entry, replacing any previous entry for the same URL.
// Last writer wins.
func (s *SQLiteStore) Put(ctx context.Context, entry *Entry) error {
	headerRaw, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("failed to encode headers [%s]: %w", entry.URL, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (url, status, header, body, fetched_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			fetched_at = excluded.fetched_at
	`, entry.URL, entry.Status, headerRaw, entry.Body, entry.FetchedAt)
	if err != nil {
		return fmt.Errorf("failed to put cache entry [%s]: %w", entry.URL, err)
	}
	return nil
}
