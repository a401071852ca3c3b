package session

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/mkaverin/tether/internal/dbx"
)

// Keys in the metadata table.
const (
	keyUsername  = "session.username"
	keyPassword  = "session.password"
	keySessionID = "session.id"
	keyClientID  = "client.id"
)

// SQLiteStore keeps the session record in the client's metadata table.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) get(ctx context.Context, q dbx.DBTX, key string) ([]byte, error) {
	var value []byte
	err := q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) set(ctx context.Context, q dbx.DBTX, key string, value []byte) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

// Save writes the full triple in one transaction so a crash can never leave
// a partial record behind.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.set(ctx, tx, keyUsername, rec.UsernameCipher); err != nil {
			return err
		}
		if err := s.set(ctx, tx, keyPassword, rec.PasswordCipher); err != nil {
			return err
		}
		return s.set(ctx, tx, keySessionID, []byte(rec.SessionID))
	})
}

// Load returns the stored record, or (nil, nil) when none exists.
func (s *SQLiteStore) Load(ctx context.Context) (*Record, error) {
	sessionID, err := s.get(ctx, s.db, keySessionID)
	if err != nil {
		return nil, err
	}
	if sessionID == nil {
		return nil, nil
	}

	username, err := s.get(ctx, s.db, keyUsername)
	if err != nil {
		return nil, err
	}
	password, err := s.get(ctx, s.db, keyPassword)
	if err != nil {
		return nil, err
	}

	return &Record{
		UsernameCipher: username,
		PasswordCipher: password,
		SessionID:      string(sessionID),
	}, nil
}

// Clear removes the session record. The client id is kept.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM metadata WHERE key IN (?, ?, ?)`,
		keyUsername, keyPassword, keySessionID)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// ClientID returns the persistent client identifier, minting one on first use.
func (s *SQLiteStore) ClientID(ctx context.Context) (string, error) {
	existing, err := s.get(ctx, s.db, keyClientID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return string(existing), nil
	}

	id := uuid.NewString()
	if err := s.set(ctx, s.db, keyClientID, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}
