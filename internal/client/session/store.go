// Package session owns the client-resident session record: the last
// successful (sealed-username, sealed-password, session-id) triple that
// survives restarts and enables silent resumption.
package session

import "context"

// Record is the persisted session triple. Username and password are
// ciphertext; the record never holds plaintext credentials.
type Record struct {
	UsernameCipher []byte
	PasswordCipher []byte
	SessionID      string
}

// Store persists at most one session record at a time.
//
// Save overwrites unconditionally. Load returns (nil, nil) when no record is
// stored; callers treat that as "no prior session", not as an error. Clear is
// idempotent.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context) (*Record, error)
	Clear(ctx context.Context) error

	// ClientID returns the persistent random identifier this client presents
	// when dialing the channel, creating one on first use. It survives
	// logout and auth failure.
	ClientID(ctx context.Context) (string, error)
}
