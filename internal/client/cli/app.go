package cli

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mkaverin/tether/internal/client/conn"
	"github.com/mkaverin/tether/internal/client/handshake"
	"github.com/mkaverin/tether/internal/client/localdb"
	"github.com/mkaverin/tether/internal/client/session"
	"github.com/mkaverin/tether/internal/cryptox"
	"github.com/mkaverin/tether/internal/logging"
)

func newLogger() logging.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
	return logging.NewSlogLogger(slog.New(h))
}

// appClient bundles everything a connected command needs: the local
// database, the session store and a running handshake over a live channel.
type appClient struct {
	db    *sql.DB
	store session.Store
	mgr   *conn.Manager
	hs    *handshake.Handshake
}

func openStore(ctx context.Context) (*sql.DB, session.Store, error) {
	db, err := localdb.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening local database: %w", err)
	}
	return db, session.NewSQLiteStore(db), nil
}

// connect dials the channel and starts the handshake. With fresh set, any
// stored session is cleared first so the server's challenge cannot trigger a
// silent resume; interactive login and signup want exactly that.
func connect(ctx context.Context, fresh bool) (*appClient, error) {
	db, store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	if fresh {
		if err := store.Clear(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("clearing stored session: %w", err)
		}
	}

	clientID, err := store.ClientID(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reading client id: %w", err)
	}

	if cfg.ServerPublicKey == "" {
		_ = db.Close()
		return nil, errors.New("server public key not configured (--pubkey)")
	}
	pub, err := base64.StdEncoding.DecodeString(cfg.ServerPublicKey)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("decoding server public key: %w", err)
	}
	codec, err := cryptox.NewSealedBox(pub)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger := newLogger()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	mgr, err := conn.Dial(dialCtx, cfg.ChannelURL, cfg.OriginURL, clientID, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	hs := handshake.New(mgr, codec, store, logger)
	hs.Start(ctx)
	go mgr.Run()

	return &appClient{db: db, store: store, mgr: mgr, hs: hs}, nil
}

func (c *appClient) close() {
	_ = c.mgr.Close()
	_ = c.db.Close()
}

// awaitOutcome blocks until the handshake delivers its terminal signal, the
// channel goes down, or the deadline passes.
func (c *appClient) awaitOutcome(ctx context.Context, timeout time.Duration) (handshake.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case o := <-c.hs.Outcomes():
		return o, nil
	case <-c.mgr.Disconnected():
		return handshake.Outcome{}, errors.New("connection lost before the server answered")
	case <-ctx.Done():
		return handshake.Outcome{}, errors.New("timed out waiting for the server")
	}
}
