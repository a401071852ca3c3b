// Package server initializes and runs the Tether server: the Postgres-backed
// account store, the Redis session registry and the HTTP endpoint hosting
// the channel.
package server

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/mkaverin/tether/internal/cryptox"
	"github.com/mkaverin/tether/internal/logging"
	"github.com/mkaverin/tether/internal/server/config"
	"github.com/mkaverin/tether/internal/server/migrations"
	"github.com/mkaverin/tether/internal/server/sessions"
	"github.com/mkaverin/tether/internal/server/users"
	"github.com/mkaverin/tether/internal/server/ws"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	db      *sql.DB
	rdb     *redis.Client
	handler *ws.Handler
}

func NewApp(cfg *config.Config) (*App, error) {

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.Up(db, "."); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	repo, err := users.NewPostgresRepository(db)
	if err != nil {
		return nil, fmt.Errorf("user repo creation error: %w", err)
	}
	userService := users.NewService(repo)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	registry := sessions.NewRegistry(rdb, cfg.SessionValidityDuration)

	priv, err := cryptox.LoadOrCreateKey(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("private key error: %w", err)
	}
	opener, err := cryptox.NewOpener(priv)
	if err != nil {
		return nil, fmt.Errorf("private key error: %w", err)
	}

	// clients seal credentials to this key
	logger.Info(context.Background(), "server public key",
		"key", base64.StdEncoding.EncodeToString(opener.PublicKey()))

	handler := ws.NewHandler(userService, registry, opener,
		[]byte(cfg.SecretKey), cfg.SessionValidityDuration, logger)

	return &App{config: cfg, logger: logger, db: db, rdb: rdb, handler: handler}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting app", "addr", app.config.EndpointAddr)

	app.initSignalHandler(cancelFunc)

	mux := http.NewServeMux()
	mux.Handle("/channel", app.handler.WebsocketHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: app.config.EndpointAddr, Handler: mux}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Error(ctx, "http server", "error", err)
			cancelFunc()
		}
	}()

	<-ctx.Done()

	app.logger.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.logger.Error(ctx, "shutdown", "error", err)
	}

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "closing db", "error", err)
	}
	if err := app.rdb.Close(); err != nil {
		app.logger.Error(ctx, "closing redis", "error", err)
	}
}
