package cache

import (
	"context"
	"database/sql"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE cache_entries (
  url        TEXT PRIMARY KEY,
  status     INTEGER NOT NULL,
  header     TEXT NOT NULL,
  body       BLOB NOT NULL,
  fetched_at TIMESTAMP NOT NULL
);
`)
	require.NoError(t, err)
	return db
}

func TestSQLiteStore_MissReturnsNil(t *testing.T) {
	store := NewSQLiteStore(setupDB(t))

	entry, err := store.Get(context.Background(), "http://panel.local/none")
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestSQLiteStore_PutGet(t *testing.T) {
	store := NewSQLiteStore(setupDB(t))
	ctx := context.Background()

	want := &Entry{
		URL:       "http://panel.local/",
		Status:    http.StatusOK,
		Header:    http.Header{"Content-Type": {"text/html"}},
		Body:      []byte("<html>shell</html>"),
		FetchedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Put(ctx, want))

	got, err := store.Get(ctx, want.URL)
	require.NoError(t, err)
	require.Equal(t, want.URL, got.URL)
	require.Equal(t, want.Status, got.Status)
	require.Equal(t, want.Header, got.Header)
	require.Equal(t, want.Body, got.Body)
}

func TestSQLiteStore_PutReplacesExisting(t *testing.T) {
	store := NewSQLiteStore(setupDB(t))
	ctx := context.Background()

	first := &Entry{URL: "http://panel.local/app.js", Status: 200, Header: http.Header{}, Body: []byte("v1"), FetchedAt: time.Now()}
	require.NoError(t, store.Put(ctx, first))

	second := &Entry{URL: first.URL, Status: 200, Header: http.Header{}, Body: []byte("v2"), FetchedAt: time.Now()}
	require.NoError(t, store.Put(ctx, second))

	got, err := store.Get(ctx, first.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got.Body, "last writer wins")
}
