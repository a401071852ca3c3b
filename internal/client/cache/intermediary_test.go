package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/mkaverin/tether/internal/logging"
	"github.com/stretchr/testify/require"
)

// ---- fakes ----

// fakeTransport serves an in-memory site and counts fetches per URL.
type fakeTransport struct {
	mu    sync.Mutex
	pages map[string]string
	down  bool
	calls map[string]int
}

func newFakeTransport(pages map[string]string) *fakeTransport {
	return &fakeTransport{pages: pages, calls: make(map[string]int)}
}

func (f *fakeTransport) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeTransport) setPage(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = body
}

func (f *fakeTransport) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL.String()]++
	if f.down {
		return nil, errors.New("network down")
	}
	body, ok := f.pages[req.URL.String()]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

// memStore is an in-memory Store.
type memStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	GetErr  error
	PutErr  error
}

func newMemStore() *memStore { return &memStore{entries: make(map[string]*Entry)} }

func (m *memStore) Get(_ context.Context, url string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	e, ok := m.entries[url]
	if !ok {
		return nil, nil
	}
	c := *e
	return &c, nil
}

func (m *memStore) Put(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return m.PutErr
	}
	c := *entry
	m.entries[entry.URL] = &c
	return nil
}

// ---- setup ----

const origin = "http://panel.local"

func newIntermediary(t *testing.T, transport *fakeTransport, store Store) *Intermediary {
	t.Helper()
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	i, err := New(origin, transport, store, logger)
	require.NoError(t, err)
	return i
}

func get(t *testing.T, i *Intermediary, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := i.RoundTrip(req)
	require.NoError(t, err, "mediated GETs must never fail outright")
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// ---- tests ----

func TestInstall_PreWarmsAndActivates(t *testing.T) {
	transport := newFakeTransport(map[string]string{
		origin + "/":         "shell",
		origin + "/icon.png": "icon",
	})
	store := newMemStore()
	i := newIntermediary(t, transport, store)

	require.False(t, i.Activated())
	require.NoError(t, i.Install(context.Background(), []string{"/", "/icon.png"}))
	require.True(t, i.Activated())

	// pre-warmed entries are served even with the network gone
	transport.setDown(true)
	resp := get(t, i, origin+"/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "shell", readBody(t, resp))
	i.Close()
}

func TestInstall_FailureAbortsActivation(t *testing.T) {
	transport := newFakeTransport(map[string]string{origin + "/": "shell"})
	i := newIntermediary(t, transport, newMemStore())

	err := i.Install(context.Background(), []string{"/", "/missing.png"})
	require.Error(t, err)
	require.False(t, i.Activated(), "a partially pre-warmed intermediary must not activate")

	// not activated: requests are not intercepted
	resp := get(t, i, origin+"/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("X-Cache"))
}

func TestHit_ServesStaleAndRefreshesExactlyOnce(t *testing.T) {
	page := origin + "/app.js"
	transport := newFakeTransport(map[string]string{page: "v1"})
	store := newMemStore()
	i := newIntermediary(t, transport, store)
	require.NoError(t, i.Install(context.Background(), []string{"/app.js"}))

	before := transport.callCount(page)
	transport.setPage(page, "v2")

	resp := get(t, i, page)
	require.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	require.Equal(t, "v1", readBody(t, resp), "the served response is never delayed by the refresh")

	i.Close() // wait for the background refresh
	require.Equal(t, before+1, transport.callCount(page), "exactly one background fetch per served hit")

	resp = get(t, i, page)
	require.Equal(t, "v2", readBody(t, resp), "refresh must replace the entry")
	i.Close()
}

func TestHit_ServedWhileNetworkUnreachable(t *testing.T) {
	page := origin + "/app.js"
	transport := newFakeTransport(map[string]string{page: "v1"})
	i := newIntermediary(t, transport, newMemStore())
	require.NoError(t, i.Install(context.Background(), []string{"/app.js"}))

	transport.setDown(true)
	resp := get(t, i, page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "v1", readBody(t, resp))
	i.Close() // the failed refresh must be swallowed
}

func TestMiss_PopulatesCache(t *testing.T) {
	page := origin + "/late.css"
	transport := newFakeTransport(map[string]string{origin + "/": "shell", page: "body{}"})
	i := newIntermediary(t, transport, newMemStore())
	require.NoError(t, i.Install(context.Background(), []string{"/"}))

	resp := get(t, i, page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	require.Equal(t, "body{}", readBody(t, resp))

	// now cached: survives the network going away
	transport.setDown(true)
	resp = get(t, i, page)
	require.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	require.Equal(t, "body{}", readBody(t, resp))
	i.Close()
}

func TestMiss_NetworkFailureSynthesizesTimeout(t *testing.T) {
	transport := newFakeTransport(map[string]string{origin + "/": "shell"})
	i := newIntermediary(t, transport, newMemStore())
	require.NoError(t, i.Install(context.Background(), []string{"/"}))

	transport.setDown(true)
	resp := get(t, i, origin+"/uncached.js")
	require.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	require.Equal(t, "ERROR", resp.Header.Get("X-Cache"))
}

func TestStoreFaultSynthesizesCacheError(t *testing.T) {
	transport := newFakeTransport(map[string]string{origin + "/": "shell"})
	store := newMemStore()
	i := newIntermediary(t, transport, store)
	require.NoError(t, i.Install(context.Background(), []string{"/"}))

	store.GetErr = errors.New("cache open failed")
	resp := get(t, i, origin+"/")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "ERROR", resp.Header.Get("X-Cache"))
}

func TestPutFaultDegradesToNetworkOnly(t *testing.T) {
	page := origin + "/fresh.js"
	transport := newFakeTransport(map[string]string{origin + "/": "shell", page: "js"})
	store := newMemStore()
	i := newIntermediary(t, transport, store)
	require.NoError(t, i.Install(context.Background(), []string{"/"}))

	store.PutErr = errors.New("disk full")
	resp := get(t, i, page)
	require.Equal(t, http.StatusOK, resp.StatusCode, "a good network response survives a failed put")
	require.Equal(t, "js", readBody(t, resp))
}

func TestPassThrough(t *testing.T) {
	transport := newFakeTransport(map[string]string{
		origin + "/":             "shell",
		"http://elsewhere/x":     "other",
		origin + "/form-target":  "ignored",
	})
	i := newIntermediary(t, transport, newMemStore())
	require.NoError(t, i.Install(context.Background(), []string{"/"}))

	// cross-origin GET is not intercepted
	resp := get(t, i, "http://elsewhere/x")
	require.Empty(t, resp.Header.Get("X-Cache"))

	// non-GET is not intercepted
	req, err := http.NewRequest(http.MethodPost, origin+"/form-target", nil)
	require.NoError(t, err)
	resp, err = i.RoundTrip(req)
	require.NoError(t, err)
	require.Empty(t, resp.Header.Get("X-Cache"))

	// pass-through propagates transport errors instead of synthesizing
	transport.setDown(true)
	req, err = http.NewRequest(http.MethodPost, origin+"/form-target", nil)
	require.NoError(t, err)
	_, err = i.RoundTrip(req)
	require.Error(t, err)
}
