package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkaverin/tether/internal/logging"
)

// Intermediary is a stale-while-revalidate transport scoped to one origin.
//
// Same-origin GET requests are served from the entry store when possible,
// with a single background refresh per served hit; misses go to the network
// and populate the store. Everything else passes through untouched. The
// intermediary never fails a mediated request: network failures on a miss
// synthesize a 408, entry-store faults synthesize a 502.
//
// It only serves traffic after Install succeeds; a partially pre-warmed
// intermediary never activates.
type Intermediary struct {
	origin   *url.URL
	upstream http.RoundTripper
	store    Store
	logger   logging.Logger

	activated atomic.Bool
	refreshes sync.WaitGroup
}

// New builds an inactive Intermediary in front of upstream. Call Install to
// activate it.
func New(origin string, upstream http.RoundTripper, store Store, logger logging.Logger) (*Intermediary, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin must be absolute, got %q", origin)
	}
	if upstream == nil {
		upstream = http.DefaultTransport
	}
	return &Intermediary{
		origin:   u,
		upstream: upstream,
		store:    store,
		logger:   logger.With("module", "cache"),
	}, nil
}

// Install pre-warms the store with every manifest asset and then activates
// the intermediary. Any fetch or store failure aborts activation.
func (i *Intermediary) Install(ctx context.Context, manifest []string) error {
	for _, asset := range manifest {
		ref, err := url.Parse(asset)
		if err != nil {
			return fmt.Errorf("manifest asset %q: %w", asset, err)
		}
		target := i.origin.ResolveReference(ref).String()

		entry, err := i.fetch(ctx, target)
		if err != nil {
			return fmt.Errorf("pre-warm %s: %w", target, err)
		}
		if err := i.store.Put(ctx, entry); err != nil {
			return fmt.Errorf("pre-warm %s: %w", target, err)
		}
	}
	i.activated.Store(true)
	i.logger.Info(ctx, "cache intermediary activated", "assets", len(manifest))
	return nil
}

// Activated reports whether Install has completed successfully.
func (i *Intermediary) Activated() bool {
	return i.activated.Load()
}

// Close waits for outstanding background refreshes to finish.
func (i *Intermediary) Close() {
	i.refreshes.Wait()
}

// RoundTrip implements http.RoundTripper.
func (i *Intermediary) RoundTrip(req *http.Request) (*http.Response, error) {
	if !i.intercepts(req) {
		return i.upstream.RoundTrip(req)
	}
	key := req.URL.String()
	ctx := req.Context()

	entry, err := i.store.Get(ctx, key)
	if err != nil {
		i.logger.Error(ctx, "cache lookup failed", "url", key, "error", err)
		return synthesize(req, http.StatusBadGateway, "cache error"), nil
	}

	if entry != nil {
		// Serve the stored copy immediately; revalidate in the background.
		// The caller never waits on the refresh.
		i.refresh(key)
		return entry.response(req, "HIT"), nil
	}

	fetched, err := i.fetch(ctx, key)
	if err != nil {
		return synthesize(req, http.StatusRequestTimeout, "network unreachable"), nil
	}
	if err := i.store.Put(ctx, fetched); err != nil {
		// Degrade to network-only behavior for this request.
		i.logger.Warn(ctx, "cache put failed", "url", key, "error", err)
	}
	return fetched.response(req, "MISS"), nil
}

// ServeHTTP exposes the intermediary as a local proxy: incoming paths are
// rewritten onto the origin and answered through RoundTrip.
func (i *Intermediary) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := i.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := i.RoundTrip(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (i *Intermediary) intercepts(req *http.Request) bool {
	if !i.activated.Load() || req.Method != http.MethodGet {
		return false
	}
	return req.URL.Scheme == i.origin.Scheme && req.URL.Host == i.origin.Host
}

// fetch performs one network fetch and converts a successful response into a
// storable entry. Non-2xx responses are not cached.
func (i *Intermediary) fetch(ctx context.Context, target string) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := i.upstream.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: %s", target, resp.Status)
	}

	return &Entry{
		URL:       target,
		Status:    resp.StatusCode,
		Header:    resp.Header.Clone(),
		Body:      body,
		FetchedAt: time.Now(),
	}, nil
}

// refresh re-fetches key once and replaces the entry on success. No lock is
// held: entries are replaced whole, last writer wins.
func (i *Intermediary) refresh(key string) {
	i.refreshes.Add(1)
	go func() {
		defer i.refreshes.Done()
		ctx := context.Background()

		entry, err := i.fetch(ctx, key)
		if err != nil {
			i.logger.Debug(ctx, "background refresh failed", "url", key, "error", err)
			return
		}
		if err := i.store.Put(ctx, entry); err != nil {
			i.logger.Warn(ctx, "background refresh put failed", "url", key, "error", err)
		}
	}()
}

// response materializes an http.Response for the mediated caller.
func (e *Entry) response(req *http.Request, verdict string) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Cache", verdict)
	return &http.Response{
		StatusCode:    e.Status,
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func synthesize(req *http.Request, status int, msg string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": {"text/plain; charset=utf-8"},
			"X-Cache":      {"ERROR"},
		},
		Body:          io.NopCloser(strings.NewReader(msg)),
		ContentLength: int64(len(msg)),
		Request:       req,
	}
}
