package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bubble-lang/offline-cache/cache"
	tee "github.com/bubble-lang/offline-cache/pkg/response-writer-tee"
	"github.com/bubble-lang/offline-cache/rfc9111"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDuplicateRequest is returned when the precache list names a resource twice.
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrBadResponse is returned when a precached resource answers with a non-2xx status.
	ErrBadResponse = errors.New("bad response status")
	// ErrVaryStar is returned when a precached resource answers with `Vary: *`.
	ErrVaryStar = errors.New("response varies on *")
)

// Install fetches every resource of the precache list and stores them in the bucket.
// It blocks until all fetches are done. If any single fetch fails, the whole
// install fails, nothing is stored and the remaining fetches are cancelled.
// After the first successful install, the interceptor answers requests from the bucket.
// A failed install leaves the interceptor in the state it was in before.
// Install may be called again, e.g. when the page is updated.
func (a *Interceptor) Install(ctx context.Context) error {
	a.installMutex.Lock()
	defer a.installMutex.Unlock()

	started := time.Now()
	a.log.Info().Int("resources", len(a.precache)).Msg("Installing")

	requests, err := a.precacheRequests(ctx)
	if err != nil {
		return a.installFailed(err)
	}

	entries := make([]cache.CacheEntry, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			ce, err := a.fetchForInstall(req.WithContext(gctx))
			if err != nil {
				return fmt.Errorf("precache %s: %w", req.URL, err)
			}
			entries[i] = ce
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return a.installFailed(err)
	}

	if err := a.bucket.PutAll(entries); err != nil {
		return a.installFailed(fmt.Errorf("store precached responses: %w", err))
	}

	var size uint64
	for _, ce := range entries {
		size += uint64(len(ce.Bytes))
	}
	a.state.Store(int32(stateActivated))
	a.log.Info().
		Int("resources", len(entries)).
		Str("size", humanize.Bytes(size)).
		Dur("took", time.Since(started)).
		Msg("Installed")
	return nil
}

func (a *Interceptor) installFailed(err error) error {
	// an interceptor that never activated is not going to
	a.state.CompareAndSwap(int32(stateInstalling), int32(stateRedundant))
	a.log.Error().Err(err).Str("state", state(a.state.Load()).String()).Msg("Install failed")
	return err
}

// precacheRequests resolves the precache list into GET requests.
func (a *Interceptor) precacheRequests(ctx context.Context) ([]*http.Request, error) {
	requests := make([]*http.Request, 0, len(a.precache))
	seen := make(map[string]bool)
	for _, ref := range a.precache {
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("precache %q: %w", ref, err)
		}
		u = a.resolve(u)
		u.Fragment = ""
		u.RawFragment = ""
		if seen[u.String()] {
			return nil, fmt.Errorf("precache %s: %w", u, ErrDuplicateRequest)
		}
		seen[u.String()] = true
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("precache %s: %w", u, err)
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// fetchForInstall fetches a resource from the network and prepares its cache entry.
// The whole body must arrive: a response cut short fails the fetch.
func (a *Interceptor) fetchForInstall(req *http.Request) (cache.CacheEntry, error) {
	a.log.Debug().Str("url", req.URL.String()).Msg("Requesting content from network")

	requestedAt := time.Now()
	outreq := req.Clone(req.Context())
	a.director(outreq)
	res, err := a.transport.RoundTrip(outreq)
	if err != nil {
		return cache.CacheEntry{}, err
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return cache.CacheEntry{}, fmt.Errorf("read body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return cache.CacheEntry{}, fmt.Errorf("%w: %s", ErrBadResponse, res.Status)
	}
	if rfc9111.VaryStar(res) {
		return cache.CacheEntry{}, ErrVaryStar
	}

	// record the response as it arrived, minus hop-by-hop fields
	rw := tee.NewResponseSaver(nil)
	rw.CreatedAt = requestedAt
	for k, vv := range res.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		rw.Header()[k] = vv
	}
	rw.Header().Set("Content-Length", strconv.Itoa(len(body)))
	rw.WriteHeader(res.StatusCode)
	rw.Write(body)

	ce := cache.CacheEntry{
		Key:         a.bucket.Key(req, res),
		RequestedAt: rw.CreatedAt,
		ReceivedAt:  time.Now(),
		Bytes:       rw.Response(),
	}
	a.log.Trace().Str("key", ce.Key).Str("size", humanize.Bytes(uint64(len(ce.Bytes)))).Msg("Fetched")
	return ce, nil
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}
