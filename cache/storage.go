package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strings"

	cachekey "github.com/bubble-lang/offline-cache/pkg/cache-key"
	"github.com/bubble-lang/offline-cache/rfc9111"
)

// Storage gives access to named buckets kept in a single provider.
type Storage struct {
	provider CacheProvider
}

func NewStorage(provider CacheProvider) Storage {
	return Storage{provider: provider}
}

// Open returns the bucket with the given name.
// Buckets are created lazily on first write, so opening never touches the provider
// and opening the same name twice yields the same entries.
func (s Storage) Open(name string) (*Bucket, error) {
	if name == "" || strings.ContainsAny(name, ":\t\n") {
		return nil, fmt.Errorf("Invalid bucket name %q", name)
	}
	return &Bucket{
		name:     name,
		keyer:    cachekey.NewCacheKeyer(name),
		provider: s.provider,
	}, nil
}

// Has checks if the bucket with the given name holds any entries.
func (s Storage) Has(name string) (bool, error) {
	return s.provider.HasPrefix(cachekey.NewCacheKeyer(name).BucketPrefix)
}

// Delete removes the bucket with the given name and all of its entries.
// It returns the number of removed entries.
func (s Storage) Delete(name string) (int, error) {
	return s.provider.PurgePrefix(cachekey.NewCacheKeyer(name).BucketPrefix)
}

// Bucket is a named set of request to response mappings.
type Bucket struct {
	name     string
	keyer    cachekey.CacheKeyer
	provider CacheProvider
}

func (b *Bucket) Name() string {
	return b.name
}

// Key returns the key under which res is stored when it answers req.
// The request URL must be absolute.
func (b *Bucket) Key(req *http.Request, res *http.Response) string {
	return b.keyer.AddVaryKeys(b.keyer.GetKeyPrefix(req), req, res)
}

// Match looks up a stored response for the request.
// Only GET requests match. A stored response is selected when the request URL
// equals the stored one and every header field nominated by the stored Vary
// matches the original request; `Vary: *` never matches.
// Besides the response (nil when nothing matched) it returns the number of
// stored variants found for the URL.
func (b *Bucket) Match(req *http.Request) (*http.Response, int, error) {
	if req.Method != http.MethodGet {
		return nil, 0, nil
	}
	prefix := b.keyer.GetKeyPrefix(req)
	entries, err := b.provider.All(prefix)
	if err != nil {
		return nil, 0, fmt.Errorf("lookup %s: %w", req.URL, err)
	}
	for _, ce := range entries {
		res, err := b.response(ce)
		if err != nil {
			return nil, len(entries), err
		}
		if !rfc9111.VaryStar(res) && b.keyer.AddVaryKeys(prefix, req, res) == ce.Key {
			return res, len(entries), nil
		}
		res.Body.Close()
	}
	return nil, len(entries), nil
}

// Put stores a single entry.
func (b *Bucket) Put(ce CacheEntry) error {
	return b.PutAll([]CacheEntry{ce})
}

// PutAll stores all entries in one batch.
// Every key must belong to this bucket.
func (b *Bucket) PutAll(entries []CacheEntry) error {
	for _, ce := range entries {
		if !strings.HasPrefix(ce.Key, b.keyer.BucketPrefix) {
			return fmt.Errorf("Key %q does not belong to bucket %s", ce.Key, b.name)
		}
	}
	return b.provider.PutAll(entries)
}

// Keys calls cb with the method and URL of every stored entry.
func (b *Bucket) Keys(cb func(key string, req *http.Request)) error {
	return b.provider.AllKeys(b.keyer.BucketPrefix, func(key string) {
		req, err := b.keyer.GetRequestFromKey(key)
		if err != nil {
			return
		}
		cb(key, req)
	})
}

// response rebuilds the stored response of an entry.
func (b *Bucket) response(ce CacheEntry) (*http.Response, error) {
	originalReq, err := b.keyer.GetRequestFromKey(ce.Key)
	if err != nil {
		return nil, err
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(ce.Bytes)), originalReq)
	if err != nil {
		return nil, fmt.Errorf("read stored response %s: %w", ce.Key, err)
	}
	return res, nil
}
