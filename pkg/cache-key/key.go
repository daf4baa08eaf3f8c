package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bubble-lang/offline-cache/rfc9111"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const (
	bucketSeparator = ":"
	methodSeparator = ":"
	varySeparator   = "\t"
	varyLineBreak   = "\n"
)

// Vary fields left out of keys.
// Stored bodies are always identity-coded, so they satisfy any Accept-Encoding.
var ignoredVaryFields = map[string]bool{
	"accept-encoding": true,
}

type CacheKeyer struct {
	// Name of the bucket the keys belong to.
	BucketName string
	// Key prefix shared by every entry in the bucket.
	BucketPrefix string
}

func NewCacheKeyer(bucketName string) CacheKeyer {
	return CacheKeyer{
		BucketName:   bucketName,
		BucketPrefix: bucketName + bucketSeparator,
	}
}

// GetKeyPrefix returns the cache key for a request without the vary headers (i.e. a key prefix).
// The returned key is suitable for finding all stored response variants for a particular request.
// The request URL is expected to be absolute; the fragment is never part of the key.
func (c CacheKeyer) GetKeyPrefix(r *http.Request) string {
	return c.BucketPrefix + r.Method + methodSeparator + identifier(r.URL) + varySeparator
}

// AddVaryKeys returns the full cache key (including vary headers) based on a previously generated
// cache key prefix and the request and response involved.
func (c CacheKeyer) AddVaryKeys(prefix string, req *http.Request, res *http.Response) string {
	key := prefix
	for _, name := range rfc9111.VaryFields(res) {
		if ignoredVaryFields[name] || rfc9111.FieldAbsent(req.Header, name) {
			continue
		}
		key = key + varyLineBreak + name + ": " + rfc9111.FieldValue(req.Header, name)
	}
	return key
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key. This means it takes vary headers into account.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	if !strings.HasPrefix(key, c.BucketPrefix) {
		return nil, fmt.Errorf("Key and bucket %s do not match", c.BucketName)
	}
	keyNoBucket := strings.TrimPrefix(key, c.BucketPrefix)
	keyNoVary, _, found := strings.Cut(keyNoBucket, varySeparator)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	method, uri, found := strings.Cut(keyNoVary, methodSeparator)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return req, err
	}
	req.Header = c.GetVaryHeaders(key)
	return req, nil
}

// GetVaryHeaders creates a http.Header instance containing all the vary keys included in a key.
func (c CacheKeyer) GetVaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, varyLineBreak)
	for i := 1; i < len(lines); i++ {
		if name, value, ok := strings.Cut(lines[i], ": "); ok {
			header.Add(name, value)
		}
	}
	return header
}

func identifier(u *url.URL) string {
	if u.Fragment == "" && u.RawFragment == "" {
		return u.String()
	}
	noFragment := *u
	noFragment.Fragment = ""
	noFragment.RawFragment = ""
	return noFragment.String()
}
