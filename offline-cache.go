package offlinecache

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bubble-lang/offline-cache/cache"
	"github.com/bubble-lang/offline-cache/rfc9211"

	"github.com/rs/zerolog"
)

const DefaultBucketName = "bubble-repl-cache"

// DefaultPrecacheURLs are stored on install when no other list is configured.
var DefaultPrecacheURLs = []string{
	"/",
	"/index.html",
	"https://cdn.jsdelivr.net/gh/bubble-lang/online-repl@main/main.wasm",
	"https://cdn.jsdelivr.net/gh/bubble-lang/online-repl@main/wasm_exec.js",
}

type Config struct {
	// Storage for cache buckets. An in-memory provider is used if nil.
	Cache cache.CacheProvider
	// Name of the bucket. DefaultBucketName is used if empty.
	BucketName string
	// Resources to store on install, relative to the origin or absolute.
	// DefaultPrecacheURLs is used if nil.
	PrecacheURLs []string
	// URL of the origin server, i.e. the page the cache is scoped to.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Network used for install and for requests not in the bucket.
	// http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type state int32

const (
	stateInstalling state = iota
	stateActivated
	stateRedundant
)

func (s state) String() string {
	switch s {
	case stateActivated:
		return "activated"
	case stateRedundant:
		return "redundant"
	default:
		return "installing"
	}
}

// Interceptor answers requests from its bucket when it can and from the network otherwise.
// Requests are only answered from the bucket after a successful Install.
type Interceptor struct {
	bucket       *cache.Bucket
	precache     []string
	originURL    url.URL
	log          zerolog.Logger
	reverseproxy httputil.ReverseProxy
	transport    http.RoundTripper
	director     func(*http.Request)
	// origins absolute-form requests may go to: the origin and the precache hosts
	origins      map[string]bool
	state        atomic.Int32
	installMutex sync.Mutex
}

// CreateInterceptor initializes the interceptor instance.
// It opens the bucket and sets up the network; nothing is fetched until Install.
func CreateInterceptor(config Config) (*Interceptor, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	bucketName := config.BucketName
	if bucketName == "" {
		bucketName = DefaultBucketName
	}
	provider := config.Cache
	if provider == nil {
		provider = cache.NewMemCache()
	}
	bucket, err := cache.NewStorage(provider).Open(bucketName)
	if err != nil {
		return nil, err
	}

	precache := config.PrecacheURLs
	if precache == nil {
		precache = DefaultPrecacheURLs
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("bucket", bucketName).
		Str("origin", config.OriginURL.String()).
		Logger()

	a := &Interceptor{
		bucket:    bucket,
		precache:  append([]string(nil), precache...),
		originURL: config.OriginURL,
		log:       logger,
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		if config.Transport == nil {
			transport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}

	a.transport = transport
	a.director = createDirector(config.OriginURL.Scheme, host, hostHeader)
	a.reverseproxy = httputil.ReverseProxy{
		Director:     a.director,
		Transport:    transport,
		ErrorHandler: a.networkError,
	}

	a.origins = map[string]bool{originOf(&config.OriginURL): true}
	for _, ref := range a.precache {
		if u, err := url.Parse(ref); err == nil && u.IsAbs() {
			a.origins[originOf(u)] = true
		}
	}

	return a, nil
}

// Bucket returns the bucket the interceptor reads from.
func (a *Interceptor) Bucket() *cache.Bucket {
	return a.bucket
}

// Activated reports whether requests are answered from the bucket.
func (a *Interceptor) Activated() bool {
	return state(a.state.Load()) == stateActivated
}

// ServeHTTP implements the http.Handler interface.
func (a *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer a.recover(w, r)
	a.handle(w, r)
}

// recover recovers from panics and sends the request to the escape hatch if needed.
func (a *Interceptor) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		// the reverse proxy aborts responses it cannot finish this way
		if err == http.ErrAbortHandler {
			panic(err)
		}
		a.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		a.escapeHatch(w, r)
	}
}

// escapeHatch is a fallback handler that just sends the request to the network.
func (a *Interceptor) escapeHatch(w http.ResponseWriter, r *http.Request) {
	cs := rfc9211.CacheStatus{Cache: a.bucket.Name()}
	cs.Forward(rfc9211.FwdReasonBypass)
	cs.Detail = "panic"
	a.forward(w, r, cs)
}

func (a *Interceptor) handle(w http.ResponseWriter, r *http.Request) {
	a.log.Trace().Interface("headers", r.Header).Msgf("Incoming request: %s %s", r.Method, r.URL.String())
	cs := rfc9211.CacheStatus{Cache: a.bucket.Name()}

	if r.URL.IsAbs() && !a.origins[originOf(r.URL)] {
		a.log.Warn().Str("url", r.URL.String()).Str("sourceIp", getRequestSourceIp(r)).Msg("Refusing request to foreign origin")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if !a.Activated() {
		cs.Forward(rfc9211.FwdReasonBypass)
		a.forward(w, r, cs)
		return
	}
	if r.Method != http.MethodGet {
		cs.Forward(rfc9211.FwdReasonMethod)
		a.forward(w, r, cs)
		return
	}

	res, variants, err := a.bucket.Match(a.lookupRequest(r))
	if err != nil {
		a.log.Error().Err(err).Msg("Could not retrieve from cache")
		cs.Forward(rfc9211.FwdReasonMiss)
		a.forward(w, r, cs)
		return
	}
	if res == nil {
		if variants > 0 {
			cs.Forward(rfc9211.FwdReasonVaryMiss)
		} else {
			cs.Forward(rfc9211.FwdReasonUriMiss)
		}
		a.forward(w, r, cs)
		return
	}

	cs.Hit()
	a.sendStoredResponse(w, r, res, cs)
}

// lookupRequest returns a shallow copy of r with an absolute URL.
func (a *Interceptor) lookupRequest(r *http.Request) *http.Request {
	lr := new(http.Request)
	*lr = *r
	lr.URL = a.resolve(r.URL)
	return lr
}

// resolve returns the absolute form of a possibly relative URL,
// relative URLs being relative to the origin.
func (a *Interceptor) resolve(u *url.URL) *url.URL {
	if u.IsAbs() {
		return u
	}
	return a.originURL.ResolveReference(u)
}

func (a *Interceptor) sendStoredResponse(w http.ResponseWriter, r *http.Request, res *http.Response, cs rfc9211.CacheStatus) {
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.Header().Add(rfc9211.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		a.log.Error().Err(err).Msg("Could not write response body to client")
	}
	a.logRequest(r, cs)
	a.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// forward sends the request to the network as is and streams back the result.
// The response is never stored.
func (a *Interceptor) forward(w http.ResponseWriter, r *http.Request, cs rfc9211.CacheStatus) {
	a.log.Trace().Msgf("Forwarding %s", r.URL.String())
	w.Header().Add(rfc9211.HeaderName, cs.String())
	a.reverseproxy.ServeHTTP(w, r)
	a.logRequest(r, cs)
}

// networkError is the reverse proxy error handler.
// The failure is passed on as is: no retry, no substitute response.
func (a *Interceptor) networkError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		a.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Request cancelled")
	} else {
		a.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not fetch from network")
	}
	w.WriteHeader(http.StatusBadGateway)
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		// a nil X-Forwarded-For tells the reverse proxy not to add one
		if _, ok := req.Header["X-Forwarded-For"]; !ok {
			req.Header["X-Forwarded-For"] = nil
		}
		// absolute-form requests go to the host they name
		if !req.URL.IsAbs() {
			req.URL.Scheme = scheme
			req.URL.Host = host
		}
		if req.URL.Host == host && hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// originOf returns the scheme and host of an absolute URL, lower-cased.
func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func (a *Interceptor) logRequest(r *http.Request, cs rfc9211.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	a.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
