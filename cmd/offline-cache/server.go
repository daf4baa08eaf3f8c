package main

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	offlinecache "github.com/bubble-lang/offline-cache"
	"github.com/bubble-lang/offline-cache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const (
	installPath    = "/.offline-cache/install"
	installTimeout = 5 * time.Minute
)

// server routes requests to the current interceptor.
// The interceptor is replaced when a re-install with a new config succeeds.
type server struct {
	current  atomic.Pointer[offlinecache.Interceptor]
	provider cache.CacheProvider
	log      zerolog.Logger
}

func newServer(provider cache.CacheProvider, logger zerolog.Logger) *server {
	return &server{provider: provider, log: logger}
}

// interceptor creates an interceptor for config, sharing the server's storage.
func (s *server) interceptor(config Config) (*offlinecache.Interceptor, error) {
	originURL, originHost, err := config.originURL()
	if err != nil {
		return nil, err
	}
	return offlinecache.CreateInterceptor(offlinecache.Config{
		Cache:        s.provider,
		BucketName:   config.Bucket,
		PrecacheURLs: config.Precache,
		OriginURL:    *originURL,
		OriginHost:   originHost,
		Logger:       &s.log,
	})
}

// reload installs config with a fresh interceptor and switches over to it on success.
// On failure the current interceptor keeps serving.
func (s *server) reload(ctx context.Context, config Config) error {
	next, err := s.interceptor(config)
	if err != nil {
		return err
	}
	if err := next.Install(ctx); err != nil {
		return err
	}
	s.current.Store(next)
	return nil
}

func (s *server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post(installPath, s.install)
	r.Handle("/*", s)
	r.NotFound(s.ServeHTTP)
	r.MethodNotAllowed(s.ServeHTTP)
	return r
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.current.Load().ServeHTTP(w, r)
}

// install re-runs install of the current interceptor.
// The install outlives a client that hangs up, up to installTimeout.
func (s *server) install(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), installTimeout)
	defer cancel()
	if err := s.current.Load().Install(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
