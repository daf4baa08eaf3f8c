package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bubble-lang/offline-cache/cache"

	"github.com/rs/zerolog"
)

var testLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.InfoLevel)

// origin serves a small page and counts the requests it gets.
func origin(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("<html>index</html>"))
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("run()"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func startServer(t *testing.T, config Config) *server {
	t.Helper()
	s := newServer(cache.NewMemCache(), testLogger)
	ic, err := s.interceptor(config)
	if err != nil {
		t.Fatal(err)
	}
	s.current.Store(ic)
	return s
}

func get(t *testing.T, h http.Handler, method, target string) *http.Response {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w.Result()
}

func TestInstallEndpoint(t *testing.T) {
	var calls atomic.Int32
	srv := origin(t, &calls)
	s := startServer(t, Config{Origin: srv.URL, Precache: []string{"/index.html"}})
	router := s.router()

	if res := get(t, router, "GET", "/index.html"); res.Header.Get("Cache-Status") != "bubble-repl-cache; fwd=bypass" {
		t.Fatalf("Cache-Status before install is %s", res.Header.Get("Cache-Status"))
	}

	res := get(t, router, "POST", installPath)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("Install endpoint status %d", res.StatusCode)
	}

	calls.Store(0)
	res = get(t, router, "GET", "/index.html")
	body, _ := io.ReadAll(res.Body)
	if string(body) != "<html>index</html>" || res.Header.Get("Cache-Status") != "bubble-repl-cache; hit" {
		t.Fatalf("Not a hit: %s %s", res.Header.Get("Cache-Status"), body)
	}
	if calls.Load() != 0 {
		t.Fatalf("Origin called %d times", calls.Load())
	}
}

func TestInstallEndpointFailure(t *testing.T) {
	var calls atomic.Int32
	srv := origin(t, &calls)
	s := startServer(t, Config{Origin: srv.URL, Precache: []string{"/index.html", "/missing"}})

	res := get(t, s.router(), "POST", installPath)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("Install endpoint status %d", res.StatusCode)
	}
}

func TestInstallPathOtherMethodsGoToInterceptor(t *testing.T) {
	var calls atomic.Int32
	srv := origin(t, &calls)
	s := startServer(t, Config{Origin: srv.URL, Precache: []string{}})

	res := get(t, s.router(), "GET", installPath)
	if res.Header.Get("Cache-Status") == "" {
		t.Fatal("GET of install path was not handled by the interceptor")
	}
}

func TestReloadSwitchesOnSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := origin(t, &calls)
	s := startServer(t, Config{Origin: srv.URL, Precache: []string{"/index.html"}})
	first := s.current.Load()

	err := s.reload(context.Background(), Config{Origin: srv.URL, Precache: []string{"/index.html", "/nope"}})
	if err == nil {
		t.Fatal("Reload should fail")
	}
	if s.current.Load() != first {
		t.Fatal("Failed reload replaced the interceptor")
	}

	err = s.reload(context.Background(), Config{Origin: srv.URL, Precache: []string{"/index.html", "/app.js"}})
	if err != nil {
		t.Fatal(err)
	}
	if s.current.Load() == first {
		t.Fatal("Successful reload kept the old interceptor")
	}

	calls.Store(0)
	res := get(t, s.router(), "GET", "/app.js")
	if res.Header.Get("Cache-Status") != "bubble-repl-cache; hit" || calls.Load() != 0 {
		t.Fatalf("Reloaded list not served from cache: %s", res.Header.Get("Cache-Status"))
	}
}

func TestInstallEndpointTruncatedOrigin(t *testing.T) {
	truncated := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("only-ten!!"))
		w.(http.Flusher).Flush()
		if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
			conn.Close()
		}
	}))
	defer truncated.Close()
	s := startServer(t, Config{Origin: truncated.URL, Precache: []string{"/main.wasm"}})
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	res, err := http.Post(srv.URL+installPath, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("Install endpoint status %d", res.StatusCode)
	}

	// still serving
	res, err = http.Post(srv.URL+installPath, "", nil)
	if err != nil {
		t.Fatalf("Server gone after failed install: %v", err)
	}
	res.Body.Close()
	if s.current.Load().Activated() {
		t.Fatal("Truncated install activated the interceptor")
	}
}

func TestWatchReinstallsOnChange(t *testing.T) {
	var calls atomic.Int32
	srv := origin(t, &calls)
	filename := writeConfig(t, "origin: "+srv.URL+"\nprecache: [/index.html]\n")
	s := startServer(t, Config{Origin: srv.URL, Precache: []string{"/index.html"}})
	first := s.current.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := s.watch(ctx, filename, func() (Config, error) { return getConfig(filename) })
	if err != nil {
		t.Fatal(err)
	}

	err = os.WriteFile(filename, []byte("origin: "+srv.URL+"\nprecache: [/index.html, /app.js]\n"), 0644)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.current.Load() == first {
		if time.Now().After(deadline) {
			t.Fatal("Config change did not re-install")
		}
		time.Sleep(20 * time.Millisecond)
	}

	calls.Store(0)
	res := get(t, s.router(), "GET", "/app.js")
	if res.Header.Get("Cache-Status") != "bubble-repl-cache; hit" || calls.Load() != 0 {
		t.Fatalf("New precache list not served from cache: %s", res.Header.Get("Cache-Status"))
	}
}
