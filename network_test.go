package offlinecache

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"

	"github.com/bubble-lang/offline-cache/cache"

	"github.com/rs/zerolog"
)

const (
	origin = "http://localhost:8080"
	cdn    = "https://cdn.example"
)

// network is a fake transport routing requests to handlers by host.
type network struct {
	mutex    sync.Mutex
	handlers map[string]http.Handler
	calls    map[string]int
	failures map[string]error
}

func newNetwork() *network {
	n := &network{
		handlers: make(map[string]http.Handler),
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}

	page := http.NewServeMux()
	page.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>root</html>"))
	})
	page.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>index</html>"))
	})
	page.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("X-Origin", "page")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("body { color: red }"))
	})
	page.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	page.HandleFunc("/star", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "*")
		w.Write([]byte("never stored"))
	})
	page.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fmt.Sprintf("%s %s host=%s", r.Method, r.URL.Path, r.Host)))
	})
	n.handlers["localhost:8080"] = page

	assets := http.NewServeMux()
	assets.HandleFunc("/main.wasm", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/wasm")
		w.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})
	})
	n.handlers["cdn.example"] = assets

	return n
}

func (n *network) RoundTrip(req *http.Request) (*http.Response, error) {
	u := req.URL.String()
	n.mutex.Lock()
	n.calls[u]++
	err := n.failures[u]
	handler := n.handlers[req.URL.Host]
	n.mutex.Unlock()

	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("dial tcp: lookup %s: no such host", req.URL.Host)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	res := rr.Result()
	res.Request = req
	return res, nil
}

func (n *network) fail(u string, err error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.failures[u] = err
}

func (n *network) count(u string) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.calls[u]
}

func (n *network) total() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func (n *network) reset() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.calls = make(map[string]int)
}

var testLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.InfoLevel)

func newTestInterceptor(t *testing.T, n *network, provider cache.CacheProvider, precache ...string) *Interceptor {
	t.Helper()
	originURL, _ := url.Parse(origin)
	if precache == nil {
		precache = []string{}
	}
	a, err := CreateInterceptor(Config{
		Cache:        provider,
		PrecacheURLs: precache,
		OriginURL:    *originURL,
		Transport:    n,
		Logger:       &testLogger,
	})
	if err != nil {
		t.Fatalf("Could not create interceptor: %v", err)
	}
	return a
}

// absolute returns a GET request for the resolved form of ref.
func absolute(t *testing.T, ref string) *http.Request {
	t.Helper()
	base, _ := url.Parse(origin)
	u, err := base.Parse(ref)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest("GET", u.String(), nil)
	return req
}
