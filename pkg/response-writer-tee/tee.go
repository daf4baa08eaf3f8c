package tee

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"time"
)

// ResponseSaver is a wrapper around http.ResponseWriter that saves the response to a buffer.
// It optionally writes the response to the underlying http.ResponseWriter.
// The buffer holds the HTTP/1.1 wire form of the response, suitable for http.ReadResponse.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// informational responses are passed on but not recorded
	if statusCode >= 100 && statusCode < 200 && statusCode != http.StatusSwitchingProtocols {
		if t.rw != nil {
			copyHeader(t.rw.Header(), t.header)
			t.rw.WriteHeader(statusCode)
		}
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	fmt.Fprintf(t.b, "HTTP/1.1 %03d %s\r\n", statusCode, http.StatusText(statusCode))
	t.header.Write(t.b)
	t.b.WriteString("\r\n")
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if t.rw != nil {
		if n, err := t.rw.Write(b); err != nil {
			return n, err
		}
	}
	return t.b.Write(b)
}

// Flush implements http.Flusher when the underlying writer does.
func (t *ResponseSaver) Flush() {
	if f, ok := t.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Response returns the recorded response as a byte slice.
func (t *ResponseSaver) Response() []byte {
	return t.b.Bytes()
}

// Result parses the recorded response.
// The body of the returned response reads from the recorded bytes.
func (t *ResponseSaver) Result(req *http.Request) (*http.Response, error) {
	if !t.wroteHeaders {
		return nil, fmt.Errorf("No response recorded")
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(t.b.Bytes())), req)
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// NewResponseSaver returns a new ResponseSaver.
// If rw is not nil, the response will be written (tee'd) to it in addition to saving to buffer.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		b:         &bytes.Buffer{},
		header:    http.Header{},
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
