package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestWrapOrderAndNil(t *testing.T) {
	var order []string
	mark := func(name string) HTTPMiddleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Wrap(okHandler(), mark("a"), nil, mark("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.Join(order, ",") != "a,b" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	current := time.Unix(0, 0)
	opts := RateLimitOptions{
		Requests: 1,
		Window:   time.Second,
		Now: func() time.Time {
			return current
		},
	}
	limited := RateLimit(opts)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request blocked, got %d", rr.Code)
	}
	var body struct{ Message string }
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Message == "" {
		t.Fatalf("expected JSON message, got %q (%v)", rr.Body.String(), err)
	}
	current = current.Add(time.Second)
	rr = httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected request allowed after refill, got %d", rr.Code)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	current := time.Unix(0, 0)
	limited := RateLimit(RateLimitOptions{
		Requests: 1,
		Window:   time.Minute,
		Now:      func() time.Time { return current },
	})(okHandler())

	for _, addr := range []string{"10.0.0.1:1234", "10.0.0.2:1234"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		limited.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", addr, rr.Code)
		}
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:9999"
	rr := httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected same host on another port to be limited, got %d", rr.Code)
	}
}

func TestClientLimiterSweepsIdleBuckets(t *testing.T) {
	current := time.Unix(0, 0)
	l := newClientLimiter(RateLimitOptions{Requests: 1, Window: time.Second, Now: func() time.Time { return current }})
	l.Allow("a")
	l.Allow("b")
	if l.size() != 2 {
		t.Fatalf("expected 2 buckets, got %d", l.size())
	}
	current = current.Add(2 * time.Second)
	if !l.Allow("c") {
		t.Fatalf("expected fresh client allowed")
	}
	if l.size() != 1 {
		t.Fatalf("expected idle buckets swept, got %d", l.size())
	}
}

func TestRateLimitDisabled(t *testing.T) {
	if RateLimit(RateLimitOptions{}) != nil {
		t.Fatalf("expected nil middleware for zero options")
	}
}

func TestBodyLimit(t *testing.T) {
	var readErr error
	h := BodyLimit(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("abcdefgh"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for declared length, got %d", rr.Code)
	}

	// Unknown length is only caught while reading.
	req = httptest.NewRequest(http.MethodPost, "/", io.NopCloser(strings.NewReader("abcdefgh")))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)
	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Fatalf("expected MaxBytesError, got %v", readErr)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("abc"))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || readErr != nil {
		t.Fatalf("expected small body accepted, got %d %v", rr.Code, readErr)
	}
}

func TestRequestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	var seen string
	h := RequestLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("tea"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/image/x.png", nil))
	id := rr.Header().Get(RequestIDHeader)
	if id == "" || id != seen {
		t.Fatalf("expected generated id in header and context, got %q / %q", id, seen)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["status"] != float64(http.StatusTeapot) || line["bytes"] != float64(3) || line["path"] != "/image/x.png" {
		t.Fatalf("unexpected log line %v", line)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Fatalf("expected client id reused, got %q", got)
	}
}

func TestWriteMessageEscapes(t *testing.T) {
	rr := httptest.NewRecorder()
	writeMessage(rr, http.StatusBadRequest, `say "hi" \ bye`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body struct{ Message string }
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON %q: %v", rr.Body.String(), err)
	}
	if body.Message != `say "hi" \ bye` {
		t.Fatalf("message not preserved: %q", body.Message)
	}
}
