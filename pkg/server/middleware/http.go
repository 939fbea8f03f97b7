package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// HTTPMiddleware wraps an http.Handler.
type HTTPMiddleware func(http.Handler) http.Handler

// Wrap applies middleware in order. Nil entries are skipped.
func Wrap(h http.Handler, middlewares ...HTTPMiddleware) http.Handler {
	chain := chain(middlewares...)
	return chain(h)
}

func chain(middlewares ...HTTPMiddleware) HTTPMiddleware {
	filtered := make([]HTTPMiddleware, 0, len(middlewares))
	for _, mw := range middlewares {
		if mw != nil {
			filtered = append(filtered, mw)
		}
	}
	return func(next http.Handler) http.Handler {
		handler := next
		for i := len(filtered) - 1; i >= 0; i-- {
			handler = filtered[i](handler)
		}
		return handler
	}
}

// RateLimitOptions configures the per-client rate limiter.
type RateLimitOptions struct {
	Requests int
	Window   time.Duration
	Now      func() time.Time
}

// RateLimit enforces a token bucket per client address. Requests over the
// limit get 429 with a JSON message. Place it after a RealIP middleware when
// the service sits behind a proxy.
func RateLimit(opts RateLimitOptions) HTTPMiddleware {
	if opts.Requests <= 0 || opts.Window <= 0 {
		return nil
	}
	limiter := newClientLimiter(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientAddr(r)) {
				w.Header().Set("Retry-After", "1")
				writeMessage(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type clientLimiter struct {
	mu        sync.Mutex
	opts      RateLimitOptions
	buckets   map[string]*tokenBucket
	lastSweep time.Time
}

func newClientLimiter(opts RateLimitOptions) *clientLimiter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &clientLimiter{
		opts:      opts,
		buckets:   make(map[string]*tokenBucket),
		lastSweep: opts.Now(),
	}
}

func (l *clientLimiter) Allow(client string) bool {
	l.mu.Lock()
	now := l.opts.Now()
	if now.Sub(l.lastSweep) >= l.opts.Window {
		// An idle bucket has refilled completely and can be recreated on demand.
		for addr, b := range l.buckets {
			if now.Sub(b.lastSeen()) >= l.opts.Window {
				delete(l.buckets, addr)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[client]
	if !ok {
		b = newTokenBucket(l.opts)
		l.buckets[client] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

type tokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
	now          func() time.Time
}

func newTokenBucket(opts RateLimitOptions) *tokenBucket {
	return &tokenBucket{
		capacity:     float64(opts.Requests),
		tokens:       float64(opts.Requests),
		refillPerSec: float64(opts.Requests) / opts.Window.Seconds(),
		last:         opts.Now(),
		now:          opts.Now,
	}
}

func (t *tokenBucket) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	elapsed := now.Sub(t.last).Seconds()
	if elapsed > 0 {
		t.tokens += elapsed * t.refillPerSec
		if t.tokens > t.capacity {
			t.tokens = t.capacity
		}
		t.last = now
	}
	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}

func (t *tokenBucket) lastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// BodyLimit caps request bodies at n bytes. Reads past the cap fail with
// *http.MaxBytesError.
func BodyLimit(n int64) HTTPMiddleware {
	if n <= 0 {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				writeMessage(w, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// RequestID returns the id RequestLog assigned to ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestLog tags each request with an id (reusing the client's
// X-Request-Id when present) and logs one line per completed request.
func RequestLog(logger *slog.Logger) HTTPMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(ctx, level, "http request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"remote", r.RemoteAddr,
				"duration", time.Since(start),
			)
		})
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Message string `json:"message"`
	}{msg})
}
