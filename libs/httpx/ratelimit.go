package httpx

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Quota is the outcome of one limiter check.
type Quota struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetIn is how long until the current window closes.
	ResetIn time.Duration
}

// Limiter spends one unit of key's budget for the current window.
type Limiter interface {
	Take(ctx context.Context, key string) (Quota, error)
}

// RateLimit answers 429 once a client exhausts its window. A limiter error
// lets the request through when failOpen is set and answers 503 otherwise.
func RateLimit(l Limiter, logger *slog.Logger, failOpen bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q, err := l.Take(r.Context(), clientKey(r))
			if err != nil {
				if logger != nil {
					logger.Warn("rate limiter unavailable", "err", err, "fail_open", failOpen)
				}
				if !failOpen {
					WriteError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(q.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(q.Remaining))
			if !q.Allowed {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(q.ResetIn.Seconds()))))
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func quotaFor(limit int, used int64, resetIn time.Duration) Quota {
	remaining := int64(limit) - used
	if remaining < 0 {
		remaining = 0
	}
	return Quota{
		Allowed:   used <= int64(limit),
		Limit:     limit,
		Remaining: int(remaining),
		ResetIn:   resetIn,
	}
}

// MemoryLimiter keeps fixed windows in process memory. Replicas do not share
// budgets, so it only suits single instances and local runs.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]memWindow
}

type memWindow struct {
	used  int64
	until time.Time
}

// sweepAbove bounds how many idle windows accumulate before a sweep.
const sweepAbove = 10_000

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	limit, window = limiterDefaults(limit, window)
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: map[string]memWindow{},
	}
}

func (m *MemoryLimiter) Take(_ context.Context, key string) (Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	win, ok := m.windows[key]
	if !ok || !now.Before(win.until) {
		if len(m.windows) >= sweepAbove {
			for k, w := range m.windows {
				if !now.Before(w.until) {
					delete(m.windows, k)
				}
			}
		}
		win = memWindow{until: now.Add(m.window)}
	}
	// rejected requests do not extend the count past limit+1
	if win.used <= int64(m.limit) {
		win.used++
	}
	m.windows[key] = win
	return quotaFor(m.limit, win.used, win.until.Sub(now)), nil
}

func limiterDefaults(limit int, window time.Duration) (int, time.Duration) {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return limit, window
}

// clientKey identifies the caller by the first X-Forwarded-For hop, falling
// back to the peer address.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
