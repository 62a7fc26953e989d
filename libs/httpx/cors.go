package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// ActivityCORS lets a dashboard on another origin read the activity feed and
// submit events. Rate limit and request id headers are exposed to scripts.
func ActivityCORS(origins []string) CORSPolicy {
	return CORSPolicy{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", RequestIDHeader, CorrelationIDHeader},
		ExposedHeaders: []string{RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         10 * time.Minute,
	}
}

type compiledCORS struct {
	origins     []string
	credentials bool
	methods     string
	headers     string
	exposed     string
	maxAge      string
}

func (p CORSPolicy) compile() compiledCORS {
	c := compiledCORS{
		origins:     trimAll(p.AllowedOrigins),
		credentials: p.AllowCredentials,
		methods:     strings.Join(trimAll(p.AllowedMethods), ", "),
		headers:     strings.Join(trimAll(p.AllowedHeaders), ", "),
		exposed:     strings.Join(trimAll(p.ExposedHeaders), ", "),
	}
	if secs := int(p.MaxAge / time.Second); secs > 0 {
		c.maxAge = strconv.Itoa(secs)
	}
	return c
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin. A
// credentialed policy echoes the origin instead of answering "*".
func (c compiledCORS) allowOrigin(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	for _, o := range c.origins {
		if o == "*" {
			if c.credentials {
				return origin, true
			}
			return "*", true
		}
		if strings.EqualFold(o, origin) {
			return origin, true
		}
	}
	return "", false
}

// WithCORS decorates responses for allowed origins and answers their
// preflight requests directly. An empty origin list disables it.
func WithCORS(p CORSPolicy) Middleware {
	c := p.compile()
	if len(c.origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, ok := c.allowOrigin(r.Header.Get("Origin"))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Add("Vary", "Origin")
			if c.credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if !preflight {
				if c.exposed != "" {
					h.Set("Access-Control-Expose-Headers", c.exposed)
				}
				next.ServeHTTP(w, r)
				return
			}

			setIf(h, "Access-Control-Allow-Methods", c.methods)
			setIf(h, "Access-Control-Allow-Headers", c.headers)
			setIf(h, "Access-Control-Max-Age", c.maxAge)
			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func setIf(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
