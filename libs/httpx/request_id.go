package httpx

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	RequestIDHeader     = "X-Request-Id"
	CorrelationIDHeader = "X-Correlation-Id"

	maxInboundIDLen = 128
)

type scopeKey struct{}

// scope travels in the context of one inbound call, whichever transport it
// arrived on.
type scope struct {
	requestID     string
	correlationID string
}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// ContextWithRequestID stores id as the request id of ctx. Empty ids are ignored.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	s := scopeFrom(ctx)
	s.requestID = id
	return context.WithValue(ctx, scopeKey{}, s)
}

// ContextWithCorrelationID stores the caller supplied correlation id.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	s := scopeFrom(ctx)
	s.correlationID = id
	return context.WithValue(ctx, scopeKey{}, s)
}

func RequestIDFromContext(ctx context.Context) string {
	return scopeFrom(ctx).requestID
}

// CorrelationIDFromContext prefers an explicit correlation id and falls back
// to the request id.
func CorrelationIDFromContext(ctx context.Context) string {
	s := scopeFrom(ctx)
	if s.correlationID != "" {
		return s.correlationID
	}
	return s.requestID
}

// InboundID returns v when it is usable as an id, otherwise a fresh uuid.
func InboundID(v string) string {
	if v == "" || len(v) > maxInboundIDLen {
		return uuid.NewString()
	}
	return v
}

// WithRequestID reuses an inbound X-Request-Id or mints one and echoes it on
// the response. X-Correlation-Id, when present, is kept alongside.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := InboundID(r.Header.Get(RequestIDHeader))
		w.Header().Set(RequestIDHeader, id)
		ctx := ContextWithRequestID(r.Context(), id)
		if cid := r.Header.Get(CorrelationIDHeader); cid != "" && len(cid) <= maxInboundIDLen {
			ctx = ContextWithCorrelationID(ctx, cid)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
