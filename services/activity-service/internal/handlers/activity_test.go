package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/activitybus/libs/eventbus"
	"github.com/md-rashed-zaman/activitybus/libs/events"
	"github.com/md-rashed-zaman/activitybus/libs/httpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPublisher struct {
	err         error
	got         []events.Event
	correlation string
}

func (s *stubPublisher) Publish(_ context.Context, ev events.Event, opts ...eventbus.PublishOption) error {
	s.got = append(s.got, ev)
	s.correlation = eventbus.CorrelationID("", opts...)
	return s.err
}

// newMux serves the handler behind the request scope middleware, as the
// service does.
func newMux(log *eventbus.ActivityLog, pub Publisher) http.Handler {
	mux := http.NewServeMux()
	NewActivityHandler(log, pub).Register(mux)
	return httpx.WithRequestID(mux)
}

func seed(log *eventbus.ActivityLog, n int) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		status := eventbus.StatusPublished
		if i%2 == 1 {
			status = eventbus.StatusConsumed
		}
		log.Record(eventbus.Activity{
			EventID:   uuid.New(),
			EventType: fmt.Sprintf("Type%d", i%3),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Status:    status,
		})
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, target, nil))
	return rw
}

func TestList_CountClamping(t *testing.T) {
	log := eventbus.NewActivityLog(100)
	seed(log, 80)
	mux := newMux(log, nil)

	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"?count=10", 10},
		{"?count=0", 1},
		{"?count=-5", 1},
		{"?count=1000", 80},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rw := get(t, mux, "/api/activity"+tt.query)
			require.Equal(t, http.StatusOK, rw.Code)

			var body struct {
				TotalCount int                 `json:"totalCount"`
				Activities []eventbus.Activity `json:"activities"`
			}
			require.NoError(t, json.NewDecoder(rw.Body).Decode(&body))
			assert.Equal(t, tt.want, body.TotalCount)
			assert.Len(t, body.Activities, tt.want)
		})
	}
}

func TestList_NewestFirstAndShape(t *testing.T) {
	log := eventbus.NewActivityLog(100)
	seed(log, 3)
	rw := get(t, newMux(log, nil), "/api/activity?count=3")

	var body map[string]any
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&body))
	items := body["activities"].([]any)
	first := items[0].(map[string]any)
	assert.Equal(t, "Type2", first["eventType"])
	assert.Equal(t, "Published", first["status"])
	assert.Contains(t, first, "eventId")
	assert.Contains(t, first, "timestamp")
}

func TestList_RejectsNonInteger(t *testing.T) {
	rw := get(t, newMux(eventbus.NewActivityLog(10), nil), "/api/activity?count=lots")
	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestSummary(t *testing.T) {
	log := eventbus.NewActivityLog(200)
	seed(log, 150)
	rw := get(t, newMux(log, nil), "/api/activity/summary")
	require.Equal(t, http.StatusOK, rw.Code)

	var s eventbus.Summary
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&s))
	assert.Equal(t, 100, s.TotalEvents, "summary covers the 100 most recent")
	assert.Equal(t, 50, s.PublishedCount)
	assert.Equal(t, 50, s.ConsumedCount)
	assert.Equal(t, 0, s.FailedCount)
	require.NotNil(t, s.LastActivityAt)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 2, 29, 0, time.UTC), s.LastActivityAt.UTC())
	total := 0
	for _, n := range s.EventTypeBreakdown {
		total += n
	}
	assert.Equal(t, 100, total)
}

func TestSummary_Empty(t *testing.T) {
	rw := get(t, newMux(eventbus.NewActivityLog(10), nil), "/api/activity/summary")
	assert.JSONEq(t, `{"totalEvents":0,"publishedCount":0,"consumedCount":0,"failedCount":0,"lastActivityAt":null,"eventTypeBreakdown":{}}`, rw.Body.String())
}

func TestPublish(t *testing.T) {
	pub := &stubPublisher{}
	mux := newMux(eventbus.NewActivityLog(10), pub)

	req := httptest.NewRequest(http.MethodPost, "/api/activity/events",
		strings.NewReader(`{"eventType":"ProjectCreated","entityId":"42","entityName":"Portfolio"}`))
	req.Header.Set(httpx.CorrelationIDHeader, "corr-1")
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)

	require.Equal(t, http.StatusAccepted, rw.Code)
	require.Len(t, pub.got, 1)
	ev := pub.got[0].(events.Activity)
	assert.Equal(t, "ProjectCreated", ev.EventType())
	assert.Equal(t, "42", ev.EntityID)
	assert.Equal(t, "corr-1", pub.correlation)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&body))
	assert.Equal(t, ev.EventID().String(), body["eventId"])
	assert.Equal(t, "projectcreated", body["routingKey"])
}

func TestPublish_CorrelationIDFallsBackToRequestID(t *testing.T) {
	tests := []struct {
		name        string
		correlation string
		want        string
	}{
		{name: "absent", want: "req-9"},
		{name: "oversized header ignored", correlation: strings.Repeat("c", 300), want: "req-9"},
		{name: "at the inbound limit", correlation: strings.Repeat("c", 128), want: strings.Repeat("c", 128)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &stubPublisher{}
			req := httptest.NewRequest(http.MethodPost, "/api/activity/events", strings.NewReader(`{"eventType":"TaskCreated"}`))
			req.Header.Set(httpx.RequestIDHeader, "req-9")
			if tt.correlation != "" {
				req.Header.Set(httpx.CorrelationIDHeader, tt.correlation)
			}
			rw := httptest.NewRecorder()
			newMux(eventbus.NewActivityLog(10), pub).ServeHTTP(rw, req)

			require.Equal(t, http.StatusAccepted, rw.Code)
			assert.Equal(t, tt.want, pub.correlation)
		})
	}
}

func TestPublish_OversizedEventType(t *testing.T) {
	pub := &stubPublisher{}
	rw := httptest.NewRecorder()
	body := `{"eventType":"` + strings.Repeat("a", 300) + `"}`
	newMux(eventbus.NewActivityLog(10), pub).ServeHTTP(rw, httptest.NewRequest(http.MethodPost, "/api/activity/events", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rw.Code)
	assert.Empty(t, pub.got)
}

func TestPublish_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code int
	}{
		{name: "bad json", body: `{`, code: http.StatusBadRequest},
		{name: "wildcard type", body: `{"eventType":"task.#"}`, code: http.StatusBadRequest},
		{name: "broker down", body: `{"eventType":"TaskCreated"}`, err: fmt.Errorf("%w: closed", eventbus.ErrPublish), code: http.StatusServiceUnavailable},
		{name: "rejected by publisher", body: `{"eventType":"TaskCreated"}`, err: errors.Join(eventbus.ErrPublish, eventbus.ErrInvalidEvent), code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newMux(eventbus.NewActivityLog(10), &stubPublisher{err: tt.err})
			rw := httptest.NewRecorder()
			mux.ServeHTTP(rw, httptest.NewRequest(http.MethodPost, "/api/activity/events", strings.NewReader(tt.body)))
			assert.Equal(t, tt.code, rw.Code)
		})
	}
}

func TestPublishRouteAbsentWithoutPublisher(t *testing.T) {
	mux := newMux(eventbus.NewActivityLog(10), nil)
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, httptest.NewRequest(http.MethodPost, "/api/activity/events", strings.NewReader(`{}`)))
	assert.NotEqual(t, http.StatusAccepted, rw.Code)
}

func TestPublishGuard(t *testing.T) {
	pub := &stubPublisher{}
	mux := http.NewServeMux()
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusUnauthorized) })
	}
	NewActivityHandler(eventbus.NewActivityLog(10), pub).WithPublishGuard(deny).Register(mux)

	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, httptest.NewRequest(http.MethodPost, "/api/activity/events", strings.NewReader(`{"eventType":"X"}`)))
	assert.Equal(t, http.StatusUnauthorized, rw.Code)
	assert.Empty(t, pub.got)

	rw = get(t, mux, "/api/activity")
	assert.Equal(t, http.StatusOK, rw.Code, "reads are not guarded")
}
