package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/md-rashed-zaman/activitybus/libs/eventbus"
	"github.com/md-rashed-zaman/activitybus/libs/events"
	"github.com/md-rashed-zaman/activitybus/libs/httpx"
)

const (
	defaultCount = 50
	maxCount     = 100
	// summaryWindow is how many recent entries the summary covers.
	summaryWindow = 100
)

type Publisher interface {
	Publish(ctx context.Context, ev events.Event, opts ...eventbus.PublishOption) error
}

type ActivityHandler struct {
	log       *eventbus.ActivityLog
	publisher Publisher
	guard     httpx.Middleware
}

func NewActivityHandler(log *eventbus.ActivityLog, publisher Publisher) *ActivityHandler {
	return &ActivityHandler{log: log, publisher: publisher}
}

// WithPublishGuard wraps the publish route, e.g. with bearer auth.
func (h *ActivityHandler) WithPublishGuard(m httpx.Middleware) *ActivityHandler {
	h.guard = m
	return h
}

func (h *ActivityHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/activity", h.List)
	mux.HandleFunc("GET /api/activity/summary", h.Summary)
	if h.publisher != nil {
		var publish http.Handler = http.HandlerFunc(h.Publish)
		if h.guard != nil {
			publish = h.guard(publish)
		}
		mux.Handle("POST /api/activity/events", publish)
	}
}

type listResponse struct {
	TotalCount int                 `json:"totalCount"`
	Activities []eventbus.Activity `json:"activities"`
}

// List returns the most recent activity, newest first. count is clamped to
// 1..100 and defaults to 50.
func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	count := defaultCount
	if raw := strings.TrimSpace(r.URL.Query().Get("count")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "count must be an integer")
			return
		}
		count = min(max(n, 1), maxCount)
	}

	activities := h.log.Recent(count)
	httpx.WriteJSON(w, http.StatusOK, listResponse{TotalCount: len(activities), Activities: activities})
}

func (h *ActivityHandler) Summary(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, eventbus.Summarize(h.log.Recent(summaryWindow)))
}

type publishRequest struct {
	EventType  string `json:"eventType"`
	EntityID   string `json:"entityId"`
	EntityName string `json:"entityName"`
}

type publishResponse struct {
	EventID    string `json:"eventId"`
	RoutingKey string `json:"routingKey"`
}

// Publish emits a generic Activity event for callers that cannot link the Go
// publisher directly.
func (h *ActivityHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !httpx.DecodeJSON(w, r, &req) {
		return
	}
	req.EventType = strings.TrimSpace(req.EventType)
	if err := events.ValidateType(req.EventType); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := events.NewActivity(req.EventType, req.EntityID, req.EntityName)
	var opts []eventbus.PublishOption
	// the request scope already applied the inbound id length limit
	if id := httpx.CorrelationIDFromContext(r.Context()); id != "" {
		opts = append(opts, eventbus.WithCorrelationID(id))
	}

	if err := h.publisher.Publish(r.Context(), ev, opts...); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, eventbus.ErrInvalidEvent) {
			status = http.StatusBadRequest
		}
		httpx.WriteError(w, status, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, publishResponse{
		EventID:    ev.EventID().String(),
		RoutingKey: events.RoutingKey(ev.EventType()),
	})
}
