package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sentinel/internal/event"
	"github.com/linnemanlabs/sentinel/internal/pipeline"
)

type eventRequest struct {
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	SourceID  string         `json:"source_id"`
	Contact   string         `json:"contact"`
	ContactID string         `json:"contact_id"`
	Priority  string         `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

func (req eventRequest) event() (event.Event, error) {
	opts := []event.Option{
		event.WithContact(req.Contact, req.ContactID),
		event.WithTimestamp(req.Timestamp),
		event.WithMetadata(req.Metadata),
	}
	if p := event.Priority(strings.ToLower(req.Priority)); p != event.PriorityNone {
		opts = append(opts, event.WithPriority(p))
	}
	return event.New(req.Type, req.Content, req.SourceID, opts...)
}

func validPriority(p string) bool {
	switch event.Priority(strings.ToLower(p)) {
	case event.PriorityNone, event.PriorityLow, event.PriorityMedium, event.PriorityHigh:
		return true
	}
	return false
}

func (a *API) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decode(w, r, &req) {
		return
	}
	if !validPriority(req.Priority) {
		writeError(w, http.StatusBadRequest, "priority must be low, medium or high")
		return
	}
	ev, err := req.event()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("sentinel.event.type", ev.Type),
		attribute.String("sentinel.event.source_id", ev.SourceID),
	)

	outcome, err := a.pipeline.Handle(r.Context(), ev)
	span.SetAttributes(attribute.String("sentinel.event.outcome", string(outcome)))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"outcome": string(outcome),
			"error":   "pipeline run failed",
		})
		return
	}

	status := http.StatusOK
	if outcome == pipeline.OutcomeQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]string{"outcome": string(outcome)})
}

type askRequest struct {
	Question string `json:"question"`
	Contact  string `json:"contact"`
}

func (a *API) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	resp, err := a.pipeline.Ask(r.Context(), req.Question, req.Contact)
	if err != nil {
		a.logger.Error(r.Context(), err, "ask failed", "contact", req.Contact)
		writeError(w, http.StatusBadGateway, "pipeline run failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAlertLimit)
	}

	alerts, err := a.alerts.OpenAlerts(r.Context(), limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list alerts")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if alerts == nil {
		alerts = []*pipeline.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleFlushDigest(w http.ResponseWriter, r *http.Request) {
	sent := a.digest.Flush(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"sent": sent})
}
