// Package api exposes the pipeline and deadline management over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sentinel/internal/deadline"
	"github.com/linnemanlabs/sentinel/internal/event"
	"github.com/linnemanlabs/sentinel/internal/pipeline"
)

// Pipeline runs events and questions.
type Pipeline interface {
	Handle(ctx context.Context, ev event.Event) (pipeline.Outcome, error)
	Ask(ctx context.Context, question, contact string) (*pipeline.Response, error)
}

// AlertLister reads persisted open alerts.
type AlertLister interface {
	OpenAlerts(ctx context.Context, limit int) ([]*pipeline.Alert, error)
}

// Deadlines is the deadline and VIP management surface.
type Deadlines interface {
	List(ctx context.Context, statuses ...deadline.Status) ([]*deadline.Deadline, error)
	Dismiss(ctx context.Context, text string) (*deadline.Deadline, error)
	Complete(ctx context.Context, text string) (*deadline.Deadline, error)
	Confirm(ctx context.Context, text, date string) (*deadline.Deadline, error)
	VIPs(ctx context.Context) ([]deadline.VIP, error)
	AddVIP(ctx context.Context, v deadline.VIP) (*deadline.VIP, error)
	RemoveVIP(ctx context.Context, name string) (bool, error)
}

// Digest flushes the pending alert digest.
type Digest interface {
	Flush(ctx context.Context) bool
}

const (
	defaultAlertLimit = 20
	maxAlertLimit     = 200
	maxBodyBytes      = 1 << 20
)

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	pipeline  Pipeline
	alerts    AlertLister
	deadlines Deadlines
	digest    Digest
	token     string
}

// New creates a new API handler. Every route requires the bearer token.
func New(logger log.Logger, token string, p Pipeline, alerts AlertLister, d Deadlines, digest Digest) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if p == nil {
		panic(xerrors.New("pipeline is required"))
	}
	if alerts == nil {
		panic(xerrors.New("alert lister is required"))
	}
	if d == nil {
		panic(xerrors.New("deadline service is required"))
	}
	if digest == nil {
		panic(xerrors.New("digest is required"))
	}
	if token == "" {
		panic(xerrors.New("api token is required"))
	}
	return &API{
		logger:    logger,
		pipeline:  p,
		alerts:    alerts,
		deadlines: d,
		digest:    digest,
		token:     token,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerToken(a.token))

		r.Post("/events", a.handleEvent)
		r.Post("/ask", a.handleAsk)
		r.Get("/alerts", a.handleListAlerts)
		r.Post("/digest/flush", a.handleFlushDigest)

		r.Route("/deadlines", func(r chi.Router) {
			r.Get("/", a.handleListDeadlines)
			r.Post("/dismiss", a.handleDismiss)
			r.Post("/complete", a.handleComplete)
			r.Post("/confirm", a.handleConfirm)
		})

		r.Route("/vips", func(r chi.Router) {
			r.Get("/", a.handleListVIPs)
			r.Post("/", a.handleAddVIP)
			r.Delete("/{name}", a.handleRemoveVIP)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}
