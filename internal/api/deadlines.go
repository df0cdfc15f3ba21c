package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/sentinel/internal/deadline"
)

var knownStatuses = map[deadline.Status]bool{
	deadline.StatusPendingConfirm: true,
	deadline.StatusActive:         true,
	deadline.StatusDismissed:      true,
	deadline.StatusCompleted:      true,
	deadline.StatusExpired:        true,
}

// handleListDeadlines lists open deadlines, or those in the comma separated
// ?status= values.
func (a *API) handleListDeadlines(w http.ResponseWriter, r *http.Request) {
	var statuses []deadline.Status
	if s := r.URL.Query().Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			st := deadline.Status(strings.TrimSpace(part))
			if !knownStatuses[st] {
				writeError(w, http.StatusBadRequest, "unknown status "+string(st))
				return
			}
			statuses = append(statuses, st)
		}
	}

	list, err := a.deadlines.List(r.Context(), statuses...)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list deadlines")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []*deadline.Deadline{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadlines": list})
}

type deadlineAction struct {
	Text string `json:"text"`
	Date string `json:"date,omitempty"`
}

func (a *API) handleDismiss(w http.ResponseWriter, r *http.Request) {
	a.deadlineAction(w, r, func(ctx context.Context, req deadlineAction) (*deadline.Deadline, error) {
		return a.deadlines.Dismiss(ctx, req.Text)
	})
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	a.deadlineAction(w, r, func(ctx context.Context, req deadlineAction) (*deadline.Deadline, error) {
		return a.deadlines.Complete(ctx, req.Text)
	})
}

func (a *API) handleConfirm(w http.ResponseWriter, r *http.Request) {
	a.deadlineAction(w, r, func(ctx context.Context, req deadlineAction) (*deadline.Deadline, error) {
		return a.deadlines.Confirm(ctx, req.Text, req.Date)
	})
}

func (a *API) deadlineAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, deadlineAction) (*deadline.Deadline, error)) {
	var req deadlineAction
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	d, err := fn(r.Context(), req)
	switch {
	case errors.Is(err, deadline.ErrNotFound):
		writeError(w, http.StatusNotFound, "no open deadline matches "+req.Text)
	case errors.Is(err, deadline.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		a.logger.Error(r.Context(), err, "deadline action failed", "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, d)
	}
}

func (a *API) handleListVIPs(w http.ResponseWriter, r *http.Request) {
	vips, err := a.deadlines.VIPs(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list vips")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if vips == nil {
		vips = []deadline.VIP{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vips": vips})
}

func (a *API) handleAddVIP(w http.ResponseWriter, r *http.Request) {
	var v deadline.VIP
	if !decode(w, r, &v) {
		return
	}
	if strings.TrimSpace(v.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	v.ID = ""

	added, err := a.deadlines.AddVIP(r.Context(), v)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to add vip", "name", v.Name)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (a *API) handleRemoveVIP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ok, err := a.deadlines.RemoveVIP(r.Context(), name)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to remove vip", "name", name)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no vip matches "+name)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
