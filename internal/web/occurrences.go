package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"orgcal/internal/model"
	"orgcal/internal/recurrence"
	"orgcal/internal/store"
)

const (
	scopeOne    = "one"
	scopeFuture = "future"
)

// splitResponse describes a series split at an occurrence. Head is nil
// when the split date was the anchor and the whole series changed.
type splitResponse struct {
	Head *model.BaseEvent `json:"head"`
	Tail model.BaseEvent  `json:"tail"`
}

// occurrenceTarget resolves the base event, the original date and the
// scope of an occurrence request. It writes the error response itself.
func (s *Server) occurrenceTarget(w http.ResponseWriter, r *http.Request) (*model.BaseEvent, string, string, bool) {
	scope := r.URL.Query().Get("scope")
	switch scope {
	case "":
		scope = scopeOne
	case scopeOne, scopeFuture:
	default:
		writeError(w, http.StatusBadRequest, `scope must be "one" or "future"`)
		return nil, "", "", false
	}

	d, err := model.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, "", "", false
	}
	date := model.FormatDate(d)

	ev, err := s.store.GetBaseEvent(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "load base event", err)
		return nil, "", "", false
	}
	if !recurrence.IsOccurrence(*ev, date) {
		writeError(w, http.StatusNotFound, recurrence.ErrNotAnOccurrence.Error())
		return nil, "", "", false
	}
	if scope == scopeFuture && ev.Recurrence == nil {
		writeError(w, http.StatusBadRequest, "scope future needs a recurring event")
		return nil, "", "", false
	}
	return ev, date, scope, true
}

// handleListOccurrences lists the dates the rule of a base event produces,
// ignoring its exceptions. These are the dates the occurrence routes accept.
//
// GET /api/orgs/{orgID}/base-events/{id}/occurrences?start=2024-01-01&end=2024-01-31
func (s *Server) handleListOccurrences(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := s.store.GetBaseEvent(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "list occurrences", err)
		return
	}
	dates, err := recurrence.OccurrenceDates(*ev, start, end)
	if err != nil {
		s.fail(w, "list occurrences", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(dates))
}

// handleEditOccurrence changes one occurrence, or it and all later ones.
//
// PUT /api/orgs/{orgID}/base-events/{id}/occurrences/{date}?scope=one|future
//   - body: the fields to change; the date itself cannot be changed
func (s *Server) handleEditOccurrence(w http.ResponseWriter, r *http.Request) {
	ev, date, scope, ok := s.occurrenceTarget(w, r)
	if !ok {
		return
	}
	var patch model.EventPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	if err := s.validatePatch(r, ev.OrganizationID, &patch); err != nil {
		s.fail(w, "edit occurrence", err)
		return
	}
	ctx := r.Context()

	if scope == scopeOne {
		existing, err := s.store.GetException(ctx, ev.ID, date)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.fail(w, "edit occurrence", err)
			return
		}
		rec, err := recurrence.EditOccurrence(*ev, date, &patch, existing)
		if err != nil {
			s.fail(w, "edit occurrence", err)
			return
		}
		if err := s.store.PutException(ctx, ev.OrganizationID, &rec); err != nil {
			s.fail(w, "edit occurrence", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	head, tail, err := recurrence.SplitSeries(*ev, date, &patch)
	if err != nil {
		s.fail(w, "split series", err)
		return
	}
	if head == nil {
		err = s.store.SaveBaseEvent(ctx, &tail)
	} else {
		err = s.store.SplitBaseEvent(ctx, ev.OrganizationID, ev.ID, head, &tail, date)
	}
	if err != nil {
		s.fail(w, "split series", err)
		return
	}
	writeJSON(w, http.StatusOK, splitResponse{Head: head, Tail: tail})
}

// handleDeleteOccurrence removes one occurrence, or it and all later ones.
//
// DELETE /api/orgs/{orgID}/base-events/{id}/occurrences/{date}?scope=one|future
func (s *Server) handleDeleteOccurrence(w http.ResponseWriter, r *http.Request) {
	ev, date, scope, ok := s.occurrenceTarget(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if scope == scopeOne {
		existing, err := s.store.GetException(ctx, ev.ID, date)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.fail(w, "delete occurrence", err)
			return
		}
		rec, err := recurrence.DeleteOccurrence(*ev, date, existing)
		if err != nil {
			s.fail(w, "delete occurrence", err)
			return
		}
		if err := s.store.PutException(ctx, ev.OrganizationID, &rec); err != nil {
			s.fail(w, "delete occurrence", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	head, err := recurrence.TruncateSeries(*ev, date)
	if err != nil {
		s.fail(w, "truncate series", err)
		return
	}
	if head == nil {
		err = s.store.DeleteBaseEvent(ctx, ev.OrganizationID, ev.ID)
	} else {
		err = s.store.SplitBaseEvent(ctx, ev.OrganizationID, ev.ID, head, nil, date)
	}
	if err != nil {
		s.fail(w, "truncate series", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) validatePatch(r *http.Request, orgID string, p *model.EventPatch) error {
	if p.IsEmpty() {
		return invalid("body", "nothing to change")
	}
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return invalid("title", "must not be empty")
		}
		p.Title = &title
	}
	if p.Time != nil {
		if _, err := model.ParseClock(*p.Time); err != nil {
			return invalid("time", "must be HH:MM")
		}
	}
	if p.Notification != nil && !validOffset(*p.Notification) {
		return invalid("notification", `must be one of "none", "15m", "1h", "1d"`)
	}
	if p.AssignedCollaborator != nil {
		return s.validateAssignee(r.Context(), orgID, *p.AssignedCollaborator)
	}
	return nil
}
