package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"orgcal/internal/ics"
	appLog "orgcal/internal/log"
	"orgcal/internal/model"
	"orgcal/internal/notify"
	"orgcal/internal/orchestrator"
)

// maxEventsSpanDays bounds ad hoc expansions.
const maxEventsSpanDays = 366

// snapshot returns the current snapshot of the organization, building it
// on demand when the orchestrator has none yet.
func (s *Server) snapshot(r *http.Request) (*orchestrator.Snapshot, error) {
	orgID := chi.URLParam(r, "orgID")
	if snap, ok := s.orch.Snapshot(orgID); ok {
		return snap, nil
	}
	return s.orch.Refresh(r.Context(), orgID)
}

// handleSchedule returns the materialized window of the organization.
//
// GET /api/orgs/{orgID}/schedule
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r)
	if err != nil {
		s.fail(w, "schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEvents expands an arbitrary date range.
//
// GET /api/orgs/{orgID}/events?start=2024-01-01&end=2024-01-31
//   - start, end: inclusive dates, default to the rolling window
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	start, end, err := s.parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := orgID + "|" + model.FormatDate(start) + "|" + model.FormatDate(end)
	now := time.Now()

	s.eventsMu.RLock()
	ec, ok := s.eventsCache[key]
	s.eventsMu.RUnlock()
	if ok && now.Sub(ec.updatedAt) < eventsCacheTTL {
		s.metrics.CacheHit()
		writeJSON(w, http.StatusOK, ec.snap)
		return
	}
	s.metrics.CacheMiss()

	appLog.Debug("api events request",
		"org", orgID,
		"range_start", model.FormatDate(start),
		"range_end", model.FormatDate(end),
	)

	snap, err := s.orch.Build(r.Context(), orgID, start, end)
	if err != nil {
		s.fail(w, "expand events", err)
		return
	}

	s.eventsMu.Lock()
	s.eventsCache[key] = eventsCache{orgID: orgID, snap: snap, updatedAt: time.Now()}
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) parseRange(r *http.Request) (time.Time, time.Time, error) {
	start, end := s.orch.Window(s.orch.Now())

	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		d, err := model.ParseDate(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
		}
		start = d
	}
	if v := q.Get("end"); v != "" {
		d, err := model.ParseDate(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
		}
		end = d
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is before start %s", model.FormatDate(end), model.FormatDate(start))
	}
	if end.Sub(start) > maxEventsSpanDays*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("range exceeds %d days", maxEventsSpanDays)
	}
	return start, end, nil
}

func (s *Server) invalidateEvents(orgID string) {
	s.eventsMu.Lock()
	for key, ec := range s.eventsCache {
		if ec.orgID == orgID {
			delete(s.eventsCache, key)
		}
	}
	s.eventsMu.Unlock()
}

type notificationsResponse struct {
	At            time.Time            `json:"at"`
	Notifications []model.Notification `json:"notifications"`
}

// handleNotifications lists the reminders due right now. It does not mark
// anything as delivered.
//
// GET /api/orgs/{orgID}/notifications?at=2024-01-01T09:45
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	now := s.orch.Now()
	if v := r.URL.Query().Get("at"); v != "" {
		at, err := parseInstant(v, s.orch.Location())
		if err != nil {
			writeError(w, http.StatusBadRequest, "at: "+err.Error())
			return
		}
		now = at
	}

	snap, err := s.snapshot(r)
	if err != nil {
		s.fail(w, "notifications", err)
		return
	}

	due := notify.CheckUpcoming(snap.Events, now)
	due = append(due, notify.CheckTasksDue(snap.Tasks, now)...)
	writeJSON(w, http.StatusOK, notificationsResponse{At: now, Notifications: due})
}

// parseInstant accepts RFC 3339 or a local "2006-01-02T15:04" wall time.
func parseInstant(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(loc), nil
	}
	return time.ParseInLocation("2006-01-02T15:04", v, loc)
}

// handleCalendar exports the current window as an iCalendar feed.
//
// GET /api/orgs/{orgID}/calendar.ics
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r)
	if err != nil {
		s.fail(w, "calendar export", err)
		return
	}
	org := orgFrom(r)

	body := ics.Export(org.Name, snap.Events, s.orch.Now())

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s.ics"`, safeFilename(org.Name, org.ID)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func safeFilename(name, fallback string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		}
		return -1
	}, name)
	if clean == "" {
		return fallback
	}
	return clean
}
