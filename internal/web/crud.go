package web

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"orgcal/internal/model"
	"orgcal/internal/store"
)

// Organizations

func (s *Server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	orgs, err := s.store.FetchOrganizations(r.Context())
	if err != nil {
		s.fail(w, "list organizations", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(orgs))
}

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var org model.Organization
	if !decodeJSON(w, r, &org) {
		return
	}
	org.Name = strings.TrimSpace(org.Name)
	if org.Name == "" {
		s.fail(w, "create organization", invalid("name", "is required"))
		return
	}
	org.ID = ""
	if err := s.store.CreateOrganization(r.Context(), &org); err != nil {
		s.fail(w, "create organization", err)
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orgFrom(r))
}

// Collaborators

func (s *Server) handleListCollaborators(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListCollaborators(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		s.fail(w, "list collaborators", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) handleCreateCollaborator(w http.ResponseWriter, r *http.Request) {
	var c model.Collaborator
	if !decodeJSON(w, r, &c) {
		return
	}
	c.ID = ""
	c.OrganizationID = chi.URLParam(r, "orgID")
	if err := validateCollaborator(&c); err != nil {
		s.fail(w, "create collaborator", err)
		return
	}
	if err := s.store.SaveCollaborator(r.Context(), &c); err != nil {
		s.fail(w, "create collaborator", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCollaborator(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCollaborator(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "get collaborator", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateCollaborator(w http.ResponseWriter, r *http.Request) {
	orgID, id := chi.URLParam(r, "orgID"), chi.URLParam(r, "id")
	if _, err := s.store.GetCollaborator(r.Context(), orgID, id); err != nil {
		s.fail(w, "update collaborator", err)
		return
	}
	var c model.Collaborator
	if !decodeJSON(w, r, &c) {
		return
	}
	c.ID, c.OrganizationID = id, orgID
	if err := validateCollaborator(&c); err != nil {
		s.fail(w, "update collaborator", err)
		return
	}
	if err := s.store.SaveCollaborator(r.Context(), &c); err != nil {
		s.fail(w, "update collaborator", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCollaborator(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCollaborator(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "id")); err != nil {
		s.fail(w, "delete collaborator", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateCollaborator(c *model.Collaborator) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return invalid("name", "is required")
	}
	switch c.Permissions {
	case "":
		c.Permissions = "user"
	case "user", "admin":
	default:
		return invalid("permissions", `must be "user" or "admin"`)
	}
	return nil
}

// Base events

func (s *Server) handleListBaseEvents(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.FetchBaseEvents(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		s.fail(w, "list base events", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) handleCreateBaseEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.BaseEvent
	if !decodeJSON(w, r, &ev) {
		return
	}
	ev.ID = ""
	ev.OrganizationID = chi.URLParam(r, "orgID")
	if err := s.validateBaseEvent(r.Context(), &ev); err != nil {
		s.fail(w, "create base event", err)
		return
	}
	if err := s.store.SaveBaseEvent(r.Context(), &ev); err != nil {
		s.fail(w, "create base event", err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleGetBaseEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.GetBaseEvent(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "get base event", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleUpdateBaseEvent replaces the whole series. Exceptions stay keyed
// by their original dates.
func (s *Server) handleUpdateBaseEvent(w http.ResponseWriter, r *http.Request) {
	orgID, id := chi.URLParam(r, "orgID"), chi.URLParam(r, "id")
	if _, err := s.store.GetBaseEvent(r.Context(), orgID, id); err != nil {
		s.fail(w, "update base event", err)
		return
	}
	var ev model.BaseEvent
	if !decodeJSON(w, r, &ev) {
		return
	}
	ev.ID, ev.OrganizationID = id, orgID
	if err := s.validateBaseEvent(r.Context(), &ev); err != nil {
		s.fail(w, "update base event", err)
		return
	}
	if err := s.store.SaveBaseEvent(r.Context(), &ev); err != nil {
		s.fail(w, "update base event", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleDeleteBaseEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteBaseEvent(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "id")); err != nil {
		s.fail(w, "delete base event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	orgID, id := chi.URLParam(r, "orgID"), chi.URLParam(r, "id")
	if _, err := s.store.GetBaseEvent(r.Context(), orgID, id); err != nil {
		s.fail(w, "list exceptions", err)
		return
	}
	out, err := s.store.FetchExceptions(r.Context(), orgID, id)
	if err != nil {
		s.fail(w, "list exceptions", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

// validateBaseEvent normalizes ev and rejects what the expander could not
// materialize.
func (s *Server) validateBaseEvent(ctx context.Context, ev *model.BaseEvent) error {
	ev.Title = strings.TrimSpace(ev.Title)
	if ev.Title == "" {
		return invalid("title", "is required")
	}
	if _, err := model.ParseDate(ev.Date); err != nil {
		return invalid("date", "must be YYYY-MM-DD")
	}
	if _, err := model.ParseClock(ev.Time); err != nil {
		return invalid("time", "must be HH:MM")
	}
	if ev.Notification == "" {
		ev.Notification = model.NotifyNone
	}
	if !validOffset(ev.Notification) {
		return invalid("notification", `must be one of "none", "15m", "1h", "1d"`)
	}
	if err := s.validateAssignee(ctx, ev.OrganizationID, ev.AssignedCollaborator); err != nil {
		return err
	}

	rec := ev.Recurrence
	if rec == nil {
		return nil
	}
	switch rec.Type {
	case model.Daily, model.Weekly, model.Monthly:
	default:
		return invalid("recurrence.type", `must be "daily", "weekly" or "monthly"`)
	}
	switch rec.End.Type {
	case "":
		rec.End = model.RecurrenceEnd{Type: model.EndNever}
	case model.EndNever:
		rec.End = model.RecurrenceEnd{Type: model.EndNever}
	case model.EndOnDate:
		if _, err := model.ParseDate(rec.End.Date); err != nil {
			return invalid("recurrence.end", "onDate needs a YYYY-MM-DD value")
		}
		if rec.End.Date < ev.Date {
			return invalid("recurrence.end", "ends before the event starts")
		}
	case model.EndAfter:
		if rec.End.Count < 1 {
			return invalid("recurrence.end", "after needs a positive count")
		}
	default:
		return invalid("recurrence.end", `type must be "onDate", "after" or "never"`)
	}
	return nil
}

// validateAssignee accepts "" as unassigned and otherwise requires a
// collaborator of the organization.
func (s *Server) validateAssignee(ctx context.Context, orgID, id string) error {
	if id == "" {
		return nil
	}
	if _, err := s.store.GetCollaborator(ctx, orgID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invalid("assignedCollaborator", "unknown collaborator")
		}
		return err
	}
	return nil
}

func validOffset(o model.NotificationOffset) bool {
	switch o {
	case model.NotifyNone, model.Notify15m, model.Notify1h, model.Notify1d:
		return true
	}
	return false
}

// Tasks

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.FetchTasks(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		s.fail(w, "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var task model.Task
	if !decodeJSON(w, r, &task) {
		return
	}
	task.ID = ""
	task.OrganizationID = chi.URLParam(r, "orgID")
	if err := s.validateTask(r.Context(), &task); err != nil {
		s.fail(w, "create task", err)
		return
	}
	if err := s.store.SaveTask(r.Context(), &task); err != nil {
		s.fail(w, "create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	orgID, id := chi.URLParam(r, "orgID"), chi.URLParam(r, "id")
	existing, err := s.store.GetTask(r.Context(), orgID, id)
	if err != nil {
		s.fail(w, "update task", err)
		return
	}
	var task model.Task
	if !decodeJSON(w, r, &task) {
		return
	}
	task.ID, task.OrganizationID = id, orgID
	task.CreatedAt = existing.CreatedAt
	if err := s.validateTask(r.Context(), &task); err != nil {
		s.fail(w, "update task", err)
		return
	}
	if err := s.store.SaveTask(r.Context(), &task); err != nil {
		s.fail(w, "update task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "id")); err != nil {
		s.fail(w, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) validateTask(ctx context.Context, task *model.Task) error {
	task.Title = strings.TrimSpace(task.Title)
	if task.Title == "" {
		return invalid("title", "is required")
	}
	if task.Status == "" {
		task.Status = model.TaskTodo
	}
	if !model.ValidStatus(task.Status) {
		return invalid("status", `must be "todo", "in-progress" or "done"`)
	}
	if task.DueDate != "" {
		if _, err := model.ParseDate(task.DueDate); err != nil {
			return invalid("dueDate", "must be YYYY-MM-DD")
		}
	}
	return s.validateAssignee(ctx, task.OrganizationID, task.AssignedTo)
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
