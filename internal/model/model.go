package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// NotificationOffset is how long before an occurrence a reminder fires.
type NotificationOffset string

const (
	NotifyNone NotificationOffset = "none"
	Notify15m  NotificationOffset = "15m"
	Notify1h   NotificationOffset = "1h"
	Notify1d   NotificationOffset = "1d"
)

// OccurrenceLen is the fixed duration of every occurrence.
const OccurrenceLen = time.Hour

// RecurrenceType is the step between two occurrences of a series.
type RecurrenceType string

const (
	Daily   RecurrenceType = "daily"
	Weekly  RecurrenceType = "weekly"
	Monthly RecurrenceType = "monthly"
)

// EndType selects which bound terminates a series.
type EndType string

const (
	EndOnDate EndType = "onDate"
	EndAfter  EndType = "after"
	EndNever  EndType = "never"
)

// Organization is the tenant that owns every other record.
type Organization struct {
	ID   string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name string `json:"name"`
}

// Collaborator is a member of an organization events can be assigned to.
type Collaborator struct {
	ID             string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrganizationID string `json:"organizationId" gorm:"index;type:varchar(36)"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	Registration   string `json:"registration"`
	// Permissions is "user" or "admin".
	Permissions string `json:"permissions"`
}

// RecurrenceEnd bounds a series. On the wire Value is a date string for
// onDate, a number for after and absent for never.
type RecurrenceEnd struct {
	Type  EndType
	Date  string
	Count int
}

type recurrenceEndWire struct {
	Type  EndType         `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (e RecurrenceEnd) MarshalJSON() ([]byte, error) {
	w := recurrenceEndWire{Type: e.Type}
	switch e.Type {
	case EndOnDate:
		w.Value, _ = json.Marshal(e.Date)
	case EndAfter:
		w.Value = json.RawMessage(strconv.Itoa(e.Count))
	}
	return json.Marshal(w)
}

func (e *RecurrenceEnd) UnmarshalJSON(data []byte) error {
	var w recurrenceEndWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = RecurrenceEnd{Type: w.Type}
	if len(w.Value) == 0 || string(w.Value) == "null" {
		return nil
	}
	switch w.Type {
	case EndOnDate:
		return json.Unmarshal(w.Value, &e.Date)
	case EndAfter:
		// Form inputs sometimes deliver the count as a string.
		if err := json.Unmarshal(w.Value, &e.Count); err == nil {
			return nil
		}
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return fmt.Errorf("recurrence end: invalid count %s", w.Value)
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("recurrence end: invalid count %q", s)
		}
		e.Count = n
	}
	return nil
}

// Recurrence is the repeat rule of a BaseEvent.
type Recurrence struct {
	Type RecurrenceType `json:"type"`
	End  RecurrenceEnd  `json:"end"`
}

func (r *Recurrence) UnmarshalJSON(data []byte) error {
	// endDate is how older documents stored an inclusive end bound.
	var w struct {
		Type    RecurrenceType `json:"type"`
		End     *RecurrenceEnd `json:"end"`
		EndDate string         `json:"endDate"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Type = w.Type
	switch {
	case w.End != nil:
		r.End = *w.End
	case w.EndDate != "":
		r.End = RecurrenceEnd{Type: EndOnDate, Date: w.EndDate}
	default:
		r.End = RecurrenceEnd{Type: EndNever}
	}
	return nil
}

// BaseEvent is a stored scheduling rule: a one-off event or the anchor of
// a recurring series.
type BaseEvent struct {
	ID                   string             `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrganizationID       string             `json:"organizationId" gorm:"index;type:varchar(36)"`
	Title                string             `json:"title"`
	Description          string             `json:"description,omitempty"`
	Time                 string             `json:"time"`
	Date                 string             `json:"date"`
	AssignedCollaborator string             `json:"assignedCollaborator"`
	Notification         NotificationOffset `json:"notification"`
	Recurrence           *Recurrence        `json:"recurrence" gorm:"serializer:json"`
}

// EventPatch holds the per-occurrence overrides of an exception. Nil
// fields keep the base value. The date is deliberately not patchable.
type EventPatch struct {
	Title                *string             `json:"title,omitempty"`
	Description          *string             `json:"description,omitempty"`
	Time                 *string             `json:"time,omitempty"`
	AssignedCollaborator *string             `json:"assignedCollaborator,omitempty"`
	Notification         *NotificationOffset `json:"notification,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p *EventPatch) IsEmpty() bool {
	return p == nil || (p.Title == nil && p.Description == nil && p.Time == nil &&
		p.AssignedCollaborator == nil && p.Notification == nil)
}

// ApplyTo returns a copy of ev with the patch fields overlaid.
func (p *EventPatch) ApplyTo(ev BaseEvent) BaseEvent {
	if p == nil {
		return ev
	}
	if p.Title != nil {
		ev.Title = *p.Title
	}
	if p.Description != nil {
		ev.Description = *p.Description
	}
	if p.Time != nil {
		ev.Time = *p.Time
	}
	if p.AssignedCollaborator != nil {
		ev.AssignedCollaborator = *p.AssignedCollaborator
	}
	if p.Notification != nil {
		ev.Notification = *p.Notification
	}
	return ev
}

// Merge overlays other on top of p; fields set in other win.
func (p *EventPatch) Merge(other *EventPatch) *EventPatch {
	out := &EventPatch{}
	if p != nil {
		*out = *p
	}
	if other == nil {
		return out
	}
	if other.Title != nil {
		out.Title = other.Title
	}
	if other.Description != nil {
		out.Description = other.Description
	}
	if other.Time != nil {
		out.Time = other.Time
	}
	if other.AssignedCollaborator != nil {
		out.AssignedCollaborator = other.AssignedCollaborator
	}
	if other.Notification != nil {
		out.Notification = other.Notification
	}
	return out
}

// ExceptionRecord overrides or suppresses one occurrence of a base event.
// OriginalDate is the date the rule produced, not any edited value.
type ExceptionRecord struct {
	ID           string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	BaseEventID  string      `json:"baseEventId" gorm:"uniqueIndex:idx_exception_occurrence;type:varchar(36)"`
	OriginalDate string      `json:"originalDate" gorm:"uniqueIndex:idx_exception_occurrence;type:varchar(10)"`
	Deleted      bool        `json:"deleted"`
	ModifiedData *EventPatch `json:"modifiedData,omitempty" gorm:"serializer:json"`
}

// VirtualEvent is one materialized occurrence. It is rebuilt on every
// expansion and never persisted.
type VirtualEvent struct {
	BaseEvent
	BaseEventID string `json:"baseEventId"`
	VirtualDate string `json:"virtualDate"`
}

// Start returns the occurrence start as a wall-clock time in loc.
func (v VirtualEvent) Start(loc *time.Location) (time.Time, error) {
	return CombineDateTime(v.VirtualDate, v.Time, loc)
}

// Notification is a reminder synthesized for an occurrence or a task.
type Notification struct {
	ID      string `json:"id"`
	EventID string `json:"eventId"`
	Title   string `json:"title"`
	Time    string `json:"time"`
	Date    string `json:"date"`
	Message string `json:"message"`
}

// TaskStatus is the column of a task on the board.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in-progress"
	TaskDone       TaskStatus = "done"
)

// Task is a to-do item owned by an organization.
type Task struct {
	ID             string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrganizationID string     `json:"organizationId" gorm:"index;type:varchar(36)"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	AssignedTo     string     `json:"assignedTo"`
	DueDate        string     `json:"dueDate"`
	Status         TaskStatus `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskDone:
		return true
	}
	return false
}
