package recurrence

import (
	"errors"
	"fmt"
	"time"

	"orgcal/internal/model"
)

// OccurrenceDates lists the dates the rule of ev produces in [from, to],
// ignoring exceptions. A one-off event yields its date when in range.
func OccurrenceDates(ev model.BaseEvent, from, to time.Time) ([]string, error) {
	anchor, err := validate(ev)
	if err != nil {
		return nil, err
	}
	from, to = model.DateOf(from), model.DateOf(to)

	if ev.Recurrence == nil {
		if anchor.Before(from) || anchor.After(to) {
			return nil, nil
		}
		return []string{ev.Date}, nil
	}

	var dates []string
	err = walk(ev, anchor, to, func(cur time.Time, _ int) bool {
		if !cur.Before(from) {
			dates = append(dates, model.FormatDate(cur))
		}
		return true
	})
	return dates, err
}

// stepIndex returns the zero-based step at which the rule of ev produces
// date, or ErrNotAnOccurrence.
func stepIndex(ev model.BaseEvent, date string) (int, error) {
	anchor, err := validate(ev)
	if err != nil {
		return 0, err
	}
	target, err := model.ParseDate(date)
	if err != nil {
		return 0, err
	}
	if ev.Recurrence == nil {
		if target.Equal(anchor) {
			return 0, nil
		}
		return 0, ErrNotAnOccurrence
	}

	found := -1
	err = walk(ev, anchor, target, func(cur time.Time, step int) bool {
		if cur.Equal(target) {
			found = step
			return false
		}
		return true
	})
	if found >= 0 {
		return found, nil
	}
	if err != nil {
		return 0, err
	}
	return 0, ErrNotAnOccurrence
}

// IsOccurrence reports whether the rule of ev produces date.
func IsOccurrence(ev model.BaseEvent, date string) bool {
	_, err := stepIndex(ev, date)
	return err == nil
}

// EditOccurrence builds the exception that patches a single occurrence.
// An existing exception for the same occurrence is merged, not replaced.
func EditOccurrence(ev model.BaseEvent, originalDate string, patch *model.EventPatch, existing *model.ExceptionRecord) (model.ExceptionRecord, error) {
	if _, err := stepIndex(ev, originalDate); err != nil {
		return model.ExceptionRecord{}, err
	}
	rec := model.ExceptionRecord{BaseEventID: ev.ID, OriginalDate: originalDate}
	if existing != nil {
		rec.ID = existing.ID
		rec.ModifiedData = existing.ModifiedData.Merge(patch)
	} else {
		rec.ModifiedData = (*model.EventPatch)(nil).Merge(patch)
	}
	return rec, nil
}

// DeleteOccurrence builds the exception that suppresses a single occurrence.
func DeleteOccurrence(ev model.BaseEvent, originalDate string, existing *model.ExceptionRecord) (model.ExceptionRecord, error) {
	if _, err := stepIndex(ev, originalDate); err != nil {
		return model.ExceptionRecord{}, err
	}
	rec := model.ExceptionRecord{BaseEventID: ev.ID, OriginalDate: originalDate, Deleted: true}
	if existing != nil {
		rec.ID = existing.ID
	}
	return rec, nil
}

// SplitSeries implements "this and all future occurrences": the head keeps
// the occurrences before fromDate and the tail, anchored at fromDate with
// patch applied, continues the rule. An `after` budget is divided so both
// series together produce the same dates as before.
//
// head is nil when fromDate is the anchor, i.e. the whole series changes.
// The tail has an empty ID; the caller assigns one when storing it.
func SplitSeries(ev model.BaseEvent, fromDate string, patch *model.EventPatch) (*model.BaseEvent, model.BaseEvent, error) {
	if ev.Recurrence == nil {
		return nil, model.BaseEvent{}, errors.New("split: event is not recurring")
	}
	step, err := stepIndex(ev, fromDate)
	if err != nil {
		return nil, model.BaseEvent{}, err
	}

	tail := patch.ApplyTo(ev)
	tail.Recurrence = cloneRecurrence(ev.Recurrence)
	if step == 0 {
		return nil, tail, nil
	}

	tail.ID = ""
	tail.Date = fromDate
	if tail.Recurrence.End.Type == model.EndAfter {
		tail.Recurrence.End.Count -= step
	}

	head, err := endBefore(ev, fromDate)
	if err != nil {
		return nil, model.BaseEvent{}, err
	}
	return &head, tail, nil
}

// TruncateSeries implements "delete this and all future occurrences". It
// returns nil when fromDate is the anchor, i.e. the whole series goes.
func TruncateSeries(ev model.BaseEvent, fromDate string) (*model.BaseEvent, error) {
	step, err := stepIndex(ev, fromDate)
	if err != nil {
		return nil, err
	}
	if step == 0 {
		return nil, nil
	}
	head, err := endBefore(ev, fromDate)
	if err != nil {
		return nil, err
	}
	return &head, nil
}

func endBefore(ev model.BaseEvent, fromDate string) (model.BaseEvent, error) {
	d, err := model.ParseDate(fromDate)
	if err != nil {
		return model.BaseEvent{}, fmt.Errorf("split: %w", err)
	}
	head := ev
	head.Recurrence = cloneRecurrence(ev.Recurrence)
	head.Recurrence.End = model.RecurrenceEnd{
		Type: model.EndOnDate,
		Date: model.FormatDate(d.AddDate(0, 0, -1)),
	}
	return head, nil
}

func cloneRecurrence(r *model.Recurrence) *model.Recurrence {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
