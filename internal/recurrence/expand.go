package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "orgcal/internal/log"
	"orgcal/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// Exceptions indexes exception records by base event id, then by the
// original occurrence date (YYYY-MM-DD). A missing inner map means the
// event has no exceptions.
type Exceptions map[string]map[string]model.ExceptionRecord

// IndexExceptions builds an Exceptions index. Later records win for the
// same occurrence.
func IndexExceptions(records []model.ExceptionRecord) Exceptions {
	idx := make(Exceptions)
	for _, rec := range records {
		byDate, ok := idx[rec.BaseEventID]
		if !ok {
			byDate = make(map[string]model.ExceptionRecord)
			idx[rec.BaseEventID] = byDate
		}
		byDate[rec.OriginalDate] = rec
	}
	return idx
}

func (x Exceptions) lookup(eventID, date string) (model.ExceptionRecord, bool) {
	if x == nil {
		return model.ExceptionRecord{}, false
	}
	rec, ok := x[eventID][date]
	return rec, ok
}

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive window. Only their
	// calendar dates are used.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps the occurrences emitted for one base
	// event. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the expanded occurrences and what went wrong on the way.
type ExpandResult struct {
	Events []model.VirtualEvent
	// TruncatedEvents records base event ids that hit MaxOccurrencesPerEvent.
	TruncatedEvents []string
	// Errors holds one *MalformedEventError per skipped or stopped event.
	Errors []error
}

// Expand materializes the occurrences of events visible in the window:
//
//   - a one-off event yields its single occurrence if its date is in range
//   - a recurring event is walked from its anchor date, step by step
//   - exceptions delete or patch individual occurrences by original date
//
// The result lists each event's occurrences in ascending date order,
// events in input order. Use SortChronological for a merged timeline.
// Inputs are not modified.
func Expand(events []model.BaseEvent, exceptions Exceptions, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	start := model.DateOf(cfg.RangeStart)
	end := model.DateOf(cfg.RangeEnd)

	result.Events = make([]model.VirtualEvent, 0, len(events))

	for _, ev := range events {
		occ, hitCap, err := expandEvent(ev, exceptions, start, end, cfg.MaxOccurrencesPerEvent)
		result.Events = append(result.Events, occ...)

		if err != nil {
			result.Errors = append(result.Errors, err)
			appLog.Warn("expand: malformed event", "event_id", ev.ID, "reason", err.Error())
		}
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.ID)
			appLog.Warn("expand: truncated occurrences due to cap",
				"event_id", ev.ID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	return result, nil
}

func expandEvent(ev model.BaseEvent, exceptions Exceptions, start, end time.Time, limit int) ([]model.VirtualEvent, bool, error) {
	anchor, err := validate(ev)
	if err != nil {
		return nil, false, err
	}

	if ev.Recurrence == nil {
		if anchor.Before(start) || anchor.After(end) {
			return nil, false, nil
		}
		exc, ok := exceptions.lookup(ev.ID, ev.Date)
		if ok && exc.Deleted {
			return nil, false, nil
		}
		var patch *model.EventPatch
		if ok {
			patch = exc.ModifiedData
		}
		return []model.VirtualEvent{materialize(ev, ev.Date, false, patch)}, false, nil
	}

	out := make([]model.VirtualEvent, 0)
	hitCap := false

	walkErr := walk(ev, anchor, end, func(cur time.Time, _ int) bool {
		if cur.Before(start) {
			return true
		}
		date := model.FormatDate(cur)
		exc, ok := exceptions.lookup(ev.ID, date)
		if ok && exc.Deleted {
			return true
		}
		if len(out) >= limit {
			hitCap = true
			return false
		}
		var patch *model.EventPatch
		if ok {
			patch = exc.ModifiedData
		}
		out = append(out, materialize(ev, date, true, patch))
		return true
	})

	return out, hitCap, walkErr
}

// validate checks the fields expansion depends on and returns the anchor.
func validate(ev model.BaseEvent) (time.Time, error) {
	anchor, err := model.ParseDate(ev.Date)
	if err != nil {
		return time.Time{}, malformed(ev.ID, "date", fmt.Errorf("%w: %v", ErrMissingField, err))
	}
	if _, err := model.ParseClock(ev.Time); err != nil {
		return time.Time{}, malformed(ev.ID, "time", fmt.Errorf("%w: %v", ErrMissingField, err))
	}
	return anchor, nil
}

// walk steps through the rule of ev from anchor, calling visit with each
// occurrence date and its zero-based step index. It stops past limitEnd,
// past the rule's own end bound, after the `after` count, or when visit
// returns false. Every step counts toward `after`, whether or not the
// caller keeps it.
//
// An unknown recurrence type visits the anchor only and returns an error.
func walk(ev model.BaseEvent, anchor, limitEnd time.Time, visit func(time.Time, int) bool) error {
	rec := ev.Recurrence

	var until time.Time
	count := 0
	switch rec.End.Type {
	case model.EndOnDate:
		d, err := model.ParseDate(rec.End.Date)
		if err != nil {
			return malformed(ev.ID, "recurrence.end", fmt.Errorf("%w: %v", ErrInvalidRecurrence, err))
		}
		until = d
	case model.EndAfter:
		if rec.End.Count <= 0 {
			return malformed(ev.ID, "recurrence.end", fmt.Errorf("%w: count %d", ErrInvalidRecurrence, rec.End.Count))
		}
		count = rec.End.Count
	case model.EndNever, "":
	default:
		return malformed(ev.ID, "recurrence.end", fmt.Errorf("%w: type %q", ErrInvalidRecurrence, rec.End.Type))
	}

	next, stepErr := newStepper(rec.Type, anchor)

	cur := anchor
	for step := 0; ; step++ {
		if cur.After(limitEnd) {
			break
		}
		if !until.IsZero() && cur.After(until) {
			break
		}
		if count > 0 && step >= count {
			break
		}
		if !visit(cur, step) {
			break
		}
		if next == nil {
			break
		}
		n, ok := next()
		if !ok {
			break
		}
		cur = n
	}

	if stepErr != nil {
		return malformed(ev.ID, "recurrence.type", stepErr)
	}
	return nil
}

type stepFunc func() (time.Time, bool)

// newStepper returns a generator of the occurrence dates after anchor.
//
// Daily and weekly steps come from an RRULE iterator. Monthly steps use
// native month arithmetic instead of RFC 5545 semantics: a day that does
// not exist in the next month rolls over (Jan 31 -> Mar 3 in a non-leap
// year) and the drift carries into later steps.
func newStepper(typ model.RecurrenceType, anchor time.Time) (stepFunc, error) {
	switch typ {
	case model.Daily, model.Weekly:
		freq := rrule.DAILY
		if typ == model.Weekly {
			freq = rrule.WEEKLY
		}
		r, err := rrule.NewRRule(rrule.ROption{Freq: freq, Dtstart: anchor})
		if err != nil {
			return nil, err
		}
		it := r.Iterator()
		// The first value is the anchor itself.
		if _, ok := it(); !ok {
			return nil, fmt.Errorf("rrule produced no occurrences for %s", model.FormatDate(anchor))
		}
		return stepFunc(it), nil
	case model.Monthly:
		cur := anchor
		return func() (time.Time, bool) {
			cur = cur.AddDate(0, 1, 0)
			return cur, true
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecurrence, typ)
	}
}

// OccurrenceID is the stable per-occurrence key shared by expansion,
// conflict detection and notifications.
func OccurrenceID(baseEventID, date string, recurring bool) string {
	if !recurring {
		return baseEventID
	}
	return baseEventID + "_" + date
}

func materialize(ev model.BaseEvent, date string, recurring bool, patch *model.EventPatch) model.VirtualEvent {
	merged := patch.ApplyTo(ev)
	merged.ID = OccurrenceID(ev.ID, date, recurring)
	if ev.Recurrence != nil {
		rec := *ev.Recurrence
		merged.Recurrence = &rec
	}
	return model.VirtualEvent{
		BaseEvent:   merged,
		BaseEventID: ev.ID,
		VirtualDate: date,
	}
}

// SortChronological orders occurrences by date, start time, then id.
// Occurrences with an unparseable time sort last within their date.
func SortChronological(events []model.VirtualEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.VirtualDate != b.VirtualDate {
			return a.VirtualDate < b.VirtualDate
		}
		ma, errA := model.ParseClock(a.Time)
		mb, errB := model.ParseClock(b.Time)
		switch {
		case errA != nil && errB != nil:
		case errA != nil:
			return false
		case errB != nil:
			return true
		case ma != mb:
			return ma < mb
		}
		return a.ID < b.ID
	})
}
