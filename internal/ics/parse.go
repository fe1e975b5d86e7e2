package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	appLog "orgcal/internal/log"
	"orgcal/internal/model"
)

// importNamespace seeds the deterministic ids of imported records, so
// importing the same feed twice updates instead of duplicating.
var importNamespace = uuid.MustParse("7c1f3a52-5a0e-4c39-9a55-0b8f2e4d6a10")

// Imported is what one ICS payload contributes to an organization.
type Imported struct {
	Events     []model.BaseEvent
	Exceptions []model.ExceptionRecord
	// Skipped holds one error per VEVENT that could not be mapped.
	Skipped []error
}

// EventID is the base event id an ICS UID maps to inside orgID.
func EventID(orgID, uid string) string {
	return uuid.NewSHA1(importNamespace, []byte(orgID+"\x00"+uid)).String()
}

func exceptionID(eventID, date string) string {
	return uuid.NewSHA1(importNamespace, []byte(eventID+"\x00"+date)).String()
}

// ParseBaseEvents maps the VEVENTs of body onto base events of orgID.
//
//   - DTSTART gives date and time, converted to loc unless floating;
//     all-day events start at 00:00
//   - RRULE FREQ=DAILY|WEEKLY|MONTHLY with UNTIL, COUNT or neither; other
//     frequencies, intervals or BY* parts skip the event
//   - EXDATE becomes deleted exceptions
//   - RECURRENCE-ID overrides become exceptions patching title,
//     description and time of that occurrence
func ParseBaseEvents(orgID string, body []byte, loc *time.Location) (Imported, error) {
	var out Imported
	if len(body) == 0 {
		return out, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("ics parse: %w", err)
	}

	var overrides []*ical.VEvent
	for _, ve := range cal.Events() {
		if ve.GetProperty("RECURRENCE-ID") != nil {
			overrides = append(overrides, ve)
			continue
		}
		ev, exdates, err := mapVEvent(orgID, ve, loc)
		if err != nil {
			out.Skipped = append(out.Skipped, err)
			appLog.Warn("ics import: vevent skipped", "org", orgID, "reason", err.Error())
			continue
		}
		out.Events = append(out.Events, ev)
		for _, d := range exdates {
			out.Exceptions = append(out.Exceptions, model.ExceptionRecord{
				ID:           exceptionID(ev.ID, d),
				BaseEventID:  ev.ID,
				OriginalDate: d,
				Deleted:      true,
			})
		}
	}

	for _, ve := range overrides {
		rec, err := mapOverride(orgID, ve, loc)
		if err != nil {
			out.Skipped = append(out.Skipped, err)
			appLog.Warn("ics import: override skipped", "org", orgID, "reason", err.Error())
			continue
		}
		out.Exceptions = append(out.Exceptions, rec)
	}

	appLog.Info("ics import parsed",
		"org", orgID,
		"events", len(out.Events),
		"exceptions", len(out.Exceptions),
		"skipped", len(out.Skipped),
	)
	return out, nil
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}

func propTime(ve *ical.VEvent, name ical.ComponentProperty, loc *time.Location) (time.Time, bool, error) {
	p := ve.GetProperty(name)
	if p == nil || p.Value == "" {
		return time.Time{}, false, fmt.Errorf("missing %s", name)
	}
	return parseICSTime(p.Value, param(p.ICalParameters, "TZID"), loc)
}

func param(params map[string][]string, key string) string {
	if vs, ok := params[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func mapVEvent(orgID string, ve *ical.VEvent, loc *time.Location) (model.BaseEvent, []string, error) {
	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	if uid == "" {
		return model.BaseEvent{}, nil, errors.New("missing UID")
	}

	start, _, err := propTime(ve, ical.ComponentPropertyDtStart, loc)
	if err != nil {
		return model.BaseEvent{}, nil, fmt.Errorf("%s: %w", uid, err)
	}

	ev := model.BaseEvent{
		ID:             EventID(orgID, uid),
		OrganizationID: orgID,
		Title:          propValue(ve, ical.ComponentPropertySummary),
		Description:    propValue(ve, ical.ComponentPropertyDescription),
		Date:           model.FormatDate(start),
		Time:           start.Format(model.ClockLayout),
		Notification:   model.NotifyNone,
	}
	if ev.Title == "" {
		ev.Title = "(untitled)"
	}

	raw := propValue(ve, ical.ComponentPropertyRrule)
	if raw == "" {
		return ev, nil, nil
	}
	rec, err := mapRRule(raw, start, loc)
	if err != nil {
		return model.BaseEvent{}, nil, fmt.Errorf("%s: %w", uid, err)
	}
	ev.Recurrence = rec

	var exdates []string
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzid := param(p.ICalParameters, "TZID")
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, _, err := parseICSTime(part, tzid, loc)
			if err != nil {
				appLog.Debug("ics import: bad EXDATE ignored", "uid", uid, "value", part)
				continue
			}
			exdates = append(exdates, model.FormatDate(t))
		}
	}
	return ev, exdates, nil
}

// mapRRule accepts the rules the recurrence engine can reproduce exactly
// from dtstart. The engine repeats dtstart's weekday or day of month and
// rolls months without that day over, so BYDAY and BYMONTHDAY may only
// restate dtstart and monthly series must start on day 28 or earlier.
func mapRRule(raw string, dtstart time.Time, loc *time.Location) (*model.Recurrence, error) {
	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return nil, fmt.Errorf("rrule %q: %w", raw, err)
	}

	out := &model.Recurrence{End: model.RecurrenceEnd{Type: model.EndNever}}
	switch opt.Freq {
	case rrule.DAILY:
		out.Type = model.Daily
	case rrule.WEEKLY:
		out.Type = model.Weekly
	case rrule.MONTHLY:
		out.Type = model.Monthly
	default:
		return nil, fmt.Errorf("rrule %q: unsupported frequency", raw)
	}
	if opt.Interval > 1 {
		return nil, fmt.Errorf("rrule %q: unsupported interval %d", raw, opt.Interval)
	}
	if len(opt.Byweekday) > 1 || len(opt.Bymonthday) > 1 || len(opt.Bysetpos) > 0 ||
		len(opt.Bymonth) > 0 || len(opt.Byyearday) > 0 || len(opt.Byweekno) > 0 ||
		len(opt.Byhour) > 0 || len(opt.Byminute) > 0 || len(opt.Bysecond) > 0 {
		return nil, fmt.Errorf("rrule %q: unsupported BY parts", raw)
	}

	if len(opt.Byweekday) == 1 {
		wd := opt.Byweekday[0]
		// rrule-go counts weekdays from Monday.
		if out.Type != model.Weekly || wd.N() != 0 || wd.Day() != (int(dtstart.Weekday())+6)%7 {
			return nil, fmt.Errorf("rrule %q: BYDAY differs from DTSTART %s", raw, dtstart.Weekday())
		}
	}
	if len(opt.Bymonthday) == 1 {
		if out.Type != model.Monthly || opt.Bymonthday[0] != dtstart.Day() {
			return nil, fmt.Errorf("rrule %q: BYMONTHDAY differs from DTSTART day %d", raw, dtstart.Day())
		}
	}
	if out.Type == model.Monthly && dtstart.Day() > 28 {
		return nil, fmt.Errorf("rrule %q: monthly series starting on day %d", raw, dtstart.Day())
	}

	switch {
	case !opt.Until.IsZero():
		out.End = model.RecurrenceEnd{Type: model.EndOnDate, Date: model.FormatDate(opt.Until.In(loc))}
	case opt.Count > 0:
		out.End = model.RecurrenceEnd{Type: model.EndAfter, Count: opt.Count}
	}
	return out, nil
}

func mapOverride(orgID string, ve *ical.VEvent, loc *time.Location) (model.ExceptionRecord, error) {
	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	if uid == "" {
		return model.ExceptionRecord{}, errors.New("override: missing UID")
	}
	p := ve.GetProperty("RECURRENCE-ID")
	original, _, err := parseICSTime(p.Value, param(p.ICalParameters, "TZID"), loc)
	if err != nil {
		return model.ExceptionRecord{}, fmt.Errorf("%s: RECURRENCE-ID: %w", uid, err)
	}

	eventID := EventID(orgID, uid)
	date := model.FormatDate(original)
	rec := model.ExceptionRecord{
		ID:           exceptionID(eventID, date),
		BaseEventID:  eventID,
		OriginalDate: date,
	}

	if strings.EqualFold(propValue(ve, ical.ComponentPropertyStatus), "CANCELLED") {
		rec.Deleted = true
		return rec, nil
	}

	patch := &model.EventPatch{}
	if s := propValue(ve, ical.ComponentPropertySummary); s != "" {
		patch.Title = &s
	}
	if d := propValue(ve, ical.ComponentPropertyDescription); d != "" {
		patch.Description = &d
	}
	if start, allDay, err := propTime(ve, ical.ComponentPropertyDtStart, loc); err == nil && !allDay {
		// Moving an occurrence to another day is not representable; only
		// the clock is taken.
		clock := start.Format(model.ClockLayout)
		patch.Time = &clock
	}
	if !patch.IsEmpty() {
		rec.ModifiedData = patch
	}
	return rec, nil
}

// parseICSTime parses a DATE or DATE-TIME value. UTC and TZID values are
// converted to loc; floating values are read as loc wall-clock time.
// allDay reports a DATE value.
func parseICSTime(v, tzid string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t.In(loc), false, err
	}

	if strings.Contains(v, "T") {
		src := loc
		if tzid != "" {
			if l, err := time.LoadLocation(tzid); err == nil {
				src = l
			}
		}
		t, err := time.ParseInLocation("20060102T150405", v, src)
		return t.In(loc), false, err
	}

	t, err := time.ParseInLocation("20060102", v, loc)
	return t, true, err
}
