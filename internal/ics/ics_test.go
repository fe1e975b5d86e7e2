package ics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orgcal/internal/model"
)

const feed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:standup@example.com
DTSTAMP:20231001T000000Z
DTSTART;TZID=Europe/Lisbon:20231002T090000
SUMMARY:Standup
RRULE:FREQ=WEEKLY;COUNT=4
EXDATE;TZID=Europe/Lisbon:20231009T090000
END:VEVENT
BEGIN:VEVENT
UID:standup@example.com
DTSTAMP:20231001T000000Z
RECURRENCE-ID;TZID=Europe/Lisbon:20231016T090000
DTSTART;TZID=Europe/Lisbon:20231016T100000
SUMMARY:Standup (late)
END:VEVENT
BEGIN:VEVENT
UID:review@example.com
DTSTAMP:20231001T000000Z
DTSTART:20231005T140000Z
SUMMARY:Review
DESCRIPTION:Quarterly
RRULE:FREQ=MONTHLY;UNTIL=20231231T235959Z
END:VEVENT
BEGIN:VEVENT
UID:yearly@example.com
DTSTAMP:20231001T000000Z
DTSTART:20231001T080000
SUMMARY:Birthday
RRULE:FREQ=YEARLY
END:VEVENT
BEGIN:VEVENT
UID:allday@example.com
DTSTAMP:20231001T000000Z
DTSTART;VALUE=DATE:20231020
SUMMARY:Offsite
END:VEVENT
BEGIN:VEVENT
UID:biweekly@example.com
DTSTAMP:20231001T000000Z
DTSTART:20231001T080000
SUMMARY:1:1
RRULE:FREQ=WEEKLY;INTERVAL=2
END:VEVENT
BEGIN:VEVENT
DTSTAMP:20231001T000000Z
DTSTART:20231001T080000
SUMMARY:no uid
END:VEVENT
END:VCALENDAR
`

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func lisbon(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Lisbon")
	require.NoError(t, err)
	return loc
}

func TestParseBaseEvents(t *testing.T) {
	t.Parallel()

	imp, err := ParseBaseEvents("o1", crlf(feed), lisbon(t))
	require.NoError(t, err)
	require.Len(t, imp.Events, 3)
	assert.Len(t, imp.Skipped, 3)

	standup := imp.Events[0]
	assert.Equal(t, EventID("o1", "standup@example.com"), standup.ID)
	assert.Equal(t, "o1", standup.OrganizationID)
	assert.Equal(t, "2023-10-02", standup.Date)
	assert.Equal(t, "09:00", standup.Time)
	assert.Equal(t, &model.Recurrence{Type: model.Weekly, End: model.RecurrenceEnd{Type: model.EndAfter, Count: 4}}, standup.Recurrence)

	review := imp.Events[1]
	assert.Equal(t, "15:00", review.Time, "UTC converted to Lisbon summer time")
	assert.Equal(t, "Quarterly", review.Description)
	assert.Equal(t, model.RecurrenceEnd{Type: model.EndOnDate, Date: "2023-12-31"}, review.Recurrence.End)
	assert.Equal(t, model.Monthly, review.Recurrence.Type)

	offsite := imp.Events[2]
	assert.Equal(t, "2023-10-20", offsite.Date)
	assert.Equal(t, "00:00", offsite.Time)
	assert.Nil(t, offsite.Recurrence)

	require.Len(t, imp.Exceptions, 2)
	exdate := imp.Exceptions[0]
	assert.Equal(t, standup.ID, exdate.BaseEventID)
	assert.Equal(t, "2023-10-09", exdate.OriginalDate)
	assert.True(t, exdate.Deleted)

	override := imp.Exceptions[1]
	assert.Equal(t, "2023-10-16", override.OriginalDate)
	assert.False(t, override.Deleted)
	require.NotNil(t, override.ModifiedData)
	assert.Equal(t, "Standup (late)", *override.ModifiedData.Title)
	assert.Equal(t, "10:00", *override.ModifiedData.Time)
}

func TestParseBaseEvents_DeterministicIDs(t *testing.T) {
	t.Parallel()

	a, err := ParseBaseEvents("o1", crlf(feed), time.UTC)
	require.NoError(t, err)
	b, err := ParseBaseEvents("o1", crlf(feed), time.UTC)
	require.NoError(t, err)
	c, err := ParseBaseEvents("o2", crlf(feed), time.UTC)
	require.NoError(t, err)

	assert.Equal(t, a.Events[0].ID, b.Events[0].ID)
	assert.Equal(t, a.Exceptions[0].ID, b.Exceptions[0].ID)
	assert.NotEqual(t, a.Events[0].ID, c.Events[0].ID)
}

func TestParseBaseEvents_Errors(t *testing.T) {
	t.Parallel()

	_, err := ParseBaseEvents("o1", nil, time.UTC)
	assert.Error(t, err)
}

func TestMapRRule(t *testing.T) {
	t.Parallel()

	monday := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	r, err := mapRRule("FREQ=DAILY", monday, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, model.RecurrenceEnd{Type: model.EndNever}, r.End)

	r, err = mapRRule("FREQ=WEEKLY;BYDAY=MO", monday, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, model.Weekly, r.Type)

	r, err = mapRRule("FREQ=MONTHLY;BYMONTHDAY=28;COUNT=3", time.Date(2024, 2, 28, 9, 0, 0, 0, time.UTC), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, &model.Recurrence{Type: model.Monthly, End: model.RecurrenceEnd{Type: model.EndAfter, Count: 3}}, r)

	for _, bad := range []string{
		"FREQ=HOURLY",
		"FREQ=WEEKLY;BYDAY=MO,WE",
		"FREQ=DAILY;INTERVAL=3",
		"FREQ=MONTHLY;BYSETPOS=-1;BYDAY=FR",
		"FREQ=WEEKLY;BYDAY=WE",
		"FREQ=DAILY;BYDAY=MO",
		"FREQ=MONTHLY;BYDAY=1MO",
		"FREQ=MONTHLY;BYMONTHDAY=15",
		"FREQ=WEEKLY;BYMONTHDAY=1",
		"nonsense",
	} {
		_, err := mapRRule(bad, monday, time.UTC)
		assert.Error(t, err, bad)
	}

	for _, day := range []int{29, 30, 31} {
		dtstart := time.Date(2023, 1, day, 9, 0, 0, 0, time.UTC)
		_, err := mapRRule("FREQ=MONTHLY;COUNT=4", dtstart, time.UTC)
		assert.Error(t, err, "day %d", day)
	}
}

func TestParseBaseEvents_SkipsShiftedRecurrences(t *testing.T) {
	t.Parallel()

	const shifted = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:month-end@example.com
DTSTAMP:20230101T000000Z
DTSTART:20230131T090000
RRULE:FREQ=MONTHLY;COUNT=4
SUMMARY:Close books
END:VEVENT
BEGIN:VEVENT
UID:wednesday@example.com
DTSTAMP:20230101T000000Z
DTSTART:20230102T090000
RRULE:FREQ=WEEKLY;BYDAY=WE
SUMMARY:Planning
END:VEVENT
BEGIN:VEVENT
UID:fifteenth@example.com
DTSTAMP:20230101T000000Z
DTSTART:20230102T090000
RRULE:FREQ=MONTHLY;BYMONTHDAY=15
SUMMARY:Payroll
END:VEVENT
BEGIN:VEVENT
UID:second@example.com
DTSTAMP:20230101T000000Z
DTSTART:20230102T090000
RRULE:FREQ=MONTHLY;BYMONTHDAY=2
SUMMARY:Rent
END:VEVENT
END:VCALENDAR
`
	imp, err := ParseBaseEvents("o1", crlf(shifted), time.UTC)
	require.NoError(t, err)
	require.Len(t, imp.Events, 1)
	assert.Equal(t, "Rent", imp.Events[0].Title)
	assert.Len(t, imp.Skipped, 3)
}

func TestExport(t *testing.T) {
	t.Parallel()

	events := []model.VirtualEvent{
		{
			BaseEvent: model.BaseEvent{
				ID: "a_2023-10-10", Title: "Sync", Time: "10:00",
				AssignedCollaborator: "ana", Notification: model.Notify1h,
			},
			BaseEventID: "a",
			VirtualDate: "2023-10-10",
		},
		{
			BaseEvent:   model.BaseEvent{ID: "b", Title: "Late", Time: "23:30", Notification: model.NotifyNone},
			BaseEventID: "b",
			VirtualDate: "2023-10-10",
		},
		{
			BaseEvent:   model.BaseEvent{ID: "broken", Title: "x", Time: "nope"},
			BaseEventID: "broken",
			VirtualDate: "2023-10-10",
		},
	}

	out := Export("Acme", events, time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC))

	assert.Contains(t, out, "X-WR-CALNAME:Acme")
	assert.Contains(t, out, "UID:a_2023-10-10")
	assert.Contains(t, out, "DTSTART:20231010T100000")
	assert.Contains(t, out, "DTEND:20231010T110000")
	assert.Contains(t, out, "X-ORGCAL-ASSIGNEE:ana")
	assert.Contains(t, out, "TRIGGER:-PT1H")
	assert.Contains(t, out, "DTEND:20231011T003000", "end rolls over midnight")
	assert.NotContains(t, out, "UID:broken")

	cal, err := ical.ParseCalendar(strings.NewReader(out))
	require.NoError(t, err)
	assert.Len(t, cal.Events(), 2)
}

func TestFetcher_CachesAndFallsBack(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(crlf(feed))
	}))

	f := NewFetcher(t.TempDir(), srv.Client())
	src := Source{ID: "team", URL: srv.URL + "/cal.ics?token=secret", OrganizationID: "o1"}

	first, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)

	srv.Close()
	third, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, third.FromCache)
	assert.Equal(t, int32(2), hits.Load())

	_, err = f.FetchOne(context.Background(), Source{ID: "x"})
	assert.Error(t, err)
}

type batchRecorder struct {
	orgs   []string
	events int
	err    error
}

func (b *batchRecorder) ImportBatch(_ context.Context, orgID string, events []model.BaseEvent, _ []model.ExceptionRecord) error {
	if b.err != nil {
		return b.err
	}
	b.orgs = append(b.orgs, orgID)
	b.events += len(events)
	return nil
}

func TestImport(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.ics" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(crlf(feed))
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(t.TempDir(), srv.Client())
	w := &batchRecorder{}
	report, err := Import(context.Background(), w, f, []Source{
		{ID: "ok", URL: srv.URL + "/ok.ics", OrganizationID: "o1"},
		{ID: "missing", URL: srv.URL + "/missing.ics", OrganizationID: "o2"},
	}, time.UTC)

	assert.ErrorContains(t, err, "missing")
	assert.Equal(t, []string{"o1"}, w.orgs)
	assert.Equal(t, ImportReport{Sources: 1, Events: 3, Exceptions: 2, Skipped: 3}, report)

	w.err = errors.New("db down")
	_, err = Import(context.Background(), w, f, []Source{{ID: "ok", URL: srv.URL + "/ok.ics", OrganizationID: "o1"}}, time.UTC)
	assert.ErrorContains(t, err, "db down")
}

func TestRedactURL(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "https://cal.example.com/...(redacted)", redactURL("https://cal.example.com/private/abc.ics?token=x"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
