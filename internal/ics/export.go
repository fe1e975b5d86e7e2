package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"orgcal/internal/model"
)

const (
	productID      = "-//orgcal//schedule export//EN"
	floatingLayout = "20060102T150405"
	propAssignee   = ical.ComponentProperty("X-ORGCAL-ASSIGNEE")
	propBaseEvent  = ical.ComponentProperty("X-ORGCAL-BASE-EVENT")
)

var triggers = map[model.NotificationOffset]string{
	model.Notify15m: "-PT15M",
	model.Notify1h:  "-PT1H",
	model.Notify1d:  "-P1D",
}

// Export renders occurrences as an iCalendar document, one VEVENT per
// occurrence with the virtual id as UID. Times are floating: they are the
// wall-clock times the organization sees. Occurrences with an unparsable
// date or time are left out.
func Export(orgName string, events []model.VirtualEvent, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if orgName != "" {
		cal.SetXWRCalName(orgName)
	}

	for _, ev := range events {
		start, err := model.CombineDateTime(ev.VirtualDate, ev.Time, time.UTC)
		if err != nil {
			continue
		}
		end := start.Add(model.OccurrenceLen)

		ve := cal.AddEvent(ev.ID)
		ve.SetDtStampTime(stamp)
		ve.SetProperty(ical.ComponentPropertyDtStart, start.Format(floatingLayout))
		ve.SetProperty(ical.ComponentPropertyDtEnd, end.Format(floatingLayout))
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.AssignedCollaborator != "" {
			ve.SetProperty(propAssignee, ev.AssignedCollaborator)
		}
		ve.SetProperty(propBaseEvent, ev.BaseEventID)

		if trigger, ok := triggers[ev.Notification]; ok {
			alarm := ve.AddAlarm()
			alarm.SetAction(ical.ActionDisplay)
			alarm.SetTrigger(trigger)
			alarm.SetProperty(ical.ComponentPropertyDescription, ev.Title)
		}
	}

	return cal.Serialize()
}
