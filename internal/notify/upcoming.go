package notify

import (
	"fmt"
	"time"

	"orgcal/internal/model"
)

const (
	// taskHorizon is how far ahead a task due date triggers a reminder.
	taskHorizon = 24 * time.Hour
)

// NotificationID is the deterministic id of the reminder for an occurrence.
func NotificationID(virtualEventID string) string {
	return "notif_" + virtualEventID
}

// notifyAt returns when the reminder for an occurrence starting at start
// fires. ok is false for "none" and unknown offsets.
func notifyAt(start time.Time, offset model.NotificationOffset) (time.Time, bool) {
	switch offset {
	case model.Notify15m:
		return start.Add(-15 * time.Minute), true
	case model.Notify1h:
		return start.Add(-time.Hour), true
	case model.Notify1d:
		// One calendar day, not 24h.
		return start.AddDate(0, 0, -1), true
	default:
		return time.Time{}, false
	}
}

// CheckUpcoming returns the reminders due at now: the reminder threshold
// has been reached and the occurrence has not started yet. Start times are
// wall-clock times in now's location. It is stateless; callers suppress
// ids they already delivered.
func CheckUpcoming(events []model.VirtualEvent, now time.Time) []model.Notification {
	out := make([]model.Notification, 0)

	for _, ev := range events {
		if ev.Notification == "" || ev.Notification == model.NotifyNone {
			continue
		}
		start, err := ev.Start(now.Location())
		if err != nil {
			continue
		}
		at, ok := notifyAt(start, ev.Notification)
		if !ok {
			continue
		}
		if at.After(now) || !start.After(now) {
			continue
		}
		out = append(out, model.Notification{
			ID:      NotificationID(ev.ID),
			EventID: ev.ID,
			Title:   ev.Title,
			Time:    ev.Time,
			Date:    ev.VirtualDate,
			Message: fmt.Sprintf("Your event \"%s\" is starting soon at %s.", ev.Title, ev.Time),
		})
	}

	return out
}

// CheckTasksDue returns a reminder for every open task due within the
// next 24 hours. A date-only due date means midnight at the start of that
// day in now's location.
func CheckTasksDue(tasks []model.Task, now time.Time) []model.Notification {
	out := make([]model.Notification, 0)

	for _, task := range tasks {
		if task.DueDate == "" || task.Status == model.TaskDone {
			continue
		}
		d, err := model.ParseDate(task.DueDate)
		if err != nil {
			continue
		}
		due := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, now.Location())

		// Whole minutes until due, as the board shows them.
		minutes := int(due.Sub(now) / time.Minute)
		if minutes <= 0 || minutes > int(taskHorizon/time.Minute) {
			continue
		}
		out = append(out, model.Notification{
			ID:      "task_" + task.ID,
			EventID: task.ID,
			Title:   "Task due soon",
			Date:    task.DueDate,
			Message: fmt.Sprintf("%s due on %s", task.Title, task.DueDate),
		})
	}

	return out
}
