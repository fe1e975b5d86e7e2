package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLog "orgcal/internal/log"
	"orgcal/internal/model"
)

func event(id, date, clock string, offset model.NotificationOffset) model.VirtualEvent {
	return model.VirtualEvent{
		BaseEvent:   model.BaseEvent{ID: id, Title: "Sync", Time: clock, Notification: offset},
		BaseEventID: id,
		VirtualDate: date,
	}
}

func at(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02T15:04", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func TestCheckUpcoming_Due(t *testing.T) {
	t.Parallel()

	events := []model.VirtualEvent{event("e1", "2023-10-10", "10:00", model.Notify1h)}

	got := CheckUpcoming(events, at("2023-10-10T09:30"))
	require.Len(t, got, 1)
	assert.Equal(t, model.Notification{
		ID:      "notif_e1",
		EventID: "e1",
		Title:   "Sync",
		Time:    "10:00",
		Date:    "2023-10-10",
		Message: `Your event "Sync" is starting soon at 10:00.`,
	}, got[0])
}

func TestCheckUpcoming_TitleKeptVerbatim(t *testing.T) {
	t.Parallel()

	ev := event("e1", "2023-10-10", "10:00", model.Notify1h)
	ev.Title = `Say "hi" \ wave`

	got := CheckUpcoming([]model.VirtualEvent{ev}, at("2023-10-10T09:30"))
	require.Len(t, got, 1)
	assert.Equal(t, `Your event "Say "hi" \ wave" is starting soon at 10:00.`, got[0].Message)
}

func TestCheckUpcoming_StartedOrNotYet(t *testing.T) {
	t.Parallel()

	events := []model.VirtualEvent{event("e1", "2023-10-10", "10:00", model.Notify1h)}

	assert.Empty(t, CheckUpcoming(events, at("2023-10-10T10:01")))
	assert.Empty(t, CheckUpcoming(events, at("2023-10-10T10:00")), "start == now is not strictly future")
	assert.Empty(t, CheckUpcoming(events, at("2023-10-10T08:59")))
	assert.Len(t, CheckUpcoming(events, at("2023-10-10T09:00")), 1, "threshold is inclusive")
}

func TestCheckUpcoming_Offsets(t *testing.T) {
	t.Parallel()

	events := []model.VirtualEvent{
		event("q", "2023-10-10", "10:00", model.Notify15m),
		event("d", "2023-10-11", "08:00", model.Notify1d),
		event("n", "2023-10-10", "10:00", model.NotifyNone),
		event("empty", "2023-10-10", "10:00", ""),
		event("weird", "2023-10-10", "10:00", "2w"),
		event("bad", "2023-10-10", "xx", model.Notify1h),
	}

	got := CheckUpcoming(events, at("2023-10-10T09:50"))
	ids := make([]string, 0, len(got))
	for _, n := range got {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"notif_q", "notif_d"}, ids)

	assert.Equal(t, []string{"notif_d"}, idsOf(CheckUpcoming(events, at("2023-10-10T08:00"))))
	assert.Empty(t, CheckUpcoming(events, at("2023-10-10T07:59")))
}

func TestCheckUpcoming_Idempotent(t *testing.T) {
	t.Parallel()

	events := []model.VirtualEvent{event("e1", "2023-10-10", "10:00", model.Notify1h)}
	now := at("2023-10-10T09:30")
	assert.Equal(t, CheckUpcoming(events, now), CheckUpcoming(events, now))
	assert.Empty(t, CheckUpcoming(nil, now))
}

func TestCheckTasksDue(t *testing.T) {
	t.Parallel()

	tasks := []model.Task{
		{ID: "t1", Title: "Report", DueDate: "2023-10-11", Status: model.TaskTodo},
		{ID: "t2", Title: "Done", DueDate: "2023-10-11", Status: model.TaskDone},
		{ID: "t3", Title: "Later", DueDate: "2023-10-13", Status: model.TaskTodo},
		{ID: "t4", Title: "Past", DueDate: "2023-10-10", Status: model.TaskInProgress},
		{ID: "t5", Title: "None", Status: model.TaskTodo},
	}

	got := CheckTasksDue(tasks, at("2023-10-10T09:00"))
	require.Len(t, got, 1)
	assert.Equal(t, "task_t1", got[0].ID)
	assert.Equal(t, "t1", got[0].EventID)
	assert.Equal(t, "Task due soon", got[0].Title)
	assert.Equal(t, "Report due on 2023-10-11", got[0].Message)
}

func TestTracker_Filter(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	a := model.Notification{ID: "notif_a"}
	b := model.Notification{ID: "notif_b"}

	assert.Equal(t, []model.Notification{a}, tr.Filter("o1", []model.Notification{a}))
	assert.Equal(t, []model.Notification{b}, tr.Filter("o1", []model.Notification{a, b}))
	assert.Empty(t, tr.Filter("o1", []model.Notification{a, b}))
	assert.Equal(t, []model.Notification{a}, tr.Filter("o2", []model.Notification{a}), "orgs are independent")

	// a drops out of the due list, so it is forgotten.
	assert.Empty(t, tr.Filter("o1", []model.Notification{b}))
	assert.Equal(t, []model.Notification{a}, tr.Filter("o1", []model.Notification{a, b}))

	tr.Forget("o1")
	assert.Len(t, tr.Filter("o1", []model.Notification{a, b}), 2)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink_Deliver(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	sink := &KafkaSink{w: w}

	require.NoError(t, sink.Deliver(context.Background(), "o1", nil))
	assert.Empty(t, w.msgs)

	n := model.Notification{ID: "notif_e1", EventID: "e1", Message: "hi"}
	require.NoError(t, sink.Deliver(context.Background(), "o1", []model.Notification{n}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "notif_e1", string(w.msgs[0].Key))

	var payload kafkaPayload
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &payload))
	assert.Equal(t, "o1", payload.OrganizationID)
	assert.Equal(t, n, payload.Notification)

	w.err = errors.New("broker down")
	assert.ErrorContains(t, sink.Deliver(context.Background(), "o1", []model.Notification{n}), "broker down")

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	appLog.SetOutput(&buf)
	t.Cleanup(func() { appLog.SetOutput(os.Stderr) })

	var got []string
	ok := SinkFunc(func(_ context.Context, orgID string, ns []model.Notification) error {
		got = append(got, orgID)
		return nil
	})
	failing := SinkFunc(func(context.Context, string, []model.Notification) error {
		return errors.New("nope")
	})

	err := MultiSink{LogSink{}, ok, failing}.Deliver(context.Background(), "o1", []model.Notification{{ID: "notif_x", Message: "m"}})
	assert.ErrorContains(t, err, "nope")
	assert.Equal(t, []string{"o1"}, got)
	assert.Contains(t, buf.String(), "id=notif_x")
}

func idsOf(ns []model.Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.ID)
	}
	return out
}
