package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orgcal/internal/metrics"
	"orgcal/internal/model"
	"orgcal/internal/notify"
)

type fakeSource struct {
	mu         sync.Mutex
	orgs       []model.Organization
	events     map[string][]model.BaseEvent
	exceptions map[string][]model.ExceptionRecord
	tasks      map[string][]model.Task
	failEvents map[string]bool
	failEx     map[string]bool
	listeners  []func(string)

	// hold, when set, parks the next FetchBaseEvents after it has read the
	// events: it signals entered and waits for release.
	hold *hold
}

type hold struct {
	entered chan struct{}
	release chan struct{}
}

func newHold() *hold {
	return &hold{entered: make(chan struct{}), release: make(chan struct{})}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events:     make(map[string][]model.BaseEvent),
		exceptions: make(map[string][]model.ExceptionRecord),
		tasks:      make(map[string][]model.Task),
		failEvents: make(map[string]bool),
		failEx:     make(map[string]bool),
	}
}

func (f *fakeSource) FetchOrganizations(context.Context) ([]model.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Organization(nil), f.orgs...), nil
}

func (f *fakeSource) FetchBaseEvents(_ context.Context, orgID string) ([]model.BaseEvent, error) {
	f.mu.Lock()
	if f.failEvents[orgID] {
		f.mu.Unlock()
		return nil, errors.New("db down")
	}
	events := append([]model.BaseEvent(nil), f.events[orgID]...)
	h := f.hold
	f.hold = nil
	f.mu.Unlock()

	if h != nil {
		close(h.entered)
		<-h.release
	}
	return events, nil
}

func (f *fakeSource) setEvents(orgID string, events ...model.BaseEvent) {
	f.mu.Lock()
	f.events[orgID] = events
	f.mu.Unlock()
}

func (f *fakeSource) FetchExceptions(_ context.Context, _ string, baseEventID string) ([]model.ExceptionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEx[baseEventID] {
		return nil, errors.New("timeout")
	}
	return append([]model.ExceptionRecord(nil), f.exceptions[baseEventID]...), nil
}

func (f *fakeSource) FetchTasks(_ context.Context, orgID string) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Task(nil), f.tasks[orgID]...), nil
}

func (f *fakeSource) OnChange(fn func(string)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

func (f *fakeSource) fire(orgID string) {
	f.mu.Lock()
	ls := append([]func(string){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range ls {
		fn(orgID)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	calls map[string][]model.Notification
	err   error
}

func (r *recordingSink) Deliver(_ context.Context, orgID string, ns []model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string][]model.Notification)
	}
	r.calls[orgID] = append(r.calls[orgID], ns...)
	return r.err
}

var _ notify.Sink = (*recordingSink)(nil)

func fixedNow(o *Orchestrator, s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02T15:04", s, time.UTC)
	if err != nil {
		panic(err)
	}
	o.now = func() time.Time { return t }
	return t
}

func daily(id, org, date, clock, who string) model.BaseEvent {
	return model.BaseEvent{
		ID: id, OrganizationID: org, Title: id, Date: date, Time: clock,
		AssignedCollaborator: who,
		Notification:         model.Notify1h,
		Recurrence:           &model.Recurrence{Type: model.Daily, End: model.RecurrenceEnd{Type: model.EndNever}},
	}
}

func newTestOrchestrator(src *fakeSource, sink notify.Sink) *Orchestrator {
	return New(src, sink, metrics.New(), Config{PastDays: 1, FutureDays: 2, Location: time.UTC})
}

func TestWindow(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(newFakeSource(), nil)
	start, end := o.Window(time.Date(2023, 10, 10, 23, 30, 0, 0, time.UTC))
	assert.Equal(t, "2023-10-09", model.FormatDate(start))
	assert.Equal(t, "2023-10-12", model.FormatDate(end))
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	o := New(newFakeSource(), nil, nil, Config{})
	assert.Equal(t, defaultPastDays, o.cfg.PastDays)
	assert.Equal(t, defaultFutureDays, o.cfg.FutureDays)
	assert.Equal(t, defaultRefreshSpec, o.cfg.RefreshSpec)
	assert.Equal(t, defaultNotifySpec, o.cfg.NotifySpec)
	assert.Equal(t, time.Local, o.Location())
	assert.IsType(t, notify.LogSink{}, o.sink)
}

func TestRefresh_BuildsSnapshot(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.events["o1"] = []model.BaseEvent{
		daily("a", "o1", "2023-10-01", "10:00", "ana"),
		{ID: "b", OrganizationID: "o1", Title: "b", Date: "2023-10-10", Time: "10:30", AssignedCollaborator: "ana"},
		{ID: "broken", OrganizationID: "o1", Title: "broken", Time: "10:00"},
	}
	src.exceptions["a"] = []model.ExceptionRecord{{BaseEventID: "a", OriginalDate: "2023-10-11", Deleted: true}}
	src.tasks["o1"] = []model.Task{{ID: "t1", OrganizationID: "o1", Title: "Report", DueDate: "2023-10-11"}}

	o := newTestOrchestrator(src, nil)
	fixedNow(o, "2023-10-10T08:00")

	var published []*Snapshot
	o.OnChange(func(s *Snapshot) { published = append(published, s) })

	snap, err := o.Refresh(context.Background(), "o1")
	require.NoError(t, err)

	assert.Equal(t, "2023-10-09", snap.WindowStart)
	assert.Equal(t, "2023-10-12", snap.WindowEnd)

	var got []string
	for _, ev := range snap.Events {
		got = append(got, ev.ID)
	}
	assert.Equal(t, []string{"a_2023-10-09", "a_2023-10-10", "b", "a_2023-10-12"}, got)
	assert.Equal(t, []string{"a_2023-10-10", "b"}, snap.Conflicts)
	require.Len(t, snap.Pairs, 1)
	assert.True(t, snap.InConflict("b"))
	assert.False(t, snap.InConflict("a_2023-10-09"))
	assert.Len(t, snap.Errors, 1)
	assert.Len(t, snap.Tasks, 1)

	stored, ok := o.Snapshot("o1")
	require.True(t, ok)
	assert.Same(t, snap, stored)
	assert.Equal(t, []*Snapshot{snap}, published)

	_, ok = o.Snapshot("o2")
	assert.False(t, ok)
}

func TestRefresh_ExceptionFetchFailureDegrades(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.events["o1"] = []model.BaseEvent{daily("a", "o1", "2023-10-09", "10:00", "")}
	src.exceptions["a"] = []model.ExceptionRecord{{BaseEventID: "a", OriginalDate: "2023-10-10", Deleted: true}}
	src.failEx["a"] = true

	o := newTestOrchestrator(src, nil)
	fixedNow(o, "2023-10-10T08:00")

	snap, err := o.Refresh(context.Background(), "o1")
	require.NoError(t, err)
	assert.Len(t, snap.Events, 4, "deleted occurrence reappears without its exceptions")
}

func TestRefresh_BaseEventFailureKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.events["o1"] = []model.BaseEvent{daily("a", "o1", "2023-10-09", "10:00", "")}
	o := newTestOrchestrator(src, nil)
	fixedNow(o, "2023-10-10T08:00")

	first, err := o.Refresh(context.Background(), "o1")
	require.NoError(t, err)

	src.mu.Lock()
	src.failEvents["o1"] = true
	src.mu.Unlock()

	_, err = o.Refresh(context.Background(), "o1")
	assert.ErrorContains(t, err, "db down")

	kept, ok := o.Snapshot("o1")
	require.True(t, ok)
	assert.Same(t, first, kept)
}

func TestRefreshAll_JoinsErrors(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.orgs = []model.Organization{{ID: "o1"}, {ID: "o2"}}
	src.events["o1"] = []model.BaseEvent{daily("a", "o1", "2023-10-09", "10:00", "")}
	src.failEvents["o2"] = true

	o := newTestOrchestrator(src, nil)
	fixedNow(o, "2023-10-10T08:00")

	err := o.RefreshAll(context.Background())
	assert.ErrorContains(t, err, "o2")

	_, ok := o.Snapshot("o1")
	assert.True(t, ok)
}

func TestRefresh_OverlappingKeepsNewest(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.events["o1"] = []model.BaseEvent{{ID: "old", OrganizationID: "o1", Title: "old", Date: "2023-10-10", Time: "10:00"}}
	h := newHold()
	src.hold = h

	o := newTestOrchestrator(src, nil)
	fixedNow(o, "2023-10-10T08:00")

	var mu sync.Mutex
	var published []string
	o.OnChange(func(s *Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range s.Events {
			published = append(published, ev.Title)
		}
	})

	type result struct {
		snap *Snapshot
		err  error
	}
	first := make(chan result, 1)
	go func() {
		snap, err := o.Refresh(context.Background(), "o1")
		first <- result{snap, err}
	}()
	<-h.entered

	src.setEvents("o1", model.BaseEvent{ID: "new", OrganizationID: "o1", Title: "new", Date: "2023-10-10", Time: "10:00"})
	_, err := o.Refresh(context.Background(), "o1")
	require.NoError(t, err)

	close(h.release)
	res := <-first
	require.NoError(t, res.err)
	require.Len(t, res.snap.Events, 1)
	assert.Equal(t, "new", res.snap.Events[0].Title)

	snap, ok := o.Snapshot("o1")
	require.True(t, ok)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, "new", snap.Events[0].Title)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"new"}, published)
}

func TestRefreshAll_DropsRemovedOrganizations(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.orgs = []model.Organization{{ID: "o1"}, {ID: "o2"}}
	src.events["o1"] = []model.BaseEvent{daily("a", "o1", "2023-10-09", "10:00", "")}
	src.events["o2"] = []model.BaseEvent{daily("b", "o2", "2023-10-09", "10:00", "")}

	sink := &recordingSink{}
	o := newTestOrchestrator(src, sink)
	now := fixedNow(o, "2023-10-10T09:15")
	require.NoError(t, o.RefreshAll(context.Background()))
	require.NoError(t, o.Tick(context.Background(), now))
	require.Len(t, sink.calls["o2"], 1)

	src.mu.Lock()
	src.orgs = []model.Organization{{ID: "o1"}}
	src.mu.Unlock()
	require.NoError(t, o.RefreshAll(context.Background()))

	_, ok := o.Snapshot("o2")
	assert.False(t, ok)
	_, ok = o.Snapshot("o1")
	assert.True(t, ok)

	// A recreated organization starts with a clean delivery history.
	src.mu.Lock()
	src.orgs = append(src.orgs, model.Organization{ID: "o2"})
	src.mu.Unlock()
	require.NoError(t, o.RefreshAll(context.Background()))
	require.NoError(t, o.Tick(context.Background(), now))
	assert.Len(t, sink.calls["o2"], 2)
	assert.Len(t, sink.calls["o1"], 1)
}

func TestTick_DeliversOnce(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.orgs = []model.Organization{{ID: "o1"}}
	src.events["o1"] = []model.BaseEvent{daily("a", "o1", "2023-10-09", "10:00", "")}
	src.tasks["o1"] = []model.Task{{ID: "t1", Title: "Report", DueDate: "2023-10-11"}}

	sink := &recordingSink{}
	o := newTestOrchestrator(src, sink)
	now := fixedNow(o, "2023-10-10T09:15")
	require.NoError(t, o.RefreshAll(context.Background()))

	require.NoError(t, o.Tick(context.Background(), now))
	require.NoError(t, o.Tick(context.Background(), now.Add(time.Minute)))

	var ids []string
	for _, n := range sink.calls["o1"] {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"notif_a_2023-10-10", "task_t1"}, ids)
}

func TestTick_SinkError(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.events["o1"] = []model.BaseEvent{daily("a", "o1", "2023-10-09", "10:00", "")}

	sink := &recordingSink{err: errors.New("broker down")}
	o := newTestOrchestrator(src, sink)
	now := fixedNow(o, "2023-10-10T09:15")
	_, err := o.Refresh(context.Background(), "o1")
	require.NoError(t, err)

	assert.ErrorContains(t, o.Tick(context.Background(), now), "broker down")
}

func TestWatch_RefreshesOnStoreChange(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	o := newTestOrchestrator(src, nil)
	fixedNow(o, "2023-10-10T08:00")
	o.Watch()
	o.Watch()

	src.mu.Lock()
	src.events["o1"] = []model.BaseEvent{daily("a", "o1", "2023-10-10", "10:00", "")}
	n := len(src.listeners)
	src.mu.Unlock()
	assert.Equal(t, 1, n, "subscribes once")

	src.fire("o1")
	snap, ok := o.Snapshot("o1")
	require.True(t, ok)
	assert.Len(t, snap.Events, 3)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.orgs = []model.Organization{{ID: "o1"}}
	o := newTestOrchestrator(src, nil)

	require.NoError(t, o.Start(context.Background()))
	_, ok := o.Snapshot("o1")
	assert.True(t, ok)
	o.Stop()
	o.Stop()

	bad := New(src, nil, nil, Config{RefreshSpec: "not a spec", Location: time.UTC})
	assert.Error(t, bad.Start(context.Background()))
}

func TestBuild_DoesNotStore(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.events["o1"] = []model.BaseEvent{daily("a", "o1", "2023-10-01", "10:00", "")}
	o := newTestOrchestrator(src, nil)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snap, err := o.Build(context.Background(), "o1", start, start.AddDate(0, 0, 6))
	require.NoError(t, err)
	assert.Len(t, snap.Events, 7)
	assert.Equal(t, "2024-01-01", snap.WindowStart)

	_, ok := o.Snapshot("o1")
	assert.False(t, ok)

	_, err = o.Build(context.Background(), "o1", start, start.AddDate(0, 0, -1))
	assert.Error(t, err)
}
