// Package orchestrator keeps a rolling, conflict-annotated schedule per
// organization and drives reminder delivery from it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"orgcal/internal/conflict"
	appLog "orgcal/internal/log"
	"orgcal/internal/metrics"
	"orgcal/internal/model"
	"orgcal/internal/notify"
	"orgcal/internal/recurrence"
	"orgcal/internal/store"
)

const (
	defaultPastDays         = 7
	defaultFutureDays       = 90
	defaultRefreshSpec      = "*/15 * * * *"
	defaultNotifySpec       = "@every 30s"
	defaultFetchConcurrency = 8
	changeRefreshTimeout    = 30 * time.Second
)

// Config tunes the window and the background schedules.
type Config struct {
	PastDays               int
	FutureDays             int
	MaxOccurrencesPerEvent int

	// RefreshSpec and NotifySpec are robfig/cron specs.
	RefreshSpec string
	NotifySpec  string

	// Location is where occurrence wall-clock times live. Nil means time.Local.
	Location *time.Location

	// FetchConcurrency bounds parallel exception fetches per refresh.
	FetchConcurrency int
}

func (c *Config) normalize() {
	if c.PastDays < 0 {
		c.PastDays = 0
	}
	if c.PastDays == 0 && c.FutureDays == 0 {
		c.PastDays = defaultPastDays
		c.FutureDays = defaultFutureDays
	}
	if c.FutureDays < 0 {
		c.FutureDays = 0
	}
	if c.RefreshSpec == "" {
		c.RefreshSpec = defaultRefreshSpec
	}
	if c.NotifySpec == "" {
		c.NotifySpec = defaultNotifySpec
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = defaultFetchConcurrency
	}
}

// Snapshot is the materialized schedule of one organization. It is replaced
// wholesale on every refresh and must be treated as read-only.
type Snapshot struct {
	OrgID       string               `json:"organizationId"`
	WindowStart string               `json:"windowStart"`
	WindowEnd   string               `json:"windowEnd"`
	Events      []model.VirtualEvent `json:"events"`
	Conflicts   []string             `json:"conflicts"`
	Pairs       []conflict.Pair      `json:"conflictPairs"`
	Tasks       []model.Task         `json:"tasks"`
	Truncated   []string             `json:"truncatedEvents,omitempty"`
	Errors      []string             `json:"errors,omitempty"`
	GeneratedAt time.Time            `json:"generatedAt"`

	conflicts conflict.Set
}

// InConflict reports whether the occurrence id overlaps another one.
func (s *Snapshot) InConflict(id string) bool {
	return s.conflicts.Has(id)
}

// Orchestrator owns the snapshots. It is safe for concurrent use.
type Orchestrator struct {
	src     store.Source
	sink    notify.Sink
	tracker *notify.Tracker
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	// started counts the refreshes begun per org; stored holds the count of
	// the refresh whose snapshot is in snapshots.
	started map[string]uint64
	stored  map[string]uint64

	listenMu  sync.RWMutex
	listeners []func(*Snapshot)

	watchOnce sync.Once
	cron      *cron.Cron
}

// New builds an orchestrator reading from src and delivering through sink.
// A nil sink logs reminders; a nil m disables metrics.
func New(src store.Source, sink notify.Sink, m *metrics.Metrics, cfg Config) *Orchestrator {
	cfg.normalize()
	if sink == nil {
		sink = notify.LogSink{}
	}
	o := &Orchestrator{
		src:       src,
		sink:      sink,
		tracker:   notify.NewTracker(),
		metrics:   m,
		cfg:       cfg,
		snapshots: make(map[string]*Snapshot),
		started:   make(map[string]uint64),
		stored:    make(map[string]uint64),
	}
	o.now = func() time.Time { return time.Now().In(o.cfg.Location) }
	return o
}

// Location is the zone occurrences are interpreted in.
func (o *Orchestrator) Location() *time.Location {
	return o.cfg.Location
}

// Now returns the current time in Location.
func (o *Orchestrator) Now() time.Time {
	return o.now()
}

// MaxOccurrencesPerEvent is the expansion cap in effect.
func (o *Orchestrator) MaxOccurrencesPerEvent() int {
	return o.cfg.MaxOccurrencesPerEvent
}

// Window returns the inclusive date range the snapshots cover at now.
func (o *Orchestrator) Window(now time.Time) (time.Time, time.Time) {
	today := model.DateOf(now)
	return today.AddDate(0, 0, -o.cfg.PastDays), today.AddDate(0, 0, o.cfg.FutureDays)
}

// OnChange registers fn to receive every new snapshot.
func (o *Orchestrator) OnChange(fn func(*Snapshot)) {
	o.listenMu.Lock()
	o.listeners = append(o.listeners, fn)
	o.listenMu.Unlock()
}

func (o *Orchestrator) publish(s *Snapshot) {
	o.listenMu.RLock()
	listeners := append([]func(*Snapshot){}, o.listeners...)
	o.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// Snapshot returns the latest snapshot of orgID.
func (o *Orchestrator) Snapshot(orgID string) (*Snapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.snapshots[orgID]
	return s, ok
}

func (o *Orchestrator) all() []*Snapshot {
	o.mu.RLock()
	out := make([]*Snapshot, 0, len(o.snapshots))
	for _, s := range o.snapshots {
		out = append(out, s)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out
}

// Build materializes orgID over [start, end] without storing the result.
func (o *Orchestrator) Build(ctx context.Context, orgID string, start, end time.Time) (*Snapshot, error) {
	events, err := o.src.FetchBaseEvents(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("build %s: base events: %w", orgID, err)
	}

	records := o.fetchExceptions(ctx, orgID, events)

	tasks, err := o.src.FetchTasks(ctx, orgID)
	if err != nil {
		appLog.Warn("build: tasks unavailable", "org", orgID, "err", err.Error())
		tasks = nil
	}

	res, err := recurrence.Expand(events, recurrence.IndexExceptions(records), recurrence.ExpandConfig{
		RangeStart:             start,
		RangeEnd:               end,
		MaxOccurrencesPerEvent: o.cfg.MaxOccurrencesPerEvent,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", orgID, err)
	}
	recurrence.SortChronological(res.Events)

	set := conflict.Detect(res.Events)
	snap := &Snapshot{
		OrgID:       orgID,
		WindowStart: model.FormatDate(start),
		WindowEnd:   model.FormatDate(end),
		Events:      res.Events,
		Conflicts:   set.IDs(),
		Pairs:       conflict.Pairs(res.Events),
		Tasks:       tasks,
		Truncated:   res.TruncatedEvents,
		GeneratedAt: o.now(),
		conflicts:   set,
	}
	for _, e := range res.Errors {
		snap.Errors = append(snap.Errors, e.Error())
	}
	return snap, nil
}

// Refresh rebuilds the snapshot of orgID over the rolling window. On
// failure the previous snapshot stays in place.
//
// Refreshes of one org may overlap. A snapshot is stored and published only
// if no refresh that began later has stored one already; otherwise the
// newer snapshot is returned.
func (o *Orchestrator) Refresh(ctx context.Context, orgID string) (*Snapshot, error) {
	started := time.Now()
	start, end := o.Window(o.now())

	o.mu.Lock()
	o.started[orgID]++
	gen := o.started[orgID]
	o.mu.Unlock()

	snap, err := o.Build(ctx, orgID, start, end)
	if err != nil {
		o.metrics.Refresh(orgID, time.Since(started), 0, 0, 0, err)
		return nil, fmt.Errorf("refresh: %w", err)
	}

	o.mu.Lock()
	if cur, ok := o.snapshots[orgID]; ok && o.stored[orgID] > gen {
		o.mu.Unlock()
		appLog.Debug("refresh: dropping stale snapshot", "org", orgID, "generation", gen)
		return cur, nil
	}
	o.snapshots[orgID] = snap
	o.stored[orgID] = gen
	o.mu.Unlock()

	o.metrics.Refresh(orgID, time.Since(started), len(snap.Events), snap.conflicts.Len(), len(snap.Truncated), nil)
	appLog.Debug("refresh: snapshot built",
		"org", orgID,
		"events", len(snap.Events),
		"conflicts", snap.conflicts.Len(),
		"window", snap.WindowStart+".."+snap.WindowEnd,
	)

	o.publish(snap)
	return snap, nil
}

// fetchExceptions loads the exceptions of every event in
// parallel. An event whose fetch fails is expanded without exceptions.
func (o *Orchestrator) fetchExceptions(ctx context.Context, orgID string, events []model.BaseEvent) []model.ExceptionRecord {
	perEvent := make([][]model.ExceptionRecord, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FetchConcurrency)
	for i, ev := range events {
		g.Go(func() error {
			recs, err := o.src.FetchExceptions(gctx, orgID, ev.ID)
			if err != nil {
				appLog.Warn("refresh: exceptions unavailable, expanding without them",
					"org", orgID, "event_id", ev.ID, "err", err.Error())
				return nil
			}
			perEvent[i] = recs
			return nil
		})
	}
	_ = g.Wait()

	var out []model.ExceptionRecord
	for _, recs := range perEvent {
		out = append(out, recs...)
	}
	return out
}

// RefreshAll refreshes every organization the store knows. Failures of
// single organizations are joined into the returned error.
func (o *Orchestrator) RefreshAll(ctx context.Context) error {
	orgs, err := o.src.FetchOrganizations(ctx)
	if err != nil {
		return fmt.Errorf("refresh all: organizations: %w", err)
	}
	var errs []error
	known := make(map[string]bool, len(orgs))
	for _, org := range orgs {
		known[org.ID] = true
		if _, err := o.Refresh(ctx, org.ID); err != nil {
			appLog.Error("refresh failed", err, "org", org.ID)
			errs = append(errs, err)
		}
	}
	o.prune(known)
	return errors.Join(errs...)
}

// prune drops the snapshots and delivery history of organizations that no
// longer exist.
func (o *Orchestrator) prune(known map[string]bool) {
	o.mu.Lock()
	var gone []string
	for orgID := range o.snapshots {
		if !known[orgID] {
			gone = append(gone, orgID)
			delete(o.snapshots, orgID)
			delete(o.stored, orgID)
		}
	}
	o.mu.Unlock()

	for _, orgID := range gone {
		o.tracker.Forget(orgID)
		appLog.Info("refresh: organization removed", "org", orgID)
	}
}

// Tick computes the reminders due at now for every snapshot and hands the
// ones not delivered before to the sink.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) error {
	var errs []error
	for _, s := range o.all() {
		due := notify.CheckUpcoming(s.Events, now)
		due = append(due, notify.CheckTasksDue(s.Tasks, now)...)

		fresh := o.tracker.Filter(s.OrgID, due)
		if len(fresh) == 0 {
			continue
		}
		err := o.sink.Deliver(ctx, s.OrgID, fresh)
		o.metrics.Notifications(len(fresh), err)
		if err != nil {
			appLog.Error("notify: delivery failed", err, "org", s.OrgID, "count", len(fresh))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Watch subscribes to store changes so writes refresh the affected
// organization right away. Calling it more than once is harmless.
func (o *Orchestrator) Watch() {
	o.watchOnce.Do(func() {
		o.src.OnChange(func(orgID string) {
			ctx, cancel := context.WithTimeout(context.Background(), changeRefreshTimeout)
			defer cancel()
			if _, err := o.Refresh(ctx, orgID); err != nil {
				appLog.Error("refresh after change failed", err, "org", orgID)
			}
		})
	})
}

// Start watches the store, builds every snapshot once and schedules the
// periodic refresh and reminder ticks.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.Watch()

	if err := o.RefreshAll(ctx); err != nil {
		appLog.Warn("initial refresh incomplete", "err", err.Error())
	}

	c := cron.New(cron.WithLocation(o.cfg.Location))
	if _, err := c.AddFunc(o.cfg.RefreshSpec, func() {
		if err := o.RefreshAll(ctx); err != nil {
			appLog.Warn("scheduled refresh incomplete", "err", err.Error())
		}
	}); err != nil {
		return fmt.Errorf("orchestrator: refresh spec %q: %w", o.cfg.RefreshSpec, err)
	}
	if _, err := c.AddFunc(o.cfg.NotifySpec, func() {
		_ = o.Tick(ctx, o.now())
	}); err != nil {
		return fmt.Errorf("orchestrator: notify spec %q: %w", o.cfg.NotifySpec, err)
	}

	c.Start()
	o.cron = c
	appLog.Info("orchestrator started",
		"refresh", o.cfg.RefreshSpec,
		"notify", o.cfg.NotifySpec,
		"past_days", o.cfg.PastDays,
		"future_days", o.cfg.FutureDays,
	)
	return nil
}

// Stop halts the schedules and waits for running jobs.
func (o *Orchestrator) Stop() {
	if o.cron == nil {
		return
	}
	<-o.cron.Stop().Done()
	o.cron = nil
}
