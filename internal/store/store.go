// Package store persists organizations, collaborators, base events,
// exceptions and tasks, and tells listeners when an organization changes.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"orgcal/internal/model"
)

// ErrNotFound is returned when a record does not exist in the organization.
var ErrNotFound = errors.New("not found")

// Source is the read side the schedule orchestrator consumes.
type Source interface {
	FetchOrganizations(ctx context.Context) ([]model.Organization, error)
	FetchBaseEvents(ctx context.Context, orgID string) ([]model.BaseEvent, error)
	FetchExceptions(ctx context.Context, orgID, baseEventID string) ([]model.ExceptionRecord, error)
	FetchTasks(ctx context.Context, orgID string) ([]model.Task, error)
	OnChange(fn func(orgID string))
}

// GormStore implements Source plus the write operations of the HTTP API.
type GormStore struct {
	db *gorm.DB

	mu        sync.RWMutex
	listeners []func(orgID string)
}

// Open connects to dsn with driver "sqlite" or "postgres". An empty driver
// picks Postgres for DSNs starting with postgres:// or postgresql:// and
// SQLite otherwise (":memory:" included).
func Open(driver, dsn string) (*GormStore, error) {
	if dsn == "" {
		return nil, errors.New("store: empty dsn")
	}
	if driver == "" {
		driver = DriverFor(dsn)
	}
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(
		&model.Organization{},
		&model.Collaborator{},
		&model.BaseEvent{},
		&model.ExceptionRecord{},
		&model.Task{},
	); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OnChange registers fn to be called after every write to an organization.
func (s *GormStore) OnChange(fn func(orgID string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *GormStore) changed(orgID string) {
	s.mu.RLock()
	listeners := append([]func(string){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(orgID)
	}
}

// DriverFor guesses the driver of dsn from its scheme.
func DriverFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

func newID() string {
	return uuid.NewString()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Organizations

func (s *GormStore) FetchOrganizations(ctx context.Context) ([]model.Organization, error) {
	var orgs []model.Organization
	err := s.db.WithContext(ctx).Order("name ASC, id ASC").Find(&orgs).Error
	return orgs, err
}

func (s *GormStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	var org model.Organization
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&org).Error; err != nil {
		return nil, notFound(err)
	}
	return &org, nil
}

func (s *GormStore) CreateOrganization(ctx context.Context, org *model.Organization) error {
	if org.ID == "" {
		org.ID = newID()
	}
	if err := s.db.WithContext(ctx).Create(org).Error; err != nil {
		return err
	}
	s.changed(org.ID)
	return nil
}

// Collaborators

func (s *GormStore) ListCollaborators(ctx context.Context, orgID string) ([]model.Collaborator, error) {
	var out []model.Collaborator
	err := s.db.WithContext(ctx).Where("organization_id = ?", orgID).Order("name ASC").Find(&out).Error
	return out, err
}

func (s *GormStore) GetCollaborator(ctx context.Context, orgID, id string) (*model.Collaborator, error) {
	var c model.Collaborator
	if err := s.db.WithContext(ctx).Where("organization_id = ? AND id = ?", orgID, id).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *GormStore) SaveCollaborator(ctx context.Context, c *model.Collaborator) error {
	if c.ID == "" {
		c.ID = newID()
	}
	if err := s.db.WithContext(ctx).Save(c).Error; err != nil {
		return err
	}
	s.changed(c.OrganizationID)
	return nil
}

func (s *GormStore) DeleteCollaborator(ctx context.Context, orgID, id string) error {
	res := s.db.WithContext(ctx).Where("organization_id = ? AND id = ?", orgID, id).Delete(&model.Collaborator{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.changed(orgID)
	return nil
}

// Base events

func (s *GormStore) FetchBaseEvents(ctx context.Context, orgID string) ([]model.BaseEvent, error) {
	var out []model.BaseEvent
	err := s.db.WithContext(ctx).Where("organization_id = ?", orgID).Order("date ASC, id ASC").Find(&out).Error
	return out, err
}

func (s *GormStore) GetBaseEvent(ctx context.Context, orgID, id string) (*model.BaseEvent, error) {
	var ev model.BaseEvent
	if err := s.db.WithContext(ctx).Where("organization_id = ? AND id = ?", orgID, id).First(&ev).Error; err != nil {
		return nil, notFound(err)
	}
	return &ev, nil
}

func (s *GormStore) SaveBaseEvent(ctx context.Context, ev *model.BaseEvent) error {
	if ev.ID == "" {
		ev.ID = newID()
	}
	if err := s.db.WithContext(ctx).Save(ev).Error; err != nil {
		return err
	}
	s.changed(ev.OrganizationID)
	return nil
}

// DeleteBaseEvent removes the event and its exceptions.
func (s *GormStore) DeleteBaseEvent(ctx context.Context, orgID, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("organization_id = ? AND id = ?", orgID, id).Delete(&model.BaseEvent{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("base_event_id = ?", id).Delete(&model.ExceptionRecord{}).Error
	})
	if err != nil {
		return err
	}
	s.changed(orgID)
	return nil
}

// SplitBaseEvent stores the result of splitting a series at fromDate: the
// shortened head (nil to delete the original), the new tail, and moves the
// original's exceptions dated fromDate or later onto the tail.
func (s *GormStore) SplitBaseEvent(ctx context.Context, orgID, originalID string, head *model.BaseEvent, tail *model.BaseEvent, fromDate string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if head != nil {
			if err := tx.Save(head).Error; err != nil {
				return err
			}
		} else if err := tx.Where("organization_id = ? AND id = ?", orgID, originalID).Delete(&model.BaseEvent{}).Error; err != nil {
			return err
		}
		if tail == nil {
			return tx.Where("base_event_id = ? AND original_date >= ?", originalID, fromDate).
				Delete(&model.ExceptionRecord{}).Error
		}
		if tail.ID == "" {
			tail.ID = newID()
		}
		if err := tx.Create(tail).Error; err != nil {
			return err
		}
		return tx.Model(&model.ExceptionRecord{}).
			Where("base_event_id = ? AND original_date >= ?", originalID, fromDate).
			Update("base_event_id", tail.ID).Error
	})
	if err != nil {
		return err
	}
	s.changed(orgID)
	return nil
}

// Exceptions

// FetchExceptions returns the exceptions of a base event in orgID. An
// unknown event yields an empty list.
func (s *GormStore) FetchExceptions(ctx context.Context, orgID, baseEventID string) ([]model.ExceptionRecord, error) {
	var out []model.ExceptionRecord
	err := s.db.WithContext(ctx).
		Joins("JOIN base_events ON base_events.id = exception_records.base_event_id").
		Where("base_events.organization_id = ? AND exception_records.base_event_id = ?", orgID, baseEventID).
		Order("exception_records.original_date ASC").
		Find(&out).Error
	return out, err
}

// GetException returns the exception for one occurrence, or ErrNotFound.
func (s *GormStore) GetException(ctx context.Context, baseEventID, originalDate string) (*model.ExceptionRecord, error) {
	var rec model.ExceptionRecord
	err := s.db.WithContext(ctx).
		Where("base_event_id = ? AND original_date = ?", baseEventID, originalDate).
		First(&rec).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// PutException writes the exception for (BaseEventID, OriginalDate),
// replacing any previous one.
func (s *GormStore) PutException(ctx context.Context, orgID string, rec *model.ExceptionRecord) error {
	if rec.ID == "" {
		rec.ID = newID()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "base_event_id"}, {Name: "original_date"}},
		DoUpdates: clause.AssignmentColumns([]string{"deleted", "modified_data"}),
	}).Create(rec).Error
	if err != nil {
		return err
	}
	s.changed(orgID)
	return nil
}

// ImportBatch upserts base events by id and exceptions by occurrence in
// one transaction, notifying listeners once.
func (s *GormStore) ImportBatch(ctx context.Context, orgID string, events []model.BaseEvent, exceptions []model.ExceptionRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range events {
			events[i].OrganizationID = orgID
			if err := tx.Save(&events[i]).Error; err != nil {
				return err
			}
		}
		for i := range exceptions {
			rec := &exceptions[i]
			if rec.ID == "" {
				rec.ID = newID()
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "base_event_id"}, {Name: "original_date"}},
				DoUpdates: clause.AssignmentColumns([]string{"deleted", "modified_data"}),
			}).Create(rec).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.changed(orgID)
	return nil
}

// Tasks

func (s *GormStore) FetchTasks(ctx context.Context, orgID string) ([]model.Task, error) {
	var out []model.Task
	err := s.db.WithContext(ctx).Where("organization_id = ?", orgID).Order("created_at ASC").Find(&out).Error
	return out, err
}

func (s *GormStore) GetTask(ctx context.Context, orgID, id string) (*model.Task, error) {
	var task model.Task
	if err := s.db.WithContext(ctx).Where("organization_id = ? AND id = ?", orgID, id).First(&task).Error; err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

func (s *GormStore) SaveTask(ctx context.Context, task *model.Task) error {
	if task.ID == "" {
		task.ID = newID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = model.TaskTodo
	}
	if err := s.db.WithContext(ctx).Save(task).Error; err != nil {
		return err
	}
	s.changed(task.OrganizationID)
	return nil
}

func (s *GormStore) DeleteTask(ctx context.Context, orgID, id string) error {
	res := s.db.WithContext(ctx).Where("organization_id = ? AND id = ?", orgID, id).Delete(&model.Task{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.changed(orgID)
	return nil
}
