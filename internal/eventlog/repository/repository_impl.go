package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/skystack/allocd/internal/eventlog/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type eventRepository struct{}

// Provide returns the gorm-backed event store.
func Provide() domain.Repository {
	return &eventRepository{}
}

func (r *eventRepository) Append(ctx context.Context, db *gorm.DB, event *domain.Event) error {
	if event == nil {
		return domain.ErrMissingEvent
	}
	if strings.TrimSpace(event.Name) == "" {
		return domain.ErrMissingName
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(event).Error
}

func (r *eventRepository) FindInRange(
	ctx context.Context,
	db *gorm.DB,
	name string,
	start, end time.Time,
	filters ...domain.Filter,
) ([]domain.Event, error) {
	var events []domain.Event
	stmt := db.WithContext(ctx).
		Where("name = ?", name).
		Where("timestamp >= ? AND timestamp <= ?", start, end).
		Order("timestamp ASC, id ASC")
	stmt = applyPayloadFilters(stmt, filters)
	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *eventRepository) LastBefore(
	ctx context.Context,
	db *gorm.DB,
	name string,
	before time.Time,
	filters ...domain.Filter,
) (*domain.Event, error) {
	var event domain.Event
	stmt := db.WithContext(ctx).
		Where("name = ?", name).
		Where("timestamp < ?", before).
		Order("timestamp DESC, id DESC")
	stmt = applyPayloadFilters(stmt, filters)
	err := stmt.First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *eventRepository) Exists(
	ctx context.Context,
	db *gorm.DB,
	name string,
	filters ...domain.Filter,
) (bool, error) {
	var count int64
	stmt := db.WithContext(ctx).
		Model(&domain.Event{}).
		Where("name = ?", name)
	stmt = applyPayloadFilters(stmt, filters)
	if err := stmt.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func applyPayloadFilters(stmt *gorm.DB, filters []domain.Filter) *gorm.DB {
	for _, f := range filters {
		stmt = stmt.Where(datatypes.JSONQuery("payload").Equals(f.Value, f.Key))
	}
	return stmt
}
