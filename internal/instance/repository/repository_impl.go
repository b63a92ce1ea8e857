package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/skystack/allocd/internal/instance/domain"
	"gorm.io/gorm"
)

type instanceRepository struct{}

// Provide returns the gorm-backed instance store.
func Provide() domain.Repository {
	return &instanceRepository{}
}

func (r *instanceRepository) Insert(ctx context.Context, db *gorm.DB, instance *domain.Instance) error {
	return db.WithContext(ctx).Create(instance).Error
}

func (r *instanceRepository) InsertSize(ctx context.Context, db *gorm.DB, size *domain.Size) error {
	return db.WithContext(ctx).Create(size).Error
}

func (r *instanceRepository) FindByAlias(ctx context.Context, db *gorm.DB, providerAlias string) (*domain.Instance, error) {
	var instance domain.Instance
	err := db.WithContext(ctx).
		Where("provider_alias = ?", strings.TrimSpace(providerAlias)).
		First(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, err
	}
	return &instance, nil
}

func (r *instanceRepository) ListOverlapping(
	ctx context.Context,
	db *gorm.DB,
	username string,
	start, end time.Time,
) ([]domain.Instance, error) {
	stmt := db.WithContext(ctx).
		Where("start_date <= ?", end).
		Where("end_date IS NULL OR end_date >= ?", start).
		Order("created_by ASC, start_date ASC, id ASC")
	if username != "" {
		stmt = stmt.Where("created_by = ?", username)
	}

	var instances []domain.Instance
	if err := stmt.Find(&instances).Error; err != nil {
		return nil, err
	}
	return instances, nil
}

func (r *instanceRepository) HistoriesOverlapping(
	ctx context.Context,
	db *gorm.DB,
	instanceID snowflake.ID,
	start, end time.Time,
) ([]domain.InstanceStatusHistory, error) {
	var histories []domain.InstanceStatusHistory
	err := db.WithContext(ctx).
		Preload("Size").
		Where("instance_id = ?", instanceID).
		Where("start_date < ?", end).
		Where("end_date IS NULL OR end_date > ?", start).
		Order("start_date ASC, id ASC").
		Find(&histories).Error
	if err != nil {
		return nil, err
	}
	return histories, nil
}

func (r *instanceRepository) Begin(ctx context.Context, db *gorm.DB, history *domain.InstanceStatusHistory) error {
	history.EndDate = nil
	return db.WithContext(ctx).Create(history).Error
}

func (r *instanceRepository) Transition(ctx context.Context, db *gorm.DB, next *domain.InstanceStatusHistory) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Compare-and-swap: the record to close must still be open. Closing
		// and opening happen in one transaction so the timeline keeps its
		// no-gaps, no-overlaps shape.
		res := tx.Model(&domain.InstanceStatusHistory{}).
			Where("instance_id = ? AND end_date IS NULL", next.InstanceID).
			Update("end_date", next.StartDate)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrConcurrentModification
		}
		if res.RowsAffected > 1 {
			return domain.ErrHistoryOverlap
		}

		next.EndDate = nil
		return tx.Create(next).Error
	})
}

func (r *instanceRepository) Terminate(ctx context.Context, db *gorm.DB, instanceID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Instance{}).
			Where("id = ? AND end_date IS NULL", instanceID).
			Updates(map[string]any{"end_date": at, "updated_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrInstanceNotFound
		}

		return tx.Model(&domain.InstanceStatusHistory{}).
			Where("instance_id = ? AND end_date IS NULL", instanceID).
			Update("end_date", at).Error
	})
}
