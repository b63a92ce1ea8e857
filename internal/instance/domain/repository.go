package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInstanceNotFound = errors.New("instance_not_found")
	// ErrConcurrentModification means the open history record a transition
	// expected to close was already closed by another writer. Callers should
	// re-fetch the open record and retry once.
	ErrConcurrentModification = errors.New("concurrent_history_modification")
	// ErrHistoryOverlap means more than one open record existed for one
	// instance, which indicates corrupted upstream data.
	ErrHistoryOverlap = errors.New("history_overlap")
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, instance *Instance) error
	InsertSize(ctx context.Context, db *gorm.DB, size *Size) error
	FindByAlias(ctx context.Context, db *gorm.DB, providerAlias string) (*Instance, error)

	// ListOverlapping returns instances whose lifetime intersects
	// [start, end], optionally restricted to one user's instances, ordered
	// by owner then start date for deterministic report output.
	ListOverlapping(ctx context.Context, db *gorm.DB, username string, start, end time.Time) ([]Instance, error)

	// HistoriesOverlapping returns the instance's status intervals that
	// intersect [start, end] with sizes preloaded, ordered by start date.
	HistoriesOverlapping(ctx context.Context, db *gorm.DB, instanceID snowflake.ID, start, end time.Time) ([]InstanceStatusHistory, error)

	// Begin opens the first status record for an instance.
	Begin(ctx context.Context, db *gorm.DB, history *InstanceStatusHistory) error

	// Transition atomically closes the instance's open record at
	// next.StartDate and opens next. It fails with
	// ErrConcurrentModification when no record was still open.
	Transition(ctx context.Context, db *gorm.DB, next *InstanceStatusHistory) error

	// Terminate sets the instance end date and closes any open history at
	// the same instant.
	Terminate(ctx context.Context, db *gorm.DB, instanceID snowflake.ID, at time.Time) error
}
