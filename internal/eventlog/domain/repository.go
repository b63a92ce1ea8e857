package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrMissingEvent = errors.New("missing_event")
	ErrMissingName  = errors.New("missing_event_name")
)

// Filter is a payload-field equality condition.
type Filter struct {
	Key   string
	Value any
}

// Repository is the event-store abstraction: append plus time-bounded
// queries. There are deliberately no update or delete operations. Methods
// take the gorm handle so callers can run inside their own transactions.
type Repository interface {
	Append(ctx context.Context, db *gorm.DB, event *Event) error

	// FindInRange returns events with the given name whose timestamp falls
	// in [start, end], ascending by timestamp.
	FindInRange(ctx context.Context, db *gorm.DB, name string, start, end time.Time, filters ...Filter) ([]Event, error)

	// LastBefore returns the most recent event with the given name strictly
	// before the instant, or nil when none exists. This is the backward
	// lookback used to attribute pre-window assignments.
	LastBefore(ctx context.Context, db *gorm.DB, name string, before time.Time, filters ...Filter) (*Event, error)

	// Exists reports whether any matching event was ever recorded; used for
	// idempotent-by-dedup notification emission.
	Exists(ctx context.Context, db *gorm.DB, name string, filters ...Filter) (bool, error)
}
