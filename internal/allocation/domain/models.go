// Package domain contains allocation sources (shared compute-time budgets)
// and their periodically rebuilt usage snapshots. Source state on the
// critical path is mutated only through events so renewal history stays
// replayable; snapshots are materialized views that are safe to recompute
// from scratch.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// AllocationSource is a named compute-time budget, measured in CPU-hours.
// A negative ComputeAllowed means unlimited.
type AllocationSource struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	UUID            string       `gorm:"type:text;not null;uniqueIndex"`
	Name            string       `gorm:"type:text;not null;uniqueIndex"`
	ComputeAllowed  float64      `gorm:"not null"`
	StartDate       time.Time    `gorm:"not null"`
	EndDate         *time.Time   `gorm:""`
	RenewalStrategy string       `gorm:"type:text;not null"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AllocationSource) TableName() string { return "allocation_sources" }

// Valid reports whether the source has not expired as of now.
func (s AllocationSource) Valid(now time.Time) bool {
	return s.EndDate == nil || s.EndDate.After(now)
}

// Unlimited reports whether the budget is uncapped.
func (s AllocationSource) Unlimited() bool { return s.ComputeAllowed < 0 }

// AllocationSourceSnapshot is the per-source aggregate rebuilt by the
// snapshot worker. ComputeAllowed is denormalized and can diverge from the
// source row mid-carry-over; the snapshot is authoritative for consumption
// checks.
type AllocationSourceSnapshot struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	AllocationSourceID snowflake.ID `gorm:"not null;uniqueIndex"`
	ComputeUsed        float64      `gorm:"not null"`
	ComputeAllowed     float64      `gorm:"not null"`
	GlobalBurnRate     float64      `gorm:"not null"`
	LastRenewed        time.Time    `gorm:"not null"`
	Updated            time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (AllocationSourceSnapshot) TableName() string { return "allocation_source_snapshots" }

// UserAllocationSnapshot is the per-(user, source) aggregate.
type UserAllocationSnapshot struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	Username           string       `gorm:"type:text;not null;uniqueIndex:ux_user_alloc_snapshots,priority:1"`
	AllocationSourceID snowflake.ID `gorm:"not null;uniqueIndex:ux_user_alloc_snapshots,priority:2"`
	ComputeUsed        float64      `gorm:"not null"`
	BurnRate           float64      `gorm:"not null"`
	Updated            time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (UserAllocationSnapshot) TableName() string { return "user_allocation_snapshots" }

// UserAllocationSource links a user to a source they may draw down.
type UserAllocationSource struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	Username           string       `gorm:"type:text;not null;uniqueIndex:ux_user_alloc_sources,priority:1"`
	AllocationSourceID snowflake.ID `gorm:"not null;uniqueIndex:ux_user_alloc_sources,priority:2"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UserAllocationSource) TableName() string { return "user_allocation_sources" }
