// Package domain contains the instance lifecycle records the usage engine
// replays: the instance itself plus its append-only status history.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Well-known status names. The set is open: upstream drivers may report
// statuses not listed here, and the charge-rate table decides what each one
// costs.
const (
	StatusActive    = "active"
	StatusBuild     = "build"
	StatusSuspended = "suspended"
	StatusShutoff   = "shutoff"
	StatusError     = "error"
	StatusUnknown   = "unknown"
)

// Instance is a virtual machine owned by a user. ProviderAlias is the stable
// external identifier carried in event payloads.
type Instance struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	ProviderAlias string       `gorm:"type:text;not null;uniqueIndex"`
	CreatedBy     string       `gorm:"type:text;not null;index"`
	StartDate     time.Time    `gorm:"not null"`
	EndDate       *time.Time   `gorm:""`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Instance) TableName() string { return "instances" }

// Size is a machine flavor. CPU weights applicable duration.
type Size struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	Alias    string       `gorm:"type:text;not null"`
	Name     string       `gorm:"type:text;not null"`
	CPU      int          `gorm:"not null"`
	MemoryMB int          `gorm:"not null"`
	DiskGB   int          `gorm:"not null"`
}

// TableName sets the database table name.
func (Size) TableName() string { return "sizes" }

// InstanceStatusHistory is one interval of an instance's status timeline.
// Per instance the records form a gapless, non-overlapping sequence ordered
// by StartDate, with at most one open record (EndDate null) at a time. A
// transition closes the open record and opens the next one at the same
// instant. Upstream data can violate this; readers verify defensively.
type InstanceStatusHistory struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	InstanceID snowflake.ID `gorm:"not null;index"`
	SizeID     snowflake.ID `gorm:"not null"`
	Size       Size         `gorm:"foreignKey:SizeID"`
	Status     string       `gorm:"type:text;not null"`
	StartDate  time.Time    `gorm:"not null;index"`
	EndDate    *time.Time   `gorm:""`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InstanceStatusHistory) TableName() string { return "instance_status_histories" }

// Open reports whether the interval has not ended yet.
func (h InstanceStatusHistory) Open() bool { return h.EndDate == nil }
