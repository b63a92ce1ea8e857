// Package domain contains the append-only event record every accounting
// decision is reconstructed from. Events are immutable: the repository
// exposes append and query operations only, so renewal anchors and
// attribution history stay auditable and replayable.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Discriminators consumed by the accounting core.
const (
	EventInstanceAllocationSourceChanged  = "instance_allocation_source_changed"
	EventAllocationSourceCreatedOrRenewed = "allocation_source_created_or_renewed"
	EventUserAllocationSourceAssigned     = "user_allocation_source_assigned"
	EventUserAllocationSourceRemoved      = "user_allocation_source_removed"
	EventAllocationSourceThresholdMet     = "allocation_source_threshold_met"
)

// Event is a single immutable fact. EntityID identifies the subject the
// event is about (an instance provider alias, a username, a source uuid) and
// is used for cheap filtering; structured details live in Payload.
type Event struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	Name      string            `gorm:"type:text;not null;index:idx_events_name_ts,priority:1"`
	EntityID  string            `gorm:"type:text;not null;index"`
	Payload   datatypes.JSONMap `gorm:"type:jsonb;not null"`
	Timestamp time.Time         `gorm:"not null;index:idx_events_name_ts,priority:2"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Event) TableName() string { return "events" }

// PayloadString returns the named payload field as a string, or "" when the
// field is absent or not a string.
func (e Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadFloat returns the named payload field as a float64. JSON numbers
// decode as float64 regardless of how they were written.
func (e Event) PayloadFloat(key string) (float64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
