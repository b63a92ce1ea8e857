// Package domain defines the usage reconstruction contract: replaying
// allocation-change events against instance status history to produce a
// row-per-interval usage report with allocation-source attribution.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/skystack/allocd/internal/chargerate"
)

// SourceNA is the attribution for time an instance spent with no allocation
// source assigned.
const SourceNA = "N/A"

// Request bounds a usage report. Username and AllocationSourceName are
// optional filters; the source name is applied as a post-filter on produced
// rows.
type Request struct {
	Start                time.Time
	End                  time.Time
	Username             string
	AllocationSourceName string
}

// UsageRow is one (status-interval, allocation-source) sub-segment of an
// instance's timeline. ApplicableDuration is CPU-seconds after window
// clipping and charge-rate weighting; Duration is the unclipped wall clock
// of the segment.
type UsageRow struct {
	Username           string
	InstanceID         snowflake.ID
	AllocationSource   string
	ProviderAlias      string
	HistoryID          snowflake.ID
	CPU                int
	MemoryMB           int
	DiskGB             int
	IntervalStart      time.Time
	IntervalEnd        time.Time
	ReportStart        time.Time
	ReportEnd          time.Time
	Status             string
	Duration           time.Duration
	ApplicableDuration float64
	BurnRate           float64
}

type Service interface {
	// ComputeUsage replays events and status history over the request
	// window. It is a deterministic pure function of the stored records:
	// re-running it over the same data yields identical output.
	ComputeUsage(ctx context.Context, req Request) ([]UsageRow, error)
}

// ScheduleProvider hands the engine the charge-rate table currently in
// effect. Satisfied by config.ChargeRateHolder.
type ScheduleProvider interface {
	Schedule() chargerate.Schedule
}

var (
	// ErrInvalidWindow is a caller error: missing or inverted time bounds.
	ErrInvalidWindow = errors.New("invalid_report_window")
	// ErrDataIntegrity marks upstream corruption discovered during replay.
	ErrDataIntegrity = errors.New("report_data_integrity")
)
