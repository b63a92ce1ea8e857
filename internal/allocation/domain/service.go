package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateRequest struct {
	Name            string
	ComputeAllowed  float64
	RenewalStrategy string
	StartDate       time.Time
	EndDate         *time.Time
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*AllocationSource, error)
	GetByName(ctx context.Context, name string) (*AllocationSource, error)
	List(ctx context.Context) ([]AllocationSource, error)

	// ResolveName maps an allocation-source reference as carried in event
	// payloads (uuid or numeric id) to the source name. An unresolvable
	// reference returns ErrUnknownSource: it indicates upstream corruption
	// and must be surfaced, not swallowed.
	ResolveName(ctx context.Context, sourceRef string) (string, error)

	AssignUser(ctx context.Context, username, sourceName string) error
	RemoveUser(ctx context.Context, username, sourceName string) error
	ListUsers(ctx context.Context, sourceID snowflake.ID) ([]string, error)

	// LastRenewedAt returns the timestamp of the source's most recent
	// created-or-renewed event, falling back to its start date.
	LastRenewedAt(ctx context.Context, source *AllocationSource) (time.Time, error)

	// Renew applies carry-over renewal semantics: unused budget rolls
	// forward, usage resets to zero, and a created-or-renewed event anchors
	// future days-since-renewed calculations. Returns the new total budget.
	Renew(ctx context.Context, source *AllocationSource, grant float64, at time.Time) (float64, error)

	SnapshotFor(ctx context.Context, sourceID snowflake.ID) (*AllocationSourceSnapshot, error)
	UpsertSnapshot(ctx context.Context, snapshot *AllocationSourceSnapshot) error
	UpsertUserSnapshot(ctx context.Context, snapshot *UserAllocationSnapshot) error
}

var (
	ErrInvalidName     = errors.New("invalid_source_name")
	ErrDuplicateName   = errors.New("duplicate_source_name")
	ErrSourceNotFound  = errors.New("source_not_found")
	ErrUnknownSource   = errors.New("unknown_source_reference")
	ErrInvalidUsername = errors.New("invalid_username")
)
