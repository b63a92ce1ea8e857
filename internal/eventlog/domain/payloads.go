package domain

// Payload field keys shared by writers and the reconstruction engine.
const (
	FieldInstanceID            = "instance_id"
	FieldUsername              = "username"
	FieldAllocationSourceID    = "allocation_source_id"
	FieldOldAllocationSourceID = "old_allocation_source_id"
	FieldAllocationSourceName  = "allocation_source_name"
	FieldUUID                  = "uuid"
	FieldComputeAllowed        = "compute_allowed"
	FieldThreshold             = "threshold"
	FieldUsagePercentage       = "usage_percentage"
	FieldPeriodStartedAt       = "period_started_at"
)

// InstanceAllocationSourceChangedPayload records an instance moving onto an
// allocation source. OldAllocationSourceID is empty for first assignment.
type InstanceAllocationSourceChangedPayload struct {
	InstanceID            string
	Username              string
	OldAllocationSourceID string
	AllocationSourceID    string
}

func (p InstanceAllocationSourceChangedPayload) ToMap() map[string]any {
	out := map[string]any{
		FieldInstanceID:         p.InstanceID,
		FieldUsername:           p.Username,
		FieldAllocationSourceID: p.AllocationSourceID,
	}
	if p.OldAllocationSourceID != "" {
		out[FieldOldAllocationSourceID] = p.OldAllocationSourceID
	}
	return out
}

// AllocationSourceCreatedOrRenewedPayload anchors days-since-renewed
// calculations; its timestamp is the renewal instant.
type AllocationSourceCreatedOrRenewedPayload struct {
	UUID                 string
	AllocationSourceName string
	ComputeAllowed       float64
}

func (p AllocationSourceCreatedOrRenewedPayload) ToMap() map[string]any {
	return map[string]any{
		FieldUUID:                 p.UUID,
		FieldAllocationSourceName: p.AllocationSourceName,
		FieldComputeAllowed:       p.ComputeAllowed,
	}
}

// UserAllocationSourcePayload covers both assignment and removal events.
type UserAllocationSourcePayload struct {
	Username             string
	AllocationSourceName string
}

func (p UserAllocationSourcePayload) ToMap() map[string]any {
	return map[string]any{
		FieldUsername:             p.Username,
		FieldAllocationSourceName: p.AllocationSourceName,
	}
}

// AllocationSourceThresholdMetPayload records a one-time budget threshold
// crossing. PeriodStartedAt scopes deduplication to the current renewal
// period so the same threshold notifies again after a renewal.
type AllocationSourceThresholdMetPayload struct {
	AllocationSourceName string
	Threshold            int
	UsagePercentage      float64
	PeriodStartedAt      string
}

func (p AllocationSourceThresholdMetPayload) ToMap() map[string]any {
	return map[string]any{
		FieldAllocationSourceName: p.AllocationSourceName,
		FieldThreshold:            p.Threshold,
		FieldUsagePercentage:      p.UsagePercentage,
		FieldPeriodStartedAt:      p.PeriodStartedAt,
	}
}
