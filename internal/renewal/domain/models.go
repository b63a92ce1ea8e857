// Package domain defines the declarative renewal rule contract. Strategies
// and rules are data so new renewal policies can be added without touching
// the evaluator.
package domain

import (
	"context"
	"time"

	allocationdomain "github.com/skystack/allocd/internal/allocation/domain"
)

// Strategy is one named replenishment policy.
type Strategy struct {
	Name              string
	RenewEveryDays    int
	GrantComputeHours float64
	Renewable         bool
}

// DefaultStrategies is the shipped strategy table. Workshop sources are
// time-boxed and never replenish.
func DefaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		"default": {
			Name:              "default",
			RenewEveryDays:    30,
			GrantComputeHours: 168,
			Renewable:         true,
		},
		"biweekly": {
			Name:              "biweekly",
			RenewEveryDays:    14,
			GrantComputeHours: 84,
			Renewable:         true,
		},
		"workshop": {
			Name:      "workshop",
			Renewable: false,
		},
	}
}

// State is the condition input set for rule evaluation.
type State struct {
	Strategy         string
	IsValid          bool
	DaysSinceRenewed float64
}

// Outcome reasons for sources left unrenewed. A non-renewing strategy is an
// explicit terminal outcome callers may alert on; no rule matching is a valid,
// silent result.
const (
	ReasonCannotRenew   = "cannot_renew"
	ReasonNoRuleMatched = "no_rule_matched"
)

// RenewalOutcome reports what the engine decided for one source.
type RenewalOutcome struct {
	Renewed           bool
	NewComputeAllowed float64
	Reason            string
}

type Service interface {
	// EvaluateRenewal tries the rule set in declaration order; the first
	// matching rule's action fires. A renewal carries unused budget forward
	// and is recorded as a created-or-renewed event.
	EvaluateRenewal(ctx context.Context, source *allocationdomain.AllocationSource, currentTime time.Time) (RenewalOutcome, error)
}
