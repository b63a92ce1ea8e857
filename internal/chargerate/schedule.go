// Package chargerate resolves the fraction of wall-clock time that a given
// instance status counts against a compute budget. Rates are kept in a
// piecewise-constant, time-varying table so a policy change (for example
// starting to charge 75% for suspended instances on a given date) is charged
// proportionally inside an interval instead of all-or-nothing.
package chargerate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// StatusActive is the only status charged under the default schedule.
const StatusActive = "active"

// Entry is one slice of the charge-rate table. Rates maps a status name to a
// decimal fraction in [0,1]; a status absent from the map is free.
type Entry struct {
	EffectiveDate time.Time
	Rates         map[string]decimal.Decimal
}

// Schedule is an ordered sequence of entries, ascending by effective date.
type Schedule []Entry

// Default returns the binary schedule: active time charges at 1.0, every
// other status is free.
func Default() Schedule {
	return Schedule{
		{
			EffectiveDate: time.Time{},
			Rates: map[string]decimal.Decimal{
				StatusActive: decimal.NewFromInt(1),
			},
		},
	}
}

// Normalize returns a copy of the schedule sorted ascending by effective
// date. Resolvers assume this ordering.
func (s Schedule) Normalize() Schedule {
	out := make(Schedule, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EffectiveDate.Before(out[j].EffectiveDate)
	})
	return out
}

// RateAtDate returns the charge rate for status at the given instant: the
// rate from the last entry whose effective date is not after the instant.
// No entry in effect, or status missing from the entry, means free.
func RateAtDate(status string, schedule Schedule, at time.Time) decimal.Decimal {
	rate := decimal.Zero
	for _, entry := range schedule {
		if entry.EffectiveDate.After(at) {
			break
		}
		if r, ok := entry.Rates[status]; ok {
			rate = r
		} else {
			rate = decimal.Zero
		}
	}
	return rate
}

// EffectiveRate returns the duration-weighted mean charge rate for status
// over [start, end). The interval is partitioned at every schedule effective
// date that falls strictly inside it; each piece is weighted by its length.
// A zero-length interval degenerates to RateAtDate at that instant.
func EffectiveRate(status string, schedule Schedule, start, end time.Time) decimal.Decimal {
	if !end.After(start) {
		return RateAtDate(status, schedule, start)
	}

	cuts := []time.Time{start}
	for _, entry := range schedule {
		if entry.EffectiveDate.After(start) && entry.EffectiveDate.Before(end) {
			cuts = append(cuts, entry.EffectiveDate)
		}
	}
	cuts = append(cuts, end)
	sort.Slice(cuts, func(i, j int) bool { return cuts[i].Before(cuts[j]) })

	total := decimal.Zero
	weighted := decimal.Zero
	for i := 0; i < len(cuts)-1; i++ {
		duration := decimal.NewFromFloat(cuts[i+1].Sub(cuts[i]).Seconds())
		weighted = weighted.Add(RateAtDate(status, schedule, cuts[i]).Mul(duration))
		total = total.Add(duration)
	}
	return weighted.Div(total)
}
