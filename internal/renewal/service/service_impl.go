package service

import (
	"context"
	"time"

	allocationdomain "github.com/skystack/allocd/internal/allocation/domain"
	renewaldomain "github.com/skystack/allocd/internal/renewal/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// rule pairs an eligibility predicate with the action that fires on match.
type rule struct {
	name string
	when func(renewaldomain.State) bool
	then func(ctx context.Context, source *allocationdomain.AllocationSource, at time.Time) (renewaldomain.RenewalOutcome, error)
}

type ServiceParam struct {
	fx.In

	Log           *zap.Logger
	AllocationSvc allocationdomain.Service
}

type Service struct {
	log *zap.Logger

	allocationSvc allocationdomain.Service
	strategies    map[string]renewaldomain.Strategy
}

func NewService(p ServiceParam) renewaldomain.Service {
	return &Service{
		log: p.Log.Named("renewal.service"),

		allocationSvc: p.AllocationSvc,
		strategies:    renewaldomain.DefaultStrategies(),
	}
}

func (s *Service) EvaluateRenewal(
	ctx context.Context,
	source *allocationdomain.AllocationSource,
	currentTime time.Time,
) (renewaldomain.RenewalOutcome, error) {
	lastRenewed, err := s.allocationSvc.LastRenewedAt(ctx, source)
	if err != nil {
		return renewaldomain.RenewalOutcome{}, err
	}

	state := renewaldomain.State{
		Strategy:         source.RenewalStrategy,
		IsValid:          source.Valid(currentTime),
		DaysSinceRenewed: currentTime.Sub(lastRenewed).Hours() / 24,
	}

	// First match wins; rules after the matching one are never consulted.
	for _, r := range s.rules(state.Strategy) {
		if !r.when(state) {
			continue
		}
		s.log.Debug("renewal rule matched",
			zap.String("rule", r.name),
			zap.String("source", source.Name),
			zap.Float64("days_since_renewed", state.DaysSinceRenewed),
		)
		return r.then(ctx, source, currentTime)
	}

	return renewaldomain.RenewalOutcome{
		Renewed: false,
		Reason:  renewaldomain.ReasonNoRuleMatched,
	}, nil
}

func (s *Service) rules(strategyName string) []rule {
	strategy, known := s.strategies[strategyName]
	if !known {
		// Unknown strategy: nothing can match, the source is left alone.
		return nil
	}

	return []rule{
		{
			name: "non_renewing_strategy",
			when: func(renewaldomain.State) bool {
				return !strategy.Renewable
			},
			then: func(context.Context, *allocationdomain.AllocationSource, time.Time) (renewaldomain.RenewalOutcome, error) {
				return renewaldomain.RenewalOutcome{
					Renewed: false,
					Reason:  renewaldomain.ReasonCannotRenew,
				}, nil
			},
		},
		{
			name: "renewal_due",
			when: func(state renewaldomain.State) bool {
				return strategy.Renewable &&
					state.IsValid &&
					state.DaysSinceRenewed >= float64(strategy.RenewEveryDays)
			},
			then: func(ctx context.Context, source *allocationdomain.AllocationSource, at time.Time) (renewaldomain.RenewalOutcome, error) {
				newTotal, err := s.allocationSvc.Renew(ctx, source, strategy.GrantComputeHours, at)
				if err != nil {
					return renewaldomain.RenewalOutcome{}, err
				}
				return renewaldomain.RenewalOutcome{
					Renewed:           true,
					NewComputeAllowed: newTotal,
				}, nil
			},
		},
	}
}
