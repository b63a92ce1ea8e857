package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	allocationdomain "github.com/skystack/allocd/internal/allocation/domain"
	"github.com/skystack/allocd/internal/chargerate"
	"github.com/skystack/allocd/internal/clock"
	eventdomain "github.com/skystack/allocd/internal/eventlog/domain"
	instancedomain "github.com/skystack/allocd/internal/instance/domain"
	reportingdomain "github.com/skystack/allocd/internal/reporting/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	EventRepo     eventdomain.Repository
	InstanceRepo  instancedomain.Repository
	AllocationSvc allocationdomain.Service
	Rates         reportingdomain.ScheduleProvider
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock         clock.Clock
	eventRepo     eventdomain.Repository
	instanceRepo  instancedomain.Repository
	allocationSvc allocationdomain.Service
	rates         reportingdomain.ScheduleProvider
}

func NewService(p ServiceParam) reportingdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("reporting.service"),

		clock:         p.Clock,
		eventRepo:     p.EventRepo,
		instanceRepo:  p.InstanceRepo,
		allocationSvc: p.AllocationSvc,
		rates:         p.Rates,
	}
}

func (s *Service) ComputeUsage(ctx context.Context, req reportingdomain.Request) ([]reportingdomain.UsageRow, error) {
	if req.Start.IsZero() || req.End.IsZero() || req.End.Before(req.Start) {
		return nil, reportingdomain.ErrInvalidWindow
	}
	now := s.clock.Now()
	schedule := s.rates.Schedule()

	// Stage 1: candidate events and instances.
	events, err := s.selectEvents(ctx, req)
	if err != nil {
		return nil, err
	}
	instances, err := s.instanceRepo.ListOverlapping(ctx, s.db, req.Username, req.Start, req.End)
	if err != nil {
		return nil, err
	}

	// Stage 2: allocation-change events grouped per instance.
	eventsByInstance := groupEventsByInstance(events)

	rows := make([]reportingdomain.UsageRow, 0, len(instances))
	burnSoFar := 0.0
	currentUser := ""
	for i := range instances {
		inst := instances[i]
		if inst.CreatedBy != currentUser {
			currentUser = inst.CreatedBy
			burnSoFar = 0
		}

		instRows, err := s.reconstructInstance(ctx, inst, eventsByInstance[inst.ProviderAlias], req, schedule, now, &burnSoFar)
		if err != nil {
			// One bad instance must not block reporting for everyone else.
			if errors.Is(err, allocationdomain.ErrUnknownSource) || errors.Is(err, reportingdomain.ErrDataIntegrity) {
				s.log.Error("excluding instance from usage report",
					zap.Error(err),
					zap.String("username", inst.CreatedBy),
					zap.String("provider_alias", inst.ProviderAlias),
				)
				continue
			}
			return nil, err
		}
		rows = append(rows, instRows...)
	}

	if req.AllocationSourceName != "" {
		filtered := rows[:0]
		for _, row := range rows {
			if row.AllocationSource == req.AllocationSourceName {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	return rows, nil
}

func (s *Service) selectEvents(ctx context.Context, req reportingdomain.Request) ([]eventdomain.Event, error) {
	events, err := s.eventRepo.FindInRange(
		ctx, s.db,
		eventdomain.EventInstanceAllocationSourceChanged,
		req.Start, req.End,
	)
	if err != nil {
		return nil, err
	}
	if req.Username == "" {
		return events, nil
	}

	filtered := events[:0]
	for _, ev := range events {
		if ev.PayloadString(eventdomain.FieldUsername) == req.Username || ev.EntityID == req.Username {
			filtered = append(filtered, ev)
		}
	}
	return filtered, nil
}

func groupEventsByInstance(events []eventdomain.Event) map[string][]eventdomain.Event {
	grouped := make(map[string][]eventdomain.Event, len(events))
	for _, ev := range events {
		alias := ev.PayloadString(eventdomain.FieldInstanceID)
		if alias == "" {
			continue
		}
		grouped[alias] = append(grouped[alias], ev)
	}
	return grouped
}

// reconstructInstance merges one instance's status intervals with its
// allocation-change events, splitting every interval at each event timestamp
// that falls strictly inside it.
func (s *Service) reconstructInstance(
	ctx context.Context,
	inst instancedomain.Instance,
	events []eventdomain.Event,
	req reportingdomain.Request,
	schedule chargerate.Schedule,
	now time.Time,
	burnSoFar *float64,
) ([]reportingdomain.UsageRow, error) {
	// Stage 3: status intervals intersecting the window.
	histories, err := s.instanceRepo.HistoriesOverlapping(ctx, s.db, inst.ID, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	if err := verifyHistoryInvariants(histories); err != nil {
		return nil, err
	}

	// The attribution for the first, event-less segment must come from the
	// most recent assignment before the window, not default to N/A: an
	// in-window-only scan silently misattributes instances assigned before
	// the report began.
	current, err := s.lookbackSource(ctx, inst, req.Start)
	if err != nil {
		return nil, err
	}

	rows := make([]reportingdomain.UsageRow, 0, len(histories))
	burnCounted := false
	idx := 0

	// Stage 4: merge.
	for _, h := range histories {
		histEnd := now
		if h.EndDate != nil {
			histEnd = *h.EndDate
		}

		// Events at or before this interval's start change the attribution
		// without splitting anything.
		for idx < len(events) && !events[idx].Timestamp.After(h.StartDate) {
			current, err = s.sourceFromEvent(ctx, events[idx])
			if err != nil {
				return nil, err
			}
			idx++
		}

		segStart := h.StartDate
		for {
			segEnd := histEnd
			splitAt := -1
			if idx < len(events) && events[idx].Timestamp.Before(histEnd) {
				segEnd = events[idx].Timestamp
				splitAt = idx
			}

			row := reportingdomain.UsageRow{
				Username:         inst.CreatedBy,
				InstanceID:       inst.ID,
				AllocationSource: current,
				ProviderAlias:    inst.ProviderAlias,
				HistoryID:        h.ID,
				CPU:              h.Size.CPU,
				MemoryMB:         h.Size.MemoryMB,
				DiskGB:           h.Size.DiskGB,
				IntervalStart:    segStart,
				IntervalEnd:      segEnd,
				ReportStart:      req.Start,
				ReportEnd:        req.End,
				Status:           h.Status,
				Duration:         segEnd.Sub(segStart),
			}
			row.ApplicableDuration = applicableDuration(h.Status, schedule, segStart, segEnd, h.Size.CPU, req)

			if !burnCounted && splitAt == -1 && h.Open() && inst.EndDate == nil && h.Status == instancedomain.StatusActive {
				*burnSoFar += float64(h.Size.CPU)
				burnCounted = true
			}
			row.BurnRate = *burnSoFar
			rows = append(rows, row)

			if splitAt == -1 {
				break
			}
			current, err = s.sourceFromEvent(ctx, events[splitAt])
			if err != nil {
				return nil, err
			}
			segStart = segEnd
			idx++
		}
	}
	return rows, nil
}

// lookbackSource resolves the attribution in effect when the window opens by
// searching backward past the window start for the latest assignment event.
func (s *Service) lookbackSource(ctx context.Context, inst instancedomain.Instance, windowStart time.Time) (string, error) {
	event, err := s.eventRepo.LastBefore(
		ctx, s.db,
		eventdomain.EventInstanceAllocationSourceChanged,
		windowStart,
		eventdomain.Filter{Key: eventdomain.FieldInstanceID, Value: inst.ProviderAlias},
	)
	if err != nil {
		return "", err
	}
	if event == nil {
		return reportingdomain.SourceNA, nil
	}
	return s.sourceFromEvent(ctx, *event)
}

func (s *Service) sourceFromEvent(ctx context.Context, event eventdomain.Event) (string, error) {
	ref := event.PayloadString(eventdomain.FieldAllocationSourceID)
	if ref == "" {
		ref = event.PayloadString("new_allocation_source_id")
	}
	if ref == "" {
		return reportingdomain.SourceNA, nil
	}
	name, err := s.allocationSvc.ResolveName(ctx, ref)
	if err != nil {
		return "", err
	}
	return name, nil
}

// applicableDuration is charge-rate-weighted CPU-seconds, clipped to the
// report window. Time outside the window is never counted.
func applicableDuration(
	status string,
	schedule chargerate.Schedule,
	segStart, segEnd time.Time,
	cpu int,
	req reportingdomain.Request,
) float64 {
	clippedStart := segStart
	if clippedStart.Before(req.Start) {
		clippedStart = req.Start
	}
	clippedEnd := segEnd
	if clippedEnd.After(req.End) {
		clippedEnd = req.End
	}
	if !clippedEnd.After(clippedStart) {
		return 0
	}

	rate := chargerate.EffectiveRate(status, schedule, clippedStart, clippedEnd)
	if rate.IsZero() {
		return 0
	}
	seconds := decimal.NewFromFloat(clippedEnd.Sub(clippedStart).Seconds())
	applicable := rate.Mul(seconds).Mul(decimal.NewFromInt(int64(cpu)))
	return applicable.InexactFloat64()
}

func verifyHistoryInvariants(histories []instancedomain.InstanceStatusHistory) error {
	open := 0
	for i, h := range histories {
		if h.Open() {
			open++
		}
		if i > 0 {
			prev := histories[i-1]
			if prev.EndDate == nil {
				// An open record must be the last one.
				return fmt.Errorf("%w: open interval %d is not last", reportingdomain.ErrDataIntegrity, prev.ID)
			}
			if prev.EndDate.After(h.StartDate) {
				return fmt.Errorf("%w: intervals %d and %d overlap", reportingdomain.ErrDataIntegrity, prev.ID, h.ID)
			}
		}
	}
	if open > 1 {
		return fmt.Errorf("%w: multiple open intervals", reportingdomain.ErrDataIntegrity)
	}
	return nil
}
