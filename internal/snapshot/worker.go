// Package snapshot rebuilds per-user and per-source usage aggregates from
// the reconstruction engine, then drives renewals and threshold
// notifications. Every write it performs is an idempotent recompute, so a
// failed or timed-out run is simply retried wholesale on the next tick.
package snapshot

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/skystack/allocd/internal/allocation/domain"
	"github.com/skystack/allocd/internal/clock"
	eventdomain "github.com/skystack/allocd/internal/eventlog/domain"
	instancedomain "github.com/skystack/allocd/internal/instance/domain"
	"github.com/skystack/allocd/internal/observability/metrics"
	renewaldomain "github.com/skystack/allocd/internal/renewal/domain"
	reportingdomain "github.com/skystack/allocd/internal/reporting/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	GenID         *snowflake.Node
	AllocationSvc allocationdomain.Service
	ReportingSvc  reportingdomain.Service
	RenewalSvc    renewaldomain.Service
	EventRepo     eventdomain.Repository
	Metrics       *metrics.SnapshotMetrics `optional:"true"`
	Config        Config                   `optional:"true"`
}

type Worker struct {
	db  *gorm.DB
	log *zap.Logger
	cfg Config

	clock         clock.Clock
	genID         *snowflake.Node
	allocationSvc allocationdomain.Service
	reportingSvc  reportingdomain.Service
	renewalSvc    renewaldomain.Service
	eventRepo     eventdomain.Repository
	metrics       *metrics.SnapshotMetrics
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:  p.DB,
		log: p.Log.Named("allocation.snapshot"),
		cfg: p.Config.withDefaults(),

		clock:         p.Clock,
		genID:         p.GenID,
		allocationSvc: p.AllocationSvc,
		reportingSvc:  p.ReportingSvc,
		renewalSvc:    p.RenewalSvc,
		eventRepo:     p.EventRepo,
		metrics:       p.Metrics,
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("snapshot run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) RunOnce(parentCtx context.Context) error {
	start := w.clock.Now()
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	sources, err := w.allocationSvc.List(ctx)
	if err != nil {
		w.observeRun("error", start)
		return err
	}

	failed := 0
	for i := range sources {
		source := sources[i]
		sourceCtx, cancelSource := context.WithTimeout(ctx, w.cfg.SourceTimeout)
		err := w.processSource(sourceCtx, &source)
		cancelSource()

		if err != nil {
			failed++
			w.log.Warn("snapshot source failed",
				zap.Error(err),
				zap.String("source", source.Name),
			)
			if w.metrics != nil {
				w.metrics.IncSourceError(source.Name)
			}
		}
	}

	outcome := "ok"
	if failed > 0 {
		outcome = "partial"
	}
	w.observeRun(outcome, start)
	return nil
}

// processSource recomputes one source's snapshots over the window since its
// last renewal, then evaluates renewal rules and threshold notifications.
func (w *Worker) processSource(ctx context.Context, source *allocationdomain.AllocationSource) error {
	now := w.clock.Now()

	windowStart, err := w.allocationSvc.LastRenewedAt(ctx, source)
	if err != nil {
		return err
	}
	users, err := w.allocationSvc.ListUsers(ctx, source.ID)
	if err != nil {
		return err
	}

	totalUsed := 0.0
	globalBurn := 0.0
	for _, username := range users {
		rows, err := w.reportingSvc.ComputeUsage(ctx, reportingdomain.Request{
			Start:                windowStart,
			End:                  now,
			Username:             username,
			AllocationSourceName: source.Name,
		})
		if err != nil {
			return err
		}

		used := 0.0
		burn := 0.0
		counted := make(map[snowflake.ID]bool)
		for _, row := range rows {
			used += row.ApplicableDuration / 3600
			if row.Status == instancedomain.StatusActive &&
				!row.IntervalEnd.Before(now) &&
				!counted[row.HistoryID] {
				burn += float64(row.CPU)
				counted[row.HistoryID] = true
			}
		}

		err = w.allocationSvc.UpsertUserSnapshot(ctx, &allocationdomain.UserAllocationSnapshot{
			Username:           username,
			AllocationSourceID: source.ID,
			ComputeUsed:        used,
			BurnRate:           burn,
			Updated:            now,
		})
		if err != nil {
			return err
		}

		totalUsed += used
		globalBurn += burn
	}

	computeAllowed := source.ComputeAllowed
	if snap, err := w.allocationSvc.SnapshotFor(ctx, source.ID); err == nil {
		computeAllowed = snap.ComputeAllowed
	} else if !errors.Is(err, allocationdomain.ErrSourceNotFound) {
		return err
	}

	err = w.allocationSvc.UpsertSnapshot(ctx, &allocationdomain.AllocationSourceSnapshot{
		AllocationSourceID: source.ID,
		ComputeUsed:        totalUsed,
		ComputeAllowed:     computeAllowed,
		GlobalBurnRate:     globalBurn,
		LastRenewed:        windowStart,
		Updated:            now,
	})
	if err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.SetSourceUsage(source.Name, totalUsed, globalBurn)
	}

	outcome, err := w.renewalSvc.EvaluateRenewal(ctx, source, now)
	if err != nil {
		return err
	}
	if outcome.Renewed {
		// The renewal reset usage and started a new period; thresholds are
		// re-evaluated against the fresh period on the next run.
		return nil
	}

	return w.checkThresholds(ctx, source, windowStart, totalUsed, computeAllowed)
}

// checkThresholds emits a one-time threshold-met event per crossing.
// Idempotence comes from deduplicating against the event log, not from a
// stateful "already notified" flag.
func (w *Worker) checkThresholds(
	ctx context.Context,
	source *allocationdomain.AllocationSource,
	periodStart time.Time,
	computeUsed, computeAllowed float64,
) error {
	if computeAllowed <= 0 {
		// Unlimited or empty budgets never cross a percentage threshold.
		return nil
	}
	percent := computeUsed / computeAllowed * 100

	thresholds := append([]int(nil), w.cfg.Thresholds...)
	sort.Ints(thresholds)
	periodStartedAt := periodStart.UTC().Format(time.RFC3339Nano)

	for _, threshold := range thresholds {
		if percent < float64(threshold) {
			break
		}

		exists, err := w.eventRepo.Exists(
			ctx, w.db,
			eventdomain.EventAllocationSourceThresholdMet,
			eventdomain.Filter{Key: eventdomain.FieldAllocationSourceName, Value: source.Name},
			eventdomain.Filter{Key: eventdomain.FieldThreshold, Value: threshold},
			eventdomain.Filter{Key: eventdomain.FieldPeriodStartedAt, Value: periodStartedAt},
		)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		payload := eventdomain.AllocationSourceThresholdMetPayload{
			AllocationSourceName: source.Name,
			Threshold:            threshold,
			UsagePercentage:      percent,
			PeriodStartedAt:      periodStartedAt,
		}
		err = w.eventRepo.Append(ctx, w.db, &eventdomain.Event{
			ID:        w.genID.Generate(),
			Name:      eventdomain.EventAllocationSourceThresholdMet,
			EntityID:  source.UUID,
			Payload:   payload.ToMap(),
			Timestamp: w.clock.Now(),
		})
		if err != nil {
			return err
		}

		w.log.Info("allocation source threshold met",
			zap.String("source", source.Name),
			zap.Int("threshold", threshold),
			zap.Float64("usage_percentage", percent),
		)
		if w.metrics != nil {
			w.metrics.IncThresholdEvent(strconv.Itoa(threshold))
		}
	}
	return nil
}

func (w *Worker) observeRun(outcome string, start time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.ObserveRun(outcome, w.clock.Now().Sub(start))
}
