package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	allocationdomain "github.com/skystack/allocd/internal/allocation/domain"
	allocationservice "github.com/skystack/allocd/internal/allocation/service"
	"github.com/skystack/allocd/internal/cache"
	"github.com/skystack/allocd/internal/chargerate"
	"github.com/skystack/allocd/internal/clock"
	eventdomain "github.com/skystack/allocd/internal/eventlog/domain"
	eventrepository "github.com/skystack/allocd/internal/eventlog/repository"
	instancedomain "github.com/skystack/allocd/internal/instance/domain"
	instancerepository "github.com/skystack/allocd/internal/instance/repository"
	"github.com/skystack/allocd/internal/migration"
	reportingdomain "github.com/skystack/allocd/internal/reporting/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type scheduleStub struct {
	schedule chargerate.Schedule
}

func (s *scheduleStub) Schedule() chargerate.Schedule { return s.schedule }

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	clk       *clock.FakeClock
	svc       reportingdomain.Service
	allocSvc  allocationdomain.Service
	eventRepo eventdomain.Repository
	instRepo  instancedomain.Repository
}

func setupReporting(t *testing.T, now time.Time, schedule chargerate.Schedule) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	require.NoError(t, migration.AutoMigrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(now)
	eventRepo := eventrepository.Provide()
	instRepo := instancerepository.Provide()

	allocSvc := allocationservice.NewService(allocationservice.ServiceParam{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		EventRepo:   eventRepo,
		SourceCache: cache.NewSourceResolverCache(),
	})

	svc := NewService(ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         clk,
		EventRepo:     eventRepo,
		InstanceRepo:  instRepo,
		AllocationSvc: allocSvc,
		Rates:         &scheduleStub{schedule: schedule},
	})

	return &fixture{
		db:        db,
		node:      node,
		clk:       clk,
		svc:       svc,
		allocSvc:  allocSvc,
		eventRepo: eventRepo,
		instRepo:  instRepo,
	}
}

func (f *fixture) createSource(t *testing.T, name string, allowed float64) *allocationdomain.AllocationSource {
	t.Helper()
	source, err := f.allocSvc.Create(context.Background(), allocationdomain.CreateRequest{
		Name:            name,
		ComputeAllowed:  allowed,
		RenewalStrategy: "default",
		StartDate:       f.clk.Now().Add(-30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return source
}

func (f *fixture) createSize(t *testing.T, cpu int) *instancedomain.Size {
	t.Helper()
	size := &instancedomain.Size{
		ID:       f.node.Generate(),
		Alias:    fmt.Sprintf("c%d", cpu),
		Name:     fmt.Sprintf("compute-%d", cpu),
		CPU:      cpu,
		MemoryMB: cpu * 2048,
		DiskGB:   40,
	}
	require.NoError(t, f.instRepo.InsertSize(context.Background(), f.db, size))
	return size
}

func (f *fixture) createInstance(t *testing.T, user, alias string, start time.Time) *instancedomain.Instance {
	t.Helper()
	inst := &instancedomain.Instance{
		ID:            f.node.Generate(),
		ProviderAlias: alias,
		CreatedBy:     user,
		StartDate:     start,
	}
	require.NoError(t, f.instRepo.Insert(context.Background(), f.db, inst))
	return inst
}

func (f *fixture) addHistory(
	t *testing.T,
	inst *instancedomain.Instance,
	size *instancedomain.Size,
	status string,
	start time.Time,
	end *time.Time,
) *instancedomain.InstanceStatusHistory {
	t.Helper()
	h := &instancedomain.InstanceStatusHistory{
		ID:         f.node.Generate(),
		InstanceID: inst.ID,
		SizeID:     size.ID,
		Status:     status,
		StartDate:  start,
		EndDate:    end,
	}
	require.NoError(t, f.db.Create(h).Error)
	return h
}

func (f *fixture) assignEvent(
	t *testing.T,
	inst *instancedomain.Instance,
	sourceRef string,
	at time.Time,
) {
	t.Helper()
	payload := eventdomain.InstanceAllocationSourceChangedPayload{
		InstanceID:         inst.ProviderAlias,
		Username:           inst.CreatedBy,
		AllocationSourceID: sourceRef,
	}
	err := f.eventRepo.Append(context.Background(), f.db, &eventdomain.Event{
		ID:        f.node.Generate(),
		Name:      eventdomain.EventInstanceAllocationSourceChanged,
		EntityID:  inst.ProviderAlias,
		Payload:   payload.ToMap(),
		Timestamp: at,
	})
	require.NoError(t, err)
}

func ts(day, hour int) time.Time {
	return time.Date(2026, time.January, day, hour, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func TestComputeUsageActiveHoursWeightedByCPU(t *testing.T) {
	f := setupReporting(t, ts(10, 18), chargerate.Default())
	source := f.createSource(t, "physics", 1000)
	size := f.createSize(t, 2)

	inst := f.createInstance(t, "alice", "vm-alice-1", ts(10, 9))
	f.assignEvent(t, inst, source.UUID, ts(9, 12))
	f.addHistory(t, inst, size, instancedomain.StatusActive, ts(10, 10), ptr(ts(10, 12)))
	f.addHistory(t, inst, size, instancedomain.StatusShutoff, ts(10, 12), nil)

	rows, err := f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		Start: ts(10, 0),
		End:   ts(11, 0),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	active := rows[0]
	assert.Equal(t, "alice", active.Username)
	assert.Equal(t, "physics", active.AllocationSource)
	assert.Equal(t, instancedomain.StatusActive, active.Status)
	assert.Equal(t, 2*time.Hour, active.Duration)
	// 2 hours at rate 1.0 on 2 CPUs.
	assert.InDelta(t, 14400, active.ApplicableDuration, 1e-9)

	shutoff := rows[1]
	assert.Equal(t, instancedomain.StatusShutoff, shutoff.Status)
	// Open interval extends to the engine clock.
	assert.Equal(t, ts(10, 18), shutoff.IntervalEnd)
	assert.Zero(t, shutoff.ApplicableDuration)
}

func TestComputeUsageLookbackAttributesPreWindowAssignment(t *testing.T) {
	f := setupReporting(t, ts(10, 18), chargerate.Default())
	source := f.createSource(t, "chemistry", 500)
	size := f.createSize(t, 1)

	assigned := f.createInstance(t, "alice", "vm-assigned", ts(1, 0))
	// Assignment happened days before the report window opens.
	f.assignEvent(t, assigned, source.UUID, ts(2, 0))
	f.addHistory(t, assigned, size, instancedomain.StatusActive, ts(10, 8), ptr(ts(10, 9)))

	orphan := f.createInstance(t, "alice", "vm-orphan", ts(1, 0))
	f.addHistory(t, orphan, size, instancedomain.StatusActive, ts(10, 8), ptr(ts(10, 9)))

	rows, err := f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		Start: ts(10, 0),
		End:   ts(11, 0),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	bySource := map[string]string{}
	for _, row := range rows {
		bySource[row.ProviderAlias] = row.AllocationSource
	}
	assert.Equal(t, "chemistry", bySource["vm-assigned"])
	assert.Equal(t, reportingdomain.SourceNA, bySource["vm-orphan"])
}

func TestComputeUsageSplitsIntervalAtAssignmentChange(t *testing.T) {
	f := setupReporting(t, ts(10, 18), chargerate.Default())
	first := f.createSource(t, "team-a", 100)
	second := f.createSource(t, "team-b", 100)
	size := f.createSize(t, 1)

	inst := f.createInstance(t, "alice", "vm-moved", ts(1, 0))
	f.assignEvent(t, inst, first.UUID, ts(2, 0))
	f.addHistory(t, inst, size, instancedomain.StatusActive, ts(10, 8), ptr(ts(10, 16)))
	// Reassigned mid-interval.
	f.assignEvent(t, inst, second.UUID, ts(10, 12))

	rows, err := f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		Start: ts(10, 0),
		End:   ts(11, 0),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "team-a", rows[0].AllocationSource)
	assert.Equal(t, ts(10, 8), rows[0].IntervalStart)
	assert.Equal(t, ts(10, 12), rows[0].IntervalEnd)
	assert.InDelta(t, 4*3600, rows[0].ApplicableDuration, 1e-9)

	assert.Equal(t, "team-b", rows[1].AllocationSource)
	assert.Equal(t, ts(10, 12), rows[1].IntervalStart)
	assert.Equal(t, ts(10, 16), rows[1].IntervalEnd)
	assert.InDelta(t, 4*3600, rows[1].ApplicableDuration, 1e-9)

	// Splitting never changes the total charged time.
	total := rows[0].ApplicableDuration + rows[1].ApplicableDuration
	assert.InDelta(t, 8*3600, total, 1e-9)
}

func TestComputeUsageClipsToReportWindow(t *testing.T) {
	f := setupReporting(t, ts(12, 0), chargerate.Default())
	size := f.createSize(t, 1)

	inst := f.createInstance(t, "alice", "vm-early", ts(1, 0))
	// Active since the day before the window; 18h wall clock, 6h inside.
	f.addHistory(t, inst, size, instancedomain.StatusActive, ts(9, 12), ptr(ts(10, 6)))

	rows, err := f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		Start: ts(10, 0),
		End:   ts(11, 0),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	// Interval bounds stay unclipped; only the charge is clipped.
	assert.Equal(t, ts(9, 12), row.IntervalStart)
	assert.Equal(t, 18*time.Hour, row.Duration)
	assert.InDelta(t, 6*3600, row.ApplicableDuration, 1e-9)
}

func TestComputeUsagePartialChargeRate(t *testing.T) {
	policyChange := ts(10, 12)
	f := setupReporting(t, ts(12, 0), chargerate.Schedule{
		{
			EffectiveDate: time.Time{},
			Rates: map[string]decimal.Decimal{
				chargerate.StatusActive: decimal.NewFromInt(1),
			},
		},
		{
			EffectiveDate: policyChange,
			Rates: map[string]decimal.Decimal{
				chargerate.StatusActive:        decimal.NewFromInt(1),
				instancedomain.StatusSuspended: decimal.RequireFromString("0.5"),
			},
		},
	})
	size := f.createSize(t, 2)

	inst := f.createInstance(t, "alice", "vm-suspended", ts(1, 0))
	// Suspended across the policy change: free before it, half rate after.
	f.addHistory(t, inst, size, instancedomain.StatusSuspended, ts(10, 10), ptr(ts(10, 14)))

	rows, err := f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		Start: ts(10, 0),
		End:   ts(11, 0),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// 2h free + 2h at 0.5 on 2 CPUs = 2 CPU-hours charged.
	assert.InDelta(t, 2*3600, rows[0].ApplicableDuration, 1e-6)
}

func TestComputeUsageDeterministic(t *testing.T) {
	f := setupReporting(t, ts(10, 18), chargerate.Default())
	source := f.createSource(t, "physics", 1000)
	size := f.createSize(t, 2)

	inst := f.createInstance(t, "alice", "vm-alice-1", ts(10, 9))
	f.assignEvent(t, inst, source.UUID, ts(9, 12))
	f.addHistory(t, inst, size, instancedomain.StatusActive, ts(10, 10), ptr(ts(10, 12)))

	req := reportingdomain.Request{Start: ts(10, 0), End: ts(11, 0)}
	first, err := f.svc.ComputeUsage(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.ComputeUsage(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestComputeUsageExcludesCorruptInstanceOnly(t *testing.T) {
	f := setupReporting(t, ts(10, 18), chargerate.Default())
	size := f.createSize(t, 1)

	corrupt := f.createInstance(t, "alice", "vm-corrupt", ts(1, 0))
	// Overlapping intervals violate the timeline shape.
	f.addHistory(t, corrupt, size, instancedomain.StatusActive, ts(10, 10), ptr(ts(10, 14)))
	f.addHistory(t, corrupt, size, instancedomain.StatusActive, ts(10, 12), ptr(ts(10, 16)))

	healthy := f.createInstance(t, "alice", "vm-healthy", ts(1, 0))
	f.addHistory(t, healthy, size, instancedomain.StatusActive, ts(10, 8), ptr(ts(10, 9)))

	rows, err := f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		Start: ts(10, 0),
		End:   ts(11, 0),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "vm-healthy", rows[0].ProviderAlias)
}

func TestComputeUsageExcludesUnresolvableSourceReference(t *testing.T) {
	f := setupReporting(t, ts(10, 18), chargerate.Default())
	size := f.createSize(t, 1)

	bad := f.createInstance(t, "alice", "vm-bad-ref", ts(1, 0))
	f.assignEvent(t, bad, "no-such-source-uuid", ts(2, 0))
	f.addHistory(t, bad, size, instancedomain.StatusActive, ts(10, 8), ptr(ts(10, 9)))

	good := f.createInstance(t, "alice", "vm-good", ts(1, 0))
	f.addHistory(t, good, size, instancedomain.StatusActive, ts(10, 8), ptr(ts(10, 9)))

	rows, err := f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		Start: ts(10, 0),
		End:   ts(11, 0),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "vm-good", rows[0].ProviderAlias)
}

func TestComputeUsageFiltersBySourceAndUser(t *testing.T) {
	f := setupReporting(t, ts(10, 18), chargerate.Default())
	teamA := f.createSource(t, "team-a", 100)
	teamB := f.createSource(t, "team-b", 100)
	size := f.createSize(t, 1)

	aliceInst := f.createInstance(t, "alice", "vm-alice", ts(1, 0))
	f.assignEvent(t, aliceInst, teamA.UUID, ts(2, 0))
	f.addHistory(t, aliceInst, size, instancedomain.StatusActive, ts(10, 8), ptr(ts(10, 9)))

	bobInst := f.createInstance(t, "bob", "vm-bob", ts(1, 0))
	f.assignEvent(t, bobInst, teamB.UUID, ts(2, 0))
	f.addHistory(t, bobInst, size, instancedomain.StatusActive, ts(10, 8), ptr(ts(10, 9)))

	rows, err := f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		Start:                ts(10, 0),
		End:                  ts(11, 0),
		AllocationSourceName: "team-b",
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "vm-bob", rows[0].ProviderAlias)

	rows, err = f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		Start:    ts(10, 0),
		End:      ts(11, 0),
		Username: "alice",
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0].Username)
}

func TestComputeUsageBurnRateResetsPerUser(t *testing.T) {
	f := setupReporting(t, ts(10, 18), chargerate.Default())
	big := f.createSize(t, 2)
	small := f.createSize(t, 1)

	aliceInst := f.createInstance(t, "alice", "vm-alice", ts(1, 0))
	f.addHistory(t, aliceInst, big, instancedomain.StatusActive, ts(10, 8), nil)

	bobInst := f.createInstance(t, "bob", "vm-bob", ts(1, 0))
	f.addHistory(t, bobInst, small, instancedomain.StatusActive, ts(10, 8), nil)

	rows, err := f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		Start: ts(10, 0),
		End:   ts(11, 0),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byUser := map[string]float64{}
	for _, row := range rows {
		byUser[row.Username] = row.BurnRate
	}
	assert.Equal(t, 2.0, byUser["alice"])
	assert.Equal(t, 1.0, byUser["bob"])
}

func TestComputeUsageAssignmentMidLifetime(t *testing.T) {
	t0 := ts(10, 0)
	f := setupReporting(t, t0.Add(200*time.Minute), chargerate.Default())
	source := f.createSource(t, "physics", 1000)
	size := f.createSize(t, 1)

	// Launched unassigned, put on the source ten minutes into its life,
	// suspended after 160 minutes total.
	inst := f.createInstance(t, "alice", "vm-1", t0.Add(30*time.Minute))
	f.addHistory(t, inst, size, instancedomain.StatusActive,
		t0.Add(30*time.Minute), ptr(t0.Add(160*time.Minute)))
	f.addHistory(t, inst, size, instancedomain.StatusSuspended,
		t0.Add(160*time.Minute), nil)
	f.assignEvent(t, inst, source.UUID, t0.Add(40*time.Minute))

	rows, err := f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		Start:                t0,
		End:                  t0.Add(160 * time.Minute),
		Username:             "alice",
		AllocationSourceName: "physics",
	})
	require.NoError(t, err)

	var hours float64
	for _, row := range rows {
		hours += row.ApplicableDuration / 3600
	}
	// 120 active minutes attributed to the source.
	assert.InDelta(t, 2.0, hours, 1e-6)
}

func TestComputeUsageAssignmentMidLifetimeShorterWindow(t *testing.T) {
	t0 := ts(10, 0)
	f := setupReporting(t, t0.Add(200*time.Minute), chargerate.Default())
	source := f.createSource(t, "physics", 1000)
	size := f.createSize(t, 1)

	inst := f.createInstance(t, "alice", "vm-1", t0.Add(30*time.Minute))
	f.addHistory(t, inst, size, instancedomain.StatusActive,
		t0.Add(30*time.Minute), ptr(t0.Add(120*time.Minute)))
	f.addHistory(t, inst, size, instancedomain.StatusSuspended,
		t0.Add(120*time.Minute), nil)
	f.assignEvent(t, inst, source.UUID, t0.Add(40*time.Minute))

	rows, err := f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		Start:                t0,
		End:                  t0.Add(120 * time.Minute),
		Username:             "alice",
		AllocationSourceName: "physics",
	})
	require.NoError(t, err)

	var hours float64
	for _, row := range rows {
		hours += row.ApplicableDuration / 3600
	}
	// 80 active minutes between assignment and suspension.
	assert.InDelta(t, 80.0/60.0, hours, 1e-6)
}

func TestComputeUsageInvalidWindow(t *testing.T) {
	f := setupReporting(t, ts(10, 18), chargerate.Default())

	_, err := f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		Start: ts(11, 0),
		End:   ts(10, 0),
	})
	assert.ErrorIs(t, err, reportingdomain.ErrInvalidWindow)

	_, err = f.svc.ComputeUsage(context.Background(), reportingdomain.Request{
		End: ts(10, 0),
	})
	assert.ErrorIs(t, err, reportingdomain.ErrInvalidWindow)
}
