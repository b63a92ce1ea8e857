package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	allocationdomain "github.com/skystack/allocd/internal/allocation/domain"
	"github.com/skystack/allocd/internal/cache"
	"github.com/skystack/allocd/internal/clock"
	eventdomain "github.com/skystack/allocd/internal/eventlog/domain"
	"github.com/skystack/allocd/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	EventRepo   eventdomain.Repository
	SourceCache cache.SourceResolverCache
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	clock       clock.Clock
	eventRepo   eventdomain.Repository
	sourceCache cache.SourceResolverCache
}

func NewService(p ServiceParam) allocationdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("allocation.service"),

		genID:       p.GenID,
		clock:       p.Clock,
		eventRepo:   p.EventRepo,
		sourceCache: p.SourceCache,
	}
}

func (s *Service) Create(ctx context.Context, req allocationdomain.CreateRequest) (*allocationdomain.AllocationSource, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, allocationdomain.ErrInvalidName
	}

	startDate := req.StartDate
	if startDate.IsZero() {
		startDate = s.clock.Now()
	}

	source := &allocationdomain.AllocationSource{
		ID:              s.genID.Generate(),
		UUID:            uuid.NewString(),
		Name:            name,
		ComputeAllowed:  req.ComputeAllowed,
		StartDate:       startDate,
		EndDate:         req.EndDate,
		RenewalStrategy: req.RenewalStrategy,
		CreatedAt:       s.clock.Now(),
		UpdatedAt:       s.clock.Now(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(source).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return allocationdomain.ErrDuplicateName
			}
			return err
		}

		snapshot := &allocationdomain.AllocationSourceSnapshot{
			ID:                 s.genID.Generate(),
			AllocationSourceID: source.ID,
			ComputeUsed:        0,
			ComputeAllowed:     source.ComputeAllowed,
			GlobalBurnRate:     0,
			LastRenewed:        startDate,
			Updated:            s.clock.Now(),
		}
		if err := tx.Create(snapshot).Error; err != nil {
			return err
		}

		return s.appendCreatedOrRenewed(ctx, tx, source, source.ComputeAllowed, startDate)
	})
	if err != nil {
		return nil, err
	}
	return source, nil
}

func (s *Service) GetByName(ctx context.Context, name string) (*allocationdomain.AllocationSource, error) {
	var source allocationdomain.AllocationSource
	err := s.db.WithContext(ctx).
		Where("name = ?", strings.TrimSpace(name)).
		First(&source).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, allocationdomain.ErrSourceNotFound
		}
		return nil, err
	}
	return &source, nil
}

func (s *Service) List(ctx context.Context) ([]allocationdomain.AllocationSource, error) {
	var sources []allocationdomain.AllocationSource
	err := s.db.WithContext(ctx).
		Order("name ASC").
		Find(&sources).Error
	if err != nil {
		return nil, err
	}
	return sources, nil
}

func (s *Service) ResolveName(ctx context.Context, sourceRef string) (string, error) {
	ref := strings.TrimSpace(sourceRef)
	if ref == "" {
		return "", allocationdomain.ErrUnknownSource
	}

	if name, ok := s.sourceCache.GetName(ref); ok {
		return name, nil
	}

	var source allocationdomain.AllocationSource
	err := s.db.WithContext(ctx).
		Where("uuid = ? OR id = ?", ref, parseNumericRef(ref)).
		First(&source).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", allocationdomain.ErrUnknownSource
		}
		return "", err
	}

	s.sourceCache.SetName(ref, source.Name)
	return source.Name, nil
}

func (s *Service) AssignUser(ctx context.Context, username, sourceName string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return allocationdomain.ErrInvalidUsername
	}
	source, err := s.GetByName(ctx, sourceName)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		link := &allocationdomain.UserAllocationSource{
			ID:                 s.genID.Generate(),
			Username:           username,
			AllocationSourceID: source.ID,
			CreatedAt:          s.clock.Now(),
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}, {Name: "allocation_source_id"}},
			DoNothing: true,
		}).Create(link)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Already assigned; no event to record.
			return nil
		}

		payload := eventdomain.UserAllocationSourcePayload{
			Username:             username,
			AllocationSourceName: source.Name,
		}
		return s.eventRepo.Append(ctx, tx, &eventdomain.Event{
			ID:        s.genID.Generate(),
			Name:      eventdomain.EventUserAllocationSourceAssigned,
			EntityID:  username,
			Payload:   payload.ToMap(),
			Timestamp: s.clock.Now(),
		})
	})
}

func (s *Service) RemoveUser(ctx context.Context, username, sourceName string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return allocationdomain.ErrInvalidUsername
	}
	source, err := s.GetByName(ctx, sourceName)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("username = ? AND allocation_source_id = ?", username, source.ID).
			Delete(&allocationdomain.UserAllocationSource{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		payload := eventdomain.UserAllocationSourcePayload{
			Username:             username,
			AllocationSourceName: source.Name,
		}
		return s.eventRepo.Append(ctx, tx, &eventdomain.Event{
			ID:        s.genID.Generate(),
			Name:      eventdomain.EventUserAllocationSourceRemoved,
			EntityID:  username,
			Payload:   payload.ToMap(),
			Timestamp: s.clock.Now(),
		})
	})
}

func (s *Service) ListUsers(ctx context.Context, sourceID snowflake.ID) ([]string, error) {
	var usernames []string
	err := s.db.WithContext(ctx).
		Model(&allocationdomain.UserAllocationSource{}).
		Where("allocation_source_id = ?", sourceID).
		Order("username ASC").
		Pluck("username", &usernames).Error
	if err != nil {
		return nil, err
	}
	return usernames, nil
}

func (s *Service) LastRenewedAt(ctx context.Context, source *allocationdomain.AllocationSource) (time.Time, error) {
	event, err := s.eventRepo.LastBefore(
		ctx, s.db,
		eventdomain.EventAllocationSourceCreatedOrRenewed,
		s.clock.Now().Add(time.Second),
		eventdomain.Filter{Key: eventdomain.FieldUUID, Value: source.UUID},
	)
	if err != nil {
		return time.Time{}, err
	}
	if event == nil {
		return source.StartDate, nil
	}
	if event.Timestamp.Before(source.StartDate) {
		return source.StartDate, nil
	}
	return event.Timestamp, nil
}

func (s *Service) Renew(ctx context.Context, source *allocationdomain.AllocationSource, grant float64, at time.Time) (float64, error) {
	var newTotal float64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snapshot, err := s.snapshotFor(ctx, tx, source.ID)
		if err != nil {
			return err
		}

		remaining := snapshot.ComputeAllowed - snapshot.ComputeUsed
		if remaining < 0 {
			remaining = 0
		}
		newTotal = remaining + grant

		updates := map[string]any{
			"compute_used":    0.0,
			"compute_allowed": newTotal,
			"last_renewed":    at,
			"updated":         s.clock.Now(),
		}
		err = tx.Model(&allocationdomain.AllocationSourceSnapshot{}).
			Where("allocation_source_id = ?", source.ID).
			Updates(updates).Error
		if err != nil {
			return err
		}

		err = tx.Model(&allocationdomain.AllocationSource{}).
			Where("id = ?", source.ID).
			Updates(map[string]any{"compute_allowed": newTotal, "updated_at": s.clock.Now()}).Error
		if err != nil {
			return err
		}

		return s.appendCreatedOrRenewed(ctx, tx, source, newTotal, at)
	})
	if err != nil {
		return 0, err
	}

	s.log.Info("allocation source renewed",
		zap.String("source", source.Name),
		zap.Float64("compute_allowed", newTotal),
	)
	return newTotal, nil
}

func (s *Service) SnapshotFor(ctx context.Context, sourceID snowflake.ID) (*allocationdomain.AllocationSourceSnapshot, error) {
	return s.snapshotFor(ctx, s.db, sourceID)
}

func (s *Service) UpsertSnapshot(ctx context.Context, snapshot *allocationdomain.AllocationSourceSnapshot) error {
	if snapshot.ID == 0 {
		snapshot.ID = s.genID.Generate()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "allocation_source_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"compute_used", "compute_allowed", "global_burn_rate", "last_renewed", "updated",
		}),
	}).Create(snapshot).Error
}

func (s *Service) UpsertUserSnapshot(ctx context.Context, snapshot *allocationdomain.UserAllocationSnapshot) error {
	if snapshot.ID == 0 {
		snapshot.ID = s.genID.Generate()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "username"}, {Name: "allocation_source_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"compute_used", "burn_rate", "updated",
		}),
	}).Create(snapshot).Error
}

func (s *Service) snapshotFor(ctx context.Context, db *gorm.DB, sourceID snowflake.ID) (*allocationdomain.AllocationSourceSnapshot, error) {
	var snapshot allocationdomain.AllocationSourceSnapshot
	err := db.WithContext(ctx).
		Where("allocation_source_id = ?", sourceID).
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, allocationdomain.ErrSourceNotFound
		}
		return nil, err
	}
	return &snapshot, nil
}

func (s *Service) appendCreatedOrRenewed(
	ctx context.Context,
	tx *gorm.DB,
	source *allocationdomain.AllocationSource,
	computeAllowed float64,
	at time.Time,
) error {
	payload := eventdomain.AllocationSourceCreatedOrRenewedPayload{
		UUID:                 source.UUID,
		AllocationSourceName: source.Name,
		ComputeAllowed:       computeAllowed,
	}
	return s.eventRepo.Append(ctx, tx, &eventdomain.Event{
		ID:        s.genID.Generate(),
		Name:      eventdomain.EventAllocationSourceCreatedOrRenewed,
		EntityID:  source.UUID,
		Payload:   payload.ToMap(),
		Timestamp: at,
	})
}

func parseNumericRef(ref string) snowflake.ID {
	id, err := snowflake.ParseString(ref)
	if err != nil {
		return 0
	}
	return id
}
