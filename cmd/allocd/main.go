package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/skystack/allocd/internal/allocation"
	"github.com/skystack/allocd/internal/cache"
	"github.com/skystack/allocd/internal/clock"
	"github.com/skystack/allocd/internal/config"
	"github.com/skystack/allocd/internal/eventlog"
	"github.com/skystack/allocd/internal/instance"
	"github.com/skystack/allocd/internal/logger"
	"github.com/skystack/allocd/internal/migration"
	"github.com/skystack/allocd/internal/observability/metrics"
	"github.com/skystack/allocd/internal/renewal"
	"github.com/skystack/allocd/internal/reporting"
	"github.com/skystack/allocd/internal/snapshot"
	"github.com/skystack/allocd/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		metrics.Module,
		migration.Module,
		cache.Module,

		// Functional domains
		eventlog.Module,
		instance.Module,
		allocation.Module,
		reporting.Module,
		renewal.Module,
		snapshot.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
