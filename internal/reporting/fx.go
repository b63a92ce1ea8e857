package reporting

import (
	"github.com/skystack/allocd/internal/config"
	reportingdomain "github.com/skystack/allocd/internal/reporting/domain"
	"github.com/skystack/allocd/internal/reporting/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reporting.service",
	fx.Provide(func(holder *config.ChargeRateHolder) reportingdomain.ScheduleProvider {
		return holder
	}),
	fx.Provide(service.NewService),
)
