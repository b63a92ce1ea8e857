package renewal

import (
	"github.com/skystack/allocd/internal/renewal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("renewal.service",
	fx.Provide(service.NewService),
)
