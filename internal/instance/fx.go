package instance

import (
	"github.com/skystack/allocd/internal/instance/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("instance",
	fx.Provide(repository.Provide),
)
