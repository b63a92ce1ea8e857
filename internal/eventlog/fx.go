package eventlog

import (
	"github.com/skystack/allocd/internal/eventlog/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("eventlog",
	fx.Provide(repository.Provide),
)
