package logger

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the system and access logs; the system log doubles as the
// process *zap.Logger. A logger.Config must be supplied elsewhere.
var Module = fx.Options(
	fx.Provide(
		NewSystem,
		NewAccess,
		func(s System) *zap.Logger { return s.Logger },
	),
)
