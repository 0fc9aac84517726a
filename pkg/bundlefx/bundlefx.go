// bundlefx/bundlefx.go
package bundlefx

import (
	"time"

	"github.com/joeydtaylor/steeze-gateway/pkg/manifest"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/auth"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/logger"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/metrics"
	"go.uber.org/fx"
)

// Module provides the middleware stack configured from a manifest.Config
// supplied elsewhere.
var Module = fx.Options(
	fx.Provide(
		LogConfig,
		AuthConfig,
		auth.New,
		newLogMiddleware,
		newMetrics,
	),
	logger.Module,
)

func LogConfig(cfg manifest.Config) logger.Config {
	return logger.Config{
		Dir:     cfg.Log.Dir,
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
	}
}

func AuthConfig(cfg manifest.Config) auth.Config {
	return auth.Config{
		AssertionCookie: cfg.Auth.AssertionCookie,
		AssertionHeader: cfg.Auth.AssertionHeader,
		PublicKeyFile:   cfg.Auth.PublicKeyFile,
		Issuer:          cfg.Auth.Issuer,
		Audience:        cfg.Auth.Audience,
		Leeway:          time.Duration(cfg.Auth.LeewaySeconds) * time.Second,
		AdminRole:       cfg.Auth.AdminRole,
		DevBypass:       cfg.Auth.DevBypass,
	}
}

func newLogMiddleware(access logger.Access, cfg manifest.Config) *logger.Middleware {
	return logger.NewMiddleware(access, cfg.Log.BodyPaths...)
}

// health probes are polled constantly; keep them out of the request series
func newMetrics(cfg manifest.Config) *metrics.Metrics {
	return metrics.New(metrics.WithSkipSuffix(cfg.Gateway.HealthSuffix))
}
