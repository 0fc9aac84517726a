package core

import (
	"net/http"

	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/auth"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/logger"
	hmetrics "github.com/joeydtaylor/steeze-gateway/pkg/middleware/metrics"
	httpx "github.com/joeydtaylor/steeze-gateway/pkg/transport/httpx"
)

type BuildDeps struct {
	Auth    *auth.Middleware
	LogMW   *logger.Middleware
	Metrics *hmetrics.Metrics
	Router  httpx.Router
	Gateway http.Handler
}
