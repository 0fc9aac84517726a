package metrics

import (
	"net/http"
	"strconv"
	"time"

	chimd "github.com/go-chi/chi/v5/middleware"
	"github.com/joeydtaylor/steeze-gateway/pkg/control"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/auth"
	"github.com/joeydtaylor/steeze-gateway/pkg/registry"
	"github.com/joeydtaylor/steeze-gateway/pkg/transport/httpx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var statuses = []registry.Status{registry.NotFound, registry.Initializing, registry.Running, registry.Stopped, registry.Error}

// Metrics owns a private prometheus registry so several gateways (and tests)
// can live in one process.
type Metrics struct {
	reg        *prometheus.Registry
	c          collectorSet
	skip       map[string]struct{}
	skipSuffix []string
}

func New(opts ...Option) *Metrics {
	m := &Metrics{
		reg:  prometheus.NewRegistry(),
		c:    newCollectors(),
		skip: map[string]struct{}{"/metrics": {}},
	}
	for _, o := range opts {
		o(m)
	}
	m.c.register(m.reg)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Collect records request counters and latency, labelled with the tenant the
// gateway resolved.
func (m *Metrics) Collect(ca *auth.Middleware) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = httpx.WithTenantSlot(r)
			ww := chimd.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				if m.isSkipPath(r) {
					return
				}
				role := ""
				if ca != nil {
					role = ca.GetUser(r.Context()).Role
				}
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				app := httpx.Tenant(r.Context())

				m.c.requestsFromRole.WithLabelValues(role).Inc()
				m.c.requests.WithLabelValues(strconv.Itoa(status), r.Method, app).Inc()
				m.c.responseTime.WithLabelValues(app).Observe(time.Since(start).Seconds())
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// ObserveApp tracks registry events; pass it to Registry.Subscribe.
func (m *Metrics) ObserveApp(ev registry.Event) {
	for _, s := range statuses {
		v := 0.0
		if s == ev.Status {
			v = 1
		}
		m.c.appStatus.WithLabelValues(ev.Key, s.String()).Set(v)
	}
	if ev.Previous != registry.Initializing || ev.Status == registry.Initializing {
		return
	}
	result := "ok"
	switch ev.Status {
	case registry.Running:
	case registry.Stopped:
		return
	default:
		result = "failed"
	}
	m.c.boots.WithLabelValues(ev.Key, result).Inc()
	m.c.bootDuration.WithLabelValues(ev.Key).Observe(ev.Duration.Seconds())
}

// ControlHook counts control channel traffic; pass it to control.WithMessageHook.
func (m *Metrics) ControlHook(dir control.Direction, t control.Type) {
	m.c.controlMessages.WithLabelValues(string(dir), string(t)).Inc()
}
