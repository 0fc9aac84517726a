package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type collectorSet struct {
	responseTime     *prometheus.HistogramVec
	requestsFromRole *prometheus.CounterVec
	requests         *prometheus.CounterVec

	appStatus    *prometheus.GaugeVec
	boots        *prometheus.CounterVec
	bootDuration *prometheus.HistogramVec

	controlMessages *prometheus.CounterVec
}

func newCollectors() collectorSet {
	return collectorSet{
		responseTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "response_time",
				Help:    "http response time by tenant.",
				Buckets: []float64{0.005, 0.05, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"app"},
		),
		requestsFromRole: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "total_http_requests_from_role", Help: "http requests from role"},
			[]string{"role"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "total_http_requests", Help: "http requests by code, method and tenant"},
			[]string{"code", "method", "app"},
		),
		appStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_app_status", Help: "1 for the current lifecycle status of each tenant"},
			[]string{"app", "status"},
		),
		boots: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_app_boots_total", Help: "finished tenant boots by result"},
			[]string{"app", "result"},
		),
		bootDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_app_boot_seconds",
				Help:    "tenant boot duration.",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"app"},
		),
		controlMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_control_messages_total", Help: "control channel messages by direction and type"},
			[]string{"direction", "type"},
		),
	}
}

func (c collectorSet) register(reg prometheus.Registerer) {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.responseTime,
		c.requestsFromRole,
		c.requests,
		c.appStatus,
		c.boots,
		c.bootDuration,
		c.controlMessages,
	)
}
