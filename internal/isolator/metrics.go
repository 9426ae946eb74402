package isolator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tenantsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "understudy_isolator_tenants",
	Help: "Tenants by lifecycle status",
}, []string{"status"})

var workerRestarts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "understudy_isolator_worker_restarts_total",
	Help: "Tenant worker restarts after a crash",
})

var quotaViolations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "understudy_isolator_quota_violations_total",
	Help: "Tenant suspensions caused by quota violations",
}, []string{"quota"})

var routeDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "understudy_isolator_events_dropped_total",
	Help: "Inbound events dropped before reaching a tenant worker",
}, []string{"cause"})
