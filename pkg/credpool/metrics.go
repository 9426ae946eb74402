package credpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var poolLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "understudy_credpool_bundle_load",
	Help: "Number of tenants currently placed on a credential bundle",
}, []string{"bundle"})

var poolCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "understudy_credpool_bundle_capacity",
	Help: "Configured tenant capacity of a credential bundle",
}, []string{"bundle"})
