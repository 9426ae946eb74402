package guard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "understudy_guard_rate_limited_total",
	Help: "Operations refused by the rate limiter",
}, []string{"op", "scope"})

var contentRejected = promauto.NewCounter(prometheus.CounterOpts{
	Name: "understudy_guard_content_rejected_total",
	Help: "Requests refused by the content filter",
})
