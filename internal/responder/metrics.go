package responder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "understudy_responder_verdicts_total",
	Help: "Decision verdicts by reason code",
}, []string{"reason"})

var aiCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "understudy_responder_ai_calls_total",
	Help: "AI backend calls by outcome",
}, []string{"outcome"})

var responsesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "understudy_responder_responses_sent_total",
	Help: "Responses delivered by mode",
}, []string{"mode"})

var eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "understudy_responder_events_dropped_total",
	Help: "Events dropped after a respond verdict, by cause",
}, []string{"cause"})
