package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	LoginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionguard_logins_total",
		Help: "Login attempts handled by arbitrators, by outcome.",
	}, []string{"outcome"})
	TerminationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionguard_terminations_total",
		Help: "Arbitrated sessions terminated, by reason.",
	}, []string{"reason"})
	ActiveSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessionguard_active_sessions",
		Help: "Arbitrators currently holding an active session in this process.",
	})
	HeartbeatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionguard_heartbeats_total",
		Help: "Heartbeat writes, by outcome (ok, fenced, error).",
	}, []string{"outcome"})
	SubscriptionFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessionguard_subscription_failures_total",
		Help: "Record subscription channel failures.",
	})
	RevocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionguard_revocations_total",
		Help: "Administrative revocations, by outcome.",
	}, []string{"outcome"})
	SweptRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessionguard_swept_records_total",
		Help: "Stale session records removed by the sweeper.",
	})
	SweepFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessionguard_sweep_failures_total",
		Help: "Failed stale record sweeps.",
	})
)

// Register registers the collectors with reg. Already registered collectors
// are logged and skipped.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register metrics.")
		return
	}
	collectors := map[string]prometheus.Collector{
		"logins":                LoginsTotal,
		"terminations":          TerminationsTotal,
		"active_sessions":       ActiveSessionsGauge,
		"heartbeats":            HeartbeatsTotal,
		"subscription_failures": SubscriptionFailuresTotal,
		"revocations":           RevocationsTotal,
		"swept_records":         SweptRecordsTotal,
		"sweep_failures":        SweepFailuresTotal,
	}
	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to register metric")
		}
	}
	log.Info().Msg("Prometheus metrics registered.")
}
