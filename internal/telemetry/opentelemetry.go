// Package telemetry bridges OpenTelemetry metrics into the Prometheus
// registry served by the admin API, and owns the latency instruments the
// services record into.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "go.pilab.hu/sessionguard"

// InitMeterProvider installs a global MeterProvider exporting to reg.
func InitMeterProvider(reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheusexporter.New(prometheusexporter.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	resetInstruments()
	log.Info().Msg("OpenTelemetry MeterProvider initialized with Prometheus exporter")
	return mp, nil
}

// Shutdown flushes and stops the meter provider.
func Shutdown(ctx context.Context, mp *sdkmetric.MeterProvider) {
	if mp == nil {
		return
	}
	if err := mp.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Error shutting down OpenTelemetry MeterProvider")
		return
	}
	log.Info().Msg("OpenTelemetry MeterProvider shut down successfully")
}

type instrumentSet struct {
	login  metric.Float64Histogram
	revoke metric.Float64Histogram
	sweep  metric.Float64Histogram
}

var (
	instMu sync.Mutex
	inst   *instrumentSet
)

func resetInstruments() {
	instMu.Lock()
	inst = nil
	instMu.Unlock()
}

// instruments are created lazily against whatever MeterProvider is global
// at first use.
func instruments() *instrumentSet {
	instMu.Lock()
	defer instMu.Unlock()
	if inst != nil {
		return inst
	}

	m := otel.Meter(meterName)
	set := &instrumentSet{}
	var err error
	if set.login, err = m.Float64Histogram("sessionguard.login.duration",
		metric.WithUnit("s"), metric.WithDescription("Time from credentials to an armed session")); err != nil {
		log.Warn().Err(err).Msg("Creating login histogram")
	}
	if set.revoke, err = m.Float64Histogram("sessionguard.revoke.duration",
		metric.WithUnit("s"), metric.WithDescription("Store round trip of administrative revocations")); err != nil {
		log.Warn().Err(err).Msg("Creating revoke histogram")
	}
	if set.sweep, err = m.Float64Histogram("sessionguard.sweep.duration",
		metric.WithUnit("s"), metric.WithDescription("Duration of stale record sweeps")); err != nil {
		log.Warn().Err(err).Msg("Creating sweep histogram")
	}
	inst = set
	return set
}

func record(ctx context.Context, h metric.Float64Histogram, since time.Time, outcome string) {
	if h == nil {
		return
	}
	h.Record(ctx, time.Since(since).Seconds(), metric.WithAttributes(outcomeAttr(outcome)))
}

// ObserveLogin records one login attempt.
func ObserveLogin(ctx context.Context, since time.Time, outcome string) {
	record(ctx, instruments().login, since, outcome)
}

// ObserveRevoke records one revocation.
func ObserveRevoke(ctx context.Context, since time.Time, outcome string) {
	record(ctx, instruments().revoke, since, outcome)
}

// ObserveSweep records one sweep.
func ObserveSweep(ctx context.Context, since time.Time, outcome string) {
	record(ctx, instruments().sweep, since, outcome)
}
