package services

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.pilab.hu/sessionguard/domain"
	"go.pilab.hu/sessionguard/internal/audit"
	"go.pilab.hu/sessionguard/internal/metrics"
	"go.pilab.hu/sessionguard/internal/telemetry"
	"go.pilab.hu/sessionguard/log"
	"go.pilab.hu/sessionguard/tracing"
)

// DefaultRetention is how long an idle record is kept.
const DefaultRetention = 30 * 24 * time.Hour

// StaleRecordSweeper removes records nobody has been active on for longer
// than the retention window. It is storage hygiene only; an old record still
// fences out its long-gone session.
type StaleRecordSweeper struct {
	store     domain.AdminStore
	retention time.Duration
	logger    log.Logger
	now       func() time.Time
}

// SweeperOption configures a StaleRecordSweeper.
type SweeperOption func(*StaleRecordSweeper)

// WithSweeperClock overrides the sweeper's clock.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *StaleRecordSweeper) { s.now = now }
}

// NewStaleRecordSweeper creates a sweeper. A non-positive retention falls
// back to DefaultRetention.
func NewStaleRecordSweeper(store domain.AdminStore, retention time.Duration, logger log.Logger, opts ...SweeperOption) *StaleRecordSweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &StaleRecordSweeper{
		store:     store,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention returns the configured retention window.
func (s *StaleRecordSweeper) Retention() time.Duration { return s.retention }

// Sweep deletes records idle for longer than the retention window.
func (s *StaleRecordSweeper) Sweep(ctx context.Context) (int64, error) {
	ctx, span := tracing.Tracer().Start(ctx, "StaleRecordSweeper.Sweep")
	defer span.End()

	start := time.Now()
	cutoff := s.now().Add(-s.retention).UTC()
	n, err := s.store.DeleteInactiveSince(ctx, cutoff)
	details := fmt.Sprintf("cutoff=%s removed=%d", cutoff.Format(time.RFC3339), n)
	audit.Log("sweeper", audit.ActionSweepRecords, "system", "", details, err == nil, err)
	if err != nil {
		metrics.SweepFailuresTotal.Inc()
		telemetry.ObserveSweep(ctx, start, "error")
		span.RecordError(err)
		s.logger.Error(ctx, "Stale record sweep failed", err, log.Fields{"cutoff": cutoff})
		return 0, fmt.Errorf("sweep stale records: %w", err)
	}

	span.SetAttributes(attribute.Int64("records.removed", n))
	metrics.SweptRecordsTotal.Add(float64(n))
	telemetry.ObserveSweep(ctx, start, "ok")
	s.logger.Info(ctx, "Stale records swept", log.Fields{"cutoff": cutoff, "removed": n})
	return n, nil
}

// Run sweeps immediately and then every interval until ctx is done. Failures
// are logged and the loop carries on.
func (s *StaleRecordSweeper) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}
	_, _ = s.Sweep(ctx)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Sweep(ctx)
		}
	}
}
