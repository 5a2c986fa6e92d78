package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeterProviderExportsHistograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	mp, err := InitMeterProvider(reg)
	require.NoError(t, err)
	defer Shutdown(context.Background(), mp)

	ctx := context.Background()
	start := time.Now().Add(-50 * time.Millisecond)
	ObserveLogin(ctx, start, "ok")
	ObserveRevoke(ctx, start, "ok")
	ObserveSweep(ctx, start, "error")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["sessionguard_login_duration_seconds"], "%v", names)
	assert.True(t, names["sessionguard_revoke_duration_seconds"], "%v", names)
	assert.True(t, names["sessionguard_sweep_duration_seconds"], "%v", names)
}

func TestObserveWithoutProviderIsSafe(t *testing.T) {
	resetInstruments()
	assert.NotPanics(t, func() {
		ObserveLogin(context.Background(), time.Now(), "ok")
	})
}
