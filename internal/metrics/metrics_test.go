package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"tradecore/internal/coordinator"
	"tradecore/internal/execution"
	"tradecore/internal/interlock"
	"tradecore/internal/pkg/clock"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func labelled(mf *dto.MetricFamily, name, value string) *dto.Metric {
	if mf == nil {
		return nil
	}
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == name && l.GetValue() == value {
				return m
			}
		}
	}
	return nil
}

func TestInterlockTransitionsReachGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	clk := clock.NewManual(time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC))
	il, err := interlock.New(interlock.Config{
		Thresholds: interlock.Thresholds{
			Risk: interlock.RiskThresholds{MaxDailyLossPct: 5, MaxRejectRate: 0.5, RejectWindow: 10, MinRejectSamples: 5, MaxExposurePct: 500},
			Counterparty: interlock.CounterpartyThresholds{
				MaxLatency: time.Second, MaxHeartbeatAge: time.Minute,
			},
			Data: interlock.DataThresholds{MaxSpreadPct: 1, MaxStale: time.Minute, MaxCorruptedTicks: 3, CorruptedWindow: time.Minute},
		},
		InitialEquity:   1000,
		OperatorEnabled: true,
		Clock:           clk,
		Observer:        m,
	})
	require.NoError(t, err)
	m.SyncInterlock(il.State())

	fams := gather(t, reg)
	layers := fams["tradecore_interlock_layer_healthy"]
	assert.Equal(t, 1.0, labelled(layers, "layer", "operator").GetGauge().GetValue())
	assert.Equal(t, 0.0, labelled(layers, "layer", "counterparty").GetGauge().GetValue())

	il.ObservePing(time.Millisecond, clk.Now())
	il.ObserveTick(clk.Now())
	il.EmergencyStop("drill")
	d := il.Permit()
	require.False(t, d.Permitted)

	fams = gather(t, reg)
	layers = fams["tradecore_interlock_layer_healthy"]
	assert.Equal(t, 1.0, labelled(layers, "layer", "counterparty").GetGauge().GetValue())
	assert.Equal(t, 1.0, labelled(layers, "layer", "data").GetGauge().GetValue())
	assert.Equal(t, 1.0, fams["tradecore_interlock_emergency_stop"].GetMetric()[0].GetGauge().GetValue())
	denied := labelled(fams["tradecore_interlock_denials_total"], "layer", "emergency")
	require.NotNil(t, denied)
	assert.Equal(t, 1.0, denied.GetCounter().GetValue())

	il.ResetEmergencyStop("ops")
	fams = gather(t, reg)
	assert.Equal(t, 0.0, fams["tradecore_interlock_emergency_stop"].GetMetric()[0].GetGauge().GetValue())
}

func TestOrderCompletedCountsByStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.OrderCompleted(execution.OrderResult{Adapter: "simulated", Status: execution.StatusFilled}, false, 2*time.Millisecond)
	m.OrderCompleted(execution.OrderResult{Adapter: "simulated", Status: execution.StatusFilled}, false, time.Millisecond)
	m.OrderCompleted(execution.OrderResult{Status: execution.StatusDenied}, false, 0)
	m.OrderCompleted(execution.OrderResult{Adapter: "simulated", Status: execution.StatusFilled}, true, 0)
	m.ObserveStats(coordinator.Stats{Equity: 1012.5, DailyPnL: 12.5, OpenPositionCount: 2})

	fams := gather(t, reg)
	var filled, denied float64
	for _, metric := range fams["tradecore_orders_total"].GetMetric() {
		labels := map[string]string{}
		for _, l := range metric.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		switch {
		case labels["adapter"] == "simulated" && labels["status"] == "filled":
			filled = metric.GetCounter().GetValue()
		case labels["adapter"] == "none" && labels["status"] == "denied":
			denied = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, filled)
	assert.Equal(t, 1.0, denied)
	assert.Equal(t, 1.0, fams["tradecore_orders_duplicate_total"].GetMetric()[0].GetCounter().GetValue())
	hist := labelled(fams["tradecore_order_duration_seconds"], "adapter", "simulated")
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetHistogram().GetSampleCount())
	assert.Equal(t, 1012.5, fams["tradecore_account_equity"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 2.0, fams["tradecore_open_positions"].GetMetric()[0].GetGauge().GetValue())
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := New(nil)
	m.Denied(interlock.LayerRisk)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tradecore_interlock_denials_total{layer="risk"} 1`)
}
