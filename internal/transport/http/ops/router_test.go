package opshttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tradecore/internal/audit"
	"tradecore/internal/coordinator"
	"tradecore/internal/execution"
	"tradecore/internal/interlock"
	"tradecore/internal/pkg/clock"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDesk struct {
	positions []execution.Position
	flattened []string
	cancelled []string
}

func (d *fakeDesk) Statistics() coordinator.Stats {
	return coordinator.Stats{Balance: 1000, Equity: 1010, Filled: 3}
}

func (d *fakeDesk) Positions() []execution.Position { return d.positions }

func (d *fakeDesk) Flatten(_ context.Context, reason string) []execution.OrderResult {
	d.flattened = append(d.flattened, reason)
	out := make([]execution.OrderResult, 0, len(d.positions))
	for _, p := range d.positions {
		out = append(out, execution.OrderResult{Instrument: p.Instrument, Success: true, Status: execution.StatusFilled})
	}
	return out
}

func (d *fakeDesk) Cancel(_ context.Context, id string) bool {
	d.cancelled = append(d.cancelled, id)
	return id == "open-1"
}

type fakeAudit struct{ records []audit.Record }

func (a *fakeAudit) List(_ context.Context, decisionID string, limit int) ([]audit.Record, error) {
	var out []audit.Record
	for _, r := range a.records {
		if decisionID != "" && r.DecisionID != decisionID {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type resetRecorder struct{ instruments []string }

func (r *resetRecorder) Reset(inst string) { r.instruments = append(r.instruments, inst) }

type fixture struct {
	srv   *Server
	il    *interlock.Interlock
	desk  *fakeDesk
	reset *resetRecorder
}

func thresholds() interlock.Thresholds {
	return interlock.Thresholds{
		Risk: interlock.RiskThresholds{MaxDailyLossPct: 5, MaxRejectRate: 0.5, RejectWindow: 10, MinRejectSamples: 5, MaxExposurePct: 500},
		Counterparty: interlock.CounterpartyThresholds{
			MaxLatency: time.Second, MaxHeartbeatAge: time.Minute,
		},
		Data: interlock.DataThresholds{MaxSpreadPct: 1, MaxStale: time.Minute, MaxCorruptedTicks: 3, CorruptedWindow: time.Minute},
	}
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	il, err := interlock.New(interlock.Config{
		Thresholds:      thresholds(),
		InitialEquity:   1000,
		OperatorEnabled: true,
		Clock:           clock.NewManual(time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	desk := &fakeDesk{positions: []execution.Position{{Instrument: "BTCUSDT", NetSize: 0.5, AvgPrice: 100}}}
	log := &fakeAudit{records: []audit.Record{
		{ID: "a", DecisionID: "d-1", Status: execution.StatusFilled},
		{ID: "b", DecisionID: "d-2", Status: execution.StatusDenied},
	}}
	reset := &resetRecorder{}
	srv, err := NewServer(ServerConfig{
		Interlock: il,
		Desk:      desk,
		Audit:     log,
		Features:  reset,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("tradecore_up 1\n"))
		}),
	})
	require.NoError(t, err)
	return fixture{srv: srv, il: il, desk: desk, reset: reset}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestEmergencyStopAndReset(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/ops/emergency/stop", `{"reason":"venue outage"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var st interlock.State
	decode(t, w, &st)
	assert.True(t, st.EmergencyStop)
	assert.Equal(t, "venue outage", st.EmergencyReason)
	assert.False(t, f.il.Permit().Permitted)

	w = f.do(t, http.MethodPost, "/api/ops/emergency/reset", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, f.il.State().EmergencyStop)

	w = f.do(t, http.MethodPost, "/api/ops/emergency/reset", `{"operator":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.il.State().EmergencyStop)
}

func TestOperatorToggle(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/ops/operator/disable", "")
	require.Equal(t, http.StatusOK, w.Code)
	op := f.il.State().Layers[interlock.LayerOperator]
	assert.False(t, op.Healthy)
	assert.Equal(t, "disabled via ops api", op.Reason)

	w = f.do(t, http.MethodPost, "/api/ops/operator/enable", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.il.State().Layers[interlock.LayerOperator].Healthy)
}

func TestThresholdsRoundTrip(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/ops/thresholds", "")
	require.Equal(t, http.StatusOK, w.Code)
	var dto thresholdsDTO
	decode(t, w, &dto)
	assert.Equal(t, "1s", dto.Counterparty.MaxLatency)

	dto.Risk.MaxDailyLossPct = 2.5
	dto.Counterparty.MaxLatency = "750ms"
	body, err := json.Marshal(dto)
	require.NoError(t, err)
	w = f.do(t, http.MethodPut, "/api/ops/thresholds", string(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	th := f.il.Thresholds()
	assert.Equal(t, 2.5, th.Risk.MaxDailyLossPct)
	assert.Equal(t, 750*time.Millisecond, th.Counterparty.MaxLatency)

	dto.Risk.MaxDailyLossPct = 0
	body, _ = json.Marshal(dto)
	w = f.do(t, http.MethodPut, "/api/ops/thresholds", string(body))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, 2.5, f.il.Thresholds().Risk.MaxDailyLossPct)

	dto.Risk.MaxDailyLossPct = 3
	dto.Data.MaxStale = "soon"
	body, _ = json.Marshal(dto)
	w = f.do(t, http.MethodPut, "/api/ops/thresholds", string(body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeskEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/ops/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats coordinator.Stats
	decode(t, w, &stats)
	assert.Equal(t, 1010.0, stats.Equity)

	w = f.do(t, http.MethodGet, "/api/ops/positions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "BTCUSDT")

	w = f.do(t, http.MethodPost, "/api/ops/flatten", `{"reason":"end of day"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"end of day"}, f.desk.flattened)

	w = f.do(t, http.MethodPost, "/api/ops/orders/open-1/cancel", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/api/ops/orders/gone/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditAndFeatureReset(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/ops/audit?decision_id=d-2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Records []audit.Record `json:"records"`
		Count   int            `json:"count"`
	}
	decode(t, w, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "b", resp.Records[0].ID)

	w = f.do(t, http.MethodPost, "/api/ops/features/ethusdt/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"ETHUSDT"}, f.reset.instruments)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tradecore_up 1")
}
