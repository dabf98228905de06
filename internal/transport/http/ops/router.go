package opshttp

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradecore/internal/audit"
	"tradecore/internal/coordinator"
	"tradecore/internal/execution"
	"tradecore/internal/interlock"
	"tradecore/internal/logger"
	"tradecore/internal/market"

	"github.com/gin-gonic/gin"
)

// Controls is the operator surface of the interlock.
type Controls interface {
	State() interlock.State
	EmergencyStop(reason string)
	ResetEmergencyStop(operator string)
	Enable()
	Disable(reason string)
	Thresholds() interlock.Thresholds
	SetThresholds(th interlock.Thresholds) error
}

// Desk is the account side: statistics, positions and manual exits.
type Desk interface {
	Statistics() coordinator.Stats
	Positions() []execution.Position
	Flatten(ctx context.Context, reason string) []execution.OrderResult
	Cancel(ctx context.Context, decisionID string) bool
}

type AuditLog interface {
	List(ctx context.Context, decisionID string, limit int) ([]audit.Record, error)
}

// FeatureResetter drops accumulated feature state for one instrument.
type FeatureResetter interface {
	Reset(instrument string)
}

// Router 暴露 /api/ops 下的运维接口。
type Router struct {
	il       Controls
	desk     Desk
	audit    AuditLog
	features FeatureResetter
}

func NewRouter(il Controls, desk Desk, log AuditLog, features FeatureResetter) *Router {
	return &Router{il: il, desk: desk, audit: log, features: features}
}

// Register 将路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/state", r.handleState)
	group.POST("/emergency/stop", r.handleEmergencyStop)
	group.POST("/emergency/reset", r.handleEmergencyReset)
	group.POST("/operator/enable", r.handleEnable)
	group.POST("/operator/disable", r.handleDisable)
	group.GET("/thresholds", r.handleThresholds)
	group.PUT("/thresholds", r.handleSetThresholds)
	group.GET("/stats", r.handleStats)
	group.GET("/positions", r.handlePositions)
	group.POST("/flatten", r.handleFlatten)
	group.POST("/orders/:id/cancel", r.handleCancel)
	if r.audit != nil {
		group.GET("/audit", r.handleAudit)
	}
	if r.features != nil {
		group.POST("/features/:instrument/reset", r.handleFeatureReset)
	}
}

type reasonRequest struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

func bindReason(c *gin.Context) reasonRequest {
	var req reasonRequest
	if c.Request.ContentLength != 0 {
		_ = c.ShouldBindJSON(&req)
	}
	req.Reason = strings.TrimSpace(req.Reason)
	req.Operator = strings.TrimSpace(req.Operator)
	return req
}

func (r *Router) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, r.il.State())
}

func (r *Router) handleEmergencyStop(c *gin.Context) {
	req := bindReason(c)
	if req.Reason == "" {
		req.Reason = "manual stop via ops api"
	}
	logger.Warnf("[ops] emergency stop ip=%s reason=%s", c.ClientIP(), req.Reason)
	r.il.EmergencyStop(req.Reason)
	c.JSON(http.StatusOK, r.il.State())
}

func (r *Router) handleEmergencyReset(c *gin.Context) {
	req := bindReason(c)
	if req.Operator == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator is required to reset the emergency stop"})
		return
	}
	logger.Warnf("[ops] emergency reset ip=%s operator=%s", c.ClientIP(), req.Operator)
	r.il.ResetEmergencyStop(req.Operator)
	c.JSON(http.StatusOK, r.il.State())
}

func (r *Router) handleEnable(c *gin.Context) {
	logger.Infof("[ops] operator enable ip=%s", c.ClientIP())
	r.il.Enable()
	c.JSON(http.StatusOK, r.il.State())
}

func (r *Router) handleDisable(c *gin.Context) {
	req := bindReason(c)
	if req.Reason == "" {
		req.Reason = "disabled via ops api"
	}
	logger.Infof("[ops] operator disable ip=%s reason=%s", c.ClientIP(), req.Reason)
	r.il.Disable(req.Reason)
	c.JSON(http.StatusOK, r.il.State())
}

func (r *Router) handleThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, thresholdsToDTO(r.il.Thresholds()))
}

func (r *Router) handleSetThresholds(c *gin.Context) {
	var dto thresholdsDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	th, err := dto.toThresholds()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.il.SetThresholds(th); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[ops] thresholds updated ip=%s", c.ClientIP())
	c.JSON(http.StatusOK, thresholdsToDTO(r.il.Thresholds()))
}

func (r *Router) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, r.desk.Statistics())
}

func (r *Router) handlePositions(c *gin.Context) {
	positions := r.desk.Positions()
	if positions == nil {
		positions = []execution.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (r *Router) handleFlatten(c *gin.Context) {
	req := bindReason(c)
	if req.Reason == "" {
		req.Reason = "manual flatten"
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	results := r.desk.Flatten(ctx, req.Reason)
	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	logger.Warnf("[ops] flatten ip=%s reason=%s orders=%d failed=%d", c.ClientIP(), req.Reason, len(results), failed)
	status := http.StatusOK
	if failed > 0 {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"results": results, "failed": failed})
}

func (r *Router) handleCancel(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid decision id"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	ok := r.desk.Cancel(ctx, id)
	logger.Infof("[ops] cancel ip=%s id=%s ok=%v", c.ClientIP(), id, ok)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not cancellable", "decision_id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "decision_id": id})
}

func (r *Router) handleAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	records, err := r.audit.List(ctx, strings.TrimSpace(c.Query("decision_id")), limit)
	if err != nil {
		logger.Errorf("[ops] audit list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func (r *Router) handleFeatureReset(c *gin.Context) {
	inst := market.NormalizeInstrument(c.Param("instrument"))
	if inst == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument is required"})
		return
	}
	r.features.Reset(inst)
	logger.Warnf("[ops] feature state reset ip=%s instrument=%s", c.ClientIP(), inst)
	c.JSON(http.StatusOK, gin.H{"status": "reset", "instrument": inst})
}

// thresholdsDTO carries durations as Go duration strings ("750ms", "2m").
type thresholdsDTO struct {
	Risk struct {
		MaxDailyLossPct  float64 `json:"max_daily_loss_pct"`
		MaxRejectRate    float64 `json:"max_reject_rate"`
		RejectWindow     int     `json:"reject_window"`
		MinRejectSamples int     `json:"min_reject_samples"`
		MaxExposurePct   float64 `json:"max_exposure_pct"`
	} `json:"risk"`
	Counterparty struct {
		MaxLatency      string `json:"max_latency"`
		MaxHeartbeatAge string `json:"max_heartbeat_age"`
	} `json:"counterparty"`
	Data struct {
		MaxSpreadPct      float64 `json:"max_spread_pct"`
		MaxStale          string  `json:"max_stale"`
		MaxCorruptedTicks int     `json:"max_corrupted_ticks"`
		CorruptedWindow   string  `json:"corrupted_window"`
	} `json:"data"`
}

func thresholdsToDTO(th interlock.Thresholds) thresholdsDTO {
	var d thresholdsDTO
	d.Risk.MaxDailyLossPct = th.Risk.MaxDailyLossPct
	d.Risk.MaxRejectRate = th.Risk.MaxRejectRate
	d.Risk.RejectWindow = th.Risk.RejectWindow
	d.Risk.MinRejectSamples = th.Risk.MinRejectSamples
	d.Risk.MaxExposurePct = th.Risk.MaxExposurePct
	d.Counterparty.MaxLatency = th.Counterparty.MaxLatency.String()
	d.Counterparty.MaxHeartbeatAge = th.Counterparty.MaxHeartbeatAge.String()
	d.Data.MaxSpreadPct = th.Data.MaxSpreadPct
	d.Data.MaxStale = th.Data.MaxStale.String()
	d.Data.MaxCorruptedTicks = th.Data.MaxCorruptedTicks
	d.Data.CorruptedWindow = th.Data.CorruptedWindow.String()
	return d
}

func (d thresholdsDTO) toThresholds() (interlock.Thresholds, error) {
	th := interlock.Thresholds{
		Risk: interlock.RiskThresholds{
			MaxDailyLossPct:  d.Risk.MaxDailyLossPct,
			MaxRejectRate:    d.Risk.MaxRejectRate,
			RejectWindow:     d.Risk.RejectWindow,
			MinRejectSamples: d.Risk.MinRejectSamples,
			MaxExposurePct:   d.Risk.MaxExposurePct,
		},
		Data: interlock.DataThresholds{
			MaxSpreadPct:      d.Data.MaxSpreadPct,
			MaxCorruptedTicks: d.Data.MaxCorruptedTicks,
		},
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"counterparty.max_latency", d.Counterparty.MaxLatency, &th.Counterparty.MaxLatency},
		{"counterparty.max_heartbeat_age", d.Counterparty.MaxHeartbeatAge, &th.Counterparty.MaxHeartbeatAge},
		{"data.max_stale", d.Data.MaxStale, &th.Data.MaxStale},
		{"data.corrupted_window", d.Data.CorruptedWindow, &th.Data.CorruptedWindow},
	}
	for _, f := range durations {
		v, err := time.ParseDuration(strings.TrimSpace(f.raw))
		if err != nil {
			return interlock.Thresholds{}, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = v
	}
	return th, nil
}
