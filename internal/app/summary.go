package app

import (
	"fmt"
	"strings"

	"tradecore/internal/config"
	"tradecore/internal/interlock"
	"tradecore/internal/logger"
	"tradecore/internal/replay"
)

type StartupSummary struct {
	Mode      config.Mode
	Symbols   []string
	Interval  string
	Replay    []string
	Adapter   string
	HTTPAddr  string
	Gate      string
	Threshold interlock.Thresholds
	Operator  bool
	// Effective 是打码后的完整生效配置（YAML）。
	Effective string
}

func newStartupSummary(cfg *config.Config, a *App) *StartupSummary {
	s := &StartupSummary{
		Mode:      cfg.App.Mode,
		Symbols:   cfg.Market.Symbols,
		Interval:  cfg.Market.Interval,
		Replay:    cfg.Replay.Files,
		Threshold: thresholdsOf(cfg.Interlock),
		Operator:  cfg.Interlock.OperatorEnabled,
	}
	switch {
	case cfg.App.Mode == config.ModeLive:
		s.Adapter = "live/" + cfg.Live.Venue
		s.Gate = "adapter"
	case cfg.Simulator.Gate:
		s.Adapter = "simulated"
		s.Gate = "adapter"
	default:
		s.Adapter = "simulated"
		s.Gate = "coordinator"
	}
	if a != nil && a.http != nil {
		s.HTTPAddr = a.http.Addr()
	}
	dump, err := config.Dump(cfg)
	if err != nil {
		logger.Warnf("dump config failed: %v", err)
	}
	s.Effective = dump
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[运行模式 (MODE)]")
	fmt.Printf("  模式: %s\n", s.Mode)
	fmt.Printf("  执行适配器: %s\n", s.Adapter)
	fmt.Printf("  风控闸门: %s\n", s.Gate)
	if s.HTTPAddr != "" {
		fmt.Printf("  运维接口: %s\n", s.HTTPAddr)
	}
	fmt.Println()

	if s.Mode == config.ModeResearch {
		fmt.Println("[回放数据 (REPLAY)]")
		fmt.Printf("  文件: %s\n", formatList(s.Replay))
	} else {
		fmt.Println("[行情订阅 (MARKET)]")
		fmt.Printf("  监控币种: %s\n", formatList(s.Symbols))
		fmt.Printf("  订阅周期: %s\n", s.Interval)
	}
	fmt.Println()

	th := s.Threshold
	fmt.Println("[安全联锁 (INTERLOCK)]")
	fmt.Printf("  操作员开关: %v\n", s.Operator)
	fmt.Printf("  risk: 日亏损 %.2f%% / 拒单率 %.2f (窗口 %d, 最少 %d) / 敞口 %.0f%%\n",
		th.Risk.MaxDailyLossPct, th.Risk.MaxRejectRate, th.Risk.RejectWindow, th.Risk.MinRejectSamples, th.Risk.MaxExposurePct)
	fmt.Printf("  counterparty: 延迟 %s / 心跳 %s\n", th.Counterparty.MaxLatency, th.Counterparty.MaxHeartbeatAge)
	fmt.Printf("  data: 价差 %.3f%% / 过期 %s / 坏数据 %d 次每 %s\n",
		th.Data.MaxSpreadPct, th.Data.MaxStale, th.Data.MaxCorruptedTicks, th.Data.CorruptedWindow)
	fmt.Println()

	if s.Effective != "" {
		fmt.Println("[生效配置 (EFFECTIVE CONFIG)]")
		for _, line := range strings.Split(strings.TrimRight(s.Effective, "\n"), "\n") {
			fmt.Printf("  %s\n", line)
		}
	}
	fmt.Println(strings.Repeat("=", 80))
}

func printReport(r replay.Report, parity *replay.ParityReport) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("[回放结果 (REPLAY REPORT)]")
	fmt.Printf("  run: %s\n", r.RunID)
	fmt.Printf("  区间: %s → %s (%d bars, %d errors)\n", r.Start.Format("2006-01-02 15:04"), r.End.Format("2006-01-02 15:04"), r.Bars, len(r.Errors))
	fmt.Printf("  交易次数: %d  成交率: %.2f\n", r.TradeCount, r.Stats.ExecutionRate)
	fmt.Printf("  余额: %.2f  权益: %.2f  已实现: %.2f\n", r.FinalBalance, r.FinalEquity, r.RealizedPnL)
	fmt.Printf("  最大回撤: %.2f%%\n", r.MaxDrawdown*100)
	if parity != nil {
		if parity.Equal() {
			fmt.Printf("  parity: OK (%d/%d bars)\n", parity.Compared, parity.Bars)
		} else {
			d := parity.Divergence
			fmt.Printf("  parity: DIVERGED at bar %d %s %s: replay=%s live=%s\n", d.Index, d.Bar.Instrument, d.Field, d.Replay, d.Live)
		}
	}
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
