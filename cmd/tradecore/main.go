package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"tradecore/internal/app"
	"tradecore/internal/config"
	"tradecore/internal/logger"
)

func main() {
	defaultPath := os.Getenv("TRADECORE_CONFIG")
	if defaultPath == "" {
		defaultPath = "configs/tradecore.toml"
	}
	cfgPath := flag.String("config", defaultPath, "配置文件路径")
	mode := flag.String("mode", "", "覆盖 app.mode (research|paper|live)")
	parity := flag.Bool("verify-parity", false, "research 模式下回放后再做一次 replay/live parity 检查")
	watch := flag.Bool("watch", true, "监听配置文件变更并热更新 interlock 阈值")
	flag.Parse()

	cfg, err := config.LoadMode(*cfgPath, *mode)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，模式=%s）", cfg.App.Env, cfg.App.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	defer application.Close()
	application.VerifyParity = *parity

	if *watch && cfg.App.Mode != config.ModeResearch {
		if err := config.Watch(*cfgPath, *mode, application.ApplyConfig); err != nil {
			logger.Warnf("配置热更新未启用: %v", err)
		}
	}

	if err := application.Run(ctx); err != nil {
		application.Close()
		log.Fatalf("运行失败: %v", err)
	}
	logger.Infof("已退出")
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
