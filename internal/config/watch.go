package config

import (
	"fmt"
	"strings"

	"tradecore/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeListener 在配置文件变更且新配置校验通过后被调用。
type ChangeListener func(*Config)

// Watch 监听主配置文件，变更时整体重新加载。校验失败的修改只记录日志，
// 之前的配置继续生效。mode 与 LoadMode 的含义相同。
func Watch(path, mode string, fn ChangeListener) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config watch requires path")
	}
	if fn == nil {
		return fmt.Errorf("config watch requires a listener")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		cfg, err := LoadMode(path, mode)
		if err != nil {
			logger.Errorf("config reload failed (%s): %v", evt.Name, err)
			return
		}
		logger.Infof("config reloaded (%s)", evt.Name)
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}
