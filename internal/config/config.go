package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// secretEnv 允许密钥从环境变量注入，避免写进配置文件。
var secretEnv = map[string]string{
	"live.api_key":            "TRADECORE_LIVE_API_KEY",
	"live.api_secret":         "TRADECORE_LIVE_API_SECRET",
	"refstore.redis.password": "TRADECORE_REDIS_PASSWORD",
}

func Load(path string) (*Config, error) {
	return LoadMode(path, "")
}

// LoadMode 与 Load 相同，mode 非空时覆盖 app.mode。
//
// 主文件可以用 include 引入其他文件（一般是单独维护的 interlock 阈值）。
// 被引入的文件先合并，引用方后合并并覆盖同名键。
func LoadMode(path, mode string) (*Config, error) {
	layers, err := readLayers(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	for _, l := range layers {
		if err := v.MergeConfigMap(l.settings); err != nil {
			return nil, fmt.Errorf("merge config %s: %w", l.path, err)
		}
	}
	for key, env := range secretEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}
	if m := strings.TrimSpace(mode); m != "" {
		v.Set("app.mode", m)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	// 只有没出现过的键才填默认值；阈值必须显式给出
	keys := make(keySet)
	for _, k := range v.AllKeys() {
		keys.mark(k)
	}
	cfg.applyDefaults(keys)
	if err := validate(&cfg, keys); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// layer 是一个已读入的配置文件。
type layer struct {
	path     string
	settings map[string]any
}

// layerReader 按 include 深度优先展开文件，每个文件只读一次。
type layerReader struct {
	visiting map[string]bool
	loaded   map[string]bool
	layers   []layer
}

func readLayers(path string) ([]layer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r := &layerReader{visiting: map[string]bool{}, loaded: map[string]bool{}}
	if err := r.visit(abs); err != nil {
		return nil, err
	}
	return r.layers, nil
}

func (r *layerReader) visit(path string) error {
	path = filepath.Clean(path)
	if r.visiting[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if r.loaded[path] {
		return nil
	}
	settings, err := readSettings(path)
	if err != nil {
		return fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	includes, err := includeList(settings["include"])
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	delete(settings, "include")

	r.visiting[path] = true
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := r.visit(inc); err != nil {
			return err
		}
	}
	delete(r.visiting, path)
	r.loaded[path] = true
	r.layers = append(r.layers, layer{path: path, settings: settings})
	return nil
}

func readSettings(path string) (map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

func includeList(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var list []string
	if err := mapstructure.Decode(raw, &list); err != nil {
		return nil, fmt.Errorf("include must be a string array: %w", err)
	}
	out := list[:0]
	for _, inc := range list {
		if inc = strings.TrimSpace(inc); inc != "" {
			out = append(out, inc)
		}
	}
	return out, nil
}
