package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const redacted = "***"

// Dump 以 YAML 输出生效配置，密钥打码。
func Dump(cfg *Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("nil config")
	}
	c := *cfg
	c.Live.APIKey = redact(c.Live.APIKey)
	c.Live.APISecret = redact(c.Live.APISecret)
	c.RefStore.Redis.Password = redact(c.RefStore.Redis.Password)

	var out map[string]any
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "toml", Result: &out})
	if err != nil {
		return "", err
	}
	if err := dec.Decode(c); err != nil {
		return "", fmt.Errorf("flatten config: %w", err)
	}
	b, err := yaml.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}
