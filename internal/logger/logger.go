// Package logger 是进程级的 slog 日志。Infof 这类 printf 风格的函数用于流程日志，
// 需要结构化字段的组件通过 With(component) 取得自己的 logger。
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	level   = new(slog.LevelVar)
	current atomic.Pointer[slog.Logger]
)

func init() {
	SetOutput(os.Stdout)
}

// SetOutput swaps the sink. Loggers obtained from With before the call keep
// writing to the old one.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	current.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func SetLevel(s string) {
	level.Set(ParseLevel(s))
}

// ParseLevel 不认识的级别一律按 info 处理。
func ParseLevel(s string) slog.Level {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		name = "warn"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// With returns a structured logger tagged with the component name.
func With(component string) *slog.Logger {
	return current.Load().With(slog.String("component", component))
}

func logf(lvl slog.Level, format string, args []any) {
	l := current.Load()
	ctx := context.Background()
	if !l.Enabled(ctx, lvl) {
		return
	}
	l.Log(ctx, lvl, fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) { logf(slog.LevelDebug, format, args) }

func Infof(format string, args ...any) { logf(slog.LevelInfo, format, args) }

func Warnf(format string, args ...any) { logf(slog.LevelWarn, format, args) }

func Errorf(format string, args ...any) { logf(slog.LevelError, format, args) }
