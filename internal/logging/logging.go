// =============================================================================
// 文件: internal/logging/logging.go
// 描述: 分级日志 - 各模块共用的 [ERROR]/[INFO]/[DEBUG] 输出，时间戳取仿真时钟
// =============================================================================
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	LevelError = iota
	LevelInfo
	LevelDebug
)

// ParseLevel 解析日志级别，未知值按 info 处理
func ParseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Clock 返回当前时间（秒）
type Clock func() float64

// Logger 带组件标签的分级日志
type Logger struct {
	level int
	tag   string
	clock Clock
	out   io.Writer
	mu    *sync.Mutex
}

// New 创建日志器，clock 为 nil 时不打印时间戳
func New(level string, tag string, clock Clock) *Logger {
	return &Logger{
		level: ParseLevel(level),
		tag:   tag,
		clock: clock,
		out:   os.Stdout,
		mu:    &sync.Mutex{},
	}
}

// Discard 返回不输出任何内容的日志器
func Discard() *Logger {
	return &Logger{level: LevelError, out: io.Discard, mu: &sync.Mutex{}}
}

// With 派生一个新标签的日志器，共享输出
func (l *Logger) With(tag string) *Logger {
	c := *l
	c.tag = tag
	return &c
}

// SetOutput 设置输出目标
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// Enabled 是否输出该级别
func (l *Logger) Enabled(level int) bool {
	return l != nil && level <= l.level
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

func (l *Logger) log(level int, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	prefix := ""
	switch level {
	case LevelError:
		prefix = "[ERROR]"
	case LevelInfo:
		prefix = "[INFO]"
	case LevelDebug:
		prefix = "[DEBUG]"
	}

	ts := "-"
	if l.clock != nil {
		ts = fmt.Sprintf("%.6f", l.clock())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %s [%s] %s\n", prefix, ts, l.tag, fmt.Sprintf(format, args...))
}
