// 基于zap的日志封装，提供控制台格式输出、动态级别调整与包级默认实例
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
	PanicLevel = zapcore.PanicLevel
	FatalLevel = zapcore.FatalLevel
)

// Logger 对zap.Logger的轻量封装
type Logger struct {
	l  *zap.Logger       // 方法调用使用的实例（跳过封装层1帧）
	pl *zap.Logger       // 包级函数使用的实例（再多跳过1帧）
	al *zap.AtomicLevel  // 动态日志级别，FromZap构造时为nil
}

// New 创建日志实例
// 参数：out - 输出目标（nil时使用标准错误），level - 初始级别，opts - zap附加选项
func New(out io.Writer, level Level, opts ...Option) *Logger {
	if out == nil {
		out = os.Stderr
	}

	al := zap.NewAtomicLevelAt(level)

	core := zapcore.NewCore(
		GetEncoder(),
		zapcore.AddSync(out),
		al,
	)
	return wrap(zap.New(core, opts...).WithOptions(zap.AddCallerSkip(1)), &al)
}

// FromZap 用已有的zap实例构造Logger（测试中配合zaptest/observer使用）
func FromZap(z *zap.Logger) *Logger {
	return wrap(z.WithOptions(zap.AddCallerSkip(1)), nil)
}

// NewNop 返回丢弃所有输出的日志实例
func NewNop() *Logger {
	return FromZap(zap.NewNop())
}

func wrap(z *zap.Logger, al *zap.AtomicLevel) *Logger {
	return &Logger{l: z, pl: z.WithOptions(zap.AddCallerSkip(1)), al: al}
}

// 自定义Encoder
func GetEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(
		zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller_line",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding, // 默认换行符"\n"
			EncodeLevel:    cEncodeLevel,
			EncodeTime:     cEncodeTime,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   cEncodeCaller,
			EncodeName:     cEncodeName,
		})
}

// 自定义日志级别显示
func cEncodeLevel(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + level.CapitalString() + "]")
}

// 自定义时间格式显示
func cEncodeTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	var logTmFmt = "2006-01-02 15:04:05.000"
	enc.AppendString("[" + t.Format(logTmFmt) + "]")
}

// 自定义行号显示
func cEncodeCaller(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + caller.TrimmedPath() + "]")
}

// 模块名显示
func cEncodeName(name string, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + name + "]")
}

// ParseLevel 解析文本日志级别，兼容"warning"写法
func ParseLevel(text string) (Level, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "warning" {
		text = "warn"
	}
	level, err := zapcore.ParseLevel(text)
	if err != nil {
		return InfoLevel, fmt.Errorf("无效的日志级别 %q: %w", text, err)
	}
	return level, nil
}

func (l *Logger) SetLevel(level Level) {
	if l.al != nil {
		l.al.SetLevel(level)
	}
}

// Named 返回带模块名的子日志实例，共享级别
func (l *Logger) Named(name string) *Logger {
	return &Logger{l: l.l.Named(name), pl: l.pl.Named(name), al: l.al}
}

// With 返回附带固定字段的子日志实例
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{l: l.l.With(fields...), pl: l.pl.With(fields...), al: l.al}
}

type Field = zap.Field

func (l *Logger) Debug(msg string, fields ...Field) {
	l.l.Debug(msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.l.Info(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.l.Warn(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.l.Error(msg, fields...)
}

func (l *Logger) Panic(msg string, fields ...Field) {
	l.l.Panic(msg, fields...)
}

func (l *Logger) Fatal(msg string, fields ...Field) {
	l.l.Fatal(msg, fields...)
}

func (l *Logger) Sync() error {
	return l.l.Sync()
}

var std = New(os.Stderr, InfoLevel, AddCaller())

func Default() *Logger         { return std }
func ReplaceDefault(l *Logger) { std = l }

func SetLevel(level Level) { std.SetLevel(level) }

func Debug(msg string, fields ...Field) { std.pl.Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { std.pl.Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { std.pl.Warn(msg, fields...) }
func Error(msg string, fields ...Field) { std.pl.Error(msg, fields...) }
func Panic(msg string, fields ...Field) { std.pl.Panic(msg, fields...) }
func Fatal(msg string, fields ...Field) { std.pl.Fatal(msg, fields...) }

func Sync() error { return std.Sync() }
