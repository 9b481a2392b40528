package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func Test_LOG(t *testing.T) {
	defer Sync()
	Info("Info msg")
	Warn("Warn msg")
	Error("Error msg")
	Debug("Debug msg", Int("age", 3))
}

// TestLogger_ConsoleFormat 验证控制台格式包含级别、调用位置与字段
func TestLogger_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, DebugLevel, AddCaller())

	l.Named("coap").Info("收到数据报", String("peer", "127.0.0.1:5683"), Uint16("mid", 7))
	require.NoError(t, l.Sync())

	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "[coap]")
	assert.Contains(t, out, "收到数据报")
	assert.Contains(t, out, `"peer": "127.0.0.1:5683"`)
	assert.Contains(t, out, "logger_test.go", "调用位置应指向调用方而不是封装层")
}

// TestLogger_SetLevel 验证动态调整级别后低级别日志被过滤
func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, InfoLevel)

	l.Debug("不应输出")
	assert.Empty(t, buf.String())

	l.SetLevel(DebugLevel)
	l.Debug("应输出")
	assert.Contains(t, buf.String(), "应输出")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: DebugLevel},
		{in: " INFO ", want: InfoLevel},
		{in: "warning", want: WarnLevel},
		{in: "warn", want: WarnLevel},
		{in: "error", want: ErrorLevel},
		{in: "verbose", want: InfoLevel, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestFromZap 验证可以接入zap观察器以断言日志内容
func TestFromZap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core)).With(String("component", "test"))

	l.Warn("状态切换", String("to", "FAILED"))

	entries := logs.FilterMessage("状态切换").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "FAILED", fields["to"])
	assert.Equal(t, "test", fields["component"])
}

func TestNewProductionRotateBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	l := New(NewProductionRotateBySize(path, 1, 1, 1), InfoLevel)

	l.Info("写入文件")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "写入文件")
}
