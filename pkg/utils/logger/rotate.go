package logger

import (
	"io"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewProductionRotateBySize 按文件大小切割日志
// 参数：filename - 日志文件路径，maxSizeMB - 单文件上限（MB），maxBackups - 保留旧文件数，maxAgeDays - 旧文件保留天数
func NewProductionRotateBySize(filename string, maxSizeMB, maxBackups, maxAgeDays int) io.Writer {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		LocalTime:  true,
		Compress:   true,
	}
}

// NewProductionRotateByTime 按天切割日志，保留7天，filename为指向当前文件的软链接
// rotatelogs初始化失败时退回按大小切割
func NewProductionRotateByTime(filename string) io.Writer {
	w, err := rotatelogs.New(
		filename+".%Y%m%d",
		rotatelogs.WithLinkName(filename),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return NewProductionRotateBySize(filename, 100, 7, 7)
	}
	return w
}
