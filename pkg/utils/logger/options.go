package logger

import "go.uber.org/zap"

type Option = zap.Option

var (
	AddCaller     = zap.AddCaller
	AddCallerSkip = zap.AddCallerSkip
	AddStacktrace = zap.AddStacktrace
	Development   = zap.Development
)

// 常用字段构造函数，调用方无需直接引入zap
var (
	Skip       = zap.Skip
	String     = zap.String
	Strings    = zap.Strings
	Stringer   = zap.Stringer
	Int        = zap.Int
	Int64      = zap.Int64
	Uint8      = zap.Uint8
	Uint16     = zap.Uint16
	Uint64     = zap.Uint64
	Float64    = zap.Float64
	Float64p   = zap.Float64p
	Bool       = zap.Bool
	Duration   = zap.Duration
	Time       = zap.Time
	Binary     = zap.Binary
	ByteString = zap.ByteString
	Err        = zap.Error
	NamedError = zap.NamedError
	Any        = zap.Any
)
