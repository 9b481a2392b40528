// 传感器读数的采集、编码与/sensors资源
package sensor

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/junbin-yang/coapnode-go/api"
)

// 传感器名称，同时用作JSON字段名与指标标签
const (
	Temperature = "temperature"
	Humidity    = "humidity"
	LightLevel  = "lightLevel"
	BinLevel    = "binLevel"
)

// DefaultMaxBinHeight 垃圾桶高度（厘米），超声波测得距离超过该值视为无效
const DefaultMaxBinHeight = 100.0

// TimestampLayout 快照时间戳格式
const TimestampLayout = "2006-01-02 15:04:05"

// Payload /sensors响应的JSON结构，缺失读数输出null
type Payload struct {
	Timestamp   string   `json:"timestamp"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	LightLevel  *int     `json:"lightLevel"`
	BinLevel    *float64 `json:"binLevel"`
}

// Encode 将快照编码为JSON
func Encode(s api.SensorSnapshot) ([]byte, error) {
	data, err := json.Marshal(&Payload{
		Timestamp:   s.Timestamp.Format(TimestampLayout),
		Temperature: finite(s.Temperature),
		Humidity:    finite(s.Humidity),
		LightLevel:  s.LightLevel,
		BinLevel:    finite(s.BinLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("编码传感器快照失败: %w", err)
	}
	return data, nil
}

// Decode 解析/sensors的JSON响应（CLI探测与测试使用）
func Decode(data []byte) (api.SensorSnapshot, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return api.SensorSnapshot{}, fmt.Errorf("解析传感器快照失败: %w", err)
	}
	ts, err := time.ParseInLocation(TimestampLayout, p.Timestamp, time.Local)
	if err != nil {
		return api.SensorSnapshot{}, fmt.Errorf("无效的时间戳 %q: %w", p.Timestamp, err)
	}
	return api.SensorSnapshot{
		Timestamp:   ts,
		Temperature: p.Temperature,
		Humidity:    p.Humidity,
		LightLevel:  p.LightLevel,
		BinLevel:    p.BinLevel,
	}, nil
}

// finite NaN与Inf无法用JSON表示，按故障处理
func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

// BinFillLevel 由超声波距离换算填充百分比，保留两位小数
// 距离为负或超过桶高时返回nil
func BinFillLevel(distanceCM, maxHeightCM float64) *float64 {
	if maxHeightCM <= 0 || distanceCM < 0 || distanceCM > maxHeightCM || math.IsNaN(distanceCM) {
		return nil
	}
	fill := (maxHeightCM - distanceCM) / maxHeightCM * 100
	fill = math.Round(fill*100) / 100
	return &fill
}

// Readings 以名称列出快照中的数值读数（光照转为float64）
func Readings(s api.SensorSnapshot) map[string]*float64 {
	var light *float64
	if s.LightLevel != nil {
		v := float64(*s.LightLevel)
		light = &v
	}
	return map[string]*float64{
		Temperature: s.Temperature,
		Humidity:    s.Humidity,
		LightLevel:  light,
		BinLevel:    s.BinLevel,
	}
}

func float(v float64) *float64 { return &v }

func integer(v int) *int { return &v }
