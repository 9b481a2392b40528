package sensor

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/junbin-yang/coapnode-go/api"
)

// SimulatedConfig 模拟传感器参数
type SimulatedConfig struct {
	FaultRate    float64 // 每个传感器单次读取失败的概率
	Seed         int64   // 随机种子，0时使用当前时间
	MaxBinHeight float64 // 桶高（厘米）
}

// Simulated 无硬件时使用的随机游走传感器，支持故障注入
type Simulated struct {
	mu       sync.Mutex
	rnd      *rand.Rand
	cfg      SimulatedConfig
	now      func() time.Time
	failed   map[string]bool
	temp     float64
	humidity float64
	light    float64
	distance float64
}

// NewSimulated 创建模拟传感器
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.MaxBinHeight <= 0 {
		cfg.MaxBinHeight = DefaultMaxBinHeight
	}
	return &Simulated{
		rnd:      rand.New(rand.NewSource(cfg.Seed)),
		cfg:      cfg,
		now:      time.Now,
		failed:   make(map[string]bool),
		temp:     22,
		humidity: 45,
		light:    1500,
		distance: cfg.MaxBinHeight * 0.6,
	}
}

// SetClock 替换时间源
func (s *Simulated) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailSensor 强制某个传感器持续故障或恢复
func (s *Simulated) FailSensor(name string, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[name] = failed
}

// ReadSnapshot 产生一份新快照，故障的传感器对应字段为nil
func (s *Simulated) ReadSnapshot() (api.SensorSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.temp = clamp(s.temp+s.rnd.NormFloat64()*0.2, -10, 50)
	s.humidity = clamp(s.humidity+s.rnd.NormFloat64()*0.5, 0, 100)
	s.light = clamp(s.light+s.rnd.NormFloat64()*40, 0, 4095)
	s.distance = clamp(s.distance+s.rnd.NormFloat64()*1.5, 2, s.cfg.MaxBinHeight*1.2)

	snapshot := api.SensorSnapshot{Timestamp: s.now()}
	if s.ok(Temperature) {
		snapshot.Temperature = float(math.Round(s.temp*10) / 10)
	}
	if s.ok(Humidity) {
		snapshot.Humidity = float(math.Round(s.humidity*10) / 10)
	}
	if s.ok(LightLevel) {
		snapshot.LightLevel = integer(int(s.light))
	}
	if s.ok(BinLevel) {
		snapshot.BinLevel = BinFillLevel(s.distance, s.cfg.MaxBinHeight)
	}
	return snapshot, nil
}

func (s *Simulated) ok(name string) bool {
	if s.failed[name] {
		return false
	}
	return s.cfg.FaultRate <= 0 || s.rnd.Float64() >= s.cfg.FaultRate
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
