// Package config 节点的YAML配置：默认值、加载、校验与导出
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/junbin-yang/coapnode-go/pkg/coap"
	"github.com/junbin-yang/coapnode-go/pkg/sensor"
	"gopkg.in/yaml.v3"
)

// 传感器与执行器驱动名称
const (
	DriverSimulated = "simulated"
	DriverSysfs     = "sysfs"
	DriverLog       = "log"
)

// 日志切割方式
const (
	RotateNone = ""
	RotateSize = "size"
	RotateTime = "time"
)

// Duration 在YAML中以"2s"这样的字符串表示的时长
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(text))
	if err != nil {
		return fmt.Errorf("第%d行: 无效的时长%q: %w", node.Line, text, err)
	}
	*d = Duration(v)
	return nil
}

// Config 节点配置，启动后不再改变
type Config struct {
	Listen      string            `yaml:"listen"`
	Remote      RemoteConfig      `yaml:"remote"`
	Resources   ResourceConfig    `yaml:"resources"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Sensor      SensorConfig      `yaml:"sensor"`
	Actuator    ActuatorConfig    `yaml:"actuator"`
	Network     NetworkConfig     `yaml:"network"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
}

// RemoteConfig 远端LED状态资源，Address为空时不轮询
type RemoteConfig struct {
	Address string   `yaml:"address"` // host:port
	Path    string   `yaml:"path"`
	Period  Duration `yaml:"period"`
}

type ResourceConfig struct {
	Sensors   string `yaml:"sensors"`
	LED       string `yaml:"led"`
	EnableLED bool   `yaml:"enable_led"` // 对外开放本地/led资源
}

type ReliabilityConfig struct {
	AckTimeout       Duration `yaml:"ack_timeout"`
	AckRandomFactor  float64  `yaml:"ack_random_factor"`
	MaxRetransmit    int      `yaml:"max_retransmit"`
	MaxRetryInterval Duration `yaml:"max_retry_interval"`
	ResponseTimeout  Duration `yaml:"response_timeout"`
}

type SchedulerConfig struct {
	PollCap          Duration `yaml:"poll_cap"`          // 单次读等待的上限
	ExchangeLifetime Duration `yaml:"exchange_lifetime"` // CON去重缓存时长
	NonLifetime      Duration `yaml:"non_lifetime"`      // NON去重缓存时长
}

type SensorConfig struct {
	Driver       string             `yaml:"driver"` // simulated | sysfs
	SamplePeriod Duration           `yaml:"sample_period"`
	MaxBinHeight float64            `yaml:"max_bin_height"`
	FaultRate    float64            `yaml:"fault_rate"`
	Seed         int64              `yaml:"seed"`
	Sysfs        sensor.SysfsConfig `yaml:"sysfs"`
}

type ActuatorConfig struct {
	Driver string `yaml:"driver"` // log | sysfs
	Root   string `yaml:"root"`
	Red    string `yaml:"red"`
	Yellow string `yaml:"yellow"`
	Green  string `yaml:"green"`
}

type NetworkConfig struct {
	Interface     string   `yaml:"interface"` // 为空时自动选择
	AllowLoopback bool     `yaml:"allow_loopback"`
	AttachRetries int      `yaml:"attach_retries"`
	AttachBackoff Duration `yaml:"attach_backoff"`
	TrafficClass  int      `yaml:"traffic_class"` // IPv4 TOS，0为不设置
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`    // 为空时输出到标准错误
	Rotate     string `yaml:"rotate"` // "" | size | time
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MetricsConfig struct {
	Address string `yaml:"address"` // 为空时不启动/metrics
}

type SupervisorConfig struct {
	RestartDelay Duration `yaml:"restart_delay"`
	MaxRestarts  int      `yaml:"max_restarts"` // 0为不限
}

// Default 默认配置
func Default() *Config {
	r := coap.DefaultReliability()
	return &Config{
		Listen: ":5683",
		Remote: RemoteConfig{
			Address: "192.168.4.1:5683",
			Path:    "/led-status",
			Period:  Duration(5 * time.Second),
		},
		Resources: ResourceConfig{
			Sensors: sensor.DefaultPath,
			LED:     "/led",
		},
		Reliability: ReliabilityConfig{
			AckTimeout:       Duration(r.AckTimeout),
			AckRandomFactor:  r.AckRandomFactor,
			MaxRetransmit:    r.MaxRetransmit,
			MaxRetryInterval: Duration(r.MaxRetryInterval),
			ResponseTimeout:  Duration(r.ResponseTimeout),
		},
		Scheduler: SchedulerConfig{
			PollCap:          Duration(time.Second),
			ExchangeLifetime: Duration(coap.DefaultExchangeLifetime),
			NonLifetime:      Duration(coap.DefaultNonLifetime),
		},
		Sensor: SensorConfig{
			Driver:       DriverSimulated,
			SamplePeriod: Duration(10 * time.Second),
			MaxBinHeight: sensor.DefaultMaxBinHeight,
		},
		Actuator: ActuatorConfig{
			Driver: DriverLog,
		},
		Network: NetworkConfig{
			AttachRetries: 5,
			AttachBackoff: Duration(time.Second),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 7,
		},
		Supervisor: SupervisorConfig{
			RestartDelay: Duration(10 * time.Second),
		},
	}
}

// Load 读取YAML配置文件，未出现的键保留默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析YAML并校验
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal 导出为YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("无效的监听地址%q: %w", c.Listen, err)
	}
	if c.Remote.Address != "" {
		if _, _, err := net.SplitHostPort(c.Remote.Address); err != nil {
			return fmt.Errorf("无效的远端地址%q: %w", c.Remote.Address, err)
		}
		if c.Remote.Period <= 0 {
			return fmt.Errorf("轮询周期必须大于0")
		}
	}
	for name, path := range map[string]string{
		"remote.path":       c.Remote.Path,
		"resources.sensors": c.Resources.Sensors,
		"resources.led":     c.Resources.LED,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s必须以/开头: %q", name, path)
		}
	}
	if c.Resources.EnableLED && c.Resources.LED == c.Resources.Sensors {
		return fmt.Errorf("资源路径重复: %s", c.Resources.LED)
	}

	r := c.Reliability
	if r.AckTimeout <= 0 || r.MaxRetryInterval <= 0 || r.ResponseTimeout <= 0 {
		return fmt.Errorf("重传超时参数必须大于0")
	}
	if r.AckRandomFactor < 1 {
		return fmt.Errorf("ack_random_factor不能小于1: %v", r.AckRandomFactor)
	}
	if r.MaxRetransmit < 0 {
		return fmt.Errorf("max_retransmit不能为负: %d", r.MaxRetransmit)
	}
	if c.Scheduler.PollCap <= 0 {
		return fmt.Errorf("poll_cap必须大于0")
	}
	if c.Scheduler.ExchangeLifetime <= 0 || c.Scheduler.NonLifetime <= 0 {
		return fmt.Errorf("去重缓存时长必须大于0")
	}

	switch c.Sensor.Driver {
	case DriverSimulated, DriverSysfs:
	default:
		return fmt.Errorf("未知的传感器驱动: %q", c.Sensor.Driver)
	}
	if c.Sensor.SamplePeriod < 0 {
		return fmt.Errorf("采样周期不能为负")
	}
	if c.Sensor.FaultRate < 0 || c.Sensor.FaultRate > 1 {
		return fmt.Errorf("fault_rate必须在[0,1]内: %v", c.Sensor.FaultRate)
	}
	switch c.Actuator.Driver {
	case DriverLog, DriverSysfs:
	default:
		return fmt.Errorf("未知的执行器驱动: %q", c.Actuator.Driver)
	}
	if c.Network.TrafficClass < 0 || c.Network.TrafficClass > 255 {
		return fmt.Errorf("traffic_class必须在0-255内: %d", c.Network.TrafficClass)
	}
	switch c.Log.Rotate {
	case RotateNone, RotateSize, RotateTime:
	default:
		return fmt.Errorf("未知的日志切割方式: %q", c.Log.Rotate)
	}
	return nil
}

// CoAPReliability 转换为事务表参数
func (c *Config) CoAPReliability() coap.ReliabilityConfig {
	return coap.ReliabilityConfig{
		AckTimeout:       c.Reliability.AckTimeout.Std(),
		AckRandomFactor:  c.Reliability.AckRandomFactor,
		MaxRetransmit:    c.Reliability.MaxRetransmit,
		MaxRetryInterval: c.Reliability.MaxRetryInterval.Std(),
		ResponseTimeout:  c.Reliability.ResponseTimeout.Std(),
	}
}
