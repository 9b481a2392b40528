package sensor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/junbin-yang/coapnode-go/api"
	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
	"go.uber.org/multierr"
)

// SysfsConfig Linux IIO sysfs文件路径与换算系数，路径为空表示没有该传感器
type SysfsConfig struct {
	TemperaturePath  string  `yaml:"temperature_path"`  // 如 /sys/bus/iio/devices/iio:device0/in_temp_input（毫摄氏度）
	TemperatureScale float64 `yaml:"temperature_scale"` // 默认0.001
	HumidityPath     string  `yaml:"humidity_path"`     // 如 in_humidityrelative_input（千分之一%）
	HumidityScale    float64 `yaml:"humidity_scale"`    // 默认0.001
	LightPath        string  `yaml:"light_path"`        // ADC原始值，如 in_voltage0_raw
	DistancePath     string  `yaml:"distance_path"`     // 超声波测距，如 in_distance_raw（毫米）
	DistanceScale    float64 `yaml:"distance_scale"`    // 换算为厘米，默认0.1
	MaxBinHeight     float64 `yaml:"max_bin_height"`    // 桶高（厘米）
}

// SysfsReader 从sysfs文件读取传感器
type SysfsReader struct {
	cfg SysfsConfig
	now func() time.Time
	log *logger.Logger
}

// NewSysfsReader 创建sysfs读取器，未设置的系数取默认值
func NewSysfsReader(cfg SysfsConfig, log *logger.Logger) *SysfsReader {
	if cfg.TemperatureScale == 0 {
		cfg.TemperatureScale = 0.001
	}
	if cfg.HumidityScale == 0 {
		cfg.HumidityScale = 0.001
	}
	if cfg.DistanceScale == 0 {
		cfg.DistanceScale = 0.1
	}
	if cfg.MaxBinHeight <= 0 {
		cfg.MaxBinHeight = DefaultMaxBinHeight
	}
	if log == nil {
		log = logger.Default()
	}
	return &SysfsReader{cfg: cfg, now: time.Now, log: log}
}

// ReadSnapshot 逐个读取传感器，失败只置空对应字段
// 所有已配置的传感器都失败时仍返回全null快照，不返回错误
func (r *SysfsReader) ReadSnapshot() (api.SensorSnapshot, error) {
	snapshot := api.SensorSnapshot{Timestamp: r.now()}
	var errs []error

	read := func(name, path string, scale float64) *float64 {
		if path == "" {
			return nil
		}
		v, err := readNumber(path)
		if err != nil {
			r.log.Warn("读取传感器失败", logger.String("sensor", name), logger.Err(err))
			errs = append(errs, err)
			return nil
		}
		return float(v * scale)
	}

	snapshot.Temperature = read(Temperature, r.cfg.TemperaturePath, r.cfg.TemperatureScale)
	snapshot.Humidity = read(Humidity, r.cfg.HumidityPath, r.cfg.HumidityScale)
	if light := read(LightLevel, r.cfg.LightPath, 1); light != nil {
		snapshot.LightLevel = integer(int(*light))
	}
	if distance := read(BinLevel, r.cfg.DistancePath, r.cfg.DistanceScale); distance != nil {
		snapshot.BinLevel = BinFillLevel(*distance, r.cfg.MaxBinHeight)
	}

	if configured := r.configured(); configured > 0 && len(errs) == configured {
		r.log.Warn("所有传感器读取失败", logger.Err(multierr.Combine(errs...)))
	}
	return snapshot, nil
}

func (r *SysfsReader) configured() int {
	n := 0
	for _, p := range []string{r.cfg.TemperaturePath, r.cfg.HumidityPath, r.cfg.LightPath, r.cfg.DistancePath} {
		if p != "" {
			n++
		}
	}
	return n
}

func readNumber(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("解析%s失败: %w", path, err)
	}
	return v, nil
}
