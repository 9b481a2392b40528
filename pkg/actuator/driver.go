package actuator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/junbin-yang/coapnode-go/api"
	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
	"go.uber.org/multierr"
)

// LogDriver 只记录日志的驱动，无硬件时使用
type LogDriver struct {
	log *logger.Logger
}

func NewLogDriver(log *logger.Logger) *LogDriver {
	if log == nil {
		log = logger.Default()
	}
	return &LogDriver{log: log}
}

func (d *LogDriver) Apply(state api.ActuatorState) error {
	d.log.Info("LED状态",
		logger.Bool(LEDRed, state.Red),
		logger.Bool(LEDYellow, state.Yellow),
		logger.Bool(LEDGreen, state.Green))
	return nil
}

// SysfsLEDDriver 通过/sys/class/leds/<name>/brightness控制LED
type SysfsLEDDriver struct {
	Root   string // 默认/sys/class/leds
	Red    string
	Yellow string
	Green  string
}

// DefaultLEDRoot Linux LED子系统目录
const DefaultLEDRoot = "/sys/class/leds"

func (d *SysfsLEDDriver) Apply(state api.ActuatorState) error {
	return multierr.Combine(
		d.write(d.Red, state.Red),
		d.write(d.Yellow, state.Yellow),
		d.write(d.Green, state.Green),
	)
}

func (d *SysfsLEDDriver) write(name string, on bool) error {
	if name == "" {
		return nil
	}
	root := d.Root
	if root == "" {
		root = DefaultLEDRoot
	}
	value := []byte("0")
	if on {
		value = []byte("1")
	}
	path := filepath.Join(root, name, "brightness")
	if err := os.WriteFile(path, value, 0o644); err != nil {
		return fmt.Errorf("写入%s失败: %w", path, err)
	}
	return nil
}
