// 执行器（三色LED）状态的解析、保存与驱动
package actuator

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/junbin-yang/coapnode-go/api"
	"github.com/junbin-yang/coapnode-go/pkg/metrics"
	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
)

// LED名称（指标标签与日志使用）
const (
	LEDRed    = "red"
	LEDYellow = "yellow"
	LEDGreen  = "green"
)

type wireState struct {
	Red    *bool `json:"redLed"`
	Yellow *bool `json:"yellowLed"`
	Green  *bool `json:"greenLed"`
}

// ParseState 严格解析{"redLed":bool,"yellowLed":bool,"greenLed":bool}
// 必须是JSON对象且三个字段都存在并为布尔值，多余字段忽略
func ParseState(data []byte) (api.ActuatorState, error) {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return api.ActuatorState{}, fmt.Errorf("LED状态不是合法的JSON对象: %w", err)
	}
	if w.Red == nil || w.Yellow == nil || w.Green == nil {
		return api.ActuatorState{}, fmt.Errorf("LED状态缺少字段: %s", data)
	}
	return api.ActuatorState{Red: *w.Red, Yellow: *w.Yellow, Green: *w.Green}, nil
}

// EncodeState 编码为与ParseState对应的JSON
func EncodeState(state api.ActuatorState) ([]byte, error) {
	return json.Marshal(state)
}

// Store 保存当前执行器状态并下发给驱动
// 状态存放在原子槽中，任意协程都可读取
type Store struct {
	driver  api.ActuatorDriver
	metrics *metrics.Metrics
	log     *logger.Logger
	current atomic.Pointer[api.ActuatorState]
}

// NewStore 创建状态存储，初始状态全灭
func NewStore(driver api.ActuatorDriver, m *metrics.Metrics, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	s := &Store{driver: driver, metrics: m, log: log}
	s.current.Store(&api.ActuatorState{})
	return s
}

// Apply 下发新状态，驱动失败时保留原状态
func (s *Store) Apply(state api.ActuatorState) error {
	if s.driver != nil {
		if err := s.driver.Apply(state); err != nil {
			return fmt.Errorf("驱动LED失败: %w", err)
		}
	}
	s.current.Store(&state)
	s.metrics.LED(LEDRed, state.Red)
	s.metrics.LED(LEDYellow, state.Yellow)
	s.metrics.LED(LEDGreen, state.Green)
	return nil
}

// Current 当前状态
func (s *Store) Current() api.ActuatorState {
	return *s.current.Load()
}
