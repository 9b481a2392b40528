package sensor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/junbin-yang/coapnode-go/api"
	"github.com/junbin-yang/coapnode-go/pkg/coap"
	"github.com/junbin-yang/coapnode-go/pkg/metrics"
	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// DefaultPath 传感器资源路径
const DefaultPath = "/sensors"

// Service 持有传感器读取器，提供/sensors资源与周期采样任务
// 最近一次采样存放在原子槽中，可从任意协程读取
type Service struct {
	reader  api.SensorReader
	metrics *metrics.Metrics
	log     *logger.Logger
	latest  atomic.Pointer[api.SensorSnapshot]
}

// NewService 创建传感器服务
func NewService(reader api.SensorReader, m *metrics.Metrics, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{reader: reader, metrics: m, log: log}
}

// Resource 返回/sensors资源定义（仅允许GET）
func (s *Service) Resource(path string) *coap.Resource {
	if path == "" {
		path = DefaultPath
	}
	return &coap.Resource{
		Path:         path,
		Title:        "Sensor Readings",
		ResourceType: "sensor.snapshot",
		Interface:    "core.s",
		Methods:      []codes.Code{codes.GET},
		Handler:      s.handleGet,
	}
}

// handleGet 每次请求都重新读取传感器
func (s *Service) handleGet(req *coap.Request) (*coap.Response, error) {
	s.log.Info("传感器资源被访问", logger.Stringer("peer", req.Peer))

	snapshot, err := s.read()
	if err != nil {
		return nil, err
	}
	payload, err := Encode(snapshot)
	if err != nil {
		return nil, err
	}
	return coap.JSONResponse(payload), nil
}

// Sample 周期采样任务：读取快照、更新原子槽与指标
func (s *Service) Sample(now time.Time) {
	snapshot, err := s.read()
	if err != nil {
		s.log.Warn("周期采样失败", logger.Err(err))
		return
	}
	s.log.Debug("周期采样",
		logger.Time("timestamp", snapshot.Timestamp),
		logger.Float64p("temperature", snapshot.Temperature),
		logger.Float64p("humidity", snapshot.Humidity),
		logger.Float64p("binLevel", snapshot.BinLevel))
}

func (s *Service) read() (api.SensorSnapshot, error) {
	snapshot, err := s.reader.ReadSnapshot()
	if err != nil {
		return api.SensorSnapshot{}, fmt.Errorf("读取传感器失败: %w", err)
	}
	for name, v := range Readings(snapshot) {
		s.metrics.SensorValue(name, v)
	}
	s.latest.Store(&snapshot)
	return snapshot, nil
}

// Latest 最近一次读取的快照
func (s *Service) Latest() (api.SensorSnapshot, bool) {
	p := s.latest.Load()
	if p == nil {
		return api.SensorSnapshot{}, false
	}
	return *p, true
}
