// Package metrics 提供节点的Prometheus指标
package metrics

import (
	"net/http"
	"strconv"

	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "coapnode"

// Metrics 节点全部指标，使用独立注册表
// 所有方法对nil接收者安全，未启用指标时直接传nil
type Metrics struct {
	reg *prometheus.Registry

	Datagrams           *prometheus.CounterVec // direction=in|out
	DecodeErrors        prometheus.Counter
	Requests            *prometheus.CounterVec // path, code
	Duplicates          prometheus.Counter
	Resets              *prometheus.CounterVec // reason
	Retransmissions     prometheus.Counter
	Transactions        *prometheus.CounterVec // result
	PendingTransactions prometheus.Gauge
	LoopIterations      prometheus.Counter
	Polls               *prometheus.CounterVec // result
	SensorReadings      *prometheus.GaugeVec   // sensor
	SensorFaults        *prometheus.CounterVec // sensor
	LEDState            *prometheus.GaugeVec   // led
}

// New 创建指标集合并注册到独立注册表
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Datagrams: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datagrams_total",
				Help:      "UDP datagrams received and sent",
			},
			[]string{"direction"},
		),
		DecodeErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Datagrams dropped because they were not valid CoAP",
			},
		),
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Inbound requests by resource path and response code",
			},
			[]string{"path", "code"},
		),
		Duplicates: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_requests_total",
				Help:      "Inbound requests recognised as duplicates",
			},
		),
		Resets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resets_sent_total",
				Help:      "RST messages sent by reason",
			},
			[]string{"reason"},
		),
		Retransmissions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Confirmable messages retransmitted",
			},
		),
		Transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Finished confirmable transactions by result",
			},
			[]string{"result"},
		),
		PendingTransactions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_transactions",
				Help:      "Confirmable transactions awaiting ACK or response",
			},
		),
		LoopIterations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_iterations_total",
				Help:      "Scheduler loop iterations",
			},
		),
		Polls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Actuator status polls by result",
			},
			[]string{"result"},
		),
		SensorReadings: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sensor_reading",
				Help:      "Latest sampled sensor value",
			},
			[]string{"sensor"},
		),
		SensorFaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sensor_faults_total",
				Help:      "Sensor reads that returned no value",
			},
			[]string{"sensor"},
		),
		LEDState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "led_on",
				Help:      "Current LED state (1 on, 0 off)",
			},
			[]string{"led"},
		),
	}
}

// Registry 底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler 暴露/metrics的HTTP处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) DatagramIn() {
	if m != nil {
		m.Datagrams.WithLabelValues("in").Inc()
	}
}

func (m *Metrics) DatagramOut() {
	if m != nil {
		m.Datagrams.WithLabelValues("out").Inc()
	}
}

func (m *Metrics) DecodeError() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

// Request 记录一次请求处理结果，code为点分形式如"2.05"
func (m *Metrics) Request(path string, code codes.Code) {
	if m != nil {
		m.Requests.WithLabelValues(path, dotted(code)).Inc()
	}
}

func (m *Metrics) Duplicate() {
	if m != nil {
		m.Duplicates.Inc()
	}
}

func (m *Metrics) ResetSent(reason string) {
	if m != nil {
		m.Resets.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Retransmitted(n int) {
	if m != nil && n > 0 {
		m.Retransmissions.Add(float64(n))
	}
}

func (m *Metrics) TransactionDone(result string) {
	if m != nil {
		m.Transactions.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Pending(n int) {
	if m != nil {
		m.PendingTransactions.Set(float64(n))
	}
}

func (m *Metrics) Iteration() {
	if m != nil {
		m.LoopIterations.Inc()
	}
}

func (m *Metrics) Poll(result string) {
	if m != nil {
		m.Polls.WithLabelValues(result).Inc()
	}
}

// SensorValue 记录传感器读数，nil视为故障
func (m *Metrics) SensorValue(sensor string, v *float64) {
	if m == nil {
		return
	}
	if v == nil {
		m.SensorFaults.WithLabelValues(sensor).Inc()
		return
	}
	m.SensorReadings.WithLabelValues(sensor).Set(*v)
}

func (m *Metrics) LED(led string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.LEDState.WithLabelValues(led).Set(v)
}

func dotted(code codes.Code) string {
	return strconv.Itoa(int(code>>5)) + "." + leftPad(int(code&0x1F))
}

func leftPad(detail int) string {
	if detail < 10 {
		return "0" + strconv.Itoa(detail)
	}
	return strconv.Itoa(detail)
}
