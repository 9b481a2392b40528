// 公共API类型
package api

import (
	"context"
	"net"
	"time"
)

// 传感器快照，每次GET /sensors时重新采集
// 读数为nil表示该传感器本次读取失败，序列化为JSON null
type SensorSnapshot struct {
	Timestamp   time.Time
	Temperature *float64 // 摄氏度
	Humidity    *float64 // 相对湿度%
	LightLevel  *int     // 光照ADC原始值
	BinLevel    *float64 // 垃圾桶填充百分比（0-100，保留两位小数）
}

// 执行器（三色LED）状态，每次成功轮询后整体替换
type ActuatorState struct {
	Red    bool `json:"redLed"`
	Yellow bool `json:"yellowLed"`
	Green  bool `json:"greenLed"`
}

// 网络接入，返回本机IP；失败返回*network.ConnectivityError
type NetworkAttacher interface {
	Connect() (net.IP, error)
}

// 传感器读取，部分传感器故障时仍返回快照，对应字段为nil
type SensorReader interface {
	ReadSnapshot() (SensorSnapshot, error)
}

// 执行器驱动，把状态写到硬件
type ActuatorDriver interface {
	Apply(state ActuatorState) error
}

// 轮询状态
type PollState string

const (
	PollIdle        PollState = "IDLE"
	PollRequestSent PollState = "REQUEST_SENT"
	PollComplete    PollState = "COMPLETE"
	PollFailed      PollState = "FAILED"
)

// 运行时统计
type Statistics struct {
	DatagramsReceived uint64
	DatagramsSent     uint64
	DecodeErrors      uint64
	RequestsHandled   uint64
	Duplicates        uint64
	Retransmissions   uint64
	TransactionsDone  uint64
	TransactionsLost  uint64
	PollsSucceeded    uint64
	PollsFailed       uint64
	LastPollState     PollState
	LastPollTime      time.Time
	StartedAt         time.Time
}

// 节点接口
type Node interface {
	// 阻塞运行调度循环，ctx取消或传输层关闭时返回
	Run(ctx context.Context) error
	Close() error

	LocalAddr() net.Addr
	Actuator() ActuatorState
	LatestSnapshot() (SensorSnapshot, bool)
	Statistics() Statistics
}
