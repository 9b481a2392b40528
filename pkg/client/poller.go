// Package client 实现客户端角色：周期轮询远端/led-status，以及命令行探测客户端
package client

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/junbin-yang/coapnode-go/api"
	"github.com/junbin-yang/coapnode-go/pkg/actuator"
	"github.com/junbin-yang/coapnode-go/pkg/coap"
	"github.com/junbin-yang/coapnode-go/pkg/metrics"
	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// DefaultRemotePath 远端LED状态资源路径
const DefaultRemotePath = "/led-status"

// 轮询结果（指标标签）
const (
	resultComplete = "complete"
	resultFailed   = "failed"
)

// ErrNoResponse 请求被空ACK确认后没有携带任何响应
var ErrNoResponse = errors.New("远端未返回响应")

// StatusError 远端返回了非2.05的状态码
type StatusError struct {
	Code codes.Code
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("远端返回状态码%v", e.Code)
}

// Exchanger 发起确认型请求，*coap.TransactionTable与调度器都实现了它
type Exchanger interface {
	NewMessageID() uint16
	NewToken() []byte
	SendConfirmable(msg *coap.Message, peer netip.AddrPort, now time.Time, onComplete coap.CompletionFunc) (*coap.Transaction, error)
}

// PollStatus 最近一次轮询的结果，供其他协程读取
type PollStatus struct {
	State api.PollState
	At    time.Time
	Err   error
}

// Poller 周期性地向远端发送CON GET并把返回的LED状态应用到执行器
// 状态机：IDLE -> REQUEST_SENT -> COMPLETE | FAILED -> IDLE
// Poll与完成回调都只在调度循环协程中执行
type Poller struct {
	table   Exchanger
	remote  netip.AddrPort
	path    string
	store   *actuator.Store
	metrics *metrics.Metrics
	log     *logger.Logger

	state    api.PollState
	inflight *coap.Transaction
	started  time.Time

	last      atomic.Pointer[PollStatus]
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// NewPoller 创建轮询器
// 参数：table - 请求发起方，remote - 远端地址，path - 远端资源路径，store - 执行器状态
func NewPoller(table Exchanger, remote netip.AddrPort, path string, store *actuator.Store, m *metrics.Metrics, log *logger.Logger) *Poller {
	if path == "" {
		path = DefaultRemotePath
	}
	if log == nil {
		log = logger.Default()
	}
	p := &Poller{
		table:   table,
		remote:  remote,
		path:    path,
		store:   store,
		metrics: m,
		log:     log,
		state:   api.PollIdle,
	}
	p.last.Store(&PollStatus{State: api.PollIdle})
	return p
}

// State 当前状态机状态（仅调度协程）
func (p *Poller) State() api.PollState {
	return p.state
}

// Last 最近一次轮询结果（任意协程）
func (p *Poller) Last() PollStatus {
	return *p.last.Load()
}

// Counts 成功与失败的轮询次数
func (p *Poller) Counts() (succeeded, failed uint64) {
	return p.succeeded.Load(), p.failed.Load()
}

// Poll 周期任务：空闲时发起一次轮询，上一次请求仍在进行时跳过
func (p *Poller) Poll(now time.Time) {
	if p.state == api.PollRequestSent {
		p.log.Debug("上一次轮询尚未结束，跳过",
			logger.Stringer("remote", p.remote),
			logger.Duration("elapsed", now.Sub(p.started)))
		return
	}

	msg := &coap.Message{
		Type:      coap.Confirmable,
		Code:      codes.GET,
		MessageID: p.table.NewMessageID(),
		Token:     p.table.NewToken(),
	}
	msg.SetPath(p.path)

	p.started = now
	p.transition(api.PollRequestSent)
	tx, err := p.table.SendConfirmable(msg, p.remote, now, p.onComplete)
	if err != nil {
		p.finish(nil, err)
		return
	}
	p.inflight = tx
	p.log.Info("已发送LED状态请求",
		logger.Stringer("remote", p.remote),
		logger.String("path", p.path),
		logger.Uint16("mid", msg.MessageID))
}

// onComplete 事务表的完成回调
func (p *Poller) onComplete(tx *coap.Transaction, resp *coap.Message, err error) {
	if tx != p.inflight {
		p.log.Debug("忽略过期的轮询事务", logger.Uint16("mid", tx.MessageID))
		return
	}
	p.finish(resp, err)
}

func (p *Poller) finish(resp *coap.Message, err error) {
	p.inflight = nil
	if err == nil {
		err = p.apply(resp)
	}
	if err != nil {
		p.failed.Add(1)
		p.metrics.Poll(resultFailed)
		p.last.Store(&PollStatus{State: api.PollFailed, At: p.started, Err: err})
		p.transition(api.PollFailed)
		p.log.Warn("LED状态轮询失败",
			logger.Stringer("remote", p.remote),
			logger.String("state", string(api.PollFailed)),
			logger.Err(err))
	} else {
		p.succeeded.Add(1)
		p.metrics.Poll(resultComplete)
		p.last.Store(&PollStatus{State: api.PollComplete, At: p.started})
		p.transition(api.PollComplete)
	}
	p.transition(api.PollIdle)
}

// apply 校验响应并更新执行器状态，失败时状态保持不变
func (p *Poller) apply(resp *coap.Message) error {
	if resp == nil {
		return ErrNoResponse
	}
	if resp.Code != codes.Content {
		return &StatusError{Code: resp.Code}
	}
	state, err := actuator.ParseState(resp.Payload)
	if err != nil {
		return err
	}
	if err := p.store.Apply(state); err != nil {
		return err
	}
	p.log.Info("LED状态已更新",
		logger.Bool("redLed", state.Red),
		logger.Bool("yellowLed", state.Yellow),
		logger.Bool("greenLed", state.Green))
	return nil
}

func (p *Poller) transition(to api.PollState) {
	from := p.state
	p.state = to
	p.log.Debug("轮询状态变化",
		logger.String("from", string(from)),
		logger.String("to", string(to)))
}
