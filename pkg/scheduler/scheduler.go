// Package scheduler 单协程协作式调度循环：持有套接字与时钟，
// 交替处理入站报文、事务重传与周期任务
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/junbin-yang/coapnode-go/pkg/coap"
	"github.com/junbin-yang/coapnode-go/pkg/metrics"
	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
	"github.com/junbin-yang/coapnode-go/pkg/utils/timer"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// DefaultPollCap 单次读等待的上限
const DefaultPollCap = time.Second

// State 调度器状态
type State int32

const (
	StateIdle       State = iota // 处理到期工作
	StateAwaitingIO              // 阻塞在带超时的读上
)

func (s State) String() string {
	if s == StateAwaitingIO {
		return "AWAITING_IO"
	}
	return "IDLE"
}

// RST发送原因（指标标签）
const (
	resetPing       = "ping"
	resetUnmatched  = "unmatched_response"
	resetBadRequest = "reserved_code"
)

// Options 调度器参数
type Options struct {
	PollCap          time.Duration
	Reliability      coap.ReliabilityConfig
	ExchangeLifetime time.Duration
	NonLifetime      time.Duration
	Clock            clockwork.Clock // 为空时使用真实时钟
	Metrics          *metrics.Metrics
	Logger           *logger.Logger
}

// Stats 调度器计数，可从任意协程读取
type Stats struct {
	DatagramsReceived uint64
	DatagramsSent     uint64
	DecodeErrors      uint64
	RequestsHandled   uint64
	Duplicates        uint64
	Retransmissions   uint64
	TransactionsDone  uint64
	TransactionsLost  uint64
}

// Scheduler 协作式调度循环
// 事务表、分发器、定时器与去重器只在Run所在的协程中访问
type Scheduler struct {
	transport  Transport
	clock      clockwork.Clock
	pollCap    time.Duration
	encoder    *coap.Encoder
	table      *coap.TransactionTable
	dispatcher *coap.Dispatcher
	timers     *timer.Manager
	dedup      *coap.Deduplicator
	metrics    *metrics.Metrics
	log        *logger.Logger

	state   atomic.Int32
	running atomic.Bool

	received, sent, decodeErrors, handled atomic.Uint64
	duplicates, retransmissions           atomic.Uint64
	done, lost                            atomic.Uint64
}

// New 创建调度器及其持有的事务表、分发器、定时器与去重器
func New(transport Transport, opts Options) *Scheduler {
	if opts.PollCap <= 0 {
		opts.PollCap = DefaultPollCap
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	s := &Scheduler{
		transport: transport,
		clock:     opts.Clock,
		pollCap:   opts.PollCap,
		encoder:   coap.NewEncoder(),
		timers:    timer.NewManager(),
		dedup:     coap.NewDeduplicator(opts.ExchangeLifetime, opts.NonLifetime),
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
	s.table = coap.NewTransactionTable(opts.Reliability, s.send, opts.Logger.Named("transaction"))
	s.dispatcher = coap.NewDispatcher(s.table.NewMessageID, opts.Logger.Named("dispatcher"))
	return s
}

// Dispatcher 资源分发器，Run之前注册资源
func (s *Scheduler) Dispatcher() *coap.Dispatcher { return s.dispatcher }

// Timers 周期任务管理器，Run之前注册任务
func (s *Scheduler) Timers() *timer.Manager { return s.timers }

// Table 事务表
func (s *Scheduler) Table() *coap.TransactionTable { return s.table }

// Clock 调度器使用的时钟
func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// State 当前状态
func (s *Scheduler) State() State { return State(s.state.Load()) }

// LocalAddr 本地监听地址
func (s *Scheduler) LocalAddr() net.Addr { return s.transport.LocalAddr() }

// NewMessageID 分配消息ID
func (s *Scheduler) NewMessageID() uint16 { return s.table.NewMessageID() }

// NewToken 分配令牌
func (s *Scheduler) NewToken() []byte { return s.table.NewToken() }

// SendConfirmable 经事务表发送确认型请求，并统计事务结果
func (s *Scheduler) SendConfirmable(msg *coap.Message, peer netip.AddrPort, now time.Time, onComplete coap.CompletionFunc) (*coap.Transaction, error) {
	return s.table.SendConfirmable(msg, peer, now, func(tx *coap.Transaction, resp *coap.Message, err error) {
		s.recordResult(err)
		if onComplete != nil {
			onComplete(tx, resp, err)
		}
	})
}

func (s *Scheduler) recordResult(err error) {
	result := "complete"
	switch {
	case err == nil:
		s.done.Add(1)
	case errors.Is(err, coap.ErrTimeout):
		result = "timeout"
	case errors.Is(err, coap.ErrReset):
		result = "reset"
	case errors.Is(err, coap.ErrTransactionReplaced):
		result = "replaced"
	default:
		result = "failed"
	}
	if err != nil {
		s.lost.Add(1)
	}
	s.metrics.TransactionDone(result)
}

// Stats 计数快照
func (s *Scheduler) Stats() Stats {
	return Stats{
		DatagramsReceived: s.received.Load(),
		DatagramsSent:     s.sent.Load(),
		DecodeErrors:      s.decodeErrors.Load(),
		RequestsHandled:   s.handled.Load(),
		Duplicates:        s.duplicates.Load(),
		Retransmissions:   s.retransmissions.Load(),
		TransactionsDone:  s.done.Load(),
		TransactionsLost:  s.lost.Load(),
	}
}

// Run 运行调度循环，直到ctx取消（返回nil）或传输层关闭/出现致命错误
// 退出时取消所有未完成的事务，不触发回调
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("调度器已在运行")
	}
	defer s.running.Store(false)

	s.dispatcher.Freeze()
	defer func() {
		if n := s.table.CancelAll(); n > 0 {
			s.log.Info("已取消未完成的事务", logger.Int("count", n))
		}
		s.metrics.Pending(0)
	}()

	s.log.Info("调度循环已启动",
		logger.Stringer("addr", s.transport.LocalAddr()),
		logger.Duration("pollCap", s.pollCap),
		logger.Int("timers", s.timers.GetTimerCount()))

	buf := make([]byte, MaxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			s.log.Info("调度循环收到停止信号")
			return nil
		}
		if err := s.iterate(buf); err != nil {
			if ctx.Err() != nil {
				s.log.Info("调度循环收到停止信号")
				return nil
			}
			return err
		}
	}
}

// iterate 一次循环：带超时读一个数据报，处理后执行到期工作
func (s *Scheduler) iterate(buf []byte) error {
	timeout := s.budget(s.clock.Now())

	s.state.Store(int32(StateAwaitingIO))
	n, peer, err := s.transport.ReadFrom(buf, timeout)
	s.state.Store(int32(StateIdle))

	switch {
	case err == nil:
		s.HandleDatagram(buf[:n], peer, s.clock.Now())
	case errors.Is(err, os.ErrDeadlineExceeded):
	case errors.Is(err, ErrDatagramTruncated):
		s.received.Add(1)
		s.metrics.DatagramIn()
		s.decodeErrors.Add(1)
		s.metrics.DecodeError()
		s.log.Warn("丢弃超长数据报", logger.Stringer("peer", peer), logger.Int("size", n))
	case errors.Is(err, net.ErrClosed):
		return fmt.Errorf("传输层已关闭: %w", err)
	default:
		// ICMP不可达等错误只影响单个数据报
		s.log.Warn("读取数据报失败", logger.Err(err))
	}

	s.RunDue(s.clock.Now())
	s.metrics.Iteration()
	s.metrics.Pending(s.table.Len())
	return nil
}

// budget 本次读最多等待的时长：最近的事务到期、最近的定时器到期与上限三者取最小
func (s *Scheduler) budget(now time.Time) time.Duration {
	wake := now.Add(s.pollCap)
	if deadline, ok := s.table.NextDeadline(); ok && deadline.Before(wake) {
		wake = deadline
	}
	if deadline, ok := s.timers.NextDeadline(); ok && deadline.Before(wake) {
		wake = deadline
	}
	if d := wake.Sub(now); d > 0 {
		return d
	}
	return 0
}

// RunDue 执行到期工作：先事务重传/超时，再按注册顺序执行定时器，最后清理去重缓存
func (s *Scheduler) RunDue(now time.Time) {
	if retransmitted := s.table.Tick(now); len(retransmitted) > 0 {
		s.retransmissions.Add(uint64(len(retransmitted)))
		s.metrics.Retransmitted(len(retransmitted))
	}
	s.timers.Due(now)
	s.dedup.Sweep(now)
}

// HandleDatagram 解码并路由一个入站数据报
func (s *Scheduler) HandleDatagram(data []byte, peer netip.AddrPort, now time.Time) {
	s.received.Add(1)
	s.metrics.DatagramIn()

	msg, err := s.encoder.Decode(data)
	if err != nil {
		s.decodeErrors.Add(1)
		s.metrics.DecodeError()
		s.log.Debug("丢弃无法解码的数据报",
			logger.Stringer("peer", peer),
			logger.Int("size", len(data)),
			logger.Err(err))
		return
	}

	switch {
	case msg.Type == coap.Acknowledgement || msg.Type == coap.Reset:
		if s.table.OnAckOrResponse(msg, peer, now) == nil {
			s.log.Debug("忽略未匹配的"+msg.Type.String(),
				logger.Stringer("peer", peer),
				logger.Uint16("mid", msg.MessageID))
		}

	case msg.IsEmpty():
		// CoAP ping
		if msg.Type == coap.Confirmable {
			s.sendReset(msg.MessageID, peer, resetPing)
		}

	case msg.IsResponse():
		s.handleResponse(msg, peer, now)

	case msg.IsRequest():
		s.handleRequest(msg, peer, now)

	default:
		if msg.Type == coap.Confirmable {
			s.sendReset(msg.MessageID, peer, resetBadRequest)
		}
	}
}

// handleResponse 分离响应：CON响应匹配成功回空ACK，未匹配回RST；重复的CON响应重发缓存的应答
func (s *Scheduler) handleResponse(msg *coap.Message, peer netip.AddrPort, now time.Time) {
	if msg.Type == coap.Confirmable {
		if reply, dup := s.dedup.Seen(msg, peer, now); dup {
			s.duplicates.Add(1)
			s.metrics.Duplicate()
			if reply != nil {
				s.writeRaw(reply, peer)
			}
			return
		}
	}

	tx := s.table.OnAckOrResponse(msg, peer, now)
	if msg.Type != coap.Confirmable {
		return
	}
	if tx == nil {
		s.log.Debug("未匹配的分离响应",
			logger.Stringer("peer", peer),
			logger.Binary("token", msg.Token))
		s.dedup.Remember(peer, msg.MessageID, s.sendReset(msg.MessageID, peer, resetUnmatched))
		return
	}
	ack := &coap.Message{Type: coap.Acknowledgement, Code: codes.Empty, MessageID: msg.MessageID}
	s.dedup.Remember(peer, msg.MessageID, s.write(ack, peer))
}

// handleRequest 去重后交给分发器，CON的应答缓存以便重复请求重发
func (s *Scheduler) handleRequest(msg *coap.Message, peer netip.AddrPort, now time.Time) {
	if reply, dup := s.dedup.Seen(msg, peer, now); dup {
		s.duplicates.Add(1)
		s.metrics.Duplicate()
		s.log.Debug("重复请求",
			logger.Stringer("peer", peer),
			logger.Uint16("mid", msg.MessageID),
			logger.Bool("replay", reply != nil))
		if reply != nil {
			s.writeRaw(reply, peer)
		}
		return
	}

	s.handled.Add(1)
	reply := s.dispatcher.HandleRequest(msg, peer, now)
	if reply == nil {
		return
	}
	s.metrics.Request(msg.Path(), reply.Code)
	s.dedup.Remember(peer, msg.MessageID, s.write(reply, peer))
}

// sendReset 发送RST，返回已编码的报文
func (s *Scheduler) sendReset(mid uint16, peer netip.AddrPort, reason string) []byte {
	s.metrics.ResetSent(reason)
	return s.write(&coap.Message{Type: coap.Reset, Code: codes.Empty, MessageID: mid}, peer)
}

// write 编码并发送，返回已编码的报文（失败时为nil）
func (s *Scheduler) write(msg *coap.Message, peer netip.AddrPort) []byte {
	data, err := s.encoder.Encode(msg)
	if err != nil {
		s.log.Error("编码报文失败", logger.Stringer("msg", msg), logger.Err(err))
		return nil
	}
	s.writeRaw(data, peer)
	return data
}

func (s *Scheduler) writeRaw(data []byte, peer netip.AddrPort) {
	if err := s.send(data, peer); err != nil {
		s.log.Warn("发送数据报失败", logger.Stringer("peer", peer), logger.Err(err))
	}
}

// send 所有出站数据报的唯一出口
func (s *Scheduler) send(data []byte, peer netip.AddrPort) error {
	if err := s.transport.WriteTo(data, peer); err != nil {
		return err
	}
	s.sent.Add(1)
	s.metrics.DatagramOut()
	return nil
}
