package coap

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"net/netip"
	"sort"
	"time"

	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
)

// 可靠传输默认参数（RFC 7252 §4.8）
const (
	DefaultAckTimeout       = 2 * time.Second
	DefaultAckRandomFactor  = 1.5
	DefaultMaxRetransmit    = 4
	DefaultMaxRetryInterval = 60 * time.Second
	DefaultResponseTimeout  = 30 * time.Second
	DefaultTokenLength      = 4
)

// ReliabilityConfig 确认型消息的重传参数
type ReliabilityConfig struct {
	AckTimeout       time.Duration // 初始确认超时
	AckRandomFactor  float64       // 初始超时随机系数，实际超时落在[AckTimeout, AckTimeout*AckRandomFactor]
	MaxRetransmit    int           // 最大重传次数
	MaxRetryInterval time.Duration // 重传间隔翻倍的上限
	ResponseTimeout  time.Duration // 收到空ACK后等待分离响应的时长
}

// DefaultReliability 返回RFC 7252推荐的默认参数
func DefaultReliability() ReliabilityConfig {
	return ReliabilityConfig{
		AckTimeout:       DefaultAckTimeout,
		AckRandomFactor:  DefaultAckRandomFactor,
		MaxRetransmit:    DefaultMaxRetransmit,
		MaxRetryInterval: DefaultMaxRetryInterval,
		ResponseTimeout:  DefaultResponseTimeout,
	}
}

// State 事务状态
type State int

const (
	StateWaitingAck      State = iota // 等待ACK（会重传）
	StateWaitingResponse              // 已收到空ACK，等待分离响应
	StateComplete                     // 已完成
	StateFailed                       // 失败（超时、RST、被替换或取消）
)

func (s State) String() string {
	switch s {
	case StateWaitingAck:
		return "WAITING_ACK"
	case StateWaitingResponse:
		return "WAITING_RESPONSE"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CompletionFunc 事务结束回调，resp与err恰有一个有意义
// 空ACK即完成的无令牌请求，resp为nil且err为nil
type CompletionFunc func(tx *Transaction, resp *Message, err error)

// SendFunc 发送已编码的数据报
type SendFunc func(data []byte, peer netip.AddrPort) error

// Transaction 一次确认型请求的交换状态，仅由TransactionTable持有与修改
type Transaction struct {
	Peer         netip.AddrPort
	MessageID    uint16
	Token        []byte
	Request      *Message
	State        State
	RetriesSent  int
	NextDeadline time.Time
	Response     *Message
	Err          error
	Created      time.Time

	data       []byte
	interval   time.Duration
	seq        uint64
	onComplete CompletionFunc
}

type midKey struct {
	peer netip.AddrPort
	mid  uint16
}

type tokenKey struct {
	peer  netip.AddrPort
	token string
}

// TransactionTable 跟踪所有未完成的确认型请求
// 非并发安全：只允许调度循环所在的协程访问
type TransactionTable struct {
	cfg     ReliabilityConfig
	send    SendFunc
	encoder *Encoder
	random  func() float64
	log     *logger.Logger

	byMID   map[midKey]*Transaction
	byToken map[tokenKey]*Transaction
	seq     uint64
	nextMID uint16
}

// NewTransactionTable 创建事务表
// 参数：cfg - 重传参数，send - 发送函数（首发与重传都经由它），log - 日志实例（nil时使用默认实例）
func NewTransactionTable(cfg ReliabilityConfig, send SendFunc, log *logger.Logger) *TransactionTable {
	if log == nil {
		log = logger.Default()
	}
	if cfg.AckRandomFactor < 1 {
		cfg.AckRandomFactor = 1
	}
	t := &TransactionTable{
		cfg:     cfg,
		send:    send,
		encoder: NewEncoder(),
		random:  mrand.Float64,
		log:     log,
		byMID:   make(map[midKey]*Transaction),
		byToken: make(map[tokenKey]*Transaction),
	}
	var seed [2]byte
	if _, err := rand.Read(seed[:]); err == nil {
		t.nextMID = binary.BigEndian.Uint16(seed[:])
	}
	return t
}

// SetRandom 替换[0,1)随机源（测试中用于固定初始超时）
func (t *TransactionTable) SetRandom(random func() float64) {
	t.random = random
}

// NewMessageID 分配下一个消息ID
func (t *TransactionTable) NewMessageID() uint16 {
	t.nextMID++
	return t.nextMID
}

// NewToken 生成随机令牌
func (t *TransactionTable) NewToken() []byte {
	token := make([]byte, DefaultTokenLength)
	if _, err := rand.Read(token); err != nil {
		binary.BigEndian.PutUint32(token, uint32(time.Now().UnixNano()))
	}
	return token
}

// Len 当前未完成的事务数量
func (t *TransactionTable) Len() int {
	return len(t.byMID)
}

// Get 按对端与消息ID查找事务
func (t *TransactionTable) Get(peer netip.AddrPort, mid uint16) (*Transaction, bool) {
	tx, ok := t.byMID[midKey{peer, mid}]
	return tx, ok
}

// SendConfirmable 登记并立即发送一条确认型消息
// 同一对端上仍存活的同消息ID事务会以ErrTransactionReplaced结束
func (t *TransactionTable) SendConfirmable(msg *Message, peer netip.AddrPort, now time.Time, onComplete CompletionFunc) (*Transaction, error) {
	if msg == nil {
		return nil, fmt.Errorf("消息不能为空")
	}
	if msg.Type != Confirmable {
		return nil, fmt.Errorf("只能登记确认型消息，实际类型: %s", msg.Type)
	}
	data, err := t.encoder.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("编码确认型消息失败: %w", err)
	}

	key := midKey{peer, msg.MessageID}
	if old, exists := t.byMID[key]; exists {
		t.log.Warn("消息ID被复用，替换旧事务",
			logger.Stringer("peer", peer),
			logger.Uint16("mid", msg.MessageID))
		t.fail(old, ErrTransactionReplaced)
	}

	t.seq++
	tx := &Transaction{
		Peer:       peer,
		MessageID:  msg.MessageID,
		Token:      msg.Token,
		Request:    msg,
		State:      StateWaitingAck,
		Created:    now,
		data:       data,
		interval:   t.initialTimeout(),
		seq:        t.seq,
		onComplete: onComplete,
	}
	tx.NextDeadline = now.Add(tx.interval)

	if err := t.send(data, peer); err != nil {
		return nil, fmt.Errorf("发送确认型消息失败: %w", err)
	}

	t.byMID[key] = tx
	if len(tx.Token) > 0 {
		t.byToken[tokenKey{peer, string(tx.Token)}] = tx
	}

	t.log.Debug("登记确认型事务",
		logger.Stringer("peer", peer),
		logger.Uint16("mid", tx.MessageID),
		logger.Binary("token", tx.Token),
		logger.Duration("timeout", tx.interval))
	return tx, nil
}

// initialTimeout 初始超时在[AckTimeout, AckTimeout*AckRandomFactor]内随机
func (t *TransactionTable) initialTimeout() time.Duration {
	spread := float64(t.cfg.AckTimeout) * (t.cfg.AckRandomFactor - 1)
	return t.cfg.AckTimeout + time.Duration(spread*t.random())
}

// OnAckOrResponse 处理ACK、RST及分离响应，返回匹配到的事务（无匹配时为nil）
// 重复的ACK或响应找不到事务，会被忽略
func (t *TransactionTable) OnAckOrResponse(msg *Message, peer netip.AddrPort, now time.Time) *Transaction {
	switch msg.Type {
	case Acknowledgement:
		tx, ok := t.byMID[midKey{peer, msg.MessageID}]
		if !ok {
			return nil
		}
		if msg.IsEmpty() {
			if tx.State != StateWaitingAck {
				return nil
			}
			if len(tx.Token) == 0 {
				t.complete(tx, nil)
				return tx
			}
			// 空ACK：停止重传，等待分离响应
			tx.State = StateWaitingResponse
			tx.NextDeadline = now.Add(t.cfg.ResponseTimeout)
			t.log.Debug("收到空ACK，等待分离响应",
				logger.Stringer("peer", peer),
				logger.Uint16("mid", tx.MessageID))
			return tx
		}
		if string(msg.Token) != string(tx.Token) {
			t.log.Warn("捎带响应的令牌与请求不一致，忽略",
				logger.Stringer("peer", peer),
				logger.Uint16("mid", msg.MessageID))
			return nil
		}
		t.complete(tx, msg)
		return tx

	case Reset:
		tx, ok := t.byMID[midKey{peer, msg.MessageID}]
		if !ok {
			return nil
		}
		t.fail(tx, ErrReset)
		return tx

	default:
		// 分离响应（CON或NON）按令牌匹配
		if !msg.IsResponse() || len(msg.Token) == 0 {
			return nil
		}
		tx, ok := t.byToken[tokenKey{peer, string(msg.Token)}]
		if !ok {
			return nil
		}
		t.complete(tx, msg)
		return tx
	}
}

// Tick 处理所有到期的事务：未达上限的重传，否则以超时失败
// 返回本次重传的事务，按到期时间与登记顺序排列
func (t *TransactionTable) Tick(now time.Time) []*Transaction {
	var due []*Transaction
	for _, tx := range t.byMID {
		if !tx.NextDeadline.After(now) {
			due = append(due, tx)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextDeadline.Equal(due[j].NextDeadline) {
			return due[i].NextDeadline.Before(due[j].NextDeadline)
		}
		return due[i].seq < due[j].seq
	})

	var retransmitted []*Transaction
	for _, tx := range due {
		// 前面的回调可能已经移除了该事务
		if t.byMID[midKey{tx.Peer, tx.MessageID}] != tx {
			continue
		}
		if tx.State == StateWaitingAck && tx.RetriesSent < t.cfg.MaxRetransmit {
			t.retransmit(tx, now)
			retransmitted = append(retransmitted, tx)
			continue
		}
		t.fail(tx, &TransactionTimeoutError{
			MessageID: tx.MessageID,
			Token:     tx.Token,
			Peer:      tx.Peer,
			Retries:   tx.RetriesSent,
			State:     tx.State,
		})
	}
	return retransmitted
}

func (t *TransactionTable) retransmit(tx *Transaction, now time.Time) {
	tx.RetriesSent++
	tx.interval *= 2
	if t.cfg.MaxRetryInterval > 0 && tx.interval > t.cfg.MaxRetryInterval {
		tx.interval = t.cfg.MaxRetryInterval
	}
	tx.NextDeadline = now.Add(tx.interval)

	if err := t.send(tx.data, tx.Peer); err != nil {
		t.log.Warn("重传失败",
			logger.Stringer("peer", tx.Peer),
			logger.Uint16("mid", tx.MessageID),
			logger.Err(err))
		return
	}
	t.log.Debug("重传确认型消息",
		logger.Stringer("peer", tx.Peer),
		logger.Uint16("mid", tx.MessageID),
		logger.Int("retry", tx.RetriesSent),
		logger.Duration("next", tx.interval))
}

// NextDeadline 最早的事务到期时间
func (t *TransactionTable) NextDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, tx := range t.byMID {
		if !found || tx.NextDeadline.Before(earliest) {
			earliest = tx.NextDeadline
			found = true
		}
	}
	return earliest, found
}

// Cancel 移除事务，不触发完成回调
func (t *TransactionTable) Cancel(tx *Transaction) bool {
	if !t.remove(tx) {
		return false
	}
	tx.State = StateFailed
	tx.Err = ErrCanceled
	return true
}

// CancelAll 移除全部事务，不触发完成回调
func (t *TransactionTable) CancelAll() int {
	n := 0
	for _, tx := range t.byMID {
		if t.Cancel(tx) {
			n++
		}
	}
	return n
}

func (t *TransactionTable) complete(tx *Transaction, resp *Message) {
	if !t.remove(tx) {
		return
	}
	tx.State = StateComplete
	tx.Response = resp
	if tx.onComplete != nil {
		tx.onComplete(tx, resp, nil)
	}
}

func (t *TransactionTable) fail(tx *Transaction, err error) {
	if !t.remove(tx) {
		return
	}
	tx.State = StateFailed
	tx.Err = err
	t.log.Debug("事务失败",
		logger.Stringer("peer", tx.Peer),
		logger.Uint16("mid", tx.MessageID),
		logger.Err(err))
	if tx.onComplete != nil {
		tx.onComplete(tx, nil, err)
	}
}

// remove 是唯一的删除入口，只有真正删除了事务才返回true，保证回调最多执行一次
func (t *TransactionTable) remove(tx *Transaction) bool {
	key := midKey{tx.Peer, tx.MessageID}
	if t.byMID[key] != tx {
		return false
	}
	delete(t.byMID, key)
	if len(tx.Token) > 0 {
		tk := tokenKey{tx.Peer, string(tx.Token)}
		if t.byToken[tk] == tx {
			delete(t.byToken, tk)
		}
	}
	return true
}
