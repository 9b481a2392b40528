package coap

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPeer = netip.MustParseAddrPort("192.168.1.20:5683")

// fakeWire 记录事务表发出的每个数据报及发送时刻
type fakeWire struct {
	now   time.Time
	sent  [][]byte
	times []time.Time
	err   error
}

func (w *fakeWire) send(data []byte, peer netip.AddrPort) error {
	if w.err != nil {
		return w.err
	}
	w.sent = append(w.sent, data)
	w.times = append(w.times, w.now)
	return nil
}

type completion struct {
	calls int
	resp  *Message
	err   error
}

func (c *completion) fn(tx *Transaction, resp *Message, err error) {
	c.calls++
	c.resp = resp
	c.err = err
}

func newTestTable(wire *fakeWire) *TransactionTable {
	table := NewTransactionTable(DefaultReliability(), wire.send, logger.NewNop())
	table.SetRandom(func() float64 { return 0 })
	return table
}

func newGet(table *TransactionTable, path string) *Message {
	msg := &Message{
		Type:      Confirmable,
		Code:      codes.GET,
		MessageID: table.NewMessageID(),
		Token:     table.NewToken(),
	}
	msg.SetPath(path)
	return msg
}

// TestTransaction_RetransmitThenFail 无应答时恰好重传MaxRetransmit次，间隔不递减，回调只执行一次
func TestTransaction_RetransmitThenFail(t *testing.T) {
	wire := &fakeWire{now: time.Unix(1000, 0)}
	table := newTestTable(wire)
	done := &completion{}

	tx, err := table.SendConfirmable(newGet(table, "/led-status"), testPeer, wire.now, done.fn)
	require.NoError(t, err)
	require.Len(t, wire.sent, 1)

	for i := 0; i < 20 && table.Len() > 0; i++ {
		deadline, ok := table.NextDeadline()
		require.True(t, ok)
		wire.now = deadline
		table.Tick(wire.now)
	}

	assert.Len(t, wire.sent, 1+DefaultMaxRetransmit, "首发加重传次数")
	assert.Equal(t, 1, done.calls)
	assert.Equal(t, StateFailed, tx.State)
	assert.Equal(t, DefaultMaxRetransmit, tx.RetriesSent)

	var timeoutErr *TransactionTimeoutError
	require.True(t, errors.As(done.err, &timeoutErr))
	assert.ErrorIs(t, done.err, ErrTimeout)
	assert.Equal(t, DefaultMaxRetransmit, timeoutErr.Retries)

	// 间隔 2s,4s,8s,16s 单调不减
	var prev time.Duration
	for i := 1; i < len(wire.times); i++ {
		gap := wire.times[i].Sub(wire.times[i-1])
		assert.GreaterOrEqual(t, gap, prev)
		prev = gap
	}
	assert.Equal(t, 2*time.Second, wire.times[1].Sub(wire.times[0]))
	assert.Equal(t, 16*time.Second, wire.times[4].Sub(wire.times[3]))

	// 重传的报文与首发完全一致
	for _, data := range wire.sent[1:] {
		assert.Equal(t, wire.sent[0], data)
	}
	assert.Equal(t, 0, table.Len())
}

// TestTransaction_InitialTimeoutRange 初始超时落在[AckTimeout, AckTimeout*AckRandomFactor]
func TestTransaction_InitialTimeoutRange(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999} {
		wire := &fakeWire{now: time.Unix(0, 0)}
		table := newTestTable(wire)
		table.SetRandom(func() float64 { return r })

		tx, err := table.SendConfirmable(newGet(table, "/x"), testPeer, wire.now, nil)
		require.NoError(t, err)
		timeout := tx.NextDeadline.Sub(wire.now)
		assert.GreaterOrEqual(t, timeout, DefaultAckTimeout)
		assert.LessOrEqual(t, timeout, time.Duration(float64(DefaultAckTimeout)*DefaultAckRandomFactor))
	}
}

// TestTransaction_RetryIntervalCap 翻倍后的重传间隔不超过上限
func TestTransaction_RetryIntervalCap(t *testing.T) {
	wire := &fakeWire{now: time.Unix(0, 0)}
	cfg := DefaultReliability()
	cfg.MaxRetryInterval = 5 * time.Second
	table := NewTransactionTable(cfg, wire.send, logger.NewNop())
	table.SetRandom(func() float64 { return 0 })

	tx, err := table.SendConfirmable(newGet(table, "/x"), testPeer, wire.now, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		wire.now = tx.NextDeadline
		table.Tick(wire.now)
	}
	assert.Equal(t, 5*time.Second, wire.times[3].Sub(wire.times[2]))
}

// TestTransaction_PiggybackedAck 捎带响应完成事务，重复ACK被忽略
func TestTransaction_PiggybackedAck(t *testing.T) {
	wire := &fakeWire{now: time.Unix(0, 0)}
	table := newTestTable(wire)
	done := &completion{}

	req := newGet(table, "/led-status")
	tx, err := table.SendConfirmable(req, testPeer, wire.now, done.fn)
	require.NoError(t, err)

	ack := &Message{
		Type:      Acknowledgement,
		Code:      codes.Content,
		MessageID: req.MessageID,
		Token:     req.Token,
		Payload:   []byte(`{}`),
	}
	assert.Same(t, tx, table.OnAckOrResponse(ack, testPeer, wire.now))
	assert.Nil(t, table.OnAckOrResponse(ack, testPeer, wire.now), "重复ACK找不到事务")
	assert.Nil(t, table.OnAckOrResponse(ack, testPeer, wire.now))

	assert.Equal(t, 1, done.calls)
	assert.NoError(t, done.err)
	assert.Same(t, ack, done.resp)
	assert.Equal(t, StateComplete, tx.State)
	assert.Equal(t, 0, table.Len())

	// 完成后不再重传
	wire.now = wire.now.Add(time.Minute)
	assert.Empty(t, table.Tick(wire.now))
	assert.Len(t, wire.sent, 1)
}

// TestTransaction_AckFromOtherPeer 消息ID按对端区分
func TestTransaction_AckFromOtherPeer(t *testing.T) {
	wire := &fakeWire{now: time.Unix(0, 0)}
	table := newTestTable(wire)
	done := &completion{}

	req := newGet(table, "/led-status")
	_, err := table.SendConfirmable(req, testPeer, wire.now, done.fn)
	require.NoError(t, err)

	other := netip.MustParseAddrPort("192.168.1.21:5683")
	ack := &Message{Type: Acknowledgement, Code: codes.Content, MessageID: req.MessageID, Token: req.Token}
	assert.Nil(t, table.OnAckOrResponse(ack, other, wire.now))
	assert.Equal(t, 0, done.calls)
	assert.Equal(t, 1, table.Len())
}

// TestTransaction_SeparateResponse 空ACK后停止重传，分离响应按令牌完成事务
func TestTransaction_SeparateResponse(t *testing.T) {
	wire := &fakeWire{now: time.Unix(0, 0)}
	table := newTestTable(wire)
	done := &completion{}

	req := newGet(table, "/led-status")
	tx, err := table.SendConfirmable(req, testPeer, wire.now, done.fn)
	require.NoError(t, err)

	emptyAck := &Message{Type: Acknowledgement, Code: codes.Empty, MessageID: req.MessageID}
	assert.Same(t, tx, table.OnAckOrResponse(emptyAck, testPeer, wire.now))
	assert.Equal(t, StateWaitingResponse, tx.State)
	assert.Nil(t, table.OnAckOrResponse(emptyAck, testPeer, wire.now), "重复空ACK被忽略")

	// 原本的重传时刻已过也不再重传
	wire.now = wire.now.Add(10 * time.Second)
	assert.Empty(t, table.Tick(wire.now))
	assert.Len(t, wire.sent, 1)

	resp := &Message{Type: Confirmable, Code: codes.Content, MessageID: 0x4242, Token: req.Token}
	assert.Same(t, tx, table.OnAckOrResponse(resp, testPeer, wire.now))
	assert.Nil(t, table.OnAckOrResponse(resp, testPeer, wire.now))
	assert.Equal(t, 1, done.calls)
	assert.Same(t, resp, done.resp)
	assert.Equal(t, StateComplete, tx.State)
}

// TestTransaction_SeparateResponseTimeout 等待分离响应超时
func TestTransaction_SeparateResponseTimeout(t *testing.T) {
	wire := &fakeWire{now: time.Unix(0, 0)}
	table := newTestTable(wire)
	done := &completion{}

	req := newGet(table, "/led-status")
	tx, err := table.SendConfirmable(req, testPeer, wire.now, done.fn)
	require.NoError(t, err)
	table.OnAckOrResponse(&Message{Type: Acknowledgement, MessageID: req.MessageID}, testPeer, wire.now)

	wire.now = wire.now.Add(DefaultResponseTimeout)
	table.Tick(wire.now)
	assert.Equal(t, 1, done.calls)
	assert.ErrorIs(t, done.err, ErrTimeout)
	assert.Equal(t, StateFailed, tx.State)
	assert.Len(t, wire.sent, 1)
}

// TestTransaction_EmptyAckWithoutToken 无令牌请求收到空ACK即完成
func TestTransaction_EmptyAckWithoutToken(t *testing.T) {
	wire := &fakeWire{now: time.Unix(0, 0)}
	table := newTestTable(wire)
	done := &completion{}

	req := &Message{Type: Confirmable, Code: codes.PUT, MessageID: 5}
	tx, err := table.SendConfirmable(req, testPeer, wire.now, done.fn)
	require.NoError(t, err)

	table.OnAckOrResponse(&Message{Type: Acknowledgement, MessageID: 5}, testPeer, wire.now)
	assert.Equal(t, StateComplete, tx.State)
	assert.Equal(t, 1, done.calls)
	assert.Nil(t, done.resp)
	assert.NoError(t, done.err)
}

// TestTransaction_Reset RST使事务失败
func TestTransaction_Reset(t *testing.T) {
	wire := &fakeWire{now: time.Unix(0, 0)}
	table := newTestTable(wire)
	done := &completion{}

	req := newGet(table, "/led-status")
	tx, err := table.SendConfirmable(req, testPeer, wire.now, done.fn)
	require.NoError(t, err)

	rst := &Message{Type: Reset, MessageID: req.MessageID}
	assert.Same(t, tx, table.OnAckOrResponse(rst, testPeer, wire.now))
	assert.Nil(t, table.OnAckOrResponse(rst, testPeer, wire.now))
	assert.Equal(t, 1, done.calls)
	assert.ErrorIs(t, done.err, ErrReset)
	assert.Equal(t, StateFailed, tx.State)
}

// TestTransaction_MessageIDReuse 复用消息ID时旧事务以ErrTransactionReplaced结束
func TestTransaction_MessageIDReuse(t *testing.T) {
	wire := &fakeWire{now: time.Unix(0, 0)}
	table := newTestTable(wire)
	first, second := &completion{}, &completion{}

	req1 := &Message{Type: Confirmable, Code: codes.GET, MessageID: 77, Token: []byte{1}}
	old, err := table.SendConfirmable(req1, testPeer, wire.now, first.fn)
	require.NoError(t, err)

	req2 := &Message{Type: Confirmable, Code: codes.GET, MessageID: 77, Token: []byte{2}}
	fresh, err := table.SendConfirmable(req2, testPeer, wire.now, second.fn)
	require.NoError(t, err)

	assert.Equal(t, 1, first.calls)
	assert.ErrorIs(t, first.err, ErrTransactionReplaced)
	assert.Equal(t, StateFailed, old.State)
	assert.Equal(t, 1, table.Len())

	got, ok := table.Get(testPeer, 77)
	require.True(t, ok)
	assert.Same(t, fresh, got)

	// 旧令牌的响应不再匹配
	stale := &Message{Type: NonConfirmable, Code: codes.Content, MessageID: 1, Token: []byte{1}}
	assert.Nil(t, table.OnAckOrResponse(stale, testPeer, wire.now))
	assert.Equal(t, 0, second.calls)
}

// TestTransaction_Cancel 取消不触发回调
func TestTransaction_Cancel(t *testing.T) {
	wire := &fakeWire{now: time.Unix(0, 0)}
	table := newTestTable(wire)
	done := &completion{}

	tx, err := table.SendConfirmable(newGet(table, "/a"), testPeer, wire.now, done.fn)
	require.NoError(t, err)
	_, err = table.SendConfirmable(newGet(table, "/b"), testPeer, wire.now, done.fn)
	require.NoError(t, err)

	assert.True(t, table.Cancel(tx))
	assert.False(t, table.Cancel(tx))
	assert.ErrorIs(t, tx.Err, ErrCanceled)
	assert.Equal(t, 1, table.CancelAll())
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, 0, done.calls)

	_, ok := table.NextDeadline()
	assert.False(t, ok)
}

// TestTransaction_TickOrder 同时到期的事务按登记顺序处理
func TestTransaction_TickOrder(t *testing.T) {
	wire := &fakeWire{now: time.Unix(0, 0)}
	table := newTestTable(wire)

	var txs []*Transaction
	for i := 0; i < 5; i++ {
		tx, err := table.SendConfirmable(newGet(table, "/x"), testPeer, wire.now, nil)
		require.NoError(t, err)
		txs = append(txs, tx)
	}
	wire.now = wire.now.Add(DefaultAckTimeout)
	assert.Equal(t, txs, table.Tick(wire.now))
}

func TestTransaction_SendErrors(t *testing.T) {
	wire := &fakeWire{now: time.Unix(0, 0), err: errors.New("网络不可达")}
	table := newTestTable(wire)

	_, err := table.SendConfirmable(newGet(table, "/x"), testPeer, wire.now, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, table.Len())

	_, err = table.SendConfirmable(&Message{Type: NonConfirmable, Code: codes.GET}, testPeer, wire.now, nil)
	assert.Error(t, err, "只接受CON")
}

func TestTransaction_NewMessageID(t *testing.T) {
	table := newTestTable(&fakeWire{})
	a := table.NewMessageID()
	b := table.NewMessageID()
	assert.Equal(t, a+1, b)
	assert.Len(t, table.NewToken(), DefaultTokenLength)
}
