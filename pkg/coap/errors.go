package coap

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrMalformed 报文格式错误，所有*DecodeError都可用errors.Is匹配
	ErrMalformed = errors.New("coap: 报文格式错误")
	// ErrTimeout 事务重传耗尽或等待分离响应超时
	ErrTimeout = errors.New("coap: 事务超时")
	// ErrReset 对端以RST拒绝了消息
	ErrReset = errors.New("coap: 对端返回RST")
	// ErrTransactionReplaced 同一对端复用消息ID，旧事务被新事务替换
	ErrTransactionReplaced = errors.New("coap: 事务被相同消息ID的新事务替换")
	// ErrCanceled 事务被主动取消（不会触发完成回调）
	ErrCanceled = errors.New("coap: 事务已取消")
)

// DecodeError 报文解码失败，对应数据报直接丢弃
type DecodeError struct {
	Offset int    // 出错位置（字节偏移）
	Reason string // 失败原因
}

func newDecodeError(offset int, format string, args ...any) *DecodeError {
	return &DecodeError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("coap: 解码失败(偏移%d): %s", e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

// OptionEncodingError 选项值超出可编码长度
type OptionEncodingError struct {
	ID     OptionID
	Length int
}

func (e *OptionEncodingError) Error() string {
	return fmt.Sprintf("coap: 选项%d的值长度%d超过上限%d", e.ID, e.Length, MaxOptionValueLength)
}

// TransactionTimeoutError 确认型事务在重传耗尽后仍未得到确认或响应
type TransactionTimeoutError struct {
	MessageID uint16
	Token     []byte
	Peer      netip.AddrPort
	Retries   int
	State     State // 超时发生时所处状态
}

func (e *TransactionTimeoutError) Error() string {
	return fmt.Sprintf("coap: 事务超时 peer=%s mid=%d token=%x 重传%d次 状态=%s",
		e.Peer, e.MessageID, e.Token, e.Retries, e.State)
}

func (e *TransactionTimeoutError) Unwrap() error { return ErrTimeout }

// HandlerError 资源处理器返回错误或发生panic，对外表现为5.00
type HandlerError struct {
	Path  string
	Err   error
	Panic any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("coap: 资源%s处理器panic: %v", e.Path, e.Panic)
	}
	return fmt.Sprintf("coap: 资源%s处理失败: %v", e.Path, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
