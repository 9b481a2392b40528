package coap

import (
	"net/netip"
	"time"
)

// 去重窗口（RFC 7252 §4.8.2）
const (
	DefaultExchangeLifetime = 247 * time.Second
	DefaultNonLifetime      = 145 * time.Second
)

type seenEntry struct {
	reply       []byte
	confirmable bool
	expires     time.Time
}

// Deduplicator 服务端重复请求检测
// 窗口内重复的CON重发缓存的应答且不再调用处理器，重复的NON直接丢弃
type Deduplicator struct {
	exchangeLifetime time.Duration
	nonLifetime      time.Duration
	seen             map[midKey]*seenEntry
}

// NewDeduplicator 创建去重器，参数为0时使用默认窗口
func NewDeduplicator(exchangeLifetime, nonLifetime time.Duration) *Deduplicator {
	if exchangeLifetime <= 0 {
		exchangeLifetime = DefaultExchangeLifetime
	}
	if nonLifetime <= 0 {
		nonLifetime = DefaultNonLifetime
	}
	return &Deduplicator{
		exchangeLifetime: exchangeLifetime,
		nonLifetime:      nonLifetime,
		seen:             make(map[midKey]*seenEntry),
	}
}

// Seen 检查请求是否重复；首次出现时登记并返回false
// 重复时返回已缓存的应答（可能为nil，表示无需应答）
func (d *Deduplicator) Seen(msg *Message, peer netip.AddrPort, now time.Time) ([]byte, bool) {
	key := midKey{peer, msg.MessageID}
	if entry, ok := d.seen[key]; ok && now.Before(entry.expires) {
		return entry.reply, true
	}
	lifetime := d.nonLifetime
	if msg.Type == Confirmable {
		lifetime = d.exchangeLifetime
	}
	d.seen[key] = &seenEntry{confirmable: msg.Type == Confirmable, expires: now.Add(lifetime)}
	return nil, false
}

// Remember 缓存对某个CON请求的已编码应答，供重复请求重发
// NON请求的应答不缓存，重复的NON只丢弃
func (d *Deduplicator) Remember(peer netip.AddrPort, mid uint16, reply []byte) {
	if entry, ok := d.seen[midKey{peer, mid}]; ok && entry.confirmable {
		entry.reply = reply
	}
}

// Sweep 清理过期记录，返回清理数量
func (d *Deduplicator) Sweep(now time.Time) int {
	n := 0
	for key, entry := range d.seen {
		if !now.Before(entry.expires) {
			delete(d.seen, key)
			n++
		}
	}
	return n
}

// Len 当前记录数
func (d *Deduplicator) Len() int {
	return len(d.seen)
}
