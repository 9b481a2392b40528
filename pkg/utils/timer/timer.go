// 提供协作式定时任务管理：由调度循环驱动触发，不启动额外协程；以及指数退避重试
package timer

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Callback 定时任务回调，参数为本次触发时刻
type Callback func(now time.Time)

type task struct {
	id       string        // 定时器唯一标识
	interval time.Duration // 触发间隔
	callback Callback      // 触发时执行的回调
	next     time.Time     // 下次触发时刻
	seq      uint64        // 注册顺序，同时到期时按此顺序触发
}

// Manager 协作式定时器管理器
// 自身不计时，由调度循环调用Due推进；只能在调度循环所在的协程中使用，因此不加锁
type Manager struct {
	tasks map[string]*task // 所有定时器，key为定时器ID
	seq   uint64
}

// 创建一个新的定时器管理器
func NewManager() *Manager {
	return &Manager{
		tasks: make(map[string]*task),
	}
}

// CreateTimer 注册周期性定时器
// 参数:
//
//	id: 定时器唯一标识
//	interval: 触发间隔（必须大于0）
//	first: 首次触发时刻
//	callback: 每次触发时执行的回调
//
// 返回: ID已存在或参数非法时返回错误
func (m *Manager) CreateTimer(id string, interval time.Duration, first time.Time, callback Callback) error {
	if interval <= 0 {
		return fmt.Errorf("timer %s: interval must be positive", id)
	}
	if callback == nil {
		return fmt.Errorf("timer %s: callback is nil", id)
	}
	if _, exists := m.tasks[id]; exists {
		return fmt.Errorf("timer %s already exists", id)
	}
	m.seq++
	m.tasks[id] = &task{
		id:       id,
		interval: interval,
		callback: callback,
		next:     first,
		seq:      m.seq,
	}
	return nil
}

// GetTimerCount 获取当前定时器数量
func (m *Manager) GetTimerCount() int {
	return len(m.tasks)
}

// NextDeadline 最早的触发时刻
func (m *Manager) NextDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, t := range m.tasks {
		if !found || t.next.Before(earliest) {
			earliest = t.next
			found = true
		}
	}
	return earliest, found
}

// Due 触发所有已到期的定时器，返回触发数量
// 按注册顺序触发，每个定时器单次调用最多触发一次；
// 按固定节拍顺延，落后超过一个周期时从now重新计时
func (m *Manager) Due(now time.Time) int {
	due := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if !t.next.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })

	for _, t := range due {
		t.next = t.next.Add(t.interval)
		if !t.next.After(now) {
			t.next = now.Add(t.interval)
		}
		t.callback(now)
	}
	return len(due)
}

// ExponentialBackoffContext 带指数退避的重试：每次重试间隔翻倍，maxDelay>0时限制单次等待上限
// 参数:
//
//	attempts: 最大尝试次数（含首次）
//	initialDelay: 首次重试前的等待
//	fn: 待执行的函数（返回error表示失败）
//
// 返回: 若成功返回nil；等待期间ctx取消时返回ctx.Err()；否则返回包装了最后一次错误的错误
func ExponentialBackoffContext(ctx context.Context, attempts int, initialDelay, maxDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil // 成功则直接返回
		}
		// 不是最后一次尝试则等待后重试
		if i < attempts-1 {
			t := time.NewTimer(Backoff(initialDelay, maxDelay, i))
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("retry canceled after %d attempts: %w", i+1, ctx.Err())
			case <-t.C:
			}
		}
	}
	return fmt.Errorf("after %d attempts with exponential backoff, last error: %w", attempts, err)
}

// Backoff 第i次重试（从0开始）的等待时长：initial*2^i，maxDelay>0时封顶
func Backoff(initial, maxDelay time.Duration, i int) time.Duration {
	delay := initial
	for ; i > 0; i-- {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}
