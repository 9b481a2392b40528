package service

import (
	"context"
	"fmt"
	"time"

	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
	"github.com/junbin-yang/coapnode-go/pkg/utils/timer"
)

// DefaultMaxAttachBackoff 网络接入重试的最长等待
const DefaultMaxAttachBackoff = 30 * time.Second

// Runner 可被监督运行的节点
type Runner interface {
	Run(ctx context.Context) error
	Close() error
}

// Factory 创建一个新的节点实例
type Factory func() (Runner, error)

// Supervisor 外层守护：创建节点（失败时指数退避重试），节点异常退出后延迟重启
type Supervisor struct {
	Factory       Factory
	RestartDelay  time.Duration
	MaxRestarts   int // 0为不限
	AttachRetries int
	AttachBackoff time.Duration
	MaxBackoff    time.Duration
	Log           *logger.Logger
}

// Run 持续运行直到ctx取消（返回nil）或重启次数耗尽
func (s *Supervisor) Run(ctx context.Context) error {
	log := s.Log
	if log == nil {
		log = logger.Default()
	}
	for restarts := 0; ; restarts++ {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if s.MaxRestarts > 0 && restarts >= s.MaxRestarts {
			return fmt.Errorf("重启次数已达上限%d: %w", s.MaxRestarts, err)
		}
		log.Warn("节点退出，等待重启",
			logger.Err(err),
			logger.Int("restarts", restarts+1),
			logger.Duration("delay", s.RestartDelay))

		t := time.NewTimer(s.RestartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	maxBackoff := s.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxAttachBackoff
	}
	var node Runner
	err := timer.ExponentialBackoffContext(ctx, s.AttachRetries, s.AttachBackoff, maxBackoff, func() error {
		n, err := s.Factory()
		if err != nil {
			if s.Log != nil {
				s.Log.Warn("创建节点失败", logger.Err(err))
			}
			return err
		}
		node = n
		return nil
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil && s.Log != nil {
			s.Log.Warn("关闭节点失败", logger.Err(err))
		}
	}()
	return node.Run(ctx)
}
