// Package retry 轮询等待工具。
//
// 只用于等待幂等读取的结果就绪（例如交易回执），失败的外部调用不在这里重试。
package retry

import (
	"context"
	stderrors "errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPollTimeout 超过等待时间仍未就绪
var ErrPollTimeout = stderrors.New("等待超时")

// PollConfig 轮询配置
type PollConfig struct {
	InitialInterval time.Duration `json:"initial_interval"` // 初始轮询间隔
	MaxInterval     time.Duration `json:"max_interval"`     // 最大轮询间隔
	BackoffFactor   float64       `json:"backoff_factor"`   // 退避因子
	Timeout         time.Duration `json:"timeout"`          // 总等待时间
}

// ReceiptPollConfig 交易回执轮询配置
func ReceiptPollConfig(interval, timeout time.Duration) *PollConfig {
	return &PollConfig{
		InitialInterval: interval,
		MaxInterval:     4 * interval,
		BackoffFactor:   1.5,
		Timeout:         timeout,
	}
}

// ConditionFunc 返回 true 表示已就绪，返回错误立即结束轮询
type ConditionFunc func(ctx context.Context) (bool, error)

// Poller 轮询器
type Poller struct {
	config *PollConfig
	logger *logrus.Logger
}

// NewPoller 创建轮询器
func NewPoller(config *PollConfig, logger *logrus.Logger) *Poller {
	return &Poller{config: config, logger: logger}
}

// Poll 反复检查条件直到就绪、出错或超时
func (p *Poller) Poll(ctx context.Context, operation string, fn ConditionFunc) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			if attempt > 1 {
				p.logger.Debugf("'%s' 在第 %d 次检查时就绪", operation, attempt)
			}
			return nil
		}

		delay := p.calculateDelay(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
				p.logger.Warnf("'%s' 在 %v 内未就绪", operation, p.config.Timeout)
				return ErrPollTimeout
			}
			return ctx.Err()
		}
	}
}

// calculateDelay 计算下一次检查前的等待时间
func (p *Poller) calculateDelay(attempt int) time.Duration {
	delay := float64(p.config.InitialInterval) * math.Pow(p.config.BackoffFactor, float64(attempt-1))
	if delay > float64(p.config.MaxInterval) {
		delay = float64(p.config.MaxInterval)
	}
	return time.Duration(delay)
}

// GetConfig 获取轮询配置
func (p *Poller) GetConfig() *PollConfig {
	return p.config
}
