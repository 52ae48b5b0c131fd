// Package shutdown 进程退出时按顺序释放资源
package shutdown

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字小的先执行
const (
	OrderStopServer       = 10 // 停止接收请求并等待进行中的审计
	OrderFlushPublisher   = 20 // 刷新事件发布器
	OrderCloseStores      = 30 // 钱包配额库、数据库
	OrderCloseConnections = 40 // 链上 RPC 连接
)

const defaultTimeout = 30 * time.Second

// Hook 停机处理
type Hook struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu       sync.Mutex
	hooks    []Hook
	started  bool
	done     chan struct{}
	err      error
	signals  chan os.Signal
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register 注册停机处理
func (gs *GracefulShutdown) Register(name string, order int, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.hooks = append(gs.hooks, Hook{Name: name, Func: fn, Order: order})
	gs.logger.Debugf("注册停机处理: %s (order: %d)", name, order)
}

// RegisterCloser 注册 io.Closer，nil 忽略
func (gs *GracefulShutdown) RegisterCloser(name string, order int, c io.Closer) {
	if c == nil {
		return
	}
	gs.Register(name, order, func(context.Context) error { return c.Close() })
}

// Context 停机开始后取消
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Listen 监听 SIGINT、SIGTERM 和 SIGQUIT，收到后执行停机
func (gs *GracefulShutdown) Listen() {
	signal.Notify(gs.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-gs.signals:
			gs.logger.Infof("收到停机信号: %v", sig)
			_ = gs.Shutdown()
		case <-gs.done:
		}
	}()
}

// Wait 阻塞到停机完成
func (gs *GracefulShutdown) Wait() error {
	<-gs.done
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.err
}

// Shutdown 执行所有处理，重复调用只执行一次
func (gs *GracefulShutdown) Shutdown() error {
	gs.mu.Lock()
	if gs.started {
		gs.mu.Unlock()
		<-gs.done
		return gs.result()
	}
	gs.started = true
	hooks := append([]Hook(nil), gs.hooks...)
	gs.mu.Unlock()

	signal.Stop(gs.signals)
	gs.cancel()

	err := gs.run(hooks)

	gs.mu.Lock()
	gs.err = err
	gs.mu.Unlock()
	gs.stopOnce.Do(func() { close(gs.done) })
	return err
}

func (gs *GracefulShutdown) result() error {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.err
}

func (gs *GracefulShutdown) run(hooks []Hook) error {
	gs.logger.Info("开始优雅停机")

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })

	var errs []error
	for _, hook := range hooks {
		if ctx.Err() != nil {
			gs.logger.Warnf("停机超时，跳过: %s", hook.Name)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, ctx.Err()))
			continue
		}

		start := time.Now()
		if err := hook.Func(ctx); err != nil {
			gs.logger.WithError(err).Errorf("停机处理 %s 失败 (耗时: %v)", hook.Name, time.Since(start))
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
			continue
		}
		gs.logger.Infof("停机处理 %s 完成 (耗时: %v)", hook.Name, time.Since(start))
	}

	if len(errs) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
		return stderrors.Join(errs...)
	}
	gs.logger.Info("优雅停机完成")
	return nil
}
