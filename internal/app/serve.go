package app

import (
	"context"

	"github.com/sirupsen/logrus"

	"auditsmart/internal/api"
	"auditsmart/internal/config"
	"auditsmart/internal/shutdown"
)

// Serve 启动 API 服务，阻塞到收到停机信号并释放完资源
func Serve(cfg *config.Config, logger *logrus.Logger) error {
	warnings, err := cfg.Validate()
	if err != nil {
		return err
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	a, err := New(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	a.Start()

	server := api.NewServer(cfg, a.Services(), logger)

	gs := shutdown.NewGracefulShutdown(cfg.Server.RequestTimeoutDuration(), logger)
	gs.Register("api-server", shutdown.OrderStopServer, server.Stop)
	a.RegisterShutdown(gs)
	gs.Listen()

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("API服务器异常退出: %v", err)
			_ = gs.Shutdown()
		}
	}()

	return gs.Wait()
}
