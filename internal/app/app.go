// Package app 按配置组装审计服务的各个组件
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"auditsmart/internal/analyzer"
	"auditsmart/internal/api"
	"auditsmart/internal/audit"
	"auditsmart/internal/compiler"
	"auditsmart/internal/config"
	"auditsmart/internal/connection"
	"auditsmart/internal/decoder"
	"auditsmart/internal/deploy"
	"auditsmart/internal/errors"
	"auditsmart/internal/explorer"
	"auditsmart/internal/ipfs"
	"auditsmart/internal/llm"
	"auditsmart/internal/metrics"
	"auditsmart/internal/output"
	"auditsmart/internal/ratelimit"
	"auditsmart/internal/shutdown"
	"auditsmart/internal/store"
	"auditsmart/internal/validation"
)

type closer struct {
	name  string
	order int
	c     io.Closer
}

// App 组装好的服务组件
type App struct {
	Config       *config.Config
	Logger       *logrus.Logger
	Orchestrator *audit.Orchestrator
	Compiler     *compiler.Compiler
	Limiter      *ratelimit.Limiter
	Pinner       *ipfs.Pinner
	Gateway      *ipfs.Gateway
	Store        *store.PostgresStore // 未配置数据库时为 nil
	Settings     *config.DatabaseConfig
	Connections  *connection.Manager
	Files        *output.FileOutput
	Publisher    output.Publisher

	closers []closer
}

// New 按配置创建组件，数据库和链上连接是可选的
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if cfg.Store.DSN != "" {
		if err := a.openStore(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	limiterStore, err := ratelimit.NewStore(cfg.RateLimit, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("创建钱包配额存储失败: %w", err)
	}
	a.addCloser("rate-limit-store", shutdown.OrderCloseStores, limiterStore)
	a.Limiter = ratelimit.NewLimiter(limiterStore, cfg.RateLimit, logger)

	a.Files, err = output.NewFileOutput(cfg.Output.Directory, cfg.Chain.ABIDir, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Publisher, err = output.NewPublisher(cfg.Output, a.Files, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("创建事件发布器失败: %w", err)
	}
	a.addCloser("publisher", shutdown.OrderFlushPublisher, a.Publisher)
	if a.Publisher != output.Publisher(a.Files) {
		a.addCloser("files", shutdown.OrderFlushPublisher, a.Files)
	}

	a.Compiler = compiler.New(compiler.NewExecRunner(cfg.Compiler, logger), cfg.Compiler, logger)
	a.Pinner = ipfs.NewPinner(cfg.IPFS, logger)
	a.Gateway, err = ipfs.NewGateway(cfg.IPFS, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	dec, err := decoder.NewABIDecoder(0, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	deps := audit.Dependencies{
		Limiter:   a.Limiter,
		Analyzer:  analyzer.New(analyzer.ExecExecutor{}, cfg.Analyzer, logger),
		LLM:       llm.NewAuditor(llm.NewClient(cfg.LLM, logger), logger),
		Pinner:    a.Pinner,
		Publisher: a.Publisher,
		Archive:   a.Files,
		Explorer:  explorer.NewClient(cfg.Chain, logger),
	}
	if a.Store != nil {
		deps.Recorder = a.Store
	}
	if cfg.Chain.RPCURL != "" {
		a.Connections = connection.NewManager(cfg.Chain, logger)
		a.addCloser("rpc", shutdown.OrderCloseConnections, a.Connections)
		deps.Deployer = deploy.NewDeployer(a.Compiler, a.Connections, a.Files, dec, cfg.Chain, logger)
	}

	a.Orchestrator = audit.New(deps, logger)
	return a, nil
}

// openStore 连接数据库、建表并应用运行时设置
func (a *App) openStore(ctx context.Context) error {
	s, err := store.Open(a.Config.Store, a.Logger)
	if err != nil {
		return err
	}
	a.Store = s
	a.addCloser("postgres", shutdown.OrderCloseStores, s)

	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.EnsureSchema(schemaCtx); err != nil {
		return err
	}

	a.Settings = config.NewDatabaseConfigFromDB(s.DB(), a.Logger)
	if err := a.Settings.ApplyTo(a.Config); err != nil {
		a.Logger.WithError(err).Warn("应用数据库运行时设置失败，继续使用文件配置")
	}
	return nil
}

func (a *App) addCloser(name string, order int, c io.Closer) {
	if c == nil {
		return
	}
	a.closers = append(a.closers, closer{name: name, order: order, c: c})
}

// Services API 处理器依赖
func (a *App) Services() api.Services {
	services := api.Services{
		Orchestrator: a.Orchestrator,
		Compiler:     a.Compiler,
		Pinner:       a.Pinner,
		Gateway:      a.Gateway,
		Wallets:      a.Limiter,
		Validator:    validation.NewValidator(a.Logger),
		Settings:     a.Settings,
		Errors:       a.errorHandler(),
	}
	if a.Store != nil {
		services.Reports = a.Store
	}
	if a.Connections != nil {
		services.Chain = a.Connections
	}
	return services
}

func (a *App) errorHandler() *errors.ErrorHandler {
	handler := errors.NewErrorHandler(a.Logger)
	handler.AddCallback(func(err *errors.AuditError) {
		metrics.RecordError(err.Type.String(), err.Severity.String())
	})
	return handler
}

// RegisterShutdown 把资源释放交给停机管理器
func (a *App) RegisterShutdown(gs *shutdown.GracefulShutdown) {
	for _, c := range a.closers {
		gs.RegisterCloser(c.name, c.order, c.c)
	}
	a.closers = nil
}

// Start 启动后台任务
func (a *App) Start() {
	if a.Connections != nil {
		a.Connections.Start()
	}
}

// Close 按创建的逆序释放资源，初始化失败时使用
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].c.Close(); err != nil {
			a.Logger.WithError(err).Warnf("关闭 %s 失败", a.closers[i].name)
		}
	}
	a.closers = nil
}
