package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"auditsmart/internal/audit"
	"auditsmart/internal/config"
	"auditsmart/internal/errors"
	"auditsmart/internal/validation"
	"auditsmart/pkg/models"
)

const (
	serviceName    = "Audit Smart AI"
	serviceVersion = "2.2.0"
)

// Compiler 仅编译接口
type Compiler interface {
	Compile(ctx context.Context, source string) (*models.CompilationResult, error)
}

// MetadataPinner 元数据上传
type MetadataPinner interface {
	PinJSON(ctx context.Context, v interface{}) (string, error)
}

// Gateway IPFS 网关
type Gateway interface {
	FetchABI(ctx context.Context, cid string) (json.RawMessage, error)
	PublicURL(cid string) string
}

// WalletSnapshotter 钱包配额快照
type WalletSnapshotter interface {
	Snapshot(ctx context.Context) (*models.WalletSnapshot, error)
}

// ReportStore 铸造记录存储
type ReportStore interface {
	SaveMintingReport(ctx context.Context, r *models.MintingReport) (string, bool, error)
	FindMintingReportsByRecipient(ctx context.Context, recipient string) ([]models.MintingReport, error)
}

// ChainStatus 节点连接状态
type ChainStatus interface {
	GetStats() map[string]interface{}
}

// Services 处理器依赖，除 Orchestrator 外均可为 nil
type Services struct {
	Orchestrator *audit.Orchestrator
	Compiler     Compiler
	Pinner       MetadataPinner
	Gateway      Gateway
	Wallets      WalletSnapshotter
	Reports      ReportStore
	Validator    *validation.Validator
	Settings     *config.DatabaseConfig
	Errors       *errors.ErrorHandler
	Chain        ChainStatus
}

// Server API服务器
type Server struct {
	config     *config.Config
	services   Services
	logger     *logrus.Logger
	logManager *LogManager
	server     *http.Server
	mu         sync.Mutex
	startedAt  time.Time
}

// NewServer 创建API服务器并挂载日志钩子
func NewServer(cfg *config.Config, services Services, logger *logrus.Logger) *Server {
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	if services.Errors == nil {
		services.Errors = errors.NewErrorHandler(logger)
	}
	if services.Validator == nil {
		services.Validator = validation.NewValidator(logger)
	}

	return &Server{
		config:     cfg,
		services:   services,
		logger:     logger,
		logManager: logManager,
		startedAt:  time.Now(),
	}
}

// Router 构建路由
func (s *Server) Router() *gin.Engine {
	if s.config.Server.Mode != "" {
		gin.SetMode(s.config.Server.Mode)
	}
	router := gin.New()
	router.MaxMultipartMemory = s.config.Server.MaxUploadBytes

	router.Use(corsMiddleware())
	router.Use(requestIDMiddleware())
	router.Use(s.loggingMiddleware())
	router.Use(metricsMiddleware())
	router.Use(gin.Recovery())

	s.setupRoutes(router)
	return router
}

// Start 启动API服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Infof("API服务器启动在端口 %d", s.config.Server.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止API服务器，等待进行中的请求完成
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("API服务器正在关闭")
	return srv.Shutdown(ctx)
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/", s.root)
	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		// 审计
		api.POST("/audit-only/", s.auditOnly)
		api.POST("/analyze-vulnerabilities/", s.analyzeVulnerabilities)
		api.POST("/quick-security-scan/", s.quickSecurityScan)
		api.POST("/get-contract-description/", s.contractDescription)
		api.POST("/comprehensive-audit/", s.comprehensiveAudit)
		api.POST("/audit-deployed-contract/", s.auditDeployedContract)
		api.GET("/vulnerability-stats/", s.vulnerabilityStats)
		api.GET("/audit-wallets/", s.auditWallets)

		// 编译、部署、铸造
		api.POST("/compile-only", s.compileOnly)
		api.POST("/deploy", s.deploy)
		api.POST("/pin-metadata/", s.pinMetadata)
		api.GET("/nft-config/", s.nftConfig)
		api.POST("/nft/mint", s.mint)

		// 铸造记录
		api.POST("/minting-report", s.createMintingReport)
		api.GET("/minting-reports/:recipient", s.mintingReportsByRecipient)

		// 运行时设置
		api.GET("/settings", s.listSettings)
		api.GET("/settings/:key", s.getSetting)

		// 日志与错误
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
		api.GET("/errors/stats", s.errorStats)
	}
}

// root 服务信息
func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "running",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"version":   serviceVersion,
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.services.Chain != nil {
		body["chain"] = s.services.Chain.GetStats()
	}
	c.JSON(http.StatusOK, body)
}

// errorStats 错误统计
func (s *Server) errorStats(c *gin.Context) {
	stats := s.services.Errors.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"stats":           stats,
		"error_rate_hour": stats.GetErrorRate(time.Hour),
	})
}

// requestContext 请求上下文，附带配置的超时
func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.config.Server.RequestTimeoutDuration())
}

// fail 记录错误并按错误类型返回
func (s *Server) fail(c *gin.Context, err error, status int, detail string) {
	auditErr := s.services.Errors.HandleError(c.Request.Context(), err)
	s.logger.WithError(err).WithFields(logrus.Fields{
		"request_id": requestID(c),
		"path":       c.FullPath(),
		"type":       auditErr.Type.String(),
	}).Error("请求处理失败")

	if status == 0 {
		status = auditErr.HTTPStatus()
	}
	c.JSON(status, gin.H{"detail": detail})
}
