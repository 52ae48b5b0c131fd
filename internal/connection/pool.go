package connection

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"auditsmart/internal/config"
	"auditsmart/internal/errors"
	"auditsmart/internal/logging"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Backend 部署和铸造用到的节点操作，*ethclient.Client 满足该接口
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// DialFunc 建立节点连接
type DialFunc func(ctx context.Context, url string) (Backend, error)

// DialEthClient 使用 ethclient 连接节点
func DialEthClient(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Manager 节点连接管理，按需建立连接并定期健康检查
type Manager struct {
	url         string
	dial        DialFunc
	logger      *logrus.Logger
	healthCheck time.Duration

	mu        sync.Mutex
	client    Backend
	chainID   *big.Int
	isHealthy bool
	lastCheck time.Time
	lastError string

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager 创建连接管理器，此时不建立连接
func NewManager(cfg *config.ChainConfig, logger *logrus.Logger) *Manager {
	return &Manager{
		url:         cfg.RPCURL,
		dial:        DialEthClient,
		logger:      logger,
		healthCheck: cfg.HealthCheckIntervalDuration(),
		stopCh:      make(chan struct{}),
	}
}

// WithDialer 替换连接方式
func (m *Manager) WithDialer(dial DialFunc) *Manager {
	m.dial = dial
	return m
}

// Backend 获取可用连接，没有连接或上次检查失败时重新建立
func (m *Manager) Backend(ctx context.Context) (Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && m.isHealthy {
		return m.client, nil
	}
	if err := m.connectLocked(ctx); err != nil {
		return nil, err
	}
	return m.client, nil
}

// connectLocked 建立连接并用 ChainID 验证，调用方持有锁
func (m *Manager) connectLocked(ctx context.Context) error {
	if m.url == "" {
		return errors.ErrConfigInvalid.Wrap(fmt.Errorf("未配置 RPC 地址")).WithComponent("connection")
	}

	if m.client != nil {
		m.client.Close()
		m.client = nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := m.dial(dialCtx, m.url)
	if err != nil {
		m.markLocked(false, err)
		return errors.ErrChainFailed.Wrap(fmt.Errorf("连接节点失败: %w", err)).WithComponent("connection")
	}

	chainID, err := client.ChainID(dialCtx)
	if err != nil {
		client.Close()
		m.markLocked(false, err)
		return errors.ErrChainFailed.Wrap(fmt.Errorf("测试连接失败: %w", err)).WithComponent("connection")
	}

	m.client = client
	m.chainID = chainID
	m.markLocked(true, nil)
	logging.NewRPCLogger(m.logger, "eth_chainId", m.url).
		WithField("chain_id", chainID.String()).
		Info("节点连接已建立")
	return nil
}

func (m *Manager) markLocked(healthy bool, err error) {
	m.isHealthy = healthy
	m.lastCheck = time.Now()
	m.lastError = ""
	if err != nil {
		m.lastError = err.Error()
	}
}

// CheckHealth 检查当前连接，未建立连接时不主动连接
func (m *Manager) CheckHealth(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := m.client.ChainID(checkCtx)
	m.markLocked(err == nil, err)
	return m.isHealthy
}

// Start 启动健康检查
func (m *Manager) Start() {
	go m.healthChecker()
}

// healthChecker 健康检查器
func (m *Manager) healthChecker() {
	ticker := time.NewTicker(m.healthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.CheckHealth(context.Background()) {
				m.logger.Debug("节点健康检查通过")
			} else {
				m.logger.WithField("rpc_url", m.url).Warn("节点健康检查失败")
			}
		}
	}
}

// GetStats 获取连接统计信息
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := map[string]interface{}{
		"connected":  m.client != nil,
		"is_healthy": m.isHealthy,
	}
	if m.chainID != nil {
		stats["chain_id"] = m.chainID.String()
	}
	if !m.lastCheck.IsZero() {
		stats["last_check"] = m.lastCheck.Format(time.RFC3339)
	}
	if m.lastError != "" {
		stats["last_error"] = m.lastError
	}
	return stats
}

// Close 停止健康检查并关闭连接
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	m.isHealthy = false
	m.logger.Info("节点连接已关闭")
	return nil
}
