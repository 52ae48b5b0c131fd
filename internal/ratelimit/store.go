package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"auditsmart/internal/config"
	"auditsmart/pkg/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Store 钱包使用文档的持久化存储
//
// Update 在一次事务内完成读取、修改和写回，fn 返回错误时不写回。
// 实现可能因为冲突重复调用 fn，fn 不能有外部副作用。
type Store interface {
	Update(ctx context.Context, fn func(doc *models.UsageDocument) error) error
	View(ctx context.Context, fn func(doc *models.UsageDocument) error) error
	Close() error
}

// ErrNoChange fn 返回该错误时存储不写回，Update 返回 nil
var ErrNoChange = errors.New("钱包文档无变更")

// NewStore 根据配置创建存储
func NewStore(cfg *config.RateLimitConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.Backend {
	case "bolt", "":
		return NewBoltStore(cfg.DBPath, logger)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisStore(client, cfg.Redis.KeyPrefix, logger), nil
	default:
		return nil, fmt.Errorf("不支持的限流存储: %s", cfg.Backend)
	}
}
