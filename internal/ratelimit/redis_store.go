package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"auditsmart/pkg/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// maxTxRetries 乐观事务冲突重试次数
const maxTxRetries = 16

// RedisStore 基于 Redis WATCH/MULTI 的钱包存储，多副本共享
type RedisStore struct {
	client *redis.Client
	key    string
	logger *logrus.Logger
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client *redis.Client, keyPrefix string, logger *logrus.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "auditsmart"
	}
	return &RedisStore{
		client: client,
		key:    keyPrefix + ":wallet_usage",
		logger: logger,
	}
}

// Update 乐观事务：文档在 WATCH 之后被改动则重试
func (s *RedisStore) Update(ctx context.Context, fn func(doc *models.UsageDocument) error) error {
	txf := func(tx *redis.Tx) error {
		doc, err := s.load(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("序列化钱包文档失败: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, s.key)
		if err == nil || errors.Is(err, ErrNoChange) {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.WithField("attempt", attempt+1).Debug("钱包文档写冲突，重试")
			continue
		}
		return err
	}
	return fmt.Errorf("钱包文档写冲突重试次数已用尽")
}

// View 只读访问
func (s *RedisStore) View(ctx context.Context, fn func(doc *models.UsageDocument) error) error {
	doc, err := s.load(ctx, s.client)
	if err != nil {
		return err
	}
	return fn(doc)
}

// Close 关闭连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) load(ctx context.Context, cmd redis.Cmdable) (*models.UsageDocument, error) {
	data, err := cmd.Get(ctx, s.key).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("读取钱包文档失败: %w", err)
	}
	return decodeDocument(data)
}
