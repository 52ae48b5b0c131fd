package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"auditsmart/pkg/models"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/wallets.db"

	walletBucket = "wallets"
	usageKey     = "usage_document"
)

// BoltStore 基于 bbolt 的钱包存储，bbolt 同一时间只有一个写事务
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
}

// NewBoltStore 打开或创建钱包数据库
func NewBoltStore(dbPath string, logger *logrus.Logger) (*BoltStore, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开钱包数据库失败: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(walletBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("钱包存储已初始化，数据库路径: %s", dbPath)
	return &BoltStore{db: db, logger: logger, dbPath: dbPath}, nil
}

// Update 在单个写事务内读改写
func (s *BoltStore) Update(ctx context.Context, fn func(doc *models.UsageDocument) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(walletBucket))
		doc, err := decodeDocument(bucket.Get([]byte(usageKey)))
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
		return bucket.Put([]byte(usageKey), data)
	})
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	return err
}

// View 只读访问
func (s *BoltStore) View(ctx context.Context, fn func(doc *models.UsageDocument) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		doc, err := decodeDocument(tx.Bucket([]byte(walletBucket)).Get([]byte(usageKey)))
		if err != nil {
			return err
		}
		return fn(doc)
	})
}

// Close 关闭数据库
func (s *BoltStore) Close() error {
	if s.db != nil {
		s.logger.Info("关闭钱包数据库")
		return s.db.Close()
	}
	return nil
}

// decodeDocument 反序列化，空数据返回空文档
func decodeDocument(data []byte) (*models.UsageDocument, error) {
	doc := models.NewUsageDocument()
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("解析钱包文档失败: %w", err)
	}
	if doc.Registry == nil {
		doc.Registry = make(map[string]time.Time)
	}
	if doc.UsageLog == nil {
		doc.UsageLog = []models.WalletUsage{}
	}
	return doc, nil
}
