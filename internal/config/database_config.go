package config

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// DatabaseConfig 运行时设置管理器，设置保存在 Postgres
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return NewDatabaseConfigFromDB(db, logger), nil
}

// NewDatabaseConfigFromDB 使用已有连接
func NewDatabaseConfigFromDB(db *sql.DB, logger *logrus.Logger) *DatabaseConfig {
	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}
}

// ApplyTo 用数据库中的设置和白名单覆盖配置
func (dc *DatabaseConfig) ApplyTo(config *Config) error {
	settings, err := dc.ListSettings()
	if err != nil {
		return fmt.Errorf("加载运行时设置失败: %w", err)
	}

	if len(settings) > 0 {
		v := viper.New()
		for key, value := range settings {
			v.Set(key, value)
		}
		if err := v.Unmarshal(config); err != nil {
			return fmt.Errorf("解析运行时设置失败: %w", err)
		}
		dc.logger.WithField("count", len(settings)).Debug("已应用运行时设置")
	}

	whitelist, err := dc.LoadWhitelist()
	if err != nil {
		return fmt.Errorf("加载钱包白名单失败: %w", err)
	}
	if len(whitelist) > 0 {
		config.RateLimit.Whitelist = mergeWhitelist(config.RateLimit.Whitelist, whitelist)
	}

	return nil
}

// ListSettings 列出所有生效的设置，键为点分配置路径（如 llm.model）
func (dc *DatabaseConfig) ListSettings() (map[string]string, error) {
	query := `SELECT config_key, config_value FROM audit_settings WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}

	return settings, rows.Err()
}

// GetSetting 获取单个设置值
func (dc *DatabaseConfig) GetSetting(key string) (string, error) {
	query := `SELECT config_value FROM audit_settings WHERE config_key = $1 AND is_active = true`
	var value string
	err := dc.DB.QueryRow(query, key).Scan(&value)
	return value, err
}

// LoadWhitelist 加载白名单钱包
func (dc *DatabaseConfig) LoadWhitelist() ([]string, error) {
	query := `SELECT address FROM wallet_whitelist WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, err
		}
		wallets = append(wallets, strings.ToLower(strings.TrimSpace(address)))
	}

	return wallets, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}

// mergeWhitelist 合并去重
func mergeWhitelist(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, w := range append(append([]string{}, base...), extra...) {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
