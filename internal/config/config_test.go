package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	config := GetDefaultConfig()

	require.NotNil(t, config)
	assert.NotNil(t, config.Server)
	assert.NotNil(t, config.RateLimit)
	assert.NotNil(t, config.Compiler)
	assert.NotNil(t, config.Analyzer)
	assert.NotNil(t, config.LLM)
	assert.NotNil(t, config.IPFS)
	assert.NotNil(t, config.Chain)
	assert.NotNil(t, config.Store)
	assert.NotNil(t, config.Output)
	assert.NotNil(t, config.Logging)

	// 限流配置
	assert.Equal(t, "bolt", config.RateLimit.Backend)
	assert.Equal(t, 100, config.RateLimit.DailyCap)
	assert.Equal(t, 24*time.Hour, config.RateLimit.WindowDuration())
	assert.Len(t, config.RateLimit.Whitelist, 4)

	// 编译器配置
	assert.Equal(t, "0.8.19", config.Compiler.DefaultVersion)
	assert.Equal(t, ".0", config.Compiler.PatchSuffix)
	assert.Equal(t, 24576, config.Compiler.MaxContractSize)

	// 大模型配置
	assert.Equal(t, "openai/gpt-4o-mini", config.LLM.Model)
	assert.Equal(t, 0.7, config.LLM.Temperature)
	assert.Equal(t, 2048, config.LLM.MaxTokens)

	// 链配置
	assert.Equal(t, uint64(5000000), config.Chain.MaxGasLimit)
	assert.Equal(t, uint64(10000), config.Chain.GasHeadroom)
	assert.Equal(t, 180*time.Second, config.Chain.DeployTimeoutDuration())
	assert.Equal(t, 120*time.Second, config.Chain.MintTimeoutDuration())

	// 输出配置
	assert.False(t, config.Output.Kafka.Enabled)
	assert.Equal(t, "auditsmart_audits", config.Output.Kafka.TopicFor("audit.completed"))
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8000, config.Server.Port)
	assert.Equal(t, "slither", config.Analyzer.Binary)
}

func TestLoadConfig_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
rate_limit:
  daily_cap: 5
  whitelist:
    - "0xAAA"
compiler:
  default_version: "0.8.20"
output:
  kafka:
    topics:
      audit_completed: "custom_audits"
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, 5, config.RateLimit.DailyCap)
	assert.Equal(t, []string{"0xaaa"}, config.RateLimit.NormalizedWhitelist())
	assert.Equal(t, "0.8.20", config.Compiler.DefaultVersion)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "custom_audits", config.Output.Kafka.TopicFor("audit.completed"))
	assert.Equal(t, "auditsmart_mints", config.Output.Kafka.TopicFor("nft.minted"))

	// 未覆盖的字段保持默认值
	assert.Equal(t, "bolt", config.RateLimit.Backend)
	assert.Equal(t, 24576, config.Compiler.MaxContractSize)
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [port: 1"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverlay(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "deadbeef")
	t.Setenv("L1X_RPC_URL", "http://localhost:8545")
	t.Setenv("OPENROUTER_API_KEY", "sk-test")
	t.Setenv("PINATA_API_KEY", "pk")
	t.Setenv("PINATA_API_SECRET", "ps")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "deadbeef", config.Chain.PrivateKey)
	assert.Equal(t, "http://localhost:8545", config.Chain.RPCURL)
	assert.Equal(t, "sk-test", config.LLM.APIKey)
	assert.Equal(t, "pk", config.IPFS.APIKey)
	assert.Equal(t, "ps", config.IPFS.APISecret)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, config.Output.Kafka.Brokers)
	assert.True(t, config.Output.Kafka.Enabled)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		wantErr     bool
		minWarnings int
	}{
		{"默认配置只有警告", func(c *Config) {}, false, 4},
		{"无效端口", func(c *Config) { c.Server.Port = 0 }, true, 0},
		{"未知限流后端", func(c *Config) { c.RateLimit.Backend = "memcached" }, true, 0},
		{"redis缺少地址", func(c *Config) { c.RateLimit.Backend = "redis" }, true, 0},
		{"日上限为零", func(c *Config) { c.RateLimit.DailyCap = 0 }, true, 0},
		{"密钥齐全", func(c *Config) {
			c.LLM.APIKey = "k"
			c.IPFS.APIKey = "k"
			c.IPFS.APISecret = "s"
			c.Chain.RPCURL = "http://x"
			c.Chain.PrivateKey = "p"
			c.Store.DSN = "postgres://"
		}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := GetDefaultConfig()
			tt.mutate(c)
			warnings, err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.GreaterOrEqual(t, len(warnings), tt.minWarnings)
			if tt.minWarnings == 0 {
				assert.Empty(t, warnings)
			}
		})
	}
}

func TestDurationAccessorsFallback(t *testing.T) {
	c := GetDefaultConfig()
	c.Chain.DeployTimeout = "not-a-duration"
	c.Chain.ReceiptPollInterval = "-1s"
	c.LLM.Timeout = "45s"

	assert.Equal(t, 180*time.Second, c.Chain.DeployTimeoutDuration())
	assert.Equal(t, 2*time.Second, c.Chain.ReceiptPollIntervalDuration())
	assert.Equal(t, 45*time.Second, c.LLM.TimeoutDuration())
}

func TestDatabaseConfig_ApplyTo(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT config_key, config_value FROM audit_settings").
		WillReturnRows(sqlmock.NewRows([]string{"config_key", "config_value"}).
			AddRow("llm.model", "anthropic/claude-3-haiku").
			AddRow("rate_limit.daily_cap", "250").
			AddRow("chain.explorer_url", "https://explorer.example"))
	mock.ExpectQuery("SELECT address FROM wallet_whitelist").
		WillReturnRows(sqlmock.NewRows([]string{"address"}).
			AddRow("0xDEADBEEF").
			AddRow("0xb97fcdcd02fe2b50d8014b80080c904845e027f1"))

	dc := NewDatabaseConfigFromDB(db, logrus.New())
	config := GetDefaultConfig()
	require.NoError(t, dc.ApplyTo(config))

	assert.Equal(t, "anthropic/claude-3-haiku", config.LLM.Model)
	assert.Equal(t, 250, config.RateLimit.DailyCap)
	assert.Equal(t, "https://explorer.example", config.Chain.ExplorerURL)
	// 白名单合并去重
	assert.Len(t, config.RateLimit.Whitelist, 5)
	assert.Contains(t, config.RateLimit.Whitelist, "0xdeadbeef")
	// 其他字段保持默认值
	assert.Equal(t, 2048, config.LLM.MaxTokens)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseConfig_GetSetting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT config_value FROM audit_settings WHERE config_key").
		WithArgs("llm.model").
		WillReturnRows(sqlmock.NewRows([]string{"config_value"}).AddRow("m"))

	dc := NewDatabaseConfigFromDB(db, logrus.New())
	value, err := dc.GetSetting("llm.model")
	require.NoError(t, err)
	assert.Equal(t, "m", value)
	assert.NoError(t, mock.ExpectationsWereMet())
}
