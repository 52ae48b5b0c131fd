package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"auditsmart/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config 主配置
type Config struct {
	Server    *ServerConfig      `mapstructure:"server"`
	RateLimit *RateLimitConfig   `mapstructure:"rate_limit"`
	Compiler  *CompilerConfig    `mapstructure:"compiler"`
	Analyzer  *AnalyzerConfig    `mapstructure:"analyzer"`
	LLM       *LLMConfig         `mapstructure:"llm"`
	IPFS      *IPFSConfig        `mapstructure:"ipfs"`
	Chain     *ChainConfig       `mapstructure:"chain"`
	Store     *StoreConfig       `mapstructure:"store"`
	Output    *OutputConfig      `mapstructure:"output"`
	Logging   *logging.LogConfig `mapstructure:"logging"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port           int    `mapstructure:"port"`
	Mode           string `mapstructure:"mode"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
	RequestTimeout string `mapstructure:"request_timeout"`
}

// RateLimitConfig 钱包限流配置
type RateLimitConfig struct {
	Backend   string       `mapstructure:"backend"` // bolt | redis
	DBPath    string       `mapstructure:"db_path"`
	DailyCap  int          `mapstructure:"daily_cap"`
	Window    string       `mapstructure:"window"`
	Whitelist []string     `mapstructure:"whitelist"`
	Redis     *RedisConfig `mapstructure:"redis"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// CompilerConfig solc 编译器配置
type CompilerConfig struct {
	SolcBinary      string `mapstructure:"solc_binary"`
	SolcBinDir      string `mapstructure:"solc_bin_dir"`
	DefaultVersion  string `mapstructure:"default_version"`
	PatchSuffix     string `mapstructure:"patch_suffix"`
	OptimizerRuns   int    `mapstructure:"optimizer_runs"`
	MaxContractSize int    `mapstructure:"max_contract_size"`
	Timeout         string `mapstructure:"timeout"`
}

// AnalyzerConfig 静态分析器配置
type AnalyzerConfig struct {
	Binary  string `mapstructure:"binary"`
	Timeout string `mapstructure:"timeout"`
	TempDir string `mapstructure:"temp_dir"`
}

// LLMConfig 大模型配置
type LLMConfig struct {
	APIURL      string  `mapstructure:"api_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Timeout     string  `mapstructure:"timeout"`
}

// IPFSConfig Pinata 配置
type IPFSConfig struct {
	APIURL           string `mapstructure:"api_url"`
	GatewayURL       string `mapstructure:"gateway_url"`
	PublicGatewayURL string `mapstructure:"public_gateway_url"`
	APIKey           string `mapstructure:"api_key"`
	APISecret        string `mapstructure:"api_secret"`
	ABICacheSize     int    `mapstructure:"abi_cache_size"`
	Timeout          string `mapstructure:"timeout"`
}

// ChainConfig 区块链配置
type ChainConfig struct {
	RPCURL              string `mapstructure:"rpc_url"`
	PrivateKey          string `mapstructure:"private_key"`
	ExplorerURL         string `mapstructure:"explorer_url"`
	NFTContractAddress  string `mapstructure:"nft_contract_address"`
	NFTContractABICID   string `mapstructure:"nft_contract_abi_cid"`
	MaxGasLimit         uint64 `mapstructure:"max_gas_limit"`
	GasHeadroom         uint64 `mapstructure:"gas_headroom"`
	DeployTimeout       string `mapstructure:"deploy_timeout"`
	MintTimeout         string `mapstructure:"mint_timeout"`
	ReceiptPollInterval string `mapstructure:"receipt_poll_interval"`
	HealthCheckInterval string `mapstructure:"health_check_interval"`
	ABIDir              string `mapstructure:"abi_dir"`
	ContractsDir        string `mapstructure:"contracts_dir"`
	ExplorerAPIURL      string `mapstructure:"explorer_api_url"`
	ExplorerAPIKey      string `mapstructure:"explorer_api_key"`
}

// StoreConfig 记录存储配置
type StoreConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// TopicFor 事件类型对应的主题，配置键用下划线代替点
func (k *KafkaConfig) TopicFor(eventType string) string {
	return k.Topics[strings.ReplaceAll(eventType, ".", "_")]
}

// OutputConfig 输出配置
type OutputConfig struct {
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// 环境变量到配置键的映射
var envBindings = map[string]string{
	"chain.private_key":          "PRIVATE_KEY",
	"chain.rpc_url":              "L1X_RPC_URL",
	"chain.explorer_url":         "EXPLORER_URL",
	"chain.nft_contract_address": "NFT_CONTRACT_ADDRESS",
	"chain.nft_contract_abi_cid": "NFT_CONTRACT_ABI_CID",
	"chain.explorer_api_key":     "ETHERSCAN_API_KEY",
	"llm.api_key":                "OPENROUTER_API_KEY",
	"ipfs.api_key":               "PINATA_API_KEY",
	"ipfs.api_secret":            "PINATA_API_SECRET",
	"store.dsn":                  "AUDITSMART_DB_DSN",
	"output.kafka.brokers":       "KAFKA_BROKERS",
	"rate_limit.redis.addr":      "REDIS_ADDR",
}

// LoadConfig 加载配置：默认值 -> YAML -> 环境变量 -> 数据库运行时设置
func LoadConfig(configPath string) (*Config, error) {
	config := GetDefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// KAFKA_BROKERS 出现即视为开启
	if os.Getenv("KAFKA_BROKERS") != "" {
		config.Output.Kafka.Enabled = true
	}
	if os.Getenv("REDIS_ADDR") != "" && config.RateLimit.Backend == "" {
		config.RateLimit.Backend = "redis"
	}

	dsn := settingsDSN()
	if dsn == "" {
		return config, nil
	}

	logger := logrus.New()
	dbConfig, err := NewDatabaseConfig(dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	defer dbConfig.Close()

	if err := dbConfig.ApplyTo(config); err != nil {
		return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
	}
	logger.Info("已从数据库加载运行时设置")

	return config, nil
}

// settingsDSN 运行时设置数据库地址
func settingsDSN() string {
	if dsn := os.Getenv("AUDITSMART_SETTINGS_DSN"); dsn != "" {
		return dsn
	}

	dbConfigFile := "configs/database.yaml"
	if _, err := os.Stat(dbConfigFile); err != nil {
		return ""
	}
	dbViper := viper.New()
	dbViper.SetConfigFile(dbConfigFile)
	dbViper.SetConfigType("yaml")
	if err := dbViper.ReadInConfig(); err != nil {
		return ""
	}
	return dbViper.GetString("database.dsn")
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			Port:           8000,
			Mode:           "release",
			MaxUploadBytes: 5 << 20,
			RequestTimeout: "300s",
		},
		RateLimit: &RateLimitConfig{
			Backend:  "bolt",
			DBPath:   "data/wallets.db",
			DailyCap: 100,
			Window:   "24h",
			Whitelist: []string{
				"0xb97fcdcd02fe2b50d8014b80080c904845e027f1",
				"0x857b213598ed77fb4e862fc4355c13c472b94078",
				"0xc1e43b61445cd96e096554a637ac2a43451ebce2",
				"0x6e7bd4a9c0b4695dd21bd7557a6c55ae4676cb1c",
			},
			Redis: &RedisConfig{
				Addr:      "",
				DB:        0,
				KeyPrefix: "auditsmart",
			},
		},
		Compiler: &CompilerConfig{
			SolcBinary:      "solc",
			SolcBinDir:      "",
			DefaultVersion:  "0.8.19",
			PatchSuffix:     ".0",
			OptimizerRuns:   200,
			MaxContractSize: 24576,
			Timeout:         "120s",
		},
		Analyzer: &AnalyzerConfig{
			Binary:  "slither",
			Timeout: "180s",
			TempDir: "",
		},
		LLM: &LLMConfig{
			APIURL:      "https://openrouter.ai/api/v1/chat/completions",
			Model:       "openai/gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   2048,
			Timeout:     "120s",
		},
		IPFS: &IPFSConfig{
			APIURL:           "https://api.pinata.cloud",
			GatewayURL:       "https://gateway.pinata.cloud/ipfs",
			PublicGatewayURL: "https://ipfs.io/ipfs",
			ABICacheSize:     64,
			Timeout:          "60s",
		},
		Chain: &ChainConfig{
			RPCURL:              "https://v2-mainnet-rpc.l1x.foundation/",
			ExplorerURL:         "https://explorer.l1x.foundation",
			MaxGasLimit:         5000000,
			GasHeadroom:         10000,
			DeployTimeout:       "180s",
			MintTimeout:         "120s",
			ReceiptPollInterval: "2s",
			HealthCheckInterval: "30s",
			ABIDir:              "abis",
			ContractsDir:        "contracts",
			ExplorerAPIURL:      "https://api.etherscan.io/api",
		},
		Store: &StoreConfig{
			MaxOpenConns: 10,
		},
		Output: &OutputConfig{
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Enabled: false,
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"audit_completed":   "auditsmart_audits",
					"contract_deployed": "auditsmart_deployments",
					"nft_minted":        "auditsmart_mints",
				},
			},
		},
		Logging: logging.DefaultLogConfig(),
	}
}

// Validate 校验配置，缺失的密钥只作为警告返回
func (c *Config) Validate() (warnings []string, err error) {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return nil, fmt.Errorf("无效的端口: %d", c.Server.Port)
	}
	switch c.RateLimit.Backend {
	case "bolt":
		if c.RateLimit.DBPath == "" {
			return nil, fmt.Errorf("rate_limit.db_path 不能为空")
		}
	case "redis":
		if c.RateLimit.Redis == nil || c.RateLimit.Redis.Addr == "" {
			return nil, fmt.Errorf("rate_limit.redis.addr 不能为空")
		}
	default:
		return nil, fmt.Errorf("不支持的限流存储: %s", c.RateLimit.Backend)
	}
	if c.RateLimit.DailyCap <= 0 {
		return nil, fmt.Errorf("rate_limit.daily_cap 必须为正数")
	}
	if c.Compiler.MaxContractSize <= 0 {
		return nil, fmt.Errorf("compiler.max_contract_size 必须为正数")
	}

	if c.LLM.APIKey == "" {
		warnings = append(warnings, "未配置 OPENROUTER_API_KEY，大模型分析不可用")
	}
	if c.IPFS.APIKey == "" || c.IPFS.APISecret == "" {
		warnings = append(warnings, "未配置 Pinata 密钥，IPFS 固定不可用")
	}
	if c.Chain.RPCURL == "" || c.Chain.PrivateKey == "" {
		warnings = append(warnings, "未配置 RPC 地址或私钥，部署和铸造不可用")
	}
	if c.Store.DSN == "" {
		warnings = append(warnings, "未配置 AUDITSMART_DB_DSN，铸造记录不会持久化")
	}
	return warnings, nil
}

// NormalizedWhitelist 小写去空白的白名单
func (r *RateLimitConfig) NormalizedWhitelist() []string {
	out := make([]string, 0, len(r.Whitelist))
	for _, w := range r.Whitelist {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// WindowDuration 限流窗口
func (r *RateLimitConfig) WindowDuration() time.Duration {
	return parseDuration(r.Window, 24*time.Hour)
}

// RequestTimeoutDuration 请求超时
func (s *ServerConfig) RequestTimeoutDuration() time.Duration {
	return parseDuration(s.RequestTimeout, 300*time.Second)
}

// TimeoutDuration 编译超时
func (c *CompilerConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 120*time.Second)
}

// TimeoutDuration 分析超时
func (a *AnalyzerConfig) TimeoutDuration() time.Duration {
	return parseDuration(a.Timeout, 180*time.Second)
}

// TimeoutDuration 大模型请求超时
func (l *LLMConfig) TimeoutDuration() time.Duration {
	return parseDuration(l.Timeout, 120*time.Second)
}

// TimeoutDuration Pinata 请求超时
func (i *IPFSConfig) TimeoutDuration() time.Duration {
	return parseDuration(i.Timeout, 60*time.Second)
}

// DeployTimeoutDuration 部署回执等待时间
func (c *ChainConfig) DeployTimeoutDuration() time.Duration {
	return parseDuration(c.DeployTimeout, 180*time.Second)
}

// MintTimeoutDuration 铸造回执等待时间
func (c *ChainConfig) MintTimeoutDuration() time.Duration {
	return parseDuration(c.MintTimeout, 120*time.Second)
}

// ReceiptPollIntervalDuration 回执轮询间隔
func (c *ChainConfig) ReceiptPollIntervalDuration() time.Duration {
	return parseDuration(c.ReceiptPollInterval, 2*time.Second)
}

// HealthCheckIntervalDuration 节点健康检查间隔
func (c *ChainConfig) HealthCheckIntervalDuration() time.Duration {
	return parseDuration(c.HealthCheckInterval, 30*time.Second)
}

// parseDuration 解析失败时使用默认值
func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
