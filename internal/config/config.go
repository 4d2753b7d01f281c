package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Lending    LendingConfig    `yaml:"lending" json:"lending"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AutoMigrate     bool   `yaml:"auto_migrate" json:"auto_migrate"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers  []string     `yaml:"brokers" json:"brokers"`
	GroupID  string       `yaml:"group_id" json:"group_id"`
	ClientID string       `yaml:"client_id" json:"client_id"`
	Topics   TopicsConfig `yaml:"topics" json:"topics"`
}

// TopicsConfig Kafka 主题配置
type TopicsConfig struct {
	RawEvents    string `yaml:"raw_events" json:"raw_events"`
	Transactions string `yaml:"transactions" json:"transactions"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL        string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID       int64    `yaml:"chain_id" json:"chain_id"`
	MaxRetries    int      `yaml:"max_retries" json:"max_retries"`
}

// MarketConfig 市场静态配置，同时作为白名单
type MarketConfig struct {
	Address    string `yaml:"address" json:"address"`
	Kind       string `yaml:"kind" json:"kind"` // ctoken, vault
	Underlying string `yaml:"underlying" json:"underlying"`
	Decimals   int32  `yaml:"decimals" json:"decimals"`
	Name       string `yaml:"name" json:"name"`
	Symbol     string `yaml:"symbol" json:"symbol"`
}

// LendingConfig 借贷协议索引配置
type LendingConfig struct {
	ProtocolID       string         `yaml:"protocol_id" json:"protocol_id"`
	ProtocolName     string         `yaml:"protocol_name" json:"protocol_name"`
	Network          string         `yaml:"network" json:"network"`
	Markets          []MarketConfig `yaml:"markets" json:"markets"`
	EnforceAllowList bool           `yaml:"enforce_allow_list" json:"enforce_allow_list"`
	DefaultDecimals  int32          `yaml:"default_decimals" json:"default_decimals"`
	USDScale         int32          `yaml:"usd_scale" json:"usd_scale"`

	// 索引起始区块，大于 0 时启动阶段在该区块预加载已配置市场
	StartBlock int64 `yaml:"start_block" json:"start_block"`

	// 包装/合成代币 -> 参考代币
	TokenRemap   map[string]string `yaml:"token_remap" json:"token_remap"`
	StaticPrices map[string]string `yaml:"static_prices" json:"static_prices"`
	PriceFeeds   map[string]string `yaml:"price_feeds" json:"price_feeds"`

	// 事件类型 -> emitter | tx_to | tx_from
	MarketIdentification map[string]string `yaml:"market_identification" json:"market_identification"`

	ContractReadTimeoutMs int `yaml:"contract_read_timeout_ms" json:"contract_read_timeout_ms"`
	PriceTimeoutMs        int `yaml:"price_timeout_ms" json:"price_timeout_ms"`
	PriceCacheSize        int `yaml:"price_cache_size" json:"price_cache_size"`
	PriceCacheTTL         int `yaml:"price_cache_ttl" json:"price_cache_ttl"` // 秒
	MarketCacheSize       int `yaml:"market_cache_size" json:"market_cache_size"`
	WarmupWorkers         int `yaml:"warmup_workers" json:"warmup_workers"`
	ReconcileInterval     int `yaml:"reconcile_interval" json:"reconcile_interval"` // 秒
	TxMaxRetries          int `yaml:"tx_max_retries" json:"tx_max_retries"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)
	normalize(&cfg)

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		parts := strings.SplitN(result[start+2:end], ":", 2)
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(parts[0])
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-lending"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8090
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}

	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "eidos-lending"
	}
	if cfg.Kafka.Topics.RawEvents == "" {
		cfg.Kafka.Topics.RawEvents = "lending-raw-events"
	}
	if cfg.Kafka.Topics.Transactions == "" {
		cfg.Kafka.Topics.Transactions = "lending-transactions"
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 1
	}
	if cfg.Blockchain.MaxRetries == 0 {
		cfg.Blockchain.MaxRetries = 3
	}

	l := &cfg.Lending
	if l.ProtocolName == "" {
		l.ProtocolName = "Compound"
	}
	if l.Network == "" {
		l.Network = "mainnet"
	}
	if l.DefaultDecimals == 0 {
		l.DefaultDecimals = 18
	}
	if l.USDScale == 0 {
		l.USDScale = 18
	}
	if l.ContractReadTimeoutMs == 0 {
		l.ContractReadTimeoutMs = 5000
	}
	if l.PriceTimeoutMs == 0 {
		l.PriceTimeoutMs = 5000
	}
	if l.PriceCacheSize == 0 {
		l.PriceCacheSize = 10000
	}
	if l.PriceCacheTTL == 0 {
		l.PriceCacheTTL = 7 * 24 * 3600
	}
	if l.MarketCacheSize == 0 {
		l.MarketCacheSize = 1024
	}
	if l.WarmupWorkers == 0 {
		l.WarmupWorkers = 4
	}
	if l.ReconcileInterval == 0 {
		l.ReconcileInterval = 300
	}
	if l.TxMaxRetries == 0 {
		l.TxMaxRetries = 3
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// normalize 地址统一小写
func normalize(cfg *Config) {
	l := &cfg.Lending
	l.ProtocolID = strings.ToLower(l.ProtocolID)
	for i := range l.Markets {
		l.Markets[i].Address = strings.ToLower(l.Markets[i].Address)
		l.Markets[i].Underlying = strings.ToLower(l.Markets[i].Underlying)
	}
	l.TokenRemap = lowerKeys(l.TokenRemap, true)
	l.StaticPrices = lowerKeys(l.StaticPrices, false)
	l.PriceFeeds = lowerKeys(l.PriceFeeds, true)
}

func lowerKeys(m map[string]string, lowerValues bool) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if lowerValues {
			v = strings.ToLower(v)
		}
		out[strings.ToLower(k)] = v
	}
	return out
}
