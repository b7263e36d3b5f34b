package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"iao-settlement/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "SETTLEMENT_CONFIG"

// DefaultPath 是未设置环境变量时的配置文件路径。
var DefaultPath = filepath.Join("configs", "settlement.json")

// Config 描述了结算服务在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	Queue        QueueConfig        `json:"queue"`
	Cache        CacheConfig        `json:"cache"`
	Lock         LockConfig         `json:"lock"`
	Web3         Web3Config         `json:"web3"`
	Distribution DistributionConfig `json:"distribution"`
	Agents       []AgentConfig      `json:"agents"`
	Logging      logger.Config      `json:"logging"`
	Alerting     AlertingConfig     `json:"alerting"`
}

// ServerConfig 控制管理 API 与指标端点的监听地址。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 描述尝试记录、智能体记录与任务的存储后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	DSNEnv                 string `json:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	AutoMigrate            bool   `json:"auto_migrate"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// QueueConfig 控制后台任务队列与工作池。
type QueueConfig struct {
	Driver     string         `json:"driver"`
	Workers    int            `json:"workers"`
	MaxRetries int            `json:"max_retries"`
	Buffer     int            `json:"buffer"`
	Redis      RedisQueue     `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RedisQueue 描述 Redis 列表队列。
type RedisQueue struct {
	RedisConfig
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// CacheConfig 控制账本缓存。
type CacheConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int         `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// LockConfig 控制 (agent, token) 运行锁。
type LockConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int         `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// Web3Config 包含访问区块链节点与签名账户所需的信息。
type Web3Config struct {
	ChainConfig           string `json:"chain_config"`
	RPCURL                string `json:"rpc_url"`
	DefaultChain          string `json:"default_chain"`
	SignerKeyEnv          string `json:"signer_key_env"`
	ReceiptTimeoutSeconds int    `json:"receipt_timeout_seconds"`
	PollIntervalMillis    int    `json:"poll_interval_ms"`
}

// DistributionConfig 描述分发目的地与参数。
type DistributionConfig struct {
	AirdropAddress        string          `json:"airdrop_address"`
	MiningAddress         string          `json:"mining_address"`
	CreatorLockDays       int             `json:"creator_lock_days"`
	DefaultBurnPercentage string          `json:"default_burn_percentage"`
	StaleAfterMinutes     int             `json:"stale_after_minutes"`
	Liquidity             LiquidityConfig `json:"liquidity"`
}

// LiquidityConfig 描述链上流动性管理合约。
type LiquidityConfig struct {
	ManagerAddress string `json:"manager_address"`
	FactoryAddress string `json:"factory_address"`
	QuoteToken     string `json:"quote_token"`
}

// AgentConfig 用于在内存存储模式下预置智能体记录。
type AgentConfig struct {
	ID              string `json:"id"`
	CreatorAddress  string `json:"creator_address"`
	TokenAddress    string `json:"token_address"`
	OfferingAddress string `json:"offering_address"`
}

// AlertingConfig 控制告警渠道。
type AlertingConfig struct {
	Log            bool   `json:"log"`
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// PathFromEnv 返回环境变量指定的配置路径。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 允许通过环境变量覆盖敏感或与部署相关的字段。
func (c *Config) applyEnv() {
	if c.Storage.DSNEnv != "" {
		if v := os.Getenv(c.Storage.DSNEnv); v != "" {
			c.Storage.DSN = v
		}
	}
	if v := os.Getenv("SETTLEMENT_RPC_URL"); v != "" {
		c.Web3.RPCURL = v
	}
	if v := os.Getenv("SETTLEMENT_QUEUE_DRIVER"); v != "" {
		c.Queue.Driver = v
	}
	if v := os.Getenv("SETTLEMENT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.Workers = n
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = 10
	}
	if c.Storage.MaxIdleConns == 0 {
		c.Storage.MaxIdleConns = 5
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "settlement:jobs"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "settlement.jobs"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 60
	}
	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}
	if c.Lock.TTLSeconds <= 0 {
		c.Lock.TTLSeconds = 3600
	}
	if c.Web3.SignerKeyEnv == "" {
		c.Web3.SignerKeyEnv = "SETTLEMENT_SIGNER_KEY"
	}
	if c.Web3.ReceiptTimeoutSeconds <= 0 {
		c.Web3.ReceiptTimeoutSeconds = 120
	}
	if c.Web3.PollIntervalMillis <= 0 {
		c.Web3.PollIntervalMillis = 1000
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Distribution.CreatorLockDays <= 0 {
		c.Distribution.CreatorLockDays = 365
	}
	if c.Distribution.DefaultBurnPercentage == "" {
		c.Distribution.DefaultBurnPercentage = "5"
	}
	if c.Distribution.StaleAfterMinutes <= 0 {
		c.Distribution.StaleAfterMinutes = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

// Validate 检查配置之间的约束。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver))
	}
	for name, driver := range map[string]string{"cache": c.Cache.Driver, "lock": c.Lock.Driver} {
		switch driver {
		case "none", "memory":
		case "redis":
		default:
			errs = append(errs, fmt.Errorf("未知的 %s 驱动: %s", name, driver))
		}
	}
	if c.Cache.Driver == "redis" && c.Cache.Redis.Address == "" {
		errs = append(errs, errors.New("cache.redis.address 不能为空"))
	}
	if c.Lock.Driver == "redis" && c.Lock.Redis.Address == "" {
		errs = append(errs, errors.New("lock.redis.address 不能为空"))
	}
	if c.Lock.Driver == "none" {
		errs = append(errs, errors.New("lock.driver 不允许为 none"))
	}
	for field, addr := range map[string]string{
		"distribution.airdrop_address": c.Distribution.AirdropAddress,
		"distribution.mining_address":  c.Distribution.MiningAddress,
	} {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("%s 不是合法地址", field))
		}
	}
	for field, addr := range map[string]string{
		"distribution.liquidity.manager_address": c.Distribution.Liquidity.ManagerAddress,
		"distribution.liquidity.factory_address": c.Distribution.Liquidity.FactoryAddress,
		"distribution.liquidity.quote_token":     c.Distribution.Liquidity.QuoteToken,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("%s 不是合法地址", field))
		}
	}
	if _, err := c.BurnPercentage(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// BurnPercentage 解析默认销毁比例。
func (c *Config) BurnPercentage() (decimal.Decimal, error) {
	pct, err := decimal.NewFromString(strings.TrimSpace(c.Distribution.DefaultBurnPercentage))
	if err != nil {
		return decimal.Zero, fmt.Errorf("distribution.default_burn_percentage 无效: %w", err)
	}
	if !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("distribution.default_burn_percentage 必须在 (0, 100] 之间")
	}
	return pct, nil
}

// CreatorLock 返回创建者份额锁定时长。
func (c *Config) CreatorLock() time.Duration {
	return time.Duration(c.Distribution.CreatorLockDays) * 24 * time.Hour
}

// StaleAfter 返回判定 PENDING 尝试为中断的时长。
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Distribution.StaleAfterMinutes) * time.Minute
}

// ReceiptTimeout 返回单笔交易等待回执的上限。
func (c Web3Config) ReceiptTimeout() time.Duration {
	return time.Duration(c.ReceiptTimeoutSeconds) * time.Second
}

// PollInterval 返回回执轮询间隔。
func (c Web3Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}
