package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	// 本地开发时自动加载 .env
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Identity IdentityConfig `mapstructure:"identity"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Plans    []PlanConfig   `mapstructure:"plans"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	AI       AIConfig       `mapstructure:"ai"`
	Reddit   RedditConfig   `mapstructure:"reddit"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

const (
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

type DatabaseConfig struct {
	// mysql | memory（memory 仅用于本地开发和测试）
	Driver string `mapstructure:"driver"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled       bool             `mapstructure:"enabled"`
	Brokers       []string         `mapstructure:"brokers"`
	Topic         KafkaTopicConfig `mapstructure:"topic"`
	MaxRetryCount int              `mapstructure:"max_retry_count"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	FrontendURL   string `mapstructure:"frontend_url"`
}

type IdentityConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type AuthConfig struct {
	Disabled               bool     `mapstructure:"disabled"`
	Issuer                 string   `mapstructure:"issuer"`
	Audience               string   `mapstructure:"audience"`
	JWKSURL                string   `mapstructure:"jwks_url"`
	BootstrapAdminSubjects []string `mapstructure:"bootstrap_admin_subjects"`
}

type LedgerConfig struct {
	FreePostsPerMonth int           `mapstructure:"free_posts_per_month"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	LockWait          time.Duration `mapstructure:"lock_wait"`
}

// PlanConfig 套餐目录，amount 为最小货币单位（分）
type PlanConfig struct {
	ID       string `mapstructure:"id"`
	Name     string `mapstructure:"name"`
	Credits  int64  `mapstructure:"credits"`
	Amount   int64  `mapstructure:"amount"`
	Currency string `mapstructure:"currency"`
	PriceID  string `mapstructure:"price_id"`
}

type ToolsConfig struct {
	Costs                   map[string]int64 `mapstructure:"costs"`
	RefundOnUpstreamFailure bool             `mapstructure:"refund_on_upstream_failure"`
}

type AIConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RedditConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type JobsConfig struct {
	OutboxInterval        time.Duration `mapstructure:"outbox_interval"`
	PaymentReconcileSpec  string        `mapstructure:"payment_reconcile_spec"`
	PaymentPendingMinutes int           `mapstructure:"payment_pending_minutes"`
	PaymentTimeoutMinutes int           `mapstructure:"payment_timeout_minutes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("database.driver", DriverMySQL)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("kafka.topic.ledger_events", "credit-ledger-events")
	v.SetDefault("kafka.max_retry_count", 5)
	v.SetDefault("ledger.free_posts_per_month", 1)
	v.SetDefault("ledger.lock_ttl", 10*time.Second)
	v.SetDefault("ledger.lock_wait", 3*time.Second)
	v.SetDefault("tools.costs", map[string]int64{
		"rule_check":        1,
		"subreddit_suggest": 1,
		"anomaly_detect":    1,
		"flair_suggest":     1,
	})
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.timeout", 20*time.Second)
	v.SetDefault("reddit.base_url", "https://www.reddit.com")
	v.SetDefault("reddit.user_agent", "creditsystem/1.0")
	v.SetDefault("reddit.timeout", 10*time.Second)
	v.SetDefault("jobs.outbox_interval", 500*time.Millisecond)
	v.SetDefault("jobs.payment_reconcile_spec", "@every 1m")
	v.SetDefault("jobs.payment_pending_minutes", 10)
	v.SetDefault("jobs.payment_timeout_minutes", 24*60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// AutomaticEnv 只覆盖 viper 已知的 key，密钥类配置需要先注册空默认值
	for _, key := range []string{
		"mysql.password",
		"redis.password",
		"stripe.secret_key",
		"stripe.webhook_secret",
		"identity.webhook_secret",
		"ai.api_key",
		"auth.issuer",
		"auth.audience",
		"auth.jwks_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("auth.disabled", false)
}

// LoadConfig 加载配置文件，环境变量优先（stripe.secret_key -> STRIPE_SECRET_KEY）
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验跨字段约束
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMySQL, DriverMemory:
	default:
		return fmt.Errorf("不支持的数据库驱动: %q", c.Database.Driver)
	}

	if c.Ledger.FreePostsPerMonth < 0 {
		return errors.New("ledger.free_posts_per_month 不能为负数")
	}

	seen := make(map[string]bool, len(c.Plans))
	for _, p := range c.Plans {
		if p.ID == "" {
			return errors.New("plans: 套餐 id 不能为空")
		}
		if seen[p.ID] {
			return fmt.Errorf("plans: 套餐 id 重复: %s", p.ID)
		}
		seen[p.ID] = true
		if p.Credits <= 0 {
			return fmt.Errorf("plans: 套餐 %s 的 credits 必须大于0", p.ID)
		}
	}

	for tool, cost := range c.Tools.Costs {
		if cost <= 0 {
			return fmt.Errorf("tools.costs: %s 的价格必须大于0", tool)
		}
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka 已启用但未配置 brokers")
	}

	if !c.Auth.Disabled && (c.Auth.Issuer == "" || c.Auth.Audience == "") {
		return errors.New("auth.issuer 和 auth.audience 必须配置")
	}
	return nil
}

// FindPlan 按 id 查找套餐
func (c *Config) FindPlan(id string) (PlanConfig, bool) {
	for _, p := range c.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return PlanConfig{}, false
}
