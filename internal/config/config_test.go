package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
auth:
  issuer: "https://tenant.auth0.com/"
  audience: "https://api.test"
stripe:
  secret_key: "sk_from_file"
plans:
  - id: starter
    credits: 1
    amount: 100
    currency: usd
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: DriverMemory},
		Auth:     AuthConfig{Issuer: "https://tenant.auth0.com/", Audience: "https://api.test"},
		Ledger:   LedgerConfig{FreePostsPerMonth: 1},
		Plans:    []PlanConfig{{ID: "starter", Credits: 1}, {ID: "pro", Credits: 20}},
		Tools:    ToolsConfig{Costs: map[string]int64{"rule_check": 1}},
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverMySQL, cfg.Database.Driver)
	assert.Equal(t, 1, cfg.Ledger.FreePostsPerMonth)
	assert.Equal(t, 10*time.Second, cfg.Ledger.LockTTL)
	assert.Equal(t, int64(1), cfg.Tools.Costs["rule_check"])
	assert.Equal(t, "@every 1m", cfg.Jobs.PaymentReconcileSpec)
	assert.Equal(t, 500*time.Millisecond, cfg.Jobs.OutboxInterval)
	assert.Equal(t, "sk_from_file", cfg.Stripe.SecretKey)
	assert.False(t, cfg.Auth.Disabled)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_from_env")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_env")
	t.Setenv("LEDGER_FREE_POSTS_PER_MONTH", "3")
	t.Setenv("DATABASE_DRIVER", DriverMemory)

	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "sk_from_env", cfg.Stripe.SecretKey)
	assert.Equal(t, "whsec_env", cfg.Stripe.WebhookSecret)
	assert.Equal(t, 3, cfg.Ledger.FreePostsPerMonth)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	// 未关闭认证时必须配置 issuer 和 audience
	_, err = LoadConfig(writeConfig(t, "database:\n  driver: memory\n"))
	assert.ErrorContains(t, err, "auth.issuer")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"合法配置", func(c *Config) {}, ""},
		{"未知驱动", func(c *Config) { c.Database.Driver = "sqlite" }, "不支持的数据库驱动"},
		{"免费次数为负", func(c *Config) { c.Ledger.FreePostsPerMonth = -1 }, "free_posts_per_month"},
		{"套餐 id 为空", func(c *Config) { c.Plans[0].ID = "" }, "套餐 id 不能为空"},
		{"套餐 id 重复", func(c *Config) { c.Plans[1].ID = "starter" }, "套餐 id 重复"},
		{"套餐积分为0", func(c *Config) { c.Plans[1].Credits = 0 }, "credits 必须大于0"},
		{"工具价格为0", func(c *Config) { c.Tools.Costs["rule_check"] = 0 }, "tools.costs"},
		{"kafka 无 brokers", func(c *Config) { c.Kafka.Enabled = true }, "brokers"},
		{"缺少 audience", func(c *Config) { c.Auth.Audience = "" }, "auth.audience"},
		{"本地开发关闭认证", func(c *Config) { c.Auth = AuthConfig{Disabled: true} }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestFindPlan(t *testing.T) {
	cfg := validConfig()
	p, ok := cfg.FindPlan("pro")
	require.True(t, ok)
	assert.Equal(t, int64(20), p.Credits)

	_, ok = cfg.FindPlan("enterprise")
	assert.False(t, ok)
}
