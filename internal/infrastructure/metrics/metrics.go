package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LedgerMetrics 账本服务指标
type LedgerMetrics struct {
	AllocationCheckTotal  *prometheus.CounterVec // 发帖额度检查（按分配类型）
	UsageRecordedTotal    *prometheus.CounterVec // 使用记录（按分配类型）
	SpendTotal            *prometheus.CounterVec // AI 工具扣费（按工具、结果）
	SpendDuration         prometheus.Histogram   // 扣费事务耗时
	GrantTotal            *prometheus.CounterVec // 积分发放（按结果）
	GrantCredits          prometheus.Counter     // 累计发放积分
	PlanMismatchTotal     prometheus.Counter     // 套餐与实付金额不一致
	UpstreamFallbackTotal *prometheus.CounterVec // 上游失败降级（按工具）
	WebhookEventTotal     *prometheus.CounterVec // 回调事件（按来源、结果）
	LockAcquireTotal      *prometheus.CounterVec // 账户锁获取（按结果）
}

// New 在给定 registry 上注册指标；reg 为 nil 时使用默认 registry
func New(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &LedgerMetrics{
		AllocationCheckTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_allocation_check_total",
				Help: "Total number of post allocation checks",
			},
			[]string{"kind"}, // kind: free/purchased/unlimited/none
		),
		UsageRecordedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_usage_recorded_total",
				Help: "Total number of usage records written",
			},
			[]string{"kind"},
		),
		SpendTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_spend_total",
				Help: "Total number of AI tool credit spends",
			},
			[]string{"tool", "result"}, // result: ok/insufficient/busy/error
		),
		SpendDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "credit_spend_duration_seconds",
				Help:    "Duration of the spend transaction",
				Buckets: prometheus.DefBuckets,
			},
		),
		GrantTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_grant_total",
				Help: "Total number of payment grants",
			},
			[]string{"result"}, // result: applied/duplicate/terminal/error
		),
		GrantCredits: f.NewCounter(
			prometheus.CounterOpts{
				Name: "credit_grant_credits_total",
				Help: "Total credits granted from payments",
			},
		),
		PlanMismatchTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "credit_plan_amount_mismatch_total",
				Help: "Payments whose plan metadata disagrees with the paid amount",
			},
		),
		UpstreamFallbackTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_tool_upstream_fallback_total",
				Help: "AI tool calls answered with the degraded fallback",
			},
			[]string{"tool"},
		),
		WebhookEventTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_webhook_event_total",
				Help: "Webhook events received",
			},
			[]string{"provider", "result"}, // result: processed/duplicate/invalid/error/ignored
		),
		LockAcquireTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_lock_acquire_total",
				Help: "Account lock acquisition attempts",
			},
			[]string{"result"},
		),
	}
}

// NewNop 注册到独立 registry，测试用
func NewNop() *LedgerMetrics {
	return New(prometheus.NewRegistry())
}
