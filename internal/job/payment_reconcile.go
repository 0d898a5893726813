package job

import (
	"context"
	"sync/atomic"
	"time"

	"creditsystem/internal/config"
	"creditsystem/internal/logging"
	"creditsystem/internal/service"

	"github.com/robfig/cron/v3"
)

// PaymentReconciler 对账所需的服务接口
type PaymentReconciler interface {
	ReconcilePending(ctx context.Context, pendingFor, timeout time.Duration, limit int) (service.ReconcileStats, error)
}

// PaymentReconcileJob 定时补偿丢失的支付回调：已支付的补发积分，超时的标记失败
type PaymentReconcileJob struct {
	reconciler PaymentReconciler
	logger     logging.Logger
	spec       string
	pendingFor time.Duration
	timeout    time.Duration
	batchSize  int
	running    atomic.Bool
}

func NewPaymentReconcileJob(reconciler PaymentReconciler, cfg *config.JobsConfig, logger logging.Logger) *PaymentReconcileJob {
	return &PaymentReconcileJob{
		reconciler: reconciler,
		logger:     logger.With("component", "PaymentReconcileJob"),
		spec:       cfg.PaymentReconcileSpec,
		pendingFor: time.Duration(cfg.PaymentPendingMinutes) * time.Minute,
		timeout:    time.Duration(cfg.PaymentTimeoutMinutes) * time.Minute,
		batchSize:  100,
	}
}

// Register 把任务加入调度器
func (j *PaymentReconcileJob) Register(ctx context.Context, c *cron.Cron) error {
	_, err := c.AddFunc(j.spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		j.RunOnce(runCtx)
	})
	if err != nil {
		return err
	}
	j.logger.Info(ctx, "支付对账任务已注册", "spec", j.spec)
	return nil
}

// RunOnce 执行一轮对账；上一轮未结束时跳过
func (j *PaymentReconcileJob) RunOnce(ctx context.Context) (service.ReconcileStats, bool) {
	if !j.running.CompareAndSwap(false, true) {
		j.logger.Warn(ctx, "上一轮对账未结束，跳过")
		return service.ReconcileStats{}, false
	}
	defer j.running.Store(false)

	stats, err := j.reconciler.ReconcilePending(ctx, j.pendingFor, j.timeout, j.batchSize)
	if err != nil {
		j.logger.Error(ctx, "支付对账失败", "error", err)
		return stats, true
	}
	if stats.Checked > 0 {
		j.logger.Info(ctx, "支付对账完成",
			"checked", stats.Checked,
			"granted", stats.Granted,
			"failed", stats.Failed,
			"skipped", stats.Skipped,
			"errors", stats.Errors,
		)
	}
	return stats, true
}

// NewScheduler 秒级调度器，任务 panic 时恢复并记录
func NewScheduler() *cron.Cron {
	return cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
	)
}
