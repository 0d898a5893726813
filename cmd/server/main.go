package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditsystem/internal/auth"
	"creditsystem/internal/config"
	"creditsystem/internal/handler"
	"creditsystem/internal/infrastructure/ai"
	"creditsystem/internal/infrastructure/cache"
	"creditsystem/internal/infrastructure/database"
	"creditsystem/internal/infrastructure/lock"
	"creditsystem/internal/infrastructure/metrics"
	"creditsystem/internal/infrastructure/mq"
	"creditsystem/internal/infrastructure/payment"
	"creditsystem/internal/infrastructure/reddit"
	"creditsystem/internal/job"
	"creditsystem/internal/logging"
	"creditsystem/internal/repository"
	"creditsystem/internal/repository/memory"
	"creditsystem/internal/service"
	"creditsystem/pkg/idgen"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	configPath = flag.String("config", envOr("CONFIG_PATH", "config/config.yaml"), "配置文件路径")
	workerID   = flag.Int64("worker-id", 1, "snowflake worker id，多实例部署时必须唯一")
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "服务启动失败: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	// 初始化 ID 生成器
	if err := idgen.Init(*workerID); err != nil {
		return err
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 存储
	var store repository.Store
	switch cfg.Database.Driver {
	case config.DriverMemory:
		logger.Warn(ctx, "使用内存存储，重启后数据丢失")
		store = memory.New()
	default:
		db, err := database.NewMySQL(&cfg.MySQL)
		if err != nil {
			return err
		}
		defer database.Close(db)
		store = repository.NewGormStore(db)
	}

	// 账户锁，未启用 redis 时只依赖数据库行锁
	var locker lock.Locker = lock.NopLocker{}
	if cfg.Redis.Enabled {
		rdb, err := cache.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lock.NewAccountLocker(rdb, cfg.Ledger.LockTTL, cfg.Ledger.LockWait)
	}

	// 账本事件出口
	var publisher mq.Publisher = mq.NewLogPublisher(logger)
	if cfg.Kafka.Enabled {
		producer, err := mq.NewKafkaProducer(&cfg.Kafka)
		if err != nil {
			return err
		}
		publisher = mq.NewKafkaPublisher(producer)
	}
	defer publisher.Close()

	// 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 外部服务
	provider := payment.NewStripeProvider(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, nil)
	var completer ai.Completer = ai.DisabledCompleter{}
	if cfg.AI.Enabled {
		completer = ai.NewOpenAIClient(&cfg.AI)
	} else {
		logger.Warn(ctx, "AI 未启用，工具调用将返回降级结果")
	}
	redditClient := reddit.NewClient(&cfg.Reddit)

	// 业务服务
	ledger := service.NewLedgerService(store, locker, cfg, logger, m)
	payments := service.NewPaymentService(ledger, store, provider, cfg, logger, m)
	tools := service.NewToolsService(ledger, completer, redditClient, cfg, logger, m)
	accounts := service.NewAccountService(store, ledger, logger, m)

	if err := accounts.BootstrapAdmins(ctx, cfg.Auth.BootstrapAdminSubjects); err != nil {
		return err
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.Disabled {
		logger.Warn(ctx, "认证已关闭，所有请求视为 local-dev，仅限本地开发")
	} else {
		v, err := auth.NewVerifier(ctx, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.JWKSURL)
		if err != nil {
			return err
		}
		verifier = v
	}

	identityWebhook, err := handler.NewIdentityWebhook(cfg.Identity.WebhookSecret)
	if err != nil {
		return fmt.Errorf("初始化身份回调校验失败: %w", err)
	}
	if identityWebhook == nil {
		logger.Warn(ctx, "未配置 identity.webhook_secret，身份回调将被拒绝")
	}

	// 启动后台任务
	outboxSender := job.NewOutboxSender(store, publisher, cfg.Jobs.OutboxInterval, cfg.Kafka.MaxRetryCount, logger)
	go outboxSender.Start(ctx)

	scheduler := job.NewScheduler()
	reconcileJob := job.NewPaymentReconcileJob(payments, &cfg.Jobs, logger)
	if err := reconcileJob.Register(ctx, scheduler); err != nil {
		return fmt.Errorf("注册支付对账任务失败: %w", err)
	}
	scheduler.Start()

	// 设置路由
	gin.SetMode(gin.ReleaseMode)
	h := handler.NewHandler(handler.Deps{
		Ledger:          ledger,
		Payments:        payments,
		Tools:           tools,
		Accounts:        accounts,
		Provider:        provider,
		IdentityWebhook: identityWebhook,
		Logger:          logger,
	})
	router := handler.SetupRouter(h, handler.RouterOptions{
		Config:   cfg,
		Verifier: verifier,
		Gatherer: reg,
		Logger:   logger,
	})

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "服务启动", "port", cfg.Server.Port, "driver", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("HTTP 服务异常: %w", err)
	}

	logger.Info(ctx, "正在关闭服务...")

	// 先停止调度，等待进行中的对账结束
	<-scheduler.Stop().Done()
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "服务关闭异常", "error", err)
	}

	logger.Info(shutdownCtx, "服务已关闭")
	return nil
}
