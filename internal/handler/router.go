package handler

import (
	"net/http"

	"creditsystem/internal/auth"
	"creditsystem/internal/config"
	"creditsystem/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions 路由需要的外部组件
type RouterOptions struct {
	Config   *config.Config
	Verifier auth.TokenVerifier // auth.disabled 时可为 nil
	Gatherer prometheus.Gatherer
	Logger   logging.Logger
}

// SetupRouter 配置路由
func SetupRouter(h *Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware(opts.Logger))
	r.Use(LoggerMiddleware(opts.Logger))
	r.Use(CORSMiddleware(opts.Config.Server.AllowOrigins))

	api := r.Group("/api/v1")
	{
		// 回调使用各自的签名校验，不走用户认证
		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("/payment", h.PaymentWebhook)
			webhooks.POST("/identity", h.IdentityWebhook)
		}

		authed := api.Group("")
		authed.Use(auth.Middleware(opts.Verifier, h.accounts, auth.MiddlewareConfig{
			DisableAuth: opts.Config.Auth.Disabled,
		}, opts.Logger))

		usage := authed.Group("/usage")
		{
			usage.GET("/gate", h.Gate)
			usage.POST("/record", h.RecordUsage)
			usage.GET("/list", h.ListUsage)
		}

		account := authed.Group("/account")
		{
			account.GET("/me", h.Me)
			account.GET("/transactions", h.ListTransactions)
		}

		pay := authed.Group("/payment")
		{
			pay.POST("/create", h.CreatePayment)
			pay.GET("/verify", h.VerifyPayment)
		}

		authed.POST("/tools/:tool", h.RunTool)

		admin := authed.Group("/admin/accounts/:account_id")
		admin.Use(auth.RequireAdmin())
		{
			admin.GET("", h.GetAccount)
			admin.POST("/role", h.SetRole)
			admin.POST("/unlimited", h.SetUnlimited)
			admin.POST("/credits", h.GrantCredits)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	return r
}
