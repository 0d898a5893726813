package handler

import (
	"strconv"

	"creditsystem/internal/auth"
	"creditsystem/internal/errcode"
	"creditsystem/internal/infrastructure/payment"
	"creditsystem/internal/logging"
	"creditsystem/internal/service"
	"creditsystem/pkg/response"

	"github.com/gin-gonic/gin"
	svix "github.com/svix/svix-webhooks/go"
)

// Handler 统一处理器，依赖全部由外部注入
type Handler struct {
	ledger   *service.LedgerService
	payments *service.PaymentService
	tools    *service.ToolsService
	accounts *service.AccountService
	provider payment.Provider
	identity *svix.Webhook // 未配置密钥时为 nil，身份回调一律拒绝
	logger   logging.Logger
}

// Deps 处理器依赖
type Deps struct {
	Ledger          *service.LedgerService
	Payments        *service.PaymentService
	Tools           *service.ToolsService
	Accounts        *service.AccountService
	Provider        payment.Provider
	IdentityWebhook *svix.Webhook
	Logger          logging.Logger
}

// NewHandler 创建处理器实例
func NewHandler(d Deps) *Handler {
	return &Handler{
		ledger:   d.Ledger,
		payments: d.Payments,
		tools:    d.Tools,
		accounts: d.Accounts,
		provider: d.Provider,
		identity: d.IdentityWebhook,
		logger:   d.Logger.With("component", "Handler"),
	}
}

// NewIdentityWebhook 按 whsec_ 格式的密钥创建身份回调校验器，密钥为空返回 nil
func NewIdentityWebhook(secret string) (*svix.Webhook, error) {
	if secret == "" {
		return nil, nil
	}
	return svix.NewWebhook(secret)
}

// pageParams 解析分页参数，范围由服务层归一
func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}

// ============================================================
// 发帖额度
// ============================================================

// Gate 发帖入口的功能开关
// GET /api/v1/usage/gate
func (h *Handler) Gate(c *gin.Context) {
	decision, err := h.ledger.CanConsume(c.Request.Context(), auth.AccountID(c))
	if err != nil {
		errcode.Fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"can_create":      decision.Allowed,
		"allocation_kind": decision.Kind,
		"remaining":       decision.Remaining,
		"unlimited":       decision.Unlimited,
		"reason":          decision.Reason,
	})
}

// RecordUsage 记录一次发帖
// POST /api/v1/usage/record
func (h *Handler) RecordUsage(c *gin.Context) {
	var req service.UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	rec, err := h.ledger.RecordUsage(c.Request.Context(), auth.AccountID(c), req)
	if err != nil {
		errcode.Fail(c, err)
		return
	}
	response.Success(c, rec)
}

// ListUsage 使用记录
// GET /api/v1/usage/list?page=1&page_size=20
func (h *Handler) ListUsage(c *gin.Context) {
	page, pageSize := pageParams(c)
	records, total, err := h.ledger.ListUsage(c.Request.Context(), auth.AccountID(c), page, pageSize)
	if err != nil {
		errcode.Fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 账户
// ============================================================

// Me 当前账户概览
// GET /api/v1/account/me
func (h *Handler) Me(c *gin.Context) {
	summary, err := h.ledger.AccountSummary(c.Request.Context(), auth.AccountID(c))
	if err != nil {
		errcode.Fail(c, err)
		return
	}
	response.Success(c, summary)
}

// ListTransactions 积分流水
// GET /api/v1/account/transactions?page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	page, pageSize := pageParams(c)
	txns, total, err := h.ledger.ListTransactions(c.Request.Context(), auth.AccountID(c), page, pageSize)
	if err != nil {
		errcode.Fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      txns,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 支付
// ============================================================

// CreatePayment 创建结账会话
// POST /api/v1/payment/create
//
// 所有必填字段在调用支付方之前校验，结账会话创建后写入 pending 支付记录
func (h *Handler) CreatePayment(c *gin.Context) {
	var req service.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	res, err := h.payments.CreatePayment(c.Request.Context(), auth.AccountID(c), req)
	if err != nil {
		errcode.Fail(c, err)
		return
	}
	response.Success(c, res)
}

// VerifyPayment 只读查询支付结果
// GET /api/v1/payment/verify?payment_id=cs_xxx
func (h *Handler) VerifyPayment(c *gin.Context) {
	res, err := h.payments.VerifyPayment(c.Request.Context(), auth.AccountID(c), c.Query("payment_id"))
	if err != nil {
		errcode.Fail(c, err)
		return
	}
	response.Success(c, res)
}

// ============================================================
// AI 工具
// ============================================================

// RunTool 先扣积分再调用上游
// POST /api/v1/tools/:tool
func (h *Handler) RunTool(c *gin.Context) {
	var req service.ToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	res, err := h.tools.Run(c.Request.Context(), auth.AccountID(c), c.Param("tool"), req)
	if err != nil {
		errcode.Fail(c, err)
		return
	}
	response.Success(c, res)
}

// ============================================================
// 管理
// ============================================================

// SetRole 设置管理员角色
// POST /api/v1/admin/accounts/:account_id/role
func (h *Handler) SetRole(c *gin.Context) {
	var req service.SetRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	target := c.Param("account_id")
	if err := h.accounts.SetAdmin(c.Request.Context(), auth.AccountID(c), target, *req.IsAdmin); err != nil {
		errcode.Fail(c, err)
		return
	}
	response.Success(c, gin.H{"account_id": target, "is_admin": *req.IsAdmin})
}

// SetUnlimited 设置或取消无限期窗口
// POST /api/v1/admin/accounts/:account_id/unlimited
func (h *Handler) SetUnlimited(c *gin.Context) {
	var req service.SetUnlimitedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	target := c.Param("account_id")
	if err := h.accounts.SetUnlimited(c.Request.Context(), auth.AccountID(c), target, req.Until); err != nil {
		errcode.Fail(c, err)
		return
	}
	response.Success(c, gin.H{"account_id": target, "unlimited_until": req.Until})
}

// GrantCredits 手工发放积分，按 idempotency_key 幂等
// POST /api/v1/admin/accounts/:account_id/credits
func (h *Handler) GrantCredits(c *gin.Context) {
	var req service.AdminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	res, err := h.accounts.AdminGrantCredits(c.Request.Context(), auth.AccountID(c), c.Param("account_id"), req)
	if err != nil {
		errcode.Fail(c, err)
		return
	}
	response.Success(c, res)
}

// GetAccount 管理员查看任意账户
// GET /api/v1/admin/accounts/:account_id
func (h *Handler) GetAccount(c *gin.Context) {
	summary, err := h.ledger.AccountSummary(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		errcode.Fail(c, err)
		return
	}
	response.Success(c, summary)
}
