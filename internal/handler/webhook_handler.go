package handler

import (
	"errors"
	"io"
	"net/http"

	"creditsystem/internal/errcode"
	"creditsystem/internal/infrastructure/payment"
	"creditsystem/internal/service"
	"creditsystem/pkg/response"

	"github.com/gin-gonic/gin"
)

const maxWebhookBodyBytes = 1 << 16

func readWebhookBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
}

// PaymentWebhook 支付方回调
// POST /api/v1/webhooks/payment
//
// 签名校验在解析之前；只有事务提交后才返回 2xx，持久化失败返回 5xx 让支付方重试
func (h *Handler) PaymentWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	payload, err := readWebhookBody(c)
	if err != nil {
		response.ParamError(c, "读取请求体失败")
		return
	}

	ev, err := h.provider.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			h.logger.Warn(ctx, "支付回调签名无效", "ip", c.ClientIP())
			errcode.Fail(c, service.ErrInvalidWebhookSignature)
			return
		}
		h.logger.Warn(ctx, "支付回调解析失败", "error", err)
		response.ParamError(c, "回调格式错误")
		return
	}

	if err := h.payments.HandleStripeEvent(ctx, ev, payload); err != nil {
		h.logger.Error(ctx, "处理支付回调失败", "event_id", ev.ID, "type", ev.Type, "error", err)
		response.ServerError(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// IdentityWebhook 身份提供方回调（Svix 签名）
// POST /api/v1/webhooks/identity
func (h *Handler) IdentityWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	if h.identity == nil {
		h.logger.Error(ctx, "未配置身份回调密钥，拒绝请求")
		errcode.Fail(c, service.ErrInvalidWebhookSignature)
		return
	}

	payload, err := readWebhookBody(c)
	if err != nil {
		response.ParamError(c, "读取请求体失败")
		return
	}
	if err := h.identity.Verify(payload, c.Request.Header); err != nil {
		h.logger.Warn(ctx, "身份回调签名无效", "ip", c.ClientIP(), "error", err)
		errcode.Fail(c, service.ErrInvalidWebhookSignature)
		return
	}

	if err := h.accounts.HandleIdentityEvent(ctx, c.GetHeader("svix-id"), payload); err != nil {
		h.logger.Error(ctx, "处理身份回调失败", "event_id", c.GetHeader("svix-id"), "error", err)
		errcode.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
