package service

import (
	"errors"

	"creditsystem/internal/repository"
)

// 业务错误，handler 层通过 errors.Is 映射为 HTTP 状态码
var (
	ErrUnauthenticated         = errors.New("未登录或登录已失效")
	ErrForbidden               = errors.New("无权限执行该操作")
	ErrNoAllocationRemaining   = errors.New("本月发帖额度已用完，请购买积分")
	ErrInsufficientCredits     = errors.New("积分不足，请先购买积分")
	ErrDuplicatePayment        = errors.New("该支付已处理")
	ErrUpstreamUnavailable     = errors.New("AI 服务暂时不可用，积分已退回")
	ErrInvalidWebhookSignature = errors.New("回调签名校验失败")
	ErrValidation              = errors.New("参数校验失败")
	ErrBusy                    = errors.New("系统繁忙，请稍后重试")
	ErrPaymentTerminal         = errors.New("支付已失败，不能再发放积分")
	ErrPlanNotFound            = errors.New("套餐不存在")
	ErrPaymentAccountMismatch  = errors.New("支付已关联其他账户")
	ErrPaymentNotFound         = repository.ErrPaymentNotFound
	ErrAccountNotFound         = repository.ErrAccountNotFound
)
