// Package errcode 业务错误到 HTTP 状态码和业务码的映射
package errcode

import (
	"errors"
	"net/http"

	"creditsystem/internal/service"
	"creditsystem/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	CodeNoAllocationRemaining  = 1001
	CodeInsufficientCredits    = 1002
	CodeAccountNotFound        = 1003
	CodePaymentNotFound        = 1004
	CodePlanNotFound           = 1005
	CodePaymentTerminal        = 1006
	CodeInvalidSignature       = 1007
	CodeBusy                   = 1008
	CodeUpstreamUnavailable    = 1009
	CodePaymentAccountConflict = 1010
)

type mapping struct {
	target error
	status int
	code   int
}

// 顺序即优先级
var mappings = []mapping{
	{service.ErrValidation, http.StatusBadRequest, response.CodeParamError},
	{service.ErrInvalidWebhookSignature, http.StatusBadRequest, CodeInvalidSignature},
	{service.ErrPlanNotFound, http.StatusBadRequest, CodePlanNotFound},
	{service.ErrUnauthenticated, http.StatusUnauthorized, response.CodeUnauthorized},
	{service.ErrForbidden, http.StatusForbidden, response.CodeForbidden},
	{service.ErrAccountNotFound, http.StatusNotFound, CodeAccountNotFound},
	{service.ErrPaymentNotFound, http.StatusNotFound, CodePaymentNotFound},
	{service.ErrNoAllocationRemaining, http.StatusPaymentRequired, CodeNoAllocationRemaining},
	{service.ErrInsufficientCredits, http.StatusPaymentRequired, CodeInsufficientCredits},
	{service.ErrPaymentTerminal, http.StatusConflict, CodePaymentTerminal},
	{service.ErrPaymentAccountMismatch, http.StatusConflict, CodePaymentAccountConflict},
	{service.ErrBusy, http.StatusTooManyRequests, CodeBusy},
	{service.ErrUpstreamUnavailable, http.StatusServiceUnavailable, CodeUpstreamUnavailable},
}

// StatusOf 业务错误对应的 HTTP 状态码和业务码
func StatusOf(err error) (int, int) {
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, response.CodeServerError
}

// Fail 将业务错误映射为响应；5xx 不返回内部错误信息
func Fail(c *gin.Context, err error) {
	status, code := StatusOf(err)
	if code == response.CodeServerError {
		_ = c.Error(err)
		response.ServerError(c)
		return
	}
	msg := err.Error()
	// 用户可处理的错误只返回固定文案
	switch code {
	case CodeNoAllocationRemaining:
		msg = service.ErrNoAllocationRemaining.Error()
	case CodeInsufficientCredits:
		msg = service.ErrInsufficientCredits.Error()
	case CodeBusy:
		msg = service.ErrBusy.Error()
	case CodeUpstreamUnavailable:
		_ = c.Error(err)
		msg = service.ErrUpstreamUnavailable.Error()
	}
	response.Error(c, status, code, msg)
}
