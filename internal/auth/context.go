// Package auth 校验 JWT 访问令牌，并把认证结果放入请求上下文
package auth

import (
	"context"
	"time"

	"creditsystem/internal/model"

	"github.com/gin-gonic/gin"
)

type ctxKey int

const claimsKey ctxKey = iota

const accountKey = "auth.account"

// Claims 已校验的令牌信息
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	Scope     string
	Email     string
	Name      string
	Raw       map[string]any
}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

func setAccount(c *gin.Context, account *model.Account) {
	c.Set(accountKey, account)
}

// AccountFromGin 认证中间件之后可用
func AccountFromGin(c *gin.Context) (*model.Account, bool) {
	v, ok := c.Get(accountKey)
	if !ok {
		return nil, false
	}
	account, ok := v.(*model.Account)
	return account, ok && account != nil
}

// AccountID 当前请求的账户 ID（即认证 subject）
func AccountID(c *gin.Context) string {
	if account, ok := AccountFromGin(c); ok {
		return account.AuthSubject
	}
	return ""
}
