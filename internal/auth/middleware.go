package auth

import (
	"context"
	"strings"

	"creditsystem/internal/errcode"
	"creditsystem/internal/logging"
	"creditsystem/internal/model"
	"creditsystem/internal/service"

	"github.com/gin-gonic/gin"
)

const localDevSubject = "local-dev"

// AccountEnsurer 认证通过后按 subject 建立或同步账户
type AccountEnsurer interface {
	EnsureFromClaims(ctx context.Context, subject, email, name string) (*model.Account, error)
}

// MiddlewareConfig 认证中间件配置
type MiddlewareConfig struct {
	RequireScopes []string
	// 仅本地开发使用，所有请求都视为 local-dev
	DisableAuth bool
}

// Middleware 校验 Bearer 令牌，把 claims 和账户放入请求上下文
func Middleware(verifier TokenVerifier, ensurer AccountEnsurer, cfg MiddlewareConfig, logger logging.Logger) gin.HandlerFunc {
	logger = logger.With("component", "AuthMiddleware")
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var claims *Claims
		if cfg.DisableAuth {
			claims = &Claims{
				Subject: localDevSubject,
				Issuer:  "local",
				Raw:     map[string]any{"sub": localDevSubject},
			}
		} else {
			if verifier == nil {
				logger.Error(ctx, "认证失败：未配置令牌校验器", "path", c.Request.URL.Path)
				errcode.Fail(c, service.ErrUnauthenticated)
				return
			}

			authHeader := c.GetHeader("Authorization")
			if authHeader == "" {
				logger.Warn(ctx, "认证失败：缺少 Authorization 头", "path", c.Request.URL.Path)
				errcode.Fail(c, service.ErrUnauthenticated)
				return
			}
			token, ok := extractBearerToken(authHeader)
			if !ok {
				logger.Warn(ctx, "认证失败：Authorization 头格式错误", "path", c.Request.URL.Path)
				errcode.Fail(c, service.ErrUnauthenticated)
				return
			}

			var err error
			claims, err = verifier.Verify(token)
			if err != nil {
				logger.Warn(ctx, "认证失败：令牌无效", "path", c.Request.URL.Path, "error", err)
				errcode.Fail(c, service.ErrUnauthenticated)
				return
			}
			if len(cfg.RequireScopes) > 0 && !hasScopes(claims.Scope, cfg.RequireScopes) {
				logger.Warn(ctx, "认证失败：缺少 scope", "path", c.Request.URL.Path, "subject", claims.Subject)
				errcode.Fail(c, service.ErrForbidden)
				return
			}
		}

		ctx = WithClaims(ctx, claims)
		c.Request = c.Request.WithContext(ctx)

		account, err := ensurer.EnsureFromClaims(ctx, claims.Subject, claims.Email, claims.Name)
		if err != nil {
			logger.Error(ctx, "建立账户失败", "subject", claims.Subject, "error", err)
			errcode.Fail(c, err)
			return
		}
		setAccount(c, account)
		c.Next()
	}
}

// RequireAdmin 必须在 Middleware 之后使用，以账户上存储的角色为准
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := AccountFromGin(c)
		if !ok {
			errcode.Fail(c, service.ErrUnauthenticated)
			return
		}
		if !account.IsAdmin {
			errcode.Fail(c, service.ErrForbidden)
			return
		}
		c.Next()
	}
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func hasScopes(scopeClaim string, required []string) bool {
	if scopeClaim == "" {
		return false
	}
	available := map[string]struct{}{}
	for _, s := range strings.Fields(scopeClaim) {
		available[s] = struct{}{}
	}
	for _, scope := range required {
		if _, ok := available[scope]; !ok {
			return false
		}
	}
	return true
}
