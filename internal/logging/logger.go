// Package logging 定义全项目使用的结构化日志接口，默认实现基于 slog。
package logging

import "context"

// Logger 上下文感知的结构化日志
//
// 可变参数按 key-value 成对解析，例如：
//
//	log.Info(ctx, "积分发放成功", "account_id", id, "credits", 10)
type Logger interface {
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With 返回始终携带给定字段的子 logger
	With(args ...any) Logger
}
