package repository

import "errors"

var (
	ErrAccountNotFound      = errors.New("账户不存在")
	ErrInsufficientCredits  = errors.New("积分不足")
	ErrOptimisticLock       = errors.New("乐观锁冲突，请重试")
	ErrPaymentNotFound      = errors.New("支付记录不存在")
	ErrPaymentStatusInvalid = errors.New("支付状态不合法")
	ErrUsageNotFound        = errors.New("使用记录不存在")
	ErrTransactionNotFound  = errors.New("积分流水不存在")
)

// ErrDuplicateKey 内存实现的唯一约束冲突，mysql 实现由数据库报错
var ErrDuplicateKey = errors.New("唯一键冲突")
